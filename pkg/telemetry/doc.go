// Package telemetry provides observability for wsm: structured logging
// (zerolog), tracing (OpenTelemetry), metrics (Prometheus) and an in-process
// event publisher.
//
// Initialize telemetry at startup and attach it to the context that runs are
// executed under:
//
//	tel, err := telemetry.NewTelemetry(telemetry.DefaultConfig())
//	if err != nil {
//		return err
//	}
//	defer tel.Shutdown(context.Background())
//	ctx = tel.WithContext(ctx)
//
// Every component obtained from a disabled configuration is a safe no-op, so
// callers never need nil checks:
//
//	m := telemetry.NewNopMetrics()
//	m.RecordRunStarted("create-bucket") // does nothing
//
// Cloud adapters wrap each API call with RecordCloudOperation, which opens a
// span and updates the cloud_calls_total and cloud_errors_total counters when
// telemetry is present on the context.
package telemetry
