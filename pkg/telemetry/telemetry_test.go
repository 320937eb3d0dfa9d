package telemetry

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestConfigValidate(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should be valid: %v", err)
	}

	cfg.Logging.Level = "loud"
	if err := cfg.Validate(); err == nil {
		t.Error("expected invalid log level to be rejected")
	}

	cfg = DefaultConfig()
	cfg.Tracing.Enabled = true
	cfg.Tracing.Exporter = "jaeger"
	if err := cfg.Validate(); err == nil {
		t.Error("expected unsupported exporter to be rejected")
	}
}

func TestNopComponentsAreSafe(t *testing.T) {
	m := NewNopMetrics()
	m.RecordRunStarted("wf")
	m.RecordRunCompleted("wf", "succeeded", time.Second)
	m.RecordStep("wf", "step", "do", "success", time.Millisecond)
	m.RecordStepRetry("wf", "step")
	m.RecordCompensation("wf", "succeeded")
	m.RecordTransition("READY", "DELETING", "ok")
	m.RecordFanOutOperation("succeeded")
	m.RecordCloudCall("aws", "CreateBucket", time.Millisecond)
	m.RecordCloudError("aws", "CreateBucket")

	if err := NewNopEventPublisher().PublishRunStarted("r", "wf"); err != nil {
		t.Errorf("nop publisher returned error: %v", err)
	}

	_, span := NewNopTracer().StartRunSpan(context.Background(), "r", "wf")
	span.End()
}

func TestMetricsRecordRun(t *testing.T) {
	m, err := NewMetrics(MetricsConfig{Enabled: true, Namespace: "test"})
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	m.RecordRunStarted("create-bucket")
	m.RecordRunStarted("create-bucket")
	m.RecordRunCompleted("create-bucket", "succeeded", time.Second)

	if got := testutil.ToFloat64(m.runsStarted.WithLabelValues("create-bucket")); got != 2 {
		t.Errorf("runs started = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.activeRuns); got != 1 {
		t.Errorf("active runs = %v, want 1", got)
	}
}

func TestRecordCloudOperation(t *testing.T) {
	m, _ := NewMetrics(MetricsConfig{Enabled: true, Namespace: "test"})
	tel := NewNopTelemetry()
	tel.Metrics = m
	ctx := tel.WithContext(context.Background())

	boom := errors.New("boom")
	err := RecordCloudOperation(ctx, "aws", "DeleteBucket", func(context.Context) error { return boom })
	if !errors.Is(err, boom) {
		t.Fatalf("expected wrapped function error, got %v", err)
	}

	if got := testutil.ToFloat64(m.cloudErrors.WithLabelValues("aws", "DeleteBucket")); got != 1 {
		t.Errorf("cloud errors = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.cloudCalls.WithLabelValues("aws", "DeleteBucket")); got != 1 {
		t.Errorf("cloud calls = %v, want 1", got)
	}
}

func TestEventPublisherAsyncDrainsOnShutdown(t *testing.T) {
	ep, err := NewEventPublisher(EventsConfig{Enabled: true, EnableAsync: true, BufferSize: 16})
	if err != nil {
		t.Fatalf("NewEventPublisher: %v", err)
	}

	var got []string
	ep.Subscribe(func(e Event) { got = append(got, e.Type) }, FilterByRunID("run-1"))

	_ = ep.PublishRunStarted("run-1", "wf")
	_ = ep.PublishStepCompleted("run-1", "step", "do", 1)
	_ = ep.PublishRunStarted("run-2", "wf")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := ep.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	if strings.Join(got, ",") != "run.started,step.completed" {
		t.Errorf("delivered events = %v", got)
	}
}
