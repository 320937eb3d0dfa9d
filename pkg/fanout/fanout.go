package fanout

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/openfroyo/wsm/pkg/telemetry"
)

const (
	// DefaultPollInterval is the pause between polls of one operation.
	DefaultPollInterval = 5 * time.Second

	// DefaultMaxWait is the per-operation polling ceiling.
	DefaultMaxWait = 60 * time.Minute
)

// Config tunes a fan-out.
type Config struct {
	PollInterval time.Duration `yaml:"pollInterval" json:"pollInterval" validate:"gte=0"`
	MaxWait      time.Duration `yaml:"maxWait" json:"maxWait" validate:"gte=0"`
}

// DefaultConfig returns the default tuning.
func DefaultConfig() Config {
	return Config{PollInterval: DefaultPollInterval, MaxWait: DefaultMaxWait}
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.MaxWait <= 0 {
		c.MaxWait = DefaultMaxWait
	}
	return c
}

// Run enumerates src, starts an operation for every item the driver does not
// skip and polls each one in its own goroutine. The ceiling of each poll is
// measured from that poll's start. The returned error reports a failed
// enumeration; the result still holds every operation started before it.
func Run[T any](ctx context.Context, src Source[T], driver Driver[T], cfg Config) (*Result[T], error) {
	cfg = cfg.withDefaults()
	logger := telemetry.FromContext(ctx).NewComponentLogger("fanout")
	metrics := telemetry.NewNopMetrics()
	if tel := telemetry.FromTelemetryContext(ctx); tel != nil {
		metrics = tel.Metrics
	}

	res := newResult[T]()
	var mu sync.Mutex
	finish := func(op Operation[T]) {
		metrics.RecordFanOutOperation(op.Status.String())
		mu.Lock()
		res.add(op)
		mu.Unlock()
	}

	var g errgroup.Group
	var enumErr error
	for {
		item, ok, err := src.Next(ctx)
		if err != nil {
			enumErr = fmt.Errorf("failed to enumerate items: %w", err)
			break
		}
		if !ok {
			break
		}
		if driver.Skip(item) {
			mu.Lock()
			res.Skipped++
			mu.Unlock()
			continue
		}

		op, err := driver.Start(ctx, item)
		if err != nil {
			op.Item = item
			op.Status = StatusFailed
			op.Err = fmt.Errorf("failed to start operation: %w", err)
			finish(op)
			continue
		}
		if op.StartedAt.IsZero() {
			op.StartedAt = time.Now()
		}

		g.Go(func() error {
			finish(poll(ctx, driver, op, cfg))
			return nil
		})
	}

	_ = g.Wait()
	logger.Debugf("fan-out finished: %s", res.Summary())
	return res, enumErr
}

// poll polls op until it reaches a terminal status, the ceiling passes or
// ctx is done. The returned copy is never modified afterwards.
func poll[T any](ctx context.Context, driver Driver[T], op Operation[T], cfg Config) Operation[T] {
	deadline := time.Now().Add(cfg.MaxWait)
	timer := time.NewTimer(0)
	defer timer.Stop()

	op.Status = StatusInProgress
	for {
		select {
		case <-ctx.Done():
			op.Err = ctx.Err()
			return op
		case <-timer.C:
		}

		op.Polls++
		status, err := driver.Poll(ctx, op)
		if err != nil {
			op.Status = StatusFailed
			op.Err = err
			return op
		}
		if status.IsTerminal() {
			op.Status = status
			return op
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			op.Err = fmt.Errorf("operation %s still in progress after %s", op.ID, cfg.MaxWait)
			return op
		}
		timer.Reset(min(cfg.PollInterval, remaining))
	}
}
