package saga

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/sethvargo/go-retry"
)

// RetryPolicy hands out a fresh back-off schedule for every task invocation.
type RetryPolicy interface {
	Name() string
	Backoff() retry.Backoff
}

// retriesFor converts a total attempt budget into the retry count go-retry
// expects. Zero means unbounded.
func retriesFor(attempts uint64) uint64 {
	if attempts <= 1 {
		return 0
	}
	return attempts - 1
}

func positive(d, fallback time.Duration) time.Duration {
	if d <= 0 {
		return fallback
	}
	return d
}

// NoRetry runs the task once.
type NoRetry struct{}

// Name returns the policy name.
func (NoRetry) Name() string { return "none" }

// Backoff returns a schedule that stops immediately.
func (NoRetry) Backoff() retry.Backoff {
	return retry.BackoffFunc(func() (time.Duration, bool) { return 0, true })
}

// FixedInterval retries with a constant pause.
type FixedInterval struct {
	Interval    time.Duration `yaml:"interval" json:"interval"`
	MaxAttempts uint64        `yaml:"maxAttempts" json:"maxAttempts"`
}

// Name returns the policy name.
func (p FixedInterval) Name() string {
	return fmt.Sprintf("fixed(%s x%d)", p.Interval, p.MaxAttempts)
}

// Backoff returns the schedule.
func (p FixedInterval) Backoff() retry.Backoff {
	b := retry.NewConstant(positive(p.Interval, time.Second))
	if p.MaxAttempts == 0 {
		return b
	}
	return retry.WithMaxRetries(retriesFor(p.MaxAttempts), b)
}

// Exponential doubles the pause after every attempt up to Max, giving up after
// MaxDuration or MaxAttempts, whichever comes first.
type Exponential struct {
	Initial     time.Duration `yaml:"initial" json:"initial"`
	Max         time.Duration `yaml:"max" json:"max"`
	MaxDuration time.Duration `yaml:"maxDuration" json:"maxDuration"`
	MaxAttempts uint64        `yaml:"maxAttempts" json:"maxAttempts"`
}

// Name returns the policy name.
func (p Exponential) Name() string {
	return fmt.Sprintf("exponential(%s..%s, %s)", p.Initial, p.Max, p.MaxDuration)
}

// Backoff returns the schedule.
func (p Exponential) Backoff() retry.Backoff {
	b := retry.NewExponential(positive(p.Initial, time.Second))
	if p.Max > 0 {
		b = retry.WithCappedDuration(p.Max, b)
	}
	if p.MaxAttempts > 0 {
		b = retry.WithMaxRetries(retriesFor(p.MaxAttempts), b)
	}
	if p.MaxDuration > 0 {
		b = retry.WithMaxDuration(p.MaxDuration, b)
	}
	return b
}

// TwoPhase waits InitialInterval between the first InitialAttempts retries,
// then LongInterval for up to LongAttempts more. MaxDuration bounds the whole
// schedule. Permission propagation is usually fast but occasionally takes
// tens of minutes, so both phases are tunable.
type TwoPhase struct {
	InitialInterval time.Duration `yaml:"initialInterval" json:"initialInterval"`
	InitialAttempts uint64        `yaml:"initialAttempts" json:"initialAttempts"`
	LongInterval    time.Duration `yaml:"longInterval" json:"longInterval"`
	LongAttempts    uint64        `yaml:"longAttempts" json:"longAttempts"`
	MaxDuration     time.Duration `yaml:"maxDuration" json:"maxDuration"`
}

// Name returns the policy name.
func (p TwoPhase) Name() string {
	return fmt.Sprintf("two-phase(%s x%d, %s x%d)",
		p.InitialInterval, p.InitialAttempts, p.LongInterval, p.LongAttempts)
}

// Backoff returns the schedule.
func (p TwoPhase) Backoff() retry.Backoff {
	var n uint64
	short := positive(p.InitialInterval, time.Second)
	long := positive(p.LongInterval, short)
	var b retry.Backoff = retry.BackoffFunc(func() (time.Duration, bool) {
		n++
		switch {
		case n <= p.InitialAttempts:
			return short, false
		case n <= p.InitialAttempts+p.LongAttempts:
			return long, false
		default:
			return 0, true
		}
	})
	if p.MaxDuration > 0 {
		b = retry.WithMaxDuration(p.MaxDuration, b)
	}
	return b
}

// PolicySet names the retry policies workflows are assembled from.
type PolicySet struct {
	// Cloud covers fast, transient cloud API failures.
	Cloud RetryPolicy
	// CloudLongRunning covers cloud calls that block on slow operations.
	CloudLongRunning RetryPolicy
	// ShortDatabase covers metadata store writes.
	ShortDatabase RetryPolicy
	// ShortExponential covers quick local retries.
	ShortExponential RetryPolicy
	// LongSync covers permission and identity propagation waits.
	LongSync RetryPolicy
}

// DefaultPolicySet returns the built-in tuning.
func DefaultPolicySet() PolicySet {
	return PolicySet{
		Cloud: Exponential{
			Initial:     time.Second,
			Max:         8 * time.Second,
			MaxDuration: 5 * time.Minute,
		},
		CloudLongRunning: Exponential{
			Initial:     time.Second,
			Max:         30 * time.Second,
			MaxDuration: 20 * time.Minute,
		},
		ShortDatabase: FixedInterval{
			Interval:    time.Second,
			MaxAttempts: 5,
		},
		ShortExponential: Exponential{
			Initial:     time.Second,
			Max:         8 * time.Second,
			MaxDuration: 30 * time.Second,
		},
		LongSync: TwoPhase{
			InitialInterval: 15 * time.Second,
			InitialAttempts: 8,
			LongInterval:    3 * time.Minute,
			LongAttempts:    10,
			MaxDuration:     30 * time.Minute,
		},
	}
}

// PolicyHolder lets the active PolicySet be swapped while workflows are being
// composed, e.g. after a configuration reload.
type PolicyHolder struct {
	current atomic.Pointer[PolicySet]
}

// NewPolicyHolder returns a holder initialised with set.
func NewPolicyHolder(set PolicySet) *PolicyHolder {
	h := &PolicyHolder{}
	h.Store(set)
	return h
}

// Load returns the current policy set.
func (h *PolicyHolder) Load() PolicySet {
	if p := h.current.Load(); p != nil {
		return *p
	}
	return DefaultPolicySet()
}

// Store replaces the current policy set. Nil entries keep their defaults.
func (h *PolicyHolder) Store(set PolicySet) {
	def := DefaultPolicySet()
	if set.Cloud == nil {
		set.Cloud = def.Cloud
	}
	if set.CloudLongRunning == nil {
		set.CloudLongRunning = def.CloudLongRunning
	}
	if set.ShortDatabase == nil {
		set.ShortDatabase = def.ShortDatabase
	}
	if set.ShortExponential == nil {
		set.ShortExponential = def.ShortExponential
	}
	if set.LongSync == nil {
		set.LongSync = def.LongSync
	}
	h.current.Store(&set)
}
