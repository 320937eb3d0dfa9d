package config

import (
	"fmt"
	"time"

	"github.com/openfroyo/wsm/pkg/saga"
)

// Policy types accepted in the retry section.
const (
	PolicyNone        = "none"
	PolicyFixed       = "fixed"
	PolicyExponential = "exponential"
	PolicyTwoPhase    = "twoPhase"
)

// PolicyConfig describes one retry policy. Which fields apply depends on
// Type; an empty Type keeps the built-in policy.
type PolicyConfig struct {
	Type string `yaml:"type" validate:"omitempty,oneof=none fixed exponential twoPhase"`

	// fixed
	Interval time.Duration `yaml:"interval,omitempty" validate:"gte=0"`

	// exponential
	Initial time.Duration `yaml:"initial,omitempty" validate:"gte=0"`
	Max     time.Duration `yaml:"max,omitempty" validate:"gte=0"`

	// twoPhase
	InitialInterval time.Duration `yaml:"initialInterval,omitempty" validate:"gte=0"`
	InitialAttempts uint64        `yaml:"initialAttempts,omitempty"`
	LongInterval    time.Duration `yaml:"longInterval,omitempty" validate:"gte=0"`
	LongAttempts    uint64        `yaml:"longAttempts,omitempty"`

	MaxAttempts uint64        `yaml:"maxAttempts,omitempty"`
	MaxDuration time.Duration `yaml:"maxDuration,omitempty" validate:"gte=0"`
}

// Policy converts the description, returning nil when Type is empty.
func (p PolicyConfig) Policy() (saga.RetryPolicy, error) {
	switch p.Type {
	case "":
		return nil, nil
	case PolicyNone:
		return saga.NoRetry{}, nil
	case PolicyFixed:
		if p.Interval <= 0 {
			return nil, fmt.Errorf("fixed policy needs a positive interval")
		}
		if p.MaxAttempts == 0 {
			return nil, fmt.Errorf("fixed policy never gives up; set maxAttempts")
		}
		return saga.FixedInterval{Interval: p.Interval, MaxAttempts: p.MaxAttempts}, nil
	case PolicyExponential:
		if p.Initial <= 0 {
			return nil, fmt.Errorf("exponential policy needs a positive initial delay")
		}
		if p.Max > 0 && p.Max < p.Initial {
			return nil, fmt.Errorf("exponential policy max %s is below initial %s", p.Max, p.Initial)
		}
		if p.MaxAttempts == 0 && p.MaxDuration == 0 {
			return nil, fmt.Errorf("exponential policy never gives up; set maxAttempts or maxDuration")
		}
		return saga.Exponential{
			Initial:     p.Initial,
			Max:         p.Max,
			MaxDuration: p.MaxDuration,
			MaxAttempts: p.MaxAttempts,
		}, nil
	case PolicyTwoPhase:
		if p.InitialInterval <= 0 || p.LongInterval <= 0 {
			return nil, fmt.Errorf("twoPhase policy needs positive intervals")
		}
		if p.InitialAttempts+p.LongAttempts == 0 && p.MaxDuration == 0 {
			return nil, fmt.Errorf("twoPhase policy never gives up")
		}
		return saga.TwoPhase{
			InitialInterval: p.InitialInterval,
			InitialAttempts: p.InitialAttempts,
			LongInterval:    p.LongInterval,
			LongAttempts:    p.LongAttempts,
			MaxDuration:     p.MaxDuration,
		}, nil
	default:
		return nil, fmt.Errorf("unknown policy type %q", p.Type)
	}
}

// RetryConfig overrides the named policies workflows are built from.
type RetryConfig struct {
	Cloud            PolicyConfig `yaml:"cloud"`
	CloudLongRunning PolicyConfig `yaml:"cloudLongRunning"`
	ShortDatabase    PolicyConfig `yaml:"shortDatabase"`
	ShortExponential PolicyConfig `yaml:"shortExponential"`
	LongSync         PolicyConfig `yaml:"longSync"`
}

func (r RetryConfig) entries() []struct {
	name string
	cfg  PolicyConfig
	dst  func(*saga.PolicySet, saga.RetryPolicy)
} {
	return []struct {
		name string
		cfg  PolicyConfig
		dst  func(*saga.PolicySet, saga.RetryPolicy)
	}{
		{"cloud", r.Cloud, func(s *saga.PolicySet, p saga.RetryPolicy) { s.Cloud = p }},
		{"cloudLongRunning", r.CloudLongRunning, func(s *saga.PolicySet, p saga.RetryPolicy) { s.CloudLongRunning = p }},
		{"shortDatabase", r.ShortDatabase, func(s *saga.PolicySet, p saga.RetryPolicy) { s.ShortDatabase = p }},
		{"shortExponential", r.ShortExponential, func(s *saga.PolicySet, p saga.RetryPolicy) { s.ShortExponential = p }},
		{"longSync", r.LongSync, func(s *saga.PolicySet, p saga.RetryPolicy) { s.LongSync = p }},
	}
}

// Validate checks that every configured policy converts.
func (r RetryConfig) Validate() error {
	_, err := r.PolicySet()
	return err
}

// PolicySet returns the configured policies. Unconfigured entries are nil
// and fall back to the defaults when stored in a saga.PolicyHolder.
func (r RetryConfig) PolicySet() (saga.PolicySet, error) {
	var set saga.PolicySet
	for _, e := range r.entries() {
		p, err := e.cfg.Policy()
		if err != nil {
			return saga.PolicySet{}, fmt.Errorf("%s: %w", e.name, err)
		}
		if p != nil {
			e.dst(&set, p)
		}
	}
	return set, nil
}
