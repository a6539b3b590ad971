// Copyright 2024-2026 Aiku AI

package supervisor

import (
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Strategy selects how the delay between connection attempts evolves.
type Strategy string

const (
	StrategyConstant    Strategy = "constant"
	StrategyExponential Strategy = "exponential"
)

const (
	DefaultRetryDelay    = 10 * time.Second
	DefaultMaxRetryDelay = 5 * time.Minute
)

// Policy configures reconnection. The zero MaxAttempts means retries never
// stop; the bot keeps healing itself until shutdown.
type Policy struct {
	Strategy    Strategy
	Delay       time.Duration
	MaxDelay    time.Duration
	MaxAttempts int

	// RetryOnAuthFailure schedules a retry when credentials are rejected.
	RetryOnAuthFailure bool
	// TakeoverOnConflict reconnects immediately when another session with the
	// same identity replaces this one, instead of staying disconnected.
	TakeoverOnConflict bool
}

// DefaultPolicy returns a fixed 10 second delay with no attempt cap.
func DefaultPolicy() Policy {
	return Policy{
		Strategy:           StrategyConstant,
		Delay:              DefaultRetryDelay,
		MaxDelay:           DefaultMaxRetryDelay,
		RetryOnAuthFailure: true,
		TakeoverOnConflict: true,
	}
}

func (p Policy) newBackOff() backoff.BackOff {
	delay := p.Delay
	if delay <= 0 {
		delay = DefaultRetryDelay
	}
	if p.Strategy != StrategyExponential {
		return backoff.NewConstantBackOff(delay)
	}
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = delay
	eb.MaxInterval = p.MaxDelay
	if eb.MaxInterval <= 0 {
		eb.MaxInterval = DefaultMaxRetryDelay
	}
	eb.Reset()
	return eb
}

// exhausted reports whether the given number of consecutive attempts used up
// the policy.
func (p Policy) exhausted(attempts int) bool {
	return p.MaxAttempts > 0 && attempts >= p.MaxAttempts
}
