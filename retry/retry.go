// Package retry implements the shared exponential-backoff-with-jitter
// policy used by session propagation and the sync operation processor.
// Keeping both subsystems on one implementation means one tested delay
// schedule and one set of tunables.
package retry

import (
	"context"
	"math/rand/v2"
	"time"
)

// Default policy values.
const (
	DefaultMaxAttempts    = 3
	DefaultBaseDelay      = 500 * time.Millisecond
	DefaultMaxDelay       = 30 * time.Second
	DefaultJitterFraction = 0.1
)

// Policy describes a retry schedule. The zero value is usable and selects
// the defaults.
type Policy struct {
	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts int
	// BaseDelay is the delay before the first retry.
	BaseDelay time.Duration
	// MaxDelay caps the exponential growth.
	MaxDelay time.Duration
	// JitterFraction is the maximum random increase applied to each delay,
	// expressed as a fraction of the computed delay. Jitter spreads retries
	// from many nodes so they do not hit a recovering dependency in lockstep.
	JitterFraction float64
}

func (p Policy) withDefaults() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultMaxAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = DefaultBaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = DefaultMaxDelay
	}
	if p.JitterFraction <= 0 {
		p.JitterFraction = DefaultJitterFraction
	}
	return p
}

// Delay returns the deterministic delay before retry attempt n (0-based):
// min(BaseDelay * 2^n, MaxDelay), without jitter.
func (p Policy) Delay(attempt int) time.Duration {
	p = p.withDefaults()
	if attempt < 0 {
		attempt = 0
	}
	d := p.BaseDelay
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

// JitteredDelay returns Delay(attempt) plus a uniform random term in
// [0, JitterFraction*delay]. The result is never negative and never
// exceeds Delay(attempt) * (1 + JitterFraction).
func (p Policy) JitteredDelay(attempt int) time.Duration {
	p = p.withDefaults()
	d := p.Delay(attempt)
	jitter := time.Duration(rand.Float64() * p.JitterFraction * float64(d))
	return d + jitter
}

// Do runs op until it succeeds, the policy's attempt budget is exhausted,
// or ctx is canceled. Between failed attempts it sleeps for the jittered
// backoff delay. On exhaustion the last error is returned; on cancellation
// the context error is returned.
func Do(ctx context.Context, p Policy, op func(ctx context.Context) error) error {
	p = p.withDefaults()

	var lastErr error
	for attempt := 0; attempt < p.MaxAttempts; attempt++ {
		if attempt > 0 {
			if err := sleep(ctx, p.JitteredDelay(attempt-1)); err != nil {
				return err
			}
		}
		if err := op(ctx); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	return lastErr
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
