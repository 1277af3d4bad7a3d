// Package backoff provides exponential backoff with jitter for the gateway
// reconnect loop.
package backoff

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// Policy defines the parameters for exponential backoff calculation.
type Policy struct {
	// Initial is the delay before the first retry.
	Initial time.Duration

	// Max caps the computed delay.
	Max time.Duration

	// Factor is the exponential factor applied per attempt.
	Factor float64

	// Jitter is the randomization factor (0.0 to 1.0) added to the delay.
	Jitter float64
}

// Gateway returns the policy used for Discord gateway connections:
// 1s initial, doubling, 10% jitter.
func Gateway(max time.Duration) Policy {
	return Policy{
		Initial: time.Second,
		Max:     max,
		Factor:  2,
		Jitter:  0.1,
	}
}

// Delay computes the backoff for an attempt. Attempts are zero-indexed:
// attempt 0 yields the initial delay plus jitter.
func (p Policy) Delay(attempt int) time.Duration {
	return p.DelayWithRand(attempt, rand.Float64()) // #nosec G404 -- jitter does not require cryptographic randomness
}

// DelayWithRand computes the backoff using a provided random value in
// [0.0, 1.0). Used by tests for deterministic results.
func (p Policy) DelayWithRand(attempt int, randomValue float64) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	base := float64(p.Initial) * math.Pow(p.Factor, float64(attempt))
	total := base + base*p.Jitter*randomValue
	if max := float64(p.Max); p.Max > 0 && total > max {
		total = max
	}
	return time.Duration(total)
}

// Sleep waits for the attempt's delay, respecting context cancellation.
func (p Policy) Sleep(ctx context.Context, attempt int) error {
	delay := p.Delay(attempt)
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
