// Package backoff implements the jittered exponential backoff policy shared
// by transport reconnects and trade-command retries, so retry behavior is
// tunable from one place.
package backoff

import (
	"context"
	"math/rand"
	"time"
)

// Policy computes wait times between attempts:
//
//	delay(n) = min(Base * Factor^(n-1), Cap) + U(0, Jitter*Base)
//
// Attempt numbers start at 1. MaxAttempts <= 0 means unlimited.
type Policy struct {
	Base        time.Duration
	Factor      float64
	Cap         time.Duration
	Jitter      float64
	MaxAttempts int
}

// Default is the reconnect policy used by all external links: 1s base,
// doubling, 10% jitter, 60s cap, 10 attempts before escalation.
func Default() Policy {
	return Policy{
		Base:        time.Second,
		Factor:      2.0,
		Cap:         60 * time.Second,
		Jitter:      0.10,
		MaxAttempts: 10,
	}
}

// Retry is the trade-command retry policy: 1s base, doubling, full jitter
// of one base unit, 30s cap, 3 attempts.
func Retry() Policy {
	return Policy{
		Base:        time.Second,
		Factor:      2.0,
		Cap:         30 * time.Second,
		Jitter:      1.0,
		MaxAttempts: 3,
	}
}

// Delay returns the wait before the given attempt (1-based).
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(p.Base)
	for i := 1; i < attempt; i++ {
		d *= p.Factor
		if time.Duration(d) >= p.Cap {
			d = float64(p.Cap)
			break
		}
	}
	if time.Duration(d) > p.Cap {
		d = float64(p.Cap)
	}
	if p.Jitter > 0 {
		d += rand.Float64() * p.Jitter * float64(p.Base)
	}
	return time.Duration(d)
}

// Exhausted reports whether attempt exceeds the policy's attempt budget.
func (p Policy) Exhausted(attempt int) bool {
	return p.MaxAttempts > 0 && attempt > p.MaxAttempts
}

// Wait sleeps for Delay(attempt) or until ctx is cancelled.
func (p Policy) Wait(ctx context.Context, attempt int) error {
	t := time.NewTimer(p.Delay(attempt))
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
