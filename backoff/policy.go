// Package backoff holds the single retry delay policy used by the mutation queue,
// change publication and the catalog client.
package backoff

import (
	"context"
	"math"
	"time"

	"github.com/mmdatafocus/pos_sync/syncerr"
)

type Policy struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	MaxAttempts  int
}

func DefaultPolicy() Policy {
	return Policy{
		InitialDelay: 60 * time.Second,
		Multiplier:   2.0,
		MaxDelay:     3600 * time.Second,
		MaxAttempts:  3,
	}
}

// Delay returns min(MaxDelay, InitialDelay * Multiplier^(attempt-1)).
// attempt is 1-based; values below 1 are treated as 1.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}
	d := float64(p.InitialDelay) * math.Pow(mult, float64(attempt-1))
	if p.MaxDelay > 0 && (d > float64(p.MaxDelay) || math.IsInf(d, 1)) {
		return p.MaxDelay
	}
	return time.Duration(d)
}

// DelayFor is Delay widened to honor a server retry hint carried by err.
// The hint is itself capped at MaxDelay so a hostile header cannot park work forever.
func (p Policy) DelayFor(attempt int, err error) time.Duration {
	d := p.Delay(attempt)
	if hint := syncerr.RetryAfter(err); hint > d {
		d = hint
		if p.MaxDelay > 0 && d > p.MaxDelay {
			d = p.MaxDelay
		}
	}
	return d
}

// Exhausted reports whether attempts have reached MaxAttempts.
func (p Policy) Exhausted(attempts int) bool {
	return p.MaxAttempts > 0 && attempts >= p.MaxAttempts
}

// Retry runs fn until it succeeds, returns a non-retryable error, the policy is
// exhausted or ctx is done. The last error is returned.
func Retry(ctx context.Context, p Policy, fn func(ctx context.Context) error) error {
	attempt := 0
	for {
		attempt++
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if !syncerr.IsRetryable(err) || p.Exhausted(attempt) {
			return err
		}
		t := time.NewTimer(p.DelayFor(attempt, err))
		select {
		case <-ctx.Done():
			t.Stop()
			return err
		case <-t.C:
		}
	}
}
