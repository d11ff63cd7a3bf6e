package ai

import (
	"context"
	"time"
)

// RetryPolicy bounds the blocking-mode calls to the upstream model.
type RetryPolicy struct {
	MaxAttempts    int
	BaseDelay      time.Duration
	AttemptTimeout time.Duration
	// Sleep waits between attempts; tests replace it to record delays.
	Sleep func(ctx context.Context, d time.Duration) error
}

// DefaultRetryPolicy is three attempts of at most 60s each, 1s then 2s apart.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    3,
		BaseDelay:      time.Second,
		AttemptTimeout: 60 * time.Second,
	}
}

// Delay returns the wait after the given failed attempt (1-based).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	return p.BaseDelay * time.Duration(attempt)
}

func (p RetryPolicy) normalized() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}
	if p.BaseDelay < 0 {
		p.BaseDelay = 0
	}
	if p.Sleep == nil {
		p.Sleep = sleepContext
	}
	return p
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
