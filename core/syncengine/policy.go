package syncengine

import (
	"time"

	"github.com/trezcool/shule/core/offline"
)

// RetryPolicy decides which queue items a pass attempts.
// The zero value retries every failed item on every pass, forever.
type RetryPolicy struct {
	// MaxAttempts parks items that failed this many times (0 means unlimited).
	// Parked items stay queued until an operator resets or clears them.
	MaxAttempts int
	// BaseDelay delays the retry of a failed item by BaseDelay*2^(attempts-1), capped at MaxDelay.
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

// Parked reports whether the item reached MaxAttempts.
func (p RetryPolicy) Parked(item offline.QueueItem) bool {
	return p.MaxAttempts > 0 && item.Attempts >= p.MaxAttempts
}

// Backoff returns the delay after the given number of failed attempts.
func (p RetryPolicy) Backoff(attempts int) time.Duration {
	if attempts <= 0 || p.BaseDelay <= 0 {
		return 0
	}
	delay := p.BaseDelay
	for i := 1; i < attempts; i++ {
		delay *= 2
		if p.MaxDelay > 0 && delay >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		return p.MaxDelay
	}
	return delay
}

// Due reports whether a failed item waited long enough since its last attempt.
func (p RetryPolicy) Due(item offline.QueueItem, now time.Time) bool {
	if item.Attempts == 0 || item.LastAttemptAt.IsZero() {
		return true
	}
	return !now.Before(item.LastAttemptAt.Add(p.Backoff(item.Attempts)))
}
