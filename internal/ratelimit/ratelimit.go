// Package ratelimit tracks consecutive failures for one logical channel
// group and computes the exponential backoff imposed before the next retry.
package ratelimit

import (
	"sync"
	"time"
)

const (
	DefaultBaseDelay  = 2 * time.Second
	DefaultMaxDelay   = 60 * time.Second
	DefaultMaxRetries = 10
)

// Limiter is pure state, no I/O. A single goroutine drives reconnect
// attempts for a given channel group; the mutex only guards against
// concurrent readers such as monitoring loops.
type Limiter struct {
	mu          sync.Mutex
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxRetries  int
	failures    int
	lastFailure time.Time
	limited     bool

	now func() time.Time
}

// New creates a Limiter. Non-positive arguments fall back to the defaults.
func New(baseDelay, maxDelay time.Duration, maxRetries int) *Limiter {
	if baseDelay <= 0 {
		baseDelay = DefaultBaseDelay
	}
	if maxDelay <= 0 {
		maxDelay = DefaultMaxDelay
	}
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	return &Limiter{
		baseDelay:  baseDelay,
		maxDelay:   maxDelay,
		maxRetries: maxRetries,
		now:        time.Now,
	}
}

// RecordFailure increments the failure count. Once the count reaches the
// configured maximum the limiter turns limited and stays limited until
// RecordSuccess.
func (l *Limiter) RecordFailure() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failures++
	l.lastFailure = l.now()
	if l.failures >= l.maxRetries {
		l.limited = true
	}
}

// RecordSuccess resets the failure count and clears the limited flag.
func (l *Limiter) RecordSuccess() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failures = 0
	l.lastFailure = time.Time{}
	l.limited = false
}

// BackoffDelay returns min(base * 2^(failures-1), max), or zero when there
// are no recorded failures.
func (l *Limiter) BackoffDelay() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.backoffDelayLocked()
}

func (l *Limiter) backoffDelayLocked() time.Duration {
	if l.failures == 0 {
		return 0
	}
	delay := l.baseDelay
	for i := 1; i < l.failures; i++ {
		delay *= 2
		if delay >= l.maxDelay {
			return l.maxDelay
		}
	}
	if delay > l.maxDelay {
		return l.maxDelay
	}
	return delay
}

// ReadyToRetry reports whether enough time has passed since the last failure
// for another attempt. Always true with zero failures.
func (l *Limiter) ReadyToRetry() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.failures == 0 {
		return true
	}
	return l.now().Sub(l.lastFailure) >= l.backoffDelayLocked()
}

// RetryAfter returns the remaining wait before the next attempt is allowed,
// clamped at zero so callers never sleep a negative duration.
func (l *Limiter) RetryAfter() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.failures == 0 {
		return 0
	}
	remaining := l.backoffDelayLocked() - l.now().Sub(l.lastFailure)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Limited reports whether the failure count has reached the configured
// maximum. The flag is sticky until RecordSuccess.
func (l *Limiter) Limited() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.limited
}

// Failures returns the current consecutive failure count.
func (l *Limiter) Failures() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.failures
}
