// Package ratelimit tracks server-imposed throttling.
//
// The remote service answers an over-quota call with "retry after N
// seconds". The Limiter records that deadline and lets the engine suspend a
// single step until it passes, without abandoning the operation.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Clock abstracts time so the wait can be driven deterministically in tests.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

// SystemClock is the wall clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

func (SystemClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// Limiter remembers the earliest time the next remote call may be issued.
type Limiter struct {
	clock Clock

	mu      sync.Mutex
	until   time.Time
	signals int
}

// New creates a Limiter. A nil clock selects SystemClock.
func New(clock Clock) *Limiter {
	if clock == nil {
		clock = SystemClock{}
	}
	return &Limiter{clock: clock}
}

// CanProceed reports whether a remote call may be issued now.
func (l *Limiter) CanProceed() bool {
	_, waiting := l.WaitDuration()
	return !waiting
}

// WaitDuration returns the remaining wait and true while a rate-limit
// signal is in effect.
func (l *Limiter) WaitDuration() (time.Duration, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.until.IsZero() {
		return 0, false
	}
	remaining := l.until.Sub(l.clock.Now())
	if remaining <= 0 {
		l.until = time.Time{}
		return 0, false
	}
	return remaining, true
}

// RecordRateLimitSignal registers a "retry after seconds" answer. A later
// deadline never shortens an earlier one.
func (l *Limiter) RecordRateLimitSignal(seconds int) {
	if seconds < 0 {
		seconds = 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	l.signals++
	deadline := l.clock.Now().Add(time.Duration(seconds) * time.Second)
	if deadline.After(l.until) {
		l.until = deadline
	}
}

// Signals returns how many rate-limit answers have been recorded.
func (l *Limiter) Signals() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.signals
}

// Wait blocks until CanProceed would return true or ctx is done.
func (l *Limiter) Wait(ctx context.Context) error {
	for {
		d, waiting := l.WaitDuration()
		if !waiting {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.clock.After(d):
		}
	}
}
