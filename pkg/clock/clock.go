// Package clock is the time source for everything in ebreplay that sleeps or
// timestamps: execution waits and transition times in the orchestrator, the
// publish circuit breaker's cool-down, archive replay polling, SQS receive
// backoff and the store prune loop.
//
// Production code uses New. Tests use MockClock, whose timers only fire when
// the test moves time forward, so a five minute replay wait runs instantly
// and deterministically.
package clock

import "time"

// Clock reads the current time and arms timers.
type Clock interface {
	Now() time.Time
	Since(t time.Time) time.Duration
	// Until is how long a wait for t must suspend; negative once t has passed.
	Until(t time.Time) time.Duration
	NewTimer(d time.Duration) Timer
	After(d time.Duration) <-chan time.Time
}

// Timer is the subset of time.Timer the suspender needs. C is a method so
// MockClock can hand out its own channel.
type Timer interface {
	C() <-chan time.Time
	Stop() bool
	Reset(d time.Duration) bool
}

// Real is the wall clock.
type Real struct{}

// New returns the wall clock.
func New() Clock { return Real{} }

func (Real) Now() time.Time                         { return time.Now() }
func (Real) Since(t time.Time) time.Duration        { return time.Since(t) }
func (Real) Until(t time.Time) time.Duration        { return time.Until(t) }
func (Real) After(d time.Duration) <-chan time.Time { return time.After(d) }

func (Real) NewTimer(d time.Duration) Timer {
	return wallTimer{time.NewTimer(d)}
}

type wallTimer struct{ *time.Timer }

func (t wallTimer) C() <-chan time.Time { return t.Timer.C }
