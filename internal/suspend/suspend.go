// Package suspend parks a replay execution until its computed wake time.
package suspend

import (
	"context"
	"time"

	"github.com/chronos/ebreplay/pkg/clock"
)

// Suspender blocks the calling goroutine on a clock timer.
type Suspender struct {
	clock clock.Clock
}

// New returns a Suspender driven by c.
func New(c clock.Clock) *Suspender {
	if c == nil {
		c = clock.New()
	}
	return &Suspender{clock: c}
}

// WaitFor suspends for delaySeconds. A non-positive delay returns immediately.
// If ctx is done first, the cancellation cause is returned.
func (s *Suspender) WaitFor(ctx context.Context, delaySeconds int) error {
	return s.wait(ctx, time.Duration(delaySeconds)*time.Second)
}

// Until suspends until the clock reaches t.
func (s *Suspender) Until(ctx context.Context, t time.Time) error {
	return s.wait(ctx, s.clock.Until(t))
}

func (s *Suspender) wait(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return context.Cause(ctx)
	}
	if d <= 0 {
		return nil
	}

	timer := s.clock.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C():
		return nil
	case <-ctx.Done():
		return context.Cause(ctx)
	}
}
