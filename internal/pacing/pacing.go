// Package pacing computes how long a replayed event waits before it is re-published.
package pacing

import (
	"fmt"
	"math"
	"time"

	"github.com/chronos/ebreplay/internal/models"
)

// Policy names.
const (
	PolicyTimeDistance = "time_distance"
	PolicyProportional = "proportional"
	PolicyImmediate    = "immediate"
)

// Defaults.
const (
	DefaultFactor   = 0.01
	DefaultMaxDelay = 24 * time.Hour
)

// Calculator derives a wait decision from a replay context.
// Implementations must be pure: the same context always yields the same decision.
type Calculator interface {
	Compute(rc models.ReplayContext) (models.WaitDecision, error)
}

// Options selects and tunes a policy.
type Options struct {
	Policy       string
	Factor       float64
	TargetWindow time.Duration
	MaxDelay     time.Duration
}

// New returns the calculator for opts.Policy. An empty policy selects time_distance.
func New(opts Options) (Calculator, error) {
	switch opts.Policy {
	case "", PolicyTimeDistance:
		return &TimeDistance{Factor: opts.Factor, MaxDelay: opts.MaxDelay}, nil
	case PolicyProportional:
		if opts.TargetWindow <= 0 {
			return nil, fmt.Errorf("pacing: proportional policy requires a positive target window")
		}
		return &Proportional{TargetWindow: opts.TargetWindow, MaxDelay: opts.MaxDelay}, nil
	case PolicyImmediate:
		return Immediate{}, nil
	default:
		return nil, fmt.Errorf("pacing: unknown policy %q", opts.Policy)
	}
}

// TimeDistance waits a fixed fraction of the distance between the event and the start
// of the replay window, so events keep their relative order and spacing, compressed.
type TimeDistance struct {
	Factor   float64
	MaxDelay time.Duration
}

// Compute implements Calculator.
func (c *TimeDistance) Compute(rc models.ReplayContext) (models.WaitDecision, error) {
	if err := checkEventTime(rc); err != nil {
		return models.WaitDecision{}, err
	}
	if rc.WindowStart.IsZero() {
		return models.WaitDecision{}, &models.CalculationError{Reason: "replay start time is missing"}
	}

	factor := c.Factor
	if factor <= 0 {
		factor = DefaultFactor
	}
	secs := factor * rc.Event.Time.Sub(rc.WindowStart).Seconds()
	return decide(secs, c.MaxDelay), nil
}

// Proportional maps the archive window linearly onto TargetWindow, spreading the
// replay evenly regardless of how long the archived window was.
type Proportional struct {
	TargetWindow time.Duration
	MaxDelay     time.Duration
}

// Compute implements Calculator.
func (c *Proportional) Compute(rc models.ReplayContext) (models.WaitDecision, error) {
	if err := checkEventTime(rc); err != nil {
		return models.WaitDecision{}, err
	}
	if rc.WindowStart.IsZero() || rc.WindowEnd.IsZero() {
		return models.WaitDecision{}, &models.CalculationError{Reason: "replay window bounds are missing"}
	}
	span := rc.WindowEnd.Sub(rc.WindowStart)
	if span <= 0 {
		return models.WaitDecision{}, &models.CalculationError{
			Reason: fmt.Sprintf("replay window end %s is not after start %s",
				rc.WindowEnd.Format(time.RFC3339), rc.WindowStart.Format(time.RFC3339)),
		}
	}

	offset := rc.Event.Time.Sub(rc.WindowStart)
	if offset > span {
		offset = span
	}
	secs := offset.Seconds() / span.Seconds() * c.TargetWindow.Seconds()
	return decide(secs, c.MaxDelay), nil
}

// Immediate re-publishes without waiting.
type Immediate struct{}

// Compute implements Calculator.
func (Immediate) Compute(rc models.ReplayContext) (models.WaitDecision, error) {
	if err := checkEventTime(rc); err != nil {
		return models.WaitDecision{}, err
	}
	return models.WaitDecision{}, nil
}

func checkEventTime(rc models.ReplayContext) error {
	if rc.Event.Time.IsZero() {
		return &models.CalculationError{Reason: "event time is missing"}
	}
	return nil
}

// decide rounds secs to whole seconds and clamps it to [0, maxDelay].
func decide(secs float64, maxDelay time.Duration) models.WaitDecision {
	if maxDelay <= 0 {
		maxDelay = DefaultMaxDelay
	}
	limit := maxDelay.Seconds()
	switch {
	case math.IsNaN(secs) || secs <= 0:
		return models.WaitDecision{}
	case secs >= limit:
		return models.WaitDecision{DelaySeconds: int(math.Floor(limit))}
	}
	return models.WaitDecision{DelaySeconds: int(math.Round(secs))}
}
