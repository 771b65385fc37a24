// Package trigger turns replayed EventBridge deliveries into replay executions.
package trigger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"

	"github.com/chronos/ebreplay/internal/metrics"
	"github.com/chronos/ebreplay/internal/models"
)

// DefaultAllowedSources is the source the replay rule matches by default.
var DefaultAllowedSources = []string{"eb-test-app"}

// envelope is an EventBridge event as delivered by a replay. Replayed events
// carry the replay-name field; live traffic does not.
type envelope struct {
	events.CloudWatchEvent
	ReplayName string `json:"replay-name"`
}

// input is what the replay rule's input transformer produces.
type input struct {
	OriginalEvent json.RawMessage `json:"originalEvent"`
	StartTime     string          `json:"startTime"`
	EndTime       string          `json:"endTime,omitempty"`
	AttemptIndex  int             `json:"attemptIndex,omitempty"`
}

// Parse decodes a trigger body. It accepts either the transformed rule input
// {"originalEvent": <envelope>, "startTime": RFC3339} or a bare envelope.
// A bare envelope has no window bounds, so pacing policies that need them fail
// the execution with a calculation error.
func Parse(body []byte) (models.ReplayContext, error) {
	if !gjson.ValidBytes(body) {
		return models.ReplayContext{}, fmt.Errorf("%w: body is not valid JSON", models.ErrInvalidEvent)
	}

	var in input
	raw := body
	if gjson.GetBytes(body, "originalEvent").Exists() {
		if err := json.Unmarshal(body, &in); err != nil {
			return models.ReplayContext{}, fmt.Errorf("%w: %v", models.ErrInvalidEvent, err)
		}
		raw = in.OriginalEvent
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return models.ReplayContext{}, fmt.Errorf("%w: %v", models.ErrInvalidEvent, err)
	}

	rc := models.ReplayContext{
		Event: models.ArchivedEvent{
			ID:         env.ID,
			Source:     env.Source,
			DetailType: env.DetailType,
			Detail:     env.Detail,
			Time:       env.Time,
			Account:    env.AccountID,
			Region:     env.Region,
			Resources:  env.Resources,
		},
		ReplayName:   env.ReplayName,
		AttemptIndex: in.AttemptIndex,
	}

	var err error
	if rc.WindowStart, err = parseTime("startTime", in.StartTime); err != nil {
		return models.ReplayContext{}, err
	}
	if rc.WindowEnd, err = parseTime("endTime", in.EndTime); err != nil {
		return models.ReplayContext{}, err
	}
	return rc, nil
}

func parseTime(field, value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %s: %v", models.ErrInvalidEvent, field, err)
	}
	return t, nil
}

// Filter decides which parsed events may start an execution.
type Filter struct {
	// AllowedSources restricts replays to these sources. Empty allows all.
	AllowedSources []string
}

// Check returns ErrNotReplayed for live traffic and ErrSourceNotAllowed for
// sources outside the allow-list.
func (f Filter) Check(rc models.ReplayContext) error {
	if rc.ReplayName == "" {
		return models.ErrNotReplayed
	}
	if len(f.AllowedSources) > 0 && !slices.Contains(f.AllowedSources, rc.Event.Source) {
		return fmt.Errorf("%w: %q", models.ErrSourceNotAllowed, rc.Event.Source)
	}
	return nil
}

// Submitter starts executions.
type Submitter interface {
	Submit(ctx context.Context, rc models.ReplayContext) (*models.Execution, error)
}

// Result labels recorded per trigger.
const (
	ResultAccepted  = "accepted"
	ResultDuplicate = "duplicate"
	ResultRejected  = "rejected"
	ResultInvalid   = "invalid"
	ResultError     = "error"
)

// Intake parses, filters and submits triggers for one entry point.
type Intake struct {
	name      string
	filter    Filter
	submitter Submitter
	metrics   *metrics.Metrics
	logger    zerolog.Logger
}

// NewIntake creates an intake. name labels its metrics and logs.
func NewIntake(name string, filter Filter, submitter Submitter, m *metrics.Metrics, logger zerolog.Logger) *Intake {
	return &Intake{
		name:      name,
		filter:    filter,
		submitter: submitter,
		metrics:   m,
		logger:    logger.With().Str("component", "trigger").Str("intake", name).Logger(),
	}
}

// Handle parses body and submits it. A duplicate returns the running
// execution together with ErrExecutionExists.
func (in *Intake) Handle(ctx context.Context, body []byte) (*models.Execution, error) {
	rc, err := Parse(body)
	if err == nil {
		err = in.filter.Check(rc)
	}
	if err != nil {
		in.metrics.RecordTrigger(in.name, Classify(err))
		in.logger.Debug().Err(err).Msg("Trigger rejected")
		return nil, err
	}

	exec, err := in.submitter.Submit(ctx, rc)
	in.metrics.RecordTrigger(in.name, Classify(err))
	if err != nil && !errors.Is(err, models.ErrExecutionExists) {
		in.logger.Warn().
			Err(err).
			Str("replay_name", rc.ReplayName).
			Str("event_id", rc.Event.ID).
			Msg("Failed to submit trigger")
	}
	return exec, err
}

// Classify maps a Handle error to its result label.
func Classify(err error) string {
	switch {
	case err == nil:
		return ResultAccepted
	case errors.Is(err, models.ErrExecutionExists):
		return ResultDuplicate
	case errors.Is(err, models.ErrNotReplayed), errors.Is(err, models.ErrSourceNotAllowed):
		return ResultRejected
	case errors.Is(err, models.ErrInvalidEvent):
		return ResultInvalid
	default:
		return ResultError
	}
}

// Settled reports whether a trigger needs no redelivery: it was accepted, is a
// duplicate, or can never be accepted.
func Settled(err error) bool {
	return Classify(err) != ResultError
}
