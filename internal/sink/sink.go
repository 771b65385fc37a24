// Package sink forwards per-execution outcome records to an observability destination.
package sink

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
	"go.uber.org/multierr"

	"github.com/chronos/ebreplay/internal/models"
)

// Record is the observability record emitted after a classified publish.
type Record struct {
	Timestamp time.Time `json:"timestamp"`
	Message   Message   `json:"message"`
}

// Message is the body of a Record.
type Message struct {
	ID               string         `json:"id"`
	ExecutionID      string         `json:"execution_id"`
	ReplayName       string         `json:"replay_name"`
	Outcome          models.Outcome `json:"outcome"`
	FailedEntryCount int            `json:"failed_entry_count"`
}

// NewRecord builds the record for a classified execution. The timestamp is the
// archived event's own time, matching what downstream consumers see on the bus.
func NewRecord(exec *models.Execution) Record {
	rec := Record{
		Timestamp: exec.Context.Event.Time,
		Message: Message{
			ID:          CorrelationID(exec.Context.Event.Detail),
			ExecutionID: exec.ID,
			ReplayName:  exec.ReplayName,
			Outcome:     exec.Outcome,
		},
	}
	if exec.Result != nil {
		rec.Message.FailedEntryCount = exec.Result.FailedEntryCount
	}
	return rec
}

// CorrelationID extracts detail.id from an event detail payload.
func CorrelationID(detail json.RawMessage) string {
	if len(detail) == 0 {
		return ""
	}
	return gjson.GetBytes(detail, "id").String()
}

// Sink receives records. Delivery is best effort: callers log errors and move on.
type Sink interface {
	Emit(ctx context.Context, rec Record) error
}

// Log writes records to a zerolog logger.
type Log struct {
	logger zerolog.Logger
}

// NewLog creates a log sink.
func NewLog(logger zerolog.Logger) *Log {
	return &Log{logger: logger.With().Str("component", "sink").Logger()}
}

// Emit implements Sink.
func (s *Log) Emit(_ context.Context, rec Record) error {
	s.logger.Info().
		Time("timestamp", rec.Timestamp).
		Str("id", rec.Message.ID).
		Str("execution_id", rec.Message.ExecutionID).
		Str("replay_name", rec.Message.ReplayName).
		Str("outcome", string(rec.Message.Outcome)).
		Int("failed_entry_count", rec.Message.FailedEntryCount).
		Msg("Replay outcome")
	return nil
}

// Multi fans a record out to several sinks and combines their errors.
type Multi []Sink

// Emit implements Sink.
func (m Multi) Emit(ctx context.Context, rec Record) error {
	var err error
	for _, s := range m {
		err = multierr.Append(err, s.Emit(ctx, rec))
	}
	return err
}

// Discard drops every record.
type Discard struct{}

// Emit implements Sink.
func (Discard) Emit(context.Context, Record) error { return nil }
