package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// ArchivedEvent is an event previously captured by the bus archive.
// The core never mutates it; Detail is kept byte-for-byte.
type ArchivedEvent struct {
	ID         string          `json:"id"`
	Source     string          `json:"source"`
	DetailType string          `json:"detail-type"`
	Detail     json.RawMessage `json:"detail"`
	Time       time.Time       `json:"time"`
	Account    string          `json:"account,omitempty"`
	Region     string          `json:"region,omitempty"`
	Resources  []string        `json:"resources,omitempty"`
}

// Validate checks the fields the publisher needs.
func (e *ArchivedEvent) Validate() error {
	if e.Source == "" {
		return fmt.Errorf("%w: source is required", ErrInvalidEvent)
	}
	if e.DetailType == "" {
		return fmt.Errorf("%w: detail-type is required", ErrInvalidEvent)
	}
	if len(e.Detail) > 0 && !json.Valid(e.Detail) {
		return fmt.Errorf("%w: detail is not valid JSON", ErrInvalidEvent)
	}
	return nil
}

// ReplayContext is the read-only input for one replay execution.
type ReplayContext struct {
	Event        ArchivedEvent `json:"event"`
	ReplayName   string        `json:"replay_name"`
	AttemptIndex int           `json:"attempt_index"`
	WindowStart  time.Time     `json:"window_start"`
	WindowEnd    time.Time     `json:"window_end,omitempty"`
}

// WaitDecision is the calculator's output.
type WaitDecision struct {
	DelaySeconds int `json:"delay_seconds"`
}

// Delay returns the decision as a time.Duration.
func (d WaitDecision) Delay() time.Duration {
	return time.Duration(d.DelaySeconds) * time.Second
}

// EntryResult is the bus response for a single published entry.
type EntryResult struct {
	EventID      string `json:"event_id,omitempty"`
	ErrorCode    string `json:"error_code,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
}

// Failed returns true if the bus rejected the entry.
func (r EntryResult) Failed() bool {
	return r.ErrorCode != ""
}

// PublishResult is the bus response to a publish call.
type PublishResult struct {
	FailedEntryCount int           `json:"failed_entry_count"`
	TotalEntryCount  int           `json:"total_entry_count"`
	Entries          []EntryResult `json:"entries,omitempty"`
}

// Validate checks 0 <= FailedEntryCount <= TotalEntryCount and TotalEntryCount >= 1.
func (r PublishResult) Validate() error {
	if r.TotalEntryCount < 1 {
		return fmt.Errorf("publish result has %d entries", r.TotalEntryCount)
	}
	if r.FailedEntryCount < 0 || r.FailedEntryCount > r.TotalEntryCount {
		return fmt.Errorf("publish result reports %d of %d entries failed",
			r.FailedEntryCount, r.TotalEntryCount)
	}
	return nil
}
