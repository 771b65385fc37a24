// Package publisher re-emits archived events onto an event bus.
package publisher

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/eventbridge"
	"github.com/aws/aws-sdk-go-v2/service/eventbridge/types"
	"github.com/rs/zerolog"

	"github.com/chronos/ebreplay/internal/models"
)

// Publisher sends one archived event to a bus.
//
// A call-level failure is returned as a *models.TransportError. Entries the bus
// rejected are reported in the PublishResult with a nil error.
type Publisher interface {
	Publish(ctx context.Context, event models.ArchivedEvent, bus string) (models.PublishResult, error)
}

// PutEventsAPI is the subset of the EventBridge client used for publishing.
type PutEventsAPI interface {
	PutEvents(ctx context.Context, params *eventbridge.PutEventsInput, optFns ...func(*eventbridge.Options)) (*eventbridge.PutEventsOutput, error)
}

// EventBridge publishes through the EventBridge PutEvents API.
type EventBridge struct {
	client PutEventsAPI
	logger zerolog.Logger
}

// NewEventBridge creates an EventBridge publisher.
func NewEventBridge(client PutEventsAPI, logger zerolog.Logger) *EventBridge {
	return &EventBridge{
		client: client,
		logger: logger.With().Str("component", "publisher").Logger(),
	}
}

// Publish issues a single PutEvents call with a single entry. It does not retry.
func (p *EventBridge) Publish(ctx context.Context, event models.ArchivedEvent, bus string) (models.PublishResult, error) {
	out, err := p.client.PutEvents(ctx, &eventbridge.PutEventsInput{
		Entries: []types.PutEventsRequestEntry{Entry(event, bus)},
	})
	if err != nil {
		return models.PublishResult{}, &models.TransportError{Op: "put events", Err: err}
	}

	result := models.PublishResult{
		FailedEntryCount: int(out.FailedEntryCount),
		TotalEntryCount:  1,
		Entries:          make([]models.EntryResult, 0, len(out.Entries)),
	}
	for _, e := range out.Entries {
		result.Entries = append(result.Entries, models.EntryResult{
			EventID:      aws.ToString(e.EventId),
			ErrorCode:    aws.ToString(e.ErrorCode),
			ErrorMessage: aws.ToString(e.ErrorMessage),
		})
	}
	if err := result.Validate(); err != nil {
		return models.PublishResult{}, &models.TransportError{Op: "put events", Err: err}
	}

	p.logger.Debug().
		Str("event_id", event.ID).
		Str("bus", bus).
		Int("failed_entry_count", result.FailedEntryCount).
		Msg("Published event")

	return result, nil
}

// Entry builds the request entry for event. Source, detail type, detail and
// time are copied unchanged.
func Entry(event models.ArchivedEvent, bus string) types.PutEventsRequestEntry {
	entry := types.PutEventsRequestEntry{
		DetailType:   aws.String(event.DetailType),
		EventBusName: aws.String(bus),
		Source:       aws.String(event.Source),
	}
	if len(event.Detail) > 0 {
		entry.Detail = aws.String(string(event.Detail))
	}
	if !event.Time.IsZero() {
		entry.Time = aws.Time(event.Time)
	}
	return entry
}
