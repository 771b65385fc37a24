package publisher

import (
	"context"
	"fmt"
	"sync"

	"github.com/chronos/ebreplay/internal/models"
)

// RespondFunc produces the outcome of a fake publish.
type RespondFunc func(ctx context.Context, event models.ArchivedEvent, bus string) (models.PublishResult, error)

// Call is a publish observed by a Fake.
type Call struct {
	Event models.ArchivedEvent
	Bus   string
}

// Fake is an in-memory Publisher that records every call.
// By default every publish succeeds.
type Fake struct {
	mu      sync.Mutex
	calls   []Call
	respond RespondFunc
}

// NewFake creates a Fake that accepts every event.
func NewFake() *Fake {
	return &Fake{}
}

// OnPublish replaces the response behaviour.
func (f *Fake) OnPublish(fn RespondFunc) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.respond = fn
}

// Publish implements Publisher.
func (f *Fake) Publish(ctx context.Context, event models.ArchivedEvent, bus string) (models.PublishResult, error) {
	f.mu.Lock()
	event.Detail = append([]byte(nil), event.Detail...)
	f.calls = append(f.calls, Call{Event: event, Bus: bus})
	n := len(f.calls)
	respond := f.respond
	f.mu.Unlock()

	if respond != nil {
		return respond(ctx, event, bus)
	}
	return models.PublishResult{
		TotalEntryCount: 1,
		Entries:         []models.EntryResult{{EventID: fmt.Sprintf("fake-%d", n)}},
	}, nil
}

// Calls returns a copy of the recorded calls.
func (f *Fake) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Call, len(f.calls))
	copy(out, f.calls)
	return out
}

// CallCount returns the number of publishes observed.
func (f *Fake) CallCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

// RejectEntries returns a RespondFunc where the bus rejects the entry.
func RejectEntries(code, message string) RespondFunc {
	return func(context.Context, models.ArchivedEvent, string) (models.PublishResult, error) {
		return models.PublishResult{
			FailedEntryCount: 1,
			TotalEntryCount:  1,
			Entries:          []models.EntryResult{{ErrorCode: code, ErrorMessage: message}},
		}, nil
	}
}

// FailCalls returns a RespondFunc where the call itself fails with err.
func FailCalls(err error) RespondFunc {
	return func(context.Context, models.ArchivedEvent, string) (models.PublishResult, error) {
		return models.PublishResult{}, &models.TransportError{Op: "put events", Err: err}
	}
}
