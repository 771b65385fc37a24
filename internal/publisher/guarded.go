package publisher

import (
	"context"

	"github.com/chronos/ebreplay/internal/models"
)

// Guarded wraps a Publisher with a per-bus circuit breaker. While the breaker
// is open the call is not made and a TransportError wrapping ErrCircuitOpen
// is returned. An open breaker fails every execution that reaches publishing
// on that bus, so it is opt-in.
type Guarded struct {
	next     Publisher
	breakers *BreakerRegistry
}

// NewGuarded wraps next.
func NewGuarded(next Publisher, breakers *BreakerRegistry) *Guarded {
	if breakers == nil {
		breakers = NewBreakerRegistry(nil, nil)
	}
	return &Guarded{next: next, breakers: breakers}
}

// Publish implements Publisher.
func (g *Guarded) Publish(ctx context.Context, event models.ArchivedEvent, bus string) (models.PublishResult, error) {
	cb := g.breakers.Get(bus)
	if !cb.Allow() {
		return models.PublishResult{}, &models.TransportError{Op: "put events", Err: ErrCircuitOpen}
	}

	// Rejected entries are about the event, not the bus. Only call-level
	// failures count against the breaker.
	result, err := g.next.Publish(ctx, event, bus)
	if err != nil {
		cb.RecordFailure()
	} else {
		cb.RecordSuccess()
	}
	return result, err
}

// Breakers returns the registry backing g.
func (g *Guarded) Breakers() *BreakerRegistry {
	return g.breakers
}
