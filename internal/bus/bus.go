// Package bus provides the in-process publish point that decouples channel
// I/O from device and payment consumers. Inbound frames, connection state
// changes and payment lifecycle events all flow through a single Bus instance
// injected into each component; subscriptions are explicit and return their
// own unsubscribe function.
package bus

import "sync"

// Reserved envelope types for events the application itself publishes, as
// opposed to frames received from a peer.
const (
	TypeConnectionState = "connection.state"
	TypePaymentStatus   = "payment.status"
	TypePaymentResult   = "payment.result"
)

// Filter selects envelopes by source and type. Empty fields match anything.
type Filter struct {
	Category string
	Endpoint string
	Type     string
}

// Matches reports whether the envelope passes the filter.
func (f Filter) Matches(e Envelope) bool {
	if f.Type != "" && f.Type != e.Type {
		return false
	}
	if f.Category != "" || f.Endpoint != "" {
		if e.Source == nil {
			return false
		}
		if f.Category != "" && f.Category != e.Source.Category {
			return false
		}
		if f.Endpoint != "" && f.Endpoint != e.Source.Endpoint {
			return false
		}
	}
	return true
}

// Handler processes a published envelope. Handlers are invoked synchronously
// in publish order on the publisher's goroutine.
type Handler func(Envelope)

type subscription struct {
	id      int64
	filter  Filter
	handler Handler
}

// Bus is a thread-safe publish/subscribe channel for envelopes.
type Bus struct {
	mu     sync.Mutex
	subs   []subscription
	nextID int64
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{}
}

// Subscribe registers a handler for envelopes matching the filter and returns
// the corresponding unsubscribe function.
func (b *Bus) Subscribe(filter Filter, handler Handler) func() {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs = append(b.subs, subscription{id: id, filter: filter, handler: handler})
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, s := range b.subs {
			if s.id == id {
				b.subs = append(b.subs[:i], b.subs[i+1:]...)
				return
			}
		}
	}
}

// Publish delivers the envelope to every matching subscriber. Handlers run
// outside the bus lock so they may subscribe or unsubscribe reentrantly.
func (b *Bus) Publish(e Envelope) {
	b.mu.Lock()
	subs := make([]subscription, len(b.subs))
	copy(subs, b.subs)
	b.mu.Unlock()

	for _, s := range subs {
		if s.filter.Matches(e) {
			s.handler(e)
		}
	}
}
