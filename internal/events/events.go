// Package events fans engine changes out to observers such as the API's
// server-sent event stream and the monitor's cancellation hooks.
package events

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/vietddude/outagewatch/internal/core/domain"
)

// Type names an event.
type Type string

const (
	ConnectionAdded   Type = "connection.added"
	ConnectionRemoved Type = "connection.removed"
	ConnectionToggled Type = "connection.toggled"
	OutageDetected    Type = "outage.detected"
	OutageUpdated     Type = "outage.updated"
	OutageClosed      Type = "outage.closed"
	OutageResolved    Type = "outage.resolved"
	ClaimTransitioned Type = "claim.transitioned"
	SummaryUpdated    Type = "summary.updated"

	// All subscribes to every type.
	All Type = "*"
)

// Event is one engine change.
type Event struct {
	Type         Type                   `json:"type"`
	UserID       string                 `json:"user_id"`
	ConnectionID string                 `json:"connection_id,omitempty"`
	OutageID     string                 `json:"outage_id,omitempty"`
	ClaimID      string                 `json:"claim_id,omitempty"`
	From         domain.ClaimStatus     `json:"from,omitempty"`
	To           domain.ClaimStatus     `json:"to,omitempty"`
	Monitoring   *bool                  `json:"monitoring,omitempty"`
	Outage       *domain.DetectedOutage `json:"outage,omitempty"`
	Summary      *domain.CreditSummary  `json:"summary,omitempty"`
	At           time.Time              `json:"at"`
}

// Emitter publishes events.
type Emitter interface {
	Emit(e Event)
}

// Nop discards events.
type Nop struct{}

func (Nop) Emit(Event) {}

// Handler is a function that handles events. Handlers run on the emitting
// goroutine and must not block.
type Handler func(e Event)

// Bus is a publish-subscribe hub over buffered channels. Slow subscribers
// lose events rather than stall the engine.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[Type][]chan Event
	handlers    map[Type][]Handler
	bufferSize  int
	closed      bool
	dropped     atomic.Uint64
}

// Option configures the Bus.
type Option func(*Bus)

// WithBufferSize sets the channel buffer size.
func WithBufferSize(size int) Option {
	return func(b *Bus) {
		b.bufferSize = size
	}
}

// New creates a new Bus.
func New(opts ...Option) *Bus {
	b := &Bus{
		subscribers: make(map[Type][]chan Event),
		handlers:    make(map[Type][]Handler),
		bufferSize:  64,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe returns a channel of events of type t and a function that ends
// the subscription and closes the channel.
func (b *Bus) Subscribe(t Type) (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, b.bufferSize)
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	b.subscribers[t] = append(b.subscribers[t], ch)

	var once sync.Once
	return ch, func() {
		once.Do(func() { b.unsubscribe(t, ch) })
	}
}

func (b *Bus) unsubscribe(t Type, ch chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subscribers[t]
	for i, sub := range subs {
		if sub == ch {
			b.subscribers[t] = append(subs[:i:i], subs[i+1:]...)
			close(sub)
			return
		}
	}
}

// On registers a handler for events of type t.
func (b *Bus) On(t Type, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[t] = append(b.handlers[t], h)
}

// Emit publishes an event to all subscribers and handlers.
func (b *Bus) Emit(e Event) {
	if e.At.IsZero() {
		e.At = time.Now()
	}

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return
	}

	for _, t := range []Type{e.Type, All} {
		for _, ch := range b.subscribers[t] {
			select {
			case ch <- e:
			default:
				b.dropped.Add(1)
			}
		}
	}

	handlers := append(append([]Handler(nil), b.handlers[e.Type]...), b.handlers[All]...)
	b.mu.RUnlock()

	for _, h := range handlers {
		h(e)
	}
}

// Dropped returns how many deliveries were skipped because a subscriber was full.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}

// Close closes all subscriber channels and stops the bus.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true

	for _, subs := range b.subscribers {
		for _, ch := range subs {
			close(ch)
		}
	}
	b.subscribers = make(map[Type][]chan Event)
	b.handlers = make(map[Type][]Handler)
}
