package events

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Realtime event types pushed by the church API.
const (
	EventHeartbeat      = "heartbeat"
	EventCheckinNew     = "checkin:new"
	EventEventUpdated   = "event:updated"
	EventRsvpChanged    = "rsvp:changed"
	EventGroupRequest   = "group:request"
	EventPathwayUpdated = "pathway:updated"
)

// Event is a typed notification with a JSON payload.
type Event struct {
	Type      string          `json:"event"`
	Payload   json.RawMessage `json:"data,omitempty"`
	CreatedAt time.Time       `json:"ts"`
}

// EventHandler reacts to an event.
type EventHandler func(event *Event) error

type handlerEntry struct {
	id      uint64
	handler EventHandler
}

// Bus provides in-process pub/sub keyed by event type.
// The optional hooks fire when a type gains its first handler or loses its last.
type Bus struct {
	mu          sync.RWMutex
	nextID      uint64
	subscribers map[string][]handlerEntry
	onFirst     func(eventType string)
	onLast      func(eventType string)
	logger      zerolog.Logger
}

// BusOption configures a Bus.
type BusOption func(*Bus)

// WithTypeHooks registers callbacks for first-subscribe and last-unsubscribe of a type.
func WithTypeHooks(onFirst, onLast func(eventType string)) BusOption {
	return func(b *Bus) {
		b.onFirst = onFirst
		b.onLast = onLast
	}
}

// WithBusLogger sets the logger used for handler failures.
func WithBusLogger(logger zerolog.Logger) BusOption {
	return func(b *Bus) { b.logger = logger }
}

// NewBus constructs an empty bus.
func NewBus(opts ...BusOption) *Bus {
	b := &Bus{subscribers: make(map[string][]handlerEntry), logger: zerolog.Nop()}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Subscribe registers a handler for a given event type and returns its unsubscribe func.
// Calling the unsubscribe func more than once is a no-op.
func (b *Bus) Subscribe(eventType string, handler EventHandler) func() {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	first := len(b.subscribers[eventType]) == 0
	b.subscribers[eventType] = append(b.subscribers[eventType], handlerEntry{id: id, handler: handler})
	onFirst := b.onFirst
	b.mu.Unlock()

	if first && onFirst != nil {
		onFirst(eventType)
	}

	var once sync.Once
	return func() {
		once.Do(func() { b.remove(eventType, id) })
	}
}

func (b *Bus) remove(eventType string, id uint64) {
	b.mu.Lock()
	entries := b.subscribers[eventType]
	for i, e := range entries {
		if e.id == id {
			entries = append(entries[:i:i], entries[i+1:]...)
			break
		}
	}
	last := len(entries) == 0
	if last {
		delete(b.subscribers, eventType)
	} else {
		b.subscribers[eventType] = entries
	}
	onLast := b.onLast
	b.mu.Unlock()

	if last && onLast != nil {
		onLast(eventType)
	}
}

// Types returns every event type that has at least one handler.
func (b *Bus) Types() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	types := make([]string, 0, len(b.subscribers))
	for t := range b.subscribers {
		types = append(types, t)
	}
	return types
}

// HasSubscribers reports whether eventType has any handler.
func (b *Bus) HasSubscribers(eventType string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers[eventType]) > 0
}

// Publish notifies subscribers of the event type in registration order.
// A failing or panicking handler does not stop delivery to the rest.
func (b *Bus) Publish(event *Event) {
	b.mu.RLock()
	handlers := append([]handlerEntry(nil), b.subscribers[event.Type]...)
	b.mu.RUnlock()

	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}

	for _, h := range handlers {
		if err := safeCall(func() error { return h.handler(event) }); err != nil {
			b.logger.Warn().Err(err).Str("event", event.Type).Msg("event handler failed")
		}
	}
}

// PublishJSON serializes the payload and publishes an event.
func (b *Bus) PublishJSON(eventType string, payload interface{}) error {
	if b == nil {
		return nil
	}

	event, err := NewJSONEvent(eventType, payload)
	if err != nil {
		return err
	}

	b.Publish(&event)
	return nil
}

// NewJSONEvent builds an Event with JSON payload for manual publishing.
func NewJSONEvent(eventType string, payload interface{}) (Event, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Event{}, err
	}

	return Event{Type: eventType, Payload: raw, CreatedAt: time.Now()}, nil
}

func safeCall(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return fn()
}
