// Package bus provides an internal event bus for component communication
package bus

import (
	"sync"
)

// EventType identifies different event types
type EventType string

// Event types for the KANA shell
const (
	// Connection events
	EventTypeConnected    EventType = "connection.connected"
	EventTypeDisconnected EventType = "connection.disconnected"
	EventTypeError        EventType = "connection.error"

	// Session events
	EventTypeStateChanged        EventType = "session.state_changed"
	EventTypeListeningStarted    EventType = "session.listening_started"
	EventTypeListeningStopped    EventType = "session.listening_stopped"
	EventTypeTranscriptAppended  EventType = "session.transcript_appended"
	EventTypeTranscriptFinalized EventType = "session.transcript_finalized"
	EventTypeSentenceEnded       EventType = "session.sentence_ended"
	EventTypeDanceRequested      EventType = "session.dance_requested"

	// Intent events
	EventTypeIntentDispatched EventType = "intent.dispatched"

	// Supervisor events
	EventTypeBackendStarted EventType = "supervise.backend_started"
	EventTypeBackendHealthy EventType = "supervise.backend_healthy"
	EventTypeBackendStopped EventType = "supervise.backend_stopped"

	// Clip catalog events
	EventTypeCatalogReloaded EventType = "clips.catalog_reloaded"
)

// Event represents a bus event
type Event struct {
	Type EventType
	Data map[string]any
}

// Handler is a function that handles events
type Handler func(Event)

// EventBus is a simple pub/sub event bus
type EventBus struct {
	mu       sync.RWMutex
	handlers map[EventType][]Handler
}

// NewEventBus creates a new event bus
func NewEventBus() *EventBus {
	return &EventBus{
		handlers: make(map[EventType][]Handler),
	}
}

// Subscribe adds a handler for an event type
func (b *EventBus) Subscribe(eventType EventType, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.handlers[eventType] = append(b.handlers[eventType], handler)
}

// SubscribeMultiple adds a handler for multiple event types
func (b *EventBus) SubscribeMultiple(eventTypes []EventType, handler Handler) {
	for _, et := range eventTypes {
		b.Subscribe(et, handler)
	}
}

// Publish sends an event to all subscribed handlers
func (b *EventBus) Publish(event Event) {
	b.mu.RLock()
	handlers := make([]Handler, len(b.handlers[event.Type]))
	copy(handlers, b.handlers[event.Type])
	b.mu.RUnlock()

	for _, handler := range handlers {
		// Call handlers in goroutines to avoid blocking
		go handler(event)
	}
}

// PublishSync sends an event and waits for all handlers to complete.
// Edge-sensitive consumers (the intent router) need in-order delivery,
// so handlers run on the caller's goroutine.
func (b *EventBus) PublishSync(event Event) {
	b.mu.RLock()
	handlers := make([]Handler, len(b.handlers[event.Type]))
	copy(handlers, b.handlers[event.Type])
	b.mu.RUnlock()

	for _, handler := range handlers {
		handler(event)
	}
}

// Clear removes all handlers
func (b *EventBus) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = make(map[EventType][]Handler)
}
