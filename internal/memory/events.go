package memory

import (
	"sync"
	"time"
)

// EventType represents the type of memory event.
type EventType string

const (
	EventMemoryCreated     EventType = "memory.created"
	EventMemoryRefreshed   EventType = "memory.refreshed"
	EventMemoryEvicted     EventType = "memory.evicted"
	EventMemoryRetrieved   EventType = "memory.retrieved"
	EventMemoryDeleted     EventType = "memory.deleted"
	EventCompletionFailed  EventType = "completion.failed"
	EventConversationSaved EventType = "conversation.saved"
)

// Event represents an engine event with associated data.
type Event struct {
	Type      EventType
	Timestamp time.Time
	UserID    string
	Data      map[string]interface{}
}

// EventHandler is a function that handles events.
type EventHandler func(Event)

// EventBus manages event publication and subscription.
// Handlers run synchronously on the publishing goroutine.
type EventBus struct {
	mu          sync.RWMutex
	handlers    map[EventType][]EventHandler
	allHandlers []EventHandler
}

// NewEventBus creates a new event bus.
func NewEventBus() *EventBus {
	return &EventBus{
		handlers: make(map[EventType][]EventHandler),
	}
}

// Subscribe registers a handler for a specific event type.
func (eb *EventBus) Subscribe(eventType EventType, handler EventHandler) {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	eb.handlers[eventType] = append(eb.handlers[eventType], handler)
}

// SubscribeAll registers a handler for all event types.
func (eb *EventBus) SubscribeAll(handler EventHandler) {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	eb.allHandlers = append(eb.allHandlers, handler)
}

// Publish sends an event to all registered handlers.
func (eb *EventBus) Publish(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	// Snapshot so handlers may subscribe without deadlocking.
	eb.mu.RLock()
	specific := append([]EventHandler(nil), eb.handlers[event.Type]...)
	all := append([]EventHandler(nil), eb.allHandlers...)
	eb.mu.RUnlock()

	for _, handler := range specific {
		handler(event)
	}
	for _, handler := range all {
		handler(event)
	}
}

// PublishWithData publishes an event with associated data.
func (eb *EventBus) PublishWithData(eventType EventType, userID string, data map[string]interface{}) {
	eb.Publish(Event{
		Type:   eventType,
		UserID: userID,
		Data:   data,
	})
}
