// Package bus provides the fire-and-forget reporting sink. Pipeline
// components publish interaction events; observers (metrics recorder,
// diagnostics) subscribe. Nothing published here feeds back into control
// flow.
package bus

import (
	"sync"
	"time"
)

// EventType identifies different event types
type EventType string

// Event types for the reflex agent
const (
	// Conversation events
	EventConversationStart EventType = "conversation.start"
	EventConversationEnd   EventType = "conversation.end"
	EventGreetingSent      EventType = "conversation.greeting_sent"
	EventGreetingSkipped   EventType = "conversation.greeting_skipped"

	// Vision events
	EventFaceDetected   EventType = "vision.face_detected"
	EventFaceLocked     EventType = "vision.face_locked"
	EventFaceLost       EventType = "vision.face_lost"
	EventAgentReset     EventType = "vision.agent_reset"
	EventVisionFallback EventType = "vision.fallback_voice_only"

	// Pipeline events
	EventStageLatency EventType = "pipeline.stage_latency"
	EventWorkerError  EventType = "pipeline.worker_error"
	EventQueueDepth   EventType = "pipeline.queue_depth"
)

// Event is a published bus event.
type Event struct {
	Type      EventType
	Timestamp time.Time

	// Detail is a short human-readable note (greeting text, error string).
	Detail string
	// Stage names the pipeline stage for latency/error/depth events.
	Stage string
	// Latency carries the measurement for EventStageLatency.
	Latency time.Duration
	// Depth carries the queue depth for EventQueueDepth.
	Depth int
}

// Handler is a function that handles events
type Handler func(Event)

// Bus is a simple pub/sub event bus
type Bus struct {
	mu       sync.RWMutex
	handlers map[EventType][]Handler
}

// New creates a new event bus
func New() *Bus {
	return &Bus{
		handlers: make(map[EventType][]Handler),
	}
}

// Subscribe adds a handler for an event type
func (b *Bus) Subscribe(eventType EventType, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[eventType] = append(b.handlers[eventType], handler)
}

// SubscribeMultiple adds a handler for multiple event types
func (b *Bus) SubscribeMultiple(eventTypes []EventType, handler Handler) {
	for _, et := range eventTypes {
		b.Subscribe(et, handler)
	}
}

// Publish sends an event to all subscribed handlers. Handlers run on
// their own goroutines so a slow observer never stalls a pipeline stage.
func (b *Bus) Publish(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	b.mu.RLock()
	handlers := make([]Handler, len(b.handlers[event.Type]))
	copy(handlers, b.handlers[event.Type])
	b.mu.RUnlock()

	for _, handler := range handlers {
		go handler(event)
	}
}

// PublishSync sends an event and waits for all handlers to complete.
// Used in tests and during shutdown flushing.
func (b *Bus) PublishSync(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	b.mu.RLock()
	handlers := make([]Handler, len(b.handlers[event.Type]))
	copy(handlers, b.handlers[event.Type])
	b.mu.RUnlock()

	var wg sync.WaitGroup
	for _, handler := range handlers {
		wg.Add(1)
		go func(h Handler) {
			defer wg.Done()
			h(event)
		}(handler)
	}
	wg.Wait()
}

// Clear removes all handlers
func (b *Bus) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = make(map[EventType][]Handler)
}
