// Package bus provides the typed publish/subscribe event bus the dispatch
// core depends on. Delivery is at-least-once and unordered across event
// types; handlers run on their own goroutines and must tolerate redelivery.
package bus

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// EventType identifies an event on the bus.
type EventType string

// A2A handshake events
const (
	EventHandshakeRequest   EventType = "a2a.handshake.request"
	EventHandshakeResponse  EventType = "a2a.handshake.response"
	EventHandshakeCompleted EventType = "a2a.handshake.completed"
)

// Handoff lifecycle events
const (
	EventHandoffInitiated         EventType = "handoff.initiated"
	EventHandoffRecovered         EventType = "handoff.recovered"
	EventHandoffFallbackInitiated EventType = "handoff.fallback.initiated"
	EventHandoffFallbackSucceeded EventType = "handoff.fallback.succeeded"
	EventHandoffFallbackFailed    EventType = "handoff.fallback.failed"
	EventHandoffFailedPermanently EventType = "handoff.failed.permanently"
)

// Context preservation events
const (
	EventContextPreserved      EventType = "context.preserved"
	EventContextRestored       EventType = "context.restored"
	EventContextRollback       EventType = "context.rollback"
	EventContextPreserveFailed EventType = "context.preserve.failed"
	EventContextRestoreFailed  EventType = "context.restore.failed"
)

// Tool execution events
const (
	EventToolRetry             EventType = "tool.execution.retry"
	EventToolRecovered         EventType = "tool.execution.recovered"
	EventToolFailedPermanently EventType = "tool.execution.failed.permanently"
)

// subscriptionCounter generates unique subscription IDs; an atomic counter
// avoids collisions that time.Now().UnixNano() could produce under load.
var subscriptionCounter int64

// Event is a message on the bus.
type Event interface {
	Timestamp() time.Time
	Type() EventType
	Payload() map[string]any
}

// EventHandler processes a delivered event.
type EventHandler func(Event)

// Bus defines the publish/subscribe contract.
type Bus interface {
	Publish(event Event)
	Subscribe(eventType EventType, handler EventHandler) string
	Unsubscribe(subscriptionID string)
	Stop()
}

// Message is the generic event carried on the bus.
type Message struct {
	EventType EventType
	At        time.Time
	Data      map[string]any
}

func (m *Message) Timestamp() time.Time    { return m.At }
func (m *Message) Type() EventType         { return m.EventType }
func (m *Message) Payload() map[string]any { return m.Data }

// NewMessage builds an event of the given type with the current timestamp.
func NewMessage(eventType EventType, data map[string]any) *Message {
	return &Message{EventType: eventType, At: time.Now(), Data: data}
}

// SimpleBus is an in-process Bus backed by a buffered channel and a single
// dispatch goroutine.
type SimpleBus struct {
	mu           sync.RWMutex
	handlers     map[EventType]map[string]EventHandler
	eventChannel chan Event
	done         chan struct{}
	stopOnce     sync.Once
	logger       *zap.Logger
}

// New creates a running SimpleBus.
func New(logger *zap.Logger) *SimpleBus {
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &SimpleBus{
		handlers:     make(map[EventType]map[string]EventHandler),
		eventChannel: make(chan Event, 100),
		done:         make(chan struct{}),
		logger:       logger,
	}
	go b.processEvents()
	return b
}

// Publish enqueues an event. Events are dropped when the buffer is full or
// the bus has stopped; the bus never blocks a publisher.
func (b *SimpleBus) Publish(event Event) {
	select {
	case b.eventChannel <- event:
	case <-b.done:
	default:
		b.logger.Warn("event dropped, bus buffer full", zap.String("type", string(event.Type())))
	}
}

// Subscribe registers a handler for an event type and returns the
// subscription ID used to unsubscribe.
func (b *SimpleBus) Subscribe(eventType EventType, handler EventHandler) string {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.handlers[eventType] == nil {
		b.handlers[eventType] = make(map[string]EventHandler)
	}

	id := fmt.Sprintf("%s-%d", eventType, atomic.AddInt64(&subscriptionCounter, 1))
	b.handlers[eventType][id] = handler
	return id
}

// Unsubscribe removes a subscription. Unknown IDs are a no-op.
func (b *SimpleBus) Unsubscribe(subscriptionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for eventType, handlers := range b.handlers {
		if _, ok := handlers[subscriptionID]; ok {
			delete(handlers, subscriptionID)
			if len(handlers) == 0 {
				delete(b.handlers, eventType)
			}
			return
		}
	}
}

func (b *SimpleBus) processEvents() {
	for {
		select {
		case event := <-b.eventChannel:
			b.mu.RLock()
			src := b.handlers[event.Type()]
			handlers := make([]EventHandler, 0, len(src))
			for _, h := range src {
				handlers = append(handlers, h)
			}
			b.mu.RUnlock()

			for _, handler := range handlers {
				h := handler
				go func() {
					defer func() {
						if r := recover(); r != nil {
							b.logger.Error("event handler panicked", zap.Any("recover", r))
						}
					}()
					h(event)
				}()
			}
		case <-b.done:
			return
		}
	}
}

// Stop shuts down the dispatch goroutine. Safe to call more than once.
func (b *SimpleBus) Stop() {
	b.stopOnce.Do(func() {
		close(b.done)
	})
}
