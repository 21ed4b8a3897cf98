package events

import (
	"sync"
	"time"

	"github.com/interchatapp/interchat-calls/internal/domain"
)

// EventType represents the type of event being published.
type EventType string

const (
	// EventRequestQueued is published when a call request enters the wait queue.
	EventRequestQueued EventType = "request_queued"
	// EventCallMatched is published when two requests pair into a call.
	EventCallMatched EventType = "call_matched"
	// EventCallEnded is published when a call reaches its terminal state.
	EventCallEnded EventType = "call_ended"
)

// Event carries the payload for a call lifecycle notification.
type Event struct {
	Type      EventType
	Timestamp time.Time

	// Request is set for request_queued events.
	Request *domain.CallRequest
	// Call is set for call_matched and call_ended events.
	Call *domain.ActiveCall
	// Reason is set for call_ended events.
	Reason domain.EndReason
}

// Publisher is the write side of the bus. Components receive it by
// injection so tests can substitute an in-memory recorder.
type Publisher interface {
	Publish(Event)
}

// Subscriber is a function that receives events.
type Subscriber func(Event)

// Bus is a non-blocking in-process event bus. Events are delivered
// asynchronously via buffered channels; if a subscriber's channel is full
// the event is dropped for that subscriber. Delivery is best-effort by
// contract: nothing in the call core may block on a notification.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]chan Event
	bufferSize  int
}

// NewBus creates a new event bus with the specified buffer size per subscriber.
func NewBus(bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	return &Bus{
		subscribers: make(map[EventType][]chan Event),
		bufferSize:  bufferSize,
	}
}

// Subscribe registers a subscriber for a specific event type. The function
// is invoked asynchronously in its own goroutine. Returns an unsubscribe
// function.
func (b *Bus) Subscribe(eventType EventType, fn Subscriber) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, b.bufferSize)
	b.subscribers[eventType] = append(b.subscribers[eventType], ch)

	go func() {
		for event := range ch {
			func() {
				defer func() {
					// A panicking subscriber must not take the bus down.
					_ = recover()
				}()
				fn(event)
			}()
		}
	}()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()

		subs := b.subscribers[eventType]
		for i, subCh := range subs {
			if subCh == ch {
				b.subscribers[eventType] = append(subs[:i], subs[i+1:]...)
				close(ch)
				break
			}
		}
	}
}

// Publish sends an event to all subscribers of its type without blocking.
func (b *Bus) Publish(event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	for _, ch := range b.subscribers[event.Type] {
		select {
		case ch <- event:
		default:
			// Channel full, drop for this subscriber.
		}
	}
}

// Close closes all subscriber channels and clears subscriptions.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for eventType, subs := range b.subscribers {
		for _, ch := range subs {
			close(ch)
		}
		delete(b.subscribers, eventType)
	}
}
