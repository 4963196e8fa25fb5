package rabbitmq

import (
	"sort"
	"sync"
	"time"
)

// EventType names a connection lifecycle event
type EventType string

const (
	EventConnecting EventType = "connecting"
	EventOpened     EventType = "opened"
	EventConnected  EventType = "connected"
	EventReady      EventType = "ready"
	EventError      EventType = "error"
)

// Event is delivered to EventBus listeners.
type Event struct {
	Type      EventType
	URI       string     // sanitized
	Conn      Connection // set for EventOpened
	Err       error      // set for EventError
	Timestamp time.Time
}

// EventListener receives connection events
type EventListener func(Event)

// EventBus is a typed publish/subscribe dispatcher for connection events.
// Listeners run synchronously, in subscription order, so event order is preserved.
type EventBus struct {
	mu        sync.RWMutex
	listeners map[uint64]EventListener
	next      uint64
}

// NewEventBus creates an empty event bus
func NewEventBus() *EventBus {
	return &EventBus{listeners: make(map[uint64]EventListener)}
}

// Subscribe registers a listener and returns a function removing it.
func (b *EventBus) Subscribe(listener EventListener) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.next
	b.next++
	b.listeners[id] = listener

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.listeners, id)
		})
	}
}

// Publish delivers the event to every listener.
func (b *EventBus) Publish(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	for _, listener := range b.snapshot() {
		listener(event)
	}
}

// Len returns the number of subscribed listeners
func (b *EventBus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.listeners)
}

// Clear removes every listener
func (b *EventBus) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listeners = make(map[uint64]EventListener)
}

func (b *EventBus) snapshot() []EventListener {
	b.mu.RLock()
	defer b.mu.RUnlock()

	ids := make([]uint64, 0, len(b.listeners))
	for id := range b.listeners {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	listeners := make([]EventListener, 0, len(ids))
	for _, id := range ids {
		listeners = append(listeners, b.listeners[id])
	}
	return listeners
}
