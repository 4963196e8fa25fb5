package hapirabbit

import "github.com/hapinessjs/hapirabbit-go/internal/rabbitmq"

// connectionEvents receives the events of every Module created without WithEventBus.
var connectionEvents = rabbitmq.NewEventBus()

// ConnectionEvents returns the process-wide connection event bus
func ConnectionEvents() *EventBus {
	return connectionEvents
}

// ResetConnectionEvents removes every listener of the process-wide bus
func ResetConnectionEvents() {
	connectionEvents.Clear()
}

// NewEventBus creates a bus to pass to WithEventBus
func NewEventBus() *EventBus {
	return rabbitmq.NewEventBus()
}
