package health

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hapinessjs/hapirabbit-go/internal/rabbitmq"
)

// ConnectionChecker reports the connection manager state and the last broker error
type ConnectionChecker struct {
	manager *rabbitmq.ConnectionManager

	mu        sync.Mutex
	lastError error
	lastEvent rabbitmq.Event
}

// NewConnectionChecker creates a checker following the manager events
func NewConnectionChecker(manager *rabbitmq.ConnectionManager) *ConnectionChecker {
	c := &ConnectionChecker{manager: manager}
	manager.Events().Subscribe(c.observe)
	return c
}

func (c *ConnectionChecker) observe(event rabbitmq.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.lastEvent = event
	switch event.Type {
	case rabbitmq.EventError:
		c.lastError = event.Err
	case rabbitmq.EventReady:
		c.lastError = nil
	}
}

func (c *ConnectionChecker) Name() string {
	return "rabbitmq"
}

func (c *ConnectionChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]interface{}),
	}

	c.mu.Lock()
	lastError := c.lastError
	lastEvent := c.lastEvent
	c.mu.Unlock()

	state := c.manager.State()
	result.Details["state"] = state.String()
	result.Details["uri"] = c.manager.SanitizedURI()
	if lastEvent.Type != "" {
		result.Details["last_event"] = string(lastEvent.Type)
		result.Details["last_event_at"] = lastEvent.Timestamp
	}
	if lastError != nil {
		result.Error = lastError.Error()
	}

	switch state {
	case rabbitmq.StateConnected:
		if _, err := c.manager.GetConnection(); err != nil {
			result.Status = StatusUnhealthy
			result.Message = "connection is not usable"
			result.Error = err.Error()
			break
		}
		result.Status = StatusHealthy
		result.Message = "connection is healthy"
	case rabbitmq.StateConnecting:
		result.Status = StatusDegraded
		result.Message = "connecting to the broker"
	default:
		result.Status = StatusUnhealthy
		result.Message = fmt.Sprintf("connection is %s", state)
	}

	result.Duration = time.Since(start)
	return result
}

// ChannelStoreChecker reports the channels opened by the store
type ChannelStoreChecker struct {
	manager *rabbitmq.ConnectionManager
}

// NewChannelStoreChecker creates a channel health checker
func NewChannelStoreChecker(manager *rabbitmq.ConnectionManager) *ChannelStoreChecker {
	return &ChannelStoreChecker{manager: manager}
}

func (c *ChannelStoreChecker) Name() string {
	return "channels"
}

// Check is unhealthy without an open default channel and degraded when any
// other cached channel was closed.
func (c *ChannelStoreChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]interface{}),
	}

	store := c.manager.Channels()
	keys := store.Keys()
	result.Details["channels"] = keys
	result.Details["count"] = len(keys)

	def := c.manager.DefaultChannel()
	if def == nil || def.IsClosed() {
		result.Status = StatusUnhealthy
		result.Message = "default channel is not open"
		result.Duration = time.Since(start)
		return result
	}

	var closed []string
	for _, key := range keys {
		ch, ok := store.Get(key)
		if ok && ch.IsClosed() {
			closed = append(closed, key)
		}
	}

	if len(closed) > 0 {
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("%d channel(s) closed", len(closed))
		result.Details["closed"] = closed
	} else {
		result.Status = StatusHealthy
		result.Message = "channels are open"
	}

	result.Duration = time.Since(start)
	return result
}

// ConsumerChecker compares the running consumers with the queues that should be consumed
type ConsumerChecker struct {
	consumer *rabbitmq.Consumer
	expected func() []string
}

// NewConsumerChecker creates a checker; expected returns the queues that must have a consumer.
func NewConsumerChecker(consumer *rabbitmq.Consumer, expected func() []string) *ConsumerChecker {
	return &ConsumerChecker{consumer: consumer, expected: expected}
}

func (c *ConsumerChecker) Name() string {
	return "consumers"
}

func (c *ConsumerChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]interface{}),
	}

	consumed := make(map[string]bool)
	for _, tag := range c.consumer.ActiveConsumers() {
		if queue, ok := c.consumer.QueueOf(tag); ok {
			consumed[queue] = true
		}
	}

	var missing []string
	for _, queue := range c.expected() {
		if !consumed[queue] {
			missing = append(missing, queue)
		}
	}

	result.Details["active"] = len(consumed)
	if len(missing) > 0 {
		result.Status = StatusUnhealthy
		result.Message = fmt.Sprintf("%d queue(s) without consumer", len(missing))
		result.Details["missing"] = missing
	} else {
		result.Status = StatusHealthy
		result.Message = "every queue is consumed"
	}

	result.Duration = time.Since(start)
	return result
}
