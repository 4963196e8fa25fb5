package rabbitmq

import (
	"errors"
	"fmt"
	"net/url"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

var (
	// Configuration errors
	ErrInvalidConfiguration = errors.New("rabbitmq: invalid configuration")

	// Connection errors
	ErrNotConnected       = errors.New("rabbitmq: not connected")
	ErrConnectionClosed   = errors.New("rabbitmq: connection is closed")
	ErrRetryLimitExceeded = errors.New("rabbitmq: retry limit exceeded")

	// Channel errors
	ErrChannelCreation = errors.New("rabbitmq: failed to create channel")

	// Topology errors
	ErrTopologyConflict = errors.New("rabbitmq: topology conflict")

	// Message errors
	ErrSend   = errors.New("rabbitmq: cannot send message")
	ErrDecode = errors.New("rabbitmq: cannot decode message")

	// Consumer errors
	ErrConsumerNotFound = errors.New("rabbitmq: consumer not found")
)

// ConnectionError represents a connection-related error
type ConnectionError struct {
	Op        string    // Operation that failed
	URL       string    // Connection URL (sanitized)
	Err       error     // Underlying error
	Timestamp time.Time // When the error occurred
	Attempts  int       // Number of attempts made
}

func (e *ConnectionError) Error() string {
	if e.Attempts > 0 {
		return fmt.Sprintf("rabbitmq connection error: %s to %s failed after %d attempts: %v", e.Op, e.URL, e.Attempts, e.Err)
	}
	return fmt.Sprintf("rabbitmq connection error: %s to %s failed: %v", e.Op, e.URL, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// ChannelError represents a channel-related error
type ChannelError struct {
	Op        string    // Operation that failed
	Key       string    // Channel key
	Err       error     // Underlying error
	Timestamp time.Time // When the error occurred
}

func (e *ChannelError) Error() string {
	return fmt.Sprintf("rabbitmq channel error: %s on channel %q: %v", e.Op, e.Key, e.Err)
}

func (e *ChannelError) Unwrap() error {
	return e.Err
}

// TopologyError represents a failed exchange, queue or binding declaration
type TopologyError struct {
	Component string // exchange, queue, binding
	Name      string
	Op        string
	Err       error
	Timestamp time.Time
}

func (e *TopologyError) Error() string {
	return fmt.Sprintf("rabbitmq topology error: failed to %s %s %q: %v",
		e.Op, e.Component, e.Name, e.Err)
}

func (e *TopologyError) Unwrap() error {
	return e.Err
}

// ConsumerError represents a consumer-related error
type ConsumerError struct {
	Queue       string
	ConsumerTag string
	Op          string
	Err         error
	Timestamp   time.Time
}

func (e *ConsumerError) Error() string {
	return fmt.Sprintf("rabbitmq consumer error: %s failed for consumer %s on queue %s: %v",
		e.Op, e.ConsumerTag, e.Queue, e.Err)
}

func (e *ConsumerError) Unwrap() error {
	return e.Err
}

// PublishError represents a publish operation error
type PublishError struct {
	Exchange   string
	RoutingKey string
	Err        error
	Timestamp  time.Time
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("rabbitmq publish error: failed to publish to %q/%q: %v",
		e.Exchange, e.RoutingKey, e.Err)
}

func (e *PublishError) Unwrap() error {
	return e.Err
}

// IsFatal reports whether err must not be retried by the caller.
func IsFatal(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrInvalidConfiguration),
		errors.Is(err, ErrRetryLimitExceeded),
		errors.Is(err, ErrTopologyConflict),
		errors.Is(err, ErrSend):
		return true
	}
	return false
}

// isPreconditionFailed reports whether the broker refused a redeclaration.
func isPreconditionFailed(err error) bool {
	var amqpErr *amqp.Error
	if errors.As(err, &amqpErr) {
		return amqpErr.Code == amqp.PreconditionFailed
	}
	return false
}

// SanitizeURL removes the password from a connection URL
func SanitizeURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "***"
	}
	return u.Redacted()
}
