package hapirabbit

import (
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/hapinessjs/hapirabbit-go/internal/rabbitmq"
)

type (
	Config         = rabbitmq.Config
	RetryConfig    = rabbitmq.RetryConfig
	SendOptions    = rabbitmq.SendOptions
	Dialer         = rabbitmq.Dialer
	Connection     = rabbitmq.Connection
	Channel        = rabbitmq.Channel
	State          = rabbitmq.State
	Event          = rabbitmq.Event
	EventType      = rabbitmq.EventType
	EventBus       = rabbitmq.EventBus
	QueueHandle    = rabbitmq.QueueHandle
	ExchangeHandle = rabbitmq.ExchangeHandle

	ConnectionError = rabbitmq.ConnectionError
	ChannelError    = rabbitmq.ChannelError
	TopologyError   = rabbitmq.TopologyError
	ConsumerError   = rabbitmq.ConsumerError
	PublishError    = rabbitmq.PublishError
)

const (
	StateIdle       = rabbitmq.StateIdle
	StateConnecting = rabbitmq.StateConnecting
	StateConnected  = rabbitmq.StateConnected
	StateErrored    = rabbitmq.StateErrored

	EventConnecting = rabbitmq.EventConnecting
	EventOpened     = rabbitmq.EventOpened
	EventConnected  = rabbitmq.EventConnected
	EventReady      = rabbitmq.EventReady
	EventError      = rabbitmq.EventError
)

var (
	ErrInvalidConfiguration = rabbitmq.ErrInvalidConfiguration
	ErrNotConnected         = rabbitmq.ErrNotConnected
	ErrRetryLimitExceeded   = rabbitmq.ErrRetryLimitExceeded
	ErrChannelCreation      = rabbitmq.ErrChannelCreation
	ErrTopologyConflict     = rabbitmq.ErrTopologyConflict
	ErrSend                 = rabbitmq.ErrSend
	ErrDecode               = rabbitmq.ErrDecode
)

// IsFatal reports whether err is a configuration, retry limit, topology
// conflict or send error, none of which a retry would fix.
func IsFatal(err error) bool {
	return rabbitmq.IsFatal(err)
}

// NewRetryConfig returns a retry policy of maximumAttempts attempts, delay milliseconds apart
func NewRetryConfig(delay, maximumAttempts int) RetryConfig {
	return rabbitmq.NewRetryConfig(delay, maximumAttempts)
}

// BuildURI assembles an amqp:// URI from its parts
func BuildURI(host string, port int, vhost, login, password string, params map[string]string) string {
	return rabbitmq.BuildURI(host, port, vhost, login, password, params)
}

// Decode returns the body of a delivery: the JSON value when the json header
// is truthy or force is set, the raw bytes otherwise.
func Decode(delivery *amqp.Delivery, force bool) (interface{}, error) {
	return rabbitmq.Decode(delivery, force)
}
