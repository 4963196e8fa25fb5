package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/hashicorp/go-multierror"
	amqp "github.com/rabbitmq/amqp091-go"
)

// State is the lifecycle state of a ConnectionManager
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateConnected
	StateErrored
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateErrored:
		return "errored"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// ConnectionManager owns a single broker connection and its channels.
type ConnectionManager struct {
	config    Config
	uri       string
	sanitized string
	dial      Dialer
	logger    *slog.Logger

	mu              sync.RWMutex
	state           State
	conn            Connection
	defaultChannel  *ManagedChannel
	defaultPrefetch int

	channels *ChannelStore
	events   *EventBus
	shared   *EventBus
}

// ConnectionOption configures the ConnectionManager
type ConnectionOption func(*ConnectionManager)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.logger = logger
	}
}

// WithDialer replaces the function used to open broker connections
func WithDialer(dial Dialer) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.dial = dial
	}
}

// WithSharedEvents also publishes every event to a bus shared between managers
func WithSharedEvents(bus *EventBus) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.shared = bus
	}
}

// NewConnectionManager validates the configuration and resolves the connection URI.
// No connection is attempted until Connect is called.
func NewConnectionManager(config Config, options ...ConnectionOption) (*ConnectionManager, error) {
	uri, err := config.Normalize()
	if err != nil {
		return nil, err
	}

	cm := &ConnectionManager{
		config:    config,
		uri:       uri,
		sanitized: SanitizeURL(uri),
		dial:      DialAMQP,
		logger:    slog.Default(),
		state:     StateIdle,
		events:    NewEventBus(),
	}
	cm.SetDefaultPrefetch(config.Prefetch())
	cm.channels = newChannelStore(cm)

	for _, opt := range options {
		opt(cm)
	}

	return cm, nil
}

// Connect opens the connection, retrying according to the retry policy, then
// opens the default channel. It returns immediately if the manager is already
// connecting or connected.
func (cm *ConnectionManager) Connect(ctx context.Context) error {
	cm.mu.Lock()
	if cm.state == StateConnecting || cm.state == StateConnected {
		cm.mu.Unlock()
		return nil
	}
	cm.state = StateConnecting
	cm.mu.Unlock()

	cm.logger.Info("connecting to RabbitMQ", "uri", cm.sanitized)
	cm.emit(Event{Type: EventConnecting})

	start := time.Now()
	conn, attempts, err := cm.openConnection(ctx)
	if err != nil {
		cm.setState(StateErrored)
		cm.logger.Error("failed to connect to RabbitMQ",
			"uri", cm.sanitized,
			"attempts", attempts,
			"duration", time.Since(start),
			"error", err)
		return &ConnectionError{
			Op:        "connect",
			URL:       cm.sanitized,
			Err:       err,
			Timestamp: time.Now(),
			Attempts:  attempts,
		}
	}

	cm.mu.Lock()
	cm.conn = conn
	cm.mu.Unlock()

	cm.watch(conn)
	cm.emit(Event{Type: EventOpened, Conn: conn})
	cm.logger.Debug("connection opened, creating default channel", "uri", cm.sanitized)

	ch, err := cm.channels.Upsert(ctx, DefaultChannelKey, ChannelOptions{Prefetch: cm.DefaultPrefetch()})
	if err != nil {
		cm.mu.Lock()
		cm.conn = nil
		cm.state = StateErrored
		cm.mu.Unlock()
		cm.channels.reset()
		_ = conn.Close()
		return err
	}

	cm.mu.Lock()
	cm.defaultChannel = ch
	cm.state = StateConnected
	cm.mu.Unlock()

	cm.logger.Info("connected to RabbitMQ",
		"uri", cm.sanitized,
		"attempts", attempts,
		"duration", time.Since(start))

	cm.emit(Event{Type: EventConnected})
	cm.emit(Event{Type: EventReady})
	return nil
}

// openConnection runs the bounded retry loop and returns the connection and the number of attempts made.
func (cm *ConnectionManager) openConnection(ctx context.Context) (Connection, int, error) {
	var (
		conn     Connection
		attempts int
	)

	operation := func() error {
		attempts++
		cm.logger.Debug("opening connection", "uri", cm.sanitized, "attempt", attempts)

		c, err := cm.dial(cm.uri)
		if err != nil {
			return err
		}
		conn = c
		return nil
	}

	notify := func(err error, next time.Duration) {
		cm.logger.Warn("connection attempt failed",
			"uri", cm.sanitized,
			"attempt", attempts,
			"maxAttempts", cm.config.Retry.Attempts(),
			"nextRetryIn", next,
			"error", err)
	}

	err := backoff.RetryNotify(operation, backoff.WithContext(cm.retryPolicy(), ctx), notify)
	if err == nil {
		return conn, attempts, nil
	}

	// the backoff stops before the deadline when the next delay would cross it,
	// so only an exhausted attempt count is a retry limit
	retry := cm.config.Retry
	if retry.Bounded() && attempts >= max(retry.Attempts(), 1) {
		return nil, attempts, fmt.Errorf("%w: %v", ErrRetryLimitExceeded, err)
	}
	ctxErr := ctx.Err()
	if ctxErr == nil {
		ctxErr = context.DeadlineExceeded
	}
	return nil, attempts, fmt.Errorf("connect cancelled: %w: %v", ctxErr, err)
}

// retryPolicy waits a fixed delay between attempts and stops after MaximumAttempts.
func (cm *ConnectionManager) retryPolicy() backoff.BackOff {
	retry := cm.config.Retry
	var policy backoff.BackOff = backoff.NewConstantBackOff(retry.DelayDuration())

	switch {
	case !retry.Bounded():
		return policy
	case retry.Attempts() <= 1:
		// WithMaxRetries treats 0 as unlimited
		return &backoff.StopBackOff{}
	default:
		return backoff.WithMaxRetries(policy, uint64(retry.Attempts()-1))
	}
}

// watch turns a broker-reported close into the Errored state and an error event.
func (cm *ConnectionManager) watch(conn Connection) {
	notify := conn.NotifyClose(make(chan *amqp.Error, 1))

	go func() {
		amqpErr, ok := <-notify
		if !ok || amqpErr == nil {
			return
		}

		cm.mu.Lock()
		if cm.conn != conn {
			cm.mu.Unlock()
			return
		}
		cm.conn = nil
		cm.defaultChannel = nil
		cm.state = StateErrored
		cm.mu.Unlock()

		cm.channels.reset()

		cm.logger.Error("connection closed by broker", "uri", cm.sanitized, "error", amqpErr)
		cm.emit(Event{Type: EventError, Err: amqpErr})
	}()
}

// Close closes every channel and the connection. The manager can connect again afterwards.
func (cm *ConnectionManager) Close() error {
	cm.mu.Lock()
	conn := cm.conn
	cm.conn = nil
	cm.defaultChannel = nil
	cm.state = StateIdle
	cm.mu.Unlock()

	var result error
	if err := cm.channels.CloseAll(); err != nil {
		result = multierror.Append(result, err)
	}

	if conn != nil && !conn.IsClosed() {
		if err := conn.Close(); err != nil {
			result = multierror.Append(result, &ConnectionError{
				Op:        "close",
				URL:       cm.sanitized,
				Err:       err,
				Timestamp: time.Now(),
			})
		}
	}

	cm.logger.Info("connection manager closed", "uri", cm.sanitized)
	return result
}

// State returns the current lifecycle state
func (cm *ConnectionManager) State() State {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.state
}

// IsConnected returns the connection status
func (cm *ConnectionManager) IsConnected() bool {
	return cm.State() == StateConnected
}

// IsConnecting reports whether a connect attempt is in progress
func (cm *ConnectionManager) IsConnecting() bool {
	return cm.State() == StateConnecting
}

// GetConnection returns the live connection
func (cm *ConnectionManager) GetConnection() (Connection, error) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	if cm.state != StateConnected || cm.conn == nil {
		return nil, ErrNotConnected
	}
	if cm.conn.IsClosed() {
		return nil, ErrConnectionClosed
	}
	return cm.conn, nil
}

// DefaultChannel returns the channel opened by Connect, or nil before that.
func (cm *ConnectionManager) DefaultChannel() *ManagedChannel {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.defaultChannel
}

// Channels returns the store of named channels
func (cm *ConnectionManager) Channels() *ChannelStore {
	return cm.channels
}

// Events returns the bus local to this manager
func (cm *ConnectionManager) Events() *EventBus {
	return cm.events
}

// URI returns the resolved connection URI, credentials included
func (cm *ConnectionManager) URI() string {
	return cm.uri
}

// SanitizedURI returns the connection URI without the password
func (cm *ConnectionManager) SanitizedURI() string {
	return cm.sanitized
}

// DefaultPrefetch returns the prefetch applied to channels without an explicit one
func (cm *ConnectionManager) DefaultPrefetch() int {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.defaultPrefetch
}

// SetDefaultPrefetch sets the default prefetch; negative values snap to DefaultPrefetch.
func (cm *ConnectionManager) SetDefaultPrefetch(prefetch int) *ConnectionManager {
	if prefetch < 0 {
		prefetch = DefaultPrefetch
	}

	cm.mu.Lock()
	cm.defaultPrefetch = prefetch
	cm.mu.Unlock()
	return cm
}

// channelConnection lets the store open channels while Connect is still creating the default one.
func (cm *ConnectionManager) channelConnection() (Connection, error) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	if cm.conn == nil || (cm.state != StateConnected && cm.state != StateConnecting) {
		return nil, ErrNotConnected
	}
	return cm.conn, nil
}

func (cm *ConnectionManager) setState(state State) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.state = state
}

func (cm *ConnectionManager) emit(event Event) {
	event.URI = cm.sanitized
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	cm.events.Publish(event)
	if cm.shared != nil {
		cm.shared.Publish(event)
	}
}
