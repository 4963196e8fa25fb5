// Copyright 2024 Hapirabbit Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package hapirabbit

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/hashicorp/go-multierror"

	"github.com/hapinessjs/hapirabbit-go/internal/rabbitmq"
	"github.com/hapinessjs/hapirabbit-go/routing"
)

// Module owns one broker connection, the topology asserted over it and the
// router its consumers dispatch to.
type Module struct {
	manager  *rabbitmq.ConnectionManager
	builder  *rabbitmq.TopologyBuilder
	consumer *rabbitmq.Consumer
	router   *routing.Router
	logger   *slog.Logger

	mu sync.RWMutex
	// consumers outlive the context passed to Bootstrap
	runCtx    context.Context
	runCancel context.CancelFunc

	exchanges map[string]*rabbitmq.ExchangeHandle
	queues    map[string]*rabbitmq.QueueHandle
	consumed  []string
}

// New validates the configuration and wires the module. No connection is made
// until Start or Connect is called.
func New(config Config, options ...Option) (*Module, error) {
	cfg := &moduleConfig{
		logger: slog.Default(),
		events: connectionEvents,
	}

	for _, opt := range options {
		opt(cfg)
	}

	connOpts := []rabbitmq.ConnectionOption{
		rabbitmq.WithLogger(cfg.logger),
		rabbitmq.WithSharedEvents(cfg.events),
	}
	if cfg.dialer != nil {
		connOpts = append(connOpts, rabbitmq.WithDialer(cfg.dialer))
	}

	manager, err := rabbitmq.NewConnectionManager(config, connOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection manager: %w", err)
	}

	consumerOpts := []rabbitmq.ConsumerOption{rabbitmq.WithConsumerLogger(cfg.logger)}
	if cfg.tagPrefix != "" {
		consumerOpts = append(consumerOpts, rabbitmq.WithConsumerTagPrefix(cfg.tagPrefix))
	}
	if cfg.errorSink != nil {
		consumerOpts = append(consumerOpts, rabbitmq.WithErrorSink(cfg.errorSink))
	}
	if cfg.exclusive {
		consumerOpts = append(consumerOpts, rabbitmq.WithExclusive(true))
	}

	routerOpts := append([]routing.RouterOption{routing.WithRouterLogger(cfg.logger)}, cfg.routerOptions...)

	runCtx, runCancel := context.WithCancel(context.Background())

	return &Module{
		manager:   manager,
		builder:   rabbitmq.NewTopologyBuilder(cfg.logger),
		consumer:  rabbitmq.NewConsumer(consumerOpts...),
		router:    routing.NewRouter(routerOpts...),
		logger:    cfg.logger,
		runCtx:    runCtx,
		runCancel: runCancel,
		exchanges: make(map[string]*rabbitmq.ExchangeHandle),
		queues:    make(map[string]*rabbitmq.QueueHandle),
	}, nil
}

// Start connects then bootstraps the topology
func (m *Module) Start(ctx context.Context, topology Topology) error {
	if err := m.Connect(ctx); err != nil {
		return err
	}
	return m.Bootstrap(ctx, topology)
}

// Connect opens the connection and its default channel
func (m *Module) Connect(ctx context.Context) error {
	return m.manager.Connect(ctx)
}

// Send publishes message on the default channel
func (m *Module) Send(ctx context.Context, message interface{}, opts SendOptions) error {
	ch := m.manager.DefaultChannel()
	if ch == nil {
		return fmt.Errorf("%w: %w", ErrSend, ErrNotConnected)
	}
	return rabbitmq.Send(ctx, ch, message, opts)
}

// SendToQueue publishes message to an asserted queue, on the channel the queue
// was asserted on.
func (m *Module) SendToQueue(ctx context.Context, queue string, message interface{}, opts SendOptions) error {
	handle, ok := m.Queue(queue)
	if !ok {
		return fmt.Errorf("%w: queue %q is not asserted", ErrSend, queue)
	}
	opts.Queue = handle.Name()
	opts.Exchange = ""
	return rabbitmq.Send(ctx, handle.Channel, message, opts)
}

// Queue returns the handle of an asserted queue
func (m *Module) Queue(name string) (*QueueHandle, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	q, ok := m.queues[name]
	return q, ok
}

// Exchange returns the handle of an asserted exchange
func (m *Module) Exchange(name string) (*ExchangeHandle, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.exchanges[name]
	return e, ok
}

// ConsumedQueues returns the queues a consumer was started for, in declaration order
func (m *Module) ConsumedQueues() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.consumed...)
}

// Manager returns the connection manager
func (m *Module) Manager() *rabbitmq.ConnectionManager {
	return m.manager
}

// Router returns the message router
func (m *Module) Router() *routing.Router {
	return m.router
}

// Consumer returns the consumer running the queue loops
func (m *Module) Consumer() *rabbitmq.Consumer {
	return m.consumer
}

// Close stops every consumer, then closes the channels and the connection.
func (m *Module) Close() error {
	m.mu.RLock()
	cancel := m.runCancel
	m.mu.RUnlock()
	cancel()
	m.consumer.StopAll()

	var result error
	if err := m.manager.Close(); err != nil {
		result = multierror.Append(result, err)
	}

	m.mu.Lock()
	m.exchanges = make(map[string]*rabbitmq.ExchangeHandle)
	m.queues = make(map[string]*rabbitmq.QueueHandle)
	m.consumed = nil
	m.mu.Unlock()

	return result
}

// Option configures a Module
type Option func(*moduleConfig)

type moduleConfig struct {
	logger        *slog.Logger
	dialer        Dialer
	events        *EventBus
	tagPrefix     string
	errorSink     func(error)
	exclusive     bool
	routerOptions []routing.RouterOption
}

// WithLogger sets the logger of every component
func WithLogger(logger *slog.Logger) Option {
	return func(c *moduleConfig) {
		c.logger = logger
	}
}

// WithDialer replaces the function used to open broker connections
func WithDialer(dialer Dialer) Option {
	return func(c *moduleConfig) {
		c.dialer = dialer
	}
}

// WithEventBus publishes connection events to bus instead of the process-wide one
func WithEventBus(bus *EventBus) Option {
	return func(c *moduleConfig) {
		c.events = bus
	}
}

// WithConsumerTagPrefix prefixes every consumer tag
func WithConsumerTagPrefix(prefix string) Option {
	return func(c *moduleConfig) {
		c.tagPrefix = prefix
	}
}

// WithErrorSink receives errors from the consume loops
func WithErrorSink(sink func(error)) Option {
	return func(c *moduleConfig) {
		c.errorSink = sink
	}
}

// WithExclusiveConsumers asks the broker for exclusive consumers, so no other
// connection can consume the module's queues.
func WithExclusiveConsumers(exclusive bool) Option {
	return func(c *moduleConfig) {
		c.exclusive = exclusive
	}
}

// WithObserver reports routing outcomes to o
func WithObserver(o routing.Observer) Option {
	return func(c *moduleConfig) {
		c.routerOptions = append(c.routerOptions, routing.WithObserver(o))
	}
}

// WithErrorDecision settles messages whose handler failed with decision
func WithErrorDecision(decision routing.Decision) Option {
	return func(c *moduleConfig) {
		c.routerOptions = append(c.routerOptions, routing.WithErrorDecision(decision))
	}
}

// WithUnmatchedDecision settles messages no handler matched with decision
func WithUnmatchedDecision(decision routing.Decision) Option {
	return func(c *moduleConfig) {
		c.routerOptions = append(c.routerOptions, routing.WithUnmatchedDecision(decision))
	}
}

// WithInterceptors wraps every handler invocation with interceptors, in order
func WithInterceptors(interceptors ...routing.Interceptor) Option {
	return func(c *moduleConfig) {
		c.routerOptions = append(c.routerOptions, routing.WithInterceptors(interceptors...))
	}
}

// WithErrorHandler replaces the router error handler
func WithErrorHandler(handler routing.ErrorHandler) Option {
	return func(c *moduleConfig) {
		c.routerOptions = append(c.routerOptions, routing.WithErrorHandler(handler))
	}
}
