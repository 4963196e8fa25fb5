package routing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/hapinessjs/hapirabbit-go/internal/rabbitmq"
)

var (
	// ErrInvalidHandler is returned when a handler spec has no queue or no handler
	ErrInvalidHandler = errors.New("routing: invalid handler")
	// ErrDuplicateFallback is returned when a queue gets a second fallback
	ErrDuplicateFallback = errors.New("routing: queue already has a fallback handler")
	// ErrNoRoute is reported when a delivery matches no handler and no fallback
	ErrNoRoute = errors.New("routing: no handler matches the message")
)

// Message is what handlers receive
type Message struct {
	Queue    string
	Handler  string
	Delivery amqp.Delivery
	Channel  rabbitmq.Channel
	// Payload is the decoded body: the JSON value when the body is marked
	// (or forced) as JSON, the raw bytes otherwise.
	Payload interface{}
}

// Decode unmarshals the JSON body into v
func (m *Message) Decode(v interface{}) error {
	return rabbitmq.DecodeInto(&m.Delivery, v)
}

// Handler processes a routed message and decides how it is settled
type Handler interface {
	Handle(ctx context.Context, msg *Message) (Decision, error)
}

// HandlerFunc is a function adapter for Handler
type HandlerFunc func(ctx context.Context, msg *Message) (Decision, error)

// Handle implements Handler
func (f HandlerFunc) Handle(ctx context.Context, msg *Message) (Decision, error) {
	return f(ctx, msg)
}

// HandlerSpec declares when a handler applies. Unset matchers are wildcards.
type HandlerSpec struct {
	Name       string
	Queue      string
	Exchange   string
	Fallback   bool
	RoutingKey Matcher
	Filter     map[string]Matcher
	Handler    Handler
}

// Matches reports whether every constraint of the spec holds for the delivery
func (s *HandlerSpec) Matches(d *amqp.Delivery) bool {
	if s.Exchange != "" && s.Exchange != d.Exchange {
		return false
	}
	if !s.RoutingKey.Match(d.RoutingKey) {
		return false
	}
	for path, matcher := range s.Filter {
		if matcher.IsZero() {
			continue
		}
		value, ok := property(d, path)
		if !ok || !matcher.Match(value) {
			return false
		}
	}
	return true
}

func (s *HandlerSpec) name() string {
	if s.Name != "" {
		return s.Name
	}
	if s.Fallback {
		return s.Queue + ":fallback"
	}
	return s.Queue + ":" + s.RoutingKey.String()
}

// RoutingTable holds the handlers of one queue in priority order
type RoutingTable struct {
	Queue    string
	Handlers []*HandlerSpec
	Fallback *HandlerSpec
}

// Match returns the first handler matching the delivery, else the fallback.
func (t *RoutingTable) Match(d *amqp.Delivery) (*HandlerSpec, bool) {
	for _, spec := range t.Handlers {
		if spec.Matches(d) {
			return spec, true
		}
	}
	if t.Fallback != nil {
		return t.Fallback, true
	}
	return nil, false
}

// Len returns the number of handlers, fallback included
func (t *RoutingTable) Len() int {
	n := len(t.Handlers)
	if t.Fallback != nil {
		n++
	}
	return n
}

// ErrorHandler decides how a message whose handler failed is settled
type ErrorHandler interface {
	HandleError(ctx context.Context, msg *Message, err error) Decision
}

// DefaultErrorHandler logs the failure and applies Decision
type DefaultErrorHandler struct {
	Decision Decision
	Logger   *slog.Logger
}

// HandleError implements ErrorHandler
func (h *DefaultErrorHandler) HandleError(ctx context.Context, msg *Message, err error) Decision {
	if h.Logger != nil {
		h.Logger.Error("message handler failed",
			"queue", msg.Queue,
			"handler", msg.Handler,
			"messageId", msg.Delivery.MessageId,
			"routingKey", msg.Delivery.RoutingKey,
			"decision", h.Decision,
			"error", err,
		)
	}
	return h.Decision
}

// Router holds one routing table per queue and dispatches deliveries
type Router struct {
	mu     sync.RWMutex
	tables map[string]*RoutingTable

	logger        *slog.Logger
	errorHandler  ErrorHandler
	errorDecision Decision
	unmatched     Decision
	observer      Observer
	interceptors  []Interceptor
}

// RouterOption configures the Router
type RouterOption func(*Router)

// WithRouterLogger sets the logger
func WithRouterLogger(logger *slog.Logger) RouterOption {
	return func(r *Router) {
		r.logger = logger
	}
}

// WithErrorHandler replaces the default error handler
func WithErrorHandler(handler ErrorHandler) RouterOption {
	return func(r *Router) {
		r.errorHandler = handler
	}
}

// WithErrorDecision sets how failed messages are settled by the default error handler
func WithErrorDecision(decision Decision) RouterOption {
	return func(r *Router) {
		r.errorDecision = decision
	}
}

// WithUnmatchedDecision sets how messages matching no handler are settled
func WithUnmatchedDecision(decision Decision) RouterOption {
	return func(r *Router) {
		r.unmatched = decision
	}
}

// WithObserver reports routing outcomes to o
func WithObserver(o Observer) RouterOption {
	return func(r *Router) {
		r.observer = o
	}
}

// NewRouter creates an empty router. Failed and unmatched messages are
// discarded unless configured otherwise.
func NewRouter(options ...RouterOption) *Router {
	r := &Router{
		tables:        make(map[string]*RoutingTable),
		logger:        slog.Default(),
		errorDecision: Discard,
		unmatched:     Discard,
		observer:      NopObserver{},
	}

	for _, opt := range options {
		opt(r)
	}

	if r.errorHandler == nil {
		r.errorHandler = &DefaultErrorHandler{Decision: r.errorDecision, Logger: r.logger}
	}
	return r
}

// Register appends spec to its queue table, or sets it as the queue fallback.
func (r *Router) Register(spec HandlerSpec) error {
	if spec.Queue == "" {
		return fmt.Errorf("%w: no queue", ErrInvalidHandler)
	}
	if spec.Handler == nil {
		return fmt.Errorf("%w: no handler for queue %q", ErrInvalidHandler, spec.Queue)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	table, ok := r.tables[spec.Queue]
	if !ok {
		table = &RoutingTable{Queue: spec.Queue}
		r.tables[spec.Queue] = table
	}

	if spec.Fallback {
		if table.Fallback != nil {
			return fmt.Errorf("%w: %q", ErrDuplicateFallback, spec.Queue)
		}
		table.Fallback = &spec
	} else {
		table.Handlers = append(table.Handlers, &spec)
	}

	r.logger.Debug("registered message handler",
		"queue", spec.Queue,
		"handler", spec.name(),
		"exchange", spec.Exchange,
		"routingKey", spec.RoutingKey.String(),
		"fallback", spec.Fallback,
	)
	return nil
}

// Match selects the handler for a delivery received on queue
func (r *Router) Match(queue string, d *amqp.Delivery) (*HandlerSpec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	table, ok := r.tables[queue]
	if !ok {
		return nil, false
	}
	return table.Match(d)
}

// Table returns the routing table of queue
func (r *Router) Table(queue string) (*RoutingTable, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	table, ok := r.tables[queue]
	if !ok {
		return nil, false
	}
	copied := *table
	copied.Handlers = append([]*HandlerSpec(nil), table.Handlers...)
	return &copied, true
}

// HasHandlers reports whether queue has at least one handler or a fallback
func (r *Router) HasHandlers(queue string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	table, ok := r.tables[queue]
	return ok && table.Len() > 0
}

// Queues returns the queues with a routing table, sorted
func (r *Router) Queues() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	queues := make([]string, 0, len(r.tables))
	for q := range r.tables {
		queues = append(queues, q)
	}
	sort.Strings(queues)
	return queues
}

// Len returns the number of registered handlers across all queues
func (r *Router) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, table := range r.tables {
		n += table.Len()
	}
	return n
}

// Reset drops every routing table
func (r *Router) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tables = make(map[string]*RoutingTable)
}

// Dispatcher returns the consume callback for queue. It decodes each delivery,
// invokes the matching handler and settles the delivery with the resulting decision.
func (r *Router) Dispatcher(queue string, forceJSON bool) rabbitmq.DispatchFunc {
	return func(ctx context.Context, ch rabbitmq.Channel, d amqp.Delivery) error {
		start := time.Now()

		spec, ok := r.Match(queue, &d)
		if !ok {
			r.logger.Warn("unroutable message",
				"queue", queue,
				"exchange", d.Exchange,
				"routingKey", d.RoutingKey,
				"decision", r.unmatched,
				"error", ErrNoRoute,
			)
			r.observer.MessageUnmatched(queue, r.unmatched)
			return r.settle(d, r.unmatched)
		}

		msg := &Message{
			Queue:    queue,
			Handler:  spec.name(),
			Delivery: d,
			Channel:  ch,
		}

		decision, err := r.invoke(ctx, spec, msg, forceJSON)
		if err != nil {
			r.observer.HandlerFailed(queue, msg.Handler, err)
			decision = r.errorHandler.HandleError(ctx, msg, err)
		}

		r.observer.MessageRouted(queue, msg.Handler, decision, time.Since(start))
		return r.settle(d, decision)
	}
}

func (r *Router) invoke(ctx context.Context, spec *HandlerSpec, msg *Message, forceJSON bool) (decision Decision, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("handler %s panicked: %v", msg.Handler, p)
		}
	}()

	msg.Payload, err = rabbitmq.Decode(&msg.Delivery, forceJSON)
	if err != nil {
		return Discard, err
	}
	return Chain(spec.Handler, r.interceptors...).Handle(ctx, msg)
}

func (r *Router) settle(d amqp.Delivery, decision Decision) error {
	var err error
	switch decision {
	case Ack:
		err = d.Ack(false)
	case Requeue:
		err = d.Nack(false, true)
	default:
		err = d.Nack(false, false)
	}
	if err != nil {
		return fmt.Errorf("failed to %s delivery %d: %w", decision, d.DeliveryTag, err)
	}
	return nil
}
