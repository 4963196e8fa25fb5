package routing

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Interceptor wraps handler invocation. It may act before and after next, or
// settle the message without calling next at all.
type Interceptor interface {
	Intercept(ctx context.Context, msg *Message, next Handler) (Decision, error)

	// Name returns the interceptor name for logging and debugging
	Name() string
}

// InterceptorFunc is a function adapter for Interceptor
type InterceptorFunc struct {
	name string
	fn   func(ctx context.Context, msg *Message, next Handler) (Decision, error)
}

// NewInterceptorFunc creates a named function-based interceptor
func NewInterceptorFunc(name string, fn func(ctx context.Context, msg *Message, next Handler) (Decision, error)) *InterceptorFunc {
	return &InterceptorFunc{name: name, fn: fn}
}

// Intercept implements Interceptor
func (i *InterceptorFunc) Intercept(ctx context.Context, msg *Message, next Handler) (Decision, error) {
	return i.fn(ctx, msg, next)
}

// Name implements Interceptor
func (i *InterceptorFunc) Name() string {
	return i.name
}

// Chain wraps final so the first interceptor runs outermost.
func Chain(final Handler, interceptors ...Interceptor) Handler {
	handler := final
	for i := len(interceptors) - 1; i >= 0; i-- {
		interceptor := interceptors[i]
		next := handler
		handler = HandlerFunc(func(ctx context.Context, msg *Message) (Decision, error) {
			return interceptor.Intercept(ctx, msg, next)
		})
	}
	return handler
}

// WithInterceptors wraps every handler invocation with interceptors, in order.
func WithInterceptors(interceptors ...Interceptor) RouterOption {
	return func(r *Router) {
		r.interceptors = append(r.interceptors, interceptors...)
	}
}

// LoggingInterceptor logs each handled message with its outcome
type LoggingInterceptor struct {
	logger *slog.Logger
}

// NewLoggingInterceptor creates a new logging interceptor
func NewLoggingInterceptor(logger *slog.Logger) *LoggingInterceptor {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingInterceptor{logger: logger}
}

// Intercept implements Interceptor
func (i *LoggingInterceptor) Intercept(ctx context.Context, msg *Message, next Handler) (Decision, error) {
	start := time.Now()

	i.logger.Debug("handling message",
		"queue", msg.Queue,
		"handler", msg.Handler,
		"messageId", msg.Delivery.MessageId,
		"routingKey", msg.Delivery.RoutingKey,
	)

	decision, err := next.Handle(ctx, msg)
	if err != nil {
		i.logger.Error("message handling failed",
			"queue", msg.Queue,
			"handler", msg.Handler,
			"messageId", msg.Delivery.MessageId,
			"duration", time.Since(start),
			"error", err,
		)
		return decision, err
	}

	i.logger.Debug("message handled",
		"queue", msg.Queue,
		"handler", msg.Handler,
		"messageId", msg.Delivery.MessageId,
		"decision", decision.String(),
		"duration", time.Since(start),
	)
	return decision, nil
}

// Name implements Interceptor
func (i *LoggingInterceptor) Name() string {
	return "LoggingInterceptor"
}

// TimeoutInterceptor bounds the context passed to the handler
type TimeoutInterceptor struct {
	timeout time.Duration
}

// NewTimeoutInterceptor creates a timeout interceptor
func NewTimeoutInterceptor(timeout time.Duration) *TimeoutInterceptor {
	return &TimeoutInterceptor{timeout: timeout}
}

// Intercept implements Interceptor. A handler still running when the timeout
// expires keeps its decision; an error it returns afterwards is reported with
// the deadline.
func (i *TimeoutInterceptor) Intercept(ctx context.Context, msg *Message, next Handler) (Decision, error) {
	ctx, cancel := context.WithTimeout(ctx, i.timeout)
	defer cancel()

	decision, err := next.Handle(ctx, msg)
	if err != nil && ctx.Err() != nil {
		return decision, fmt.Errorf("handler %s exceeded %s: %w", msg.Handler, i.timeout, err)
	}
	return decision, err
}

// Name implements Interceptor
func (i *TimeoutInterceptor) Name() string {
	return "TimeoutInterceptor"
}

// FilterInterceptor settles messages failing predicate with skip, without calling the handler.
type FilterInterceptor struct {
	predicate func(ctx context.Context, msg *Message) bool
	skip      Decision
}

// NewFilterInterceptor creates a filtering interceptor
func NewFilterInterceptor(predicate func(ctx context.Context, msg *Message) bool, skip Decision) *FilterInterceptor {
	return &FilterInterceptor{predicate: predicate, skip: skip}
}

// Intercept implements Interceptor
func (i *FilterInterceptor) Intercept(ctx context.Context, msg *Message, next Handler) (Decision, error) {
	if !i.predicate(ctx, msg) {
		return i.skip, nil
	}
	return next.Handle(ctx, msg)
}

// Name implements Interceptor
func (i *FilterInterceptor) Name() string {
	return "FilterInterceptor"
}

// RedeliveryInterceptor discards messages redelivered with the x-death count
// of a dead-letter cycle above max, so poison messages stop looping.
type RedeliveryInterceptor struct {
	max int64
}

// NewRedeliveryInterceptor creates a redelivery limit interceptor
func NewRedeliveryInterceptor(max int64) *RedeliveryInterceptor {
	return &RedeliveryInterceptor{max: max}
}

// Intercept implements Interceptor
func (i *RedeliveryInterceptor) Intercept(ctx context.Context, msg *Message, next Handler) (Decision, error) {
	if deaths(msg) > i.max {
		return Discard, nil
	}
	return next.Handle(ctx, msg)
}

// Name implements Interceptor
func (i *RedeliveryInterceptor) Name() string {
	return "RedeliveryInterceptor"
}

// deaths sums the counts of the x-death header set by the broker on dead-lettering
func deaths(msg *Message) int64 {
	raw, ok := msg.Delivery.Headers["x-death"].([]interface{})
	if !ok {
		return 0
	}

	var total int64
	for _, entry := range raw {
		var table map[string]interface{}
		switch t := entry.(type) {
		case amqp.Table:
			table = t
		case map[string]interface{}:
			table = t
		default:
			continue
		}
		if n, ok := table["count"].(int64); ok {
			total += n
		}
	}
	return total
}
