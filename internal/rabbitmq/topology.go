package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/hapinessjs/hapirabbit-go/contracts"
)

// ExchangeHandle is an asserted exchange and the channel it was asserted on
type ExchangeHandle struct {
	Channel Channel
	Spec    contracts.ExchangeSpec
}

// Name returns the exchange name
func (h *ExchangeHandle) Name() string { return h.Spec.Name }

// QueueHandle is an asserted queue and the channel it was asserted on
type QueueHandle struct {
	Channel Channel
	Spec    contracts.QueueSpec
	// Queue is the broker reply to queue.declare (message and consumer counts)
	Queue amqp.Queue
}

// Name returns the queue name
func (h *QueueHandle) Name() string { return h.Spec.Name }

// TopologyBuilder asserts exchanges and queues and binds them together.
// Declarations are idempotent on the broker side; a conflicting redeclaration
// is reported as ErrTopologyConflict and never retried.
type TopologyBuilder struct {
	logger *slog.Logger
}

// NewTopologyBuilder creates a new topology builder
func NewTopologyBuilder(logger *slog.Logger) *TopologyBuilder {
	if logger == nil {
		logger = slog.Default()
	}
	return &TopologyBuilder{logger: logger}
}

// AssertExchange declares the exchange on ch
func (tb *TopologyBuilder) AssertExchange(ctx context.Context, ch Channel, spec contracts.ExchangeSpec) (*ExchangeHandle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !spec.Kind.IsValid() {
		return nil, tb.topologyError("exchange", spec.Name, "assert",
			fmt.Errorf("%w: unknown exchange type %q", ErrInvalidConfiguration, spec.Kind))
	}

	err := ch.ExchangeDeclare(
		spec.Name,
		spec.Kind.String(),
		spec.Options.Durable,
		spec.Options.AutoDelete,
		spec.Options.Internal,
		spec.Options.NoWait,
		amqp.Table(spec.Options.Arguments),
	)
	if err != nil {
		return nil, tb.topologyError("exchange", spec.Name, "assert", err)
	}

	tb.logger.Debug("exchange asserted", "exchange", spec.Name, "type", spec.Kind)
	return &ExchangeHandle{Channel: ch, Spec: spec}, nil
}

// AssertQueue declares the queue on ch
func (tb *TopologyBuilder) AssertQueue(ctx context.Context, ch Channel, spec contracts.QueueSpec) (*QueueHandle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	q, err := ch.QueueDeclare(
		spec.Name,
		spec.Options.Durable,
		spec.Options.AutoDelete,
		spec.Options.Exclusive,
		spec.Options.NoWait,
		amqp.Table(spec.Options.Arguments),
	)
	if err != nil {
		return nil, tb.topologyError("queue", spec.Name, "assert", err)
	}

	tb.logger.Debug("queue asserted",
		"queue", spec.Name,
		"messages", q.Messages,
		"consumers", q.Consumers)
	return &QueueHandle{Channel: ch, Spec: spec, Queue: q}, nil
}

// Bind binds the queue to exchange once per pattern. An empty pattern list
// binds with an empty routing key. The first failing binding fails the whole call.
func (tb *TopologyBuilder) Bind(ctx context.Context, queue *QueueHandle, exchange string, patterns []string) error {
	if len(patterns) == 0 {
		patterns = []string{""}
	}

	for _, pattern := range patterns {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := queue.Channel.QueueBind(queue.Name(), pattern, exchange, false, nil); err != nil {
			return tb.topologyError("binding", fmt.Sprintf("%s->%s[%s]", exchange, queue.Name(), pattern), "create", err)
		}
		tb.logger.Debug("queue bound",
			"queue", queue.Name(),
			"exchange", exchange,
			"pattern", pattern)
	}
	return nil
}

func (tb *TopologyBuilder) topologyError(component, name, op string, err error) error {
	if isPreconditionFailed(err) {
		err = fmt.Errorf("%w: %w", ErrTopologyConflict, err)
	}
	return &TopologyError{
		Component: component,
		Name:      name,
		Op:        op,
		Err:       err,
		Timestamp: time.Now(),
	}
}
