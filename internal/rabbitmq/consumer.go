package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// DispatchFunc processes one delivery. It is responsible for acknowledging it.
type DispatchFunc func(ctx context.Context, ch Channel, delivery amqp.Delivery) error

// ErrorSink receives errors that must not stop a consume loop
type ErrorSink func(err error)

// Consumer runs one delivery loop per consumed queue
type Consumer struct {
	exclusive bool
	tagPrefix string
	logger    *slog.Logger
	errorSink ErrorSink

	mu        sync.Mutex
	consumers map[string]*ConsumerInfo
}

// ConsumerOption configures the consumer
type ConsumerOption func(*Consumer)

// WithExclusive sets exclusive consumer mode
func WithExclusive(exclusive bool) ConsumerOption {
	return func(c *Consumer) {
		c.exclusive = exclusive
	}
}

// WithConsumerTagPrefix prefixes generated consumer tags
func WithConsumerTagPrefix(prefix string) ConsumerOption {
	return func(c *Consumer) {
		c.tagPrefix = prefix
	}
}

// WithConsumerLogger sets the logger
func WithConsumerLogger(logger *slog.Logger) ConsumerOption {
	return func(c *Consumer) {
		c.logger = logger
	}
}

// WithErrorSink sets where dispatch errors are reported
func WithErrorSink(sink ErrorSink) ConsumerOption {
	return func(c *Consumer) {
		c.errorSink = sink
	}
}

// NewConsumer creates a new consumer
func NewConsumer(options ...ConsumerOption) *Consumer {
	c := &Consumer{
		logger:    slog.Default(),
		consumers: make(map[string]*ConsumerInfo),
	}

	for _, opt := range options {
		opt(c)
	}

	if c.errorSink == nil {
		logger := c.logger
		c.errorSink = func(err error) {
			logger.Error("message dispatch failed", "error", err)
		}
	}

	return c
}

// ConsumerInfo tracks an active consume loop
type ConsumerInfo struct {
	Queue       string
	ConsumerTag string
	Channel     Channel
	cancel      context.CancelFunc
	done        chan struct{}
}

// Done is closed once the delivery loop has exited
func (i *ConsumerInfo) Done() <-chan struct{} {
	return i.done
}

// Consume starts consuming the queue on the channel it was asserted on and
// calls dispatch for every delivery, one at a time, in delivery order.
func (c *Consumer) Consume(ctx context.Context, queue *QueueHandle, dispatch DispatchFunc) (string, error) {
	tag := c.tagPrefix + uuid.New().String()

	deliveries, err := queue.Channel.Consume(
		queue.Name(),
		tag,
		false, // manual acknowledgements
		c.exclusive,
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		return "", &ConsumerError{
			Queue:       queue.Name(),
			ConsumerTag: tag,
			Op:          "consume",
			Err:         err,
			Timestamp:   time.Now(),
		}
	}

	loopCtx, cancel := context.WithCancel(ctx)
	info := &ConsumerInfo{
		Queue:       queue.Name(),
		ConsumerTag: tag,
		Channel:     queue.Channel,
		cancel:      cancel,
		done:        make(chan struct{}),
	}

	c.mu.Lock()
	c.consumers[tag] = info
	c.mu.Unlock()

	go c.processMessages(loopCtx, info, deliveries, dispatch)

	c.logger.Info("consuming queue", "queue", info.Queue, "consumerTag", tag)
	return tag, nil
}

func (c *Consumer) processMessages(ctx context.Context, info *ConsumerInfo, deliveries <-chan amqp.Delivery, dispatch DispatchFunc) {
	defer func() {
		c.mu.Lock()
		delete(c.consumers, info.ConsumerTag)
		c.mu.Unlock()
		close(info.done)
		c.logger.Info("consumer stopped", "queue", info.Queue, "consumerTag", info.ConsumerTag)
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case delivery, ok := <-deliveries:
			if !ok {
				c.logger.Warn("delivery channel closed", "queue", info.Queue)
				return
			}

			if err := c.dispatch(ctx, info, delivery, dispatch); err != nil {
				c.errorSink(&ConsumerError{
					Queue:       info.Queue,
					ConsumerTag: info.ConsumerTag,
					Op:          "dispatch",
					Err:         err,
					Timestamp:   time.Now(),
				})
			}
		}
	}
}

// dispatch shields the loop from panicking handlers
func (c *Consumer) dispatch(ctx context.Context, info *ConsumerInfo, delivery amqp.Delivery, dispatch DispatchFunc) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic while dispatching delivery %d: %v", delivery.DeliveryTag, r)
		}
	}()
	return dispatch(ctx, info.Channel, delivery)
}

// Cancel stops the consumer identified by tag and waits for its loop to exit
func (c *Consumer) Cancel(tag string) error {
	c.mu.Lock()
	info, ok := c.consumers[tag]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrConsumerNotFound, tag)
	}

	var err error
	if !info.Channel.IsClosed() {
		err = info.Channel.Cancel(tag, false)
	}
	info.cancel()
	<-info.done

	if err != nil {
		return &ConsumerError{
			Queue:       info.Queue,
			ConsumerTag: tag,
			Op:          "cancel",
			Err:         err,
			Timestamp:   time.Now(),
		}
	}
	return nil
}

// StopAll cancels every active consumer
func (c *Consumer) StopAll() {
	var wg sync.WaitGroup
	for _, tag := range c.ActiveConsumers() {
		wg.Add(1)
		go func(tag string) {
			defer wg.Done()
			if err := c.Cancel(tag); err != nil {
				c.logger.Error("failed to cancel consumer", "consumerTag", tag, "error", err)
			}
		}(tag)
	}
	wg.Wait()
}

// ActiveConsumers returns the tags of the running consumers
func (c *Consumer) ActiveConsumers() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	tags := make([]string, 0, len(c.consumers))
	for tag := range c.consumers {
		tags = append(tags, tag)
	}
	return tags
}

// QueueOf returns the queue consumed under tag
func (c *Consumer) QueueOf(tag string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	info, ok := c.consumers[tag]
	if !ok {
		return "", false
	}
	return info.Queue, true
}
