package rabbitmq_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hapinessjs/hapirabbit-go/contracts"
	"github.com/hapinessjs/hapirabbit-go/internal/rabbitmq"
	"github.com/hapinessjs/hapirabbit-go/internal/rabbitmq/rabbitmqtest"
)

type errorCollector struct {
	mu   sync.Mutex
	errs []error
}

func (c *errorCollector) sink(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errs = append(c.errs, err)
}

func (c *errorCollector) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.errs)
}

func assertedQueue(t *testing.T, cm *rabbitmq.ConnectionManager, name string) *rabbitmq.QueueHandle {
	t.Helper()
	queue, err := rabbitmq.NewTopologyBuilder(discardLogger()).
		AssertQueue(context.Background(), cm.DefaultChannel(), contracts.QueueSpec{Name: name})
	require.NoError(t, err)
	return queue
}

func TestConsumer(t *testing.T) {
	ctx := context.Background()

	t.Run("dispatches every delivery in order", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		cm := connect(t, broker)
		consumer := rabbitmq.NewConsumer(rabbitmq.WithConsumerLogger(discardLogger()), rabbitmq.WithConsumerTagPrefix("test-"))
		defer consumer.StopAll()

		var (
			mu   sync.Mutex
			seen []string
		)
		tag, err := consumer.Consume(ctx, assertedQueue(t, cm, "jobs"), func(ctx context.Context, ch rabbitmq.Channel, d amqp.Delivery) error {
			mu.Lock()
			seen = append(seen, string(d.Body))
			mu.Unlock()
			return d.Ack(false)
		})
		require.NoError(t, err)
		assert.Contains(t, tag, "test-")

		queue, ok := consumer.QueueOf(tag)
		assert.True(t, ok)
		assert.Equal(t, "jobs", queue)

		var ack *rabbitmqtest.Acknowledger
		for _, body := range []string{"a", "b", "c"} {
			ack, err = broker.Deliver("jobs", amqp.Delivery{Body: []byte(body)})
			require.NoError(t, err)
		}
		for i := 0; i < 3; i++ {
			_, ok := ack.Wait(time.Second)
			require.True(t, ok)
		}

		mu.Lock()
		defer mu.Unlock()
		assert.Equal(t, []string{"a", "b", "c"}, seen)
	})

	t.Run("errors and panics go to the sink and the loop continues", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		cm := connect(t, broker)
		errs := &errorCollector{}
		consumer := rabbitmq.NewConsumer(rabbitmq.WithConsumerLogger(discardLogger()), rabbitmq.WithErrorSink(errs.sink))
		defer consumer.StopAll()

		_, err := consumer.Consume(ctx, assertedQueue(t, cm, "jobs"), func(ctx context.Context, ch rabbitmq.Channel, d amqp.Delivery) error {
			switch string(d.Body) {
			case "fail":
				return errors.New("handler failed")
			case "panic":
				panic("boom")
			}
			return d.Ack(false)
		})
		require.NoError(t, err)

		_, err = broker.Deliver("jobs", amqp.Delivery{Body: []byte("fail")})
		require.NoError(t, err)
		_, err = broker.Deliver("jobs", amqp.Delivery{Body: []byte("panic")})
		require.NoError(t, err)
		ack, err := broker.Deliver("jobs", amqp.Delivery{Body: []byte("ok")})
		require.NoError(t, err)

		outcome, ok := ack.Wait(time.Second)
		require.True(t, ok)
		assert.True(t, outcome.Ack)
		assert.Equal(t, uint64(3), outcome.Tag)

		require.Equal(t, 2, errs.len())
		var consumerErr *rabbitmq.ConsumerError
		require.ErrorAs(t, errs.errs[1], &consumerErr)
		assert.Equal(t, "dispatch", consumerErr.Op)
		assert.Contains(t, consumerErr.Error(), "boom")
	})

	t.Run("Cancel stops the loop and cancels on the broker", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		cm := connect(t, broker)
		consumer := rabbitmq.NewConsumer(rabbitmq.WithConsumerLogger(discardLogger()))

		tag, err := consumer.Consume(ctx, assertedQueue(t, cm, "jobs"), func(context.Context, rabbitmq.Channel, amqp.Delivery) error {
			return nil
		})
		require.NoError(t, err)
		assert.Len(t, consumer.ActiveConsumers(), 1)

		require.NoError(t, consumer.Cancel(tag))
		assert.Empty(t, consumer.ActiveConsumers())
		assert.Equal(t, []string{tag}, broker.Channels()[0].Cancelled())

		assert.ErrorIs(t, consumer.Cancel(tag), rabbitmq.ErrConsumerNotFound)
	})

	t.Run("the loop exits when the channel closes", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		cm := connect(t, broker)
		consumer := rabbitmq.NewConsumer(rabbitmq.WithConsumerLogger(discardLogger()))

		_, err := consumer.Consume(ctx, assertedQueue(t, cm, "jobs"), func(context.Context, rabbitmq.Channel, amqp.Delivery) error {
			return nil
		})
		require.NoError(t, err)

		require.NoError(t, cm.Close())
		require.Eventually(t, func() bool {
			return len(consumer.ActiveConsumers()) == 0
		}, time.Second, 5*time.Millisecond)
	})

	t.Run("a consume failure is reported", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		cm := connect(t, broker)
		broker.FailConsume(errors.New("access refused"))
		consumer := rabbitmq.NewConsumer(rabbitmq.WithConsumerLogger(discardLogger()))

		_, err := consumer.Consume(ctx, assertedQueue(t, cm, "jobs"), func(context.Context, rabbitmq.Channel, amqp.Delivery) error {
			return nil
		})
		var consumerErr *rabbitmq.ConsumerError
		require.ErrorAs(t, err, &consumerErr)
		assert.Equal(t, "consume", consumerErr.Op)
	})
}
