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

	"github.com/hapinessjs/hapirabbit-go/internal/rabbitmq"
	"github.com/hapinessjs/hapirabbit-go/internal/rabbitmq/rabbitmqtest"
)

type eventRecorder struct {
	mu     sync.Mutex
	events []rabbitmq.Event
}

func (r *eventRecorder) listen(e rabbitmq.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *eventRecorder) types() []rabbitmq.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	types := make([]rabbitmq.EventType, len(r.events))
	for i, e := range r.events {
		types[i] = e.Type
	}
	return types
}

func (r *eventRecorder) last() rabbitmq.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.events[len(r.events)-1]
}

func TestConnectionManager(t *testing.T) {
	t.Run("NewConnectionManager rejects an invalid uri without dialing", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		_, err := rabbitmq.NewConnectionManager(
			rabbitmq.Config{URI: "amqp://bad host"},
			rabbitmq.WithDialer(broker.Dial),
		)
		assert.ErrorIs(t, err, rabbitmq.ErrInvalidConfiguration)
		assert.Zero(t, broker.Attempts())
	})

	t.Run("NewConnectionManager does not connect", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		cm := newManager(t, broker, rabbitmq.Config{})

		assert.Equal(t, rabbitmq.StateIdle, cm.State())
		assert.False(t, cm.IsConnected())
		assert.Nil(t, cm.DefaultChannel())
		assert.Zero(t, broker.Attempts())

		_, err := cm.GetConnection()
		assert.ErrorIs(t, err, rabbitmq.ErrNotConnected)
	})

	t.Run("Connect opens the connection and the default channel", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		cm := connect(t, broker)

		assert.True(t, cm.IsConnected())
		assert.Equal(t, "amqp://localhost:5672", broker.URIs()[0])

		conn, err := cm.GetConnection()
		require.NoError(t, err)
		assert.Same(t, broker.LastConnection(), conn)

		ch := cm.DefaultChannel()
		require.NotNil(t, ch)
		assert.Equal(t, rabbitmq.DefaultChannelKey, ch.Key())
		assert.Equal(t, rabbitmq.DefaultPrefetch, ch.Prefetch())
		assert.Equal(t, []rabbitmqtest.Qos{{PrefetchCount: rabbitmq.DefaultPrefetch}}, broker.Channels()[0].QosCalls())
	})

	t.Run("Connect is a no-op while connected", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		cm := connect(t, broker)

		require.NoError(t, cm.Connect(context.Background()))
		assert.Equal(t, 1, broker.Attempts())
		assert.Len(t, broker.Channels(), 1)
	})

	t.Run("bounded retry makes exactly the configured attempts", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker().FailAlways(rabbitmqtest.ErrRefused)
		cm := newManager(t, broker, rabbitmq.Config{
			Retry: rabbitmq.NewRetryConfig(20, 3),
		})

		err := cm.Connect(context.Background())
		require.Error(t, err)
		assert.ErrorIs(t, err, rabbitmq.ErrRetryLimitExceeded)
		assert.True(t, rabbitmq.IsFatal(err))

		var connErr *rabbitmq.ConnectionError
		require.ErrorAs(t, err, &connErr)
		assert.Equal(t, 3, connErr.Attempts)
		assert.NotContains(t, connErr.Error(), "guest")

		assert.Equal(t, 3, broker.Attempts())
		dials := broker.DialTimes()
		for i := 1; i < len(dials); i++ {
			assert.GreaterOrEqual(t, dials[i].Sub(dials[i-1]), 15*time.Millisecond)
		}
		assert.Equal(t, rabbitmq.StateErrored, cm.State())
	})

	t.Run("a single attempt is not retried", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker().FailAlways(rabbitmqtest.ErrRefused)
		cm := newManager(t, broker, rabbitmq.Config{
			Retry: rabbitmq.NewRetryConfig(1, 1),
		})

		assert.ErrorIs(t, cm.Connect(context.Background()), rabbitmq.ErrRetryLimitExceeded)
		assert.Equal(t, 1, broker.Attempts())
	})

	t.Run("unbounded retry keeps trying until the broker answers", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker().FailNext(4)
		cm := newManager(t, broker, rabbitmq.Config{
			Retry: rabbitmq.NewRetryConfig(2, rabbitmq.Unbounded),
		})

		require.NoError(t, cm.Connect(context.Background()))
		assert.Equal(t, 5, broker.Attempts())
		assert.True(t, cm.IsConnected())
	})

	t.Run("Connect can be retried after the limit was reached", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker().FailNext(2)
		cm := newManager(t, broker, rabbitmq.Config{
			Retry: rabbitmq.NewRetryConfig(1, 2),
		})

		require.Error(t, cm.Connect(context.Background()))
		require.NoError(t, cm.Connect(context.Background()))
		assert.True(t, cm.IsConnected())
	})

	t.Run("a cancelled context stops the retry loop", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker().FailAlways(rabbitmqtest.ErrRefused)
		cm := newManager(t, broker, rabbitmq.Config{
			Retry: rabbitmq.NewRetryConfig(10, rabbitmq.Unbounded),
		})

		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()

		err := cm.Connect(ctx)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
		assert.NotErrorIs(t, err, rabbitmq.ErrRetryLimitExceeded)
	})

	t.Run("a deadline before the attempt limit is not a retry limit", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker().FailAlways(rabbitmqtest.ErrRefused)
		cm := newManager(t, broker, rabbitmq.Config{
			Retry: rabbitmq.NewRetryConfig(10, 100),
		})

		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()

		err := cm.Connect(ctx)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
		assert.NotErrorIs(t, err, rabbitmq.ErrRetryLimitExceeded)
		assert.Less(t, broker.Attempts(), 100)
		assert.Equal(t, rabbitmq.StateErrored, cm.State())
	})

	t.Run("zero attempts still dials once", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker().FailAlways(rabbitmqtest.ErrRefused)
		cm := newManager(t, broker, rabbitmq.Config{Retry: rabbitmq.NewRetryConfig(0, 0)})

		assert.ErrorIs(t, cm.Connect(context.Background()), rabbitmq.ErrRetryLimitExceeded)
		assert.Equal(t, 1, broker.Attempts())
	})

	t.Run("default channel failure fails Connect", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker().FailChannels(errors.New("channel max reached"))
		cm := newManager(t, broker, rabbitmq.Config{Retry: rabbitmq.NewRetryConfig(1, 1)})

		err := cm.Connect(context.Background())
		assert.ErrorIs(t, err, rabbitmq.ErrChannelCreation)
		assert.Equal(t, rabbitmq.StateErrored, cm.State())
		assert.True(t, broker.LastConnection().IsClosed())
	})

	t.Run("SetDefaultPrefetch applies to later channels", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		cm := newManager(t, broker, rabbitmq.Config{
			DefaultPrefetch: intPtr(20),
			Retry:           rabbitmq.NewRetryConfig(1, 1),
		})
		assert.Equal(t, 20, cm.DefaultPrefetch())

		assert.Same(t, cm, cm.SetDefaultPrefetch(-1))
		assert.Equal(t, rabbitmq.DefaultPrefetch, cm.DefaultPrefetch())

		cm.SetDefaultPrefetch(3)
		require.NoError(t, cm.Connect(context.Background()))
		assert.Equal(t, 3, cm.DefaultChannel().Prefetch())
	})

	t.Run("Close closes channels and connection and allows reconnecting", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		cm := connect(t, broker)
		conn := broker.LastConnection()

		require.NoError(t, cm.Close())
		assert.Equal(t, rabbitmq.StateIdle, cm.State())
		assert.True(t, conn.IsClosed())
		assert.True(t, broker.Channels()[0].IsClosed())
		assert.Zero(t, cm.Channels().Len())

		require.NoError(t, cm.Connect(context.Background()))
		assert.Equal(t, 2, broker.Attempts())
	})
}

func TestConnectionEvents(t *testing.T) {
	t.Run("events are published in lifecycle order", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		cm := newManager(t, broker, rabbitmq.Config{Retry: rabbitmq.NewRetryConfig(1, 1)})

		rec := &eventRecorder{}
		cm.Events().Subscribe(rec.listen)

		require.NoError(t, cm.Connect(context.Background()))
		assert.Equal(t, []rabbitmq.EventType{
			rabbitmq.EventConnecting,
			rabbitmq.EventOpened,
			rabbitmq.EventConnected,
			rabbitmq.EventReady,
		}, rec.types())

		opened := rec.events[1]
		assert.NotNil(t, opened.Conn)
		assert.Equal(t, cm.SanitizedURI(), opened.URI)
		assert.False(t, opened.Timestamp.IsZero())
	})

	t.Run("a broker close publishes an error event", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		rec := &eventRecorder{}
		shared := rabbitmq.NewEventBus()
		shared.Subscribe(rec.listen)

		cm := connect(t, broker, rabbitmq.WithSharedEvents(shared))
		broker.LastConnection().Break(&amqp.Error{Code: amqp.ConnectionForced, Reason: "CONNECTION_FORCED"})

		require.Eventually(t, func() bool {
			return cm.State() == rabbitmq.StateErrored
		}, time.Second, 5*time.Millisecond)

		last := rec.last()
		assert.Equal(t, rabbitmq.EventError, last.Type)
		var amqpErr *amqp.Error
		require.ErrorAs(t, last.Err, &amqpErr)
		assert.Equal(t, amqp.ConnectionForced, amqpErr.Code)

		assert.Nil(t, cm.DefaultChannel())
		assert.Zero(t, cm.Channels().Len())
		_, err := cm.GetConnection()
		assert.ErrorIs(t, err, rabbitmq.ErrNotConnected)
	})

	t.Run("a graceful close publishes no error", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		cm := connect(t, broker)

		rec := &eventRecorder{}
		cm.Events().Subscribe(rec.listen)
		require.NoError(t, cm.Close())

		time.Sleep(20 * time.Millisecond)
		assert.Empty(t, rec.types())
	})
}

func TestEventBus(t *testing.T) {
	t.Run("listeners run in subscription order", func(t *testing.T) {
		bus := rabbitmq.NewEventBus()
		var order []int
		for i := 0; i < 5; i++ {
			i := i
			bus.Subscribe(func(rabbitmq.Event) { order = append(order, i) })
		}

		bus.Publish(rabbitmq.Event{Type: rabbitmq.EventReady})
		assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
	})

	t.Run("unsubscribe removes only that listener", func(t *testing.T) {
		bus := rabbitmq.NewEventBus()
		var a, b int
		unsubscribe := bus.Subscribe(func(rabbitmq.Event) { a++ })
		bus.Subscribe(func(rabbitmq.Event) { b++ })

		unsubscribe()
		unsubscribe()
		bus.Publish(rabbitmq.Event{Type: rabbitmq.EventReady})

		assert.Equal(t, 0, a)
		assert.Equal(t, 1, b)
		assert.Equal(t, 1, bus.Len())
	})

	t.Run("Clear drops every listener", func(t *testing.T) {
		bus := rabbitmq.NewEventBus()
		bus.Subscribe(func(rabbitmq.Event) {})
		bus.Subscribe(func(rabbitmq.Event) {})
		bus.Clear()
		assert.Zero(t, bus.Len())
	})
}
