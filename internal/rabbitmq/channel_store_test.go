package rabbitmq_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hapinessjs/hapirabbit-go/internal/rabbitmq"
	"github.com/hapinessjs/hapirabbit-go/internal/rabbitmq/rabbitmqtest"
)

func TestChannelStore(t *testing.T) {
	ctx := context.Background()

	t.Run("Upsert fails before Connect", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		cm := newManager(t, broker, rabbitmq.Config{})

		_, err := cm.Channels().Upsert(ctx, "work", rabbitmq.ChannelOptions{})
		assert.ErrorIs(t, err, rabbitmq.ErrChannelCreation)
		assert.ErrorIs(t, err, rabbitmq.ErrNotConnected)

		var chErr *rabbitmq.ChannelError
		require.ErrorAs(t, err, &chErr)
		assert.Equal(t, "work", chErr.Key)
		assert.Zero(t, cm.Channels().Len())
	})

	t.Run("same key returns the same channel", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		cm := connect(t, broker)

		first, err := cm.Channels().Upsert(ctx, "work", rabbitmq.ChannelOptions{Prefetch: 5})
		require.NoError(t, err)
		second, err := cm.Channels().Upsert(ctx, "work", rabbitmq.ChannelOptions{Prefetch: 50})
		require.NoError(t, err)

		assert.Same(t, first, second)
		assert.Equal(t, 5, second.Prefetch())
		assert.Equal(t, []string{"default", "work"}, cm.Channels().Keys())
	})

	t.Run("concurrent upserts open a single channel", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		cm := connect(t, broker)

		const workers = 32
		results := make([]*rabbitmq.ManagedChannel, workers)
		var wg sync.WaitGroup
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				ch, err := cm.Channels().Upsert(ctx, "shared", rabbitmq.ChannelOptions{Prefetch: 2, Global: true})
				assert.NoError(t, err)
				results[i] = ch
			}(i)
		}
		wg.Wait()

		for _, ch := range results {
			assert.Same(t, results[0], ch)
		}
		channels := broker.LastConnection().Channels()
		require.Len(t, channels, 2)
		assert.Equal(t, []rabbitmqtest.Qos{{PrefetchCount: 2, Global: true}}, channels[1].QosCalls())
		assert.True(t, results[0].Global())
	})

	t.Run("zero prefetch uses the connection default", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		cm := connect(t, broker)
		cm.SetDefaultPrefetch(7)

		ch, err := cm.Channels().Upsert(ctx, "work", rabbitmq.ChannelOptions{})
		require.NoError(t, err)
		assert.Equal(t, 7, ch.Prefetch())
	})

	t.Run("failed creation is not cached", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		cm := connect(t, broker)

		broker.FailQos(errors.New("qos refused"))
		_, err := cm.Channels().Upsert(ctx, "work", rabbitmq.ChannelOptions{})
		assert.ErrorIs(t, err, rabbitmq.ErrChannelCreation)
		_, ok := cm.Channels().Get("work")
		assert.False(t, ok)

		broker.FailQos(nil)
		ch, err := cm.Channels().Upsert(ctx, "work", rabbitmq.ChannelOptions{})
		require.NoError(t, err)
		assert.Equal(t, "work", ch.Key())
		assert.NotEmpty(t, ch.ID())
		assert.WithinDuration(t, time.Now(), ch.CreatedAt(), time.Second)
	})

	t.Run("CloseAll closes and forgets every channel", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		cm := connect(t, broker)
		_, err := cm.Channels().Upsert(ctx, "work", rabbitmq.ChannelOptions{})
		require.NoError(t, err)

		require.NoError(t, cm.Channels().CloseAll())
		assert.Zero(t, cm.Channels().Len())
		for _, ch := range broker.Channels() {
			assert.True(t, ch.IsClosed())
		}
	})
}
