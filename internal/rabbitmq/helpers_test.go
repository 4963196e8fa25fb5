package rabbitmq_test

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hapinessjs/hapirabbit-go/internal/rabbitmq"
	"github.com/hapinessjs/hapirabbit-go/internal/rabbitmq/rabbitmqtest"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newManager(t *testing.T, broker *rabbitmqtest.Broker, config rabbitmq.Config, opts ...rabbitmq.ConnectionOption) *rabbitmq.ConnectionManager {
	t.Helper()

	opts = append([]rabbitmq.ConnectionOption{
		rabbitmq.WithDialer(broker.Dial),
		rabbitmq.WithLogger(discardLogger()),
	}, opts...)

	cm, err := rabbitmq.NewConnectionManager(config, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = cm.Close() })
	return cm
}

func connect(t *testing.T, broker *rabbitmqtest.Broker, opts ...rabbitmq.ConnectionOption) *rabbitmq.ConnectionManager {
	t.Helper()

	cm := newManager(t, broker, rabbitmq.Config{Retry: rabbitmq.NewRetryConfig(1, 1)}, opts...)
	require.NoError(t, cm.Connect(context.Background()))
	return cm
}

func intPtr(n int) *int { return &n }
