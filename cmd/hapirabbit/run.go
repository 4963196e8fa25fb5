package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/hapinessjs/hapirabbit-go"
	"github.com/hapinessjs/hapirabbit-go/health"
	"github.com/hapinessjs/hapirabbit-go/internal/config"
	"github.com/hapinessjs/hapirabbit-go/metrics"
	"github.com/hapinessjs/hapirabbit-go/routing"
)

func newRunCommand(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Connect, bootstrap the topology and consume until interrupted",
		Long: `Connect to the broker, assert the declared exchanges, queues and bindings, then
consume every queue that has a handler. Handlers declared in the configuration log
each message and settle it with their decision. Health and metrics are served over
HTTP unless disabled.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load(flags)
			if err != nil {
				return err
			}
			logger, err := newLogger(cfg, flags, os.Stderr)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return run(ctx, cfg, logger)
		},
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	errorDecision, err := cfg.ErrorDecision()
	if err != nil {
		return err
	}
	unmatchedDecision, err := cfg.UnmatchedDecision()
	if err != nil {
		return err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	recorder, err := metrics.NewBuilder(registry, cfg.Health.Namespace, "").NewRecorder()
	if err != nil {
		return err
	}

	module, err := hapirabbit.New(cfg.RabbitMQ,
		hapirabbit.WithLogger(logger),
		hapirabbit.WithObserver(recorder),
		hapirabbit.WithErrorDecision(errorDecision),
		hapirabbit.WithUnmatchedDecision(unmatchedDecision),
		hapirabbit.WithConsumerTagPrefix(cfg.Routing.ConsumerTagPrefix),
		hapirabbit.WithInterceptors(interceptors(cfg, logger)...),
		hapirabbit.WithErrorSink(func(err error) {
			logger.Error("consumer error", "error", err)
		}),
	)
	if err != nil {
		return err
	}
	defer func() {
		if err := module.Close(); err != nil {
			logger.Error("failed to close module", "error", err)
		}
	}()

	unsubscribe := recorder.ObserveEvents(hapirabbit.ConnectionEvents())
	defer unsubscribe()

	checks := health.NewRegistry()
	checks.SetMetadata("version", version)
	checks.Register(health.NewConnectionChecker(module.Manager()))
	checks.Register(health.NewChannelStoreChecker(module.Manager()))
	checks.Register(health.NewConsumerChecker(module.Consumer(), module.ConsumedQueues))

	serveErr := make(chan error, 1)
	if cfg.Health.Enabled {
		go func() {
			serveErr <- health.Serve(ctx, cfg.Health.Addr, health.NewRouter(checks, registry, cfg.Health.Timeout), logger)
		}()
	}

	topology, err := buildTopology(cfg, logger)
	if err != nil {
		return err
	}

	logger.Info("starting", "uri", module.Manager().SanitizedURI())
	if err := module.Start(ctx, topology); err != nil {
		return fmt.Errorf("failed to start: %w", err)
	}

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
		return nil
	case err := <-serveErr:
		return fmt.Errorf("health server stopped: %w", err)
	}
}

func interceptors(cfg *config.Config, logger *slog.Logger) []routing.Interceptor {
	chain := []routing.Interceptor{routing.NewLoggingInterceptor(logger)}
	if cfg.Routing.MaxDeaths > 0 {
		chain = append(chain, routing.NewRedeliveryInterceptor(cfg.Routing.MaxDeaths))
	}
	if cfg.Routing.HandlerTimeout > 0 {
		chain = append(chain, routing.NewTimeoutInterceptor(cfg.Routing.HandlerTimeout))
	}
	return chain
}

func buildTopology(cfg *config.Config, logger *slog.Logger) (hapirabbit.Topology, error) {
	topology := hapirabbit.Topology{Topology: cfg.Topology}

	for _, h := range cfg.Handlers {
		decision, err := h.SettleWith()
		if err != nil {
			return topology, err
		}
		topology.Handle(h.Spec(logHandler(logger, decision)))
	}
	return topology, nil
}

// logHandler logs every message and settles it with decision
func logHandler(logger *slog.Logger, decision routing.Decision) routing.Handler {
	return routing.HandlerFunc(func(ctx context.Context, msg *routing.Message) (routing.Decision, error) {
		logger.Info("message received",
			"queue", msg.Queue,
			"handler", msg.Handler,
			"exchange", msg.Delivery.Exchange,
			"routingKey", msg.Delivery.RoutingKey,
			"messageId", msg.Delivery.MessageId,
			"bytes", len(msg.Delivery.Body),
			"decision", decision.String(),
		)
		logger.Debug("message payload", "queue", msg.Queue, "payload", msg.Payload)
		return decision, nil
	})
}
