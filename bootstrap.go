package hapirabbit

import (
	"context"
	"fmt"
	"sync"

	"github.com/hashicorp/go-multierror"

	"github.com/hapinessjs/hapirabbit-go/contracts"
	"github.com/hapinessjs/hapirabbit-go/internal/rabbitmq"
)

// Bootstrap asserts the topology and starts consuming. Steps run in order:
// exchanges, queues, bindings, handler registration, consumption. Entities
// within a step are asserted concurrently; the first failing step aborts.
//
// Running Bootstrap again stops the running consumers and rebuilds the
// router from scratch. Bootstrapping after Close starts fresh consumers.
func (m *Module) Bootstrap(ctx context.Context, topology Topology) error {
	if err := topology.Validate(); err != nil {
		return err
	}
	if _, err := m.manager.GetConnection(); err != nil {
		return fmt.Errorf("cannot bootstrap: %w", err)
	}

	m.consumer.StopAll()
	m.mu.Lock()
	m.consumed = nil
	if m.runCtx.Err() != nil {
		// closed earlier
		m.runCtx, m.runCancel = context.WithCancel(context.Background())
	}
	runCtx := m.runCtx
	m.mu.Unlock()

	if err := m.assertExchanges(ctx, topology.Exchanges); err != nil {
		return err
	}
	if err := m.assertQueues(ctx, topology.Queues); err != nil {
		return err
	}
	if err := m.bindQueues(ctx, topology.Queues); err != nil {
		return err
	}
	if err := m.registerHandlers(topology); err != nil {
		return err
	}
	if err := m.consumeQueues(ctx, runCtx, topology.Queues); err != nil {
		return err
	}

	m.logger.Info("topology bootstrapped",
		"exchanges", len(topology.Exchanges),
		"queues", len(topology.Queues),
		"handlers", len(topology.Handlers),
		"consumed", len(m.ConsumedQueues()))
	return nil
}

func (m *Module) assertExchanges(ctx context.Context, specs []contracts.ExchangeSpec) error {
	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		result *multierror.Error
	)

	for _, spec := range specs {
		wg.Add(1)
		go func(spec contracts.ExchangeSpec) {
			defer wg.Done()

			handle, err := m.assertExchange(ctx, spec)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				result = multierror.Append(result, err)
				return
			}
			m.mu.Lock()
			m.exchanges[spec.Name] = handle
			m.mu.Unlock()
		}(spec)
	}
	wg.Wait()

	return result.ErrorOrNil()
}

func (m *Module) assertExchange(ctx context.Context, spec contracts.ExchangeSpec) (*rabbitmq.ExchangeHandle, error) {
	ch, err := m.channelFor(ctx, spec.Channel)
	if err != nil {
		return nil, fmt.Errorf("exchange %q: %w", spec.Name, err)
	}
	return m.builder.AssertExchange(ctx, ch, spec)
}

func (m *Module) assertQueues(ctx context.Context, specs []contracts.QueueSpec) error {
	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		result *multierror.Error
	)

	for _, spec := range specs {
		wg.Add(1)
		go func(spec contracts.QueueSpec) {
			defer wg.Done()

			handle, err := m.assertQueue(ctx, spec)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				result = multierror.Append(result, err)
				return
			}
			m.mu.Lock()
			m.queues[spec.Name] = handle
			m.mu.Unlock()
		}(spec)
	}
	wg.Wait()

	return result.ErrorOrNil()
}

func (m *Module) assertQueue(ctx context.Context, spec contracts.QueueSpec) (*rabbitmq.QueueHandle, error) {
	ch, err := m.channelFor(ctx, spec.Channel)
	if err != nil {
		return nil, fmt.Errorf("queue %q: %w", spec.Name, err)
	}
	return m.builder.AssertQueue(ctx, ch, spec)
}

// bindQueues binds queues concurrently; the binds of one queue keep their declared order.
func (m *Module) bindQueues(ctx context.Context, specs []contracts.QueueSpec) error {
	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		result *multierror.Error
	)

	for _, spec := range specs {
		if len(spec.Binds) == 0 {
			continue
		}
		handle, ok := m.Queue(spec.Name)
		if !ok {
			return fmt.Errorf("queue %q was not asserted", spec.Name)
		}

		wg.Add(1)
		go func(handle *rabbitmq.QueueHandle, binds []contracts.BindSpec) {
			defer wg.Done()

			for _, bind := range binds {
				if err := m.builder.Bind(ctx, handle, bind.Exchange, bind.RoutingKeys()); err != nil {
					mu.Lock()
					result = multierror.Append(result, err)
					mu.Unlock()
					return
				}
			}
		}(handle, spec.Binds)
	}
	wg.Wait()

	return result.ErrorOrNil()
}

func (m *Module) registerHandlers(topology Topology) error {
	m.router.Reset()
	for _, spec := range topology.Handlers {
		if err := m.router.Register(spec); err != nil {
			return err
		}
	}
	return nil
}

// consumeQueues starts a consumer for every queue with at least one handler.
// Queues without handlers stay asserted and bound.
func (m *Module) consumeQueues(ctx, runCtx context.Context, specs []contracts.QueueSpec) error {
	for _, spec := range specs {
		if !m.router.HasHandlers(spec.Name) {
			m.logger.Debug("queue has no handler, not consuming", "queue", spec.Name)
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		handle, ok := m.Queue(spec.Name)
		if !ok {
			return fmt.Errorf("queue %q was not asserted", spec.Name)
		}

		if _, err := m.consumer.Consume(runCtx, handle, m.router.Dispatcher(spec.Name, spec.ForceJSONDecode)); err != nil {
			return err
		}

		m.mu.Lock()
		m.consumed = append(m.consumed, spec.Name)
		m.mu.Unlock()
	}
	return nil
}

// channelFor resolves a selector through the channel store, or returns the default channel.
func (m *Module) channelFor(ctx context.Context, selector *contracts.ChannelSelector) (rabbitmq.Channel, error) {
	if selector == nil {
		ch := m.manager.DefaultChannel()
		if ch == nil {
			return nil, ErrNotConnected
		}
		return ch, nil
	}

	return m.manager.Channels().Upsert(ctx, selector.Key, rabbitmq.ChannelOptions{
		Prefetch: selector.Prefetch,
		Global:   selector.Global,
	})
}
