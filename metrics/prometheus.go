// Package metrics exposes router and connection activity as Prometheus metrics.
package metrics

import (
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hapinessjs/hapirabbit-go/internal/rabbitmq"
	"github.com/hapinessjs/hapirabbit-go/routing"
)

var (
	routedLabelKeys    = []string{"queue", "handler", "decision"}
	unmatchedLabelKeys = []string{"queue", "decision"}
	handlerLabelKeys   = []string{"queue", "handler"}
	eventLabelKeys     = []string{"event"}
)

// Builder registers the collectors on a Prometheus registry
type Builder struct {
	// Registry may be left nil for the default registerer
	Registry prometheus.Registerer

	Namespace string
	Subsystem string
}

// NewBuilder creates a builder for registry
func NewBuilder(registry prometheus.Registerer, namespace, subsystem string) Builder {
	return Builder{
		Registry:  registry,
		Namespace: namespace,
		Subsystem: subsystem,
	}
}

// Recorder implements routing.Observer and records connection events
type Recorder struct {
	messagesTotal    *prometheus.CounterVec
	unmatchedTotal   *prometheus.CounterVec
	handlerErrors    *prometheus.CounterVec
	handlingSeconds  *prometheus.HistogramVec
	connectionEvents *prometheus.CounterVec
	connectionUp     prometheus.Gauge
}

var _ routing.Observer = (*Recorder)(nil)

// NewRecorder registers every collector. Collectors already registered by a
// previous recorder on the same registry are reused.
func (b Builder) NewRecorder() (*Recorder, error) {
	var (
		r   Recorder
		err error
	)

	r.messagesTotal, err = b.registerCounterVec(prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: b.Namespace,
			Subsystem: b.Subsystem,
			Name:      "messages_routed_total",
			Help:      "The total number of messages routed to a handler, by settlement decision",
		},
		routedLabelKeys,
	))
	if err != nil {
		return nil, fmt.Errorf("could not register routed messages metric: %w", err)
	}

	r.unmatchedTotal, err = b.registerCounterVec(prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: b.Namespace,
			Subsystem: b.Subsystem,
			Name:      "messages_unmatched_total",
			Help:      "The total number of messages no handler matched",
		},
		unmatchedLabelKeys,
	))
	if err != nil {
		return nil, fmt.Errorf("could not register unmatched messages metric: %w", err)
	}

	r.handlerErrors, err = b.registerCounterVec(prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: b.Namespace,
			Subsystem: b.Subsystem,
			Name:      "handler_errors_total",
			Help:      "The total number of handler failures, panics included",
		},
		handlerLabelKeys,
	))
	if err != nil {
		return nil, fmt.Errorf("could not register handler errors metric: %w", err)
	}

	r.handlingSeconds, err = b.registerHistogramVec(prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: b.Namespace,
			Subsystem: b.Subsystem,
			Name:      "handler_execution_time_seconds",
			Help:      "The total time elapsed while routing and handling a message, in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		handlerLabelKeys,
	))
	if err != nil {
		return nil, fmt.Errorf("could not register handler execution time metric: %w", err)
	}

	r.connectionEvents, err = b.registerCounterVec(prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: b.Namespace,
			Subsystem: b.Subsystem,
			Name:      "connection_events_total",
			Help:      "The total number of connection lifecycle events, by type",
		},
		eventLabelKeys,
	))
	if err != nil {
		return nil, fmt.Errorf("could not register connection events metric: %w", err)
	}

	gauge, err := b.register(prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: b.Namespace,
		Subsystem: b.Subsystem,
		Name:      "connection_up",
		Help:      "1 when the broker connection is ready, 0 otherwise",
	}))
	if err != nil {
		return nil, fmt.Errorf("could not register connection state metric: %w", err)
	}
	r.connectionUp = gauge.(prometheus.Gauge)

	return &r, nil
}

// MessageRouted implements routing.Observer
func (r *Recorder) MessageRouted(queue, handler string, decision routing.Decision, elapsed time.Duration) {
	r.messagesTotal.WithLabelValues(queue, handler, decision.String()).Inc()
	r.handlingSeconds.WithLabelValues(queue, handler).Observe(elapsed.Seconds())
}

// MessageUnmatched implements routing.Observer
func (r *Recorder) MessageUnmatched(queue string, decision routing.Decision) {
	r.unmatchedTotal.WithLabelValues(queue, decision.String()).Inc()
}

// HandlerFailed implements routing.Observer
func (r *Recorder) HandlerFailed(queue, handler string, err error) {
	r.handlerErrors.WithLabelValues(queue, handler).Inc()
}

// ObserveEvents counts the events published on bus until the returned function is called.
func (r *Recorder) ObserveEvents(bus *rabbitmq.EventBus) (unsubscribe func()) {
	return bus.Subscribe(r.recordEvent)
}

func (r *Recorder) recordEvent(event rabbitmq.Event) {
	r.connectionEvents.WithLabelValues(string(event.Type)).Inc()

	switch event.Type {
	case rabbitmq.EventReady:
		r.connectionUp.Set(1)
	case rabbitmq.EventError, rabbitmq.EventConnecting:
		r.connectionUp.Set(0)
	}
}

func (b Builder) registerer() prometheus.Registerer {
	if b.Registry == nil {
		return prometheus.DefaultRegisterer
	}
	return b.Registry
}

func (b Builder) register(c prometheus.Collector) (prometheus.Collector, error) {
	err := b.registerer().Register(c)
	if err == nil {
		return c, nil
	}

	var are prometheus.AlreadyRegisteredError
	if errors.As(err, &are) {
		return are.ExistingCollector, nil
	}

	return nil, err
}

func (b Builder) registerCounterVec(c *prometheus.CounterVec) (*prometheus.CounterVec, error) {
	col, err := b.register(c)
	if err != nil {
		return nil, err
	}
	return col.(*prometheus.CounterVec), nil
}

func (b Builder) registerHistogramVec(h *prometheus.HistogramVec) (*prometheus.HistogramVec, error) {
	col, err := b.register(h)
	if err != nil {
		return nil, err
	}
	return col.(*prometheus.HistogramVec), nil
}
