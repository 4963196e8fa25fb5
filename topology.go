package hapirabbit

import (
	"fmt"

	"github.com/hapinessjs/hapirabbit-go/contracts"
	"github.com/hapinessjs/hapirabbit-go/routing"
)

// Topology is what Bootstrap asserts: exchanges, queues with their bindings,
// and the handlers consuming those queues.
type Topology struct {
	contracts.Topology `yaml:",inline"`
	Handlers           []routing.HandlerSpec `yaml:"-" json:"-"`
}

// Validate checks the declarations and that every handler targets a declared queue.
func (t Topology) Validate() error {
	if err := t.Topology.Validate(); err != nil {
		return err
	}

	for i, h := range t.Handlers {
		if h.Handler == nil {
			return fmt.Errorf("%w: handler %d (%s) has no implementation", contracts.ErrInvalidTopology, i, h.Name)
		}
		if _, ok := t.Queue(h.Queue); !ok {
			return fmt.Errorf("%w: handler %d (%s) targets undeclared queue %q", contracts.ErrInvalidTopology, i, h.Name, h.Queue)
		}
	}
	return nil
}

// Handle appends a handler for queue and returns the topology for chaining.
func (t *Topology) Handle(spec routing.HandlerSpec) *Topology {
	t.Handlers = append(t.Handlers, spec)
	return t
}
