package contracts

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// ErrInvalidTopology is returned when a topology declaration is inconsistent
var ErrInvalidTopology = errors.New("contracts: invalid topology")

// ExchangeKind is the AMQP exchange type
type ExchangeKind string

const (
	ExchangeDirect  ExchangeKind = "direct"
	ExchangeTopic   ExchangeKind = "topic"
	ExchangeFanout  ExchangeKind = "fanout"
	ExchangeHeaders ExchangeKind = "headers"
)

// IsValid checks the kind is one the broker understands
func (k ExchangeKind) IsValid() bool {
	switch k {
	case ExchangeDirect, ExchangeTopic, ExchangeFanout, ExchangeHeaders:
		return true
	}
	return false
}

func (k ExchangeKind) String() string {
	return string(k)
}

// ChannelSelector routes an assert onto a named channel instead of the default one.
type ChannelSelector struct {
	Key string `yaml:"key" json:"key"`
	// Prefetch of the channel; 0 uses the connection default.
	Prefetch int  `yaml:"prefetch" json:"prefetch"`
	Global   bool `yaml:"global" json:"global"`
}

// ExchangeOptions are passed through to exchange.declare
type ExchangeOptions struct {
	Durable    bool                   `yaml:"durable" json:"durable"`
	AutoDelete bool                   `yaml:"auto_delete" json:"auto_delete"`
	Internal   bool                   `yaml:"internal" json:"internal"`
	NoWait     bool                   `yaml:"no_wait" json:"no_wait"`
	Arguments  map[string]interface{} `yaml:"arguments" json:"arguments"`
}

// ExchangeSpec declares an exchange
type ExchangeSpec struct {
	Name    string           `yaml:"name" json:"name"`
	Kind    ExchangeKind     `yaml:"type" json:"type"`
	Options ExchangeOptions  `yaml:"options" json:"options"`
	Channel *ChannelSelector `yaml:"channel" json:"channel,omitempty"`
}

// QueueOptions are passed through to queue.declare
type QueueOptions struct {
	Durable    bool                   `yaml:"durable" json:"durable"`
	AutoDelete bool                   `yaml:"auto_delete" json:"auto_delete"`
	Exclusive  bool                   `yaml:"exclusive" json:"exclusive"`
	NoWait     bool                   `yaml:"no_wait" json:"no_wait"`
	Arguments  map[string]interface{} `yaml:"arguments" json:"arguments"`
}

// Patterns holds the routing patterns of a bind. In YAML it may be written
// either as a single string or as a list.
type Patterns []string

// UnmarshalYAML accepts a scalar or a sequence
func (p *Patterns) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		var single string
		if err := node.Decode(&single); err != nil {
			return err
		}
		*p = Patterns{single}
		return nil
	case yaml.SequenceNode:
		var list []string
		if err := node.Decode(&list); err != nil {
			return err
		}
		*p = list
		return nil
	}
	return fmt.Errorf("pattern must be a string or a list of strings, line %d", node.Line)
}

// UnmarshalJSON accepts a string or an array of strings
func (p *Patterns) UnmarshalJSON(data []byte) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		*p = Patterns{single}
		return nil
	}

	var list []string
	if err := json.Unmarshal(data, &list); err != nil {
		return fmt.Errorf("pattern must be a string or a list of strings: %w", err)
	}
	*p = list
	return nil
}

// BindSpec binds the owning queue to an exchange
type BindSpec struct {
	Exchange string   `yaml:"exchange" json:"exchange"`
	Pattern  Patterns `yaml:"pattern" json:"pattern"`
}

// RoutingKeys returns the keys to bind with. No pattern binds with an empty key.
func (b BindSpec) RoutingKeys() []string {
	if len(b.Pattern) == 0 {
		return []string{""}
	}
	return b.Pattern
}

// QueueSpec declares a queue and its bindings
type QueueSpec struct {
	Name    string           `yaml:"name" json:"name"`
	Options QueueOptions     `yaml:"options" json:"options"`
	Channel *ChannelSelector `yaml:"channel" json:"channel,omitempty"`
	Binds   []BindSpec       `yaml:"binds" json:"binds"`
	// ForceJSONDecode decodes every body as JSON, whatever the json header says.
	ForceJSONDecode bool `yaml:"force_json_decode" json:"force_json_decode"`
}

// Topology is the full set of declared exchanges and queues
type Topology struct {
	Exchanges []ExchangeSpec `yaml:"exchanges" json:"exchanges"`
	Queues    []QueueSpec    `yaml:"queues" json:"queues"`
}

// Exchange looks up a declared exchange by name
func (t Topology) Exchange(name string) (ExchangeSpec, bool) {
	for _, e := range t.Exchanges {
		if e.Name == name {
			return e, true
		}
	}
	return ExchangeSpec{}, false
}

// Queue looks up a declared queue by name
func (t Topology) Queue(name string) (QueueSpec, bool) {
	for _, q := range t.Queues {
		if q.Name == name {
			return q, true
		}
	}
	return QueueSpec{}, false
}

// Validate checks names are unique, kinds are known and binds reference declared exchanges.
// Binds to broker predefined exchanges (amq.*) are always allowed.
func (t Topology) Validate() error {
	exchanges := make(map[string]struct{}, len(t.Exchanges))
	for _, e := range t.Exchanges {
		if e.Name == "" {
			return fmt.Errorf("%w: exchange without a name", ErrInvalidTopology)
		}
		if !e.Kind.IsValid() {
			return fmt.Errorf("%w: exchange %q has unknown type %q", ErrInvalidTopology, e.Name, e.Kind)
		}
		if _, dup := exchanges[e.Name]; dup {
			return fmt.Errorf("%w: exchange %q declared twice", ErrInvalidTopology, e.Name)
		}
		if err := e.Channel.validate(); err != nil {
			return fmt.Errorf("%w: exchange %q: %v", ErrInvalidTopology, e.Name, err)
		}
		exchanges[e.Name] = struct{}{}
	}

	queues := make(map[string]struct{}, len(t.Queues))
	for _, q := range t.Queues {
		if q.Name == "" {
			return fmt.Errorf("%w: queue without a name", ErrInvalidTopology)
		}
		if _, dup := queues[q.Name]; dup {
			return fmt.Errorf("%w: queue %q declared twice", ErrInvalidTopology, q.Name)
		}
		if err := q.Channel.validate(); err != nil {
			return fmt.Errorf("%w: queue %q: %v", ErrInvalidTopology, q.Name, err)
		}
		for _, b := range q.Binds {
			if _, ok := exchanges[b.Exchange]; ok || strings.HasPrefix(b.Exchange, "amq.") {
				continue
			}
			return fmt.Errorf("%w: queue %q binds to undeclared exchange %q", ErrInvalidTopology, q.Name, b.Exchange)
		}
		queues[q.Name] = struct{}{}
	}

	return nil
}

func (c *ChannelSelector) validate() error {
	if c == nil {
		return nil
	}
	if c.Key == "" {
		return errors.New("channel selector without a key")
	}
	if c.Prefetch < 0 {
		return fmt.Errorf("channel %q has a negative prefetch", c.Key)
	}
	return nil
}
