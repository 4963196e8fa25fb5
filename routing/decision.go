package routing

import (
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Decision tells the consumer how to settle a delivery
type Decision int

const (
	Ack     Decision = iota // Acknowledge the message
	Requeue                 // Nack and requeue for redelivery
	Discard                 // Nack without requeue (dead-lettered when configured)
)

func (d Decision) String() string {
	switch d {
	case Ack:
		return "ack"
	case Requeue:
		return "requeue"
	case Discard:
		return "discard"
	}
	return fmt.Sprintf("decision(%d)", int(d))
}

// ParseDecision reads ack, requeue or discard
func ParseDecision(s string) (Decision, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "ack":
		return Ack, nil
	case "requeue":
		return Requeue, nil
	case "discard", "reject":
		return Discard, nil
	}
	return Discard, fmt.Errorf("unknown decision %q", s)
}

// UnmarshalYAML accepts the ParseDecision names
func (d *Decision) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	parsed, err := ParseDecision(s)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// UnmarshalText accepts the ParseDecision names
func (d *Decision) UnmarshalText(text []byte) error {
	parsed, err := ParseDecision(string(text))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// Observer is notified of every routing outcome
type Observer interface {
	MessageRouted(queue, handler string, decision Decision, elapsed time.Duration)
	MessageUnmatched(queue string, decision Decision)
	HandlerFailed(queue, handler string, err error)
}

// NopObserver ignores every notification
type NopObserver struct{}

func (NopObserver) MessageRouted(string, string, Decision, time.Duration) {}
func (NopObserver) MessageUnmatched(string, Decision)                    {}
func (NopObserver) HandlerFailed(string, string, error)                  {}
