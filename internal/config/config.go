// Package config loads the application configuration: broker settings, the
// topology to bootstrap, routing policy and the health endpoint.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hapinessjs/hapirabbit-go/contracts"
	"github.com/hapinessjs/hapirabbit-go/internal/rabbitmq"
	"github.com/hapinessjs/hapirabbit-go/routing"
)

// ErrInvalid is wrapped by every validation failure
var ErrInvalid = errors.New("config: invalid configuration")

// Config is the root of the configuration file
type Config struct {
	RabbitMQ rabbitmq.Config    `yaml:"rabbitmq"`
	Routing  RoutingConfig      `yaml:"routing"`
	Health   HealthConfig       `yaml:"health"`
	Log      LogConfig          `yaml:"log"`
	Topology contracts.Topology `yaml:"topology"`
	Handlers []HandlerConfig    `yaml:"handlers"`
}

// RoutingConfig sets how failed and unmatched messages are settled
type RoutingConfig struct {
	ErrorDecision     string `yaml:"error_decision" default:"discard"`
	UnmatchedDecision string `yaml:"unmatched_decision" default:"discard"`
	ConsumerTagPrefix string `yaml:"consumer_tag_prefix"`
	// HandlerTimeout bounds each handler call; 0 disables it.
	HandlerTimeout time.Duration `yaml:"handler_timeout"`
	// MaxDeaths discards messages dead-lettered more often than this; 0 disables it.
	MaxDeaths int64 `yaml:"max_deaths"`
}

// HealthConfig configures the health and metrics HTTP server
type HealthConfig struct {
	Enabled   bool          `yaml:"enabled" default:"true"`
	Addr      string        `yaml:"addr" default:":9090"`
	Timeout   time.Duration `yaml:"timeout" default:"5s"`
	Namespace string        `yaml:"namespace" default:"hapirabbit"`
}

// LogConfig selects the slog handler
type LogConfig struct {
	Level  string `yaml:"level" default:"info"`
	Format string `yaml:"format" default:"text"`
}

// HandlerConfig declares a handler in the configuration file. The handler
// settles every message it matches with Decision.
type HandlerConfig struct {
	Name       string                     `yaml:"name"`
	Queue      string                     `yaml:"queue"`
	Exchange   string                     `yaml:"exchange"`
	Fallback   bool                       `yaml:"fallback"`
	RoutingKey routing.Matcher            `yaml:"routing_key"`
	Filter     map[string]routing.Matcher `yaml:"filter"`
	Decision   string                     `yaml:"decision"`
}

// Spec returns the routing spec of the handler, served by h
func (c HandlerConfig) Spec(h routing.Handler) routing.HandlerSpec {
	return routing.HandlerSpec{
		Name:       c.Name,
		Queue:      c.Queue,
		Exchange:   c.Exchange,
		Fallback:   c.Fallback,
		RoutingKey: c.RoutingKey,
		Filter:     c.Filter,
		Handler:    h,
	}
}

// SettleWith returns the handler decision, ack when unset
func (c HandlerConfig) SettleWith() (routing.Decision, error) {
	if c.Decision == "" {
		return routing.Ack, nil
	}
	return routing.ParseDecision(c.Decision)
}

// ErrorDecision returns the parsed error decision
func (c *Config) ErrorDecision() (routing.Decision, error) {
	return routing.ParseDecision(c.Routing.ErrorDecision)
}

// UnmatchedDecision returns the parsed unmatched decision
func (c *Config) UnmatchedDecision() (routing.Decision, error) {
	return routing.ParseDecision(c.Routing.UnmatchedDecision)
}

// LogLevel returns the parsed log level
func (c *Config) LogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Log.Level)); err != nil {
		return slog.LevelInfo, err
	}
	return level, nil
}

// Validate checks every section
func (c *Config) Validate() error {
	broker := c.RabbitMQ
	if _, err := broker.Normalize(); err != nil {
		return fmt.Errorf("%w: rabbitmq: %w", ErrInvalid, err)
	}

	if _, err := c.ErrorDecision(); err != nil {
		return fmt.Errorf("%w: routing.error_decision: %v", ErrInvalid, err)
	}
	if _, err := c.UnmatchedDecision(); err != nil {
		return fmt.Errorf("%w: routing.unmatched_decision: %v", ErrInvalid, err)
	}

	if _, err := c.LogLevel(); err != nil {
		return fmt.Errorf("%w: log.level: %v", ErrInvalid, err)
	}
	switch c.Log.Format {
	case "json", "text":
	default:
		return fmt.Errorf("%w: log.format must be json or text, got %q", ErrInvalid, c.Log.Format)
	}

	if c.Health.Enabled && c.Health.Addr == "" {
		return fmt.Errorf("%w: health.addr is required when health is enabled", ErrInvalid)
	}
	if c.Routing.HandlerTimeout < 0 || c.Routing.MaxDeaths < 0 {
		return fmt.Errorf("%w: routing.handler_timeout and routing.max_deaths must not be negative", ErrInvalid)
	}
	if c.Health.Timeout <= 0 {
		return fmt.Errorf("%w: health.timeout must be positive", ErrInvalid)
	}

	if err := c.Topology.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}

	for i, h := range c.Handlers {
		if h.Queue == "" {
			return fmt.Errorf("%w: handlers[%d] has no queue", ErrInvalid, i)
		}
		if _, ok := c.Topology.Queue(h.Queue); !ok {
			return fmt.Errorf("%w: handlers[%d] targets undeclared queue %q", ErrInvalid, i, h.Queue)
		}
		if _, err := h.SettleWith(); err != nil {
			return fmt.Errorf("%w: handlers[%d].decision: %v", ErrInvalid, i, err)
		}
	}

	return nil
}
