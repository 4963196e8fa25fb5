package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/creasty/defaults"
	"gopkg.in/yaml.v3"

	"github.com/hapinessjs/hapirabbit-go/contracts"
)

// DefaultEnvPrefix prefixes the environment overrides
const DefaultEnvPrefix = "HAPIRABBIT"

// Loader reads a YAML file, then applies environment overrides.
type Loader struct {
	envPrefix string
	lookupEnv func(string) (string, bool)
}

// NewLoader creates a loader reading variables named <prefix>_<NAME>
func NewLoader(envPrefix string) *Loader {
	return &Loader{
		envPrefix: envPrefix,
		lookupEnv: os.LookupEnv,
	}
}

// Load reads path (optional) and the environment. Environment variables take
// precedence over the file.
func (l *Loader) Load(path string) (*Config, error) {
	var data []byte
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		data = raw
	}
	return l.LoadBytes(data)
}

// LoadBytes is Load with the file content already read
func (l *Loader) LoadBytes(data []byte) (*Config, error) {
	config := &Config{}
	if err := defaults.Set(config); err != nil {
		return nil, fmt.Errorf("failed to apply defaults: %w", err)
	}

	if len(data) > 0 {
		if err := yaml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to unmarshal YAML: %w", err)
		}
	}

	if err := l.overlayEnv(config); err != nil {
		return nil, fmt.Errorf("failed to overlay environment variables: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// LoadTopology reads a standalone topology file into the configuration
// topology and handlers, replacing them.
func LoadTopology(config *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read topology file %s: %w", path, err)
	}

	var file struct {
		contracts.Topology `yaml:",inline"`
		Handlers           []HandlerConfig `yaml:"handlers"`
	}
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("failed to unmarshal topology: %w", err)
	}

	config.Topology = file.Topology
	config.Handlers = file.Handlers
	return config.Validate()
}

type envVar struct {
	name string
	set  func(c *Config, value string) error
}

var envVars = []envVar{
	{"URI", func(c *Config, v string) error { c.RabbitMQ.URI = v; return nil }},
	{"HOST", func(c *Config, v string) error { c.RabbitMQ.Host = v; return nil }},
	{"PORT", intVar(func(c *Config) *int { return &c.RabbitMQ.Port })},
	{"VHOST", func(c *Config, v string) error { c.RabbitMQ.VHost = v; return nil }},
	{"LOGIN", func(c *Config, v string) error { c.RabbitMQ.Login = v; return nil }},
	{"PASSWORD", func(c *Config, v string) error { c.RabbitMQ.Password = v; return nil }},
	{"DEFAULT_PREFETCH", optionalIntVar(func(c *Config) **int { return &c.RabbitMQ.DefaultPrefetch })},
	{"RETRY_DELAY", optionalIntVar(func(c *Config) **int { return &c.RabbitMQ.Retry.Delay })},
	{"RETRY_MAXIMUM_ATTEMPTS", optionalIntVar(func(c *Config) **int { return &c.RabbitMQ.Retry.MaximumAttempts })},
	{"ERROR_DECISION", func(c *Config, v string) error { c.Routing.ErrorDecision = v; return nil }},
	{"UNMATCHED_DECISION", func(c *Config, v string) error { c.Routing.UnmatchedDecision = v; return nil }},
	{"HANDLER_TIMEOUT", func(c *Config, v string) error {
		d, err := time.ParseDuration(v)
		if err != nil {
			return err
		}
		c.Routing.HandlerTimeout = d
		return nil
	}},
	{"MAX_DEATHS", func(c *Config, v string) error {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return err
		}
		c.Routing.MaxDeaths = n
		return nil
	}},
	{"HEALTH_ENABLED", func(c *Config, v string) error {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return err
		}
		c.Health.Enabled = b
		return nil
	}},
	{"HEALTH_ADDR", func(c *Config, v string) error { c.Health.Addr = v; return nil }},
	{"HEALTH_TIMEOUT", func(c *Config, v string) error {
		d, err := time.ParseDuration(v)
		if err != nil {
			return err
		}
		c.Health.Timeout = d
		return nil
	}},
	{"LOG_LEVEL", func(c *Config, v string) error { c.Log.Level = v; return nil }},
	{"LOG_FORMAT", func(c *Config, v string) error { c.Log.Format = v; return nil }},
}

// optionalIntVar replaces the pointer rather than writing through it
func optionalIntVar(field func(c *Config) **int) func(c *Config, value string) error {
	return func(c *Config, value string) error {
		n, err := strconv.Atoi(value)
		if err != nil {
			return err
		}
		*field(c) = &n
		return nil
	}
}

func intVar(field func(c *Config) *int) func(c *Config, value string) error {
	return func(c *Config, value string) error {
		n, err := strconv.Atoi(value)
		if err != nil {
			return err
		}
		*field(c) = n
		return nil
	}
}

func (l *Loader) overlayEnv(config *Config) error {
	for _, v := range envVars {
		name := v.name
		if l.envPrefix != "" {
			name = l.envPrefix + "_" + name
		}

		value, ok := l.lookupEnv(name)
		if !ok || value == "" {
			continue
		}
		if err := v.set(config, value); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	return nil
}
