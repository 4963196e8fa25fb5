package rabbitmq

import (
	"fmt"
	"net/url"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/creasty/defaults"
)

// DefaultPrefetch is used whenever no valid prefetch is configured.
const DefaultPrefetch = 10

// Unbounded disables the connection attempt limit.
const Unbounded = -1

// DefaultRetryDelay is the delay between attempts, in milliseconds, when none is configured.
const DefaultRetryDelay = 5000

// uriPattern is the structural grammar accepted for literal URIs:
// amqp[s]://[user:pass@]host[:port][/vhost][?query]
var uriPattern = regexp.MustCompile(`^amqps?://([^@\n/]+:[^@\n/]+@)?([\w.-]+)(:\d{1,6})?(/[\w%.~-]+)?(\?(?:&?[^=&\s]*=[^=&\s]*)+)?$`)

// RetryConfig bounds the connection attempts made by Connect. Both fields are
// pointers so an explicit zero is kept: a zero delay retries immediately and
// zero attempts still makes the first one.
type RetryConfig struct {
	// Delay between two attempts, in milliseconds.
	Delay *int `yaml:"delay" json:"delay" default:"5000"`
	// MaximumAttempts is the total number of attempts; Unbounded (-1) never gives up.
	MaximumAttempts *int `yaml:"maximum_attempts" json:"maximum_attempts" default:"-1"`
}

// NewRetryConfig returns a retry policy of maximumAttempts attempts, delay milliseconds apart.
func NewRetryConfig(delay, maximumAttempts int) RetryConfig {
	return RetryConfig{Delay: &delay, MaximumAttempts: &maximumAttempts}
}

// DelayDuration returns the retry delay as a duration.
func (r RetryConfig) DelayDuration() time.Duration {
	delay := DefaultRetryDelay
	if r.Delay != nil {
		delay = *r.Delay
	}
	return time.Duration(delay) * time.Millisecond
}

// Attempts returns the attempt limit, Unbounded when unset.
func (r RetryConfig) Attempts() int {
	if r.MaximumAttempts == nil {
		return Unbounded
	}
	return *r.MaximumAttempts
}

// Bounded reports whether the attempt count is limited.
func (r RetryConfig) Bounded() bool {
	return r.Attempts() != Unbounded
}

// Config describes how to reach the broker.
type Config struct {
	URI             string            `yaml:"uri" json:"uri"`
	Host            string            `yaml:"host" json:"host" default:"localhost"`
	Port            int               `yaml:"port" json:"port" default:"5672"`
	VHost           string            `yaml:"vhost" json:"vhost"`
	Login           string            `yaml:"login" json:"login"`
	Password        string            `yaml:"password" json:"password"`
	Params          map[string]string `yaml:"params" json:"params"`
	Retry           RetryConfig       `yaml:"retry" json:"retry"`
	DefaultPrefetch *int              `yaml:"default_prefetch" json:"default_prefetch"`
}

// Normalize applies defaults and resolves the connection URI.
func (c *Config) Normalize() (string, error) {
	if err := defaults.Set(c); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidConfiguration, err)
	}
	if c.Retry.Attempts() < Unbounded {
		return "", fmt.Errorf("%w: retry maximum attempts must be -1 (unbounded) or positive, got %d", ErrInvalidConfiguration, c.Retry.Attempts())
	}
	if c.Retry.DelayDuration() < 0 {
		return "", fmt.Errorf("%w: retry delay must not be negative", ErrInvalidConfiguration)
	}

	if c.URI != "" {
		if !ValidURI(c.URI) {
			return "", fmt.Errorf("%w: invalid uri %s", ErrInvalidConfiguration, SanitizeURL(c.URI))
		}
		return c.URI, nil
	}

	if c.Port <= 0 || c.Port > 999999 {
		return "", fmt.Errorf("%w: invalid port %d", ErrInvalidConfiguration, c.Port)
	}
	return BuildURI(c.Host, c.Port, c.VHost, c.Login, c.Password, c.Params), nil
}

// Prefetch returns the configured default prefetch, snapped to DefaultPrefetch when absent or negative.
func (c Config) Prefetch() int {
	if c.DefaultPrefetch == nil || *c.DefaultPrefetch < 0 {
		return DefaultPrefetch
	}
	return *c.DefaultPrefetch
}

// ValidURI reports whether uri matches the accepted AMQP URI grammar.
func ValidURI(uri string) bool {
	return uriPattern.MatchString(uri)
}

// BuildURI assembles an AMQP URI from its parts.
// Credentials are only included when both login and password are set.
func BuildURI(host string, port int, vhost, login, password string, params map[string]string) string {
	var b strings.Builder
	b.WriteString("amqp://")
	if login != "" && password != "" {
		b.WriteString(url.UserPassword(login, password).String())
		b.WriteByte('@')
	}
	b.WriteString(host)
	b.WriteByte(':')
	b.WriteString(strconv.Itoa(port))

	if vhost != "" {
		b.WriteByte('/')
		b.WriteString(escapeVHost(vhost))
	}

	if len(params) > 0 {
		keys := make([]string, 0, len(params))
		for k := range params {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		values := url.Values{}
		for _, k := range keys {
			values.Set(k, params[k])
		}
		b.WriteByte('?')
		b.WriteString(values.Encode())
	}

	return b.String()
}

// escapeVHost percent-encodes every byte outside [A-Za-z0-9_.~-], so a leading
// slash (the default "/" vhost) becomes %2F.
func escapeVHost(vhost string) string {
	const hex = "0123456789ABCDEF"

	var b strings.Builder
	for i := 0; i < len(vhost); i++ {
		c := vhost[i]
		switch {
		case 'a' <= c && c <= 'z', 'A' <= c && c <= 'Z', '0' <= c && c <= '9',
			c == '_', c == '.', c == '~', c == '-':
			b.WriteByte(c)
		default:
			b.WriteByte('%')
			b.WriteByte(hex[c>>4])
			b.WriteByte(hex[c&0x0f])
		}
	}
	return b.String()
}
