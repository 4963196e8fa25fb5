package routing

import (
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestMatcher(t *testing.T) {
	t.Run("zero value matches everything", func(t *testing.T) {
		var m Matcher
		assert.True(t, m.IsZero())
		assert.True(t, m.Match(""))
		assert.True(t, m.Match("anything"))
	})

	t.Run("exact", func(t *testing.T) {
		m := Exact("user.created")
		assert.True(t, m.Match("user.created"))
		assert.False(t, m.Match("user.created.v2"))
		assert.False(t, m.Match("user"))
		assert.Equal(t, "user.created", m.String())
	})

	t.Run("patterns match the whole string", func(t *testing.T) {
		m := MustPattern(`user\.(created|deleted)`)
		assert.True(t, m.IsPattern())
		assert.True(t, m.Match("user.created"))
		assert.True(t, m.Match("user.deleted"))
		assert.False(t, m.Match("user.created.v2"))
		assert.False(t, m.Match("x.user.created"))
		assert.Equal(t, `/user\.(created|deleted)/`, m.String())
	})

	t.Run("invalid pattern", func(t *testing.T) {
		_, err := Pattern("(")
		assert.Error(t, err)
		assert.Panics(t, func() { MustPattern("(") })
	})

	t.Run("ParseMatcher", func(t *testing.T) {
		m, err := ParseMatcher("/order\\..*/")
		require.NoError(t, err)
		assert.True(t, m.IsPattern())
		assert.True(t, m.Match("order.paid"))

		m, err = ParseMatcher("/")
		require.NoError(t, err)
		assert.False(t, m.IsPattern())
		assert.True(t, m.Match("/"))
	})

	t.Run("YAML", func(t *testing.T) {
		var v struct {
			Key    Matcher            `yaml:"key"`
			Filter map[string]Matcher `yaml:"filter"`
		}
		require.NoError(t, yaml.Unmarshal([]byte("key: /user\\..*/\nfilter:\n  headers.version: \"2\"\n"), &v))
		assert.True(t, v.Key.Match("user.created"))
		assert.True(t, v.Filter["headers.version"].Match("2"))
		assert.False(t, v.Filter["headers.version"].IsPattern())
	})
}

func TestProperty(t *testing.T) {
	d := &amqp.Delivery{
		Exchange:     "ex",
		RoutingKey:   "rk",
		ContentType:  "application/json",
		MessageId:    "m-1",
		Priority:     4,
		DeliveryMode: amqp.Persistent,
		Redelivered:  true,
		Headers: amqp.Table{
			"flag":  true,
			"bytes": []byte("raw"),
			"meta":  amqp.Table{"region": "eu"},
		},
	}

	cases := map[string]string{
		"exchange":               "ex",
		"routingKey":             "rk",
		"properties.contentType": "application/json",
		"fields.messageId":       "m-1",
		"priority":               "4",
		"deliveryMode":           "2",
		"redelivered":            "true",
		"headers.flag":           "true",
		"headers.bytes":          "raw",
		"headers.meta.region":    "eu",
	}
	for path, want := range cases {
		got, ok := property(d, path)
		assert.True(t, ok, path)
		assert.Equal(t, want, got, path)
	}

	for _, path := range []string{"headers.missing", "headers.meta", "headers.flag.nested", "unknownField"} {
		_, ok := property(d, path)
		assert.False(t, ok, path)
	}
}

func TestParseDecision(t *testing.T) {
	for in, want := range map[string]Decision{"ack": Ack, "Requeue": Requeue, " discard ": Discard, "reject": Discard} {
		got, err := ParseDecision(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := ParseDecision("drop")
	assert.Error(t, err)
}
