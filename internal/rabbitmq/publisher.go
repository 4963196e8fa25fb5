package rabbitmq

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// JSONHeader marks bodies that were JSON encoded by Send
const JSONHeader = "json"

// SendOptions selects the destination and the publish properties of a message.
// Exactly one of Queue or Exchange must be set.
type SendOptions struct {
	Queue      string
	Exchange   string
	RoutingKey string

	// Raw disables JSON encoding: string bodies are sent as their bytes.
	// []byte bodies are never encoded.
	Raw bool

	Mandatory       bool
	Persistent      bool
	DeliveryMode    uint8
	Expiration      string
	UserID          string
	CC              []string
	BCC             []string
	ContentType     string
	ContentEncoding string
	Headers         amqp.Table
	Priority        uint8
	CorrelationID   string
	ReplyTo         string
	MessageID       string
	Timestamp       time.Time
	Type            string
	AppID           string
}

// Send encodes message and publishes it to a queue or to an exchange.
func Send(ctx context.Context, ch Channel, message interface{}, opts SendOptions) error {
	if ch == nil {
		return fmt.Errorf("%w: no channel", ErrSend)
	}
	if isEmptyMessage(message) {
		return fmt.Errorf("%w: empty message", ErrSend)
	}

	exchange, key, err := destination(opts)
	if err != nil {
		return err
	}

	publishing, err := newPublishing(message, opts)
	if err != nil {
		return err
	}

	if err := ch.PublishWithContext(ctx, exchange, key, opts.Mandatory, false, publishing); err != nil {
		return &PublishError{
			Exchange:   exchange,
			RoutingKey: key,
			Err:        err,
			Timestamp:  time.Now(),
		}
	}
	return nil
}

func destination(opts SendOptions) (exchange, key string, err error) {
	switch {
	case opts.Queue != "" && opts.Exchange != "":
		return "", "", fmt.Errorf("%w: specify a queue or an exchange, not both", ErrSend)
	case opts.Queue != "":
		// default exchange routes by queue name
		return "", opts.Queue, nil
	case opts.Exchange != "":
		return opts.Exchange, opts.RoutingKey, nil
	}
	return "", "", fmt.Errorf("%w: specify a queue or an exchange", ErrSend)
}

func newPublishing(message interface{}, opts SendOptions) (amqp.Publishing, error) {
	headers := make(amqp.Table, len(opts.Headers)+3)
	for k, v := range opts.Headers {
		headers[k] = v
	}

	var (
		body    []byte
		encoded bool
		err     error
	)
	switch m := message.(type) {
	case []byte:
		body = m
	case string:
		if opts.Raw {
			body = []byte(m)
		} else {
			body, err = encodeJSON(m)
			encoded = true
		}
	default:
		if opts.Raw {
			return amqp.Publishing{}, fmt.Errorf("%w: raw message must be []byte or string, got %T", ErrSend, message)
		}
		body, err = encodeJSON(m)
		encoded = true
	}
	if err != nil {
		return amqp.Publishing{}, err
	}

	// a boolean marker set by the caller wins
	if _, ok := headers[JSONHeader].(bool); !ok {
		headers[JSONHeader] = encoded
	}
	if len(opts.CC) > 0 {
		headers["CC"] = stringList(opts.CC)
	}
	if len(opts.BCC) > 0 {
		headers["BCC"] = stringList(opts.BCC)
	}

	contentType := opts.ContentType
	if contentType == "" && encoded {
		contentType = "application/json"
	}

	deliveryMode := opts.DeliveryMode
	if opts.Persistent {
		deliveryMode = amqp.Persistent
	}

	messageID := opts.MessageID
	if messageID == "" {
		messageID = uuid.New().String()
	}

	return amqp.Publishing{
		Headers:         headers,
		ContentType:     contentType,
		ContentEncoding: opts.ContentEncoding,
		DeliveryMode:    deliveryMode,
		Priority:        opts.Priority,
		CorrelationId:   opts.CorrelationID,
		ReplyTo:         opts.ReplyTo,
		Expiration:      opts.Expiration,
		MessageId:       messageID,
		Timestamp:       opts.Timestamp,
		Type:            opts.Type,
		UserId:          opts.UserID,
		AppId:           opts.AppID,
		Body:            body,
	}, nil
}

func encodeJSON(message interface{}) ([]byte, error) {
	b, err := json.Marshal(message)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSend, err)
	}
	return b, nil
}

func isEmptyMessage(message interface{}) bool {
	switch m := message.(type) {
	case nil:
		return true
	case []byte:
		return len(m) == 0
	case string:
		return m == ""
	}

	v := reflect.ValueOf(message)
	switch v.Kind() {
	case reflect.Ptr, reflect.Map, reflect.Slice, reflect.Interface, reflect.Chan, reflect.Func:
		return v.IsNil()
	}
	return false
}

// stringList converts to the field array type accepted in AMQP tables
func stringList(values []string) []interface{} {
	list := make([]interface{}, len(values))
	for i, v := range values {
		list[i] = v
	}
	return list
}
