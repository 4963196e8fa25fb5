package rabbitmq

import (
	"encoding/json"
	"fmt"
	"strconv"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Decode returns the JSON-decoded body when force is set or the delivery
// carries a truthy json header, and the raw body otherwise.
func Decode(delivery *amqp.Delivery, force bool) (interface{}, error) {
	if delivery == nil {
		return nil, fmt.Errorf("%w: no delivery", ErrDecode)
	}

	if !force && !IsJSON(delivery) {
		return delivery.Body, nil
	}

	var v interface{}
	if err := json.Unmarshal(delivery.Body, &v); err != nil {
		return nil, fmt.Errorf("%w: invalid JSON body: %v", ErrDecode, err)
	}
	return v, nil
}

// DecodeInto unmarshals the JSON body of the delivery into v
func DecodeInto(delivery *amqp.Delivery, v interface{}) error {
	if delivery == nil {
		return fmt.Errorf("%w: no delivery", ErrDecode)
	}
	if err := json.Unmarshal(delivery.Body, v); err != nil {
		return fmt.Errorf("%w: invalid JSON body: %v", ErrDecode, err)
	}
	return nil
}

// IsJSON reports whether the delivery is marked as JSON encoded
func IsJSON(delivery *amqp.Delivery) bool {
	if delivery == nil || delivery.Headers == nil {
		return false
	}
	return truthy(delivery.Headers[JSONHeader])
}

func truthy(v interface{}) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		b, err := strconv.ParseBool(t)
		if err != nil {
			return t != ""
		}
		return b
	case int:
		return t != 0
	case int8:
		return t != 0
	case int16:
		return t != 0
	case int32:
		return t != 0
	case int64:
		return t != 0
	case uint8:
		return t != 0
	case float32:
		return t != 0
	case float64:
		return t != 0
	}
	return true
}
