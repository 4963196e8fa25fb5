package routing

import (
	"fmt"
	"strconv"
	"strings"

	amqp "github.com/rabbitmq/amqp091-go"
)

// property resolves a filter path against a delivery. Paths are either
// headers.<name>[.<nested>...] or a top-level field name; a leading
// "properties." or "fields." is ignored.
func property(d *amqp.Delivery, path string) (string, bool) {
	path = strings.TrimPrefix(path, "properties.")
	path = strings.TrimPrefix(path, "fields.")

	if rest, ok := strings.CutPrefix(path, "headers."); ok {
		return header(d.Headers, strings.Split(rest, "."))
	}

	switch path {
	case "exchange":
		return d.Exchange, true
	case "routingKey":
		return d.RoutingKey, true
	case "contentType":
		return d.ContentType, true
	case "contentEncoding":
		return d.ContentEncoding, true
	case "type":
		return d.Type, true
	case "appId":
		return d.AppId, true
	case "messageId":
		return d.MessageId, true
	case "correlationId":
		return d.CorrelationId, true
	case "replyTo":
		return d.ReplyTo, true
	case "userId":
		return d.UserId, true
	case "expiration":
		return d.Expiration, true
	case "consumerTag":
		return d.ConsumerTag, true
	case "priority":
		return strconv.Itoa(int(d.Priority)), true
	case "deliveryMode":
		return strconv.Itoa(int(d.DeliveryMode)), true
	case "redelivered":
		return strconv.FormatBool(d.Redelivered), true
	}
	return "", false
}

func header(table map[string]interface{}, keys []string) (string, bool) {
	var v interface{} = table
	for _, key := range keys {
		switch m := v.(type) {
		case amqp.Table:
			v = m[key]
		case map[string]interface{}:
			v = m[key]
		default:
			return "", false
		}
		if v == nil {
			return "", false
		}
	}

	switch t := v.(type) {
	case string:
		return t, true
	case []byte:
		return string(t), true
	case amqp.Table, map[string]interface{}:
		return "", false
	}
	return fmt.Sprint(v), true
}
