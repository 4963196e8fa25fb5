// Package rabbitmqtest provides an in-memory stand-in for the broker side of
// package rabbitmq, for tests that must not reach a real RabbitMQ.
package rabbitmqtest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/hapinessjs/hapirabbit-go/internal/rabbitmq"
)

// ErrRefused is the default dial failure
var ErrRefused = errors.New("rabbitmqtest: connection refused")

// Broker records dials and hands out fake connections.
type Broker struct {
	mu         sync.Mutex
	failNext   int
	failErr    error
	failAlways error
	dials      []time.Time
	uris       []string
	conns      []*Connection

	channelErr     error
	qosErr         error
	exchangeErrors map[string]error
	queueErrors    map[string]error
	bindErrors     map[string]error
	publishErr     error
	consumeErr     error

	routing bool
	kinds   map[string]string
}

// NewBroker creates a broker accepting every dial
func NewBroker() *Broker {
	return &Broker{
		exchangeErrors: make(map[string]error),
		queueErrors:    make(map[string]error),
		bindErrors:     make(map[string]error),
		kinds: map[string]string{
			"amq.direct": amqp.ExchangeDirect,
			"amq.topic":  amqp.ExchangeTopic,
			"amq.fanout": amqp.ExchangeFanout,
		},
	}
}

// Dial satisfies rabbitmq.Dialer
func (b *Broker) Dial(uri string) (rabbitmq.Connection, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.dials = append(b.dials, time.Now())
	b.uris = append(b.uris, uri)

	if b.failAlways != nil {
		return nil, b.failAlways
	}
	if b.failNext > 0 {
		b.failNext--
		return nil, b.failErr
	}

	conn := &Connection{broker: b}
	b.conns = append(b.conns, conn)
	return conn, nil
}

// FailNext makes the next n dials fail with ErrRefused
func (b *Broker) FailNext(n int) *Broker {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failNext = n
	b.failErr = ErrRefused
	return b
}

// FailAlways makes every dial fail with err
func (b *Broker) FailAlways(err error) *Broker {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failAlways = err
	return b
}

// FailChannels makes every channel open fail with err
func (b *Broker) FailChannels(err error) *Broker {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.channelErr = err
	return b
}

// FailQos makes every basic.qos fail with err
func (b *Broker) FailQos(err error) *Broker {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.qosErr = err
	return b
}

// FailExchange makes the declaration of exchange fail with err
func (b *Broker) FailExchange(exchange string, err error) *Broker {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.exchangeErrors[exchange] = err
	return b
}

// FailQueue makes the declaration of queue fail with err
func (b *Broker) FailQueue(queue string, err error) *Broker {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.queueErrors[queue] = err
	return b
}

// FailBind makes the binding of queue to exchange with pattern fail with err
func (b *Broker) FailBind(queue, exchange, pattern string, err error) *Broker {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.bindErrors[bindKey(queue, exchange, pattern)] = err
	return b
}

// FailPublish makes every publish fail with err
func (b *Broker) FailPublish(err error) *Broker {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.publishErr = err
	return b
}

// FailConsume makes every basic.consume fail with err
func (b *Broker) FailConsume(err error) *Broker {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.consumeErr = err
	return b
}

// Route makes publishes reach the consumers of the queues bound to the target
// exchange, the way a broker routes them. Off by default.
func (b *Broker) Route() *Broker {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.routing = true
	return b
}

// Attempts returns the number of dials
func (b *Broker) Attempts() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.dials)
}

// DialTimes returns when each dial happened
func (b *Broker) DialTimes() []time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]time.Time(nil), b.dials...)
}

// URIs returns the dialed URIs
func (b *Broker) URIs() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.uris...)
}

// Connections returns every connection handed out
func (b *Broker) Connections() []*Connection {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*Connection(nil), b.conns...)
}

// LastConnection returns the most recent connection, or nil
func (b *Broker) LastConnection() *Connection {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.conns) == 0 {
		return nil
	}
	return b.conns[len(b.conns)-1]
}

// Channels returns every channel opened on every connection
func (b *Broker) Channels() []*Channel {
	var all []*Channel
	for _, c := range b.Connections() {
		all = append(all, c.Channels()...)
	}
	return all
}

// Exchanges returns the declared exchange names, in declaration order
func (b *Broker) Exchanges() []string {
	var names []string
	for _, ch := range b.Channels() {
		for _, d := range ch.ExchangeDeclarations() {
			names = append(names, d.Name)
		}
	}
	return names
}

// Queues returns the declared queue names
func (b *Broker) Queues() []string {
	var names []string
	for _, ch := range b.Channels() {
		for _, d := range ch.QueueDeclarations() {
			names = append(names, d.Name)
		}
	}
	return names
}

// Bindings returns every queue.bind made
func (b *Broker) Bindings() []Binding {
	var binds []Binding
	for _, ch := range b.Channels() {
		binds = append(binds, ch.Bindings()...)
	}
	return binds
}

// Published returns every message published
func (b *Broker) Published() []Publication {
	var msgs []Publication
	for _, ch := range b.Channels() {
		msgs = append(msgs, ch.Published()...)
	}
	return msgs
}

// Consumer returns the channel and tag consuming queue
func (b *Broker) Consumer(queue string) (*Channel, string, bool) {
	for _, ch := range b.Channels() {
		if tag, ok := ch.consumerTag(queue); ok {
			return ch, tag, true
		}
	}
	return nil, "", false
}

// Exclusive reports whether queue is consumed in exclusive mode
func (b *Broker) Exclusive(queue string) bool {
	for _, ch := range b.Channels() {
		ch.mu.Lock()
		c, ok := ch.consumers[queue]
		ch.mu.Unlock()
		if ok {
			return c.exclusive
		}
	}
	return false
}

// Deliver pushes a delivery to the consumer of queue and returns its acknowledger.
func (b *Broker) Deliver(queue string, d amqp.Delivery) (*Acknowledger, error) {
	ch, _, ok := b.Consumer(queue)
	if !ok {
		return nil, fmt.Errorf("rabbitmqtest: no consumer on queue %q", queue)
	}
	return ch.Deliver(queue, d)
}

func bindKey(queue, exchange, pattern string) string {
	return queue + "|" + exchange + "|" + pattern
}

// route delivers msg to the consumers of every queue it would reach. Queues
// without a consumer drop it.
func (b *Broker) route(exchange, key string, msg amqp.Publishing) {
	b.mu.Lock()
	enabled := b.routing
	kind, declared := b.kinds[exchange]
	b.mu.Unlock()
	if !enabled {
		return
	}

	var queues []string
	if exchange == "" {
		queues = []string{key}
	} else {
		if !declared {
			return
		}
		seen := make(map[string]bool)
		for _, bind := range b.Bindings() {
			if bind.Exchange != exchange || seen[bind.Queue] || !matches(kind, bind.Key, key) {
				continue
			}
			seen[bind.Queue] = true
			queues = append(queues, bind.Queue)
		}
	}

	for _, queue := range queues {
		_, _ = b.Deliver(queue, amqp.Delivery{
			Headers:         msg.Headers,
			ContentType:     msg.ContentType,
			ContentEncoding: msg.ContentEncoding,
			DeliveryMode:    msg.DeliveryMode,
			Priority:        msg.Priority,
			CorrelationId:   msg.CorrelationId,
			ReplyTo:         msg.ReplyTo,
			Expiration:      msg.Expiration,
			MessageId:       msg.MessageId,
			Timestamp:       msg.Timestamp,
			Type:            msg.Type,
			UserId:          msg.UserId,
			AppId:           msg.AppId,
			Exchange:        exchange,
			RoutingKey:      key,
			Body:            msg.Body,
		})
	}
}

// matches applies the binding rules of an exchange kind. Headers exchanges
// never match.
func matches(kind, pattern, key string) bool {
	switch kind {
	case amqp.ExchangeFanout:
		return true
	case amqp.ExchangeTopic:
		return topicMatch(strings.Split(pattern, "."), strings.Split(key, "."))
	case amqp.ExchangeHeaders:
		return false
	default:
		return pattern == key
	}
}

// topicMatch: "*" is exactly one word, "#" is zero or more
func topicMatch(pattern, words []string) bool {
	if len(pattern) == 0 {
		return len(words) == 0
	}
	switch pattern[0] {
	case "#":
		for i := 0; i <= len(words); i++ {
			if topicMatch(pattern[1:], words[i:]) {
				return true
			}
		}
		return false
	case "*":
		return len(words) > 0 && topicMatch(pattern[1:], words[1:])
	default:
		return len(words) > 0 && pattern[0] == words[0] && topicMatch(pattern[1:], words[1:])
	}
}

// Connection is a fake broker connection
type Connection struct {
	broker *Broker

	mu       sync.Mutex
	channels []*Channel
	notify   []chan *amqp.Error
	closed   bool
}

// Channel satisfies rabbitmq.Connection
func (c *Connection) Channel() (rabbitmq.Channel, error) {
	c.broker.mu.Lock()
	err := c.broker.channelErr
	c.broker.mu.Unlock()
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, amqp.ErrClosed
	}

	ch := &Channel{broker: c.broker, consumers: make(map[string]*consumer)}
	c.channels = append(c.channels, ch)
	return ch, nil
}

// NotifyClose satisfies rabbitmq.Connection
func (c *Connection) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		close(receiver)
		return receiver
	}
	c.notify = append(c.notify, receiver)
	return receiver
}

// Close closes the connection gracefully
func (c *Connection) Close() error {
	c.shutdown(nil)
	return nil
}

// Break simulates a broker-initiated close
func (c *Connection) Break(err *amqp.Error) {
	c.shutdown(err)
}

func (c *Connection) shutdown(err *amqp.Error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	notify := c.notify
	c.notify = nil
	channels := append([]*Channel(nil), c.channels...)
	c.mu.Unlock()

	for _, ch := range channels {
		_ = ch.Close()
	}
	for _, n := range notify {
		if err != nil {
			n <- err
		}
		close(n)
	}
}

// IsClosed satisfies rabbitmq.Connection
func (c *Connection) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Channels returns the channels opened on this connection
func (c *Connection) Channels() []*Channel {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*Channel(nil), c.channels...)
}

// Qos is a recorded basic.qos call
type Qos struct {
	PrefetchCount int
	Global        bool
}

// ExchangeDeclaration is a recorded exchange.declare call
type ExchangeDeclaration struct {
	Name       string
	Kind       string
	Durable    bool
	AutoDelete bool
	Internal   bool
	Args       amqp.Table
}

// QueueDeclaration is a recorded queue.declare call
type QueueDeclaration struct {
	Name       string
	Durable    bool
	AutoDelete bool
	Exclusive  bool
	Args       amqp.Table
}

// Binding is a recorded queue.bind call
type Binding struct {
	Queue    string
	Exchange string
	Key      string
}

// Publication is a recorded basic.publish call
type Publication struct {
	Exchange   string
	RoutingKey string
	Mandatory  bool
	Msg        amqp.Publishing
}

type consumer struct {
	tag        string
	exclusive  bool
	deliveries chan amqp.Delivery
}

// Channel is a fake AMQP channel recording every call
type Channel struct {
	broker *Broker

	mu          sync.Mutex
	closed      bool
	qos         []Qos
	exchanges   []ExchangeDeclaration
	queues      []QueueDeclaration
	binds       []Binding
	published   []Publication
	consumers   map[string]*consumer
	cancelled   []string
	ack         Acknowledger
	deliveryTag uint64
}

// Qos satisfies rabbitmq.Channel
func (ch *Channel) Qos(prefetchCount, prefetchSize int, global bool) error {
	ch.broker.mu.Lock()
	err := ch.broker.qosErr
	ch.broker.mu.Unlock()
	if err != nil {
		return err
	}

	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.qos = append(ch.qos, Qos{PrefetchCount: prefetchCount, Global: global})
	return nil
}

// ExchangeDeclare satisfies rabbitmq.Channel
func (ch *Channel) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	ch.broker.mu.Lock()
	err := ch.broker.exchangeErrors[name]
	ch.broker.mu.Unlock()
	if err != nil {
		return err
	}

	ch.broker.mu.Lock()
	ch.broker.kinds[name] = kind
	ch.broker.mu.Unlock()

	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.exchanges = append(ch.exchanges, ExchangeDeclaration{
		Name: name, Kind: kind, Durable: durable, AutoDelete: autoDelete, Internal: internal, Args: args,
	})
	return nil
}

// QueueDeclare satisfies rabbitmq.Channel
func (ch *Channel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	ch.broker.mu.Lock()
	err := ch.broker.queueErrors[name]
	ch.broker.mu.Unlock()
	if err != nil {
		return amqp.Queue{}, err
	}

	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.queues = append(ch.queues, QueueDeclaration{
		Name: name, Durable: durable, AutoDelete: autoDelete, Exclusive: exclusive, Args: args,
	})
	return amqp.Queue{Name: name}, nil
}

// QueueBind satisfies rabbitmq.Channel
func (ch *Channel) QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error {
	ch.broker.mu.Lock()
	err := ch.broker.bindErrors[bindKey(name, exchange, key)]
	ch.broker.mu.Unlock()
	if err != nil {
		return err
	}

	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.binds = append(ch.binds, Binding{Queue: name, Exchange: exchange, Key: key})
	return nil
}

// Consume satisfies rabbitmq.Channel
func (ch *Channel) Consume(queue, tag string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	ch.broker.mu.Lock()
	err := ch.broker.consumeErr
	ch.broker.mu.Unlock()
	if err != nil {
		return nil, err
	}

	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.closed {
		return nil, amqp.ErrClosed
	}
	c := &consumer{tag: tag, exclusive: exclusive, deliveries: make(chan amqp.Delivery, 64)}
	ch.consumers[queue] = c
	return c.deliveries, nil
}

// Cancel satisfies rabbitmq.Channel
func (ch *Channel) Cancel(tag string, noWait bool) error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	for queue, c := range ch.consumers {
		if c.tag == tag {
			close(c.deliveries)
			delete(ch.consumers, queue)
		}
	}
	ch.cancelled = append(ch.cancelled, tag)
	return nil
}

// PublishWithContext satisfies rabbitmq.Channel
func (ch *Channel) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	ch.broker.mu.Lock()
	err := ch.broker.publishErr
	ch.broker.mu.Unlock()
	if err != nil {
		return err
	}

	ch.mu.Lock()
	if ch.closed {
		ch.mu.Unlock()
		return amqp.ErrClosed
	}
	ch.published = append(ch.published, Publication{Exchange: exchange, RoutingKey: key, Mandatory: mandatory, Msg: msg})
	ch.mu.Unlock()

	ch.broker.route(exchange, key, msg)
	return nil
}

// Close satisfies rabbitmq.Channel
func (ch *Channel) Close() error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.closed {
		return nil
	}
	ch.closed = true
	for queue, c := range ch.consumers {
		close(c.deliveries)
		delete(ch.consumers, queue)
	}
	return nil
}

// IsClosed satisfies rabbitmq.Channel
func (ch *Channel) IsClosed() bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.closed
}

// Deliver pushes d to the consumer of queue. The delivery tag and the
// acknowledger are filled in.
func (ch *Channel) Deliver(queue string, d amqp.Delivery) (*Acknowledger, error) {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	c, ok := ch.consumers[queue]
	if !ok {
		return nil, fmt.Errorf("rabbitmqtest: no consumer on queue %q", queue)
	}
	ch.deliveryTag++
	d.DeliveryTag = ch.deliveryTag
	d.ConsumerTag = c.tag
	d.Acknowledger = &ch.ack
	c.deliveries <- d
	return &ch.ack, nil
}

// QosCalls returns the recorded basic.qos calls
func (ch *Channel) QosCalls() []Qos {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return append([]Qos(nil), ch.qos...)
}

// ExchangeDeclarations returns the recorded exchange.declare calls
func (ch *Channel) ExchangeDeclarations() []ExchangeDeclaration {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return append([]ExchangeDeclaration(nil), ch.exchanges...)
}

// QueueDeclarations returns the recorded queue.declare calls
func (ch *Channel) QueueDeclarations() []QueueDeclaration {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return append([]QueueDeclaration(nil), ch.queues...)
}

// Bindings returns the recorded queue.bind calls
func (ch *Channel) Bindings() []Binding {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return append([]Binding(nil), ch.binds...)
}

// Published returns the recorded publishes
func (ch *Channel) Published() []Publication {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return append([]Publication(nil), ch.published...)
}

// Cancelled returns the cancelled consumer tags
func (ch *Channel) Cancelled() []string {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return append([]string(nil), ch.cancelled...)
}

// Acknowledger returns the acknowledger of deliveries made on this channel
func (ch *Channel) Acknowledger() *Acknowledger {
	return &ch.ack
}

func (ch *Channel) consumerTag(queue string) (string, bool) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	c, ok := ch.consumers[queue]
	if !ok {
		return "", false
	}
	return c.tag, true
}

// Outcome is how a delivery was settled
type Outcome struct {
	Tag     uint64
	Ack     bool
	Requeue bool
}

// Acknowledger records acks and nacks and signals each settlement.
type Acknowledger struct {
	mu       sync.Mutex
	outcomes []Outcome
	settled  chan Outcome
	once     sync.Once
}

func (a *Acknowledger) init() {
	a.once.Do(func() {
		a.settled = make(chan Outcome, 256)
	})
}

func (a *Acknowledger) record(o Outcome) error {
	a.init()
	a.mu.Lock()
	a.outcomes = append(a.outcomes, o)
	a.mu.Unlock()
	a.settled <- o
	return nil
}

// Ack satisfies amqp.Acknowledger
func (a *Acknowledger) Ack(tag uint64, multiple bool) error {
	return a.record(Outcome{Tag: tag, Ack: true})
}

// Nack satisfies amqp.Acknowledger
func (a *Acknowledger) Nack(tag uint64, multiple, requeue bool) error {
	return a.record(Outcome{Tag: tag, Requeue: requeue})
}

// Reject satisfies amqp.Acknowledger
func (a *Acknowledger) Reject(tag uint64, requeue bool) error {
	return a.record(Outcome{Tag: tag, Requeue: requeue})
}

// Outcomes returns every settlement in order
func (a *Acknowledger) Outcomes() []Outcome {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]Outcome(nil), a.outcomes...)
}

// Wait returns the next settlement, or false after timeout.
func (a *Acknowledger) Wait(timeout time.Duration) (Outcome, bool) {
	a.init()
	select {
	case o := <-a.settled:
		return o, true
	case <-time.After(timeout):
		return Outcome{}, false
	}
}
