// Package rabbitmq consumes AMQP queues and turns deliveries into events.
// Deliveries are acknowledged once the target completed; a drained delivery
// is acknowledged and shifted to a peer.
package rabbitmq

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"reflect"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/djlord-it/easy-trigger/internal/claim"
	"github.com/djlord-it/easy-trigger/internal/domain"
	"github.com/djlord-it/easy-trigger/internal/enqueuer"
	"github.com/djlord-it/easy-trigger/internal/queue"
)

// DefaultReconnectInterval is how often closed consumers are re-dialed.
const DefaultReconnectInterval = 60 * time.Second

type Exchange struct {
	Name    string `json:"name" yaml:"name"`
	Type    string `json:"type,omitempty" yaml:"type"`
	Pattern string `json:"pattern,omitempty" yaml:"pattern"`
	Durable bool   `json:"durable,omitempty" yaml:"durable"`
}

type Options struct {
	URL      string    `json:"url" yaml:"url"`
	Queue    string    `json:"queue" yaml:"queue"`
	Exchange *Exchange `json:"exchange,omitempty" yaml:"exchange"`
	Prefetch int       `json:"prefetch,omitempty" yaml:"prefetch"`
	NoAck    bool      `json:"noAck,omitempty" yaml:"noAck"`
	Durable  bool      `json:"durable,omitempty" yaml:"durable"`
}

func (o Options) validate() error {
	if o.URL == "" {
		return fmt.Errorf("%w: url is required", enqueuer.ErrInvalidOptions)
	}
	if o.Exchange != nil && o.Exchange.Name == "" {
		return fmt.Errorf("%w: exchange name is required", enqueuer.ErrInvalidOptions)
	}
	if o.Prefetch < 0 {
		return fmt.Errorf("%w: prefetch must not be negative", enqueuer.ErrInvalidOptions)
	}
	return nil
}

type Fields struct {
	DeliveryTag uint64 `json:"deliveryTag"`
	Redelivered bool   `json:"redelivered"`
	Exchange    string `json:"exchange"`
	RoutingKey  string `json:"routingKey"`
}

type Properties struct {
	ContentType   string         `json:"contentType,omitempty"`
	CorrelationID string         `json:"correlationId,omitempty"`
	MessageID     string         `json:"messageId,omitempty"`
	ReplyTo       string         `json:"replyTo,omitempty"`
	Headers       map[string]any `json:"headers,omitempty"`
}

// Message is the payload of a RABBITMQ event. A consumer that failed to
// connect enqueues a Message carrying only ErrorMessage.
type Message struct {
	Content      string      `json:"content,omitempty"`
	Fields       *Fields     `json:"fields,omitempty"`
	Properties   *Properties `json:"properties,omitempty"`
	ErrorMessage string      `json:"errorMessage,omitempty"`
}

func newMessage(d amqp.Delivery) Message {
	return Message{
		Content: string(d.Body),
		Fields: &Fields{
			DeliveryTag: d.DeliveryTag,
			Redelivered: d.Redelivered,
			Exchange:    d.Exchange,
			RoutingKey:  d.RoutingKey,
		},
		Properties: &Properties{
			ContentType:   d.ContentType,
			CorrelationID: d.CorrelationId,
			MessageID:     d.MessageId,
			ReplyTo:       d.ReplyTo,
			Headers:       d.Headers,
		},
	}
}

// ClaimKey is the job record key of a delivery. Deliveries are unique per
// consumer, so the key only has to survive a shift.
func ClaimKey(eventID string) string {
	return "rabbitmq-" + eventID
}

type pending struct {
	message  Message
	delivery amqp.Delivery
	ack      bool
}

type consumer struct {
	options Options

	mu     sync.Mutex
	gen    int
	conn   Connection
	ch     Channel
	closed bool
	reason string
}

func (c *consumer) markClosed(gen int, reason string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen {
		return false
	}
	c.closed = true
	c.reason = reason
	return true
}

func (c *consumer) state() (bool, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed, c.reason
}

// teardown closes the current connection and bumps the generation so that
// close notifications from it are ignored.
func (c *consumer) teardown() int {
	c.mu.Lock()
	c.gen++
	gen := c.gen
	conn, ch := c.conn, c.ch
	c.conn, c.ch = nil, nil
	c.closed = false
	c.reason = ""
	c.mu.Unlock()

	if ch != nil {
		if err := ch.Close(); err != nil {
			log.Printf("rabbitmq: close channel of %s: %v", c.options.Queue, err)
		}
	}
	if conn != nil {
		if err := conn.Close(); err != nil {
			log.Printf("rabbitmq: close connection of %s: %v", c.options.Queue, err)
		}
	}
	return gen
}

type Enqueuer struct {
	deps     enqueuer.Deps
	dial     Dialer
	interval time.Duration

	consumers *enqueuer.Arena[*consumer]
	messages  *queue.PayloadQueue[pending]
}

func New(deps enqueuer.Deps, dial Dialer) *Enqueuer {
	if dial == nil {
		dial = Dial
	}
	e := &Enqueuer{
		deps:      deps,
		dial:      dial,
		interval:  DefaultReconnectInterval,
		consumers: enqueuer.NewArena[*consumer](),
		messages:  queue.NewPayloadQueue[pending](),
	}
	deps.Replicate(e.Type(), e.subscribe, e.unsubscribe)
	deps.HandleShift(e.Type(), e.replay)
	return e
}

// WithReconnectInterval sets how often Run retries closed consumers.
func (e *Enqueuer) WithReconnectInterval(d time.Duration) *Enqueuer {
	if d > 0 {
		e.interval = d
	}
	return e
}

func (e *Enqueuer) Type() domain.EventType {
	return domain.EventTypeRabbitMQ
}

// Run retries closed consumers until ctx is done.
func (e *Enqueuer) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			e.ReconnectClosed(ctx)
		}
	}
}

// ReconnectClosed re-dials every consumer currently marked closed.
func (e *Enqueuer) ReconnectClosed(ctx context.Context) {
	for _, entry := range e.consumers.All() {
		if closed, _ := entry.Value.state(); !closed {
			continue
		}
		e.deps.Reconnecting(e.Type())
		log.Printf("rabbitmq: reconnecting %s for %s:%s", entry.Value.options.Queue, entry.Target.Cwd, entry.Target.Handler)
		gen := entry.Value.teardown()
		e.connect(ctx, entry, gen)
	}
}

func (e *Enqueuer) Subscribe(ctx context.Context, target domain.Target, opts any) error {
	options, err := enqueuer.DecodeOptions[Options](opts)
	if err != nil {
		return err
	}
	if err := e.subscribe(ctx, target, options); err != nil {
		return err
	}
	e.deps.Broadcast(ctx, e.Type(), enqueuer.MethodSubscribe, target, options)
	return nil
}

func (e *Enqueuer) subscribe(ctx context.Context, target domain.Target, opts any) error {
	options, err := enqueuer.DecodeOptions[Options](opts)
	if err != nil {
		return err
	}
	if err := options.validate(); err != nil {
		return err
	}

	if _, dup := e.consumers.Find(func(entry *enqueuer.Entry[*consumer]) bool {
		return reflect.DeepEqual(entry.Target, target) && reflect.DeepEqual(entry.Value.options, options)
	}); dup {
		return nil
	}

	entry := e.consumers.Add(target, &consumer{options: options})
	e.deps.Subscriptions(e.Type(), e.consumers.Len())
	e.connect(ctx, entry, 0)
	return nil
}

// connect runs the connection steps in order. The first failing step marks
// the consumer closed and enqueues an error event for the target.
func (e *Enqueuer) connect(ctx context.Context, entry *enqueuer.Entry[*consumer], gen int) {
	c := entry.Value
	opts := c.options

	conn, err := e.dial(opts.URL)
	if err != nil {
		e.fail(ctx, entry, gen, "connect", err)
		return
	}
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	ch, err := conn.Channel()
	if err != nil {
		e.fail(ctx, entry, gen, "open channel", err)
		return
	}
	c.mu.Lock()
	c.ch = ch
	c.mu.Unlock()

	if x := opts.Exchange; x != nil {
		kind := x.Type
		if kind == "" {
			kind = amqp.ExchangeDirect
		}
		if err := ch.ExchangeDeclare(x.Name, kind, x.Durable, false, false, false, nil); err != nil {
			e.fail(ctx, entry, gen, "assert exchange", err)
			return
		}
	}

	q, err := ch.QueueDeclare(opts.Queue, opts.Durable, false, opts.Queue == "", false, nil)
	if err != nil {
		e.fail(ctx, entry, gen, "assert queue", err)
		return
	}

	if x := opts.Exchange; x != nil {
		if err := ch.QueueBind(q.Name, x.Pattern, x.Name, false, nil); err != nil {
			e.fail(ctx, entry, gen, "bind queue", err)
			return
		}
	}

	if opts.Prefetch > 0 {
		if err := ch.Qos(opts.Prefetch, 0, false); err != nil {
			e.fail(ctx, entry, gen, "set prefetch", err)
			return
		}
	}

	deliveries, err := ch.Consume(q.Name, "", opts.NoAck, false, false, false, nil)
	if err != nil {
		e.fail(ctx, entry, gen, "consume", err)
		return
	}

	connClosed := conn.NotifyClose(make(chan *amqp.Error, 1))
	chClosed := ch.NotifyClose(make(chan *amqp.Error, 1))
	go e.watch(entry, gen, connClosed, chClosed)
	go e.consume(entry, deliveries)

	log.Printf("rabbitmq: consuming %s for %s:%s", q.Name, entry.Target.Cwd, entry.Target.Handler)
}

func (e *Enqueuer) fail(ctx context.Context, entry *enqueuer.Entry[*consumer], gen int, step string, err error) {
	reason := fmt.Sprintf("%s failed: %v", step, err)
	if !entry.Value.markClosed(gen, reason) {
		return
	}
	e.deps.SubscriptionFailed(e.Type())
	log.Printf("rabbitmq: %s for %s:%s: %s", entry.Value.options.Queue, entry.Target.Cwd, entry.Target.Handler, reason)

	event := domain.NewEvent(e.Type(), entry.Target)
	e.messages.Enqueue(event.ID, pending{message: Message{ErrorMessage: reason}})
	if err := e.deps.Enqueue(event); err != nil {
		e.messages.Dequeue(event.ID)
		log.Printf("rabbitmq: error event for %s:%s: %v", entry.Target.Cwd, entry.Target.Handler, err)
	}
}

// watch marks the consumer closed when the broker drops the connection or
// channel. Closes caused by teardown belong to an older generation.
func (e *Enqueuer) watch(entry *enqueuer.Entry[*consumer], gen int, connClosed, chClosed <-chan *amqp.Error) {
	var amqpErr *amqp.Error
	select {
	case amqpErr = <-connClosed:
	case amqpErr = <-chClosed:
	}

	reason := "channel closed"
	if amqpErr != nil {
		reason = "channel closed: " + amqpErr.Error()
	}
	if entry.Value.markClosed(gen, reason) {
		e.deps.SubscriptionFailed(e.Type())
		log.Printf("rabbitmq: %s for %s:%s: %s", entry.Value.options.Queue, entry.Target.Cwd, entry.Target.Handler, reason)
	}
}

func (e *Enqueuer) consume(entry *enqueuer.Entry[*consumer], deliveries <-chan amqp.Delivery) {
	for d := range deliveries {
		event := domain.NewEvent(e.Type(), entry.Target)
		msg := newMessage(d)
		if err := e.fire(context.Background(), event, msg, pending{message: msg, delivery: d, ack: !entry.Value.options.NoAck}); err != nil {
			log.Printf("rabbitmq: delivery %d on %s: %v", d.DeliveryTag, entry.Value.options.Queue, err)
		}
	}
}

func (e *Enqueuer) fire(ctx context.Context, event domain.Event, msg Message, p pending) error {
	e.messages.Enqueue(event.ID, p)
	_, err := e.deps.Claim(ctx, ClaimKey(event.ID), event, msg, func() error {
		return e.deps.Enqueue(event)
	})
	if err != nil {
		e.messages.Dequeue(event.ID)
	}
	return err
}

// replay enqueues a message drained on another node. The original delivery
// was acknowledged there, so nothing is acknowledged here.
func (e *Enqueuer) replay(ctx context.Context, rec claim.JobRecord) error {
	var msg Message
	if err := json.Unmarshal(rec.Payload, &msg); err != nil {
		return fmt.Errorf("decode message: %w", err)
	}
	event := domain.NewEvent(e.Type(), rec.Target)
	return e.fire(ctx, event, msg, pending{message: msg})
}

func (e *Enqueuer) Unsubscribe(ctx context.Context, target domain.Target) error {
	if err := e.unsubscribe(ctx, target); err != nil {
		return err
	}
	e.deps.Broadcast(ctx, e.Type(), enqueuer.MethodUnsubscribe, target, nil)
	e.deps.Unsubscribed(e.Type(), target)
	return nil
}

// unsubscribe hands queued deliveries of target back to the broker while
// their channel is still open, then tears the consumers down.
func (e *Enqueuer) unsubscribe(ctx context.Context, target domain.Target) error {
	removed := e.consumers.RemoveMatching(target)
	for id, p := range enqueuer.Withdraw(e.deps, e.Type(), target, e.messages) {
		requeue(p)
		e.deps.Release(ctx, id)
	}
	for _, entry := range removed {
		entry.Value.teardown()
		log.Printf("rabbitmq: stopped consuming %s for %s:%s", entry.Value.options.Queue, entry.Target.Cwd, entry.Target.Handler)
	}
	e.deps.Subscriptions(e.Type(), e.consumers.Len())
	return nil
}

// Close tears down every consumer without unsubscribing peers.
func (e *Enqueuer) Close() {
	for _, entry := range e.consumers.All() {
		entry.Value.teardown()
	}
}

func (e *Enqueuer) Payload(eventID string) (any, bool) {
	p, ok := e.messages.Get(eventID)
	if !ok {
		return nil, false
	}
	return p.message, true
}

func ack(p pending) {
	if !p.ack {
		return
	}
	if err := p.delivery.Ack(false); err != nil {
		log.Printf("rabbitmq: ack delivery %d: %v", p.delivery.DeliveryTag, err)
	}
}

func requeue(p pending) {
	if !p.ack {
		return
	}
	if err := p.delivery.Nack(false, true); err != nil {
		log.Printf("rabbitmq: requeue delivery %d: %v", p.delivery.DeliveryTag, err)
	}
}

func (e *Enqueuer) Complete(eventID string, result enqueuer.Result) {
	p, ok := e.messages.Dequeue(eventID)
	if !ok {
		return
	}
	ack(p)
	e.deps.Release(context.Background(), eventID)
}

// OnEventsAreDrained shifts every drained delivery to a peer and acknowledges
// it once the peer has been offered the job. A delivery that cannot be
// shifted is returned to the broker instead. Error events are dropped.
func (e *Enqueuer) OnEventsAreDrained(ctx context.Context, events []domain.Event) error {
	for _, event := range events {
		p, ok := e.messages.Dequeue(event.ID)
		if ok && p.message.ErrorMessage != "" {
			continue
		}
		shifted := e.deps.Shift(ctx, event)
		if !ok {
			continue
		}
		if shifted {
			ack(p)
		} else {
			requeue(p)
		}
	}
	e.deps.Drained(e.Type(), len(events))
	return nil
}

func (e *Enqueuer) Subscriptions() []enqueuer.SubscriptionInfo {
	var out []enqueuer.SubscriptionInfo
	for _, entry := range e.consumers.All() {
		closed, reason := entry.Value.state()
		out = append(out, enqueuer.SubscriptionInfo{
			ID:      entry.ID,
			Type:    e.Type(),
			Target:  entry.Target,
			Options: entry.Value.options,
			Closed:  closed,
			Reason:  reason,
		})
	}
	return out
}
