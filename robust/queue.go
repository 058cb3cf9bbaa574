package robust

import (
	"context"
	"sync"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// DeliveryHandler receives deliveries routed to a consumed queue.
type DeliveryHandler func(amqp.Delivery)

type binding struct {
	exchange   string
	routingKey string
	args       amqp.Table
}

type consumerRecord struct {
	opts    ConsumeOptions
	handler DeliveryHandler
}

// Queue is a declared queue. Recoverable queues are remembered by their
// channel; after a reconnect the queue re-declares itself and re-establishes
// every recorded binding and consumer.
type Queue struct {
	ch *Channel

	// serverNamed queues were declared with an empty name; replay declares
	// them with an empty name again and adopts whatever the broker assigns.
	serverNamed bool

	mu        sync.Mutex
	decl      QueueDeclare
	bindings  []binding
	consumers map[string]consumerRecord
}

// Name returns the queue name, which may have been generated by the broker.
func (q *Queue) Name() string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.decl.Name
}

// Bind binds the queue to an exchange and records the binding so it can be
// re-established after a reconnect.
func (q *Queue) Bind(ctx context.Context, exchange, routingKey string, args amqp.Table) error {
	session := q.ch.currentSession()
	name := q.Name()

	err := q.ch.call(ctx, func() error {
		return session.BindQueue(ctx, name, exchange, routingKey, args)
	})
	if err != nil {
		return err
	}

	q.mu.Lock()
	q.bindings = append(q.bindings, binding{exchange: exchange, routingKey: routingKey, args: args})
	q.mu.Unlock()
	return nil
}

// Unbind removes the binding from the broker and from the recovery record.
func (q *Queue) Unbind(ctx context.Context, exchange, routingKey string, args amqp.Table) error {
	session := q.ch.currentSession()
	name := q.Name()

	err := q.ch.call(ctx, func() error {
		return session.UnbindQueue(ctx, name, exchange, routingKey, args)
	})
	if err != nil {
		return err
	}

	q.mu.Lock()
	for i, b := range q.bindings {
		if b.exchange == exchange && b.routingKey == routingKey {
			q.bindings = append(q.bindings[:i], q.bindings[i+1:]...)
			break
		}
	}
	q.mu.Unlock()
	return nil
}

// Consume starts delivering messages from the queue to handler and records
// the consumer so it is restarted after a reconnect. It returns the consumer
// tag, generated when none was supplied.
func (q *Queue) Consume(ctx context.Context, handler DeliveryHandler, options ...ConsumeOption) (string, error) {
	var opts ConsumeOptions
	for _, opt := range options {
		opt(&opts)
	}
	if opts.Tag == "" {
		opts.Tag = "fennec-" + uuid.New().String()
	}

	session := q.ch.currentSession()
	name := q.Name()

	var deliveries <-chan amqp.Delivery
	err := q.ch.call(ctx, func() error {
		var consumeErr error
		deliveries, consumeErr = session.Consume(ctx, name, opts)
		return consumeErr
	})
	if err != nil {
		return "", err
	}

	q.mu.Lock()
	q.consumers[opts.Tag] = consumerRecord{opts: opts, handler: handler}
	q.mu.Unlock()

	go pump(deliveries, handler)
	return opts.Tag, nil
}

// CancelConsumer stops the consumer with the given tag and drops it from the
// recovery record.
func (q *Queue) CancelConsumer(ctx context.Context, tag string) error {
	session := q.ch.currentSession()

	err := q.ch.call(ctx, func() error {
		return session.CancelConsumer(ctx, tag)
	})
	if err != nil {
		return err
	}

	q.mu.Lock()
	delete(q.consumers, tag)
	q.mu.Unlock()
	return nil
}

// Delete removes the queue from the broker and from the channel's recovery
// set, returning the number of messages purged with it.
func (q *Queue) Delete(ctx context.Context, opts QueueDeleteOptions) (int, error) {
	return q.ch.DeleteQueue(ctx, q.Name(), opts)
}

// OnReconnect re-declares the queue on the freshly opened channel, then
// re-applies recorded bindings and restarts recorded consumers, in that
// order. Exchanges have already been recovered by the time this runs.
func (q *Queue) OnReconnect(ctx context.Context) error {
	session := q.ch.currentSession()

	q.mu.Lock()
	decl := q.decl
	bindings := make([]binding, len(q.bindings))
	copy(bindings, q.bindings)
	consumers := make(map[string]consumerRecord, len(q.consumers))
	for tag, rec := range q.consumers {
		consumers[tag] = rec
	}
	q.mu.Unlock()

	oldName := decl.Name
	if q.serverNamed {
		decl.Name = ""
	}

	var info QueueInfo
	err := q.ch.call(ctx, func() error {
		var declareErr error
		info, declareErr = session.DeclareQueue(ctx, decl)
		return declareErr
	})
	if err != nil {
		return err
	}

	q.mu.Lock()
	q.decl.Name = info.Name
	q.mu.Unlock()

	if info.Name != oldName {
		q.ch.rekeyQueue(oldName, info.Name, q)
	}

	for _, b := range bindings {
		err := q.ch.call(ctx, func() error {
			return session.BindQueue(ctx, info.Name, b.exchange, b.routingKey, b.args)
		})
		if err != nil {
			return err
		}
	}

	for _, rec := range consumers {
		var deliveries <-chan amqp.Delivery
		err := q.ch.call(ctx, func() error {
			var consumeErr error
			deliveries, consumeErr = session.Consume(ctx, info.Name, rec.opts)
			return consumeErr
		})
		if err != nil {
			return err
		}
		go pump(deliveries, rec.handler)
	}

	return nil
}

func pump(deliveries <-chan amqp.Delivery, handler DeliveryHandler) {
	for d := range deliveries {
		handler(d)
	}
}
