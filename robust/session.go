package robust

import (
	"context"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ExchangeDeclare defines an exchange to be declared.
type ExchangeDeclare struct {
	Name       string
	Kind       string
	Durable    bool
	AutoDelete bool
	Internal   bool
	Passive    bool
	Arguments  amqp.Table
}

// QueueDeclare defines a queue to be declared. An empty Name asks the broker
// to generate one; the resulting name is returned in QueueInfo.
type QueueDeclare struct {
	Name       string
	Durable    bool
	Exclusive  bool
	AutoDelete bool
	Passive    bool
	Arguments  amqp.Table
}

// QueueInfo describes a declared queue as reported by the broker.
type QueueInfo struct {
	Name      string
	Messages  int
	Consumers int
}

// ExchangeDeleteOptions carries the flags of an exchange.delete request.
type ExchangeDeleteOptions struct {
	IfUnused bool
	NoWait   bool
}

// QueueDeleteOptions carries the flags of a queue.delete request.
type QueueDeleteOptions struct {
	IfUnused bool
	IfEmpty  bool
	NoWait   bool
}

// ConsumeOptions carries the flags of a basic.consume request.
type ConsumeOptions struct {
	Tag       string
	AutoAck   bool
	Exclusive bool
	NoLocal   bool
	NoWait    bool
	Arguments amqp.Table
}

// Session is the raw per-connection channel handle the recovery layer drives.
// A session is bound to one connection lifetime; after a reconnect the
// channel obtains a fresh session from the new Connection and never reuses
// the old one.
type Session interface {
	// Open establishes the underlying broker channel.
	Open(ctx context.Context) error

	// Close requests the underlying channel to close.
	Close(ctx context.Context) error

	// CloseNotify delivers exactly one value when the underlying channel
	// finishes closing: nil for a clean close, the close reason otherwise.
	CloseNotify() <-chan error

	// SetQoS applies prefetch settings to this channel.
	SetQoS(ctx context.Context, prefetchCount, prefetchSize int) error

	DeclareExchange(ctx context.Context, decl ExchangeDeclare) error
	DeleteExchange(ctx context.Context, name string, opts ExchangeDeleteOptions) error

	DeclareQueue(ctx context.Context, decl QueueDeclare) (QueueInfo, error)
	DeleteQueue(ctx context.Context, name string, opts QueueDeleteOptions) (int, error)

	BindQueue(ctx context.Context, queue, exchange, routingKey string, args amqp.Table) error
	UnbindQueue(ctx context.Context, queue, exchange, routingKey string, args amqp.Table) error

	Consume(ctx context.Context, queue string, opts ConsumeOptions) (<-chan amqp.Delivery, error)
	CancelConsumer(ctx context.Context, tag string) error
}

// Connection hands out sessions bound to a channel number. The connection
// manager passes a fresh Connection to every channel it recovers, so the
// channel layer never holds a raw broker connection itself.
type Connection interface {
	NewSession(channelNumber uint16) Session
}

// Recoverer re-asserts a declared entity against a freshly opened channel.
// It is invoked exactly once per reconnect, after the channel has been
// re-opened and its QoS reapplied. A returned error aborts the whole
// reconnect attempt.
type Recoverer interface {
	OnReconnect(ctx context.Context) error
}
