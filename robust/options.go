package robust

import (
	"log/slog"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ChannelOption configures a Channel.
type ChannelOption func(*Channel)

// WithChannelLogger sets the logger used by the channel.
func WithChannelLogger(logger *slog.Logger) ChannelOption {
	return func(c *Channel) {
		c.logger = logger
	}
}

type exchangeConfig struct {
	durable     bool
	autoDelete  bool
	internal    bool
	passive     bool
	arguments   amqp.Table
	recoverable bool
}

// ExchangeOption configures an exchange declaration. Declarations are
// recoverable unless opted out.
type ExchangeOption func(*exchangeConfig)

// WithExchangeDurable declares the exchange as durable.
func WithExchangeDurable() ExchangeOption {
	return func(cfg *exchangeConfig) {
		cfg.durable = true
	}
}

// WithExchangeAutoDelete deletes the exchange once all queues unbind.
func WithExchangeAutoDelete() ExchangeOption {
	return func(cfg *exchangeConfig) {
		cfg.autoDelete = true
	}
}

// WithInternalExchange marks the exchange as broker-managed. Internal
// exchanges are never registered for recovery.
func WithInternalExchange() ExchangeOption {
	return func(cfg *exchangeConfig) {
		cfg.internal = true
	}
}

// WithPassiveExchange checks that the exchange exists instead of creating it.
func WithPassiveExchange() ExchangeOption {
	return func(cfg *exchangeConfig) {
		cfg.passive = true
	}
}

// WithExchangeArguments sets declaration arguments.
func WithExchangeArguments(args amqp.Table) ExchangeOption {
	return func(cfg *exchangeConfig) {
		cfg.arguments = args
	}
}

// WithoutExchangeRecovery opts the declaration out of recovery, for
// ephemeral usage the caller does not want replayed after a reconnect.
func WithoutExchangeRecovery() ExchangeOption {
	return func(cfg *exchangeConfig) {
		cfg.recoverable = false
	}
}

type queueConfig struct {
	durable     bool
	exclusive   bool
	autoDelete  bool
	passive     bool
	arguments   amqp.Table
	recoverable bool
}

// QueueOption configures a queue declaration. Declarations are recoverable
// unless opted out.
type QueueOption func(*queueConfig)

// WithQueueDurable declares the queue as durable.
func WithQueueDurable() QueueOption {
	return func(cfg *queueConfig) {
		cfg.durable = true
	}
}

// WithExclusiveQueue restricts the queue to this connection.
func WithExclusiveQueue() QueueOption {
	return func(cfg *queueConfig) {
		cfg.exclusive = true
	}
}

// WithQueueAutoDelete deletes the queue once all consumers cancel.
func WithQueueAutoDelete() QueueOption {
	return func(cfg *queueConfig) {
		cfg.autoDelete = true
	}
}

// WithPassiveQueue checks that the queue exists instead of creating it.
func WithPassiveQueue() QueueOption {
	return func(cfg *queueConfig) {
		cfg.passive = true
	}
}

// WithQueueArguments sets declaration arguments.
func WithQueueArguments(args amqp.Table) QueueOption {
	return func(cfg *queueConfig) {
		cfg.arguments = args
	}
}

// WithoutQueueRecovery opts the declaration out of recovery.
func WithoutQueueRecovery() QueueOption {
	return func(cfg *queueConfig) {
		cfg.recoverable = false
	}
}

// ConsumeOption configures a consumer registration.
type ConsumeOption func(*ConsumeOptions)

// WithConsumerTag sets an explicit consumer tag. A generated tag is used
// when unset.
func WithConsumerTag(tag string) ConsumeOption {
	return func(o *ConsumeOptions) {
		o.Tag = tag
	}
}

// WithAutoAck acknowledges deliveries as soon as the broker sends them.
func WithAutoAck() ConsumeOption {
	return func(o *ConsumeOptions) {
		o.AutoAck = true
	}
}

// WithExclusiveConsumer makes this the queue's only consumer.
func WithExclusiveConsumer() ConsumeOption {
	return func(o *ConsumeOptions) {
		o.Exclusive = true
	}
}

// WithConsumeArguments sets consume arguments.
func WithConsumeArguments(args amqp.Table) ConsumeOption {
	return func(o *ConsumeOptions) {
		o.Arguments = args
	}
}
