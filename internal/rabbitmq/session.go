package rabbitmq

import (
	"context"
	"log/slog"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/fennecmq/fennec/robust"
)

// session implements robust.Session over a raw amqp091 channel. A session is
// bound to one connection lifetime; recovery always builds a new session via
// amqpConnection.NewSession instead of reusing an old one.
type session struct {
	conn   *amqp.Connection
	number uint16
	logger *slog.Logger

	mu     sync.Mutex
	ch     *amqp.Channel
	closeC chan error
}

// amqpConnection adapts an established amqp091 connection to the session
// factory the channel layer expects.
type amqpConnection struct {
	conn   *amqp.Connection
	logger *slog.Logger
}

func (c *amqpConnection) NewSession(channelNumber uint16) robust.Session {
	return &session{
		conn:   c.conn,
		number: channelNumber,
		logger: c.logger,
	}
}

func (s *session) Open(ctx context.Context) error {
	ch, err := s.conn.Channel()
	if err != nil {
		return &ChannelError{Op: "open", Channel: s.number, Err: err}
	}

	closeC := make(chan error, 1)
	notify := ch.NotifyClose(make(chan *amqp.Error, 1))
	go func() {
		amqpErr, ok := <-notify
		if ok && amqpErr != nil {
			closeC <- amqpErr
		} else {
			closeC <- nil
		}
	}()

	s.mu.Lock()
	s.ch = ch
	s.closeC = closeC
	s.mu.Unlock()

	s.logger.Debug("channel opened", "channel", s.number)
	return nil
}

func (s *session) Close(ctx context.Context) error {
	ch := s.handle()
	if ch == nil {
		return nil
	}
	if err := ch.Close(); err != nil {
		return &ChannelError{Op: "close", Channel: s.number, Err: err}
	}
	return nil
}

func (s *session) CloseNotify() <-chan error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeC
}

func (s *session) SetQoS(ctx context.Context, prefetchCount, prefetchSize int) error {
	ch := s.handle()
	if ch == nil {
		return ErrChannelNotOpen
	}
	return ch.Qos(prefetchCount, prefetchSize, false)
}

func (s *session) DeclareExchange(ctx context.Context, decl robust.ExchangeDeclare) error {
	ch := s.handle()
	if ch == nil {
		return ErrChannelNotOpen
	}
	if decl.Passive {
		return ch.ExchangeDeclarePassive(decl.Name, decl.Kind, decl.Durable,
			decl.AutoDelete, decl.Internal, false, decl.Arguments)
	}
	return ch.ExchangeDeclare(decl.Name, decl.Kind, decl.Durable,
		decl.AutoDelete, decl.Internal, false, decl.Arguments)
}

func (s *session) DeleteExchange(ctx context.Context, name string, opts robust.ExchangeDeleteOptions) error {
	ch := s.handle()
	if ch == nil {
		return ErrChannelNotOpen
	}
	return ch.ExchangeDelete(name, opts.IfUnused, opts.NoWait)
}

func (s *session) DeclareQueue(ctx context.Context, decl robust.QueueDeclare) (robust.QueueInfo, error) {
	ch := s.handle()
	if ch == nil {
		return robust.QueueInfo{}, ErrChannelNotOpen
	}

	var q amqp.Queue
	var err error
	if decl.Passive {
		q, err = ch.QueueDeclarePassive(decl.Name, decl.Durable, decl.AutoDelete,
			decl.Exclusive, false, decl.Arguments)
	} else {
		q, err = ch.QueueDeclare(decl.Name, decl.Durable, decl.AutoDelete,
			decl.Exclusive, false, decl.Arguments)
	}
	if err != nil {
		return robust.QueueInfo{}, err
	}

	return robust.QueueInfo{Name: q.Name, Messages: q.Messages, Consumers: q.Consumers}, nil
}

func (s *session) DeleteQueue(ctx context.Context, name string, opts robust.QueueDeleteOptions) (int, error) {
	ch := s.handle()
	if ch == nil {
		return 0, ErrChannelNotOpen
	}
	return ch.QueueDelete(name, opts.IfUnused, opts.IfEmpty, opts.NoWait)
}

func (s *session) BindQueue(ctx context.Context, queue, exchange, routingKey string, args amqp.Table) error {
	ch := s.handle()
	if ch == nil {
		return ErrChannelNotOpen
	}
	return ch.QueueBind(queue, routingKey, exchange, false, args)
}

func (s *session) UnbindQueue(ctx context.Context, queue, exchange, routingKey string, args amqp.Table) error {
	ch := s.handle()
	if ch == nil {
		return ErrChannelNotOpen
	}
	return ch.QueueUnbind(queue, routingKey, exchange, args)
}

func (s *session) Consume(ctx context.Context, queue string, opts robust.ConsumeOptions) (<-chan amqp.Delivery, error) {
	ch := s.handle()
	if ch == nil {
		return nil, ErrChannelNotOpen
	}
	return ch.Consume(queue, opts.Tag, opts.AutoAck, opts.Exclusive,
		opts.NoLocal, opts.NoWait, opts.Arguments)
}

func (s *session) CancelConsumer(ctx context.Context, tag string) error {
	ch := s.handle()
	if ch == nil {
		return ErrChannelNotOpen
	}
	return ch.Cancel(tag, false)
}

func (s *session) handle() *amqp.Channel {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ch
}
