// Package robust makes a channel's declared state survive a connection loss.
//
// A Channel wraps a raw broker channel (Session) and remembers its QoS
// settings and every recoverable exchange and queue declared through it.
// When the connection manager replaces the underlying connection it calls
// OnReconnect, which fails everything still in flight, re-opens the channel
// on the new connection, reapplies QoS and re-declares the remembered
// entities: exchanges first, then queues, so queue bindings always find
// their exchange.
package robust

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/fennecmq/fennec/futures"
)

// Channel is the recovery orchestrator for a single logical channel.
type Channel struct {
	// mu serializes the close sequence against any other mutation of the
	// live session reference.
	mu sync.Mutex

	conn    Connection
	number  uint16
	session Session
	store   *futures.Store
	closing *futures.Future
	closed  bool

	// opened tracks whether the current session was successfully opened.
	// Close only waits for the closing signal when a watcher exists for the
	// session, and a watcher is only started after a successful open.
	opened bool

	qosCount int
	qosSize  int

	// Recovery sets, in insertion order. An entity is present iff it was
	// declared recoverable (and, for exchanges, not internal) and has not
	// been deleted since.
	exchangeOrder []string
	exchanges     map[string]Recoverer
	queueOrder    []string
	queues        map[string]Recoverer

	logger *slog.Logger
}

// NewChannel creates a channel bound to conn with the given number. store is
// the connection's root pending-operation store; the channel derives its own
// child from it so bulk rejection stays scoped to this channel.
func NewChannel(conn Connection, channelNumber uint16, store *futures.Store, options ...ChannelOption) *Channel {
	c := &Channel{
		conn:      conn,
		number:    channelNumber,
		session:   conn.NewSession(channelNumber),
		store:     store.GetChild(),
		closing:   futures.New(),
		exchanges: make(map[string]Recoverer),
		queues:    make(map[string]Recoverer),
		logger:    slog.Default(),
	}

	for _, opt := range options {
		opt(c)
	}

	return c
}

// Number returns the current channel number. It changes across reconnects.
func (c *Channel) Number() uint16 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.number
}

// IsClosed reports whether Close has been called. The flag is permanent and
// independent of the liveness of the underlying handle.
func (c *Channel) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Initialize opens the underlying session and immediately reapplies the
// remembered QoS pair, so the channel never runs with settings older than
// the last requested value, including the default (0, 0).
func (c *Channel) Initialize(ctx context.Context) error {
	session := c.currentSession()

	if err := c.call(ctx, func() error { return session.Open(ctx) }); err != nil {
		return err
	}

	c.mu.Lock()
	c.opened = true
	closing := c.closing
	count, size := c.qosCount, c.qosSize
	c.mu.Unlock()
	c.watch(session, closing)

	return c.call(ctx, func() error { return session.SetQoS(ctx, count, size) })
}

// OnReconnect is invoked by the connection manager after the underlying
// connection has been replaced. It rejects the stale closing signal, fails
// every pending operation on this channel with ErrConnectionLost, adopts the
// new connection and channel number, re-runs initialization and replays the
// recovery hooks of every remembered exchange, then every remembered queue.
// The first hook failure aborts the attempt; a later external reconnect is
// the only retry path. A channel closed while the reconnect was underway is
// skipped: the closed flag is permanent and nothing may be re-opened on its
// behalf.
func (c *Channel) OnReconnect(ctx context.Context, conn Connection, channelNumber uint16) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	if !c.closing.Resolved() {
		c.closing.Fail(ErrConnectionLost)
	}
	c.closing = futures.New()
	c.store.RejectAll(ErrConnectionLost)

	c.conn = conn
	c.number = channelNumber
	c.session = conn.NewSession(channelNumber)
	c.opened = false
	exchangeOrder := make([]string, len(c.exchangeOrder))
	copy(exchangeOrder, c.exchangeOrder)
	queueOrder := make([]string, len(c.queueOrder))
	copy(queueOrder, c.queueOrder)
	c.mu.Unlock()

	if err := c.Initialize(ctx); err != nil {
		return err
	}

	for _, name := range exchangeOrder {
		hook := c.exchangeByName(name)
		if hook == nil {
			continue // deleted since the order snapshot
		}
		if err := hook.OnReconnect(ctx); err != nil {
			return &RecoveryError{Entity: "exchange", Name: name, Err: err, Timestamp: time.Now()}
		}
	}
	for _, name := range queueOrder {
		hook := c.queueByName(name)
		if hook == nil {
			continue
		}
		if err := hook.OnReconnect(ctx); err != nil {
			return &RecoveryError{Entity: "queue", Name: name, Err: err, Timestamp: time.Now()}
		}
	}

	c.logger.Info("channel recovered",
		"channel", channelNumber,
		"exchanges", len(exchangeOrder),
		"queues", len(queueOrder))

	return nil
}

// SetQoS records the requested prefetch pair and applies it to the session.
// The pair is recorded before the underlying call is issued, so a reconnect
// racing the call still replays the caller's most recent request. A global
// (all-channels) request is rejected with ErrGlobalQoS and leaves the
// recorded state untouched.
func (c *Channel) SetQoS(ctx context.Context, prefetchCount, prefetchSize int, global bool) error {
	if global {
		return ErrGlobalQoS
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrChannelClosed
	}
	c.qosCount, c.qosSize = prefetchCount, prefetchSize
	session := c.session
	c.mu.Unlock()

	return c.call(ctx, func() error { return session.SetQoS(ctx, prefetchCount, prefetchSize) })
}

// QoS returns the last requested prefetch pair.
func (c *Channel) QoS() (prefetchCount, prefetchSize int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.qosCount, c.qosSize
}

// Close shuts the channel down. The first call requests the underlying
// session to close, waits for it to finish closing and drops the session
// reference. Every later call is a no-op.
func (c *Channel) Close(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	c.store.Release()

	if !c.opened {
		// The session never opened, so no watcher will resolve closing.
		c.closing.Complete()
		c.session = nil
		return nil
	}

	if err := c.session.Close(ctx); err != nil {
		return err
	}

	select {
	case <-c.closing.Done():
	case <-ctx.Done():
		return ctx.Err()
	}

	c.session = nil
	return nil
}

// DeclareExchange declares an exchange and, unless it is internal or opted
// out of recovery, remembers it for replay after a reconnect.
func (c *Channel) DeclareExchange(ctx context.Context, name, kind string, options ...ExchangeOption) (*Exchange, error) {
	if c.IsClosed() {
		return nil, ErrChannelClosed
	}

	cfg := exchangeConfig{recoverable: true}
	for _, opt := range options {
		opt(&cfg)
	}

	decl := ExchangeDeclare{
		Name:       name,
		Kind:       kind,
		Durable:    cfg.durable,
		AutoDelete: cfg.autoDelete,
		Internal:   cfg.internal,
		Passive:    cfg.passive,
		Arguments:  cfg.arguments,
	}

	session := c.currentSession()
	if err := c.call(ctx, func() error { return session.DeclareExchange(ctx, decl) }); err != nil {
		return nil, err
	}

	ex := &Exchange{ch: c, decl: decl}
	if !decl.Internal && cfg.recoverable {
		c.rememberExchange(ex)
	}
	return ex, nil
}

// DeleteExchange deletes the exchange and removes it from the recovery set
// regardless of how it was declared, so a later reconnect never resurrects
// a deliberately deleted exchange.
func (c *Channel) DeleteExchange(ctx context.Context, name string, opts ExchangeDeleteOptions) error {
	if c.IsClosed() {
		return ErrChannelClosed
	}

	session := c.currentSession()
	if err := c.call(ctx, func() error { return session.DeleteExchange(ctx, name, opts) }); err != nil {
		return err
	}

	c.forgetExchange(name)
	return nil
}

// DeclareQueue declares a queue and, unless opted out, remembers it for
// replay keyed by the resulting name, which may be broker-generated.
func (c *Channel) DeclareQueue(ctx context.Context, name string, options ...QueueOption) (*Queue, error) {
	if c.IsClosed() {
		return nil, ErrChannelClosed
	}

	cfg := queueConfig{recoverable: true}
	for _, opt := range options {
		opt(&cfg)
	}

	decl := QueueDeclare{
		Name:       name,
		Durable:    cfg.durable,
		Exclusive:  cfg.exclusive,
		AutoDelete: cfg.autoDelete,
		Passive:    cfg.passive,
		Arguments:  cfg.arguments,
	}

	session := c.currentSession()
	var info QueueInfo
	err := c.call(ctx, func() error {
		var declareErr error
		info, declareErr = session.DeclareQueue(ctx, decl)
		return declareErr
	})
	if err != nil {
		return nil, err
	}

	serverNamed := decl.Name == ""
	decl.Name = info.Name
	q := &Queue{ch: c, decl: decl, serverNamed: serverNamed, consumers: make(map[string]consumerRecord)}
	if cfg.recoverable {
		c.rememberQueue(q)
	}
	return q, nil
}

// DeleteQueue deletes the queue, removes it from the recovery set
// unconditionally and returns the number of messages purged with it.
func (c *Channel) DeleteQueue(ctx context.Context, name string, opts QueueDeleteOptions) (int, error) {
	if c.IsClosed() {
		return 0, ErrChannelClosed
	}

	session := c.currentSession()
	var purged int
	err := c.call(ctx, func() error {
		var deleteErr error
		purged, deleteErr = session.DeleteQueue(ctx, name, opts)
		return deleteErr
	})
	if err != nil {
		return 0, err
	}

	c.forgetQueue(name)
	return purged, nil
}

// call runs op while it is tracked in the channel's pending-operation store.
// If the store is bulk-rejected mid-flight the caller receives the rejection
// error instead of blocking on an outcome that will never arrive.
func (c *Channel) call(ctx context.Context, op func() error) error {
	fut := c.store.Register()
	done := make(chan error, 1)

	go func() { done <- op() }()

	select {
	case err := <-done:
		if err != nil {
			fut.Fail(err)
		} else {
			fut.Complete()
		}
		return err
	case <-fut.Done():
		return fut.Err()
	case <-ctx.Done():
		fut.Fail(ctx.Err())
		return ctx.Err()
	}
}

// watch resolves closing once the given session finishes closing. Each
// session lifetime gets its own watcher; a watcher for a replaced session
// resolves an already-rejected future, which is a no-op.
func (c *Channel) watch(session Session, closing *futures.Future) {
	go func() {
		if err := <-session.CloseNotify(); err != nil {
			closing.Fail(err)
		} else {
			closing.Complete()
		}
	}()
}

func (c *Channel) currentSession() Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

func (c *Channel) rememberExchange(ex *Exchange) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.exchanges[ex.Name()]; !ok {
		c.exchangeOrder = append(c.exchangeOrder, ex.Name())
	}
	c.exchanges[ex.Name()] = ex
}

func (c *Channel) forgetExchange(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.exchanges[name]; !ok {
		return
	}
	delete(c.exchanges, name)
	c.exchangeOrder = removeName(c.exchangeOrder, name)
}

func (c *Channel) rememberQueue(q *Queue) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.queues[q.Name()]; !ok {
		c.queueOrder = append(c.queueOrder, q.Name())
	}
	c.queues[q.Name()] = q
}

func (c *Channel) forgetQueue(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.queues[name]; !ok {
		return
	}
	delete(c.queues, name)
	c.queueOrder = removeName(c.queueOrder, name)
}

// rekeyQueue moves a recovered server-named queue to the name the broker
// assigned on the new connection.
func (c *Channel) rekeyQueue(oldName, newName string, q Recoverer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.queues[oldName]; !ok {
		return
	}
	delete(c.queues, oldName)
	c.queues[newName] = q
	for i, n := range c.queueOrder {
		if n == oldName {
			c.queueOrder[i] = newName
			break
		}
	}
}

func (c *Channel) exchangeByName(name string) Recoverer {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.exchanges[name]
}

func (c *Channel) queueByName(name string) Recoverer {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.queues[name]
}

func removeName(names []string, name string) []string {
	for i, n := range names {
		if n == name {
			return append(names[:i], names[i+1:]...)
		}
	}
	return names
}
