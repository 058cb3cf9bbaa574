package robust

import "context"

// Exchange is a declared exchange. Recoverable exchanges are remembered by
// their channel and re-declared after every reconnect.
type Exchange struct {
	ch   *Channel
	decl ExchangeDeclare
}

// Name returns the exchange name.
func (e *Exchange) Name() string {
	return e.decl.Name
}

// Delete removes the exchange from the broker and from the channel's
// recovery set.
func (e *Exchange) Delete(ctx context.Context, opts ExchangeDeleteOptions) error {
	return e.ch.DeleteExchange(ctx, e.decl.Name, opts)
}

// OnReconnect re-issues the exchange declaration against the freshly opened
// channel.
func (e *Exchange) OnReconnect(ctx context.Context) error {
	session := e.ch.currentSession()
	return e.ch.call(ctx, func() error { return session.DeclareExchange(ctx, e.decl) })
}
