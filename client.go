package fennec

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/fennecmq/fennec/internal/rabbitmq"
	"github.com/fennecmq/fennec/robust"
)

// Client is the main entry point for fennec. It owns the broker connection
// and hands out robust channels whose declared state survives reconnects.
type Client struct {
	manager *rabbitmq.ConnectionManager
}

// Connect dials the broker and starts the reconnection monitor.
func Connect(ctx context.Context, url string, options ...Option) (*Client, error) {
	cfg := &clientConfig{
		logger: slog.Default(),
	}
	for _, opt := range options {
		opt(cfg)
	}

	managerOpts := []rabbitmq.ConnectionOption{
		rabbitmq.WithLogger(cfg.logger),
	}
	if cfg.reconnectDelay > 0 {
		managerOpts = append(managerOpts, rabbitmq.WithReconnectDelay(cfg.reconnectDelay))
	}
	if cfg.maxRetries != 0 {
		managerOpts = append(managerOpts, rabbitmq.WithMaxRetries(cfg.maxRetries))
	}

	manager := rabbitmq.NewConnectionManager(url, managerOpts...)
	if err := manager.Connect(ctx); err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}

	return &Client{manager: manager}, nil
}

// Channel opens a robust channel on the connection. Entities declared
// through it are re-declared automatically after every reconnect.
func (c *Client) Channel(ctx context.Context, options ...robust.ChannelOption) (*robust.Channel, error) {
	return c.manager.Channel(ctx, options...)
}

// IsConnected reports whether the underlying connection is currently up.
func (c *Client) IsConnected() bool {
	return c.manager.IsConnected()
}

// AddStateListener registers a listener for connection state changes.
func (c *Client) AddStateListener(listener rabbitmq.ConnectionStateListener) {
	c.manager.AddStateListener(listener)
}

// Close shuts down the connection and stops the reconnection monitor.
func (c *Client) Close() error {
	return c.manager.Close()
}
