package fennec

import (
	"log/slog"
	"time"
)

type clientConfig struct {
	logger         *slog.Logger
	reconnectDelay time.Duration
	maxRetries     int
}

// Option configures the Client.
type Option func(*clientConfig)

// WithLogger sets the logger used by the client and its connection manager.
func WithLogger(logger *slog.Logger) Option {
	return func(cfg *clientConfig) {
		cfg.logger = logger
	}
}

// WithReconnectDelay sets the base delay between reconnection attempts.
func WithReconnectDelay(delay time.Duration) Option {
	return func(cfg *clientConfig) {
		cfg.reconnectDelay = delay
	}
}

// WithMaxRetries bounds the number of reconnection attempts. Negative means
// retry forever, which is the default.
func WithMaxRetries(retries int) Option {
	return func(cfg *clientConfig) {
		cfg.maxRetries = retries
	}
}
