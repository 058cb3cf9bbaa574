package rabbitmq

import (
	"context"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/fennecmq/fennec/futures"
	"github.com/fennecmq/fennec/robust"
)

// ConnectionStateListener receives connection state change notifications.
type ConnectionStateListener interface {
	OnConnected()
	OnDisconnected(err error)
	OnReconnecting(attempt int)
}

// ConnectionManager owns the RabbitMQ connection and the channels opened on
// it. When the connection drops it redials with backoff and then drives
// every registered channel through its recovery sequence on the new
// connection before announcing the connection as usable again.
type ConnectionManager struct {
	url            string
	reconnectDelay time.Duration
	maxRetries     int
	logger         *slog.Logger

	mu          sync.RWMutex
	conn        *amqp.Connection
	notifyClose chan *amqp.Error
	isConnected bool
	channels    []*robust.Channel
	nextChannel uint16

	store *futures.Store
	done  chan struct{}

	listenersMu    sync.RWMutex
	stateListeners []ConnectionStateListener
}

// ConnectionOption configures the ConnectionManager.
type ConnectionOption func(*ConnectionManager)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.logger = logger
	}
}

// WithReconnectDelay sets the base reconnection delay.
func WithReconnectDelay(delay time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.reconnectDelay = delay
	}
}

// WithMaxRetries sets the maximum number of reconnection attempts.
func WithMaxRetries(retries int) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.maxRetries = retries
	}
}

// NewConnectionManager creates a new connection manager.
func NewConnectionManager(url string, options ...ConnectionOption) *ConnectionManager {
	cm := &ConnectionManager{
		url:            url,
		reconnectDelay: 5 * time.Second,
		maxRetries:     -1, // infinite retries by default
		logger:         slog.Default(),
		store:          futures.NewStore(),
		done:           make(chan struct{}),
	}

	for _, opt := range options {
		opt(cm)
	}

	return cm
}

// Connect establishes the initial connection.
func (cm *ConnectionManager) Connect(ctx context.Context) error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	select {
	case <-cm.done:
		return ErrManagerClosed
	default:
	}
	if cm.isConnected {
		return nil
	}

	conn, err := cm.dial(ctx)
	if err != nil {
		return err
	}

	cm.adopt(conn)
	cm.logger.Info("connected to RabbitMQ", "url", SanitizeURL(cm.url))
	cm.notifyConnected()

	go cm.handleReconnect()
	return nil
}

// Channel opens a robust channel on the current connection. The channel
// derives its pending-operation store from the connection's root store and
// is registered for recovery on every reconnect.
func (cm *ConnectionManager) Channel(ctx context.Context, options ...robust.ChannelOption) (*robust.Channel, error) {
	cm.mu.Lock()
	select {
	case <-cm.done:
		cm.mu.Unlock()
		return nil, ErrManagerClosed
	default:
	}
	if !cm.isConnected || cm.conn == nil {
		cm.mu.Unlock()
		return nil, ErrConnectionNotReady
	}
	cm.nextChannel++
	number := cm.nextChannel
	conn := &amqpConnection{conn: cm.conn, logger: cm.logger}
	cm.mu.Unlock()

	ch := robust.NewChannel(conn, number, cm.store, options...)

	// Register before initializing so a reconnect racing the open still
	// replays this channel.
	cm.mu.Lock()
	cm.channels = append(cm.channels, ch)
	cm.mu.Unlock()

	if err := ch.Initialize(ctx); err != nil {
		cm.dropChannel(ch)
		return nil, err
	}
	return ch, nil
}

// IsConnected returns the connection status.
func (cm *ConnectionManager) IsConnected() bool {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.isConnected
}

// Close shuts the manager down and closes the underlying connection.
func (cm *ConnectionManager) Close() error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	select {
	case <-cm.done:
		return nil
	default:
	}
	close(cm.done)
	cm.isConnected = false

	if cm.conn != nil {
		err := cm.conn.Close()
		cm.conn = nil
		return err
	}
	return nil
}

// AddStateListener adds a connection state listener.
func (cm *ConnectionManager) AddStateListener(listener ConnectionStateListener) {
	cm.listenersMu.Lock()
	defer cm.listenersMu.Unlock()
	cm.stateListeners = append(cm.stateListeners, listener)
}

// dial connects with a bounded timeout.
func (cm *ConnectionManager) dial(ctx context.Context) (*amqp.Connection, error) {
	dialCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	connChan := make(chan *amqp.Connection, 1)
	errChan := make(chan error, 1)

	go func() {
		conn, err := amqp.Dial(cm.url)
		if err != nil {
			errChan <- err
			return
		}
		connChan <- conn
	}()

	select {
	case conn := <-connChan:
		return conn, nil
	case err := <-errChan:
		return nil, &ConnectionError{
			Op:        "connect",
			URL:       SanitizeURL(cm.url),
			Err:       err,
			Timestamp: time.Now(),
			Attempts:  1,
		}
	case <-dialCtx.Done():
		return nil, &ConnectionError{
			Op:        "connect",
			URL:       SanitizeURL(cm.url),
			Err:       ErrConnectionTimeout,
			Timestamp: time.Now(),
			Attempts:  1,
		}
	}
}

// adopt installs a freshly dialed connection. Callers hold cm.mu.
func (cm *ConnectionManager) adopt(conn *amqp.Connection) {
	cm.conn = conn
	cm.isConnected = true
	cm.notifyClose = make(chan *amqp.Error, 1)
	cm.conn.NotifyClose(cm.notifyClose)
}

// handleReconnect monitors the connection and reconnects if necessary.
func (cm *ConnectionManager) handleReconnect() {
	for {
		cm.mu.RLock()
		notify := cm.notifyClose
		cm.mu.RUnlock()

		select {
		case err := <-notify:
			if err != nil {
				cm.logger.Error("connection closed", "error", err)
			}

			cm.mu.Lock()
			cm.isConnected = false
			cm.conn = nil
			cm.mu.Unlock()

			cm.notifyDisconnected(err)
			if !cm.reconnect() {
				return
			}

		case <-cm.done:
			cm.logger.Info("connection manager shutting down")
			return
		}
	}
}

// reconnect redials until a connection is established and every channel has
// been recovered on it. A reconnect attempt where channel recovery fails is
// treated like a failed dial: the connection is discarded and the next
// attempt starts over. Returns false when the manager gives up.
func (cm *ConnectionManager) reconnect() bool {
	retries := 0
	startTime := time.Now()

	for {
		select {
		case <-cm.done:
			return false
		default:
		}

		if cm.maxRetries > 0 && retries >= cm.maxRetries {
			cm.logger.Error("max reconnection attempts reached",
				"attempts", retries,
				"duration", time.Since(startTime))

			cm.notifyDisconnected(&ConnectionError{
				Op:        "reconnect",
				URL:       SanitizeURL(cm.url),
				Err:       ErrMaxRetriesExceeded,
				Timestamp: time.Now(),
				Attempts:  retries,
			})
			return false
		}

		cm.logger.Info("attempting to reconnect",
			"attempt", retries+1,
			"maxRetries", cm.maxRetries)
		cm.notifyReconnecting(retries + 1)

		if retries > 0 {
			select {
			case <-time.After(cm.calculateBackoff(retries)):
			case <-cm.done:
				return false
			}
		}

		conn, err := cm.dial(context.Background())
		if err != nil {
			cm.logger.Error("reconnection failed", "error", err, "attempt", retries+1)
			retries++
			continue
		}

		cm.mu.Lock()
		cm.adopt(conn)
		cm.mu.Unlock()

		if err := cm.recoverChannels(context.Background(), conn); err != nil {
			cm.logger.Error("channel recovery failed", "error", err, "attempt", retries+1)

			cm.mu.Lock()
			cm.isConnected = false
			cm.conn = nil
			cm.mu.Unlock()
			conn.Close()

			retries++
			continue
		}

		cm.logger.Info("successfully reconnected to RabbitMQ",
			"attempts", retries+1,
			"duration", time.Since(startTime))
		cm.notifyConnected()
		return true
	}
}

// recoverChannels replays every registered channel's state on the new
// connection, assigning each a fresh channel number. The first failure
// aborts the whole attempt: partially recovered state is unsafe to expose.
func (cm *ConnectionManager) recoverChannels(ctx context.Context, conn *amqp.Connection) error {
	cm.mu.Lock()
	channels := make([]*robust.Channel, len(cm.channels))
	copy(channels, cm.channels)
	cm.mu.Unlock()

	wrapped := &amqpConnection{conn: conn, logger: cm.logger}
	for _, ch := range channels {
		if ch.IsClosed() {
			continue
		}

		cm.mu.Lock()
		cm.nextChannel++
		number := cm.nextChannel
		cm.mu.Unlock()

		if err := ch.OnReconnect(ctx, wrapped, number); err != nil {
			return err
		}
	}
	return nil
}

func (cm *ConnectionManager) dropChannel(ch *robust.Channel) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	for i, c := range cm.channels {
		if c == ch {
			cm.channels = append(cm.channels[:i], cm.channels[i+1:]...)
			return
		}
	}
}

func (cm *ConnectionManager) notifyConnected() {
	cm.listenersMu.RLock()
	defer cm.listenersMu.RUnlock()
	for _, listener := range cm.stateListeners {
		go listener.OnConnected()
	}
}

func (cm *ConnectionManager) notifyDisconnected(err error) {
	cm.listenersMu.RLock()
	defer cm.listenersMu.RUnlock()
	for _, listener := range cm.stateListeners {
		go listener.OnDisconnected(err)
	}
}

func (cm *ConnectionManager) notifyReconnecting(attempt int) {
	cm.listenersMu.RLock()
	defer cm.listenersMu.RUnlock()
	for _, listener := range cm.stateListeners {
		go listener.OnReconnecting(attempt)
	}
}

// calculateBackoff returns an exponential backoff duration with jitter.
func (cm *ConnectionManager) calculateBackoff(attempt int) time.Duration {
	base := cm.reconnectDelay
	if base == 0 {
		base = 5 * time.Second
	}

	maxDelay := 5 * time.Minute
	delay := base * time.Duration(1<<uint(attempt))
	if delay > maxDelay || delay <= 0 {
		delay = maxDelay
	}

	jitter := time.Duration(float64(delay) * 0.25)
	if jitter > 0 {
		delay = delay - jitter/2 + time.Duration(time.Now().UnixNano()%int64(jitter))
	}
	return delay
}
