package robust

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/fennecmq/fennec/futures"
)

// fakeSession is a recording robust.Session double.
type fakeSession struct {
	mu    sync.Mutex
	calls []string

	genName string // name returned for server-named queue declares

	openErr            error
	qosErr             error
	closeErr           error
	declareExchangeErr error
	declareQueueErr    error
	bindErr            error
	consumeErr         error

	// blockDeclare, when set, makes declares wait until the channel is
	// closed by the test.
	blockDeclare chan struct{}

	closeC     chan error
	closeCalls int
}

func newFakeSession() *fakeSession {
	return &fakeSession{
		genName: "amq.gen-fake",
		closeC:  make(chan error, 1),
	}
}

func (s *fakeSession) record(call string) {
	s.mu.Lock()
	s.calls = append(s.calls, call)
	s.mu.Unlock()
}

func (s *fakeSession) recorded() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	calls := make([]string, len(s.calls))
	copy(calls, s.calls)
	return calls
}

func (s *fakeSession) Open(ctx context.Context) error {
	s.record("open")
	return s.openErr
}

func (s *fakeSession) Close(ctx context.Context) error {
	s.record("close")
	s.mu.Lock()
	s.closeCalls++
	s.mu.Unlock()
	if s.closeErr != nil {
		return s.closeErr
	}
	s.closeC <- nil
	return nil
}

func (s *fakeSession) CloseNotify() <-chan error {
	return s.closeC
}

func (s *fakeSession) SetQoS(ctx context.Context, prefetchCount, prefetchSize int) error {
	s.record(fmt.Sprintf("qos %d/%d", prefetchCount, prefetchSize))
	return s.qosErr
}

func (s *fakeSession) DeclareExchange(ctx context.Context, decl ExchangeDeclare) error {
	if s.blockDeclare != nil {
		<-s.blockDeclare
	}
	s.record("exchange.declare " + decl.Name)
	return s.declareExchangeErr
}

func (s *fakeSession) DeleteExchange(ctx context.Context, name string, opts ExchangeDeleteOptions) error {
	s.record("exchange.delete " + name)
	return nil
}

func (s *fakeSession) DeclareQueue(ctx context.Context, decl QueueDeclare) (QueueInfo, error) {
	if s.blockDeclare != nil {
		<-s.blockDeclare
	}
	name := decl.Name
	if name == "" {
		name = s.genName
	}
	s.record("queue.declare " + name)
	if s.declareQueueErr != nil {
		return QueueInfo{}, s.declareQueueErr
	}
	return QueueInfo{Name: name}, nil
}

func (s *fakeSession) DeleteQueue(ctx context.Context, name string, opts QueueDeleteOptions) (int, error) {
	s.record("queue.delete " + name)
	return 0, nil
}

func (s *fakeSession) BindQueue(ctx context.Context, queue, exchange, routingKey string, args amqp.Table) error {
	s.record(fmt.Sprintf("queue.bind %s->%s", queue, exchange))
	return s.bindErr
}

func (s *fakeSession) UnbindQueue(ctx context.Context, queue, exchange, routingKey string, args amqp.Table) error {
	s.record(fmt.Sprintf("queue.unbind %s->%s", queue, exchange))
	return nil
}

func (s *fakeSession) Consume(ctx context.Context, queue string, opts ConsumeOptions) (<-chan amqp.Delivery, error) {
	s.record("consume " + queue)
	if s.consumeErr != nil {
		return nil, s.consumeErr
	}
	deliveries := make(chan amqp.Delivery)
	close(deliveries)
	return deliveries, nil
}

func (s *fakeSession) CancelConsumer(ctx context.Context, tag string) error {
	s.record("cancel " + tag)
	return nil
}

// fakeConnection hands out fake sessions, optionally customized before use.
type fakeConnection struct {
	mu        sync.Mutex
	configure func(*fakeSession)
	sessions  []*fakeSession
}

func (c *fakeConnection) NewSession(channelNumber uint16) Session {
	s := newFakeSession()
	c.mu.Lock()
	if c.configure != nil {
		c.configure(s)
	}
	c.sessions = append(c.sessions, s)
	c.mu.Unlock()
	return s
}

func (c *fakeConnection) session(i int) *fakeSession {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessions[i]
}

func (c *fakeConnection) sessionCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sessions)
}

func newTestChannel(t *testing.T) (*Channel, *fakeConnection) {
	t.Helper()
	conn := &fakeConnection{}
	ch := NewChannel(conn, 1, futures.NewStore())
	require.NoError(t, ch.Initialize(context.Background()))
	return ch, conn
}

// mockRecoverer is a testify-mock recovery hook used to observe replay
// behavior directly.
type mockRecoverer struct {
	mock.Mock
}

func (m *mockRecoverer) OnReconnect(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func TestChannelClose(t *testing.T) {
	t.Run("close is idempotent", func(t *testing.T) {
		ch, conn := newTestChannel(t)
		session := conn.session(0)

		require.NoError(t, ch.Close(context.Background()))
		require.NoError(t, ch.Close(context.Background()))

		session.mu.Lock()
		closeCalls := session.closeCalls
		session.mu.Unlock()
		assert.Equal(t, 1, closeCalls)
		assert.True(t, ch.IsClosed())
	})

	t.Run("close before initialize returns without blocking", func(t *testing.T) {
		conn := &fakeConnection{}
		ch := NewChannel(conn, 1, futures.NewStore())

		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		require.NoError(t, ch.Close(ctx))

		assert.True(t, ch.IsClosed())
		assert.NotContains(t, conn.session(0).recorded(), "close")
	})

	t.Run("close after a failed open returns without blocking", func(t *testing.T) {
		conn := &fakeConnection{configure: func(s *fakeSession) {
			s.openErr = errors.New("open refused")
		}}
		ch := NewChannel(conn, 1, futures.NewStore())
		require.Error(t, ch.Initialize(context.Background()))

		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		require.NoError(t, ch.Close(ctx))
		assert.True(t, ch.IsClosed())
	})

	t.Run("operations after close fail", func(t *testing.T) {
		ch, _ := newTestChannel(t)
		require.NoError(t, ch.Close(context.Background()))

		_, err := ch.DeclareExchange(context.Background(), "logs", "topic")
		assert.ErrorIs(t, err, ErrChannelClosed)

		_, err = ch.DeclareQueue(context.Background(), "audit")
		assert.ErrorIs(t, err, ErrChannelClosed)

		err = ch.SetQoS(context.Background(), 1, 0, false)
		assert.ErrorIs(t, err, ErrChannelClosed)

		err = ch.DeleteExchange(context.Background(), "logs", ExchangeDeleteOptions{})
		assert.ErrorIs(t, err, ErrChannelClosed)
	})
}

func TestChannelQoS(t *testing.T) {
	t.Run("initialize applies the default pair", func(t *testing.T) {
		_, conn := newTestChannel(t)

		assert.Equal(t, []string{"open", "qos 0/0"}, conn.session(0).recorded())
	})

	t.Run("reconnect reapplies the last requested pair", func(t *testing.T) {
		ch, _ := newTestChannel(t)
		require.NoError(t, ch.SetQoS(context.Background(), 10, 2048, false))

		next := &fakeConnection{}
		require.NoError(t, ch.OnReconnect(context.Background(), next, 2))

		assert.Equal(t, []string{"open", "qos 10/2048"}, next.session(0).recorded())
	})

	t.Run("reconnect without any SetQoS applies zero pair", func(t *testing.T) {
		ch, _ := newTestChannel(t)

		next := &fakeConnection{}
		require.NoError(t, ch.OnReconnect(context.Background(), next, 2))

		assert.Equal(t, []string{"open", "qos 0/0"}, next.session(0).recorded())
	})

	t.Run("pair is recorded before the underlying call confirms", func(t *testing.T) {
		ch, conn := newTestChannel(t)
		conn.session(0).qosErr = errors.New("qos refused")

		err := ch.SetQoS(context.Background(), 7, 0, false)

		assert.Error(t, err)
		count, size := ch.QoS()
		assert.Equal(t, 7, count)
		assert.Equal(t, 0, size)
	})

	t.Run("global qos is rejected without mutating state", func(t *testing.T) {
		ch, _ := newTestChannel(t)
		require.NoError(t, ch.SetQoS(context.Background(), 3, 0, false))

		err := ch.SetQoS(context.Background(), 1, 0, true)

		assert.ErrorIs(t, err, ErrGlobalQoS)
		count, size := ch.QoS()
		assert.Equal(t, 3, count)
		assert.Equal(t, 0, size)
	})
}

func TestRecoverySet(t *testing.T) {
	t.Run("internal exchanges are never remembered", func(t *testing.T) {
		ch, _ := newTestChannel(t)

		_, err := ch.DeclareExchange(context.Background(), "amq.internal", "direct", WithInternalExchange())
		require.NoError(t, err)

		assert.Nil(t, ch.exchangeByName("amq.internal"))
	})

	t.Run("opted-out exchanges are not remembered", func(t *testing.T) {
		ch, _ := newTestChannel(t)

		_, err := ch.DeclareExchange(context.Background(), "ephemeral", "fanout", WithoutExchangeRecovery())
		require.NoError(t, err)

		assert.Nil(t, ch.exchangeByName("ephemeral"))
	})

	t.Run("recoverable entities are remembered by name", func(t *testing.T) {
		ch, _ := newTestChannel(t)

		_, err := ch.DeclareExchange(context.Background(), "logs", "topic")
		require.NoError(t, err)
		_, err = ch.DeclareQueue(context.Background(), "audit")
		require.NoError(t, err)

		assert.NotNil(t, ch.exchangeByName("logs"))
		assert.NotNil(t, ch.queueByName("audit"))
	})

	t.Run("server-named queues are keyed by the resulting name", func(t *testing.T) {
		ch, _ := newTestChannel(t)

		q, err := ch.DeclareQueue(context.Background(), "")
		require.NoError(t, err)

		assert.Equal(t, "amq.gen-fake", q.Name())
		assert.NotNil(t, ch.queueByName("amq.gen-fake"))
	})

	t.Run("deletion removes entities regardless of declare flags", func(t *testing.T) {
		ch, _ := newTestChannel(t)

		_, err := ch.DeclareExchange(context.Background(), "logs", "topic")
		require.NoError(t, err)
		_, err = ch.DeclareQueue(context.Background(), "audit")
		require.NoError(t, err)

		require.NoError(t, ch.DeleteExchange(context.Background(), "logs", ExchangeDeleteOptions{}))
		_, err = ch.DeleteQueue(context.Background(), "audit", QueueDeleteOptions{})
		require.NoError(t, err)

		assert.Nil(t, ch.exchangeByName("logs"))
		assert.Nil(t, ch.queueByName("audit"))
	})
}

func TestOnReconnect(t *testing.T) {
	t.Run("deleted queue is not resurrected", func(t *testing.T) {
		ch, _ := newTestChannel(t)

		_, err := ch.DeclareQueue(context.Background(), "audit")
		require.NoError(t, err)
		_, err = ch.DeleteQueue(context.Background(), "audit", QueueDeleteOptions{})
		require.NoError(t, err)

		next := &fakeConnection{}
		require.NoError(t, ch.OnReconnect(context.Background(), next, 2))

		assert.NotContains(t, next.session(0).recorded(), "queue.declare audit")
	})

	t.Run("exchanges replay before queues", func(t *testing.T) {
		ch, _ := newTestChannel(t)

		ex, err := ch.DeclareExchange(context.Background(), "logs", "topic")
		require.NoError(t, err)
		q, err := ch.DeclareQueue(context.Background(), "audit")
		require.NoError(t, err)
		require.NoError(t, q.Bind(context.Background(), ex.Name(), "audit.*", nil))

		next := &fakeConnection{}
		require.NoError(t, ch.OnReconnect(context.Background(), next, 2))

		assert.Equal(t, []string{
			"open",
			"qos 0/0",
			"exchange.declare logs",
			"queue.declare audit",
			"queue.bind audit->logs",
		}, next.session(0).recorded())
	})

	t.Run("replay invokes hooks in declaration order", func(t *testing.T) {
		ch, _ := newTestChannel(t)

		var order []string
		hook := func(name string) *mockRecoverer {
			m := &mockRecoverer{}
			m.On("OnReconnect", mock.Anything).Run(func(mock.Arguments) {
				order = append(order, name)
			}).Return(nil)
			return m
		}

		ch.mu.Lock()
		ch.exchanges["e1"] = hook("e1")
		ch.exchangeOrder = append(ch.exchangeOrder, "e1")
		ch.queues["q1"] = hook("q1")
		ch.queueOrder = append(ch.queueOrder, "q1")
		ch.exchanges["e2"] = hook("e2")
		ch.exchangeOrder = append(ch.exchangeOrder, "e2")
		ch.mu.Unlock()

		next := &fakeConnection{}
		require.NoError(t, ch.OnReconnect(context.Background(), next, 2))

		assert.Equal(t, []string{"e1", "e2", "q1"}, order)
	})

	t.Run("hook failure aborts the attempt", func(t *testing.T) {
		ch, _ := newTestChannel(t)

		failing := &mockRecoverer{}
		failing.On("OnReconnect", mock.Anything).Return(errors.New("declare rejected"))
		untouched := &mockRecoverer{}

		ch.mu.Lock()
		ch.queues["broken"] = failing
		ch.queueOrder = append(ch.queueOrder, "broken")
		ch.queues["later"] = untouched
		ch.queueOrder = append(ch.queueOrder, "later")
		ch.mu.Unlock()

		next := &fakeConnection{}
		err := ch.OnReconnect(context.Background(), next, 2)

		var recErr *RecoveryError
		require.ErrorAs(t, err, &recErr)
		assert.Equal(t, "queue", recErr.Entity)
		assert.Equal(t, "broken", recErr.Name)
		untouched.AssertNotCalled(t, "OnReconnect", mock.Anything)
	})

	t.Run("open failure surfaces before any hook runs", func(t *testing.T) {
		ch, _ := newTestChannel(t)

		hook := &mockRecoverer{}
		ch.mu.Lock()
		ch.exchanges["logs"] = hook
		ch.exchangeOrder = append(ch.exchangeOrder, "logs")
		ch.mu.Unlock()

		next := &fakeConnection{configure: func(s *fakeSession) {
			s.openErr = errors.New("open refused")
		}}
		err := ch.OnReconnect(context.Background(), next, 2)

		assert.Error(t, err)
		hook.AssertNotCalled(t, "OnReconnect", mock.Anything)
	})

	t.Run("closed channel is not resurrected", func(t *testing.T) {
		ch, _ := newTestChannel(t)

		_, err := ch.DeclareExchange(context.Background(), "logs", "topic")
		require.NoError(t, err)
		require.NoError(t, ch.Close(context.Background()))

		next := &fakeConnection{}
		require.NoError(t, ch.OnReconnect(context.Background(), next, 2))

		assert.Zero(t, next.sessionCount())
		assert.True(t, ch.IsClosed())
	})

	t.Run("stale closing signal is rejected and replaced", func(t *testing.T) {
		ch, _ := newTestChannel(t)

		stale := ch.closing
		require.False(t, stale.Resolved())

		next := &fakeConnection{}
		require.NoError(t, ch.OnReconnect(context.Background(), next, 2))

		assert.True(t, stale.Resolved())
		assert.ErrorIs(t, stale.Err(), ErrConnectionLost)
		assert.NotSame(t, stale, ch.closing)
		assert.False(t, ch.closing.Resolved())
	})

	t.Run("channel number is adopted from the new connection", func(t *testing.T) {
		ch, _ := newTestChannel(t)
		require.Equal(t, uint16(1), ch.Number())

		next := &fakeConnection{}
		require.NoError(t, ch.OnReconnect(context.Background(), next, 7))

		assert.Equal(t, uint16(7), ch.Number())
	})
}

func TestBulkRejectionScoping(t *testing.T) {
	t.Run("reconnecting one channel leaves sibling operations pending", func(t *testing.T) {
		root := futures.NewStore()

		connA := &fakeConnection{}
		chA := NewChannel(connA, 1, root)
		require.NoError(t, chA.Initialize(context.Background()))

		connB := &fakeConnection{}
		chB := NewChannel(connB, 2, root)
		require.NoError(t, chB.Initialize(context.Background()))

		blockA := make(chan struct{})
		connA.session(0).blockDeclare = blockA
		blockB := make(chan struct{})
		connB.session(0).blockDeclare = blockB

		resultA := make(chan error, 1)
		go func() {
			_, err := chA.DeclareExchange(context.Background(), "a", "direct")
			resultA <- err
		}()
		resultB := make(chan error, 1)
		go func() {
			_, err := chB.DeclareExchange(context.Background(), "b", "direct")
			resultB <- err
		}()

		// Wait until both operations are registered as pending.
		require.Eventually(t, func() bool {
			return chA.store.Len() == 1 && chB.store.Len() == 1
		}, time.Second, 10*time.Millisecond)

		next := &fakeConnection{}
		require.NoError(t, chA.OnReconnect(context.Background(), next, 3))

		select {
		case err := <-resultA:
			assert.ErrorIs(t, err, ErrConnectionLost)
		case <-time.After(time.Second):
			t.Fatal("channel A operation was not rejected")
		}

		select {
		case err := <-resultB:
			t.Fatalf("channel B operation resolved unexpectedly: %v", err)
		case <-time.After(100 * time.Millisecond):
		}

		close(blockA)
		close(blockB)
		select {
		case err := <-resultB:
			assert.NoError(t, err)
		case <-time.After(time.Second):
			t.Fatal("channel B operation never finished")
		}
	})
}
