package chainrabbit

import (
	"crypto/tls"
	"log/slog"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Event names emitted by Manager.On.
const (
	EventConnected    = "connected"
	EventDisconnected = "disconnected"
	EventClosed       = "closed"
)

// ManagerOptions configures dialing and the reconnect backoff curve.
type ManagerOptions struct {
	// URLs is tried in order on every (re)connect attempt; the first
	// one that dials successfully wins.
	URLs []string

	TLSConfig         *tls.Config
	ConnectionTimeout time.Duration

	// ReconnectBaseMs, ReconnectMaxMs, ReconnectFactor and
	// ReconnectJitter describe the exponential backoff applied between
	// reconnect attempts. Defaults: 100ms base, 30s cap, factor 2,
	// jitter 0.25 (±25%).
	ReconnectBaseMs int
	ReconnectMaxMs  int
	ReconnectFactor float64
	ReconnectJitter float64
}

func (o *ManagerOptions) applyDefaults() {
	if o.ConnectionTimeout <= 0 {
		o.ConnectionTimeout = 30 * time.Second
	}
	if o.ReconnectBaseMs <= 0 {
		o.ReconnectBaseMs = 100
	}
	if o.ReconnectMaxMs <= 0 {
		o.ReconnectMaxMs = 30000
	}
	if o.ReconnectFactor <= 0 {
		o.ReconnectFactor = 2
	}
	if o.ReconnectJitter <= 0 {
		o.ReconnectJitter = 0.25
	}
}

// reestablisher is the hook a Consumer registers with its Manager so
// the reconnect loop can resubscribe it in declaration order.
type reestablisher interface {
	reestablish() error
}

// Manager is the supervised, self-reestablishing session layer: it
// dials the broker, hands out typed channels, and reopens them (plus
// every registered Consumer) after a transport loss.
type Manager struct {
	opts ManagerOptions

	mu       sync.RWMutex
	conn     *amqp.Connection
	closed   bool
	closedCh chan struct{}

	channelsMu sync.Mutex
	channels   []*ManagedChannel

	consumersMu sync.Mutex
	consumers   []reestablisher

	handlersMu sync.Mutex
	handlers   map[string][]func(args ...interface{})

	notifyClose chan *amqp.Error

	replyQueueOnce sync.Once
	replyQueue     *replyQueueState
}

// NewManager constructs a Manager. Call Connect before use.
func NewManager(opts ManagerOptions) *Manager {
	opts.applyDefaults()
	return &Manager{
		opts:     opts,
		closedCh: make(chan struct{}),
		handlers: make(map[string][]func(args ...interface{})),
	}
}

// On registers cb for event (EventConnected, EventDisconnected or
// EventClosed). Handlers are invoked synchronously on the goroutine
// that emits the event (Connect, Close, or the manager's reconnect
// watcher); keep them fast.
func (m *Manager) On(event string, cb func(args ...interface{})) {
	m.handlersMu.Lock()
	defer m.handlersMu.Unlock()
	m.handlers[event] = append(m.handlers[event], cb)
}

func (m *Manager) emit(event string, args ...interface{}) {
	m.handlersMu.Lock()
	cbs := append([]func(args ...interface{})(nil), m.handlers[event]...)
	m.handlersMu.Unlock()
	for _, cb := range cbs {
		cb(args...)
	}
}

// Connect dials the broker and returns once the connection is ready.
func (m *Manager) Connect() error {
	conn, err := m.dial()
	if err != nil {
		return TransientError("connect", err)
	}

	m.mu.Lock()
	m.conn = conn
	m.notifyClose = make(chan *amqp.Error, 1)
	conn.NotifyClose(m.notifyClose)
	m.mu.Unlock()

	slog.Info("chainrabbit: connected to broker")
	m.emit(EventConnected)

	go m.watch()

	return nil
}

func (m *Manager) dial() (*amqp.Connection, error) {
	var lastErr error

	for _, url := range m.opts.URLs {
		cfg := amqp.Config{
			Dial: func(network, addr string) (net.Conn, error) {
				c, err := net.DialTimeout(network, addr, m.opts.ConnectionTimeout)
				if err != nil {
					return nil, err
				}
				if err := c.SetDeadline(time.Now().Add(m.opts.ConnectionTimeout)); err != nil {
					return nil, err
				}
				return c, nil
			},
		}

		if m.opts.TLSConfig != nil {
			cfg.TLSClientConfig = m.opts.TLSConfig
		}

		conn, err := amqp.DialConfig(url, cfg)
		if err == nil {
			return conn, nil
		}

		slog.Warn("chainrabbit: dial failed", "url", url, "error", err)
		lastErr = err
	}

	return nil, errors.Wrap(lastErr, "all urls failed")
}

// watch owns the reconnect protocol: on transport loss it marks every
// handed-out channel broken, reconnects with exponential backoff, then
// reopens channels and resubscribes consumers in declaration order.
func (m *Manager) watch() {
	for {
		select {
		case cause, ok := <-m.notifyClose:
			if !ok {
				return
			}

			m.mu.RLock()
			closed := m.closed
			m.mu.RUnlock()
			if closed {
				// close() won the race; the reconnect loop exits.
				return
			}

			slog.Warn("chainrabbit: connection lost, reestablishing", "cause", cause)
			m.emit(EventDisconnected, cause)

			m.markChannelsBroken()

			if err := m.reconnectLoop(); err != nil {
				// Only returns non-nil when close() won the race mid-loop.
				return
			}

			if err := m.reopenChannels(); err != nil {
				slog.Error("chainrabbit: failed reopening channels after reconnect", "error", err)
				continue
			}

			if err := m.resubscribeConsumers(); err != nil {
				slog.Error("chainrabbit: failed resubscribing consumers after reconnect", "error", err)
				continue
			}

			slog.Info("chainrabbit: reestablished after reconnect")
			m.emit(EventConnected)
		}
	}
}

func (m *Manager) markChannelsBroken() {
	m.channelsMu.Lock()
	defer m.channelsMu.Unlock()
	for _, ch := range m.channels {
		ch.markBroken()
	}
}

func (m *Manager) reconnectLoop() error {
	delay := float64(m.opts.ReconnectBaseMs)
	maxDelay := float64(m.opts.ReconnectMaxMs)

	for {
		m.mu.RLock()
		closed := m.closed
		m.mu.RUnlock()
		if closed {
			return errors.New("manager closed during reconnect")
		}

		conn, err := m.dial()
		if err == nil {
			m.mu.Lock()
			m.conn = conn
			m.notifyClose = make(chan *amqp.Error, 1)
			conn.NotifyClose(m.notifyClose)
			m.mu.Unlock()
			return nil
		}

		jittered := delay * (1 + (rand.Float64()*2-1)*m.opts.ReconnectJitter)
		if jittered < 0 {
			jittered = 0
		}
		sleep := time.Duration(jittered) * time.Millisecond

		slog.Warn("chainrabbit: reconnect attempt failed, backing off", "error", err, "sleep", sleep)

		select {
		case <-time.After(sleep):
		case <-m.closedCh:
			return errors.New("manager closed during reconnect")
		}

		delay *= m.opts.ReconnectFactor
		if delay > maxDelay {
			delay = maxDelay
		}
	}
}

func (m *Manager) reopenChannels() error {
	m.channelsMu.Lock()
	defer m.channelsMu.Unlock()

	for _, ch := range m.channels {
		if err := ch.reopen(m); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) resubscribeConsumers() error {
	m.consumersMu.Lock()
	defer m.consumersMu.Unlock()

	for _, c := range m.consumers {
		if err := c.reestablish(); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) registerConsumer(c reestablisher) {
	m.consumersMu.Lock()
	defer m.consumersMu.Unlock()
	m.consumers = append(m.consumers, c)
}

func (m *Manager) unregisterConsumer(c reestablisher) {
	m.consumersMu.Lock()
	defer m.consumersMu.Unlock()
	for i, e := range m.consumers {
		if e == c {
			m.consumers = append(m.consumers[:i], m.consumers[i+1:]...)
			return
		}
	}
}

// rawConnection returns the live amqp connection, or a ClosedError
// if the manager is closed.
func (m *Manager) rawConnection() (*amqp.Connection, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ClosedError("manager")
	}
	return m.conn, nil
}

// getChannel returns a plain publish ManagedChannel.
func (m *Manager) getChannel() (*ManagedChannel, error) {
	return m.newManagedChannel(false)
}

// getConfirmChannel returns a confirm-mode publish ManagedChannel.
func (m *Manager) getConfirmChannel() (*ManagedChannel, error) {
	return m.newManagedChannel(true)
}

// getConsumerChannel returns a dedicated ManagedChannel for one
// Consumer. Every consumer gets its own channel so prefetch and
// cancellation stay isolated even when two consumers share a queue.
func (m *Manager) getConsumerChannel() (*ManagedChannel, error) {
	return m.newManagedChannel(false)
}

func (m *Manager) newManagedChannel(confirm bool) (*ManagedChannel, error) {
	conn, err := m.rawConnection()
	if err != nil {
		return nil, err
	}

	raw, err := conn.Channel()
	if err != nil {
		return nil, TransientError("open channel", err)
	}

	if confirm {
		if err := raw.Confirm(false); err != nil {
			return nil, TransientError("enable confirm mode", err)
		}
	}

	mc := &ManagedChannel{mgr: m, ch: raw, confirm: confirm}
	if confirm {
		mc.confirms = raw.NotifyPublish(make(chan amqp.Confirmation, 64))
		mc.pending = make(map[uint64]*pendingConfirm)
	}

	m.channelsMu.Lock()
	m.channels = append(m.channels, mc)
	m.channelsMu.Unlock()

	return mc, nil
}

// removeChannel drops mc from the reopen set. Called once a dependent
// (a Consumer on close) is done with its channel for good, so a
// long-lived Manager doesn't keep reopening channels nobody uses
// anymore across every future reconnect.
func (m *Manager) removeChannel(mc *ManagedChannel) {
	m.channelsMu.Lock()
	defer m.channelsMu.Unlock()
	for i, ch := range m.channels {
		if ch == mc {
			m.channels = append(m.channels[:i], m.channels[i+1:]...)
			return
		}
	}
}

// Close drains dependents (consumers finish in-flight deliveries unless
// force) then closes the connection. Calling Close while a reconnect is
// in progress wins the race: the watcher observes the closed flag and
// exits.
func (m *Manager) Close(force bool) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	conn := m.conn
	m.mu.Unlock()

	close(m.closedCh)

	m.consumersMu.Lock()
	consumers := append([]reestablisher(nil), m.consumers...)
	m.consumersMu.Unlock()

	for _, c := range consumers {
		if closer, ok := c.(interface{ close(bool) error }); ok {
			_ = closer.close(force)
		}
	}

	if conn != nil {
		if err := conn.Close(); err != nil {
			return errors.Wrap(err, "close connection")
		}
	}

	m.emit(EventClosed)
	return nil
}
