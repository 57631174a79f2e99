package chainrabbit

import (
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ManagedChannel is a reference to a broker channel that transparently
// reopens across a Manager reconnect. Consumers and Publishers hold a
// non-owning reference to one of these; they never dial or close the
// underlying connection themselves.
type ManagedChannel struct {
	mgr     *Manager
	confirm bool

	mu       sync.RWMutex
	ch       *amqp.Channel
	broken   bool
	confirms <-chan amqp.Confirmation

	// confirmMu guards nextTag/pending: the broker's publisher-confirm
	// delivery tags are per-channel and reset to 1 on every fresh
	// amqp.Channel, so this bookkeeping lives here (not on Publisher)
	// and is rebased every time the channel breaks or reopens.
	confirmMu sync.Mutex
	nextTag   uint64
	pending   map[uint64]*pendingConfirm
}

// markBroken flags the channel as transiently unusable and fails every
// outstanding confirm wait: the broker side of those delivery tags is
// gone with the channel, so they can never resolve on their own.
// Called by the Manager's watcher the instant a transport loss is
// detected, before the reconnect loop even starts.
func (c *ManagedChannel) markBroken() {
	c.mu.Lock()
	c.broken = true
	c.mu.Unlock()

	if c.confirm {
		c.resetConfirms(TransientError("channel broken", nil))
	}
}

// resetConfirms clears the pending-confirm table and rebases the tag
// counter to zero, failing any waiter that was still registered.
func (c *ManagedChannel) resetConfirms(err error) {
	c.confirmMu.Lock()
	pending := c.pending
	c.pending = make(map[uint64]*pendingConfirm)
	c.nextTag = 0
	c.confirmMu.Unlock()

	for _, pc := range pending {
		pc.resultCh <- err
	}
}

// reopen is called by the Manager after a successful reconnect; it
// replaces the underlying amqp.Channel and, for confirm channels,
// re-enables confirm mode, resubscribes NotifyPublish and rebases the
// confirm tag counter to match the new channel's own reset-to-1
// sequence.
func (c *ManagedChannel) reopen(m *Manager) error {
	conn, err := m.rawConnection()
	if err != nil {
		return err
	}

	raw, err := conn.Channel()
	if err != nil {
		return TransientError("reopen channel", err)
	}

	if c.confirm {
		if err := raw.Confirm(false); err != nil {
			return TransientError("re-enable confirm mode", err)
		}
	}

	c.mu.Lock()
	c.ch = raw
	c.broken = false
	if c.confirm {
		c.confirms = raw.NotifyPublish(make(chan amqp.Confirmation, 64))
	}
	c.mu.Unlock()

	if c.confirm {
		c.resetConfirms(TransientError("channel reopened", nil))
	}

	return nil
}

// registerConfirm allocates the next confirm tag for this channel's
// current generation and returns the channel the eventual
// NotifyPublish confirmation (or a failure from markBroken/reopen)
// will be delivered on.
func (c *ManagedChannel) registerConfirm() (uint64, chan error) {
	c.confirmMu.Lock()
	defer c.confirmMu.Unlock()
	c.nextTag++
	tag := c.nextTag
	resultCh := make(chan error, 1)
	c.pending[tag] = &pendingConfirm{resultCh: resultCh}
	return tag, resultCh
}

// removeConfirm drops a registered tag without waiting for it, used
// when the publish call itself failed before the broker could confirm.
func (c *ManagedChannel) removeConfirm(tag uint64) {
	c.confirmMu.Lock()
	delete(c.pending, tag)
	c.confirmMu.Unlock()
}

// resolveConfirm dispatches one NotifyPublish confirmation to its
// waiter, if still registered.
func (c *ManagedChannel) resolveConfirm(conf amqp.Confirmation) {
	c.confirmMu.Lock()
	pc, ok := c.pending[conf.DeliveryTag]
	if ok {
		delete(c.pending, conf.DeliveryTag)
	}
	c.confirmMu.Unlock()

	if !ok {
		return
	}

	if conf.Ack {
		pc.resultCh <- nil
	} else {
		pc.resultCh <- SetupError("broker nacked publish", nil)
	}
}

// Raw returns the live *amqp.Channel, or a TransientError if the
// channel is currently broken awaiting reconnect.
func (c *ManagedChannel) Raw() (*amqp.Channel, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.broken || c.ch == nil {
		return nil, TransientError("channel", nil)
	}
	return c.ch, nil
}

// Confirms returns the NotifyPublish channel for a confirm-mode
// ManagedChannel (nil otherwise). The channel identity changes across
// reopen(); callers should re-fetch it after a TransientError.
func (c *ManagedChannel) Confirms() <-chan amqp.Confirmation {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.confirms
}

// Close closes the underlying channel. Safe to call even if the
// channel is currently marked broken.
func (c *ManagedChannel) Close() error {
	c.mu.RLock()
	ch := c.ch
	c.mu.RUnlock()
	if ch == nil {
		return nil
	}
	return ch.Close()
}
