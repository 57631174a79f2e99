package chainrabbit

import (
	"context"
	"log/slog"
	"sync"

	uuid "github.com/satori/go.uuid"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Handler is invoked once per delivery after the middleware chain
// settles. Its returned value becomes the reply payload when
// State.autoReply is true and the delivery carries replyTo+
// correlationId.
type Handler func(payload interface{}, msg *Message) (interface{}, error)

type consumerPhase int

const (
	phaseCreated consumerPhase = iota
	phaseRunning
	phasePaused
	phaseDraining
	phaseClosed
)

// ConsumerHandle is returned by Subscribe: the user-visible surface for
// graceful or forced shutdown.
type ConsumerHandle struct {
	c *Consumer
}

// Close cancels the subscription and waits for every in-flight
// delivery to reach a terminal handled state before closing the
// channel. force=true skips the wait and nacks unhandled deliveries
// with requeue=true.
func (h *ConsumerHandle) Close(force bool) error { return h.c.close(force) }

// IsClosed reports whether the consumer has reached the Closed state.
func (h *ConsumerHandle) IsClosed() bool { return h.c.isClosed() }

// Consumer is the prefetch-bounded delivery loop: it runs Setup,
// issues basic.consume, drives every delivery through the middleware
// pipeline and the user Handler, and reestablishes itself after a
// Manager reconnect using its pinned queue name and tag.
type Consumer struct {
	state   *State
	mgr     *Manager
	handler Handler
	backoff Backoff

	mu          sync.Mutex
	phase       consumerPhase
	mc          *ManagedChannel
	queueName   string
	consumerTag string

	ctx    context.Context
	cancel context.CancelFunc

	wg sync.WaitGroup

	inFlightMu sync.Mutex
	inFlight   map[uint64]*Message

	sem chan struct{}

	closeOnce sync.Once
}

// NewConsumer constructs a Consumer bound to state. Call Subscribe to
// start it.
func NewConsumer(state *State) *Consumer {
	ctx, cancel := context.WithCancel(context.Background())
	return &Consumer{
		state:    state,
		mgr:      state.manager,
		backoff:  state.backoffOrDefault(),
		ctx:      ctx,
		cancel:   cancel,
		inFlight: make(map[uint64]*Message),
	}
}

// Subscribe runs Setup, applies prefetch, issues basic.consume and
// starts the delivery loop. It returns a handle for later shutdown.
func (c *Consumer) Subscribe(handler Handler) (*ConsumerHandle, error) {
	c.mu.Lock()
	if c.phase != phaseCreated {
		c.mu.Unlock()
		return nil, ConfigError("subscribe called twice on the same consumer", nil)
	}
	c.handler = handler
	c.consumerTag = "c-chainrabbit-" + uuid.NewV4().String()[0:8]
	c.mu.Unlock()

	if c.mgr == nil {
		return nil, ConfigError("subscribe without a connection manager", nil)
	}

	if err := c.openAndConsume(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.phase = phaseRunning
	c.mu.Unlock()

	c.mgr.registerConsumer(c)

	return &ConsumerHandle{c: c}, nil
}

// pinnedState returns state with its queue name overridden to the
// already-resolved name, once one has been resolved, so that
// subsequent (re)declares are passive-compatible rather than asking
// the broker for a brand new anonymous queue every time.
func (c *Consumer) pinnedState() *State {
	c.mu.Lock()
	pinned := c.queueName
	c.mu.Unlock()

	if pinned == "" || c.state.queue == nil {
		return c.state
	}
	q := *c.state.queue
	q.name = pinned
	return c.state.WithQueue(q)
}

// openAndConsume runs Setup and issues basic.consume. On first
// Subscribe it acquires a fresh ManagedChannel; on reestablish it
// reuses the one already on record, since the Manager's watcher has
// already reopened it in place — minting a new channel here instead
// would leak the reopened one in the Manager's reopen set on every
// reconnect.
func (c *Consumer) openAndConsume() error {
	c.mu.Lock()
	mc := c.mc
	c.mu.Unlock()

	var err error
	if mc == nil {
		mc, err = c.mgr.getConsumerChannel()
		if err != nil {
			return err
		}
	}

	raw, err := mc.Raw()
	if err != nil {
		return err
	}

	state := c.pinnedState()

	queueName := ""
	if !state.skipSetup {
		queueName, err = runSetup(raw, state)
		if err != nil {
			return err
		}
	} else if state.queue != nil {
		queueName = state.queue.name
	}

	if err := raw.Qos(state.prefetch, 0, false); err != nil {
		return TransientError("set qos", err)
	}

	args := amqp.Table{}
	if state.priority != 0 {
		args["x-priority"] = int32(state.priority)
	}

	c.mu.Lock()
	tag := c.consumerTag
	c.mu.Unlock()

	deliveries, err := raw.Consume(queueName, tag, state.noAck, state.exclusive, false, false, args)
	if err != nil {
		return SetupError("consume", err)
	}

	if state.prefetch > 0 {
		c.sem = make(chan struct{}, state.prefetch)
	} else {
		c.sem = nil
	}

	c.mu.Lock()
	c.mc = mc
	c.queueName = queueName
	c.mu.Unlock()

	go c.loop(raw, deliveries)

	return nil
}

func (c *Consumer) loop(raw *amqp.Channel, deliveries <-chan amqp.Delivery) {
	for d := range deliveries {
		delivery := d

		if c.sem != nil {
			c.sem <- struct{}{}
		}

		c.wg.Add(1)
		msg := c.newMessageFor(raw, delivery)
		c.track(delivery.DeliveryTag, msg)

		go func() {
			defer c.wg.Done()
			defer c.untrack(delivery.DeliveryTag)
			if c.sem != nil {
				defer func() { <-c.sem }()
			}
			c.process(msg)
		}()
	}

	c.onDeliveriesClosed()
}

func (c *Consumer) newMessageFor(raw *amqp.Channel, d amqp.Delivery) *Message {
	c.mu.Lock()
	queueName := c.queueName
	c.mu.Unlock()

	ackFn := func() error {
		if raw == nil {
			return nil
		}
		return raw.Ack(d.DeliveryTag, false)
	}
	nackFn := func(requeue bool) error {
		if raw == nil {
			return nil
		}
		return raw.Nack(d.DeliveryTag, false, requeue)
	}
	replyFn := func(payload interface{}) error {
		if d.ReplyTo == "" || d.CorrelationId == "" || raw == nil {
			return nil
		}
		body, contentType, contentEncoding, err := encodePayload(payload, c.state.json)
		if err != nil {
			return err
		}
		props := amqp.Publishing{
			ContentType:     contentType,
			ContentEncoding: contentEncoding,
			CorrelationId:   d.CorrelationId,
			Body:            body,
		}
		if err := raw.PublishWithContext(context.Background(), "", d.ReplyTo, false, false, props); err != nil {
			return TransientError("reply", err)
		}
		return nil
	}

	return newMessage(d, queueName, c.state.json, ackFn, nackFn, replyFn)
}

// encodePayload mirrors Publisher.encode for the reply path, where a
// Consumer (not a Publisher) needs to produce a wire body.
func encodePayload(payload interface{}, wantJSON bool) (body []byte, contentType, contentEncoding string, err error) {
	if b, ok := payload.([]byte); ok {
		return b, "", "", nil
	}
	if !wantJSON {
		return nil, "", "", ConfigError("encode reply payload", nil)
	}
	return jsonMarshal(payload)
}

func (c *Consumer) track(tag uint64, m *Message) {
	c.inFlightMu.Lock()
	c.inFlight[tag] = m
	c.inFlightMu.Unlock()
}

func (c *Consumer) untrack(tag uint64) {
	c.inFlightMu.Lock()
	delete(c.inFlight, tag)
	c.inFlightMu.Unlock()
}

func (c *Consumer) process(msg *Message) {
	if err := c.backoff.Take(c.ctx); err != nil {
		// Cancellation here requeues the delivery untouched.
		_ = msg.Nack(true)
		c.backoff.Fail()
		return
	}

	err := runPipeline(c.state.middleware, msg, func() error {
		reply, herr := c.handler(msg.Decoded, msg)
		if herr == nil && c.state.autoReply && msg.ReplyTo != "" && msg.CorrelationID != "" {
			_ = msg.Reply(reply)
		}
		return herr
	})

	if err != nil {
		if !msg.IsHandled() {
			_ = msg.Nack(false)
		}
		c.backoff.Nack()
	} else {
		if !msg.IsHandled() && c.state.autoAck {
			_ = msg.Ack()
		}
		c.backoff.Pass()
	}

	if msg.State() == StateAcked {
		c.backoff.Ack()
	}
}

func (c *Consumer) onDeliveriesClosed() {
	c.mu.Lock()
	phase := c.phase
	c.mu.Unlock()

	if phase == phaseDraining || phase == phaseClosed {
		return
	}

	c.mu.Lock()
	c.phase = phasePaused
	c.mu.Unlock()
	slog.Debug("chainrabbit: consumer paused, awaiting reconnect")
}

// reestablish is invoked by the Manager's watcher, in declaration
// order, after every registered ManagedChannel has been reopened. It
// resumes basic.consume on the pinned queue name with the same
// prefetch and priority.
func (c *Consumer) reestablish() error {
	c.mu.Lock()
	if c.phase == phaseClosed || c.phase == phaseDraining {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	if err := c.openAndConsume(); err != nil {
		return err
	}

	c.mu.Lock()
	c.phase = phaseRunning
	c.mu.Unlock()

	return nil
}

func (c *Consumer) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase == phaseClosed
}

func (c *Consumer) close(force bool) error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.phase = phaseDraining
		mc := c.mc
		tag := c.consumerTag
		c.mu.Unlock()

		c.mgr.unregisterConsumer(c)

		if mc != nil {
			if raw, rerr := mc.Raw(); rerr == nil {
				_ = raw.Cancel(tag, false)
			}
		}

		if force {
			c.cancel()
			c.forceNackInFlight()
		}

		if !force {
			c.wg.Wait()
		}

		if mc != nil {
			_ = mc.Close()
			c.mgr.removeChannel(mc)
		}

		c.mu.Lock()
		c.phase = phaseClosed
		c.mu.Unlock()
	})
	return err
}

func (c *Consumer) forceNackInFlight() {
	c.inFlightMu.Lock()
	msgs := make([]*Message, 0, len(c.inFlight))
	for _, m := range c.inFlight {
		msgs = append(msgs, m)
	}
	c.inFlightMu.Unlock()

	for _, m := range msgs {
		if !m.IsHandled() {
			_ = m.Nack(true)
		}
	}
}
