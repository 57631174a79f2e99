package chainrabbit

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	uuid "github.com/satori/go.uuid"

	amqp "github.com/rabbitmq/amqp091-go"
)

// PublishOptions carries the per-call knobs a publish accepts in
// addition to the Chain's State.
type PublishOptions struct {
	Headers     amqp.Table
	MessageID   string
	Timestamp   time.Time
	Priority    uint8
	Expiration  string
	AppID       string
	Type        string
	Timeout     time.Duration // confirm-mode wait; 0 = State default (none)
	ContentType string        // overrides JSON-policy detection when non-empty
}

// RPCOptions extends PublishOptions with the RPC reply deadline.
type RPCOptions struct {
	PublishOptions
	Timeout time.Duration // 0 = infinite
}

type pendingConfirm struct {
	resultCh chan error
}

// resendRequest describes a publish queued for retry after a channel
// loss. resultCh is the caller's Publish/PublishToQueue/RPC call still
// blocked waiting to learn whether the resend eventually landed; a
// request that flushResend re-enqueues keeps its resultCh, so the same
// caller is answered by a later flush.
type resendRequest struct {
	routingKey string
	toQueue    bool
	body       []byte
	props      amqp.Publishing
	resultCh   chan error
}

// Publisher publishes messages with optional broker confirms to a
// Chain's target exchange, and issues RPCs through the Manager's shared
// reply queue and its correlation table.
type Publisher struct {
	state *State
	mgr   *Manager

	mu     sync.Mutex
	mc     *ManagedChannel
	closed bool

	dispatchStarted bool

	resendMu sync.Mutex
	resend   []resendRequest
}

// NewPublisher constructs a Publisher bound to state. The underlying
// channel is acquired lazily on first use.
func NewPublisher(state *State) *Publisher {
	p := &Publisher{
		state: state,
		mgr:   state.manager,
	}
	if p.mgr != nil {
		p.mgr.On(EventConnected, func(_ ...interface{}) { p.flushResend() })
	}
	return p
}

func (p *Publisher) ensureChannel() (*ManagedChannel, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, ClosedError("publisher")
	}

	if p.mgr == nil {
		return nil, ConfigError("publish without a connection manager", nil)
	}

	if p.mc != nil {
		return p.mc, nil
	}

	var mc *ManagedChannel
	var err error
	if p.state.confirm {
		mc, err = p.mgr.getConfirmChannel()
	} else {
		mc, err = p.mgr.getChannel()
	}
	if err != nil {
		return nil, err
	}

	raw, err := mc.Raw()
	if err != nil {
		return nil, err
	}
	if !p.state.skipSetup {
		if _, err := runSetup(raw, p.state); err != nil {
			return nil, err
		}
	}

	p.mc = mc

	if p.state.confirm && !p.dispatchStarted {
		p.dispatchStarted = true
		go p.confirmDispatch()
	}

	return mc, nil
}

func (p *Publisher) confirmDispatch() {
	for {
		p.mu.Lock()
		closed := p.closed
		mc := p.mc
		p.mu.Unlock()
		if closed || mc == nil {
			return
		}

		confirms := mc.Confirms()
		if confirms == nil {
			time.Sleep(50 * time.Millisecond)
			continue
		}

		for conf := range confirms {
			mc.resolveConfirm(conf)
		}
		// confirms channel closed (reconnect in progress); loop and
		// refetch once reopen() has run.
		time.Sleep(50 * time.Millisecond)
	}
}

// encode applies the JSON policy: bytes pass through untouched;
// anything else is marshalled as UTF-8 JSON when state.json is true.
func (p *Publisher) encode(payload interface{}) (body []byte, contentType, contentEncoding string, err error) {
	if b, ok := payload.([]byte); ok {
		return b, "", "", nil
	}

	if !p.state.json {
		return nil, "", "", ConfigError("encode payload", nil)
	}

	return jsonMarshal(payload)
}

func (p *PublishOptions) properties(appID, correlationID, replyTo string) amqp.Publishing {
	props := amqp.Publishing{
		DeliveryMode:  amqp.Persistent,
		Headers:       p.Headers,
		MessageId:     p.MessageID,
		Priority:      p.Priority,
		Expiration:    p.Expiration,
		AppId:         appID,
		Type:          p.Type,
		CorrelationId: correlationID,
		ReplyTo:       replyTo,
	}
	if !p.Timestamp.IsZero() {
		props.Timestamp = p.Timestamp
	}
	return props
}

// Publish publishes payload to the Chain's target exchange using
// routingKey. With State.confirm the call blocks until the broker acks
// (or rejects) the publish.
func (p *Publisher) Publish(ctx context.Context, routingKey string, payload interface{}, opts ...PublishOptions) error {
	return p.publish(ctx, routingKey, "", false, payload, firstOpt(opts))
}

// PublishToQueue publishes directly to queue via the default exchange.
func (p *Publisher) PublishToQueue(ctx context.Context, queue string, payload interface{}, opts ...PublishOptions) error {
	return p.publish(ctx, queue, "", true, payload, firstOpt(opts))
}

func firstOpt(opts []PublishOptions) PublishOptions {
	if len(opts) > 0 {
		return opts[0]
	}
	return PublishOptions{}
}

func (p *Publisher) publish(ctx context.Context, routingKey, appIDOverride string, toQueue bool, payload interface{}, opts PublishOptions) error {
	body, contentType, contentEncoding, err := p.encode(payload)
	if err != nil {
		return err
	}
	if opts.ContentType != "" {
		contentType = opts.ContentType
	}

	props := opts.properties(opts.AppID, "", "")
	props.ContentType = contentType
	props.ContentEncoding = contentEncoding
	props.Body = body

	exchange := ""
	if !toQueue && p.state.exchange != nil {
		exchange = p.state.exchange.name
	}

	return p.send(ctx, exchange, routingKey, props, opts.Timeout, resendRequest{routingKey: routingKey, toQueue: toQueue, body: body, props: props})
}

// send acquires the publisher's channel and publishes once. On a
// channel broken by a transport loss, a confirm+reestablish publish is
// not reported back to the caller as failed — it would be misleading
// when flushResend is about to retry it — instead the caller blocks in
// awaitResend until that retry actually settles.
func (p *Publisher) send(ctx context.Context, exchange, routingKey string, props amqp.Publishing, timeout time.Duration, resendOnLoss resendRequest) error {
	mc, err := p.ensureChannel()
	if err != nil {
		return err
	}

	raw, rerr := mc.Raw()
	if rerr != nil {
		err = rerr
	} else {
		err = p.doSend(ctx, mc, raw, exchange, routingKey, props, timeout)
	}

	if err != nil && p.state.confirm && p.state.reestablish && Is(err, KindTransient) {
		return p.awaitResend(ctx, resendOnLoss)
	}

	return err
}

// doSend performs one publish attempt against an already-live channel,
// waiting for the broker confirm when State.confirm is set.
func (p *Publisher) doSend(ctx context.Context, mc *ManagedChannel, raw *amqp.Channel, exchange, routingKey string, props amqp.Publishing, timeout time.Duration) error {
	if !p.state.confirm {
		if err := raw.PublishWithContext(ctx, exchange, routingKey, false, false, props); err != nil {
			return TransientError("publish", err)
		}
		return nil
	}

	tag, resultCh := mc.registerConfirm()

	if err := raw.PublishWithContext(ctx, exchange, routingKey, false, false, props); err != nil {
		mc.removeConfirm(tag)
		return TransientError("publish", err)
	}

	var timer *time.Timer
	var timeoutCh <-chan time.Time
	effective := timeout
	if effective <= 0 {
		effective = p.state.confirmTimeout
	}
	if effective > 0 {
		timer = time.NewTimer(effective)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	select {
	case err := <-resultCh:
		return err
	case <-timeoutCh:
		return TimeoutError("publish confirm")
	case <-ctx.Done():
		return CancelledError("publish confirm")
	}
}

// awaitResend enqueues req for the next post-reconnect flush and blocks
// the caller until that resend settles (or ctx is cancelled), rather
// than surfacing the channel loss as a publish failure for a message
// that is about to be retried.
func (p *Publisher) awaitResend(ctx context.Context, req resendRequest) error {
	resultCh := make(chan error, 1)
	req.resultCh = resultCh

	p.resendMu.Lock()
	p.resend = append(p.resend, req)
	p.resendMu.Unlock()

	select {
	case err := <-resultCh:
		return err
	case <-ctx.Done():
		return CancelledError("publish confirm")
	}
}

func (p *Publisher) flushResend() {
	p.resendMu.Lock()
	pending := p.resend
	p.resend = nil
	p.resendMu.Unlock()

	for _, r := range pending {
		exchange := ""
		if !r.toQueue && p.state.exchange != nil {
			exchange = p.state.exchange.name
		}

		var err error
		mc, mcErr := p.ensureChannel()
		if mcErr != nil {
			err = mcErr
		} else if raw, rerr := mc.Raw(); rerr != nil {
			err = rerr
		} else {
			err = p.doSend(context.Background(), mc, raw, exchange, r.routingKey, r.props, 0)
		}

		if err != nil && Is(err, KindTransient) {
			// Still unreachable: leave it for the next reconnect rather
			// than reporting a failure the caller would treat as final.
			p.resendMu.Lock()
			p.resend = append(p.resend, r)
			p.resendMu.Unlock()
			slog.Warn("chainrabbit: resend still unreachable, requeued", "error", err)
			continue
		}

		if r.resultCh != nil {
			r.resultCh <- err
		} else if err != nil {
			slog.Warn("chainrabbit: resend after reconnect failed", "error", err)
		}
	}
}

// Close releases the publisher's channel. Safe to call more than once.
func (p *Publisher) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	mc := p.mc
	p.mu.Unlock()

	if mc != nil {
		return mc.Close()
	}
	return nil
}

// --- RPC ---

type rpcWaiter struct {
	resultCh chan rpcResult
}

type rpcResult struct {
	raw     []byte
	decoded interface{}
	headers amqp.Table
	err     error
}

// replyRegistry maps correlationId to a pending reply waiter. Entries
// are removed on fulfilment, timeout or cancellation; each entry has a
// single owner (the waiter) permitted to fulfil or cancel it.
type replyRegistry struct {
	mu      sync.Mutex
	waiters map[string]*rpcWaiter
}

func newReplyRegistry() *replyRegistry {
	return &replyRegistry{waiters: make(map[string]*rpcWaiter)}
}

func (r *replyRegistry) register(id string) *rpcWaiter {
	w := &rpcWaiter{resultCh: make(chan rpcResult, 1)}
	r.mu.Lock()
	r.waiters[id] = w
	r.mu.Unlock()
	return w
}

func (r *replyRegistry) remove(id string) {
	r.mu.Lock()
	delete(r.waiters, id)
	r.mu.Unlock()
}

func (r *replyRegistry) fulfil(id string, res rpcResult) bool {
	r.mu.Lock()
	w, ok := r.waiters[id]
	if ok {
		delete(r.waiters, id)
	}
	r.mu.Unlock()
	if !ok {
		return false
	}
	w.resultCh <- res
	return true
}

func (r *replyRegistry) failAll(err error) {
	r.mu.Lock()
	waiters := r.waiters
	r.waiters = make(map[string]*rpcWaiter)
	r.mu.Unlock()
	for _, w := range waiters {
		w.resultCh <- rpcResult{err: err}
	}
}

// replySubscriber owns the lazily-created, manager-lifetime reply
// queue and its single dispatching consumer. It implements
// reestablisher so the Manager recreates it (new anonymous queue, new
// consumer) after every reconnect.
type replySubscriber struct {
	mgr *Manager

	mu        sync.Mutex
	queueName string
	mc        *ManagedChannel

	registry *replyRegistry
}

func (m *Manager) ensureReplySubscriber() (*replySubscriber, error) {
	m.replyQueueOnce.Do(func() {
		rs := &replySubscriber{mgr: m, registry: newReplyRegistry()}
		if err := rs.start(); err != nil {
			slog.Error("chainrabbit: failed creating reply queue", "error", err)
			return
		}
		m.registerConsumer(rs)
		m.replyQueue = &replyQueueState{subscriber: rs}
	})
	if m.replyQueue == nil {
		return nil, TransientError("reply queue", nil)
	}
	return m.replyQueue.subscriber, nil
}

// replyQueueState is the Manager-held handle to its replySubscriber.
type replyQueueState struct {
	subscriber *replySubscriber
}

// start (re)declares the reply queue and starts its consumer. On the
// first call it acquires a fresh channel; reestablish calls reuse the
// channel the Manager already reopened instead of minting another one
// that would otherwise never get removed from the reopen set.
func (rs *replySubscriber) start() error {
	rs.mu.Lock()
	mc := rs.mc
	rs.mu.Unlock()

	var err error
	if mc == nil {
		mc, err = rs.mgr.getChannel()
		if err != nil {
			return err
		}
	}

	raw, err := mc.Raw()
	if err != nil {
		return err
	}

	q, err := raw.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		return SetupError("declare reply queue", err)
	}

	deliveries, err := raw.Consume(q.Name, "reply-"+uuid.NewV4().String()[0:8], true, true, false, false, nil)
	if err != nil {
		return SetupError("consume reply queue", err)
	}

	rs.mu.Lock()
	rs.queueName = q.Name
	rs.mc = mc
	rs.mu.Unlock()

	go rs.dispatch(deliveries)

	return nil
}

func (rs *replySubscriber) dispatch(deliveries <-chan amqp.Delivery) {
	for d := range deliveries {
		if d.CorrelationId == "" {
			continue
		}

		var decoded interface{} = d.Body
		if d.ContentType == "application/json" {
			var v interface{}
			if err := json.Unmarshal(d.Body, &v); err == nil {
				decoded = v
			}
		}

		if !rs.registry.fulfil(d.CorrelationId, rpcResult{raw: d.Body, decoded: decoded, headers: d.Headers}) {
			slog.Warn("chainrabbit: dropping reply with no matching waiter", "correlationId", d.CorrelationId)
		}
	}
}

func (rs *replySubscriber) queue() string {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.queueName
}

// reestablish recreates the reply queue and its consumer after a
// reconnect, failing every outstanding waiter first since the old
// queue (and its name) died with the connection.
func (rs *replySubscriber) reestablish() error {
	rs.registry.failAll(TransientError("reply queue reconnect", nil))
	return rs.start()
}

// RPC publishes payload to the Chain's target queue with a fresh
// correlationId and replyTo set to the shared reply queue, then waits
// for a matching reply (or timeout/cancellation).
func (p *Publisher) RPC(ctx context.Context, queue string, payload interface{}, opts ...RPCOptions) (interface{}, []byte, error) {
	o := RPCOptions{}
	if len(opts) > 0 {
		o = opts[0]
	}

	if queue == "" {
		return nil, nil, ConfigError("rpc without a queue", nil)
	}
	if p.mgr == nil {
		return nil, nil, ConfigError("rpc without a connection manager", nil)
	}

	rs, err := p.mgr.ensureReplySubscriber()
	if err != nil {
		return nil, nil, err
	}

	body, contentType, contentEncoding, err := p.encode(payload)
	if err != nil {
		return nil, nil, err
	}

	id := uuid.NewV4().String()
	waiter := rs.registry.register(id)

	props := o.properties(o.AppID, id, rs.queue())
	props.ContentType = contentType
	props.ContentEncoding = contentEncoding
	props.Body = body

	if err := p.send(ctx, "", queue, props, 0, resendRequest{routingKey: queue, toQueue: true, body: body, props: props}); err != nil {
		rs.registry.remove(id)
		return nil, nil, err
	}

	var timeoutCh <-chan time.Time
	if o.Timeout > 0 {
		t := time.NewTimer(o.Timeout)
		defer t.Stop()
		timeoutCh = t.C
	}

	select {
	case res := <-waiter.resultCh:
		if res.err != nil {
			return nil, nil, res.err
		}
		return res.decoded, res.raw, nil
	case <-timeoutCh:
		rs.registry.remove(id)
		return nil, nil, TimeoutError("rpc")
	case <-ctx.Done():
		rs.registry.remove(id)
		return nil, nil, CancelledError("rpc")
	}
}
