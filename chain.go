package chainrabbit

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// chainLineage is shared, by pointer, across every Chain derived from
// one New() call via modifiers. It carries the identity concerns that
// belong to "the same Chain instance" rather than to one particular
// State snapshot: the lazily-built Publisher, and the fail-fast
// double-subscribe guard.
type chainLineage struct {
	subscribed int32

	publisherOnce sync.Once
	publisher     *Publisher
}

// Chain is the user-facing builder: it accumulates an immutable State
// and exposes the terminal verbs Publish, RPC and Subscribe. Every
// modifier returns a new Chain; the receiver remains valid and usable.
type Chain struct {
	state   *State
	lineage *chainLineage
}

// New starts a Chain bound to manager, with the default State.
func New(manager *Manager) Chain {
	return Chain{state: NewState(manager), lineage: &chainLineage{}}
}

func (c Chain) with(s *State) Chain {
	return Chain{state: s, lineage: c.lineage}
}

func (c Chain) AutoAck(v bool) Chain { return c.with(c.state.WithAutoAck(v)) }
func (c Chain) AutoReply(v bool) Chain { return c.with(c.state.WithAutoReply(v)) }
func (c Chain) Prefetch(n int) Chain { return c.with(c.state.WithPrefetch(n)) }
func (c Chain) JSON(v bool) Chain { return c.with(c.state.WithJSON(v)) }
func (c Chain) Confirm(v bool) Chain { return c.with(c.state.WithConfirm(v)) }
func (c Chain) SkipSetup(v bool) Chain { return c.with(c.state.WithSkipSetup(v)) }
func (c Chain) Reestablish(v bool) Chain { return c.with(c.state.WithReestablish(v)) }
func (c Chain) NoAck(v bool) Chain { return c.with(c.state.WithNoAck(v)) }
func (c Chain) Exclusive(v bool) Chain { return c.with(c.state.WithExclusive(v)) }
func (c Chain) Priority(p uint8) Chain { return c.with(c.state.WithPriority(p)) }
func (c Chain) FailThreshold(n int) Chain { return c.with(c.state.WithFailThreshold(n)) }
func (c Chain) FailSpan(d time.Duration) Chain { return c.with(c.state.WithFailSpan(d)) }
func (c Chain) FailTimeout(d time.Duration) Chain { return c.with(c.state.WithFailTimeout(d)) }
func (c Chain) ConfirmTimeout(d time.Duration) Chain { return c.with(c.state.WithConfirmTimeout(d)) }
func (c Chain) RPCTimeout(d time.Duration) Chain { return c.with(c.state.WithRPCTimeout(d)) }
func (c Chain) WithBackoff(b Backoff) Chain { return c.with(c.state.WithBackoff(b)) }
func (c Chain) Use(m Middleware) Chain { return c.with(c.state.WithMiddleware(m)) }

// Exchange sets the publish target / declare-on-setup exchange.
func (c Chain) Exchange(e Exchange) Chain { return c.with(c.state.WithExchange(e)) }

// Queue sets the consume target / declare-on-setup queue.
func (c Chain) Queue(q Queue) Chain { return c.with(c.state.WithQueue(q)) }

// Bind adds a binding to be asserted by Setup.
func (c Chain) Bind(b Binding) Chain { return c.with(c.state.WithBinding(b)) }

func (c Chain) publisher() *Publisher {
	c.lineage.publisherOnce.Do(func() {
		c.lineage.publisher = NewPublisher(c.state)
	})
	return c.lineage.publisher
}

// Publish publishes payload to the routing key on the Chain's target
// exchange.
func (c Chain) Publish(ctx context.Context, routingKey string, payload interface{}, opts ...PublishOptions) error {
	return c.publisher().Publish(ctx, routingKey, payload, opts...)
}

// PublishToQueue publishes payload directly to a queue via the default
// exchange.
func (c Chain) PublishToQueue(ctx context.Context, queue string, payload interface{}, opts ...PublishOptions) error {
	return c.publisher().PublishToQueue(ctx, queue, payload, opts...)
}

// RPC publishes payload to the Chain's target queue (State.queue) and
// waits for a correlated reply.
func (c Chain) RPC(ctx context.Context, payload interface{}, opts ...RPCOptions) (interface{}, []byte, error) {
	queue := ""
	if c.state.queue != nil {
		queue = c.state.queue.name
	}
	if queue == "" {
		return nil, nil, ConfigError("rpc without a queue", nil)
	}

	o := RPCOptions{}
	if len(opts) > 0 {
		o = opts[0]
	}
	if o.Timeout <= 0 && c.state.rpcTimeout > 0 {
		o.Timeout = c.state.rpcTimeout
	}

	return c.publisher().RPC(ctx, queue, payload, o)
}

// Subscribe runs Setup against State.queue/bindings/exchange and
// starts a Consumer. Calling Subscribe twice on Chains derived from
// the same New() call fails fast with a ConfigError.
func (c Chain) Subscribe(handler Handler) (*ConsumerHandle, error) {
	if c.state.queue == nil {
		return nil, ConfigError("subscribe without a queue", nil)
	}

	if !atomic.CompareAndSwapInt32(&c.lineage.subscribed, 0, 1) {
		return nil, ConfigError("subscribe called twice on the same chain", nil)
	}

	consumer := NewConsumer(c.state)
	return consumer.Subscribe(handler)
}
