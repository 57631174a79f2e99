package chainrabbit

import amqp "github.com/rabbitmq/amqp091-go"

// ExchangeKind enumerates the exchange types a broker understands.
type ExchangeKind string

const (
	ExchangeDirect         ExchangeKind = "direct"
	ExchangeTopic          ExchangeKind = "topic"
	ExchangeFanout         ExchangeKind = "fanout"
	ExchangeHeaders        ExchangeKind = "headers"
	ExchangeDelayedMessage ExchangeKind = "x-delayed-message"
)

// Exchange is an immutable descriptor for a broker exchange. Every
// modifier returns a copy; the receiver is left untouched.
type Exchange struct {
	name       string
	kind       ExchangeKind
	durable    bool
	autoDelete bool
	internal   bool
	args       amqp.Table
}

// NewExchange creates an Exchange descriptor with the given name and
// kind. Defaults: durable, not auto-deleted, not internal.
func NewExchange(name string, kind ExchangeKind) Exchange {
	return Exchange{name: name, kind: kind, durable: true, args: amqp.Table{}}
}

func (e Exchange) clone() Exchange {
	args := amqp.Table{}
	for k, v := range e.args {
		args[k] = v
	}
	e.args = args
	return e
}

// Durable returns a copy with the durable flag set.
func (e Exchange) Durable(durable bool) Exchange {
	c := e.clone()
	c.durable = durable
	return c
}

// AutoDelete returns a copy with the auto-delete flag set.
func (e Exchange) AutoDelete(autoDelete bool) Exchange {
	c := e.clone()
	c.autoDelete = autoDelete
	return c
}

// Internal returns a copy with the internal flag set.
func (e Exchange) Internal(internal bool) Exchange {
	c := e.clone()
	c.internal = internal
	return c
}

// Arg returns a copy with the given declare argument set. For
// ExchangeDelayedMessage exchanges, set "x-delayed-type" to the nested
// routing strategy (defaults to "direct" at declare time if unset).
func (e Exchange) Arg(key string, value interface{}) Exchange {
	c := e.clone()
	c.args[key] = value
	return c
}

func (e Exchange) Name() string { return e.name }

// Queue is an immutable descriptor for a broker queue. An empty name
// means "server-generated" — Setup resolves it to the assigned name,
// which the caller then pins for the life of the Consumer.
type Queue struct {
	name       string
	durable    bool
	exclusive  bool
	autoDelete bool
	args       amqp.Table
}

// NewQueue creates a Queue descriptor with the given name (empty for
// anonymous). Default: durable, not exclusive, not auto-deleted.
func NewQueue(name string) Queue {
	return Queue{name: name, durable: true, args: amqp.Table{}}
}

func (q Queue) clone() Queue {
	args := amqp.Table{}
	for k, v := range q.args {
		args[k] = v
	}
	q.args = args
	return q
}

func (q Queue) Durable(durable bool) Queue {
	c := q.clone()
	c.durable = durable
	return c
}

func (q Queue) Exclusive(exclusive bool) Queue {
	c := q.clone()
	c.exclusive = exclusive
	return c
}

func (q Queue) AutoDelete(autoDelete bool) Queue {
	c := q.clone()
	c.autoDelete = autoDelete
	return c
}

// Expires sets x-expires (queue TTL with no consumers), in milliseconds.
func (q Queue) Expires(ms int) Queue {
	c := q.clone()
	c.args["x-expires"] = ms
	return c
}

// MessageTTL sets x-message-ttl, in milliseconds.
func (q Queue) MessageTTL(ms int) Queue {
	c := q.clone()
	c.args["x-message-ttl"] = ms
	return c
}

// MaxLength sets x-max-length.
func (q Queue) MaxLength(n int) Queue {
	c := q.clone()
	c.args["x-max-length"] = n
	return c
}

// DeadLetterExchange sets x-dead-letter-exchange.
func (q Queue) DeadLetterExchange(name string) Queue {
	c := q.clone()
	c.args["x-dead-letter-exchange"] = name
	return c
}

func (q Queue) Name() string      { return q.name }
func (q Queue) IsAnonymous() bool { return q.name == "" }

// Binding is an immutable descriptor tying a queue to an exchange by
// routing key patterns (direct/topic), ignored (fanout), or a headers
// match (headers exchanges).
type Binding struct {
	exchange    string
	queue       string
	patterns    []string
	headerMatch amqp.Table
	matchAll    bool
}

// NewBinding creates a Binding between exchange and queue with the
// given routing-key patterns.
func NewBinding(exchange, queue string, patterns ...string) Binding {
	keys := make([]string, len(patterns))
	copy(keys, patterns)
	return Binding{exchange: exchange, queue: queue, patterns: keys}
}

// HeaderMatch returns a copy configured for a headers exchange: args is
// matched with "x-match" set to "all" (matchAll=true) or "any".
func (b Binding) HeaderMatch(matchAll bool, args map[string]interface{}) Binding {
	c := b
	table := amqp.Table{}
	for k, v := range args {
		table[k] = v
	}
	c.headerMatch = table
	c.matchAll = matchAll
	return c
}

func (b Binding) args() amqp.Table {
	if b.headerMatch == nil {
		return nil
	}
	table := amqp.Table{}
	for k, v := range b.headerMatch {
		table[k] = v
	}
	if b.matchAll {
		table["x-match"] = "all"
	} else {
		table["x-match"] = "any"
	}
	return table
}
