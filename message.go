package chainrabbit

import (
	"encoding/json"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// HandledState is the per-Message terminal-transition flag:
// New -> (Acked | Nacked | Replied).
type HandledState int

const (
	StateNew HandledState = iota
	StateAcked
	StateNacked
	StateReplied
)

func (s HandledState) String() string {
	switch s {
	case StateAcked:
		return "acked"
	case StateNacked:
		return "nacked"
	case StateReplied:
		return "replied"
	default:
		return "new"
	}
}

// Message is an immutable view over a received delivery plus the
// handled-state machine that tracks whether it has been acked, nacked
// or replied to. At most one terminal transition ever takes effect;
// further calls are no-ops that are still recorded for diagnostics.
type Message struct {
	Exchange     string
	RoutingKey   string
	Redelivered  bool
	DeliveryTag  uint64
	ConsumerTag  string
	QueueName    string
	Headers      amqp.Table
	ContentType  string
	ContentEnc   string
	CorrelationID string
	ReplyTo      string
	MessageID    string
	AppID        string
	Type         string
	Priority     uint8
	Expiration   string
	Timestamp    time.Time

	Raw     []byte
	Decoded interface{}

	mu      sync.Mutex
	state   HandledState
	noopCnt int
	ackFn   func() error
	nackFn  func(requeue bool) error
	replyFn func(payload interface{}) error
}

// newMessage builds a Message from a delivery, decoding JSON per json
// when the delivery's content type says so.
func newMessage(d amqp.Delivery, queueName string, wantJSON bool, ackFn func() error, nackFn func(requeue bool) error, replyFn func(payload interface{}) error) *Message {
	m := &Message{
		Exchange:      d.Exchange,
		RoutingKey:    d.RoutingKey,
		Redelivered:   d.Redelivered,
		DeliveryTag:   d.DeliveryTag,
		ConsumerTag:   d.ConsumerTag,
		QueueName:     queueName,
		Headers:       d.Headers,
		ContentType:   d.ContentType,
		ContentEnc:    d.ContentEncoding,
		CorrelationID: d.CorrelationId,
		ReplyTo:       d.ReplyTo,
		MessageID:     d.MessageId,
		AppID:         d.AppId,
		Type:          d.Type,
		Priority:      d.Priority,
		Expiration:    d.Expiration,
		Timestamp:     d.Timestamp,
		Raw:           d.Body,
		ackFn:         ackFn,
		nackFn:        nackFn,
		replyFn:       replyFn,
	}

	if wantJSON && m.ContentType == "application/json" {
		var v interface{}
		if err := json.Unmarshal(d.Body, &v); err == nil {
			m.Decoded = v
		} else {
			m.Decoded = d.Body
		}
	} else {
		m.Decoded = d.Body
	}

	return m
}

// IsHandled reports whether any terminal transition (ack, nack or
// reply) has occurred.
func (m *Message) IsHandled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state != StateNew
}

// State returns the current handled-state.
func (m *Message) State() HandledState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// tryTransition attempts to move the message out of StateNew. It
// returns false if the message was already handled, in which case the
// caller must treat its action as a recorded no-op.
func (m *Message) tryTransition(to HandledState) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateNew {
		m.noopCnt++
		return false
	}
	m.state = to
	return true
}

// Ack acknowledges the delivery. A no-op (but recorded) if the message
// is already handled.
func (m *Message) Ack() error {
	if !m.tryTransition(StateAcked) {
		return nil
	}
	if m.ackFn == nil {
		return nil
	}
	return m.ackFn()
}

// Nack negatively acknowledges the delivery, optionally requesting
// requeue. A no-op (but recorded) if the message is already handled.
func (m *Message) Nack(requeue bool) error {
	if !m.tryTransition(StateNacked) {
		return nil
	}
	if m.nackFn == nil {
		return nil
	}
	return m.nackFn(requeue)
}

// Reply sends payload back to the delivery's replyTo/correlationId, if
// any, and consumes the terminal transition the same way Ack/Nack do.
func (m *Message) Reply(payload interface{}) error {
	if !m.tryTransition(StateReplied) {
		return nil
	}
	if m.replyFn == nil {
		return nil
	}
	return m.replyFn(payload)
}
