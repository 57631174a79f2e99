package chainrabbit

import (
	"time"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

var _ = Describe("Consumer pipeline", func() {
	It("auto-acks when the handler returns without an explicit terminal action", func() {
		state := NewState(nil).WithAutoAck(true)
		c := NewConsumer(state)
		c.handler = func(payload interface{}, msg *Message) (interface{}, error) { return nil, nil }

		msg, acks, _, _ := newTestMessage()
		c.process(msg)

		Expect(*acks).To(Equal(1))
		Expect(msg.State()).To(Equal(StateAcked))
	})

	It("does not double-ack when the handler already acked explicitly", func() {
		state := NewState(nil).WithAutoAck(true)
		c := NewConsumer(state)
		c.handler = func(payload interface{}, msg *Message) (interface{}, error) {
			return nil, msg.Ack()
		}

		msg, acks, _, _ := newTestMessage()
		c.process(msg)

		Expect(*acks).To(Equal(1))
	})

	It("nacks with requeue=false exactly once when the handler fails", func() {
		state := NewState(nil)
		c := NewConsumer(state)
		c.handler = func(payload interface{}, msg *Message) (interface{}, error) {
			return nil, HandlerError("boom", nil)
		}

		msg, _, nacks, _ := newTestMessage()
		c.process(msg)

		Expect(*nacks).To(Equal(1))
		Expect(msg.State()).To(Equal(StateNacked))
	})

	It("does not auto-ack when autoAck is false and the handler leaves the message open", func() {
		state := NewState(nil).WithAutoAck(false)
		c := NewConsumer(state)
		ackLater := make(chan struct{})
		c.handler = func(payload interface{}, msg *Message) (interface{}, error) {
			go func() {
				<-ackLater
				_ = msg.Ack()
			}()
			return nil, nil
		}

		msg, _, _, _ := newTestMessage()
		c.process(msg)

		Expect(msg.IsHandled()).To(BeFalse())

		close(ackLater)
		Eventually(msg.IsHandled, time.Second, 5*time.Millisecond).Should(BeTrue())
	})

	It("sets the reply payload when autoReply is true and replyTo/correlationId are present", func() {
		state := NewState(nil).WithAutoReply(true)
		c := NewConsumer(state)
		c.handler = func(payload interface{}, msg *Message) (interface{}, error) {
			return "pong", nil
		}

		msg, _, _, replies := newTestMessage()
		c.process(msg)

		Expect(*replies).To(Equal(1))
		Expect(msg.State()).To(Equal(StateReplied))
	})

	It("pins the resolved queue name across calls to pinnedState", func() {
		c := NewConsumer(NewState(nil).WithQueue(NewQueue("")))
		c.queueName = "amq.gen-abc123"

		pinned := c.pinnedState()
		Expect(pinned.queue.name).To(Equal("amq.gen-abc123"))
	})
})
