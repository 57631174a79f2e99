package chainrabbit

import (
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

func newTestMessage() (*Message, *int, *int, *int) {
	acks, nacks, replies := 0, 0, 0

	d := amqp.Delivery{
		DeliveryTag:   1,
		CorrelationId: "corr-1",
		ReplyTo:       "reply-q",
		Body:          []byte(`"test"`),
		ContentType:   "application/json",
		Timestamp:     time.Now(),
	}

	msg := newMessage(d, "test-queue", true,
		func() error { acks++; return nil },
		func(requeue bool) error { nacks++; return nil },
		func(payload interface{}) error { replies++; return nil },
	)

	return msg, &acks, &nacks, &replies
}

var _ = Describe("Message", func() {
	It("decodes JSON payloads when contentType says so", func() {
		msg, _, _, _ := newTestMessage()
		Expect(msg.Decoded).To(Equal("test"))
	})

	It("is not handled until a terminal transition occurs", func() {
		msg, _, _, _ := newTestMessage()
		Expect(msg.IsHandled()).To(BeFalse())
	})

	It("acks exactly once and stays handled forever after", func() {
		msg, acks, _, _ := newTestMessage()

		Expect(msg.Ack()).To(Succeed())
		Expect(msg.IsHandled()).To(BeTrue())
		Expect(*acks).To(Equal(1))

		// Further terminal calls are no-ops.
		Expect(msg.Ack()).To(Succeed())
		Expect(msg.Nack(true)).To(Succeed())
		Expect(msg.Reply("x")).To(Succeed())
		Expect(*acks).To(Equal(1))
		Expect(msg.State()).To(Equal(StateAcked))
	})

	It("nacks exactly once and ignores a later ack", func() {
		msg, acks, nacks, _ := newTestMessage()

		Expect(msg.Nack(false)).To(Succeed())
		Expect(*nacks).To(Equal(1))

		Expect(msg.Ack()).To(Succeed())
		Expect(*acks).To(Equal(0))
		Expect(msg.State()).To(Equal(StateNacked))
	})

	It("treats reply as a terminal transition too", func() {
		msg, _, _, replies := newTestMessage()

		Expect(msg.Reply(map[string]int{"sum": 3})).To(Succeed())
		Expect(msg.IsHandled()).To(BeTrue())
		Expect(*replies).To(Equal(1))

		Expect(msg.Ack()).To(Succeed())
		Expect(msg.State()).To(Equal(StateReplied))
	})
})
