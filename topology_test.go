package chainrabbit

import (
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

var _ = Describe("Exchange", func() {
	It("leaves the receiver untouched when a modifier is applied", func() {
		base := NewExchange("ex", ExchangeTopic)
		derived := base.Durable(false).AutoDelete(true).Arg("x-foo", "bar")

		Expect(base.durable).To(BeTrue())
		Expect(base.autoDelete).To(BeFalse())
		Expect(base.args).To(BeEmpty())

		Expect(derived.durable).To(BeFalse())
		Expect(derived.autoDelete).To(BeTrue())
		Expect(derived.args).To(HaveKeyWithValue("x-foo", "bar"))
	})

	It("accepts x-delayed-message as an exchange kind", func() {
		e := NewExchange("ex", ExchangeDelayedMessage)
		Expect(e.kind).To(Equal(ExchangeDelayedMessage))
	})
})

var _ = Describe("Queue", func() {
	It("treats an empty name as anonymous", func() {
		Expect(NewQueue("").IsAnonymous()).To(BeTrue())
		Expect(NewQueue("named").IsAnonymous()).To(BeFalse())
	})

	It("sets TTL/expiry/length/DLX arguments without mutating the receiver", func() {
		base := NewQueue("q")
		derived := base.MessageTTL(1000).Expires(2000).MaxLength(10).DeadLetterExchange("dlx")

		Expect(base.args).To(BeEmpty())
		Expect(derived.args).To(HaveKeyWithValue("x-message-ttl", 1000))
		Expect(derived.args).To(HaveKeyWithValue("x-expires", 2000))
		Expect(derived.args).To(HaveKeyWithValue("x-max-length", 10))
		Expect(derived.args).To(HaveKeyWithValue("x-dead-letter-exchange", "dlx"))
	})
})

var _ = Describe("Binding", func() {
	It("carries routing-key patterns for direct/topic exchanges", func() {
		b := NewBinding("ex", "q", "a.*", "b.*")
		Expect(b.patterns).To(Equal([]string{"a.*", "b.*"}))
		Expect(b.args()).To(BeNil())
	})

	It("replaces patterns with a headers match for headers exchanges", func() {
		b := NewBinding("ex", "q").HeaderMatch(true, map[string]interface{}{"type": "invoice"})
		args := b.args()
		Expect(args).To(HaveKeyWithValue("type", "invoice"))
		Expect(args).To(HaveKeyWithValue("x-match", "all"))
	})
})
