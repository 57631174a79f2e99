package chainrabbit

import (
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

var _ = Describe("middleware pipeline", func() {
	It("auto-advances a middleware that never calls next and never handles the message", func() {
		msg, _, _, _ := newTestMessage()
		var finalCalled bool

		err := runPipeline([]Middleware{
			func(m *Message, next func()) error { return nil }, // no next call
		}, msg, func() error {
			finalCalled = true
			return nil
		})

		Expect(err).NotTo(HaveOccurred())
		Expect(finalCalled).To(BeTrue())
	})

	It("short-circuits downstream middleware and the handler once a layer handles the message", func() {
		msg, _, _, _ := newTestMessage()
		var secondCalled, finalCalled bool

		err := runPipeline([]Middleware{
			func(m *Message, next func()) error {
				_ = m.Ack()
				next()
				return nil
			},
			func(m *Message, next func()) error {
				secondCalled = true
				next()
				return nil
			},
		}, msg, func() error {
			finalCalled = true
			return nil
		})

		Expect(err).NotTo(HaveOccurred())
		Expect(secondCalled).To(BeFalse())
		Expect(finalCalled).To(BeFalse())
		Expect(msg.IsHandled()).To(BeTrue())
	})

	It("treats a second call to next as a no-op", func() {
		msg, _, _, _ := newTestMessage()
		calls := 0

		err := runPipeline([]Middleware{
			func(m *Message, next func()) error {
				next()
				next()
				return nil
			},
		}, msg, func() error {
			calls++
			return nil
		})

		Expect(err).NotTo(HaveOccurred())
		Expect(calls).To(Equal(1))
	})

	It("short-circuits on middleware failure without invoking downstream", func() {
		msg, _, _, _ := newTestMessage()
		var finalCalled bool

		err := runPipeline([]Middleware{
			func(m *Message, next func()) error { return HandlerError("boom", nil) },
		}, msg, func() error {
			finalCalled = true
			return nil
		})

		Expect(err).To(HaveOccurred())
		Expect(finalCalled).To(BeFalse())
	})

	It("runs middleware in declaration order", func() {
		msg, _, _, _ := newTestMessage()
		var order []string

		err := runPipeline([]Middleware{
			func(m *Message, next func()) error { order = append(order, "a"); next(); return nil },
			func(m *Message, next func()) error { order = append(order, "b"); next(); return nil },
		}, msg, func() error {
			order = append(order, "final")
			return nil
		})

		Expect(err).NotTo(HaveOccurred())
		Expect(order).To(Equal([]string{"a", "b", "final"}))
	})
})
