package chainrabbit

import (
	"context"
	"time"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

// stubBackoff records the call sequence so tests can assert the exact
// wiring the Consumer pipeline produces around each delivery.
type stubBackoff struct {
	calls []string
}

func (b *stubBackoff) Take(ctx context.Context) error { b.calls = append(b.calls, "take"); return nil }
func (b *stubBackoff) Pass()                          { b.calls = append(b.calls, "pass") }
func (b *stubBackoff) Nack()                          { b.calls = append(b.calls, "nack") }
func (b *stubBackoff) Ack()                           { b.calls = append(b.calls, "ack") }
func (b *stubBackoff) Fail()                          { b.calls = append(b.calls, "fail") }

var _ = Describe("stubBackoff wiring via the Consumer pipeline", func() {
	It("produces take, pass, ack, take, nack for a succeed-then-fail sequence", func() {
		stub := &stubBackoff{}
		state := NewState(nil).WithBackoff(stub)
		c := NewConsumer(state)

		calls := 0
		c.handler = func(payload interface{}, msg *Message) (interface{}, error) {
			calls++
			if calls == 1 {
				return nil, nil
			}
			return nil, HandlerError("handle", nil)
		}

		msg1, _, _, _ := newTestMessage()
		c.process(msg1)

		msg2, _, _, _ := newTestMessage()
		c.process(msg2)

		Expect(stub.calls).To(Equal([]string{"take", "pass", "ack", "take", "nack"}))
	})
})

var _ = Describe("DefaultBackoff", func() {
	It("does not suspend Take before the threshold is crossed", func() {
		b := NewDefaultBackoff(2, time.Second, 50*time.Millisecond)
		b.Nack()
		b.Nack()
		start := time.Now()
		Expect(b.Take(context.Background())).To(Succeed())
		Expect(time.Since(start)).To(BeNumerically("<", 20*time.Millisecond))
	})

	It("suspends Take for failTimeout once more than threshold failures land in one span", func() {
		b := NewDefaultBackoff(1, time.Second, 80*time.Millisecond)
		b.Nack()
		b.Nack() // 2 failures > threshold(1): trips Fail internally

		start := time.Now()
		Expect(b.Take(context.Background())).To(Succeed())
		Expect(time.Since(start)).To(BeNumerically(">=", 60*time.Millisecond))
	})

	It("lets Take return ctx.Err() when cancelled before the suspension elapses", func() {
		b := NewDefaultBackoff(0, time.Second, time.Hour)
		b.Fail()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		defer cancel()

		err := b.Take(ctx)
		Expect(err).To(HaveOccurred())
	})

	It("disables the gate entirely when threshold is non-positive", func() {
		b := NewDefaultBackoff(0, time.Second, time.Hour)
		for i := 0; i < 10; i++ {
			b.Nack()
		}
		start := time.Now()
		Expect(b.Take(context.Background())).To(Succeed())
		Expect(time.Since(start)).To(BeNumerically("<", 20*time.Millisecond))
	})
})
