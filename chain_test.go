package chainrabbit

import (
	"time"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

var _ = Describe("Chain", func() {
	It("leaves the receiver valid and unchanged when a modifier is applied", func() {
		base := New(nil)
		derived := base.Prefetch(10).AutoAck(false)

		Expect(base.state.prefetch).To(Equal(0))
		Expect(base.state.autoAck).To(BeTrue())
		Expect(derived.state.prefetch).To(Equal(10))
		Expect(derived.state.autoAck).To(BeFalse())
	})

	It("carries sane defaults", func() {
		s := NewState(nil)
		Expect(s.autoAck).To(BeTrue())
		Expect(s.autoReply).To(BeFalse())
		Expect(s.prefetch).To(Equal(0))
		Expect(s.json).To(BeTrue())
		Expect(s.reestablish).To(BeTrue())
	})

	It("rejects Subscribe without a queue", func() {
		c := New(nil)
		_, err := c.Subscribe(func(interface{}, *Message) (interface{}, error) { return nil, nil })
		Expect(Is(err, KindConfig)).To(BeTrue())
	})

	It("rejects RPC without a queue", func() {
		c := New(nil)
		_, _, err := c.RPC(nil, "x")
		Expect(Is(err, KindConfig)).To(BeTrue())
	})

	It("fails fast on a second Subscribe from the same lineage", func() {
		c := New(nil).Queue(NewQueue("q")).SkipSetup(true)

		// The first Subscribe will fail past config validation (no
		// manager to open a channel with) but it still claims the
		// lineage's subscribed flag before doing so.
		_, _ = c.Subscribe(func(interface{}, *Message) (interface{}, error) { return nil, nil })
		_, err := c.Subscribe(func(interface{}, *Message) (interface{}, error) { return nil, nil })

		Expect(Is(err, KindConfig)).To(BeTrue())
	})

	It("keeps independent bindings slices across derived chains", func() {
		base := New(nil).Queue(NewQueue("q"))
		withBinding := base.Bind(NewBinding("ex", "q", "key"))

		Expect(base.state.bindings).To(HaveLen(0))
		Expect(withBinding.state.bindings).To(HaveLen(1))
	})

	It("records the RPC timeout on State via the RPCTimeout modifier", func() {
		c := New(nil).Queue(NewQueue("q")).RPCTimeout(5 * time.Millisecond)
		Expect(c.state.rpcTimeout).To(Equal(5 * time.Millisecond))
	})
})
