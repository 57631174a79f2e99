package chainrabbit

import (
	"sync"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

var _ = Describe("Publisher JSON policy", func() {
	It("passes raw bytes through untouched", func() {
		p := NewPublisher(NewState(nil))
		body, ct, ce, err := p.encode([]byte("raw"))
		Expect(err).NotTo(HaveOccurred())
		Expect(body).To(Equal([]byte("raw")))
		Expect(ct).To(Equal(""))
		Expect(ce).To(Equal(""))
	})

	It("marshals non-bytes payloads as UTF-8 JSON when State.json is true", func() {
		p := NewPublisher(NewState(nil).WithJSON(true))
		body, ct, ce, err := p.encode(map[string]int{"n": 1})
		Expect(err).NotTo(HaveOccurred())
		Expect(string(body)).To(MatchJSON(`{"n":1}`))
		Expect(ct).To(Equal("application/json"))
		Expect(ce).To(Equal("utf8"))
	})

	It("rejects a non-bytes payload when State.json is false", func() {
		p := NewPublisher(NewState(nil).WithJSON(false))
		_, _, _, err := p.encode(map[string]int{"n": 1})
		Expect(Is(err, KindConfig)).To(BeTrue())
	})
})

var _ = Describe("replyRegistry", func() {
	It("routes N concurrent replies to the waiter with the matching correlationId", func() {
		reg := newReplyRegistry()

		const n = 50
		waiters := make([]*rpcWaiter, n)
		ids := make([]string, n)
		for i := 0; i < n; i++ {
			ids[i] = uuidLike(i)
			waiters[i] = reg.register(ids[i])
		}

		var wg sync.WaitGroup
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				reg.fulfil(ids[i], rpcResult{decoded: i})
			}(i)
		}
		wg.Wait()

		for i := 0; i < n; i++ {
			res := <-waiters[i].resultCh
			Expect(res.decoded).To(Equal(i))
		}
	})

	It("drops a fulfil with no matching waiter", func() {
		reg := newReplyRegistry()
		Expect(reg.fulfil("missing", rpcResult{})).To(BeFalse())
	})

	It("fails every outstanding waiter on failAll", func() {
		reg := newReplyRegistry()
		w := reg.register("id-1")
		reg.failAll(TransientError("reconnect", nil))
		res := <-w.resultCh
		Expect(Is(res.err, KindTransient)).To(BeTrue())
	})
})

func uuidLike(i int) string {
	return "corr-" + string(rune('a'+i%26)) + string(rune('0'+i%10))
}
