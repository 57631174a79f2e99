package chainrabbit

import "time"

// Middleware decorates per-delivery handling. It receives the message
// and a next function; see runPipeline for the exact calling contract.
type Middleware func(msg *Message, next func()) error

// State is the immutable record of every knob that drives Setup,
// Publisher and Consumer construction. Chain modifiers never mutate a
// State; they return a new one built from a shallow copy plus deep
// copies of any owned slices.
type State struct {
	autoAck     bool
	autoReply   bool
	prefetch    int
	json        bool
	confirm     bool
	skipSetup   bool
	reestablish bool
	noAck       bool
	exclusive   bool
	priority    uint8

	failThreshold int
	failSpan      time.Duration
	failTimeout   time.Duration

	confirmTimeout time.Duration
	rpcTimeout     time.Duration

	exchange *Exchange
	queue    *Queue
	bindings []Binding

	middleware []Middleware
	backoff    Backoff

	manager *Manager
}

// NewState returns the default State bound to manager: autoAck=true,
// autoReply=false, prefetch=0 (unlimited), json=true, reestablish=true,
// failThreshold=5 over a 10s span with a 5s timeout.
func NewState(manager *Manager) *State {
	return &State{
		autoAck:       true,
		json:          true,
		reestablish:   true,
		failThreshold: 5,
		failSpan:      10 * time.Second,
		failTimeout:   5 * time.Second,
		manager:       manager,
	}
}

func (s *State) copy() *State {
	c := *s
	c.bindings = append([]Binding(nil), s.bindings...)
	c.middleware = append([]Middleware(nil), s.middleware...)
	return &c
}

func (s *State) WithAutoAck(v bool) *State {
	c := s.copy()
	c.autoAck = v
	return c
}

func (s *State) WithAutoReply(v bool) *State {
	c := s.copy()
	c.autoReply = v
	return c
}

func (s *State) WithPrefetch(n int) *State {
	c := s.copy()
	if n < 0 {
		n = 0
	}
	c.prefetch = n
	return c
}

func (s *State) WithJSON(v bool) *State {
	c := s.copy()
	c.json = v
	return c
}

func (s *State) WithConfirm(v bool) *State {
	c := s.copy()
	c.confirm = v
	return c
}

func (s *State) WithSkipSetup(v bool) *State {
	c := s.copy()
	c.skipSetup = v
	return c
}

func (s *State) WithReestablish(v bool) *State {
	c := s.copy()
	c.reestablish = v
	return c
}

func (s *State) WithNoAck(v bool) *State {
	c := s.copy()
	c.noAck = v
	return c
}

func (s *State) WithExclusive(v bool) *State {
	c := s.copy()
	c.exclusive = v
	return c
}

func (s *State) WithPriority(p uint8) *State {
	c := s.copy()
	c.priority = p
	return c
}

func (s *State) WithFailThreshold(n int) *State {
	c := s.copy()
	c.failThreshold = n
	return c
}

func (s *State) WithFailSpan(d time.Duration) *State {
	c := s.copy()
	c.failSpan = d
	return c
}

func (s *State) WithFailTimeout(d time.Duration) *State {
	c := s.copy()
	c.failTimeout = d
	return c
}

func (s *State) WithConfirmTimeout(d time.Duration) *State {
	c := s.copy()
	c.confirmTimeout = d
	return c
}

func (s *State) WithRPCTimeout(d time.Duration) *State {
	c := s.copy()
	c.rpcTimeout = d
	return c
}

func (s *State) WithBackoff(b Backoff) *State {
	c := s.copy()
	c.backoff = b
	return c
}

func (s *State) WithExchange(e Exchange) *State {
	c := s.copy()
	c.exchange = &e
	return c
}

func (s *State) WithQueue(q Queue) *State {
	c := s.copy()
	c.queue = &q
	return c
}

func (s *State) WithBinding(b Binding) *State {
	c := s.copy()
	c.bindings = append(c.bindings, b)
	return c
}

func (s *State) WithMiddleware(m Middleware) *State {
	c := s.copy()
	c.middleware = append(c.middleware, m)
	return c
}

// backoffOrDefault returns the configured Backoff, lazily constructing
// the default sliding-window implementation from the legacy knobs.
func (s *State) backoffOrDefault() Backoff {
	if s.backoff != nil {
		return s.backoff
	}
	return NewDefaultBackoff(s.failThreshold, s.failSpan, s.failTimeout)
}
