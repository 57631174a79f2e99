package chainrabbit

import (
	"context"
	"sync"
	"time"
)

// Backoff is the pluggable failure-pacing policy a Consumer consults
// once per delivery. take suspends until processing may proceed,
// pass/nack/ack report the delivery's outcome, and fail fires when a
// policy-defined failure threshold has been crossed.
type Backoff interface {
	Take(ctx context.Context) error
	Pass()
	Nack()
	Ack()
	Fail()
}

// DefaultBackoff is the sliding-window implementation driven by
// failThreshold/failSpan/failTimeout: once more than failThreshold
// failures land inside any failSpan window, Take suspends for
// failTimeout before admitting the next delivery.
type DefaultBackoff struct {
	threshold int
	span      time.Duration
	timeout   time.Duration

	mu        sync.Mutex
	failures  []time.Time
	suspended bool
	until     time.Time
}

// NewDefaultBackoff constructs a DefaultBackoff. A non-positive
// threshold disables failure counting: Nack never trips the gate,
// though a direct call to Fail still suspends Take for timeout.
func NewDefaultBackoff(threshold int, span, timeout time.Duration) *DefaultBackoff {
	return &DefaultBackoff{threshold: threshold, span: span, timeout: timeout}
}

// Take blocks until the backoff permits the next delivery to be
// processed, or ctx is done.
func (b *DefaultBackoff) Take(ctx context.Context) error {
	b.mu.Lock()
	wait := time.Duration(0)
	if b.suspended {
		wait = time.Until(b.until)
		if wait <= 0 {
			b.suspended = false
			wait = 0
		}
	}
	b.mu.Unlock()

	if wait <= 0 {
		return nil
	}

	t := time.NewTimer(wait)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pass records a successful delivery.
func (b *DefaultBackoff) Pass() {}

// Ack records an explicit ack having happened.
func (b *DefaultBackoff) Ack() {}

// Nack records a handler/middleware failure and, if it pushes the
// sliding window over threshold, trips Fail.
func (b *DefaultBackoff) Nack() {
	if b.threshold <= 0 {
		return
	}

	now := time.Now()

	b.mu.Lock()
	b.failures = append(b.failures, now)
	cutoff := now.Add(-b.span)
	kept := b.failures[:0]
	for _, t := range b.failures {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	b.failures = kept
	tripped := len(b.failures) > b.threshold
	b.mu.Unlock()

	if tripped {
		b.Fail()
	}
}

// Fail suspends Take for failTimeout. Called directly by callers that
// detect a fatal processing error outside the normal nack path, and
// internally by Nack once the threshold is crossed.
func (b *DefaultBackoff) Fail() {
	b.mu.Lock()
	b.suspended = true
	b.until = time.Now().Add(b.timeout)
	b.mu.Unlock()
}
