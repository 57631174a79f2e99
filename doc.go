// Package chainrabbit is a chainable, declarative wrapper around an
// AMQP 0-9-1 broker connection (github.com/rabbitmq/amqp091-go). It
// comes with:
//
// * A supervised Connection Manager that reopens channels and
//   resubscribes consumers after a transport loss
//
// * A Chain builder that accumulates an immutable State and declares
//   exchanges, queues and bindings through an idempotent Setup Engine
//
// * Publish with optional broker confirms, and RPC with correlationId-
//   routed replies
//
// * A middleware-driven Consumer with prefetch, graceful drain-on-
//   close, and a pluggable Backoff for failure pacing
//
// Usage starts from New, which binds a Chain to a Manager.
package chainrabbit
