package chainrabbit

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind identifies the taxonomy of a boundary error: configuration
// mistakes, broker rejections,
// transient connectivity loss, handler failures, timeouts, cancellation
// and use-after-close.
type Kind int

const (
	// KindConfig marks an invalid Chain state caught before any broker
	// call is made (e.g. subscribe without a queue).
	KindConfig Kind = iota
	// KindSetup marks a broker rejection of a declare, usually a passive
	// mismatch. Fatal to the operation; never retried.
	KindSetup
	// KindTransient marks a channel or connection lost mid-operation.
	KindTransient
	// KindHandler marks a failure raised by the user handler or a
	// middleware layer.
	KindHandler
	// KindTimeout marks an RPC or confirm timeout.
	KindTimeout
	// KindCancelled marks a caller-initiated abort.
	KindCancelled
	// KindClosed marks an operation attempted on an already-closed
	// Consumer, Publisher or Manager.
	KindClosed
)

func (k Kind) String() string {
	switch k {
	case KindConfig:
		return "config"
	case KindSetup:
		return "setup"
	case KindTransient:
		return "transient"
	case KindHandler:
		return "handler"
	case KindTimeout:
		return "timeout"
	case KindCancelled:
		return "cancelled"
	case KindClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Error is the typed failure surfaced at the package's boundaries. It
// wraps an underlying cause (if any) and
// carries a stable Kind so callers can branch with errors.As.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(kind Kind, op string, cause error) *Error {
	return &Error{Kind: kind, Op: op, Err: cause}
}

// ConfigError wraps cause (which may be nil) as a KindConfig Error for
// operation op.
func ConfigError(op string, cause error) error { return newError(KindConfig, op, cause) }

// SetupError wraps cause as a KindSetup Error for operation op.
func SetupError(op string, cause error) error {
	return newError(KindSetup, op, errors.Wrap(cause, op))
}

// TransientError wraps cause as a KindTransient Error for operation op.
func TransientError(op string, cause error) error { return newError(KindTransient, op, cause) }

// HandlerError wraps cause as a KindHandler Error for operation op.
func HandlerError(op string, cause error) error { return newError(KindHandler, op, cause) }

// TimeoutError returns a KindTimeout Error for operation op.
func TimeoutError(op string) error { return newError(KindTimeout, op, nil) }

// CancelledError returns a KindCancelled Error for operation op.
func CancelledError(op string) error { return newError(KindCancelled, op, nil) }

// ClosedError returns a KindClosed Error for operation op.
func ClosedError(op string) error { return newError(KindClosed, op, nil) }

// Is reports whether err is a *Error of the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}
