package dispatch

import (
	"errors"
	"fmt"
)

var (
	// ErrHandlerTimeout is recorded when a handler exceeds its time budget.
	// It is retryable.
	ErrHandlerTimeout = errors.New("dispatch: handler timeout")

	// ErrHandlerPanic is recorded when a handler panics. It is retryable.
	ErrHandlerPanic = errors.New("dispatch: handler panic")

	// ErrDeadLettered marks an event that will not be retried without
	// operator action.
	ErrDeadLettered = errors.New("dispatch: event dead-lettered")

	// ErrDuplicateHandler is returned when a handler name is registered
	// twice for one event type.
	ErrDuplicateHandler = errors.New("dispatch: duplicate handler")
)

// Kind classifies a handler result.
type Kind int

const (
	KindSuccess Kind = iota
	KindNoOp         // duplicate request recognized and skipped
	KindRetry
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindSuccess:
		return "success"
	case KindNoOp:
		return "noop"
	case KindRetry:
		return "retry"
	case KindFatal:
		return "fatal"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Result is what a handler reports for one event. The dispatcher retries
// KindRetry with backoff and dead-letters the event on KindFatal.
type Result struct {
	Kind   Kind
	Err    error
	Reason string
}

// Success reports that the handler's side effect is done.
func Success() Result { return Result{Kind: KindSuccess} }

// NoOp reports that the side effect had already happened.
func NoOp(reason string) Result { return Result{Kind: KindNoOp, Reason: reason} }

// Retry reports a transient failure.
func Retry(err error) Result { return Result{Kind: KindRetry, Err: err} }

// Fatal reports a failure that retrying cannot fix.
func Fatal(err error) Result { return Result{Kind: KindFatal, Err: err} }

// Failed reports whether the result is a retry or fatal failure.
func (r Result) Failed() bool {
	return r.Kind == KindRetry || r.Kind == KindFatal
}

// FromError maps err to a Result: nil is Success, errors matching any of
// fatal are Fatal, anything else is Retry.
func FromError(err error, fatal ...error) Result {
	if err == nil {
		return Success()
	}
	for _, f := range fatal {
		if errors.Is(err, f) {
			return Fatal(err)
		}
	}
	return Retry(err)
}
