package event

import (
	"context"
	"errors"
	"time"

	"github.com/xraph/tollgate/id"
)

var (
	// ErrNotFound is returned when an event does not exist.
	ErrNotFound = errors.New("event: not found")

	// ErrLeaseLost is returned when an outcome is saved by a worker whose
	// claim has expired and been taken over by another worker.
	ErrLeaseLost = errors.New("event: claim lease lost")

	// ErrNotDead is returned when requeueing an event that is not dead.
	ErrNotDead = errors.New("event: event is not dead")
)

// ClaimOpts controls a claim of deliverable events.
type ClaimOpts struct {
	Limit       int
	Now         time.Time
	Lease       time.Duration
	MaxAttempts int
	Token       string // written to claimed rows, required to save the outcome
}

// ListOpts filters event listings.
type ListOpts struct {
	Status         []Status
	Type           Type
	CorrelationKey string
	MinAttempts    int
	Limit          int
	Offset         int
}

// Appender is the narrow write side used by every engine.
type Appender interface {
	AppendEvent(ctx context.Context, e *Event) error
}

// Store persists events.
//
// ClaimEvents returns up to Limit events in (occurred_at, seq) order that
// are deliverable at Now: pending or failed with next_attempt_at <= Now, or
// processing with an expired lease, and with attempt_count < MaxAttempts.
// An event is skipped while an earlier event with the same correlation key
// is pending, processing or failed. Claimed events move to processing with
// attempt_count incremented, claim_token = Token and locked_until =
// Now+Lease. Processing events whose lease expired on their final attempt
// are moved to dead.
type Store interface {
	Appender
	GetEvent(ctx context.Context, eventID id.EventID) (*Event, error)
	ClaimEvents(ctx context.Context, opts ClaimOpts) ([]*Event, error)

	// SaveOutcome persists status, handler outcomes, last error, next
	// attempt time and processed time, guarded by e.ClaimToken.
	SaveOutcome(ctx context.Context, e *Event) error

	ListEvents(ctx context.Context, opts ListOpts) ([]*Event, error)

	// RequeueEvent moves a dead event back to pending with a fresh
	// attempt budget. Handler outcomes are kept.
	RequeueEvent(ctx context.Context, eventID id.EventID, now time.Time) error
}
