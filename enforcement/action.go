// Package enforcement turns enforcement decisions into network actions.
//
// Every action carries an idempotency key derived from the subscription,
// the kind and the dunning step that asked for it. The executor refuses to
// send a protocol message for a key that is already applied, so
// redelivered requests never produce a second suspend or reactivate.
package enforcement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/xraph/tollgate/id"
	"github.com/xraph/tollgate/types"
)

var (
	ErrNotFound     = errors.New("enforcement: action not found")
	ErrActionExists = errors.New("enforcement: action already exists")
	ErrUnknownKind  = errors.New("enforcement: unknown action kind")

	// ErrProtocolUnreachable is returned when the access device does not
	// answer within the protocol timeout. It is retryable.
	ErrProtocolUnreachable = errors.New("enforcement: protocol unreachable")

	// ErrNoSession is returned when an action needs a live session and
	// the subscription has none. It is retryable.
	ErrNoSession = errors.New("enforcement: no active session")

	// ErrRejected is returned when the access device answers with a NAK.
	ErrRejected = errors.New("enforcement: request rejected by device")
)

// Kind is the network action.
type Kind string

const (
	KindThrottle   Kind = "throttle"   // lower the rate limit of live sessions
	KindSuspend    Kind = "suspend"    // block and disconnect
	KindReject     Kind = "reject"     // block new sessions, keep live ones
	KindReactivate Kind = "reactivate" // lift every block
)

func (k Kind) IsValid() bool {
	switch k {
	case KindThrottle, KindSuspend, KindReject, KindReactivate:
		return true
	}
	return false
}

// Status is the state of an action.
type Status string

const (
	StatusRequested Status = "requested"
	StatusApplied   Status = "applied"
	StatusFailed    Status = "failed"
)

// Action is one requested enforcement against one subscription.
type Action struct {
	types.Entity
	ID             id.EnforcementID  `json:"id"`
	IdempotencyKey string            `json:"idempotency_key"`
	SubscriptionID id.SubscriptionID `json:"subscription_id"`
	AccountID      id.AccountID      `json:"account_id,omitempty"`
	CaseID         id.DunningCaseID  `json:"case_id,omitempty"`
	Kind           Kind              `json:"kind"`
	StepIndex      int               `json:"step_index"`
	Status         Status            `json:"status"`
	Attempts       int               `json:"attempts"`
	LastError      string            `json:"last_error,omitempty"`
	Sessions       int               `json:"sessions"` // sessions acted on by the applying attempt
	RequestedAt    time.Time         `json:"requested_at"`
	AppliedAt      *time.Time        `json:"applied_at,omitempty"`
}

// Clone returns a copy of a.
func (a *Action) Clone() *Action {
	c := *a
	if a.AppliedAt != nil {
		t := *a.AppliedAt
		c.AppliedAt = &t
	}
	return &c
}

// Key derives the idempotency key of an action. Requests outside a
// dunning case use "-" for the case.
func Key(subID id.SubscriptionID, kind Kind, stepIndex int, caseID id.DunningCaseID) string {
	scope := "-"
	if !caseID.IsNil() {
		scope = caseID.String()
	}
	return fmt.Sprintf("%s:%s:%d:%s", subID, kind, stepIndex, scope)
}

// Store persists actions.
type Store interface {
	// CreateAction returns ErrActionExists when the key is taken.
	CreateAction(ctx context.Context, a *Action) error
	GetActionByKey(ctx context.Context, key string) (*Action, error)
	UpdateAction(ctx context.Context, a *Action) error
	ListActions(ctx context.Context, opts ListOpts) ([]*Action, error)
}

// ListOpts filters action listings.
type ListOpts struct {
	SubscriptionID id.SubscriptionID
	AccountID      id.AccountID
	Status         []Status
	Limit          int
	Offset         int
}
