// Package dunning runs the collections process for overdue invoices.
//
// Each overdue invoice gets one Case that walks the steps of a PolicySet.
// A step executes by advancing the case's step index and appending a
// dunning.action_requested event in one transaction; the index only moves
// forward, so no step runs twice.
package dunning

import (
	"context"
	"errors"
	"time"

	"github.com/xraph/tollgate/id"
	"github.com/xraph/tollgate/types"
)

var (
	ErrNotFound = errors.New("dunning: case not found")

	// ErrCaseExists is returned when opening a case for an invoice that
	// already has an open or paused case.
	ErrCaseExists = errors.New("dunning: invoice already has an active case")

	// ErrStaleCase is returned by conditional case updates whose expected
	// state no longer holds.
	ErrStaleCase = errors.New("dunning: case changed concurrently")

	ErrCaseNotOpen    = errors.New("dunning: case is not open")
	ErrCaseNotPaused  = errors.New("dunning: case is not paused")
	ErrCaseClosed     = errors.New("dunning: case is closed")
	ErrPolicyNotFound = errors.New("dunning: policy set not found")
	ErrInvalidPolicy  = errors.New("dunning: invalid policy set")
)

// Status is the state of a case.
type Status string

const (
	StatusOpen      Status = "open"
	StatusPaused    Status = "paused" // operator hold, no steps execute
	StatusResolved  Status = "resolved"
	StatusAbandoned Status = "abandoned"
)

// IsClosed reports whether the case is finished.
func (s Status) IsClosed() bool {
	return s == StatusResolved || s == StatusAbandoned
}

// Case is the collections state of one overdue invoice.
type Case struct {
	types.Entity
	ID          id.DunningCaseID `json:"id"`
	AccountID   id.AccountID     `json:"account_id"`
	InvoiceID   id.InvoiceID     `json:"invoice_id"`
	Status      Status           `json:"status"`
	PolicySetID string           `json:"policy_set_id"`

	// CurrentStepIndex is the last executed step, -1 before the first.
	CurrentStepIndex int `json:"current_step_index"`

	// Enforced records that a network-enforcing step has executed, so
	// closing the case should restore service.
	Enforced bool `json:"enforced"`

	OpenedAt    time.Time  `json:"opened_at"`
	ClosedAt    *time.Time `json:"closed_at,omitempty"`
	CloseReason string     `json:"close_reason,omitempty"`
}

// State returns the advancement state of the case.
func (c *Case) State() State {
	return State{StepIndex: c.CurrentStepIndex, Status: c.Status}
}

// Clone returns a copy of c.
func (c *Case) Clone() *Case {
	cp := *c
	if c.ClosedAt != nil {
		t := *c.ClosedAt
		cp.ClosedAt = &t
	}
	return &cp
}

// Store persists cases. Advancement and status changes are conditional
// updates; the store performs the read-modify-write, not the caller.
type Store interface {
	// CreateCase returns ErrCaseExists when the invoice already has an
	// open or paused case.
	CreateCase(ctx context.Context, c *Case) error

	GetCase(ctx context.Context, caseID id.DunningCaseID) (*Case, error)

	// GetActiveCaseForInvoice returns the invoice's open or paused case,
	// or ErrNotFound.
	GetActiveCaseForInvoice(ctx context.Context, invID id.InvoiceID) (*Case, error)

	// AdvanceCase moves an open case from step index from to index to,
	// setting enforced if requested. It returns ErrStaleCase unless the
	// case is open at index from.
	AdvanceCase(ctx context.Context, caseID id.DunningCaseID, from, to int, enforced bool, now time.Time) error

	// UpdateCaseStatus moves a case from status from to status to, setting
	// closed_at and the reason when to is a closed status. It returns
	// ErrStaleCase unless the case is at status from.
	UpdateCaseStatus(ctx context.Context, caseID id.DunningCaseID, from, to Status, reason string, now time.Time) error

	ListCases(ctx context.Context, opts ListOpts) ([]*Case, error)
}

// ListOpts filters case listings.
type ListOpts struct {
	AccountID    id.AccountID
	InvoiceID    id.InvoiceID
	Status       []Status
	EnforcedOnly bool
	Limit        int
	Offset       int
}
