// Package invoice models invoices and their status transition table.
//
// Invoice status and balance_due are caches of the ledger: only the ledger
// engine writes them, inside the same atomic unit as the entries they
// summarize.
package invoice

import (
	"time"

	"github.com/xraph/tollgate/id"
	"github.com/xraph/tollgate/types"
)

// Status is the lifecycle status of an invoice.
type Status string

const (
	StatusDraft         Status = "draft"
	StatusIssued        Status = "issued"
	StatusPartiallyPaid Status = "partially_paid"
	StatusPaid          Status = "paid"
	StatusOverdue       Status = "overdue"
	StatusVoid          Status = "void"
)

// transitions lists the allowed moves. Everything moves forward except the
// edges out of paid and partially_paid, which only a refund can take.
// Void is reachable from every non-terminal status and is terminal.
var transitions = map[Status][]Status{
	StatusDraft:         {StatusIssued, StatusOverdue, StatusVoid},
	StatusIssued:        {StatusPartiallyPaid, StatusPaid, StatusOverdue, StatusVoid},
	StatusPartiallyPaid: {StatusPaid, StatusOverdue, StatusIssued, StatusVoid},
	StatusOverdue:       {StatusPartiallyPaid, StatusPaid, StatusVoid},
	StatusPaid:          {StatusPartiallyPaid, StatusIssued, StatusOverdue, StatusVoid},
}

// CanTransition reports whether from -> to is a legal status change.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// IsValid reports whether s is a known status.
func (s Status) IsValid() bool {
	switch s {
	case StatusDraft, StatusIssued, StatusPartiallyPaid, StatusPaid, StatusOverdue, StatusVoid:
		return true
	}
	return false
}

// Invoice is a bill issued to an account.
type Invoice struct {
	types.Entity
	ID             id.InvoiceID      `json:"id"`
	AccountID      id.AccountID      `json:"account_id"`
	SubscriptionID id.SubscriptionID `json:"subscription_id,omitempty"`
	Status         Status            `json:"status"`
	Currency       string            `json:"currency"`
	Subtotal       types.Money       `json:"subtotal"`
	TaxTotal       types.Money       `json:"tax_total"`
	Total          types.Money       `json:"total"`
	BalanceDue     types.Money       `json:"balance_due"`
	IssuedAt       *time.Time        `json:"issued_at,omitempty"`
	DueAt          time.Time         `json:"due_at"`
	PaidAt         *time.Time        `json:"paid_at,omitempty"`
	VoidedAt       *time.Time        `json:"voided_at,omitempty"`
	VoidReason     string            `json:"void_reason,omitempty"`
}

// IsPastDue reports whether now is after the due date.
func (inv *Invoice) IsPastDue(now time.Time) bool {
	return now.After(inv.DueAt)
}

// Clone returns a copy that shares no pointers with inv.
func (inv *Invoice) Clone() *Invoice {
	c := *inv
	c.IssuedAt = cloneTime(inv.IssuedAt)
	c.PaidAt = cloneTime(inv.PaidAt)
	c.VoidedAt = cloneTime(inv.VoidedAt)
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
