// Package payment models payments reported by the payment provider.
package payment

import (
	"time"

	"github.com/xraph/tollgate/id"
	"github.com/xraph/tollgate/types"
)

// Status is the lifecycle status of a payment.
type Status string

const (
	StatusPending           Status = "pending"
	StatusSucceeded         Status = "succeeded"
	StatusFailed            Status = "failed"
	StatusRefunded          Status = "refunded"
	StatusPartiallyRefunded Status = "partially_refunded"
)

// Payment is money received (or attempted) from an account.
//
// A succeeded payment is split into Allocated (credited to its invoice's
// receivable) and Credited (held as customer credit). Both hold the
// unrefunded remainder: refunds draw down Credited first, then Allocated.
type Payment struct {
	types.Entity
	ID                id.PaymentID `json:"id"`
	AccountID         id.AccountID `json:"account_id"`
	InvoiceID         id.InvoiceID `json:"invoice_id,omitempty"`
	Amount            types.Money  `json:"amount"`
	Status            Status       `json:"status"`
	ProviderReference string       `json:"provider_reference,omitempty"`
	Allocated         int64        `json:"allocated"`
	Credited          int64        `json:"credited"`
	Refunded          int64        `json:"refunded"`
	FailureReason     string       `json:"failure_reason,omitempty"`
	ProcessedAt       *time.Time   `json:"processed_at,omitempty"`
}

// Refundable returns the amount that can still be refunded.
func (p *Payment) Refundable() int64 {
	if p.Status != StatusSucceeded && p.Status != StatusPartiallyRefunded {
		return 0
	}
	return p.Amount.Amount - p.Refunded
}

// SplitRefund divides a refund of amount between customer credit and the
// invoice receivable, drawing on customer credit first.
func (p *Payment) SplitRefund(amount int64) (fromCredit, fromReceivable int64) {
	fromCredit = min(amount, max(p.Credited, 0))
	return fromCredit, amount - fromCredit
}

// ApplyRefund records a refund split as returned by SplitRefund.
func (p *Payment) ApplyRefund(fromCredit, fromReceivable int64) {
	p.Credited -= fromCredit
	p.Allocated -= fromReceivable
	p.Refunded += fromCredit + fromReceivable
	if p.Refunded >= p.Amount.Amount {
		p.Status = StatusRefunded
	} else {
		p.Status = StatusPartiallyRefunded
	}
}

// Clone returns a copy that shares no pointers with p.
func (p *Payment) Clone() *Payment {
	c := *p
	if p.ProcessedAt != nil {
		t := *p.ProcessedAt
		c.ProcessedAt = &t
	}
	return &c
}
