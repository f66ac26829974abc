// Package ledger is the double-entry ledger that owns invoice balances and
// statuses.
//
// Every financial operation is one Posting: a balanced group of entries
// written atomically together with the invoice cache it affects and the
// events it produces. Postings are keyed by an idempotency key, so replaying
// the same operation returns the original posting instead of writing twice.
package ledger

import (
	"time"

	"github.com/xraph/tollgate/id"
)

// Book is the ledger account an entry is booked against.
type Book string

const (
	BookReceivable     Book = "receivable" // what accounts owe on invoices
	BookRevenue        Book = "revenue"
	BookTax            Book = "tax"
	BookCash           Book = "cash"
	BookCustomerCredit Book = "customer_credit" // overpayments and unallocated payments
	BookAdjustment     Book = "adjustment"      // credit notes
)

func (b Book) IsValid() bool {
	switch b {
	case BookReceivable, BookRevenue, BookTax, BookCash, BookCustomerCredit, BookAdjustment:
		return true
	}
	return false
}

// EntryType is the side of an entry.
type EntryType string

const (
	Debit  EntryType = "debit"
	Credit EntryType = "credit"
)

func (t EntryType) IsValid() bool { return t == Debit || t == Credit }

// Source is the business operation that produced an entry.
type Source string

const (
	SourceInvoice    Source = "invoice"
	SourcePayment    Source = "payment"
	SourceAdjustment Source = "adjustment"
	SourceRefund     Source = "refund"
	SourceCreditNote Source = "credit_note"
)

// Entry is one side of a posting. Entries are never changed after they are
// written except for IsActive, which a reversal clears.
type Entry struct {
	ID         id.EntryID   `json:"id"`
	PostingID  id.PostingID `json:"posting_id"`
	AccountID  id.AccountID `json:"account_id"`
	InvoiceID  id.InvoiceID `json:"invoice_id,omitempty"`
	PaymentID  id.PaymentID `json:"payment_id,omitempty"`
	Book       Book         `json:"book"`
	Type       EntryType    `json:"type"`
	Source     Source       `json:"source"`
	Amount     int64        `json:"amount"`
	Currency   string       `json:"currency"`
	IsActive   bool         `json:"is_active"`
	ReversalOf id.EntryID   `json:"reversal_of,omitempty"`
	CreatedAt  time.Time    `json:"created_at"`
}

// Signed returns the entry's amount as seen from the debit side.
func (e *Entry) Signed() int64 {
	if e.Type == Credit {
		return -e.Amount
	}
	return e.Amount
}

// Posting is an atomic, balanced group of entries.
type Posting struct {
	ID             id.PostingID `json:"id"`
	IdempotencyKey string       `json:"idempotency_key"`
	AccountID      id.AccountID `json:"account_id"`
	InvoiceID      id.InvoiceID `json:"invoice_id,omitempty"`
	PaymentID      id.PaymentID `json:"payment_id,omitempty"`
	Source         Source       `json:"source"`
	Currency       string       `json:"currency"`
	Memo           string       `json:"memo,omitempty"`
	Entries        []*Entry     `json:"entries"`
	CreatedAt      time.Time    `json:"created_at"`
}

// Clone returns a deep copy.
func (p *Posting) Clone() *Posting {
	c := *p
	c.Entries = make([]*Entry, len(p.Entries))
	for i, e := range p.Entries {
		ec := *e
		c.Entries[i] = &ec
	}
	return &c
}

// Totals sums entry amounts by side.
type Totals struct {
	Debits  int64 `json:"debits"`
	Credits int64 `json:"credits"`
}

// Net is debits minus credits.
func (t Totals) Net() int64 { return t.Debits - t.Credits }

// Add accumulates one entry.
func (t *Totals) Add(e *Entry) {
	if e.Type == Debit {
		t.Debits += e.Amount
	} else {
		t.Credits += e.Amount
	}
}
