package ledger

import (
	"context"

	"github.com/xraph/tollgate/event"
	"github.com/xraph/tollgate/id"
	"github.com/xraph/tollgate/invoice"
	"github.com/xraph/tollgate/payment"
)

// EntryStore persists postings and their entries.
type EntryStore interface {
	// CreatePosting writes p and all of its entries. It returns
	// ErrDuplicatePosting when p.IdempotencyKey is taken.
	CreatePosting(ctx context.Context, p *Posting) error

	// GetPostingByKey returns ErrPostingNotFound when no posting has key.
	GetPostingByKey(ctx context.Context, key string) (*Posting, error)

	ListPostings(ctx context.Context, f PostingFilter) ([]*Posting, error)
	ListEntries(ctx context.Context, f EntryFilter) ([]*Entry, error)

	// DeactivateEntries clears IsActive on the active entries of a posting
	// and returns the entries it changed.
	DeactivateEntries(ctx context.Context, postingID id.PostingID) ([]*Entry, error)

	SumEntries(ctx context.Context, f EntryFilter) (Totals, error)
}

// EntryFilter selects entries. Zero values match everything.
type EntryFilter struct {
	AccountID  id.AccountID
	InvoiceID  id.InvoiceID
	PaymentID  id.PaymentID
	PostingID  id.PostingID
	Book       Book
	Currency   string
	ActiveOnly bool
	Limit      int
}

// PostingFilter selects postings. Zero values match everything.
type PostingFilter struct {
	AccountID id.AccountID
	InvoiceID id.InvoiceID
	PaymentID id.PaymentID
	Source    []Source
	Limit     int
	Offset    int
}

// Store is everything the ledger engine reads and writes. All writes of
// one operation run inside one RunInTx call.
type Store interface {
	EntryStore
	invoice.Store
	payment.Store
	event.Appender
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
}
