package invoice

import (
	"context"
	"errors"
	"time"

	"github.com/xraph/tollgate/id"
)

var (
	ErrNotFound      = errors.New("invoice: not found")
	ErrAlreadyExists = errors.New("invoice: already exists")
)

// Store persists invoices.
type Store interface {
	CreateInvoice(ctx context.Context, inv *Invoice) error
	GetInvoice(ctx context.Context, invID id.InvoiceID) (*Invoice, error)

	// LockInvoice reads an invoice and holds a write lock on it until the
	// enclosing transaction ends. Outside a transaction it behaves like
	// GetInvoice.
	LockInvoice(ctx context.Context, invID id.InvoiceID) (*Invoice, error)

	UpdateInvoice(ctx context.Context, inv *Invoice) error
	ListInvoices(ctx context.Context, opts ListOpts) ([]*Invoice, error)
}

// ListOpts filters invoice listings. Zero values match everything.
type ListOpts struct {
	AccountID id.AccountID
	Status    []Status
	DueBefore time.Time
	Limit     int
	Offset    int
}
