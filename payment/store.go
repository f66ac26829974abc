package payment

import (
	"context"
	"errors"

	"github.com/xraph/tollgate/id"
)

var (
	ErrNotFound      = errors.New("payment: not found")
	ErrAlreadyExists = errors.New("payment: already exists")
)

// Store persists payments.
type Store interface {
	CreatePayment(ctx context.Context, p *Payment) error
	GetPayment(ctx context.Context, paymentID id.PaymentID) (*Payment, error)
	UpdatePayment(ctx context.Context, p *Payment) error
	ListPayments(ctx context.Context, opts ListOpts) ([]*Payment, error)
}

// ListOpts filters payment listings.
type ListOpts struct {
	AccountID id.AccountID
	InvoiceID id.InvoiceID
	Limit     int
	Offset    int
}
