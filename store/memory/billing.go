package memory

import (
	"context"
	"slices"
	"strings"

	"github.com/xraph/tollgate/id"
	"github.com/xraph/tollgate/invoice"
	"github.com/xraph/tollgate/payment"
	"github.com/xraph/tollgate/subscription"
)

// ==================== Invoice Store ====================

func (s *Store) CreateInvoice(ctx context.Context, inv *invoice.Invoice) error {
	defer s.write(ctx)()

	key := inv.ID.String()
	if _, exists := s.st.invoices[key]; exists {
		return invoice.ErrAlreadyExists
	}
	s.st.invoices[key] = inv.Clone()
	return nil
}

func (s *Store) GetInvoice(ctx context.Context, invID id.InvoiceID) (*invoice.Invoice, error) {
	defer s.read(ctx)()

	inv, ok := s.st.invoices[invID.String()]
	if !ok {
		return nil, invoice.ErrNotFound
	}
	return inv.Clone(), nil
}

// LockInvoice is GetInvoice: transactions already hold the store lock.
func (s *Store) LockInvoice(ctx context.Context, invID id.InvoiceID) (*invoice.Invoice, error) {
	return s.GetInvoice(ctx, invID)
}

func (s *Store) UpdateInvoice(ctx context.Context, inv *invoice.Invoice) error {
	defer s.write(ctx)()

	key := inv.ID.String()
	if _, exists := s.st.invoices[key]; !exists {
		return invoice.ErrNotFound
	}
	s.st.invoices[key] = inv.Clone()
	return nil
}

func (s *Store) ListInvoices(ctx context.Context, opts invoice.ListOpts) ([]*invoice.Invoice, error) {
	defer s.read(ctx)()

	var result []*invoice.Invoice
	for _, inv := range s.st.invoices {
		if !opts.AccountID.IsNil() && inv.AccountID != opts.AccountID {
			continue
		}
		if len(opts.Status) > 0 && !slices.Contains(opts.Status, inv.Status) {
			continue
		}
		if !opts.DueBefore.IsZero() && !inv.DueAt.Before(opts.DueBefore) {
			continue
		}
		result = append(result, inv)
	}
	slices.SortFunc(result, func(a, b *invoice.Invoice) int {
		if c := a.DueAt.Compare(b.DueAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID.String(), b.ID.String())
	})

	result = page(result, opts.Offset, opts.Limit)
	out := make([]*invoice.Invoice, len(result))
	for i, inv := range result {
		out[i] = inv.Clone()
	}
	return out, nil
}

// ==================== Payment Store ====================

func (s *Store) CreatePayment(ctx context.Context, p *payment.Payment) error {
	defer s.write(ctx)()

	key := p.ID.String()
	if _, exists := s.st.payments[key]; exists {
		return payment.ErrAlreadyExists
	}
	s.st.payments[key] = p.Clone()
	return nil
}

func (s *Store) GetPayment(ctx context.Context, paymentID id.PaymentID) (*payment.Payment, error) {
	defer s.read(ctx)()

	p, ok := s.st.payments[paymentID.String()]
	if !ok {
		return nil, payment.ErrNotFound
	}
	return p.Clone(), nil
}

func (s *Store) UpdatePayment(ctx context.Context, p *payment.Payment) error {
	defer s.write(ctx)()

	key := p.ID.String()
	if _, exists := s.st.payments[key]; !exists {
		return payment.ErrNotFound
	}
	s.st.payments[key] = p.Clone()
	return nil
}

func (s *Store) ListPayments(ctx context.Context, opts payment.ListOpts) ([]*payment.Payment, error) {
	defer s.read(ctx)()

	var result []*payment.Payment
	for _, p := range s.st.payments {
		if !opts.AccountID.IsNil() && p.AccountID != opts.AccountID {
			continue
		}
		if !opts.InvoiceID.IsNil() && p.InvoiceID != opts.InvoiceID {
			continue
		}
		result = append(result, p)
	}
	slices.SortFunc(result, func(a, b *payment.Payment) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID.String(), b.ID.String())
	})

	result = page(result, opts.Offset, opts.Limit)
	out := make([]*payment.Payment, len(result))
	for i, p := range result {
		out[i] = p.Clone()
	}
	return out, nil
}

// ==================== Subscription Store ====================

func (s *Store) UpsertSubscription(ctx context.Context, sub *subscription.Subscription) error {
	defer s.write(ctx)()

	key := sub.ID.String()
	cur, exists := s.st.subscriptions[key]
	if !exists {
		s.st.subscriptions[key] = sub.Clone()
		return nil
	}

	next := cur.Clone()
	next.AccountID = sub.AccountID
	next.SubscriberID = sub.SubscriberID
	next.Username = sub.Username
	next.Status = sub.Status
	next.RateProfile = sub.RateProfile
	next.UpdatedAt = sub.UpdatedAt
	s.st.subscriptions[key] = next
	return nil
}

func (s *Store) GetSubscription(ctx context.Context, subID id.SubscriptionID) (*subscription.Subscription, error) {
	defer s.read(ctx)()

	sub, ok := s.st.subscriptions[subID.String()]
	if !ok {
		return nil, subscription.ErrNotFound
	}
	return sub.Clone(), nil
}

func (s *Store) UpdateSubscription(ctx context.Context, sub *subscription.Subscription) error {
	defer s.write(ctx)()

	key := sub.ID.String()
	if _, exists := s.st.subscriptions[key]; !exists {
		return subscription.ErrNotFound
	}
	s.st.subscriptions[key] = sub.Clone()
	return nil
}

func (s *Store) ListSubscriptions(ctx context.Context, opts subscription.ListOpts) ([]*subscription.Subscription, error) {
	defer s.read(ctx)()

	var result []*subscription.Subscription
	for _, sub := range s.st.subscriptions {
		if !opts.AccountID.IsNil() && sub.AccountID != opts.AccountID {
			continue
		}
		if opts.Status != "" && sub.Status != opts.Status {
			continue
		}
		result = append(result, sub)
	}
	slices.SortFunc(result, func(a, b *subscription.Subscription) int {
		return strings.Compare(a.ID.String(), b.ID.String())
	})

	result = page(result, opts.Offset, opts.Limit)
	out := make([]*subscription.Subscription, len(result))
	for i, sub := range result {
		out[i] = sub.Clone()
	}
	return out, nil
}
