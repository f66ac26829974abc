package postgres

import (
	"context"
	"fmt"

	"github.com/xraph/tollgate/id"
	"github.com/xraph/tollgate/invoice"
	"github.com/xraph/tollgate/payment"
	"github.com/xraph/tollgate/subscription"
)

// ==================== Invoice Store ====================

func (s *Store) CreateInvoice(ctx context.Context, inv *invoice.Invoice) error {
	n, err := affected(s.q(ctx).NewInsert(toInvoiceModel(inv)).
		OnConflict("(id) DO NOTHING").
		Exec(ctx))
	if err != nil {
		return err
	}
	if n == 0 {
		return invoice.ErrAlreadyExists
	}
	return nil
}

func (s *Store) getInvoice(ctx context.Context, invID id.InvoiceID, forUpdate bool) (*invoice.Invoice, error) {
	m := new(invoiceModel)
	q := s.q(ctx).NewSelect(m).Where("id = $1", invID.String())
	if forUpdate {
		q = q.ForUpdate()
	}
	if err := q.Scan(ctx); err != nil {
		if isNoRows(err) {
			return nil, invoice.ErrNotFound
		}
		return nil, err
	}
	return fromInvoiceModel(m)
}

func (s *Store) GetInvoice(ctx context.Context, invID id.InvoiceID) (*invoice.Invoice, error) {
	return s.getInvoice(ctx, invID, false)
}

func (s *Store) LockInvoice(ctx context.Context, invID id.InvoiceID) (*invoice.Invoice, error) {
	return s.getInvoice(ctx, invID, true)
}

func (s *Store) UpdateInvoice(ctx context.Context, inv *invoice.Invoice) error {
	n, err := affected(s.q(ctx).NewUpdate(toInvoiceModel(inv)).WherePK().Exec(ctx))
	if err != nil {
		return err
	}
	if n == 0 {
		return invoice.ErrNotFound
	}
	return nil
}

func (s *Store) ListInvoices(ctx context.Context, opts invoice.ListOpts) ([]*invoice.Invoice, error) {
	var f filter
	if !opts.AccountID.IsNil() {
		f.add("account_id = $%d", opts.AccountID.String())
	}
	if len(opts.Status) > 0 {
		f.add("status = ANY($%d)", stringsOf(opts.Status))
	}
	if !opts.DueBefore.IsZero() {
		f.add("due_at < $%d", opts.DueBefore)
	}

	var models []invoiceModel
	q := f.apply(s.q(ctx).NewSelect(&models)).OrderExpr("due_at ASC, id ASC")
	if err := page(q, opts.Limit, opts.Offset).Scan(ctx); err != nil {
		return nil, fmt.Errorf("tollgate/postgres: list invoices: %w", err)
	}
	return fromModels(models, fromInvoiceModel)
}

// ==================== Payment Store ====================

func (s *Store) CreatePayment(ctx context.Context, p *payment.Payment) error {
	n, err := affected(s.q(ctx).NewInsert(toPaymentModel(p)).
		OnConflict("(id) DO NOTHING").
		Exec(ctx))
	if err != nil {
		return err
	}
	if n == 0 {
		return payment.ErrAlreadyExists
	}
	return nil
}

func (s *Store) GetPayment(ctx context.Context, paymentID id.PaymentID) (*payment.Payment, error) {
	m := new(paymentModel)
	err := s.q(ctx).NewSelect(m).
		Where("id = $1", paymentID.String()).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, payment.ErrNotFound
		}
		return nil, err
	}
	return fromPaymentModel(m)
}

func (s *Store) UpdatePayment(ctx context.Context, p *payment.Payment) error {
	n, err := affected(s.q(ctx).NewUpdate(toPaymentModel(p)).WherePK().Exec(ctx))
	if err != nil {
		return err
	}
	if n == 0 {
		return payment.ErrNotFound
	}
	return nil
}

func (s *Store) ListPayments(ctx context.Context, opts payment.ListOpts) ([]*payment.Payment, error) {
	var f filter
	if !opts.AccountID.IsNil() {
		f.add("account_id = $%d", opts.AccountID.String())
	}
	if !opts.InvoiceID.IsNil() {
		f.add("invoice_id = $%d", opts.InvoiceID.String())
	}

	var models []paymentModel
	q := f.apply(s.q(ctx).NewSelect(&models)).OrderExpr("created_at ASC, id ASC")
	if err := page(q, opts.Limit, opts.Offset).Scan(ctx); err != nil {
		return nil, fmt.Errorf("tollgate/postgres: list payments: %w", err)
	}
	return fromModels(models, fromPaymentModel)
}

// ==================== Subscription Store ====================

// UpsertSubscription leaves the enforcement flags of an existing row alone.
func (s *Store) UpsertSubscription(ctx context.Context, sub *subscription.Subscription) error {
	_, err := s.q(ctx).NewInsert(toSubscriptionModel(sub)).
		OnConflict("(id) DO UPDATE").
		Set("account_id = EXCLUDED.account_id").
		Set("subscriber_id = EXCLUDED.subscriber_id").
		Set("username = EXCLUDED.username").
		Set("status = EXCLUDED.status").
		Set("rate_profile = EXCLUDED.rate_profile").
		Set("updated_at = EXCLUDED.updated_at").
		Exec(ctx)
	return err
}

func (s *Store) GetSubscription(ctx context.Context, subID id.SubscriptionID) (*subscription.Subscription, error) {
	m := new(subscriptionModel)
	err := s.q(ctx).NewSelect(m).
		Where("id = $1", subID.String()).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, subscription.ErrNotFound
		}
		return nil, err
	}
	return fromSubscriptionModel(m)
}

func (s *Store) UpdateSubscription(ctx context.Context, sub *subscription.Subscription) error {
	n, err := affected(s.q(ctx).NewUpdate(toSubscriptionModel(sub)).WherePK().Exec(ctx))
	if err != nil {
		return err
	}
	if n == 0 {
		return subscription.ErrNotFound
	}
	return nil
}

func (s *Store) ListSubscriptions(ctx context.Context, opts subscription.ListOpts) ([]*subscription.Subscription, error) {
	var f filter
	if !opts.AccountID.IsNil() {
		f.add("account_id = $%d", opts.AccountID.String())
	}
	if opts.Status != "" {
		f.add("status = $%d", string(opts.Status))
	}

	var models []subscriptionModel
	q := f.apply(s.q(ctx).NewSelect(&models)).OrderExpr("id ASC")
	if err := page(q, opts.Limit, opts.Offset).Scan(ctx); err != nil {
		return nil, fmt.Errorf("tollgate/postgres: list subscriptions: %w", err)
	}
	return fromModels(models, fromSubscriptionModel)
}
