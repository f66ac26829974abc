package mongo

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/xraph/tollgate/id"
	"github.com/xraph/tollgate/invoice"
	"github.com/xraph/tollgate/payment"
	"github.com/xraph/tollgate/subscription"
)

// ==================== Invoice Store ====================

func (s *Store) CreateInvoice(ctx context.Context, inv *invoice.Invoice) error {
	if _, err := s.mdb.NewInsert(toInvoiceModel(inv)).Exec(ctx); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return invoice.ErrAlreadyExists
		}
		return fmt.Errorf("tollgate/mongo: create invoice: %w", err)
	}
	return nil
}

func (s *Store) GetInvoice(ctx context.Context, invID id.InvoiceID) (*invoice.Invoice, error) {
	var m invoiceModel
	err := s.mdb.NewFind(&m).
		Filter(bson.M{"_id": invID.String()}).
		Scan(ctx)
	if err != nil {
		if isNoDocuments(err) {
			return nil, invoice.ErrNotFound
		}
		return nil, fmt.Errorf("tollgate/mongo: get invoice: %w", err)
	}
	return fromInvoiceModel(&m)
}

// LockInvoice bumps a lock counter on the invoice so that a concurrent
// transaction touching it hits a write conflict and retries.
func (s *Store) LockInvoice(ctx context.Context, invID id.InvoiceID) (*invoice.Invoice, error) {
	if mongo.SessionFromContext(ctx) == nil {
		return s.GetInvoice(ctx, invID)
	}

	var m invoiceModel
	err := s.col(colInvoices).FindOneAndUpdate(ctx,
		bson.M{"_id": invID.String()},
		bson.M{"$inc": bson.M{"lock_seq": 1}},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&m)
	if err != nil {
		if isNoDocuments(err) {
			return nil, invoice.ErrNotFound
		}
		return nil, fmt.Errorf("tollgate/mongo: lock invoice: %w", err)
	}
	return fromInvoiceModel(&m)
}

func (s *Store) UpdateInvoice(ctx context.Context, inv *invoice.Invoice) error {
	m := toInvoiceModel(inv)
	res, err := s.mdb.NewUpdate(m).
		Filter(bson.M{"_id": m.ID}).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("tollgate/mongo: update invoice: %w", err)
	}
	if res.MatchedCount() == 0 {
		return invoice.ErrNotFound
	}
	return nil
}

func (s *Store) ListInvoices(ctx context.Context, opts invoice.ListOpts) ([]*invoice.Invoice, error) {
	filter := bson.M{}
	if !opts.AccountID.IsNil() {
		filter["account_id"] = opts.AccountID.String()
	}
	if len(opts.Status) > 0 {
		filter["status"] = bson.M{"$in": stringsOf(opts.Status)}
	}
	if !opts.DueBefore.IsZero() {
		filter["due_at"] = bson.M{"$lt": opts.DueBefore}
	}

	var models []invoiceModel
	q := s.mdb.NewFind(&models).
		Filter(filter).
		Sort(bson.D{{Key: "due_at", Value: 1}, {Key: "_id", Value: 1}})
	if err := page(q, opts.Limit, opts.Offset).Scan(ctx); err != nil {
		return nil, fmt.Errorf("tollgate/mongo: list invoices: %w", err)
	}
	return fromModels(models, fromInvoiceModel)
}

// ==================== Payment Store ====================

func (s *Store) CreatePayment(ctx context.Context, p *payment.Payment) error {
	if _, err := s.mdb.NewInsert(toPaymentModel(p)).Exec(ctx); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return payment.ErrAlreadyExists
		}
		return fmt.Errorf("tollgate/mongo: create payment: %w", err)
	}
	return nil
}

func (s *Store) GetPayment(ctx context.Context, paymentID id.PaymentID) (*payment.Payment, error) {
	var m paymentModel
	err := s.mdb.NewFind(&m).
		Filter(bson.M{"_id": paymentID.String()}).
		Scan(ctx)
	if err != nil {
		if isNoDocuments(err) {
			return nil, payment.ErrNotFound
		}
		return nil, fmt.Errorf("tollgate/mongo: get payment: %w", err)
	}
	return fromPaymentModel(&m)
}

func (s *Store) UpdatePayment(ctx context.Context, p *payment.Payment) error {
	m := toPaymentModel(p)
	res, err := s.mdb.NewUpdate(m).
		Filter(bson.M{"_id": m.ID}).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("tollgate/mongo: update payment: %w", err)
	}
	if res.MatchedCount() == 0 {
		return payment.ErrNotFound
	}
	return nil
}

func (s *Store) ListPayments(ctx context.Context, opts payment.ListOpts) ([]*payment.Payment, error) {
	filter := bson.M{}
	if !opts.AccountID.IsNil() {
		filter["account_id"] = opts.AccountID.String()
	}
	if !opts.InvoiceID.IsNil() {
		filter["invoice_id"] = opts.InvoiceID.String()
	}

	var models []paymentModel
	q := s.mdb.NewFind(&models).
		Filter(filter).
		Sort(bson.D{{Key: "created_at", Value: 1}, {Key: "_id", Value: 1}})
	if err := page(q, opts.Limit, opts.Offset).Scan(ctx); err != nil {
		return nil, fmt.Errorf("tollgate/mongo: list payments: %w", err)
	}
	return fromModels(models, fromPaymentModel)
}

// ==================== Subscription Store ====================

func (s *Store) UpsertSubscription(ctx context.Context, sub *subscription.Subscription) error {
	m := toSubscriptionModel(sub)
	_, err := s.col(colSubscriptions).UpdateOne(ctx,
		bson.M{"_id": m.ID},
		bson.M{
			"$set": bson.M{
				"account_id":    m.AccountID,
				"subscriber_id": m.SubscriberID,
				"username":      m.Username,
				"status":        m.Status,
				"rate_profile":  m.RateProfile,
				"updated_at":    m.UpdatedAt,
			},
			"$setOnInsert": bson.M{
				"authorizable": m.Authorizable,
				"throttled":    m.Throttled,
				"block_reason": m.BlockReason,
				"created_at":   m.CreatedAt,
			},
		},
		options.UpdateOne().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("tollgate/mongo: upsert subscription: %w", err)
	}
	return nil
}

func (s *Store) GetSubscription(ctx context.Context, subID id.SubscriptionID) (*subscription.Subscription, error) {
	var m subscriptionModel
	err := s.mdb.NewFind(&m).
		Filter(bson.M{"_id": subID.String()}).
		Scan(ctx)
	if err != nil {
		if isNoDocuments(err) {
			return nil, subscription.ErrNotFound
		}
		return nil, fmt.Errorf("tollgate/mongo: get subscription: %w", err)
	}
	return fromSubscriptionModel(&m)
}

func (s *Store) UpdateSubscription(ctx context.Context, sub *subscription.Subscription) error {
	m := toSubscriptionModel(sub)
	res, err := s.mdb.NewUpdate(m).
		Filter(bson.M{"_id": m.ID}).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("tollgate/mongo: update subscription: %w", err)
	}
	if res.MatchedCount() == 0 {
		return subscription.ErrNotFound
	}
	return nil
}

func (s *Store) ListSubscriptions(ctx context.Context, opts subscription.ListOpts) ([]*subscription.Subscription, error) {
	filter := bson.M{}
	if !opts.AccountID.IsNil() {
		filter["account_id"] = opts.AccountID.String()
	}
	if opts.Status != "" {
		filter["status"] = string(opts.Status)
	}

	var models []subscriptionModel
	q := s.mdb.NewFind(&models).
		Filter(filter).
		Sort(bson.D{{Key: "_id", Value: 1}})
	if err := page(q, opts.Limit, opts.Offset).Scan(ctx); err != nil {
		return nil, fmt.Errorf("tollgate/mongo: list subscriptions: %w", err)
	}
	return fromModels(models, fromSubscriptionModel)
}
