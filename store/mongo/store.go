// Package mongo implements store.Store on MongoDB through grove's mongo
// driver.
//
// Multi-document units run in a session transaction, so the deployment
// must be a replica set. Append order for events and ledger entries comes
// from a counters collection. MongoDB stores timestamps with millisecond
// precision.
package mongo

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/xraph/grove"
	"github.com/xraph/grove/drivers/mongodriver"

	tollgatestore "github.com/xraph/tollgate/store"
)

// Collection name constants.
const (
	colEvents        = "tollgate_events"
	colPostings      = "tollgate_postings"
	colEntries       = "tollgate_entries"
	colInvoices      = "tollgate_invoices"
	colPayments      = "tollgate_payments"
	colSubscriptions = "tollgate_subscriptions"
	colCases         = "tollgate_dunning_cases"
	colActions       = "tollgate_enforcement_actions"
	colDeadlines     = "tollgate_deadlines"
	colCounters      = "tollgate_counters"
)

// compile-time interface check
var _ tollgatestore.Store = (*Store)(nil)

// Store implements store.Store using MongoDB via Grove ORM.
type Store struct {
	db  *grove.DB
	mdb *mongodriver.MongoDB
}

// New creates a new MongoDB store backed by Grove ORM.
func New(db *grove.DB) *Store {
	return &Store{
		db:  db,
		mdb: mongodriver.Unwrap(db),
	}
}

// DB returns the underlying grove database for direct access.
func (s *Store) DB() *grove.DB { return s.db }

func (s *Store) col(name string) *mongo.Collection {
	return s.mdb.Collection(name)
}

// RunInTx runs fn in a session transaction. A context that already carries
// a session joins it.
func (s *Store) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if mongo.SessionFromContext(ctx) != nil {
		return fn(ctx)
	}

	sess, err := s.col(colEvents).Database().Client().StartSession()
	if err != nil {
		return fmt.Errorf("tollgate/mongo: start session: %w", err)
	}
	defer sess.EndSession(ctx)

	_, err = sess.WithTransaction(ctx, func(ctx context.Context) (any, error) {
		return nil, fn(ctx)
	})
	return err
}

// Migrate creates indexes for all Tollgate collections.
func (s *Store) Migrate(ctx context.Context) error {
	for col, models := range migrationIndexes() {
		if _, err := s.col(col).Indexes().CreateMany(ctx, models); err != nil {
			return fmt.Errorf("tollgate/mongo: migrate %s indexes: %w", col, err)
		}
	}
	return nil
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// nextSeq reserves n values of a named counter and returns the last one.
func (s *Store) nextSeq(ctx context.Context, name string, n int) (int64, error) {
	var out struct {
		Seq int64 `bson:"seq"`
	}
	err := s.col(colCounters).FindOneAndUpdate(ctx,
		bson.M{"_id": name},
		bson.M{"$inc": bson.M{"seq": int64(n)}},
		options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After),
	).Decode(&out)
	if err != nil {
		return 0, fmt.Errorf("tollgate/mongo: next %s seq: %w", name, err)
	}
	return out.Seq, nil
}

// isNoDocuments checks if an error wraps mongo.ErrNoDocuments.
func isNoDocuments(err error) bool {
	return errors.Is(err, mongo.ErrNoDocuments)
}

// page applies limit and offset to a find query.
func page[Q interface {
	Limit(int64) Q
	Skip(int64) Q
}](q Q, limit, offset int) Q {
	if limit > 0 {
		q = q.Limit(int64(limit))
	}
	if offset > 0 {
		q = q.Skip(int64(offset))
	}
	return q
}

// migrationIndexes returns the index definitions for all Tollgate collections.
func migrationIndexes() map[string][]mongo.IndexModel {
	return map[string][]mongo.IndexModel{
		colEvents: {
			{Keys: bson.D{{Key: "status", Value: 1}, {Key: "occurred_at", Value: 1}, {Key: "seq", Value: 1}}},
			{Keys: bson.D{{Key: "correlation_key", Value: 1}, {Key: "occurred_at", Value: 1}, {Key: "seq", Value: 1}}},
		},
		colPostings: {
			{
				Keys:    bson.D{{Key: "idempotency_key", Value: 1}},
				Options: options.Index().SetUnique(true),
			},
			{Keys: bson.D{{Key: "invoice_id", Value: 1}, {Key: "source", Value: 1}}},
		},
		colEntries: {
			{Keys: bson.D{{Key: "posting_id", Value: 1}, {Key: "seq", Value: 1}}},
			{Keys: bson.D{{Key: "invoice_id", Value: 1}, {Key: "book", Value: 1}, {Key: "is_active", Value: 1}}},
			{Keys: bson.D{{Key: "account_id", Value: 1}, {Key: "book", Value: 1}, {Key: "currency", Value: 1}}},
		},
		colInvoices: {
			{Keys: bson.D{{Key: "account_id", Value: 1}, {Key: "status", Value: 1}}},
			{Keys: bson.D{{Key: "status", Value: 1}, {Key: "due_at", Value: 1}}},
		},
		colPayments: {
			{Keys: bson.D{{Key: "invoice_id", Value: 1}}},
			{Keys: bson.D{{Key: "account_id", Value: 1}}},
		},
		colSubscriptions: {
			{Keys: bson.D{{Key: "account_id", Value: 1}, {Key: "status", Value: 1}}},
			{Keys: bson.D{{Key: "username", Value: 1}}},
		},
		colCases: {
			{
				Keys: bson.D{{Key: "invoice_id", Value: 1}},
				Options: options.Index().SetUnique(true).
					SetPartialFilterExpression(bson.M{"active": true}),
			},
			{Keys: bson.D{{Key: "account_id", Value: 1}, {Key: "status", Value: 1}}},
		},
		colActions: {
			{
				Keys:    bson.D{{Key: "idempotency_key", Value: 1}},
				Options: options.Index().SetUnique(true),
			},
			{Keys: bson.D{{Key: "subscription_id", Value: 1}, {Key: "status", Value: 1}}},
		},
		colDeadlines: {
			{
				Keys:    bson.D{{Key: "subject_type", Value: 1}, {Key: "subject_id", Value: 1}, {Key: "fires_at", Value: 1}},
				Options: options.Index().SetUnique(true).SetPartialFilterExpression(bson.M{"canceled": false}),
			},
			{Keys: bson.D{{Key: "fired", Value: 1}, {Key: "canceled", Value: 1}, {Key: "fires_at", Value: 1}}},
		},
	}
}
