package mongo

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"

	"github.com/xraph/tollgate/id"
	"github.com/xraph/tollgate/ledger"
)

// ==================== Ledger Store ====================

var seqOrder = bson.D{{Key: "seq", Value: 1}}

// CreatePosting checks the idempotency key before writing, since a failed
// write aborts an enclosing transaction. The unique index still catches a
// concurrent writer.
func (s *Store) CreatePosting(ctx context.Context, p *ledger.Posting) error {
	return s.RunInTx(ctx, func(ctx context.Context) error {
		n, err := s.col(colPostings).CountDocuments(ctx, bson.M{"idempotency_key": p.IdempotencyKey})
		if err != nil {
			return fmt.Errorf("tollgate/mongo: check posting key: %w", err)
		}
		if n > 0 {
			return ledger.ErrDuplicatePosting
		}

		seq, err := s.nextSeq(ctx, colPostings, 1)
		if err != nil {
			return err
		}
		if _, err := s.mdb.NewInsert(toPostingModel(p, seq)).Exec(ctx); err != nil {
			if mongo.IsDuplicateKeyError(err) {
				return ledger.ErrDuplicatePosting
			}
			return fmt.Errorf("tollgate/mongo: insert posting: %w", err)
		}

		if len(p.Entries) == 0 {
			return nil
		}
		last, err := s.nextSeq(ctx, colEntries, len(p.Entries))
		if err != nil {
			return err
		}
		first := last - int64(len(p.Entries)) + 1
		for i, e := range p.Entries {
			m := toEntryModel(e, p.ID.String(), first+int64(i))
			if _, err := s.mdb.NewInsert(m).Exec(ctx); err != nil {
				return fmt.Errorf("tollgate/mongo: insert entry %s: %w", e.ID, err)
			}
		}
		return nil
	})
}

func (s *Store) entriesOf(ctx context.Context, postingID string) ([]*ledger.Entry, error) {
	var models []entryModel
	err := s.mdb.NewFind(&models).
		Filter(bson.M{"posting_id": postingID}).
		Sort(seqOrder).
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("tollgate/mongo: list posting entries: %w", err)
	}
	return fromModels(models, fromEntryModel)
}

func (s *Store) GetPostingByKey(ctx context.Context, key string) (*ledger.Posting, error) {
	var m postingModel
	err := s.mdb.NewFind(&m).
		Filter(bson.M{"idempotency_key": key}).
		Scan(ctx)
	if err != nil {
		if isNoDocuments(err) {
			return nil, ledger.ErrPostingNotFound
		}
		return nil, fmt.Errorf("tollgate/mongo: get posting: %w", err)
	}
	p, err := fromPostingModel(&m)
	if err != nil {
		return nil, err
	}
	if p.Entries, err = s.entriesOf(ctx, m.ID); err != nil {
		return nil, err
	}
	return p, nil
}

func (s *Store) ListPostings(ctx context.Context, pf ledger.PostingFilter) ([]*ledger.Posting, error) {
	filter := bson.M{}
	if !pf.AccountID.IsNil() {
		filter["account_id"] = pf.AccountID.String()
	}
	if !pf.InvoiceID.IsNil() {
		filter["invoice_id"] = pf.InvoiceID.String()
	}
	if !pf.PaymentID.IsNil() {
		filter["payment_id"] = pf.PaymentID.String()
	}
	if len(pf.Source) > 0 {
		filter["source"] = bson.M{"$in": stringsOf(pf.Source)}
	}

	var models []postingModel
	q := s.mdb.NewFind(&models).
		Filter(filter).
		Sort(seqOrder)
	if err := page(q, pf.Limit, pf.Offset).Scan(ctx); err != nil {
		return nil, fmt.Errorf("tollgate/mongo: list postings: %w", err)
	}
	postings, err := fromModels(models, fromPostingModel)
	if err != nil {
		return nil, err
	}
	for _, p := range postings {
		if p.Entries, err = s.entriesOf(ctx, p.ID.String()); err != nil {
			return nil, err
		}
	}
	return postings, nil
}

func entryFilter(ef ledger.EntryFilter) bson.M {
	filter := bson.M{}
	if !ef.AccountID.IsNil() {
		filter["account_id"] = ef.AccountID.String()
	}
	if !ef.InvoiceID.IsNil() {
		filter["invoice_id"] = ef.InvoiceID.String()
	}
	if !ef.PaymentID.IsNil() {
		filter["payment_id"] = ef.PaymentID.String()
	}
	if !ef.PostingID.IsNil() {
		filter["posting_id"] = ef.PostingID.String()
	}
	if ef.Book != "" {
		filter["book"] = string(ef.Book)
	}
	if ef.Currency != "" {
		filter["currency"] = ef.Currency
	}
	if ef.ActiveOnly {
		filter["is_active"] = true
	}
	return filter
}

func (s *Store) ListEntries(ctx context.Context, ef ledger.EntryFilter) ([]*ledger.Entry, error) {
	var models []entryModel
	q := s.mdb.NewFind(&models).
		Filter(entryFilter(ef)).
		Sort(seqOrder)
	if err := page(q, ef.Limit, 0).Scan(ctx); err != nil {
		return nil, fmt.Errorf("tollgate/mongo: list entries: %w", err)
	}
	return fromModels(models, fromEntryModel)
}

func (s *Store) DeactivateEntries(ctx context.Context, postingID id.PostingID) ([]*ledger.Entry, error) {
	var changed []*ledger.Entry
	err := s.RunInTx(ctx, func(ctx context.Context) error {
		var models []entryModel
		err := s.mdb.NewFind(&models).
			Filter(bson.M{"posting_id": postingID.String(), "is_active": true}).
			Sort(seqOrder).
			Scan(ctx)
		if err != nil {
			return fmt.Errorf("tollgate/mongo: find active entries: %w", err)
		}
		if len(models) == 0 {
			changed = nil
			return nil
		}

		ids := make([]string, len(models))
		for i := range models {
			ids[i] = models[i].ID
			models[i].IsActive = false
		}
		_, err = s.col(colEntries).UpdateMany(ctx,
			bson.M{"_id": bson.M{"$in": ids}, "is_active": true},
			bson.M{"$set": bson.M{"is_active": false}})
		if err != nil {
			return fmt.Errorf("tollgate/mongo: deactivate entries: %w", err)
		}
		changed, err = fromModels(models, fromEntryModel)
		return err
	})
	if err != nil {
		return nil, err
	}
	return changed, nil
}

func (s *Store) SumEntries(ctx context.Context, ef ledger.EntryFilter) (ledger.Totals, error) {
	sumOf := func(typ ledger.EntryType) bson.M {
		return bson.M{"$sum": bson.M{"$cond": bson.A{
			bson.M{"$eq": bson.A{"$type", string(typ)}}, "$amount", 0,
		}}}
	}
	cur, err := s.col(colEntries).Aggregate(ctx, mongo.Pipeline{
		{{Key: "$match", Value: entryFilter(ef)}},
		{{Key: "$group", Value: bson.M{
			"_id":     nil,
			"debits":  sumOf(ledger.Debit),
			"credits": sumOf(ledger.Credit),
		}}},
	})
	if err != nil {
		return ledger.Totals{}, fmt.Errorf("tollgate/mongo: sum entries: %w", err)
	}
	var rows []struct {
		Debits  int64 `bson:"debits"`
		Credits int64 `bson:"credits"`
	}
	if err := cur.All(ctx, &rows); err != nil {
		return ledger.Totals{}, fmt.Errorf("tollgate/mongo: sum entries: %w", err)
	}
	if len(rows) == 0 {
		return ledger.Totals{}, nil
	}
	return ledger.Totals{Debits: rows[0].Debits, Credits: rows[0].Credits}, nil
}
