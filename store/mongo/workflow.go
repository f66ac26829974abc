package mongo

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"

	"github.com/xraph/tollgate/dunning"
	"github.com/xraph/tollgate/enforcement"
	"github.com/xraph/tollgate/id"
	"github.com/xraph/tollgate/timer"
)

// Creates below check their unique key with a read first: a failed insert
// aborts an enclosing transaction, while the read leaves it usable. The
// unique indexes still settle races between concurrent writers.

// ==================== Dunning Store ====================

func (s *Store) exists(ctx context.Context, col string, filter bson.M) (bool, error) {
	n, err := s.col(col).CountDocuments(ctx, filter)
	if err != nil {
		return false, fmt.Errorf("tollgate/mongo: count %s: %w", col, err)
	}
	return n > 0, nil
}

func (s *Store) CreateCase(ctx context.Context, c *dunning.Case) error {
	m := toCaseModel(c)
	if m.Active {
		taken, err := s.exists(ctx, colCases, bson.M{"invoice_id": m.InvoiceID, "active": true})
		if err != nil {
			return err
		}
		if taken {
			return dunning.ErrCaseExists
		}
	}
	if _, err := s.mdb.NewInsert(m).Exec(ctx); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return dunning.ErrCaseExists
		}
		return fmt.Errorf("tollgate/mongo: create case: %w", err)
	}
	return nil
}

func (s *Store) findCase(ctx context.Context, filter bson.M) (*dunning.Case, error) {
	var m caseModel
	if err := s.mdb.NewFind(&m).Filter(filter).Scan(ctx); err != nil {
		if isNoDocuments(err) {
			return nil, dunning.ErrNotFound
		}
		return nil, fmt.Errorf("tollgate/mongo: get case: %w", err)
	}
	return fromCaseModel(&m)
}

func (s *Store) GetCase(ctx context.Context, caseID id.DunningCaseID) (*dunning.Case, error) {
	return s.findCase(ctx, bson.M{"_id": caseID.String()})
}

func (s *Store) GetActiveCaseForInvoice(ctx context.Context, invID id.InvoiceID) (*dunning.Case, error) {
	return s.findCase(ctx, bson.M{"invoice_id": invID.String(), "active": true})
}

// caseChanged tells a lost compare-and-set apart from a missing case.
func (s *Store) caseChanged(ctx context.Context, caseID id.DunningCaseID) error {
	if _, err := s.GetCase(ctx, caseID); err != nil {
		return err
	}
	return dunning.ErrStaleCase
}

func (s *Store) AdvanceCase(ctx context.Context, caseID id.DunningCaseID, from, to int, enforced bool, now time.Time) error {
	set := bson.M{"current_step_index": to, "updated_at": now}
	if enforced {
		set["enforced"] = true
	}
	res, err := s.col(colCases).UpdateOne(ctx,
		bson.M{"_id": caseID.String(), "status": string(dunning.StatusOpen), "current_step_index": from},
		bson.M{"$set": set})
	if err != nil {
		return fmt.Errorf("tollgate/mongo: advance case: %w", err)
	}
	if res.MatchedCount == 0 {
		return s.caseChanged(ctx, caseID)
	}
	return nil
}

func (s *Store) UpdateCaseStatus(ctx context.Context, caseID id.DunningCaseID, from, to dunning.Status, reason string, now time.Time) error {
	set := bson.M{"status": string(to), "active": !to.IsClosed(), "updated_at": now}
	if to.IsClosed() {
		set["closed_at"] = now
		set["close_reason"] = reason
	}
	res, err := s.col(colCases).UpdateOne(ctx,
		bson.M{"_id": caseID.String(), "status": string(from)},
		bson.M{"$set": set})
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return dunning.ErrCaseExists
		}
		return fmt.Errorf("tollgate/mongo: update case status: %w", err)
	}
	if res.MatchedCount == 0 {
		return s.caseChanged(ctx, caseID)
	}
	return nil
}

func (s *Store) ListCases(ctx context.Context, opts dunning.ListOpts) ([]*dunning.Case, error) {
	filter := bson.M{}
	if !opts.AccountID.IsNil() {
		filter["account_id"] = opts.AccountID.String()
	}
	if !opts.InvoiceID.IsNil() {
		filter["invoice_id"] = opts.InvoiceID.String()
	}
	if len(opts.Status) > 0 {
		filter["status"] = bson.M{"$in": stringsOf(opts.Status)}
	}
	if opts.EnforcedOnly {
		filter["enforced"] = true
	}

	var models []caseModel
	q := s.mdb.NewFind(&models).
		Filter(filter).
		Sort(bson.D{{Key: "opened_at", Value: 1}, {Key: "_id", Value: 1}})
	if err := page(q, opts.Limit, opts.Offset).Scan(ctx); err != nil {
		return nil, fmt.Errorf("tollgate/mongo: list cases: %w", err)
	}
	return fromModels(models, fromCaseModel)
}

// ==================== Enforcement Store ====================

func (s *Store) CreateAction(ctx context.Context, a *enforcement.Action) error {
	taken, err := s.exists(ctx, colActions, bson.M{"idempotency_key": a.IdempotencyKey})
	if err != nil {
		return err
	}
	if taken {
		return enforcement.ErrActionExists
	}
	if _, err := s.mdb.NewInsert(toActionModel(a)).Exec(ctx); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return enforcement.ErrActionExists
		}
		return fmt.Errorf("tollgate/mongo: create action: %w", err)
	}
	return nil
}

func (s *Store) GetActionByKey(ctx context.Context, key string) (*enforcement.Action, error) {
	var m actionModel
	err := s.mdb.NewFind(&m).
		Filter(bson.M{"idempotency_key": key}).
		Scan(ctx)
	if err != nil {
		if isNoDocuments(err) {
			return nil, enforcement.ErrNotFound
		}
		return nil, fmt.Errorf("tollgate/mongo: get action: %w", err)
	}
	return fromActionModel(&m)
}

func (s *Store) UpdateAction(ctx context.Context, a *enforcement.Action) error {
	m := toActionModel(a)
	res, err := s.mdb.NewUpdate(m).
		Filter(bson.M{"_id": m.ID, "idempotency_key": m.IdempotencyKey}).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("tollgate/mongo: update action: %w", err)
	}
	if res.MatchedCount() == 0 {
		return enforcement.ErrNotFound
	}
	return nil
}

func (s *Store) ListActions(ctx context.Context, opts enforcement.ListOpts) ([]*enforcement.Action, error) {
	filter := bson.M{}
	if !opts.SubscriptionID.IsNil() {
		filter["subscription_id"] = opts.SubscriptionID.String()
	}
	if !opts.AccountID.IsNil() {
		filter["account_id"] = opts.AccountID.String()
	}
	if len(opts.Status) > 0 {
		filter["status"] = bson.M{"$in": stringsOf(opts.Status)}
	}

	var models []actionModel
	q := s.mdb.NewFind(&models).
		Filter(filter).
		Sort(bson.D{{Key: "requested_at", Value: 1}, {Key: "_id", Value: 1}})
	if err := page(q, opts.Limit, opts.Offset).Scan(ctx); err != nil {
		return nil, fmt.Errorf("tollgate/mongo: list actions: %w", err)
	}
	return fromModels(models, fromActionModel)
}

// ==================== Timer Store ====================

var deadlineOrder = bson.D{{Key: "fires_at", Value: 1}, {Key: "_id", Value: 1}}

func (s *Store) CreateDeadline(ctx context.Context, d *timer.Deadline) (bool, error) {
	m := toDeadlineModel(d)
	if !m.Canceled {
		taken, err := s.exists(ctx, colDeadlines, bson.M{
			"subject_type": m.SubjectType,
			"subject_id":   m.SubjectID,
			"fires_at":     m.FiresAt,
			"canceled":     false,
		})
		if err != nil {
			return false, err
		}
		if taken {
			return false, nil
		}
	}
	if _, err := s.mdb.NewInsert(m).Exec(ctx); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return false, nil
		}
		return false, fmt.Errorf("tollgate/mongo: create deadline: %w", err)
	}
	return true, nil
}

func (s *Store) ListDueDeadlines(ctx context.Context, now time.Time, limit int) ([]*timer.Deadline, error) {
	var models []deadlineModel
	q := s.mdb.NewFind(&models).
		Filter(bson.M{"fired": false, "canceled": false, "fires_at": bson.M{"$lte": now}}).
		Sort(deadlineOrder)
	if err := page(q, limit, 0).Scan(ctx); err != nil {
		return nil, fmt.Errorf("tollgate/mongo: list due deadlines: %w", err)
	}
	return fromModels(models, fromDeadlineModel)
}

func (s *Store) ClaimDeadline(ctx context.Context, deadlineID id.DeadlineID, firedAt time.Time) (bool, error) {
	res, err := s.col(colDeadlines).UpdateOne(ctx,
		bson.M{"_id": deadlineID.String(), "fired": false, "canceled": false},
		bson.M{"$set": bson.M{"fired": true, "fired_at": firedAt}})
	if err != nil {
		return false, fmt.Errorf("tollgate/mongo: claim deadline: %w", err)
	}
	return res.ModifiedCount == 1, nil
}

func (s *Store) CancelDeadlines(ctx context.Context, subjectType, subjectID string) (int, error) {
	res, err := s.col(colDeadlines).UpdateMany(ctx,
		bson.M{"subject_type": subjectType, "subject_id": subjectID, "fired": false, "canceled": false},
		bson.M{"$set": bson.M{"canceled": true}})
	if err != nil {
		return 0, fmt.Errorf("tollgate/mongo: cancel deadlines: %w", err)
	}
	return int(res.ModifiedCount), nil
}

func (s *Store) ListDeadlines(ctx context.Context, opts timer.ListOpts) ([]*timer.Deadline, error) {
	filter := bson.M{}
	if opts.SubjectType != "" {
		filter["subject_type"] = opts.SubjectType
	}
	if opts.SubjectID != "" {
		filter["subject_id"] = opts.SubjectID
	}
	if opts.Pending {
		filter["fired"] = false
		filter["canceled"] = false
	}

	var models []deadlineModel
	q := s.mdb.NewFind(&models).
		Filter(filter).
		Sort(deadlineOrder)
	if err := page(q, opts.Limit, 0).Scan(ctx); err != nil {
		return nil, fmt.Errorf("tollgate/mongo: list deadlines: %w", err)
	}
	return fromModels(models, fromDeadlineModel)
}
