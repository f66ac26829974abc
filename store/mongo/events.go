package mongo

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/xraph/grove/drivers/mongodriver"

	"github.com/xraph/tollgate/event"
	"github.com/xraph/tollgate/id"
)

// ==================== Event Store ====================

var eventOrder = bson.D{{Key: "occurred_at", Value: 1}, {Key: "seq", Value: 1}}

func (s *Store) AppendEvent(ctx context.Context, e *event.Event) error {
	seq, err := s.nextSeq(ctx, colEvents, 1)
	if err != nil {
		return err
	}
	m := toEventModel(e)
	m.Seq = seq
	if _, err := s.mdb.NewInsert(m).Exec(ctx); err != nil {
		return fmt.Errorf("tollgate/mongo: append event: %w", err)
	}
	e.Seq = seq
	return nil
}

func (s *Store) GetEvent(ctx context.Context, eventID id.EventID) (*event.Event, error) {
	var m eventModel
	err := s.mdb.NewFind(&m).
		Filter(bson.M{"_id": eventID.String()}).
		Scan(ctx)
	if err != nil {
		if isNoDocuments(err) {
			return nil, event.ErrNotFound
		}
		return nil, fmt.Errorf("tollgate/mongo: get event: %w", err)
	}
	return fromEventModel(&m)
}

var blockingStatuses = []string{
	string(event.StatusPending), string(event.StatusProcessing), string(event.StatusFailed),
}

// claimable selects the deliverable events at opts.Now in claim order.
// An event is held back while an earlier blocking event shares its
// correlation key.
func (s *Store) claimable(opts event.ClaimOpts) *mongodriver.AggregateQuery {
	match := bson.M{"$or": bson.A{
		bson.M{
			"status":          bson.M{"$in": []string{string(event.StatusPending), string(event.StatusFailed)}},
			"next_attempt_at": bson.M{"$lte": opts.Now},
		},
		bson.M{
			"status":       string(event.StatusProcessing),
			"locked_until": bson.M{"$lte": opts.Now},
		},
	}}
	if opts.MaxAttempts > 0 {
		match["attempt_count"] = bson.M{"$lt": opts.MaxAttempts}
	}

	q := s.mdb.NewAggregate(colEvents).
		Match(match).
		Sort(eventOrder).
		Lookup(bson.M{
			"from": colEvents,
			"let":  bson.M{"key": "$correlation_key", "at": "$occurred_at", "seq": "$seq"},
			"pipeline": bson.A{
				bson.M{"$match": bson.M{"$expr": bson.M{"$and": bson.A{
					bson.M{"$ne": bson.A{"$$key", ""}},
					bson.M{"$eq": bson.A{"$correlation_key", "$$key"}},
					bson.M{"$in": bson.A{"$status", blockingStatuses}},
					bson.M{"$or": bson.A{
						bson.M{"$lt": bson.A{"$occurred_at", "$$at"}},
						bson.M{"$and": bson.A{
							bson.M{"$eq": bson.A{"$occurred_at", "$$at"}},
							bson.M{"$lt": bson.A{"$seq", "$$seq"}},
						}},
					}},
				}}}},
				bson.M{"$limit": 1},
				bson.M{"$project": bson.M{"_id": 1}},
			},
			"as": "blockers",
		}).
		Match(bson.M{"blockers": bson.M{"$size": 0}})
	if opts.Limit > 0 {
		q = q.Limit(int64(opts.Limit))
	}
	return q.Project(bson.M{"blockers": 0})
}

// ClaimEvents takes each claimable event with a compare-and-set on its
// status and attempt count, so concurrent claimers never take the same
// event twice.
func (s *Store) ClaimEvents(ctx context.Context, opts event.ClaimOpts) ([]*event.Event, error) {
	var claimed []*event.Event
	err := s.RunInTx(ctx, func(ctx context.Context) error {
		claimed = nil

		// Leases that expired on the final attempt are not retried.
		if opts.MaxAttempts > 0 {
			_, err := s.col(colEvents).UpdateMany(ctx,
				bson.M{
					"status":        string(event.StatusProcessing),
					"locked_until":  bson.M{"$lte": opts.Now},
					"attempt_count": bson.M{"$gte": opts.MaxAttempts},
				},
				mongo.Pipeline{{{Key: "$set", Value: bson.M{
					"status":      string(event.StatusDead),
					"claim_token": "",
					"last_error": bson.M{"$cond": bson.A{
						bson.M{"$eq": bson.A{"$last_error", ""}},
						"claim lease expired on final attempt",
						"$last_error",
					}},
				}}}, {{Key: "$unset", Value: "locked_until"}}},
			)
			if err != nil {
				return fmt.Errorf("tollgate/mongo: expire leases: %w", err)
			}
		}

		var candidates []eventModel
		if err := s.claimable(opts).Scan(ctx, &candidates); err != nil {
			return fmt.Errorf("tollgate/mongo: scan events: %w", err)
		}

		lockedUntil := opts.Now.Add(opts.Lease)
		for _, c := range candidates {
			var m eventModel
			err := s.col(colEvents).FindOneAndUpdate(ctx,
				bson.M{"_id": c.ID, "status": c.Status, "attempt_count": c.AttemptCount},
				bson.M{
					"$set": bson.M{
						"status":       string(event.StatusProcessing),
						"claim_token":  opts.Token,
						"locked_until": lockedUntil,
					},
					"$inc": bson.M{"attempt_count": 1},
				},
				options.FindOneAndUpdate().SetReturnDocument(options.After),
			).Decode(&m)
			if isNoDocuments(err) {
				continue
			}
			if err != nil {
				return fmt.Errorf("tollgate/mongo: claim %s: %w", c.ID, err)
			}
			e, err := fromEventModel(&m)
			if err != nil {
				return err
			}
			claimed = append(claimed, e)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

func (s *Store) SaveOutcome(ctx context.Context, e *event.Event) error {
	set := bson.M{
		"status":          string(e.Status),
		"handlers":        toHandlerModels(e.Handlers),
		"last_error":      e.LastError,
		"next_attempt_at": e.NextAttemptAt,
		"claim_token":     "",
	}
	unset := bson.M{}
	if e.LockedUntil.IsZero() {
		unset["locked_until"] = ""
	} else {
		set["locked_until"] = e.LockedUntil
	}
	if e.ProcessedAt == nil {
		unset["processed_at"] = ""
	} else {
		set["processed_at"] = *e.ProcessedAt
	}
	update := bson.M{"$set": set}
	if len(unset) > 0 {
		update["$unset"] = unset
	}

	res, err := s.col(colEvents).UpdateOne(ctx,
		bson.M{"_id": e.ID.String(), "status": string(event.StatusProcessing), "claim_token": e.ClaimToken},
		update)
	if err != nil {
		return fmt.Errorf("tollgate/mongo: save outcome: %w", err)
	}
	if res.MatchedCount == 0 {
		if _, err := s.GetEvent(ctx, e.ID); err != nil {
			return err
		}
		return event.ErrLeaseLost
	}
	return nil
}

func (s *Store) ListEvents(ctx context.Context, opts event.ListOpts) ([]*event.Event, error) {
	filter := bson.M{}
	if len(opts.Status) > 0 {
		filter["status"] = bson.M{"$in": stringsOf(opts.Status)}
	}
	if opts.Type != "" {
		filter["type"] = string(opts.Type)
	}
	if opts.CorrelationKey != "" {
		filter["correlation_key"] = opts.CorrelationKey
	}
	if opts.MinAttempts > 0 {
		filter["attempt_count"] = bson.M{"$gte": opts.MinAttempts}
	}

	var models []eventModel
	q := s.mdb.NewFind(&models).
		Filter(filter).
		Sort(eventOrder)
	if err := page(q, opts.Limit, opts.Offset).Scan(ctx); err != nil {
		return nil, fmt.Errorf("tollgate/mongo: list events: %w", err)
	}
	return fromModels(models, fromEventModel)
}

func (s *Store) RequeueEvent(ctx context.Context, eventID id.EventID, now time.Time) error {
	res, err := s.col(colEvents).UpdateOne(ctx,
		bson.M{"_id": eventID.String(), "status": string(event.StatusDead)},
		bson.M{
			"$set": bson.M{
				"status":          string(event.StatusPending),
				"attempt_count":   0,
				"next_attempt_at": now,
				"claim_token":     "",
			},
			"$unset": bson.M{"locked_until": ""},
		})
	if err != nil {
		return fmt.Errorf("tollgate/mongo: requeue event: %w", err)
	}
	if res.MatchedCount == 0 {
		if _, err := s.GetEvent(ctx, eventID); err != nil {
			return err
		}
		return event.ErrNotDead
	}
	return nil
}

func stringsOf[T ~string](vs []T) []string {
	out := make([]string, len(vs))
	for i, v := range vs {
		out[i] = string(v)
	}
	return out
}
