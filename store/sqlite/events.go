package sqlite

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/xraph/tollgate/event"
	"github.com/xraph/tollgate/id"
)

// ==================== Event Store ====================

func (s *Store) AppendEvent(ctx context.Context, e *event.Event) error {
	m, err := toEventModel(e)
	if err != nil {
		return err
	}
	if err := s.q(ctx).NewInsert(m).Returning("seq").Scan(ctx, &m.Seq); err != nil {
		return fmt.Errorf("tollgate/sqlite: append event %s: %w", e.ID, err)
	}
	e.Seq = m.Seq
	return nil
}

func (s *Store) GetEvent(ctx context.Context, eventID id.EventID) (*event.Event, error) {
	m := new(eventModel)
	err := s.q(ctx).NewSelect(m).
		Where("id = ?", eventID.String()).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, event.ErrNotFound
		}
		return nil, err
	}
	return fromEventModel(m)
}

func (s *Store) ClaimEvents(ctx context.Context, opts event.ClaimOpts) ([]*event.Event, error) {
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1<<31 - 1
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = -1
	}
	now := ts(opts.Now)

	var models []eventModel
	err := s.RunInTx(ctx, func(ctx context.Context) error {
		// Leases that expired on the final attempt are not retried.
		if _, err := s.q(ctx).NewRaw(`
UPDATE tollgate_events
SET status = 'dead', claim_token = '', locked_until = NULL,
    last_error = COALESCE(NULLIF(last_error, ''), 'claim lease expired on final attempt')
WHERE status = 'processing' AND locked_until <= ? AND attempt_count >= ?`,
			now, maxAttempts).Exec(ctx); err != nil {
			return fmt.Errorf("tollgate/sqlite: expire leases: %w", err)
		}

		err := s.q(ctx).NewRaw(`
UPDATE tollgate_events
SET status = 'processing', attempt_count = attempt_count + 1,
    claim_token = ?, locked_until = ?
WHERE id IN (
    SELECT e.id
    FROM tollgate_events e
    WHERE e.attempt_count < ?
      AND ((e.status IN ('pending', 'failed') AND e.next_attempt_at <= ?)
        OR (e.status = 'processing' AND e.locked_until <= ?))
      AND NOT EXISTS (
          SELECT 1 FROM tollgate_events p
          WHERE e.correlation_key <> ''
            AND p.correlation_key = e.correlation_key
            AND p.status IN ('pending', 'processing', 'failed')
            AND (p.occurred_at, p.seq) < (e.occurred_at, e.seq))
    ORDER BY e.occurred_at, e.seq
    LIMIT ?)
RETURNING *`,
			opts.Token, ts(opts.Now.Add(opts.Lease)), maxAttempts, now, now, limit).
			Scan(ctx, &models)
		if err != nil {
			return fmt.Errorf("tollgate/sqlite: claim events: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	claimed, err := fromModels(models, fromEventModel)
	if err != nil {
		return nil, err
	}
	slices.SortFunc(claimed, func(a, b *event.Event) int {
		switch {
		case a.Before(b):
			return -1
		case b.Before(a):
			return 1
		}
		return 0
	})
	return claimed, nil
}

func (s *Store) SaveOutcome(ctx context.Context, e *event.Event) error {
	handlers, err := encodeHandlers(e.Handlers)
	if err != nil {
		return err
	}

	n, err := affected(s.q(ctx).NewRaw(`
UPDATE tollgate_events
SET status = ?, handlers = ?, last_error = ?, next_attempt_at = ?,
    locked_until = ?, processed_at = ?, claim_token = ''
WHERE id = ? AND status = 'processing' AND claim_token = ?`,
		string(e.Status), handlers, e.LastError, ts(e.NextAttemptAt),
		nullTS(e.LockedUntil), nullTSPtr(e.ProcessedAt), e.ID.String(), e.ClaimToken).Exec(ctx))
	if err != nil {
		return err
	}
	if n == 0 {
		if _, err := s.GetEvent(ctx, e.ID); err != nil {
			return err
		}
		return event.ErrLeaseLost
	}
	return nil
}

func (s *Store) ListEvents(ctx context.Context, opts event.ListOpts) ([]*event.Event, error) {
	var f filter
	if len(opts.Status) > 0 {
		f.in("status", stringsOf(opts.Status))
	}
	if opts.Type != "" {
		f.add("type = ?", string(opts.Type))
	}
	if opts.CorrelationKey != "" {
		f.add("correlation_key = ?", opts.CorrelationKey)
	}
	if opts.MinAttempts > 0 {
		f.add("attempt_count >= ?", opts.MinAttempts)
	}

	var models []eventModel
	q := f.apply(s.q(ctx).NewSelect(&models)).OrderExpr("occurred_at ASC, seq ASC")
	if err := page(q, opts.Limit, opts.Offset).Scan(ctx); err != nil {
		return nil, fmt.Errorf("tollgate/sqlite: list events: %w", err)
	}
	return fromModels(models, fromEventModel)
}

func (s *Store) RequeueEvent(ctx context.Context, eventID id.EventID, now time.Time) error {
	n, err := affected(s.q(ctx).NewRaw(`
UPDATE tollgate_events
SET status = 'pending', attempt_count = 0, next_attempt_at = ?,
    locked_until = NULL, claim_token = ''
WHERE id = ? AND status = 'dead'`,
		ts(now), eventID.String()).Exec(ctx))
	if err != nil {
		return err
	}
	if n == 0 {
		if _, err := s.GetEvent(ctx, eventID); err != nil {
			return err
		}
		return event.ErrNotDead
	}
	return nil
}
