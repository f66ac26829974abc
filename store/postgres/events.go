package postgres

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
		return fmt.Errorf("tollgate/postgres: append event %s: %w", e.ID, err)
	}
	e.Seq = m.Seq
	return nil
}

func (s *Store) GetEvent(ctx context.Context, eventID id.EventID) (*event.Event, error) {
	m := new(eventModel)
	err := s.q(ctx).NewSelect(m).
		Where("id = $1", eventID.String()).
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

	var models []eventModel
	err := s.RunInTx(ctx, func(ctx context.Context) error {
		// Leases that expired on the final attempt are not retried.
		if _, err := s.q(ctx).NewRaw(`
UPDATE tollgate_events
SET status = 'dead', claim_token = '', locked_until = NULL,
    last_error = COALESCE(NULLIF(last_error, ''), 'claim lease expired on final attempt')
WHERE status = 'processing' AND locked_until <= $1 AND attempt_count >= $2`,
			opts.Now, maxAttempts).Exec(ctx); err != nil {
			return fmt.Errorf("tollgate/postgres: expire leases: %w", err)
		}

		err := s.q(ctx).NewRaw(`
WITH candidates AS (
    SELECT e.id
    FROM tollgate_events e
    WHERE e.attempt_count < $2
      AND ((e.status IN ('pending', 'failed') AND e.next_attempt_at <= $1)
        OR (e.status = 'processing' AND e.locked_until <= $1))
      AND NOT EXISTS (
          SELECT 1 FROM tollgate_events p
          WHERE e.correlation_key <> ''
            AND p.correlation_key = e.correlation_key
            AND p.status IN ('pending', 'processing', 'failed')
            AND (p.occurred_at, p.seq) < (e.occurred_at, e.seq))
    ORDER BY e.occurred_at, e.seq
    LIMIT $3
    FOR UPDATE SKIP LOCKED
)
UPDATE tollgate_events t
SET status = 'processing', attempt_count = t.attempt_count + 1,
    claim_token = $4, locked_until = $5
FROM candidates c
WHERE t.id = c.id
RETURNING t.*`,
			opts.Now, maxAttempts, limitArg(opts.Limit), opts.Token, opts.Now.Add(opts.Lease)).
			Scan(ctx, &models)
		if err != nil {
			return fmt.Errorf("tollgate/postgres: claim events: %w", err)
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
SET status = $2, handlers = $3, last_error = $4, next_attempt_at = $5,
    locked_until = $6, processed_at = $7, claim_token = ''
WHERE id = $1 AND status = 'processing' AND claim_token = $8`,
		e.ID.String(), string(e.Status), []byte(handlers), e.LastError, e.NextAttemptAt,
		nullTime(e.LockedUntil), e.ProcessedAt, e.ClaimToken).Exec(ctx))
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
		f.add("status = ANY($%d)", stringsOf(opts.Status))
	}
	if opts.Type != "" {
		f.add("type = $%d", string(opts.Type))
	}
	if opts.CorrelationKey != "" {
		f.add("correlation_key = $%d", opts.CorrelationKey)
	}
	if opts.MinAttempts > 0 {
		f.add("attempt_count >= $%d", opts.MinAttempts)
	}

	var models []eventModel
	q := f.apply(s.q(ctx).NewSelect(&models)).OrderExpr("occurred_at ASC, seq ASC")
	if err := page(q, opts.Limit, opts.Offset).Scan(ctx); err != nil {
		return nil, fmt.Errorf("tollgate/postgres: list events: %w", err)
	}
	return fromModels(models, fromEventModel)
}

func (s *Store) RequeueEvent(ctx context.Context, eventID id.EventID, now time.Time) error {
	n, err := affected(s.q(ctx).NewRaw(`
UPDATE tollgate_events
SET status = 'pending', attempt_count = 0, next_attempt_at = $2,
    locked_until = NULL, claim_token = ''
WHERE id = $1 AND status = 'dead'`,
		eventID.String(), now).Exec(ctx))
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
