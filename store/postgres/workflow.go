package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/xraph/tollgate/dunning"
	"github.com/xraph/tollgate/enforcement"
	"github.com/xraph/tollgate/id"
	"github.com/xraph/tollgate/timer"
)

// ==================== Dunning Store ====================

func (s *Store) CreateCase(ctx context.Context, c *dunning.Case) error {
	n, err := affected(s.q(ctx).NewInsert(toCaseModel(c)).
		OnConflict("(invoice_id) WHERE status IN ('open', 'paused') DO NOTHING").
		Exec(ctx))
	if err != nil {
		return err
	}
	if n == 0 {
		return dunning.ErrCaseExists
	}
	return nil
}

func (s *Store) GetCase(ctx context.Context, caseID id.DunningCaseID) (*dunning.Case, error) {
	m := new(caseModel)
	err := s.q(ctx).NewSelect(m).
		Where("id = $1", caseID.String()).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, dunning.ErrNotFound
		}
		return nil, err
	}
	return fromCaseModel(m)
}

func (s *Store) GetActiveCaseForInvoice(ctx context.Context, invID id.InvoiceID) (*dunning.Case, error) {
	m := new(caseModel)
	err := s.q(ctx).NewSelect(m).
		Where("invoice_id = $1", invID.String()).
		Where("status IN ('open', 'paused')").
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, dunning.ErrNotFound
		}
		return nil, err
	}
	return fromCaseModel(m)
}

// caseChanged tells a lost compare-and-set apart from a missing case.
func (s *Store) caseChanged(ctx context.Context, caseID id.DunningCaseID) error {
	if _, err := s.GetCase(ctx, caseID); err != nil {
		return err
	}
	return dunning.ErrStaleCase
}

func (s *Store) AdvanceCase(ctx context.Context, caseID id.DunningCaseID, from, to int, enforced bool, now time.Time) error {
	n, err := affected(s.q(ctx).NewRaw(`
UPDATE tollgate_dunning_cases
SET current_step_index = $3, enforced = enforced OR $4, updated_at = $5
WHERE id = $1 AND status = 'open' AND current_step_index = $2`,
		caseID.String(), from, to, enforced, now.UTC()).Exec(ctx))
	if err != nil {
		return err
	}
	if n == 0 {
		return s.caseChanged(ctx, caseID)
	}
	return nil
}

func (s *Store) UpdateCaseStatus(ctx context.Context, caseID id.DunningCaseID, from, to dunning.Status, reason string, now time.Time) error {
	query := `
UPDATE tollgate_dunning_cases SET status = $3, updated_at = $4
WHERE id = $1 AND status = $2`
	args := []any{caseID.String(), string(from), string(to), now.UTC()}
	if to.IsClosed() {
		query = `
UPDATE tollgate_dunning_cases SET status = $3, updated_at = $4, closed_at = $5, close_reason = $6
WHERE id = $1 AND status = $2`
		args = append(args, nullTime(now.UTC()), reason)
	}

	n, err := affected(s.q(ctx).NewRaw(query, args...).Exec(ctx))
	if err != nil {
		return err
	}
	if n == 0 {
		return s.caseChanged(ctx, caseID)
	}
	return nil
}

func (s *Store) ListCases(ctx context.Context, opts dunning.ListOpts) ([]*dunning.Case, error) {
	var f filter
	if !opts.AccountID.IsNil() {
		f.add("account_id = $%d", opts.AccountID.String())
	}
	if !opts.InvoiceID.IsNil() {
		f.add("invoice_id = $%d", opts.InvoiceID.String())
	}
	if len(opts.Status) > 0 {
		f.add("status = ANY($%d)", stringsOf(opts.Status))
	}
	if opts.EnforcedOnly {
		f.raw("enforced")
	}

	var models []caseModel
	q := f.apply(s.q(ctx).NewSelect(&models)).OrderExpr("opened_at ASC, id ASC")
	if err := page(q, opts.Limit, opts.Offset).Scan(ctx); err != nil {
		return nil, fmt.Errorf("tollgate/postgres: list cases: %w", err)
	}
	return fromModels(models, fromCaseModel)
}

// ==================== Enforcement Store ====================

func (s *Store) CreateAction(ctx context.Context, a *enforcement.Action) error {
	n, err := affected(s.q(ctx).NewInsert(toActionModel(a)).
		OnConflict("(idempotency_key) DO NOTHING").
		Exec(ctx))
	if err != nil {
		return err
	}
	if n == 0 {
		return enforcement.ErrActionExists
	}
	return nil
}

func (s *Store) GetActionByKey(ctx context.Context, key string) (*enforcement.Action, error) {
	m := new(actionModel)
	err := s.q(ctx).NewSelect(m).
		Where("idempotency_key = $1", key).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, enforcement.ErrNotFound
		}
		return nil, err
	}
	return fromActionModel(m)
}

func (s *Store) UpdateAction(ctx context.Context, a *enforcement.Action) error {
	n, err := affected(s.q(ctx).NewUpdate(toActionModel(a)).WherePK().Exec(ctx))
	if err != nil {
		return err
	}
	if n == 0 {
		return enforcement.ErrNotFound
	}
	return nil
}

func (s *Store) ListActions(ctx context.Context, opts enforcement.ListOpts) ([]*enforcement.Action, error) {
	var f filter
	if !opts.SubscriptionID.IsNil() {
		f.add("subscription_id = $%d", opts.SubscriptionID.String())
	}
	if !opts.AccountID.IsNil() {
		f.add("account_id = $%d", opts.AccountID.String())
	}
	if len(opts.Status) > 0 {
		f.add("status = ANY($%d)", stringsOf(opts.Status))
	}

	var models []actionModel
	q := f.apply(s.q(ctx).NewSelect(&models)).OrderExpr("requested_at ASC, id ASC")
	if err := page(q, opts.Limit, opts.Offset).Scan(ctx); err != nil {
		return nil, fmt.Errorf("tollgate/postgres: list actions: %w", err)
	}
	return fromModels(models, fromActionModel)
}

// ==================== Timer Store ====================

func (s *Store) CreateDeadline(ctx context.Context, d *timer.Deadline) (bool, error) {
	n, err := affected(s.q(ctx).NewInsert(toDeadlineModel(d)).
		OnConflict("(subject_type, subject_id, fires_at) WHERE NOT canceled DO NOTHING").
		Exec(ctx))
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *Store) ListDueDeadlines(ctx context.Context, now time.Time, limit int) ([]*timer.Deadline, error) {
	var models []deadlineModel
	q := s.q(ctx).NewSelect(&models).
		Where("NOT fired AND NOT canceled").
		Where("fires_at <= $1", now).
		OrderExpr("fires_at ASC, id ASC")
	if err := page(q, limit, 0).Scan(ctx); err != nil {
		return nil, err
	}
	return fromModels(models, fromDeadlineModel)
}

func (s *Store) ClaimDeadline(ctx context.Context, deadlineID id.DeadlineID, firedAt time.Time) (bool, error) {
	n, err := affected(s.q(ctx).NewRaw(`
UPDATE tollgate_deadlines SET fired = TRUE, fired_at = $2
WHERE id = $1 AND NOT fired AND NOT canceled`, deadlineID.String(), firedAt.UTC()).Exec(ctx))
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *Store) CancelDeadlines(ctx context.Context, subjectType, subjectID string) (int, error) {
	n, err := affected(s.q(ctx).NewRaw(`
UPDATE tollgate_deadlines SET canceled = TRUE
WHERE subject_type = $1 AND subject_id = $2 AND NOT fired AND NOT canceled`, subjectType, subjectID).Exec(ctx))
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

func (s *Store) ListDeadlines(ctx context.Context, opts timer.ListOpts) ([]*timer.Deadline, error) {
	var f filter
	if opts.SubjectType != "" {
		f.add("subject_type = $%d", opts.SubjectType)
	}
	if opts.SubjectID != "" {
		f.add("subject_id = $%d", opts.SubjectID)
	}
	if opts.Pending {
		f.raw("NOT fired AND NOT canceled")
	}

	var models []deadlineModel
	q := f.apply(s.q(ctx).NewSelect(&models)).OrderExpr("fires_at ASC, id ASC")
	if err := page(q, opts.Limit, 0).Scan(ctx); err != nil {
		return nil, fmt.Errorf("tollgate/postgres: list deadlines: %w", err)
	}
	return fromModels(models, fromDeadlineModel)
}
