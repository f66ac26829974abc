package memory

import (
	"context"
	"slices"
	"strings"
	"time"

	"github.com/xraph/tollgate/dunning"
	"github.com/xraph/tollgate/enforcement"
	"github.com/xraph/tollgate/id"
	"github.com/xraph/tollgate/timer"
)

// ==================== Dunning Store ====================

func (s *Store) CreateCase(ctx context.Context, c *dunning.Case) error {
	defer s.write(ctx)()

	for _, existing := range s.st.cases {
		if existing.InvoiceID == c.InvoiceID && !existing.Status.IsClosed() {
			return dunning.ErrCaseExists
		}
	}
	s.st.cases[c.ID.String()] = c.Clone()
	return nil
}

func (s *Store) GetCase(ctx context.Context, caseID id.DunningCaseID) (*dunning.Case, error) {
	defer s.read(ctx)()

	c, ok := s.st.cases[caseID.String()]
	if !ok {
		return nil, dunning.ErrNotFound
	}
	return c.Clone(), nil
}

func (s *Store) GetActiveCaseForInvoice(ctx context.Context, invID id.InvoiceID) (*dunning.Case, error) {
	defer s.read(ctx)()

	for _, c := range s.st.cases {
		if c.InvoiceID == invID && !c.Status.IsClosed() {
			return c.Clone(), nil
		}
	}
	return nil, dunning.ErrNotFound
}

func (s *Store) AdvanceCase(ctx context.Context, caseID id.DunningCaseID, from, to int, enforced bool, now time.Time) error {
	defer s.write(ctx)()

	key := caseID.String()
	cur, ok := s.st.cases[key]
	if !ok {
		return dunning.ErrNotFound
	}
	if cur.Status != dunning.StatusOpen || cur.CurrentStepIndex != from {
		return dunning.ErrStaleCase
	}

	next := cur.Clone()
	next.CurrentStepIndex = to
	next.Enforced = next.Enforced || enforced
	next.Touch(now)
	s.st.cases[key] = next
	return nil
}

func (s *Store) UpdateCaseStatus(ctx context.Context, caseID id.DunningCaseID, from, to dunning.Status, reason string, now time.Time) error {
	defer s.write(ctx)()

	key := caseID.String()
	cur, ok := s.st.cases[key]
	if !ok {
		return dunning.ErrNotFound
	}
	if cur.Status != from {
		return dunning.ErrStaleCase
	}

	next := cur.Clone()
	next.Status = to
	next.Touch(now)
	if to.IsClosed() {
		closed := now.UTC().Truncate(time.Microsecond)
		next.ClosedAt = &closed
		next.CloseReason = reason
	}
	s.st.cases[key] = next
	return nil
}

func (s *Store) ListCases(ctx context.Context, opts dunning.ListOpts) ([]*dunning.Case, error) {
	defer s.read(ctx)()

	var result []*dunning.Case
	for _, c := range s.st.cases {
		if !opts.AccountID.IsNil() && c.AccountID != opts.AccountID {
			continue
		}
		if !opts.InvoiceID.IsNil() && c.InvoiceID != opts.InvoiceID {
			continue
		}
		if len(opts.Status) > 0 && !slices.Contains(opts.Status, c.Status) {
			continue
		}
		if opts.EnforcedOnly && !c.Enforced {
			continue
		}
		result = append(result, c)
	}
	slices.SortFunc(result, func(a, b *dunning.Case) int {
		if c := a.OpenedAt.Compare(b.OpenedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID.String(), b.ID.String())
	})

	result = page(result, opts.Offset, opts.Limit)
	out := make([]*dunning.Case, len(result))
	for i, c := range result {
		out[i] = c.Clone()
	}
	return out, nil
}

// ==================== Enforcement Store ====================

func (s *Store) CreateAction(ctx context.Context, a *enforcement.Action) error {
	defer s.write(ctx)()

	if _, exists := s.st.actions[a.IdempotencyKey]; exists {
		return enforcement.ErrActionExists
	}
	s.st.actions[a.IdempotencyKey] = a.Clone()
	return nil
}

func (s *Store) GetActionByKey(ctx context.Context, key string) (*enforcement.Action, error) {
	defer s.read(ctx)()

	a, ok := s.st.actions[key]
	if !ok {
		return nil, enforcement.ErrNotFound
	}
	return a.Clone(), nil
}

func (s *Store) UpdateAction(ctx context.Context, a *enforcement.Action) error {
	defer s.write(ctx)()

	cur, ok := s.st.actions[a.IdempotencyKey]
	if !ok || cur.ID != a.ID {
		return enforcement.ErrNotFound
	}
	s.st.actions[a.IdempotencyKey] = a.Clone()
	return nil
}

func (s *Store) ListActions(ctx context.Context, opts enforcement.ListOpts) ([]*enforcement.Action, error) {
	defer s.read(ctx)()

	var result []*enforcement.Action
	for _, a := range s.st.actions {
		if !opts.SubscriptionID.IsNil() && a.SubscriptionID != opts.SubscriptionID {
			continue
		}
		if !opts.AccountID.IsNil() && a.AccountID != opts.AccountID {
			continue
		}
		if len(opts.Status) > 0 && !slices.Contains(opts.Status, a.Status) {
			continue
		}
		result = append(result, a)
	}
	slices.SortFunc(result, func(a, b *enforcement.Action) int {
		if c := a.RequestedAt.Compare(b.RequestedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID.String(), b.ID.String())
	})

	result = page(result, opts.Offset, opts.Limit)
	out := make([]*enforcement.Action, len(result))
	for i, a := range result {
		out[i] = a.Clone()
	}
	return out, nil
}

// ==================== Timer Store ====================

func (s *Store) CreateDeadline(ctx context.Context, d *timer.Deadline) (bool, error) {
	defer s.write(ctx)()

	for _, existing := range s.st.deadlines {
		if existing.SubjectType == d.SubjectType &&
			existing.SubjectID == d.SubjectID &&
			existing.FiresAt.Equal(d.FiresAt) &&
			!existing.Canceled {
			return false, nil
		}
	}
	s.st.deadlines[d.ID.String()] = d.Clone()
	return true, nil
}

func (s *Store) ListDueDeadlines(ctx context.Context, now time.Time, limit int) ([]*timer.Deadline, error) {
	defer s.read(ctx)()

	var due []*timer.Deadline
	for _, d := range s.st.deadlines {
		if !d.Fired && !d.Canceled && !d.FiresAt.After(now) {
			due = append(due, d)
		}
	}
	sortDeadlines(due)

	due = page(due, 0, limit)
	out := make([]*timer.Deadline, len(due))
	for i, d := range due {
		out[i] = d.Clone()
	}
	return out, nil
}

func (s *Store) ClaimDeadline(ctx context.Context, deadlineID id.DeadlineID, firedAt time.Time) (bool, error) {
	defer s.write(ctx)()

	key := deadlineID.String()
	cur, ok := s.st.deadlines[key]
	if !ok || cur.Fired || cur.Canceled {
		return false, nil
	}

	next := cur.Clone()
	next.Fired = true
	at := firedAt.UTC().Truncate(time.Microsecond)
	next.FiredAt = &at
	s.st.deadlines[key] = next
	return true, nil
}

func (s *Store) CancelDeadlines(ctx context.Context, subjectType, subjectID string) (int, error) {
	defer s.write(ctx)()

	n := 0
	for key, d := range s.st.deadlines {
		if d.SubjectType != subjectType || d.SubjectID != subjectID || d.Fired || d.Canceled {
			continue
		}
		next := d.Clone()
		next.Canceled = true
		s.st.deadlines[key] = next
		n++
	}
	return n, nil
}

func (s *Store) ListDeadlines(ctx context.Context, opts timer.ListOpts) ([]*timer.Deadline, error) {
	defer s.read(ctx)()

	var result []*timer.Deadline
	for _, d := range s.st.deadlines {
		if opts.SubjectType != "" && d.SubjectType != opts.SubjectType {
			continue
		}
		if opts.SubjectID != "" && d.SubjectID != opts.SubjectID {
			continue
		}
		if opts.Pending && (d.Fired || d.Canceled) {
			continue
		}
		result = append(result, d)
	}
	sortDeadlines(result)

	result = page(result, 0, opts.Limit)
	out := make([]*timer.Deadline, len(result))
	for i, d := range result {
		out[i] = d.Clone()
	}
	return out, nil
}

func sortDeadlines(ds []*timer.Deadline) {
	slices.SortFunc(ds, func(a, b *timer.Deadline) int {
		if c := a.FiresAt.Compare(b.FiresAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID.String(), b.ID.String())
	})
}
