// Package storetest is a conformance suite run against every store.Store
// backend.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/xraph/tollgate/dunning"
	"github.com/xraph/tollgate/enforcement"
	"github.com/xraph/tollgate/event"
	"github.com/xraph/tollgate/id"
	"github.com/xraph/tollgate/invoice"
	"github.com/xraph/tollgate/ledger"
	"github.com/xraph/tollgate/payment"
	"github.com/xraph/tollgate/store"
	"github.com/xraph/tollgate/subscription"
	"github.com/xraph/tollgate/timer"
	"github.com/xraph/tollgate/types"
)

// T0 is the reference time used by the suite.
var T0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

// Factory returns a fresh, migrated, empty store.
type Factory func(t *testing.T) store.Store

// Run runs the whole suite.
func Run(t *testing.T, newStore Factory) {
	t.Run("events", func(t *testing.T) { testEvents(t, newStore) })
	t.Run("ledger", func(t *testing.T) { testLedger(t, newStore) })
	t.Run("billing", func(t *testing.T) { testBilling(t, newStore) })
	t.Run("dunning", func(t *testing.T) { testDunning(t, newStore) })
	t.Run("enforcement", func(t *testing.T) { testEnforcement(t, newStore) })
	t.Run("deadlines", func(t *testing.T) { testDeadlines(t, newStore) })
	t.Run("transactions", func(t *testing.T) { testTransactions(t, newStore) })
}

func mustEvent(t *testing.T, p event.Payload, at time.Time) *event.Event {
	t.Helper()
	e, err := event.New(p, at)
	require.NoError(t, err)
	return e
}

func claimOpts(now time.Time, limit int) event.ClaimOpts {
	return event.ClaimOpts{
		Limit:       limit,
		Now:         now,
		Lease:       time.Minute,
		MaxAttempts: 3,
		Token:       id.New(id.PrefixClaim).String(),
	}
}

func testEvents(t *testing.T, newStore Factory) {
	ctx := context.Background()

	t.Run("claim respects correlation order", func(t *testing.T) {
		s := newStore(t)
		inv := id.NewInvoiceID()
		acct := id.NewAccountID()

		first := mustEvent(t, event.InvoiceDueElapsed{InvoiceID: inv, DueAt: T0}, T0)
		second := mustEvent(t, event.InvoiceDueElapsed{InvoiceID: inv, DueAt: T0}, T0.Add(time.Second))
		other := mustEvent(t, event.SubscriptionSynced{
			SubscriptionID: id.NewSubscriptionID(),
			AccountID:      acct,
			Username:       "alice",
			Status:         "active",
		}, T0.Add(2*time.Second))
		for _, e := range []*event.Event{second, first, other} {
			require.NoError(t, s.AppendEvent(ctx, e))
		}

		claimed, err := s.ClaimEvents(ctx, claimOpts(T0.Add(time.Minute), 10))
		require.NoError(t, err)
		require.Len(t, claimed, 2)
		assert.Equal(t, first.ID, claimed[0].ID)
		assert.Equal(t, other.ID, claimed[1].ID)
		assert.Equal(t, event.StatusProcessing, claimed[0].Status)
		assert.Equal(t, 1, claimed[0].AttemptCount)

		// The later event stays blocked while the earlier one is in flight.
		again, err := s.ClaimEvents(ctx, claimOpts(T0.Add(time.Minute), 10))
		require.NoError(t, err)
		assert.Empty(t, again)

		done := claimed[0]
		done.Status = event.StatusSucceeded
		done.LockedUntil = time.Time{}
		require.NoError(t, s.SaveOutcome(ctx, done))

		next, err := s.ClaimEvents(ctx, claimOpts(T0.Add(time.Minute), 10))
		require.NoError(t, err)
		require.Len(t, next, 1)
		assert.Equal(t, second.ID, next[0].ID)
	})

	t.Run("stale claim cannot save", func(t *testing.T) {
		s := newStore(t)
		e := mustEvent(t, event.SLABreachDetected{SubjectID: "ticket-1", Deadline: T0}, T0)
		require.NoError(t, s.AppendEvent(ctx, e))

		claimed, err := s.ClaimEvents(ctx, claimOpts(T0, 1))
		require.NoError(t, err)
		require.Len(t, claimed, 1)

		// Lease expires and a second worker takes over.
		reclaimed, err := s.ClaimEvents(ctx, claimOpts(T0.Add(2*time.Minute), 1))
		require.NoError(t, err)
		require.Len(t, reclaimed, 1)
		assert.Equal(t, 2, reclaimed[0].AttemptCount)

		stale := claimed[0]
		stale.Status = event.StatusSucceeded
		assert.ErrorIs(t, s.SaveOutcome(ctx, stale), event.ErrLeaseLost)

		fresh := reclaimed[0]
		fresh.Status = event.StatusSucceeded
		require.NoError(t, s.SaveOutcome(ctx, fresh))
	})

	t.Run("failed events wait for next attempt", func(t *testing.T) {
		s := newStore(t)
		e := mustEvent(t, event.SLABreachDetected{SubjectID: "ticket-2", Deadline: T0}, T0)
		require.NoError(t, s.AppendEvent(ctx, e))

		claimed, err := s.ClaimEvents(ctx, claimOpts(T0, 1))
		require.NoError(t, err)
		require.Len(t, claimed, 1)

		failed := claimed[0]
		failed.Status = event.StatusFailed
		failed.LastError = "boom"
		failed.NextAttemptAt = T0.Add(time.Hour)
		failed.LockedUntil = time.Time{}
		failed.RecordOutcome("h", errors.New("boom"), T0)
		require.NoError(t, s.SaveOutcome(ctx, failed))

		none, err := s.ClaimEvents(ctx, claimOpts(T0.Add(30*time.Minute), 1))
		require.NoError(t, err)
		assert.Empty(t, none)

		retry, err := s.ClaimEvents(ctx, claimOpts(T0.Add(time.Hour), 1))
		require.NoError(t, err)
		require.Len(t, retry, 1)
		assert.Equal(t, []string{"h"}, retry[0].FailedHandlers())
		assert.Equal(t, "boom", retry[0].LastError)
	})

	t.Run("dead events requeue", func(t *testing.T) {
		s := newStore(t)
		e := mustEvent(t, event.SLABreachDetected{SubjectID: "ticket-3", Deadline: T0}, T0)
		require.NoError(t, s.AppendEvent(ctx, e))

		assert.ErrorIs(t, s.RequeueEvent(ctx, e.ID, T0), event.ErrNotDead)

		claimed, err := s.ClaimEvents(ctx, claimOpts(T0, 1))
		require.NoError(t, err)
		require.Len(t, claimed, 1)
		dead := claimed[0]
		dead.Status = event.StatusDead
		dead.LastError = "fatal"
		require.NoError(t, s.SaveOutcome(ctx, dead))

		listed, err := s.ListEvents(ctx, event.ListOpts{Status: []event.Status{event.StatusDead}})
		require.NoError(t, err)
		require.Len(t, listed, 1)
		assert.Equal(t, "fatal", listed[0].LastError)

		require.NoError(t, s.RequeueEvent(ctx, e.ID, T0.Add(time.Hour)))
		got, err := s.GetEvent(ctx, e.ID)
		require.NoError(t, err)
		assert.Equal(t, event.StatusPending, got.Status)
		assert.Equal(t, 0, got.AttemptCount)
	})

	t.Run("concurrent claims are disjoint", func(t *testing.T) {
		s := newStore(t)
		const n = 40
		for i := range n {
			e := mustEvent(t, event.SLABreachDetected{SubjectID: fmt.Sprintf("ticket-c%d", i), Deadline: T0},
				T0.Add(time.Duration(i)*time.Millisecond))
			require.NoError(t, s.AppendEvent(ctx, e))
		}

		var mu sync.Mutex
		seen := make(map[string]int)
		var g errgroup.Group
		for range 8 {
			g.Go(func() error {
				for {
					claimed, err := s.ClaimEvents(ctx, claimOpts(T0.Add(time.Minute), 3))
					if err != nil {
						return err
					}
					if len(claimed) == 0 {
						return nil
					}
					mu.Lock()
					for _, e := range claimed {
						seen[e.ID.String()]++
					}
					mu.Unlock()
				}
			})
		}
		require.NoError(t, g.Wait())

		assert.Len(t, seen, n)
		for eventID, count := range seen {
			assert.Equalf(t, 1, count, "event %s claimed %d times", eventID, count)
		}
	})

	t.Run("unknown event", func(t *testing.T) {
		s := newStore(t)
		_, err := s.GetEvent(ctx, id.NewEventID())
		assert.ErrorIs(t, err, event.ErrNotFound)
	})
}

func testLedger(t *testing.T, newStore Factory) {
	ctx := context.Background()
	s := newStore(t)

	acct := id.NewAccountID()
	inv := id.NewInvoiceID()
	p := &ledger.Posting{
		ID:             id.NewPostingID(),
		IdempotencyKey: "invoice:" + inv.String(),
		AccountID:      acct,
		InvoiceID:      inv,
		Source:         ledger.SourceInvoice,
		Currency:       "USD",
		CreatedAt:      T0,
	}
	p.Entries = []*ledger.Entry{
		{ID: id.NewEntryID(), PostingID: p.ID, AccountID: acct, InvoiceID: inv, Book: ledger.BookReceivable, Type: ledger.Debit, Source: ledger.SourceInvoice, Amount: 10000, Currency: "USD", IsActive: true, CreatedAt: T0},
		{ID: id.NewEntryID(), PostingID: p.ID, AccountID: acct, InvoiceID: inv, Book: ledger.BookRevenue, Type: ledger.Credit, Source: ledger.SourceInvoice, Amount: 10000, Currency: "USD", IsActive: true, CreatedAt: T0},
	}
	require.NoError(t, s.CreatePosting(ctx, p))

	dup := p.Clone()
	dup.ID = id.NewPostingID()
	assert.ErrorIs(t, s.CreatePosting(ctx, dup), ledger.ErrDuplicatePosting)

	got, err := s.GetPostingByKey(ctx, p.IdempotencyKey)
	require.NoError(t, err)
	assert.Equal(t, p.ID, got.ID)
	assert.Len(t, got.Entries, 2)

	_, err = s.GetPostingByKey(ctx, "missing")
	assert.ErrorIs(t, err, ledger.ErrPostingNotFound)

	totals, err := s.SumEntries(ctx, ledger.EntryFilter{InvoiceID: inv, Book: ledger.BookReceivable, ActiveOnly: true})
	require.NoError(t, err)
	assert.Equal(t, int64(10000), totals.Net())

	changed, err := s.DeactivateEntries(ctx, p.ID)
	require.NoError(t, err)
	assert.Len(t, changed, 2)
	for _, e := range changed {
		assert.False(t, e.IsActive)
	}

	again, err := s.DeactivateEntries(ctx, p.ID)
	require.NoError(t, err)
	assert.Empty(t, again)

	totals, err = s.SumEntries(ctx, ledger.EntryFilter{InvoiceID: inv, ActiveOnly: true})
	require.NoError(t, err)
	assert.Zero(t, totals.Debits)

	all, err := s.ListEntries(ctx, ledger.EntryFilter{AccountID: acct})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	postings, err := s.ListPostings(ctx, ledger.PostingFilter{InvoiceID: inv, Source: []ledger.Source{ledger.SourceInvoice}})
	require.NoError(t, err)
	require.Len(t, postings, 1)
	assert.Len(t, postings[0].Entries, 2)
}

func testBilling(t *testing.T, newStore Factory) {
	ctx := context.Background()
	s := newStore(t)
	acct := id.NewAccountID()

	inv := &invoice.Invoice{
		Entity:    types.NewEntity(T0),
		ID:        id.NewInvoiceID(),
		AccountID: acct,
		Status:    invoice.StatusIssued,
		Currency:  "USD",
		Total:     types.New(10000, "USD"),
		DueAt:     T0,
	}
	require.NoError(t, s.CreateInvoice(ctx, inv))
	assert.ErrorIs(t, s.CreateInvoice(ctx, inv), invoice.ErrAlreadyExists)

	inv.Status = invoice.StatusOverdue
	inv.BalanceDue = types.New(6000, "USD")
	require.NoError(t, s.UpdateInvoice(ctx, inv))

	got, err := s.LockInvoice(ctx, inv.ID)
	require.NoError(t, err)
	assert.Equal(t, invoice.StatusOverdue, got.Status)
	assert.Equal(t, int64(6000), got.BalanceDue.Amount)

	listed, err := s.ListInvoices(ctx, invoice.ListOpts{Status: []invoice.Status{invoice.StatusOverdue}, DueBefore: T0.Add(time.Hour)})
	require.NoError(t, err)
	assert.Len(t, listed, 1)

	_, err = s.GetInvoice(ctx, id.NewInvoiceID())
	assert.ErrorIs(t, err, invoice.ErrNotFound)

	pay := &payment.Payment{
		Entity:    types.NewEntity(T0),
		ID:        id.NewPaymentID(),
		AccountID: acct,
		InvoiceID: inv.ID,
		Amount:    types.New(4000, "USD"),
		Status:    payment.StatusSucceeded,
		Allocated: 4000,
	}
	require.NoError(t, s.CreatePayment(ctx, pay))
	pays, err := s.ListPayments(ctx, payment.ListOpts{InvoiceID: inv.ID})
	require.NoError(t, err)
	require.Len(t, pays, 1)
	assert.Equal(t, int64(4000), pays[0].Allocated)

	sub := &subscription.Subscription{
		Entity:       types.NewEntity(T0),
		ID:           id.NewSubscriptionID(),
		AccountID:    acct,
		Username:     "alice@isp",
		Status:       subscription.StatusActive,
		RateProfile:  "100M/20M",
		Authorizable: true,
	}
	require.NoError(t, s.UpsertSubscription(ctx, sub))

	blocked := sub.Clone()
	blocked.Authorizable = false
	blocked.BlockReason = "suspend"
	require.NoError(t, s.UpdateSubscription(ctx, blocked))

	// A provisioning sync never restores access on its own.
	resync := sub.Clone()
	resync.RateProfile = "200M/40M"
	resync.Authorizable = true
	require.NoError(t, s.UpsertSubscription(ctx, resync))

	gotSub, err := s.GetSubscription(ctx, sub.ID)
	require.NoError(t, err)
	assert.False(t, gotSub.Authorizable)
	assert.Equal(t, "200M/40M", gotSub.RateProfile)

	subs, err := s.ListSubscriptions(ctx, subscription.ListOpts{AccountID: acct, Status: subscription.StatusActive})
	require.NoError(t, err)
	assert.Len(t, subs, 1)
}

func testDunning(t *testing.T, newStore Factory) {
	ctx := context.Background()
	s := newStore(t)

	c := &dunning.Case{
		Entity:           types.NewEntity(T0),
		ID:               id.NewDunningCaseID(),
		AccountID:        id.NewAccountID(),
		InvoiceID:        id.NewInvoiceID(),
		Status:           dunning.StatusOpen,
		PolicySetID:      "default",
		CurrentStepIndex: -1,
		OpenedAt:         T0,
	}
	require.NoError(t, s.CreateCase(ctx, c))

	second := c.Clone()
	second.ID = id.NewDunningCaseID()
	assert.ErrorIs(t, s.CreateCase(ctx, second), dunning.ErrCaseExists)

	require.NoError(t, s.AdvanceCase(ctx, c.ID, -1, 1, true, T0))
	assert.ErrorIs(t, s.AdvanceCase(ctx, c.ID, -1, 1, false, T0), dunning.ErrStaleCase)

	active, err := s.GetActiveCaseForInvoice(ctx, c.InvoiceID)
	require.NoError(t, err)
	assert.Equal(t, 1, active.CurrentStepIndex)
	assert.True(t, active.Enforced)

	require.NoError(t, s.UpdateCaseStatus(ctx, c.ID, dunning.StatusOpen, dunning.StatusPaused, "", T0))
	assert.ErrorIs(t, s.AdvanceCase(ctx, c.ID, 1, 2, false, T0), dunning.ErrStaleCase)
	require.NoError(t, s.UpdateCaseStatus(ctx, c.ID, dunning.StatusPaused, dunning.StatusOpen, "", T0))
	require.NoError(t, s.UpdateCaseStatus(ctx, c.ID, dunning.StatusOpen, dunning.StatusResolved, "invoice paid", T0.Add(time.Hour)))

	closed, err := s.GetCase(ctx, c.ID)
	require.NoError(t, err)
	require.NotNil(t, closed.ClosedAt)
	assert.Equal(t, "invoice paid", closed.CloseReason)

	_, err = s.GetActiveCaseForInvoice(ctx, c.InvoiceID)
	assert.ErrorIs(t, err, dunning.ErrNotFound)

	// A closed case frees the invoice for a new one.
	require.NoError(t, s.CreateCase(ctx, second))

	enforced, err := s.ListCases(ctx, dunning.ListOpts{AccountID: c.AccountID, EnforcedOnly: true})
	require.NoError(t, err)
	assert.Len(t, enforced, 1)
}

func testEnforcement(t *testing.T, newStore Factory) {
	ctx := context.Background()
	s := newStore(t)

	sub := id.NewSubscriptionID()
	a := &enforcement.Action{
		Entity:         types.NewEntity(T0),
		ID:             id.NewEnforcementID(),
		IdempotencyKey: enforcement.Key(sub, enforcement.KindSuspend, 2, id.Nil),
		SubscriptionID: sub,
		Kind:           enforcement.KindSuspend,
		StepIndex:      2,
		Status:         enforcement.StatusRequested,
		RequestedAt:    T0,
	}
	require.NoError(t, s.CreateAction(ctx, a))
	assert.ErrorIs(t, s.CreateAction(ctx, a), enforcement.ErrActionExists)

	a.Status = enforcement.StatusApplied
	a.Attempts = 1
	a.Sessions = 2
	applied := T0.Add(time.Second)
	a.AppliedAt = &applied
	require.NoError(t, s.UpdateAction(ctx, a))

	got, err := s.GetActionByKey(ctx, a.IdempotencyKey)
	require.NoError(t, err)
	assert.Equal(t, enforcement.StatusApplied, got.Status)
	assert.Equal(t, 2, got.Sessions)

	_, err = s.GetActionByKey(ctx, "missing")
	assert.ErrorIs(t, err, enforcement.ErrNotFound)

	listed, err := s.ListActions(ctx, enforcement.ListOpts{SubscriptionID: sub, Status: []enforcement.Status{enforcement.StatusApplied}})
	require.NoError(t, err)
	assert.Len(t, listed, 1)
}

func testDeadlines(t *testing.T, newStore Factory) {
	ctx := context.Background()
	s := newStore(t)

	d := &timer.Deadline{
		ID:          id.NewDeadlineID(),
		SubjectType: timer.SubjectSLA,
		SubjectID:   "ticket-9",
		FiresAt:     T0,
		CreatedAt:   T0,
	}
	created, err := s.CreateDeadline(ctx, d)
	require.NoError(t, err)
	assert.True(t, created)

	dup := d.Clone()
	dup.ID = id.NewDeadlineID()
	created, err = s.CreateDeadline(ctx, dup)
	require.NoError(t, err)
	assert.False(t, created)

	due, err := s.ListDueDeadlines(ctx, T0.Add(-time.Second), 10)
	require.NoError(t, err)
	assert.Empty(t, due)

	due, err = s.ListDueDeadlines(ctx, T0, 10)
	require.NoError(t, err)
	require.Len(t, due, 1)

	var wins atomic.Int32
	for range 5 {
		ok, err := s.ClaimDeadline(ctx, d.ID, T0)
		require.NoError(t, err)
		if ok {
			wins.Add(1)
		}
	}
	assert.Equal(t, int32(1), wins.Load())

	// Cancel then reschedule at the same instant.
	later := &timer.Deadline{ID: id.NewDeadlineID(), SubjectType: timer.SubjectSLA, SubjectID: "ticket-9", FiresAt: T0.Add(time.Hour), CreatedAt: T0}
	_, err = s.CreateDeadline(ctx, later)
	require.NoError(t, err)

	n, err := s.CancelDeadlines(ctx, timer.SubjectSLA, "ticket-9")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	again := later.Clone()
	again.ID = id.NewDeadlineID()
	created, err = s.CreateDeadline(ctx, again)
	require.NoError(t, err)
	assert.True(t, created)

	pending, err := s.ListDeadlines(ctx, timer.ListOpts{SubjectType: timer.SubjectSLA, SubjectID: "ticket-9", Pending: true})
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, again.ID, pending[0].ID)
}

func testTransactions(t *testing.T, newStore Factory) {
	ctx := context.Background()
	s := newStore(t)
	boom := errors.New("boom")

	inv := &invoice.Invoice{
		Entity:    types.NewEntity(T0),
		ID:        id.NewInvoiceID(),
		AccountID: id.NewAccountID(),
		Status:    invoice.StatusDraft,
		Currency:  "USD",
		DueAt:     T0,
	}
	e := mustEvent(t, event.SLABreachDetected{SubjectID: "tx", Deadline: T0}, T0)

	err := s.RunInTx(ctx, func(ctx context.Context) error {
		require.NoError(t, s.CreateInvoice(ctx, inv))
		require.NoError(t, s.AppendEvent(ctx, e))
		return boom
	})
	assert.ErrorIs(t, err, boom)

	_, err = s.GetInvoice(ctx, inv.ID)
	assert.ErrorIs(t, err, invoice.ErrNotFound)
	_, err = s.GetEvent(ctx, e.ID)
	assert.ErrorIs(t, err, event.ErrNotFound)

	err = s.RunInTx(ctx, func(ctx context.Context) error {
		if err := s.CreateInvoice(ctx, inv); err != nil {
			return err
		}
		// Nested calls join the outer unit.
		return s.RunInTx(ctx, func(ctx context.Context) error {
			return s.AppendEvent(ctx, e)
		})
	})
	require.NoError(t, err)

	_, err = s.GetInvoice(ctx, inv.ID)
	require.NoError(t, err)
	_, err = s.GetEvent(ctx, e.ID)
	require.NoError(t, err)
}
