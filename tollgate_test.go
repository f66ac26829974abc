package tollgate_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xraph/tollgate"
	"github.com/xraph/tollgate/dispatch"
	"github.com/xraph/tollgate/dunning"
	"github.com/xraph/tollgate/enforcement"
	"github.com/xraph/tollgate/event"
	"github.com/xraph/tollgate/id"
	"github.com/xraph/tollgate/invoice"
	"github.com/xraph/tollgate/notify"
	"github.com/xraph/tollgate/store/memory"
	"github.com/xraph/tollgate/subscription"
	"github.com/xraph/tollgate/types"
)

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

const day = 24 * time.Hour

type coaCall struct {
	session enforcement.Session
	attrs   enforcement.Attributes
}

type fakeNetwork struct {
	mu          sync.Mutex
	sessions    []enforcement.Session
	coa         []coaCall
	disconnects []enforcement.Session
}

func (n *fakeNetwork) LookupActiveSessions(context.Context, *subscription.Subscription) ([]enforcement.Session, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]enforcement.Session(nil), n.sessions...), nil
}

func (n *fakeNetwork) SendCoA(_ context.Context, s enforcement.Session, attrs enforcement.Attributes) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.coa = append(n.coa, coaCall{session: s, attrs: attrs})
	return nil
}

func (n *fakeNetwork) SendDisconnect(_ context.Context, s enforcement.Session) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.disconnects = append(n.disconnects, s)
	return nil
}

func (n *fakeNetwork) coaCalls() []coaCall {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]coaCall(nil), n.coa...)
}

type harness struct {
	eng      *tollgate.Engine
	clock    *types.ManualClock
	net      *fakeNetwork
	notified []notify.Message
}

func newHarness(t *testing.T, opts ...tollgate.Option) *harness {
	t.Helper()
	h := &harness{
		clock: types.NewManualClock(t0),
		net: &fakeNetwork{sessions: []enforcement.Session{
			{ID: "sess-1", Username: "alice", NASAddress: "10.0.0.1:3799"},
		}},
	}
	policies := dunning.StaticPolicies{
		dunning.DefaultPolicySetID: {
			ID: dunning.DefaultPolicySetID,
			Steps: []dunning.Step{
				{DayOffset: 0, Action: dunning.ActionNotify, Template: "reminder", Channel: "email"},
				{DayOffset: 7, Action: dunning.ActionThrottle},
				{DayOffset: 14, Action: dunning.ActionSuspend},
			},
		},
	}
	var mu sync.Mutex
	base := []tollgate.Option{
		tollgate.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		tollgate.WithClock(h.clock),
		tollgate.WithNetwork(h.net),
		tollgate.WithPolicies(policies),
		tollgate.WithNotifier(notify.NotifierFunc(func(_ context.Context, msg notify.Message) error {
			mu.Lock()
			defer mu.Unlock()
			h.notified = append(h.notified, msg)
			return nil
		})),
	}
	eng, err := tollgate.New(memory.New(), append(base, opts...)...)
	require.NoError(t, err)
	h.eng = eng
	return h
}

func (h *harness) publish(t *testing.T, p event.Payload) {
	t.Helper()
	_, err := h.eng.Publish(context.Background(), p)
	require.NoError(t, err)
}

func (h *harness) drain(t *testing.T) {
	t.Helper()
	_, err := h.eng.Drain(context.Background(), 100)
	require.NoError(t, err)
}

func TestNewRequiresNetwork(t *testing.T) {
	_, err := tollgate.New(memory.New())
	assert.ErrorIs(t, err, tollgate.ErrNoNetwork)
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := tollgate.DefaultConfig()
	cfg.ProtocolTimeout = time.Minute
	cfg.HandlerTimeout = 30 * time.Second

	_, err := tollgate.New(memory.New(),
		tollgate.WithNetwork(&fakeNetwork{}),
		tollgate.WithConfig(cfg),
	)
	assert.ErrorIs(t, err, tollgate.ErrInvalidConfig)
}

func TestOverdueInvoiceThrottlesThenPaymentRestores(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	acct := id.NewAccountID()
	sub := id.NewSubscriptionID()
	inv := id.NewInvoiceID()

	h.publish(t, event.SubscriptionSynced{
		SubscriptionID: sub,
		AccountID:      acct,
		Username:       "alice",
		Status:         string(subscription.StatusActive),
		RateProfile:    "10M/10M",
	})
	h.publish(t, event.InvoiceIssued{
		InvoiceID: inv,
		AccountID: acct,
		Currency:  "USD",
		Subtotal:  100,
		IssuedAt:  t0,
		DueAt:     t0,
	})
	h.drain(t)

	got, err := h.eng.Store().GetInvoice(ctx, inv)
	require.NoError(t, err)
	assert.Equal(t, invoice.StatusIssued, got.Status)

	// Eight days late, nothing has run in between: the highest due step
	// (throttle) executes and the notify step is skipped.
	h.clock.Set(t0.Add(8 * day))
	h.drain(t)

	got, err = h.eng.Store().GetInvoice(ctx, inv)
	require.NoError(t, err)
	assert.Equal(t, invoice.StatusOverdue, got.Status)

	c, err := h.eng.Store().GetActiveCaseForInvoice(ctx, inv)
	require.NoError(t, err)
	assert.Equal(t, 1, c.CurrentStepIndex)
	assert.True(t, c.Enforced)
	assert.Empty(t, h.notified)

	calls := h.net.coaCalls()
	require.Len(t, calls, 1)
	assert.Equal(t, "sess-1", calls[0].session.ID)
	assert.Equal(t, "256k/256k", calls[0].attrs.RateProfile)

	dec, err := h.eng.Authorize(ctx, sub)
	require.NoError(t, err)
	assert.True(t, dec.Allowed)
	assert.Equal(t, "256k/256k", dec.RateProfile)

	h.publish(t, event.PaymentSucceeded{
		PaymentID:   id.NewPaymentID(),
		AccountID:   acct,
		InvoiceID:   inv,
		Amount:      100,
		Currency:    "USD",
		ProcessedAt: h.clock.Now(),
	})
	h.drain(t)

	got, err = h.eng.Store().GetInvoice(ctx, inv)
	require.NoError(t, err)
	assert.Equal(t, invoice.StatusPaid, got.Status)
	assert.Zero(t, got.BalanceDue.Amount)

	closed, err := h.eng.Store().GetCase(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, dunning.StatusResolved, closed.Status)

	calls = h.net.coaCalls()
	require.Len(t, calls, 2)
	assert.Equal(t, "10M/10M", calls[1].attrs.RateProfile)

	dec, err = h.eng.Authorize(ctx, sub)
	require.NoError(t, err)
	assert.True(t, dec.Allowed)
	assert.Equal(t, "10M/10M", dec.RateProfile)

	rec, err := h.eng.Reconcile(ctx, acct)
	require.NoError(t, err)
	assert.True(t, rec.Balanced())

	// The suspend deadline was disarmed when the case closed.
	h.clock.Set(t0.Add(20 * day))
	h.drain(t)
	assert.Len(t, h.net.coaCalls(), 2)
	assert.Empty(t, h.net.disconnects)

	actions, err := h.eng.ListActions(ctx, enforcement.ListOpts{SubscriptionID: sub})
	require.NoError(t, err)
	require.Len(t, actions, 2)
	for _, a := range actions {
		assert.Equal(t, enforcement.StatusApplied, a.Status)
	}
}

func TestOverdueInvoiceWithoutPoliciesOpensNoCase(t *testing.T) {
	ctx := context.Background()
	clock := types.NewManualClock(t0)
	eng, err := tollgate.New(memory.New(),
		tollgate.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		tollgate.WithClock(clock),
		tollgate.WithNetwork(&fakeNetwork{}),
	)
	require.NoError(t, err)

	inv := id.NewInvoiceID()
	_, err = eng.Publish(ctx, event.InvoiceIssued{
		InvoiceID: inv,
		AccountID: id.NewAccountID(),
		Currency:  "USD",
		Subtotal:  100,
		IssuedAt:  t0,
		DueAt:     t0,
	})
	require.NoError(t, err)
	_, err = eng.Drain(ctx, 100)
	require.NoError(t, err)

	clock.Set(t0.Add(8 * day))
	_, err = eng.Drain(ctx, 100)
	require.NoError(t, err)

	got, err := eng.Store().GetInvoice(ctx, inv)
	require.NoError(t, err)
	assert.Equal(t, invoice.StatusOverdue, got.Status)

	_, err = eng.Store().GetActiveCaseForInvoice(ctx, inv)
	assert.ErrorIs(t, err, dunning.ErrNotFound)

	dead, err := eng.Store().ListEvents(ctx, event.ListOpts{Status: []event.Status{event.StatusDead}})
	require.NoError(t, err)
	assert.Empty(t, dead)
}

func TestSLABreachFiresOnce(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	require.ErrorIs(t, h.eng.ScheduleSLA(ctx, "", t0), tollgate.ErrSLASubject)
	require.NoError(t, h.eng.ScheduleSLA(ctx, "ticket-42", t0.Add(time.Hour)))
	require.NoError(t, h.eng.ScheduleSLA(ctx, "ticket-43", t0.Add(time.Hour)))
	require.NoError(t, h.eng.CancelSLA(ctx, "ticket-43"))

	h.drain(t)
	breaches, err := h.eng.Store().ListEvents(ctx, event.ListOpts{Type: event.TypeSLABreachDetected})
	require.NoError(t, err)
	assert.Empty(t, breaches)

	h.clock.Advance(2 * time.Hour)
	h.drain(t)
	h.drain(t)

	breaches, err = h.eng.Store().ListEvents(ctx, event.ListOpts{Type: event.TypeSLABreachDetected})
	require.NoError(t, err)
	require.Len(t, breaches, 1)
	assert.Equal(t, event.StatusSucceeded, breaches[0].Status)

	p, err := event.Decode[event.SLABreachDetected](breaches[0])
	require.NoError(t, err)
	assert.Equal(t, "ticket-42", p.SubjectID)
}

func TestDeadLetterRequeueSkipsSucceededHandlers(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	var failing atomic.Bool
	failing.Store(true)
	var calls atomic.Int32
	err := dispatch.Handle(h.eng.Handlers(), "audit.sla", func(context.Context, *event.Event, event.SLABreachDetected) dispatch.Result {
		calls.Add(1)
		if failing.Load() {
			return dispatch.Fatal(errors.New("audit sink rejected record"))
		}
		return dispatch.Success()
	})
	require.NoError(t, err)

	ev, err := h.eng.Publish(ctx, event.SLABreachDetected{SubjectID: "ticket-7", Deadline: t0})
	require.NoError(t, err)
	h.drain(t)

	dead, err := h.eng.DeadLetters(ctx, 10, 0)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, ev.ID, dead[0].ID)
	assert.True(t, dead[0].HandlerSucceeded("sla"))
	assert.False(t, dead[0].HandlerSucceeded("audit.sla"))

	failing.Store(false)
	require.NoError(t, h.eng.Requeue(ctx, ev.ID))
	h.drain(t)

	got, err := h.eng.Event(ctx, ev.ID)
	require.NoError(t, err)
	assert.Equal(t, event.StatusSucceeded, got.Status)
	assert.True(t, got.HandlerSucceeded("audit.sla"))
	assert.Equal(t, int32(2), calls.Load())

	dead, err = h.eng.DeadLetters(ctx, 10, 0)
	require.NoError(t, err)
	assert.Empty(t, dead)
}

func TestStartStop(t *testing.T) {
	ctx := context.Background()
	cfg := tollgate.DefaultConfig()
	cfg.PollInterval = 10 * time.Millisecond
	cfg.TimerInterval = 10 * time.Millisecond
	cfg.DunningSchedule = tollgate.ScheduleOff

	eng, err := tollgate.New(memory.New(),
		tollgate.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		tollgate.WithNetwork(&fakeNetwork{}),
		tollgate.WithConfig(cfg),
	)
	require.NoError(t, err)

	assert.ErrorIs(t, eng.Stop(ctx), tollgate.ErrNotStarted)
	require.NoError(t, eng.Start(ctx))
	assert.ErrorIs(t, eng.Start(ctx), tollgate.ErrAlreadyStarted)

	ev, err := eng.Publish(ctx, event.SLABreachDetected{SubjectID: "ticket-1", Deadline: time.Now()})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		got, err := eng.Event(ctx, ev.ID)
		return err == nil && got.Status == event.StatusSucceeded
	}, 5*time.Second, 10*time.Millisecond)

	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, eng.Stop(stopCtx))
}
