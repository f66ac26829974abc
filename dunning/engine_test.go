package dunning_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xraph/tollgate/dunning"
	"github.com/xraph/tollgate/event"
	"github.com/xraph/tollgate/id"
	"github.com/xraph/tollgate/invoice"
	"github.com/xraph/tollgate/store/memory"
	"github.com/xraph/tollgate/timer"
	"github.com/xraph/tollgate/types"
)

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func day(n int) time.Time { return t0.AddDate(0, 0, n) }

var residential = &dunning.PolicySet{
	ID: dunning.DefaultPolicySetID,
	Steps: []dunning.Step{
		{DayOffset: 0, Action: dunning.ActionNotify, Template: "reminder", Channel: "email"},
		{DayOffset: 7, Action: dunning.ActionThrottle},
		{DayOffset: 14, Action: dunning.ActionSuspend},
	},
}

type recordingScheduler struct {
	mu        sync.Mutex
	scheduled map[string]time.Time
	canceled  []string
}

func (r *recordingScheduler) Schedule(_ context.Context, subjectType, subjectID string, firesAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.scheduled == nil {
		r.scheduled = make(map[string]time.Time)
	}
	r.scheduled[subjectType+"/"+subjectID] = firesAt
	return nil
}

func (r *recordingScheduler) Cancel(_ context.Context, subjectType, subjectID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := subjectType + "/" + subjectID
	delete(r.scheduled, key)
	r.canceled = append(r.canceled, key)
	return nil
}

type fixture struct {
	ctx       context.Context
	store     *memory.Store
	clock     *types.ManualClock
	scheduler *recordingScheduler
	engine    *dunning.Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		ctx:       context.Background(),
		store:     memory.New(),
		clock:     types.NewManualClock(t0),
		scheduler: &recordingScheduler{},
	}
	f.engine = dunning.NewEngine(f.store,
		dunning.StaticPolicies{residential.ID: residential},
		dunning.WithClock(f.clock),
		dunning.WithScheduler(f.scheduler),
		dunning.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)
	return f
}

// overdue stores an overdue invoice due at t0.
func (f *fixture) overdue(t *testing.T) *invoice.Invoice {
	t.Helper()
	inv := &invoice.Invoice{
		Entity:     types.NewEntity(t0),
		ID:         id.NewInvoiceID(),
		AccountID:  id.NewAccountID(),
		Status:     invoice.StatusOverdue,
		Currency:   "USD",
		Total:      types.New(100, "USD"),
		BalanceDue: types.New(100, "USD"),
		DueAt:      t0,
	}
	require.NoError(t, f.store.CreateInvoice(f.ctx, inv))
	return inv
}

func (f *fixture) setStatus(t *testing.T, invID id.InvoiceID, s invoice.Status) {
	t.Helper()
	inv, err := f.store.GetInvoice(f.ctx, invID)
	require.NoError(t, err)
	inv.Status = s
	require.NoError(t, f.store.UpdateInvoice(f.ctx, inv))
}

func (f *fixture) statusChanged(t *testing.T, inv *invoice.Invoice, to invoice.Status) {
	t.Helper()
	require.NoError(t, f.engine.InvoiceStatusChanged(f.ctx, event.InvoiceStatusChanged{
		InvoiceID: inv.ID,
		AccountID: inv.AccountID,
		To:        string(to),
		DueAt:     inv.DueAt,
	}))
}

func (f *fixture) activeCase(t *testing.T, invID id.InvoiceID) *dunning.Case {
	t.Helper()
	c, err := f.store.GetActiveCaseForInvoice(f.ctx, invID)
	require.NoError(t, err)
	return c
}

func (f *fixture) events(t *testing.T, typ event.Type) []*event.Event {
	t.Helper()
	evs, err := f.store.ListEvents(f.ctx, event.ListOpts{Type: typ})
	require.NoError(t, err)
	return evs
}

func TestAdvance(t *testing.T) {
	open := func(index int) dunning.State { return dunning.State{StepIndex: index, Status: dunning.StatusOpen} }
	tied := []dunning.Step{
		{DayOffset: 0, Action: dunning.ActionNotify},
		{DayOffset: 0, Action: dunning.ActionReject},
	}

	tests := []struct {
		name   string
		state  dunning.State
		steps  []dunning.Step
		days   int
		target int
		ok     bool
	}{
		{"before due", open(-1), residential.Steps, -1, -1, false},
		{"first step on due day", open(-1), residential.Steps, 0, 0, true},
		{"between steps", open(0), residential.Steps, 3, 0, false},
		{"next step", open(0), residential.Steps, 7, 1, true},
		{"late scan jumps to highest", open(-1), residential.Steps, 20, 2, true},
		{"never goes back", open(2), residential.Steps, 8, 2, false},
		{"paused case holds", dunning.State{StepIndex: 0, Status: dunning.StatusPaused}, residential.Steps, 20, 0, false},
		{"tied offsets take the later step", open(-1), tied, 0, 1, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			target, ok := dunning.Advance(tt.state, tt.steps, tt.days)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.target, target)
		})
	}
}

func TestDaysOverdue(t *testing.T) {
	tests := []struct {
		name string
		now  time.Time
		want int
	}{
		{"due instant", t0, 0},
		{"same day", t0.Add(23 * time.Hour), 0},
		{"one day", t0.Add(24 * time.Hour), 1},
		{"a week and change", day(7).Add(time.Minute), 7},
		{"an hour early", t0.Add(-time.Hour), -1},
		{"a day early", day(-1), -1},
		{"just over a day early", day(-1).Add(-time.Hour), -2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, dunning.DaysOverdue(t0, tt.now))
		})
	}
}

func TestNextOffset(t *testing.T) {
	off, ok := dunning.NextOffset(residential.Steps, -1)
	assert.True(t, ok)
	assert.Equal(t, 0, off)

	off, ok = dunning.NextOffset(residential.Steps, 0)
	assert.True(t, ok)
	assert.Equal(t, 7, off)

	_, ok = dunning.NextOffset(residential.Steps, 2)
	assert.False(t, ok)

	assert.Equal(t, day(14), dunning.StepTime(t0, 14))
}

func TestOverdueInvoiceWalksSteps(t *testing.T) {
	f := newFixture(t)
	inv := f.overdue(t)

	f.statusChanged(t, inv, invoice.StatusOverdue)
	c := f.activeCase(t, inv.ID)
	assert.Equal(t, dunning.DefaultPolicySetID, c.PolicySetID)
	assert.Equal(t, 0, c.CurrentStepIndex)
	assert.False(t, c.Enforced)
	assert.Equal(t, day(7), f.scheduler.scheduled[timer.SubjectDunningCase+"/"+c.ID.String()])

	f.clock.Set(day(3))
	exec, err := f.engine.Evaluate(f.ctx, c.ID)
	require.NoError(t, err)
	assert.Nil(t, exec)

	f.clock.Set(day(8))
	exec, err = f.engine.Evaluate(f.ctx, c.ID)
	require.NoError(t, err)
	require.NotNil(t, exec)
	assert.Equal(t, 1, exec.StepIndex)
	assert.Equal(t, dunning.ActionThrottle, exec.Step.Action)
	assert.True(t, exec.Case.Enforced)
	assert.Equal(t, day(14), f.scheduler.scheduled[timer.SubjectDunningCase+"/"+c.ID.String()])

	exec, err = f.engine.Evaluate(f.ctx, c.ID)
	require.NoError(t, err)
	assert.Nil(t, exec, "a step never runs twice")

	requested := f.events(t, event.TypeDunningActionRequested)
	require.Len(t, requested, 2)
	p, err := event.Decode[event.DunningActionRequested](requested[1])
	require.NoError(t, err)
	assert.Equal(t, "throttle", p.Action)
	assert.Equal(t, 1, p.StepIndex)

	// A second overdue event for the same invoice reuses the case.
	f.statusChanged(t, inv, invoice.StatusOverdue)
	cases, err := f.store.ListCases(f.ctx, dunning.ListOpts{InvoiceID: inv.ID})
	require.NoError(t, err)
	assert.Len(t, cases, 1)
}

// failingAppender rejects event appends while err is set.
type failingAppender struct {
	*memory.Store
	err error
}

func (s *failingAppender) AppendEvent(ctx context.Context, e *event.Event) error {
	if s.err != nil {
		return s.err
	}
	return s.Store.AppendEvent(ctx, e)
}

func TestEvaluateKeepsStepWhenAppendFails(t *testing.T) {
	f := newFixture(t)
	inv := f.overdue(t)
	c, opened, err := f.engine.Open(f.ctx, inv)
	require.NoError(t, err)
	require.True(t, opened)

	s := &failingAppender{Store: f.store, err: errors.New("disk full")}
	eng := dunning.NewEngine(s,
		dunning.StaticPolicies{residential.ID: residential},
		dunning.WithClock(f.clock),
		dunning.WithScheduler(f.scheduler),
		dunning.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)

	f.clock.Set(day(8))
	_, err = eng.Evaluate(f.ctx, c.ID)
	require.ErrorIs(t, err, s.err)

	got, err := f.store.GetCase(f.ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, -1, got.CurrentStepIndex)
	assert.False(t, got.Enforced)
	assert.Empty(t, f.events(t, event.TypeDunningActionRequested))

	s.err = nil
	exec, err := eng.Evaluate(f.ctx, c.ID)
	require.NoError(t, err)
	require.NotNil(t, exec)
	assert.Equal(t, 1, exec.StepIndex)

	got, err = f.store.GetCase(f.ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.CurrentStepIndex)
	assert.True(t, got.Enforced)
	assert.Len(t, f.events(t, event.TypeDunningActionRequested), 1)
}

func TestOpenWithoutPoliciesOpensNothing(t *testing.T) {
	f := newFixture(t)
	inv := f.overdue(t)
	eng := dunning.NewEngine(f.store, nil, dunning.WithClock(f.clock))

	c, opened, err := eng.Open(f.ctx, inv)
	require.NoError(t, err)
	assert.Nil(t, c)
	assert.False(t, opened)

	require.NoError(t, eng.InvoiceStatusChanged(f.ctx, event.InvoiceStatusChanged{
		InvoiceID: inv.ID,
		AccountID: inv.AccountID,
		To:        string(invoice.StatusOverdue),
		DueAt:     inv.DueAt,
	}))
	_, err = f.store.GetActiveCaseForInvoice(f.ctx, inv.ID)
	assert.ErrorIs(t, err, dunning.ErrNotFound)
}

func TestPaymentResolvesCase(t *testing.T) {
	f := newFixture(t)
	inv := f.overdue(t)
	f.clock.Set(day(8))
	f.statusChanged(t, inv, invoice.StatusOverdue)
	c := f.activeCase(t, inv.ID)
	require.True(t, c.Enforced)

	f.setStatus(t, inv.ID, invoice.StatusPaid)
	f.statusChanged(t, inv, invoice.StatusPaid)

	closed, err := f.store.GetCase(f.ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, dunning.StatusResolved, closed.Status)
	assert.Equal(t, "invoice paid", closed.CloseReason)
	require.NotNil(t, closed.ClosedAt)
	assert.Contains(t, f.scheduler.canceled, timer.SubjectDunningCase+"/"+c.ID.String())

	resolved := f.events(t, event.TypeDunningResolved)
	require.Len(t, resolved, 1)
	p, err := event.Decode[event.DunningResolved](resolved[0])
	require.NoError(t, err)
	assert.Equal(t, string(dunning.StatusResolved), p.Outcome)
	assert.True(t, p.Enforced)

	// Replays are no-ops; a different outcome is refused.
	f.statusChanged(t, inv, invoice.StatusPaid)
	assert.Len(t, f.events(t, event.TypeDunningResolved), 1)
	assert.ErrorIs(t, f.engine.Abandon(f.ctx, c.ID, ""), dunning.ErrCaseClosed)
}

func TestEvaluateClosesSettledCase(t *testing.T) {
	f := newFixture(t)
	inv := f.overdue(t)
	f.statusChanged(t, inv, invoice.StatusOverdue)
	c := f.activeCase(t, inv.ID)

	f.setStatus(t, inv.ID, invoice.StatusVoid)
	exec, err := f.engine.Evaluate(f.ctx, c.ID)
	require.NoError(t, err)
	assert.Nil(t, exec)

	closed, err := f.store.GetCase(f.ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, dunning.StatusAbandoned, closed.Status)
}

func TestPauseAndResume(t *testing.T) {
	f := newFixture(t)
	inv := f.overdue(t)
	f.statusChanged(t, inv, invoice.StatusOverdue)
	c := f.activeCase(t, inv.ID)

	require.NoError(t, f.engine.Pause(f.ctx, c.ID))
	assert.ErrorIs(t, f.engine.Pause(f.ctx, c.ID), dunning.ErrCaseNotOpen)
	assert.NotContains(t, f.scheduler.scheduled, timer.SubjectDunningCase+"/"+c.ID.String())

	f.clock.Set(day(20))
	exec, err := f.engine.Evaluate(f.ctx, c.ID)
	require.NoError(t, err)
	assert.Nil(t, exec, "paused cases do not advance")

	res, err := f.engine.Scan(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, dunning.ScanResult{}, res, "a paused case still counts as active")

	exec, err = f.engine.Resume(f.ctx, c.ID)
	require.NoError(t, err)
	require.NotNil(t, exec)
	assert.Equal(t, 2, exec.StepIndex)
	assert.Equal(t, dunning.ActionSuspend, exec.Step.Action)

	_, err = f.engine.Resume(f.ctx, c.ID)
	assert.ErrorIs(t, err, dunning.ErrCaseNotPaused)

	require.NoError(t, f.engine.Abandon(f.ctx, c.ID, "written off"))
	closed, err := f.store.GetCase(f.ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, dunning.StatusAbandoned, closed.Status)
	assert.Equal(t, "written off", closed.CloseReason)
}

func TestScanOpensAndAdvances(t *testing.T) {
	f := newFixture(t)
	first := f.overdue(t)
	second := f.overdue(t)

	f.clock.Set(day(8))
	res, err := f.engine.Scan(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, dunning.ScanResult{Opened: 2, Executed: 2}, res)

	for _, inv := range []*invoice.Invoice{first, second} {
		c := f.activeCase(t, inv.ID)
		assert.Equal(t, 1, c.CurrentStepIndex, "scan jumps straight to the throttle step")
		assert.True(t, c.Enforced)
	}

	res, err = f.engine.Scan(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, dunning.ScanResult{}, res)
}

func TestPolicyResolver(t *testing.T) {
	f := newFixture(t)
	business := &dunning.PolicySet{ID: "business", Steps: []dunning.Step{{DayOffset: 30, Action: dunning.ActionSuspend}}}
	f.engine = dunning.NewEngine(f.store,
		dunning.StaticPolicies{residential.ID: residential, business.ID: business},
		dunning.WithClock(f.clock),
		dunning.WithPolicyResolver(func(context.Context, *invoice.Invoice) (string, error) { return business.ID, nil }),
	)
	inv := f.overdue(t)
	f.statusChanged(t, inv, invoice.StatusOverdue)

	c := f.activeCase(t, inv.ID)
	assert.Equal(t, business.ID, c.PolicySetID)
	assert.Equal(t, -1, c.CurrentStepIndex)
}

func TestLoadPolicies(t *testing.T) {
	const valid = `
policy_sets:
  - id: residential
    name: Residential
    steps:
      - {day_offset: 0, action: notify, template: overdue-reminder, channel: email}
      - {day_offset: 7, action: throttle}
      - {day_offset: 14, action: suspend}
  - id: business
    steps:
      - {day_offset: 30, action: reject}
`
	policies, err := dunning.LoadPolicies(strings.NewReader(valid))
	require.NoError(t, err)
	require.Len(t, policies, 2)

	ps, err := policies.PolicySet(context.Background(), "residential")
	require.NoError(t, err)
	require.Len(t, ps.Steps, 3)
	assert.Equal(t, "overdue-reminder", ps.Steps[0].Template)
	assert.Equal(t, dunning.ActionThrottle, ps.Steps[1].Action)

	_, err = policies.PolicySet(context.Background(), "missing")
	assert.ErrorIs(t, err, dunning.ErrPolicyNotFound)

	tests := []struct {
		name string
		yaml string
		err  error
	}{
		{"unknown action", "policy_sets:\n  - id: a\n    steps:\n      - {day_offset: 0, action: bill}\n", dunning.ErrInvalidPolicy},
		{"negative offset", "policy_sets:\n  - id: a\n    steps:\n      - {day_offset: -1, action: notify}\n", dunning.ErrInvalidPolicy},
		{"no steps", "policy_sets:\n  - id: a\n    steps: []\n", dunning.ErrInvalidPolicy},
		{"missing id", "policy_sets:\n  - steps:\n      - {day_offset: 0, action: notify}\n", dunning.ErrInvalidPolicy},
		{
			"duplicate id",
			"policy_sets:\n  - id: a\n    steps: [{day_offset: 0, action: notify}]\n  - id: a\n    steps: [{day_offset: 1, action: notify}]\n",
			dunning.ErrInvalidPolicy,
		},
		{"unknown field", "policy_sets:\n  - id: a\n    stages: []\n", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := dunning.LoadPolicies(strings.NewReader(tt.yaml))
			require.Error(t, err)
			if tt.err != nil {
				assert.ErrorIs(t, err, tt.err)
			}
		})
	}
}

type countingSource struct {
	dunning.StaticPolicies
	calls int
}

func (c *countingSource) PolicySet(ctx context.Context, policySetID string) (*dunning.PolicySet, error) {
	c.calls++
	return c.StaticPolicies.PolicySet(ctx, policySetID)
}

func TestCachedPolicies(t *testing.T) {
	ctx := context.Background()
	src := &countingSource{StaticPolicies: dunning.StaticPolicies{residential.ID: residential}}
	cached, err := dunning.NewCachedPolicies(src, 8)
	require.NoError(t, err)

	for range 3 {
		ps, err := cached.PolicySet(ctx, residential.ID)
		require.NoError(t, err)
		assert.Same(t, residential, ps)
	}
	assert.Equal(t, 1, src.calls)

	_, err = cached.PolicySet(ctx, "missing")
	assert.ErrorIs(t, err, dunning.ErrPolicyNotFound)
	_, err = cached.PolicySet(ctx, "missing")
	assert.ErrorIs(t, err, dunning.ErrPolicyNotFound)
	assert.Equal(t, 3, src.calls, "misses are not cached")

	cached.Purge()
	_, err = cached.PolicySet(ctx, residential.ID)
	require.NoError(t, err)
	assert.Equal(t, 4, src.calls)

	_, err = dunning.NewCachedPolicies(src, 0)
	assert.Error(t, err)
}
