package enforcement_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xraph/tollgate/dunning"
	"github.com/xraph/tollgate/enforcement"
	"github.com/xraph/tollgate/event"
	"github.com/xraph/tollgate/id"
	"github.com/xraph/tollgate/store/memory"
	"github.com/xraph/tollgate/subscription"
	"github.com/xraph/tollgate/types"
)

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

type coa struct {
	session string
	profile string
}

type fakeNetwork struct {
	mu          sync.Mutex
	sessions    []enforcement.Session
	lookupErr   error
	coaErr      error
	block       bool // CoA waits for the context
	coas        []coa
	disconnects []string
}

func (n *fakeNetwork) LookupActiveSessions(context.Context, *subscription.Subscription) ([]enforcement.Session, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.sessions, n.lookupErr
}

func (n *fakeNetwork) SendCoA(ctx context.Context, s enforcement.Session, attrs enforcement.Attributes) error {
	n.mu.Lock()
	block, err := n.block, n.coaErr
	n.mu.Unlock()
	if block {
		<-ctx.Done()
		return ctx.Err()
	}
	if err != nil {
		return err
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	n.coas = append(n.coas, coa{session: s.ID, profile: attrs.RateProfile})
	return nil
}

func (n *fakeNetwork) SendDisconnect(_ context.Context, s enforcement.Session) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.disconnects = append(n.disconnects, s.ID)
	return nil
}

type fixture struct {
	ctx      context.Context
	store    *memory.Store
	network  *fakeNetwork
	executor *enforcement.Executor
	account  id.AccountID
}

func newFixture(t *testing.T, opts ...enforcement.Option) *fixture {
	t.Helper()
	f := &fixture{
		ctx:   context.Background(),
		store: memory.New(),
		network: &fakeNetwork{sessions: []enforcement.Session{
			{ID: "sess-1", Username: "alice", NASAddress: "10.0.0.1:3799"},
		}},
		account: id.NewAccountID(),
	}
	opts = append([]enforcement.Option{
		enforcement.WithClock(types.NewManualClock(t0)),
		enforcement.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	}, opts...)
	f.executor = enforcement.NewExecutor(f.store, f.network, opts...)
	return f
}

func (f *fixture) subscribe(t *testing.T, status subscription.Status) *subscription.Subscription {
	t.Helper()
	subID := id.NewSubscriptionID()
	require.NoError(t, f.executor.Sync(f.ctx, event.SubscriptionSynced{
		SubscriptionID: subID,
		AccountID:      f.account,
		Username:       "alice",
		Status:         string(status),
		RateProfile:    "10M/10M",
	}))
	sub, err := f.store.GetSubscription(f.ctx, subID)
	require.NoError(t, err)
	return sub
}

func (f *fixture) apply(sub *subscription.Subscription, kind enforcement.Kind, step int, caseID id.DunningCaseID) (*enforcement.Outcome, error) {
	return f.executor.Apply(f.ctx, enforcement.Request{
		SubscriptionID: sub.ID,
		AccountID:      sub.AccountID,
		CaseID:         caseID,
		Kind:           kind,
		StepIndex:      step,
	})
}

func (f *fixture) subscription(t *testing.T, subID id.SubscriptionID) *subscription.Subscription {
	t.Helper()
	sub, err := f.store.GetSubscription(f.ctx, subID)
	require.NoError(t, err)
	return sub
}

func TestDuplicateSuspendDisconnectsOnce(t *testing.T) {
	f := newFixture(t)
	sub := f.subscribe(t, subscription.StatusActive)
	caseID := id.NewDunningCaseID()

	first, err := f.apply(sub, enforcement.KindSuspend, 2, caseID)
	require.NoError(t, err)
	assert.False(t, first.Duplicate)
	assert.Equal(t, enforcement.StatusApplied, first.Action.Status)
	assert.Equal(t, 1, first.Action.Sessions)
	assert.Equal(t, 1, first.Action.Attempts)

	second, err := f.apply(sub, enforcement.KindSuspend, 2, caseID)
	require.NoError(t, err)
	assert.True(t, second.Duplicate)
	assert.Equal(t, first.Action.ID, second.Action.ID)

	assert.Equal(t, []string{"sess-1"}, f.network.disconnects)

	got := f.subscription(t, sub.ID)
	assert.False(t, got.Authorizable)
	assert.Equal(t, "suspended for non-payment", got.BlockReason)

	d, err := f.executor.Authorize(f.ctx, sub.ID)
	require.NoError(t, err)
	assert.False(t, d.Allowed)

	applied, err := f.store.ListEvents(f.ctx, event.ListOpts{Type: event.TypeEnforcementApplied})
	require.NoError(t, err)
	assert.Len(t, applied, 1)
}

func TestThrottleWithoutSessionRetries(t *testing.T) {
	f := newFixture(t)
	f.network.sessions = nil
	sub := f.subscribe(t, subscription.StatusActive)

	out, err := f.apply(sub, enforcement.KindThrottle, 1, id.Nil)
	require.ErrorIs(t, err, enforcement.ErrNoSession)
	assert.True(t, enforcement.Retryable(err))
	assert.Equal(t, enforcement.StatusFailed, out.Action.Status)
	assert.True(t, f.subscription(t, sub.ID).Throttled, "authorization flips before the protocol message")

	failed, err := f.store.ListEvents(f.ctx, event.ListOpts{Type: event.TypeEnforcementFailed})
	require.NoError(t, err)
	require.Len(t, failed, 1)
	p, err := event.Decode[event.EnforcementFailed](failed[0])
	require.NoError(t, err)
	assert.True(t, p.Retryable)

	f.network.sessions = []enforcement.Session{{ID: "sess-2", NASAddress: "10.0.0.1:3799"}}
	out, err = f.apply(sub, enforcement.KindThrottle, 1, id.Nil)
	require.NoError(t, err)
	assert.Equal(t, enforcement.StatusApplied, out.Action.Status)
	assert.Equal(t, 2, out.Action.Attempts)
	assert.Empty(t, out.Action.LastError)
	assert.Equal(t, []coa{{session: "sess-2", profile: "256k/256k"}}, f.network.coas)
}

func TestProtocolTimeoutIsUnreachable(t *testing.T) {
	f := newFixture(t, enforcement.WithProtocolTimeout(20*time.Millisecond))
	f.network.block = true
	sub := f.subscribe(t, subscription.StatusActive)

	_, err := f.apply(sub, enforcement.KindThrottle, 1, id.Nil)
	require.ErrorIs(t, err, enforcement.ErrProtocolUnreachable)
	assert.True(t, enforcement.Retryable(err))
}

func TestReactivateRestoresRateProfile(t *testing.T) {
	f := newFixture(t, enforcement.WithThrottleProfile("128k/128k"))
	sub := f.subscribe(t, subscription.StatusActive)
	caseID := id.NewDunningCaseID()

	_, err := f.apply(sub, enforcement.KindThrottle, 1, caseID)
	require.NoError(t, err)

	d, err := f.executor.Authorize(f.ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, enforcement.Decision{Allowed: true, RateProfile: "128k/128k", Reason: "throttled for non-payment"}, d)

	_, err = f.apply(sub, enforcement.KindReactivate, 1, caseID)
	require.NoError(t, err)
	assert.Equal(t, []coa{
		{session: "sess-1", profile: "128k/128k"},
		{session: "sess-1", profile: "10M/10M"},
	}, f.network.coas)

	got := f.subscription(t, sub.ID)
	assert.True(t, got.Authorizable)
	assert.False(t, got.Throttled)
	assert.Empty(t, got.BlockReason)

	d, err = f.executor.Authorize(f.ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, enforcement.Decision{Allowed: true, RateProfile: "10M/10M"}, d)
}

func TestReactivateRetryRestoresRateProfile(t *testing.T) {
	f := newFixture(t, enforcement.WithThrottleProfile("128k/128k"))
	sub := f.subscribe(t, subscription.StatusActive)
	caseID := id.NewDunningCaseID()

	_, err := f.apply(sub, enforcement.KindThrottle, 1, caseID)
	require.NoError(t, err)

	f.network.coaErr = errors.New("nas unreachable")
	_, err = f.apply(sub, enforcement.KindReactivate, 1, caseID)
	require.Error(t, err)
	assert.False(t, f.subscription(t, sub.ID).Throttled, "flags change before the CoA")

	f.network.coaErr = nil
	out, err := f.apply(sub, enforcement.KindReactivate, 1, caseID)
	require.NoError(t, err)
	assert.Equal(t, enforcement.StatusApplied, out.Action.Status)
	assert.Equal(t, []coa{
		{session: "sess-1", profile: "128k/128k"},
		{session: "sess-1", profile: "10M/10M"},
	}, f.network.coas)
}

func TestReactivateWithoutThrottleSendsNoCoA(t *testing.T) {
	f := newFixture(t)
	sub := f.subscribe(t, subscription.StatusActive)

	_, err := f.apply(sub, enforcement.KindReject, 1, id.Nil)
	require.NoError(t, err)
	_, err = f.apply(sub, enforcement.KindReactivate, 1, id.Nil)
	require.NoError(t, err)
	assert.Empty(t, f.network.coas)
}

func TestReactivateWithReauthDisconnects(t *testing.T) {
	f := newFixture(t, enforcement.WithReauthOnReactivate(true))
	sub := f.subscribe(t, subscription.StatusActive)

	_, err := f.apply(sub, enforcement.KindReject, 1, id.Nil)
	require.NoError(t, err)
	assert.Empty(t, f.network.disconnects, "reject leaves live sessions alone")
	assert.False(t, f.subscription(t, sub.ID).Authorizable)

	_, err = f.apply(sub, enforcement.KindReactivate, 1, id.Nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"sess-1"}, f.network.disconnects)
	assert.True(t, f.subscription(t, sub.ID).Authorizable)
}

func TestApplyErrors(t *testing.T) {
	f := newFixture(t)
	sub := f.subscribe(t, subscription.StatusActive)

	_, err := f.apply(sub, enforcement.Kind("shape"), 0, id.Nil)
	assert.ErrorIs(t, err, enforcement.ErrUnknownKind)

	_, err = f.executor.Apply(f.ctx, enforcement.Request{
		SubscriptionID: id.NewSubscriptionID(),
		Kind:           enforcement.KindSuspend,
	})
	assert.ErrorIs(t, err, subscription.ErrNotFound)

	f.network.coaErr = enforcement.ErrRejected
	_, err = f.apply(sub, enforcement.KindThrottle, 1, id.Nil)
	assert.ErrorIs(t, err, enforcement.ErrRejected)
}

func TestAuthorize(t *testing.T) {
	f := newFixture(t)
	active := f.subscribe(t, subscription.StatusActive)
	canceled := f.subscribe(t, subscription.StatusCanceled)

	tests := []struct {
		name  string
		subID id.SubscriptionID
		want  enforcement.Decision
	}{
		{"active", active.ID, enforcement.Decision{Allowed: true, RateProfile: "10M/10M"}},
		{"canceled", canceled.ID, enforcement.Decision{Reason: "subscription canceled"}},
		{"unknown", id.NewSubscriptionID(), enforcement.Decision{Reason: "unknown subscription"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := f.executor.Authorize(f.ctx, tt.subID)
			require.NoError(t, err)
			assert.Equal(t, tt.want, d)
		})
	}
}

func TestSyncKeepsEnforcementFlags(t *testing.T) {
	f := newFixture(t)
	sub := f.subscribe(t, subscription.StatusActive)
	_, err := f.apply(sub, enforcement.KindSuspend, 2, id.Nil)
	require.NoError(t, err)

	require.NoError(t, f.executor.Sync(f.ctx, event.SubscriptionSynced{
		SubscriptionID: sub.ID,
		AccountID:      f.account,
		Username:       "alice",
		Status:         string(subscription.StatusActive),
		RateProfile:    "20M/20M",
	}))

	got := f.subscription(t, sub.ID)
	assert.Equal(t, "20M/20M", got.RateProfile)
	assert.False(t, got.Authorizable)
}

func TestRequestFromDunning(t *testing.T) {
	f := newFixture(t)
	f.subscribe(t, subscription.StatusActive)
	f.subscribe(t, subscription.StatusActive)
	f.subscribe(t, subscription.StatusCanceled)

	step := event.DunningActionRequested{
		CaseID:    id.NewDunningCaseID(),
		AccountID: f.account,
		InvoiceID: id.NewInvoiceID(),
		StepIndex: 0,
		Action:    string(dunning.ActionNotify),
	}
	n, err := f.executor.RequestFromDunning(f.ctx, step)
	require.NoError(t, err)
	assert.Zero(t, n)

	step.StepIndex, step.Action = 1, string(dunning.ActionThrottle)
	n, err = f.executor.RequestFromDunning(f.ctx, step)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	reqs, err := f.store.ListEvents(f.ctx, event.ListOpts{Type: event.TypeEnforcementRequested})
	require.NoError(t, err)
	require.Len(t, reqs, 2)
	for _, ev := range reqs {
		p, err := event.Decode[event.EnforcementRequested](ev)
		require.NoError(t, err)
		assert.Equal(t, "throttle", p.Kind)
		assert.Equal(t, step.CaseID, p.CaseID)
	}
}

func TestRequestReactivation(t *testing.T) {
	f := newFixture(t)
	throttled := f.subscribe(t, subscription.StatusActive)
	f.subscribe(t, subscription.StatusActive)
	caseID := id.NewDunningCaseID()
	_, err := f.apply(throttled, enforcement.KindThrottle, 1, caseID)
	require.NoError(t, err)

	resolved := event.DunningResolved{
		CaseID:    caseID,
		AccountID: f.account,
		InvoiceID: id.NewInvoiceID(),
		Outcome:   string(dunning.StatusResolved),
		StepIndex: 1,
	}

	n, err := f.executor.RequestReactivation(f.ctx, resolved)
	require.NoError(t, err)
	assert.Zero(t, n, "case never enforced")

	resolved.Enforced = true
	other := &dunning.Case{
		Entity:           types.NewEntity(t0),
		ID:               id.NewDunningCaseID(),
		AccountID:        f.account,
		InvoiceID:        id.NewInvoiceID(),
		Status:           dunning.StatusOpen,
		PolicySetID:      dunning.DefaultPolicySetID,
		CurrentStepIndex: 1,
		Enforced:         true,
		OpenedAt:         t0,
	}
	require.NoError(t, f.store.CreateCase(f.ctx, other))

	n, err = f.executor.RequestReactivation(f.ctx, resolved)
	require.NoError(t, err)
	assert.Zero(t, n, "held while another case enforces")

	require.NoError(t, f.store.UpdateCaseStatus(f.ctx, other.ID, dunning.StatusOpen, dunning.StatusResolved, "paid", t0))
	n, err = f.executor.RequestReactivation(f.ctx, resolved)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "only the throttled subscription")

	reqs, err := f.store.ListEvents(f.ctx, event.ListOpts{Type: event.TypeEnforcementRequested})
	require.NoError(t, err)
	require.Len(t, reqs, 1)
	p, err := event.Decode[event.EnforcementRequested](reqs[0])
	require.NoError(t, err)
	assert.Equal(t, throttled.ID, p.SubscriptionID)
	assert.Equal(t, string(enforcement.KindReactivate), p.Kind)
}

func TestRetryable(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{enforcement.ErrProtocolUnreachable, true},
		{fmt.Errorf("session x: %w", enforcement.ErrNoSession), true},
		{enforcement.ErrRejected, true},
		{context.DeadlineExceeded, true},
		{enforcement.ErrUnknownKind, false},
		{errors.New("boom"), false},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			assert.Equal(t, tt.want, enforcement.Retryable(tt.err))
		})
	}
}

func TestKey(t *testing.T) {
	subID := id.NewSubscriptionID()
	caseID := id.NewDunningCaseID()

	assert.Equal(t, subID.String()+":suspend:2:"+caseID.String(), enforcement.Key(subID, enforcement.KindSuspend, 2, caseID))
	assert.Equal(t, subID.String()+":reactivate:0:-", enforcement.Key(subID, enforcement.KindReactivate, 0, id.Nil))
	assert.NotEqual(t,
		enforcement.Key(subID, enforcement.KindThrottle, 1, caseID),
		enforcement.Key(subID, enforcement.KindThrottle, 1, id.NewDunningCaseID()),
	)
}
