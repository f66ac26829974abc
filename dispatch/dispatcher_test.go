package dispatch_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xraph/tollgate/dispatch"
	"github.com/xraph/tollgate/event"
	"github.com/xraph/tollgate/store/memory"
	"github.com/xraph/tollgate/types"
)

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

type recordingHooks struct {
	mu         sync.Mutex
	dispatched []string
	dead       []string
}

func (h *recordingHooks) EmitEventDispatched(_ context.Context, e *event.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.dispatched = append(h.dispatched, e.ID.String())
}

func (h *recordingHooks) EmitEventDeadLettered(_ context.Context, e *event.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.dead = append(h.dead, e.ID.String())
}

type fixture struct {
	store *memory.Store
	reg   *dispatch.Registry
	clock *types.ManualClock
	hooks *recordingHooks
	d     *dispatch.Dispatcher
}

func newFixture(t *testing.T, cfg dispatch.Config) *fixture {
	t.Helper()
	f := &fixture{
		store: memory.New(),
		reg:   dispatch.NewRegistry(),
		clock: types.NewManualClock(t0),
		hooks: &recordingHooks{},
	}
	f.d = dispatch.New(f.store, f.reg,
		dispatch.WithConfig(cfg),
		dispatch.WithClock(f.clock),
		dispatch.WithLogger(quiet),
		dispatch.WithHooks(f.hooks),
	)
	return f
}

func (f *fixture) append(t *testing.T, subject string) *event.Event {
	t.Helper()
	e, err := event.New(event.SLABreachDetected{SubjectID: subject, Deadline: t0}, f.clock.Now())
	require.NoError(t, err)
	require.NoError(t, f.store.AppendEvent(context.Background(), e))
	return e
}

func (f *fixture) get(t *testing.T, e *event.Event) *event.Event {
	t.Helper()
	got, err := f.store.GetEvent(context.Background(), e.ID)
	require.NoError(t, err)
	return got
}

func (f *fixture) handle(t *testing.T, name string, fn func(ctx context.Context) dispatch.Result) {
	t.Helper()
	require.NoError(t, dispatch.Handle(f.reg, name, func(ctx context.Context, _ *event.Event, _ event.SLABreachDetected) dispatch.Result {
		return fn(ctx)
	}))
}

func TestRegistry(t *testing.T) {
	r := dispatch.NewRegistry()
	noop := func(context.Context, *event.Event) dispatch.Result { return dispatch.Success() }

	require.NoError(t, r.Register(event.TypePaymentSucceeded, "ledger", noop))
	require.NoError(t, r.Register(event.TypePaymentSucceeded, "audit", noop))
	require.NoError(t, r.Register(event.TypePaymentFailed, "ledger", noop))

	err := r.Register(event.TypePaymentSucceeded, "ledger", noop)
	assert.ErrorIs(t, err, dispatch.ErrDuplicateHandler)

	err = r.Register(event.Type("payment.teleported"), "ledger", noop)
	assert.ErrorIs(t, err, event.ErrUnknownType)

	hs := r.Handlers(event.TypePaymentSucceeded)
	require.Len(t, hs, 2)
	assert.Equal(t, "ledger", hs[0].Name)
	assert.Equal(t, "audit", hs[1].Name)
	assert.ElementsMatch(t, []event.Type{event.TypePaymentSucceeded, event.TypePaymentFailed}, r.Types())
}

func TestFromError(t *testing.T) {
	errPermanent := errors.New("permanent")
	tests := []struct {
		name string
		err  error
		want dispatch.Kind
	}{
		{"nil is success", nil, dispatch.KindSuccess},
		{"listed error is fatal", fmt.Errorf("wrapped: %w", errPermanent), dispatch.KindFatal},
		{"anything else retries", errors.New("connection reset"), dispatch.KindRetry},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, dispatch.FromError(tt.err, errPermanent).Kind)
		})
	}
}

func TestDeliverSkipsHandlersThatSucceeded(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, dispatch.Config{BackoffInitial: time.Second, BackoffMax: time.Minute})

	var ledgerCalls, notifyCalls atomic.Int32
	f.handle(t, "ledger", func(context.Context) dispatch.Result {
		ledgerCalls.Add(1)
		return dispatch.Success()
	})
	f.handle(t, "notify", func(context.Context) dispatch.Result {
		if notifyCalls.Add(1) == 1 {
			return dispatch.Retry(errors.New("smtp unavailable"))
		}
		return dispatch.Success()
	})

	e := f.append(t, "ticket-1")

	n, err := f.d.PollOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got := f.get(t, e)
	assert.Equal(t, event.StatusFailed, got.Status)
	assert.True(t, got.HandlerSucceeded("ledger"))
	assert.False(t, got.HandlerSucceeded("notify"))
	assert.Contains(t, got.LastError, "smtp unavailable")
	assert.True(t, got.NextAttemptAt.After(t0))

	// Not due again until the backoff has passed.
	n, err = f.d.PollOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	f.clock.Advance(time.Minute)
	n, err = f.d.PollOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got = f.get(t, e)
	assert.Equal(t, event.StatusSucceeded, got.Status)
	assert.Equal(t, 2, got.AttemptCount)
	assert.Equal(t, int32(1), ledgerCalls.Load())
	assert.Equal(t, int32(2), notifyCalls.Load())
	assert.Empty(t, got.LastError)
	require.NotNil(t, got.ProcessedAt)
}

func TestRetryBudgetDeadLetters(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, dispatch.Config{MaxAttempts: 3, BackoffInitial: time.Second, BackoffMax: time.Minute})
	f.handle(t, "flaky", func(context.Context) dispatch.Result {
		return dispatch.Retry(errors.New("upstream timeout"))
	})
	e := f.append(t, "ticket-1")

	for attempt := 1; attempt <= 3; attempt++ {
		n, err := f.d.PollOnce(ctx)
		require.NoError(t, err)
		require.Equal(t, 1, n, "attempt %d", attempt)
		f.clock.Advance(time.Minute)
	}

	got := f.get(t, e)
	assert.Equal(t, event.StatusDead, got.Status)
	assert.Equal(t, 3, got.AttemptCount)
	assert.Equal(t, []string{"flaky"}, got.FailedHandlers())
	assert.Equal(t, []string{e.ID.String()}, f.hooks.dead)
	assert.Len(t, f.hooks.dispatched, 2)

	n, err := f.d.PollOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestFatalDeadLettersAtOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, dispatch.Config{})
	f.handle(t, "strict", func(context.Context) dispatch.Result {
		return dispatch.Fatal(errors.New("account closed"))
	})
	e := f.append(t, "ticket-1")

	_, err := f.d.PollOnce(ctx)
	require.NoError(t, err)

	got := f.get(t, e)
	assert.Equal(t, event.StatusDead, got.Status)
	assert.Equal(t, 1, got.AttemptCount)
	assert.Contains(t, got.LastError, "account closed")
}

func TestMalformedPayloadIsFatal(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, dispatch.Config{})
	f.handle(t, "sla", func(context.Context) dispatch.Result { return dispatch.Success() })

	e := f.append(t, "ticket-1")
	e2 := e.Clone()
	e2.Payload = []byte(`{"subject_id": 42}`)
	_, err := f.store.ClaimEvents(ctx, event.ClaimOpts{Limit: 1, Now: t0, Lease: time.Minute, MaxAttempts: 8, Token: "claim-1"})
	require.NoError(t, err)
	e2.ClaimToken = "claim-1"
	e2.Status = event.StatusProcessing
	e2.AttemptCount = 1

	require.NoError(t, f.d.Deliver(ctx, e2))
	got := f.get(t, e)
	assert.Equal(t, event.StatusDead, got.Status)
}

func TestPanicsAndTimeoutsRetry(t *testing.T) {
	tests := []struct {
		name    string
		handler func(ctx context.Context) dispatch.Result
		want    string
	}{
		{
			name:    "panic",
			handler: func(context.Context) dispatch.Result { panic("nil map") },
			want:    "handler panic",
		},
		{
			name: "timeout",
			handler: func(context.Context) dispatch.Result {
				time.Sleep(300 * time.Millisecond)
				return dispatch.Success()
			},
			want: "handler timeout",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, dispatch.Config{HandlerTimeout: 20 * time.Millisecond})
			f.handle(t, "h", tt.handler)
			e := f.append(t, "ticket-1")

			_, err := f.d.PollOnce(context.Background())
			require.NoError(t, err)

			got := f.get(t, e)
			assert.Equal(t, event.StatusFailed, got.Status)
			assert.Contains(t, got.LastError, tt.want)
		})
	}
}

func TestCorrelatedEventsWaitForPredecessor(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, dispatch.Config{BackoffInitial: time.Second, BackoffMax: time.Minute})

	var fail atomic.Bool
	fail.Store(true)
	var order []string
	var mu sync.Mutex
	require.NoError(t, dispatch.Handle(f.reg, "h", func(_ context.Context, e *event.Event, _ event.SLABreachDetected) dispatch.Result {
		if e.AttemptCount == 1 && fail.Load() {
			fail.Store(false)
			return dispatch.Retry(errors.New("first attempt fails"))
		}
		mu.Lock()
		order = append(order, e.ID.String())
		mu.Unlock()
		return dispatch.Success()
	}))

	first := f.append(t, "ticket-1")
	f.clock.Advance(time.Second)
	second := f.append(t, "ticket-1")
	other := f.append(t, "ticket-2")

	n, err := f.d.PollOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n, "first of ticket-1 and ticket-2")
	assert.Equal(t, event.StatusPending, f.get(t, second).Status)
	assert.Equal(t, event.StatusSucceeded, f.get(t, other).Status)

	// ticket-1's successor stays behind its failed predecessor.
	n, err = f.d.PollOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	f.clock.Advance(time.Minute)
	for range 2 {
		_, err = f.d.PollOnce(ctx)
		require.NoError(t, err)
	}

	assert.Equal(t, event.StatusSucceeded, f.get(t, first).Status)
	assert.Equal(t, event.StatusSucceeded, f.get(t, second).Status)
	assert.Equal(t, []string{other.ID.String(), first.ID.String(), second.ID.String()}, order)
}

func TestRunDeliversUntilCanceled(t *testing.T) {
	s := memory.New()
	reg := dispatch.NewRegistry()
	var delivered atomic.Int32
	require.NoError(t, dispatch.Handle(reg, "count", func(context.Context, *event.Event, event.SLABreachDetected) dispatch.Result {
		delivered.Add(1)
		return dispatch.Success()
	}))

	for i := range 40 {
		e, err := event.New(event.SLABreachDetected{SubjectID: fmt.Sprintf("ticket-%d", i), Deadline: t0}, t0)
		require.NoError(t, err)
		require.NoError(t, s.AppendEvent(context.Background(), e))
	}

	d := dispatch.New(s, reg,
		dispatch.WithConfig(dispatch.Config{Workers: 4, BatchSize: 5, PollInterval: 5 * time.Millisecond}),
		dispatch.WithLogger(quiet),
	)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	require.Eventually(t, func() bool { return delivered.Load() == 40 }, 5*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
}
