package timer_test

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/xraph/tollgate/event"
	"github.com/xraph/tollgate/id"
	"github.com/xraph/tollgate/store/memory"
	"github.com/xraph/tollgate/timer"
	"github.com/xraph/tollgate/types"
)

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

type firedHooks struct {
	mu     sync.Mutex
	events []*event.Event
}

func (h *firedHooks) EmitDeadlineFired(_ context.Context, _ *timer.Deadline, e *event.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, e)
}

func newEngine(t *testing.T, opts ...timer.Option) (*timer.Engine, *memory.Store, *types.ManualClock) {
	t.Helper()
	s := memory.New()
	clock := types.NewManualClock(t0)
	opts = append([]timer.Option{
		timer.WithClock(clock),
		timer.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	}, opts...)
	return timer.NewEngine(s, opts...), s, clock
}

func pending(t *testing.T, s *memory.Store, subjectType, subjectID string) []*timer.Deadline {
	t.Helper()
	ds, err := s.ListDeadlines(context.Background(), timer.ListOpts{
		SubjectType: subjectType,
		SubjectID:   subjectID,
		Pending:     true,
	})
	require.NoError(t, err)
	return ds
}

func TestScheduleIsIdempotent(t *testing.T) {
	ctx := context.Background()
	eng, s, _ := newEngine(t)

	for range 3 {
		require.NoError(t, eng.Schedule(ctx, timer.SubjectSLA, "ticket-1", t0.Add(time.Hour)))
	}
	require.NoError(t, eng.Schedule(ctx, timer.SubjectSLA, "ticket-1", t0.Add(2*time.Hour)))

	assert.Len(t, pending(t, s, timer.SubjectSLA, "ticket-1"), 2)
}

func TestScheduleUnknownSubject(t *testing.T) {
	eng, _, _ := newEngine(t)
	err := eng.Schedule(context.Background(), "renewal", "x", t0)
	assert.ErrorIs(t, err, timer.ErrNoMapper)
}

func TestCancel(t *testing.T) {
	ctx := context.Background()
	eng, s, clock := newEngine(t)

	require.NoError(t, eng.Schedule(ctx, timer.SubjectSLA, "ticket-1", t0.Add(time.Hour)))
	require.NoError(t, eng.Schedule(ctx, timer.SubjectSLA, "ticket-2", t0.Add(time.Hour)))
	require.NoError(t, eng.Cancel(ctx, timer.SubjectSLA, "ticket-1"))
	require.NoError(t, eng.Cancel(ctx, timer.SubjectSLA, "never-scheduled"))

	assert.Empty(t, pending(t, s, timer.SubjectSLA, "ticket-1"))

	clock.Set(t0.Add(2 * time.Hour))
	n, err := eng.Scan(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	evs, err := s.ListEvents(ctx, event.ListOpts{Type: event.TypeSLABreachDetected})
	require.NoError(t, err)
	require.Len(t, evs, 1)
	p, err := event.Decode[event.SLABreachDetected](evs[0])
	require.NoError(t, err)
	assert.Equal(t, "ticket-2", p.SubjectID)
	assert.True(t, p.Deadline.Equal(t0.Add(time.Hour)))
}

func TestScanFiresOnlyDueDeadlines(t *testing.T) {
	ctx := context.Background()
	hooks := &firedHooks{}
	eng, s, clock := newEngine(t, timer.WithHooks(hooks))

	invID := id.NewInvoiceID()
	caseID := id.NewDunningCaseID()
	require.NoError(t, eng.Schedule(ctx, timer.SubjectInvoiceDue, invID.String(), t0.Add(time.Hour)))
	require.NoError(t, eng.Schedule(ctx, timer.SubjectDunningCase, caseID.String(), t0.Add(48*time.Hour)))

	n, err := eng.Scan(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	clock.Set(t0.Add(time.Hour))
	n, err = eng.Scan(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.Len(t, hooks.events, 1)
	assert.Equal(t, event.TypeInvoiceDueElapsed, hooks.events[0].Type)
	p, err := event.Decode[event.InvoiceDueElapsed](hooks.events[0])
	require.NoError(t, err)
	assert.Equal(t, invID, p.InvoiceID)

	n, err = eng.Scan(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "a fired deadline stays fired")

	clock.Set(t0.Add(72 * time.Hour))
	n, err = eng.Scan(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	steps, err := s.ListEvents(ctx, event.ListOpts{Type: event.TypeDunningStepDue})
	require.NoError(t, err)
	assert.Len(t, steps, 1)
}

func TestConcurrentScansFireOnce(t *testing.T) {
	ctx := context.Background()
	eng, s, clock := newEngine(t)

	const deadlines = 25
	for i := range deadlines {
		require.NoError(t, eng.Schedule(ctx, timer.SubjectSLA, "ticket", t0.Add(time.Duration(i+1)*time.Minute)))
	}
	clock.Set(t0.Add(time.Hour))

	var total atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	for range 8 {
		g.Go(func() error {
			n, err := eng.Scan(gctx)
			total.Add(int64(n))
			return err
		})
	}
	require.NoError(t, g.Wait())

	assert.Equal(t, int64(deadlines), total.Load())
	evs, err := s.ListEvents(ctx, event.ListOpts{Type: event.TypeSLABreachDetected})
	require.NoError(t, err)
	assert.Len(t, evs, deadlines)
}

func TestUnmappableDeadlineIsConsumed(t *testing.T) {
	ctx := context.Background()
	eng, s, clock := newEngine(t)

	require.NoError(t, eng.Schedule(ctx, timer.SubjectInvoiceDue, "not-an-invoice-id", t0))
	clock.Set(t0.Add(time.Minute))

	n, err := eng.Scan(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Empty(t, pending(t, s, timer.SubjectInvoiceDue, "not-an-invoice-id"))

	evs, err := s.ListEvents(ctx, event.ListOpts{})
	require.NoError(t, err)
	assert.Empty(t, evs)
}

func TestRegisterMapper(t *testing.T) {
	ctx := context.Background()
	eng, s, clock := newEngine(t)

	eng.RegisterMapper("renewal", func(d *timer.Deadline) (event.Payload, error) {
		return event.SLABreachDetected{SubjectID: "renewal:" + d.SubjectID, Deadline: d.FiresAt}, nil
	})
	require.NoError(t, eng.Schedule(ctx, "renewal", "acct-9", t0))
	clock.Set(t0.Add(time.Second))

	n, err := eng.Scan(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	evs, err := s.ListEvents(ctx, event.ListOpts{Type: event.TypeSLABreachDetected})
	require.NoError(t, err)
	require.Len(t, evs, 1)
	assert.Equal(t, "sla:renewal:acct-9", evs[0].CorrelationKey)
}

func TestRunScansUntilCanceled(t *testing.T) {
	eng, s, _ := newEngine(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, eng.Schedule(ctx, timer.SubjectSLA, "ticket-1", t0))

	done := make(chan error, 1)
	go func() { done <- eng.Run(ctx, 10*time.Millisecond) }()

	assert.Eventually(t, func() bool {
		evs, err := s.ListEvents(context.Background(), event.ListOpts{Type: event.TypeSLABreachDetected})
		return err == nil && len(evs) == 1
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
