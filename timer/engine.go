package timer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/xraph/tollgate/event"
	"github.com/xraph/tollgate/id"
	"github.com/xraph/tollgate/types"
)

// EngineStore is what the timer engine needs from persistence.
type EngineStore interface {
	Store
	event.Appender
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// Mapper turns a fired deadline into the event it announces.
type Mapper func(d *Deadline) (event.Payload, error)

// Hooks receives notifications after a deadline fires.
type Hooks interface {
	EmitDeadlineFired(ctx context.Context, d *Deadline, e *event.Event)
}

// Engine schedules, cancels and fires deadlines.
type Engine struct {
	store     EngineStore
	hooks     Hooks
	logger    *slog.Logger
	clock     types.Clock
	batchSize int

	mu      sync.RWMutex
	mappers map[string]Mapper
}

// Option configures an Engine.
type Option func(*Engine)

func WithLogger(l *slog.Logger) Option { return func(e *Engine) { e.logger = l } }
func WithClock(c types.Clock) Option   { return func(e *Engine) { e.clock = c } }
func WithHooks(h Hooks) Option         { return func(e *Engine) { e.hooks = h } }

// WithBatchSize caps how many due deadlines one scan handles.
func WithBatchSize(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.batchSize = n
		}
	}
}

// NewEngine creates an Engine with the built-in subject mappings.
func NewEngine(s EngineStore, opts ...Option) *Engine {
	e := &Engine{
		store:     s,
		logger:    slog.Default(),
		clock:     types.SystemClock,
		batchSize: 100,
		mappers:   make(map[string]Mapper),
	}
	for _, opt := range opts {
		opt(e)
	}

	e.RegisterMapper(SubjectInvoiceDue, func(d *Deadline) (event.Payload, error) {
		invID, err := id.ParseInvoiceID(d.SubjectID)
		if err != nil {
			return nil, err
		}
		return event.InvoiceDueElapsed{InvoiceID: invID, DueAt: d.FiresAt}, nil
	})
	e.RegisterMapper(SubjectDunningCase, func(d *Deadline) (event.Payload, error) {
		caseID, err := id.ParseDunningCaseID(d.SubjectID)
		if err != nil {
			return nil, err
		}
		return event.DunningStepDue{CaseID: caseID}, nil
	})
	e.RegisterMapper(SubjectSLA, func(d *Deadline) (event.Payload, error) {
		return event.SLABreachDetected{SubjectID: d.SubjectID, Deadline: d.FiresAt}, nil
	})

	return e
}

// RegisterMapper sets the event mapping for a subject type.
func (e *Engine) RegisterMapper(subjectType string, m Mapper) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.mappers[subjectType] = m
}

func (e *Engine) mapper(subjectType string) (Mapper, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	m, ok := e.mappers[subjectType]
	return m, ok
}

// Schedule records a deadline. Scheduling the same (subject, fires_at)
// twice is a no-op.
func (e *Engine) Schedule(ctx context.Context, subjectType, subjectID string, firesAt time.Time) error {
	if _, ok := e.mapper(subjectType); !ok {
		return fmt.Errorf("%w: %s", ErrNoMapper, subjectType)
	}

	now := e.clock.Now()
	d := &Deadline{
		ID:          id.NewDeadlineID(),
		SubjectType: subjectType,
		SubjectID:   subjectID,
		FiresAt:     firesAt.UTC().Truncate(time.Microsecond),
		CreatedAt:   now.UTC().Truncate(time.Microsecond),
	}

	created, err := e.store.CreateDeadline(ctx, d)
	if err != nil {
		return fmt.Errorf("timer: schedule %s/%s: %w", subjectType, subjectID, err)
	}
	if created {
		e.logger.Debug("deadline scheduled",
			"subject_type", subjectType,
			"subject_id", subjectID,
			"fires_at", d.FiresAt,
		)
	}
	return nil
}

// Cancel cancels every pending deadline of a subject.
func (e *Engine) Cancel(ctx context.Context, subjectType, subjectID string) error {
	n, err := e.store.CancelDeadlines(ctx, subjectType, subjectID)
	if err != nil {
		return fmt.Errorf("timer: cancel %s/%s: %w", subjectType, subjectID, err)
	}
	if n > 0 {
		e.logger.Debug("deadlines canceled", "subject_type", subjectType, "subject_id", subjectID, "count", n)
	}
	return nil
}

// Scan fires every due deadline and returns how many this caller fired.
// Safe to run from any number of workers at once.
func (e *Engine) Scan(ctx context.Context) (int, error) {
	now := e.clock.Now()

	due, err := e.store.ListDueDeadlines(ctx, now, e.batchSize)
	if err != nil {
		return 0, fmt.Errorf("timer: list due: %w", err)
	}

	fired := 0
	for _, d := range due {
		if err := ctx.Err(); err != nil {
			return fired, err
		}

		ev, won, err := e.fire(ctx, d, now)
		if err != nil {
			e.logger.Error("deadline fire failed",
				"deadline_id", d.ID.String(),
				"subject_type", d.SubjectType,
				"error", err,
			)
			continue
		}
		if !won {
			continue
		}

		fired++
		if e.hooks != nil && ev != nil {
			e.hooks.EmitDeadlineFired(ctx, d, ev)
		}
	}

	return fired, nil
}

func (e *Engine) fire(ctx context.Context, d *Deadline, now time.Time) (*event.Event, bool, error) {
	var (
		ev  *event.Event
		won bool
	)

	err := e.store.RunInTx(ctx, func(ctx context.Context) error {
		claimed, err := e.store.ClaimDeadline(ctx, d.ID, now)
		if err != nil || !claimed {
			return err
		}
		won = true

		m, ok := e.mapper(d.SubjectType)
		if !ok {
			e.logger.Error("deadline has no event mapping, consumed without event",
				"deadline_id", d.ID.String(),
				"subject_type", d.SubjectType,
			)
			return nil
		}

		payload, err := m(d)
		if err != nil {
			e.logger.Error("deadline subject unmappable, consumed without event",
				"deadline_id", d.ID.String(),
				"subject_id", d.SubjectID,
				"error", err,
			)
			return nil
		}

		ev, err = event.New(payload, now)
		if err != nil {
			return err
		}
		return e.store.AppendEvent(ctx, ev)
	})
	if err != nil {
		return nil, false, err
	}

	return ev, won, nil
}

// Run scans every interval until ctx is canceled.
func (e *Engine) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := e.Scan(ctx); err != nil && ctx.Err() == nil {
			e.logger.Warn("deadline scan failed", "error", err)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
