package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/xraph/tollgate/event"
	"github.com/xraph/tollgate/id"
	"github.com/xraph/tollgate/types"
)

// Config tunes delivery.
type Config struct {
	BatchSize      int
	Workers        int
	PollInterval   time.Duration
	MaxAttempts    int
	Lease          time.Duration
	HandlerTimeout time.Duration
	BackoffInitial time.Duration
	BackoffMax     time.Duration
}

// DefaultConfig returns the delivery defaults.
func DefaultConfig() Config {
	return Config{
		BatchSize:      50,
		Workers:        4,
		PollInterval:   time.Second,
		MaxAttempts:    8,
		Lease:          2 * time.Minute,
		HandlerTimeout: 30 * time.Second,
		BackoffInitial: 5 * time.Second,
		BackoffMax:     30 * time.Minute,
	}
}

// Hooks receives delivery notifications after the outcome is saved.
type Hooks interface {
	EmitEventDispatched(ctx context.Context, e *event.Event)
	EmitEventDeadLettered(ctx context.Context, e *event.Event)
}

// Dispatcher claims deliverable events and runs their handlers.
type Dispatcher struct {
	store    event.Store
	registry *Registry
	hooks    Hooks
	cfg      Config
	logger   *slog.Logger
	clock    types.Clock
	tracer   trace.Tracer
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithConfig replaces the delivery config. Zero fields keep their defaults.
func WithConfig(cfg Config) Option {
	return func(d *Dispatcher) {
		def := d.cfg
		if cfg.BatchSize > 0 {
			def.BatchSize = cfg.BatchSize
		}
		if cfg.Workers > 0 {
			def.Workers = cfg.Workers
		}
		if cfg.PollInterval > 0 {
			def.PollInterval = cfg.PollInterval
		}
		if cfg.MaxAttempts > 0 {
			def.MaxAttempts = cfg.MaxAttempts
		}
		if cfg.Lease > 0 {
			def.Lease = cfg.Lease
		}
		if cfg.HandlerTimeout > 0 {
			def.HandlerTimeout = cfg.HandlerTimeout
		}
		if cfg.BackoffInitial > 0 {
			def.BackoffInitial = cfg.BackoffInitial
		}
		if cfg.BackoffMax > 0 {
			def.BackoffMax = cfg.BackoffMax
		}
		d.cfg = def
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(d *Dispatcher) { d.logger = l } }

// WithClock sets the clock used for claims and retry scheduling.
func WithClock(c types.Clock) Option { return func(d *Dispatcher) { d.clock = c } }

// WithHooks sets the delivery hooks.
func WithHooks(h Hooks) Option { return func(d *Dispatcher) { d.hooks = h } }

// WithTracerProvider sets the tracer provider. Defaults to the global one.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(d *Dispatcher) { d.tracer = tp.Tracer("github.com/xraph/tollgate/dispatch") }
}

// New creates a Dispatcher over store with the handlers in registry.
func New(store event.Store, registry *Registry, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		store:    store,
		registry: registry,
		cfg:      DefaultConfig(),
		logger:   slog.Default(),
		clock:    types.SystemClock,
		tracer:   otel.Tracer("github.com/xraph/tollgate/dispatch"),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Config returns the effective delivery config.
func (d *Dispatcher) Config() Config { return d.cfg }

// Run polls with cfg.Workers concurrent workers until ctx is canceled.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.logger.Info("dispatcher started",
		"workers", d.cfg.Workers,
		"batch_size", d.cfg.BatchSize,
		"max_attempts", d.cfg.MaxAttempts,
	)

	g, ctx := errgroup.WithContext(ctx)
	for w := 0; w < d.cfg.Workers; w++ {
		g.Go(func() error {
			d.loop(ctx, w)
			return nil
		})
	}
	err := g.Wait()
	d.logger.Info("dispatcher stopped")
	return err
}

func (d *Dispatcher) loop(ctx context.Context, worker int) {
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		n, err := d.PollOnce(ctx)
		if err != nil && ctx.Err() == nil {
			d.logger.Error("dispatcher poll failed", "worker", worker, "error", err)
		}

		wait := d.cfg.PollInterval
		if n >= d.cfg.BatchSize {
			wait = 0
		}
		timer.Reset(wait)
	}
}

// PollOnce claims one batch and delivers it. It returns the number of
// events claimed.
func (d *Dispatcher) PollOnce(ctx context.Context) (int, error) {
	token := id.New(id.PrefixClaim).String()
	events, err := d.store.ClaimEvents(ctx, event.ClaimOpts{
		Limit:       d.cfg.BatchSize,
		Now:         d.clock.Now(),
		Lease:       d.cfg.Lease,
		MaxAttempts: d.cfg.MaxAttempts,
		Token:       token,
	})
	if err != nil {
		return 0, fmt.Errorf("dispatch: claim: %w", err)
	}

	var errs []error
	for _, e := range events {
		if err := d.Deliver(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return len(events), errors.Join(errs...)
}

// Deliver runs every handler that has not yet succeeded for a claimed
// event and saves the outcome.
func (d *Dispatcher) Deliver(ctx context.Context, e *event.Event) error {
	ctx, span := d.tracer.Start(ctx, "tollgate.dispatch "+string(e.Type),
		trace.WithAttributes(
			attribute.String("tollgate.event.id", e.ID.String()),
			attribute.String("tollgate.event.type", string(e.Type)),
			attribute.String("tollgate.correlation_key", e.CorrelationKey),
			attribute.Int("tollgate.attempt", e.AttemptCount),
		),
	)
	defer span.End()

	var fatal, retry error
	for _, h := range d.registry.Handlers(e.Type) {
		if e.HandlerSucceeded(h.Name) {
			continue
		}

		res := d.invoke(ctx, h, e)
		at := d.clock.Now()

		switch res.Kind {
		case KindSuccess:
			e.RecordOutcome(h.Name, nil, at)
		case KindNoOp:
			e.RecordOutcome(h.Name, nil, at)
			d.logger.Debug("handler skipped duplicate",
				"event_id", e.ID.String(), "handler", h.Name, "reason", res.Reason)
		case KindRetry:
			e.RecordOutcome(h.Name, res.Err, at)
			if retry == nil {
				retry = fmt.Errorf("%s: %w", h.Name, res.Err)
			}
			d.logger.Warn("handler failed",
				"event_id", e.ID.String(),
				"event_type", string(e.Type),
				"handler", h.Name,
				"attempt", e.AttemptCount,
				"error", res.Err,
			)
		case KindFatal:
			e.RecordOutcome(h.Name, res.Err, at)
			if fatal == nil {
				fatal = fmt.Errorf("%s: %w", h.Name, res.Err)
			}
			d.logger.Error("handler failed permanently",
				"event_id", e.ID.String(),
				"event_type", string(e.Type),
				"handler", h.Name,
				"error", res.Err,
			)
		}
	}

	d.settle(e, fatal, retry)
	if e.Status != event.StatusSucceeded {
		span.SetStatus(codes.Error, e.LastError)
	}

	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := d.store.SaveOutcome(saveCtx, e); err != nil {
		if errors.Is(err, event.ErrLeaseLost) {
			d.logger.Warn("event lease lost, outcome discarded",
				"event_id", e.ID.String(), "event_type", string(e.Type))
		}
		return fmt.Errorf("dispatch: save outcome %s: %w", e.ID, err)
	}

	if d.hooks != nil {
		if e.Status == event.StatusDead {
			d.hooks.EmitEventDeadLettered(ctx, e)
		} else {
			d.hooks.EmitEventDispatched(ctx, e)
		}
	}
	return nil
}

// settle derives the event status from the handler results of this attempt.
func (d *Dispatcher) settle(e *event.Event, fatal, retry error) {
	now := d.clock.Now().UTC()
	e.LockedUntil = time.Time{}

	switch {
	case fatal == nil && retry == nil:
		e.Status = event.StatusSucceeded
		e.LastError = ""
		e.ProcessedAt = &now

	case fatal != nil || e.AttemptCount >= d.cfg.MaxAttempts:
		cause := fatal
		if cause == nil {
			cause = retry
		}
		e.Status = event.StatusDead
		e.LastError = cause.Error()
		e.ProcessedAt = &now
		d.logger.Error("event dead-lettered",
			"event_id", e.ID.String(),
			"event_type", string(e.Type),
			"attempts", e.AttemptCount,
			"failed_handlers", e.FailedHandlers(),
			"error", fmt.Errorf("%w: %w", ErrDeadLettered, cause),
		)

	default:
		e.Status = event.StatusFailed
		e.LastError = retry.Error()
		e.NextAttemptAt = now.Add(d.delay(e.AttemptCount))
	}
}

// delay is the backoff before attempt+1.
func (d *Dispatcher) delay(attempt int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = d.cfg.BackoffInitial
	b.MaxInterval = d.cfg.BackoffMax
	b.Reset()

	next := b.InitialInterval
	for i := 0; i < attempt; i++ {
		next = b.NextBackOff()
	}
	if next <= 0 {
		next = d.cfg.BackoffInitial
	}
	return next
}

// invoke runs one handler against a copy of the event under the handler
// timeout, converting panics into retryable results.
func (d *Dispatcher) invoke(ctx context.Context, h Handler, e *event.Event) Result {
	hctx, cancel := context.WithTimeout(ctx, d.cfg.HandlerTimeout)
	defer cancel()

	done := make(chan Result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- Retry(fmt.Errorf("%w: %v", ErrHandlerPanic, r))
			}
		}()
		done <- h.Fn(hctx, e.Clone())
	}()

	select {
	case res := <-done:
		if res.Failed() && res.Err == nil {
			res.Err = errors.New("handler failed without error")
		}
		return res
	case <-hctx.Done():
		if ctx.Err() != nil {
			return Retry(ctx.Err())
		}
		return Retry(fmt.Errorf("%w after %s", ErrHandlerTimeout, d.cfg.HandlerTimeout))
	}
}
