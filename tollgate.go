package tollgate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel/trace"

	"github.com/xraph/tollgate/dispatch"
	"github.com/xraph/tollgate/dunning"
	"github.com/xraph/tollgate/enforcement"
	"github.com/xraph/tollgate/event"
	"github.com/xraph/tollgate/id"
	"github.com/xraph/tollgate/ledger"
	"github.com/xraph/tollgate/notify"
	"github.com/xraph/tollgate/plugin"
	"github.com/xraph/tollgate/store"
	"github.com/xraph/tollgate/timer"
	"github.com/xraph/tollgate/types"
)

// Engine wires the billing core onto one store: the dispatcher and its
// handler registry, the ledger, dunning, enforcement and timer engines,
// and the background workers that drive them.
type Engine struct {
	store   store.Store
	plugins *plugin.Registry
	logger  *slog.Logger
	clock   types.Clock
	config  Config

	network        enforcement.Network
	policies       dunning.PolicySource
	resolver       dunning.PolicyResolver
	notifier       notify.Notifier
	tracerProvider trace.TracerProvider
	optErrs        []error

	registry    *dispatch.Registry
	dispatcher  *dispatch.Dispatcher
	ledger      *ledger.Engine
	dunning     *dunning.Engine
	enforcement *enforcement.Executor
	timer       *timer.Engine

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	cron    *cron.Cron
	wg      sync.WaitGroup
}

// New builds an Engine on s. A network is required.
func New(s store.Store, opts ...Option) (*Engine, error) {
	e := &Engine{
		store:   s,
		plugins: plugin.NewRegistry(),
		logger:  slog.Default(),
		clock:   types.SystemClock,
		config:  DefaultConfig(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if err := errors.Join(e.optErrs...); err != nil {
		return nil, err
	}

	e.config = e.config.WithDefaults()
	if err := e.config.Validate(); err != nil {
		return nil, err
	}
	if e.network == nil {
		return nil, ErrNoNetwork
	}
	e.plugins.WithTimeout(e.config.HookTimeout)

	policies, err := e.policySource()
	if err != nil {
		return nil, err
	}

	e.timer = timer.NewEngine(s,
		timer.WithLogger(e.logger),
		timer.WithClock(e.clock),
		timer.WithHooks(e.plugins),
		timer.WithBatchSize(e.config.TimerBatchSize),
	)

	e.ledger = ledger.NewEngine(s,
		ledger.WithLogger(e.logger),
		ledger.WithClock(e.clock),
		ledger.WithHooks(e.plugins),
		ledger.WithScheduler(e.timer),
	)

	dunningOpts := []dunning.Option{
		dunning.WithLogger(e.logger),
		dunning.WithClock(e.clock),
		dunning.WithHooks(e.plugins),
		dunning.WithScheduler(e.timer),
		dunning.WithNotifier(e.notifierOrDefault()),
		dunning.WithBatchSize(e.config.ScanBatchSize),
		dunning.WithNotifyAttempts(e.config.NotifyAttempts),
		dunning.WithDefaultPolicy(e.config.DefaultPolicySet),
	}
	if e.resolver != nil {
		dunningOpts = append(dunningOpts, dunning.WithPolicyResolver(e.resolver))
	}
	e.dunning = dunning.NewEngine(s, policies, dunningOpts...)

	execOpts := []enforcement.Option{
		enforcement.WithLogger(e.logger),
		enforcement.WithClock(e.clock),
		enforcement.WithHooks(e.plugins),
		enforcement.WithProtocolTimeout(e.config.ProtocolTimeout),
		enforcement.WithThrottleProfile(e.config.ThrottleProfile),
		enforcement.WithReauthOnReactivate(e.config.ReauthOnReactivate),
	}
	dispatchOpts := []dispatch.Option{
		dispatch.WithConfig(e.config.Dispatch()),
		dispatch.WithLogger(e.logger),
		dispatch.WithClock(e.clock),
		dispatch.WithHooks(e.plugins),
	}
	if e.tracerProvider != nil {
		execOpts = append(execOpts, enforcement.WithTracerProvider(e.tracerProvider))
		dispatchOpts = append(dispatchOpts, dispatch.WithTracerProvider(e.tracerProvider))
	}
	e.enforcement = enforcement.NewExecutor(s, e.network, execOpts...)

	e.registry = dispatch.NewRegistry()
	for _, register := range []func(*dispatch.Registry) error{
		e.ledger.Register,
		e.dunning.Register,
		e.enforcement.Register,
		e.registerSLA,
	} {
		if err := register(e.registry); err != nil {
			return nil, fmt.Errorf("tollgate: register handlers: %w", err)
		}
	}
	e.dispatcher = dispatch.New(s, e.registry, dispatchOpts...)

	return e, nil
}

// policySource resolves the dunning policies: the explicit source, else
// the policy file, else nil, which disables dunning. Sources other than an in-memory set are
// fronted by an LRU cache.
func (e *Engine) policySource() (dunning.PolicySource, error) {
	src := e.policies
	if src == nil && e.config.PolicyFile != "" {
		static, err := dunning.LoadPolicyFile(e.config.PolicyFile)
		if err != nil {
			return nil, err
		}
		src = static
	}
	if src == nil {
		e.logger.Warn("no dunning policies configured; overdue invoices will not open cases")
		return nil, nil
	}
	if _, static := src.(dunning.StaticPolicies); static || e.config.PolicyCacheSize <= 0 {
		return src, nil
	}
	return dunning.NewCachedPolicies(src, e.config.PolicyCacheSize)
}

func (e *Engine) notifierOrDefault() notify.Notifier {
	if e.notifier != nil {
		return e.notifier
	}
	if n := e.plugins.Notifier(); n != nil {
		return n
	}
	return notify.LogNotifier{Logger: e.logger}
}

func (e *Engine) registerSLA(r *dispatch.Registry) error {
	return dispatch.Handle(r, "sla", func(_ context.Context, ev *event.Event, p event.SLABreachDetected) dispatch.Result {
		e.logger.Warn("sla breached",
			"event_id", ev.ID.String(),
			"subject_id", p.SubjectID,
			"deadline", p.Deadline,
		)
		return dispatch.Success()
	})
}

// ──────────────────────────────────────────────────
// Lifecycle
// ──────────────────────────────────────────────────

// Start runs the dispatcher, the timer scanner and the scheduled dunning
// and overdue scans until Stop. Workers outlive ctx; only Stop ends them.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return ErrAlreadyStarted
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	c := cron.New(
		cron.WithLocation(time.UTC),
		cron.WithLogger(cronLogger{e.logger}),
		cron.WithChain(cron.Recover(cronLogger{e.logger}), cron.SkipIfStillRunning(cronLogger{e.logger})),
	)
	jobs := []struct {
		spec string
		name string
		run  func(context.Context) error
	}{
		{e.config.DunningSchedule, "dunning scan", func(ctx context.Context) error { _, err := e.ScanDunning(ctx); return err }},
		{e.config.OverdueSchedule, "overdue scan", func(ctx context.Context) error { _, err := e.MarkOverdue(ctx); return err }},
	}
	for _, j := range jobs {
		if scheduleDisabled(j.spec) {
			continue
		}
		_, err := c.AddFunc(j.spec, func() {
			if err := j.run(runCtx); err != nil && runCtx.Err() == nil {
				e.logger.Error(j.name+" failed", "error", err)
			}
		})
		if err != nil {
			cancel()
			return fmt.Errorf("tollgate: schedule %s: %w", j.name, err)
		}
	}

	e.plugins.EmitInit(ctx, e)

	e.wg.Add(2)
	go func() {
		defer e.wg.Done()
		if err := e.dispatcher.Run(runCtx); err != nil {
			e.logger.Error("dispatcher exited", "error", err)
		}
	}()
	go func() {
		defer e.wg.Done()
		if err := e.timer.Run(runCtx, e.config.TimerInterval); err != nil {
			e.logger.Error("timer exited", "error", err)
		}
	}()
	c.Start()

	e.cron = c
	e.cancel = cancel
	e.running = true

	e.logger.Info("tollgate started",
		"workers", e.config.Workers,
		"batch_size", e.config.BatchSize,
		"timer_interval", e.config.TimerInterval,
		"dunning_schedule", e.config.DunningSchedule,
		"overdue_schedule", e.config.OverdueSchedule,
	)
	return nil
}

// Stop ends the workers, waiting for in-flight deliveries until ctx is
// done, then closes the store.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.running {
		return ErrNotStarted
	}

	cronDone := e.cron.Stop()
	e.cancel()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		<-cronDone.Done()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = fmt.Errorf("tollgate: stop: %w", ctx.Err())
	}

	e.running = false
	e.plugins.EmitShutdown(ctx)
	e.logger.Info("tollgate stopped")

	return errors.Join(err, e.store.Close())
}

// Drain fires due deadlines and delivers claimable events until a round
// makes no progress or maxRounds is reached. It returns how many events
// were claimed. Events waiting on backoff are not drained.
func (e *Engine) Drain(ctx context.Context, maxRounds int) (int, error) {
	total := 0
	for round := 0; maxRounds <= 0 || round < maxRounds; round++ {
		fired, err := e.timer.Scan(ctx)
		if err != nil {
			return total, err
		}
		n, err := e.dispatcher.PollOnce(ctx)
		total += n
		if err != nil {
			return total, err
		}
		if n == 0 && fired == 0 {
			return total, nil
		}
	}
	return total, nil
}

// ──────────────────────────────────────────────────
// Producers
// ──────────────────────────────────────────────────

// Publish validates p and appends it as a pending event.
func (e *Engine) Publish(ctx context.Context, p event.Payload) (*event.Event, error) {
	ev, err := event.New(p, e.clock.Now())
	if err != nil {
		return nil, err
	}
	if err := e.store.AppendEvent(ctx, ev); err != nil {
		return nil, fmt.Errorf("tollgate: publish %s: %w", ev.Type, err)
	}
	e.logger.Debug("event published", "event_id", ev.ID.String(), "event_type", string(ev.Type))
	return ev, nil
}

// ──────────────────────────────────────────────────
// Operator surfaces
// ──────────────────────────────────────────────────

// DeadLetters lists dead events, oldest first.
func (e *Engine) DeadLetters(ctx context.Context, limit, offset int) ([]*event.Event, error) {
	return e.store.ListEvents(ctx, event.ListOpts{
		Status: []event.Status{event.StatusDead},
		Limit:  limit,
		Offset: offset,
	})
}

// Event returns one event with its handler outcomes.
func (e *Engine) Event(ctx context.Context, eventID id.EventID) (*event.Event, error) {
	return e.store.GetEvent(ctx, eventID)
}

// Requeue gives a dead event a fresh attempt budget. Handlers that
// already succeeded for it are not run again.
func (e *Engine) Requeue(ctx context.Context, eventID id.EventID) error {
	if err := e.store.RequeueEvent(ctx, eventID, e.clock.Now()); err != nil {
		return fmt.Errorf("tollgate: requeue %s: %w", eventID, err)
	}
	e.logger.Info("event requeued", "event_id", eventID.String())
	return nil
}

// ScheduleSLA starts an SLA clock for subject; when it runs out an
// sla.breach_detected event is appended.
func (e *Engine) ScheduleSLA(ctx context.Context, subject string, firesAt time.Time) error {
	if subject == "" {
		return ErrSLASubject
	}
	return e.timer.Schedule(ctx, timer.SubjectSLA, subject, firesAt)
}

// CancelSLA stops every pending SLA clock of subject.
func (e *Engine) CancelSLA(ctx context.Context, subject string) error {
	if subject == "" {
		return ErrSLASubject
	}
	return e.timer.Cancel(ctx, timer.SubjectSLA, subject)
}

// ScanDunning opens cases for overdue invoices and evaluates open cases.
func (e *Engine) ScanDunning(ctx context.Context) (dunning.ScanResult, error) {
	res, err := e.dunning.Scan(ctx)
	if err != nil {
		return res, err
	}
	e.logger.Debug("dunning scan", "opened", res.Opened, "executed", res.Executed)
	return res, nil
}

// MarkOverdue moves past-due invoices to overdue.
func (e *Engine) MarkOverdue(ctx context.Context) (int, error) {
	n, err := e.ledger.MarkOverdue(ctx, e.config.ScanBatchSize)
	if err != nil {
		return n, err
	}
	e.logger.Debug("overdue scan", "marked", n)
	return n, nil
}

// Reconcile checks the ledger invariant for an account.
func (e *Engine) Reconcile(ctx context.Context, acct id.AccountID) (*ledger.Reconciliation, error) {
	return e.ledger.Reconcile(ctx, acct)
}

// Authorize answers an AAA access decision for a subscription.
func (e *Engine) Authorize(ctx context.Context, subID id.SubscriptionID) (enforcement.Decision, error) {
	return e.enforcement.Authorize(ctx, subID)
}

// ListActions lists enforcement actions.
func (e *Engine) ListActions(ctx context.Context, opts enforcement.ListOpts) ([]*enforcement.Action, error) {
	return e.store.ListActions(ctx, opts)
}

// ──────────────────────────────────────────────────
// Accessors
// ──────────────────────────────────────────────────

func (e *Engine) Store() store.Store { return e.store }
func (e *Engine) Plugins() *plugin.Registry { return e.plugins }
func (e *Engine) Config() Config { return e.config }
func (e *Engine) Dispatcher() *dispatch.Dispatcher { return e.dispatcher }
func (e *Engine) Handlers() *dispatch.Registry { return e.registry }
func (e *Engine) Ledger() *ledger.Engine { return e.ledger }
func (e *Engine) Dunning() *dunning.Engine { return e.dunning }
func (e *Engine) Enforcement() *enforcement.Executor { return e.enforcement }
func (e *Engine) Timer() *timer.Engine { return e.timer }

// cronLogger adapts slog to cron.Logger.
type cronLogger struct{ l *slog.Logger }

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	c.l.Debug("cron: "+msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.l.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
