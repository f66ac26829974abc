package plugin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"sync"
	"time"

	"github.com/xraph/tollgate/dunning"
	"github.com/xraph/tollgate/enforcement"
	"github.com/xraph/tollgate/event"
	"github.com/xraph/tollgate/invoice"
	"github.com/xraph/tollgate/ledger"
	"github.com/xraph/tollgate/notify"
	"github.com/xraph/tollgate/timer"
)

// Registry manages all registered plugins and provides efficient dispatch.
// It uses type-cached discovery so emitting a hook never type-asserts.
type Registry struct {
	mu      sync.RWMutex
	plugins []Plugin
	logger  *slog.Logger
	timeout time.Duration

	// Type-cached plugin lists for efficient dispatch
	onInit                 []OnInit
	onShutdown             []OnShutdown
	onEventDispatched      []OnEventDispatched
	onEventDeadLettered    []OnEventDeadLettered
	onDeadlineFired        []OnDeadlineFired
	onLedgerPosted         []OnLedgerPosted
	onInvoiceStatusChanged []OnInvoiceStatusChanged
	onDunningCaseOpened    []OnDunningCaseOpened
	onDunningStepExecuted  []OnDunningStepExecuted
	onDunningCaseClosed    []OnDunningCaseClosed
	onEnforcementApplied   []OnEnforcementApplied
	onEnforcementFailed    []OnEnforcementFailed
	notifiers              []NotifierPlugin
}

// NewRegistry creates a new plugin registry.
func NewRegistry() *Registry {
	return &Registry{
		logger:  slog.Default(),
		timeout: 5 * time.Second,
	}
}

// WithLogger sets the logger for the registry.
func (r *Registry) WithLogger(logger *slog.Logger) *Registry {
	r.logger = logger
	return r
}

// WithTimeout bounds each hook call.
func (r *Registry) WithTimeout(d time.Duration) *Registry {
	if d > 0 {
		r.timeout = d
	}
	return r
}

// Register adds a plugin to the registry and caches its interfaces.
func (r *Registry) Register(p Plugin) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.plugins {
		if existing.Name() == p.Name() {
			return fmt.Errorf("plugin: duplicate registration: %s", p.Name())
		}
	}

	r.plugins = append(r.plugins, p)

	if v, ok := p.(OnInit); ok {
		r.onInit = append(r.onInit, v)
	}
	if v, ok := p.(OnShutdown); ok {
		r.onShutdown = append(r.onShutdown, v)
	}
	if v, ok := p.(OnEventDispatched); ok {
		r.onEventDispatched = append(r.onEventDispatched, v)
	}
	if v, ok := p.(OnEventDeadLettered); ok {
		r.onEventDeadLettered = append(r.onEventDeadLettered, v)
	}
	if v, ok := p.(OnDeadlineFired); ok {
		r.onDeadlineFired = append(r.onDeadlineFired, v)
	}
	if v, ok := p.(OnLedgerPosted); ok {
		r.onLedgerPosted = append(r.onLedgerPosted, v)
	}
	if v, ok := p.(OnInvoiceStatusChanged); ok {
		r.onInvoiceStatusChanged = append(r.onInvoiceStatusChanged, v)
	}
	if v, ok := p.(OnDunningCaseOpened); ok {
		r.onDunningCaseOpened = append(r.onDunningCaseOpened, v)
	}
	if v, ok := p.(OnDunningStepExecuted); ok {
		r.onDunningStepExecuted = append(r.onDunningStepExecuted, v)
	}
	if v, ok := p.(OnDunningCaseClosed); ok {
		r.onDunningCaseClosed = append(r.onDunningCaseClosed, v)
	}
	if v, ok := p.(OnEnforcementApplied); ok {
		r.onEnforcementApplied = append(r.onEnforcementApplied, v)
	}
	if v, ok := p.(OnEnforcementFailed); ok {
		r.onEnforcementFailed = append(r.onEnforcementFailed, v)
	}
	if v, ok := p.(NotifierPlugin); ok {
		r.notifiers = append(r.notifiers, v)
	}

	r.logger.Info("plugin registered",
		"name", p.Name(),
		"interfaces", implementedInterfaces(p),
	)

	return nil
}

var hookTypes = []struct {
	name string
	typ  reflect.Type
}{
	{"OnInit", reflect.TypeFor[OnInit]()},
	{"OnShutdown", reflect.TypeFor[OnShutdown]()},
	{"OnEventDispatched", reflect.TypeFor[OnEventDispatched]()},
	{"OnEventDeadLettered", reflect.TypeFor[OnEventDeadLettered]()},
	{"OnDeadlineFired", reflect.TypeFor[OnDeadlineFired]()},
	{"OnLedgerPosted", reflect.TypeFor[OnLedgerPosted]()},
	{"OnInvoiceStatusChanged", reflect.TypeFor[OnInvoiceStatusChanged]()},
	{"OnDunningCaseOpened", reflect.TypeFor[OnDunningCaseOpened]()},
	{"OnDunningStepExecuted", reflect.TypeFor[OnDunningStepExecuted]()},
	{"OnDunningCaseClosed", reflect.TypeFor[OnDunningCaseClosed]()},
	{"OnEnforcementApplied", reflect.TypeFor[OnEnforcementApplied]()},
	{"OnEnforcementFailed", reflect.TypeFor[OnEnforcementFailed]()},
	{"Notifier", reflect.TypeFor[NotifierPlugin]()},
}

// implementedInterfaces lists the hooks a plugin implements.
func implementedInterfaces(p Plugin) []string {
	var names []string
	t := reflect.TypeOf(p)
	for _, h := range hookTypes {
		if t.Implements(h.typ) {
			names = append(names, h.name)
		}
	}
	return names
}

// Get returns a plugin by name.
func (r *Registry) Get(name string) Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, p := range r.plugins {
		if p.Name() == name {
			return p
		}
	}
	return nil
}

// List returns all registered plugins.
func (r *Registry) List() []Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]Plugin, len(r.plugins))
	copy(result, r.plugins)
	return result
}

// Count returns the number of registered plugins.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.plugins)
}

// snapshot copies a cached hook list under the read lock.
func snapshot[T any](r *Registry, list *[]T) []T {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]T, len(*list))
	copy(out, *list)
	return out
}

// emit calls fn for each plugin with the per-call timeout, logging
// failures.
func emit[T Plugin](ctx context.Context, r *Registry, hook string, plugins []T, fn func(T) error) {
	for _, p := range plugins {
		if err := r.callWithTimeout(ctx, p.Name(), func() error { return fn(p) }); err != nil {
			r.logger.Warn("plugin "+hook+" failed",
				"plugin", p.Name(),
				"error", err,
			)
		}
	}
}

// ──────────────────────────────────────────────────
// Event emission methods
// ──────────────────────────────────────────────────

// EmitInit calls OnInit for all plugins that implement it.
func (r *Registry) EmitInit(ctx context.Context, engine any) {
	emit(ctx, r, "OnInit", snapshot(r, &r.onInit), func(p OnInit) error {
		return p.OnInit(ctx, engine)
	})
}

// EmitShutdown calls OnShutdown for all plugins that implement it.
func (r *Registry) EmitShutdown(ctx context.Context) {
	emit(ctx, r, "OnShutdown", snapshot(r, &r.onShutdown), func(p OnShutdown) error {
		return p.OnShutdown(ctx)
	})
}

func (r *Registry) EmitEventDispatched(ctx context.Context, e *event.Event) {
	emit(ctx, r, "OnEventDispatched", snapshot(r, &r.onEventDispatched), func(p OnEventDispatched) error {
		return p.OnEventDispatched(ctx, e)
	})
}

func (r *Registry) EmitEventDeadLettered(ctx context.Context, e *event.Event) {
	emit(ctx, r, "OnEventDeadLettered", snapshot(r, &r.onEventDeadLettered), func(p OnEventDeadLettered) error {
		return p.OnEventDeadLettered(ctx, e)
	})
}

func (r *Registry) EmitDeadlineFired(ctx context.Context, d *timer.Deadline, e *event.Event) {
	emit(ctx, r, "OnDeadlineFired", snapshot(r, &r.onDeadlineFired), func(p OnDeadlineFired) error {
		return p.OnDeadlineFired(ctx, d, e)
	})
}

func (r *Registry) EmitLedgerPosted(ctx context.Context, posting *ledger.Posting) {
	emit(ctx, r, "OnLedgerPosted", snapshot(r, &r.onLedgerPosted), func(p OnLedgerPosted) error {
		return p.OnLedgerPosted(ctx, posting)
	})
}

func (r *Registry) EmitInvoiceStatusChanged(ctx context.Context, inv *invoice.Invoice, from, to invoice.Status) {
	emit(ctx, r, "OnInvoiceStatusChanged", snapshot(r, &r.onInvoiceStatusChanged), func(p OnInvoiceStatusChanged) error {
		return p.OnInvoiceStatusChanged(ctx, inv, from, to)
	})
}

func (r *Registry) EmitDunningCaseOpened(ctx context.Context, c *dunning.Case) {
	emit(ctx, r, "OnDunningCaseOpened", snapshot(r, &r.onDunningCaseOpened), func(p OnDunningCaseOpened) error {
		return p.OnDunningCaseOpened(ctx, c)
	})
}

func (r *Registry) EmitDunningStepExecuted(ctx context.Context, c *dunning.Case, stepIndex int, action string) {
	emit(ctx, r, "OnDunningStepExecuted", snapshot(r, &r.onDunningStepExecuted), func(p OnDunningStepExecuted) error {
		return p.OnDunningStepExecuted(ctx, c, stepIndex, action)
	})
}

func (r *Registry) EmitDunningCaseClosed(ctx context.Context, c *dunning.Case) {
	emit(ctx, r, "OnDunningCaseClosed", snapshot(r, &r.onDunningCaseClosed), func(p OnDunningCaseClosed) error {
		return p.OnDunningCaseClosed(ctx, c)
	})
}

func (r *Registry) EmitEnforcementApplied(ctx context.Context, a *enforcement.Action) {
	emit(ctx, r, "OnEnforcementApplied", snapshot(r, &r.onEnforcementApplied), func(p OnEnforcementApplied) error {
		return p.OnEnforcementApplied(ctx, a)
	})
}

func (r *Registry) EmitEnforcementFailed(ctx context.Context, a *enforcement.Action, cause error) {
	emit(ctx, r, "OnEnforcementFailed", snapshot(r, &r.onEnforcementFailed), func(p OnEnforcementFailed) error {
		return p.OnEnforcementFailed(ctx, a, cause)
	})
}

// Notifier returns a notifier that fans out to every NotifierPlugin, or
// nil when none is registered.
func (r *Registry) Notifier() notify.Notifier {
	ns := snapshot(r, &r.notifiers)
	if len(ns) == 0 {
		return nil
	}
	return notify.NotifierFunc(func(ctx context.Context, msg notify.Message) error {
		var errs []error
		for _, n := range ns {
			if err := n.Notify(ctx, msg); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", n.Name(), err))
			}
		}
		return errors.Join(errs...)
	})
}

// callWithTimeout calls a plugin function with a timeout.
// Plugins should never block the billing pipeline.
func (r *Registry) callWithTimeout(ctx context.Context, pluginName string, fn func() error) error {
	done := make(chan error, 1)

	go func() {
		done <- fn()
	}()

	t := time.NewTimer(r.timeout)
	defer t.Stop()

	select {
	case err := <-done:
		return err
	case <-t.C:
		return fmt.Errorf("plugin timeout: %s", pluginName)
	case <-ctx.Done():
		return ctx.Err()
	}
}
