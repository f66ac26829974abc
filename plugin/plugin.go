// Package plugin provides lifecycle hooks for Tollgate.
// Plugins implement any subset of the hook interfaces below; the registry
// discovers them once at registration and calls them after the change they
// describe has committed. Hook errors are logged, never propagated.
package plugin

import (
	"context"

	"github.com/xraph/tollgate/dunning"
	"github.com/xraph/tollgate/enforcement"
	"github.com/xraph/tollgate/event"
	"github.com/xraph/tollgate/invoice"
	"github.com/xraph/tollgate/ledger"
	"github.com/xraph/tollgate/notify"
	"github.com/xraph/tollgate/timer"
)

// Plugin is the base interface that all plugins must implement.
type Plugin interface {
	Name() string
}

// ──────────────────────────────────────────────────
// Lifecycle hooks
// ──────────────────────────────────────────────────

// OnInit is called when the engine starts.
type OnInit interface {
	Plugin
	OnInit(ctx context.Context, engine any) error
}

// OnShutdown is called when the engine stops.
type OnShutdown interface {
	Plugin
	OnShutdown(ctx context.Context) error
}

// ──────────────────────────────────────────────────
// Dispatch hooks
// ──────────────────────────────────────────────────

// OnEventDispatched is called after every delivery attempt that did not
// dead-letter the event.
type OnEventDispatched interface {
	Plugin
	OnEventDispatched(ctx context.Context, e *event.Event) error
}

// OnEventDeadLettered is called when an event is dead-lettered.
type OnEventDeadLettered interface {
	Plugin
	OnEventDeadLettered(ctx context.Context, e *event.Event) error
}

// OnDeadlineFired is called when a timer deadline fires.
type OnDeadlineFired interface {
	Plugin
	OnDeadlineFired(ctx context.Context, d *timer.Deadline, e *event.Event) error
}

// ──────────────────────────────────────────────────
// Ledger hooks
// ──────────────────────────────────────────────────

// OnLedgerPosted is called for every committed posting.
type OnLedgerPosted interface {
	Plugin
	OnLedgerPosted(ctx context.Context, p *ledger.Posting) error
}

// OnInvoiceStatusChanged is called for every committed invoice transition.
type OnInvoiceStatusChanged interface {
	Plugin
	OnInvoiceStatusChanged(ctx context.Context, inv *invoice.Invoice, from, to invoice.Status) error
}

// ──────────────────────────────────────────────────
// Dunning hooks
// ──────────────────────────────────────────────────

// OnDunningCaseOpened is called when a case opens.
type OnDunningCaseOpened interface {
	Plugin
	OnDunningCaseOpened(ctx context.Context, c *dunning.Case) error
}

// OnDunningStepExecuted is called when a case executes a step.
type OnDunningStepExecuted interface {
	Plugin
	OnDunningStepExecuted(ctx context.Context, c *dunning.Case, stepIndex int, action string) error
}

// OnDunningCaseClosed is called when a case is resolved or abandoned.
type OnDunningCaseClosed interface {
	Plugin
	OnDunningCaseClosed(ctx context.Context, c *dunning.Case) error
}

// ──────────────────────────────────────────────────
// Enforcement hooks
// ──────────────────────────────────────────────────

// OnEnforcementApplied is called when an action is applied.
type OnEnforcementApplied interface {
	Plugin
	OnEnforcementApplied(ctx context.Context, a *enforcement.Action) error
}

// OnEnforcementFailed is called for each failed attempt of an action.
type OnEnforcementFailed interface {
	Plugin
	OnEnforcementFailed(ctx context.Context, a *enforcement.Action, err error) error
}

// ──────────────────────────────────────────────────
// Capabilities
// ──────────────────────────────────────────────────

// NotifierPlugin delivers dunning notifications over some channel.
type NotifierPlugin interface {
	Plugin
	notify.Notifier
}
