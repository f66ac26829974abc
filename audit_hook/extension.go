// Package audithook bridges Tollgate lifecycle events to an audit trail
// backend.
//
// It defines a local Recorder interface so the package does not depend on
// any particular audit store. Callers inject a RecorderFunc adapter at
// wiring time.
package audithook

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/xraph/tollgate/dunning"
	"github.com/xraph/tollgate/enforcement"
	"github.com/xraph/tollgate/event"
	"github.com/xraph/tollgate/invoice"
	"github.com/xraph/tollgate/ledger"
	"github.com/xraph/tollgate/plugin"
	"github.com/xraph/tollgate/timer"
)

// Compile-time interface checks.
var (
	_ plugin.Plugin                 = (*Extension)(nil)
	_ plugin.OnEventDeadLettered    = (*Extension)(nil)
	_ plugin.OnDeadlineFired        = (*Extension)(nil)
	_ plugin.OnLedgerPosted         = (*Extension)(nil)
	_ plugin.OnInvoiceStatusChanged = (*Extension)(nil)
	_ plugin.OnDunningCaseOpened    = (*Extension)(nil)
	_ plugin.OnDunningStepExecuted  = (*Extension)(nil)
	_ plugin.OnDunningCaseClosed    = (*Extension)(nil)
	_ plugin.OnEnforcementApplied   = (*Extension)(nil)
	_ plugin.OnEnforcementFailed    = (*Extension)(nil)
)

// Recorder is the interface that audit backends must implement.
type Recorder interface {
	Record(ctx context.Context, event *AuditEvent) error
}

// AuditEvent is a local representation of an audit event.
type AuditEvent struct {
	Action     string         `json:"action"`
	Resource   string         `json:"resource"`
	Category   string         `json:"category"`
	ResourceID string         `json:"resource_id,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Outcome    string         `json:"outcome"`
	Severity   string         `json:"severity"`
	Reason     string         `json:"reason,omitempty"`
}

// RecorderFunc is an adapter to use a plain function as a Recorder.
type RecorderFunc func(ctx context.Context, event *AuditEvent) error

// Record implements Recorder.
func (f RecorderFunc) Record(ctx context.Context, event *AuditEvent) error {
	return f(ctx, event)
}

// Extension bridges Tollgate lifecycle events to an audit trail backend.
type Extension struct {
	recorder Recorder
	enabled  map[string]bool // nil = all enabled
	logger   *slog.Logger
}

// New creates an Extension that emits audit events through the provided Recorder.
func New(r Recorder, opts ...Option) *Extension {
	e := &Extension{
		recorder: r,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Name implements plugin.Plugin.
func (e *Extension) Name() string { return "audit-hook" }

// ──────────────────────────────────────────────────
// Dispatch hooks
// ──────────────────────────────────────────────────

// OnEventDeadLettered implements plugin.OnEventDeadLettered.
func (e *Extension) OnEventDeadLettered(ctx context.Context, ev *event.Event) error {
	return e.record(ctx, ActionEventDeadLettered, SeverityCritical, OutcomeFailure,
		ResourceEvent, ev.ID.String(), CategoryPipeline, nil,
		"type", string(ev.Type),
		"attempts", ev.AttemptCount,
		"last_error", ev.LastError,
	)
}

// OnDeadlineFired implements plugin.OnDeadlineFired.
func (e *Extension) OnDeadlineFired(ctx context.Context, d *timer.Deadline, ev *event.Event) error {
	return e.record(ctx, ActionDeadlineFired, SeverityInfo, OutcomeSuccess,
		ResourceDeadline, d.ID.String(), CategoryPipeline, nil,
		"subject_type", d.SubjectType,
		"subject_id", d.SubjectID,
		"event_id", ev.ID.String(),
	)
}

// ──────────────────────────────────────────────────
// Ledger hooks
// ──────────────────────────────────────────────────

// OnLedgerPosted implements plugin.OnLedgerPosted.
func (e *Extension) OnLedgerPosted(ctx context.Context, p *ledger.Posting) error {
	return e.record(ctx, ActionLedgerPosted, SeverityInfo, OutcomeSuccess,
		ResourcePosting, p.ID.String(), CategoryBilling, nil,
		"account_id", p.AccountID.String(),
		"source", string(p.Source),
		"idempotency_key", p.IdempotencyKey,
		"entries", len(p.Entries),
	)
}

// OnInvoiceStatusChanged implements plugin.OnInvoiceStatusChanged.
func (e *Extension) OnInvoiceStatusChanged(ctx context.Context, inv *invoice.Invoice, from, to invoice.Status) error {
	action, severity := ActionInvoiceStatusChanged, SeverityInfo
	switch to {
	case invoice.StatusPaid:
		action = ActionInvoicePaid
	case invoice.StatusVoid:
		action, severity = ActionInvoiceVoided, SeverityWarning
	}
	return e.record(ctx, action, severity, OutcomeSuccess,
		ResourceInvoice, inv.ID.String(), CategoryBilling, nil,
		"account_id", inv.AccountID.String(),
		"from", string(from),
		"to", string(to),
		"balance_due", inv.BalanceDue.String(),
	)
}

// ──────────────────────────────────────────────────
// Dunning hooks
// ──────────────────────────────────────────────────

// OnDunningCaseOpened implements plugin.OnDunningCaseOpened.
func (e *Extension) OnDunningCaseOpened(ctx context.Context, c *dunning.Case) error {
	return e.record(ctx, ActionDunningCaseOpened, SeverityInfo, OutcomeSuccess,
		ResourceDunningCase, c.ID.String(), CategoryDunning, nil,
		"account_id", c.AccountID.String(),
		"invoice_id", c.InvoiceID.String(),
		"policy_set_id", c.PolicySetID,
	)
}

// OnDunningStepExecuted implements plugin.OnDunningStepExecuted.
func (e *Extension) OnDunningStepExecuted(ctx context.Context, c *dunning.Case, stepIndex int, action string) error {
	return e.record(ctx, ActionDunningStepExecuted, SeverityWarning, OutcomeSuccess,
		ResourceDunningCase, c.ID.String(), CategoryDunning, nil,
		"account_id", c.AccountID.String(),
		"step_index", stepIndex,
		"action", action,
	)
}

// OnDunningCaseClosed implements plugin.OnDunningCaseClosed.
func (e *Extension) OnDunningCaseClosed(ctx context.Context, c *dunning.Case) error {
	action := ActionDunningResolved
	if c.Status == dunning.StatusAbandoned {
		action = ActionDunningAbandoned
	}
	return e.record(ctx, action, SeverityInfo, OutcomeSuccess,
		ResourceDunningCase, c.ID.String(), CategoryDunning, nil,
		"account_id", c.AccountID.String(),
		"reason", c.CloseReason,
		"enforced", c.Enforced,
	)
}

// ──────────────────────────────────────────────────
// Enforcement hooks
// ──────────────────────────────────────────────────

// OnEnforcementApplied implements plugin.OnEnforcementApplied.
func (e *Extension) OnEnforcementApplied(ctx context.Context, a *enforcement.Action) error {
	return e.record(ctx, ActionEnforcementApplied, SeverityWarning, OutcomeSuccess,
		ResourceEnforcement, a.ID.String(), CategoryAccess, nil,
		"subscription_id", a.SubscriptionID.String(),
		"kind", string(a.Kind),
		"sessions", a.Sessions,
	)
}

// OnEnforcementFailed implements plugin.OnEnforcementFailed.
func (e *Extension) OnEnforcementFailed(ctx context.Context, a *enforcement.Action, cause error) error {
	return e.record(ctx, ActionEnforcementFailed, SeverityError, OutcomeFailure,
		ResourceEnforcement, a.ID.String(), CategoryAccess, cause,
		"subscription_id", a.SubscriptionID.String(),
		"kind", string(a.Kind),
		"attempts", a.Attempts,
	)
}

// ──────────────────────────────────────────────────
// Internal helpers
// ──────────────────────────────────────────────────

// record builds and sends an audit event if the action is enabled.
func (e *Extension) record(
	ctx context.Context,
	action, severity, outcome string,
	resource, resourceID, category string,
	err error,
	kvPairs ...any,
) error {
	if e.enabled != nil && !e.enabled[action] {
		return nil
	}

	meta := make(map[string]any, len(kvPairs)/2+1)
	for i := 0; i+1 < len(kvPairs); i += 2 {
		key, ok := kvPairs[i].(string)
		if !ok {
			key = fmt.Sprintf("%v", kvPairs[i])
		}
		meta[key] = kvPairs[i+1]
	}

	var reason string
	if err != nil {
		reason = err.Error()
		meta["error"] = err.Error()
	}

	evt := &AuditEvent{
		Action:     action,
		Resource:   resource,
		Category:   category,
		ResourceID: resourceID,
		Metadata:   meta,
		Outcome:    outcome,
		Severity:   severity,
		Reason:     reason,
	}

	if recErr := e.recorder.Record(ctx, evt); recErr != nil {
		e.logger.Warn("audit_hook: failed to record audit event",
			"action", action,
			"resource_id", resourceID,
			"error", recErr,
		)
	}
	return nil
}
