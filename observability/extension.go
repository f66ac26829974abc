// Package observability provides a metrics extension for Tollgate that
// records lifecycle event counts via a MetricFactory.
package observability

import (
	"context"
	"time"

	"github.com/xraph/tollgate/dunning"
	"github.com/xraph/tollgate/enforcement"
	"github.com/xraph/tollgate/event"
	"github.com/xraph/tollgate/invoice"
	"github.com/xraph/tollgate/ledger"
	"github.com/xraph/tollgate/plugin"
	"github.com/xraph/tollgate/timer"
)

// Ensure MetricsExtension implements required interfaces.
var (
	_ plugin.Plugin                 = (*MetricsExtension)(nil)
	_ plugin.OnInit                 = (*MetricsExtension)(nil)
	_ plugin.OnEventDispatched      = (*MetricsExtension)(nil)
	_ plugin.OnEventDeadLettered    = (*MetricsExtension)(nil)
	_ plugin.OnDeadlineFired        = (*MetricsExtension)(nil)
	_ plugin.OnLedgerPosted         = (*MetricsExtension)(nil)
	_ plugin.OnInvoiceStatusChanged = (*MetricsExtension)(nil)
	_ plugin.OnDunningCaseOpened    = (*MetricsExtension)(nil)
	_ plugin.OnDunningStepExecuted  = (*MetricsExtension)(nil)
	_ plugin.OnDunningCaseClosed    = (*MetricsExtension)(nil)
	_ plugin.OnEnforcementApplied   = (*MetricsExtension)(nil)
	_ plugin.OnEnforcementFailed    = (*MetricsExtension)(nil)
)

// Counter interface for metric counters.
type Counter interface {
	Inc()
	Add(float64)
}

// Histogram interface for metric histograms.
type Histogram interface {
	Observe(float64)
}

// MetricFactory creates metrics.
type MetricFactory interface {
	Counter(name string) Counter
	Histogram(name string) Histogram
}

// MetricsExtension records system-wide lifecycle metrics.
// Register it as a Tollgate plugin to track pipeline and billing metrics.
type MetricsExtension struct {
	factory MetricFactory

	// Dispatch metrics
	EventsDispatched   Counter
	EventsDeadLettered Counter
	EventAttempts      Histogram
	EventLag           Histogram
	DeadlinesFired     Counter

	// Ledger metrics
	PostingsWritten Counter
	InvoicesPaid    Counter
	InvoicesOverdue Counter
	InvoicesVoided  Counter

	// Dunning metrics
	DunningOpened     Counter
	DunningSteps      Counter
	DunningResolved   Counter
	DunningAbandoned  Counter
	DunningEscalation Histogram

	// Enforcement metrics
	EnforcementApplied  Counter
	EnforcementFailed   Counter
	EnforcementSessions Histogram
}

// NewMetricsExtension creates a MetricsExtension with the provided MetricFactory.
func NewMetricsExtension(factory MetricFactory) *MetricsExtension {
	return &MetricsExtension{
		factory: factory,

		EventsDispatched:   factory.Counter("tollgate.event.dispatched"),
		EventsDeadLettered: factory.Counter("tollgate.event.dead_lettered"),
		EventAttempts:      factory.Histogram("tollgate.event.attempts"),
		EventLag:           factory.Histogram("tollgate.event.lag_ms"),
		DeadlinesFired:     factory.Counter("tollgate.deadline.fired"),

		PostingsWritten: factory.Counter("tollgate.ledger.postings"),
		InvoicesPaid:    factory.Counter("tollgate.invoice.paid"),
		InvoicesOverdue: factory.Counter("tollgate.invoice.overdue"),
		InvoicesVoided:  factory.Counter("tollgate.invoice.voided"),

		DunningOpened:     factory.Counter("tollgate.dunning.opened"),
		DunningSteps:      factory.Counter("tollgate.dunning.steps"),
		DunningResolved:   factory.Counter("tollgate.dunning.resolved"),
		DunningAbandoned:  factory.Counter("tollgate.dunning.abandoned"),
		DunningEscalation: factory.Histogram("tollgate.dunning.step_index"),

		EnforcementApplied:  factory.Counter("tollgate.enforcement.applied"),
		EnforcementFailed:   factory.Counter("tollgate.enforcement.failed"),
		EnforcementSessions: factory.Histogram("tollgate.enforcement.sessions"),
	}
}

// Name implements plugin.Plugin.
func (m *MetricsExtension) Name() string { return "observability-metrics" }

// OnInit implements plugin.OnInit.
func (m *MetricsExtension) OnInit(_ context.Context, _ any) error {
	return nil
}

// ──────────────────────────────────────────────────
// Dispatch hooks
// ──────────────────────────────────────────────────

// OnEventDispatched implements plugin.OnEventDispatched.
func (m *MetricsExtension) OnEventDispatched(_ context.Context, e *event.Event) error {
	m.EventsDispatched.Inc()
	m.EventAttempts.Observe(float64(e.AttemptCount))
	if e.ProcessedAt != nil {
		m.EventLag.Observe(float64(e.ProcessedAt.Sub(e.OccurredAt) / time.Millisecond))
	}
	return nil
}

// OnEventDeadLettered implements plugin.OnEventDeadLettered.
func (m *MetricsExtension) OnEventDeadLettered(_ context.Context, e *event.Event) error {
	m.EventsDeadLettered.Inc()
	m.EventAttempts.Observe(float64(e.AttemptCount))
	return nil
}

// OnDeadlineFired implements plugin.OnDeadlineFired.
func (m *MetricsExtension) OnDeadlineFired(_ context.Context, _ *timer.Deadline, _ *event.Event) error {
	m.DeadlinesFired.Inc()
	return nil
}

// ──────────────────────────────────────────────────
// Ledger hooks
// ──────────────────────────────────────────────────

// OnLedgerPosted implements plugin.OnLedgerPosted.
func (m *MetricsExtension) OnLedgerPosted(_ context.Context, _ *ledger.Posting) error {
	m.PostingsWritten.Inc()
	return nil
}

// OnInvoiceStatusChanged implements plugin.OnInvoiceStatusChanged.
func (m *MetricsExtension) OnInvoiceStatusChanged(_ context.Context, _ *invoice.Invoice, _, to invoice.Status) error {
	switch to {
	case invoice.StatusPaid:
		m.InvoicesPaid.Inc()
	case invoice.StatusOverdue:
		m.InvoicesOverdue.Inc()
	case invoice.StatusVoid:
		m.InvoicesVoided.Inc()
	}
	return nil
}

// ──────────────────────────────────────────────────
// Dunning hooks
// ──────────────────────────────────────────────────

// OnDunningCaseOpened implements plugin.OnDunningCaseOpened.
func (m *MetricsExtension) OnDunningCaseOpened(_ context.Context, _ *dunning.Case) error {
	m.DunningOpened.Inc()
	return nil
}

// OnDunningStepExecuted implements plugin.OnDunningStepExecuted.
func (m *MetricsExtension) OnDunningStepExecuted(_ context.Context, _ *dunning.Case, stepIndex int, _ string) error {
	m.DunningSteps.Inc()
	m.DunningEscalation.Observe(float64(stepIndex))
	return nil
}

// OnDunningCaseClosed implements plugin.OnDunningCaseClosed.
func (m *MetricsExtension) OnDunningCaseClosed(_ context.Context, c *dunning.Case) error {
	if c.Status == dunning.StatusAbandoned {
		m.DunningAbandoned.Inc()
	} else {
		m.DunningResolved.Inc()
	}
	return nil
}

// ──────────────────────────────────────────────────
// Enforcement hooks
// ──────────────────────────────────────────────────

// OnEnforcementApplied implements plugin.OnEnforcementApplied.
func (m *MetricsExtension) OnEnforcementApplied(_ context.Context, a *enforcement.Action) error {
	m.EnforcementApplied.Inc()
	m.EnforcementSessions.Observe(float64(a.Sessions))
	return nil
}

// OnEnforcementFailed implements plugin.OnEnforcementFailed.
func (m *MetricsExtension) OnEnforcementFailed(_ context.Context, _ *enforcement.Action, _ error) error {
	m.EnforcementFailed.Inc()
	return nil
}
