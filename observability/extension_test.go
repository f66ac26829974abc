package observability_test

import (
	"context"
	"testing"
	"time"

	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xraph/tollgate/dunning"
	"github.com/xraph/tollgate/enforcement"
	"github.com/xraph/tollgate/event"
	"github.com/xraph/tollgate/invoice"
	"github.com/xraph/tollgate/ledger"
	"github.com/xraph/tollgate/observability"
)

// gather returns counter values and histogram sample counts by name.
func gather(t *testing.T, reg *promclient.Registry) map[string]float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)

	out := make(map[string]float64, len(families))
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			switch {
			case m.GetCounter() != nil:
				out[mf.GetName()] += m.GetCounter().GetValue()
			case m.GetHistogram() != nil:
				out[mf.GetName()] += float64(m.GetHistogram().GetSampleCount())
			}
		}
	}
	return out
}

func TestMetricsExtensionRecordsHooks(t *testing.T) {
	ctx := context.Background()
	reg := promclient.NewRegistry()
	m := observability.NewMetricsExtension(observability.NewPrometheusFactory(reg))

	processed := time.Now()
	ev := &event.Event{AttemptCount: 2, OccurredAt: processed.Add(-time.Second), ProcessedAt: &processed}
	require.NoError(t, m.OnEventDispatched(ctx, ev))
	require.NoError(t, m.OnEventDeadLettered(ctx, ev))
	require.NoError(t, m.OnLedgerPosted(ctx, &ledger.Posting{}))
	require.NoError(t, m.OnInvoiceStatusChanged(ctx, &invoice.Invoice{}, invoice.StatusIssued, invoice.StatusOverdue))
	require.NoError(t, m.OnInvoiceStatusChanged(ctx, &invoice.Invoice{}, invoice.StatusOverdue, invoice.StatusPaid))
	require.NoError(t, m.OnInvoiceStatusChanged(ctx, &invoice.Invoice{}, invoice.StatusDraft, invoice.StatusIssued))
	require.NoError(t, m.OnDunningCaseOpened(ctx, &dunning.Case{}))
	require.NoError(t, m.OnDunningStepExecuted(ctx, &dunning.Case{}, 1, "throttle"))
	require.NoError(t, m.OnDunningCaseClosed(ctx, &dunning.Case{Status: dunning.StatusResolved}))
	require.NoError(t, m.OnDunningCaseClosed(ctx, &dunning.Case{Status: dunning.StatusAbandoned}))
	require.NoError(t, m.OnEnforcementApplied(ctx, &enforcement.Action{Sessions: 2}))
	require.NoError(t, m.OnEnforcementFailed(ctx, &enforcement.Action{}, enforcement.ErrNoSession))

	got := gather(t, reg)
	for name, want := range map[string]float64{
		"tollgate_event_dispatched_total":    1,
		"tollgate_event_dead_lettered_total": 1,
		"tollgate_event_attempts":            2,
		"tollgate_event_lag_ms":              1,
		"tollgate_ledger_postings_total":     1,
		"tollgate_invoice_overdue_total":     1,
		"tollgate_invoice_paid_total":        1,
		"tollgate_invoice_voided_total":      0,
		"tollgate_dunning_opened_total":      1,
		"tollgate_dunning_steps_total":       1,
		"tollgate_dunning_resolved_total":    1,
		"tollgate_dunning_abandoned_total":   1,
		"tollgate_enforcement_applied_total": 1,
		"tollgate_enforcement_failed_total":  1,
		"tollgate_enforcement_sessions":      1,
	} {
		assert.Equal(t, want, got[name], name)
	}
}

func TestPrometheusFactoryReusesRegisteredMetrics(t *testing.T) {
	reg := promclient.NewRegistry()
	first := observability.NewPrometheusFactory(reg)
	second := observability.NewPrometheusFactory(reg)

	first.Counter("tollgate.event.dispatched").Inc()
	second.Counter("tollgate.event.dispatched").Inc()
	second.Histogram("tollgate.event.attempts").Observe(1)
	first.Histogram("tollgate.event.attempts").Observe(3)

	got := gather(t, reg)
	assert.Equal(t, float64(2), got["tollgate_event_dispatched_total"])
	assert.Equal(t, float64(2), got["tollgate_event_attempts"])
}
