package audithook_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	audithook "github.com/xraph/tollgate/audit_hook"
	"github.com/xraph/tollgate/dunning"
	"github.com/xraph/tollgate/enforcement"
	"github.com/xraph/tollgate/event"
	"github.com/xraph/tollgate/id"
	"github.com/xraph/tollgate/invoice"
	"github.com/xraph/tollgate/types"
)

type sink struct {
	events []*audithook.AuditEvent
	err    error
}

func (s *sink) Record(_ context.Context, e *audithook.AuditEvent) error {
	s.events = append(s.events, e)
	return s.err
}

func quiet() audithook.Option {
	return audithook.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestInvoiceTransitionsMapToActions(t *testing.T) {
	s := &sink{}
	ext := audithook.New(s, quiet())
	inv := &invoice.Invoice{ID: id.NewInvoiceID(), AccountID: id.NewAccountID(), BalanceDue: types.New(0, "USD")}

	tests := []struct {
		to       invoice.Status
		action   string
		severity string
	}{
		{invoice.StatusOverdue, audithook.ActionInvoiceStatusChanged, audithook.SeverityInfo},
		{invoice.StatusPaid, audithook.ActionInvoicePaid, audithook.SeverityInfo},
		{invoice.StatusVoid, audithook.ActionInvoiceVoided, audithook.SeverityWarning},
	}
	for _, tt := range tests {
		t.Run(string(tt.to), func(t *testing.T) {
			s.events = nil
			require.NoError(t, ext.OnInvoiceStatusChanged(context.Background(), inv, invoice.StatusIssued, tt.to))
			require.Len(t, s.events, 1)
			got := s.events[0]
			assert.Equal(t, tt.action, got.Action)
			assert.Equal(t, tt.severity, got.Severity)
			assert.Equal(t, audithook.ResourceInvoice, got.Resource)
			assert.Equal(t, inv.ID.String(), got.ResourceID)
			assert.Equal(t, string(tt.to), got.Metadata["to"])
		})
	}
}

func TestFailuresCarryReason(t *testing.T) {
	s := &sink{}
	ext := audithook.New(s, quiet())
	a := &enforcement.Action{ID: id.NewEnforcementID(), Kind: enforcement.KindSuspend}

	require.NoError(t, ext.OnEnforcementFailed(context.Background(), a, enforcement.ErrProtocolUnreachable))
	require.Len(t, s.events, 1)
	assert.Equal(t, audithook.OutcomeFailure, s.events[0].Outcome)
	assert.Equal(t, enforcement.ErrProtocolUnreachable.Error(), s.events[0].Reason)
	assert.Equal(t, audithook.CategoryAccess, s.events[0].Category)

	ev := &event.Event{ID: id.NewEventID(), Type: event.TypePaymentSucceeded, AttemptCount: 5}
	require.NoError(t, ext.OnEventDeadLettered(context.Background(), ev))
	require.Len(t, s.events, 2)
	assert.Equal(t, audithook.SeverityCritical, s.events[1].Severity)
	assert.Equal(t, 5, s.events[1].Metadata["attempts"])
}

func TestActionFilters(t *testing.T) {
	c := &dunning.Case{ID: id.NewDunningCaseID(), Status: dunning.StatusAbandoned}

	s := &sink{}
	only := audithook.New(s, quiet(), audithook.WithEnabledActions(audithook.ActionDunningAbandoned))
	require.NoError(t, only.OnDunningCaseOpened(context.Background(), c))
	require.NoError(t, only.OnDunningCaseClosed(context.Background(), c))
	require.Len(t, s.events, 1)
	assert.Equal(t, audithook.ActionDunningAbandoned, s.events[0].Action)

	s = &sink{}
	except := audithook.New(s, quiet(), audithook.WithDisabledActions(audithook.ActionDunningCaseOpened))
	require.NoError(t, except.OnDunningCaseOpened(context.Background(), c))
	require.NoError(t, except.OnDunningStepExecuted(context.Background(), c, 1, "throttle"))
	require.Len(t, s.events, 1)
	assert.Equal(t, audithook.ActionDunningStepExecuted, s.events[0].Action)
}

func TestRecorderErrorsAreSwallowed(t *testing.T) {
	s := &sink{err: errors.New("audit store down")}
	ext := audithook.New(s, quiet())
	assert.NoError(t, ext.OnDunningCaseOpened(context.Background(), &dunning.Case{ID: id.NewDunningCaseID()}))
	assert.Len(t, s.events, 1)
}
