package event_test

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xraph/tollgate/event"
	"github.com/xraph/tollgate/id"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func TestNewBuildsPendingEvent(t *testing.T) {
	inv := id.NewInvoiceID()
	acct := id.NewAccountID()

	e, err := event.New(event.PaymentSucceeded{
		PaymentID: id.NewPaymentID(),
		AccountID: acct,
		InvoiceID: inv,
		Amount:    4000,
		Currency:  "usd",
	}, t0)
	require.NoError(t, err)

	assert.Equal(t, event.TypePaymentSucceeded, e.Type)
	assert.Equal(t, event.StatusPending, e.Status)
	assert.Equal(t, inv.String(), e.CorrelationKey)
	assert.Equal(t, acct, e.AccountID)
	assert.Equal(t, event.CurrentVersion, e.Version)
	assert.True(t, e.NextAttemptAt.Equal(t0))
}

func TestNewRejectsMissingRequiredFields(t *testing.T) {
	_, err := event.New(event.PaymentSucceeded{
		PaymentID: id.NewPaymentID(),
		Amount:    4000,
		Currency:  "usd",
	}, t0)
	require.Error(t, err)
	assert.True(t, errors.Is(err, event.ErrMalformedPayload))

	_, err = event.New(event.PaymentSucceeded{
		PaymentID: id.NewPaymentID(),
		AccountID: id.NewAccountID(),
		Amount:    0,
		Currency:  "usd",
	}, t0)
	assert.ErrorIs(t, err, event.ErrMalformedPayload)
}

func TestParse(t *testing.T) {
	sub := id.NewSubscriptionID()
	raw := json.RawMessage(`{
		"subscription_id": "` + sub.String() + `",
		"account_id": "` + id.NewAccountID().String() + `",
		"kind": "suspend",
		"step_index": 2,
		"added_in_v2": "ignored"
	}`)

	e, err := event.Parse(event.TypeEnforcementRequested, raw, t0)
	require.NoError(t, err)
	assert.Equal(t, sub.String(), e.CorrelationKey)

	p, err := event.Decode[event.EnforcementRequested](e)
	require.NoError(t, err)
	assert.Equal(t, "suspend", p.Kind)
	assert.Equal(t, 2, p.StepIndex)

	_, err = event.Parse("invoice.exploded", raw, t0)
	assert.ErrorIs(t, err, event.ErrUnknownType)

	_, err = event.Parse(event.TypeEnforcementRequested, json.RawMessage(`{"kind":"nuke"}`), t0)
	assert.ErrorIs(t, err, event.ErrMalformedPayload)

	_, err = event.Parse(event.TypeEnforcementRequested, json.RawMessage(`not json`), t0)
	assert.ErrorIs(t, err, event.ErrMalformedPayload)
}

func TestDecodeTypeMismatch(t *testing.T) {
	e, err := event.New(event.InvoiceDueElapsed{InvoiceID: id.NewInvoiceID()}, t0)
	require.NoError(t, err)

	_, err = event.Decode[event.PaymentFailed](e)
	assert.ErrorIs(t, err, event.ErrTypeMismatch)
}

func TestCorrelationKeyPrecedence(t *testing.T) {
	acct := id.NewAccountID()
	sub := id.NewSubscriptionID()
	inv := id.NewInvoiceID()
	sbr := id.NewSubscriberID()

	tests := []struct {
		name string
		keys event.Keys
		want string
	}{
		{"override", event.Keys{InvoiceID: inv, Correlation: "case-1"}, "case-1"},
		{"invoice", event.Keys{AccountID: acct, SubscriptionID: sub, InvoiceID: inv}, inv.String()},
		{"subscription", event.Keys{AccountID: acct, SubscriptionID: sub}, sub.String()},
		{"account", event.Keys{AccountID: acct, SubscriberID: sbr}, acct.String()},
		{"subscriber", event.Keys{SubscriberID: sbr}, sbr.String()},
		{"none", event.Keys{}, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.keys.CorrelationKey())
		})
	}
}

func TestUncorrelatedEventUsesOwnID(t *testing.T) {
	e, err := event.New(event.SLABreachDetected{SubjectID: "ticket-7", Deadline: t0}, t0)
	require.NoError(t, err)
	assert.Equal(t, "sla:ticket-7", e.CorrelationKey)
}

func TestRecordOutcome(t *testing.T) {
	e, err := event.New(event.InvoiceDueElapsed{InvoiceID: id.NewInvoiceID()}, t0)
	require.NoError(t, err)

	e.RecordOutcome("ledger", nil, t0)
	e.RecordOutcome("dunning", errors.New("store unavailable"), t0)
	e.RecordOutcome("audit", errors.New("timeout"), t0)

	assert.True(t, e.HandlerSucceeded("ledger"))
	assert.False(t, e.HandlerSucceeded("dunning"))
	assert.Equal(t, []string{"audit", "dunning"}, e.FailedHandlers())

	e.RecordOutcome("dunning", nil, t0.Add(time.Minute))
	assert.True(t, e.HandlerSucceeded("dunning"))
	assert.Equal(t, 2, e.Handlers["dunning"].Attempts)
	assert.Empty(t, e.Handlers["dunning"].Error)

	c := e.Clone()
	c.RecordOutcome("audit", nil, t0)
	assert.False(t, e.HandlerSucceeded("audit"), "clone must not share handler map")
}

func TestEveryTypeIsKnown(t *testing.T) {
	for _, typ := range event.Types() {
		assert.True(t, event.Known(typ), typ)
	}
	assert.False(t, event.Known("payment.teleported"))
}
