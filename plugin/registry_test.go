package plugin_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xraph/tollgate/dunning"
	"github.com/xraph/tollgate/invoice"
	"github.com/xraph/tollgate/notify"
	"github.com/xraph/tollgate/plugin"
)

type named struct{ name string }

func (n named) Name() string { return n.name }

type statusRecorder struct {
	named
	mu   sync.Mutex
	seen []invoice.Status
	err  error
}

func (r *statusRecorder) OnInvoiceStatusChanged(_ context.Context, _ *invoice.Invoice, _, to invoice.Status) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen = append(r.seen, to)
	return r.err
}

type slowCloser struct {
	named
	delay time.Duration
}

func (s slowCloser) OnDunningCaseClosed(context.Context, *dunning.Case) error {
	time.Sleep(s.delay)
	return nil
}

type channel struct {
	named
	mu   sync.Mutex
	msgs []notify.Message
	err  error
}

func (c *channel) Notify(_ context.Context, msg notify.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, msg)
	return c.err
}

func newRegistry() *plugin.Registry {
	return plugin.NewRegistry().WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestRegisterRejectsDuplicateNames(t *testing.T) {
	r := newRegistry()
	require.NoError(t, r.Register(named{"a"}))
	require.NoError(t, r.Register(named{"b"}))
	assert.Error(t, r.Register(named{"a"}))

	assert.Equal(t, 2, r.Count())
	assert.Equal(t, "b", r.Get("b").Name())
	assert.Nil(t, r.Get("c"))
	assert.Len(t, r.List(), 2)
}

func TestEmitReachesImplementersOnly(t *testing.T) {
	r := newRegistry()
	rec := &statusRecorder{named: named{"rec"}}
	failing := &statusRecorder{named: named{"failing"}, err: errors.New("sink down")}
	require.NoError(t, r.Register(named{"bare"}))
	require.NoError(t, r.Register(rec))
	require.NoError(t, r.Register(failing))

	inv := &invoice.Invoice{}
	r.EmitInvoiceStatusChanged(context.Background(), inv, invoice.StatusIssued, invoice.StatusOverdue)
	r.EmitInvoiceStatusChanged(context.Background(), inv, invoice.StatusOverdue, invoice.StatusPaid)

	assert.Equal(t, []invoice.Status{invoice.StatusOverdue, invoice.StatusPaid}, rec.seen)
	assert.Len(t, failing.seen, 2, "a failing hook does not stop later calls")
}

func TestEmitBoundsSlowHooks(t *testing.T) {
	r := newRegistry().WithTimeout(20 * time.Millisecond)
	require.NoError(t, r.Register(slowCloser{named: named{"slow"}, delay: time.Second}))

	start := time.Now()
	r.EmitDunningCaseClosed(context.Background(), &dunning.Case{})
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestNotifierFansOut(t *testing.T) {
	r := newRegistry()
	assert.Nil(t, r.Notifier())

	email := &channel{named: named{"email"}}
	sms := &channel{named: named{"sms"}, err: errors.New("gateway down")}
	require.NoError(t, r.Register(email))
	require.NoError(t, r.Register(sms))

	n := r.Notifier()
	require.NotNil(t, n)
	err := n.Notify(context.Background(), notify.Message{Template: "reminder"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sms")

	assert.Len(t, email.msgs, 1)
	assert.Len(t, sms.msgs, 1)
}
