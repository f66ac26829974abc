package ledger_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xraph/tollgate/event"
	"github.com/xraph/tollgate/id"
	"github.com/xraph/tollgate/invoice"
	"github.com/xraph/tollgate/ledger"
	"github.com/xraph/tollgate/payment"
	"github.com/xraph/tollgate/store/memory"
	"github.com/xraph/tollgate/timer"
	"github.com/xraph/tollgate/types"
)

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func day(n int) time.Time { return t0.AddDate(0, 0, n) }

func usd(amount int64) types.Money { return types.New(amount, "USD") }

type scheduled struct {
	subjectType, subjectID string
	firesAt                time.Time
}

type recordingScheduler struct {
	mu        sync.Mutex
	scheduled []scheduled
	canceled  []string
}

func (r *recordingScheduler) Schedule(_ context.Context, subjectType, subjectID string, firesAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scheduled = append(r.scheduled, scheduled{subjectType, subjectID, firesAt})
	return nil
}

func (r *recordingScheduler) Cancel(_ context.Context, subjectType, subjectID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.canceled = append(r.canceled, subjectType+"/"+subjectID)
	return nil
}

type recordingHooks struct {
	mu          sync.Mutex
	posted      int
	transitions []ledger.Transition
}

func (h *recordingHooks) EmitLedgerPosted(context.Context, *ledger.Posting) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.posted++
}

func (h *recordingHooks) EmitInvoiceStatusChanged(_ context.Context, _ *invoice.Invoice, from, to invoice.Status) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.transitions = append(h.transitions, ledger.Transition{From: from, To: to})
}

type fixture struct {
	ctx       context.Context
	store     *memory.Store
	clock     *types.ManualClock
	scheduler *recordingScheduler
	hooks     *recordingHooks
	engine    *ledger.Engine
	account   id.AccountID
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		ctx:       context.Background(),
		store:     memory.New(),
		clock:     types.NewManualClock(t0),
		scheduler: &recordingScheduler{},
		hooks:     &recordingHooks{},
		account:   id.NewAccountID(),
	}
	f.engine = ledger.NewEngine(f.store,
		ledger.WithClock(f.clock),
		ledger.WithScheduler(f.scheduler),
		ledger.WithHooks(f.hooks),
	)
	return f
}

// issue issues a USD invoice of subtotal+tax due at dueAt.
func (f *fixture) issue(t *testing.T, subtotal, tax int64, dueAt time.Time) *invoice.Invoice {
	t.Helper()
	res, err := f.engine.IssueInvoice(f.ctx, ledger.IssueRequest{
		InvoiceID: id.NewInvoiceID(),
		AccountID: f.account,
		Currency:  "USD",
		Subtotal:  subtotal,
		TaxTotal:  tax,
		IssuedAt:  f.clock.Now(),
		DueAt:     dueAt,
	})
	require.NoError(t, err)
	return res.Invoice
}

func (f *fixture) pay(t *testing.T, inv *invoice.Invoice, amount int64) *ledger.PostResult {
	t.Helper()
	res, err := f.engine.PostPayment(f.ctx, ledger.PaymentRequest{
		PaymentID: id.NewPaymentID(),
		AccountID: f.account,
		InvoiceID: inv.ID,
		Amount:    usd(amount),
	})
	require.NoError(t, err)
	return res
}

func (f *fixture) invoice(t *testing.T, invID id.InvoiceID) *invoice.Invoice {
	t.Helper()
	inv, err := f.store.GetInvoice(f.ctx, invID)
	require.NoError(t, err)
	return inv
}

func (f *fixture) requireBalanced(t *testing.T) {
	t.Helper()
	rec, err := f.engine.Reconcile(f.ctx, f.account)
	require.NoError(t, err)
	assert.True(t, rec.Balanced())
}

func TestValidateGroup(t *testing.T) {
	tests := []struct {
		name  string
		lines []ledger.Line
		ok    bool
	}{
		{
			name: "balanced",
			lines: []ledger.Line{
				ledger.DebitLine(ledger.BookReceivable, usd(100)),
				ledger.CreditLine(ledger.BookRevenue, usd(90)),
				ledger.CreditLine(ledger.BookTax, usd(10)),
			},
			ok: true,
		},
		{
			name: "debits exceed credits",
			lines: []ledger.Line{
				ledger.DebitLine(ledger.BookReceivable, usd(100)),
				ledger.CreditLine(ledger.BookRevenue, usd(90)),
			},
		},
		{
			name:  "single entry",
			lines: []ledger.Line{ledger.DebitLine(ledger.BookCash, usd(100))},
		},
		{
			name: "only debits",
			lines: []ledger.Line{
				ledger.DebitLine(ledger.BookCash, usd(50)),
				ledger.DebitLine(ledger.BookReceivable, usd(50)),
			},
		},
		{
			name: "zero amount",
			lines: []ledger.Line{
				ledger.DebitLine(ledger.BookCash, usd(0)),
				ledger.CreditLine(ledger.BookReceivable, usd(0)),
			},
		},
		{
			name: "mixed currencies",
			lines: []ledger.Line{
				ledger.DebitLine(ledger.BookCash, usd(100)),
				ledger.CreditLine(ledger.BookReceivable, types.New(100, "EUR")),
			},
		},
		{
			name: "unknown book",
			lines: []ledger.Line{
				ledger.DebitLine(ledger.Book("suspense"), usd(100)),
				ledger.CreditLine(ledger.BookReceivable, usd(100)),
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ledger.ValidateGroup(tt.lines)
			if tt.ok {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, ledger.ErrInvalidLedgerGroup)
		})
	}
}

func TestPostRejectsUnbalancedGroupBeforeWriting(t *testing.T) {
	f := newFixture(t)
	inv := f.issue(t, 100, 0, day(14))

	_, err := f.engine.Post(f.ctx, ledger.PostRequest{
		IdempotencyKey: "adj-1",
		AccountID:      f.account,
		InvoiceID:      inv.ID,
		Lines: []ledger.Line{
			ledger.DebitLine(ledger.BookAdjustment, usd(100)),
			ledger.CreditLine(ledger.BookReceivable, usd(90)),
		},
	})
	require.ErrorIs(t, err, ledger.ErrInvalidLedgerGroup)

	_, err = f.store.GetPostingByKey(f.ctx, "adj-1")
	assert.ErrorIs(t, err, ledger.ErrPostingNotFound)

	postings, err := f.store.ListPostings(f.ctx, ledger.PostingFilter{AccountID: f.account})
	require.NoError(t, err)
	assert.Len(t, postings, 1, "only the issuance")
	assert.Equal(t, int64(100), f.invoice(t, inv.ID).BalanceDue.Amount)
}

func TestPostAdjustmentRecomputesInvoice(t *testing.T) {
	f := newFixture(t)
	inv := f.issue(t, 100, 0, day(14))

	req := ledger.PostRequest{
		IdempotencyKey: "adj-1",
		AccountID:      f.account,
		InvoiceID:      inv.ID,
		Memo:           "goodwill",
		Lines: []ledger.Line{
			ledger.DebitLine(ledger.BookAdjustment, usd(100)),
			ledger.CreditLine(ledger.BookReceivable, usd(100)),
		},
	}
	res, err := f.engine.Post(f.ctx, req)
	require.NoError(t, err)
	assert.Equal(t, ledger.SourceAdjustment, res.Posting.Source)
	require.NotNil(t, res.Transition)
	assert.Equal(t, invoice.StatusPaid, res.Transition.To)

	again, err := f.engine.Post(f.ctx, req)
	require.NoError(t, err)
	assert.True(t, again.Duplicate)
	assert.Equal(t, res.Posting.ID, again.Posting.ID)

	_, err = f.engine.Post(f.ctx, ledger.PostRequest{AccountID: f.account, Lines: req.Lines})
	assert.ErrorIs(t, err, ledger.ErrMissingKey)
	f.requireBalanced(t)
}

func TestIssueInvoice(t *testing.T) {
	f := newFixture(t)
	inv := f.issue(t, 90, 10, day(14))

	assert.Equal(t, invoice.StatusIssued, inv.Status)
	assert.Equal(t, int64(100), inv.Total.Amount)
	assert.Equal(t, int64(100), inv.BalanceDue.Amount)
	require.NotNil(t, inv.IssuedAt)

	require.Len(t, f.scheduler.scheduled, 1)
	s := f.scheduler.scheduled[0]
	assert.Equal(t, timer.SubjectInvoiceDue, s.subjectType)
	assert.Equal(t, inv.ID.String(), s.subjectID)
	assert.True(t, s.firesAt.After(inv.DueAt))

	bal, err := f.engine.Balance(f.ctx, f.account, "USD")
	require.NoError(t, err)
	assert.Equal(t, int64(100), bal.Amount)

	changed, err := f.store.ListEvents(f.ctx, event.ListOpts{Type: event.TypeInvoiceStatusChanged})
	require.NoError(t, err)
	assert.Len(t, changed, 1, "draft -> issued")

	res, err := f.engine.IssueInvoice(f.ctx, ledger.IssueRequest{
		InvoiceID: inv.ID,
		AccountID: f.account,
		Currency:  "USD",
		Subtotal:  90,
		TaxTotal:  10,
		DueAt:     day(14),
	})
	require.NoError(t, err)
	assert.True(t, res.Duplicate)
	f.requireBalanced(t)
}

func TestPartialThenFullPayment(t *testing.T) {
	f := newFixture(t)
	inv := f.issue(t, 100, 0, day(0))

	f.clock.Set(day(2))
	res := f.pay(t, inv, 40)
	assert.Equal(t, invoice.StatusPartiallyPaid, res.Invoice.Status)
	assert.Equal(t, int64(60), res.Invoice.BalanceDue.Amount)
	assert.Equal(t, int64(40), res.Payment.Allocated)
	assert.Zero(t, res.Payment.Credited)

	n, err := f.engine.MarkOverdue(f.ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, invoice.StatusOverdue, f.invoice(t, inv.ID).Status)

	f.clock.Set(day(5))
	res = f.pay(t, inv, 60)
	assert.Equal(t, invoice.StatusPaid, res.Invoice.Status)
	assert.Zero(t, res.Invoice.BalanceDue.Amount)
	require.NotNil(t, res.Invoice.PaidAt)
	assert.True(t, res.Invoice.PaidAt.Equal(day(5)))

	bal, err := f.engine.Balance(f.ctx, f.account, "USD")
	require.NoError(t, err)
	assert.True(t, bal.IsZero())
	f.requireBalanced(t)

	assert.Equal(t, []ledger.Transition{
		{From: invoice.StatusDraft, To: invoice.StatusIssued},
		{From: invoice.StatusIssued, To: invoice.StatusPartiallyPaid},
		{From: invoice.StatusPartiallyPaid, To: invoice.StatusOverdue},
		{From: invoice.StatusOverdue, To: invoice.StatusPaid},
	}, f.hooks.transitions)
}

func TestPostPaymentIsIdempotent(t *testing.T) {
	f := newFixture(t)
	inv := f.issue(t, 100, 0, day(14))

	req := ledger.PaymentRequest{
		PaymentID:         id.NewPaymentID(),
		AccountID:         f.account,
		InvoiceID:         inv.ID,
		Amount:            usd(100),
		ProviderReference: "ch_1",
	}
	first, err := f.engine.PostPayment(f.ctx, req)
	require.NoError(t, err)
	assert.False(t, first.Duplicate)

	second, err := f.engine.PostPayment(f.ctx, req)
	require.NoError(t, err)
	assert.True(t, second.Duplicate)
	assert.Equal(t, first.Posting.ID, second.Posting.ID)
	require.NotNil(t, second.Payment)
	assert.Equal(t, payment.StatusSucceeded, second.Payment.Status)

	postings, err := f.store.ListPostings(f.ctx, ledger.PostingFilter{PaymentID: req.PaymentID})
	require.NoError(t, err)
	assert.Len(t, postings, 1)
	assert.Equal(t, invoice.StatusPaid, f.invoice(t, inv.ID).Status)
	f.requireBalanced(t)
}

func TestOverpaymentGoesToCustomerCredit(t *testing.T) {
	f := newFixture(t)
	inv := f.issue(t, 100, 0, day(14))

	res := f.pay(t, inv, 150)
	assert.Equal(t, invoice.StatusPaid, res.Invoice.Status)
	assert.Equal(t, int64(100), res.Payment.Allocated)
	assert.Equal(t, int64(50), res.Payment.Credited)

	credit, err := f.store.SumEntries(f.ctx, ledger.EntryFilter{
		AccountID:  f.account,
		Book:       ledger.BookCustomerCredit,
		ActiveOnly: true,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(-50), credit.Net())
	f.requireBalanced(t)
}

func TestPaymentWithoutInvoiceIsCredit(t *testing.T) {
	f := newFixture(t)
	res, err := f.engine.PostPayment(f.ctx, ledger.PaymentRequest{
		PaymentID: id.NewPaymentID(),
		AccountID: f.account,
		Amount:    usd(25),
	})
	require.NoError(t, err)
	assert.Nil(t, res.Invoice)
	assert.Equal(t, int64(25), res.Payment.Credited)
	require.Len(t, res.Posting.Entries, 2)
}

func TestPaymentValidation(t *testing.T) {
	f := newFixture(t)
	inv := f.issue(t, 100, 0, day(14))

	tests := []struct {
		name string
		req  ledger.PaymentRequest
		err  error
	}{
		{
			name: "zero amount",
			req:  ledger.PaymentRequest{PaymentID: id.NewPaymentID(), AccountID: f.account, InvoiceID: inv.ID, Amount: usd(0)},
			err:  ledger.ErrInvalidLedgerGroup,
		},
		{
			name: "wrong currency",
			req:  ledger.PaymentRequest{PaymentID: id.NewPaymentID(), AccountID: f.account, InvoiceID: inv.ID, Amount: types.New(100, "EUR")},
			err:  ledger.ErrCurrencyMismatch,
		},
		{
			name: "wrong account",
			req:  ledger.PaymentRequest{PaymentID: id.NewPaymentID(), AccountID: id.NewAccountID(), InvoiceID: inv.ID, Amount: usd(100)},
			err:  ledger.ErrAccountMismatch,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.engine.PostPayment(f.ctx, tt.req)
			assert.ErrorIs(t, err, tt.err)
		})
	}
	assert.Equal(t, int64(100), f.invoice(t, inv.ID).BalanceDue.Amount)
}

func TestRecordPaymentFailure(t *testing.T) {
	f := newFixture(t)
	inv := f.issue(t, 100, 0, day(14))
	payID := id.NewPaymentID()

	pay, changed, err := f.engine.RecordPaymentFailure(f.ctx, ledger.FailureRequest{
		PaymentID: payID,
		AccountID: f.account,
		InvoiceID: inv.ID,
		Amount:    usd(100),
		Reason:    "card_declined",
	})
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, payment.StatusFailed, pay.Status)

	_, err = f.engine.PostPayment(f.ctx, ledger.PaymentRequest{
		PaymentID: payID,
		AccountID: f.account,
		InvoiceID: inv.ID,
		Amount:    usd(100),
	})
	require.NoError(t, err)

	pay, changed, err = f.engine.RecordPaymentFailure(f.ctx, ledger.FailureRequest{
		PaymentID: payID,
		AccountID: f.account,
		Reason:    "late webhook",
	})
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, payment.StatusSucceeded, pay.Status)
	assert.Empty(t, pay.FailureReason)
}

func TestRefundReopensInvoice(t *testing.T) {
	f := newFixture(t)
	inv := f.issue(t, 100, 0, day(14))
	paid := f.pay(t, inv, 120)

	refund := func(ref string, amount int64) (*ledger.PostResult, error) {
		return f.engine.RefundPayment(f.ctx, ledger.RefundRequest{
			PaymentID: paid.Payment.ID,
			Reference: ref,
			Amount:    usd(amount),
		})
	}

	// The first 20 comes out of customer credit and leaves the invoice paid.
	res, err := refund("re_1", 20)
	require.NoError(t, err)
	assert.Nil(t, res.Invoice)
	assert.Equal(t, payment.StatusPartiallyRefunded, res.Payment.Status)
	assert.Zero(t, res.Payment.Credited)
	assert.Equal(t, invoice.StatusPaid, f.invoice(t, inv.ID).Status)

	res, err = refund("re_2", 30)
	require.NoError(t, err)
	require.NotNil(t, res.Transition)
	assert.Equal(t, invoice.StatusPartiallyPaid, res.Transition.To)
	assert.Equal(t, int64(30), res.Invoice.BalanceDue.Amount)
	assert.Nil(t, res.Invoice.PaidAt)

	again, err := refund("re_2", 30)
	require.NoError(t, err)
	assert.True(t, again.Duplicate)

	_, err = refund("re_3", 71)
	assert.ErrorIs(t, err, ledger.ErrRefundExceedsPayment)

	res, err = refund("re_3", 70)
	require.NoError(t, err)
	assert.Equal(t, payment.StatusRefunded, res.Payment.Status)
	assert.Equal(t, invoice.StatusIssued, res.Invoice.Status)
	assert.Equal(t, int64(100), res.Invoice.BalanceDue.Amount)

	_, err = refund("", 1)
	assert.ErrorIs(t, err, ledger.ErrMissingKey)
	f.requireBalanced(t)
}

func TestCreditNote(t *testing.T) {
	f := newFixture(t)
	inv := f.issue(t, 100, 0, day(14))

	note := func(ref string, amount int64) (*ledger.PostResult, error) {
		return f.engine.PostCreditNote(f.ctx, ledger.CreditNoteRequest{
			InvoiceID: inv.ID,
			Reference: ref,
			Amount:    usd(amount),
		})
	}

	res, err := note("cn_1", 20)
	require.NoError(t, err)
	assert.Equal(t, int64(80), res.Invoice.BalanceDue.Amount)
	assert.Equal(t, "credit note cn_1", res.Posting.Memo)

	_, err = note("cn_2", 81)
	assert.ErrorIs(t, err, ledger.ErrCreditExceedsBalance)

	res, err = note("cn_2", 80)
	require.NoError(t, err)
	assert.Equal(t, invoice.StatusPaid, res.Invoice.Status)
	f.requireBalanced(t)
}

func TestVoidMovesPaymentsToCredit(t *testing.T) {
	f := newFixture(t)
	inv := f.issue(t, 100, 0, day(14))
	paid := f.pay(t, inv, 40)

	f.clock.Set(day(3))
	res, err := f.engine.VoidInvoice(f.ctx, inv.ID, "billing error")
	require.NoError(t, err)
	require.NotNil(t, res.Transition)
	assert.Equal(t, invoice.StatusPartiallyPaid, res.Transition.From)
	assert.Equal(t, invoice.StatusVoid, res.Invoice.Status)
	assert.True(t, res.Invoice.BalanceDue.IsZero())
	assert.Equal(t, "billing error", res.Invoice.VoidReason)
	require.NotNil(t, res.Posting)
	for _, e := range res.Posting.Entries {
		assert.False(t, e.IsActive)
		assert.False(t, e.ReversalOf.IsNil())
	}

	pay, err := f.store.GetPayment(f.ctx, paid.Payment.ID)
	require.NoError(t, err)
	assert.Zero(t, pay.Allocated)
	assert.Equal(t, int64(40), pay.Credited)

	bal, err := f.engine.Balance(f.ctx, f.account, "USD")
	require.NoError(t, err)
	assert.True(t, bal.IsZero())
	f.requireBalanced(t)
	assert.Contains(t, f.scheduler.canceled, timer.SubjectInvoiceDue+"/"+inv.ID.String())

	again, err := f.engine.VoidInvoice(f.ctx, inv.ID, "again")
	require.NoError(t, err)
	assert.True(t, again.Duplicate)

	_, err = f.engine.PostPayment(f.ctx, ledger.PaymentRequest{
		PaymentID: id.NewPaymentID(),
		AccountID: f.account,
		InvoiceID: inv.ID,
		Amount:    usd(10),
	})
	assert.ErrorIs(t, err, ledger.ErrInvoiceVoided)
}

func TestEvaluateOverdue(t *testing.T) {
	f := newFixture(t)
	inv := f.issue(t, 100, 0, day(7))

	tr, err := f.engine.EvaluateOverdue(f.ctx, inv.ID)
	require.NoError(t, err)
	assert.Nil(t, tr, "not yet due")

	f.clock.Set(day(7))
	tr, err = f.engine.EvaluateOverdue(f.ctx, inv.ID)
	require.NoError(t, err)
	assert.Nil(t, tr, "due instant is not past due")

	f.clock.Set(day(8))
	tr, err = f.engine.EvaluateOverdue(f.ctx, inv.ID)
	require.NoError(t, err)
	require.NotNil(t, tr)
	assert.Equal(t, ledger.Transition{From: invoice.StatusIssued, To: invoice.StatusOverdue}, *tr)

	tr, err = f.engine.EvaluateOverdue(f.ctx, inv.ID)
	require.NoError(t, err)
	assert.Nil(t, tr, "already overdue")

	changed, err := f.store.ListEvents(f.ctx, event.ListOpts{Type: event.TypeInvoiceStatusChanged})
	require.NoError(t, err)
	assert.Len(t, changed, 2)
}

func TestMarkOverdueSkipsSettledInvoices(t *testing.T) {
	f := newFixture(t)
	late := f.issue(t, 100, 0, day(1))
	settled := f.issue(t, 50, 0, day(1))
	future := f.issue(t, 70, 0, day(30))
	f.pay(t, settled, 50)

	f.clock.Set(day(2))
	n, err := f.engine.MarkOverdue(f.ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	assert.Equal(t, invoice.StatusOverdue, f.invoice(t, late.ID).Status)
	assert.Equal(t, invoice.StatusPaid, f.invoice(t, settled.ID).Status)
	assert.Equal(t, invoice.StatusIssued, f.invoice(t, future.ID).Status)
	f.requireBalanced(t)
}

func TestNextStatus(t *testing.T) {
	inv := func(status invoice.Status) *invoice.Invoice {
		return &invoice.Invoice{Status: status, Total: usd(100), DueAt: day(7)}
	}
	tests := []struct {
		name   string
		inv    *invoice.Invoice
		totals ledger.Totals
		now    time.Time
		want   invoice.Status
	}{
		{"unpaid before due", inv(invoice.StatusIssued), ledger.Totals{Debits: 100}, day(1), invoice.StatusIssued},
		{"unpaid past due", inv(invoice.StatusIssued), ledger.Totals{Debits: 100}, day(8), invoice.StatusOverdue},
		{"partial before due", inv(invoice.StatusIssued), ledger.Totals{Debits: 100, Credits: 40}, day(1), invoice.StatusPartiallyPaid},
		{"partial past due", inv(invoice.StatusOverdue), ledger.Totals{Debits: 100, Credits: 40}, day(8), invoice.StatusPartiallyPaid},
		{"settled", inv(invoice.StatusOverdue), ledger.Totals{Debits: 100, Credits: 100}, day(8), invoice.StatusPaid},
		{"overpaid", inv(invoice.StatusIssued), ledger.Totals{Debits: 100, Credits: 150}, day(1), invoice.StatusPaid},
		{"fully refunded", inv(invoice.StatusPaid), ledger.Totals{Debits: 200, Credits: 100}, day(1), invoice.StatusIssued},
		{"void stays void", inv(invoice.StatusVoid), ledger.Totals{Debits: 100}, day(8), invoice.StatusVoid},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ledger.NextStatus(tt.inv, tt.totals, tt.now))
		})
	}
}
