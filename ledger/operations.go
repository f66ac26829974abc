package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/xraph/tollgate/id"
	"github.com/xraph/tollgate/invoice"
	"github.com/xraph/tollgate/payment"
	"github.com/xraph/tollgate/timer"
	"github.com/xraph/tollgate/types"
)

// Idempotency key builders. Each business operation derives its key from
// the identifiers the producer supplies.
func invoiceKey(invID id.InvoiceID) string { return "invoice:" + invID.String() }
func paymentKey(payID id.PaymentID) string { return "payment:" + payID.String() }
func voidKey(invID id.InvoiceID) string    { return "void:" + invID.String() }
func reallocKey(invID id.InvoiceID) string { return "void-realloc:" + invID.String() }
func creditNoteKey(ref string) string      { return "credit_note:" + ref }

// overdueAt is the first instant an invoice due at dueAt counts as past
// due.
func overdueAt(dueAt time.Time) time.Time { return dueAt.Add(time.Microsecond) }

func refundKey(payID id.PaymentID, ref string) string {
	return "refund:" + payID.String() + ":" + ref
}

// IssueRequest issues an invoice.
type IssueRequest struct {
	InvoiceID      id.InvoiceID
	AccountID      id.AccountID
	SubscriptionID id.SubscriptionID
	Currency       string
	Subtotal       int64
	TaxTotal       int64
	IssuedAt       time.Time
	DueAt          time.Time
}

// IssueInvoice creates the invoice (or takes over an existing draft),
// debits receivable by the total against revenue and tax, and schedules
// the due deadline.
func (e *Engine) IssueInvoice(ctx context.Context, req IssueRequest) (*PostResult, error) {
	if req.InvoiceID.IsNil() || req.AccountID.IsNil() {
		return nil, groupErrorf("invoice and account ids required")
	}

	total := types.New(req.Subtotal+req.TaxTotal, req.Currency)
	cur := total.Currency
	lines := nonZero(
		DebitLine(BookReceivable, total),
		CreditLine(BookRevenue, types.New(req.Subtotal, cur)),
		CreditLine(BookTax, types.New(req.TaxTotal, cur)),
	)
	if err := ValidateGroup(lines); err != nil {
		return nil, err
	}

	key := invoiceKey(req.InvoiceID)
	var res *PostResult
	err := e.atomic(ctx, func(ctx context.Context, u *unit) error {
		dup, err := e.existing(ctx, key)
		if err != nil || dup != nil {
			res = dup
			return err
		}

		inv, err := e.store.LockInvoice(ctx, req.InvoiceID)
		switch {
		case errors.Is(err, invoice.ErrNotFound):
			inv = &invoice.Invoice{
				Entity:         types.NewEntity(u.now),
				ID:             req.InvoiceID,
				AccountID:      req.AccountID,
				SubscriptionID: req.SubscriptionID,
				Status:         invoice.StatusDraft,
				Currency:       cur,
			}
			if err := e.store.CreateInvoice(ctx, inv); err != nil {
				return err
			}
		case err != nil:
			return err
		case inv.Status == invoice.StatusVoid:
			return fmt.Errorf("%w: %s", ErrInvoiceVoided, inv.ID)
		case inv.Status != invoice.StatusDraft:
			return fmt.Errorf("%w: %s is %s without an issuance posting", ErrIllegalTransition, inv.ID, inv.Status)
		case inv.AccountID != req.AccountID:
			return fmt.Errorf("%w: invoice %s belongs to %s", ErrAccountMismatch, inv.ID, inv.AccountID)
		}

		inv.Currency = cur
		inv.Subtotal = types.New(req.Subtotal, cur)
		inv.TaxTotal = types.New(req.TaxTotal, cur)
		inv.Total = total
		inv.DueAt = req.DueAt.UTC().Truncate(time.Microsecond)
		if !req.IssuedAt.IsZero() {
			issuedAt := req.IssuedAt.UTC().Truncate(time.Microsecond)
			inv.IssuedAt = &issuedAt
		}

		p, err := e.write(ctx, u, PostRequest{
			IdempotencyKey: key,
			AccountID:      inv.AccountID,
			InvoiceID:      inv.ID,
			Source:         SourceInvoice,
			Memo:           "invoice issued",
			Lines:          lines,
		})
		if err != nil {
			return err
		}

		tr, err := e.refresh(ctx, u, inv)
		if err != nil {
			return err
		}

		if e.scheduler != nil {
			if err := e.scheduler.Schedule(ctx, timer.SubjectInvoiceDue, inv.ID.String(), overdueAt(inv.DueAt)); err != nil {
				return err
			}
		}

		res = &PostResult{Posting: p, Invoice: inv, Transition: tr}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("ledger: issue invoice %s: %w", req.InvoiceID, err)
	}
	return res, nil
}

// PaymentRequest posts a succeeded payment.
type PaymentRequest struct {
	PaymentID         id.PaymentID
	AccountID         id.AccountID
	InvoiceID         id.InvoiceID
	Amount            types.Money
	ProviderReference string
	ProcessedAt       time.Time
}

// PostPayment debits cash and credits the invoice receivable up to its
// balance due, with any excess (or the whole amount, without an invoice)
// credited to customer credit. Posting the same payment id again returns
// the original result.
func (e *Engine) PostPayment(ctx context.Context, req PaymentRequest) (*PostResult, error) {
	if req.PaymentID.IsNil() || req.AccountID.IsNil() {
		return nil, groupErrorf("payment and account ids required")
	}
	if req.Amount.Amount <= 0 {
		return nil, groupErrorf("payment amount must be positive, got %d", req.Amount.Amount)
	}

	key := paymentKey(req.PaymentID)
	var res *PostResult
	err := e.atomic(ctx, func(ctx context.Context, u *unit) error {
		dup, err := e.existing(ctx, key)
		if err != nil || dup != nil {
			res = dup
			return err
		}

		pay, err := e.store.GetPayment(ctx, req.PaymentID)
		isNew := errors.Is(err, payment.ErrNotFound)
		if err != nil && !isNew {
			return err
		}
		if isNew {
			pay = &payment.Payment{
				Entity:    types.NewEntity(u.now),
				ID:        req.PaymentID,
				AccountID: req.AccountID,
				InvoiceID: req.InvoiceID,
			}
		} else if pay.AccountID != req.AccountID {
			return fmt.Errorf("%w: payment %s belongs to %s", ErrAccountMismatch, pay.ID, pay.AccountID)
		}

		var (
			inv   *invoice.Invoice
			alloc int64
		)
		if !req.InvoiceID.IsNil() {
			inv, err = e.lockForPost(ctx, req.InvoiceID, req.AccountID, req.Amount.Currency)
			if err != nil {
				return err
			}
			totals, err := e.receivable(ctx, inv.ID)
			if err != nil {
				return err
			}
			alloc = max(min(req.Amount.Amount, totals.Net()), 0)
		}

		cur := req.Amount.Currency
		p, err := e.write(ctx, u, PostRequest{
			IdempotencyKey: key,
			AccountID:      req.AccountID,
			InvoiceID:      req.InvoiceID,
			PaymentID:      req.PaymentID,
			Source:         SourcePayment,
			Memo:           "payment " + req.ProviderReference,
			Lines: nonZero(
				DebitLine(BookCash, req.Amount),
				CreditLine(BookReceivable, types.New(alloc, cur)),
				CreditLine(BookCustomerCredit, types.New(req.Amount.Amount-alloc, cur)),
			),
		})
		if err != nil {
			return err
		}

		processedAt := req.ProcessedAt
		if processedAt.IsZero() {
			processedAt = u.now
		}
		processedAt = processedAt.UTC().Truncate(time.Microsecond)

		pay.InvoiceID = req.InvoiceID
		pay.Amount = req.Amount
		pay.Status = payment.StatusSucceeded
		pay.Allocated = alloc
		pay.Credited = req.Amount.Amount - alloc
		pay.FailureReason = ""
		pay.ProcessedAt = &processedAt
		if req.ProviderReference != "" {
			pay.ProviderReference = req.ProviderReference
		}
		if err := e.savePayment(ctx, pay, isNew, u.now); err != nil {
			return err
		}

		res = &PostResult{Posting: p, Payment: pay, Invoice: inv}
		if inv != nil {
			res.Transition, err = e.refresh(ctx, u, inv)
		}
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("ledger: post payment %s: %w", req.PaymentID, err)
	}
	return res, nil
}

func (e *Engine) savePayment(ctx context.Context, pay *payment.Payment, isNew bool, now time.Time) error {
	if isNew {
		return e.store.CreatePayment(ctx, pay)
	}
	pay.Touch(now)
	return e.store.UpdatePayment(ctx, pay)
}

// FailureRequest records a failed payment attempt.
type FailureRequest struct {
	PaymentID         id.PaymentID
	AccountID         id.AccountID
	InvoiceID         id.InvoiceID
	Amount            types.Money
	ProviderReference string
	Reason            string
}

// RecordPaymentFailure stores a failed payment. Failures touch no entries.
// A failure reported after the payment already settled is ignored and
// reported as unchanged.
func (e *Engine) RecordPaymentFailure(ctx context.Context, req FailureRequest) (pay *payment.Payment, changed bool, err error) {
	err = e.store.RunInTx(ctx, func(ctx context.Context) error {
		now := e.now()
		var getErr error
		pay, getErr = e.store.GetPayment(ctx, req.PaymentID)
		isNew := errors.Is(getErr, payment.ErrNotFound)
		if getErr != nil && !isNew {
			return getErr
		}

		if isNew {
			pay = &payment.Payment{
				Entity:    types.NewEntity(now),
				ID:        req.PaymentID,
				AccountID: req.AccountID,
				InvoiceID: req.InvoiceID,
				Amount:    req.Amount,
			}
		} else if pay.Status != payment.StatusPending && pay.Status != payment.StatusFailed {
			return nil
		}

		pay.Status = payment.StatusFailed
		pay.FailureReason = req.Reason
		if req.ProviderReference != "" {
			pay.ProviderReference = req.ProviderReference
		}
		changed = true
		return e.savePayment(ctx, pay, isNew, now)
	})
	if err != nil {
		return nil, false, fmt.Errorf("ledger: record payment failure %s: %w", req.PaymentID, err)
	}
	if !changed {
		e.logger.Debug("payment failure ignored, payment already settled",
			"payment_id", req.PaymentID.String(), "status", string(pay.Status))
	}
	return pay, changed, nil
}

// RefundRequest refunds part or all of a payment. Reference identifies the
// refund at the provider and keys its idempotency.
type RefundRequest struct {
	PaymentID id.PaymentID
	Reference string
	Amount    types.Money
}

// RefundPayment credits cash and debits the customer credit the payment
// left behind first, then the invoice receivable. A refund that reaches
// the receivable reopens the invoice.
func (e *Engine) RefundPayment(ctx context.Context, req RefundRequest) (*PostResult, error) {
	if req.Reference == "" {
		return nil, ErrMissingKey
	}
	if req.Amount.Amount <= 0 {
		return nil, groupErrorf("refund amount must be positive, got %d", req.Amount.Amount)
	}

	key := refundKey(req.PaymentID, req.Reference)
	var res *PostResult
	err := e.atomic(ctx, func(ctx context.Context, u *unit) error {
		dup, err := e.existing(ctx, key)
		if err != nil || dup != nil {
			res = dup
			return err
		}

		pay, err := e.store.GetPayment(ctx, req.PaymentID)
		if err != nil {
			return err
		}
		if pay.Amount.Currency != req.Amount.Currency {
			return fmt.Errorf("%w: payment is %s, refund is %s", ErrCurrencyMismatch, pay.Amount.Currency, req.Amount.Currency)
		}
		if req.Amount.Amount > pay.Refundable() {
			return fmt.Errorf("%w: %d requested, %d refundable", ErrRefundExceedsPayment, req.Amount.Amount, pay.Refundable())
		}

		fromCredit, fromReceivable := pay.SplitRefund(req.Amount.Amount)

		var inv *invoice.Invoice
		if fromReceivable > 0 {
			inv, err = e.lockForPost(ctx, pay.InvoiceID, pay.AccountID, req.Amount.Currency)
			if err != nil {
				return err
			}
		}

		cur := req.Amount.Currency
		p, err := e.write(ctx, u, PostRequest{
			IdempotencyKey: key,
			AccountID:      pay.AccountID,
			InvoiceID:      pay.InvoiceID,
			PaymentID:      pay.ID,
			Source:         SourceRefund,
			Memo:           "refund " + req.Reference,
			Lines: nonZero(
				DebitLine(BookCustomerCredit, types.New(fromCredit, cur)),
				DebitLine(BookReceivable, types.New(fromReceivable, cur)),
				CreditLine(BookCash, req.Amount),
			),
		})
		if err != nil {
			return err
		}

		pay.ApplyRefund(fromCredit, fromReceivable)
		if err := e.savePayment(ctx, pay, false, u.now); err != nil {
			return err
		}

		res = &PostResult{Posting: p, Payment: pay, Invoice: inv}
		if inv != nil {
			res.Transition, err = e.refresh(ctx, u, inv)
		}
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("ledger: refund payment %s: %w", req.PaymentID, err)
	}
	return res, nil
}

// CreditNoteRequest reduces what an invoice's account owes.
type CreditNoteRequest struct {
	InvoiceID id.InvoiceID
	Reference string
	Amount    types.Money
	Memo      string
}

// PostCreditNote credits the invoice receivable against the adjustment
// book. The credit cannot exceed the balance due.
func (e *Engine) PostCreditNote(ctx context.Context, req CreditNoteRequest) (*PostResult, error) {
	if req.Reference == "" {
		return nil, ErrMissingKey
	}
	lines := []Line{
		DebitLine(BookAdjustment, req.Amount),
		CreditLine(BookReceivable, req.Amount),
	}
	if err := ValidateGroup(lines); err != nil {
		return nil, err
	}

	key := creditNoteKey(req.Reference)
	var res *PostResult
	err := e.atomic(ctx, func(ctx context.Context, u *unit) error {
		dup, err := e.existing(ctx, key)
		if err != nil || dup != nil {
			res = dup
			return err
		}

		inv, err := e.lockForPost(ctx, req.InvoiceID, id.Nil, req.Amount.Currency)
		if err != nil {
			return err
		}
		totals, err := e.receivable(ctx, inv.ID)
		if err != nil {
			return err
		}
		if req.Amount.Amount > totals.Net() {
			return fmt.Errorf("%w: %d requested, %d due", ErrCreditExceedsBalance, req.Amount.Amount, totals.Net())
		}

		memo := req.Memo
		if memo == "" {
			memo = "credit note " + req.Reference
		}
		p, err := e.write(ctx, u, PostRequest{
			IdempotencyKey: key,
			AccountID:      inv.AccountID,
			InvoiceID:      inv.ID,
			Source:         SourceCreditNote,
			Memo:           memo,
			Lines:          lines,
		})
		if err != nil {
			return err
		}

		res = &PostResult{Posting: p, Invoice: inv}
		res.Transition, err = e.refresh(ctx, u, inv)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("ledger: credit note %s: %w", req.Reference, err)
	}
	return res, nil
}

// VoidInvoice reverses the invoice's issuance and credit notes, moves any
// money paid against it to customer credit, and marks it void. The
// reversed entries are flagged inactive and paired with inactive
// offsetting entries. Voiding a void invoice is a no-op.
func (e *Engine) VoidInvoice(ctx context.Context, invID id.InvoiceID, reason string) (*PostResult, error) {
	var res *PostResult
	err := e.atomic(ctx, func(ctx context.Context, u *unit) error {
		inv, err := e.store.LockInvoice(ctx, invID)
		if err != nil {
			return err
		}
		if inv.Status == invoice.StatusVoid {
			res = &PostResult{Invoice: inv, Duplicate: true}
			return nil
		}
		if !invoice.CanTransition(inv.Status, invoice.StatusVoid) {
			return fmt.Errorf("%w: %s %s -> void", ErrIllegalTransition, inv.ID, inv.Status)
		}

		reversal, err := e.reverse(ctx, u, inv)
		if err != nil {
			return err
		}

		totals, err := e.receivable(ctx, inv.ID)
		if err != nil {
			return err
		}
		if paid := -totals.Net(); paid > 0 {
			if err := e.reallocate(ctx, u, inv, paid); err != nil {
				return err
			}
		}

		from := inv.Status
		voidedAt := u.now
		inv.Status = invoice.StatusVoid
		inv.VoidedAt = &voidedAt
		inv.VoidReason = reason
		inv.BalanceDue = types.Zero(inv.Currency)
		inv.Touch(u.now)
		if err := e.store.UpdateInvoice(ctx, inv); err != nil {
			return err
		}
		if err := e.appendStatusChanged(ctx, u, inv, from); err != nil {
			return err
		}

		if e.scheduler != nil {
			if err := e.scheduler.Cancel(ctx, timer.SubjectInvoiceDue, inv.ID.String()); err != nil {
				return err
			}
		}

		res = &PostResult{
			Posting:    reversal,
			Invoice:    inv,
			Transition: &Transition{From: from, To: invoice.StatusVoid},
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("ledger: void invoice %s: %w", invID, err)
	}
	return res, nil
}

// reverse deactivates the entries of the invoice's issuance and credit
// note postings and records inactive offsetting entries for them.
func (e *Engine) reverse(ctx context.Context, u *unit, inv *invoice.Invoice) (*Posting, error) {
	postings, err := e.store.ListPostings(ctx, PostingFilter{
		InvoiceID: inv.ID,
		Source:    []Source{SourceInvoice, SourceCreditNote},
	})
	if err != nil {
		return nil, err
	}

	var flipped []*Entry
	for _, p := range postings {
		entries, err := e.store.DeactivateEntries(ctx, p.ID)
		if err != nil {
			return nil, err
		}
		flipped = append(flipped, entries...)
	}
	if len(flipped) == 0 {
		return nil, nil
	}

	rev := newPosting(PostRequest{
		IdempotencyKey: voidKey(inv.ID),
		AccountID:      inv.AccountID,
		InvoiceID:      inv.ID,
		Source:         SourceAdjustment,
		Memo:           "void reversal",
	}, inv.Currency, u.now)
	for _, orig := range flipped {
		rev.Entries = append(rev.Entries, &Entry{
			ID:         id.NewEntryID(),
			PostingID:  rev.ID,
			AccountID:  orig.AccountID,
			InvoiceID:  orig.InvoiceID,
			PaymentID:  orig.PaymentID,
			Book:       orig.Book,
			Type:       opposite(orig.Type),
			Source:     orig.Source,
			Amount:     orig.Amount,
			Currency:   orig.Currency,
			IsActive:   false,
			ReversalOf: orig.ID,
			CreatedAt:  u.now,
		})
	}

	if err := e.store.CreatePosting(ctx, rev); err != nil {
		return nil, err
	}
	u.postings = append(u.postings, rev)
	return rev, nil
}

// reallocate moves money paid against a voided invoice from its receivable
// to customer credit.
func (e *Engine) reallocate(ctx context.Context, u *unit, inv *invoice.Invoice, amount int64) error {
	m := types.New(amount, inv.Currency)
	if _, err := e.write(ctx, u, PostRequest{
		IdempotencyKey: reallocKey(inv.ID),
		AccountID:      inv.AccountID,
		InvoiceID:      inv.ID,
		Source:         SourceAdjustment,
		Memo:           "payments moved to customer credit",
		Lines: []Line{
			DebitLine(BookReceivable, m),
			CreditLine(BookCustomerCredit, m),
		},
	}); err != nil {
		return err
	}

	pays, err := e.store.ListPayments(ctx, payment.ListOpts{InvoiceID: inv.ID})
	if err != nil {
		return err
	}
	for _, p := range pays {
		if p.Allocated <= 0 {
			continue
		}
		p.Credited += p.Allocated
		p.Allocated = 0
		if err := e.savePayment(ctx, p, false, u.now); err != nil {
			return err
		}
	}
	return nil
}

func opposite(t EntryType) EntryType {
	if t == Debit {
		return Credit
	}
	return Debit
}

// EvaluateOverdue marks an issued or partially paid invoice overdue once
// it is past due with a balance left. It returns the transition, or nil
// when the invoice stays as it is.
func (e *Engine) EvaluateOverdue(ctx context.Context, invID id.InvoiceID) (*Transition, error) {
	var tr *Transition
	err := e.atomic(ctx, func(ctx context.Context, u *unit) error {
		inv, err := e.store.LockInvoice(ctx, invID)
		if err != nil {
			return err
		}
		if inv.Status != invoice.StatusIssued && inv.Status != invoice.StatusPartiallyPaid {
			return nil
		}
		if !inv.IsPastDue(u.now) {
			return nil
		}

		totals, err := e.receivable(ctx, inv.ID)
		if err != nil {
			return err
		}
		if totals.Net() <= 0 {
			return nil
		}

		tr, err = e.apply(ctx, u, inv, totals.Net(), invoice.StatusOverdue)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("ledger: evaluate overdue %s: %w", invID, err)
	}
	return tr, nil
}

// MarkOverdue evaluates every issued or partially paid invoice that is
// past due. It is the backstop for missed due deadlines and returns how
// many invoices became overdue.
func (e *Engine) MarkOverdue(ctx context.Context, limit int) (int, error) {
	invs, err := e.store.ListInvoices(ctx, invoice.ListOpts{
		Status:    []invoice.Status{invoice.StatusIssued, invoice.StatusPartiallyPaid},
		DueBefore: e.now(),
		Limit:     limit,
	})
	if err != nil {
		return 0, fmt.Errorf("ledger: list past due: %w", err)
	}

	n := 0
	for _, inv := range invs {
		tr, err := e.EvaluateOverdue(ctx, inv.ID)
		if err != nil {
			e.logger.Warn("overdue evaluation failed", "invoice_id", inv.ID.String(), "error", err)
			continue
		}
		if tr != nil {
			n++
		}
	}
	return n, nil
}
