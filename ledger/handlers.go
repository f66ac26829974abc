package ledger

import (
	"context"
	"errors"

	"github.com/xraph/tollgate/dispatch"
	"github.com/xraph/tollgate/event"
	"github.com/xraph/tollgate/payment"
	"github.com/xraph/tollgate/types"
)

// Handler names.
const (
	HandlerIssueInvoice  = "ledger.issue_invoice"
	HandlerVoidInvoice   = "ledger.void_invoice"
	HandlerOverdue       = "ledger.overdue"
	HandlerPayment       = "ledger.payment"
	HandlerPaymentFailed = "ledger.payment_failed"
	HandlerRefund        = "ledger.refund"
)

// Register subscribes the ledger to the events it consumes.
func (e *Engine) Register(r *dispatch.Registry) error {
	return errors.Join(
		dispatch.Handle(r, HandlerIssueInvoice, e.onInvoiceIssued),
		dispatch.Handle(r, HandlerVoidInvoice, e.onInvoiceVoided),
		dispatch.Handle(r, HandlerOverdue, e.onInvoiceDueElapsed),
		dispatch.Handle(r, HandlerPayment, e.onPaymentSucceeded),
		dispatch.Handle(r, HandlerPaymentFailed, e.onPaymentFailed),
		dispatch.Handle(r, HandlerRefund, e.onPaymentRefunded),
	)
}

// classify maps ledger errors to dispatch results. Rejections that the
// same input would hit again are fatal; everything else is retried.
func classify(err error) dispatch.Result {
	return dispatch.FromError(err,
		ErrInvalidLedgerGroup,
		ErrInvoiceVoided,
		ErrCurrencyMismatch,
		ErrAccountMismatch,
		ErrRefundExceedsPayment,
		ErrCreditExceedsBalance,
		ErrIllegalTransition,
		ErrMissingKey,
		payment.ErrNotFound,
	)
}

func result(res *PostResult, err error, duplicate string) dispatch.Result {
	if err != nil {
		return classify(err)
	}
	if res != nil && res.Duplicate {
		return dispatch.NoOp(duplicate)
	}
	return dispatch.Success()
}

func (e *Engine) onInvoiceIssued(ctx context.Context, _ *event.Event, p event.InvoiceIssued) dispatch.Result {
	res, err := e.IssueInvoice(ctx, IssueRequest{
		InvoiceID:      p.InvoiceID,
		AccountID:      p.AccountID,
		SubscriptionID: p.SubscriptionID,
		Currency:       p.Currency,
		Subtotal:       p.Subtotal,
		TaxTotal:       p.TaxTotal,
		IssuedAt:       p.IssuedAt,
		DueAt:          p.DueAt,
	})
	return result(res, err, "invoice already issued")
}

func (e *Engine) onInvoiceVoided(ctx context.Context, _ *event.Event, p event.InvoiceVoided) dispatch.Result {
	res, err := e.VoidInvoice(ctx, p.InvoiceID, p.Reason)
	return result(res, err, "invoice already void")
}

func (e *Engine) onInvoiceDueElapsed(ctx context.Context, _ *event.Event, p event.InvoiceDueElapsed) dispatch.Result {
	_, err := e.EvaluateOverdue(ctx, p.InvoiceID)
	return classify(err)
}

func (e *Engine) onPaymentSucceeded(ctx context.Context, _ *event.Event, p event.PaymentSucceeded) dispatch.Result {
	res, err := e.PostPayment(ctx, PaymentRequest{
		PaymentID:         p.PaymentID,
		AccountID:         p.AccountID,
		InvoiceID:         p.InvoiceID,
		Amount:            types.New(p.Amount, p.Currency),
		ProviderReference: p.ProviderReference,
		ProcessedAt:       p.ProcessedAt,
	})
	return result(res, err, "payment already posted")
}

func (e *Engine) onPaymentFailed(ctx context.Context, _ *event.Event, p event.PaymentFailed) dispatch.Result {
	_, changed, err := e.RecordPaymentFailure(ctx, FailureRequest{
		PaymentID:         p.PaymentID,
		AccountID:         p.AccountID,
		InvoiceID:         p.InvoiceID,
		Amount:            types.New(p.Amount, p.Currency),
		ProviderReference: p.ProviderReference,
		Reason:            p.Reason,
	})
	if err != nil {
		return classify(err)
	}
	if !changed {
		return dispatch.NoOp("payment already settled")
	}
	return dispatch.Success()
}

func (e *Engine) onPaymentRefunded(ctx context.Context, _ *event.Event, p event.PaymentRefunded) dispatch.Result {
	res, err := e.RefundPayment(ctx, RefundRequest{
		PaymentID: p.PaymentID,
		Reference: p.RefundReference,
		Amount:    types.New(p.Amount, p.Currency),
	})
	return result(res, err, "refund already posted")
}
