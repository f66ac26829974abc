package dunning

import (
	"context"
	"errors"

	"github.com/xraph/tollgate/dispatch"
	"github.com/xraph/tollgate/event"
	"github.com/xraph/tollgate/notify"
)

// Handler names.
const (
	HandlerInvoiceStatus = "dunning.invoice_status"
	HandlerStepDue       = "dunning.step_due"
	HandlerNotify        = "dunning.notify"
)

// Register subscribes the dunning engine to the events it consumes.
func (e *Engine) Register(r *dispatch.Registry) error {
	return errors.Join(
		dispatch.Handle(r, HandlerInvoiceStatus, e.onInvoiceStatusChanged),
		dispatch.Handle(r, HandlerStepDue, e.onStepDue),
		dispatch.Handle(r, HandlerNotify, e.onActionRequested),
	)
}

func classify(err error) dispatch.Result {
	return dispatch.FromError(err, ErrPolicyNotFound, ErrInvalidPolicy, ErrCaseClosed)
}

func (e *Engine) onInvoiceStatusChanged(ctx context.Context, _ *event.Event, p event.InvoiceStatusChanged) dispatch.Result {
	return classify(e.InvoiceStatusChanged(ctx, p))
}

func (e *Engine) onStepDue(ctx context.Context, _ *event.Event, p event.DunningStepDue) dispatch.Result {
	exec, err := e.Evaluate(ctx, p.CaseID)
	if errors.Is(err, ErrNotFound) {
		return dispatch.Fatal(err)
	}
	if err != nil {
		return classify(err)
	}
	if exec == nil {
		return dispatch.NoOp("no step due")
	}
	return dispatch.Success()
}

// onActionRequested delivers notify steps. Notification is best-effort:
// a failing channel is retried for a few dispatch attempts, then given up.
func (e *Engine) onActionRequested(ctx context.Context, ev *event.Event, p event.DunningActionRequested) dispatch.Result {
	if Action(p.Action) != ActionNotify {
		return dispatch.NoOp("not a notify step")
	}

	err := e.notifier.Notify(ctx, notify.Message{
		AccountID: p.AccountID,
		InvoiceID: p.InvoiceID,
		Template:  p.Template,
		Channel:   p.Channel,
	})
	if err == nil {
		return dispatch.Success()
	}
	if ev.AttemptCount < e.notifyAttempts {
		return dispatch.Retry(err)
	}

	e.logger.Warn("dunning notification dropped",
		"case_id", p.CaseID.String(),
		"account_id", p.AccountID.String(),
		"template", p.Template,
		"channel", p.Channel,
		"attempts", ev.AttemptCount,
		"error", err,
	)
	return dispatch.Success()
}
