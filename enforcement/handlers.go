package enforcement

import (
	"context"
	"errors"

	"github.com/xraph/tollgate/dispatch"
	"github.com/xraph/tollgate/event"
	"github.com/xraph/tollgate/subscription"
)

// Handler names.
const (
	HandlerApply      = "enforcement.apply"
	HandlerDunning    = "enforcement.dunning"
	HandlerReactivate = "enforcement.reactivate"
	HandlerSync       = "subscription.sync"
)

// Register subscribes the executor to the events it consumes.
func (x *Executor) Register(r *dispatch.Registry) error {
	return errors.Join(
		dispatch.Handle(r, HandlerApply, x.onRequested),
		dispatch.Handle(r, HandlerDunning, x.onDunningAction),
		dispatch.Handle(r, HandlerReactivate, x.onDunningResolved),
		dispatch.Handle(r, HandlerSync, x.onSynced),
	)
}

func (x *Executor) onRequested(ctx context.Context, _ *event.Event, p event.EnforcementRequested) dispatch.Result {
	out, err := x.Apply(ctx, Request{
		SubscriptionID: p.SubscriptionID,
		AccountID:      p.AccountID,
		CaseID:         p.CaseID,
		Kind:           Kind(p.Kind),
		StepIndex:      p.StepIndex,
	})
	switch {
	case err == nil && out.Duplicate:
		return dispatch.NoOp("enforcement already applied")
	case err == nil:
		return dispatch.Success()
	case errors.Is(err, ErrUnknownKind), errors.Is(err, subscription.ErrNotFound):
		return dispatch.Fatal(err)
	default:
		return dispatch.Retry(err)
	}
}

func (x *Executor) onDunningAction(ctx context.Context, _ *event.Event, p event.DunningActionRequested) dispatch.Result {
	n, err := x.RequestFromDunning(ctx, p)
	if err != nil {
		return dispatch.Retry(err)
	}
	if n == 0 {
		return dispatch.NoOp("nothing to enforce")
	}
	return dispatch.Success()
}

func (x *Executor) onDunningResolved(ctx context.Context, _ *event.Event, p event.DunningResolved) dispatch.Result {
	n, err := x.RequestReactivation(ctx, p)
	if err != nil {
		return dispatch.Retry(err)
	}
	if n == 0 {
		return dispatch.NoOp("nothing to reactivate")
	}
	return dispatch.Success()
}

func (x *Executor) onSynced(ctx context.Context, _ *event.Event, p event.SubscriptionSynced) dispatch.Result {
	return dispatch.FromError(x.Sync(ctx, p))
}
