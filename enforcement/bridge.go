package enforcement

import (
	"context"
	"fmt"

	"github.com/xraph/tollgate/dunning"
	"github.com/xraph/tollgate/event"
	"github.com/xraph/tollgate/subscription"
	"github.com/xraph/tollgate/types"
)

// RequestFromDunning turns an enforcing dunning step into one
// enforcement.requested event per active subscription of the account.
// Notify steps produce nothing. It returns how many requests it appended.
func (x *Executor) RequestFromDunning(ctx context.Context, p event.DunningActionRequested) (int, error) {
	kind := Kind(p.Action)
	if !dunning.Action(p.Action).Enforces() {
		return 0, nil
	}

	subs, err := x.store.ListSubscriptions(ctx, subscription.ListOpts{
		AccountID: p.AccountID,
		Status:    subscription.StatusActive,
	})
	if err != nil {
		return 0, fmt.Errorf("enforcement: list subscriptions of %s: %w", p.AccountID, err)
	}

	reqs := make([]event.Payload, 0, len(subs))
	for _, sub := range subs {
		reqs = append(reqs, event.EnforcementRequested{
			SubscriptionID: sub.ID,
			AccountID:      p.AccountID,
			CaseID:         p.CaseID,
			InvoiceID:      p.InvoiceID,
			Kind:           string(kind),
			StepIndex:      p.StepIndex,
		})
	}
	return len(reqs), x.appendAll(ctx, reqs)
}

// RequestReactivation asks to lift the blocks a closed dunning case left
// behind. Nothing is requested while another open or paused case of the
// account has enforced, since that case's blocks must stay.
func (x *Executor) RequestReactivation(ctx context.Context, p event.DunningResolved) (int, error) {
	if !p.Enforced {
		return 0, nil
	}

	others, err := x.store.ListCases(ctx, dunning.ListOpts{
		AccountID:    p.AccountID,
		Status:       []dunning.Status{dunning.StatusOpen, dunning.StatusPaused},
		EnforcedOnly: true,
	})
	if err != nil {
		return 0, fmt.Errorf("enforcement: list cases of %s: %w", p.AccountID, err)
	}
	for _, c := range others {
		if c.ID != p.CaseID {
			x.logger.Info("reactivation held, account still under enforcement",
				"account_id", p.AccountID.String(),
				"case_id", c.ID.String(),
			)
			return 0, nil
		}
	}

	subs, err := x.store.ListSubscriptions(ctx, subscription.ListOpts{AccountID: p.AccountID})
	if err != nil {
		return 0, fmt.Errorf("enforcement: list subscriptions of %s: %w", p.AccountID, err)
	}

	var reqs []event.Payload
	for _, sub := range subs {
		if sub.Authorizable && !sub.Throttled {
			continue
		}
		reqs = append(reqs, event.EnforcementRequested{
			SubscriptionID: sub.ID,
			AccountID:      p.AccountID,
			CaseID:         p.CaseID,
			InvoiceID:      p.InvoiceID,
			Kind:           string(KindReactivate),
			StepIndex:      p.StepIndex,
		})
	}
	return len(reqs), x.appendAll(ctx, reqs)
}

func (x *Executor) appendAll(ctx context.Context, payloads []event.Payload) error {
	if len(payloads) == 0 {
		return nil
	}
	now := x.now()
	return x.store.RunInTx(ctx, func(ctx context.Context) error {
		for _, p := range payloads {
			ev, err := event.New(p, now)
			if err != nil {
				return err
			}
			if err := x.store.AppendEvent(ctx, ev); err != nil {
				return err
			}
		}
		return nil
	})
}

// Sync mirrors a subscription from provisioning. New subscriptions start
// authorizable; an existing record keeps its enforcement flags.
func (x *Executor) Sync(ctx context.Context, p event.SubscriptionSynced) error {
	now := x.now()
	sub := &subscription.Subscription{
		Entity:       types.NewEntity(now),
		ID:           p.SubscriptionID,
		AccountID:    p.AccountID,
		SubscriberID: p.SubscriberID,
		Username:     p.Username,
		Status:       subscription.Status(p.Status),
		RateProfile:  p.RateProfile,
		Authorizable: true,
	}
	if err := x.store.UpsertSubscription(ctx, sub); err != nil {
		return fmt.Errorf("enforcement: sync %s: %w", p.SubscriptionID, err)
	}
	return nil
}
