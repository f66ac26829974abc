package subscription

import (
	"context"
	"errors"

	"github.com/xraph/tollgate/id"
)

var ErrNotFound = errors.New("subscription: not found")

// Store persists subscriptions.
type Store interface {
	// UpsertSubscription inserts s or updates its provisioning fields
	// (account, subscriber, username, status, rate profile), leaving the
	// enforcement flags of an existing row untouched.
	UpsertSubscription(ctx context.Context, s *Subscription) error
	GetSubscription(ctx context.Context, subID id.SubscriptionID) (*Subscription, error)
	UpdateSubscription(ctx context.Context, s *Subscription) error
	ListSubscriptions(ctx context.Context, opts ListOpts) ([]*Subscription, error)
}

// ListOpts filters subscription listings.
type ListOpts struct {
	AccountID id.AccountID
	Status    Status
	Limit     int
	Offset    int
}
