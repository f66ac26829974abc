// Package subscription models the authorization record the AAA layer
// consults for each service subscription.
package subscription

import (
	"github.com/xraph/tollgate/id"
	"github.com/xraph/tollgate/types"
)

// Status mirrors the provisioning system's view of a subscription.
type Status string

const (
	StatusActive   Status = "active"
	StatusCanceled Status = "canceled"
)

// Subscription is one network service subscription.
//
// Authorizable and Throttled are owned by the enforcement executor; a sync
// from provisioning never clears them.
type Subscription struct {
	types.Entity
	ID           id.SubscriptionID `json:"id"`
	AccountID    id.AccountID      `json:"account_id"`
	SubscriberID id.SubscriberID   `json:"subscriber_id,omitempty"`
	Username     string            `json:"username"` // RADIUS User-Name
	Status       Status            `json:"status"`
	RateProfile  string            `json:"rate_profile,omitempty"`
	Authorizable bool              `json:"authorizable"`
	Throttled    bool              `json:"throttled"`
	BlockReason  string            `json:"block_reason,omitempty"`
}

// Clone returns a copy of s.
func (s *Subscription) Clone() *Subscription {
	c := *s
	return &c
}
