package enforcement

import (
	"context"

	"github.com/xraph/tollgate/subscription"
)

// Session is a live network session of a subscription.
type Session struct {
	ID         string `json:"id"` // Acct-Session-Id
	Username   string `json:"username"`
	NASAddress string `json:"nas_address"` // host:port of the device's dynamic authorization server
	FramedIP   string `json:"framed_ip,omitempty"`
}

// Attributes are the session attributes a CoA changes.
type Attributes struct {
	RateProfile string // rate limit, e.g. "2M/2M"
	FilterID    string
}

// Network is the AAA protocol capability. Implementations return
// ErrProtocolUnreachable for timeouts and ErrRejected for NAKs.
type Network interface {
	LookupActiveSessions(ctx context.Context, sub *subscription.Subscription) ([]Session, error)
	SendCoA(ctx context.Context, s Session, attrs Attributes) error
	SendDisconnect(ctx context.Context, s Session) error
}
