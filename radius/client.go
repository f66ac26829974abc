// Package radius implements the enforcement network capability over RADIUS
// dynamic authorization (RFC 5176): CoA-Request to change the attributes of
// a live session and Disconnect-Request to terminate it.
//
// Sessions are found through a SessionLocator, usually the accounting
// table a RADIUS server writes (see AccountingLocator).
package radius

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"layeh.com/radius"
	"layeh.com/radius/rfc2865"
	"layeh.com/radius/rfc2866"

	"github.com/xraph/tollgate/enforcement"
	"github.com/xraph/tollgate/subscription"
)

// DefaultCoAPort is the RFC 5176 dynamic authorization port.
const DefaultCoAPort = 3799

// Mikrotik-Rate-Limit, the most common rate profile attribute.
const (
	DefaultRateVendor   uint32 = 14988
	DefaultRateAttrType byte   = 8
)

var _ enforcement.Network = (*Client)(nil)

// SessionLocator finds the live sessions of a RADIUS username.
type SessionLocator interface {
	Sessions(ctx context.Context, username string) ([]enforcement.Session, error)
}

// Client sends dynamic authorization requests to access devices.
type Client struct {
	locator SessionLocator
	secret  []byte
	client  *radius.Client
	logger  *slog.Logger

	rateVendor   uint32
	rateAttrType byte
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(c *Client) { c.logger = l } }

// WithRetry sets the retransmission interval within one exchange.
func WithRetry(d time.Duration) Option { return func(c *Client) { c.client.Retry = d } }

// WithRateAttribute sets the vendor-specific attribute that carries the
// rate profile in a CoA-Request.
func WithRateAttribute(vendorID uint32, attrType byte) Option {
	return func(c *Client) {
		c.rateVendor = vendorID
		c.rateAttrType = attrType
	}
}

// NewClient returns a Client signing requests with secret.
func NewClient(locator SessionLocator, secret []byte, opts ...Option) *Client {
	c := &Client{
		locator:      locator,
		secret:       secret,
		client:       &radius.Client{Retry: time.Second},
		logger:       slog.Default(),
		rateVendor:   DefaultRateVendor,
		rateAttrType: DefaultRateAttrType,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) LookupActiveSessions(ctx context.Context, sub *subscription.Subscription) ([]enforcement.Session, error) {
	if sub.Username == "" {
		return nil, nil
	}
	sessions, err := c.locator.Sessions(ctx, sub.Username)
	if err != nil {
		return nil, fmt.Errorf("radius: lookup sessions of %s: %w", sub.Username, err)
	}
	return sessions, nil
}

// SendCoA changes the rate profile and filter of a session.
func (c *Client) SendCoA(ctx context.Context, s enforcement.Session, attrs enforcement.Attributes) error {
	p, err := c.request(radius.CodeCoARequest, s)
	if err != nil {
		return err
	}
	if attrs.RateProfile != "" {
		if err := c.setRateProfile(p, attrs.RateProfile); err != nil {
			return err
		}
	}
	if attrs.FilterID != "" {
		if err := rfc2865.FilterID_SetString(p, attrs.FilterID); err != nil {
			return fmt.Errorf("radius: filter id: %w", err)
		}
	}
	return c.exchange(ctx, p, s, radius.CodeCoAACK)
}

// SendDisconnect terminates a session.
func (c *Client) SendDisconnect(ctx context.Context, s enforcement.Session) error {
	p, err := c.request(radius.CodeDisconnectRequest, s)
	if err != nil {
		return err
	}
	return c.exchange(ctx, p, s, radius.CodeDisconnectACK)
}

// request builds a packet identifying s by username, session id and, when
// known, framed address.
func (c *Client) request(code radius.Code, s enforcement.Session) (*radius.Packet, error) {
	p := radius.New(code, c.secret)
	if err := rfc2865.UserName_SetString(p, s.Username); err != nil {
		return nil, fmt.Errorf("radius: user name: %w", err)
	}
	if err := rfc2866.AcctSessionID_SetString(p, s.ID); err != nil {
		return nil, fmt.Errorf("radius: session id: %w", err)
	}
	if s.FramedIP != "" {
		if ip := net.ParseIP(s.FramedIP); ip != nil && ip.To4() != nil {
			if err := rfc2865.FramedIPAddress_Set(p, ip); err != nil {
				return nil, fmt.Errorf("radius: framed ip: %w", err)
			}
		}
	}
	return p, nil
}

func (c *Client) setRateProfile(p *radius.Packet, profile string) error {
	if len(profile) > 253 {
		return fmt.Errorf("radius: rate profile %q too long", profile)
	}
	vsa := make(radius.Attribute, 0, 2+len(profile))
	vsa = append(vsa, c.rateAttrType, byte(2+len(profile)))
	vsa = append(vsa, profile...)
	attr, err := radius.NewVendorSpecific(c.rateVendor, vsa)
	if err != nil {
		return fmt.Errorf("radius: rate profile: %w", err)
	}
	p.Add(rfc2865.VendorSpecific_Type, attr)
	return nil
}

// exchange sends p to the session's device. Timeouts and transport
// failures map to ErrProtocolUnreachable, NAKs to ErrRejected.
func (c *Client) exchange(ctx context.Context, p *radius.Packet, s enforcement.Session, ack radius.Code) error {
	if s.NASAddress == "" {
		return fmt.Errorf("%w: session %s has no device address", enforcement.ErrProtocolUnreachable, s.ID)
	}

	resp, err := c.client.Exchange(ctx, p, s.NASAddress)
	if err != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			return err
		}
		return fmt.Errorf("%w: %s %s: %v", enforcement.ErrProtocolUnreachable, p.Code, s.NASAddress, err)
	}

	c.logger.Debug("radius exchange",
		"code", p.Code.String(),
		"response", resp.Code.String(),
		"nas", s.NASAddress,
		"session_id", s.ID,
	)
	if resp.Code != ack {
		return fmt.Errorf("%w: %s answered %s for session %s", enforcement.ErrRejected, s.NASAddress, resp.Code, s.ID)
	}
	return nil
}
