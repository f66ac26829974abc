// Package event defines the durable, append-only domain event record that
// drives every side effect in Tollgate.
//
// An Event's payload is immutable once appended. Only the delivery fields
// (status, attempt count, handler outcomes, lease) change, and only the
// dispatcher changes them.
package event

import (
	"encoding/json"
	"sort"
	"time"

	"github.com/xraph/tollgate/id"
)

// Type names an event variant, e.g. "invoice.status_changed".
type Type string

// Status is the delivery status of an event.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusSucceeded  Status = "succeeded"
	StatusFailed     Status = "failed" // at least one handler failed, retry scheduled
	StatusDead       Status = "dead"   // retry budget exhausted or fatal handler result
)

// IsTerminal reports whether no further delivery will be attempted
// without operator action.
func (s Status) IsTerminal() bool {
	return s == StatusSucceeded || s == StatusDead
}

// Keys are the correlation identifiers an event carries. Events that share
// a correlation key are delivered in occurred_at order.
type Keys struct {
	AccountID      id.AccountID
	SubscriberID   id.SubscriberID
	SubscriptionID id.SubscriptionID
	InvoiceID      id.InvoiceID

	// Correlation overrides the derived correlation key.
	Correlation string
}

// CorrelationKey picks the ordering key: the explicit override, else the
// most specific entity id present.
func (k Keys) CorrelationKey() string {
	switch {
	case k.Correlation != "":
		return k.Correlation
	case !k.InvoiceID.IsNil():
		return k.InvoiceID.String()
	case !k.SubscriptionID.IsNil():
		return k.SubscriptionID.String()
	case !k.AccountID.IsNil():
		return k.AccountID.String()
	case !k.SubscriberID.IsNil():
		return k.SubscriberID.String()
	default:
		return ""
	}
}

// HandlerOutcome records the last result of one handler for one event.
type HandlerOutcome struct {
	Succeeded bool      `json:"succeeded"`
	Error     string    `json:"error,omitempty"`
	Attempts  int       `json:"attempts"`
	At        time.Time `json:"at"`
}

// Event is a durable domain event.
type Event struct {
	ID         id.EventID      `json:"id"`
	Seq        int64           `json:"seq"` // store-assigned append order, breaks occurred_at ties
	Type       Type            `json:"type"`
	Version    int             `json:"version"`
	Payload    json.RawMessage `json:"payload"`
	OccurredAt time.Time       `json:"occurred_at"`

	AccountID      id.AccountID      `json:"account_id,omitempty"`
	SubscriberID   id.SubscriberID   `json:"subscriber_id,omitempty"`
	SubscriptionID id.SubscriptionID `json:"subscription_id,omitempty"`
	InvoiceID      id.InvoiceID      `json:"invoice_id,omitempty"`
	CorrelationKey string            `json:"correlation_key"`

	Status        Status                    `json:"status"`
	AttemptCount  int                       `json:"attempt_count"`
	Handlers      map[string]HandlerOutcome `json:"handlers,omitempty"`
	LastError     string                    `json:"last_error,omitempty"`
	NextAttemptAt time.Time                 `json:"next_attempt_at"`
	ClaimToken    string                    `json:"-"`
	LockedUntil   time.Time                 `json:"locked_until,omitzero"`
	ProcessedAt   *time.Time                `json:"processed_at,omitempty"`
	CreatedAt     time.Time                 `json:"created_at"`
}

// HandlerSucceeded reports whether handler already completed for this event.
func (e *Event) HandlerSucceeded(handler string) bool {
	o, ok := e.Handlers[handler]
	return ok && o.Succeeded
}

// FailedHandlers returns the handlers whose last attempt failed, sorted.
func (e *Event) FailedHandlers() []string {
	var names []string
	for name, o := range e.Handlers {
		if !o.Succeeded {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// RecordOutcome stores the result of one handler attempt.
func (e *Event) RecordOutcome(handler string, err error, at time.Time) {
	if e.Handlers == nil {
		e.Handlers = make(map[string]HandlerOutcome)
	}
	o := e.Handlers[handler]
	o.Attempts++
	o.At = at
	o.Succeeded = err == nil
	o.Error = ""
	if err != nil {
		o.Error = err.Error()
	}
	e.Handlers[handler] = o
}

// Clone returns a deep copy.
func (e *Event) Clone() *Event {
	c := *e
	c.Payload = append(json.RawMessage(nil), e.Payload...)
	if e.Handlers != nil {
		c.Handlers = make(map[string]HandlerOutcome, len(e.Handlers))
		for k, v := range e.Handlers {
			c.Handlers[k] = v
		}
	}
	if e.ProcessedAt != nil {
		t := *e.ProcessedAt
		c.ProcessedAt = &t
	}
	return &c
}

// Before orders events by (occurred_at, seq).
func (e *Event) Before(other *Event) bool {
	if !e.OccurredAt.Equal(other.OccurredAt) {
		return e.OccurredAt.Before(other.OccurredAt)
	}
	return e.Seq < other.Seq
}
