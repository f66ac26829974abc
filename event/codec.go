package event

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/xraph/tollgate/id"
)

// CurrentVersion is the payload schema version written by this build.
// Decoding tolerates newer versions: unknown fields are ignored.
const CurrentVersion = 1

var (
	// ErrMalformedPayload is returned when a payload fails to decode or
	// is missing required fields.
	ErrMalformedPayload = errors.New("event: malformed payload")

	// ErrUnknownType is returned for event types outside the closed set.
	ErrUnknownType = errors.New("event: unknown event type")

	// ErrTypeMismatch is returned when decoding an event into the wrong variant.
	ErrTypeMismatch = errors.New("event: payload type mismatch")
)

var validate = validator.New(validator.WithRequiredStructEnabled())

var variants = map[Type]func() Payload{
	TypeInvoiceIssued:             func() Payload { return &InvoiceIssued{} },
	TypeInvoiceStatusChanged:      func() Payload { return &InvoiceStatusChanged{} },
	TypeInvoiceDueElapsed:         func() Payload { return &InvoiceDueElapsed{} },
	TypeInvoiceVoided:             func() Payload { return &InvoiceVoided{} },
	TypePaymentSucceeded:          func() Payload { return &PaymentSucceeded{} },
	TypePaymentFailed:             func() Payload { return &PaymentFailed{} },
	TypePaymentRefunded:           func() Payload { return &PaymentRefunded{} },
	TypeDunningActionRequested:    func() Payload { return &DunningActionRequested{} },
	TypeDunningStepDue:            func() Payload { return &DunningStepDue{} },
	TypeDunningResolved:           func() Payload { return &DunningResolved{} },
	TypeEnforcementRequested:      func() Payload { return &EnforcementRequested{} },
	TypeEnforcementApplied:        func() Payload { return &EnforcementApplied{} },
	TypeEnforcementFailed:         func() Payload { return &EnforcementFailed{} },
	TypeSubscriptionSynced:        func() Payload { return &SubscriptionSynced{} },
	TypeSubscriptionAccessChanged: func() Payload { return &SubscriptionAccessChanged{} },
	TypeSLABreachDetected:         func() Payload { return &SLABreachDetected{} },
}

// Known reports whether t belongs to the closed set of event types.
func Known(t Type) bool {
	_, ok := variants[t]
	return ok
}

// Types lists every known event type.
func Types() []Type {
	out := make([]Type, 0, len(variants))
	for t := range variants {
		out = append(out, t)
	}
	return out
}

// Validate checks a payload's required fields.
func Validate(p Payload) error {
	if err := validate.Struct(p); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrMalformedPayload, p.EventType(), err)
	}
	return nil
}

// New builds a pending event from a typed payload.
func New(p Payload, occurredAt time.Time) (*Event, error) {
	if err := Validate(p); err != nil {
		return nil, err
	}

	raw, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedPayload, err)
	}

	return build(p.EventType(), raw, p.Keys(), occurredAt), nil
}

// Parse builds a pending event from an untyped producer payload, rejecting
// unknown types and payloads that do not validate.
func Parse(t Type, raw json.RawMessage, occurredAt time.Time) (*Event, error) {
	factory, ok := variants[t]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, t)
	}

	p := factory()
	if err := json.Unmarshal(raw, p); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrMalformedPayload, t, err)
	}
	if err := Validate(p); err != nil {
		return nil, err
	}

	return build(t, raw, p.Keys(), occurredAt), nil
}

// Decode unmarshals an event's payload into its typed variant and checks
// required fields. T must be the value type of the variant.
func Decode[T Payload](e *Event) (T, error) {
	var p T
	if e.Type != p.EventType() {
		return p, fmt.Errorf("%w: want %s, got %s", ErrTypeMismatch, p.EventType(), e.Type)
	}
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		return p, fmt.Errorf("%w: %s: %w", ErrMalformedPayload, e.Type, err)
	}
	if err := Validate(p); err != nil {
		return p, err
	}
	return p, nil
}

func build(t Type, raw json.RawMessage, keys Keys, occurredAt time.Time) *Event {
	occurredAt = occurredAt.UTC().Truncate(time.Microsecond)
	e := &Event{
		ID:             id.NewEventID(),
		Type:           t,
		Version:        CurrentVersion,
		Payload:        raw,
		OccurredAt:     occurredAt,
		AccountID:      keys.AccountID,
		SubscriberID:   keys.SubscriberID,
		SubscriptionID: keys.SubscriptionID,
		InvoiceID:      keys.InvoiceID,
		CorrelationKey: keys.CorrelationKey(),
		Status:         StatusPending,
		NextAttemptAt:  occurredAt,
		CreatedAt:      occurredAt,
	}
	if e.CorrelationKey == "" {
		e.CorrelationKey = e.ID.String()
	}
	return e
}
