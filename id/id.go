// Package id defines TypeID-based identity types for every Tollgate record.
//
// IDs are K-sortable (UUIDv7-based), globally unique and URL-safe in the
// format "prefix_suffix". The prefix names the record kind so that an
// invoice ID can never be mistaken for a payment ID in logs or payloads.
package id

import (
	"database/sql/driver"
	"fmt"

	"go.jetify.com/typeid/v2"
)

// Prefix identifies the record kind encoded in a TypeID.
type Prefix string

// Prefix constants for all Tollgate record kinds.
const (
	PrefixAccount      Prefix = "acct" // Billing account (owned by the CRM)
	PrefixSubscriber   Prefix = "sbr"  // Subscriber (network identity owner)
	PrefixSubscription Prefix = "sub"  // Service subscription
	PrefixInvoice      Prefix = "inv"
	PrefixPayment      Prefix = "pay"
	PrefixEvent        Prefix = "evt"  // Domain event
	PrefixEntry        Prefix = "le"   // Ledger entry
	PrefixPosting      Prefix = "post" // Atomic group of ledger entries
	PrefixDunningCase  Prefix = "dc"
	PrefixEnforcement  Prefix = "enf" // Enforcement action
	PrefixDeadline     Prefix = "dl"  // Timer deadline
	PrefixClaim        Prefix = "clm" // Dispatcher claim token
)

// ID is the identifier type for all Tollgate records.
//
//nolint:recvcheck // Value receivers for read-only methods, pointer receivers for UnmarshalText/Scan.
type ID struct {
	inner typeid.TypeID
	valid bool
}

// Nil is the zero-value ID.
var Nil ID

// New generates a new ID with the given prefix.
// It panics if prefix is not a valid TypeID prefix (programming error).
func New(prefix Prefix) ID {
	tid, err := typeid.Generate(string(prefix))
	if err != nil {
		panic(fmt.Sprintf("id: invalid prefix %q: %v", prefix, err))
	}

	return ID{inner: tid, valid: true}
}

// Parse parses a TypeID string such as "inv_01h2xcejqtf2nbrexx3vqjhp41".
func Parse(s string) (ID, error) {
	if s == "" {
		return Nil, fmt.Errorf("id: parse %q: empty string", s)
	}

	tid, err := typeid.Parse(s)
	if err != nil {
		return Nil, fmt.Errorf("id: parse %q: %w", s, err)
	}

	return ID{inner: tid, valid: true}, nil
}

// ParseWithPrefix parses s and checks that its prefix is expected.
func ParseWithPrefix(s string, expected Prefix) (ID, error) {
	parsed, err := Parse(s)
	if err != nil {
		return Nil, err
	}

	if parsed.Prefix() != expected {
		return Nil, fmt.Errorf("id: expected prefix %q, got %q", expected, parsed.Prefix())
	}

	return parsed, nil
}

// ParseOptional parses s, mapping the empty string to Nil. Used for
// nullable references such as a payment's invoice.
func ParseOptional(s string) (ID, error) {
	if s == "" {
		return Nil, nil
	}
	return Parse(s)
}

// MustParse is like Parse but panics on error. Use for hardcoded values.
func MustParse(s string) ID {
	parsed, err := Parse(s)
	if err != nil {
		panic(fmt.Sprintf("id: must parse %q: %v", s, err))
	}

	return parsed
}

// ──────────────────────────────────────────────────
// Aliases
// ──────────────────────────────────────────────────

// AccountID identifies a billing account (prefix: "acct").
type AccountID = ID

// SubscriberID identifies a subscriber (prefix: "sbr").
type SubscriberID = ID

// SubscriptionID identifies a subscription (prefix: "sub").
type SubscriptionID = ID

// InvoiceID identifies an invoice (prefix: "inv").
type InvoiceID = ID

// PaymentID identifies a payment (prefix: "pay").
type PaymentID = ID

// EventID identifies a domain event (prefix: "evt").
type EventID = ID

// EntryID identifies a ledger entry (prefix: "le").
type EntryID = ID

// PostingID identifies a ledger posting (prefix: "post").
type PostingID = ID

// DunningCaseID identifies a dunning case (prefix: "dc").
type DunningCaseID = ID

// EnforcementID identifies an enforcement action (prefix: "enf").
type EnforcementID = ID

// DeadlineID identifies a timer deadline (prefix: "dl").
type DeadlineID = ID

// ──────────────────────────────────────────────────
// Constructors
// ──────────────────────────────────────────────────

func NewAccountID() ID      { return New(PrefixAccount) }
func NewSubscriberID() ID   { return New(PrefixSubscriber) }
func NewSubscriptionID() ID { return New(PrefixSubscription) }
func NewInvoiceID() ID      { return New(PrefixInvoice) }
func NewPaymentID() ID      { return New(PrefixPayment) }
func NewEventID() ID        { return New(PrefixEvent) }
func NewEntryID() ID        { return New(PrefixEntry) }
func NewPostingID() ID      { return New(PrefixPosting) }
func NewDunningCaseID() ID  { return New(PrefixDunningCase) }
func NewEnforcementID() ID  { return New(PrefixEnforcement) }
func NewDeadlineID() ID     { return New(PrefixDeadline) }

// ──────────────────────────────────────────────────
// Prefix-checked parsers
// ──────────────────────────────────────────────────

func ParseAccountID(s string) (ID, error)      { return ParseWithPrefix(s, PrefixAccount) }
func ParseSubscriptionID(s string) (ID, error) { return ParseWithPrefix(s, PrefixSubscription) }
func ParseInvoiceID(s string) (ID, error)      { return ParseWithPrefix(s, PrefixInvoice) }
func ParsePaymentID(s string) (ID, error)      { return ParseWithPrefix(s, PrefixPayment) }
func ParseEventID(s string) (ID, error)        { return ParseWithPrefix(s, PrefixEvent) }
func ParseDunningCaseID(s string) (ID, error)  { return ParseWithPrefix(s, PrefixDunningCase) }

// ──────────────────────────────────────────────────
// Methods
// ──────────────────────────────────────────────────

// String returns "prefix_suffix", or "" for Nil.
func (i ID) String() string {
	if !i.valid {
		return ""
	}

	return i.inner.String()
}

// Prefix returns the prefix component of this ID.
func (i ID) Prefix() Prefix {
	if !i.valid {
		return ""
	}

	return Prefix(i.inner.Prefix())
}

// IsNil reports whether this ID is the zero value.
func (i ID) IsNil() bool {
	return !i.valid
}

// MarshalText implements encoding.TextMarshaler.
func (i ID) MarshalText() ([]byte, error) {
	if !i.valid {
		return []byte{}, nil
	}

	return []byte(i.inner.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (i *ID) UnmarshalText(data []byte) error {
	parsed, err := ParseOptional(string(data))
	if err != nil {
		return err
	}

	*i = parsed

	return nil
}

// Value implements driver.Valuer. Nil is stored as NULL.
func (i ID) Value() (driver.Value, error) {
	if !i.valid {
		return nil, nil //nolint:nilnil // nil is the canonical NULL for driver.Valuer
	}

	return i.inner.String(), nil
}

// Scan implements sql.Scanner.
func (i *ID) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*i = Nil
		return nil
	case string:
		return i.UnmarshalText([]byte(v))
	case []byte:
		return i.UnmarshalText(v)
	default:
		return fmt.Errorf("id: cannot scan %T into ID", src)
	}
}
