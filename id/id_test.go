package id_test

import (
	"strings"
	"testing"

	"github.com/xraph/tollgate/id"
)

func TestConstructors(t *testing.T) {
	tests := []struct {
		name   string
		newFn  func() id.ID
		prefix string
	}{
		{"AccountID", id.NewAccountID, "acct_"},
		{"SubscriberID", id.NewSubscriberID, "sbr_"},
		{"SubscriptionID", id.NewSubscriptionID, "sub_"},
		{"InvoiceID", id.NewInvoiceID, "inv_"},
		{"PaymentID", id.NewPaymentID, "pay_"},
		{"EventID", id.NewEventID, "evt_"},
		{"EntryID", id.NewEntryID, "le_"},
		{"PostingID", id.NewPostingID, "post_"},
		{"DunningCaseID", id.NewDunningCaseID, "dc_"},
		{"EnforcementID", id.NewEnforcementID, "enf_"},
		{"DeadlineID", id.NewDeadlineID, "dl_"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.newFn().String()
			if !strings.HasPrefix(got, tt.prefix) {
				t.Errorf("expected prefix %q, got %q", tt.prefix, got)
			}
		})
	}
}

func TestPrefixedParsers(t *testing.T) {
	tests := []struct {
		name    string
		newFn   func() id.ID
		parseFn func(string) (id.ID, error)
		other   func() id.ID
	}{
		{"AccountID", id.NewAccountID, id.ParseAccountID, id.NewInvoiceID},
		{"SubscriptionID", id.NewSubscriptionID, id.ParseSubscriptionID, id.NewSubscriberID},
		{"InvoiceID", id.NewInvoiceID, id.ParseInvoiceID, id.NewPaymentID},
		{"PaymentID", id.NewPaymentID, id.ParsePaymentID, id.NewInvoiceID},
		{"EventID", id.NewEventID, id.ParseEventID, id.NewEntryID},
		{"DunningCaseID", id.NewDunningCaseID, id.ParseDunningCaseID, id.NewDeadlineID},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			original := tt.newFn()
			parsed, err := tt.parseFn(original.String())
			if err != nil {
				t.Fatalf("parse failed: %v", err)
			}
			if parsed != original {
				t.Errorf("round-trip mismatch: %q != %q", parsed, original)
			}
			if _, err := tt.parseFn(tt.other().String()); err == nil {
				t.Error("expected cross-prefix parse to fail")
			}
		})
	}
}

func TestParseEmpty(t *testing.T) {
	if _, err := id.Parse(""); err == nil {
		t.Error("expected error for empty string")
	}

	got, err := id.ParseOptional("")
	if err != nil {
		t.Fatalf("ParseOptional: %v", err)
	}
	if !got.IsNil() {
		t.Error("expected Nil for empty optional")
	}
}

func TestNilID(t *testing.T) {
	var i id.ID
	if !i.IsNil() {
		t.Error("zero-value ID should be nil")
	}
	if i.String() != "" {
		t.Errorf("expected empty string, got %q", i.String())
	}
}

func TestValueScan(t *testing.T) {
	original := id.NewInvoiceID()
	val, err := original.Value()
	if err != nil {
		t.Fatalf("Value failed: %v", err)
	}

	var scanned id.ID
	if err := scanned.Scan(val); err != nil {
		t.Fatalf("Scan failed: %v", err)
	}
	if scanned != original {
		t.Errorf("mismatch: %q != %q", scanned, original)
	}

	var nilID id.ID
	val, err = nilID.Value()
	if err != nil {
		t.Fatalf("Value(nil) failed: %v", err)
	}
	if val != nil {
		t.Errorf("expected nil value for nil ID, got %v", val)
	}

	var fromBytes id.ID
	if err := fromBytes.Scan([]byte{}); err != nil {
		t.Fatalf("Scan(empty bytes) failed: %v", err)
	}
	if !fromBytes.IsNil() {
		t.Error("expected nil after scan of empty bytes")
	}

	if err := fromBytes.Scan(42); err == nil {
		t.Error("expected error scanning int")
	}
}

func TestUniqueness(t *testing.T) {
	a := id.NewEventID()
	b := id.NewEventID()
	if a == b {
		t.Errorf("two consecutive NewEventID() calls returned the same ID: %q", a)
	}
}
