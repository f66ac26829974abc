package ledger

import (
	"errors"
	"fmt"

	"github.com/xraph/tollgate/types"
)

var (
	// ErrInvalidLedgerGroup is returned, before anything is written, for a
	// group of entries that does not balance or is otherwise malformed.
	ErrInvalidLedgerGroup = errors.New("ledger: invalid ledger group")

	// ErrInvoiceVoided is returned for any post against a void invoice.
	ErrInvoiceVoided = errors.New("ledger: invoice is voided")

	ErrPostingNotFound      = errors.New("ledger: posting not found")
	ErrDuplicatePosting     = errors.New("ledger: duplicate posting idempotency key")
	ErrMissingKey           = errors.New("ledger: idempotency key required")
	ErrCurrencyMismatch     = errors.New("ledger: currency mismatch")
	ErrAccountMismatch      = errors.New("ledger: account mismatch")
	ErrRefundExceedsPayment = errors.New("ledger: refund exceeds refundable amount")
	ErrCreditExceedsBalance = errors.New("ledger: credit note exceeds balance due")
	ErrIllegalTransition    = errors.New("ledger: illegal invoice status transition")

	// ErrLedgerImbalance is returned by Reconcile when the receivable book
	// disagrees with the invoices' balance_due caches.
	ErrLedgerImbalance = errors.New("ledger: ledger does not reconcile with invoices")
)

// GroupError describes why a group was rejected.
type GroupError struct {
	Reason string
}

func (e *GroupError) Error() string {
	return fmt.Sprintf("%s: %s", ErrInvalidLedgerGroup, e.Reason)
}

func (e *GroupError) Unwrap() error { return ErrInvalidLedgerGroup }

func groupErrorf(format string, args ...any) error {
	return &GroupError{Reason: fmt.Sprintf(format, args...)}
}

// Line is one requested entry of a posting.
type Line struct {
	Book   Book
	Type   EntryType
	Amount types.Money
}

// DebitLine and CreditLine build lines.
func DebitLine(b Book, m types.Money) Line  { return Line{Book: b, Type: Debit, Amount: m} }
func CreditLine(b Book, m types.Money) Line { return Line{Book: b, Type: Credit, Amount: m} }

// ValidateGroup checks that lines form a complete double-entry group: at
// least one debit and one credit, positive amounts, one currency, and
// debits equal to credits.
func ValidateGroup(lines []Line) error {
	if len(lines) < 2 {
		return groupErrorf("need at least two entries, got %d", len(lines))
	}

	currency := lines[0].Amount.Currency
	var debits, credits int64
	var nDebit, nCredits int
	for i, l := range lines {
		if !l.Book.IsValid() {
			return groupErrorf("entry %d: unknown book %q", i, l.Book)
		}
		if l.Amount.Amount <= 0 {
			return groupErrorf("entry %d: amount must be positive, got %d", i, l.Amount.Amount)
		}
		if l.Amount.Currency != currency {
			return groupErrorf("entry %d: currency %s differs from %s", i, l.Amount.Currency, currency)
		}
		switch l.Type {
		case Debit:
			debits += l.Amount.Amount
			nDebit++
		case Credit:
			credits += l.Amount.Amount
			nCredits++
		default:
			return groupErrorf("entry %d: unknown entry type %q", i, l.Type)
		}
	}

	if nDebit == 0 || nCredits == 0 {
		return groupErrorf("group needs both debits and credits")
	}
	if debits != credits {
		return groupErrorf("debits %d != credits %d", debits, credits)
	}
	return nil
}

// nonZero drops lines with a zero amount. Operations build their lines
// from computed splits where one side may be empty.
func nonZero(lines ...Line) []Line {
	out := lines[:0]
	for _, l := range lines {
		if l.Amount.Amount != 0 {
			out = append(out, l)
		}
	}
	return out
}
