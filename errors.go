package tollgate

import (
	"errors"

	"github.com/xraph/tollgate/dispatch"
	"github.com/xraph/tollgate/dunning"
	"github.com/xraph/tollgate/enforcement"
	"github.com/xraph/tollgate/event"
	"github.com/xraph/tollgate/invoice"
	"github.com/xraph/tollgate/ledger"
	"github.com/xraph/tollgate/payment"
	"github.com/xraph/tollgate/subscription"
)

// Engine errors.
var (
	ErrInvalidConfig   = errors.New("tollgate: invalid config")
	ErrNoNetwork       = errors.New("tollgate: no enforcement network configured")
	ErrAlreadyStarted  = errors.New("tollgate: engine already started")
	ErrNotStarted      = errors.New("tollgate: engine not started")
	ErrSLASubject      = errors.New("tollgate: SLA subject required")
	ErrEventNotDead    = event.ErrNotDead
	ErrEventLeaseLost  = event.ErrLeaseLost
	ErrDeadLettered    = dispatch.ErrDeadLettered
	ErrHandlerTimeout  = dispatch.ErrHandlerTimeout
	ErrMalformedEvent  = event.ErrMalformedPayload
	ErrUnknownEvent    = event.ErrUnknownType
	ErrLedgerImbalance = ledger.ErrLedgerImbalance
)

// Ledger errors.
var (
	ErrInvalidLedgerGroup   = ledger.ErrInvalidLedgerGroup
	ErrInvoiceVoided        = ledger.ErrInvoiceVoided
	ErrDuplicatePosting     = ledger.ErrDuplicatePosting
	ErrCurrencyMismatch     = ledger.ErrCurrencyMismatch
	ErrRefundExceedsPayment = ledger.ErrRefundExceedsPayment
	ErrIllegalTransition    = ledger.ErrIllegalTransition
)

// Dunning and enforcement errors.
var (
	ErrCaseExists          = dunning.ErrCaseExists
	ErrStaleCase           = dunning.ErrStaleCase
	ErrPolicyNotFound      = dunning.ErrPolicyNotFound
	ErrProtocolUnreachable = enforcement.ErrProtocolUnreachable
	ErrRejected            = enforcement.ErrRejected
	ErrNoSession           = enforcement.ErrNoSession
)

// IsNotFound reports whether err means a record does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, event.ErrNotFound) ||
		errors.Is(err, invoice.ErrNotFound) ||
		errors.Is(err, payment.ErrNotFound) ||
		errors.Is(err, subscription.ErrNotFound) ||
		errors.Is(err, dunning.ErrNotFound) ||
		errors.Is(err, enforcement.ErrNotFound) ||
		errors.Is(err, ledger.ErrPostingNotFound)
}

// IsConflict reports whether err is a lost race or a duplicate write that
// a caller may resolve by re-reading.
func IsConflict(err error) bool {
	return errors.Is(err, ledger.ErrDuplicatePosting) ||
		errors.Is(err, invoice.ErrAlreadyExists) ||
		errors.Is(err, payment.ErrAlreadyExists) ||
		errors.Is(err, dunning.ErrCaseExists) ||
		errors.Is(err, dunning.ErrStaleCase) ||
		errors.Is(err, enforcement.ErrActionExists) ||
		errors.Is(err, event.ErrLeaseLost)
}

// IsRetryable reports whether the operation may succeed if tried again.
func IsRetryable(err error) bool {
	return errors.Is(err, dispatch.ErrHandlerTimeout) ||
		errors.Is(err, dispatch.ErrHandlerPanic) ||
		errors.Is(err, dunning.ErrStaleCase) ||
		enforcement.Retryable(err)
}
