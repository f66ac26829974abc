package event

import (
	"time"

	"github.com/xraph/tollgate/id"
)

// Event types. The set is closed: Parse rejects anything not listed here.
const (
	TypeInvoiceIssued        Type = "invoice.issued"
	TypeInvoiceStatusChanged Type = "invoice.status_changed"
	TypeInvoiceDueElapsed    Type = "invoice.due_elapsed"
	TypeInvoiceVoided        Type = "invoice.voided"

	TypePaymentSucceeded Type = "payment.succeeded"
	TypePaymentFailed    Type = "payment.failed"
	TypePaymentRefunded  Type = "payment.refunded"

	TypeDunningActionRequested Type = "dunning.action_requested"
	TypeDunningStepDue         Type = "dunning.step_due"
	TypeDunningResolved        Type = "dunning.resolved"

	TypeEnforcementRequested Type = "enforcement.requested"
	TypeEnforcementApplied   Type = "enforcement.applied"
	TypeEnforcementFailed    Type = "enforcement.failed"

	TypeSubscriptionSynced        Type = "subscription.synced"
	TypeSubscriptionAccessChanged Type = "subscription.access_changed"

	TypeSLABreachDetected Type = "sla.breach_detected"
)

// Payload is implemented by every event variant.
type Payload interface {
	EventType() Type
	Keys() Keys
}

// ──────────────────────────────────────────────────
// Invoice
// ──────────────────────────────────────────────────

// InvoiceIssued asks the ledger to issue an invoice produced upstream.
type InvoiceIssued struct {
	InvoiceID      id.InvoiceID      `json:"invoice_id" validate:"required"`
	AccountID      id.AccountID      `json:"account_id" validate:"required"`
	SubscriptionID id.SubscriptionID `json:"subscription_id,omitempty"`
	Currency       string            `json:"currency" validate:"required,len=3"`
	Subtotal       int64             `json:"subtotal" validate:"gte=0"`
	TaxTotal       int64             `json:"tax_total" validate:"gte=0"`
	IssuedAt       time.Time         `json:"issued_at"`
	DueAt          time.Time         `json:"due_at" validate:"required"`
}

func (InvoiceIssued) EventType() Type { return TypeInvoiceIssued }
func (p InvoiceIssued) Keys() Keys {
	return Keys{AccountID: p.AccountID, InvoiceID: p.InvoiceID, SubscriptionID: p.SubscriptionID}
}

// InvoiceStatusChanged is appended by the ledger whenever a post moves an
// invoice to a new status.
type InvoiceStatusChanged struct {
	InvoiceID  id.InvoiceID `json:"invoice_id" validate:"required"`
	AccountID  id.AccountID `json:"account_id" validate:"required"`
	From       string       `json:"from" validate:"required"`
	To         string       `json:"to" validate:"required"`
	BalanceDue int64        `json:"balance_due"`
	Total      int64        `json:"total"`
	Currency   string       `json:"currency" validate:"required"`
	DueAt      time.Time    `json:"due_at"`
}

func (InvoiceStatusChanged) EventType() Type { return TypeInvoiceStatusChanged }
func (p InvoiceStatusChanged) Keys() Keys {
	return Keys{AccountID: p.AccountID, InvoiceID: p.InvoiceID}
}

// InvoiceDueElapsed fires when an invoice's due deadline passes.
type InvoiceDueElapsed struct {
	InvoiceID id.InvoiceID `json:"invoice_id" validate:"required"`
	DueAt     time.Time    `json:"due_at"`
}

func (InvoiceDueElapsed) EventType() Type { return TypeInvoiceDueElapsed }
func (p InvoiceDueElapsed) Keys() Keys {
	return Keys{InvoiceID: p.InvoiceID}
}

// InvoiceVoided asks the ledger to void an invoice.
type InvoiceVoided struct {
	InvoiceID id.InvoiceID `json:"invoice_id" validate:"required"`
	AccountID id.AccountID `json:"account_id"`
	Reason    string       `json:"reason,omitempty"`
}

func (InvoiceVoided) EventType() Type { return TypeInvoiceVoided }
func (p InvoiceVoided) Keys() Keys {
	return Keys{AccountID: p.AccountID, InvoiceID: p.InvoiceID}
}

// ──────────────────────────────────────────────────
// Payment
// ──────────────────────────────────────────────────

// PaymentSucceeded is the payment provider's success callback.
type PaymentSucceeded struct {
	PaymentID         id.PaymentID `json:"payment_id" validate:"required"`
	AccountID         id.AccountID `json:"account_id" validate:"required"`
	InvoiceID         id.InvoiceID `json:"invoice_id,omitempty"`
	Amount            int64        `json:"amount" validate:"gt=0"`
	Currency          string       `json:"currency" validate:"required,len=3"`
	ProviderReference string       `json:"provider_reference,omitempty"`
	ProcessedAt       time.Time    `json:"processed_at"`
}

func (PaymentSucceeded) EventType() Type { return TypePaymentSucceeded }
func (p PaymentSucceeded) Keys() Keys {
	return Keys{AccountID: p.AccountID, InvoiceID: p.InvoiceID}
}

// PaymentFailed is the payment provider's failure callback.
type PaymentFailed struct {
	PaymentID         id.PaymentID `json:"payment_id" validate:"required"`
	AccountID         id.AccountID `json:"account_id" validate:"required"`
	InvoiceID         id.InvoiceID `json:"invoice_id,omitempty"`
	Amount            int64        `json:"amount" validate:"gte=0"`
	Currency          string       `json:"currency" validate:"required,len=3"`
	ProviderReference string       `json:"provider_reference,omitempty"`
	Reason            string       `json:"reason,omitempty"`
}

func (PaymentFailed) EventType() Type { return TypePaymentFailed }
func (p PaymentFailed) Keys() Keys {
	return Keys{AccountID: p.AccountID, InvoiceID: p.InvoiceID}
}

// PaymentRefunded reports money returned to the customer. RefundReference
// makes each refund idempotent.
type PaymentRefunded struct {
	PaymentID       id.PaymentID `json:"payment_id" validate:"required"`
	AccountID       id.AccountID `json:"account_id" validate:"required"`
	InvoiceID       id.InvoiceID `json:"invoice_id,omitempty"`
	RefundReference string       `json:"refund_reference" validate:"required"`
	Amount          int64        `json:"amount" validate:"gt=0"`
	Currency        string       `json:"currency" validate:"required,len=3"`
	ProcessedAt     time.Time    `json:"processed_at"`
}

func (PaymentRefunded) EventType() Type { return TypePaymentRefunded }
func (p PaymentRefunded) Keys() Keys {
	return Keys{AccountID: p.AccountID, InvoiceID: p.InvoiceID}
}

// ──────────────────────────────────────────────────
// Dunning
// ──────────────────────────────────────────────────

// DunningActionRequested is appended atomically with a case's step advance.
type DunningActionRequested struct {
	CaseID      id.DunningCaseID `json:"case_id" validate:"required"`
	AccountID   id.AccountID     `json:"account_id" validate:"required"`
	InvoiceID   id.InvoiceID     `json:"invoice_id" validate:"required"`
	PolicySetID string           `json:"policy_set_id"`
	StepIndex   int              `json:"step_index" validate:"gte=0"`
	Action      string           `json:"action" validate:"required,oneof=notify throttle suspend reject"`
	Template    string           `json:"template,omitempty"`
	Channel     string           `json:"channel,omitempty"`
}

func (DunningActionRequested) EventType() Type { return TypeDunningActionRequested }
func (p DunningActionRequested) Keys() Keys {
	return Keys{AccountID: p.AccountID, InvoiceID: p.InvoiceID}
}

// DunningStepDue fires when a case's next step offset is reached.
type DunningStepDue struct {
	CaseID id.DunningCaseID `json:"case_id" validate:"required"`
}

func (DunningStepDue) EventType() Type { return TypeDunningStepDue }
func (p DunningStepDue) Keys() Keys {
	return Keys{Correlation: p.CaseID.String()}
}

// DunningResolved is appended when a case closes, resolved or abandoned.
type DunningResolved struct {
	CaseID    id.DunningCaseID `json:"case_id" validate:"required"`
	AccountID id.AccountID     `json:"account_id" validate:"required"`
	InvoiceID id.InvoiceID     `json:"invoice_id" validate:"required"`
	Outcome   string           `json:"outcome" validate:"required,oneof=resolved abandoned"`
	StepIndex int              `json:"step_index"`
	Enforced  bool             `json:"enforced"`
}

func (DunningResolved) EventType() Type { return TypeDunningResolved }
func (p DunningResolved) Keys() Keys {
	return Keys{AccountID: p.AccountID, InvoiceID: p.InvoiceID}
}

// ──────────────────────────────────────────────────
// Enforcement
// ──────────────────────────────────────────────────

// EnforcementRequested asks the executor to act on one subscription.
// Requests for one subscription are ordered among themselves.
type EnforcementRequested struct {
	SubscriptionID id.SubscriptionID `json:"subscription_id" validate:"required"`
	AccountID      id.AccountID      `json:"account_id" validate:"required"`
	CaseID         id.DunningCaseID  `json:"case_id,omitempty"`
	InvoiceID      id.InvoiceID      `json:"invoice_id,omitempty"`
	Kind           string            `json:"kind" validate:"required,oneof=throttle suspend reject reactivate"`
	StepIndex      int               `json:"step_index"`
}

func (EnforcementRequested) EventType() Type { return TypeEnforcementRequested }
func (p EnforcementRequested) Keys() Keys {
	return Keys{AccountID: p.AccountID, SubscriptionID: p.SubscriptionID}
}

// EnforcementApplied reports a completed network action.
type EnforcementApplied struct {
	ActionID       id.EnforcementID  `json:"action_id" validate:"required"`
	SubscriptionID id.SubscriptionID `json:"subscription_id" validate:"required"`
	AccountID      id.AccountID      `json:"account_id"`
	Kind           string            `json:"kind" validate:"required"`
	IdempotencyKey string            `json:"idempotency_key" validate:"required"`
	Sessions       int               `json:"sessions"`
}

func (EnforcementApplied) EventType() Type { return TypeEnforcementApplied }
func (p EnforcementApplied) Keys() Keys {
	return Keys{AccountID: p.AccountID, SubscriptionID: p.SubscriptionID}
}

// EnforcementFailed reports one failed attempt of a network action.
type EnforcementFailed struct {
	ActionID       id.EnforcementID  `json:"action_id" validate:"required"`
	SubscriptionID id.SubscriptionID `json:"subscription_id" validate:"required"`
	AccountID      id.AccountID      `json:"account_id"`
	Kind           string            `json:"kind" validate:"required"`
	IdempotencyKey string            `json:"idempotency_key" validate:"required"`
	Attempts       int               `json:"attempts"`
	Error          string            `json:"error"`
	Retryable      bool              `json:"retryable"`
}

func (EnforcementFailed) EventType() Type { return TypeEnforcementFailed }
func (p EnforcementFailed) Keys() Keys {
	return Keys{AccountID: p.AccountID, SubscriptionID: p.SubscriptionID}
}

// ──────────────────────────────────────────────────
// Subscription
// ──────────────────────────────────────────────────

// SubscriptionSynced mirrors a subscription from the provisioning system.
type SubscriptionSynced struct {
	SubscriptionID id.SubscriptionID `json:"subscription_id" validate:"required"`
	AccountID      id.AccountID      `json:"account_id" validate:"required"`
	SubscriberID   id.SubscriberID   `json:"subscriber_id,omitempty"`
	Username       string            `json:"username" validate:"required"`
	Status         string            `json:"status" validate:"required,oneof=active canceled"`
	RateProfile    string            `json:"rate_profile,omitempty"`
}

func (SubscriptionSynced) EventType() Type { return TypeSubscriptionSynced }
func (p SubscriptionSynced) Keys() Keys {
	return Keys{AccountID: p.AccountID, SubscriberID: p.SubscriberID, SubscriptionID: p.SubscriptionID}
}

// SubscriptionAccessChanged reports a change in what AAA will allow.
type SubscriptionAccessChanged struct {
	SubscriptionID id.SubscriptionID `json:"subscription_id" validate:"required"`
	AccountID      id.AccountID      `json:"account_id"`
	Authorizable   bool              `json:"authorizable"`
	Throttled      bool              `json:"throttled"`
	Reason         string            `json:"reason"`
}

func (SubscriptionAccessChanged) EventType() Type { return TypeSubscriptionAccessChanged }
func (p SubscriptionAccessChanged) Keys() Keys {
	return Keys{AccountID: p.AccountID, SubscriptionID: p.SubscriptionID}
}

// ──────────────────────────────────────────────────
// SLA
// ──────────────────────────────────────────────────

// SLABreachDetected fires when an SLA clock runs out.
type SLABreachDetected struct {
	SubjectID string    `json:"subject_id" validate:"required"`
	Deadline  time.Time `json:"deadline" validate:"required"`
}

func (SLABreachDetected) EventType() Type { return TypeSLABreachDetected }
func (p SLABreachDetected) Keys() Keys {
	return Keys{Correlation: "sla:" + p.SubjectID}
}
