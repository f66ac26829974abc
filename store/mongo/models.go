package mongo

import (
	"encoding/json"
	"time"

	"github.com/xraph/grove"

	"github.com/xraph/tollgate/dunning"
	"github.com/xraph/tollgate/enforcement"
	"github.com/xraph/tollgate/event"
	"github.com/xraph/tollgate/id"
	"github.com/xraph/tollgate/invoice"
	"github.com/xraph/tollgate/ledger"
	"github.com/xraph/tollgate/payment"
	"github.com/xraph/tollgate/subscription"
	"github.com/xraph/tollgate/timer"
	"github.com/xraph/tollgate/types"
)

// ==================== Event models ====================

type eventModel struct {
	grove.BaseModel `grove:"table:tollgate_events"`

	ID             string                  `grove:"id,pk"           bson:"_id"`
	Seq            int64                   `grove:"seq"             bson:"seq"`
	Type           string                  `grove:"type"            bson:"type"`
	Version        int                     `grove:"version"         bson:"version"`
	Payload        string                  `grove:"payload"         bson:"payload"`
	OccurredAt     time.Time               `grove:"occurred_at"     bson:"occurred_at"`
	AccountID      string                  `grove:"account_id"      bson:"account_id"`
	SubscriberID   string                  `grove:"subscriber_id"   bson:"subscriber_id"`
	SubscriptionID string                  `grove:"subscription_id" bson:"subscription_id"`
	InvoiceID      string                  `grove:"invoice_id"      bson:"invoice_id"`
	CorrelationKey string                  `grove:"correlation_key" bson:"correlation_key"`
	Status         string                  `grove:"status"          bson:"status"`
	AttemptCount   int                     `grove:"attempt_count"   bson:"attempt_count"`
	Handlers       map[string]handlerModel `grove:"handlers"        bson:"handlers,omitempty"`
	LastError      string                  `grove:"last_error"      bson:"last_error"`
	NextAttemptAt  time.Time               `grove:"next_attempt_at" bson:"next_attempt_at"`
	ClaimToken     string                  `grove:"claim_token"     bson:"claim_token"`
	LockedUntil    *time.Time              `grove:"locked_until"    bson:"locked_until,omitempty"`
	ProcessedAt    *time.Time              `grove:"processed_at"    bson:"processed_at,omitempty"`
	CreatedAt      time.Time               `grove:"created_at"      bson:"created_at"`
}

type handlerModel struct {
	Succeeded bool      `bson:"succeeded"`
	Error     string    `bson:"error,omitempty"`
	Attempts  int       `bson:"attempts"`
	At        time.Time `bson:"at"`
}

func toHandlerModels(h map[string]event.HandlerOutcome) map[string]handlerModel {
	if h == nil {
		return nil
	}
	out := make(map[string]handlerModel, len(h))
	for name, o := range h {
		out[name] = handlerModel{Succeeded: o.Succeeded, Error: o.Error, Attempts: o.Attempts, At: o.At}
	}
	return out
}

func toEventModel(e *event.Event) *eventModel {
	m := &eventModel{
		ID:             e.ID.String(),
		Seq:            e.Seq,
		Type:           string(e.Type),
		Version:        e.Version,
		Payload:        string(e.Payload),
		OccurredAt:     e.OccurredAt,
		AccountID:      e.AccountID.String(),
		SubscriberID:   e.SubscriberID.String(),
		SubscriptionID: e.SubscriptionID.String(),
		InvoiceID:      e.InvoiceID.String(),
		CorrelationKey: e.CorrelationKey,
		Status:         string(e.Status),
		AttemptCount:   e.AttemptCount,
		Handlers:       toHandlerModels(e.Handlers),
		LastError:      e.LastError,
		NextAttemptAt:  e.NextAttemptAt,
		ClaimToken:     e.ClaimToken,
		ProcessedAt:    e.ProcessedAt,
		CreatedAt:      e.CreatedAt,
	}
	if !e.LockedUntil.IsZero() {
		t := e.LockedUntil
		m.LockedUntil = &t
	}
	return m
}

func fromEventModel(m *eventModel) (*event.Event, error) {
	e := &event.Event{
		Seq:            m.Seq,
		Type:           event.Type(m.Type),
		Version:        m.Version,
		Payload:        json.RawMessage(m.Payload),
		OccurredAt:     m.OccurredAt.UTC(),
		CorrelationKey: m.CorrelationKey,
		Status:         event.Status(m.Status),
		AttemptCount:   m.AttemptCount,
		LastError:      m.LastError,
		NextAttemptAt:  m.NextAttemptAt.UTC(),
		ClaimToken:     m.ClaimToken,
		ProcessedAt:    utcPtr(m.ProcessedAt),
		CreatedAt:      m.CreatedAt.UTC(),
	}
	if m.LockedUntil != nil {
		e.LockedUntil = m.LockedUntil.UTC()
	}
	if m.Handlers != nil {
		e.Handlers = make(map[string]event.HandlerOutcome, len(m.Handlers))
		for name, h := range m.Handlers {
			e.Handlers[name] = event.HandlerOutcome{Succeeded: h.Succeeded, Error: h.Error, Attempts: h.Attempts, At: h.At.UTC()}
		}
	}

	err := parseIDs(
		idField{&e.ID, m.ID}, idField{&e.AccountID, m.AccountID}, idField{&e.SubscriberID, m.SubscriberID},
		idField{&e.SubscriptionID, m.SubscriptionID}, idField{&e.InvoiceID, m.InvoiceID},
	)
	return e, err
}

// ==================== Ledger models ====================

type postingModel struct {
	grove.BaseModel `grove:"table:tollgate_postings"`

	ID             string    `grove:"id,pk"           bson:"_id"`
	Seq            int64     `grove:"seq"             bson:"seq"`
	IdempotencyKey string    `grove:"idempotency_key" bson:"idempotency_key"`
	AccountID      string    `grove:"account_id"      bson:"account_id"`
	InvoiceID      string    `grove:"invoice_id"      bson:"invoice_id"`
	PaymentID      string    `grove:"payment_id"      bson:"payment_id"`
	Source         string    `grove:"source"          bson:"source"`
	Currency       string    `grove:"currency"        bson:"currency"`
	Memo           string    `grove:"memo"            bson:"memo"`
	CreatedAt      time.Time `grove:"created_at"      bson:"created_at"`
}

type entryModel struct {
	grove.BaseModel `grove:"table:tollgate_entries"`

	ID         string    `grove:"id,pk"       bson:"_id"`
	Seq        int64     `grove:"seq"         bson:"seq"`
	PostingID  string    `grove:"posting_id"  bson:"posting_id"`
	AccountID  string    `grove:"account_id"  bson:"account_id"`
	InvoiceID  string    `grove:"invoice_id"  bson:"invoice_id"`
	PaymentID  string    `grove:"payment_id"  bson:"payment_id"`
	Book       string    `grove:"book"        bson:"book"`
	Type       string    `grove:"type"        bson:"type"`
	Source     string    `grove:"source"      bson:"source"`
	Amount     int64     `grove:"amount"      bson:"amount"`
	Currency   string    `grove:"currency"    bson:"currency"`
	IsActive   bool      `grove:"is_active"   bson:"is_active"`
	ReversalOf string    `grove:"reversal_of" bson:"reversal_of"`
	CreatedAt  time.Time `grove:"created_at"  bson:"created_at"`
}

func toPostingModel(p *ledger.Posting, seq int64) *postingModel {
	return &postingModel{
		ID:             p.ID.String(),
		Seq:            seq,
		IdempotencyKey: p.IdempotencyKey,
		AccountID:      p.AccountID.String(),
		InvoiceID:      p.InvoiceID.String(),
		PaymentID:      p.PaymentID.String(),
		Source:         string(p.Source),
		Currency:       p.Currency,
		Memo:           p.Memo,
		CreatedAt:      p.CreatedAt,
	}
}

func fromPostingModel(m *postingModel) (*ledger.Posting, error) {
	p := &ledger.Posting{
		IdempotencyKey: m.IdempotencyKey,
		Source:         ledger.Source(m.Source),
		Currency:       m.Currency,
		Memo:           m.Memo,
		CreatedAt:      m.CreatedAt.UTC(),
	}
	err := parseIDs(
		idField{&p.ID, m.ID}, idField{&p.AccountID, m.AccountID},
		idField{&p.InvoiceID, m.InvoiceID}, idField{&p.PaymentID, m.PaymentID},
	)
	return p, err
}

func toEntryModel(e *ledger.Entry, postingID string, seq int64) *entryModel {
	return &entryModel{
		ID:         e.ID.String(),
		Seq:        seq,
		PostingID:  postingID,
		AccountID:  e.AccountID.String(),
		InvoiceID:  e.InvoiceID.String(),
		PaymentID:  e.PaymentID.String(),
		Book:       string(e.Book),
		Type:       string(e.Type),
		Source:     string(e.Source),
		Amount:     e.Amount,
		Currency:   e.Currency,
		IsActive:   e.IsActive,
		ReversalOf: e.ReversalOf.String(),
		CreatedAt:  e.CreatedAt,
	}
}

func fromEntryModel(m *entryModel) (*ledger.Entry, error) {
	e := &ledger.Entry{
		Book:      ledger.Book(m.Book),
		Type:      ledger.EntryType(m.Type),
		Source:    ledger.Source(m.Source),
		Amount:    m.Amount,
		Currency:  m.Currency,
		IsActive:  m.IsActive,
		CreatedAt: m.CreatedAt.UTC(),
	}
	err := parseIDs(
		idField{&e.ID, m.ID}, idField{&e.PostingID, m.PostingID}, idField{&e.AccountID, m.AccountID},
		idField{&e.InvoiceID, m.InvoiceID}, idField{&e.PaymentID, m.PaymentID}, idField{&e.ReversalOf, m.ReversalOf},
	)
	return e, err
}

// ==================== Billing models ====================

type invoiceModel struct {
	grove.BaseModel `grove:"table:tollgate_invoices"`

	ID             string     `grove:"id,pk"           bson:"_id"`
	AccountID      string     `grove:"account_id"      bson:"account_id"`
	SubscriptionID string     `grove:"subscription_id" bson:"subscription_id"`
	Status         string     `grove:"status"          bson:"status"`
	Currency       string     `grove:"currency"        bson:"currency"`
	Subtotal       int64      `grove:"subtotal"        bson:"subtotal"`
	TaxTotal       int64      `grove:"tax_total"       bson:"tax_total"`
	Total          int64      `grove:"total"           bson:"total"`
	BalanceDue     int64      `grove:"balance_due"     bson:"balance_due"`
	IssuedAt       *time.Time `grove:"issued_at"       bson:"issued_at,omitempty"`
	DueAt          time.Time  `grove:"due_at"          bson:"due_at"`
	PaidAt         *time.Time `grove:"paid_at"         bson:"paid_at,omitempty"`
	VoidedAt       *time.Time `grove:"voided_at"       bson:"voided_at,omitempty"`
	VoidReason     string     `grove:"void_reason"     bson:"void_reason"`
	CreatedAt      time.Time  `grove:"created_at"      bson:"created_at"`
	UpdatedAt      time.Time  `grove:"updated_at"      bson:"updated_at"`
}

func toInvoiceModel(inv *invoice.Invoice) *invoiceModel {
	return &invoiceModel{
		ID:             inv.ID.String(),
		AccountID:      inv.AccountID.String(),
		SubscriptionID: inv.SubscriptionID.String(),
		Status:         string(inv.Status),
		Currency:       inv.Currency,
		Subtotal:       inv.Subtotal.Amount,
		TaxTotal:       inv.TaxTotal.Amount,
		Total:          inv.Total.Amount,
		BalanceDue:     inv.BalanceDue.Amount,
		IssuedAt:       inv.IssuedAt,
		DueAt:          inv.DueAt,
		PaidAt:         inv.PaidAt,
		VoidedAt:       inv.VoidedAt,
		VoidReason:     inv.VoidReason,
		CreatedAt:      inv.CreatedAt,
		UpdatedAt:      inv.UpdatedAt,
	}
}

func fromInvoiceModel(m *invoiceModel) (*invoice.Invoice, error) {
	inv := &invoice.Invoice{
		Entity:     types.Entity{CreatedAt: m.CreatedAt.UTC(), UpdatedAt: m.UpdatedAt.UTC()},
		Status:     invoice.Status(m.Status),
		Currency:   m.Currency,
		Subtotal:   types.Money{Amount: m.Subtotal, Currency: m.Currency},
		TaxTotal:   types.Money{Amount: m.TaxTotal, Currency: m.Currency},
		Total:      types.Money{Amount: m.Total, Currency: m.Currency},
		BalanceDue: types.Money{Amount: m.BalanceDue, Currency: m.Currency},
		IssuedAt:   utcPtr(m.IssuedAt),
		DueAt:      m.DueAt.UTC(),
		PaidAt:     utcPtr(m.PaidAt),
		VoidedAt:   utcPtr(m.VoidedAt),
		VoidReason: m.VoidReason,
	}
	err := parseIDs(
		idField{&inv.ID, m.ID}, idField{&inv.AccountID, m.AccountID}, idField{&inv.SubscriptionID, m.SubscriptionID},
	)
	return inv, err
}

type paymentModel struct {
	grove.BaseModel `grove:"table:tollgate_payments"`

	ID                string     `grove:"id,pk"              bson:"_id"`
	AccountID         string     `grove:"account_id"         bson:"account_id"`
	InvoiceID         string     `grove:"invoice_id"         bson:"invoice_id"`
	Amount            int64      `grove:"amount"             bson:"amount"`
	Currency          string     `grove:"currency"           bson:"currency"`
	Status            string     `grove:"status"             bson:"status"`
	ProviderReference string     `grove:"provider_reference" bson:"provider_reference"`
	Allocated         int64      `grove:"allocated"          bson:"allocated"`
	Credited          int64      `grove:"credited"           bson:"credited"`
	Refunded          int64      `grove:"refunded"           bson:"refunded"`
	FailureReason     string     `grove:"failure_reason"     bson:"failure_reason"`
	ProcessedAt       *time.Time `grove:"processed_at"       bson:"processed_at,omitempty"`
	CreatedAt         time.Time  `grove:"created_at"         bson:"created_at"`
	UpdatedAt         time.Time  `grove:"updated_at"         bson:"updated_at"`
}

func toPaymentModel(p *payment.Payment) *paymentModel {
	return &paymentModel{
		ID:                p.ID.String(),
		AccountID:         p.AccountID.String(),
		InvoiceID:         p.InvoiceID.String(),
		Amount:            p.Amount.Amount,
		Currency:          p.Amount.Currency,
		Status:            string(p.Status),
		ProviderReference: p.ProviderReference,
		Allocated:         p.Allocated,
		Credited:          p.Credited,
		Refunded:          p.Refunded,
		FailureReason:     p.FailureReason,
		ProcessedAt:       p.ProcessedAt,
		CreatedAt:         p.CreatedAt,
		UpdatedAt:         p.UpdatedAt,
	}
}

func fromPaymentModel(m *paymentModel) (*payment.Payment, error) {
	p := &payment.Payment{
		Entity:            types.Entity{CreatedAt: m.CreatedAt.UTC(), UpdatedAt: m.UpdatedAt.UTC()},
		Amount:            types.Money{Amount: m.Amount, Currency: m.Currency},
		Status:            payment.Status(m.Status),
		ProviderReference: m.ProviderReference,
		Allocated:         m.Allocated,
		Credited:          m.Credited,
		Refunded:          m.Refunded,
		FailureReason:     m.FailureReason,
		ProcessedAt:       utcPtr(m.ProcessedAt),
	}
	err := parseIDs(idField{&p.ID, m.ID}, idField{&p.AccountID, m.AccountID}, idField{&p.InvoiceID, m.InvoiceID})
	return p, err
}

type subscriptionModel struct {
	grove.BaseModel `grove:"table:tollgate_subscriptions"`

	ID           string    `grove:"id,pk"         bson:"_id"`
	AccountID    string    `grove:"account_id"    bson:"account_id"`
	SubscriberID string    `grove:"subscriber_id" bson:"subscriber_id"`
	Username     string    `grove:"username"      bson:"username"`
	Status       string    `grove:"status"        bson:"status"`
	RateProfile  string    `grove:"rate_profile"  bson:"rate_profile"`
	Authorizable bool      `grove:"authorizable"  bson:"authorizable"`
	Throttled    bool      `grove:"throttled"     bson:"throttled"`
	BlockReason  string    `grove:"block_reason"  bson:"block_reason"`
	CreatedAt    time.Time `grove:"created_at"    bson:"created_at"`
	UpdatedAt    time.Time `grove:"updated_at"    bson:"updated_at"`
}

func toSubscriptionModel(sub *subscription.Subscription) *subscriptionModel {
	return &subscriptionModel{
		ID:           sub.ID.String(),
		AccountID:    sub.AccountID.String(),
		SubscriberID: sub.SubscriberID.String(),
		Username:     sub.Username,
		Status:       string(sub.Status),
		RateProfile:  sub.RateProfile,
		Authorizable: sub.Authorizable,
		Throttled:    sub.Throttled,
		BlockReason:  sub.BlockReason,
		CreatedAt:    sub.CreatedAt,
		UpdatedAt:    sub.UpdatedAt,
	}
}

func fromSubscriptionModel(m *subscriptionModel) (*subscription.Subscription, error) {
	sub := &subscription.Subscription{
		Entity:       types.Entity{CreatedAt: m.CreatedAt.UTC(), UpdatedAt: m.UpdatedAt.UTC()},
		Username:     m.Username,
		Status:       subscription.Status(m.Status),
		RateProfile:  m.RateProfile,
		Authorizable: m.Authorizable,
		Throttled:    m.Throttled,
		BlockReason:  m.BlockReason,
	}
	err := parseIDs(idField{&sub.ID, m.ID}, idField{&sub.AccountID, m.AccountID}, idField{&sub.SubscriberID, m.SubscriberID})
	return sub, err
}

// ==================== Workflow models ====================

type caseModel struct {
	grove.BaseModel `grove:"table:tollgate_dunning_cases"`

	ID               string     `grove:"id,pk"              bson:"_id"`
	AccountID        string     `grove:"account_id"         bson:"account_id"`
	InvoiceID        string     `grove:"invoice_id"         bson:"invoice_id"`
	Status           string     `grove:"status"             bson:"status"`
	Active           bool       `grove:"active"             bson:"active"` // open or paused, backs the one-active-case index
	PolicySetID      string     `grove:"policy_set_id"      bson:"policy_set_id"`
	CurrentStepIndex int        `grove:"current_step_index" bson:"current_step_index"`
	Enforced         bool       `grove:"enforced"           bson:"enforced"`
	OpenedAt         time.Time  `grove:"opened_at"          bson:"opened_at"`
	ClosedAt         *time.Time `grove:"closed_at"          bson:"closed_at,omitempty"`
	CloseReason      string     `grove:"close_reason"       bson:"close_reason"`
	CreatedAt        time.Time  `grove:"created_at"         bson:"created_at"`
	UpdatedAt        time.Time  `grove:"updated_at"         bson:"updated_at"`
}

func toCaseModel(c *dunning.Case) *caseModel {
	return &caseModel{
		ID:               c.ID.String(),
		AccountID:        c.AccountID.String(),
		InvoiceID:        c.InvoiceID.String(),
		Status:           string(c.Status),
		Active:           !c.Status.IsClosed(),
		PolicySetID:      c.PolicySetID,
		CurrentStepIndex: c.CurrentStepIndex,
		Enforced:         c.Enforced,
		OpenedAt:         c.OpenedAt,
		ClosedAt:         c.ClosedAt,
		CloseReason:      c.CloseReason,
		CreatedAt:        c.CreatedAt,
		UpdatedAt:        c.UpdatedAt,
	}
}

func fromCaseModel(m *caseModel) (*dunning.Case, error) {
	c := &dunning.Case{
		Entity:           types.Entity{CreatedAt: m.CreatedAt.UTC(), UpdatedAt: m.UpdatedAt.UTC()},
		Status:           dunning.Status(m.Status),
		PolicySetID:      m.PolicySetID,
		CurrentStepIndex: m.CurrentStepIndex,
		Enforced:         m.Enforced,
		OpenedAt:         m.OpenedAt.UTC(),
		ClosedAt:         utcPtr(m.ClosedAt),
		CloseReason:      m.CloseReason,
	}
	err := parseIDs(idField{&c.ID, m.ID}, idField{&c.AccountID, m.AccountID}, idField{&c.InvoiceID, m.InvoiceID})
	return c, err
}

type actionModel struct {
	grove.BaseModel `grove:"table:tollgate_enforcement_actions"`

	ID             string     `grove:"id,pk"           bson:"_id"`
	IdempotencyKey string     `grove:"idempotency_key" bson:"idempotency_key"`
	SubscriptionID string     `grove:"subscription_id" bson:"subscription_id"`
	AccountID      string     `grove:"account_id"      bson:"account_id"`
	CaseID         string     `grove:"case_id"         bson:"case_id"`
	Kind           string     `grove:"kind"            bson:"kind"`
	StepIndex      int        `grove:"step_index"      bson:"step_index"`
	Status         string     `grove:"status"          bson:"status"`
	Attempts       int        `grove:"attempts"        bson:"attempts"`
	LastError      string     `grove:"last_error"      bson:"last_error"`
	Sessions       int        `grove:"sessions"        bson:"sessions"`
	RequestedAt    time.Time  `grove:"requested_at"    bson:"requested_at"`
	AppliedAt      *time.Time `grove:"applied_at"      bson:"applied_at,omitempty"`
	CreatedAt      time.Time  `grove:"created_at"      bson:"created_at"`
	UpdatedAt      time.Time  `grove:"updated_at"      bson:"updated_at"`
}

func toActionModel(a *enforcement.Action) *actionModel {
	return &actionModel{
		ID:             a.ID.String(),
		IdempotencyKey: a.IdempotencyKey,
		SubscriptionID: a.SubscriptionID.String(),
		AccountID:      a.AccountID.String(),
		CaseID:         a.CaseID.String(),
		Kind:           string(a.Kind),
		StepIndex:      a.StepIndex,
		Status:         string(a.Status),
		Attempts:       a.Attempts,
		LastError:      a.LastError,
		Sessions:       a.Sessions,
		RequestedAt:    a.RequestedAt,
		AppliedAt:      a.AppliedAt,
		CreatedAt:      a.CreatedAt,
		UpdatedAt:      a.UpdatedAt,
	}
}

func fromActionModel(m *actionModel) (*enforcement.Action, error) {
	a := &enforcement.Action{
		Entity:         types.Entity{CreatedAt: m.CreatedAt.UTC(), UpdatedAt: m.UpdatedAt.UTC()},
		IdempotencyKey: m.IdempotencyKey,
		Kind:           enforcement.Kind(m.Kind),
		StepIndex:      m.StepIndex,
		Status:         enforcement.Status(m.Status),
		Attempts:       m.Attempts,
		LastError:      m.LastError,
		Sessions:       m.Sessions,
		RequestedAt:    m.RequestedAt.UTC(),
		AppliedAt:      utcPtr(m.AppliedAt),
	}
	err := parseIDs(
		idField{&a.ID, m.ID}, idField{&a.SubscriptionID, m.SubscriptionID},
		idField{&a.AccountID, m.AccountID}, idField{&a.CaseID, m.CaseID},
	)
	return a, err
}

type deadlineModel struct {
	grove.BaseModel `grove:"table:tollgate_deadlines"`

	ID          string     `grove:"id,pk"        bson:"_id"`
	SubjectType string     `grove:"subject_type" bson:"subject_type"`
	SubjectID   string     `grove:"subject_id"   bson:"subject_id"`
	FiresAt     time.Time  `grove:"fires_at"     bson:"fires_at"`
	Fired       bool       `grove:"fired"        bson:"fired"`
	FiredAt     *time.Time `grove:"fired_at"     bson:"fired_at,omitempty"`
	Canceled    bool       `grove:"canceled"     bson:"canceled"`
	CreatedAt   time.Time  `grove:"created_at"   bson:"created_at"`
}

func toDeadlineModel(d *timer.Deadline) *deadlineModel {
	return &deadlineModel{
		ID:          d.ID.String(),
		SubjectType: d.SubjectType,
		SubjectID:   d.SubjectID,
		FiresAt:     d.FiresAt,
		Fired:       d.Fired,
		FiredAt:     d.FiredAt,
		Canceled:    d.Canceled,
		CreatedAt:   d.CreatedAt,
	}
}

func fromDeadlineModel(m *deadlineModel) (*timer.Deadline, error) {
	d := &timer.Deadline{
		SubjectType: m.SubjectType,
		SubjectID:   m.SubjectID,
		FiresAt:     m.FiresAt.UTC(),
		Fired:       m.Fired,
		FiredAt:     utcPtr(m.FiredAt),
		Canceled:    m.Canceled,
		CreatedAt:   m.CreatedAt.UTC(),
	}
	err := parseIDs(idField{&d.ID, m.ID})
	return d, err
}

// ==================== helpers ====================

type idField struct {
	dst *id.ID
	src string
}

func parseIDs(fields ...idField) error {
	for _, f := range fields {
		v, err := id.ParseOptional(f.src)
		if err != nil {
			return err
		}
		*f.dst = v
	}
	return nil
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

// fromModels converts a slice of models.
func fromModels[M, T any](models []M, conv func(*M) (*T, error)) ([]*T, error) {
	out := make([]*T, len(models))
	for i := range models {
		v, err := conv(&models[i])
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}
