package sqlite

import (
	"encoding/json"
	"fmt"

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

// idField pairs a decoded identifier with its column value.
type idField struct {
	dst *id.ID
	src string
}

// parseIDs decodes every column value, mapping the empty string to id.Nil.
func parseIDs(fields ...idField) error {
	for _, f := range fields {
		parsed, err := id.ParseOptional(f.src)
		if err != nil {
			return err
		}
		*f.dst = parsed
	}
	return nil
}

// ==================== Event models ====================

type eventModel struct {
	grove.BaseModel `grove:"table:tollgate_events"`

	ID             string `grove:"id,pk"`
	Seq            int64  `grove:"seq,autoincrement"`
	Type           string `grove:"type"`
	Version        int    `grove:"version"`
	Payload        string `grove:"payload"`
	OccurredAt     int64  `grove:"occurred_at"`
	AccountID      string `grove:"account_id"`
	SubscriberID   string `grove:"subscriber_id"`
	SubscriptionID string `grove:"subscription_id"`
	InvoiceID      string `grove:"invoice_id"`
	CorrelationKey string `grove:"correlation_key"`
	Status         string `grove:"status"`
	AttemptCount   int    `grove:"attempt_count"`
	Handlers       string `grove:"handlers"`
	LastError      string `grove:"last_error"`
	NextAttemptAt  int64  `grove:"next_attempt_at"`
	ClaimToken     string `grove:"claim_token"`
	LockedUntil    *int64 `grove:"locked_until"`
	ProcessedAt    *int64 `grove:"processed_at"`
	CreatedAt      int64  `grove:"created_at"`
}

func encodeHandlers(h map[string]event.HandlerOutcome) (string, error) {
	if h == nil {
		return "{}", nil
	}
	b, err := json.Marshal(h)
	return string(b), err
}

func toEventModel(e *event.Event) (*eventModel, error) {
	handlers, err := encodeHandlers(e.Handlers)
	if err != nil {
		return nil, err
	}
	return &eventModel{
		ID:             e.ID.String(),
		Seq:            e.Seq,
		Type:           string(e.Type),
		Version:        e.Version,
		Payload:        string(e.Payload),
		OccurredAt:     ts(e.OccurredAt),
		AccountID:      e.AccountID.String(),
		SubscriberID:   e.SubscriberID.String(),
		SubscriptionID: e.SubscriptionID.String(),
		InvoiceID:      e.InvoiceID.String(),
		CorrelationKey: e.CorrelationKey,
		Status:         string(e.Status),
		AttemptCount:   e.AttemptCount,
		Handlers:       handlers,
		LastError:      e.LastError,
		NextAttemptAt:  ts(e.NextAttemptAt),
		ClaimToken:     e.ClaimToken,
		LockedUntil:    nullTS(e.LockedUntil),
		ProcessedAt:    nullTSPtr(e.ProcessedAt),
		CreatedAt:      ts(e.CreatedAt),
	}, nil
}

func fromEventModel(m *eventModel) (*event.Event, error) {
	e := &event.Event{
		Seq:            m.Seq,
		Type:           event.Type(m.Type),
		Version:        m.Version,
		Payload:        json.RawMessage(m.Payload),
		OccurredAt:     fromTS(m.OccurredAt),
		CorrelationKey: m.CorrelationKey,
		Status:         event.Status(m.Status),
		AttemptCount:   m.AttemptCount,
		LastError:      m.LastError,
		NextAttemptAt:  fromTS(m.NextAttemptAt),
		ClaimToken:     m.ClaimToken,
		LockedUntil:    fromNullTS(m.LockedUntil),
		ProcessedAt:    fromNullTSPtr(m.ProcessedAt),
		CreatedAt:      fromTS(m.CreatedAt),
	}
	if err := parseIDs(
		idField{&e.ID, m.ID},
		idField{&e.AccountID, m.AccountID},
		idField{&e.SubscriberID, m.SubscriberID},
		idField{&e.SubscriptionID, m.SubscriptionID},
		idField{&e.InvoiceID, m.InvoiceID},
	); err != nil {
		return nil, err
	}
	if len(m.Handlers) > 0 {
		if err := json.Unmarshal([]byte(m.Handlers), &e.Handlers); err != nil {
			return nil, fmt.Errorf("tollgate/sqlite: decode handlers of %s: %w", m.ID, err)
		}
	}
	return e, nil
}

// ==================== Ledger models ====================

type postingModel struct {
	grove.BaseModel `grove:"table:tollgate_postings"`

	ID             string `grove:"id,pk"`
	Seq            int64  `grove:"seq,autoincrement"`
	IdempotencyKey string `grove:"idempotency_key"`
	AccountID      string `grove:"account_id"`
	InvoiceID      string `grove:"invoice_id"`
	PaymentID      string `grove:"payment_id"`
	Source         string `grove:"source"`
	Currency       string `grove:"currency"`
	Memo           string `grove:"memo"`
	CreatedAt      int64  `grove:"created_at"`
}

func toPostingModel(p *ledger.Posting) *postingModel {
	return &postingModel{
		ID:             p.ID.String(),
		IdempotencyKey: p.IdempotencyKey,
		AccountID:      p.AccountID.String(),
		InvoiceID:      p.InvoiceID.String(),
		PaymentID:      p.PaymentID.String(),
		Source:         string(p.Source),
		Currency:       p.Currency,
		Memo:           p.Memo,
		CreatedAt:      ts(p.CreatedAt),
	}
}

func fromPostingModel(m *postingModel) (*ledger.Posting, error) {
	p := &ledger.Posting{
		IdempotencyKey: m.IdempotencyKey,
		Source:         ledger.Source(m.Source),
		Currency:       m.Currency,
		Memo:           m.Memo,
		CreatedAt:      fromTS(m.CreatedAt),
	}
	if err := parseIDs(
		idField{&p.ID, m.ID},
		idField{&p.AccountID, m.AccountID},
		idField{&p.InvoiceID, m.InvoiceID},
		idField{&p.PaymentID, m.PaymentID},
	); err != nil {
		return nil, err
	}
	return p, nil
}

type entryModel struct {
	grove.BaseModel `grove:"table:tollgate_entries"`

	ID         string `grove:"id,pk"`
	Seq        int64  `grove:"seq,autoincrement"`
	PostingID  string `grove:"posting_id"`
	AccountID  string `grove:"account_id"`
	InvoiceID  string `grove:"invoice_id"`
	PaymentID  string `grove:"payment_id"`
	Book       string `grove:"book"`
	Type       string `grove:"type"`
	Source     string `grove:"source"`
	Amount     int64  `grove:"amount"`
	Currency   string `grove:"currency"`
	IsActive   bool   `grove:"is_active"`
	ReversalOf string `grove:"reversal_of"`
	CreatedAt  int64  `grove:"created_at"`
}

func toEntryModel(postingID id.PostingID, e *ledger.Entry) entryModel {
	return entryModel{
		ID:         e.ID.String(),
		PostingID:  postingID.String(),
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
		CreatedAt:  ts(e.CreatedAt),
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
		CreatedAt: fromTS(m.CreatedAt),
	}
	if err := parseIDs(
		idField{&e.ID, m.ID},
		idField{&e.PostingID, m.PostingID},
		idField{&e.AccountID, m.AccountID},
		idField{&e.InvoiceID, m.InvoiceID},
		idField{&e.PaymentID, m.PaymentID},
		idField{&e.ReversalOf, m.ReversalOf},
	); err != nil {
		return nil, err
	}
	return e, nil
}

// ==================== Billing models ====================

type invoiceModel struct {
	grove.BaseModel `grove:"table:tollgate_invoices"`

	ID             string `grove:"id,pk"`
	AccountID      string `grove:"account_id"`
	SubscriptionID string `grove:"subscription_id"`
	Status         string `grove:"status"`
	Currency       string `grove:"currency"`
	Subtotal       int64  `grove:"subtotal"`
	TaxTotal       int64  `grove:"tax_total"`
	Total          int64  `grove:"total"`
	BalanceDue     int64  `grove:"balance_due"`
	IssuedAt       *int64 `grove:"issued_at"`
	DueAt          int64  `grove:"due_at"`
	PaidAt         *int64 `grove:"paid_at"`
	VoidedAt       *int64 `grove:"voided_at"`
	VoidReason     string `grove:"void_reason"`
	CreatedAt      int64  `grove:"created_at"`
	UpdatedAt      int64  `grove:"updated_at"`
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
		IssuedAt:       nullTSPtr(inv.IssuedAt),
		DueAt:          ts(inv.DueAt),
		PaidAt:         nullTSPtr(inv.PaidAt),
		VoidedAt:       nullTSPtr(inv.VoidedAt),
		VoidReason:     inv.VoidReason,
		CreatedAt:      ts(inv.CreatedAt),
		UpdatedAt:      ts(inv.UpdatedAt),
	}
}

func fromInvoiceModel(m *invoiceModel) (*invoice.Invoice, error) {
	inv := &invoice.Invoice{
		Entity:     types.Entity{CreatedAt: fromTS(m.CreatedAt), UpdatedAt: fromTS(m.UpdatedAt)},
		Status:     invoice.Status(m.Status),
		Currency:   m.Currency,
		Subtotal:   types.Money{Amount: m.Subtotal, Currency: m.Currency},
		TaxTotal:   types.Money{Amount: m.TaxTotal, Currency: m.Currency},
		Total:      types.Money{Amount: m.Total, Currency: m.Currency},
		BalanceDue: types.Money{Amount: m.BalanceDue, Currency: m.Currency},
		IssuedAt:   fromNullTSPtr(m.IssuedAt),
		DueAt:      fromTS(m.DueAt),
		PaidAt:     fromNullTSPtr(m.PaidAt),
		VoidedAt:   fromNullTSPtr(m.VoidedAt),
		VoidReason: m.VoidReason,
	}
	if err := parseIDs(
		idField{&inv.ID, m.ID},
		idField{&inv.AccountID, m.AccountID},
		idField{&inv.SubscriptionID, m.SubscriptionID},
	); err != nil {
		return nil, err
	}
	return inv, nil
}

type paymentModel struct {
	grove.BaseModel `grove:"table:tollgate_payments"`

	ID                string `grove:"id,pk"`
	AccountID         string `grove:"account_id"`
	InvoiceID         string `grove:"invoice_id"`
	Amount            int64  `grove:"amount"`
	Currency          string `grove:"currency"`
	Status            string `grove:"status"`
	ProviderReference string `grove:"provider_reference"`
	Allocated         int64  `grove:"allocated"`
	Credited          int64  `grove:"credited"`
	Refunded          int64  `grove:"refunded"`
	FailureReason     string `grove:"failure_reason"`
	ProcessedAt       *int64 `grove:"processed_at"`
	CreatedAt         int64  `grove:"created_at"`
	UpdatedAt         int64  `grove:"updated_at"`
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
		ProcessedAt:       nullTSPtr(p.ProcessedAt),
		CreatedAt:         ts(p.CreatedAt),
		UpdatedAt:         ts(p.UpdatedAt),
	}
}

func fromPaymentModel(m *paymentModel) (*payment.Payment, error) {
	p := &payment.Payment{
		Entity:            types.Entity{CreatedAt: fromTS(m.CreatedAt), UpdatedAt: fromTS(m.UpdatedAt)},
		Amount:            types.Money{Amount: m.Amount, Currency: m.Currency},
		Status:            payment.Status(m.Status),
		ProviderReference: m.ProviderReference,
		Allocated:         m.Allocated,
		Credited:          m.Credited,
		Refunded:          m.Refunded,
		FailureReason:     m.FailureReason,
		ProcessedAt:       fromNullTSPtr(m.ProcessedAt),
	}
	if err := parseIDs(
		idField{&p.ID, m.ID},
		idField{&p.AccountID, m.AccountID},
		idField{&p.InvoiceID, m.InvoiceID},
	); err != nil {
		return nil, err
	}
	return p, nil
}

type subscriptionModel struct {
	grove.BaseModel `grove:"table:tollgate_subscriptions"`

	ID           string `grove:"id,pk"`
	AccountID    string `grove:"account_id"`
	SubscriberID string `grove:"subscriber_id"`
	Username     string `grove:"username"`
	Status       string `grove:"status"`
	RateProfile  string `grove:"rate_profile"`
	Authorizable bool   `grove:"authorizable"`
	Throttled    bool   `grove:"throttled"`
	BlockReason  string `grove:"block_reason"`
	CreatedAt    int64  `grove:"created_at"`
	UpdatedAt    int64  `grove:"updated_at"`
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
		CreatedAt:    ts(sub.CreatedAt),
		UpdatedAt:    ts(sub.UpdatedAt),
	}
}

func fromSubscriptionModel(m *subscriptionModel) (*subscription.Subscription, error) {
	sub := &subscription.Subscription{
		Entity:       types.Entity{CreatedAt: fromTS(m.CreatedAt), UpdatedAt: fromTS(m.UpdatedAt)},
		Username:     m.Username,
		Status:       subscription.Status(m.Status),
		RateProfile:  m.RateProfile,
		Authorizable: m.Authorizable,
		Throttled:    m.Throttled,
		BlockReason:  m.BlockReason,
	}
	if err := parseIDs(
		idField{&sub.ID, m.ID},
		idField{&sub.AccountID, m.AccountID},
		idField{&sub.SubscriberID, m.SubscriberID},
	); err != nil {
		return nil, err
	}
	return sub, nil
}

// ==================== Workflow models ====================

type caseModel struct {
	grove.BaseModel `grove:"table:tollgate_dunning_cases"`

	ID               string `grove:"id,pk"`
	AccountID        string `grove:"account_id"`
	InvoiceID        string `grove:"invoice_id"`
	Status           string `grove:"status"`
	PolicySetID      string `grove:"policy_set_id"`
	CurrentStepIndex int    `grove:"current_step_index"`
	Enforced         bool   `grove:"enforced"`
	OpenedAt         int64  `grove:"opened_at"`
	ClosedAt         *int64 `grove:"closed_at"`
	CloseReason      string `grove:"close_reason"`
	CreatedAt        int64  `grove:"created_at"`
	UpdatedAt        int64  `grove:"updated_at"`
}

func toCaseModel(c *dunning.Case) *caseModel {
	return &caseModel{
		ID:               c.ID.String(),
		AccountID:        c.AccountID.String(),
		InvoiceID:        c.InvoiceID.String(),
		Status:           string(c.Status),
		PolicySetID:      c.PolicySetID,
		CurrentStepIndex: c.CurrentStepIndex,
		Enforced:         c.Enforced,
		OpenedAt:         ts(c.OpenedAt),
		ClosedAt:         nullTSPtr(c.ClosedAt),
		CloseReason:      c.CloseReason,
		CreatedAt:        ts(c.CreatedAt),
		UpdatedAt:        ts(c.UpdatedAt),
	}
}

func fromCaseModel(m *caseModel) (*dunning.Case, error) {
	c := &dunning.Case{
		Entity:           types.Entity{CreatedAt: fromTS(m.CreatedAt), UpdatedAt: fromTS(m.UpdatedAt)},
		Status:           dunning.Status(m.Status),
		PolicySetID:      m.PolicySetID,
		CurrentStepIndex: m.CurrentStepIndex,
		Enforced:         m.Enforced,
		OpenedAt:         fromTS(m.OpenedAt),
		ClosedAt:         fromNullTSPtr(m.ClosedAt),
		CloseReason:      m.CloseReason,
	}
	if err := parseIDs(
		idField{&c.ID, m.ID},
		idField{&c.AccountID, m.AccountID},
		idField{&c.InvoiceID, m.InvoiceID},
	); err != nil {
		return nil, err
	}
	return c, nil
}

type actionModel struct {
	grove.BaseModel `grove:"table:tollgate_enforcement_actions"`

	ID             string `grove:"id,pk"`
	IdempotencyKey string `grove:"idempotency_key"`
	SubscriptionID string `grove:"subscription_id"`
	AccountID      string `grove:"account_id"`
	CaseID         string `grove:"case_id"`
	Kind           string `grove:"kind"`
	StepIndex      int    `grove:"step_index"`
	Status         string `grove:"status"`
	Attempts       int    `grove:"attempts"`
	LastError      string `grove:"last_error"`
	Sessions       int    `grove:"sessions"`
	RequestedAt    int64  `grove:"requested_at"`
	AppliedAt      *int64 `grove:"applied_at"`
	CreatedAt      int64  `grove:"created_at"`
	UpdatedAt      int64  `grove:"updated_at"`
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
		RequestedAt:    ts(a.RequestedAt),
		AppliedAt:      nullTSPtr(a.AppliedAt),
		CreatedAt:      ts(a.CreatedAt),
		UpdatedAt:      ts(a.UpdatedAt),
	}
}

func fromActionModel(m *actionModel) (*enforcement.Action, error) {
	a := &enforcement.Action{
		Entity:         types.Entity{CreatedAt: fromTS(m.CreatedAt), UpdatedAt: fromTS(m.UpdatedAt)},
		IdempotencyKey: m.IdempotencyKey,
		Kind:           enforcement.Kind(m.Kind),
		StepIndex:      m.StepIndex,
		Status:         enforcement.Status(m.Status),
		Attempts:       m.Attempts,
		LastError:      m.LastError,
		Sessions:       m.Sessions,
		RequestedAt:    fromTS(m.RequestedAt),
		AppliedAt:      fromNullTSPtr(m.AppliedAt),
	}
	if err := parseIDs(
		idField{&a.ID, m.ID},
		idField{&a.SubscriptionID, m.SubscriptionID},
		idField{&a.AccountID, m.AccountID},
		idField{&a.CaseID, m.CaseID},
	); err != nil {
		return nil, err
	}
	return a, nil
}

type deadlineModel struct {
	grove.BaseModel `grove:"table:tollgate_deadlines"`

	ID          string `grove:"id,pk"`
	SubjectType string `grove:"subject_type"`
	SubjectID   string `grove:"subject_id"`
	FiresAt     int64  `grove:"fires_at"`
	Fired       bool   `grove:"fired"`
	FiredAt     *int64 `grove:"fired_at"`
	Canceled    bool   `grove:"canceled"`
	CreatedAt   int64  `grove:"created_at"`
}

func toDeadlineModel(d *timer.Deadline) *deadlineModel {
	return &deadlineModel{
		ID:          d.ID.String(),
		SubjectType: d.SubjectType,
		SubjectID:   d.SubjectID,
		FiresAt:     ts(d.FiresAt),
		Fired:       d.Fired,
		FiredAt:     nullTSPtr(d.FiredAt),
		Canceled:    d.Canceled,
		CreatedAt:   ts(d.CreatedAt),
	}
}

func fromDeadlineModel(m *deadlineModel) (*timer.Deadline, error) {
	d := &timer.Deadline{
		SubjectType: m.SubjectType,
		SubjectID:   m.SubjectID,
		FiresAt:     fromTS(m.FiresAt),
		Fired:       m.Fired,
		FiredAt:     fromNullTSPtr(m.FiredAt),
		Canceled:    m.Canceled,
		CreatedAt:   fromTS(m.CreatedAt),
	}
	if err := parseIDs(
		idField{&d.ID, m.ID},
	); err != nil {
		return nil, err
	}
	return d, nil
}

// fromModels maps every row with from.
func fromModels[M, T any](ms []M, from func(*M) (*T, error)) ([]*T, error) {
	out := make([]*T, 0, len(ms))
	for i := range ms {
		v, err := from(&ms[i])
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}
