package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/xraph/tollgate/event"
	"github.com/xraph/tollgate/id"
	"github.com/xraph/tollgate/invoice"
	"github.com/xraph/tollgate/payment"
	"github.com/xraph/tollgate/types"
)

// Scheduler schedules and cancels deadlines. *timer.Engine implements it.
type Scheduler interface {
	Schedule(ctx context.Context, subjectType, subjectID string, firesAt time.Time) error
	Cancel(ctx context.Context, subjectType, subjectID string) error
}

// Hooks receives notifications after an operation commits.
type Hooks interface {
	EmitLedgerPosted(ctx context.Context, p *Posting)
	EmitInvoiceStatusChanged(ctx context.Context, inv *invoice.Invoice, from, to invoice.Status)
}

// Engine posts balanced entry groups and keeps invoice caches in step.
type Engine struct {
	store     Store
	scheduler Scheduler
	hooks     Hooks
	logger    *slog.Logger
	clock     types.Clock
}

// Option configures an Engine.
type Option func(*Engine)

func WithLogger(l *slog.Logger) Option { return func(e *Engine) { e.logger = l } }
func WithClock(c types.Clock) Option   { return func(e *Engine) { e.clock = c } }
func WithHooks(h Hooks) Option         { return func(e *Engine) { e.hooks = h } }
func WithScheduler(s Scheduler) Option { return func(e *Engine) { e.scheduler = s } }

// NewEngine creates a ledger Engine.
func NewEngine(s Store, opts ...Option) *Engine {
	e := &Engine{
		store:  s,
		logger: slog.Default(),
		clock:  types.SystemClock,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Transition is an invoice status change made by an operation.
type Transition struct {
	From invoice.Status `json:"from"`
	To   invoice.Status `json:"to"`
}

// PostResult is what a ledger operation did. Duplicate is set when the
// idempotency key had already been posted; Posting is then the original.
type PostResult struct {
	Posting    *Posting         `json:"posting,omitempty"`
	Invoice    *invoice.Invoice `json:"invoice,omitempty"`
	Payment    *payment.Payment `json:"payment,omitempty"`
	Transition *Transition      `json:"transition,omitempty"`
	Duplicate  bool             `json:"duplicate"`
}

// PostRequest is a caller-assembled entry group.
type PostRequest struct {
	IdempotencyKey string
	AccountID      id.AccountID
	InvoiceID      id.InvoiceID
	PaymentID      id.PaymentID
	Source         Source
	Memo           string
	Lines          []Line
}

// unit collects what one atomic operation wrote so hooks can run after
// commit.
type unit struct {
	now         time.Time
	postings    []*Posting
	transitions []statusChange
}

type statusChange struct {
	inv      *invoice.Invoice
	from, to invoice.Status
}

// atomic runs fn in one transaction. A concurrent writer taking the same
// idempotency key aborts the transaction with ErrDuplicatePosting; the
// retry then sees the winner's posting.
func (e *Engine) atomic(ctx context.Context, fn func(ctx context.Context, u *unit) error) error {
	for attempt := 0; ; attempt++ {
		u := &unit{now: e.now()}
		err := e.store.RunInTx(ctx, func(ctx context.Context) error {
			return fn(ctx, u)
		})
		if errors.Is(err, ErrDuplicatePosting) && attempt == 0 {
			continue
		}
		if err != nil {
			return err
		}
		e.emit(ctx, u)
		return nil
	}
}

func (e *Engine) emit(ctx context.Context, u *unit) {
	for _, p := range u.postings {
		e.logger.Debug("ledger posted",
			"posting_id", p.ID.String(),
			"idempotency_key", p.IdempotencyKey,
			"source", string(p.Source),
			"entries", len(p.Entries),
		)
		if e.hooks != nil {
			e.hooks.EmitLedgerPosted(ctx, p)
		}
	}
	for _, t := range u.transitions {
		e.logger.Info("invoice status changed",
			"invoice_id", t.inv.ID.String(),
			"from", string(t.from),
			"to", string(t.to),
			"balance_due", t.inv.BalanceDue.Amount,
		)
		if e.hooks != nil {
			e.hooks.EmitInvoiceStatusChanged(ctx, t.inv, t.from, t.to)
		}
	}
}

func (e *Engine) now() time.Time {
	return e.clock.Now().UTC().Truncate(time.Microsecond)
}

// Post writes a caller-assembled group. Groups that do not balance are
// rejected before anything is written. When the group names an invoice,
// the invoice's balance and status are recomputed in the same transaction.
func (e *Engine) Post(ctx context.Context, req PostRequest) (*PostResult, error) {
	if err := ValidateGroup(req.Lines); err != nil {
		return nil, err
	}
	if req.IdempotencyKey == "" {
		return nil, ErrMissingKey
	}
	if req.AccountID.IsNil() {
		return nil, groupErrorf("account id required")
	}
	if req.Source == "" {
		req.Source = SourceAdjustment
	}

	var res *PostResult
	err := e.atomic(ctx, func(ctx context.Context, u *unit) error {
		dup, err := e.existing(ctx, req.IdempotencyKey)
		if err != nil || dup != nil {
			res = dup
			return err
		}

		var inv *invoice.Invoice
		if !req.InvoiceID.IsNil() {
			inv, err = e.lockForPost(ctx, req.InvoiceID, req.AccountID, req.Lines[0].Amount.Currency)
			if err != nil {
				return err
			}
		}

		p, err := e.write(ctx, u, req)
		if err != nil {
			return err
		}
		res = &PostResult{Posting: p}

		if inv != nil {
			res.Invoice = inv
			res.Transition, err = e.refresh(ctx, u, inv)
		}
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("ledger: post %s: %w", req.IdempotencyKey, err)
	}
	return res, nil
}

// existing returns the result of an already-posted key, or nil.
func (e *Engine) existing(ctx context.Context, key string) (*PostResult, error) {
	p, err := e.store.GetPostingByKey(ctx, key)
	if errors.Is(err, ErrPostingNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	res := &PostResult{Posting: p, Duplicate: true}
	if !p.InvoiceID.IsNil() {
		inv, err := e.store.GetInvoice(ctx, p.InvoiceID)
		if err != nil {
			return nil, err
		}
		res.Invoice = inv
	}
	if !p.PaymentID.IsNil() {
		pay, err := e.store.GetPayment(ctx, p.PaymentID)
		if err != nil && !errors.Is(err, payment.ErrNotFound) {
			return nil, err
		}
		res.Payment = pay
	}
	return res, nil
}

// lockForPost locks an invoice and checks it can take a posting.
func (e *Engine) lockForPost(ctx context.Context, invID id.InvoiceID, acct id.AccountID, currency string) (*invoice.Invoice, error) {
	inv, err := e.store.LockInvoice(ctx, invID)
	if err != nil {
		return nil, err
	}
	switch {
	case inv.Status == invoice.StatusVoid:
		return nil, fmt.Errorf("%w: %s", ErrInvoiceVoided, invID)
	case !acct.IsNil() && inv.AccountID != acct:
		return nil, fmt.Errorf("%w: invoice %s belongs to %s", ErrAccountMismatch, invID, inv.AccountID)
	case inv.Currency != currency:
		return nil, fmt.Errorf("%w: invoice %s is %s, posting is %s", ErrCurrencyMismatch, invID, inv.Currency, currency)
	}
	return inv, nil
}

// write stores req as a posting of active entries.
func (e *Engine) write(ctx context.Context, u *unit, req PostRequest) (*Posting, error) {
	p := newPosting(req, req.Lines[0].Amount.Currency, u.now)
	for _, l := range req.Lines {
		p.Entries = append(p.Entries, &Entry{
			ID:        id.NewEntryID(),
			PostingID: p.ID,
			AccountID: req.AccountID,
			InvoiceID: req.InvoiceID,
			PaymentID: req.PaymentID,
			Book:      l.Book,
			Type:      l.Type,
			Source:    req.Source,
			Amount:    l.Amount.Amount,
			Currency:  l.Amount.Currency,
			IsActive:  true,
			CreatedAt: u.now,
		})
	}

	if err := e.store.CreatePosting(ctx, p); err != nil {
		return nil, err
	}
	u.postings = append(u.postings, p)
	return p, nil
}

func newPosting(req PostRequest, currency string, now time.Time) *Posting {
	return &Posting{
		ID:             id.NewPostingID(),
		IdempotencyKey: req.IdempotencyKey,
		AccountID:      req.AccountID,
		InvoiceID:      req.InvoiceID,
		PaymentID:      req.PaymentID,
		Source:         req.Source,
		Currency:       currency,
		Memo:           req.Memo,
		CreatedAt:      now,
	}
}

// receivable returns the invoice's active receivable totals.
func (e *Engine) receivable(ctx context.Context, invID id.InvoiceID) (Totals, error) {
	return e.store.SumEntries(ctx, EntryFilter{
		InvoiceID:  invID,
		Book:       BookReceivable,
		ActiveOnly: true,
	})
}

// refresh recomputes an invoice's balance from its receivable entries and
// moves it to the status the balance implies.
func (e *Engine) refresh(ctx context.Context, u *unit, inv *invoice.Invoice) (*Transition, error) {
	totals, err := e.receivable(ctx, inv.ID)
	if err != nil {
		return nil, err
	}
	return e.apply(ctx, u, inv, totals.Net(), NextStatus(inv, totals, u.now))
}

// NextStatus is the invoice status algorithm. Given the invoice's active
// receivable totals: nothing owed is paid; a partial credit is
// partially_paid; otherwise past due is overdue and anything else is issued.
func NextStatus(inv *invoice.Invoice, receivable Totals, now time.Time) invoice.Status {
	if inv.Status == invoice.StatusVoid {
		return invoice.StatusVoid
	}

	bd := receivable.Net()
	switch {
	case bd <= 0:
		return invoice.StatusPaid
	case receivable.Credits > 0 && bd < inv.Total.Amount:
		return invoice.StatusPartiallyPaid
	case inv.IsPastDue(now):
		return invoice.StatusOverdue
	default:
		return invoice.StatusIssued
	}
}

// apply writes the balance cache and, if next differs from the current
// status, the transition and its invoice.status_changed event.
func (e *Engine) apply(ctx context.Context, u *unit, inv *invoice.Invoice, balanceDue int64, next invoice.Status) (*Transition, error) {
	from := inv.Status
	inv.BalanceDue = types.New(balanceDue, inv.Currency)

	if next != from {
		if !invoice.CanTransition(from, next) {
			return nil, fmt.Errorf("%w: %s %s -> %s", ErrIllegalTransition, inv.ID, from, next)
		}
		inv.Status = next

		switch {
		case next == invoice.StatusPaid:
			paidAt := u.now
			inv.PaidAt = &paidAt
		case from == invoice.StatusPaid:
			inv.PaidAt = nil
		}
		if from == invoice.StatusDraft && inv.IssuedAt == nil {
			issuedAt := u.now
			inv.IssuedAt = &issuedAt
		}
	}

	inv.Touch(u.now)
	if err := e.store.UpdateInvoice(ctx, inv); err != nil {
		return nil, err
	}
	if next == from {
		return nil, nil
	}

	if err := e.appendStatusChanged(ctx, u, inv, from); err != nil {
		return nil, err
	}
	return &Transition{From: from, To: next}, nil
}

func (e *Engine) appendStatusChanged(ctx context.Context, u *unit, inv *invoice.Invoice, from invoice.Status) error {
	ev, err := event.New(event.InvoiceStatusChanged{
		InvoiceID:  inv.ID,
		AccountID:  inv.AccountID,
		From:       string(from),
		To:         string(inv.Status),
		BalanceDue: inv.BalanceDue.Amount,
		Total:      inv.Total.Amount,
		Currency:   inv.Currency,
		DueAt:      inv.DueAt,
	}, u.now)
	if err != nil {
		return err
	}
	if err := e.store.AppendEvent(ctx, ev); err != nil {
		return err
	}

	u.transitions = append(u.transitions, statusChange{inv: inv.Clone(), from: from, to: inv.Status})
	return nil
}
