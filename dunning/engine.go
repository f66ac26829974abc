package dunning

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/xraph/tollgate/event"
	"github.com/xraph/tollgate/id"
	"github.com/xraph/tollgate/invoice"
	"github.com/xraph/tollgate/notify"
	"github.com/xraph/tollgate/timer"
	"github.com/xraph/tollgate/types"
)

// DefaultPolicySetID names the policy set used when no resolver is set.
const DefaultPolicySetID = "default"

// EngineStore is what the dunning engine needs from persistence.
type EngineStore interface {
	Store
	GetInvoice(ctx context.Context, invID id.InvoiceID) (*invoice.Invoice, error)
	ListInvoices(ctx context.Context, opts invoice.ListOpts) ([]*invoice.Invoice, error)
	event.Appender
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// Scheduler schedules and cancels deadlines. *timer.Engine implements it.
type Scheduler interface {
	Schedule(ctx context.Context, subjectType, subjectID string, firesAt time.Time) error
	Cancel(ctx context.Context, subjectType, subjectID string) error
}

// Hooks receives notifications after case changes commit.
type Hooks interface {
	EmitDunningCaseOpened(ctx context.Context, c *Case)
	EmitDunningStepExecuted(ctx context.Context, c *Case, stepIndex int, action string)
	EmitDunningCaseClosed(ctx context.Context, c *Case)
}

// PolicyResolver picks the policy set for a newly overdue invoice.
type PolicyResolver func(ctx context.Context, inv *invoice.Invoice) (string, error)

// Engine opens, advances and closes dunning cases.
type Engine struct {
	store     EngineStore
	policies  PolicySource
	resolve   PolicyResolver
	scheduler Scheduler
	notifier  notify.Notifier
	hooks     Hooks
	logger    *slog.Logger
	clock     types.Clock
	batchSize int

	notifyAttempts int
}

// Option configures an Engine.
type Option func(*Engine)

func WithLogger(l *slog.Logger) Option           { return func(e *Engine) { e.logger = l } }
func WithClock(c types.Clock) Option             { return func(e *Engine) { e.clock = c } }
func WithHooks(h Hooks) Option                   { return func(e *Engine) { e.hooks = h } }
func WithScheduler(s Scheduler) Option           { return func(e *Engine) { e.scheduler = s } }
func WithNotifier(n notify.Notifier) Option      { return func(e *Engine) { e.notifier = n } }
func WithPolicyResolver(r PolicyResolver) Option { return func(e *Engine) { e.resolve = r } }

// WithDefaultPolicy resolves every invoice to one policy set.
func WithDefaultPolicy(policySetID string) Option {
	return func(e *Engine) {
		e.resolve = func(context.Context, *invoice.Invoice) (string, error) { return policySetID, nil }
	}
}

// WithBatchSize caps how many invoices and cases one scan handles.
func WithBatchSize(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.batchSize = n
		}
	}
}

// WithNotifyAttempts bounds how many dispatch attempts a failing
// notification gets before it is given up.
func WithNotifyAttempts(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.notifyAttempts = n
		}
	}
}

// NewEngine creates a dunning Engine reading policy sets from policies.
// A nil source disables dunning: overdue invoices open no cases.
func NewEngine(s EngineStore, policies PolicySource, opts ...Option) *Engine {
	e := &Engine{
		store:          s,
		policies:       policies,
		notifier:       notify.LogNotifier{},
		logger:         slog.Default(),
		clock:          types.SystemClock,
		batchSize:      200,
		notifyAttempts: 3,
	}
	e.resolve = func(context.Context, *invoice.Invoice) (string, error) { return DefaultPolicySetID, nil }
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) now() time.Time {
	return e.clock.Now().UTC().Truncate(time.Microsecond)
}

// Open starts a case for an overdue invoice. If the invoice already has
// an active case, that case is returned with opened=false. Without a
// policy source it returns a nil case.
func (e *Engine) Open(ctx context.Context, inv *invoice.Invoice) (c *Case, opened bool, err error) {
	if e.policies == nil {
		return nil, false, nil
	}
	policySetID, err := e.resolve(ctx, inv)
	if err != nil {
		return nil, false, fmt.Errorf("dunning: resolve policy for %s: %w", inv.ID, err)
	}

	now := e.now()
	c = &Case{
		Entity:           types.NewEntity(now),
		ID:               id.NewDunningCaseID(),
		AccountID:        inv.AccountID,
		InvoiceID:        inv.ID,
		Status:           StatusOpen,
		PolicySetID:      policySetID,
		CurrentStepIndex: -1,
		OpenedAt:         now,
	}

	err = e.store.CreateCase(ctx, c)
	if errors.Is(err, ErrCaseExists) {
		existing, getErr := e.store.GetActiveCaseForInvoice(ctx, inv.ID)
		if getErr != nil {
			return nil, false, fmt.Errorf("dunning: open %s: %w", inv.ID, getErr)
		}
		return existing, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("dunning: open %s: %w", inv.ID, err)
	}

	e.logger.Info("dunning case opened",
		"case_id", c.ID.String(),
		"invoice_id", inv.ID.String(),
		"policy_set_id", policySetID,
	)
	if e.hooks != nil {
		e.hooks.EmitDunningCaseOpened(ctx, c)
	}
	return c, true, nil
}

func (e *Engine) policySet(ctx context.Context, policySetID string) (*PolicySet, error) {
	if e.policies == nil {
		return nil, fmt.Errorf("%w: %s", ErrPolicyNotFound, policySetID)
	}
	return e.policies.PolicySet(ctx, policySetID)
}

// Execution describes a step a case executed.
type Execution struct {
	Case      *Case
	StepIndex int
	Step      Step
	Event     *event.Event
}

// Evaluate advances an open case to the step its invoice's days overdue
// calls for. It returns nil when no step is due. A case whose invoice has
// been paid or voided is closed instead.
func (e *Engine) Evaluate(ctx context.Context, caseID id.DunningCaseID) (*Execution, error) {
	c, err := e.store.GetCase(ctx, caseID)
	if err != nil {
		return nil, fmt.Errorf("dunning: evaluate %s: %w", caseID, err)
	}
	if c.Status != StatusOpen {
		return nil, nil
	}

	inv, err := e.store.GetInvoice(ctx, c.InvoiceID)
	if err != nil {
		return nil, fmt.Errorf("dunning: evaluate %s: %w", caseID, err)
	}
	switch inv.Status {
	case invoice.StatusPaid:
		return nil, e.close(ctx, c.ID, StatusResolved, "invoice paid")
	case invoice.StatusVoid:
		return nil, e.close(ctx, c.ID, StatusAbandoned, "invoice voided")
	}

	ps, err := e.policySet(ctx, c.PolicySetID)
	if err != nil {
		return nil, fmt.Errorf("dunning: evaluate %s: %w", caseID, err)
	}

	now := e.now()
	target, ok := Advance(c.State(), ps.Steps, DaysOverdue(inv.DueAt, now))
	if !ok {
		return nil, e.scheduleNext(ctx, c, inv, ps, c.CurrentStepIndex)
	}

	step := ps.Steps[target]
	var ev *event.Event
	err = e.store.RunInTx(ctx, func(ctx context.Context) error {
		if err := e.store.AdvanceCase(ctx, c.ID, c.CurrentStepIndex, target, step.Action.Enforces(), now); err != nil {
			return err
		}

		var err error
		ev, err = event.New(event.DunningActionRequested{
			CaseID:      c.ID,
			AccountID:   c.AccountID,
			InvoiceID:   c.InvoiceID,
			PolicySetID: ps.ID,
			StepIndex:   target,
			Action:      string(step.Action),
			Template:    step.Template,
			Channel:     step.Channel,
		}, now)
		if err != nil {
			return err
		}
		if err := e.store.AppendEvent(ctx, ev); err != nil {
			return err
		}

		return e.scheduleNext(ctx, c, inv, ps, target)
	})
	if errors.Is(err, ErrStaleCase) {
		e.logger.Debug("dunning step already taken", "case_id", c.ID.String(), "step_index", target)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("dunning: advance %s to %d: %w", caseID, target, err)
	}

	from := c.CurrentStepIndex
	c.CurrentStepIndex = target
	c.Enforced = c.Enforced || step.Action.Enforces()
	c.Touch(now)

	e.logger.Info("dunning step executed",
		"case_id", c.ID.String(),
		"invoice_id", c.InvoiceID.String(),
		"from_step", from,
		"step_index", target,
		"action", string(step.Action),
	)
	if e.hooks != nil {
		e.hooks.EmitDunningStepExecuted(ctx, c, target, string(step.Action))
	}
	return &Execution{Case: c, StepIndex: target, Step: step, Event: ev}, nil
}

// scheduleNext arms the deadline of the first step after index.
func (e *Engine) scheduleNext(ctx context.Context, c *Case, inv *invoice.Invoice, ps *PolicySet, index int) error {
	if e.scheduler == nil {
		return nil
	}
	offset, ok := NextOffset(ps.Steps, index)
	if !ok {
		return nil
	}
	return e.scheduler.Schedule(ctx, timer.SubjectDunningCase, c.ID.String(), StepTime(inv.DueAt, offset))
}

// ScanResult counts what one scan did.
type ScanResult struct {
	Opened   int `json:"opened"`
	Executed int `json:"executed"`
}

// Scan opens cases for overdue invoices that have none, then evaluates
// every open case. It is the periodic backstop for step deadlines.
func (e *Engine) Scan(ctx context.Context) (ScanResult, error) {
	var res ScanResult

	overdue, err := e.store.ListInvoices(ctx, invoice.ListOpts{
		Status: []invoice.Status{invoice.StatusOverdue},
		Limit:  e.batchSize,
	})
	if err != nil {
		return res, fmt.Errorf("dunning: scan overdue invoices: %w", err)
	}
	for _, inv := range overdue {
		if _, err := e.store.GetActiveCaseForInvoice(ctx, inv.ID); err == nil {
			continue
		} else if !errors.Is(err, ErrNotFound) {
			return res, err
		}
		_, opened, err := e.Open(ctx, inv)
		if err != nil {
			e.logger.Warn("dunning open failed", "invoice_id", inv.ID.String(), "error", err)
			continue
		}
		if opened {
			res.Opened++
		}
	}

	cases, err := e.store.ListCases(ctx, ListOpts{Status: []Status{StatusOpen}, Limit: e.batchSize})
	if err != nil {
		return res, fmt.Errorf("dunning: scan open cases: %w", err)
	}
	for _, c := range cases {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		exec, err := e.Evaluate(ctx, c.ID)
		if err != nil {
			e.logger.Warn("dunning evaluation failed", "case_id", c.ID.String(), "error", err)
			continue
		}
		if exec != nil {
			res.Executed++
		}
	}
	return res, nil
}

// InvoiceStatusChanged reacts to the ledger's status events: an invoice
// turning overdue opens (and immediately evaluates) its case, paid
// resolves it, void abandons it.
func (e *Engine) InvoiceStatusChanged(ctx context.Context, p event.InvoiceStatusChanged) error {
	switch invoice.Status(p.To) {
	case invoice.StatusOverdue:
		inv, err := e.store.GetInvoice(ctx, p.InvoiceID)
		if err != nil {
			return fmt.Errorf("dunning: %w", err)
		}
		if inv.Status == invoice.StatusPaid || inv.Status == invoice.StatusVoid {
			return nil
		}
		c, _, err := e.Open(ctx, inv)
		if err != nil || c == nil {
			return err
		}
		_, err = e.Evaluate(ctx, c.ID)
		return err

	case invoice.StatusPaid:
		return e.closeForInvoice(ctx, p.InvoiceID, StatusResolved, "invoice paid")

	case invoice.StatusVoid:
		return e.closeForInvoice(ctx, p.InvoiceID, StatusAbandoned, "invoice voided")
	}
	return nil
}

func (e *Engine) closeForInvoice(ctx context.Context, invID id.InvoiceID, to Status, reason string) error {
	c, err := e.store.GetActiveCaseForInvoice(ctx, invID)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("dunning: %w", err)
	}
	return e.close(ctx, c.ID, to, reason)
}

// Pause puts an open case on hold and disarms its step deadline.
func (e *Engine) Pause(ctx context.Context, caseID id.DunningCaseID) error {
	err := e.store.RunInTx(ctx, func(ctx context.Context) error {
		if err := e.store.UpdateCaseStatus(ctx, caseID, StatusOpen, StatusPaused, "", e.now()); err != nil {
			return err
		}
		if e.scheduler == nil {
			return nil
		}
		return e.scheduler.Cancel(ctx, timer.SubjectDunningCase, caseID.String())
	})
	if errors.Is(err, ErrStaleCase) {
		return fmt.Errorf("dunning: pause %s: %w", caseID, ErrCaseNotOpen)
	}
	if err != nil {
		return fmt.Errorf("dunning: pause %s: %w", caseID, err)
	}
	e.logger.Info("dunning case paused", "case_id", caseID.String())
	return nil
}

// Resume reopens a paused case and evaluates it at once, which also
// re-arms its step deadline.
func (e *Engine) Resume(ctx context.Context, caseID id.DunningCaseID) (*Execution, error) {
	err := e.store.UpdateCaseStatus(ctx, caseID, StatusPaused, StatusOpen, "", e.now())
	if errors.Is(err, ErrStaleCase) {
		return nil, fmt.Errorf("dunning: resume %s: %w", caseID, ErrCaseNotPaused)
	}
	if err != nil {
		return nil, fmt.Errorf("dunning: resume %s: %w", caseID, err)
	}
	e.logger.Info("dunning case resumed", "case_id", caseID.String())
	return e.Evaluate(ctx, caseID)
}

// Abandon closes an open or paused case without collecting.
func (e *Engine) Abandon(ctx context.Context, caseID id.DunningCaseID, reason string) error {
	if reason == "" {
		reason = "abandoned by operator"
	}
	return e.close(ctx, caseID, StatusAbandoned, reason)
}

// close moves a case to a closed status, appends dunning.resolved and
// disarms its deadline, all in one transaction. Closing a closed case is
// an error only if it was closed with a different outcome.
func (e *Engine) close(ctx context.Context, caseID id.DunningCaseID, to Status, reason string) error {
	for attempt := 0; attempt < 3; attempt++ {
		c, err := e.store.GetCase(ctx, caseID)
		if err != nil {
			return fmt.Errorf("dunning: close %s: %w", caseID, err)
		}
		if c.Status.IsClosed() {
			if c.Status == to {
				return nil
			}
			return fmt.Errorf("dunning: close %s: %w (%s)", caseID, ErrCaseClosed, c.Status)
		}

		now := e.now()
		err = e.store.RunInTx(ctx, func(ctx context.Context) error {
			if err := e.store.UpdateCaseStatus(ctx, c.ID, c.Status, to, reason, now); err != nil {
				return err
			}

			ev, err := event.New(event.DunningResolved{
				CaseID:    c.ID,
				AccountID: c.AccountID,
				InvoiceID: c.InvoiceID,
				Outcome:   string(to),
				StepIndex: c.CurrentStepIndex,
				Enforced:  c.Enforced,
			}, now)
			if err != nil {
				return err
			}
			if err := e.store.AppendEvent(ctx, ev); err != nil {
				return err
			}

			if e.scheduler == nil {
				return nil
			}
			return e.scheduler.Cancel(ctx, timer.SubjectDunningCase, c.ID.String())
		})
		if errors.Is(err, ErrStaleCase) {
			continue
		}
		if err != nil {
			return fmt.Errorf("dunning: close %s: %w", caseID, err)
		}

		c.Status = to
		c.ClosedAt = &now
		c.CloseReason = reason
		c.Touch(now)

		e.logger.Info("dunning case closed",
			"case_id", c.ID.String(),
			"invoice_id", c.InvoiceID.String(),
			"status", string(to),
			"reason", reason,
		)
		if e.hooks != nil {
			e.hooks.EmitDunningCaseClosed(ctx, c)
		}
		return nil
	}
	return fmt.Errorf("dunning: close %s: %w", caseID, ErrStaleCase)
}
