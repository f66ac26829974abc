package enforcement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/xraph/tollgate/dunning"
	"github.com/xraph/tollgate/event"
	"github.com/xraph/tollgate/id"
	"github.com/xraph/tollgate/subscription"
	"github.com/xraph/tollgate/types"
)

// ExecutorStore is what the executor needs from persistence.
type ExecutorStore interface {
	Store
	subscription.Store
	ListCases(ctx context.Context, opts dunning.ListOpts) ([]*dunning.Case, error)
	event.Appender
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// Hooks receives notifications after an attempt is recorded.
type Hooks interface {
	EmitEnforcementApplied(ctx context.Context, a *Action)
	EmitEnforcementFailed(ctx context.Context, a *Action, err error)
}

// Executor applies enforcement actions over a Network.
type Executor struct {
	store   ExecutorStore
	network Network
	hooks   Hooks
	logger  *slog.Logger
	clock   types.Clock
	tracer  trace.Tracer

	protocolTimeout time.Duration
	throttleProfile string
	reauth          bool
}

// Option configures an Executor.
type Option func(*Executor)

func WithLogger(l *slog.Logger) Option { return func(x *Executor) { x.logger = l } }
func WithClock(c types.Clock) Option   { return func(x *Executor) { x.clock = c } }
func WithHooks(h Hooks) Option         { return func(x *Executor) { x.hooks = h } }

// WithTracerProvider sets the tracer provider. Defaults to the global one.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(x *Executor) { x.tracer = tp.Tracer("github.com/xraph/tollgate/enforcement") }
}

// WithProtocolTimeout bounds each protocol exchange. Keep it below the
// dispatcher's handler timeout so one slow device cannot use up a whole
// attempt.
func WithProtocolTimeout(d time.Duration) Option {
	return func(x *Executor) {
		if d > 0 {
			x.protocolTimeout = d
		}
	}
}

// WithThrottleProfile sets the rate profile a throttle applies.
func WithThrottleProfile(profile string) Option {
	return func(x *Executor) { x.throttleProfile = profile }
}

// WithReauthOnReactivate disconnects live sessions on reactivation so
// they re-authenticate with full service.
func WithReauthOnReactivate(enabled bool) Option {
	return func(x *Executor) { x.reauth = enabled }
}

// NewExecutor creates an Executor.
func NewExecutor(s ExecutorStore, network Network, opts ...Option) *Executor {
	x := &Executor{
		store:           s,
		network:         network,
		logger:          slog.Default(),
		clock:           types.SystemClock,
		tracer:          otel.Tracer("github.com/xraph/tollgate/enforcement"),
		protocolTimeout: 5 * time.Second,
		throttleProfile: "256k/256k",
	}
	for _, opt := range opts {
		opt(x)
	}
	return x
}

func (x *Executor) now() time.Time {
	return x.clock.Now().UTC().Truncate(time.Microsecond)
}

// Request asks for one action.
type Request struct {
	SubscriptionID id.SubscriptionID
	AccountID      id.AccountID
	CaseID         id.DunningCaseID
	Kind           Kind
	StepIndex      int
}

// Outcome is the result of Apply. Duplicate is set when the action was
// already applied and nothing was sent.
type Outcome struct {
	Action    *Action
	Duplicate bool
}

// Apply performs the action unless its idempotency key is already
// applied. A failed attempt is recorded on the action and returned as an
// error; the caller retries by calling Apply again.
func (x *Executor) Apply(ctx context.Context, req Request) (*Outcome, error) {
	if !req.Kind.IsValid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, req.Kind)
	}

	a, err := x.prepare(ctx, req)
	if err != nil {
		return nil, err
	}
	if a.Status == StatusApplied {
		x.logger.Debug("enforcement already applied",
			"idempotency_key", a.IdempotencyKey,
			"action_id", a.ID.String(),
		)
		return &Outcome{Action: a, Duplicate: true}, nil
	}

	sub, err := x.store.GetSubscription(ctx, req.SubscriptionID)
	if err != nil {
		return nil, fmt.Errorf("enforcement: %s: %w", a.IdempotencyKey, err)
	}

	if err := x.restrict(ctx, a, sub); err != nil {
		return nil, fmt.Errorf("enforcement: %s: %w", a.IdempotencyKey, err)
	}

	ctx, span := x.tracer.Start(ctx, "tollgate.enforce "+string(a.Kind),
		trace.WithAttributes(
			attribute.String("tollgate.subscription.id", sub.ID.String()),
			attribute.String("tollgate.enforcement.key", a.IdempotencyKey),
		),
	)
	sessions, perr := x.perform(ctx, a.Kind, sub)
	if perr != nil {
		span.RecordError(perr)
		span.SetStatus(codes.Error, perr.Error())
	}
	span.End()

	a.Attempts++
	a.Touch(x.now())
	if perr != nil {
		return &Outcome{Action: a}, x.fail(ctx, a, perr)
	}
	return &Outcome{Action: a}, x.succeed(ctx, a, sub, sessions)
}

// prepare loads the action for the request's key, creating it on first
// sight.
func (x *Executor) prepare(ctx context.Context, req Request) (*Action, error) {
	key := Key(req.SubscriptionID, req.Kind, req.StepIndex, req.CaseID)

	a, err := x.store.GetActionByKey(ctx, key)
	if err == nil {
		return a, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("enforcement: get %s: %w", key, err)
	}

	now := x.now()
	a = &Action{
		Entity:         types.NewEntity(now),
		ID:             id.NewEnforcementID(),
		IdempotencyKey: key,
		SubscriptionID: req.SubscriptionID,
		AccountID:      req.AccountID,
		CaseID:         req.CaseID,
		Kind:           req.Kind,
		StepIndex:      req.StepIndex,
		Status:         StatusRequested,
		RequestedAt:    now,
	}
	err = x.store.CreateAction(ctx, a)
	if errors.Is(err, ErrActionExists) {
		return x.store.GetActionByKey(ctx, key)
	}
	if err != nil {
		return nil, fmt.Errorf("enforcement: create %s: %w", key, err)
	}
	return a, nil
}

// restrict writes the authorization flags an action implies before any
// protocol message goes out, so a session that reconnects after a
// disconnect already meets the new decision.
func (x *Executor) restrict(ctx context.Context, a *Action, sub *subscription.Subscription) error {
	next := sub.Clone()
	switch a.Kind {
	case KindThrottle:
		next.Throttled = true
		next.BlockReason = "throttled for non-payment"
	case KindSuspend:
		next.Authorizable = false
		next.BlockReason = "suspended for non-payment"
	case KindReject:
		next.Authorizable = false
		next.BlockReason = "rejected for non-payment"
	case KindReactivate:
		next.Authorizable = true
		next.Throttled = false
		next.BlockReason = ""
	}
	if next.Authorizable == sub.Authorizable && next.Throttled == sub.Throttled && next.BlockReason == sub.BlockReason {
		return nil
	}

	now := x.now()
	next.Touch(now)
	return x.store.RunInTx(ctx, func(ctx context.Context) error {
		if err := x.store.UpdateSubscription(ctx, next); err != nil {
			return err
		}
		ev, err := event.New(event.SubscriptionAccessChanged{
			SubscriptionID: next.ID,
			AccountID:      next.AccountID,
			Authorizable:   next.Authorizable,
			Throttled:      next.Throttled,
			Reason:         string(a.Kind),
		}, now)
		if err != nil {
			return err
		}
		return x.store.AppendEvent(ctx, ev)
	})
}

// perform runs the protocol exchange for kind and returns how many
// sessions it acted on. sub holds the flags as they were before restrict.
func (x *Executor) perform(ctx context.Context, kind Kind, sub *subscription.Subscription) (int, error) {
	if kind == KindReject {
		return 0, nil
	}

	sessions, err := x.lookup(ctx, sub)
	if err != nil {
		return 0, err
	}

	switch kind {
	case KindThrottle:
		if len(sessions) == 0 {
			return 0, ErrNoSession
		}
		return x.each(ctx, sessions, func(ctx context.Context, s Session) error {
			return x.network.SendCoA(ctx, s, Attributes{RateProfile: x.throttleProfile})
		})

	case KindSuspend:
		return x.each(ctx, sessions, x.network.SendDisconnect)

	case KindReactivate:
		if x.reauth {
			return x.each(ctx, sessions, x.network.SendDisconnect)
		}
		throttled, err := x.wasThrottled(ctx, sub)
		if err != nil || !throttled {
			return 0, err
		}
		return x.each(ctx, sessions, func(ctx context.Context, s Session) error {
			return x.network.SendCoA(ctx, s, Attributes{RateProfile: sub.RateProfile})
		})
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
}

// wasThrottled reports whether live sessions may still carry the throttle
// profile. The flag alone is not enough: restrict clears it before the
// CoA goes out, so a retried reactivation finds it already false.
func (x *Executor) wasThrottled(ctx context.Context, sub *subscription.Subscription) (bool, error) {
	if sub.Throttled {
		return true, nil
	}
	actions, err := x.store.ListActions(ctx, ListOpts{SubscriptionID: sub.ID})
	if err != nil {
		return false, err
	}
	for _, a := range actions {
		if a.Kind == KindThrottle {
			return true, nil
		}
	}
	return false, nil
}

func (x *Executor) lookup(ctx context.Context, sub *subscription.Subscription) ([]Session, error) {
	var sessions []Session
	err := x.exchange(ctx, "lookup", func(ctx context.Context) error {
		var err error
		sessions, err = x.network.LookupActiveSessions(ctx, sub)
		return err
	})
	return sessions, err
}

// each sends one message per session under the protocol timeout. It stops
// at the first failure; already-acted sessions are acted on again on the
// next attempt, which both CoA and Disconnect tolerate.
func (x *Executor) each(ctx context.Context, sessions []Session, send func(context.Context, Session) error) (int, error) {
	for i, s := range sessions {
		err := x.exchange(ctx, s.NASAddress, func(ctx context.Context) error { return send(ctx, s) })
		if err != nil {
			return i, fmt.Errorf("session %s: %w", s.ID, err)
		}
	}
	return len(sessions), nil
}

// exchange runs one protocol call under the protocol timeout, mapping a
// timeout to ErrProtocolUnreachable.
func (x *Executor) exchange(ctx context.Context, target string, fn func(context.Context) error) error {
	pctx, cancel := context.WithTimeout(ctx, x.protocolTimeout)
	defer cancel()

	err := fn(pctx)
	if err != nil && errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		return fmt.Errorf("%w: %s after %s", ErrProtocolUnreachable, target, x.protocolTimeout)
	}
	return err
}

func (x *Executor) succeed(ctx context.Context, a *Action, sub *subscription.Subscription, sessions int) error {
	now := x.now()
	a.Status = StatusApplied
	a.LastError = ""
	a.Sessions = sessions
	a.AppliedAt = &now

	err := x.store.RunInTx(ctx, func(ctx context.Context) error {
		if err := x.store.UpdateAction(ctx, a); err != nil {
			return err
		}
		ev, err := event.New(event.EnforcementApplied{
			ActionID:       a.ID,
			SubscriptionID: a.SubscriptionID,
			AccountID:      sub.AccountID,
			Kind:           string(a.Kind),
			IdempotencyKey: a.IdempotencyKey,
			Sessions:       sessions,
		}, now)
		if err != nil {
			return err
		}
		return x.store.AppendEvent(ctx, ev)
	})
	if err != nil {
		return fmt.Errorf("enforcement: record applied %s: %w", a.IdempotencyKey, err)
	}

	x.logger.Info("enforcement applied",
		"action_id", a.ID.String(),
		"subscription_id", a.SubscriptionID.String(),
		"kind", string(a.Kind),
		"idempotency_key", a.IdempotencyKey,
		"sessions", sessions,
	)
	if x.hooks != nil {
		x.hooks.EmitEnforcementApplied(ctx, a)
	}
	return nil
}

// fail records a failed attempt and returns cause for the caller's retry
// path.
func (x *Executor) fail(ctx context.Context, a *Action, cause error) error {
	now := x.now()
	a.Status = StatusFailed
	a.LastError = cause.Error()

	err := x.store.RunInTx(ctx, func(ctx context.Context) error {
		if err := x.store.UpdateAction(ctx, a); err != nil {
			return err
		}
		ev, err := event.New(event.EnforcementFailed{
			ActionID:       a.ID,
			SubscriptionID: a.SubscriptionID,
			AccountID:      a.AccountID,
			Kind:           string(a.Kind),
			IdempotencyKey: a.IdempotencyKey,
			Attempts:       a.Attempts,
			Error:          cause.Error(),
			Retryable:      Retryable(cause),
		}, now)
		if err != nil {
			return err
		}
		return x.store.AppendEvent(ctx, ev)
	})
	if err != nil {
		return errors.Join(cause, fmt.Errorf("enforcement: record failure %s: %w", a.IdempotencyKey, err))
	}

	x.logger.Warn("enforcement failed",
		"action_id", a.ID.String(),
		"subscription_id", a.SubscriptionID.String(),
		"kind", string(a.Kind),
		"idempotency_key", a.IdempotencyKey,
		"attempt", a.Attempts,
		"error", cause,
	)
	if x.hooks != nil {
		x.hooks.EmitEnforcementFailed(ctx, a, cause)
	}
	return fmt.Errorf("enforcement: %s: %w", a.IdempotencyKey, cause)
}

// Retryable reports whether an apply error may succeed on a later attempt.
func Retryable(err error) bool {
	return errors.Is(err, ErrProtocolUnreachable) ||
		errors.Is(err, ErrNoSession) ||
		errors.Is(err, ErrRejected) ||
		errors.Is(err, context.DeadlineExceeded)
}

// Decision is an access decision for the AAA layer.
type Decision struct {
	Allowed     bool   `json:"allowed"`
	RateProfile string `json:"rate_profile,omitempty"`
	Reason      string `json:"reason,omitempty"`
}

// Authorize answers whether a subscription may start a session and with
// which rate profile.
func (x *Executor) Authorize(ctx context.Context, subID id.SubscriptionID) (Decision, error) {
	sub, err := x.store.GetSubscription(ctx, subID)
	if errors.Is(err, subscription.ErrNotFound) {
		return Decision{Reason: "unknown subscription"}, nil
	}
	if err != nil {
		return Decision{}, fmt.Errorf("enforcement: authorize %s: %w", subID, err)
	}

	switch {
	case sub.Status != subscription.StatusActive:
		return Decision{Reason: "subscription " + string(sub.Status)}, nil
	case !sub.Authorizable:
		return Decision{Reason: sub.BlockReason}, nil
	case sub.Throttled:
		return Decision{Allowed: true, RateProfile: x.throttleProfile, Reason: sub.BlockReason}, nil
	default:
		return Decision{Allowed: true, RateProfile: sub.RateProfile}, nil
	}
}
