package tollgate

import (
	"log/slog"

	"go.opentelemetry.io/otel/trace"

	"github.com/xraph/tollgate/dunning"
	"github.com/xraph/tollgate/enforcement"
	"github.com/xraph/tollgate/notify"
	"github.com/xraph/tollgate/plugin"
	"github.com/xraph/tollgate/types"
)

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger for the engine and every component.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
		e.plugins.WithLogger(logger)
	}
}

// WithConfig replaces the config. Zero fields take their defaults.
func WithConfig(cfg Config) Option {
	return func(e *Engine) { e.config = cfg }
}

// WithClock drives every component from c.
func WithClock(c types.Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// WithPlugin registers a plugin.
func WithPlugin(p plugin.Plugin) Option {
	return func(e *Engine) {
		if err := e.plugins.Register(p); err != nil {
			e.optErrs = append(e.optErrs, err)
		}
	}
}

// WithNetwork sets the AAA protocol capability used for enforcement.
func WithNetwork(n enforcement.Network) Option {
	return func(e *Engine) { e.network = n }
}

// WithPolicies sets the dunning policy source. It takes precedence over
// Config.PolicyFile.
func WithPolicies(src dunning.PolicySource) Option {
	return func(e *Engine) { e.policies = src }
}

// WithPolicyResolver picks the policy set per invoice instead of
// Config.DefaultPolicySet.
func WithPolicyResolver(r dunning.PolicyResolver) Option {
	return func(e *Engine) { e.resolver = r }
}

// WithNotifier sets where dunning notifications go. Without it, notifier
// plugins receive them, or the log when there are none.
func WithNotifier(n notify.Notifier) Option {
	return func(e *Engine) { e.notifier = n }
}

// WithTracerProvider sets the tracer provider for dispatch and
// enforcement spans.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(e *Engine) { e.tracerProvider = tp }
}
