package extension

import (
	"github.com/xraph/grove"

	"github.com/xraph/tollgate"
	"github.com/xraph/tollgate/enforcement"
	"github.com/xraph/tollgate/plugin"
	"github.com/xraph/tollgate/store"
)

// Option configures the Tollgate Forge extension.
type Option func(*Extension)

// WithStore sets the store for the engine.
func WithStore(s store.Store) Option {
	return func(e *Extension) {
		e.store = s
	}
}

// WithGroveDatabase backs the engine with the store for db's driver.
func WithGroveDatabase(db *grove.DB) Option {
	return func(e *Extension) {
		e.groveDB = db
	}
}

// WithNetwork sets the AAA protocol capability. Without it the extension
// builds a RADIUS client from the config.
func WithNetwork(n enforcement.Network) Option {
	return func(e *Extension) {
		e.network = n
	}
}

// WithEngineOption passes a tollgate.Option through to the engine.
func WithEngineOption(opt tollgate.Option) Option {
	return func(e *Extension) {
		e.engineOpts = append(e.engineOpts, opt)
	}
}

// WithPlugin registers a tollgate plugin.
func WithPlugin(p plugin.Plugin) Option {
	return func(e *Extension) {
		e.engineOpts = append(e.engineOpts, tollgate.WithPlugin(p))
	}
}

// WithConfig sets the Forge extension configuration.
func WithConfig(cfg Config) Option {
	return func(e *Extension) { e.config = cfg }
}

// WithDisableMigrate prevents auto-migration on start.
func WithDisableMigrate() Option {
	return func(e *Extension) { e.config.DisableMigrate = true }
}

// WithDisableWorkers registers the engine without running its workers.
func WithDisableWorkers() Option {
	return func(e *Extension) { e.config.DisableWorkers = true }
}

// WithRadiusSecret sets the RADIUS shared secret.
func WithRadiusSecret(secret string) Option {
	return func(e *Extension) { e.config.RadiusSecret = secret }
}

// WithRequireConfig requires config to be present in YAML files.
// If true and no config is found, Register returns an error.
func WithRequireConfig(require bool) Option {
	return func(e *Extension) { e.config.RequireConfig = require }
}
