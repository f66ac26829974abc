// Package extension provides the Forge extension adapter for Tollgate.
//
// It implements the forge.Extension interface to integrate the billing
// core into a Forge application with DI registration and lifecycle
// management.
//
// Configuration can be provided programmatically via Option functions
// or via YAML configuration files under "extensions.tollgate" or "tollgate" keys.
package extension

import (
	"context"
	"errors"

	"github.com/xraph/forge"
	"github.com/xraph/grove"
	"github.com/xraph/vessel"

	"github.com/xraph/tollgate"
	"github.com/xraph/tollgate/enforcement"
	"github.com/xraph/tollgate/radius"
	"github.com/xraph/tollgate/store"
	"github.com/xraph/tollgate/store/memory"
	"github.com/xraph/tollgate/store/mongo"
	"github.com/xraph/tollgate/store/postgres"
	"github.com/xraph/tollgate/store/sqlite"
)

// ExtensionName is the name registered with Forge.
const ExtensionName = "tollgate"

// ExtensionDescription is the human-readable description.
const ExtensionDescription = "Event-driven billing, dunning and RADIUS enforcement"

// ExtensionVersion is the semantic version.
const ExtensionVersion = "0.1.0"

// Ensure Extension implements forge.Extension at compile time.
var _ forge.Extension = (*Extension)(nil)

// Extension adapts Tollgate as a Forge extension.
type Extension struct {
	*forge.BaseExtension

	config     Config
	engine     *tollgate.Engine
	store      store.Store
	groveDB    *grove.DB
	network    enforcement.Network
	locator    *radius.AccountingLocator
	engineOpts []tollgate.Option
}

// New creates a new Tollgate Forge extension with the given options.
func New(opts ...Option) *Extension {
	e := &Extension{
		BaseExtension: forge.NewBaseExtension(ExtensionName, ExtensionVersion, ExtensionDescription),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Engine returns the underlying engine.
// This is nil until Register is called.
func (e *Extension) Engine() *tollgate.Engine { return e.engine }

// Register implements [forge.Extension]. It loads configuration,
// builds the engine, and registers it in the DI container.
func (e *Extension) Register(fapp forge.App) error {
	if err := e.BaseExtension.Register(fapp); err != nil {
		return err
	}

	if err := e.loadConfiguration(); err != nil {
		return err
	}

	e.store = e.resolveStore()
	if e.network == nil {
		network, err := e.defaultNetwork()
		if err != nil {
			return err
		}
		e.network = network
	}

	opts := make([]tollgate.Option, 0, len(e.engineOpts)+2)
	opts = append(opts, tollgate.WithConfig(e.config.Engine), tollgate.WithNetwork(e.network))
	opts = append(opts, e.engineOpts...)

	eng, err := tollgate.New(e.store, opts...)
	if err != nil {
		return err
	}
	e.engine = eng

	return vessel.Provide(fapp.Container(), func() (*tollgate.Engine, error) {
		return e.engine, nil
	})
}

// resolveStore picks the store: explicit, then a grove database by its
// driver, then an in-memory store.
func (e *Extension) resolveStore() store.Store {
	switch {
	case e.store != nil:
		return e.store
	case e.groveDB != nil:
		return storeFor(e.groveDB)
	default:
		e.Logger().Warn("tollgate: no store configured, using in-memory store")
		return memory.New()
	}
}

func storeFor(db *grove.DB) store.Store {
	switch db.Driver().Name() {
	case "pg":
		return postgres.New(db)
	case "sqlite":
		return sqlite.New(db)
	default:
		return mongo.New(db)
	}
}

// defaultNetwork builds a RADIUS client. Live sessions come from the
// accounting database when one is configured; otherwise nothing is known
// about sessions and enforcement only flips authorization.
func (e *Extension) defaultNetwork() (enforcement.Network, error) {
	var locator radius.SessionLocator = radius.NewMemoryLocator()
	if e.config.AccountingDSN != "" {
		l, err := radius.OpenAccountingLocator(context.Background(), e.config.AccountingDSN,
			radius.WithTable(e.config.AccountingTable),
			radius.WithCoAPort(e.config.RadiusCoAPort),
		)
		if err != nil {
			return nil, err
		}
		e.locator = l
		locator = l
	}
	if e.config.RadiusSecret == "" {
		e.Logger().Warn("tollgate: radius_secret is empty, network devices will reject requests")
	}
	return radius.NewClient(locator, []byte(e.config.RadiusSecret)), nil
}

// Start implements [forge.Extension].
func (e *Extension) Start(ctx context.Context) error {
	if e.engine == nil {
		return errors.New("tollgate: extension not initialized")
	}

	if !e.config.DisableMigrate {
		if err := e.store.Migrate(ctx); err != nil {
			return err
		}
	}

	if !e.config.DisableWorkers {
		if err := e.engine.Start(ctx); err != nil {
			return err
		}
	}

	e.MarkStarted()
	return nil
}

// Stop implements [forge.Extension].
func (e *Extension) Stop(ctx context.Context) error {
	defer e.MarkStopped()
	if e.locator != nil {
		defer e.locator.Close()
	}
	if e.engine == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, e.config.StopTimeout)
	defer cancel()

	err := e.engine.Stop(ctx)
	if errors.Is(err, tollgate.ErrNotStarted) {
		return e.store.Close()
	}
	return err
}

// Health implements [forge.Extension].
func (e *Extension) Health(ctx context.Context) error {
	if e.store == nil {
		return errors.New("tollgate: store not initialized")
	}
	return e.store.Ping(ctx)
}

// --- Config Loading ---

// loadConfiguration loads config from YAML files or programmatic sources.
func (e *Extension) loadConfiguration() error {
	programmaticConfig := e.config

	fileConfig, configLoaded := e.tryLoadFromConfigFile()

	if !configLoaded {
		if programmaticConfig.RequireConfig {
			return errors.New("tollgate: configuration is required but not found in config files; " +
				"ensure 'extensions.tollgate' or 'tollgate' key exists in your config")
		}
		e.config = mergeWithDefaults(programmaticConfig)
	} else {
		e.config = mergeConfigurations(fileConfig, programmaticConfig)
	}

	e.Logger().Debug("tollgate: configuration loaded",
		forge.F("disable_migrate", e.config.DisableMigrate),
		forge.F("disable_workers", e.config.DisableWorkers),
		forge.F("workers", e.config.Engine.Workers),
		forge.F("batch_size", e.config.Engine.BatchSize),
		forge.F("dunning_schedule", e.config.Engine.DunningSchedule),
		forge.F("radius_coa_port", e.config.RadiusCoAPort),
	)

	return e.config.Engine.Validate()
}

// tryLoadFromConfigFile attempts to load config from YAML files.
func (e *Extension) tryLoadFromConfigFile() (Config, bool) {
	cm := e.App().Config()

	for _, key := range []string{"extensions.tollgate", "tollgate"} {
		if !cm.IsSet(key) {
			continue
		}
		var cfg Config
		if err := cm.Bind(key, &cfg); err != nil {
			e.Logger().Warn("tollgate: failed to bind config",
				forge.F("key", key),
				forge.F("error", err.Error()),
			)
			continue
		}
		e.Logger().Debug("tollgate: loaded config from file", forge.F("key", key))
		return cfg, true
	}

	return Config{}, false
}

// mergeWithDefaults fills zero-valued fields with defaults.
func mergeWithDefaults(cfg Config) Config {
	defaults := DefaultConfig()
	cfg.Engine = cfg.Engine.WithDefaults()
	if cfg.RadiusCoAPort == 0 {
		cfg.RadiusCoAPort = defaults.RadiusCoAPort
	}
	if cfg.AccountingTable == "" {
		cfg.AccountingTable = defaults.AccountingTable
	}
	if cfg.StopTimeout == 0 {
		cfg.StopTimeout = defaults.StopTimeout
	}
	return cfg
}

// mergeConfigurations merges YAML config with programmatic options.
// YAML config takes precedence; programmatic values fill gaps.
func mergeConfigurations(yamlConfig, programmaticConfig Config) Config {
	if programmaticConfig.DisableMigrate {
		yamlConfig.DisableMigrate = true
	}
	if programmaticConfig.DisableWorkers {
		yamlConfig.DisableWorkers = true
	}
	if yamlConfig.RadiusSecret == "" {
		yamlConfig.RadiusSecret = programmaticConfig.RadiusSecret
	}
	if yamlConfig.RadiusCoAPort == 0 {
		yamlConfig.RadiusCoAPort = programmaticConfig.RadiusCoAPort
	}
	if yamlConfig.AccountingDSN == "" {
		yamlConfig.AccountingDSN = programmaticConfig.AccountingDSN
	}
	if yamlConfig.AccountingTable == "" {
		yamlConfig.AccountingTable = programmaticConfig.AccountingTable
	}
	if yamlConfig.StopTimeout == 0 {
		yamlConfig.StopTimeout = programmaticConfig.StopTimeout
	}
	if yamlConfig.Engine == (tollgate.Config{}) {
		yamlConfig.Engine = programmaticConfig.Engine
	}

	return mergeWithDefaults(yamlConfig)
}
