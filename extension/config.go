package extension

import (
	"time"

	"github.com/xraph/tollgate"
	"github.com/xraph/tollgate/radius"
)

// Config holds the Tollgate extension configuration.
// Fields can be set programmatically via Option functions or loaded from
// YAML configuration files (under "extensions.tollgate" or "tollgate" keys).
type Config struct {
	// Engine tunes the dispatcher, timers, dunning and enforcement.
	Engine tollgate.Config `json:"engine" mapstructure:"engine" yaml:"engine"`

	// DisableMigrate prevents auto-migration on start.
	DisableMigrate bool `json:"disable_migrate" mapstructure:"disable_migrate" yaml:"disable_migrate"`

	// DisableWorkers registers the engine without starting its background
	// workers, for processes that only publish events.
	DisableWorkers bool `json:"disable_workers" mapstructure:"disable_workers" yaml:"disable_workers"`

	// RadiusSecret is the shared secret for CoA and Disconnect-Request.
	RadiusSecret string `json:"radius_secret" mapstructure:"radius_secret" yaml:"radius_secret"`

	// RadiusCoAPort is the dynamic authorization port of the NAS devices
	// (default: 3799).
	RadiusCoAPort int `json:"radius_coa_port" mapstructure:"radius_coa_port" yaml:"radius_coa_port"`

	// AccountingDSN is the PostgreSQL database holding the radacct table.
	// Empty means no live sessions are known.
	AccountingDSN string `json:"accounting_dsn" mapstructure:"accounting_dsn" yaml:"accounting_dsn"`

	// AccountingTable is the radacct table live sessions are read from
	// (default: "radacct").
	AccountingTable string `json:"accounting_table" mapstructure:"accounting_table" yaml:"accounting_table"`

	// StopTimeout bounds how long Stop waits for in-flight deliveries
	// (default: 30s).
	StopTimeout time.Duration `json:"stop_timeout" mapstructure:"stop_timeout" yaml:"stop_timeout"`

	// RequireConfig requires config to be present in YAML files.
	// If true and no config is found, Register returns an error.
	RequireConfig bool `json:"-" yaml:"-"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Engine:          tollgate.DefaultConfig(),
		RadiusCoAPort:   radius.DefaultCoAPort,
		AccountingTable: "radacct",
		StopTimeout:     30 * time.Second,
	}
}
