package main

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/xraph/tollgate"
	"github.com/xraph/tollgate/radius"
)

// appConfig is the command's configuration: the engine's plus how to
// reach the store, the network and the metrics listener.
type appConfig struct {
	Store struct {
		Driver string `mapstructure:"driver"`
		DSN    string `mapstructure:"dsn"`
	} `mapstructure:"store"`

	Log struct {
		Format string `mapstructure:"format"`
		Level  string `mapstructure:"level"`
	} `mapstructure:"log"`

	Radius struct {
		Secret          string `mapstructure:"secret"`
		CoAPort         int    `mapstructure:"coa_port"`
		AccountingTable string `mapstructure:"accounting_table"`
		AccountingDSN   string `mapstructure:"accounting_dsn"`
	} `mapstructure:"radius"`

	Metrics struct {
		Addr string `mapstructure:"addr"`
	} `mapstructure:"metrics"`

	Audit struct {
		Enabled bool `mapstructure:"enabled"`
	} `mapstructure:"audit"`

	Engine tollgate.Config `mapstructure:"engine"`
}

// setupViper loads .env, then the config file, then TOLLGATE_* variables.
// A missing .env or default config file is not an error.
func setupViper(v *viper.Viper, file string) error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load .env: %w", err)
	}

	setDefaults(v)
	v.SetEnvPrefix("TOLLGATE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("tollgate")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/tollgate")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if file != "" || !errors.As(err, &notFound) {
			return fmt.Errorf("read config: %w", err)
		}
	}
	return nil
}

// setDefaults registers every key so environment variables can override
// keys that appear in no config file.
func setDefaults(v *viper.Viper) {
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.dsn", "")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.level", "info")
	v.SetDefault("radius.secret", "")
	v.SetDefault("radius.coa_port", radius.DefaultCoAPort)
	v.SetDefault("radius.accounting_table", "radacct")
	v.SetDefault("radius.accounting_dsn", "")
	v.SetDefault("metrics.addr", "")
	v.SetDefault("audit.enabled", false)

	d := tollgate.DefaultConfig()
	for key, val := range map[string]any{
		"batch_size":           d.BatchSize,
		"workers":              d.Workers,
		"poll_interval":        d.PollInterval,
		"max_attempts":         d.MaxAttempts,
		"lease":                d.Lease,
		"handler_timeout":      d.HandlerTimeout,
		"backoff_initial":      d.BackoffInitial,
		"backoff_max":          d.BackoffMax,
		"protocol_timeout":     d.ProtocolTimeout,
		"throttle_profile":     d.ThrottleProfile,
		"reauth_on_reactivate": d.ReauthOnReactivate,
		"timer_interval":       d.TimerInterval,
		"timer_batch_size":     d.TimerBatchSize,
		"dunning_schedule":     d.DunningSchedule,
		"overdue_schedule":     d.OverdueSchedule,
		"scan_batch_size":      d.ScanBatchSize,
		"default_policy_set":   d.DefaultPolicySet,
		"policy_file":          d.PolicyFile,
		"policy_cache_size":    d.PolicyCacheSize,
		"notify_attempts":      d.NotifyAttempts,
		"hook_timeout":         d.HookTimeout,
	} {
		v.SetDefault("engine."+key, val)
	}
}

func loadConfig(v *viper.Viper) (appConfig, error) {
	var cfg appConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, fmt.Errorf("decode config: %w", err)
	}
	cfg.Engine = cfg.Engine.WithDefaults()
	if err := cfg.Engine.Validate(); err != nil {
		return cfg, err
	}
	switch cfg.Store.Driver {
	case "postgres", "sqlite":
	default:
		return cfg, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
	if cfg.Store.DSN == "" {
		return cfg, errors.New("store.dsn is required")
	}
	return cfg, nil
}

func newLogger(cfg appConfig) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Log.Level)); err != nil {
		return nil, fmt.Errorf("log.level: %w", err)
	}
	opts := &slog.HandlerOptions{Level: level}

	switch cfg.Log.Format {
	case "json":
		return slog.New(slog.NewJSONHandler(os.Stderr, opts)), nil
	case "text", "":
		return slog.New(slog.NewTextHandler(os.Stderr, opts)), nil
	default:
		return nil, fmt.Errorf("log.format: unknown format %q", cfg.Log.Format)
	}
}
