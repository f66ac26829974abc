package main

import (
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xraph/tollgate"
	"github.com/xraph/tollgate/radius"
)

func newViper(t *testing.T, yaml string) *viper.Viper {
	t.Helper()
	v := viper.New()
	setDefaults(v)
	v.SetConfigType("yaml")
	require.NoError(t, v.ReadConfig(strings.NewReader(yaml)))
	return v
}

func TestLoadConfig(t *testing.T) {
	v := newViper(t, `
store:
  driver: sqlite
  dsn: /var/lib/tollgate/tollgate.db
radius:
  secret: testing123
engine:
  workers: 8
  poll_interval: 250ms
  dunning_schedule: "off"
`)

	cfg, err := loadConfig(v)
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "testing123", cfg.Radius.Secret)
	assert.Equal(t, 3799, cfg.Radius.CoAPort)
	assert.Equal(t, "radacct", cfg.Radius.AccountingTable)
	assert.Equal(t, 8, cfg.Engine.Workers)
	assert.Equal(t, 250*time.Millisecond, cfg.Engine.PollInterval)
	assert.Equal(t, tollgate.ScheduleOff, cfg.Engine.DunningSchedule)
	assert.Equal(t, tollgate.DefaultConfig().BatchSize, cfg.Engine.BatchSize)
}

func TestLoadConfigEnvOverride(t *testing.T) {
	t.Setenv("TOLLGATE_ENGINE_WORKERS", "16")
	t.Setenv("TOLLGATE_STORE_DSN", "postgres://localhost/tollgate")

	v := newViper(t, "store:\n  driver: postgres\n")
	v.SetEnvPrefix("TOLLGATE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg, err := loadConfig(v)
	require.NoError(t, err)
	assert.Equal(t, 16, cfg.Engine.Workers)
	assert.Equal(t, "postgres://localhost/tollgate", cfg.Store.DSN)
}

func TestLoadConfigErrors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"unknown driver", "store:\n  driver: oracle\n  dsn: x\n", "unknown store driver"},
		{"missing dsn", "store:\n  driver: sqlite\n", "store.dsn is required"},
		{"invalid engine", "store:\n  driver: sqlite\n  dsn: x\nengine:\n  overdue_schedule: every tuesday\n", "overdue_schedule"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := loadConfig(newViper(t, tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestNewLogger(t *testing.T) {
	var cfg appConfig
	cfg.Log.Format = "json"
	cfg.Log.Level = "warn"
	logger, err := newLogger(cfg)
	require.NoError(t, err)
	assert.False(t, logger.Enabled(t.Context(), -4))

	cfg.Log.Format = "xml"
	_, err = newLogger(cfg)
	assert.Error(t, err)

	cfg.Log.Format = "text"
	cfg.Log.Level = "loud"
	_, err = newLogger(cfg)
	assert.Error(t, err)
}

func TestAccountingDSN(t *testing.T) {
	var cfg appConfig
	cfg.Store.Driver = "sqlite"
	cfg.Store.DSN = "/var/lib/tollgate/tollgate.db"
	assert.Empty(t, accountingDSN(cfg))

	cfg.Store.Driver = "postgres"
	cfg.Store.DSN = "postgres://localhost/tollgate"
	assert.Equal(t, "postgres://localhost/tollgate", accountingDSN(cfg))

	cfg.Radius.AccountingDSN = "postgres://localhost/radius"
	assert.Equal(t, "postgres://localhost/radius", accountingDSN(cfg))
}

func TestOpenLocatorWithoutAccountingDatabase(t *testing.T) {
	var cfg appConfig
	cfg.Store.Driver = "sqlite"
	locator, acct, err := openLocator(t.Context(), cfg)
	require.NoError(t, err)
	assert.Nil(t, acct)
	assert.IsType(t, &radius.MemoryLocator{}, locator)
}
