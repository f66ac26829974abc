package extension

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/xraph/tollgate"
)

func TestMergeWithDefaults(t *testing.T) {
	cfg := mergeWithDefaults(Config{RadiusSecret: "s3cret"})

	assert.Equal(t, "s3cret", cfg.RadiusSecret)
	assert.Equal(t, 3799, cfg.RadiusCoAPort)
	assert.Equal(t, "radacct", cfg.AccountingTable)
	assert.Equal(t, 30*time.Second, cfg.StopTimeout)
	assert.Equal(t, tollgate.DefaultConfig(), cfg.Engine)
}

func TestMergeConfigurations(t *testing.T) {
	tests := []struct {
		name         string
		yaml         Config
		programmatic Config
		check        func(t *testing.T, got Config)
	}{
		{
			name:         "programmatic flags win when set",
			yaml:         Config{},
			programmatic: Config{DisableMigrate: true, DisableWorkers: true},
			check: func(t *testing.T, got Config) {
				assert.True(t, got.DisableMigrate)
				assert.True(t, got.DisableWorkers)
			},
		},
		{
			name:         "yaml values take precedence",
			yaml:         Config{RadiusSecret: "from-file", RadiusCoAPort: 1700},
			programmatic: Config{RadiusSecret: "from-code", RadiusCoAPort: 3799},
			check: func(t *testing.T, got Config) {
				assert.Equal(t, "from-file", got.RadiusSecret)
				assert.Equal(t, 1700, got.RadiusCoAPort)
			},
		},
		{
			name:         "programmatic accounting database fills an empty yaml one",
			yaml:         Config{AccountingTable: "radacct_live"},
			programmatic: Config{AccountingDSN: "postgres://localhost/radius"},
			check: func(t *testing.T, got Config) {
				assert.Equal(t, "postgres://localhost/radius", got.AccountingDSN)
				assert.Equal(t, "radacct_live", got.AccountingTable)
			},
		},
		{
			name:         "programmatic engine config fills an empty yaml one",
			yaml:         Config{},
			programmatic: Config{Engine: tollgate.Config{Workers: 9}},
			check: func(t *testing.T, got Config) {
				assert.Equal(t, 9, got.Engine.Workers)
				assert.Equal(t, tollgate.DefaultConfig().BatchSize, got.Engine.BatchSize)
			},
		},
		{
			name:         "yaml engine config is kept whole",
			yaml:         Config{Engine: tollgate.Config{BatchSize: 10}},
			programmatic: Config{Engine: tollgate.Config{Workers: 9}},
			check: func(t *testing.T, got Config) {
				assert.Equal(t, 10, got.Engine.BatchSize)
				assert.Equal(t, tollgate.DefaultConfig().Workers, got.Engine.Workers)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.check(t, mergeConfigurations(tt.yaml, tt.programmatic))
		})
	}
}
