package tollgate_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xraph/tollgate"
)

func TestDefaultConfigIsValid(t *testing.T) {
	require.NoError(t, tollgate.DefaultConfig().Validate())
	assert.Equal(t, tollgate.DefaultConfig(), tollgate.Config{}.WithDefaults())
}

func TestWithDefaultsKeepsSetFields(t *testing.T) {
	cfg := tollgate.Config{Workers: 16, ThrottleProfile: "64k/64k", DunningSchedule: tollgate.ScheduleOff}.WithDefaults()
	assert.Equal(t, 16, cfg.Workers)
	assert.Equal(t, "64k/64k", cfg.ThrottleProfile)
	assert.Equal(t, tollgate.ScheduleOff, cfg.DunningSchedule)
	assert.Equal(t, tollgate.DefaultConfig().BatchSize, cfg.BatchSize)
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*tollgate.Config)
		field  string
	}{
		{"zero workers", func(c *tollgate.Config) { c.Workers = 0 }, "workers"},
		{"negative batch", func(c *tollgate.Config) { c.BatchSize = -1 }, "batch_size"},
		{"zero poll interval", func(c *tollgate.Config) { c.PollInterval = 0 }, "poll_interval"},
		{"backoff max below initial", func(c *tollgate.Config) { c.BackoffMax = time.Second }, "backoff_max"},
		{"protocol timeout too long", func(c *tollgate.Config) { c.ProtocolTimeout = time.Minute }, "protocol_timeout"},
		{"lease too short", func(c *tollgate.Config) { c.Lease = 10 * time.Second }, "lease"},
		{"bad dunning schedule", func(c *tollgate.Config) { c.DunningSchedule = "every tuesday" }, "dunning_schedule"},
		{"bad overdue schedule", func(c *tollgate.Config) { c.OverdueSchedule = "61 * * * *" }, "overdue_schedule"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := tollgate.DefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.ErrorIs(t, err, tollgate.ErrInvalidConfig)
			assert.Contains(t, err.Error(), tt.field)
		})
	}
}

func TestScheduleOffSkipsParsing(t *testing.T) {
	cfg := tollgate.DefaultConfig()
	cfg.DunningSchedule = tollgate.ScheduleOff
	cfg.OverdueSchedule = "@daily"
	assert.NoError(t, cfg.Validate())
}
