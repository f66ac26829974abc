package tollgate

import (
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/xraph/tollgate/dispatch"
)

// Config tunes every background worker of the engine. It loads from YAML,
// JSON or environment through the mapstructure tags.
type Config struct {
	// Dispatcher
	BatchSize      int           `json:"batch_size" mapstructure:"batch_size" yaml:"batch_size"`
	Workers        int           `json:"workers" mapstructure:"workers" yaml:"workers"`
	PollInterval   time.Duration `json:"poll_interval" mapstructure:"poll_interval" yaml:"poll_interval"`
	MaxAttempts    int           `json:"max_attempts" mapstructure:"max_attempts" yaml:"max_attempts"`
	Lease          time.Duration `json:"lease" mapstructure:"lease" yaml:"lease"`
	HandlerTimeout time.Duration `json:"handler_timeout" mapstructure:"handler_timeout" yaml:"handler_timeout"`
	BackoffInitial time.Duration `json:"backoff_initial" mapstructure:"backoff_initial" yaml:"backoff_initial"`
	BackoffMax     time.Duration `json:"backoff_max" mapstructure:"backoff_max" yaml:"backoff_max"`

	// Enforcement
	ProtocolTimeout    time.Duration `json:"protocol_timeout" mapstructure:"protocol_timeout" yaml:"protocol_timeout"`
	ThrottleProfile    string        `json:"throttle_profile" mapstructure:"throttle_profile" yaml:"throttle_profile"`
	ReauthOnReactivate bool          `json:"reauth_on_reactivate" mapstructure:"reauth_on_reactivate" yaml:"reauth_on_reactivate"`

	// Timers
	TimerInterval  time.Duration `json:"timer_interval" mapstructure:"timer_interval" yaml:"timer_interval"`
	TimerBatchSize int           `json:"timer_batch_size" mapstructure:"timer_batch_size" yaml:"timer_batch_size"`

	// Dunning
	DunningSchedule  string `json:"dunning_schedule" mapstructure:"dunning_schedule" yaml:"dunning_schedule"`
	OverdueSchedule  string `json:"overdue_schedule" mapstructure:"overdue_schedule" yaml:"overdue_schedule"`
	ScanBatchSize    int    `json:"scan_batch_size" mapstructure:"scan_batch_size" yaml:"scan_batch_size"`
	DefaultPolicySet string `json:"default_policy_set" mapstructure:"default_policy_set" yaml:"default_policy_set"`
	PolicyFile       string `json:"policy_file" mapstructure:"policy_file" yaml:"policy_file"`
	PolicyCacheSize  int    `json:"policy_cache_size" mapstructure:"policy_cache_size" yaml:"policy_cache_size"`
	NotifyAttempts   int    `json:"notify_attempts" mapstructure:"notify_attempts" yaml:"notify_attempts"`

	// Plugins
	HookTimeout time.Duration `json:"hook_timeout" mapstructure:"hook_timeout" yaml:"hook_timeout"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	d := dispatch.DefaultConfig()
	return Config{
		BatchSize:        d.BatchSize,
		Workers:          d.Workers,
		PollInterval:     d.PollInterval,
		MaxAttempts:      d.MaxAttempts,
		Lease:            d.Lease,
		HandlerTimeout:   d.HandlerTimeout,
		BackoffInitial:   d.BackoffInitial,
		BackoffMax:       d.BackoffMax,
		ProtocolTimeout:  5 * time.Second,
		ThrottleProfile:  "256k/256k",
		TimerInterval:    10 * time.Second,
		TimerBatchSize:   100,
		DunningSchedule:  "@every 15m",
		OverdueSchedule:  "@every 1h",
		ScanBatchSize:    200,
		DefaultPolicySet: "default",
		PolicyCacheSize:  64,
		NotifyAttempts:   3,
		HookTimeout:      5 * time.Second,
	}
}

// Dispatch returns the dispatcher part of the config.
func (c Config) Dispatch() dispatch.Config {
	return dispatch.Config{
		BatchSize:      c.BatchSize,
		Workers:        c.Workers,
		PollInterval:   c.PollInterval,
		MaxAttempts:    c.MaxAttempts,
		Lease:          c.Lease,
		HandlerTimeout: c.HandlerTimeout,
		BackoffInitial: c.BackoffInitial,
		BackoffMax:     c.BackoffMax,
	}
}

// WithDefaults fills zero-valued fields from DefaultConfig.
func (c Config) WithDefaults() Config {
	d := DefaultConfig()
	fill := func(dst *time.Duration, v time.Duration) {
		if *dst == 0 {
			*dst = v
		}
	}
	fillInt := func(dst *int, v int) {
		if *dst == 0 {
			*dst = v
		}
	}
	fillStr := func(dst *string, v string) {
		if *dst == "" {
			*dst = v
		}
	}

	fillInt(&c.BatchSize, d.BatchSize)
	fillInt(&c.Workers, d.Workers)
	fill(&c.PollInterval, d.PollInterval)
	fillInt(&c.MaxAttempts, d.MaxAttempts)
	fill(&c.Lease, d.Lease)
	fill(&c.HandlerTimeout, d.HandlerTimeout)
	fill(&c.BackoffInitial, d.BackoffInitial)
	fill(&c.BackoffMax, d.BackoffMax)
	fill(&c.ProtocolTimeout, d.ProtocolTimeout)
	fillStr(&c.ThrottleProfile, d.ThrottleProfile)
	fill(&c.TimerInterval, d.TimerInterval)
	fillInt(&c.TimerBatchSize, d.TimerBatchSize)
	fillStr(&c.DunningSchedule, d.DunningSchedule)
	fillStr(&c.OverdueSchedule, d.OverdueSchedule)
	fillInt(&c.ScanBatchSize, d.ScanBatchSize)
	fillStr(&c.DefaultPolicySet, d.DefaultPolicySet)
	fillInt(&c.PolicyCacheSize, d.PolicyCacheSize)
	fillInt(&c.NotifyAttempts, d.NotifyAttempts)
	fill(&c.HookTimeout, d.HookTimeout)
	return c
}

// Validate reports every invalid field.
func (c Config) Validate() error {
	var errs []error
	positive := map[string]int{
		"batch_size":       c.BatchSize,
		"workers":          c.Workers,
		"max_attempts":     c.MaxAttempts,
		"timer_batch_size": c.TimerBatchSize,
		"scan_batch_size":  c.ScanBatchSize,
	}
	for name, v := range positive {
		if v <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %d", name, v))
		}
	}
	durations := map[string]time.Duration{
		"poll_interval":    c.PollInterval,
		"lease":            c.Lease,
		"handler_timeout":  c.HandlerTimeout,
		"backoff_initial":  c.BackoffInitial,
		"protocol_timeout": c.ProtocolTimeout,
		"timer_interval":   c.TimerInterval,
	}
	for name, v := range durations {
		if v <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", name, v))
		}
	}

	if c.BackoffMax < c.BackoffInitial {
		errs = append(errs, fmt.Errorf("backoff_max %s is below backoff_initial %s", c.BackoffMax, c.BackoffInitial))
	}
	if c.ProtocolTimeout >= c.HandlerTimeout {
		errs = append(errs, fmt.Errorf("protocol_timeout %s must be below handler_timeout %s", c.ProtocolTimeout, c.HandlerTimeout))
	}
	if c.Lease <= c.HandlerTimeout {
		errs = append(errs, fmt.Errorf("lease %s must exceed handler_timeout %s", c.Lease, c.HandlerTimeout))
	}
	for name, spec := range map[string]string{"dunning_schedule": c.DunningSchedule, "overdue_schedule": c.OverdueSchedule} {
		if scheduleDisabled(spec) {
			continue
		}
		if _, err := cron.ParseStandard(spec); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return nil
}

// ScheduleOff disables a scheduled scan.
const ScheduleOff = "off"

func scheduleDisabled(spec string) bool { return spec == "" || spec == ScheduleOff }
