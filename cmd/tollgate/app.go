package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/xraph/tollgate"
	audithook "github.com/xraph/tollgate/audit_hook"
	"github.com/xraph/tollgate/enforcement"
	"github.com/xraph/tollgate/observability"
	"github.com/xraph/tollgate/radius"
	"github.com/xraph/tollgate/store"
	"github.com/xraph/tollgate/store/postgres"
	"github.com/xraph/tollgate/store/sqlite"
)

// app is what every command works with.
type app struct {
	cfg     appConfig
	logger  *slog.Logger
	store   store.Store
	engine  *tollgate.Engine
	locator *radius.AccountingLocator
}

// appOptions choose the extras only the worker needs.
type appOptions struct {
	registry prometheus.Registerer
}

func openStore(ctx context.Context, cfg appConfig) (store.Store, error) {
	switch cfg.Store.Driver {
	case "postgres":
		return postgres.Open(ctx, cfg.Store.DSN)
	case "sqlite":
		return sqlite.Open(ctx, cfg.Store.DSN)
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
}

// accountingDSN names the database holding the radacct table. A
// PostgreSQL store shares its database unless one is configured.
func accountingDSN(cfg appConfig) string {
	if cfg.Radius.AccountingDSN != "" {
		return cfg.Radius.AccountingDSN
	}
	if cfg.Store.Driver == "postgres" {
		return cfg.Store.DSN
	}
	return ""
}

// openLocator reads sessions from the accounting table. Without an
// accounting database none are known, so enforcement only changes what
// AAA authorizes.
func openLocator(ctx context.Context, cfg appConfig) (radius.SessionLocator, *radius.AccountingLocator, error) {
	dsn := accountingDSN(cfg)
	if dsn == "" {
		return radius.NewMemoryLocator(), nil, nil
	}
	l, err := radius.OpenAccountingLocator(ctx, dsn,
		radius.WithTable(cfg.Radius.AccountingTable),
		radius.WithCoAPort(cfg.Radius.CoAPort),
	)
	if err != nil {
		return nil, nil, err
	}
	return l, l, nil
}

func newNetwork(cfg appConfig, locator radius.SessionLocator, logger *slog.Logger) enforcement.Network {
	return radius.NewClient(locator, []byte(cfg.Radius.Secret), radius.WithLogger(logger))
}

// setup loads config, opens the store and builds the engine.
func setup(ctx context.Context, opts appOptions) (*app, error) {
	cfg, err := loadConfig(v)
	if err != nil {
		return nil, err
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return nil, err
	}

	s, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	locator, acct, err := openLocator(ctx, cfg)
	if err != nil {
		_ = s.Close()
		return nil, err
	}
	a := &app{cfg: cfg, logger: logger, store: s, locator: acct}

	engineOpts := []tollgate.Option{
		tollgate.WithLogger(logger),
		tollgate.WithConfig(cfg.Engine),
		tollgate.WithNetwork(newNetwork(cfg, locator, logger)),
	}
	if opts.registry != nil {
		metrics := observability.NewMetricsExtension(observability.NewPrometheusFactory(opts.registry))
		engineOpts = append(engineOpts, tollgate.WithPlugin(metrics))
	}
	if cfg.Audit.Enabled {
		engineOpts = append(engineOpts, tollgate.WithPlugin(audithook.New(logRecorder(logger), audithook.WithLogger(logger))))
	}

	eng, err := tollgate.New(s, engineOpts...)
	if err != nil {
		a.close()
		return nil, err
	}
	a.engine = eng
	return a, nil
}

// close releases the store of an app whose engine was never started.
func (a *app) close() {
	a.closeLocator()
	if err := a.store.Close(); err != nil {
		a.logger.Warn("close store", "error", err)
	}
}

func (a *app) closeLocator() {
	if a.locator != nil {
		a.locator.Close()
	}
}

// logRecorder writes audit records to the log.
func logRecorder(logger *slog.Logger) audithook.RecorderFunc {
	return func(ctx context.Context, ev *audithook.AuditEvent) error {
		logger.InfoContext(ctx, "audit",
			"action", ev.Action,
			"resource", ev.Resource,
			"resource_id", ev.ResourceID,
			"outcome", ev.Outcome,
			"severity", ev.Severity,
			"reason", ev.Reason,
		)
		return nil
	}
}
