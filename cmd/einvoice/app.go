package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"

	auditpg "3tcapital/ms_einvoice_core/internal/adapters/audit/postgres"
	"3tcapital/ms_einvoice_core/internal/adapters/authority/gateway"
	invoicepg "3tcapital/ms_einvoice_core/internal/adapters/invoice/postgres"
	ledgerpg "3tcapital/ms_einvoice_core/internal/adapters/ledger/postgres"
	"3tcapital/ms_einvoice_core/internal/adapters/ledger/sqlite"
	"3tcapital/ms_einvoice_core/internal/adapters/notify"
	apphealth "3tcapital/ms_einvoice_core/internal/application/health"
	"3tcapital/ms_einvoice_core/internal/application/reconciliation"
	appsubmission "3tcapital/ms_einvoice_core/internal/application/submission"
	"3tcapital/ms_einvoice_core/internal/core/audit"
	"3tcapital/ms_einvoice_core/internal/core/invoice"
	"3tcapital/ms_einvoice_core/internal/core/irn"
	coresubmission "3tcapital/ms_einvoice_core/internal/core/submission"
	"3tcapital/ms_einvoice_core/internal/infrastructure/config"
	"3tcapital/ms_einvoice_core/internal/infrastructure/database"
	httpinfra "3tcapital/ms_einvoice_core/internal/infrastructure/http"
	"3tcapital/ms_einvoice_core/internal/infrastructure/logger"
)

// app holds the wired collaborators shared by the commands.
type app struct {
	cfg        config.AppConfig
	log        *slog.Logger
	pool       *pgxpool.Pool
	traced     *httpinfra.TracedClient
	authority  *gateway.Client
	service    *appsubmission.Service
	reconciler *reconciliation.Reconciler
	health     *apphealth.Service

	pingLedger  func(ctx context.Context) error
	closeLedger func() error
}

// loadConfig reads the configuration and builds a logger writing to w.
func loadConfig(w io.Writer) (config.AppConfig, *slog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return config.AppConfig{}, nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, logger.NewWithWriter(w, cfg.App.Name, cfg.Log.Level, cfg.App.Environment), nil
}

func connect(ctx context.Context, cfg config.AppConfig) (*pgxpool.Pool, error) {
	return database.NewPool(ctx, database.Config{
		Host:            cfg.Database.Host,
		Port:            cfg.Database.Port,
		Database:        cfg.Database.Database,
		User:            cfg.Database.User,
		Password:        cfg.Database.Password,
		SSLMode:         cfg.Database.SSLMode,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	})
}

// newApp connects to the databases and wires the submission pipeline. When
// migrate is set the PostgreSQL schema is brought up to date first.
func newApp(ctx context.Context, cfg config.AppConfig, log *slog.Logger, migrate bool) (*app, error) {
	pool, err := connect(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, log: log, pool: pool}

	if migrate {
		if err := database.RunMigrations(ctx, pool, log); err != nil {
			a.Close()
			return nil, err
		}
	}

	ledger, err := a.openLedger()
	if err != nil {
		a.Close()
		return nil, err
	}

	var auditRepo audit.Repository
	if cfg.Audit.Enabled {
		auditRepo = auditpg.NewRepository(pool, log)
	}
	log.Info("Audit trail configured",
		"enabled", cfg.Audit.Enabled,
		"log_request_body", cfg.Audit.LogRequestBody,
		"log_response_body", cfg.Audit.LogResponseBody,
	)

	a.traced = httpinfra.NewTracedClient(&httpinfra.TracedClientConfig{
		Timeout:         cfg.Authority.Timeout,
		AuditEnabled:    cfg.Audit.Enabled,
		LogRequestBody:  cfg.Audit.LogRequestBody,
		LogResponseBody: cfg.Audit.LogResponseBody,
		MaxBodySize:     cfg.Audit.MaxBodySize,
		MaxConnsPerHost: cfg.Authority.MaxConcurrent,
	}, log, auditRepo, "authority")

	baseURL, err := gateway.ResolveBaseURL(cfg.Authority.Environment, cfg.Authority.BaseURL)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.authority, err = gateway.NewClient(gateway.Config{
		BaseURL:         baseURL,
		APIKey:          cfg.Authority.APIKey,
		RateLimitRPS:    cfg.Authority.RateLimitRPS,
		RateLimitBurst:  cfg.Authority.RateLimitBurst,
		MaxConcurrent:   cfg.Authority.MaxConcurrent,
		BreakerFailures: cfg.Authority.BreakerFailures,
		BreakerCooldown: cfg.Authority.BreakerCooldown,
	}, a.traced, log)
	if err != nil {
		a.Close()
		return nil, err
	}
	log.Info("Authority gateway configured", "environment", cfg.Authority.Environment, "base_url", baseURL)

	notifier, err := newNotifier(cfg.Notification, log)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.service, err = appsubmission.NewService(appsubmission.Dependencies{
		Ledger:     ledger,
		Invoices:   invoicepg.NewInvoiceRepository(pool),
		Businesses: invoicepg.NewBusinessRepository(pool),
		Authority:  a.authority,
		Validator:  invoice.NewRulesValidator(),
		Notifier:   notifier,
		IRN:        irn.NewGenerator(cfg.Submission.IRNPrefix),
	}, appsubmission.Config{
		Controller: appsubmission.ControllerConfig{
			MaxAttempts:    cfg.Submission.MaxAttempts,
			BaseDelay:      cfg.Submission.BaseDelay,
			MaxDelay:       cfg.Submission.MaxDelay,
			AttemptTimeout: cfg.Submission.AttemptTimeout,
		},
		KeyPassphrase: []byte(cfg.Signing.KeyPassphrase),
		IdentityTTL:   cfg.Submission.IdentityTTL,
		DueBatchSize:  cfg.Submission.DueBatchSize,
	}, log)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.reconciler = reconciliation.NewReconciler(ledger, a.service, reconciliation.Config{
		StaleAfter: cfg.Reconciliation.StaleAfter,
		BatchSize:  cfg.Reconciliation.BatchSize,
		Workers:    cfg.Reconciliation.Workers,
	}, log)

	a.health = apphealth.NewService(apphealth.Metadata{
		Service:     cfg.App.Name,
		Version:     cfg.App.Version,
		Environment: cfg.App.Environment,
	}, a.checkers()...)

	return a, nil
}

// openLedger returns the submission ledger selected by the database driver.
// Invoice, business and audit data always live in PostgreSQL.
func (a *app) openLedger() (coresubmission.Repository, error) {
	switch a.cfg.Database.Driver {
	case config.DriverSQLite:
		repo, err := sqlite.Open(a.cfg.Database.SQLitePath)
		if err != nil {
			return nil, err
		}
		a.pingLedger = repo.Ping
		a.closeLedger = repo.Close
		a.log.Info("Submission ledger opened", "driver", config.DriverSQLite, "path", a.cfg.Database.SQLitePath)
		return repo, nil
	default:
		a.pingLedger = a.pool.Ping
		a.log.Info("Submission ledger opened", "driver", config.DriverPostgres)
		return ledgerpg.NewRepository(a.pool), nil
	}
}

func newNotifier(cfg config.NotificationSettings, log *slog.Logger) (coresubmission.Notifier, error) {
	if cfg.WebhookURL == "" {
		return notify.NewLog(log), nil
	}
	client := httpinfra.NewClient(&httpinfra.ClientConfig{Timeout: cfg.Timeout})
	return notify.NewWebhook(cfg.WebhookURL, cfg.WebhookSecret, client, log)
}

func (a *app) checkers() []apphealth.Checker {
	checks := []apphealth.Checker{
		{
			Name:     "database",
			Critical: true,
			Check: func(ctx context.Context) (any, error) {
				return nil, a.pool.Ping(ctx)
			},
		},
		{
			Name: "authority",
			Check: func(ctx context.Context) (any, error) {
				return authorityHealth(a.authority.BreakerStats(), a.authority.LimiterStats())
			},
		},
	}
	if a.cfg.Database.Driver == config.DriverSQLite {
		checks = append(checks, apphealth.Checker{
			Name:     "ledger",
			Critical: true,
			Check: func(ctx context.Context) (any, error) {
				return map[string]string{"driver": config.DriverSQLite}, a.pingLedger(ctx)
			},
		})
	}
	return checks
}

// authorityHealth reports the gateway counters and fails while the breaker is open.
func authorityHealth(breaker gateway.CircuitBreakerStats, limiter gateway.LimiterStats) (any, error) {
	details := map[string]any{
		"circuit_breaker": breaker,
		"limiter":         limiter,
	}
	if breaker.State == gateway.CircuitBreakerOpen.String() {
		return details, gateway.ErrCircuitOpen
	}
	return details, nil
}

// Close waits for pending audit writes and releases the connections.
func (a *app) Close() error {
	var errs []error
	if a.traced != nil {
		a.traced.Wait()
	}
	if a.closeLedger != nil {
		if err := a.closeLedger(); err != nil {
			errs = append(errs, fmt.Errorf("close ledger: %w", err))
		}
	}
	if a.pool != nil {
		a.pool.Close()
	}
	return errors.Join(errs...)
}
