package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	healthhttp "3tcapital/ms_einvoice_core/internal/adapters/http/health"
	submissionhttp "3tcapital/ms_einvoice_core/internal/adapters/http/submission"
	ctxutil "3tcapital/ms_einvoice_core/internal/infrastructure/context"
	"3tcapital/ms_einvoice_core/internal/infrastructure/http/middleware"
	"3tcapital/ms_einvoice_core/internal/infrastructure/http/server"
	"3tcapital/ms_einvoice_core/internal/infrastructure/scheduler"
)

func serveCmd() *cobra.Command {
	var migrate bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the reconciliation loop",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(migrate)
		},
	}

	cmd.Flags().BoolVar(&migrate, "migrate", false, "apply database migrations before starting")

	return cmd
}

func runServe(migrate bool) error {
	cfg, log, err := loadConfig(os.Stdout)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, log, migrate)
	if err != nil {
		return fmt.Errorf("initialize: %w", err)
	}
	defer a.Close()

	var auth *middleware.JWTAuthenticator
	if cfg.Auth.Enabled {
		auth, err = middleware.NewJWTAuthenticator(cfg.Auth, log)
		if err != nil {
			return fmt.Errorf("initialize authentication: %w", err)
		}
	} else {
		log.Warn("Authentication disabled")
	}

	srv, err := server.New(server.Options{
		Config:           cfg,
		Logger:           log,
		HealthHandler:    http.HandlerFunc(healthhttp.NewHandler(a.health, log).Status),
		SubmissionRoutes: submissionhttp.NewHandler(a.service, log),
		Auth:             auth,
	})
	if err != nil {
		return fmt.Errorf("build server: %w", err)
	}
	defer srv.Close()

	var wg sync.WaitGroup
	if cfg.Reconciliation.Enabled {
		wg.Add(1)
		go func() {
			defer wg.Done()
			scheduler.Every(ctx, "reconciliation", cfg.Reconciliation.Interval, log, func(ctx context.Context) error {
				ctx, _ = ctxutil.EnsureCorrelationID(ctx)
				_, err := a.reconciler.RunOnce(ctx)
				return err
			})
		}()
	} else {
		log.Info("Reconciliation disabled")
	}

	err = srv.Run(ctx)
	stop()
	wg.Wait()
	return err
}
