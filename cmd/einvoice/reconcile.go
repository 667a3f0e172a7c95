package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"3tcapital/ms_einvoice_core/internal/application/reconciliation"
	ctxutil "3tcapital/ms_einvoice_core/internal/infrastructure/context"
)

func reconcileCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Run one reconciliation pass and exit",
		Long: `Run one reconciliation pass.

Records stuck in processing longer than RECONCILIATION_STALE_AFTER are
looked up at the authority, then records whose retry time has passed
are resumed.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig(os.Stderr)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, cfg, log, false)
			if err != nil {
				return fmt.Errorf("initialize: %w", err)
			}
			defer a.Close()

			ctx, _ = ctxutil.EnsureCorrelationID(ctx)
			report, err := a.reconciler.RunOnce(ctx)
			if err != nil {
				return fmt.Errorf("reconcile: %w", err)
			}
			printReport(cmd.OutOrStdout(), report)
			return nil
		},
	}
}

func printReport(w io.Writer, r reconciliation.Report) {
	fmt.Fprintf(w, "checked: %d\n", r.Checked)
	fmt.Fprintf(w, "changed: %d\n", r.Changed)
	fmt.Fprintf(w, "resumed: %d\n", r.Resumed)
	fmt.Fprintf(w, "errors:  %d\n", r.Errors)
}
