// Package reconciliation brings submissions whose outcome is unknown back in
// line with the authority.
package reconciliation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"3tcapital/ms_einvoice_core/internal/core/submission"
)

const (
	DefaultStaleAfter = 5 * time.Minute
	DefaultBatchSize  = 100
	DefaultWorkers    = 4
)

// Ledger lists records that need attention.
type Ledger interface {
	ListStale(ctx context.Context, before time.Time, limit int) ([]submission.Submission, error)
}

// Processor reconciles one record and resumes due retransmissions.
type Processor interface {
	ReconcileRecord(ctx context.Context, s *submission.Submission) (bool, error)
	ResumeDue(ctx context.Context) (int, error)
}

// Config tunes a reconciliation pass.
type Config struct {
	// StaleAfter is how long a record may sit without progress before it is looked up.
	StaleAfter time.Duration
	BatchSize  int
	Workers    int
}

// Report summarizes one pass.
type Report struct {
	Checked int
	Changed int
	Errors  int
	Resumed int
}

// Reconciler looks up stale records at the authority and resumes records whose
// retry time has passed.
type Reconciler struct {
	ledger    Ledger
	processor Processor
	cfg       Config
	log       *slog.Logger
	now       func() time.Time
}

// NewReconciler creates a reconciler.
func NewReconciler(ledger Ledger, processor Processor, cfg Config, log *slog.Logger) *Reconciler {
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = DefaultStaleAfter
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	return &Reconciler{
		ledger:    ledger,
		processor: processor,
		cfg:       cfg,
		log:       log,
		now:       time.Now,
	}
}

// RunOnce performs a single pass. Records already terminal are skipped by the
// processor, so overlapping passes are harmless.
func (r *Reconciler) RunOnce(ctx context.Context) (Report, error) {
	var report Report
	start := r.now()

	stale, err := r.ledger.ListStale(ctx, start.Add(-r.cfg.StaleAfter), r.cfg.BatchSize)
	if err != nil {
		return report, fmt.Errorf("list stale submissions: %w", err)
	}

	if len(stale) > 0 {
		pool := NewWorkerPool(ctx, r.cfg.Workers, r.processor.ReconcileRecord)
		for _, res := range pool.ProcessAll(stale) {
			report.Checked++
			switch {
			case res.Err != nil:
				report.Errors++
				r.log.Warn("Failed to reconcile submission",
					"submission_id", res.SubmissionID,
					"error", res.Err,
				)
			case res.Changed:
				report.Changed++
				r.log.Info("Submission reconciled",
					"submission_id", res.SubmissionID,
					"status", res.Status,
				)
			}
		}
	}

	resumed, err := r.processor.ResumeDue(ctx)
	report.Resumed = resumed
	if err != nil && !errors.Is(err, context.Canceled) {
		return report, fmt.Errorf("resume due submissions: %w", err)
	}

	r.log.Info("Reconciliation pass completed",
		"checked", report.Checked,
		"changed", report.Changed,
		"errors", report.Errors,
		"resumed", report.Resumed,
		"duration_ms", r.now().Sub(start).Milliseconds(),
	)
	return report, ctx.Err()
}
