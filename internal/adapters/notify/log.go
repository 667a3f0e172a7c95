package notify

import (
	"context"
	"log/slog"

	"3tcapital/ms_einvoice_core/internal/core/submission"
)

// Log records terminal results in the service log. It is used when no webhook
// is configured.
type Log struct {
	log *slog.Logger
}

var _ submission.Notifier = (*Log)(nil)

// NewLog creates a log notifier.
func NewLog(log *slog.Logger) *Log {
	return &Log{log: log}
}

func (l *Log) Notify(ctx context.Context, result submission.Result) error {
	attrs := []any{
		"submission_id", result.ID,
		"invoice_id", result.InvoiceID,
		"type", result.Type,
		"status", result.Status,
		"irn", result.IRN,
	}
	if result.ResponseCode != "" {
		attrs = append(attrs, "response_code", result.ResponseCode, "response_message", result.ResponseMessage)
	}
	if result.LastError != "" {
		attrs = append(attrs, "last_error", result.LastError)
	}
	l.log.InfoContext(ctx, "Submission reached terminal state", attrs...)
	return nil
}
