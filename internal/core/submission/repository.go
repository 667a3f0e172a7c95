package submission

import (
	"context"
	"time"
)

// Repository is the durable submission ledger.
type Repository interface {
	// Create inserts a new record. Version is set to 1.
	Create(ctx context.Context, s *Submission) error

	// Get returns ErrNotFound when the record does not exist.
	Get(ctx context.Context, id string) (*Submission, error)

	// Update persists s if its stored version still equals s.Version, then
	// increments s.Version. Returns ErrConflict otherwise.
	Update(ctx context.Context, s *Submission) error

	// RecordAttempt appends the attempt and updates s in one transaction,
	// with the same version check as Update.
	RecordAttempt(ctx context.Context, s *Submission, a Attempt) error

	// ListByInvoice returns every record for an invoice, oldest first.
	ListByInvoice(ctx context.Context, invoiceID string) ([]Submission, error)

	// ListDue returns non-terminal records scheduled for retry at or before now.
	ListDue(ctx context.Context, now time.Time, limit int) ([]Submission, error)

	// ListStale returns submitted or pending records with no scheduled retry
	// whose last update is older than before.
	ListStale(ctx context.Context, before time.Time, limit int) ([]Submission, error)

	// ListAttempts returns the audit trail of a record, oldest first.
	ListAttempts(ctx context.Context, submissionID string) ([]Attempt, error)
}

// Notifier is told about records that reached a terminal state.
type Notifier interface {
	Notify(ctx context.Context, result Result) error
}
