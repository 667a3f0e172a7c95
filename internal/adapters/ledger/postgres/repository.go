// Package postgres stores the submission ledger in PostgreSQL.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"3tcapital/ms_einvoice_core/internal/core/submission"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	uniqueViolation    = "23505"
	inFlightConstraint = "idx_submissions_in_flight"
)

const (
	submissionColumns = `id, invoice_id, business_id, type, status, irn, original_irn, reason,
		signature, certificate, digest, signing_time, request_canonical, request_document,
		response_payload, attempts, max_attempts, next_retry_at, last_error, response_code,
		response_message, response_field, qr_code, authority_signature, validation_errors,
		created_at, updated_at, submitted_at, completed_at, version`
	attemptColumns = `id, submission_id, number, operation, idempotency_key, request_payload,
		response_payload, http_status, response_code, outcome, error, duration_ms, started_at`
)

// Repository implements submission.Repository with pgx.
type Repository struct {
	pool *pgxpool.Pool
}

var _ submission.Repository = (*Repository)(nil)

// NewRepository creates a PostgreSQL ledger.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Create inserts s. A second live submission for the same invoice is refused
// by a partial unique index and reported as ErrInFlight.
func (r *Repository) Create(ctx context.Context, s *submission.Submission) error {
	validation, err := submission.EncodeValidationErrors(s.ValidationErrors)
	if err != nil {
		return fmt.Errorf("encode validation errors: %w", err)
	}

	s.Version = 1
	_, err = r.pool.Exec(ctx, `INSERT INTO submissions (`+submissionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15,
			$16, $17, $18, $19, $20, $21, $22, $23, $24, $25, $26, $27, $28, $29, $30)`,
		s.ID, s.InvoiceID, s.BusinessID, string(s.Type), string(s.Status),
		nullable(s.IRN), nullable(s.OriginalIRN), s.Reason,
		s.Signature, s.Certificate, s.Digest, s.SigningTime,
		s.RequestCanonical, s.RequestDocument, s.ResponsePayload,
		s.Attempts, s.MaxAttempts, s.NextRetryAt, s.LastError,
		s.ResponseCode, s.ResponseMessage, s.ResponseField, s.QRCode, s.AuthoritySignature,
		jsonb(validation), s.CreatedAt, s.UpdatedAt, s.SubmittedAt, s.CompletedAt, s.Version,
	)
	if err != nil {
		s.Version = 0
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			if pgErr.ConstraintName == inFlightConstraint {
				return submission.ErrInFlight
			}
			return fmt.Errorf("%w: %s", submission.ErrConflict, pgErr.ConstraintName)
		}
		return fmt.Errorf("insert submission: %w", err)
	}
	return nil
}

// Get loads a record by id.
func (r *Repository) Get(ctx context.Context, id string) (*submission.Submission, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+submissionColumns+` FROM submissions WHERE id = $1`, id)
	s, err := scanSubmission(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, submission.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get submission %s: %w", id, err)
	}
	return s, nil
}

// Update writes s when the stored version matches.
func (r *Repository) Update(ctx context.Context, s *submission.Submission) error {
	return r.update(ctx, r.pool, s)
}

// RecordAttempt appends a and updates s in one transaction.
func (r *Repository) RecordAttempt(ctx context.Context, s *submission.Submission, a submission.Attempt) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := r.update(ctx, tx, s); err != nil {
		return err
	}

	_, err = tx.Exec(ctx, `INSERT INTO submission_attempts (`+attemptColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		a.ID, a.SubmissionID, a.Number, a.Operation, a.IdempotencyKey,
		a.RequestPayload, a.ResponsePayload, a.HTTPStatus, a.ResponseCode,
		a.Outcome, a.Error, a.DurationMs, a.StartedAt,
	)
	if err != nil {
		s.Version--
		return fmt.Errorf("insert attempt: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		s.Version--
		return fmt.Errorf("commit attempt: %w", err)
	}
	return nil
}

// querier is satisfied by the pool and by a transaction.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (r *Repository) update(ctx context.Context, db querier, s *submission.Submission) error {
	validation, err := submission.EncodeValidationErrors(s.ValidationErrors)
	if err != nil {
		return fmt.Errorf("encode validation errors: %w", err)
	}

	tag, err := db.Exec(ctx, `UPDATE submissions SET
			status = $2, irn = $3, original_irn = $4, reason = $5, signature = $6,
			certificate = $7, digest = $8, signing_time = $9, request_canonical = $10,
			request_document = $11, response_payload = $12, attempts = $13,
			max_attempts = $14, next_retry_at = $15, last_error = $16, response_code = $17,
			response_message = $18, response_field = $19, qr_code = $20,
			authority_signature = $21, validation_errors = $22, updated_at = $23,
			submitted_at = $24, completed_at = $25, version = version + 1
		WHERE id = $1 AND version = $26`,
		s.ID, string(s.Status), nullable(s.IRN), nullable(s.OriginalIRN), s.Reason, s.Signature,
		s.Certificate, s.Digest, s.SigningTime, s.RequestCanonical,
		s.RequestDocument, s.ResponsePayload, s.Attempts,
		s.MaxAttempts, s.NextRetryAt, s.LastError, s.ResponseCode,
		s.ResponseMessage, s.ResponseField, s.QRCode,
		s.AuthoritySignature, jsonb(validation), s.UpdatedAt,
		s.SubmittedAt, s.CompletedAt, s.Version,
	)
	if err != nil {
		return fmt.Errorf("update submission %s: %w", s.ID, err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM submissions WHERE id = $1)`, s.ID).Scan(&exists); err != nil {
			return fmt.Errorf("check submission %s: %w", s.ID, err)
		}
		if !exists {
			return submission.ErrNotFound
		}
		return submission.ErrConflict
	}
	s.Version++
	return nil
}

// ListByInvoice returns every record for an invoice, oldest first.
func (r *Repository) ListByInvoice(ctx context.Context, invoiceID string) ([]submission.Submission, error) {
	return r.list(ctx, `SELECT `+submissionColumns+` FROM submissions
		WHERE invoice_id = $1
		ORDER BY created_at ASC, id ASC`, invoiceID)
}

// ListDue returns live records whose retry time has passed, earliest first.
func (r *Repository) ListDue(ctx context.Context, now time.Time, limit int) ([]submission.Submission, error) {
	return r.list(ctx, `SELECT `+submissionColumns+` FROM submissions
		WHERE status IN ('pending', 'submitted') AND next_retry_at IS NOT NULL AND next_retry_at <= $1
		ORDER BY next_retry_at ASC
		LIMIT $2`, now, limitOrAll(limit))
}

// ListStale returns live records with no scheduled retry untouched since before.
func (r *Repository) ListStale(ctx context.Context, before time.Time, limit int) ([]submission.Submission, error) {
	return r.list(ctx, `SELECT `+submissionColumns+` FROM submissions
		WHERE status IN ('pending', 'submitted') AND next_retry_at IS NULL AND updated_at < $1
		ORDER BY updated_at ASC
		LIMIT $2`, before, limitOrAll(limit))
}

// ListAttempts returns the attempts of a record, oldest first.
func (r *Repository) ListAttempts(ctx context.Context, submissionID string) ([]submission.Attempt, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+attemptColumns+` FROM submission_attempts
		WHERE submission_id = $1
		ORDER BY started_at ASC, number ASC`, submissionID)
	if err != nil {
		return nil, fmt.Errorf("query attempts: %w", err)
	}
	defer rows.Close()

	var out []submission.Attempt
	for rows.Next() {
		var a submission.Attempt
		if err := rows.Scan(
			&a.ID, &a.SubmissionID, &a.Number, &a.Operation, &a.IdempotencyKey,
			&a.RequestPayload, &a.ResponsePayload, &a.HTTPStatus, &a.ResponseCode,
			&a.Outcome, &a.Error, &a.DurationMs, &a.StartedAt,
		); err != nil {
			return nil, fmt.Errorf("scan attempt: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate attempts: %w", err)
	}
	return out, nil
}

func (r *Repository) list(ctx context.Context, query string, args ...any) ([]submission.Submission, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query submissions: %w", err)
	}
	defer rows.Close()

	var out []submission.Submission
	for rows.Next() {
		s, err := scanSubmission(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate submissions: %w", err)
	}
	return out, nil
}

func scanSubmission(row pgx.Row) (*submission.Submission, error) {
	var (
		s                submission.Submission
		typ, status      string
		irn, originalIRN *string
		validation       []byte
	)
	err := row.Scan(
		&s.ID, &s.InvoiceID, &s.BusinessID, &typ, &status, &irn, &originalIRN, &s.Reason,
		&s.Signature, &s.Certificate, &s.Digest, &s.SigningTime, &s.RequestCanonical, &s.RequestDocument,
		&s.ResponsePayload, &s.Attempts, &s.MaxAttempts, &s.NextRetryAt, &s.LastError, &s.ResponseCode,
		&s.ResponseMessage, &s.ResponseField, &s.QRCode, &s.AuthoritySignature, &validation,
		&s.CreatedAt, &s.UpdatedAt, &s.SubmittedAt, &s.CompletedAt, &s.Version,
	)
	if err != nil {
		return nil, err
	}

	s.Type = submission.Type(typ)
	s.Status = submission.Status(status)
	if irn != nil {
		s.IRN = *irn
	}
	if originalIRN != nil {
		s.OriginalIRN = *originalIRN
	}
	if s.ValidationErrors, err = submission.DecodeValidationErrors(validation); err != nil {
		return nil, fmt.Errorf("decode validation errors: %w", err)
	}
	return &s, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// jsonb passes nil for empty payloads so the column stays NULL.
func jsonb(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

func limitOrAll(limit int) any {
	if limit <= 0 {
		return nil
	}
	return limit
}
