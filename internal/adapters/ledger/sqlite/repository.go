// Package sqlite stores the submission ledger in a single SQLite file. It is
// meant for single-node deployments and development.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"3tcapital/ms_einvoice_core/internal/core/submission"

	"github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schema string

const (
	submissionColumns = `id, invoice_id, business_id, type, status, irn, original_irn, reason,
		signature, certificate, digest, signing_time, request_canonical, request_document,
		response_payload, attempts, max_attempts, next_retry_at, last_error, response_code,
		response_message, response_field, qr_code, authority_signature, validation_errors,
		created_at, updated_at, submitted_at, completed_at, version`
	attemptColumns = `id, submission_id, number, operation, idempotency_key, request_payload,
		response_payload, http_status, response_code, outcome, error, duration_ms, started_at`
)

// Repository implements submission.Repository on SQLite.
type Repository struct {
	db *sql.DB
}

var _ submission.Repository = (*Repository)(nil)

// Open opens (creating if needed) the ledger at path and applies the schema.
// ":memory:" gives a private in-memory ledger.
func Open(path string) (*Repository, error) {
	dsn := path
	if path == ":memory:" {
		dsn = "file::memory:?_foreign_keys=on"
	} else {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create ledger directory: %w", err)
		}
		dsn = "file:" + path + "?_foreign_keys=on&_busy_timeout=5000&_journal_mode=WAL"
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite ledger: %w", err)
	}
	// SQLite serializes writers; a single connection keeps the version checks
	// and the in-memory database coherent.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply ledger schema: %w", err)
	}
	return &Repository{db: db}, nil
}

// Close releases the database.
func (r *Repository) Close() error {
	return r.db.Close()
}

// Ping checks the database is reachable.
func (r *Repository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Create inserts s. A second live submission for the same invoice is reported
// as ErrInFlight.
func (r *Repository) Create(ctx context.Context, s *submission.Submission) error {
	validation, err := submission.EncodeValidationErrors(s.ValidationErrors)
	if err != nil {
		return fmt.Errorf("encode validation errors: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `INSERT INTO submissions (`+submissionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1)`,
		s.ID, s.InvoiceID, s.BusinessID, string(s.Type), string(s.Status),
		nullString(s.IRN), nullString(s.OriginalIRN), s.Reason,
		s.Signature, s.Certificate, s.Digest, nanos(s.SigningTime),
		s.RequestCanonical, s.RequestDocument, s.ResponsePayload,
		s.Attempts, s.MaxAttempts, nanos(s.NextRetryAt), s.LastError,
		s.ResponseCode, s.ResponseMessage, s.ResponseField, s.QRCode, s.AuthoritySignature,
		nullBytes(validation), s.CreatedAt.UnixNano(), s.UpdatedAt.UnixNano(),
		nanos(s.SubmittedAt), nanos(s.CompletedAt),
	)
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique {
			if strings.Contains(sqliteErr.Error(), "submissions.invoice_id") {
				return submission.ErrInFlight
			}
			return fmt.Errorf("%w: %v", submission.ErrConflict, sqliteErr)
		}
		if errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey {
			return fmt.Errorf("%w: %v", submission.ErrConflict, sqliteErr)
		}
		return fmt.Errorf("insert submission: %w", err)
	}
	s.Version = 1
	return nil
}

// Get loads a record by id.
func (r *Repository) Get(ctx context.Context, id string) (*submission.Submission, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+submissionColumns+` FROM submissions WHERE id = ?`, id)
	s, err := scanSubmission(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, submission.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get submission %s: %w", id, err)
	}
	return s, nil
}

// Update writes s when the stored version matches.
func (r *Repository) Update(ctx context.Context, s *submission.Submission) error {
	return update(ctx, r.db, s)
}

// RecordAttempt appends a and updates s in one transaction.
func (r *Repository) RecordAttempt(ctx context.Context, s *submission.Submission, a submission.Attempt) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := update(ctx, tx, s); err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `INSERT INTO submission_attempts (`+attemptColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.SubmissionID, a.Number, a.Operation, a.IdempotencyKey,
		a.RequestPayload, a.ResponsePayload, a.HTTPStatus, a.ResponseCode,
		a.Outcome, a.Error, a.DurationMs, a.StartedAt.UnixNano(),
	)
	if err != nil {
		s.Version--
		return fmt.Errorf("insert attempt: %w", err)
	}
	if err := tx.Commit(); err != nil {
		s.Version--
		return fmt.Errorf("commit attempt: %w", err)
	}
	return nil
}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func update(ctx context.Context, db querier, s *submission.Submission) error {
	validation, err := submission.EncodeValidationErrors(s.ValidationErrors)
	if err != nil {
		return fmt.Errorf("encode validation errors: %w", err)
	}

	res, err := db.ExecContext(ctx, `UPDATE submissions SET
			status = ?, irn = ?, original_irn = ?, reason = ?, signature = ?,
			certificate = ?, digest = ?, signing_time = ?, request_canonical = ?,
			request_document = ?, response_payload = ?, attempts = ?,
			max_attempts = ?, next_retry_at = ?, last_error = ?, response_code = ?,
			response_message = ?, response_field = ?, qr_code = ?,
			authority_signature = ?, validation_errors = ?, updated_at = ?,
			submitted_at = ?, completed_at = ?, version = version + 1
		WHERE id = ? AND version = ?`,
		string(s.Status), nullString(s.IRN), nullString(s.OriginalIRN), s.Reason, s.Signature,
		s.Certificate, s.Digest, nanos(s.SigningTime), s.RequestCanonical,
		s.RequestDocument, s.ResponsePayload, s.Attempts,
		s.MaxAttempts, nanos(s.NextRetryAt), s.LastError, s.ResponseCode,
		s.ResponseMessage, s.ResponseField, s.QRCode,
		s.AuthoritySignature, nullBytes(validation), s.UpdatedAt.UnixNano(),
		nanos(s.SubmittedAt), nanos(s.CompletedAt),
		s.ID, s.Version,
	)
	if err != nil {
		return fmt.Errorf("update submission %s: %w", s.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update submission %s: %w", s.ID, err)
	}
	if n == 0 {
		var exists bool
		if err := db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM submissions WHERE id = ?)`, s.ID).Scan(&exists); err != nil {
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
		WHERE invoice_id = ?
		ORDER BY created_at ASC, id ASC`, invoiceID)
}

// ListDue returns live records whose retry time has passed, earliest first.
func (r *Repository) ListDue(ctx context.Context, now time.Time, limit int) ([]submission.Submission, error) {
	return r.list(ctx, `SELECT `+submissionColumns+` FROM submissions
		WHERE status IN ('pending', 'submitted') AND next_retry_at IS NOT NULL AND next_retry_at <= ?
		ORDER BY next_retry_at ASC
		LIMIT ?`, now.UnixNano(), sqlLimit(limit))
}

// ListStale returns live records with no scheduled retry untouched since before.
func (r *Repository) ListStale(ctx context.Context, before time.Time, limit int) ([]submission.Submission, error) {
	return r.list(ctx, `SELECT `+submissionColumns+` FROM submissions
		WHERE status IN ('pending', 'submitted') AND next_retry_at IS NULL AND updated_at < ?
		ORDER BY updated_at ASC
		LIMIT ?`, before.UnixNano(), sqlLimit(limit))
}

// ListAttempts returns the attempts of a record, oldest first.
func (r *Repository) ListAttempts(ctx context.Context, submissionID string) ([]submission.Attempt, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+attemptColumns+` FROM submission_attempts
		WHERE submission_id = ?
		ORDER BY started_at ASC, number ASC`, submissionID)
	if err != nil {
		return nil, fmt.Errorf("query attempts: %w", err)
	}
	defer rows.Close()

	var out []submission.Attempt
	for rows.Next() {
		var (
			a       submission.Attempt
			started int64
		)
		if err := rows.Scan(
			&a.ID, &a.SubmissionID, &a.Number, &a.Operation, &a.IdempotencyKey,
			&a.RequestPayload, &a.ResponsePayload, &a.HTTPStatus, &a.ResponseCode,
			&a.Outcome, &a.Error, &a.DurationMs, &started,
		); err != nil {
			return nil, fmt.Errorf("scan attempt: %w", err)
		}
		a.StartedAt = time.Unix(0, started).UTC()
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate attempts: %w", err)
	}
	return out, nil
}

func (r *Repository) list(ctx context.Context, query string, args ...any) ([]submission.Submission, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
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

type scanner interface {
	Scan(dest ...any) error
}

func scanSubmission(row scanner) (*submission.Submission, error) {
	var (
		s                                            submission.Submission
		typ, status                                  string
		irn, originalIRN                             sql.NullString
		validation                                   []byte
		signingTime, nextRetry, submitted, completed sql.NullInt64
		created, updated                             int64
	)
	err := row.Scan(
		&s.ID, &s.InvoiceID, &s.BusinessID, &typ, &status, &irn, &originalIRN, &s.Reason,
		&s.Signature, &s.Certificate, &s.Digest, &signingTime, &s.RequestCanonical, &s.RequestDocument,
		&s.ResponsePayload, &s.Attempts, &s.MaxAttempts, &nextRetry, &s.LastError, &s.ResponseCode,
		&s.ResponseMessage, &s.ResponseField, &s.QRCode, &s.AuthoritySignature, &validation,
		&created, &updated, &submitted, &completed, &s.Version,
	)
	if err != nil {
		return nil, err
	}

	s.Type = submission.Type(typ)
	s.Status = submission.Status(status)
	s.IRN = irn.String
	s.OriginalIRN = originalIRN.String
	s.SigningTime = fromNanos(signingTime)
	s.NextRetryAt = fromNanos(nextRetry)
	s.SubmittedAt = fromNanos(submitted)
	s.CompletedAt = fromNanos(completed)
	s.CreatedAt = time.Unix(0, created).UTC()
	s.UpdatedAt = time.Unix(0, updated).UTC()
	if s.ValidationErrors, err = submission.DecodeValidationErrors(validation); err != nil {
		return nil, fmt.Errorf("decode validation errors: %w", err)
	}
	return &s, nil
}

func nanos(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

func fromNanos(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := time.Unix(0, n.Int64).UTC()
	return &t
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullBytes(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

// sqlLimit maps "no limit" onto SQLite's LIMIT -1.
func sqlLimit(limit int) int {
	if limit <= 0 {
		return -1
	}
	return limit
}
