package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"3tcapital/ms_einvoice_core/internal/core/audit"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const exchangeColumns = `id, correlation_id, submission_id, operation, request_method, request_url,
	request_headers, request_body, response_status, response_headers,
	response_body, duration_ms, error_message, created_at`

// Repository stores authority exchanges in authority_audit_log.
type Repository struct {
	pool *pgxpool.Pool
	log  *slog.Logger
}

// NewRepository creates a PostgreSQL audit repository. log may be nil.
func NewRepository(pool *pgxpool.Pool, log *slog.Logger) *Repository {
	return &Repository{pool: pool, log: log}
}

// Save inserts one exchange.
func (r *Repository) Save(ctx context.Context, e audit.Exchange) error {
	requestHeaders, err := marshalHeaders(e.RequestHeaders)
	if err != nil {
		return fmt.Errorf("marshal request headers: %w", err)
	}
	responseHeaders, err := marshalHeaders(e.ResponseHeaders)
	if err != nil {
		return fmt.Errorf("marshal response headers: %w", err)
	}

	var requestBody, responseBody any
	if len(e.RequestBody) > 0 {
		requestBody = []byte(e.RequestBody)
	}
	if len(e.ResponseBody) > 0 {
		responseBody = []byte(e.ResponseBody)
	}

	_, err = r.pool.Exec(ctx, `
		INSERT INTO authority_audit_log (
			correlation_id, submission_id, operation, request_method, request_url,
			request_headers, request_body, response_status, response_headers,
			response_body, duration_ms, error_message
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		e.CorrelationID,
		nullable(e.SubmissionID),
		e.Operation,
		e.RequestMethod,
		e.RequestURL,
		requestHeaders,
		requestBody,
		e.ResponseStatus,
		responseHeaders,
		responseBody,
		e.DurationMs,
		e.ErrorMessage,
	)
	if err != nil {
		if r.log != nil {
			r.log.Error("Failed to insert authority exchange",
				"correlation_id", e.CorrelationID,
				"submission_id", e.SubmissionID,
				"operation", e.Operation,
				"error", err,
			)
		}
		return fmt.Errorf("insert authority exchange: %w", err)
	}
	return nil
}

// FindByCorrelationID returns exchanges for a correlation id, newest first.
func (r *Repository) FindByCorrelationID(ctx context.Context, correlationID string) ([]audit.Exchange, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+exchangeColumns+`
		FROM authority_audit_log
		WHERE correlation_id = $1
		ORDER BY created_at DESC`, correlationID)
	if err != nil {
		return nil, fmt.Errorf("query authority exchanges: %w", err)
	}
	return collectExchanges(rows)
}

// FindBySubmissionID returns exchanges for a submission, oldest first.
func (r *Repository) FindBySubmissionID(ctx context.Context, submissionID string) ([]audit.Exchange, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+exchangeColumns+`
		FROM authority_audit_log
		WHERE submission_id = $1
		ORDER BY created_at ASC, id ASC`, submissionID)
	if err != nil {
		return nil, fmt.Errorf("query authority exchanges: %w", err)
	}
	return collectExchanges(rows)
}

func collectExchanges(rows pgx.Rows) ([]audit.Exchange, error) {
	defer rows.Close()

	var out []audit.Exchange
	for rows.Next() {
		var (
			e                               audit.Exchange
			submissionID                    *string
			requestHeaders, responseHeaders []byte
			requestBody, responseBody       []byte
		)
		if err := rows.Scan(
			&e.ID,
			&e.CorrelationID,
			&submissionID,
			&e.Operation,
			&e.RequestMethod,
			&e.RequestURL,
			&requestHeaders,
			&requestBody,
			&e.ResponseStatus,
			&responseHeaders,
			&responseBody,
			&e.DurationMs,
			&e.ErrorMessage,
			&e.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan authority exchange: %w", err)
		}
		if submissionID != nil {
			e.SubmissionID = *submissionID
		}
		if err := unmarshalHeaders(requestHeaders, &e.RequestHeaders); err != nil {
			return nil, fmt.Errorf("unmarshal request headers: %w", err)
		}
		if err := unmarshalHeaders(responseHeaders, &e.ResponseHeaders); err != nil {
			return nil, fmt.Errorf("unmarshal response headers: %w", err)
		}
		e.RequestBody = requestBody
		e.ResponseBody = responseBody
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return out, nil
}

func marshalHeaders(h map[string]string) ([]byte, error) {
	if h == nil {
		h = map[string]string{}
	}
	return json.Marshal(h)
}

func unmarshalHeaders(raw []byte, dst *map[string]string) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, dst)
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
