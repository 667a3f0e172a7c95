package audit

import (
	"context"
	"encoding/json"
	"time"
)

// Exchange is the sanitized record of one HTTP call made to the tax authority.
// Rows are written for every call, including the ones that never got a response.
type Exchange struct {
	ID              int64
	CorrelationID   string
	SubmissionID    string
	Operation       string
	RequestMethod   string
	RequestURL      string
	RequestHeaders  map[string]string
	RequestBody     json.RawMessage
	ResponseStatus  *int
	ResponseHeaders map[string]string
	ResponseBody    json.RawMessage
	DurationMs      int64
	ErrorMessage    string
	CreatedAt       time.Time
}

// Repository persists and retrieves authority exchanges.
type Repository interface {
	Save(ctx context.Context, exchange Exchange) error

	// FindByCorrelationID returns every exchange made while serving one inbound request.
	FindByCorrelationID(ctx context.Context, correlationID string) ([]Exchange, error)

	// FindBySubmissionID returns the exchanges of one submission, oldest first.
	FindBySubmissionID(ctx context.Context, submissionID string) ([]Exchange, error)
}
