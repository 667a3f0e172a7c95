// Package submission defines the regulatory submission ledger: records, their
// state machine and the storage port.
package submission

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"3tcapital/ms_einvoice_core/internal/core/invoice"
)

// Status is the lifecycle state of a submission record.
type Status string

const (
	StatusPending   Status = "pending"
	StatusSubmitted Status = "submitted"
	StatusApproved  Status = "approved"
	StatusRejected  Status = "rejected"
	StatusFailed    Status = "failed"
)

// Terminal reports whether no further transition is allowed out of s.
func (s Status) Terminal() bool {
	return s == StatusApproved || s == StatusRejected || s == StatusFailed
}

// Type is the regulatory action a record represents.
type Type string

const (
	TypeInvoice      Type = "invoice"
	TypeCreditNote   Type = "credit-note"
	TypeDebitNote    Type = "debit-note"
	TypeCancellation Type = "cancellation"
)

// TypeForKind maps an invoice kind onto the submission type that reports it.
func TypeForKind(k invoice.Kind) Type {
	switch k {
	case invoice.KindCreditNote:
		return TypeCreditNote
	case invoice.KindDebitNote:
		return TypeDebitNote
	default:
		return TypeInvoice
	}
}

var (
	ErrNotFound        = errors.New("submission not found")
	ErrAlreadyApproved = errors.New("invoice already approved by the authority")
	ErrInFlight        = errors.New("a submission for this invoice is already in progress")
	ErrNotApproved     = errors.New("invoice has no approved submission to cancel")
	ErrAlreadyCanceled = errors.New("invoice already cancelled")
	// ErrConflict is returned when a record changed since it was read.
	ErrConflict = errors.New("submission was modified concurrently")
	// ErrInvalidTransition is returned for a state change the lifecycle forbids.
	ErrInvalidTransition = errors.New("invalid submission state transition")
)

// Submission is one attempted regulatory action on an invoice.
type Submission struct {
	ID         string
	InvoiceID  string
	BusinessID string
	Type       Type
	Status     Status

	// IRN is immutable once the record has been signed.
	IRN string
	// OriginalIRN is set on cancellation records.
	OriginalIRN string
	Reason      string

	Signature   string
	Certificate string
	Digest      string
	SigningTime *time.Time

	// RequestCanonical is the canonical document the digest was computed over.
	RequestCanonical []byte
	// RequestDocument is the XML transmitted to the authority.
	RequestDocument []byte
	// ResponsePayload is the last authority reply, verbatim.
	ResponsePayload []byte

	Attempts    int
	MaxAttempts int
	NextRetryAt *time.Time
	LastError   string

	ResponseCode       string
	ResponseMessage    string
	ResponseField      string
	QRCode             string
	AuthoritySignature string
	ValidationErrors   []invoice.FieldError

	CreatedAt   time.Time
	UpdatedAt   time.Time
	SubmittedAt *time.Time
	CompletedAt *time.Time

	// Version supports optimistic concurrency in the ledger.
	Version int
}

// Signed reports whether signature and digest have been populated.
func (s *Submission) Signed() bool {
	return s.Signature != "" && s.Digest != "" && len(s.RequestDocument) > 0
}

// CanRetry reports whether another transmission attempt is allowed.
func (s *Submission) CanRetry() bool {
	return !s.Status.Terminal() && s.Attempts < s.MaxAttempts
}

var transitions = map[Status][]Status{
	StatusPending:   {StatusSubmitted, StatusFailed},
	StatusSubmitted: {StatusSubmitted, StatusApproved, StatusRejected, StatusFailed},
}

// Transition moves the record to next. Moving a terminal record is refused
// with ErrInvalidTransition; callers treat that as a no-op.
func (s *Submission) Transition(next Status, at time.Time) error {
	for _, allowed := range transitions[s.Status] {
		if allowed == next {
			s.Status = next
			s.UpdatedAt = at
			if next.Terminal() {
				completed := at
				s.CompletedAt = &completed
				s.NextRetryAt = nil
			}
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.Status, next)
}

// Attempt is one transmission or status lookup, kept verbatim for audit.
type Attempt struct {
	ID           string
	SubmissionID string
	Number       int
	Operation    string
	// IdempotencyKey is sent with every transmission of the same record.
	IdempotencyKey  string
	RequestPayload  []byte
	ResponsePayload []byte
	HTTPStatus      int
	ResponseCode    string
	Outcome         string
	Error           string
	DurationMs      int64
	StartedAt       time.Time
}

const (
	OperationTransmit    = "transmit"
	OperationStatusCheck = "status"
)

// Result is the caller facing view of a submission.
type Result struct {
	ID               string               `json:"id"`
	InvoiceID        string               `json:"invoiceId"`
	BusinessID       string               `json:"businessId"`
	Type             Type                 `json:"type"`
	Status           Status               `json:"status"`
	IRN              string               `json:"irn,omitempty"`
	OriginalIRN      string               `json:"originalIrn,omitempty"`
	QRCode           string               `json:"qrCode,omitempty"`
	Signature        string               `json:"signature,omitempty"`
	SigningTime      *time.Time           `json:"signingTime,omitempty"`
	ResponseCode     string               `json:"responseCode,omitempty"`
	ResponseMessage  string               `json:"responseMessage,omitempty"`
	ResponseField    string               `json:"responseField,omitempty"`
	LastError        string               `json:"lastError,omitempty"`
	ValidationErrors []invoice.FieldError `json:"validationErrors,omitempty"`
	Attempts         int                  `json:"attempts"`
	NextRetryAt      *time.Time           `json:"nextRetryAt,omitempty"`
	CreatedAt        time.Time            `json:"createdAt"`
	UpdatedAt        time.Time            `json:"updatedAt"`
	SubmittedAt      *time.Time           `json:"submittedAt,omitempty"`
	CompletedAt      *time.Time           `json:"completedAt,omitempty"`
}

// Result projects the record for callers.
func (s *Submission) Result() *Result {
	return &Result{
		ID:               s.ID,
		InvoiceID:        s.InvoiceID,
		BusinessID:       s.BusinessID,
		Type:             s.Type,
		Status:           s.Status,
		IRN:              s.IRN,
		OriginalIRN:      s.OriginalIRN,
		QRCode:           s.QRCode,
		Signature:        s.Signature,
		SigningTime:      s.SigningTime,
		ResponseCode:     s.ResponseCode,
		ResponseMessage:  s.ResponseMessage,
		ResponseField:    s.ResponseField,
		LastError:        s.LastError,
		ValidationErrors: s.ValidationErrors,
		Attempts:         s.Attempts,
		NextRetryAt:      s.NextRetryAt,
		CreatedAt:        s.CreatedAt,
		UpdatedAt:        s.UpdatedAt,
		SubmittedAt:      s.SubmittedAt,
		CompletedAt:      s.CompletedAt,
	}
}

// EncodeValidationErrors serializes field errors for storage.
func EncodeValidationErrors(errs []invoice.FieldError) ([]byte, error) {
	if len(errs) == 0 {
		return nil, nil
	}
	return json.Marshal(errs)
}

// DecodeValidationErrors is the inverse of EncodeValidationErrors.
func DecodeValidationErrors(data []byte) ([]invoice.FieldError, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var errs []invoice.FieldError
	if err := json.Unmarshal(data, &errs); err != nil {
		return nil, err
	}
	return errs, nil
}
