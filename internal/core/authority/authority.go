// Package authority describes the tax authority's remote service as seen by
// the submission pipeline.
package authority

import (
	"context"
	"errors"
	"fmt"
)

// Response codes with a fixed meaning. Every other code is a business rejection.
const (
	CodeApproved   = "00"
	CodeProcessing = "01"
)

// Outcome classifies an authority reply.
type Outcome string

const (
	OutcomeApproved   Outcome = "approved"
	OutcomeRejected   Outcome = "rejected"
	OutcomeProcessing Outcome = "processing"
	OutcomeNotFound   Outcome = "not_found"
)

// Operation selects the submission endpoint.
type Operation string

const (
	OperationSubmit Operation = "submit"
	OperationCancel Operation = "cancel"
)

// TransmitRequest is one signed document sent to the authority.
type TransmitRequest struct {
	Operation      Operation
	IRN            string
	IdempotencyKey string
	CSID           string
	BusinessTaxID  string
	Document       []byte
}

// Response is a well-formed authority reply.
type Response struct {
	Code               string
	Message            string
	Field              string
	IRN                string
	QRCode             string
	AuthoritySignature string
	HTTPStatus         int
	// Raw is the reply body exactly as received.
	Raw []byte
	// NotFound is set by status lookups for IRNs the authority does not know.
	NotFound bool
}

// Outcome maps the response code onto the submission lifecycle.
func (r *Response) Outcome() Outcome {
	switch {
	case r.NotFound:
		return OutcomeNotFound
	case r.Code == CodeApproved:
		return OutcomeApproved
	case r.Code == CodeProcessing:
		return OutcomeProcessing
	default:
		return OutcomeRejected
	}
}

// Authority is the remote tax authority. Sandbox and production differ only
// in configuration.
type Authority interface {
	// Transmit sends one signed document. A non-nil Response with a nil error
	// is a protocol level answer, approval or rejection. Retriable failures
	// are returned as *TransportError.
	Transmit(ctx context.Context, req TransmitRequest) (*Response, error)

	// CheckStatus looks up a previously transmitted IRN.
	CheckStatus(ctx context.Context, irn, csid string) (*Response, error)
}

// ErrUnauthorized means the authority refused our credentials. Retrying
// cannot help until the configuration is fixed.
var ErrUnauthorized = errors.New("authority rejected credentials")

// TransportError is a timeout, connection failure or server side error.
type TransportError struct {
	Op         string
	StatusCode int
	Raw        []byte
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("authority %s: unexpected status code %d: %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("authority %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// IsTransport reports whether err is retriable.
func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}
