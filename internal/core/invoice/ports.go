package invoice

import (
	"context"
	"errors"
)

var (
	ErrInvoiceNotFound  = errors.New("invoice not found")
	ErrBusinessNotFound = errors.New("business not found")
)

// Repository gives the submission pipeline read access to invoices and lets it
// mirror regulatory outcomes back onto them.
type Repository interface {
	// GetInvoice returns the invoice owned by businessID.
	// Returns ErrInvoiceNotFound when it does not exist.
	GetInvoice(ctx context.Context, businessID, invoiceID string) (*Invoice, error)
	// UpdateRegulatoryStatus records the latest regulatory outcome and, when
	// known, the IRN assigned to the invoice.
	UpdateRegulatoryStatus(ctx context.Context, invoiceID string, status RegulatoryStatus, irn string) error
}

// BusinessRepository supplies business records and signing identities.
type BusinessRepository interface {
	// GetBusiness returns ErrBusinessNotFound when it does not exist.
	GetBusiness(ctx context.Context, businessID string) (*Business, error)
}

// FieldError describes one invalid or missing field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Validator is the completeness rule-set run before transformation.
type Validator interface {
	Validate(ctx context.Context, inv *Invoice, biz *Business) []FieldError
}
