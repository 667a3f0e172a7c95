package invoice

import (
	"time"

	"github.com/shopspring/decimal"
)

// Kind identifies the commercial document type of an invoice record.
type Kind string

const (
	KindInvoice    Kind = "invoice"
	KindCreditNote Kind = "credit-note"
	KindDebitNote  Kind = "debit-note"
)

// RegulatoryStatus is the regulatory state mirrored back onto the invoice.
type RegulatoryStatus string

const (
	RegulatoryNone      RegulatoryStatus = ""
	RegulatoryPending   RegulatoryStatus = "pending"
	RegulatorySubmitted RegulatoryStatus = "submitted"
	RegulatoryApproved  RegulatoryStatus = "approved"
	RegulatoryRejected  RegulatoryStatus = "rejected"
	RegulatoryFailed    RegulatoryStatus = "failed"
	RegulatoryCancelled RegulatoryStatus = "cancelled"
)

// LineItem is one billed line. Rates are percentages (7.5 means 7.5%).
type LineItem struct {
	Description  string
	ItemCode     string
	Unit         string
	Quantity     decimal.Decimal
	UnitPrice    decimal.Decimal
	DiscountRate decimal.Decimal
	TaxRate      decimal.Decimal
}

// Customer is the buyer of an invoice.
type Customer struct {
	Name    string
	TaxID   string
	Email   string
	Phone   string
	Address string
}

// Totals are the amounts computed by the invoicing application.
type Totals struct {
	Subtotal decimal.Decimal
	Discount decimal.Decimal
	Tax      decimal.Decimal
	Total    decimal.Decimal
}

// Invoice is a finalized invoice owned by the invoicing application.
type Invoice struct {
	ID         string
	BusinessID string
	Number     string
	Kind       Kind
	// ReferenceIRN is the IRN of the invoice a credit or debit note adjusts.
	ReferenceIRN string
	Customer     Customer
	Lines        []LineItem
	// Totals is nil when the invoicing application did not precompute them.
	Totals       *Totals
	Currency     string
	IssueDate    time.Time
	DueDate      *time.Time
	SupplyDate   *time.Time
	PaymentMeans string
	Note         string
	Status       RegulatoryStatus
}

// EffectiveKind defaults an unset kind to a plain invoice.
func (i *Invoice) EffectiveKind() Kind {
	if i.Kind == "" {
		return KindInvoice
	}
	return i.Kind
}

// Business is an issuing business and its signing identity.
type Business struct {
	ID        string
	LegalName string
	TaxID     string
	Address   string
	Email     string
	Phone     string

	// CSID is the compliance identifier issued by the tax authority.
	CSID          string
	CSIDExpiresAt time.Time
	// PrivateKeyPEM may hold an ENCRYPTED PRIVATE KEY block; the passphrase is
	// configured on the service, not stored with the business.
	PrivateKeyPEM  []byte
	CertificatePEM []byte
	UpdatedAt      time.Time
}
