// Package transform maps invoices onto the authority's document schema.
package transform

import (
	"github.com/shopspring/decimal"

	"3tcapital/ms_einvoice_core/internal/core/canonical"
)

// DocumentType is the root element of the authority document.
type DocumentType string

const (
	TypeInvoice      DocumentType = "Invoice"
	TypeCreditNote   DocumentType = "CreditNote"
	TypeDebitNote    DocumentType = "DebitNote"
	TypeCancellation DocumentType = "Cancellation"
)

const dateLayout = "2006-01-02"

// Party is a seller or buyer block.
type Party struct {
	Name    string
	TaxID   string
	Email   string
	Phone   string
	Address string
}

// Line is a fully computed line item.
type Line struct {
	Number         int
	Description    string
	ItemCode       string
	Unit           string
	Quantity       decimal.Decimal
	UnitPrice      decimal.Decimal
	Gross          decimal.Decimal
	DiscountRate   decimal.Decimal
	DiscountAmount decimal.Decimal
	TaxRate        decimal.Decimal
	TaxAmount      decimal.Decimal
	LineTotal      decimal.Decimal
}

// Totals is the document level totals block.
type Totals struct {
	Subtotal decimal.Decimal
	Discount decimal.Decimal
	Taxable  decimal.Decimal
	Tax      decimal.Decimal
	Total    decimal.Decimal
}

// Payment is the payment metadata block.
type Payment struct {
	Means     string
	DueDate   string
	AmountDue decimal.Decimal
	Currency  string
}

// Cancellation carries the cancellation request details.
type Cancellation struct {
	OriginalIRN string
	Reason      string
	Date        string
}

// Document is the authority representation of an invoice, credit/debit note or
// cancellation, before signing.
type Document struct {
	Type         DocumentType
	InvoiceID    string
	Number       string
	ReferenceIRN string
	IssueDate    string
	DueDate      string
	SupplyDate   string
	Currency     string
	Note         string
	Seller       Party
	Buyer        Party
	Lines        []Line
	Totals       Totals
	Payment      Payment
	Cancellation *Cancellation
}

// Fields returns the document as a generic key/value tree. Amounts are fixed
// two-decimal strings so the canonical encoding never depends on float
// formatting.
func (d *Document) Fields() map[string]any {
	header := map[string]any{
		"type":       string(d.Type),
		"invoice_id": d.InvoiceID,
		"number":     d.Number,
		"currency":   d.Currency,
		"issue_date": d.IssueDate,
	}
	putIf(header, "reference_irn", d.ReferenceIRN)
	putIf(header, "due_date", d.DueDate)
	putIf(header, "supply_date", d.SupplyDate)
	putIf(header, "note", d.Note)

	out := map[string]any{
		"header": header,
		"seller": d.Seller.fields(),
	}

	if d.Cancellation != nil {
		out["cancellation"] = map[string]any{
			"original_irn": d.Cancellation.OriginalIRN,
			"reason":       d.Cancellation.Reason,
			"date":         d.Cancellation.Date,
		}
		return out
	}

	lines := make([]any, len(d.Lines))
	for i, l := range d.Lines {
		line := map[string]any{
			"number":          l.Number,
			"description":     l.Description,
			"quantity":        l.Quantity.String(),
			"unit_price":      money(l.UnitPrice),
			"gross":           money(l.Gross),
			"discount_rate":   l.DiscountRate.String(),
			"discount_amount": money(l.DiscountAmount),
			"tax_rate":        l.TaxRate.String(),
			"tax_amount":      money(l.TaxAmount),
			"line_total":      money(l.LineTotal),
		}
		putIf(line, "item_code", l.ItemCode)
		putIf(line, "unit", l.Unit)
		lines[i] = line
	}

	out["buyer"] = d.Buyer.fields()
	out["lines"] = lines
	out["totals"] = map[string]any{
		"subtotal": money(d.Totals.Subtotal),
		"discount": money(d.Totals.Discount),
		"taxable":  money(d.Totals.Taxable),
		"tax":      money(d.Totals.Tax),
		"total":    money(d.Totals.Total),
	}
	payment := map[string]any{
		"amount_due": money(d.Payment.AmountDue),
		"currency":   d.Payment.Currency,
	}
	putIf(payment, "means", d.Payment.Means)
	putIf(payment, "due_date", d.Payment.DueDate)
	out["payment"] = payment
	return out
}

// Canonical returns the canonical JSON encoding of Fields.
func (d *Document) Canonical() ([]byte, error) {
	return canonical.Encode(d.Fields())
}

func (p Party) fields() map[string]any {
	m := map[string]any{
		"name":   p.Name,
		"tax_id": p.TaxID,
	}
	putIf(m, "email", p.Email)
	putIf(m, "phone", p.Phone)
	putIf(m, "address", p.Address)
	return m
}

func putIf(m map[string]any, key, value string) {
	if value != "" {
		m[key] = value
	}
}

func money(d decimal.Decimal) string {
	return d.StringFixed(2)
}
