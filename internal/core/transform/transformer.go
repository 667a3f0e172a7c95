package transform

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"3tcapital/ms_einvoice_core/internal/core/invoice"
)

var (
	hundred      = decimal.NewFromInt(100)
	currencyCode = regexp.MustCompile(`^[A-Z]{3}$`)
)

// ValidationError lists every field that prevented a transformation.
type ValidationError struct {
	Fields []invoice.FieldError
}

func (e *ValidationError) Error() string {
	parts := make([]string, len(e.Fields))
	for i, f := range e.Fields {
		parts[i] = f.Field + ": " + f.Message
	}
	return "invoice validation failed: " + strings.Join(parts, "; ")
}

type fieldErrors []invoice.FieldError

func (f *fieldErrors) add(field, format string, args ...any) {
	*f = append(*f, invoice.FieldError{Field: field, Message: fmt.Sprintf(format, args...)})
}

func (f fieldErrors) err() error {
	if len(f) == 0 {
		return nil
	}
	return &ValidationError{Fields: f}
}

// Transformer is a pure mapping from the invoice model to authority documents.
type Transformer struct{}

// New returns a Transformer.
func New() *Transformer {
	return &Transformer{}
}

// Transform maps an invoice or credit/debit note. Missing or inconsistent
// fields are reported together in a *ValidationError.
func (t *Transformer) Transform(inv *invoice.Invoice, biz *invoice.Business) (*Document, error) {
	var errs fieldErrors
	if inv == nil || biz == nil {
		errs.add("invoice", "invoice and business are required")
		return nil, errs.err()
	}

	doc := &Document{
		InvoiceID:    inv.ID,
		Number:       strings.TrimSpace(inv.Number),
		ReferenceIRN: strings.TrimSpace(inv.ReferenceIRN),
		Currency:     strings.TrimSpace(inv.Currency),
		Note:         inv.Note,
		Seller:       sellerParty(biz),
		Buyer: Party{
			Name:    strings.TrimSpace(inv.Customer.Name),
			TaxID:   strings.TrimSpace(inv.Customer.TaxID),
			Email:   inv.Customer.Email,
			Phone:   inv.Customer.Phone,
			Address: inv.Customer.Address,
		},
	}

	switch inv.EffectiveKind() {
	case invoice.KindInvoice:
		doc.Type = TypeInvoice
	case invoice.KindCreditNote:
		doc.Type = TypeCreditNote
	case invoice.KindDebitNote:
		doc.Type = TypeDebitNote
	default:
		errs.add("kind", "unsupported document kind %q", inv.Kind)
	}
	if doc.Type != TypeInvoice && doc.Type != "" && doc.ReferenceIRN == "" {
		errs.add("reference_irn", "is required")
	}

	requireText(&errs, "id", inv.ID)
	requireText(&errs, "number", doc.Number)
	if inv.IssueDate.IsZero() {
		errs.add("issue_date", "is required")
	} else {
		doc.IssueDate = inv.IssueDate.Format(dateLayout)
	}
	if inv.DueDate != nil {
		doc.DueDate = inv.DueDate.Format(dateLayout)
	}
	if inv.SupplyDate != nil {
		doc.SupplyDate = inv.SupplyDate.Format(dateLayout)
	}
	if doc.Currency == "" {
		errs.add("currency", "is required")
	} else if !currencyCode.MatchString(doc.Currency) {
		errs.add("currency", "must be a three letter ISO 4217 code")
	}

	requireSeller(&errs, doc.Seller)
	requireText(&errs, "customer.name", doc.Buyer.Name)
	requireText(&errs, "customer.tax_id", doc.Buyer.TaxID)

	if len(inv.Lines) == 0 {
		errs.add("lines", "at least one line item is required")
	}
	for i, item := range inv.Lines {
		line, ok := computeLine(&errs, i, item)
		if !ok {
			continue
		}
		doc.Lines = append(doc.Lines, line)
		doc.Totals.Subtotal = doc.Totals.Subtotal.Add(line.Gross)
		doc.Totals.Discount = doc.Totals.Discount.Add(line.DiscountAmount)
		doc.Totals.Tax = doc.Totals.Tax.Add(line.TaxAmount)
	}
	doc.Totals.Taxable = doc.Totals.Subtotal.Sub(doc.Totals.Discount)
	doc.Totals.Total = doc.Totals.Taxable.Add(doc.Totals.Tax)

	if inv.Totals != nil && len(doc.Lines) == len(inv.Lines) {
		compareTotal(&errs, "totals.subtotal", inv.Totals.Subtotal, doc.Totals.Subtotal)
		compareTotal(&errs, "totals.discount", inv.Totals.Discount, doc.Totals.Discount)
		compareTotal(&errs, "totals.tax", inv.Totals.Tax, doc.Totals.Tax)
		compareTotal(&errs, "totals.total", inv.Totals.Total, doc.Totals.Total)
	}

	doc.Payment = Payment{
		Means:     inv.PaymentMeans,
		DueDate:   doc.DueDate,
		AmountDue: doc.Totals.Total,
		Currency:  doc.Currency,
	}

	if err := errs.err(); err != nil {
		return nil, err
	}
	return doc, nil
}

// TransformCancellation builds the cancellation request for an approved invoice.
func (t *Transformer) TransformCancellation(inv *invoice.Invoice, biz *invoice.Business, originalIRN, reason string, at time.Time) (*Document, error) {
	var errs fieldErrors
	if inv == nil || biz == nil {
		errs.add("invoice", "invoice and business are required")
		return nil, errs.err()
	}

	doc := &Document{
		Type:      TypeCancellation,
		InvoiceID: inv.ID,
		Number:    strings.TrimSpace(inv.Number),
		Currency:  strings.TrimSpace(inv.Currency),
		IssueDate: at.UTC().Format(dateLayout),
		Seller:    sellerParty(biz),
		Cancellation: &Cancellation{
			OriginalIRN: strings.TrimSpace(originalIRN),
			Reason:      strings.TrimSpace(reason),
			Date:        at.UTC().Format(dateLayout),
		},
	}

	requireText(&errs, "id", inv.ID)
	requireText(&errs, "number", doc.Number)
	requireText(&errs, "original_irn", doc.Cancellation.OriginalIRN)
	requireText(&errs, "reason", doc.Cancellation.Reason)
	requireSeller(&errs, doc.Seller)

	if err := errs.err(); err != nil {
		return nil, err
	}
	return doc, nil
}

func sellerParty(biz *invoice.Business) Party {
	return Party{
		Name:    strings.TrimSpace(biz.LegalName),
		TaxID:   strings.TrimSpace(biz.TaxID),
		Email:   biz.Email,
		Phone:   biz.Phone,
		Address: biz.Address,
	}
}

func requireSeller(errs *fieldErrors, seller Party) {
	requireText(errs, "business.legal_name", seller.Name)
	requireText(errs, "business.tax_id", seller.TaxID)
}

func requireText(errs *fieldErrors, field, value string) {
	if strings.TrimSpace(value) == "" {
		errs.add(field, "is required")
	}
}

// computeLine derives line amounts rounded to two decimals, half away from zero.
func computeLine(errs *fieldErrors, i int, item invoice.LineItem) (Line, bool) {
	prefix := fmt.Sprintf("lines[%d].", i)
	before := len(*errs)

	if strings.TrimSpace(item.Description) == "" {
		errs.add(prefix+"description", "is required")
	}
	if !item.Quantity.IsPositive() {
		errs.add(prefix+"quantity", "must be greater than zero")
	}
	if item.UnitPrice.IsNegative() {
		errs.add(prefix+"unit_price", "cannot be negative")
	}
	checkRate(errs, prefix+"discount_rate", item.DiscountRate)
	checkRate(errs, prefix+"tax_rate", item.TaxRate)
	if len(*errs) > before {
		return Line{}, false
	}

	gross := item.Quantity.Mul(item.UnitPrice).Round(2)
	discount := gross.Mul(item.DiscountRate).Div(hundred).Round(2)
	taxable := gross.Sub(discount)
	tax := taxable.Mul(item.TaxRate).Div(hundred).Round(2)

	return Line{
		Number:         i + 1,
		Description:    strings.TrimSpace(item.Description),
		ItemCode:       item.ItemCode,
		Unit:           item.Unit,
		Quantity:       item.Quantity,
		UnitPrice:      item.UnitPrice,
		Gross:          gross,
		DiscountRate:   item.DiscountRate,
		DiscountAmount: discount,
		TaxRate:        item.TaxRate,
		TaxAmount:      tax,
		LineTotal:      taxable.Add(tax),
	}, true
}

func checkRate(errs *fieldErrors, field string, rate decimal.Decimal) {
	if rate.IsNegative() || rate.GreaterThan(hundred) {
		errs.add(field, "must be between 0 and 100")
	}
}

func compareTotal(errs *fieldErrors, field string, declared, computed decimal.Decimal) {
	if !declared.Round(2).Equal(computed) {
		errs.add(field, "declared %s does not match computed %s", declared.StringFixed(2), computed.StringFixed(2))
	}
}
