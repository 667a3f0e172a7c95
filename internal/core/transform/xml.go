package transform

import (
	"fmt"
	"strconv"
	"time"

	"github.com/beevik/etree"
)

// Namespace is the authority document namespace.
const Namespace = "urn:einvoice:authority:document:1.0"

// SignatureBlock is the detached-signature header carried by outbound documents.
type SignatureBlock struct {
	Algorithm       string
	KeyID           string
	SigningTime     time.Time
	Chain           []string
	DigestAlgorithm string
	DigestValue     string
	IRN             string
	Value           string
}

// Render serializes the document with its IRN and signature block as XML.
func Render(d *Document, irn string, sig *SignatureBlock) ([]byte, error) {
	if d == nil {
		return nil, fmt.Errorf("render: document is required")
	}
	if sig == nil {
		return nil, fmt.Errorf("render: signature block is required")
	}

	doc := etree.NewDocument()
	doc.CreateProcInst("xml", `version="1.0" encoding="UTF-8"`)

	root := doc.CreateElement(string(d.Type))
	root.CreateAttr("xmlns", Namespace)

	header := root.CreateElement("Header")
	text(header, "IRN", irn)
	text(header, "InvoiceID", d.InvoiceID)
	text(header, "Number", d.Number)
	text(header, "IssueDate", d.IssueDate)
	optional(header, "DueDate", d.DueDate)
	optional(header, "SupplyDate", d.SupplyDate)
	optional(header, "ReferenceIRN", d.ReferenceIRN)
	optional(header, "Currency", d.Currency)
	optional(header, "Note", d.Note)

	party(root, "Seller", d.Seller)

	if d.Cancellation != nil {
		c := root.CreateElement("CancellationDetails")
		text(c, "OriginalIRN", d.Cancellation.OriginalIRN)
		text(c, "Reason", d.Cancellation.Reason)
		text(c, "Date", d.Cancellation.Date)
	} else {
		party(root, "Buyer", d.Buyer)

		lines := root.CreateElement("Lines")
		for _, l := range d.Lines {
			line := lines.CreateElement("Line")
			line.CreateAttr("number", strconv.Itoa(l.Number))
			text(line, "Description", l.Description)
			optional(line, "ItemCode", l.ItemCode)
			optional(line, "Unit", l.Unit)
			text(line, "Quantity", l.Quantity.String())
			text(line, "UnitPrice", money(l.UnitPrice))
			text(line, "Gross", money(l.Gross))
			text(line, "DiscountRate", l.DiscountRate.String())
			text(line, "DiscountAmount", money(l.DiscountAmount))
			text(line, "TaxRate", l.TaxRate.String())
			text(line, "TaxAmount", money(l.TaxAmount))
			text(line, "LineTotal", money(l.LineTotal))
		}

		totals := root.CreateElement("Totals")
		totals.CreateAttr("currency", d.Currency)
		text(totals, "Subtotal", money(d.Totals.Subtotal))
		text(totals, "Discount", money(d.Totals.Discount))
		text(totals, "Taxable", money(d.Totals.Taxable))
		text(totals, "Tax", money(d.Totals.Tax))
		text(totals, "Total", money(d.Totals.Total))

		payment := root.CreateElement("Payment")
		optional(payment, "Means", d.Payment.Means)
		optional(payment, "DueDate", d.Payment.DueDate)
		text(payment, "AmountDue", money(d.Payment.AmountDue))
		text(payment, "Currency", d.Payment.Currency)
	}

	s := root.CreateElement("Signature")
	text(s, "Algorithm", sig.Algorithm)
	text(s, "KeyID", sig.KeyID)
	text(s, "SigningTime", sig.SigningTime.UTC().Format(time.RFC3339))
	chain := s.CreateElement("CertificateChain")
	for _, c := range sig.Chain {
		text(chain, "Certificate", c)
	}
	text(s, "DigestAlgorithm", sig.DigestAlgorithm)
	text(s, "DigestValue", sig.DigestValue)
	text(s, "IRN", sig.IRN)
	text(s, "Value", sig.Value)

	doc.Indent(2)
	out, err := doc.WriteToBytes()
	if err != nil {
		return nil, fmt.Errorf("render: %w", err)
	}
	return out, nil
}

func party(parent *etree.Element, tag string, p Party) {
	el := parent.CreateElement(tag)
	text(el, "Name", p.Name)
	text(el, "TaxID", p.TaxID)
	optional(el, "Email", p.Email)
	optional(el, "Phone", p.Phone)
	optional(el, "Address", p.Address)
}

func text(parent *etree.Element, tag, value string) {
	parent.CreateElement(tag).SetText(value)
}

func optional(parent *etree.Element, tag, value string) {
	if value != "" {
		text(parent, tag, value)
	}
}
