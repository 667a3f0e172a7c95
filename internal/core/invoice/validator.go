package invoice

import (
	"context"
	"net/mail"
	"strings"
	"time"
)

// RulesValidator is the default business rule-set applied before an invoice
// is transformed for the authority.
type RulesValidator struct {
	now func() time.Time
	// MaxFutureIssue bounds how far in the future an issue date may be.
	MaxFutureIssue time.Duration
}

// NewRulesValidator returns a validator that tolerates issue dates up to one day ahead.
func NewRulesValidator() *RulesValidator {
	return &RulesValidator{now: time.Now, MaxFutureIssue: 24 * time.Hour}
}

// Validate returns every rule violation found; an empty result means the invoice passes.
func (v *RulesValidator) Validate(_ context.Context, inv *Invoice, biz *Business) []FieldError {
	var errs []FieldError
	add := func(field, msg string) {
		errs = append(errs, FieldError{Field: field, Message: msg})
	}

	if inv == nil {
		return []FieldError{{Field: "invoice", Message: "is required"}}
	}
	if biz != nil && inv.BusinessID != "" && biz.ID != "" && inv.BusinessID != biz.ID {
		add("business_id", "invoice belongs to a different business")
	}

	switch inv.EffectiveKind() {
	case KindInvoice:
	case KindCreditNote, KindDebitNote:
		if strings.TrimSpace(inv.ReferenceIRN) == "" {
			add("reference_irn", "is required for credit and debit notes")
		}
	default:
		add("kind", "must be invoice, credit-note or debit-note")
	}

	if !inv.IssueDate.IsZero() {
		if inv.IssueDate.After(v.now().Add(v.MaxFutureIssue)) {
			add("issue_date", "cannot be in the future")
		}
		if inv.DueDate != nil && inv.DueDate.Before(truncateDay(inv.IssueDate)) {
			add("due_date", "cannot be before the issue date")
		}
		if inv.SupplyDate != nil && inv.SupplyDate.After(inv.IssueDate.Add(v.MaxFutureIssue)) {
			add("supply_date", "cannot be after the issue date")
		}
	}

	if inv.Customer.Email != "" {
		if _, err := mail.ParseAddress(inv.Customer.Email); err != nil {
			add("customer.email", "is not a valid email address")
		}
	}

	switch inv.Status {
	case RegulatoryApproved:
		add("status", "invoice is already approved by the authority")
	case RegulatoryCancelled:
		add("status", "invoice has been cancelled")
	}

	return errs
}

func truncateDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}
