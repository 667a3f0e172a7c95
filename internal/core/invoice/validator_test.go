package invoice

import (
	"context"
	"testing"
	"time"
)

func TestRulesValidator_Validate(t *testing.T) {
	now := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	yesterday := now.Add(-24 * time.Hour)
	lastWeek := now.Add(-7 * 24 * time.Hour)
	nextMonth := now.Add(30 * 24 * time.Hour)

	base := func() *Invoice {
		return &Invoice{
			ID:         "inv-1",
			BusinessID: "biz-1",
			Number:     "INV-0001",
			Kind:       KindInvoice,
			Currency:   "NGN",
			IssueDate:  now,
			DueDate:    &nextMonth,
			Customer:   Customer{Name: "Buyer Ltd", TaxID: "T-2", Email: "ap@buyer.example"},
		}
	}
	biz := &Business{ID: "biz-1"}

	tests := []struct {
		name       string
		mutate     func(inv *Invoice)
		wantFields []string
	}{
		{name: "valid invoice", mutate: func(*Invoice) {}},
		{name: "credit note without reference", mutate: func(inv *Invoice) { inv.Kind = KindCreditNote }, wantFields: []string{"reference_irn"}},
		{name: "credit note with reference", mutate: func(inv *Invoice) { inv.Kind = KindCreditNote; inv.ReferenceIRN = "IRN-1" }},
		{name: "unknown kind", mutate: func(inv *Invoice) { inv.Kind = "receipt" }, wantFields: []string{"kind"}},
		{name: "issue date in the future", mutate: func(inv *Invoice) { inv.IssueDate = nextMonth; inv.DueDate = nil }, wantFields: []string{"issue_date"}},
		{name: "due before issue", mutate: func(inv *Invoice) { inv.DueDate = &lastWeek }, wantFields: []string{"due_date"}},
		{name: "supply date after issue", mutate: func(inv *Invoice) { inv.IssueDate = lastWeek; inv.SupplyDate = &yesterday }, wantFields: []string{"supply_date"}},
		{name: "bad email", mutate: func(inv *Invoice) { inv.Customer.Email = "not-an-email" }, wantFields: []string{"customer.email"}},
		{name: "other business", mutate: func(inv *Invoice) { inv.BusinessID = "biz-2" }, wantFields: []string{"business_id"}},
		{name: "already approved", mutate: func(inv *Invoice) { inv.Status = RegulatoryApproved }, wantFields: []string{"status"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := NewRulesValidator()
			v.now = func() time.Time { return now }

			inv := base()
			tt.mutate(inv)
			got := v.Validate(context.Background(), inv, biz)

			if len(got) != len(tt.wantFields) {
				t.Fatalf("expected %d errors, got %d: %+v", len(tt.wantFields), len(got), got)
			}
			for i, field := range tt.wantFields {
				if got[i].Field != field {
					t.Errorf("error %d: expected field %q, got %q", i, field, got[i].Field)
				}
			}
		})
	}
}

func TestRulesValidator_NilInvoice(t *testing.T) {
	got := NewRulesValidator().Validate(context.Background(), nil, nil)
	if len(got) != 1 || got[0].Field != "invoice" {
		t.Errorf("expected a single invoice error, got %+v", got)
	}
}
