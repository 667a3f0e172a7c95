// Package postgres reads invoices and businesses owned by the invoicing
// application and writes regulatory outcomes back onto invoices.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"3tcapital/ms_einvoice_core/internal/core/invoice"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// InvoiceRepository implements invoice.Repository.
type InvoiceRepository struct {
	pool *pgxpool.Pool
}

var _ invoice.Repository = (*InvoiceRepository)(nil)

// NewInvoiceRepository creates an invoice repository.
func NewInvoiceRepository(pool *pgxpool.Pool) *InvoiceRepository {
	return &InvoiceRepository{pool: pool}
}

// GetInvoice loads an invoice with its lines.
func (r *InvoiceRepository) GetInvoice(ctx context.Context, businessID, invoiceID string) (*invoice.Invoice, error) {
	var (
		inv                            invoice.Invoice
		kind, status                   string
		subtotal, discount, tax, total decimal.NullDecimal
	)
	err := r.pool.QueryRow(ctx, `
		SELECT id, business_id, number, kind, reference_irn,
		       customer_name, customer_tax_id, customer_email, customer_phone, customer_address,
		       subtotal, discount, tax, total, currency, issue_date, due_date, supply_date,
		       payment_means, note, regulatory_status
		FROM invoices
		WHERE id = $1 AND business_id = $2`, invoiceID, businessID).Scan(
		&inv.ID, &inv.BusinessID, &inv.Number, &kind, &inv.ReferenceIRN,
		&inv.Customer.Name, &inv.Customer.TaxID, &inv.Customer.Email, &inv.Customer.Phone, &inv.Customer.Address,
		&subtotal, &discount, &tax, &total, &inv.Currency, &inv.IssueDate, &inv.DueDate, &inv.SupplyDate,
		&inv.PaymentMeans, &inv.Note, &status,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, invoice.ErrInvoiceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get invoice %s: %w", invoiceID, err)
	}
	inv.Kind = invoice.Kind(kind)
	inv.Status = invoice.RegulatoryStatus(status)
	inv.Totals = totals(subtotal, discount, tax, total)

	rows, err := r.pool.Query(ctx, `
		SELECT description, item_code, unit, quantity, unit_price, discount_rate, tax_rate
		FROM invoice_lines
		WHERE invoice_id = $1
		ORDER BY position ASC`, invoiceID)
	if err != nil {
		return nil, fmt.Errorf("query invoice lines: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var line invoice.LineItem
		if err := rows.Scan(&line.Description, &line.ItemCode, &line.Unit, &line.Quantity, &line.UnitPrice, &line.DiscountRate, &line.TaxRate); err != nil {
			return nil, fmt.Errorf("scan invoice line: %w", err)
		}
		inv.Lines = append(inv.Lines, line)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate invoice lines: %w", err)
	}
	return &inv, nil
}

// UpdateRegulatoryStatus mirrors a regulatory outcome onto the invoice. An
// empty irn leaves the stored IRN untouched.
func (r *InvoiceRepository) UpdateRegulatoryStatus(ctx context.Context, invoiceID string, status invoice.RegulatoryStatus, irn string) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE invoices
		SET regulatory_status = $2,
		    irn = COALESCE(NULLIF($3, ''), irn),
		    updated_at = $4
		WHERE id = $1`, invoiceID, string(status), irn, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("update regulatory status of %s: %w", invoiceID, err)
	}
	if tag.RowsAffected() == 0 {
		return invoice.ErrInvoiceNotFound
	}
	return nil
}

// totals returns nil unless every amount was precomputed.
func totals(subtotal, discount, tax, total decimal.NullDecimal) *invoice.Totals {
	if !subtotal.Valid || !discount.Valid || !tax.Valid || !total.Valid {
		return nil
	}
	return &invoice.Totals{
		Subtotal: subtotal.Decimal,
		Discount: discount.Decimal,
		Tax:      tax.Decimal,
		Total:    total.Decimal,
	}
}

// BusinessRepository implements invoice.BusinessRepository.
type BusinessRepository struct {
	pool *pgxpool.Pool
}

var _ invoice.BusinessRepository = (*BusinessRepository)(nil)

// NewBusinessRepository creates a business repository.
func NewBusinessRepository(pool *pgxpool.Pool) *BusinessRepository {
	return &BusinessRepository{pool: pool}
}

// GetBusiness loads a business and its signing material.
func (r *BusinessRepository) GetBusiness(ctx context.Context, businessID string) (*invoice.Business, error) {
	var (
		b         invoice.Business
		expiresAt *time.Time
	)
	err := r.pool.QueryRow(ctx, `
		SELECT id, legal_name, tax_id, address, email, phone, csid, csid_expires_at,
		       private_key_pem, certificate_pem, updated_at
		FROM businesses
		WHERE id = $1`, businessID).Scan(
		&b.ID, &b.LegalName, &b.TaxID, &b.Address, &b.Email, &b.Phone, &b.CSID, &expiresAt,
		&b.PrivateKeyPEM, &b.CertificatePEM, &b.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, invoice.ErrBusinessNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get business %s: %w", businessID, err)
	}
	if expiresAt != nil {
		b.CSIDExpiresAt = *expiresAt
	}
	return &b, nil
}
