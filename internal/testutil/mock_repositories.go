package testutil

import (
	"context"
	"sync"

	"3tcapital/ms_einvoice_core/internal/core/invoice"
)

// StatusUpdate is one call to UpdateRegulatoryStatus.
type StatusUpdate struct {
	InvoiceID string
	Status    invoice.RegulatoryStatus
	IRN       string
}

// MockInvoiceRepository is a mock implementation of invoice.Repository for testing.
type MockInvoiceRepository struct {
	GetInvoiceFunc             func(ctx context.Context, businessID, invoiceID string) (*invoice.Invoice, error)
	UpdateRegulatoryStatusFunc func(ctx context.Context, invoiceID string, status invoice.RegulatoryStatus, irn string) error

	mu      sync.Mutex
	updates []StatusUpdate
}

// GetInvoice calls the mock function if set, otherwise returns ErrInvoiceNotFound.
func (m *MockInvoiceRepository) GetInvoice(ctx context.Context, businessID, invoiceID string) (*invoice.Invoice, error) {
	if m.GetInvoiceFunc != nil {
		return m.GetInvoiceFunc(ctx, businessID, invoiceID)
	}
	return nil, invoice.ErrInvoiceNotFound
}

// UpdateRegulatoryStatus records the update and calls the mock function if set.
func (m *MockInvoiceRepository) UpdateRegulatoryStatus(ctx context.Context, invoiceID string, status invoice.RegulatoryStatus, irn string) error {
	m.mu.Lock()
	m.updates = append(m.updates, StatusUpdate{InvoiceID: invoiceID, Status: status, IRN: irn})
	m.mu.Unlock()

	if m.UpdateRegulatoryStatusFunc != nil {
		return m.UpdateRegulatoryStatusFunc(ctx, invoiceID, status, irn)
	}
	return nil
}

// Updates returns the status updates received so far.
func (m *MockInvoiceRepository) Updates() []StatusUpdate {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]StatusUpdate(nil), m.updates...)
}

// MockBusinessRepository is a mock implementation of invoice.BusinessRepository for testing.
type MockBusinessRepository struct {
	GetBusinessFunc func(ctx context.Context, businessID string) (*invoice.Business, error)
}

// GetBusiness calls the mock function if set, otherwise returns ErrBusinessNotFound.
func (m *MockBusinessRepository) GetBusiness(ctx context.Context, businessID string) (*invoice.Business, error) {
	if m.GetBusinessFunc != nil {
		return m.GetBusinessFunc(ctx, businessID)
	}
	return nil, invoice.ErrBusinessNotFound
}
