package testutil

import (
	"context"

	"3tcapital/ms_einvoice_core/internal/core/submission"
)

// MockSubmissionService is a mock of the submission service as seen by the
// HTTP layer. Unset functions report submission.ErrNotFound.
type MockSubmissionService struct {
	SubmitInvoiceFunc func(ctx context.Context, businessID, invoiceID string) (*submission.Result, error)
	CancelInvoiceFunc func(ctx context.Context, businessID, invoiceID, reason string) (*submission.Result, error)
	CheckStatusFunc   func(ctx context.Context, id string) (*submission.Result, error)
	GetFunc           func(ctx context.Context, id string) (*submission.Result, error)
	AttemptsFunc      func(ctx context.Context, id string) ([]submission.Attempt, error)
	MarkFailedFunc    func(ctx context.Context, id, reason string) (*submission.Result, error)
}

func (m *MockSubmissionService) SubmitInvoice(ctx context.Context, businessID, invoiceID string) (*submission.Result, error) {
	if m.SubmitInvoiceFunc != nil {
		return m.SubmitInvoiceFunc(ctx, businessID, invoiceID)
	}
	return nil, submission.ErrNotFound
}

func (m *MockSubmissionService) CancelInvoice(ctx context.Context, businessID, invoiceID, reason string) (*submission.Result, error) {
	if m.CancelInvoiceFunc != nil {
		return m.CancelInvoiceFunc(ctx, businessID, invoiceID, reason)
	}
	return nil, submission.ErrNotFound
}

func (m *MockSubmissionService) CheckStatus(ctx context.Context, id string) (*submission.Result, error) {
	if m.CheckStatusFunc != nil {
		return m.CheckStatusFunc(ctx, id)
	}
	return nil, submission.ErrNotFound
}

func (m *MockSubmissionService) Get(ctx context.Context, id string) (*submission.Result, error) {
	if m.GetFunc != nil {
		return m.GetFunc(ctx, id)
	}
	return nil, submission.ErrNotFound
}

func (m *MockSubmissionService) Attempts(ctx context.Context, id string) ([]submission.Attempt, error) {
	if m.AttemptsFunc != nil {
		return m.AttemptsFunc(ctx, id)
	}
	return nil, submission.ErrNotFound
}

func (m *MockSubmissionService) MarkFailed(ctx context.Context, id, reason string) (*submission.Result, error) {
	if m.MarkFailedFunc != nil {
		return m.MarkFailedFunc(ctx, id, reason)
	}
	return nil, submission.ErrNotFound
}
