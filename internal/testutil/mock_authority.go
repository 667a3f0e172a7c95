package testutil

import (
	"context"
	"sync"

	"3tcapital/ms_einvoice_core/internal/core/authority"
)

// MockAuthority is a mock implementation of authority.Authority for testing.
// It records every call it receives.
type MockAuthority struct {
	TransmitFunc    func(ctx context.Context, req authority.TransmitRequest) (*authority.Response, error)
	CheckStatusFunc func(ctx context.Context, irn, csid string) (*authority.Response, error)

	mu           sync.Mutex
	transmits    []authority.TransmitRequest
	statusChecks []string
}

// Transmit calls the mock function if set, otherwise approves the document.
func (m *MockAuthority) Transmit(ctx context.Context, req authority.TransmitRequest) (*authority.Response, error) {
	m.mu.Lock()
	m.transmits = append(m.transmits, req)
	m.mu.Unlock()

	if m.TransmitFunc != nil {
		return m.TransmitFunc(ctx, req)
	}
	return &authority.Response{Code: authority.CodeApproved, IRN: req.IRN, HTTPStatus: 200}, nil
}

// CheckStatus calls the mock function if set, otherwise reports the IRN as unknown.
func (m *MockAuthority) CheckStatus(ctx context.Context, irn, csid string) (*authority.Response, error) {
	m.mu.Lock()
	m.statusChecks = append(m.statusChecks, irn)
	m.mu.Unlock()

	if m.CheckStatusFunc != nil {
		return m.CheckStatusFunc(ctx, irn, csid)
	}
	return &authority.Response{NotFound: true, HTTPStatus: 404}, nil
}

// Transmits returns the requests received so far.
func (m *MockAuthority) Transmits() []authority.TransmitRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]authority.TransmitRequest(nil), m.transmits...)
}

// StatusChecks returns the IRNs looked up so far.
func (m *MockAuthority) StatusChecks() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.statusChecks...)
}
