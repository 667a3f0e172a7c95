package http

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"3tcapital/ms_einvoice_core/internal/core/audit"
	ctxutil "3tcapital/ms_einvoice_core/internal/infrastructure/context"
	"3tcapital/ms_einvoice_core/internal/testutil"
)

type mockAuditRepo struct {
	mu    sync.Mutex
	saved []audit.Exchange
}

func (m *mockAuditRepo) Save(ctx context.Context, e audit.Exchange) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saved = append(m.saved, e)
	return nil
}

func (m *mockAuditRepo) FindByCorrelationID(ctx context.Context, correlationID string) ([]audit.Exchange, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []audit.Exchange
	for _, e := range m.saved {
		if e.CorrelationID == correlationID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *mockAuditRepo) FindBySubmissionID(ctx context.Context, submissionID string) ([]audit.Exchange, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []audit.Exchange
	for _, e := range m.saved {
		if e.SubmissionID == submissionID {
			out = append(out, e)
		}
	}
	return out, nil
}

func newTestTracedClient(repo audit.Repository) *TracedClient {
	return NewTracedClient(&TracedClientConfig{
		Timeout:         5 * time.Second,
		AuditEnabled:    true,
		LogRequestBody:  true,
		LogResponseBody: true,
		MaxBodySize:     1024,
	}, testutil.NewNullLogger(), repo, "authority")
}

func TestTracedClient_Do(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Correlation-ID") != "corr-1" {
			t.Errorf("expected correlation header, got %q", r.Header.Get("X-Correlation-ID"))
		}
		body, _ := io.ReadAll(r.Body)
		if !strings.Contains(string(body), "<Invoice>") {
			t.Errorf("request body not forwarded: %s", body)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"code":"00","message":"accepted"}`))
	}))
	defer server.Close()

	repo := &mockAuditRepo{}
	client := newTestTracedClient(repo)

	ctx := ctxutil.WithCorrelationID(context.Background(), "corr-1")
	req, _ := http.NewRequestWithContext(ctx, http.MethodPost, server.URL+"/api/v1/invoice/submit", strings.NewReader("<Invoice></Invoice>"))
	req.Header.Set(IdempotencyHeader, "sub-1")
	req.Header.Set("X-API-Key", "secret-key")
	req.Header.Set("X-CSID", "CSID-1")

	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), `"code":"00"`) {
		t.Errorf("response body not restored: %s", body)
	}

	client.Wait()

	saved, _ := repo.FindBySubmissionID(context.Background(), "sub-1")
	if len(saved) != 1 {
		t.Fatalf("expected 1 exchange, got %d", len(saved))
	}
	e := saved[0]
	if e.CorrelationID != "corr-1" || e.Operation != "submit" || e.RequestMethod != http.MethodPost {
		t.Errorf("unexpected exchange: %+v", e)
	}
	if e.ResponseStatus == nil || *e.ResponseStatus != http.StatusOK {
		t.Errorf("expected status 200, got %v", e.ResponseStatus)
	}
	if e.RequestHeaders["X-Api-Key"] != "[REDACTED]" || e.RequestHeaders["X-Csid"] != "[REDACTED]" {
		t.Errorf("credentials leaked into audit headers: %v", e.RequestHeaders)
	}
	if !strings.Contains(string(e.RequestBody), "<Invoice>") {
		t.Errorf("request body not captured: %s", e.RequestBody)
	}
}

func TestTracedClient_TransportFailureIsAudited(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close()

	repo := &mockAuditRepo{}
	client := newTestTracedClient(repo)

	req, _ := http.NewRequest(http.MethodGet, url+"/api/v1/invoice/IRN-1/status", nil)
	req.Header.Set(IdempotencyHeader, "sub-2")

	if _, err := client.Do(req); err == nil {
		t.Fatal("expected connection error")
	}
	client.Wait()

	saved, _ := repo.FindBySubmissionID(context.Background(), "sub-2")
	if len(saved) != 1 {
		t.Fatalf("expected 1 exchange, got %d", len(saved))
	}
	if saved[0].ResponseStatus != nil {
		t.Error("expected no response status")
	}
	if saved[0].ErrorMessage == "" {
		t.Error("expected error message")
	}
	if !strings.HasPrefix(saved[0].CorrelationID, "audit-") {
		t.Errorf("expected fallback correlation id, got %q", saved[0].CorrelationID)
	}
}

func TestTracedClient_AuditSurvivesCallerCancellation(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	repo := &mockAuditRepo{}
	client := newTestTracedClient(repo)

	ctx, cancel := context.WithCancel(ctxutil.WithCorrelationID(context.Background(), "corr-cancel"))
	req, _ := http.NewRequestWithContext(ctx, http.MethodPost, server.URL+"/api/v1/invoice/cancel", strings.NewReader("<Cancellation/>"))

	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	resp.Body.Close()
	cancel()
	client.Wait()

	saved, _ := repo.FindByCorrelationID(context.Background(), "corr-cancel")
	if len(saved) != 1 {
		t.Fatalf("expected exchange to be saved after cancellation, got %d", len(saved))
	}
}

func TestTracedClient_AuditDisabled(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer server.Close()

	repo := &mockAuditRepo{}
	client := NewTracedClient(&TracedClientConfig{}, testutil.NewNullLogger(), repo, "authority")

	req, _ := http.NewRequest(http.MethodGet, server.URL, nil)
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	resp.Body.Close()
	client.Wait()

	if len(repo.saved) != 0 {
		t.Errorf("expected no exchanges, got %d", len(repo.saved))
	}
}

func TestTracedClient_ExtractOperation(t *testing.T) {
	client := newTestTracedClient(nil)

	tests := []struct {
		name     string
		method   string
		url      string
		expected string
	}{
		{name: "submit", method: http.MethodPost, url: "https://authority.test/api/v1/invoice/submit", expected: "submit"},
		{name: "status lookup", method: http.MethodGet, url: "https://authority.test/api/v1/invoice/IRN-1/status", expected: "status"},
		{name: "trailing slash", method: http.MethodPost, url: "https://authority.test/api/v1/invoice/Cancel/", expected: "cancel"},
		{name: "root falls back to method", method: http.MethodGet, url: "https://authority.test/", expected: "get_authority"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, _ := http.NewRequest(tt.method, tt.url, nil)
			if got := client.extractOperation(req); got != tt.expected {
				t.Errorf("expected %s, got %s", tt.expected, got)
			}
		})
	}
}
