package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"3tcapital/ms_einvoice_core/internal/infrastructure/config"
	"3tcapital/ms_einvoice_core/internal/testutil"
)

type stubRoutes struct{}

func (stubRoutes) Routes(r chi.Router) {
	r.Get("/submissions/{submissionID}", func(w http.ResponseWriter, r *http.Request) {
		if _, ok := r.Context().Deadline(); !ok {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(chi.URLParam(r, "submissionID")))
	})
}

func testConfig() config.AppConfig {
	return config.AppConfig{
		HTTP: config.HTTPSettings{
			Port:              8080,
			ReadTimeout:       10 * time.Second,
			WriteTimeout:      10 * time.Second,
			SubmissionTimeout: 30 * time.Second,
			IdleTimeout:       120 * time.Second,
			ShutdownTimeout:   time.Second,
		},
	}
}

func noopHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})
}

func TestNew_NilLogger(t *testing.T) {
	_, err := New(Options{
		Config:        testConfig(),
		HealthHandler: noopHandler(),
	})

	if err == nil || err.Error() != "logger is required" {
		t.Errorf("expected error 'logger is required', got %v", err)
	}
}

func TestNew_NilHealthHandler(t *testing.T) {
	_, err := New(Options{
		Config: testConfig(),
		Logger: testutil.NewNullLogger(),
	})

	if err == nil || err.Error() != "health handler is required" {
		t.Errorf("expected error 'health handler is required', got %v", err)
	}
}

func TestNew_ValidOptions(t *testing.T) {
	server, err := New(Options{
		Config:           testConfig(),
		Logger:           testutil.NewNullLogger(),
		HealthHandler:    noopHandler(),
		SubmissionRoutes: stubRoutes{},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if server.httpServer.Addr != ":8080" {
		t.Errorf("expected address ':8080', got %q", server.httpServer.Addr)
	}
	if server.httpServer.WriteTimeout != 10*time.Second {
		t.Errorf("expected write timeout from config, got %v", server.httpServer.WriteTimeout)
	}
}

func TestServer_SubmissionRoutes(t *testing.T) {
	server, err := New(Options{
		Config:           testConfig(),
		Logger:           testutil.NewNullLogger(),
		HealthHandler:    noopHandler(),
		SubmissionRoutes: stubRoutes{},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/submissions/sub-9", nil)
	w := httptest.NewRecorder()
	server.httpServer.Handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK || w.Body.String() != "sub-9" {
		t.Errorf("expected 200 sub-9, got %d %q", w.Code, w.Body.String())
	}
	if w.Header().Get("X-Correlation-ID") == "" {
		t.Error("expected correlation id header")
	}
}

func TestServer_WithoutSubmissionRoutes(t *testing.T) {
	server, err := New(Options{
		Config:        testConfig(),
		Logger:        testutil.NewNullLogger(),
		HealthHandler: noopHandler(),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/v1/businesses/b/invoices/i/submissions", nil)
	w := httptest.NewRecorder()
	server.httpServer.Handler.ServeHTTP(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("expected status 503, got %d", w.Code)
	}
}

func TestServer_HealthEndpoint(t *testing.T) {
	healthHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("healthy"))
	})

	server, err := New(Options{
		Config:        testConfig(),
		Logger:        testutil.NewNullLogger(),
		HealthHandler: healthHandler,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	server.httpServer.Handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK || w.Body.String() != "healthy" {
		t.Errorf("expected 200 healthy, got %d %q", w.Code, w.Body.String())
	}
}

func TestServer_Close(t *testing.T) {
	server, err := New(Options{
		Config:        testConfig(),
		Logger:        testutil.NewNullLogger(),
		HealthHandler: noopHandler(),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Should not panic
	server.Close()
}

func TestServer_Run_ContextCancel(t *testing.T) {
	cfg := testConfig()
	cfg.HTTP.Port = 0

	server, err := New(Options{
		Config:        cfg,
		Logger:        testutil.NewNullLogger(),
		HealthHandler: noopHandler(),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	if err := server.Run(ctx); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}
