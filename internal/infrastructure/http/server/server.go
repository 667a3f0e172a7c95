package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"3tcapital/ms_einvoice_core/internal/infrastructure/config"
	httperrors "3tcapital/ms_einvoice_core/internal/infrastructure/http"
	"3tcapital/ms_einvoice_core/internal/infrastructure/http/middleware"
)

// SubmissionRoutes mounts the submission API under /api/v1.
type SubmissionRoutes interface {
	Routes(r chi.Router)
}

// Options groups the collaborators of the HTTP server.
type Options struct {
	Config        config.AppConfig
	Logger        *slog.Logger
	HealthHandler http.Handler
	// SubmissionRoutes is optional; without it the API answers 503.
	SubmissionRoutes SubmissionRoutes
	// Auth is optional; nil disables authentication.
	Auth *middleware.JWTAuthenticator
}

// Server wraps the HTTP listener of the service.
type Server struct {
	cfg        config.AppConfig
	log        *slog.Logger
	httpServer *http.Server
	auth       *middleware.JWTAuthenticator
}

// New builds the router and the underlying http.Server.
func New(opts Options) (*Server, error) {
	if opts.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if opts.HealthHandler == nil {
		return nil, errors.New("health handler is required")
	}

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.RequestLogger(opts.Logger))
	r.Use(chimw.Recoverer)
	if opts.Auth != nil {
		r.Use(opts.Auth.Middleware)
	}

	r.Method(http.MethodGet, "/health", opts.HealthHandler)

	r.Route("/api/v1", func(api chi.Router) {
		if opts.SubmissionRoutes == nil {
			api.Handle("/*", unavailable(opts.Logger))
			return
		}
		api.Use(middleware.Timeout(opts.Config.HTTP.SubmissionTimeout))
		opts.SubmissionRoutes.Routes(api)
	})

	srv := &http.Server{
		Addr:         opts.Config.HTTP.Address(),
		Handler:      r,
		ReadTimeout:  opts.Config.HTTP.ReadTimeout,
		WriteTimeout: opts.Config.HTTP.WriteTimeout,
		IdleTimeout:  opts.Config.HTTP.IdleTimeout,
	}

	return &Server{cfg: opts.Config, log: opts.Logger, httpServer: srv, auth: opts.Auth}, nil
}

// Run serves until ctx is cancelled, then shuts down gracefully within the
// configured shutdown timeout.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("HTTP server started", "addr", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.HTTP.ShutdownTimeout)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			s.log.Warn("HTTP server shutdown incomplete", "error", err)
			return err
		}
		s.log.Info("HTTP server stopped")
		return nil
	case err := <-errCh:
		return err
	}
}

// Close releases background resources held by the server.
func (s *Server) Close() {
	if s.auth != nil {
		s.auth.Close()
	}
}

func unavailable(log *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httperrors.WriteError(w, http.StatusServiceUnavailable, "Service unavailable",
			[]string{"submission service is not configured"}, log)
	})
}
