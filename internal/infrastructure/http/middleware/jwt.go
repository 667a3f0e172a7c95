package middleware

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"

	"3tcapital/ms_einvoice_core/internal/infrastructure/config"
	httperrors "3tcapital/ms_einvoice_core/internal/infrastructure/http"
)

// ContextKeyToken exposes the verified JWT token via request context.
type ContextKeyToken struct{}

// BusinessClaim lists the business ids a caller may act for. A token without
// it is a service token and may act for any business.
const BusinessClaim = "businesses"

var validMethods = []string{
	jwt.SigningMethodRS256.Alg(),
	jwt.SigningMethodRS384.Alg(),
	jwt.SigningMethodRS512.Alg(),
	jwt.SigningMethodPS256.Alg(),
	jwt.SigningMethodES256.Alg(),
}

// JWTAuthenticator validates Authorization headers against a remote JWKS.
type JWTAuthenticator struct {
	cfg        config.AuthSettings
	log        *slog.Logger
	keyfunc    jwt.Keyfunc
	cancel     context.CancelFunc
	bypassPath map[string]struct{}
}

// NewJWTAuthenticator loads the JWKS named by cfg and keeps it refreshed in
// the background until Close.
func NewJWTAuthenticator(cfg config.AuthSettings, log *slog.Logger) (*JWTAuthenticator, error) {
	if !cfg.Enabled {
		return newAuthenticator(cfg, log, nil), nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	override := keyfunc.Override{
		RefreshInterval: 6 * time.Hour,
		RefreshErrorHandlerFunc: func(url string) func(context.Context, error) {
			return func(c context.Context, err error) {
				log.Error("failed to refresh JWKS", "url", url, "error", err)
			}
		},
		HTTPTimeout: 10 * time.Second,
	}

	jwks, err := keyfunc.NewDefaultOverrideCtx(ctx, []string{cfg.JWKSetURI}, override)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("unable to load JWKS: %w", err)
	}

	auth := newAuthenticator(cfg, log, jwks.Keyfunc)
	auth.cancel = cancel
	return auth, nil
}

// NewJWTAuthenticatorWithKeyfunc verifies tokens with a fixed key source.
func NewJWTAuthenticatorWithKeyfunc(cfg config.AuthSettings, log *slog.Logger, kf jwt.Keyfunc) *JWTAuthenticator {
	return newAuthenticator(cfg, log, kf)
}

func newAuthenticator(cfg config.AuthSettings, log *slog.Logger, kf jwt.Keyfunc) *JWTAuthenticator {
	auth := &JWTAuthenticator{
		cfg:        cfg,
		log:        log,
		keyfunc:    kf,
		bypassPath: make(map[string]struct{}),
	}
	for _, path := range cfg.BypassPaths {
		if path != "" {
			auth.bypassPath[path] = struct{}{}
		}
	}
	return auth
}

// Middleware enforces JWT validation on inbound requests.
func (a *JWTAuthenticator) Middleware(next http.Handler) http.Handler {
	if !a.cfg.Enabled {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.shouldBypass(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		tokenString, err := extractBearerToken(r.Header.Get("Authorization"))
		if err != nil {
			httperrors.WriteError(w, http.StatusUnauthorized, "Authentication error", []string{"missing or malformed credentials"}, a.log)
			return
		}

		token, err := jwt.Parse(tokenString, a.keyfunc,
			jwt.WithIssuer(a.cfg.IssuerURI),
			jwt.WithLeeway(a.cfg.ClockSkew),
			jwt.WithValidMethods(validMethods),
		)
		if err != nil || !token.Valid {
			a.log.Warn("token validation failed", "error", err)
			httperrors.WriteError(w, http.StatusUnauthorized, "Authentication error", []string{"invalid or expired token"}, a.log)
			return
		}

		ctx := context.WithValue(r.Context(), ContextKeyToken{}, token)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireBusinessScope refuses requests whose token restricts the caller to
// businesses other than the {businessID} route parameter. The parameter is
// only resolved once chi has matched the route, so mount it with With on the
// route itself rather than with Use on a parent router.
func RequireBusinessScope(log *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			businessID := chi.URLParam(r, "businessID")
			if !AllowsBusiness(r.Context(), businessID) {
				log.Warn("business outside token scope", "business_id", businessID, "path", r.URL.Path)
				WriteForbidden(w, log)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// BusinessScope returns the businesses the request token may act for and
// whether the token is scoped at all. Requests without a token, or with a
// service token, are unscoped.
func BusinessScope(ctx context.Context) ([]string, bool) {
	token, ok := ctx.Value(ContextKeyToken{}).(*jwt.Token)
	if !ok {
		return nil, false
	}
	return businessScope(token)
}

// AllowsBusiness reports whether the request token may act for businessID.
func AllowsBusiness(ctx context.Context, businessID string) bool {
	allowed, scoped := BusinessScope(ctx)
	return !scoped || (businessID != "" && slices.Contains(allowed, businessID))
}

// WriteForbidden answers 403 for a business outside the token scope.
func WriteForbidden(w http.ResponseWriter, log *slog.Logger) {
	httperrors.WriteError(w, http.StatusForbidden, "Authorization error", []string{"token is not allowed to act for this business"}, log)
}

// Close stops background JWKS refreshers.
func (a *JWTAuthenticator) Close() {
	if a.cancel != nil {
		a.cancel()
	}
}

func (a *JWTAuthenticator) shouldBypass(path string) bool {
	_, ok := a.bypassPath[path]
	return ok
}

// businessScope returns the businesses listed in the token and whether the
// claim was present at all.
func businessScope(token *jwt.Token) ([]string, bool) {
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, false
	}
	raw, ok := claims[BusinessClaim]
	if !ok {
		return nil, false
	}

	switch v := raw.(type) {
	case string:
		return []string{v}, true
	case []any:
		ids := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				ids = append(ids, s)
			}
		}
		return ids, true
	default:
		return []string{}, true
	}
}

func extractBearerToken(header string) (string, error) {
	if header == "" {
		return "", errors.New("missing Authorization header")
	}

	parts := strings.Fields(header)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", errors.New("invalid Authorization header format")
	}
	return parts[1], nil
}
