// Package gateway talks to the tax authority's HTTP API.
package gateway

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"3tcapital/ms_einvoice_core/internal/core/authority"
	ctxutil "3tcapital/ms_einvoice_core/internal/infrastructure/context"
	httpx "3tcapital/ms_einvoice_core/internal/infrastructure/http"
)

// Environments the authority publishes.
const (
	EnvSandbox    = "sandbox"
	EnvProduction = "production"
)

var environmentURLs = map[string]string{
	EnvSandbox:    "https://sandbox.einvoice.tax.gov.ng",
	EnvProduction: "https://api.einvoice.tax.gov.ng",
}

// ResolveBaseURL returns override when set, otherwise the published URL for env.
func ResolveBaseURL(env, override string) (string, error) {
	if override != "" {
		u, err := url.Parse(override)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return "", fmt.Errorf("invalid authority base url %q", override)
		}
		return strings.TrimRight(override, "/"), nil
	}
	base, ok := environmentURLs[strings.ToLower(env)]
	if !ok {
		return "", fmt.Errorf("unknown authority environment %q (want %s or %s)", env, EnvSandbox, EnvProduction)
	}
	return base, nil
}

// HTTPClient is satisfied by *http.Client and the traced client.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Config holds the gateway settings.
type Config struct {
	BaseURL         string
	APIKey          string
	RateLimitRPS    float64
	RateLimitBurst  int
	MaxConcurrent   int
	BreakerFailures int
	BreakerCooldown time.Duration
}

// Client implements authority.Authority over HTTP.
type Client struct {
	baseURL string
	apiKey  string
	http    HTTPClient
	limiter *Limiter
	breaker *CircuitBreaker
	log     *slog.Logger
}

var _ authority.Authority = (*Client)(nil)

// NewClient creates a gateway client.
func NewClient(cfg Config, httpClient HTTPClient, log *slog.Logger) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("authority base url is required")
	}
	if cfg.APIKey == "" {
		return nil, errors.New("authority api key is required")
	}
	if httpClient == nil {
		return nil, errors.New("http client is required")
	}
	if log == nil {
		return nil, errors.New("logger is required")
	}

	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		http:    httpClient,
		limiter: NewLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst, cfg.MaxConcurrent),
		breaker: NewCircuitBreaker(cfg.BreakerFailures, cfg.BreakerCooldown, authority.IsTransport),
		log:     log.With("component", "authority_gateway"),
	}, nil
}

// wireResponse is the JSON body of every authority reply.
type wireResponse struct {
	Code               string `json:"code"`
	Message            string `json:"message"`
	Field              string `json:"field"`
	IRN                string `json:"irn"`
	QRCode             string `json:"qr_code"`
	AuthoritySignature string `json:"authority_signature"`
	Status             string `json:"status"`
}

// Transmit posts a signed document to the submit or cancel endpoint.
func (c *Client) Transmit(ctx context.Context, req authority.TransmitRequest) (*authority.Response, error) {
	op := string(req.Operation)
	if req.Operation != authority.OperationSubmit && req.Operation != authority.OperationCancel {
		return nil, fmt.Errorf("unsupported authority operation %q", req.Operation)
	}

	var resp *authority.Response
	err := c.call(ctx, op, func() error {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v1/invoice/"+op, bytes.NewReader(req.Document))
		if err != nil {
			return fmt.Errorf("create %s request: %w", op, err)
		}
		httpReq.Header.Set("Content-Type", "application/xml")
		httpReq.Header.Set(httpx.IdempotencyHeader, req.IdempotencyKey)
		if req.BusinessTaxID != "" {
			httpReq.Header.Set("X-Tax-ID", req.BusinessTaxID)
		}
		c.setHeaders(ctx, httpReq, req.CSID)

		status, body, err := c.do(op, httpReq)
		if err != nil {
			return err
		}
		resp, err = c.interpret(op, status, body, false)
		return err
	})
	if err != nil {
		return nil, err
	}

	c.log.Info("Authority replied",
		"operation", op,
		"irn", req.IRN,
		"submission_id", req.IdempotencyKey,
		"code", resp.Code,
		"outcome", resp.Outcome(),
	)
	return resp, nil
}

// CheckStatus looks up an IRN. An IRN the authority has never seen yields a
// response with NotFound set.
func (c *Client) CheckStatus(ctx context.Context, irn, csid string) (*authority.Response, error) {
	const op = "status"

	var resp *authority.Response
	err := c.call(ctx, op, func() error {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/v1/invoice/"+url.PathEscape(irn)+"/status", nil)
		if err != nil {
			return fmt.Errorf("create status request: %w", err)
		}
		c.setHeaders(ctx, httpReq, csid)

		status, body, err := c.do(op, httpReq)
		if err != nil {
			return err
		}
		resp, err = c.interpret(op, status, body, true)
		return err
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// BreakerStats exposes the circuit breaker for health checks.
func (c *Client) BreakerStats() CircuitBreakerStats {
	return c.breaker.Stats()
}

// LimiterStats exposes the limiter for health checks.
func (c *Client) LimiterStats() LimiterStats {
	return c.limiter.Stats()
}

// call wraps fn with the limiter and breaker. Waiting that ends because the
// context expired is reported as a transport failure so the attempt is retried.
func (c *Client) call(ctx context.Context, op string, fn func() error) error {
	release, err := c.limiter.Acquire(ctx)
	if err != nil {
		return &authority.TransportError{Op: op, Err: err}
	}
	defer release()

	err = c.breaker.Execute(ctx, fn)
	switch {
	case errors.Is(err, ErrCircuitOpen):
		c.log.Warn("Authority circuit breaker open, call skipped", "operation", op)
		return &authority.TransportError{Op: op, Err: err}
	case err != nil && !authority.IsTransport(err) && ctx.Err() != nil:
		return &authority.TransportError{Op: op, Err: err}
	}
	return err
}

func (c *Client) setHeaders(ctx context.Context, req *http.Request, csid string) {
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Accept-Encoding", "gzip")
	req.Header.Set("X-API-Key", c.apiKey)
	if csid != "" {
		req.Header.Set("X-CSID", csid)
	}
	if id := ctxutil.GetCorrelationID(ctx); id != "" {
		req.Header.Set("X-Correlation-ID", id)
	}
}

// do executes the request and returns the decoded body.
func (c *Client) do(op string, req *http.Request) (int, []byte, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, &authority.TransportError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	var reader io.Reader = resp.Body
	if strings.Contains(resp.Header.Get("Content-Encoding"), "gzip") {
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			return resp.StatusCode, nil, &authority.TransportError{Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("create gzip reader: %w", err)}
		}
		defer gz.Close()
		reader = gz
	}

	body, err := io.ReadAll(reader)
	if err != nil {
		return resp.StatusCode, nil, &authority.TransportError{Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("read response body: %w", err)}
	}
	return resp.StatusCode, body, nil
}

// interpret maps an HTTP exchange onto the authority contract.
func (c *Client) interpret(op string, status int, body []byte, lookup bool) (*authority.Response, error) {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		c.log.Error("Authority rejected credentials", "operation", op, "status", status)
		return nil, fmt.Errorf("%w: status %d", authority.ErrUnauthorized, status)

	case status == http.StatusNotFound && lookup:
		return &authority.Response{NotFound: true, HTTPStatus: status, Raw: body}, nil

	case status >= 200 && status < 300:
		resp, err := decode(body, status)
		if err != nil {
			return nil, &authority.TransportError{Op: op, StatusCode: status, Raw: body, Err: err}
		}
		return resp, nil

	case status == http.StatusBadRequest || status == http.StatusConflict || status == http.StatusUnprocessableEntity:
		resp, err := decode(body, status)
		if err != nil {
			// The authority refused the request without a readable reason.
			return &authority.Response{
				Code:       strconv.Itoa(status),
				Message:    strings.TrimSpace(string(body)),
				HTTPStatus: status,
				Raw:        body,
			}, nil
		}
		return resp, nil

	default:
		return nil, &authority.TransportError{
			Op:         op,
			StatusCode: status,
			Raw:        body,
			Err:        errors.New(http.StatusText(status)),
		}
	}
}

func decode(body []byte, status int) (*authority.Response, error) {
	var w wireResponse
	if err := json.Unmarshal(body, &w); err != nil {
		return nil, fmt.Errorf("decode authority response: %w", err)
	}

	code := w.Code
	notFound := false
	if code == "" {
		switch strings.ToLower(w.Status) {
		case "approved", "accepted":
			code = authority.CodeApproved
		case "processing", "pending", "received":
			code = authority.CodeProcessing
		case "not_found":
			notFound = true
		default:
			return nil, errors.New("authority response has no code")
		}
	}

	return &authority.Response{
		Code:               code,
		Message:            w.Message,
		Field:              w.Field,
		IRN:                w.IRN,
		QRCode:             w.QRCode,
		AuthoritySignature: w.AuthoritySignature,
		HTTPStatus:         status,
		Raw:                body,
		NotFound:           notFound,
	}, nil
}
