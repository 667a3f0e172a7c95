package http

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"3tcapital/ms_einvoice_core/internal/core/audit"
	ctxutil "3tcapital/ms_einvoice_core/internal/infrastructure/context"
	"3tcapital/ms_einvoice_core/internal/infrastructure/security"
)

// IdempotencyHeader carries the submission id on every authority call.
const IdempotencyHeader = "Idempotency-Key"

// TracedClient wraps an HTTP client, logs every exchange with sanitized
// headers and bodies, and persists an audit row per call.
type TracedClient struct {
	client       *http.Client
	log          *slog.Logger
	auditRepo    audit.Repository
	component    string
	auditEnabled bool
	logReqBody   bool
	logRespBody  bool
	maxBodySize  int

	pending sync.WaitGroup
}

// TracedClientConfig holds configuration for the traced HTTP client.
type TracedClientConfig struct {
	Timeout         time.Duration
	AuditEnabled    bool
	LogRequestBody  bool
	LogResponseBody bool
	MaxBodySize     int
	MaxConnsPerHost int
}

// NewTracedClient creates a traced client. component names the remote side in
// logs (for example "authority").
func NewTracedClient(cfg *TracedClientConfig, log *slog.Logger, auditRepo audit.Repository, component string) *TracedClient {
	if cfg.MaxBodySize == 0 {
		cfg.MaxBodySize = 102400
	}

	return &TracedClient{
		client: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: NewTransport(cfg.MaxConnsPerHost, cfg.Timeout),
		},
		log:          log,
		auditRepo:    auditRepo,
		component:    component,
		auditEnabled: cfg.AuditEnabled,
		logReqBody:   cfg.LogRequestBody,
		logRespBody:  cfg.LogResponseBody,
		maxBodySize:  cfg.MaxBodySize,
	}
}

// Do executes the request. Bodies are buffered so both sides stay readable for
// the caller after tracing.
func (c *TracedClient) Do(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	correlationID := ctxutil.GetCorrelationID(ctx)
	submissionID := req.Header.Get(IdempotencyHeader)
	operation := c.extractOperation(req)
	start := time.Now()

	if correlationID != "" {
		req.Header.Set("X-Correlation-ID", correlationID)
	}

	var requestBody []byte
	if req.Body != nil {
		var err error
		requestBody, err = io.ReadAll(req.Body)
		if err != nil {
			c.log.Error("Failed to read request body for tracing",
				"error", err,
				"correlation_id", correlationID,
			)
		}
		req.Body.Close()
		req.Body = io.NopCloser(bytes.NewReader(requestBody))
	}

	c.logRequest(correlationID, submissionID, operation, req, requestBody)

	resp, err := c.client.Do(req)
	duration := time.Since(start)

	var responseBody []byte
	if resp != nil && resp.Body != nil {
		responseBody, _ = io.ReadAll(resp.Body)
		resp.Body.Close()
		resp.Body = io.NopCloser(bytes.NewReader(responseBody))
	}

	c.logResponse(correlationID, submissionID, operation, req, resp, err, duration, responseBody)

	if !c.auditEnabled || c.auditRepo == nil {
		return resp, err
	}

	if correlationID == "" {
		correlationID = fmt.Sprintf("audit-%d", time.Now().UnixNano())
	}

	exchange := c.buildExchange(correlationID, submissionID, operation, req, resp, err, duration, requestBody, responseBody)

	// The request context is usually done by the time the row is written.
	c.pending.Add(1)
	go func() {
		defer c.pending.Done()
		defer func() {
			if r := recover(); r != nil {
				c.log.Error("Panic in audit persistence",
					"panic", r,
					"correlation_id", correlationID,
					"operation", operation,
				)
			}
		}()

		saveCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := c.auditRepo.Save(saveCtx, exchange); err != nil {
			c.log.Error("Failed to persist authority exchange",
				"error", err,
				"correlation_id", correlationID,
				"submission_id", submissionID,
				"operation", operation,
				"response_status", exchange.ResponseStatus,
			)
		}
	}()

	return resp, err
}

// Wait blocks until queued audit rows have been written. Used on shutdown.
func (c *TracedClient) Wait() {
	c.pending.Wait()
}

func (c *TracedClient) logRequest(correlationID, submissionID, operation string, req *http.Request, body []byte) {
	attrs := []any{
		"correlation_id", correlationID,
		"submission_id", submissionID,
		"component", c.component,
		"operation", operation,
		"method", req.Method,
		"url", security.SanitizeURL(req.URL.String()),
	}
	if c.logReqBody && len(body) > 0 {
		attrs = append(attrs, "request_body", string(security.SanitizeBody(body, c.maxBodySize)))
	}

	c.log.Info(c.component+"_request", attrs...)
}

func (c *TracedClient) logResponse(correlationID, submissionID, operation string, req *http.Request, resp *http.Response, err error, duration time.Duration, body []byte) {
	attrs := []any{
		"correlation_id", correlationID,
		"submission_id", submissionID,
		"component", c.component,
		"operation", operation,
		"method", req.Method,
		"url", security.SanitizeURL(req.URL.String()),
		"duration_ms", duration.Milliseconds(),
	}

	if err != nil {
		attrs = append(attrs, "error", err.Error())
		c.log.Error(c.component+"_request_failed", attrs...)
		return
	}

	attrs = append(attrs, "status", resp.StatusCode, "response_size_bytes", len(body))
	if c.logRespBody && len(body) > 0 {
		attrs = append(attrs, "response_body", string(security.SanitizeBody(body, c.maxBodySize)))
	}

	switch {
	case resp.StatusCode >= 500:
		c.log.Error(c.component+"_response", attrs...)
	case resp.StatusCode >= 400:
		c.log.Warn(c.component+"_response", attrs...)
	default:
		c.log.Info(c.component+"_response", attrs...)
	}
}

func (c *TracedClient) buildExchange(correlationID, submissionID, operation string, req *http.Request, resp *http.Response, err error, duration time.Duration, requestBody, responseBody []byte) audit.Exchange {
	e := audit.Exchange{
		CorrelationID:  correlationID,
		SubmissionID:   submissionID,
		Operation:      operation,
		RequestMethod:  req.Method,
		RequestURL:     security.SanitizeURL(req.URL.String()),
		RequestHeaders: security.SanitizeHeaders(req.Header),
		DurationMs:     duration.Milliseconds(),
	}
	if len(requestBody) > 0 {
		e.RequestBody = security.SanitizeBody(requestBody, c.maxBodySize)
	}
	if resp != nil {
		status := resp.StatusCode
		e.ResponseStatus = &status
		e.ResponseHeaders = security.SanitizeHeaders(resp.Header)
		if len(responseBody) > 0 {
			e.ResponseBody = security.SanitizeBody(responseBody, c.maxBodySize)
		}
	}
	if err != nil {
		e.ErrorMessage = err.Error()
	}
	return e
}

// extractOperation names the call after the last path segment.
func (c *TracedClient) extractOperation(req *http.Request) string {
	parts := strings.Split(strings.Trim(req.URL.Path, "/"), "/")
	if last := parts[len(parts)-1]; last != "" {
		return strings.ToLower(last)
	}
	return strings.ToLower(req.Method) + "_" + c.component
}
