// Package notify tells downstream systems that a submission reached a
// terminal state.
package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"3tcapital/ms_einvoice_core/internal/core/submission"
	ctxutil "3tcapital/ms_einvoice_core/internal/infrastructure/context"

	"github.com/google/uuid"
)

// SignatureHeader carries the hex HMAC-SHA256 of the body when a secret is configured.
const SignatureHeader = "X-Einvoice-Signature"

// HTTPClient is satisfied by *http.Client.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Event is the webhook body.
type Event struct {
	ID         string            `json:"id"`
	Type       string            `json:"type"`
	OccurredAt time.Time         `json:"occurredAt"`
	Submission submission.Result `json:"submission"`
}

// Webhook posts terminal submission results to a URL.
type Webhook struct {
	url    string
	secret []byte
	client HTTPClient
	log    *slog.Logger
	now    func() time.Time
}

var _ submission.Notifier = (*Webhook)(nil)

// NewWebhook creates a webhook notifier. secret may be empty.
func NewWebhook(url, secret string, client HTTPClient, log *slog.Logger) (*Webhook, error) {
	if url == "" {
		return nil, errors.New("webhook url is required")
	}
	if client == nil {
		return nil, errors.New("http client is required")
	}
	return &Webhook{
		url:    url,
		secret: []byte(secret),
		client: client,
		log:    log,
		now:    time.Now,
	}, nil
}

// Notify delivers one event. Any non-2xx reply is an error.
func (w *Webhook) Notify(ctx context.Context, result submission.Result) error {
	event := Event{
		ID:         uuid.NewString(),
		Type:       "submission." + string(result.Status),
		OccurredAt: w.now().UTC(),
		Submission: result,
	}
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal webhook event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Event-ID", event.ID)
	if id := ctxutil.GetCorrelationID(ctx); id != "" {
		req.Header.Set("X-Correlation-ID", id)
	}
	if len(w.secret) > 0 {
		req.Header.Set(SignatureHeader, Sign(w.secret, body))
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("deliver webhook: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("deliver webhook: unexpected status code %d", resp.StatusCode)
	}

	w.log.Info("Webhook delivered",
		"event_id", event.ID,
		"event_type", event.Type,
		"submission_id", result.ID,
	)
	return nil
}

// Sign returns the hex HMAC-SHA256 of body under secret.
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
