// Package submission exposes the regulatory submission pipeline over HTTP.
package submission

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/skip2/go-qrcode"

	appsubmission "3tcapital/ms_einvoice_core/internal/application/submission"
	"3tcapital/ms_einvoice_core/internal/core/authority"
	"3tcapital/ms_einvoice_core/internal/core/invoice"
	"3tcapital/ms_einvoice_core/internal/core/irn"
	"3tcapital/ms_einvoice_core/internal/core/signature"
	coresubmission "3tcapital/ms_einvoice_core/internal/core/submission"
	"3tcapital/ms_einvoice_core/internal/core/transform"
	httperrors "3tcapital/ms_einvoice_core/internal/infrastructure/http"
	"3tcapital/ms_einvoice_core/internal/infrastructure/http/middleware"
)

const (
	defaultQRSize = 256
	minQRSize     = 64
	maxQRSize     = 1024
	maxBodyBytes  = 1 << 16
)

// Service is the part of the submission service the handler drives.
type Service interface {
	SubmitInvoice(ctx context.Context, businessID, invoiceID string) (*coresubmission.Result, error)
	CancelInvoice(ctx context.Context, businessID, invoiceID, reason string) (*coresubmission.Result, error)
	CheckStatus(ctx context.Context, id string) (*coresubmission.Result, error)
	Get(ctx context.Context, id string) (*coresubmission.Result, error)
	Attempts(ctx context.Context, id string) ([]coresubmission.Attempt, error)
	MarkFailed(ctx context.Context, id, reason string) (*coresubmission.Result, error)
}

var _ Service = (*appsubmission.Service)(nil)

// Handler bridges HTTP traffic with the submission application service.
type Handler struct {
	service Service
	log     *slog.Logger
}

func NewHandler(service Service, log *slog.Logger) *Handler {
	return &Handler{service: service, log: log}
}

// Routes mounts the submission endpoints on r.
func (h *Handler) Routes(r chi.Router) {
	scoped := r.With(middleware.RequireBusinessScope(h.log))
	scoped.Post("/businesses/{businessID}/invoices/{invoiceID}/submissions", h.Submit)
	scoped.Post("/businesses/{businessID}/invoices/{invoiceID}/cancellations", h.Cancel)
	r.Route("/submissions/{submissionID}", func(r chi.Router) {
		r.Get("/", h.Get)
		r.Post("/status", h.CheckStatus)
		r.Get("/attempts", h.Attempts)
		r.Get("/qr", h.QRCode)
		r.Post("/fail", h.MarkFailed)
	})
}

// reasonRequest is the body of cancellation and operator fail requests.
type reasonRequest struct {
	Reason string `json:"reason"`
}

// ErrorResponse extends the common error body with the affected submission.
type ErrorResponse struct {
	httperrors.ErrorResponse
	ValidationErrors []invoice.FieldError  `json:"validationErrors,omitempty"`
	Submission       *coresubmission.Result `json:"submission,omitempty"`
}

// AttemptResponse is the audit view of one authority exchange.
type AttemptResponse struct {
	ID             string          `json:"id"`
	Number         int             `json:"number"`
	Operation      string          `json:"operation"`
	IdempotencyKey string          `json:"idempotencyKey,omitempty"`
	HTTPStatus     int             `json:"httpStatus,omitempty"`
	ResponseCode   string          `json:"responseCode,omitempty"`
	Outcome        string          `json:"outcome,omitempty"`
	Error          string          `json:"error,omitempty"`
	DurationMs     int64           `json:"durationMs"`
	StartedAt      time.Time       `json:"startedAt"`
	Response       json.RawMessage `json:"response,omitempty"`
	ResponseText   string          `json:"responseText,omitempty"`
}

// Submit handles POST /api/v1/businesses/{businessID}/invoices/{invoiceID}/submissions.
func (h *Handler) Submit(w http.ResponseWriter, r *http.Request) {
	result, err := h.service.SubmitInvoice(r.Context(), chi.URLParam(r, "businessID"), chi.URLParam(r, "invoiceID"))
	if err != nil {
		h.handleError(w, r, result, err)
		return
	}
	httperrors.WriteJSON(w, statusFor(result), result, h.log)
}

// Cancel handles POST /api/v1/businesses/{businessID}/invoices/{invoiceID}/cancellations.
func (h *Handler) Cancel(w http.ResponseWriter, r *http.Request) {
	body, ok := h.decodeReason(w, r)
	if !ok {
		return
	}
	result, err := h.service.CancelInvoice(r.Context(), chi.URLParam(r, "businessID"), chi.URLParam(r, "invoiceID"), body.Reason)
	if err != nil {
		h.handleError(w, r, result, err)
		return
	}
	httperrors.WriteJSON(w, statusFor(result), result, h.log)
}

// Get handles GET /api/v1/submissions/{submissionID}.
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	result, err := h.service.Get(r.Context(), chi.URLParam(r, "submissionID"))
	if err != nil {
		h.handleError(w, r, result, err)
		return
	}
	if !h.owns(w, r, result) {
		return
	}
	httperrors.WriteJSON(w, http.StatusOK, result, h.log)
}

// CheckStatus handles POST /api/v1/submissions/{submissionID}/status.
func (h *Handler) CheckStatus(w http.ResponseWriter, r *http.Request) {
	if !h.authorize(w, r) {
		return
	}
	result, err := h.service.CheckStatus(r.Context(), chi.URLParam(r, "submissionID"))
	if err != nil {
		h.handleError(w, r, result, err)
		return
	}
	httperrors.WriteJSON(w, http.StatusOK, result, h.log)
}

// Attempts handles GET /api/v1/submissions/{submissionID}/attempts.
func (h *Handler) Attempts(w http.ResponseWriter, r *http.Request) {
	if !h.authorize(w, r) {
		return
	}
	attempts, err := h.service.Attempts(r.Context(), chi.URLParam(r, "submissionID"))
	if err != nil {
		h.handleError(w, r, nil, err)
		return
	}

	response := make([]AttemptResponse, 0, len(attempts))
	for _, a := range attempts {
		item := AttemptResponse{
			ID:             a.ID,
			Number:         a.Number,
			Operation:      a.Operation,
			IdempotencyKey: a.IdempotencyKey,
			HTTPStatus:     a.HTTPStatus,
			ResponseCode:   a.ResponseCode,
			Outcome:        a.Outcome,
			Error:          a.Error,
			DurationMs:     a.DurationMs,
			StartedAt:      a.StartedAt,
		}
		switch {
		case len(a.ResponsePayload) == 0:
		case json.Valid(a.ResponsePayload):
			item.Response = a.ResponsePayload
		default:
			item.ResponseText = string(a.ResponsePayload)
		}
		response = append(response, item)
	}
	httperrors.WriteJSON(w, http.StatusOK, response, h.log)
}

// QRCode handles GET /api/v1/submissions/{submissionID}/qr and renders the
// authority QR payload of an approved submission as PNG.
func (h *Handler) QRCode(w http.ResponseWriter, r *http.Request) {
	size := defaultQRSize
	if raw := r.URL.Query().Get("size"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < minQRSize || parsed > maxQRSize {
			httperrors.WriteError(w, http.StatusBadRequest, "Validation error",
				[]string{"size must be an integer between " + strconv.Itoa(minQRSize) + " and " + strconv.Itoa(maxQRSize)}, h.log)
			return
		}
		size = parsed
	}

	result, err := h.service.Get(r.Context(), chi.URLParam(r, "submissionID"))
	if err != nil {
		h.handleError(w, r, nil, err)
		return
	}
	if !h.owns(w, r, result) {
		return
	}
	if result.Status != coresubmission.StatusApproved || result.QRCode == "" {
		httperrors.WriteError(w, http.StatusNotFound, "QR code not available",
			[]string{"submission has no approved QR payload"}, h.log)
		return
	}

	png, err := qrcode.Encode(result.QRCode, qrcode.Medium, size)
	if err != nil {
		h.log.Error("failed to render QR code", "submission_id", result.ID, "error", err)
		httperrors.WriteError(w, http.StatusInternalServerError, "Internal server error", nil, h.log)
		return
	}

	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "private, max-age=3600")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(png)
}

// MarkFailed handles POST /api/v1/submissions/{submissionID}/fail.
func (h *Handler) MarkFailed(w http.ResponseWriter, r *http.Request) {
	if !h.authorize(w, r) {
		return
	}
	body, ok := h.decodeReason(w, r)
	if !ok {
		return
	}
	result, err := h.service.MarkFailed(r.Context(), chi.URLParam(r, "submissionID"), body.Reason)
	if err != nil {
		h.handleError(w, r, result, err)
		return
	}
	httperrors.WriteJSON(w, http.StatusOK, result, h.log)
}

// authorize loads the submission named in the route when the token is
// scoped to a set of businesses and checks that one of them owns it.
func (h *Handler) authorize(w http.ResponseWriter, r *http.Request) bool {
	if _, scoped := middleware.BusinessScope(r.Context()); !scoped {
		return true
	}
	result, err := h.service.Get(r.Context(), chi.URLParam(r, "submissionID"))
	if err != nil {
		h.handleError(w, r, nil, err)
		return false
	}
	return h.owns(w, r, result)
}

func (h *Handler) owns(w http.ResponseWriter, r *http.Request, result *coresubmission.Result) bool {
	if middleware.AllowsBusiness(r.Context(), result.BusinessID) {
		return true
	}
	h.log.Warn("submission outside token scope", "submission_id", result.ID, "business_id", result.BusinessID)
	middleware.WriteForbidden(w, h.log)
	return false
}

func (h *Handler) decodeReason(w http.ResponseWriter, r *http.Request) (reasonRequest, bool) {
	var body reasonRequest
	err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&body)
	if err != nil && !errors.Is(err, io.EOF) {
		httperrors.WriteError(w, http.StatusBadRequest, "Validation error", []string{"request body is not valid JSON"}, h.log)
		return body, false
	}
	return body, true
}

// statusFor answers 202 while the authority outcome is still pending.
func statusFor(result *coresubmission.Result) int {
	if result != nil && !result.Status.Terminal() {
		return http.StatusAccepted
	}
	return http.StatusOK
}

func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, result *coresubmission.Result, err error) {
	status, message := classify(err)

	attrs := []any{"path", r.URL.Path, "status", status, "error", err}
	if result != nil {
		attrs = append(attrs, "submission_id", result.ID, "irn", result.IRN)
	}
	if status >= http.StatusInternalServerError {
		h.log.Error("submission request failed", attrs...)
	} else {
		h.log.Warn("submission request refused", attrs...)
	}

	response := ErrorResponse{
		ErrorResponse: httperrors.ErrorResponse{Message: message, Errors: []string{err.Error()}},
		Submission:    result,
	}
	var verr *transform.ValidationError
	if errors.As(err, &verr) {
		response.ValidationErrors = verr.Fields
		response.Errors = make([]string, len(verr.Fields))
		for i, f := range verr.Fields {
			response.Errors[i] = f.Field + ": " + f.Message
		}
	}
	if status == http.StatusInternalServerError {
		response.Errors = []string{"an internal error occurred"}
	}
	httperrors.WriteJSON(w, status, response, h.log)
}

func classify(err error) (int, string) {
	var (
		verr      *transform.ValidationError
		transport *authority.TransportError
	)
	switch {
	case errors.As(err, &verr):
		return http.StatusUnprocessableEntity, "Invoice validation failed"
	case errors.Is(err, appsubmission.ErrInvalidRequest):
		return http.StatusBadRequest, "Validation error"
	case errors.Is(err, coresubmission.ErrNotFound),
		errors.Is(err, invoice.ErrInvoiceNotFound),
		errors.Is(err, invoice.ErrBusinessNotFound):
		return http.StatusNotFound, "Not found"
	case errors.Is(err, coresubmission.ErrAlreadyApproved),
		errors.Is(err, coresubmission.ErrInFlight),
		errors.Is(err, coresubmission.ErrNotApproved),
		errors.Is(err, coresubmission.ErrAlreadyCanceled),
		errors.Is(err, coresubmission.ErrInvalidTransition),
		errors.Is(err, coresubmission.ErrConflict):
		return http.StatusConflict, "Submission conflict"
	case signature.IsConfigurationError(err), errors.Is(err, irn.ErrInvalidTaxID):
		return http.StatusUnprocessableEntity, "Signing configuration error"
	case errors.Is(err, authority.ErrUnauthorized):
		return http.StatusBadGateway, "Authority rejected credentials"
	case errors.As(err, &transport):
		return http.StatusBadGateway, "Authority unavailable"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "Request timed out"
	default:
		return http.StatusInternalServerError, "Internal server error"
	}
}
