package submission

import (
	"context"
	"crypto/x509"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"3tcapital/ms_einvoice_core/internal/core/authority"
	"3tcapital/ms_einvoice_core/internal/core/invoice"
	"3tcapital/ms_einvoice_core/internal/core/irn"
	"3tcapital/ms_einvoice_core/internal/core/signature"
	coresubmission "3tcapital/ms_einvoice_core/internal/core/submission"
	"3tcapital/ms_einvoice_core/internal/core/transform"
	"3tcapital/ms_einvoice_core/internal/infrastructure/cache"
)

// ErrInvalidRequest marks caller input that is missing or malformed.
var ErrInvalidRequest = errors.New("invalid request")

const (
	defaultIdentityTTL  = 15 * time.Minute
	defaultDueBatchSize = 50
)

// Config tunes the submission service.
type Config struct {
	Controller ControllerConfig
	// KeyPassphrase decrypts encrypted PKCS#8 business keys.
	KeyPassphrase []byte
	// IdentityTTL bounds how long a parsed signing identity is reused.
	IdentityTTL  time.Duration
	DueBatchSize int
}

// Dependencies are the collaborators of the submission service. Validator and
// Notifier are optional.
type Dependencies struct {
	Ledger      coresubmission.Repository
	Invoices    invoice.Repository
	Businesses  invoice.BusinessRepository
	Authority   authority.Authority
	Validator   invoice.Validator
	Notifier    coresubmission.Notifier
	IRN         *irn.Generator
	Engine      *signature.Engine
	Transformer *transform.Transformer
}

// Service orchestrates regulatory submissions: it validates and transforms an
// invoice, assigns its IRN, signs it and hands it to the transmission controller.
type Service struct {
	ledger      coresubmission.Repository
	invoices    invoice.Repository
	businesses  invoice.BusinessRepository
	validator   invoice.Validator
	notifier    coresubmission.Notifier
	irn         *irn.Generator
	engine      *signature.Engine
	transformer *transform.Transformer
	controller  *Controller
	identities  *cache.TTLCache[signature.Identity]
	cfg         Config
	log         *slog.Logger

	locksMu sync.Mutex
	locks   map[string]*invoiceLock
	now   func() time.Time
	newID func() string
}

// NewService wires the submission service.
func NewService(deps Dependencies, cfg Config, log *slog.Logger) (*Service, error) {
	switch {
	case log == nil:
		return nil, fmt.Errorf("logger is required")
	case deps.Ledger == nil:
		return nil, fmt.Errorf("submission ledger is required")
	case deps.Invoices == nil:
		return nil, fmt.Errorf("invoice repository is required")
	case deps.Businesses == nil:
		return nil, fmt.Errorf("business repository is required")
	case deps.Authority == nil:
		return nil, fmt.Errorf("authority client is required")
	}
	if deps.IRN == nil {
		deps.IRN = irn.NewGenerator(irn.DefaultPrefix)
	}
	if deps.Engine == nil {
		deps.Engine = signature.NewEngine()
	}
	if deps.Transformer == nil {
		deps.Transformer = transform.New()
	}
	if cfg.IdentityTTL <= 0 {
		cfg.IdentityTTL = defaultIdentityTTL
	}
	if cfg.DueBatchSize <= 0 {
		cfg.DueBatchSize = defaultDueBatchSize
	}
	cfg.Controller = cfg.Controller.withDefaults()

	return &Service{
		ledger:      deps.Ledger,
		invoices:    deps.Invoices,
		businesses:  deps.Businesses,
		validator:   deps.Validator,
		notifier:    deps.Notifier,
		irn:         deps.IRN,
		engine:      deps.Engine,
		transformer: deps.Transformer,
		controller:  NewController(deps.Ledger, deps.Authority, cfg.Controller, log),
		identities:  cache.NewTTLCache[signature.Identity](),
		cfg:         cfg,
		log:         log,
		now:         time.Now,
		newID:       uuid.NewString,
	}, nil
}

// SubmitInvoice runs the full pipeline for an invoice, credit note or debit
// note. The returned result reflects the record's state when the call ends;
// it is non-nil whenever a record was created.
func (s *Service) SubmitInvoice(ctx context.Context, businessID, invoiceID string) (*coresubmission.Result, error) {
	if strings.TrimSpace(businessID) == "" {
		return nil, fmt.Errorf("%w: business id is required", ErrInvalidRequest)
	}
	if strings.TrimSpace(invoiceID) == "" {
		return nil, fmt.Errorf("%w: invoice id is required", ErrInvalidRequest)
	}

	unlock := s.lock(invoiceID)
	defer unlock()

	inv, biz, err := s.load(ctx, businessID, invoiceID)
	if err != nil {
		return nil, err
	}

	existing, err := s.ledger.ListByInvoice(ctx, invoiceID)
	if err != nil {
		return nil, fmt.Errorf("list submissions of invoice %s: %w", invoiceID, err)
	}
	for i := range existing {
		e := &existing[i]
		switch {
		case e.Type == coresubmission.TypeCancellation:
			if e.Status == coresubmission.StatusApproved {
				return e.Result(), coresubmission.ErrAlreadyCanceled
			}
		case e.Status == coresubmission.StatusApproved:
			return e.Result(), coresubmission.ErrAlreadyApproved
		case !e.Status.Terminal():
			return e.Result(), coresubmission.ErrInFlight
		}
	}

	rec, err := s.create(ctx, inv, biz, coresubmission.TypeForKind(inv.EffectiveKind()), "", "")
	if err != nil {
		return resultOf(rec), err
	}

	var fieldErrs []invoice.FieldError
	if s.validator != nil {
		fieldErrs = s.validator.Validate(ctx, inv, biz)
	}
	doc, err := s.transformer.Transform(inv, biz)
	return s.process(ctx, rec, biz, doc, err, fieldErrs)
}

// CancelInvoice submits a cancellation for an approved invoice. The
// cancellation gets its own IRN and references the approved one.
func (s *Service) CancelInvoice(ctx context.Context, businessID, invoiceID, reason string) (*coresubmission.Result, error) {
	if strings.TrimSpace(businessID) == "" {
		return nil, fmt.Errorf("%w: business id is required", ErrInvalidRequest)
	}
	if strings.TrimSpace(invoiceID) == "" {
		return nil, fmt.Errorf("%w: invoice id is required", ErrInvalidRequest)
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, fmt.Errorf("%w: cancellation reason is required", ErrInvalidRequest)
	}

	unlock := s.lock(invoiceID)
	defer unlock()

	inv, biz, err := s.load(ctx, businessID, invoiceID)
	if err != nil {
		return nil, err
	}

	existing, err := s.ledger.ListByInvoice(ctx, invoiceID)
	if err != nil {
		return nil, fmt.Errorf("list submissions of invoice %s: %w", invoiceID, err)
	}
	var original *coresubmission.Submission
	for i := range existing {
		e := &existing[i]
		if e.Type == coresubmission.TypeCancellation {
			if e.Status == coresubmission.StatusApproved {
				return e.Result(), coresubmission.ErrAlreadyCanceled
			}
			if !e.Status.Terminal() {
				return e.Result(), coresubmission.ErrInFlight
			}
			continue
		}
		if e.Status == coresubmission.StatusApproved {
			original = e
		}
	}
	if original == nil {
		return nil, coresubmission.ErrNotApproved
	}

	rec, err := s.create(ctx, inv, biz, coresubmission.TypeCancellation, original.IRN, reason)
	if err != nil {
		return resultOf(rec), err
	}

	doc, err := s.transformer.TransformCancellation(inv, biz, original.IRN, reason, s.now())
	return s.process(ctx, rec, biz, doc, err, nil)
}

// CheckStatus reconciles a non-terminal record with the authority and returns
// its current state. Terminal records are returned as stored.
func (s *Service) CheckStatus(ctx context.Context, id string) (*coresubmission.Result, error) {
	rec, err := s.ledger.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.Status.Terminal() {
		return rec.Result(), nil
	}

	if _, err := s.ReconcileRecord(ctx, rec); err != nil {
		return rec.Result(), err
	}
	return rec.Result(), nil
}

// ReconcileRecord asks the authority for the outcome of a stored record and
// applies it. It reports whether the record changed.
func (s *Service) ReconcileRecord(ctx context.Context, rec *coresubmission.Submission) (bool, error) {
	if rec.Status.Terminal() {
		return false, nil
	}

	biz, err := s.businesses.GetBusiness(ctx, rec.BusinessID)
	if err != nil {
		return false, fmt.Errorf("load business %s: %w", rec.BusinessID, err)
	}

	changed, err := s.controller.Reconcile(ctx, rec, biz.CSID)
	if err != nil {
		return false, err
	}
	if changed {
		s.settle(ctx, rec)
	}
	return changed, nil
}

// Get returns a submission record.
func (s *Service) Get(ctx context.Context, id string) (*coresubmission.Result, error) {
	rec, err := s.ledger.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return rec.Result(), nil
}

// Record returns the full stored submission, including signed payloads.
func (s *Service) Record(ctx context.Context, id string) (*coresubmission.Submission, error) {
	return s.ledger.Get(ctx, id)
}

// Attempts returns the audit trail of a submission.
func (s *Service) Attempts(ctx context.Context, id string) ([]coresubmission.Attempt, error) {
	if _, err := s.ledger.Get(ctx, id); err != nil {
		return nil, err
	}
	return s.ledger.ListAttempts(ctx, id)
}

// ResumeDue continues every record whose retry time has passed. It returns the
// number of records processed.
func (s *Service) ResumeDue(ctx context.Context) (int, error) {
	due, err := s.ledger.ListDue(ctx, s.now(), s.cfg.DueBatchSize)
	if err != nil {
		return 0, fmt.Errorf("list due submissions: %w", err)
	}

	processed := 0
	for i := range due {
		if ctx.Err() != nil {
			return processed, ctx.Err()
		}
		if err := s.Resume(ctx, &due[i]); err != nil {
			if errors.Is(err, coresubmission.ErrConflict) {
				s.log.Debug("Submission resumed elsewhere", "submission_id", due[i].ID)
				continue
			}
			if errors.Is(err, context.Canceled) {
				return processed, err
			}
			s.log.Error("Failed to resume submission", "submission_id", due[i].ID, "error", err)
			continue
		}
		processed++
	}
	return processed, nil
}

// Resume issues the next due attempt of one stored record without re-signing
// it. Further retries stay scheduled on the record for the next sweep, so one
// failing record never holds up the others.
func (s *Service) Resume(ctx context.Context, rec *coresubmission.Submission) error {
	if rec.Status.Terminal() {
		return nil
	}
	if !rec.Signed() {
		rec.LastError = "submission interrupted before it was signed"
		if err := rec.Transition(coresubmission.StatusFailed, s.now()); err != nil {
			return err
		}
		if err := s.ledger.Update(ctx, rec); err != nil {
			return err
		}
		s.settle(ctx, rec)
		return nil
	}

	biz, err := s.businesses.GetBusiness(ctx, rec.BusinessID)
	if err != nil {
		return fmt.Errorf("load business %s: %w", rec.BusinessID, err)
	}

	err = s.controller.Step(ctx, rec, biz.CSID, biz.TaxID)
	if errors.Is(err, coresubmission.ErrConflict) {
		return err
	}
	s.settle(ctx, rec)
	return err
}

// MarkFailed moves a non-terminal record to failed on operator request.
func (s *Service) MarkFailed(ctx context.Context, id, reason string) (*coresubmission.Result, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, fmt.Errorf("%w: reason is required", ErrInvalidRequest)
	}

	rec, err := s.ledger.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := rec.Transition(coresubmission.StatusFailed, s.now()); err != nil {
		return rec.Result(), err
	}
	rec.LastError = "marked failed by operator: " + reason
	if err := s.ledger.Update(ctx, rec); err != nil {
		return nil, err
	}

	s.log.Warn("Submission marked failed by operator", "submission_id", rec.ID, "irn", rec.IRN, "reason", reason)
	s.settle(ctx, rec)
	return rec.Result(), nil
}

func (s *Service) load(ctx context.Context, businessID, invoiceID string) (*invoice.Invoice, *invoice.Business, error) {
	biz, err := s.businesses.GetBusiness(ctx, businessID)
	if err != nil {
		return nil, nil, err
	}
	inv, err := s.invoices.GetInvoice(ctx, businessID, invoiceID)
	if err != nil {
		return nil, nil, err
	}
	return inv, biz, nil
}

// create persists a pending record with a fresh IRN. An IRN that cannot be
// generated fails the record immediately.
func (s *Service) create(ctx context.Context, inv *invoice.Invoice, biz *invoice.Business, typ coresubmission.Type, originalIRN, reason string) (*coresubmission.Submission, error) {
	now := s.now()
	rec := &coresubmission.Submission{
		ID:          s.newID(),
		InvoiceID:   inv.ID,
		BusinessID:  biz.ID,
		Type:        typ,
		Status:      coresubmission.StatusPending,
		OriginalIRN: originalIRN,
		Reason:      reason,
		MaxAttempts: s.cfg.Controller.MaxAttempts,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	value, irnErr := s.irn.Generate(biz.TaxID)
	if irnErr == nil {
		rec.IRN = value
	}

	if err := s.ledger.Create(ctx, rec); err != nil {
		return nil, fmt.Errorf("create submission for invoice %s: %w", inv.ID, err)
	}
	s.log.Info("Submission created",
		"submission_id", rec.ID,
		"invoice_id", rec.InvoiceID,
		"business_id", rec.BusinessID,
		"type", rec.Type,
		"irn", rec.IRN,
	)

	if irnErr != nil {
		fields := []invoice.FieldError{{Field: "business.tax_id", Message: irnErr.Error()}}
		if err := s.fail(ctx, rec, "invoice validation failed", fields); err != nil {
			return nil, err
		}
		return rec, &transform.ValidationError{Fields: fields}
	}

	s.mirror(ctx, rec)
	return rec, nil
}

// process signs a transformed document, stores it on the record and transmits it.
func (s *Service) process(ctx context.Context, rec *coresubmission.Submission, biz *invoice.Business, doc *transform.Document, transformErr error, fieldErrs []invoice.FieldError) (*coresubmission.Result, error) {
	var verr *transform.ValidationError
	if errors.As(transformErr, &verr) {
		fieldErrs = append(fieldErrs, verr.Fields...)
	} else if transformErr != nil {
		return s.abort(ctx, rec, transformErr)
	}
	fieldErrs = dedupeFields(fieldErrs)
	if len(fieldErrs) > 0 {
		if err := s.fail(ctx, rec, "invoice validation failed", fieldErrs); err != nil {
			return nil, err
		}
		return rec.Result(), &transform.ValidationError{Fields: fieldErrs}
	}

	identity, err := s.identity(biz)
	if err != nil {
		return s.abort(ctx, rec, err)
	}

	canonical, err := doc.Canonical()
	if err != nil {
		return s.abort(ctx, rec, fmt.Errorf("canonicalize document: %w", err))
	}

	signed, err := s.engine.Sign(canonical, rec.IRN, identity)
	if err != nil {
		return s.abort(ctx, rec, err)
	}

	xmlDoc, err := transform.Render(doc, rec.IRN, &transform.SignatureBlock{
		Algorithm:       signed.Algorithm,
		KeyID:           signed.KeyID,
		SigningTime:     signed.SigningTime,
		Chain:           signed.Chain,
		DigestAlgorithm: signature.DigestAlgorithm,
		DigestValue:     signed.Digest,
		IRN:             rec.IRN,
		Value:           signed.Signature,
	})
	if err != nil {
		return s.abort(ctx, rec, fmt.Errorf("render document: %w", err))
	}

	signingTime := signed.SigningTime
	rec.Signature = signed.Signature
	rec.Certificate = signed.Certificate
	rec.Digest = signed.Digest
	rec.SigningTime = &signingTime
	rec.RequestCanonical = canonical
	rec.RequestDocument = xmlDoc
	rec.UpdatedAt = s.now()
	if err := s.ledger.Update(ctx, rec); err != nil {
		return nil, fmt.Errorf("store signed submission %s: %w", rec.ID, err)
	}
	s.log.Info("Submission signed",
		"submission_id", rec.ID,
		"irn", rec.IRN,
		"algorithm", signed.Algorithm,
		"digest", signed.Digest,
	)

	runErr := s.controller.Run(ctx, rec, biz.CSID, biz.TaxID)
	if errors.Is(runErr, coresubmission.ErrConflict) {
		// Another worker moved the record on; report what it stored.
		s.log.Debug("Submission advanced elsewhere", "submission_id", rec.ID, "irn", rec.IRN)
		current, err := s.ledger.Get(ctx, rec.ID)
		if err != nil {
			return nil, fmt.Errorf("reload submission %s: %w", rec.ID, err)
		}
		return current.Result(), nil
	}
	s.settle(ctx, rec)
	if errors.Is(runErr, context.Canceled) || errors.Is(runErr, context.DeadlineExceeded) {
		// The record keeps its retry schedule; the sweep picks it up.
		return rec.Result(), nil
	}
	return rec.Result(), runErr
}

// abort fails a record that never reached the authority and returns the cause.
func (s *Service) abort(ctx context.Context, rec *coresubmission.Submission, cause error) (*coresubmission.Result, error) {
	s.log.Error("Submission aborted before transmission",
		"submission_id", rec.ID,
		"irn", rec.IRN,
		"error", cause,
	)
	if err := s.fail(ctx, rec, cause.Error(), nil); err != nil {
		return nil, errors.Join(cause, err)
	}
	return rec.Result(), cause
}

func (s *Service) fail(ctx context.Context, rec *coresubmission.Submission, msg string, fields []invoice.FieldError) error {
	rec.LastError = msg
	rec.ValidationErrors = fields
	if err := rec.Transition(coresubmission.StatusFailed, s.now()); err != nil {
		return err
	}
	if err := s.ledger.Update(ctx, rec); err != nil {
		return fmt.Errorf("fail submission %s: %w", rec.ID, err)
	}
	s.settle(ctx, rec)
	return nil
}

// identity returns the parsed signing identity of biz. Entries are keyed by the
// business revision so rotated keys are picked up immediately.
func (s *Service) identity(biz *invoice.Business) (signature.Identity, error) {
	key := biz.ID + "|" + biz.CSID + "|" + strconv.FormatInt(biz.UpdatedAt.UnixNano(), 10)
	if id, ok := s.identities.Get(key); ok {
		return id, nil
	}

	id, err := signature.LoadIdentity(signature.Material{
		KeyID:          biz.CSID,
		PrivateKeyPEM:  biz.PrivateKeyPEM,
		CertificatePEM: biz.CertificatePEM,
		Passphrase:     s.cfg.KeyPassphrase,
		ExpiresAt:      biz.CSIDExpiresAt,
	}, s.now())
	if err != nil {
		return signature.Identity{}, err
	}

	ttl := s.cfg.IdentityTTL
	if !biz.CSIDExpiresAt.IsZero() {
		if left := biz.CSIDExpiresAt.Sub(s.now()); left < ttl {
			ttl = left
		}
	}
	s.identities.Set(key, id, ttl)
	return id, nil
}

// settle mirrors the record onto its invoice and announces terminal outcomes.
func (s *Service) settle(ctx context.Context, rec *coresubmission.Submission) {
	s.mirror(ctx, rec)
	if !rec.Status.Terminal() || s.notifier == nil {
		return
	}
	if err := s.notifier.Notify(ctx, *rec.Result()); err != nil {
		s.log.Warn("Failed to deliver submission notification",
			"submission_id", rec.ID,
			"status", rec.Status,
			"error", err,
		)
	}
}

func (s *Service) mirror(ctx context.Context, rec *coresubmission.Submission) {
	status, ok := regulatoryStatus(rec)
	if !ok {
		return
	}
	irnValue := rec.IRN
	if rec.Type == coresubmission.TypeCancellation {
		irnValue = rec.OriginalIRN
	}
	if err := s.invoices.UpdateRegulatoryStatus(ctx, rec.InvoiceID, status, irnValue); err != nil {
		s.log.Warn("Failed to update invoice regulatory status",
			"invoice_id", rec.InvoiceID,
			"status", status,
			"error", err,
		)
	}
}

// regulatoryStatus maps a record onto the invoice's regulatory status. Only an
// approved cancellation changes the invoice; other cancellation outcomes leave
// it approved.
func regulatoryStatus(rec *coresubmission.Submission) (invoice.RegulatoryStatus, bool) {
	if rec.Type == coresubmission.TypeCancellation {
		return invoice.RegulatoryCancelled, rec.Status == coresubmission.StatusApproved
	}
	switch rec.Status {
	case coresubmission.StatusPending:
		return invoice.RegulatoryPending, true
	case coresubmission.StatusSubmitted:
		return invoice.RegulatorySubmitted, true
	case coresubmission.StatusApproved:
		return invoice.RegulatoryApproved, true
	case coresubmission.StatusRejected:
		return invoice.RegulatoryRejected, true
	case coresubmission.StatusFailed:
		return invoice.RegulatoryFailed, true
	}
	return "", false
}

type invoiceLock struct {
	mu   sync.Mutex
	refs int
}

// lock serializes submissions of the same invoice within this process. The
// ledger's uniqueness constraint covers concurrent processes. Entries are
// dropped once no caller holds or waits on them.
func (s *Service) lock(invoiceID string) func() {
	s.locksMu.Lock()
	if s.locks == nil {
		s.locks = make(map[string]*invoiceLock)
	}
	l, ok := s.locks[invoiceID]
	if !ok {
		l = &invoiceLock{}
		s.locks[invoiceID] = l
	}
	l.refs++
	s.locksMu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		s.locksMu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(s.locks, invoiceID)
		}
		s.locksMu.Unlock()
	}
}

// Verify checks the stored signature of a record against its stored
// canonical document, IRN and certificate.
func (s *Service) Verify(ctx context.Context, id string) (bool, error) {
	rec, err := s.ledger.Get(ctx, id)
	if err != nil {
		return false, err
	}
	if !rec.Signed() {
		return false, fmt.Errorf("%w: submission %s is not signed", ErrInvalidRequest, id)
	}
	der, err := base64.StdEncoding.DecodeString(rec.Certificate)
	if err != nil {
		return false, fmt.Errorf("decode stored certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return false, fmt.Errorf("parse stored certificate: %w", err)
	}
	return s.engine.Verify(rec.RequestCanonical, rec.Signature, cert, rec.IRN), nil
}

// dedupeFields keeps the first error reported for each field.
func dedupeFields(errs []invoice.FieldError) []invoice.FieldError {
	if len(errs) < 2 {
		return errs
	}
	seen := make(map[string]bool, len(errs))
	out := errs[:0:0]
	for _, e := range errs {
		if seen[e.Field] {
			continue
		}
		seen[e.Field] = true
		out = append(out, e)
	}
	return out
}

func resultOf(rec *coresubmission.Submission) *coresubmission.Result {
	if rec == nil {
		return nil
	}
	return rec.Result()
}
