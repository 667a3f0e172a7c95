package submission

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"3tcapital/ms_einvoice_core/internal/core/authority"
	coresubmission "3tcapital/ms_einvoice_core/internal/core/submission"
)

const (
	DefaultMaxAttempts    = 3
	DefaultBaseDelay      = time.Second
	DefaultAttemptTimeout = 30 * time.Second
)

// ControllerConfig bounds the transmission retry loop.
type ControllerConfig struct {
	MaxAttempts    int
	BaseDelay      time.Duration
	MaxDelay       time.Duration // 0 means uncapped
	AttemptTimeout time.Duration
}

func (c ControllerConfig) withDefaults() ControllerConfig {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = DefaultBaseDelay
	}
	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = DefaultAttemptTimeout
	}
	return c
}

// Controller transmits signed submissions to the authority and drives their
// state from the replies. Attempts for one record are strictly sequential;
// progress is written to the ledger before and after every network call so an
// interrupted loop can be resumed from the stored state.
type Controller struct {
	ledger    coresubmission.Repository
	authority authority.Authority
	cfg       ControllerConfig
	log       *slog.Logger

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewController creates a transmission controller.
func NewController(ledger coresubmission.Repository, auth authority.Authority, cfg ControllerConfig, log *slog.Logger) *Controller {
	return &Controller{
		ledger:    ledger,
		authority: auth,
		cfg:       cfg.withDefaults(),
		log:       log,
		now:       time.Now,
		sleep:     sleepContext,
	}
}

// Backoff returns the wait after the given number of failed attempts:
// BaseDelay * 2^(failed-1), capped by MaxDelay when set.
func (c *Controller) Backoff(failed int) time.Duration {
	if failed < 1 {
		failed = 1
	}
	d := c.cfg.BaseDelay
	for i := 1; i < failed; i++ {
		d *= 2
		if c.cfg.MaxDelay > 0 && d >= c.cfg.MaxDelay {
			return c.cfg.MaxDelay
		}
	}
	if c.cfg.MaxDelay > 0 && d > c.cfg.MaxDelay {
		return c.cfg.MaxDelay
	}
	return d
}

// Run transmits s until it reaches a terminal state, is left processing by the
// authority, or ctx ends during a backoff wait. In the last case the record
// keeps its NextRetryAt and can be resumed later.
func (c *Controller) Run(ctx context.Context, s *coresubmission.Submission, csid, taxID string) error {
	return c.run(ctx, s, csid, taxID, true)
}

// Step issues at most one attempt and never waits. A record not yet due is
// left alone, and a failed attempt only stores NextRetryAt for a later sweep.
func (c *Controller) Step(ctx context.Context, s *coresubmission.Submission, csid, taxID string) error {
	return c.run(ctx, s, csid, taxID, false)
}

func (c *Controller) run(ctx context.Context, s *coresubmission.Submission, csid, taxID string, wait bool) error {
	if !s.Signed() {
		return fmt.Errorf("submission %s is not signed", s.ID)
	}

	for {
		if s.Status.Terminal() {
			return nil
		}
		if s.Attempts >= s.MaxAttempts {
			return c.exhaust(ctx, s)
		}

		if s.NextRetryAt != nil {
			if delay := s.NextRetryAt.Sub(c.now()); delay > 0 {
				if !wait {
					return nil
				}
				c.log.Debug("Waiting before retry",
					"submission_id", s.ID,
					"irn", s.IRN,
					"attempt", s.Attempts+1,
					"wait", delay.String(),
				)
				if err := c.sleep(ctx, delay); err != nil {
					return err
				}
			}
		}

		// The attempt is counted before the call is issued.
		issuedAt := c.now()
		if err := s.Transition(coresubmission.StatusSubmitted, issuedAt); err != nil {
			return err
		}
		s.Attempts++
		s.NextRetryAt = nil
		if s.SubmittedAt == nil {
			s.SubmittedAt = &issuedAt
		}
		if err := c.ledger.Update(ctx, s); err != nil {
			return fmt.Errorf("mark submission %s submitted: %w", s.ID, err)
		}

		resp, callErr := c.transmit(ctx, s, csid, taxID)
		attempt := c.newAttempt(s, coresubmission.OperationTransmit, issuedAt, resp, callErr)
		finishedAt := c.now()

		switch {
		case callErr == nil:
			c.applyResponse(s, resp, finishedAt)

		case errors.Is(callErr, authority.ErrUnauthorized):
			s.LastError = callErr.Error()
			_ = s.Transition(coresubmission.StatusFailed, finishedAt)
			c.log.Error("Authority rejected credentials, submission failed",
				"submission_id", s.ID,
				"irn", s.IRN,
				"error", callErr,
			)

		default:
			s.LastError = callErr.Error()
			if te := (*authority.TransportError)(nil); errors.As(callErr, &te) && len(te.Raw) > 0 {
				s.ResponsePayload = te.Raw
			}
			if s.Attempts >= s.MaxAttempts {
				_ = s.Transition(coresubmission.StatusFailed, finishedAt)
				c.log.Error("Transmission attempts exhausted",
					"submission_id", s.ID,
					"irn", s.IRN,
					"attempts", s.Attempts,
					"error", callErr,
				)
			} else {
				next := finishedAt.Add(c.Backoff(s.Attempts))
				s.NextRetryAt = &next
				s.UpdatedAt = finishedAt
				c.log.Warn("Transmission attempt failed, retry scheduled",
					"submission_id", s.ID,
					"irn", s.IRN,
					"attempt", s.Attempts,
					"max_attempts", s.MaxAttempts,
					"next_retry_at", next,
					"error", callErr,
				)
			}
		}

		if err := c.ledger.RecordAttempt(ctx, s, attempt); err != nil {
			return fmt.Errorf("record attempt %d of submission %s: %w", attempt.Number, s.ID, err)
		}

		if s.Status.Terminal() || callErr == nil || !wait {
			return nil
		}
	}
}

// Reconcile queries the authority for the outcome of a non-terminal record and
// applies it. It reports whether the record changed. Terminal records are left
// untouched without contacting the authority.
func (c *Controller) Reconcile(ctx context.Context, s *coresubmission.Submission, csid string) (bool, error) {
	if s.Status.Terminal() {
		return false, nil
	}

	now := c.now()
	if !s.Signed() {
		s.LastError = "submission interrupted before it was signed"
		if err := s.Transition(coresubmission.StatusFailed, now); err != nil {
			return false, err
		}
		return true, c.ledger.Update(ctx, s)
	}
	if s.Attempts == 0 {
		// Signed but never sent: hand it to the retry sweep.
		s.NextRetryAt = &now
		s.UpdatedAt = now
		return true, c.ledger.Update(ctx, s)
	}

	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.AttemptTimeout)
	resp, callErr := c.authority.CheckStatus(callCtx, s.IRN, csid)
	cancel()

	attempt := c.newAttempt(s, coresubmission.OperationStatusCheck, now, resp, callErr)
	finishedAt := c.now()
	before := s.Status

	if callErr != nil {
		// Lookups never consume transmission attempts; the next pass retries.
		if err := c.ledger.RecordAttempt(ctx, s, attempt); err != nil {
			return false, err
		}
		return false, callErr
	}

	changed := false
	switch resp.Outcome() {
	case authority.OutcomeNotFound:
		if s.CanRetry() {
			s.NextRetryAt = &finishedAt
			s.UpdatedAt = finishedAt
			c.log.Warn("Authority has no record of submission, retransmission scheduled",
				"submission_id", s.ID,
				"irn", s.IRN,
				"attempts", s.Attempts,
			)
		} else {
			s.LastError = "authority has no record of the submission after the final attempt"
			_ = s.Transition(coresubmission.StatusFailed, finishedAt)
		}
		changed = true
	case authority.OutcomeProcessing:
		s.UpdatedAt = finishedAt
	default:
		c.applyResponse(s, resp, finishedAt)
		changed = s.Status != before
	}

	if err := c.ledger.RecordAttempt(ctx, s, attempt); err != nil {
		return false, err
	}
	return changed, nil
}

func (c *Controller) transmit(ctx context.Context, s *coresubmission.Submission, csid, taxID string) (*authority.Response, error) {
	// A call that has been issued runs to completion or timeout even if the
	// caller goes away.
	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.AttemptTimeout)
	defer cancel()

	op := authority.OperationSubmit
	if s.Type == coresubmission.TypeCancellation {
		op = authority.OperationCancel
	}

	resp, err := c.authority.Transmit(callCtx, authority.TransmitRequest{
		Operation:      op,
		IRN:            s.IRN,
		IdempotencyKey: s.ID,
		CSID:           csid,
		BusinessTaxID:  taxID,
		Document:       s.RequestDocument,
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && !authority.IsTransport(err) {
			err = &authority.TransportError{Op: string(op), Err: err}
		}
		return nil, err
	}
	if resp == nil {
		return nil, &authority.TransportError{Op: string(op), Err: errors.New("empty response")}
	}
	return resp, nil
}

func (c *Controller) applyResponse(s *coresubmission.Submission, resp *authority.Response, at time.Time) {
	s.ResponsePayload = resp.Raw
	s.ResponseCode = resp.Code
	s.ResponseMessage = resp.Message
	s.LastError = ""

	switch resp.Outcome() {
	case authority.OutcomeApproved:
		if resp.IRN != "" && resp.IRN != s.IRN {
			c.log.Warn("Authority confirmed a different IRN, keeping the signed one",
				"submission_id", s.ID,
				"irn", s.IRN,
				"authority_irn", resp.IRN,
			)
		}
		s.QRCode = resp.QRCode
		s.AuthoritySignature = resp.AuthoritySignature
		_ = s.Transition(coresubmission.StatusApproved, at)
		c.log.Info("Submission approved", "submission_id", s.ID, "irn", s.IRN, "attempts", s.Attempts)

	case authority.OutcomeRejected:
		s.ResponseField = resp.Field
		_ = s.Transition(coresubmission.StatusRejected, at)
		c.log.Warn("Submission rejected by authority",
			"submission_id", s.ID,
			"irn", s.IRN,
			"code", resp.Code,
			"message", resp.Message,
			"field", resp.Field,
		)

	default:
		s.UpdatedAt = at
		c.log.Info("Submission received by authority, awaiting outcome", "submission_id", s.ID, "irn", s.IRN)
	}
}

func (c *Controller) exhaust(ctx context.Context, s *coresubmission.Submission) error {
	if s.LastError == "" {
		s.LastError = "maximum transmission attempts exceeded"
	}
	if err := s.Transition(coresubmission.StatusFailed, c.now()); err != nil {
		return err
	}
	return c.ledger.Update(ctx, s)
}

func (c *Controller) newAttempt(s *coresubmission.Submission, op string, started time.Time, resp *authority.Response, err error) coresubmission.Attempt {
	a := coresubmission.Attempt{
		ID:             uuid.NewString(),
		SubmissionID:   s.ID,
		Number:         s.Attempts,
		Operation:      op,
		IdempotencyKey: s.ID,
		DurationMs:     c.now().Sub(started).Milliseconds(),
		StartedAt:      started,
	}
	if op == coresubmission.OperationTransmit {
		a.RequestPayload = s.RequestDocument
	}

	switch {
	case err != nil:
		a.Error = err.Error()
		a.Outcome = "error"
		var te *authority.TransportError
		if errors.As(err, &te) {
			a.HTTPStatus = te.StatusCode
			a.ResponsePayload = te.Raw
			a.Outcome = "transport_error"
		}
	case resp != nil:
		a.HTTPStatus = resp.HTTPStatus
		a.ResponseCode = resp.Code
		a.ResponsePayload = resp.Raw
		a.Outcome = string(resp.Outcome())
	}
	return a
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
