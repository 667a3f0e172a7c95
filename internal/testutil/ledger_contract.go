package testutil

import (
	"context"
	"errors"
	"testing"
	"time"

	"3tcapital/ms_einvoice_core/internal/core/invoice"
	"3tcapital/ms_einvoice_core/internal/core/submission"
)

// LedgerContract runs the behaviour every submission.Repository must share.
// newLedger must return an empty ledger for each call.
func LedgerContract(t *testing.T, newLedger func(t *testing.T) submission.Repository) {
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	ctx := context.Background()

	record := func(id, invoiceID string, status submission.Status) *submission.Submission {
		return &submission.Submission{
			ID:          id,
			InvoiceID:   invoiceID,
			BusinessID:  "biz-1",
			Type:        submission.TypeInvoice,
			Status:      status,
			IRN:         "IRN-123456780001-20260301090000-" + id,
			MaxAttempts: 3,
			CreatedAt:   base,
			UpdatedAt:   base,
		}
	}

	t.Run("create and get round trip", func(t *testing.T) {
		ledger := newLedger(t)
		signed := base.Add(time.Second)
		s := record("s1", "inv-1", submission.StatusPending)
		s.Signature = "sig"
		s.Certificate = "cert"
		s.Digest = "digest"
		s.SigningTime = &signed
		s.RequestCanonical = []byte(`{"a":1}`)
		s.RequestDocument = []byte("<Invoice/>")
		s.ValidationErrors = []invoice.FieldError{{Field: "customer.tax_id", Message: "required"}}

		if err := ledger.Create(ctx, s); err != nil {
			t.Fatalf("create: %v", err)
		}
		if s.Version != 1 {
			t.Errorf("expected version 1, got %d", s.Version)
		}

		got, err := ledger.Get(ctx, "s1")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if got.IRN != s.IRN || got.Signature != "sig" || got.Digest != "digest" || got.Certificate != "cert" {
			t.Errorf("signature fields not stored: %+v", got)
		}
		if got.SigningTime == nil || !got.SigningTime.Equal(signed) {
			t.Errorf("signing time not stored: %v", got.SigningTime)
		}
		if string(got.RequestDocument) != "<Invoice/>" || string(got.RequestCanonical) != `{"a":1}` {
			t.Errorf("payloads not stored")
		}
		if len(got.ValidationErrors) != 1 || got.ValidationErrors[0].Field != "customer.tax_id" {
			t.Errorf("validation errors not stored: %v", got.ValidationErrors)
		}
		if got.Status != submission.StatusPending || got.Type != submission.TypeInvoice || got.MaxAttempts != 3 {
			t.Errorf("unexpected record %+v", got)
		}
		if !got.CreatedAt.Equal(base) || got.Version != 1 {
			t.Errorf("unexpected metadata created=%v version=%d", got.CreatedAt, got.Version)
		}
	})

	t.Run("get missing", func(t *testing.T) {
		ledger := newLedger(t)
		if _, err := ledger.Get(ctx, "nope"); !errors.Is(err, submission.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("one live submission per invoice", func(t *testing.T) {
		ledger := newLedger(t)
		if err := ledger.Create(ctx, record("s1", "inv-1", submission.StatusPending)); err != nil {
			t.Fatalf("create: %v", err)
		}
		if err := ledger.Create(ctx, record("s2", "inv-1", submission.StatusPending)); !errors.Is(err, submission.ErrInFlight) {
			t.Fatalf("expected ErrInFlight, got %v", err)
		}

		cancel := record("c1", "inv-1", submission.StatusPending)
		cancel.Type = submission.TypeCancellation
		if err := ledger.Create(ctx, cancel); err != nil {
			t.Errorf("cancellations are tracked separately: %v", err)
		}
		if err := ledger.Create(ctx, record("s3", "inv-2", submission.StatusPending)); err != nil {
			t.Errorf("other invoices are unaffected: %v", err)
		}
	})

	t.Run("terminal records do not block resubmission", func(t *testing.T) {
		ledger := newLedger(t)
		s := record("s1", "inv-1", submission.StatusPending)
		if err := ledger.Create(ctx, s); err != nil {
			t.Fatalf("create: %v", err)
		}
		s.Status = submission.StatusRejected
		if err := ledger.Update(ctx, s); err != nil {
			t.Fatalf("update: %v", err)
		}
		if err := ledger.Create(ctx, record("s2", "inv-1", submission.StatusPending)); err != nil {
			t.Errorf("expected resubmission to be allowed: %v", err)
		}
	})

	t.Run("optimistic update", func(t *testing.T) {
		ledger := newLedger(t)
		s := record("s1", "inv-1", submission.StatusPending)
		if err := ledger.Create(ctx, s); err != nil {
			t.Fatalf("create: %v", err)
		}

		stale := *s
		retry := base.Add(time.Minute)
		s.Status = submission.StatusSubmitted
		s.Attempts = 1
		s.NextRetryAt = &retry
		s.LastError = "timeout"
		s.UpdatedAt = base.Add(time.Second)
		if err := ledger.Update(ctx, s); err != nil {
			t.Fatalf("update: %v", err)
		}
		if s.Version != 2 {
			t.Errorf("expected version 2, got %d", s.Version)
		}

		stale.Status = submission.StatusFailed
		if err := ledger.Update(ctx, &stale); !errors.Is(err, submission.ErrConflict) {
			t.Errorf("expected ErrConflict for stale write, got %v", err)
		}

		got, _ := ledger.Get(ctx, "s1")
		if got.Status != submission.StatusSubmitted || got.Attempts != 1 || got.LastError != "timeout" {
			t.Errorf("unexpected stored record %+v", got)
		}
		if got.NextRetryAt == nil || !got.NextRetryAt.Equal(retry) {
			t.Errorf("retry time not stored: %v", got.NextRetryAt)
		}

		missing := record("ghost", "inv-9", submission.StatusPending)
		missing.Version = 1
		if err := ledger.Update(ctx, missing); !errors.Is(err, submission.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("record attempt", func(t *testing.T) {
		ledger := newLedger(t)
		s := record("s1", "inv-1", submission.StatusPending)
		if err := ledger.Create(ctx, s); err != nil {
			t.Fatalf("create: %v", err)
		}

		for i := 1; i <= 2; i++ {
			s.Attempts = i
			s.Status = submission.StatusSubmitted
			err := ledger.RecordAttempt(ctx, s, submission.Attempt{
				ID:              "a" + string(rune('0'+i)),
				SubmissionID:    "s1",
				Number:          i,
				Operation:       submission.OperationTransmit,
				IdempotencyKey:  "s1",
				RequestPayload:  []byte("<Invoice/>"),
				ResponsePayload: []byte("unavailable"),
				HTTPStatus:      503,
				Outcome:         "transport_error",
				Error:           "503",
				DurationMs:      12,
				StartedAt:       base.Add(time.Duration(i) * time.Second),
			})
			if err != nil {
				t.Fatalf("record attempt %d: %v", i, err)
			}
		}

		attempts, err := ledger.ListAttempts(ctx, "s1")
		if err != nil {
			t.Fatalf("list attempts: %v", err)
		}
		if len(attempts) != 2 || attempts[0].Number != 1 || attempts[1].Number != 2 {
			t.Fatalf("unexpected attempts %+v", attempts)
		}
		a := attempts[1]
		if a.IdempotencyKey != "s1" || a.HTTPStatus != 503 || string(a.ResponsePayload) != "unavailable" || a.DurationMs != 12 {
			t.Errorf("attempt fields not stored: %+v", a)
		}

		got, _ := ledger.Get(ctx, "s1")
		if got.Attempts != 2 || got.Version != 3 {
			t.Errorf("expected attempts=2 version=3, got %d/%d", got.Attempts, got.Version)
		}

		stale := *got
		stale.Version = 1
		if err := ledger.RecordAttempt(ctx, &stale, submission.Attempt{ID: "a9", SubmissionID: "s1", Number: 9, StartedAt: base}); !errors.Is(err, submission.ErrConflict) {
			t.Errorf("expected ErrConflict, got %v", err)
		}
		if attempts, _ := ledger.ListAttempts(ctx, "s1"); len(attempts) != 2 {
			t.Errorf("attempt must not be stored when the update conflicts, got %d", len(attempts))
		}
	})

	t.Run("list by invoice", func(t *testing.T) {
		ledger := newLedger(t)
		first := record("s1", "inv-1", submission.StatusRejected)
		second := record("s2", "inv-1", submission.StatusPending)
		second.CreatedAt = base.Add(time.Minute)
		other := record("s3", "inv-2", submission.StatusPending)
		for _, s := range []*submission.Submission{first, second, other} {
			if err := ledger.Create(ctx, s); err != nil {
				t.Fatalf("create %s: %v", s.ID, err)
			}
		}

		got, err := ledger.ListByInvoice(ctx, "inv-1")
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if len(got) != 2 || got[0].ID != "s1" || got[1].ID != "s2" {
			t.Errorf("unexpected records %v", ids(got))
		}
	})

	t.Run("list due and stale", func(t *testing.T) {
		ledger := newLedger(t)
		now := base.Add(time.Hour)
		early, late, future := now.Add(-2*time.Minute), now.Add(-time.Minute), now.Add(time.Minute)

		due1 := record("due1", "inv-1", submission.StatusSubmitted)
		due1.NextRetryAt = &late
		due2 := record("due2", "inv-2", submission.StatusSubmitted)
		due2.NextRetryAt = &early
		notYet := record("later", "inv-3", submission.StatusSubmitted)
		notYet.NextRetryAt = &future
		stale := record("stale", "inv-4", submission.StatusSubmitted)
		fresh := record("fresh", "inv-5", submission.StatusSubmitted)
		fresh.UpdatedAt = now
		done := record("done", "inv-6", submission.StatusApproved)

		for _, s := range []*submission.Submission{due1, due2, notYet, stale, fresh, done} {
			if err := ledger.Create(ctx, s); err != nil {
				t.Fatalf("create %s: %v", s.ID, err)
			}
		}

		got, err := ledger.ListDue(ctx, now, 10)
		if err != nil {
			t.Fatalf("list due: %v", err)
		}
		if len(got) != 2 || got[0].ID != "due2" || got[1].ID != "due1" {
			t.Errorf("expected [due2 due1], got %v", ids(got))
		}
		if got, _ := ledger.ListDue(ctx, now, 1); len(got) != 1 || got[0].ID != "due2" {
			t.Errorf("limit not applied: %v", ids(got))
		}

		got, err = ledger.ListStale(ctx, now.Add(-30*time.Minute), 10)
		if err != nil {
			t.Fatalf("list stale: %v", err)
		}
		if len(got) != 1 || got[0].ID != "stale" {
			t.Errorf("expected [stale], got %v", ids(got))
		}
	})
}

func ids(records []submission.Submission) []string {
	out := make([]string, len(records))
	for i, r := range records {
		out[i] = r.ID
	}
	return out
}
