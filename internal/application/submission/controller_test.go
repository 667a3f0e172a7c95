package submission

import (
	"context"
	"errors"
	"testing"
	"time"

	"3tcapital/ms_einvoice_core/internal/core/authority"
	coresubmission "3tcapital/ms_einvoice_core/internal/core/submission"
	"3tcapital/ms_einvoice_core/internal/testutil"
)

type fakeClock struct {
	now    time.Time
	sleeps []time.Duration
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.sleeps = append(c.sleeps, d)
	c.now = c.now.Add(d)
	return nil
}

func newTestController(ledger *testutil.MemoryLedger, auth authority.Authority, clock *fakeClock) *Controller {
	c := NewController(ledger, auth, ControllerConfig{MaxAttempts: 3, BaseDelay: time.Second}, testutil.NewNullLogger())
	c.now = clock.Now
	c.sleep = clock.Sleep
	return c
}

func signedRecord(ledger *testutil.MemoryLedger, id string) *coresubmission.Submission {
	created := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	ledger.Put(coresubmission.Submission{
		ID:               id,
		InvoiceID:        "inv-" + id,
		BusinessID:       "biz-1",
		Type:             coresubmission.TypeInvoice,
		Status:           coresubmission.StatusPending,
		IRN:              "IRN-TIN1-20250601100000-0011223344556677",
		Signature:        "c2lnbmF0dXJl",
		Digest:           "ZGlnZXN0",
		RequestCanonical: []byte(`{"id":"inv"}`),
		RequestDocument:  []byte("<Invoice/>"),
		MaxAttempts:      3,
		CreatedAt:        created,
		UpdatedAt:        created,
	})
	rec, _ := ledger.Get(context.Background(), id)
	return rec
}

func transportFailure() *authority.TransportError {
	return &authority.TransportError{Op: "submit", StatusCode: 503, Raw: []byte(`{"error":"unavailable"}`), Err: errors.New("service unavailable")}
}

func TestController_Backoff(t *testing.T) {
	tests := []struct {
		name     string
		cfg      ControllerConfig
		failed   int
		expected time.Duration
	}{
		{name: "first failure", cfg: ControllerConfig{BaseDelay: time.Second}, failed: 1, expected: time.Second},
		{name: "second failure", cfg: ControllerConfig{BaseDelay: time.Second}, failed: 2, expected: 2 * time.Second},
		{name: "fourth failure", cfg: ControllerConfig{BaseDelay: time.Second}, failed: 4, expected: 8 * time.Second},
		{name: "capped", cfg: ControllerConfig{BaseDelay: time.Second, MaxDelay: 3 * time.Second}, failed: 4, expected: 3 * time.Second},
		{name: "zero treated as first", cfg: ControllerConfig{BaseDelay: time.Second}, failed: 0, expected: time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewController(nil, nil, tt.cfg, testutil.NewNullLogger())
			if got := c.Backoff(tt.failed); got != tt.expected {
				t.Errorf("expected %v, got %v", tt.expected, got)
			}
		})
	}
}

func TestController_Run_RetriesAreBounded(t *testing.T) {
	ledger := testutil.NewMemoryLedger()
	auth := &testutil.MockAuthority{
		TransmitFunc: func(ctx context.Context, req authority.TransmitRequest) (*authority.Response, error) {
			return nil, transportFailure()
		},
	}
	clock := &fakeClock{now: time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)}
	c := newTestController(ledger, auth, clock)

	rec := signedRecord(ledger, "sub-1")
	if err := c.Run(context.Background(), rec, "CSID-1", "TIN1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if got := len(auth.Transmits()); got != 3 {
		t.Fatalf("expected exactly 3 transmissions, got %d", got)
	}
	if rec.Status != coresubmission.StatusFailed {
		t.Errorf("expected status failed, got %s", rec.Status)
	}
	if rec.Attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", rec.Attempts)
	}
	if rec.NextRetryAt != nil {
		t.Error("expected no retry to be scheduled after exhaustion")
	}

	if len(clock.sleeps) != 2 {
		t.Fatalf("expected 2 backoff waits, got %v", clock.sleeps)
	}
	if clock.sleeps[0] < time.Second {
		t.Errorf("first wait %v is shorter than the base delay", clock.sleeps[0])
	}
	for i := 1; i < len(clock.sleeps); i++ {
		if clock.sleeps[i] < clock.sleeps[i-1] {
			t.Errorf("waits must not decrease: %v", clock.sleeps)
		}
	}

	for _, req := range auth.Transmits() {
		if req.IdempotencyKey != "sub-1" {
			t.Errorf("expected stable idempotency key, got %q", req.IdempotencyKey)
		}
		if req.IRN != rec.IRN {
			t.Errorf("expected IRN %s to be sent unchanged, got %s", rec.IRN, req.IRN)
		}
	}

	attempts, _ := ledger.ListAttempts(context.Background(), "sub-1")
	if len(attempts) != 3 {
		t.Fatalf("expected 3 attempt rows, got %d", len(attempts))
	}
	for i, a := range attempts {
		if a.Number != i+1 {
			t.Errorf("attempt %d numbered %d", i+1, a.Number)
		}
		if a.HTTPStatus != 503 || string(a.ResponsePayload) != `{"error":"unavailable"}` {
			t.Errorf("attempt %d did not keep the verbatim failure: %+v", i+1, a)
		}
	}
}

func TestController_Run_Outcomes(t *testing.T) {
	tests := []struct {
		name           string
		response       *authority.Response
		err            error
		expectedStatus coresubmission.Status
		expectedCalls  int
		check          func(t *testing.T, rec *coresubmission.Submission)
	}{
		{
			name:           "approved",
			response:       &authority.Response{Code: "00", Message: "accepted", QRCode: "QR-DATA", AuthoritySignature: "auth-sig", HTTPStatus: 200, Raw: []byte(`{"code":"00"}`)},
			expectedStatus: coresubmission.StatusApproved,
			expectedCalls:  1,
			check: func(t *testing.T, rec *coresubmission.Submission) {
				if rec.QRCode != "QR-DATA" {
					t.Errorf("expected QR code to be stored, got %q", rec.QRCode)
				}
				if rec.AuthoritySignature != "auth-sig" {
					t.Errorf("expected authority signature to be stored")
				}
				if rec.CompletedAt == nil {
					t.Error("expected completion time")
				}
				if string(rec.ResponsePayload) != `{"code":"00"}` {
					t.Errorf("expected verbatim response, got %s", rec.ResponsePayload)
				}
			},
		},
		{
			name:           "business rejection is not retried",
			response:       &authority.Response{Code: "07", Message: "invalid buyer tax id", Field: "buyer.tax_id", HTTPStatus: 200},
			expectedStatus: coresubmission.StatusRejected,
			expectedCalls:  1,
			check: func(t *testing.T, rec *coresubmission.Submission) {
				if rec.ResponseCode != "07" || rec.ResponseField != "buyer.tax_id" {
					t.Errorf("expected rejection details, got code=%q field=%q", rec.ResponseCode, rec.ResponseField)
				}
			},
		},
		{
			name:           "processing stays submitted",
			response:       &authority.Response{Code: "01", HTTPStatus: 202},
			expectedStatus: coresubmission.StatusSubmitted,
			expectedCalls:  1,
			check: func(t *testing.T, rec *coresubmission.Submission) {
				if rec.NextRetryAt != nil {
					t.Error("processing submissions must not be retransmitted")
				}
			},
		},
		{
			name:           "unauthorized fails without retry",
			err:            authority.ErrUnauthorized,
			expectedStatus: coresubmission.StatusFailed,
			expectedCalls:  1,
			check: func(t *testing.T, rec *coresubmission.Submission) {
				if rec.LastError == "" {
					t.Error("expected last error to be recorded")
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ledger := testutil.NewMemoryLedger()
			auth := &testutil.MockAuthority{
				TransmitFunc: func(ctx context.Context, req authority.TransmitRequest) (*authority.Response, error) {
					return tt.response, tt.err
				},
			}
			c := newTestController(ledger, auth, &fakeClock{now: time.Now()})

			rec := signedRecord(ledger, "sub-1")
			if err := c.Run(context.Background(), rec, "CSID-1", "TIN1"); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}

			if got := len(auth.Transmits()); got != tt.expectedCalls {
				t.Errorf("expected %d transmissions, got %d", tt.expectedCalls, got)
			}
			if rec.Status != tt.expectedStatus {
				t.Errorf("expected status %s, got %s", tt.expectedStatus, rec.Status)
			}

			stored, _ := ledger.Get(context.Background(), "sub-1")
			if stored.Status != tt.expectedStatus {
				t.Errorf("expected stored status %s, got %s", tt.expectedStatus, stored.Status)
			}
			if tt.check != nil {
				tt.check(t, stored)
			}
		})
	}
}

func TestController_Run_CountsAttemptBeforeCall(t *testing.T) {
	ledger := testutil.NewMemoryLedger()
	var seen *coresubmission.Submission
	auth := &testutil.MockAuthority{
		TransmitFunc: func(ctx context.Context, req authority.TransmitRequest) (*authority.Response, error) {
			seen, _ = ledger.Get(ctx, "sub-1")
			return &authority.Response{Code: "00"}, nil
		},
	}
	c := newTestController(ledger, auth, &fakeClock{now: time.Now()})

	rec := signedRecord(ledger, "sub-1")
	if err := c.Run(context.Background(), rec, "CSID-1", "TIN1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if seen == nil {
		t.Fatal("authority was not called")
	}
	if seen.Status != coresubmission.StatusSubmitted || seen.Attempts != 1 {
		t.Errorf("expected record to be stored as submitted with 1 attempt before the call, got %s/%d", seen.Status, seen.Attempts)
	}
	if seen.SubmittedAt == nil {
		t.Error("expected submission time to be stored before the call")
	}
}

func TestController_Run_CancelledDuringBackoffLeavesRetryScheduled(t *testing.T) {
	ledger := testutil.NewMemoryLedger()
	auth := &testutil.MockAuthority{
		TransmitFunc: func(ctx context.Context, req authority.TransmitRequest) (*authority.Response, error) {
			return nil, transportFailure()
		},
	}
	c := newTestController(ledger, auth, &fakeClock{now: time.Now()})

	ctx, cancel := context.WithCancel(context.Background())
	c.sleep = func(context.Context, time.Duration) error {
		cancel()
		return context.Canceled
	}

	rec := signedRecord(ledger, "sub-1")
	err := c.Run(ctx, rec, "CSID-1", "TIN1")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}

	stored, _ := ledger.Get(context.Background(), "sub-1")
	if stored.Status != coresubmission.StatusSubmitted {
		t.Errorf("expected submitted, got %s", stored.Status)
	}
	if stored.Attempts != 1 {
		t.Errorf("expected 1 attempt, got %d", stored.Attempts)
	}
	if stored.NextRetryAt == nil {
		t.Error("expected the retry schedule to survive cancellation")
	}
	if len(auth.Transmits()) != 1 {
		t.Errorf("expected a single transmission, got %d", len(auth.Transmits()))
	}
}

func TestController_Run_IssuedCallSurvivesCallerCancellation(t *testing.T) {
	ledger := testutil.NewMemoryLedger()
	ctx, cancel := context.WithCancel(context.Background())
	auth := &testutil.MockAuthority{
		TransmitFunc: func(callCtx context.Context, req authority.TransmitRequest) (*authority.Response, error) {
			cancel()
			if callCtx.Err() != nil {
				return nil, callCtx.Err()
			}
			return &authority.Response{Code: "00"}, nil
		},
	}
	c := newTestController(ledger, auth, &fakeClock{now: time.Now()})

	rec := signedRecord(ledger, "sub-1")
	if err := c.Run(ctx, rec, "CSID-1", "TIN1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Status != coresubmission.StatusApproved {
		t.Errorf("expected the in-flight call to complete and approve, got %s", rec.Status)
	}
}

func TestController_Step(t *testing.T) {
	ledger := testutil.NewMemoryLedger()
	auth := &testutil.MockAuthority{
		TransmitFunc: func(ctx context.Context, req authority.TransmitRequest) (*authority.Response, error) {
			return nil, transportFailure()
		},
	}
	clock := &fakeClock{now: time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)}
	c := newTestController(ledger, auth, clock)

	rec := signedRecord(ledger, "sub-1")
	if err := c.Step(context.Background(), rec, "CSID-1", "TIN1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(auth.Transmits()) != 1 {
		t.Fatalf("expected a single transmission, got %d", len(auth.Transmits()))
	}
	if len(clock.sleeps) != 0 {
		t.Errorf("expected no waits, got %v", clock.sleeps)
	}
	stored, _ := ledger.Get(context.Background(), "sub-1")
	if stored.Status != coresubmission.StatusSubmitted || stored.NextRetryAt == nil {
		t.Fatalf("expected a stored retry schedule, got %s/%v", stored.Status, stored.NextRetryAt)
	}
	if want := clock.now.Add(time.Second); !stored.NextRetryAt.Equal(want) {
		t.Errorf("expected retry at %v, got %v", want, stored.NextRetryAt)
	}

	// Before the retry time nothing is sent.
	if err := c.Step(context.Background(), rec, "CSID-1", "TIN1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(auth.Transmits()) != 1 {
		t.Errorf("expected no transmission before the retry time, got %d", len(auth.Transmits()))
	}

	clock.now = clock.now.Add(time.Second)
	if err := c.Step(context.Background(), rec, "CSID-1", "TIN1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(auth.Transmits()) != 2 || rec.Attempts != 2 {
		t.Errorf("expected the second attempt once due, got %d transmissions/%d attempts", len(auth.Transmits()), rec.Attempts)
	}
	if len(clock.sleeps) != 0 {
		t.Errorf("expected no waits, got %v", clock.sleeps)
	}
}

func TestController_Run_RequiresSignature(t *testing.T) {
	c := newTestController(testutil.NewMemoryLedger(), &testutil.MockAuthority{}, &fakeClock{now: time.Now()})
	rec := &coresubmission.Submission{ID: "sub-1", Status: coresubmission.StatusPending, MaxAttempts: 3}

	if err := c.Run(context.Background(), rec, "CSID-1", "TIN1"); err == nil {
		t.Fatal("expected error for unsigned record")
	}
}

func TestController_Reconcile(t *testing.T) {
	tests := []struct {
		name           string
		setup          func(rec *coresubmission.Submission)
		status         *authority.Response
		statusErr      error
		expectChanged  bool
		expectLookups  int
		expectedStatus coresubmission.Status
		expectRetry    bool
		expectErr      bool
	}{
		{
			name: "approved record is a no-op",
			setup: func(rec *coresubmission.Submission) {
				rec.Status = coresubmission.StatusApproved
				rec.Attempts = 1
			},
			expectLookups:  0,
			expectedStatus: coresubmission.StatusApproved,
		},
		{
			name: "outcome approved",
			setup: func(rec *coresubmission.Submission) {
				rec.Status = coresubmission.StatusSubmitted
				rec.Attempts = 1
			},
			status:         &authority.Response{Code: "00", QRCode: "QR"},
			expectChanged:  true,
			expectLookups:  1,
			expectedStatus: coresubmission.StatusApproved,
		},
		{
			name: "outcome rejected",
			setup: func(rec *coresubmission.Submission) {
				rec.Status = coresubmission.StatusSubmitted
				rec.Attempts = 1
			},
			status:         &authority.Response{Code: "12", Message: "duplicate"},
			expectChanged:  true,
			expectLookups:  1,
			expectedStatus: coresubmission.StatusRejected,
		},
		{
			name: "still processing",
			setup: func(rec *coresubmission.Submission) {
				rec.Status = coresubmission.StatusSubmitted
				rec.Attempts = 1
			},
			status:         &authority.Response{Code: "01"},
			expectLookups:  1,
			expectedStatus: coresubmission.StatusSubmitted,
		},
		{
			name: "unknown with attempts left schedules retransmission",
			setup: func(rec *coresubmission.Submission) {
				rec.Status = coresubmission.StatusSubmitted
				rec.Attempts = 1
			},
			status:         &authority.Response{NotFound: true},
			expectChanged:  true,
			expectLookups:  1,
			expectedStatus: coresubmission.StatusSubmitted,
			expectRetry:    true,
		},
		{
			name: "unknown after final attempt fails",
			setup: func(rec *coresubmission.Submission) {
				rec.Status = coresubmission.StatusSubmitted
				rec.Attempts = 3
			},
			status:         &authority.Response{NotFound: true},
			expectChanged:  true,
			expectLookups:  1,
			expectedStatus: coresubmission.StatusFailed,
		},
		{
			name: "lookup failure leaves record unchanged",
			setup: func(rec *coresubmission.Submission) {
				rec.Status = coresubmission.StatusSubmitted
				rec.Attempts = 1
			},
			statusErr:      transportFailure(),
			expectLookups:  1,
			expectedStatus: coresubmission.StatusSubmitted,
			expectErr:      true,
		},
		{
			name: "signed but never sent is scheduled",
			setup: func(rec *coresubmission.Submission) {
				rec.Status = coresubmission.StatusPending
			},
			expectChanged:  true,
			expectLookups:  0,
			expectedStatus: coresubmission.StatusPending,
			expectRetry:    true,
		},
		{
			name: "unsigned pending record fails",
			setup: func(rec *coresubmission.Submission) {
				rec.Signature = ""
				rec.Digest = ""
				rec.RequestDocument = nil
			},
			expectChanged:  true,
			expectLookups:  0,
			expectedStatus: coresubmission.StatusFailed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ledger := testutil.NewMemoryLedger()
			auth := &testutil.MockAuthority{
				CheckStatusFunc: func(ctx context.Context, irn, csid string) (*authority.Response, error) {
					return tt.status, tt.statusErr
				},
			}
			c := newTestController(ledger, auth, &fakeClock{now: time.Now()})

			rec := signedRecord(ledger, "sub-1")
			tt.setup(rec)
			ledger.Put(*rec)
			rec, _ = ledger.Get(context.Background(), "sub-1")
			before := len(ledger.Writes())

			changed, err := c.Reconcile(context.Background(), rec, "CSID-1")
			if (err != nil) != tt.expectErr {
				t.Fatalf("unexpected error state: %v", err)
			}
			if changed != tt.expectChanged {
				t.Errorf("expected changed=%v, got %v", tt.expectChanged, changed)
			}
			if got := len(auth.StatusChecks()); got != tt.expectLookups {
				t.Errorf("expected %d lookups, got %d", tt.expectLookups, got)
			}

			stored, _ := ledger.Get(context.Background(), "sub-1")
			if stored.Status != tt.expectedStatus {
				t.Errorf("expected status %s, got %s", tt.expectedStatus, stored.Status)
			}
			if (stored.NextRetryAt != nil) != tt.expectRetry {
				t.Errorf("expected retry scheduled=%v, got %v", tt.expectRetry, stored.NextRetryAt)
			}
			if tt.expectLookups == 0 && !tt.expectChanged && len(ledger.Writes()) != before {
				t.Error("terminal records must not be written")
			}
		})
	}
}

func TestController_Reconcile_RepeatedCallsAreIdempotent(t *testing.T) {
	ledger := testutil.NewMemoryLedger()
	auth := &testutil.MockAuthority{
		CheckStatusFunc: func(ctx context.Context, irn, csid string) (*authority.Response, error) {
			return &authority.Response{Code: "00", QRCode: "QR"}, nil
		},
	}
	c := newTestController(ledger, auth, &fakeClock{now: time.Now()})

	rec := signedRecord(ledger, "sub-1")
	rec.Status = coresubmission.StatusSubmitted
	rec.Attempts = 1
	ledger.Put(*rec)
	rec, _ = ledger.Get(context.Background(), "sub-1")

	if _, err := c.Reconcile(context.Background(), rec, "CSID-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	first, _ := ledger.Get(context.Background(), "sub-1")

	for i := 0; i < 3; i++ {
		changed, err := c.Reconcile(context.Background(), first, "CSID-1")
		if err != nil || changed {
			t.Fatalf("expected no-op, got changed=%v err=%v", changed, err)
		}
	}

	again, _ := ledger.Get(context.Background(), "sub-1")
	if again.Version != first.Version || !again.CompletedAt.Equal(*first.CompletedAt) {
		t.Error("reconciling an approved record must not modify it")
	}
	if len(auth.StatusChecks()) != 1 {
		t.Errorf("expected a single lookup, got %d", len(auth.StatusChecks()))
	}
}
