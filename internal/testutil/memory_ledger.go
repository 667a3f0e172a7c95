package testutil

import (
	"context"
	"sort"
	"sync"
	"time"

	"3tcapital/ms_einvoice_core/internal/core/submission"
)

// MemoryLedger is an in-memory submission.Repository with the same version
// semantics as the database ledgers.
type MemoryLedger struct {
	// BeforeUpdate, when set, is called with the incoming record before every
	// Update or RecordAttempt. A non-nil error aborts the write.
	BeforeUpdate func(s submission.Submission) error

	mu       sync.Mutex
	records  map[string]submission.Submission
	order    []string
	attempts map[string][]submission.Attempt
	writes   []submission.Submission
}

// NewMemoryLedger creates an empty ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		records:  make(map[string]submission.Submission),
		attempts: make(map[string][]submission.Attempt),
	}
}

func (l *MemoryLedger) Create(ctx context.Context, s *submission.Submission) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.records[s.ID]; ok {
		return submission.ErrConflict
	}
	if !s.Status.Terminal() && s.Type != submission.TypeCancellation {
		for _, id := range l.order {
			r := l.records[id]
			if r.InvoiceID == s.InvoiceID && r.Type != submission.TypeCancellation && !r.Status.Terminal() {
				return submission.ErrInFlight
			}
		}
	}
	s.Version = 1
	l.records[s.ID] = *s
	l.order = append(l.order, s.ID)
	l.writes = append(l.writes, *s)
	return nil
}

func (l *MemoryLedger) Get(ctx context.Context, id string) (*submission.Submission, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	r, ok := l.records[id]
	if !ok {
		return nil, submission.ErrNotFound
	}
	return &r, nil
}

func (l *MemoryLedger) Update(ctx context.Context, s *submission.Submission) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.update(s)
}

func (l *MemoryLedger) RecordAttempt(ctx context.Context, s *submission.Submission, a submission.Attempt) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.update(s); err != nil {
		return err
	}
	l.attempts[s.ID] = append(l.attempts[s.ID], a)
	return nil
}

func (l *MemoryLedger) update(s *submission.Submission) error {
	if l.BeforeUpdate != nil {
		if err := l.BeforeUpdate(*s); err != nil {
			return err
		}
	}
	stored, ok := l.records[s.ID]
	if !ok {
		return submission.ErrNotFound
	}
	if stored.Version != s.Version {
		return submission.ErrConflict
	}
	s.Version++
	l.records[s.ID] = *s
	l.writes = append(l.writes, *s)
	return nil
}

func (l *MemoryLedger) ListByInvoice(ctx context.Context, invoiceID string) ([]submission.Submission, error) {
	return l.filter(func(r submission.Submission) bool { return r.InvoiceID == invoiceID }, 0), nil
}

func (l *MemoryLedger) ListDue(ctx context.Context, now time.Time, limit int) ([]submission.Submission, error) {
	out := l.filter(func(r submission.Submission) bool {
		return !r.Status.Terminal() && r.NextRetryAt != nil && !r.NextRetryAt.After(now)
	}, 0)
	sort.SliceStable(out, func(i, j int) bool { return out[i].NextRetryAt.Before(*out[j].NextRetryAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (l *MemoryLedger) ListStale(ctx context.Context, before time.Time, limit int) ([]submission.Submission, error) {
	return l.filter(func(r submission.Submission) bool {
		return !r.Status.Terminal() && r.NextRetryAt == nil && r.UpdatedAt.Before(before)
	}, limit), nil
}

func (l *MemoryLedger) ListAttempts(ctx context.Context, submissionID string) ([]submission.Attempt, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]submission.Attempt(nil), l.attempts[submissionID]...), nil
}

// Put stores a record as is, bypassing version checks. Version defaults to 1.
func (l *MemoryLedger) Put(s submission.Submission) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if s.Version == 0 {
		s.Version = 1
	}
	if _, ok := l.records[s.ID]; !ok {
		l.order = append(l.order, s.ID)
	}
	l.records[s.ID] = s
}

// Writes returns every successful Create, Update and RecordAttempt, in order.
func (l *MemoryLedger) Writes() []submission.Submission {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]submission.Submission(nil), l.writes...)
}

// All returns every stored record in insertion order.
func (l *MemoryLedger) All() []submission.Submission {
	return l.filter(func(submission.Submission) bool { return true }, 0)
}

func (l *MemoryLedger) filter(keep func(submission.Submission) bool, limit int) []submission.Submission {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []submission.Submission
	for _, id := range l.order {
		r := l.records[id]
		if keep(r) {
			out = append(out, r)
			if limit > 0 && len(out) == limit {
				break
			}
		}
	}
	return out
}
