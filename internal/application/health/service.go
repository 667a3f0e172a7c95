package health

import (
	"context"
	"time"

	corehealth "3tcapital/ms_einvoice_core/internal/core/health"
)

const defaultCheckTimeout = 2 * time.Second

// Metadata contains immutable metadata about the running service.
type Metadata struct {
	Service     string
	Version     string
	Environment string
}

// Checker probes one dependency. A non-nil error marks it DOWN; details are
// reported either way.
type Checker struct {
	Name string
	// Critical dependencies take the whole service DOWN, others only degrade it.
	Critical bool
	Check    func(ctx context.Context) (details any, err error)
}

// Service exposes health-check use cases to adapters.
type Service struct {
	meta      Metadata
	checkers  []Checker
	timeout   time.Duration
	startedAt time.Time
}

func NewService(meta Metadata, checkers ...Checker) *Service {
	return &Service{
		meta:      meta,
		checkers:  checkers,
		timeout:   defaultCheckTimeout,
		startedAt: time.Now().UTC(),
	}
}

// Status returns the current availability snapshot.
func (s *Service) Status(ctx context.Context) corehealth.Status {
	uptime := time.Since(s.startedAt)
	status := corehealth.Status{
		Service:     s.meta.Service,
		Version:     s.meta.Version,
		Environment: s.meta.Environment,
		Status:      corehealth.StateUp,
		StartedAt:   s.startedAt,
		Uptime:      uptime.String(),
		UptimeSecs:  int64(uptime.Seconds()),
	}

	for _, c := range s.checkers {
		checkCtx, cancel := context.WithTimeout(ctx, s.timeout)
		details, err := c.Check(checkCtx)
		cancel()

		check := corehealth.Check{Name: c.Name, Status: corehealth.StateUp, Details: details}
		if err != nil {
			check.Status = corehealth.StateDown
			check.Error = err.Error()
			switch {
			case c.Critical:
				status.Status = corehealth.StateDown
			case status.Status == corehealth.StateUp:
				status.Status = corehealth.StateDegraded
			}
		}
		status.Dependencies = append(status.Dependencies, check)
	}
	return status
}
