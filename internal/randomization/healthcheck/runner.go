package healthcheck

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"trialrand/internal/randomization/models"
)

// FindingsRecorder stores fresh list findings per scheme; the registry uses
// them to gate strict schemes.
type FindingsRecorder interface {
	RecordFindings(ctx context.Context, scheme string, findings []models.Finding) error
}

// Runner repeats the checks on an interval.
type Runner struct {
	checker  *Checker
	registry Registry
	recorder FindingsRecorder
	interval time.Duration
	logger   *slog.Logger

	mu     sync.RWMutex
	last   Report
	lastAt time.Time
}

func NewRunner(checker *Checker, reg Registry, recorder FindingsRecorder, interval time.Duration, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{checker: checker, registry: reg, recorder: recorder, interval: interval, logger: logger}
}

// Run checks once immediately, then every interval until ctx is done.
func (r *Runner) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		r.RunOnce(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// RunOnce performs a single pass and returns its report.
func (r *Runner) RunOnce(ctx context.Context) Report {
	report := r.checker.Run(ctx, r.registry)
	r.mu.Lock()
	r.last, r.lastAt = report, time.Now().UTC()
	r.mu.Unlock()
	for _, s := range report.Schemes {
		if r.recorder != nil {
			if err := r.recorder.RecordFindings(ctx, s.Scheme, s.ListFindings); err != nil {
				r.logger.ErrorContext(ctx, "failed to record findings", "scheme", s.Scheme, "error", err)
			}
		}
		for _, f := range s.Findings {
			r.logger.WarnContext(ctx, "health check finding",
				"scheme", f.Scheme,
				"id", f.ID,
				"check", f.Check,
				"message", f.Message,
			)
		}
	}
	r.logger.InfoContext(ctx, "health check completed",
		"schemes", len(report.Schemes),
		"findings", len(report.Findings()),
		"blocking", len(report.Blocking()),
	)
	return report
}

// Last returns the most recent report and when it completed. The time is
// zero before the first run.
func (r *Runner) Last() (Report, time.Time) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.last, r.lastAt
}
