package app

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/gpu-dispatch/internal/domain"
)

// stuckReason is written into the stderr of jobs failed by the sweeper.
const stuckReason = "Job exceeded its time limit and the worker stopped reporting; marked failed by sweeper"

// StuckJobSweeper is the backstop for jobs whose worker died under them:
// workers kill overruns at expected_time×multiplier themselves, so anything
// still running past that plus a grace period has no one watching it.
type StuckJobSweeper struct {
	jobs       domain.JobRepository
	multiplier float64
	grace      time.Duration
	interval   time.Duration
}

// NewStuckJobSweeper constructs a sweeper; zero durations fall back to
// conservative defaults.
func NewStuckJobSweeper(jobs domain.JobRepository, multiplier float64, grace, interval time.Duration) *StuckJobSweeper {
	if jobs == nil {
		return nil
	}
	if multiplier <= 0 {
		multiplier = 2
	}
	if grace <= 0 {
		grace = 2 * time.Minute
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &StuckJobSweeper{jobs: jobs, multiplier: multiplier, grace: grace, interval: interval}
}

// Run sweeps until ctx is done. The first sweep runs immediately.
func (s *StuckJobSweeper) Run(ctx context.Context) {
	if s == nil || s.jobs == nil {
		return
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.sweepOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			slog.Info("stuck job sweeper stopping")
			return
		case <-ticker.C:
			s.sweepOnce(ctx)
		}
	}
}

func (s *StuckJobSweeper) sweepOnce(ctx context.Context) {
	tracer := otel.Tracer("jobs.sweeper")
	ctx, span := tracer.Start(ctx, "StuckJobSweeper.sweepOnce")
	defer span.End()
	span.SetAttributes(
		attribute.Float64("jobs.timeout_multiplier", s.multiplier),
		attribute.Float64("jobs.grace_seconds", s.grace.Seconds()),
	)

	n, err := s.jobs.FailStuckRunning(ctx, s.multiplier, s.grace, stuckReason)
	if err != nil {
		span.RecordError(err)
		slog.Error("stuck job sweep failed", slog.Any("error", err))
		return
	}
	if n > 0 {
		span.SetAttributes(attribute.Int64("jobs.marked_failed", n))
		slog.Warn("stuck jobs marked failed", slog.Int64("count", n))
	}
}
