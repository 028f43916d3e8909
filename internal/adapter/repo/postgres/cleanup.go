package postgres

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fairyhunter13/gpu-dispatch/internal/domain"
)

// CleanupService deletes terminal jobs older than the retention window,
// together with their on-disk artifact directories.
type CleanupService struct {
	Jobs          domain.JobRepository
	JobsDir       string
	RetentionDays int
}

// NewCleanupService constructs a CleanupService.
func NewCleanupService(jobs domain.JobRepository, jobsDir string, retentionDays int) *CleanupService {
	return &CleanupService{Jobs: jobs, JobsDir: jobsDir, RetentionDays: retentionDays}
}

// Cleanup removes rows and artifacts past retention. Artifact removal is
// best effort; a missing directory is not an error.
func (s *CleanupService) Cleanup(ctx domain.Context) error {
	if s.RetentionDays <= 0 {
		return nil
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -s.RetentionDays)
	ids, err := s.Jobs.DeleteTerminalBefore(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("op=cleanup.run: %w", err)
	}
	for _, id := range ids {
		dir := filepath.Join(s.JobsDir, id)
		if err := os.RemoveAll(dir); err != nil {
			slog.Warn("cleanup: remove artifacts", slog.String("job_id", id), slog.Any("error", err))
		}
	}
	if len(ids) > 0 {
		slog.Info("cleanup: purged jobs past retention",
			slog.Int("count", len(ids)),
			slog.Int("retention_days", s.RetentionDays))
	}
	return nil
}

// RunPeriodic runs Cleanup on a ticker until ctx is done. The first pass
// runs immediately so restarts do not postpone retention by a full interval.
func (s *CleanupService) RunPeriodic(ctx domain.Context, interval time.Duration) {
	if err := s.Cleanup(ctx); err != nil {
		slog.Error("cleanup: initial pass", slog.Any("error", err))
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Cleanup(ctx); err != nil {
				slog.Error("cleanup: periodic pass", slog.Any("error", err))
			}
		}
	}
}
