package app

import (
	"context"
	"log/slog"

	"github.com/fairyhunter13/gpu-dispatch/internal/domain"
)

// interruptedReason is written into the stderr of jobs orphaned by a restart.
const interruptedReason = "Server restarted while job was in progress"

// RecoverInterrupted fails every job the previous process left pending or
// running and clears the node-state mirror. The in-memory queues died with
// the old process, so none of those jobs has an owner anymore; failing them
// keeps the concurrency gate from wedging users forever.
func RecoverInterrupted(ctx context.Context, jobs domain.JobRepository, nodes domain.NodeStateRepository) error {
	n, err := jobs.FailInterrupted(ctx, interruptedReason)
	if err != nil {
		return err
	}
	if n > 0 {
		slog.Warn("failed jobs interrupted by restart", slog.Int64("count", n))
	}
	if err := nodes.ResetAll(ctx); err != nil {
		return err
	}
	return nil
}
