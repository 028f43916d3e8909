package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/fairyhunter13/gpu-dispatch/internal/config"
	"github.com/fairyhunter13/gpu-dispatch/internal/domain"
)

// CancelService stops jobs. Queued ones are pulled out of their node queue
// and finalized here; dispatched ones are flagged through the job row for
// their worker, with a best-effort remote kill to shorten the wait.
type CancelService struct {
	Cfg       config.Config
	Jobs      domain.JobRepository
	Queue     domain.QueueManager
	Executors domain.ExecutorFactory
	Events    domain.EventPublisher
}

// NewCancelService constructs a CancelService.
func NewCancelService(cfg config.Config, jobs domain.JobRepository, q domain.QueueManager, f domain.ExecutorFactory, ev domain.EventPublisher) CancelService {
	return CancelService{Cfg: cfg, Jobs: jobs, Queue: q, Executors: f, Events: ev}
}

// Cancel transitions one job toward cancelled and reports what happened.
// Terminal jobs are rejected. The returned message distinguishes a job that
// is fully cancelled from one merely marked, where a worker still owns the
// row and completes the transition within a supervision period.
func (s CancelService) Cancel(ctx domain.Context, ident domain.Identity, id string) (string, error) {
	job, err := s.Jobs.Get(ctx, id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return "", fmt.Errorf("%w: Job not found", domain.ErrNotFound)
		}
		return "", err
	}
	if !ident.CanAccess(job) {
		return "", fmt.Errorf("%w: Not authorized to cancel this job", domain.ErrForbidden)
	}
	if job.Status.Terminal() {
		return "", fmt.Errorf("%w: Job already %s", domain.ErrInvalidArgument, job.Status)
	}

	if job.Status == domain.JobPending {
		if job.NodeID != nil && s.Queue.Remove(job.ID, *job.NodeID, job.ExpectedTime) {
			now := time.Now().UTC()
			if err := s.Jobs.MarkCancelled(ctx, id, &now); err != nil && !errors.Is(err, domain.ErrConflict) {
				return "", err
			}
			s.publishCancelled(ctx, job)
			slog.Info("job cancelled from queue", slog.String("job_id", id))
			return "Job cancelled successfully", nil
		}
		// Lost the race with a dispatch; the worker observes the flag and
		// finalizes the row itself.
		if err := s.Jobs.MarkCancelled(ctx, id, nil); err != nil && !errors.Is(err, domain.ErrConflict) {
			return "", err
		}
		slog.Info("job marked for cancellation", slog.String("job_id", id))
		return "Job marked for cancellation", nil
	}

	// Running. The worker notices the flag within a supervision period and
	// kills the process; it also writes the terminal snapshot.
	if err := s.Jobs.MarkCancelled(ctx, id, nil); err != nil {
		if errors.Is(err, domain.ErrConflict) {
			if fresh, gerr := s.Jobs.Get(ctx, id); gerr == nil {
				return "", fmt.Errorf("%w: Job already %s", domain.ErrInvalidArgument, fresh.Status)
			}
		}
		return "", err
	}
	if job.RemotePID != nil && job.NodeID != nil {
		go s.killRemote(*job.NodeID, *job.RemotePID, job.ID)
	}
	slog.Info("running job cancelled", slog.String("job_id", id))
	return "Job cancelled successfully", nil
}

// killRemote opens a short-lived session to the node and kills the pid. The
// worker's supervision loop is the guaranteed path; this only shortens it,
// so every failure here is merely logged.
func (s CancelService) killRemote(nodeID, pid int, jobID string) {
	ctx, cancel := context.WithTimeout(context.Background(), s.Cfg.SSHTimeout)
	defer cancel()

	exec := s.Executors(nodeID)
	defer func() { _ = exec.Close() }()

	if err := exec.Connect(ctx); err != nil {
		slog.Warn("cancel kill connect failed",
			slog.String("job_id", jobID), slog.Int("node_id", nodeID), slog.Any("error", err))
		return
	}
	if err := exec.Kill(ctx, pid); err != nil {
		slog.Warn("cancel kill failed",
			slog.String("job_id", jobID), slog.Int("pid", pid), slog.Any("error", err))
		return
	}
	exec.Cleanup(ctx, jobID)
	slog.Info("cancelled process killed",
		slog.String("job_id", jobID), slog.Int("node_id", nodeID), slog.Int("pid", pid))
}

// publishCancelled emits the cancelled event for jobs this service finalized
// itself. Jobs handed to a worker get their event from the worker instead.
func (s CancelService) publishCancelled(ctx domain.Context, job domain.Job) {
	if s.Events == nil {
		return
	}
	ev := domain.JobEvent{
		Type:          domain.EventJobCancelled,
		JobID:         job.ID,
		UserID:        job.OwnerUserID,
		CompetitionID: job.CompetitionID,
		NodeID:        job.NodeID,
		Status:        domain.JobCancelled,
		At:            time.Now().UTC(),
	}
	if err := s.Events.Publish(ctx, ev); err != nil {
		slog.Warn("event publish failed",
			slog.String("type", ev.Type), slog.String("job_id", ev.JobID), slog.Any("error", err))
	}
}
