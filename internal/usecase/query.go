package usecase

import (
	"errors"
	"fmt"

	"github.com/fairyhunter13/gpu-dispatch/internal/domain"
)

const defaultListLimit = 50

// QueryService answers read requests: job status with queue position,
// output snapshots, listings and per-node queue statistics.
type QueryService struct {
	Jobs  domain.JobRepository
	Queue domain.QueueManager
}

// NewQueryService constructs a QueryService.
func NewQueryService(jobs domain.JobRepository, q domain.QueueManager) QueryService {
	return QueryService{Jobs: jobs, Queue: q}
}

// Status returns one job plus its 0-indexed queue position while pending.
func (s QueryService) Status(ctx domain.Context, ident domain.Identity, id string) (domain.Job, *int, error) {
	job, err := s.get(ctx, ident, id, "view")
	if err != nil {
		return domain.Job{}, nil, err
	}
	var pos *int
	if job.Status == domain.JobPending && job.NodeID != nil {
		if p, ok := s.Queue.Position(job.ID, *job.NodeID); ok {
			pos = &p
		}
	}
	return job, pos, nil
}

// Results returns the output snapshot of one job. Non-terminal jobs are
// served too; their blobs are simply still empty.
func (s QueryService) Results(ctx domain.Context, ident domain.Identity, id string) (domain.Job, error) {
	return s.get(ctx, ident, id, "view")
}

// List returns recent jobs, newest first. Non-admins are force-filtered to
// their own user id regardless of the requested filter.
func (s QueryService) List(ctx domain.Context, ident domain.Identity, f domain.JobFilter) ([]domain.Job, error) {
	if !ident.IsAdmin {
		f.UserID = ident.UserID
	}
	if f.Limit <= 0 {
		f.Limit = defaultListLimit
	}
	return s.Jobs.List(ctx, f)
}

// Nodes snapshots every node queue.
func (s QueryService) Nodes() []domain.NodeQueueStats {
	return s.Queue.Stats()
}

func (s QueryService) get(ctx domain.Context, ident domain.Identity, id, verb string) (domain.Job, error) {
	job, err := s.Jobs.Get(ctx, id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.Job{}, fmt.Errorf("%w: Job not found", domain.ErrNotFound)
		}
		return domain.Job{}, err
	}
	if !ident.CanAccess(job) {
		return domain.Job{}, fmt.Errorf("%w: Not authorized to %s this job", domain.ErrForbidden, verb)
	}
	return job, nil
}
