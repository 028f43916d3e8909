// Package usecase implements the application services behind the HTTP API:
// submission admission and submit-and-wait, status and results reads,
// cancellation, token management and the dashboard aggregate. Services are
// thin orchestration over the domain ports; transport stays in the adapters.
package usecase

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/fairyhunter13/gpu-dispatch/internal/config"
	"github.com/fairyhunter13/gpu-dispatch/internal/domain"
	"github.com/fairyhunter13/gpu-dispatch/internal/service/ratelimiter"
)

// Submission is one decoded submit request: the uploaded code plus the
// fields of its YAML config. TokenFingerprint is derived by the handler;
// the plaintext never crosses this boundary.
type Submission struct {
	CompetitionID    string
	ProjectID        string
	UserID           string
	ExpectedTime     int
	TokenFingerprint string
	Code             []byte
	ConfigRaw        []byte
}

// SubmitService admits new jobs: user↔token binding, code vetting, the
// per-user rate and concurrency limits, artifact persistence, the durable
// insert and queue placement.
type SubmitService struct {
	Cfg     config.Config
	Jobs    domain.JobRepository
	Queue   domain.QueueManager
	Vetter  domain.CodeVetter
	Limiter ratelimiter.Limiter
	Events  domain.EventPublisher
}

// NewSubmitService constructs a SubmitService.
func NewSubmitService(cfg config.Config, jobs domain.JobRepository, q domain.QueueManager, v domain.CodeVetter, l ratelimiter.Limiter, ev domain.EventPublisher) SubmitService {
	return SubmitService{Cfg: cfg, Jobs: jobs, Queue: q, Vetter: v, Limiter: l, Events: ev}
}

// Submit runs the admission pipeline in order: binding check, code vetting,
// per-user rate limit, concurrency gate, artifact persistence, insert and
// placement. The returned job is pending with its node recorded.
func (s SubmitService) Submit(ctx domain.Context, ident domain.Identity, sub Submission) (domain.Job, error) {
	if ident.UserID != sub.UserID {
		return domain.Job{}, fmt.Errorf("%w: Token does not belong to specified user_id", domain.ErrForbidden)
	}
	if len(strings.TrimSpace(string(sub.Code))) == 0 {
		return domain.Job{}, fmt.Errorf("%w: code file is empty", domain.ErrInvalidArgument)
	}

	if s.Cfg.VetterEnabled {
		verdict, err := s.Vetter.Vet(ctx, string(sub.Code), sub.CompetitionID)
		if err != nil {
			return domain.Job{}, fmt.Errorf("vet code: %w", err)
		}
		if !verdict.Safe {
			return domain.Job{}, fmt.Errorf("%w: Code security check failed: %s",
				domain.ErrCodeRejected, strings.Join(verdict.Issues, ", "))
		}
		if !verdict.Relevant {
			return domain.Job{}, fmt.Errorf("%w: Code does not appear relevant to ML competition: %s",
				domain.ErrCodeRejected, verdict.Explanation)
		}
	}

	allowed, retryAfter, err := s.Limiter.Allow(ctx, sub.UserID)
	if err != nil {
		// A broken limiter backend must not take submissions down with it;
		// the concurrency gate below still holds.
		slog.Warn("user rate limiter unavailable, admitting",
			slog.String("user_id", sub.UserID), slog.Any("error", err))
		allowed = true
	}
	if !allowed {
		return domain.Job{}, fmt.Errorf("%w: Rate limit exceeded. Maximum %d requests per %ds. Retry after %ds.",
			domain.ErrRateLimited, s.Cfg.UserRateLimit, int(s.Cfg.UserRateWindow.Seconds()), int(retryAfter.Seconds())+1)
	}

	active, err := s.Jobs.CountActive(ctx, sub.UserID)
	if err != nil {
		return domain.Job{}, fmt.Errorf("count active jobs: %w", err)
	}
	if active >= s.Cfg.MaxActiveJobsPerUser {
		return domain.Job{}, fmt.Errorf("%w: Queue limit exceeded. You already have %d job(s) in progress. Maximum %d job per user allowed.",
			domain.ErrRateLimited, active, s.Cfg.MaxActiveJobsPerUser)
	}

	job := domain.Job{
		ID:               uuid.NewString(),
		OwnerUserID:      sub.UserID,
		CompetitionID:    sub.CompetitionID,
		ProjectID:        sub.ProjectID,
		ExpectedTime:     sub.ExpectedTime,
		TokenFingerprint: sub.TokenFingerprint,
		Status:           domain.JobPending,
		CreatedAt:        time.Now().UTC(),
	}
	if err := s.persistArtifacts(&job, sub); err != nil {
		return domain.Job{}, err
	}
	if err := s.Jobs.Insert(ctx, job); err != nil {
		return domain.Job{}, fmt.Errorf("insert job: %w", err)
	}

	nodeID := s.Queue.Assign(job.ID, job.ExpectedTime)
	if err := s.Jobs.AssignNode(ctx, job.ID, nodeID); err != nil {
		// The in-memory queue holds the authoritative placement; the worker
		// stamps node_id again on dispatch.
		slog.Warn("node assignment not recorded",
			slog.String("job_id", job.ID), slog.Any("error", err))
	}
	job.NodeID = &nodeID

	s.publish(ctx, domain.JobEvent{
		Type:          domain.EventJobCreated,
		JobID:         job.ID,
		UserID:        job.OwnerUserID,
		CompetitionID: job.CompetitionID,
		NodeID:        &nodeID,
		Status:        domain.JobPending,
		At:            time.Now().UTC(),
	})
	slog.Info("job admitted",
		slog.String("job_id", job.ID),
		slog.String("user_id", job.OwnerUserID),
		slog.String("competition_id", job.CompetitionID),
		slog.Int("node_id", nodeID),
		slog.Int("expected_time", job.ExpectedTime))
	return job, nil
}

// persistArtifacts writes the submitted code and config under the job's
// artifact directory and records the paths on the job.
func (s SubmitService) persistArtifacts(job *domain.Job, sub Submission) error {
	dir := s.Cfg.JobDir(job.ID)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("create job dir: %w", err)
	}
	job.ScriptPath = filepath.Join(dir, "script.py")
	if err := os.WriteFile(job.ScriptPath, sub.Code, 0o600); err != nil {
		return fmt.Errorf("write script: %w", err)
	}
	job.ConfigPath = filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(job.ConfigPath, sub.ConfigRaw, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// WaitForTerminal polls the job row until it turns terminal or the wait
// budget runs out. The bool reports whether the snapshot is terminal;
// callers render a "check later" shape otherwise. A cancelled ctx (client
// gone) ends the wait early; the job itself keeps running.
func (s SubmitService) WaitForTerminal(ctx domain.Context, jobID string) (domain.Job, bool, error) {
	deadline := time.Now().Add(s.Cfg.SubmitWaitTimeout)
	ticker := time.NewTicker(s.Cfg.SubmitPollInterval)
	defer ticker.Stop()

	for {
		job, err := s.Jobs.Get(ctx, jobID)
		if err != nil {
			return domain.Job{}, false, err
		}
		if job.Status.Terminal() {
			return job, true, nil
		}
		if time.Now().After(deadline) {
			return job, false, nil
		}
		select {
		case <-ctx.Done():
			return job, false, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (s SubmitService) publish(ctx domain.Context, ev domain.JobEvent) {
	if s.Events == nil {
		return
	}
	if err := s.Events.Publish(ctx, ev); err != nil {
		slog.Warn("event publish failed",
			slog.String("type", ev.Type), slog.String("job_id", ev.JobID), slog.Any("error", err))
	}
}
