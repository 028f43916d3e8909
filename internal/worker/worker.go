// Package worker runs one long-lived loop per GPU node. Each loop drains its
// node's queue sequentially: dequeue, mark running, tunnel in, launch the
// grading process detached, supervise it against the timeout and the
// cancellation flag, then reap outputs into the job record. Workers never
// exit; every failure ends in a terminal job state and a load release.
package worker

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"log/slog"

	"github.com/fairyhunter13/gpu-dispatch/internal/adapter/observability"
	"github.com/fairyhunter13/gpu-dispatch/internal/config"
	"github.com/fairyhunter13/gpu-dispatch/internal/domain"
	"github.com/fairyhunter13/gpu-dispatch/pkg/textx"
)

// maxOutputRunes caps each stored output blob. The results mirror on disk
// keeps the full file; the job row only has to serve the API.
const maxOutputRunes = 1 << 20

// Worker owns one node: its queue slot, its SSH executor, and the jobs that
// run there. It is the only goroutine that touches the node's sessions.
type Worker struct {
	nodeID int
	cfg    config.Config
	queue  domain.QueueManager
	jobs   domain.JobRepository
	nodes  domain.NodeStateRepository
	exec   domain.Executor
	events domain.EventPublisher
}

// New builds a worker for nodeID using an executor from the factory.
func New(nodeID int, cfg config.Config, q domain.QueueManager, jobs domain.JobRepository,
	nodes domain.NodeStateRepository, factory domain.ExecutorFactory, events domain.EventPublisher) *Worker {
	return &Worker{
		nodeID: nodeID,
		cfg:    cfg,
		queue:  q,
		jobs:   jobs,
		nodes:  nodes,
		exec:   factory(nodeID),
		events: events,
	}
}

// Run polls the node's queue until ctx is cancelled.
func (w *Worker) Run(ctx domain.Context) {
	slog.Info("worker started", slog.Int("node_id", w.nodeID))
	for {
		select {
		case <-ctx.Done():
			_ = w.exec.Close()
			slog.Info("worker stopped", slog.Int("node_id", w.nodeID))
			return
		default:
		}
		jobID, ok := w.queue.Dequeue(w.nodeID)
		if !ok {
			select {
			case <-ctx.Done():
			case <-time.After(w.cfg.WorkerPollInterval):
			}
			continue
		}
		w.processJob(ctx, jobID)
	}
}

// processJob drives one job from dequeue to terminal state. The queue load
// added at assign time is released exactly once, whatever path the job takes.
func (w *Worker) processJob(ctx domain.Context, jobID string) {
	job, err := w.jobs.Get(ctx, jobID)
	if err != nil {
		// A dequeued id with no row should not happen; its load cannot be
		// released without the expected time, so log loudly and move on.
		slog.Error("dequeued job missing from store",
			slog.String("job_id", jobID),
			slog.Int("node_id", w.nodeID),
			slog.Any("error", err))
		return
	}
	defer w.queue.Complete(w.nodeID, job.ExpectedTime)

	startedAt := time.Now().UTC()
	if err := w.jobs.MarkRunning(ctx, jobID, w.nodeID, startedAt); err != nil {
		w.resolveUnstartable(ctx, job, err)
		return
	}
	if err := w.nodes.SetBusy(ctx, w.nodeID, jobID); err != nil {
		slog.Warn("node busy mirror failed", slog.Int("node_id", w.nodeID), slog.Any("error", err))
	}
	observability.JobStarted(w.nodeID, startedAt.Sub(job.CreatedAt))
	w.publish(ctx, job, domain.EventJobStarted, domain.JobRunning, "")
	slog.Info("job starting",
		slog.String("job_id", jobID),
		slog.Int("node_id", w.nodeID),
		slog.String("competition_id", job.CompetitionID),
		slog.Int("expected_time", job.ExpectedTime))

	if err := w.exec.Connect(ctx); err != nil {
		w.finish(ctx, job, domain.JobFailed, "", "Failed to connect to GPU node", nil, startedAt)
		return
	}
	defer func() { _ = w.exec.Close() }()

	pid, err := w.exec.Launch(ctx, jobID, job.ScriptPath, job.CompetitionID)
	if err != nil {
		slog.Error("remote launch failed", slog.String("job_id", jobID), slog.Int("node_id", w.nodeID), slog.Any("error", err))
		w.finish(ctx, job, domain.JobFailed, "", "Failed to start job on GPU node", nil, startedAt)
		return
	}
	if err := w.jobs.SetRemotePID(ctx, jobID, pid); err != nil {
		slog.Warn("persist remote pid failed", slog.String("job_id", jobID), slog.Any("error", err))
	}

	status, diagnostic := w.supervise(ctx, job, pid, startedAt)
	if ctx.Err() != nil {
		// Shutting down: the remote process survives its detached launch and
		// the boot recovery sweep will mark the row on restart.
		return
	}
	w.reap(ctx, job, status, diagnostic, startedAt)
}

// resolveUnstartable handles a dequeued job that refused the running
// transition. The one legitimate cause is a cancellation that landed between
// assign and dequeue.
func (w *Worker) resolveUnstartable(ctx domain.Context, job domain.Job, markErr error) {
	if !errors.Is(markErr, domain.ErrConflict) {
		slog.Error("mark running failed",
			slog.String("job_id", job.ID),
			slog.Int("node_id", w.nodeID),
			slog.Any("error", markErr))
		return
	}
	cur, err := w.jobs.Get(ctx, job.ID)
	if err != nil {
		slog.Error("reload after mark-running conflict failed", slog.String("job_id", job.ID), slog.Any("error", err))
		return
	}
	if cur.Status == domain.JobCancelled && cur.CompletedAt == nil {
		now := time.Now().UTC()
		if err := w.jobs.Finish(ctx, job.ID, domain.JobCancelled, "", "Cancelled before start", nil, now); err != nil {
			slog.Error("finalize pre-start cancellation failed", slog.String("job_id", job.ID), slog.Any("error", err))
			return
		}
		observability.JobFinishedBeforeStart(job.CompetitionID, string(domain.JobCancelled))
		w.publish(ctx, job, domain.EventJobCancelled, domain.JobCancelled, "cancelled before start")
		slog.Info("job cancelled before start", slog.String("job_id", job.ID), slog.Int("node_id", w.nodeID))
		return
	}
	slog.Warn("dequeued job not startable",
		slog.String("job_id", job.ID),
		slog.String("status", string(cur.Status)),
		slog.Int("node_id", w.nodeID))
}

// supervise polls the remote process. It returns the terminal status the
// reaping pass should persist plus a diagnostic for the stderr blob. An empty
// diagnostic with StatusCompleted means the process exited on its own.
func (w *Worker) supervise(ctx domain.Context, job domain.Job, pid int, startedAt time.Time) (domain.JobStatus, string) {
	timeout := time.Duration(float64(job.ExpectedTime) * w.cfg.TimeoutMultiplier * float64(time.Second))
	for {
		if !w.exec.IsAlive(ctx, pid) {
			return domain.JobCompleted, ""
		}
		if elapsed := time.Since(startedAt); elapsed > timeout {
			slog.Warn("job exceeded timeout, killing",
				slog.String("job_id", job.ID),
				slog.Int("node_id", w.nodeID),
				slog.Duration("elapsed", elapsed),
				slog.Duration("timeout", timeout))
			if err := w.exec.Kill(ctx, pid); err != nil {
				slog.Warn("kill after timeout failed", slog.String("job_id", job.ID), slog.Any("error", err))
			}
			return domain.JobFailed, fmt.Sprintf("Job exceeded timeout (%ds)", int(timeout.Seconds()))
		}
		if cur, err := w.jobs.Get(ctx, job.ID); err == nil && cur.Status == domain.JobCancelled {
			slog.Info("cancellation observed, killing",
				slog.String("job_id", job.ID),
				slog.Int("node_id", w.nodeID),
				slog.Int("remote_pid", pid))
			if err := w.exec.Kill(ctx, pid); err != nil {
				slog.Warn("kill after cancel failed", slog.String("job_id", job.ID), slog.Any("error", err))
			}
			return domain.JobCancelled, "Cancelled by user"
		}
		select {
		case <-ctx.Done():
			return domain.JobRunning, ""
		case <-time.After(w.cfg.SuperviseInterval):
		}
	}
}

// reap fetches the remote outputs, persists the terminal row, mirrors results
// locally, cleans the node, and optionally bounces its container.
func (w *Worker) reap(ctx domain.Context, job domain.Job, status domain.JobStatus, diagnostic string, startedAt time.Time) {
	results, stdout, stderr, err := w.exec.FetchOutputs(ctx, job.ID)
	if err != nil {
		slog.Error("fetch outputs exhausted retries",
			slog.String("job_id", job.ID),
			slog.Int("node_id", w.nodeID),
			slog.Any("error", err))
		if status == domain.JobCompleted {
			status = domain.JobFailed
		}
		diagnostic = joinDiagnostic(diagnostic, "Failed to retrieve job output")
		results, stdout, stderr = "", "", ""
	}

	// results.jsonl is the grading harness's real product; plain process
	// stdout only matters when the harness produced nothing.
	stdoutBlob := stdout
	if strings.TrimSpace(results) != "" {
		stdoutBlob = results
		w.mirrorResults(job, results)
	}
	stderrBlob := joinDiagnostic(diagnostic, strings.TrimSpace(stderr))

	stdoutBlob = textx.CleanOutput(stdoutBlob, maxOutputRunes)
	stderrBlob = textx.CleanOutput(stderrBlob, maxOutputRunes)

	var exitCode *int
	if status == domain.JobCompleted {
		zero := 0
		exitCode = &zero
	}
	w.finish(ctx, job, status, stdoutBlob, stderrBlob, exitCode, startedAt)

	w.exec.Cleanup(ctx, job.ID)
	if w.cfg.LXCRestartBetweenJobs {
		name := w.cfg.ContainerName(w.nodeID)
		if err := w.exec.RestartContainer(ctx, name); err != nil {
			slog.Warn("container restart failed",
				slog.String("container", name),
				slog.Int("node_id", w.nodeID),
				slog.Any("error", err))
		}
	}
}

// finish writes the terminal row and emits the lifecycle event and metrics.
func (w *Worker) finish(ctx domain.Context, job domain.Job, status domain.JobStatus, stdout, stderr string, exitCode *int, startedAt time.Time) {
	completedAt := time.Now().UTC()
	if err := w.jobs.Finish(ctx, job.ID, status, stdout, stderr, exitCode, completedAt); err != nil {
		slog.Error("persist terminal state failed",
			slog.String("job_id", job.ID),
			slog.String("status", string(status)),
			slog.Any("error", err))
		return
	}
	observability.JobFinished(w.nodeID, job.CompetitionID, string(status), completedAt.Sub(startedAt))
	w.publish(ctx, job, eventTypeFor(status), status, stderr)
	slog.Info("job finished",
		slog.String("job_id", job.ID),
		slog.Int("node_id", w.nodeID),
		slog.String("status", string(status)),
		slog.Duration("duration", completedAt.Sub(startedAt)))
}

// mirrorResults keeps a local copy of the results file, named so operators
// can find a user's run without the job id.
func (w *Worker) mirrorResults(job domain.Job, results string) {
	dir := w.cfg.ResultsDir()
	if err := os.MkdirAll(dir, 0o750); err != nil {
		slog.Warn("results mirror dir failed", slog.String("dir", dir), slog.Any("error", err))
		return
	}
	name := fmt.Sprintf("%s_%s_%s.jsonl", job.OwnerUserID, job.CompetitionID,
		time.Now().UTC().Format("20060102_150405"))
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(results), 0o600); err != nil {
		slog.Warn("results mirror write failed", slog.String("path", path), slog.Any("error", err))
		return
	}
	slog.Info("results mirrored", slog.String("job_id", job.ID), slog.String("path", path))
}

func (w *Worker) publish(ctx domain.Context, job domain.Job, eventType string, status domain.JobStatus, detail string) {
	nodeID := w.nodeID
	ev := domain.JobEvent{
		Type:          eventType,
		JobID:         job.ID,
		UserID:        job.OwnerUserID,
		CompetitionID: job.CompetitionID,
		NodeID:        &nodeID,
		Status:        status,
		Detail:        detail,
		At:            time.Now().UTC(),
	}
	if err := w.events.Publish(ctx, ev); err != nil {
		slog.Warn("event publish failed", slog.String("job_id", job.ID), slog.String("type", eventType), slog.Any("error", err))
	}
}

func eventTypeFor(status domain.JobStatus) string {
	switch status {
	case domain.JobCompleted:
		return domain.EventJobCompleted
	case domain.JobCancelled:
		return domain.EventJobCancelled
	default:
		return domain.EventJobFailed
	}
}

func joinDiagnostic(diagnostic, stderr string) string {
	switch {
	case diagnostic == "":
		return stderr
	case stderr == "":
		return diagnostic
	default:
		return diagnostic + "\n" + stderr
	}
}
