package postgres

import (
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/gpu-dispatch/internal/domain"
)

// JobRepo persists and loads jobs from PostgreSQL using a minimal pgx pool.
type JobRepo struct{ Pool PgxPool }

// NewJobRepo constructs a JobRepo with the given pool.
func NewJobRepo(p PgxPool) *JobRepo { return &JobRepo{Pool: p} }

const jobColumns = `id, owner_user_id, competition_id, project_id, expected_time,
	token_fingerprint, status, node_id, remote_pid, stdout, stderr, exit_code,
	script_path, config_path, created_at, started_at, completed_at`

func scanJob(row pgx.Row) (domain.Job, error) {
	var j domain.Job
	var status string
	err := row.Scan(&j.ID, &j.OwnerUserID, &j.CompetitionID, &j.ProjectID, &j.ExpectedTime,
		&j.TokenFingerprint, &status, &j.NodeID, &j.RemotePID, &j.Stdout, &j.Stderr, &j.ExitCode,
		&j.ScriptPath, &j.ConfigPath, &j.CreatedAt, &j.StartedAt, &j.CompletedAt)
	if err != nil {
		return domain.Job{}, err
	}
	j.Status = domain.JobStatus(status)
	return j, nil
}

// Insert stores a freshly admitted pending job.
func (r *JobRepo) Insert(ctx domain.Context, j domain.Job) error {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Insert")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.sql.table", "jobs"),
	)
	created := j.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	q := `INSERT INTO jobs (id, owner_user_id, competition_id, project_id, expected_time,
		token_fingerprint, status, stdout, stderr, script_path, config_path, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`
	_, err := r.Pool.Exec(ctx, q, j.ID, j.OwnerUserID, j.CompetitionID, j.ProjectID, j.ExpectedTime,
		j.TokenFingerprint, string(j.Status), j.Stdout, j.Stderr, j.ScriptPath, j.ConfigPath, created)
	if err != nil {
		return fmt.Errorf("op=job.insert: %w", err)
	}
	return nil
}

// Get loads a job by id.
func (r *JobRepo) Get(ctx domain.Context, id string) (domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Get")
	defer span.End()
	row := r.Pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id=$1`, id)
	j, err := scanJob(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.Job{}, fmt.Errorf("op=job.get: %w", domain.ErrNotFound)
		}
		return domain.Job{}, fmt.Errorf("op=job.get: %w", err)
	}
	return j, nil
}

// AssignNode stamps the placement node onto a row that has none yet. The
// guard keeps a late write from touching a job the worker already claimed.
func (r *JobRepo) AssignNode(ctx domain.Context, id string, nodeID int) error {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.AssignNode")
	defer span.End()
	q := `UPDATE jobs SET node_id=$2 WHERE id=$1 AND node_id IS NULL`
	if _, err := r.Pool.Exec(ctx, q, id, nodeID); err != nil {
		return fmt.Errorf("op=job.assign_node: %w", err)
	}
	return nil
}

// MarkRunning transitions pending→running with its implied fields in one
// statement. Zero rows affected means the job was not pending anymore.
func (r *JobRepo) MarkRunning(ctx domain.Context, id string, nodeID int, startedAt time.Time) error {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.MarkRunning")
	defer span.End()
	q := `UPDATE jobs SET status=$2, node_id=$3, started_at=$4 WHERE id=$1 AND status=$5`
	tag, err := r.Pool.Exec(ctx, q, id, string(domain.JobRunning), nodeID, startedAt.UTC(), string(domain.JobPending))
	if err != nil {
		return fmt.Errorf("op=job.mark_running: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=job.mark_running: job %s not pending: %w", id, domain.ErrConflict)
	}
	return nil
}

// SetRemotePID records the detached child pid after a successful launch.
func (r *JobRepo) SetRemotePID(ctx domain.Context, id string, pid int) error {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.SetRemotePID")
	defer span.End()
	_, err := r.Pool.Exec(ctx, `UPDATE jobs SET remote_pid=$2 WHERE id=$1`, id, pid)
	if err != nil {
		return fmt.Errorf("op=job.set_remote_pid: %w", err)
	}
	return nil
}

// MarkCancelled flags a non-terminal job as cancelled. completedAt is set
// only for jobs that never ran; the owning worker fills it in otherwise.
func (r *JobRepo) MarkCancelled(ctx domain.Context, id string, completedAt *time.Time) error {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.MarkCancelled")
	defer span.End()
	q := `UPDATE jobs SET status=$2, completed_at=COALESCE($3, completed_at)
		WHERE id=$1 AND status IN ($4, $5)`
	tag, err := r.Pool.Exec(ctx, q, id, string(domain.JobCancelled), completedAt,
		string(domain.JobPending), string(domain.JobRunning))
	if err != nil {
		return fmt.Errorf("op=job.mark_cancelled: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=job.mark_cancelled: job %s already terminal: %w", id, domain.ErrConflict)
	}
	return nil
}

// Finish writes the terminal snapshot: status, output blobs, exit code and
// completed_at, atomically. It never resurrects a row that already has a
// completion timestamp.
func (r *JobRepo) Finish(ctx domain.Context, id string, status domain.JobStatus, stdout, stderr string, exitCode *int, completedAt time.Time) error {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Finish")
	defer span.End()
	q := `UPDATE jobs SET status=$2, stdout=$3, stderr=$4, exit_code=$5, completed_at=$6
		WHERE id=$1 AND completed_at IS NULL`
	tag, err := r.Pool.Exec(ctx, q, id, string(status), stdout, stderr, exitCode, completedAt.UTC())
	if err != nil {
		return fmt.Errorf("op=job.finish: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=job.finish: job %s already finished: %w", id, domain.ErrConflict)
	}
	return nil
}

// List returns jobs matching the filter, newest first.
func (r *JobRepo) List(ctx domain.Context, f domain.JobFilter) ([]domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.List")
	defer span.End()

	q := `SELECT ` + jobColumns + ` FROM jobs`
	var conds []string
	var args []any
	if f.UserID != "" {
		args = append(args, f.UserID)
		conds = append(conds, fmt.Sprintf("owner_user_id=$%d", len(args)))
	}
	if f.Status != "" {
		args = append(args, string(f.Status))
		conds = append(conds, fmt.Sprintf("status=$%d", len(args)))
	}
	if len(conds) > 0 {
		q += " WHERE " + strings.Join(conds, " AND ")
	}
	q += " ORDER BY created_at DESC"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		q += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := r.Pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("op=job.list: %w", err)
	}
	defer rows.Close()

	var out []domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("op=job.list: %w", err)
		}
		out = append(out, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=job.list: %w", err)
	}
	return out, nil
}

// ListActive returns pending and running jobs, newest first.
func (r *JobRepo) ListActive(ctx domain.Context, userID string) ([]domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.ListActive")
	defer span.End()

	q := `SELECT ` + jobColumns + ` FROM jobs WHERE status IN ($1, $2)`
	args := []any{string(domain.JobPending), string(domain.JobRunning)}
	if userID != "" {
		args = append(args, userID)
		q += fmt.Sprintf(" AND owner_user_id=$%d", len(args))
	}
	q += " ORDER BY created_at DESC"

	rows, err := r.Pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("op=job.list_active: %w", err)
	}
	defer rows.Close()

	var out []domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("op=job.list_active: %w", err)
		}
		out = append(out, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=job.list_active: %w", err)
	}
	return out, nil
}

// CountActive is the concurrency gate: pending|running rows for one user.
func (r *JobRepo) CountActive(ctx domain.Context, userID string) (int, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.CountActive")
	defer span.End()
	var n int
	q := `SELECT COUNT(*) FROM jobs WHERE owner_user_id=$1 AND status IN ($2, $3)`
	err := r.Pool.QueryRow(ctx, q, userID, string(domain.JobPending), string(domain.JobRunning)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("op=job.count_active: %w", err)
	}
	return n, nil
}

// CountByStatus aggregates job counts, optionally scoped to one user.
func (r *JobRepo) CountByStatus(ctx domain.Context, userID string) (map[domain.JobStatus]int, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.CountByStatus")
	defer span.End()

	q := `SELECT status, COUNT(*) FROM jobs`
	var args []any
	if userID != "" {
		q += ` WHERE owner_user_id=$1`
		args = append(args, userID)
	}
	q += ` GROUP BY status`

	rows, err := r.Pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("op=job.count_by_status: %w", err)
	}
	defer rows.Close()

	out := make(map[domain.JobStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("op=job.count_by_status: %w", err)
		}
		out[domain.JobStatus(status)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=job.count_by_status: %w", err)
	}
	return out, nil
}

// CountCreatedSince counts jobs created at or after the instant.
func (r *JobRepo) CountCreatedSince(ctx domain.Context, since time.Time, userID string) (int, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.CountCreatedSince")
	defer span.End()

	q := `SELECT COUNT(*) FROM jobs WHERE created_at >= $1`
	args := []any{since.UTC()}
	if userID != "" {
		args = append(args, userID)
		q += fmt.Sprintf(" AND owner_user_id=$%d", len(args))
	}
	var n int
	if err := r.Pool.QueryRow(ctx, q, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("op=job.count_created_since: %w", err)
	}
	return n, nil
}

// TerminalOutcomes returns the statuses of the most recently finished jobs,
// newest first, for the success-rate health metric. Cancelled jobs are not
// counted either way.
func (r *JobRepo) TerminalOutcomes(ctx domain.Context, limit int) ([]domain.JobStatus, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.TerminalOutcomes")
	defer span.End()

	q := `SELECT status FROM jobs WHERE status IN ('completed', 'failed') ORDER BY completed_at DESC LIMIT $1`
	rows, err := r.Pool.Query(ctx, q, limit)
	if err != nil {
		return nil, fmt.Errorf("op=job.terminal_outcomes: %w", err)
	}
	defer rows.Close()

	var out []domain.JobStatus
	for rows.Next() {
		var status string
		if err := rows.Scan(&status); err != nil {
			return nil, fmt.Errorf("op=job.terminal_outcomes: %w", err)
		}
		out = append(out, domain.JobStatus(status))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=job.terminal_outcomes: %w", err)
	}
	return out, nil
}

// StatsByUser aggregates per-user counters for the admin dashboard.
func (r *JobRepo) StatsByUser(ctx domain.Context) ([]domain.UserJobStats, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.StatsByUser")
	defer span.End()

	q := `SELECT owner_user_id,
			COUNT(*),
			COUNT(*) FILTER (WHERE status='pending'),
			COUNT(*) FILTER (WHERE status='running'),
			COUNT(*) FILTER (WHERE status='completed'),
			COUNT(*) FILTER (WHERE status='failed')
		FROM jobs GROUP BY owner_user_id ORDER BY owner_user_id`
	rows, err := r.Pool.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("op=job.stats_by_user: %w", err)
	}
	defer rows.Close()

	var out []domain.UserJobStats
	for rows.Next() {
		var s domain.UserJobStats
		if err := rows.Scan(&s.UserID, &s.Total, &s.Pending, &s.Running, &s.Completed, &s.Failed); err != nil {
			return nil, fmt.Errorf("op=job.stats_by_user: %w", err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=job.stats_by_user: %w", err)
	}
	return out, nil
}

// FailInterrupted marks every non-terminal job failed. Runs once on boot:
// whatever was pending or running before a restart has no owning worker.
func (r *JobRepo) FailInterrupted(ctx domain.Context, reason string) (int64, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.FailInterrupted")
	defer span.End()

	q := `UPDATE jobs SET status=$1, stderr=COALESCE(NULLIF(stderr,''), $2), completed_at=now()
		WHERE status IN ($3, $4)`
	tag, err := r.Pool.Exec(ctx, q, string(domain.JobFailed), reason,
		string(domain.JobPending), string(domain.JobRunning))
	if err != nil {
		return 0, fmt.Errorf("op=job.fail_interrupted: %w", err)
	}
	return tag.RowsAffected(), nil
}

// FailStuckRunning fails running jobs whose wall clock has exceeded
// expected_time×multiplier plus grace. The owning worker kills at the
// multiplier; this only catches jobs whose worker died under them.
func (r *JobRepo) FailStuckRunning(ctx domain.Context, multiplier float64, grace time.Duration, reason string) (int64, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.FailStuckRunning")
	defer span.End()

	q := `UPDATE jobs SET status=$1, stderr=COALESCE(NULLIF(stderr,''), $2), completed_at=now()
		WHERE status=$3 AND started_at IS NOT NULL
		AND started_at + make_interval(secs => expected_time * $4 + $5) < now()`
	tag, err := r.Pool.Exec(ctx, q, string(domain.JobFailed), reason,
		string(domain.JobRunning), multiplier, grace.Seconds())
	if err != nil {
		return 0, fmt.Errorf("op=job.fail_stuck: %w", err)
	}
	return tag.RowsAffected(), nil
}

// DeleteTerminalBefore removes finished jobs older than the cutoff and
// returns their ids so callers can reap artifact directories.
func (r *JobRepo) DeleteTerminalBefore(ctx domain.Context, cutoff time.Time) ([]string, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.DeleteTerminalBefore")
	defer span.End()

	q := `DELETE FROM jobs WHERE completed_at IS NOT NULL AND completed_at < $1 RETURNING id`
	rows, err := r.Pool.Query(ctx, q, cutoff.UTC())
	if err != nil {
		return nil, fmt.Errorf("op=job.delete_terminal: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("op=job.delete_terminal: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=job.delete_terminal: %w", err)
	}
	return ids, nil
}
