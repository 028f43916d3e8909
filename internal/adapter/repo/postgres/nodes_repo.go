package postgres

import (
	"fmt"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/gpu-dispatch/internal/domain"
)

// NodeStateRepo mirrors the queue manager's counters into node_state rows.
// The in-memory manager is authoritative; readers treat these as a cache.
type NodeStateRepo struct{ Pool PgxPool }

// NewNodeStateRepo constructs a NodeStateRepo with the given pool.
func NewNodeStateRepo(p PgxPool) *NodeStateRepo { return &NodeStateRepo{Pool: p} }

// Ensure upserts one row per node id in [0, nodes).
func (r *NodeStateRepo) Ensure(ctx domain.Context, nodes int) error {
	tracer := otel.Tracer("repo.nodes")
	ctx, span := tracer.Start(ctx, "nodes.Ensure")
	defer span.End()

	q := `INSERT INTO node_state (node_id, is_busy, queued_seconds, updated_at)
		VALUES ($1, FALSE, 0, $2) ON CONFLICT (node_id) DO NOTHING`
	now := time.Now().UTC()
	for i := 0; i < nodes; i++ {
		if _, err := r.Pool.Exec(ctx, q, i, now); err != nil {
			return fmt.Errorf("op=node.ensure: %w", err)
		}
	}
	return nil
}

// SetBusy marks a node as running one job.
func (r *NodeStateRepo) SetBusy(ctx domain.Context, nodeID int, jobID string) error {
	tracer := otel.Tracer("repo.nodes")
	ctx, span := tracer.Start(ctx, "nodes.SetBusy")
	defer span.End()

	q := `UPDATE node_state SET is_busy=TRUE, current_job_id=$2, updated_at=$3 WHERE node_id=$1`
	if _, err := r.Pool.Exec(ctx, q, nodeID, jobID, time.Now().UTC()); err != nil {
		return fmt.Errorf("op=node.set_busy: %w", err)
	}
	return nil
}

// ClearBusy releases a node after its job reached a terminal state.
func (r *NodeStateRepo) ClearBusy(ctx domain.Context, nodeID int) error {
	tracer := otel.Tracer("repo.nodes")
	ctx, span := tracer.Start(ctx, "nodes.ClearBusy")
	defer span.End()

	q := `UPDATE node_state SET is_busy=FALSE, current_job_id=NULL, updated_at=$2 WHERE node_id=$1`
	if _, err := r.Pool.Exec(ctx, q, nodeID, time.Now().UTC()); err != nil {
		return fmt.Errorf("op=node.clear_busy: %w", err)
	}
	return nil
}

// SetQueuedSeconds mirrors the cumulative expected-time load of one queue.
func (r *NodeStateRepo) SetQueuedSeconds(ctx domain.Context, nodeID, secs int) error {
	tracer := otel.Tracer("repo.nodes")
	ctx, span := tracer.Start(ctx, "nodes.SetQueuedSeconds")
	defer span.End()

	q := `UPDATE node_state SET queued_seconds=$2, updated_at=$3 WHERE node_id=$1`
	if _, err := r.Pool.Exec(ctx, q, nodeID, secs, time.Now().UTC()); err != nil {
		return fmt.Errorf("op=node.set_queued_seconds: %w", err)
	}
	return nil
}

// List returns all node rows ordered by id.
func (r *NodeStateRepo) List(ctx domain.Context) ([]domain.NodeState, error) {
	tracer := otel.Tracer("repo.nodes")
	ctx, span := tracer.Start(ctx, "nodes.List")
	defer span.End()

	q := `SELECT node_id, is_busy, current_job_id, queued_seconds, updated_at
		FROM node_state ORDER BY node_id`
	rows, err := r.Pool.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("op=node.list: %w", err)
	}
	defer rows.Close()

	var out []domain.NodeState
	for rows.Next() {
		var n domain.NodeState
		if err := rows.Scan(&n.NodeID, &n.IsBusy, &n.CurrentJobID, &n.QueuedSeconds, &n.UpdatedAt); err != nil {
			return nil, fmt.Errorf("op=node.list: %w", err)
		}
		out = append(out, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=node.list: %w", err)
	}
	return out, nil
}

// ResetAll clears busy markers and loads; used by the boot recovery sweep
// before workers start with empty queues.
func (r *NodeStateRepo) ResetAll(ctx domain.Context) error {
	tracer := otel.Tracer("repo.nodes")
	ctx, span := tracer.Start(ctx, "nodes.ResetAll")
	defer span.End()

	q := `UPDATE node_state SET is_busy=FALSE, current_job_id=NULL, queued_seconds=0, updated_at=$1`
	if _, err := r.Pool.Exec(ctx, q, time.Now().UTC()); err != nil {
		return fmt.Errorf("op=node.reset_all: %w", err)
	}
	return nil
}
