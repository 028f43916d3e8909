// Package queue implements least-load job placement across per-node FIFO
// queues. The in-memory state here is authoritative; node_state rows are a
// mirror updated under the same mutex.
package queue

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/fairyhunter13/gpu-dispatch/internal/domain"
)

const mirrorTimeout = 5 * time.Second

// Manager owns the per-node queues and cumulative expected-time loads.
// Every operation takes the single mutex; critical sections are O(N).
type Manager struct {
	mu     sync.Mutex
	queues [][]string
	loads  []int
	states domain.NodeStateRepository
}

// NewManager builds a manager for node ids [0, nodes).
func NewManager(nodes int, states domain.NodeStateRepository) *Manager {
	qs := make([][]string, nodes)
	for i := range qs {
		qs[i] = make([]string, 0, 8)
	}
	return &Manager{queues: qs, loads: make([]int, nodes), states: states}
}

// Assign places the job on the node with the minimum cumulative load,
// lowest index winning ties, and returns that node id.
func (m *Manager) Assign(jobID string, expectedTime int) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	nodeID := 0
	for i, l := range m.loads {
		if l < m.loads[nodeID] {
			nodeID = i
		}
	}
	m.queues[nodeID] = append(m.queues[nodeID], jobID)
	m.loads[nodeID] += expectedTime
	m.mirrorLoad(nodeID)
	return nodeID
}

// Dequeue pops the head of one node's queue. The load is intentionally not
// decremented here; in-flight work keeps counting toward placement until
// Complete releases it.
func (m *Manager) Dequeue(nodeID int) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	q := m.queues[nodeID]
	if len(q) == 0 {
		return "", false
	}
	jobID := q[0]
	m.queues[nodeID] = q[1:]
	return jobID, true
}

// Remove deletes a still-queued job and subtracts its load. Returns false
// when the job is no longer in that queue (it may have just been dequeued).
func (m *Manager) Remove(jobID string, nodeID int, expectedTime int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	q := m.queues[nodeID]
	for i, id := range q {
		if id == jobID {
			m.queues[nodeID] = append(q[:i:i], q[i+1:]...)
			m.loads[nodeID] -= expectedTime
			m.mirrorLoad(nodeID)
			return true
		}
	}
	return false
}

// Complete releases the load of a job that actually ran and clears the
// node's busy marker. Queued cancellations must go through Remove instead;
// calling both for one job would double-release.
func (m *Manager) Complete(nodeID int, expectedTime int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.loads[nodeID] -= expectedTime
	if m.loads[nodeID] < 0 {
		m.loads[nodeID] = 0
	}
	m.mirrorLoad(nodeID)

	ctx, cancel := context.WithTimeout(context.Background(), mirrorTimeout)
	defer cancel()
	if err := m.states.ClearBusy(ctx, nodeID); err != nil {
		slog.Warn("node state clear busy failed", slog.Int("node_id", nodeID), slog.Any("error", err))
	}
}

// Position returns the 0-indexed place of a job in its node's queue.
func (m *Manager) Position(jobID string, nodeID int) (int, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, id := range m.queues[nodeID] {
		if id == jobID {
			return i, true
		}
	}
	return 0, false
}

// Stats snapshots every node's queue.
func (m *Manager) Stats() []domain.NodeQueueStats {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]domain.NodeQueueStats, len(m.queues))
	for i, q := range m.queues {
		ids := make([]string, len(q))
		copy(ids, q)
		out[i] = domain.NodeQueueStats{
			NodeID:           i,
			QueueLength:      len(q),
			TotalWaitSeconds: m.loads[i],
			JobIDs:           ids,
		}
	}
	return out
}

// mirrorLoad pushes one node's load into its node_state row. Callers hold
// the mutex. The row is a cache, so failures are logged and swallowed.
func (m *Manager) mirrorLoad(nodeID int) {
	ctx, cancel := context.WithTimeout(context.Background(), mirrorTimeout)
	defer cancel()
	if err := m.states.SetQueuedSeconds(ctx, nodeID, m.loads[nodeID]); err != nil {
		slog.Warn("node state load mirror failed", slog.Int("node_id", nodeID), slog.Any("error", err))
	}
}
