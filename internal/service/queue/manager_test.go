package queue_test

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/gpu-dispatch/internal/domain"
	"github.com/fairyhunter13/gpu-dispatch/internal/service/queue"
)

// stateStub records mirror writes; the manager must treat them as a cache.
type stateStub struct {
	mu        sync.Mutex
	loads     map[int]int
	clearBusy []int
}

func newStateStub() *stateStub { return &stateStub{loads: map[int]int{}} }

func (s *stateStub) Ensure(_ domain.Context, _ int) error { return nil }
func (s *stateStub) SetBusy(_ domain.Context, _ int, _ string) error {
	return nil
}
func (s *stateStub) ClearBusy(_ domain.Context, nodeID int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clearBusy = append(s.clearBusy, nodeID)
	return nil
}
func (s *stateStub) SetQueuedSeconds(_ domain.Context, nodeID, secs int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loads[nodeID] = secs
	return nil
}
func (s *stateStub) List(_ domain.Context) ([]domain.NodeState, error) { return nil, nil }
func (s *stateStub) ResetAll(_ domain.Context) error                   { return nil }

func (s *stateStub) load(nodeID int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loads[nodeID]
}

func TestAssign_LeastLoadLowestIndexWins(t *testing.T) {
	t.Parallel()
	m := queue.NewManager(8, newStateStub())

	require.Equal(t, 0, m.Assign("a", 30))
	require.Equal(t, 1, m.Assign("b", 10))
	require.Equal(t, 2, m.Assign("c", 20))

	// Loads are now [30, 10, 20, 0, 0, 0, 0, 0]; the tie at zero goes to
	// the lowest index.
	require.Equal(t, 3, m.Assign("d", 5))

	stats := m.Stats()
	assert.Equal(t, 5, stats[3].TotalWaitSeconds)
	assert.Equal(t, []string{"d"}, stats[3].JobIDs)
}

func TestAssign_EmptyClusterFillsInIndexOrder(t *testing.T) {
	t.Parallel()
	m := queue.NewManager(4, newStateStub())

	for want := 0; want < 4; want++ {
		got := m.Assign("job", 10)
		require.Equal(t, want, got)
	}
}

func TestDequeue_FIFO_LoadRetainedUntilComplete(t *testing.T) {
	t.Parallel()
	st := newStateStub()
	m := queue.NewManager(2, st)

	m.Assign("first", 10)  // node 0
	m.Assign("ignore", 20) // node 1
	m.Assign("second", 10) // node 0 again (10 < 20)

	id, ok := m.Dequeue(0)
	require.True(t, ok)
	assert.Equal(t, "first", id)

	// Dequeue must not release load; "first" is still in flight.
	assert.Equal(t, 20, m.Stats()[0].TotalWaitSeconds)

	id, ok = m.Dequeue(0)
	require.True(t, ok)
	assert.Equal(t, "second", id)

	_, ok = m.Dequeue(0)
	assert.False(t, ok)

	m.Complete(0, 10)
	assert.Equal(t, 10, m.Stats()[0].TotalWaitSeconds)
	assert.Equal(t, 10, st.load(0))
}

func TestRemove_QueuedJobOnly(t *testing.T) {
	t.Parallel()
	m := queue.NewManager(1, newStateStub())

	m.Assign("a", 30)
	m.Assign("b", 60)

	require.True(t, m.Remove("b", 0, 60))
	assert.Equal(t, 30, m.Stats()[0].TotalWaitSeconds)
	assert.Equal(t, []string{"a"}, m.Stats()[0].JobIDs)

	// Second removal is a no-op; the job is gone.
	assert.False(t, m.Remove("b", 0, 60))

	// A dequeued job can no longer be removed.
	_, ok := m.Dequeue(0)
	require.True(t, ok)
	assert.False(t, m.Remove("a", 0, 30))
}

func TestComplete_ClampsAtZeroAndClearsBusy(t *testing.T) {
	t.Parallel()
	st := newStateStub()
	m := queue.NewManager(1, st)

	m.Assign("a", 10)
	m.Complete(0, 25)

	assert.Equal(t, 0, m.Stats()[0].TotalWaitSeconds)

	st.mu.Lock()
	defer st.mu.Unlock()
	assert.Equal(t, []int{0}, st.clearBusy)
}

func TestPosition_ZeroIndexed(t *testing.T) {
	t.Parallel()
	m := queue.NewManager(1, newStateStub())

	m.Assign("a", 10)
	m.Assign("b", 10)
	m.Assign("c", 10)

	pos, ok := m.Position("a", 0)
	require.True(t, ok)
	assert.Equal(t, 0, pos)

	pos, ok = m.Position("c", 0)
	require.True(t, ok)
	assert.Equal(t, 2, pos)

	_, ok = m.Position("nope", 0)
	assert.False(t, ok)

	m.Dequeue(0)
	pos, ok = m.Position("b", 0)
	require.True(t, ok)
	assert.Equal(t, 0, pos)

	_, ok = m.Position("a", 0)
	assert.False(t, ok, "dequeued job has no queue position")
}

func TestStats_ReturnsSnapshot(t *testing.T) {
	t.Parallel()
	m := queue.NewManager(1, newStateStub())

	m.Assign("a", 10)
	snap := m.Stats()

	m.Assign("b", 10)
	assert.Equal(t, []string{"a"}, snap[0].JobIDs, "snapshot must not alias live queue")
	assert.Equal(t, 1, snap[0].QueueLength)
}

func TestConcurrentAssigns_SpreadAcrossAllNodes(t *testing.T) {
	t.Parallel()
	const nodes = 8
	m := queue.NewManager(nodes, newStateStub())

	var wg sync.WaitGroup
	for i := 0; i < nodes; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.Assign("job", 10)
		}()
	}
	wg.Wait()

	// Equal expected times: each assign sees the committed loads of the
	// previous ones, so every node ends up with exactly one job.
	for _, s := range m.Stats() {
		assert.Equal(t, 1, s.QueueLength, "node %d", s.NodeID)
		assert.Equal(t, 10, s.TotalWaitSeconds, "node %d", s.NodeID)
	}
}
