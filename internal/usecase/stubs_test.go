package usecase

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fairyhunter13/gpu-dispatch/internal/domain"
)

// stubJobs is a scriptable JobRepository. Canned fields feed reads; mutation
// calls are captured for assertions.
type stubJobs struct {
	mu sync.Mutex

	rows   map[string]domain.Job
	getSeq []domain.Job // snapshots served before rows, one per Get

	inserted  []domain.Job
	assigned  map[string]int
	cancelled map[string][]*time.Time
	markErr   error

	activeCount int
	activeErr   error
	counts      map[domain.JobStatus]int
	listOut     []domain.Job
	activeOut   []domain.Job
	outcomes    []domain.JobStatus
	userRows    []domain.UserJobStats
	created24h  int

	scopes     []string
	filters    []domain.JobFilter
	statsCalls int
}

func newStubJobs(jobs ...domain.Job) *stubJobs {
	s := &stubJobs{
		rows:      map[string]domain.Job{},
		assigned:  map[string]int{},
		cancelled: map[string][]*time.Time{},
	}
	for _, j := range jobs {
		s.rows[j.ID] = j
	}
	return s
}

func (s *stubJobs) Insert(_ domain.Context, j domain.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inserted = append(s.inserted, j)
	s.rows[j.ID] = j
	return nil
}

func (s *stubJobs) Get(_ domain.Context, id string) (domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.getSeq) > 0 {
		j := s.getSeq[0]
		s.getSeq = s.getSeq[1:]
		return j, nil
	}
	j, ok := s.rows[id]
	if !ok {
		return domain.Job{}, fmt.Errorf("op=job.get: %w", domain.ErrNotFound)
	}
	return j, nil
}

func (s *stubJobs) AssignNode(_ domain.Context, id string, nodeID int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.assigned[id] = nodeID
	if j, ok := s.rows[id]; ok {
		j.NodeID = &nodeID
		s.rows[id] = j
	}
	return nil
}

func (s *stubJobs) MarkRunning(domain.Context, string, int, time.Time) error { return nil }
func (s *stubJobs) SetRemotePID(domain.Context, string, int) error           { return nil }

func (s *stubJobs) MarkCancelled(_ domain.Context, id string, completedAt *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.markErr != nil {
		return s.markErr
	}
	s.cancelled[id] = append(s.cancelled[id], completedAt)
	if j, ok := s.rows[id]; ok {
		j.Status = domain.JobCancelled
		s.rows[id] = j
	}
	return nil
}

func (s *stubJobs) Finish(domain.Context, string, domain.JobStatus, string, string, *int, time.Time) error {
	return nil
}

func (s *stubJobs) List(_ domain.Context, f domain.JobFilter) ([]domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.filters = append(s.filters, f)
	return s.listOut, nil
}

func (s *stubJobs) ListActive(_ domain.Context, userID string) ([]domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scopes = append(s.scopes, userID)
	return s.activeOut, nil
}

func (s *stubJobs) CountActive(domain.Context, string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeCount, s.activeErr
}

func (s *stubJobs) CountByStatus(_ domain.Context, userID string) (map[domain.JobStatus]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scopes = append(s.scopes, userID)
	return s.counts, nil
}

func (s *stubJobs) CountCreatedSince(_ domain.Context, _ time.Time, userID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scopes = append(s.scopes, userID)
	return s.created24h, nil
}

func (s *stubJobs) TerminalOutcomes(domain.Context, int) ([]domain.JobStatus, error) {
	return s.outcomes, nil
}

func (s *stubJobs) StatsByUser(domain.Context) ([]domain.UserJobStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statsCalls++
	return s.userRows, nil
}

func (s *stubJobs) FailInterrupted(domain.Context, string) (int64, error) { return 0, nil }
func (s *stubJobs) FailStuckRunning(domain.Context, float64, time.Duration, string) (int64, error) {
	return 0, nil
}
func (s *stubJobs) DeleteTerminalBefore(domain.Context, time.Time) ([]string, error) {
	return nil, nil
}

func (s *stubJobs) cancelArgs(id string) []*time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelled[id]
}

// stubQueue records placement calls and serves canned stats.
type stubQueue struct {
	mu        sync.Mutex
	assignRet int
	assigns   []string
	removes   []string
	removeOK  bool
	positions map[string]int
	stats     []domain.NodeQueueStats
}

func (q *stubQueue) Assign(jobID string, _ int) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.assigns = append(q.assigns, jobID)
	return q.assignRet
}

func (q *stubQueue) Dequeue(int) (string, bool) { return "", false }

func (q *stubQueue) Remove(jobID string, _ int, _ int) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.removes = append(q.removes, jobID)
	return q.removeOK
}

func (q *stubQueue) Complete(int, int) {}

func (q *stubQueue) Position(jobID string, _ int) (int, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	p, ok := q.positions[jobID]
	return p, ok
}

func (q *stubQueue) Stats() []domain.NodeQueueStats { return q.stats }

// stubVetter returns one canned verdict and counts invocations.
type stubVetter struct {
	mu      sync.Mutex
	verdict domain.VetVerdict
	err     error
	calls   int
}

func (v *stubVetter) Vet(domain.Context, string, string) (domain.VetVerdict, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.calls++
	return v.verdict, v.err
}

// stubEvents collects published events.
type stubEvents struct {
	mu     sync.Mutex
	events []domain.JobEvent
}

func (e *stubEvents) Publish(_ domain.Context, ev domain.JobEvent) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, ev)
	return nil
}

func (e *stubEvents) Close() error { return nil }

func (e *stubEvents) types() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, len(e.events))
	for i, ev := range e.events {
		out[i] = ev.Type
	}
	return out
}

// limiterFunc adapts a function to ratelimiter.Limiter.
type limiterFunc func(ctx context.Context, key string) (bool, time.Duration, error)

func (f limiterFunc) Allow(ctx context.Context, key string) (bool, time.Duration, error) {
	return f(ctx, key)
}

func allowAll(context.Context, string) (bool, time.Duration, error) { return true, 0, nil }

// stubExecutor satisfies domain.Executor for the cancel kill path.
type stubExecutor struct {
	mu         sync.Mutex
	nodeID     int
	connectErr error
	killed     []int
	cleaned    []string
	closed     bool
}

func (e *stubExecutor) NodeID() int                        { return e.nodeID }
func (e *stubExecutor) Connect(domain.Context) error       { return e.connectErr }
func (e *stubExecutor) Healthcheck(domain.Context) bool    { return true }
func (e *stubExecutor) EnsureConnected(domain.Context) error {
	return e.connectErr
}
func (e *stubExecutor) Upload(domain.Context, string, string) error { return nil }
func (e *stubExecutor) Exec(domain.Context, string) (int, string, string, error) {
	return 0, "", "", nil
}
func (e *stubExecutor) Launch(domain.Context, string, string, string) (int, error) { return 0, nil }
func (e *stubExecutor) IsAlive(domain.Context, int) bool                           { return false }

func (e *stubExecutor) Kill(_ domain.Context, pid int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.killed = append(e.killed, pid)
	return nil
}

func (e *stubExecutor) FetchOutputs(domain.Context, string) (string, string, string, error) {
	return "", "", "", nil
}

func (e *stubExecutor) Cleanup(_ domain.Context, jobID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cleaned = append(e.cleaned, jobID)
}

func (e *stubExecutor) RestartContainer(domain.Context, string) error { return nil }

func (e *stubExecutor) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	return nil
}

func (e *stubExecutor) killCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.killed)
}

func (e *stubExecutor) cleanCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.cleaned)
}
