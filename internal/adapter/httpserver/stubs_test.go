package httpserver

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/fairyhunter13/gpu-dispatch/internal/config"
	"github.com/fairyhunter13/gpu-dispatch/internal/domain"
	"github.com/fairyhunter13/gpu-dispatch/internal/usecase"
)

// memTokens is a map-backed token repository keyed by fingerprint.
type memTokens struct {
	rows map[string]domain.Token
}

func tokensWith(rows ...domain.Token) *memTokens {
	m := &memTokens{rows: map[string]domain.Token{}}
	for _, t := range rows {
		m.rows[t.Fingerprint] = t
	}
	return m
}

// activeToken builds a valid token row for a plaintext credential.
func activeToken(plaintext, userID string, isAdmin bool) domain.Token {
	return domain.Token{
		Fingerprint: domain.Fingerprint(plaintext),
		UserID:      userID,
		IsAdmin:     isAdmin,
		IsActive:    true,
		CreatedAt:   time.Now().UTC().Add(-time.Hour),
		ExpiresAt:   time.Now().UTC().Add(24 * time.Hour),
	}
}

func (m *memTokens) Issue(_ context.Context, t domain.Token) error {
	m.rows[t.Fingerprint] = t
	return nil
}

func (m *memTokens) Get(_ context.Context, fingerprint string) (domain.Token, error) {
	t, ok := m.rows[fingerprint]
	if !ok {
		return domain.Token{}, fmt.Errorf("op=token.get: %w", domain.ErrNotFound)
	}
	return t, nil
}

func (m *memTokens) Deactivate(_ context.Context, fingerprint string) error {
	t, ok := m.rows[fingerprint]
	if !ok {
		return fmt.Errorf("op=token.deactivate: %w", domain.ErrNotFound)
	}
	t.IsActive = false
	m.rows[fingerprint] = t
	return nil
}

func (m *memTokens) List(_ context.Context) ([]domain.Token, error) {
	out := make([]domain.Token, 0, len(m.rows))
	for _, t := range m.rows {
		out = append(out, t)
	}
	return out, nil
}

// memJobs is a mutex-guarded job store good enough for handler round trips.
type memJobs struct {
	mu   sync.Mutex
	rows map[string]domain.Job
}

func jobsWith(jobs ...domain.Job) *memJobs {
	m := &memJobs{rows: map[string]domain.Job{}}
	for _, j := range jobs {
		m.rows[j.ID] = j
	}
	return m
}

func (m *memJobs) Insert(_ context.Context, j domain.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[j.ID] = j
	return nil
}

func (m *memJobs) Get(_ context.Context, id string) (domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.rows[id]
	if !ok {
		return domain.Job{}, fmt.Errorf("op=job.get: %w", domain.ErrNotFound)
	}
	return j, nil
}

// firstID returns any stored job id; handler tests use it to find the job a
// submit round trip just created.
func (m *memJobs) firstID() (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id := range m.rows {
		return id, true
	}
	return "", false
}

func (m *memJobs) AssignNode(_ context.Context, id string, nodeID int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j := m.rows[id]
	j.NodeID = &nodeID
	m.rows[id] = j
	return nil
}

func (m *memJobs) MarkRunning(_ context.Context, id string, nodeID int, startedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j := m.rows[id]
	j.Status = domain.JobRunning
	j.NodeID = &nodeID
	j.StartedAt = &startedAt
	m.rows[id] = j
	return nil
}

func (m *memJobs) SetRemotePID(_ context.Context, id string, pid int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j := m.rows[id]
	j.RemotePID = &pid
	m.rows[id] = j
	return nil
}

func (m *memJobs) MarkCancelled(_ context.Context, id string, completedAt *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j := m.rows[id]
	j.Status = domain.JobCancelled
	if completedAt != nil {
		j.CompletedAt = completedAt
	}
	m.rows[id] = j
	return nil
}

func (m *memJobs) Finish(_ context.Context, id string, status domain.JobStatus, stdout, stderr string, exitCode *int, completedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j := m.rows[id]
	j.Status = status
	j.Stdout = stdout
	j.Stderr = stderr
	j.ExitCode = exitCode
	j.CompletedAt = &completedAt
	m.rows[id] = j
	return nil
}

func (m *memJobs) List(_ context.Context, f domain.JobFilter) ([]domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.Job, 0, len(m.rows))
	for _, j := range m.rows {
		if f.UserID != "" && j.OwnerUserID != f.UserID {
			continue
		}
		if f.Status != "" && j.Status != f.Status {
			continue
		}
		out = append(out, j)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt.After(out[k].CreatedAt) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *memJobs) ListActive(_ context.Context, userID string) ([]domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Job
	for _, j := range m.rows {
		if j.Status.Terminal() {
			continue
		}
		if userID != "" && j.OwnerUserID != userID {
			continue
		}
		out = append(out, j)
	}
	return out, nil
}

func (m *memJobs) CountActive(_ context.Context, userID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, j := range m.rows {
		if !j.Status.Terminal() && j.OwnerUserID == userID {
			n++
		}
	}
	return n, nil
}

func (m *memJobs) CountByStatus(_ context.Context, userID string) (map[domain.JobStatus]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := map[domain.JobStatus]int{}
	for _, j := range m.rows {
		if userID != "" && j.OwnerUserID != userID {
			continue
		}
		out[j.Status]++
	}
	return out, nil
}

func (m *memJobs) CountCreatedSince(_ context.Context, since time.Time, userID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, j := range m.rows {
		if userID != "" && j.OwnerUserID != userID {
			continue
		}
		if j.CreatedAt.After(since) {
			n++
		}
	}
	return n, nil
}

func (m *memJobs) TerminalOutcomes(_ context.Context, _ int) ([]domain.JobStatus, error) {
	return nil, nil
}

func (m *memJobs) StatsByUser(_ context.Context) ([]domain.UserJobStats, error) {
	return nil, nil
}

func (m *memJobs) FailInterrupted(_ context.Context, _ string) (int64, error) {
	return 0, nil
}

func (m *memJobs) FailStuckRunning(_ context.Context, _ float64, _ time.Duration, _ string) (int64, error) {
	return 0, nil
}

func (m *memJobs) DeleteTerminalBefore(_ context.Context, _ time.Time) ([]string, error) {
	return nil, nil
}

// stubQueue is a canned queue manager for handler tests.
type stubQueue struct {
	mu        sync.Mutex
	assignRet int
	assigns   []string
	removes   []string
	removeOK  bool
	pos       int
	posOK     bool
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

func (q *stubQueue) Position(string, int) (int, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pos, q.posOK
}

func (q *stubQueue) Stats() []domain.NodeQueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.stats
}

// stubVetter returns a canned verdict.
type stubVetter struct {
	verdict domain.VetVerdict
	err     error
}

func (v stubVetter) Vet(context.Context, string, string) (domain.VetVerdict, error) {
	return v.verdict, v.err
}

type limiterFunc func(ctx context.Context, key string) (bool, time.Duration, error)

func (f limiterFunc) Allow(ctx context.Context, key string) (bool, time.Duration, error) {
	return f(ctx, key)
}

var allowAll = limiterFunc(func(context.Context, string) (bool, time.Duration, error) {
	return true, 0, nil
})

// testConfig keeps the submit wait short so handler tests stay fast.
func testConfig(t *testing.T) config.Config {
	t.Helper()
	return config.Config{
		JobsDir:              t.TempDir(),
		MaxUploadMB:          10,
		UserRateLimit:        5,
		UserRateWindow:       time.Minute,
		MaxActiveJobsPerUser: 1,
		SubmitWaitTimeout:    250 * time.Millisecond,
		SubmitPollInterval:   10 * time.Millisecond,
		SSHTimeout:           time.Second,
	}
}

// testServer wires real use cases over in-memory stores.
func testServer(t *testing.T, cfg config.Config, jobs *memJobs, q *stubQueue, tokens *memTokens, vetter domain.CodeVetter) *Server {
	t.Helper()
	tokenSvc := usecase.NewTokenService(tokens)
	return NewServer(cfg,
		usecase.NewSubmitService(cfg, jobs, q, vetter, allowAll, nil),
		usecase.NewQueryService(jobs, q),
		usecase.NewCancelService(cfg, jobs, q, nil, nil),
		usecase.NewDashboardService(jobs, q),
		tokenSvc,
		nil, nil)
}
