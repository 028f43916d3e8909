package domain

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"
)

// Error taxonomy (sentinels)
var (
	ErrInvalidArgument = errors.New("invalid argument")
	ErrUnauthorized    = errors.New("unauthorized")
	ErrForbidden       = errors.New("forbidden")
	ErrNotFound        = errors.New("not found")
	ErrConflict        = errors.New("conflict")
	ErrRateLimited     = errors.New("rate limited")
	ErrCodeRejected    = errors.New("code rejected")
	ErrUpstreamTimeout = errors.New("upstream timeout")
	ErrInternal        = errors.New("internal error")
)

type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// Terminal reports whether the status permits no further transitions.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobCancelled
}

// ParseJobStatus validates a user-supplied status filter value.
func ParseJobStatus(s string) (JobStatus, error) {
	switch st := JobStatus(s); st {
	case JobPending, JobRunning, JobCompleted, JobFailed, JobCancelled:
		return st, nil
	}
	return "", fmt.Errorf("%w: unknown status %q", ErrInvalidArgument, s)
}

// Job is one submission dispatched to a compute node.
// Invariants: pending ⇒ started_at, completed_at, remote_pid all unset;
// running ⇒ node assigned and started_at set; terminal ⇒ completed_at set;
// exit_code set iff completed. At most one pending|running row per owner.
type Job struct {
	ID               string
	OwnerUserID      string
	CompetitionID    string
	ProjectID        string
	ExpectedTime     int // seconds; drives both placement load and the kill timeout
	TokenFingerprint string
	Status           JobStatus
	NodeID           *int
	RemotePID        *int
	Stdout           string
	Stderr           string
	ExitCode         *int
	ScriptPath       string
	ConfigPath       string
	CreatedAt        time.Time
	StartedAt        *time.Time
	CompletedAt      *time.Time
}

// DurationSeconds returns wall-clock runtime for jobs that started and finished.
func (j Job) DurationSeconds() *float64 {
	if j.StartedAt == nil || j.CompletedAt == nil {
		return nil
	}
	d := j.CompletedAt.Sub(*j.StartedAt).Seconds()
	return &d
}

// MaxTokenTTLDays caps the lifetime of issued tokens.
const MaxTokenTTLDays = 30

// Token is a bearer credential row; the plaintext is never stored.
type Token struct {
	Fingerprint string
	UserID      string
	IsAdmin     bool
	IsActive    bool
	CreatedAt   time.Time
	ExpiresAt   time.Time
}

// ValidAt reports whether the token authenticates at the given instant.
func (t Token) ValidAt(now time.Time) bool {
	return t.IsActive && now.Before(t.ExpiresAt)
}

// Fingerprint is the one-way hash stored in lieu of a token plaintext.
func Fingerprint(plaintext string) string {
	sum := sha256.Sum256([]byte(plaintext))
	return hex.EncodeToString(sum[:])
}

// Identity is the authenticated caller resolved from a bearer token.
type Identity struct {
	UserID  string
	IsAdmin bool
}

// CanAccess reports whether the identity may read or mutate the given job.
func (id Identity) CanAccess(j Job) bool {
	return id.IsAdmin || id.UserID == j.OwnerUserID
}

// NodeState mirrors one node's queue counters into the record store.
// The in-memory queue manager is authoritative; these rows are a cache.
type NodeState struct {
	NodeID        int
	IsBusy        bool
	CurrentJobID  *string
	QueuedSeconds int
	UpdatedAt     time.Time
}

// NodeQueueStats is the queue manager's per-node snapshot.
type NodeQueueStats struct {
	NodeID           int
	QueueLength      int
	TotalWaitSeconds int
	JobIDs           []string
}

// VetVerdict is the code vetter's decision for one submission.
type VetVerdict struct {
	Safe        bool
	Relevant    bool
	Issues      []string
	Confidence  float64
	Explanation string
}

// UserJobStats aggregates one user's job history for the dashboard.
type UserJobStats struct {
	UserID    string
	Total     int
	Pending   int
	Running   int
	Completed int
	Failed    int
}

// JobFilter narrows List; zero values mean "any".
type JobFilter struct {
	UserID string
	Status JobStatus
	Limit  int
}

// Repositories (ports)

type JobRepository interface {
	Insert(ctx Context, j Job) error
	Get(ctx Context, id string) (Job, error)
	// AssignNode records the placement decision on a still-pending row so
	// queue positions can be answered before the job is dequeued.
	AssignNode(ctx Context, id string, nodeID int) error
	MarkRunning(ctx Context, id string, nodeID int, startedAt time.Time) error
	SetRemotePID(ctx Context, id string, pid int) error
	// MarkCancelled flags a job for its worker; completedAt is set only when
	// the job never ran (removed from the queue before dequeue).
	MarkCancelled(ctx Context, id string, completedAt *time.Time) error
	Finish(ctx Context, id string, status JobStatus, stdout, stderr string, exitCode *int, completedAt time.Time) error
	List(ctx Context, f JobFilter) ([]Job, error)
	ListActive(ctx Context, userID string) ([]Job, error)
	CountActive(ctx Context, userID string) (int, error)
	CountByStatus(ctx Context, userID string) (map[JobStatus]int, error)
	CountCreatedSince(ctx Context, since time.Time, userID string) (int, error)
	TerminalOutcomes(ctx Context, limit int) ([]JobStatus, error)
	StatsByUser(ctx Context) ([]UserJobStats, error)
	FailInterrupted(ctx Context, reason string) (int64, error)
	FailStuckRunning(ctx Context, multiplier float64, grace time.Duration, reason string) (int64, error)
	DeleteTerminalBefore(ctx Context, cutoff time.Time) ([]string, error)
}

type TokenRepository interface {
	// Issue deactivates all prior active tokens for t.UserID and inserts t,
	// atomically. A duplicate fingerprint yields ErrConflict.
	Issue(ctx Context, t Token) error
	Get(ctx Context, fingerprint string) (Token, error)
	Deactivate(ctx Context, fingerprint string) error
	List(ctx Context) ([]Token, error)
}

type NodeStateRepository interface {
	Ensure(ctx Context, nodes int) error
	SetBusy(ctx Context, nodeID int, jobID string) error
	ClearBusy(ctx Context, nodeID int) error
	SetQueuedSeconds(ctx Context, nodeID int, secs int) error
	List(ctx Context) ([]NodeState, error)
	ResetAll(ctx Context) error
}

// QueueManager (port)
//
// All mutations are serialised under one mutex; Assign picks argmin load with
// the lowest node index winning ties. Dequeue leaves the load in place so
// in-flight work still counts toward placement; Complete releases it.

type QueueManager interface {
	Assign(jobID string, expectedTime int) int
	Dequeue(nodeID int) (string, bool)
	Remove(jobID string, nodeID int, expectedTime int) bool
	Complete(nodeID int, expectedTime int)
	Position(jobID string, nodeID int) (int, bool)
	Stats() []NodeQueueStats
}

// Executor (port) — one node's remote session, never shared across goroutines.

type Executor interface {
	NodeID() int
	Connect(ctx Context) error
	Healthcheck(ctx Context) bool
	EnsureConnected(ctx Context) error
	Upload(ctx Context, localPath, remotePath string) error
	Exec(ctx Context, cmd string) (exitCode int, stdout, stderr string, err error)
	Launch(ctx Context, jobID, localScript, competitionID string) (pid int, err error)
	IsAlive(ctx Context, pid int) bool
	Kill(ctx Context, pid int) error
	FetchOutputs(ctx Context, jobID string) (results, stdout, stderr string, err error)
	Cleanup(ctx Context, jobID string)
	RestartContainer(ctx Context, name string) error
	Close() error
}

// ExecutorFactory builds a fresh executor for a node. Workers hold one for
// the life of the process; the cancel path opens short-lived ones.
type ExecutorFactory func(nodeID int) Executor

// CodeVetter (port)

type CodeVetter interface {
	Vet(ctx Context, code, competitionID string) (VetVerdict, error)
}

// Context is an alias to allow decoupling from std context in domain
// signatures; adapters and usecases pass context.Context through.
type Context = context.Context
