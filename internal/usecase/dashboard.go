package usecase

import (
	"math"
	"time"

	"github.com/fairyhunter13/gpu-dispatch/internal/domain"
)

// Dashboard is the aggregate snapshot served to operators and users.
// Non-admins see their own job slice; queue geometry is global either way.
type Dashboard struct {
	Timestamp      time.Time                 `json:"timestamp"`
	UserID         string                    `json:"user_id"`
	IsAdmin        bool                      `json:"is_admin"`
	JobStatistics  JobStatistics             `json:"job_statistics"`
	UserStatistics map[string]UserStatistics `json:"user_statistics"`
	NodeStatistics []NodeStatistics          `json:"node_statistics"`
	QueueInfo      []QueueInfo               `json:"queue_information"`
	ActiveJobs     []ActiveJob               `json:"active_jobs"`
	RecentJobs     []RecentJob               `json:"recent_jobs"`
	HealthMetrics  HealthMetrics             `json:"health_metrics"`
}

// JobStatistics counts jobs by status within the caller's visibility.
type JobStatistics struct {
	Total     int `json:"total"`
	Pending   int `json:"pending"`
	Running   int `json:"running"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Cancelled int `json:"cancelled"`
}

// UserStatistics is one user's row in the admin-only breakdown.
type UserStatistics struct {
	Total     int `json:"total"`
	Pending   int `json:"pending"`
	Running   int `json:"running"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

// NodeStatistics mirrors the /api/nodes payload inside the dashboard.
type NodeStatistics struct {
	NodeID      int      `json:"node_id"`
	QueueLength int      `json:"queue_length"`
	TotalWait   int      `json:"total_wait_time"`
	JobsInQueue []string `json:"jobs_in_queue"`
}

// CurrentJob identifies the job occupying a node right now.
type CurrentJob struct {
	JobID         string     `json:"job_id"`
	UserID        string     `json:"user_id"`
	CompetitionID string     `json:"competition_id"`
	StartedAt     *time.Time `json:"started_at"`
}

// QueueInfo is one node's queue state plus its current occupant.
type QueueInfo struct {
	NodeID           int         `json:"node_id"`
	QueueSize        int         `json:"queue_size"`
	QueueTimeSeconds int         `json:"queue_time_seconds"`
	IsBusy           bool        `json:"is_busy"`
	CurrentJob       *CurrentJob `json:"current_job"`
}

// ActiveJob is a pending or running job, with its queue position while it
// still waits.
type ActiveJob struct {
	JobID         string     `json:"job_id"`
	UserID        string     `json:"user_id"`
	CompetitionID string     `json:"competition_id"`
	Status        string     `json:"status"`
	NodeID        *int       `json:"node_id"`
	ExpectedTime  int        `json:"expected_time"`
	CreatedAt     time.Time  `json:"created_at"`
	StartedAt     *time.Time `json:"started_at"`
	QueuePosition *int       `json:"queue_position"`
}

// RecentJob is one row of the latest-submissions table.
type RecentJob struct {
	JobID         string     `json:"job_id"`
	UserID        string     `json:"user_id"`
	CompetitionID string     `json:"competition_id"`
	Status        string     `json:"status"`
	NodeID        *int       `json:"node_id"`
	CreatedAt     time.Time  `json:"created_at"`
	StartedAt     *time.Time `json:"started_at"`
	CompletedAt   *time.Time `json:"completed_at"`
	DurationSecs  *float64   `json:"duration_seconds"`
}

// HealthMetrics summarizes overall dispatcher health. The success rate is
// computed over the last 100 completed-or-failed jobs across all users.
type HealthMetrics struct {
	NodeUtilizationPercent  float64 `json:"node_utilization_percent"`
	AverageQueueTimeSeconds float64 `json:"average_queue_time_seconds"`
	TotalActiveJobs         int     `json:"total_active_jobs"`
	SuccessRatePercent      float64 `json:"success_rate_percent"`
	JobsLast24h             int     `json:"jobs_last_24h"`
}

const successRateSample = 100

// DashboardService aggregates the snapshot from the job store and the queue
// manager with a handful of grouped queries instead of one scan per metric.
type DashboardService struct {
	Jobs  domain.JobRepository
	Queue domain.QueueManager
}

// NewDashboardService constructs a DashboardService.
func NewDashboardService(jobs domain.JobRepository, q domain.QueueManager) DashboardService {
	return DashboardService{Jobs: jobs, Queue: q}
}

// Snapshot builds the dashboard for one identity. Busy/utilisation figures
// derive from the running jobs visible to the caller, so a non-admin's view
// of a node occupied by someone else reads idle; that asymmetry is part of
// the API contract.
func (s DashboardService) Snapshot(ctx domain.Context, ident domain.Identity) (Dashboard, error) {
	now := time.Now().UTC()
	scope := ident.UserID
	if ident.IsAdmin {
		scope = ""
	}

	counts, err := s.Jobs.CountByStatus(ctx, scope)
	if err != nil {
		return Dashboard{}, err
	}
	total := 0
	for _, n := range counts {
		total += n
	}
	jobStats := JobStatistics{
		Total:     total,
		Pending:   counts[domain.JobPending],
		Running:   counts[domain.JobRunning],
		Completed: counts[domain.JobCompleted],
		Failed:    counts[domain.JobFailed],
		Cancelled: counts[domain.JobCancelled],
	}

	userStats := map[string]UserStatistics{}
	if ident.IsAdmin {
		rows, err := s.Jobs.StatsByUser(ctx)
		if err != nil {
			return Dashboard{}, err
		}
		for _, r := range rows {
			userStats[r.UserID] = UserStatistics{
				Total:     r.Total,
				Pending:   r.Pending,
				Running:   r.Running,
				Completed: r.Completed,
				Failed:    r.Failed,
			}
		}
	}

	active, err := s.Jobs.ListActive(ctx, scope)
	if err != nil {
		return Dashboard{}, err
	}
	runningByNode := map[int]domain.Job{}
	for _, j := range active {
		if j.Status == domain.JobRunning && j.NodeID != nil {
			if _, ok := runningByNode[*j.NodeID]; !ok {
				runningByNode[*j.NodeID] = j
			}
		}
	}

	queueStats := s.Queue.Stats()
	nodeStats := make([]NodeStatistics, len(queueStats))
	queueInfo := make([]QueueInfo, len(queueStats))
	busy := 0
	totalQueueTime := 0
	for i, st := range queueStats {
		nodeStats[i] = NodeStatistics{
			NodeID:      st.NodeID,
			QueueLength: st.QueueLength,
			TotalWait:   st.TotalWaitSeconds,
			JobsInQueue: st.JobIDs,
		}
		qi := QueueInfo{
			NodeID:           st.NodeID,
			QueueSize:        st.QueueLength,
			QueueTimeSeconds: st.TotalWaitSeconds,
		}
		if j, ok := runningByNode[st.NodeID]; ok {
			qi.IsBusy = true
			qi.CurrentJob = &CurrentJob{
				JobID:         j.ID,
				UserID:        j.OwnerUserID,
				CompetitionID: j.CompetitionID,
				StartedAt:     j.StartedAt,
			}
			busy++
		}
		totalQueueTime += st.TotalWaitSeconds
		queueInfo[i] = qi
	}

	activeJobs := make([]ActiveJob, 0, len(active))
	for _, j := range active {
		aj := ActiveJob{
			JobID:         j.ID,
			UserID:        j.OwnerUserID,
			CompetitionID: j.CompetitionID,
			Status:        string(j.Status),
			NodeID:        j.NodeID,
			ExpectedTime:  j.ExpectedTime,
			CreatedAt:     j.CreatedAt,
			StartedAt:     j.StartedAt,
		}
		if j.Status == domain.JobPending && j.NodeID != nil {
			if p, ok := s.Queue.Position(j.ID, *j.NodeID); ok {
				aj.QueuePosition = &p
			}
		}
		activeJobs = append(activeJobs, aj)
	}

	recent, err := s.Jobs.List(ctx, domain.JobFilter{UserID: scope, Limit: 10})
	if err != nil {
		return Dashboard{}, err
	}
	recentJobs := make([]RecentJob, 0, len(recent))
	for _, j := range recent {
		recentJobs = append(recentJobs, RecentJob{
			JobID:         j.ID,
			UserID:        j.OwnerUserID,
			CompetitionID: j.CompetitionID,
			Status:        string(j.Status),
			NodeID:        j.NodeID,
			CreatedAt:     j.CreatedAt,
			StartedAt:     j.StartedAt,
			CompletedAt:   j.CompletedAt,
			DurationSecs:  j.DurationSeconds(),
		})
	}

	outcomes, err := s.Jobs.TerminalOutcomes(ctx, successRateSample)
	if err != nil {
		return Dashboard{}, err
	}
	successRate := 0.0
	if len(outcomes) > 0 {
		completed := 0
		for _, st := range outcomes {
			if st == domain.JobCompleted {
				completed++
			}
		}
		successRate = float64(completed) / float64(len(outcomes)) * 100
	}

	last24h, err := s.Jobs.CountCreatedSince(ctx, now.Add(-24*time.Hour), scope)
	if err != nil {
		return Dashboard{}, err
	}

	utilization := 0.0
	avgQueueTime := 0.0
	if n := len(queueStats); n > 0 {
		utilization = float64(busy) / float64(n) * 100
		avgQueueTime = float64(totalQueueTime) / float64(n)
	}

	return Dashboard{
		Timestamp:      now,
		UserID:         ident.UserID,
		IsAdmin:        ident.IsAdmin,
		JobStatistics:  jobStats,
		UserStatistics: userStats,
		NodeStatistics: nodeStats,
		QueueInfo:      queueInfo,
		ActiveJobs:     activeJobs,
		RecentJobs:     recentJobs,
		HealthMetrics: HealthMetrics{
			NodeUtilizationPercent:  round1(utilization),
			AverageQueueTimeSeconds: round1(avgQueueTime),
			TotalActiveJobs:         len(active),
			SuccessRatePercent:      round1(successRate),
			JobsLast24h:             last24h,
		},
	}, nil
}

func round1(v float64) float64 { return math.Round(v*10) / 10 }
