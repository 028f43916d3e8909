package httpserver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/go-chi/chi/v5"

	"github.com/fairyhunter13/gpu-dispatch/internal/adapter/observability"
	"github.com/fairyhunter13/gpu-dispatch/internal/config"
	"github.com/fairyhunter13/gpu-dispatch/internal/domain"
	"github.com/fairyhunter13/gpu-dispatch/internal/usecase"
)

// Server aggregates handler dependencies.
type Server struct {
	Cfg        config.Config
	Submit     usecase.SubmitService
	Query      usecase.QueryService
	Cancel     usecase.CancelService
	Dashboard  usecase.DashboardService
	Tokens     usecase.TokenService
	DBCheck    func(ctx context.Context) error
	RedisCheck func(ctx context.Context) error
}

// NewServer constructs an HTTP server with all handlers and checks wired.
func NewServer(cfg config.Config, submit usecase.SubmitService, query usecase.QueryService, cancel usecase.CancelService, dashboard usecase.DashboardService, tokens usecase.TokenService, dbCheck func(context.Context) error, redisCheck func(context.Context) error) *Server {
	return &Server{Cfg: cfg, Submit: submit, Query: query, Cancel: cancel, Dashboard: dashboard, Tokens: tokens, DBCheck: dbCheck, RedisCheck: redisCheck}
}

// submitSnapshot is the terminal response of the submit-and-wait endpoint.
type submitSnapshot struct {
	JobID       string           `json:"job_id"`
	NodeID      *int             `json:"node_id"`
	Status      domain.JobStatus `json:"status"`
	Stdout      string           `json:"stdout"`
	Stderr      string           `json:"stderr"`
	ExitCode    *int             `json:"exit_code"`
	StartedAt   *time.Time       `json:"started_at"`
	CompletedAt *time.Time       `json:"completed_at"`
}

// submitWaitExpired is returned when the wait budget runs out before the job
// turns terminal: the same snapshot plus a check-later hint and the queue
// position (null once running).
type submitWaitExpired struct {
	submitSnapshot
	Message       string `json:"message"`
	QueuePosition *int   `json:"queue_position"`
}

func snapshotOf(job domain.Job) submitSnapshot {
	return submitSnapshot{
		JobID:       job.ID,
		NodeID:      job.NodeID,
		Status:      job.Status,
		Stdout:      job.Stdout,
		Stderr:      job.Stderr,
		ExitCode:    job.ExitCode,
		StartedAt:   job.StartedAt,
		CompletedAt: job.CompletedAt,
	}
}

// SubmitHandler admits a job from a multipart upload of the code and its
// YAML config, then holds the request open until the job finishes or the
// wait budget elapses.
func (s *Server) SubmitHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.Header.Get("Content-Type"), "multipart/form-data") {
			writeError(w, r, fmt.Errorf("%w: content-type must be multipart/form-data", domain.ErrInvalidArgument), nil)
			return
		}
		// Limit total multipart size
		maxBytes := s.Cfg.MaxUploadMB * 1024 * 1024
		r.Body = http.MaxBytesReader(w, r.Body, maxBytes*2)
		if err := r.ParseMultipartForm(maxBytes * 2); err != nil {
			if strings.Contains(strings.ToLower(err.Error()), "too large") {
				writeJSON(w, http.StatusRequestEntityTooLarge, errorEnvelope{Error: apiError{
					Code:    "INVALID_ARGUMENT",
					Message: "payload too large",
					Details: map[string]any{"max_mb": s.Cfg.MaxUploadMB},
				}})
				return
			}
			writeError(w, r, fmt.Errorf("%w: %v", domain.ErrInvalidArgument, err), nil)
			return
		}
		code, err := formFileBytes(r, "code")
		if err != nil {
			writeError(w, r, err, map[string]string{"field": "code"})
			return
		}
		// Content sniffing: the code part has to be Python source, not a
		// wheel, archive or notebook export.
		if mt := mimetype.Detect(code); len(code) > 0 && !strings.HasPrefix(mt.String(), "text/") {
			writeJSON(w, http.StatusUnsupportedMediaType, errorEnvelope{Error: apiError{
				Code:    "INVALID_ARGUMENT",
				Message: "code file must be plain text",
				Details: map[string]any{"mime": mt.String()},
			}})
			return
		}
		configRaw, err := formFileBytes(r, "config_file")
		if err != nil {
			writeError(w, r, err, map[string]string{"field": "config_file"})
			return
		}

		jc, err := ParseJobConfig(configRaw)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		ctx := r.Context()
		ident, err := s.Tokens.Validate(ctx, jc.Token)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}

		job, err := s.Submit.Submit(ctx, ident, usecase.Submission{
			CompetitionID:    jc.CompetitionID,
			ProjectID:        jc.ProjectID,
			UserID:           jc.UserID,
			ExpectedTime:     jc.ExpectedTime,
			TokenFingerprint: domain.Fingerprint(jc.Token),
			Code:             code,
			ConfigRaw:        configRaw,
		})
		if err != nil {
			if errors.Is(err, domain.ErrRateLimited) {
				scope := "user"
				if strings.Contains(err.Error(), "Queue limit") {
					scope = "queue"
				}
				observability.RateLimited(scope)
			}
			writeError(w, r, err, nil)
			return
		}
		observability.JobSubmitted(job.CompetitionID)

		final, terminal, err := s.Submit.WaitForTerminal(ctx, job.ID)
		if err != nil {
			if ctx.Err() != nil {
				return // client went away; the job keeps running
			}
			writeError(w, r, err, nil)
			return
		}
		if terminal {
			writeJSON(w, http.StatusOK, snapshotOf(final))
			return
		}
		var pos *int
		if fresh, p, serr := s.Query.Status(ctx, ident, final.ID); serr == nil {
			final, pos = fresh, p
		}
		msg := fmt.Sprintf("Timeout after %ds. Job still %s. Use /api/results/%s to check later.",
			int(s.Cfg.SubmitWaitTimeout.Seconds()), final.Status, final.ID)
		writeJSON(w, http.StatusOK, submitWaitExpired{
			submitSnapshot: snapshotOf(final),
			Message:        msg,
			QueuePosition:  pos,
		})
	}
}

// formFileBytes reads one multipart file part fully into memory. The body is
// already capped by MaxBytesReader.
func formFileBytes(r *http.Request, field string) ([]byte, error) {
	f, _, err := r.FormFile(field)
	if err != nil {
		return nil, fmt.Errorf("%w: %s file required", domain.ErrInvalidArgument, field)
	}
	defer func() { _ = f.Close() }()
	b, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("%w: %s read: %v", domain.ErrInvalidArgument, field, err)
	}
	return b, nil
}

type statusResponse struct {
	JobID         string           `json:"job_id"`
	Status        domain.JobStatus `json:"status"`
	NodeID        *int             `json:"node_id"`
	QueuePosition *int             `json:"queue_position"`
	CreatedAt     time.Time        `json:"created_at"`
	StartedAt     *time.Time       `json:"started_at"`
	CompletedAt   *time.Time       `json:"completed_at"`
	ExitCode      *int             `json:"exit_code"`
}

// StatusHandler returns the current state of one job, with its queue
// position while pending.
func (s *Server) StatusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ident, ok := identityOr401(w, r)
		if !ok {
			return
		}
		job, pos, err := s.Query.Status(r.Context(), ident, chi.URLParam(r, "jobID"))
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, statusResponse{
			JobID:         job.ID,
			Status:        job.Status,
			NodeID:        job.NodeID,
			QueuePosition: pos,
			CreatedAt:     job.CreatedAt,
			StartedAt:     job.StartedAt,
			CompletedAt:   job.CompletedAt,
			ExitCode:      job.ExitCode,
		})
	}
}

type resultsResponse struct {
	JobID       string           `json:"job_id"`
	Status      domain.JobStatus `json:"status"`
	Stdout      string           `json:"stdout"`
	Stderr      string           `json:"stderr"`
	ExitCode    *int             `json:"exit_code"`
	StartedAt   *time.Time       `json:"started_at"`
	CompletedAt *time.Time       `json:"completed_at"`
}

// ResultsHandler returns the captured outputs of one job in whatever state
// it is in; non-terminal jobs simply have empty outputs so far.
func (s *Server) ResultsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ident, ok := identityOr401(w, r)
		if !ok {
			return
		}
		job, err := s.Query.Results(r.Context(), ident, chi.URLParam(r, "jobID"))
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, resultsResponse{
			JobID:       job.ID,
			Status:      job.Status,
			Stdout:      job.Stdout,
			Stderr:      job.Stderr,
			ExitCode:    job.ExitCode,
			StartedAt:   job.StartedAt,
			CompletedAt: job.CompletedAt,
		})
	}
}

type cancelResponse struct {
	Message string `json:"message"`
	Status  string `json:"status"`
}

// CancelHandler cancels a pending or running job. The message distinguishes
// a clean dequeue from a kill-in-flight.
func (s *Server) CancelHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ident, ok := identityOr401(w, r)
		if !ok {
			return
		}
		msg, err := s.Cancel.Cancel(r.Context(), ident, chi.URLParam(r, "jobID"))
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, cancelResponse{Message: msg, Status: string(domain.JobCancelled)})
	}
}

type jobSummary struct {
	JobID       string           `json:"job_id"`
	UserID      string           `json:"user_id"`
	Status      domain.JobStatus `json:"status"`
	NodeID      *int             `json:"node_id"`
	CreatedAt   time.Time        `json:"created_at"`
	CompletedAt *time.Time       `json:"completed_at"`
}

type jobsResponse struct {
	Jobs []jobSummary `json:"jobs"`
}

// JobsHandler lists jobs newest first. Non-admins always get their own jobs
// regardless of the user_id filter.
func (s *Server) JobsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ident, ok := identityOr401(w, r)
		if !ok {
			return
		}
		f := domain.JobFilter{UserID: r.URL.Query().Get("user_id")}
		if raw := r.URL.Query().Get("status"); raw != "" {
			st, err := domain.ParseJobStatus(raw)
			if err != nil {
				writeError(w, r, err, nil)
				return
			}
			f.Status = st
		}
		if raw := r.URL.Query().Get("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil {
				writeError(w, r, fmt.Errorf("%w: invalid limit %q", domain.ErrInvalidArgument, raw), nil)
				return
			}
			f.Limit = n
		}
		jobs, err := s.Query.List(r.Context(), ident, f)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		out := jobsResponse{Jobs: make([]jobSummary, 0, len(jobs))}
		for _, j := range jobs {
			out.Jobs = append(out.Jobs, jobSummary{
				JobID:       j.ID,
				UserID:      j.OwnerUserID,
				Status:      j.Status,
				NodeID:      j.NodeID,
				CreatedAt:   j.CreatedAt,
				CompletedAt: j.CompletedAt,
			})
		}
		writeJSON(w, http.StatusOK, out)
	}
}

type nodeStatus struct {
	NodeID        int      `json:"node_id"`
	QueueLength   int      `json:"queue_length"`
	TotalWaitTime int      `json:"total_wait_time"`
	JobsInQueue   []string `json:"jobs_in_queue"`
}

type nodesResponse struct {
	Nodes []nodeStatus `json:"nodes"`
}

// NodesHandler reports per-node queue statistics. It is deliberately
// unauthenticated so clients can inspect load before submitting.
func (s *Server) NodesHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats := s.Query.Nodes()
		out := nodesResponse{Nodes: make([]nodeStatus, 0, len(stats))}
		for _, st := range stats {
			jobs := st.JobIDs
			if jobs == nil {
				jobs = []string{}
			}
			out.Nodes = append(out.Nodes, nodeStatus{
				NodeID:        st.NodeID,
				QueueLength:   st.QueueLength,
				TotalWaitTime: st.TotalWaitSeconds,
				JobsInQueue:   jobs,
			})
		}
		writeJSON(w, http.StatusOK, out)
	}
}

// DashboardHandler serves the aggregate snapshot scoped to the caller.
func (s *Server) DashboardHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ident, ok := identityOr401(w, r)
		if !ok {
			return
		}
		snap, err := s.Dashboard.Snapshot(r.Context(), ident)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, snap)
	}
}

type serviceInfo struct {
	Service   string            `json:"service"`
	Version   string            `json:"version"`
	Endpoints map[string]string `json:"endpoints"`
}

// RootHandler describes the API surface.
func (s *Server) RootHandler() http.HandlerFunc {
	info := serviceInfo{
		Service: "GPU Job Queue Server",
		Version: "1.0",
		Endpoints: map[string]string{
			"submit":  "POST /api/submit",
			"status":  "GET /api/status/{job_id}",
			"results": "GET /api/results/{job_id}",
			"cancel":  "POST /api/cancel/{job_id}",
			"nodes":   "GET /api/nodes",
			"jobs":    "GET /api/jobs",
		},
	}
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, info)
	}
}

// EndpointRateLimitHandler renders the 429 shape for the per-address
// limiter. The Retry-After header is set by the limiter before this runs.
func EndpointRateLimitHandler(requestLimit int, window time.Duration) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		observability.RateLimited("endpoint")
		retry := strings.TrimSpace(w.Header().Get("Retry-After"))
		if retry == "" {
			retry = strconv.Itoa(int(window.Seconds()))
		}
		msg := fmt.Sprintf("Too many requests. Maximum %d per %ds. Retry after %ss.",
			requestLimit, int(window.Seconds()), retry)
		writeJSON(w, http.StatusTooManyRequests, errorEnvelope{Error: apiError{Code: "RATE_LIMITED", Message: msg}})
	}
}

// ReadyzHandler returns a readiness handler that probes the database and,
// when configured, Redis.
func (s *Server) ReadyzHandler() http.HandlerFunc {
	type check struct {
		Name    string `json:"name"`
		OK      bool   `json:"ok"`
		Details string `json:"details,omitempty"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		checks := make([]check, 0, 2)
		if s.DBCheck != nil {
			if err := s.DBCheck(ctx); err != nil {
				checks = append(checks, check{Name: "db", OK: false, Details: err.Error()})
			} else {
				checks = append(checks, check{Name: "db", OK: true})
			}
		}
		if s.RedisCheck != nil {
			if err := s.RedisCheck(ctx); err != nil {
				checks = append(checks, check{Name: "redis", OK: false, Details: err.Error()})
			} else {
				checks = append(checks, check{Name: "redis", OK: true})
			}
		}
		st := http.StatusOK
		for _, c := range checks {
			if !c.OK {
				st = http.StatusServiceUnavailable
				break
			}
		}
		writeJSON(w, st, map[string]any{"checks": checks})
	}
}
