package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"route", "method", "status"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"route", "method"},
	)

	JobsSubmittedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatch_jobs_submitted_total",
			Help: "Total number of jobs admitted into a queue",
		},
		[]string{"competition"},
	)
	JobsFinishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatch_jobs_finished_total",
			Help: "Total number of jobs that reached a terminal status",
		},
		[]string{"competition", "status"},
	)
	JobsRunning = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dispatch_jobs_running",
			Help: "Jobs currently executing, by node",
		},
		[]string{"node"},
	)
	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dispatch_queue_depth",
			Help: "Queued jobs per node",
		},
		[]string{"node"},
	)
	QueueLoadSeconds = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dispatch_queue_load_seconds",
			Help: "Cumulative expected runtime charged to each node queue",
		},
		[]string{"node"},
	)
	JobDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dispatch_job_duration_seconds",
			Help:    "Wall clock duration of finished jobs",
			Buckets: []float64{30, 60, 300, 900, 1800, 3600, 7200, 14400},
		},
		[]string{"competition"},
	)
	QueueWaitSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "dispatch_queue_wait_seconds",
			Help:    "Time between job creation and dispatch to a node",
			Buckets: []float64{0.5, 1, 5, 15, 60, 300, 900, 3600},
		},
	)

	VetRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatch_vet_requests_total",
			Help: "Code vetting outcomes by mode",
		},
		[]string{"mode", "verdict"},
	)
	VetRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dispatch_vet_duration_seconds",
			Help:    "Code vetting duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"mode"},
	)

	SSHReconnectsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatch_ssh_reconnects_total",
			Help: "SSH tunnel re-establishments by node",
		},
		[]string{"node"},
	)
	RateLimitedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatch_rate_limited_total",
			Help: "Requests rejected by admission checks",
		},
		[]string{"scope"},
	)
)

func InitMetrics() {
	prometheus.MustRegister(HTTPRequestsTotal)
	prometheus.MustRegister(HTTPRequestDuration)
	prometheus.MustRegister(JobsSubmittedTotal)
	prometheus.MustRegister(JobsFinishedTotal)
	prometheus.MustRegister(JobsRunning)
	prometheus.MustRegister(QueueDepth)
	prometheus.MustRegister(QueueLoadSeconds)
	prometheus.MustRegister(JobDurationSeconds)
	prometheus.MustRegister(QueueWaitSeconds)
	prometheus.MustRegister(VetRequestsTotal)
	prometheus.MustRegister(VetRequestDuration)
	prometheus.MustRegister(SSHReconnectsTotal)
	prometheus.MustRegister(RateLimitedTotal)
}

// HTTPMetricsMiddleware records Prometheus metrics for each request.
func HTTPMetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		dur := time.Since(start).Seconds()
		// Route pattern may be unavailable outside chi router; guard nil
		var route string
		if rc := chi.RouteContext(r.Context()); rc != nil {
			route = rc.RoutePattern()
		}
		if route == "" {
			// fallback when route pattern is unavailable
			route = r.URL.Path
		}
		method := r.Method
		status := ww.Status()
		HTTPRequestsTotal.WithLabelValues(route, method, http.StatusText(status)).Inc()
		HTTPRequestDuration.WithLabelValues(route, method).Observe(dur)
	})
}

func JobSubmitted(competition string) {
	JobsSubmittedTotal.WithLabelValues(competition).Inc()
}

func JobStarted(nodeID int, queueWait time.Duration) {
	JobsRunning.WithLabelValues(strconv.Itoa(nodeID)).Inc()
	QueueWaitSeconds.Observe(queueWait.Seconds())
}

func JobFinished(nodeID int, competition, status string, duration time.Duration) {
	JobsRunning.WithLabelValues(strconv.Itoa(nodeID)).Dec()
	JobsFinishedTotal.WithLabelValues(competition, status).Inc()
	JobDurationSeconds.WithLabelValues(competition).Observe(duration.Seconds())
}

// JobFinishedBeforeStart counts a terminal outcome for a job that never
// reached the running state: the running gauge was never incremented and
// there is no duration to observe.
func JobFinishedBeforeStart(competition, status string) {
	JobsFinishedTotal.WithLabelValues(competition, status).Inc()
}

// ObserveQueue mirrors one node queue's depth and load into gauges.
func ObserveQueue(nodeID, depth, loadSeconds int) {
	node := strconv.Itoa(nodeID)
	QueueDepth.WithLabelValues(node).Set(float64(depth))
	QueueLoadSeconds.WithLabelValues(node).Set(float64(loadSeconds))
}

func VetObserved(mode, verdict string, duration time.Duration) {
	VetRequestsTotal.WithLabelValues(mode, verdict).Inc()
	VetRequestDuration.WithLabelValues(mode).Observe(duration.Seconds())
}

func SSHReconnected(nodeID int) {
	SSHReconnectsTotal.WithLabelValues(strconv.Itoa(nodeID)).Inc()
}

func RateLimited(scope string) {
	RateLimitedTotal.WithLabelValues(scope).Inc()
}
