// Package app wires configuration, adapters and background loops into the
// running service: the HTTP router, readiness checks, the boot recovery
// sweep and the periodic sweepers.
package app

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	httpserver "github.com/fairyhunter13/gpu-dispatch/internal/adapter/httpserver"
	"github.com/fairyhunter13/gpu-dispatch/internal/adapter/observability"
	"github.com/fairyhunter13/gpu-dispatch/internal/config"
)

// ParseOrigins splits a comma-separated origin list into a slice, trimming spaces.
// If the input is empty, returns ["*"].
func ParseOrigins(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" || s == "*" {
		return []string{"*"}
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return []string{"*"}
	}
	return out
}

// readTimeout bounds every endpoint except submit, whose handler holds the
// request open for up to cfg.SubmitWaitTimeout on purpose.
const readTimeout = 30 * time.Second

// BuildRouter constructs the HTTP handler with all middlewares and routes.
func BuildRouter(cfg config.Config, srv *httpserver.Server) http.Handler {
	r := chi.NewRouter()
	// Security & instrumentation middleware
	r.Use(httpserver.Recoverer())
	r.Use(httpserver.RequestID())
	r.Use(httpserver.TraceMiddleware)
	r.Use(httpserver.AccessLog())
	r.Use(observability.HTTPMetricsMiddleware)

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   ParseOrigins(cfg.CORSAllowOrigins),
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	// Submit: per-address limited, deliberately outside TimeoutMiddleware.
	r.Group(func(wr chi.Router) {
		wr.Use(addrLimiter(cfg.AddrSubmitRatePerMin, time.Minute))
		wr.Post("/api/submit", srv.SubmitHandler())
	})

	// Everything else gets the read limiter and a request deadline.
	r.Group(func(rr chi.Router) {
		rr.Use(httpserver.TimeoutMiddleware(readTimeout))
		rr.Use(addrLimiter(cfg.AddrReadRatePerMin, time.Minute))

		rr.Method(http.MethodGet, "/api/status/{jobID}", srv.RequireAuth(srv.StatusHandler()))
		rr.Method(http.MethodGet, "/api/results/{jobID}", srv.RequireAuth(srv.ResultsHandler()))
		rr.Method(http.MethodPost, "/api/cancel/{jobID}", srv.RequireAuth(srv.CancelHandler()))
		rr.Method(http.MethodGet, "/api/jobs", srv.RequireAuth(srv.JobsHandler()))
		rr.Method(http.MethodGet, "/api/dashboard", srv.RequireAuth(srv.DashboardHandler()))
		// Node statistics stay open so clients can gauge load before submitting.
		rr.Get("/api/nodes", srv.NodesHandler())
		rr.Get("/", srv.RootHandler())
	})

	// Health and metrics
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) { promhttp.Handler().ServeHTTP(w, r) })
	r.Get("/readyz", srv.ReadyzHandler())

	return httpserver.SecurityHeaders(r)
}

// addrLimiter rate limits by client IP and renders the shared 429 shape.
func addrLimiter(requestLimit int, window time.Duration) func(http.Handler) http.Handler {
	return httprate.Limit(requestLimit, window,
		httprate.WithKeyFuncs(httprate.KeyByIP),
		httprate.WithLimitHandler(httpserver.EndpointRateLimitHandler(requestLimit, window)),
	)
}
