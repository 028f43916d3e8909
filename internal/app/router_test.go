package app

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	httpserver "github.com/fairyhunter13/gpu-dispatch/internal/adapter/httpserver"
	"github.com/fairyhunter13/gpu-dispatch/internal/config"
	"github.com/fairyhunter13/gpu-dispatch/internal/domain"
	"github.com/fairyhunter13/gpu-dispatch/internal/usecase"
)

func TestParseOrigins(t *testing.T) {
	t.Parallel()

	assert.Equal(t, []string{"*"}, ParseOrigins(""))
	assert.Equal(t, []string{"*"}, ParseOrigins("*"))
	assert.Equal(t, []string{"*"}, ParseOrigins(" , ,"))
	assert.Equal(t,
		[]string{"https://a.example", "https://b.example"},
		ParseOrigins(" https://a.example, https://b.example "))
}

// statsQueue serves canned node statistics; routing tests touch nothing else.
type statsQueue struct {
	stats []domain.NodeQueueStats
}

func (q statsQueue) Assign(string, int) int          { return 0 }
func (q statsQueue) Dequeue(int) (string, bool)      { return "", false }
func (q statsQueue) Remove(string, int, int) bool    { return false }
func (q statsQueue) Complete(int, int)               {}
func (q statsQueue) Position(string, int) (int, bool) { return 0, false }
func (q statsQueue) Stats() []domain.NodeQueueStats  { return q.stats }

// emptyTokens knows no tokens, so every authenticated route yields 401.
type emptyTokens struct{}

func (emptyTokens) Issue(context.Context, domain.Token) error { return nil }
func (emptyTokens) Get(context.Context, string) (domain.Token, error) {
	return domain.Token{}, fmt.Errorf("op=token.get: %w", domain.ErrNotFound)
}
func (emptyTokens) Deactivate(context.Context, string) error    { return nil }
func (emptyTokens) List(context.Context) ([]domain.Token, error) { return nil, nil }

func routerUnderTest(cfg config.Config) http.Handler {
	queue := statsQueue{stats: []domain.NodeQueueStats{{NodeID: 0, JobIDs: []string{}}}}
	srv := httpserver.NewServer(cfg,
		usecase.NewSubmitService(cfg, nil, queue, nil, nil, nil),
		usecase.NewQueryService(nil, queue),
		usecase.NewCancelService(cfg, nil, queue, nil, nil),
		usecase.NewDashboardService(nil, queue),
		usecase.NewTokenService(emptyTokens{}),
		func(context.Context) error { return nil },
		nil)
	return BuildRouter(cfg, srv)
}

func TestBuildRouter_Surface(t *testing.T) {
	t.Parallel()

	cfg := config.Config{
		AddrSubmitRatePerMin: 100,
		AddrReadRatePerMin:   200,
		CORSAllowOrigins:     "*",
		MaxUploadMB:          10,
		SubmitWaitTimeout:    time.Second,
		SubmitPollInterval:   10 * time.Millisecond,
	}
	router := routerUnderTest(cfg)

	t.Run("healthz", func(t *testing.T) {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("readyz", func(t *testing.T) {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("metrics", func(t *testing.T) {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("root serves service info with security headers", func(t *testing.T) {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), "GPU Job Queue Server")
		assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
		assert.NotEmpty(t, rec.Header().Get("X-Request-Id"))
	})

	t.Run("nodes endpoint is unauthenticated", func(t *testing.T) {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/nodes", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), `"nodes"`)
	})

	t.Run("protected routes demand a bearer token", func(t *testing.T) {
		for _, tc := range []struct{ method, path string }{
			{http.MethodGet, "/api/status/j1"},
			{http.MethodGet, "/api/results/j1"},
			{http.MethodPost, "/api/cancel/j1"},
			{http.MethodGet, "/api/jobs"},
			{http.MethodGet, "/api/dashboard"},
		} {
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, httptest.NewRequest(tc.method, tc.path, nil))
			assert.Equal(t, http.StatusUnauthorized, rec.Code, tc.path)
			assert.Contains(t, rec.Body.String(), "Authorization header required", tc.path)
		}
	})

	t.Run("unknown route", func(t *testing.T) {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/unknown", nil))
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestBuildRouter_SubmitAddressLimiter(t *testing.T) {
	t.Parallel()

	cfg := config.Config{
		AddrSubmitRatePerMin: 1,
		AddrReadRatePerMin:   200,
		CORSAllowOrigins:     "*",
		MaxUploadMB:          10,
	}
	router := routerUnderTest(cfg)

	post := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/submit", strings.NewReader("{}"))
		req.Header.Set("Content-Type", "application/json")
		req.RemoteAddr = "198.51.100.7:4242"
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		return rec
	}

	// First request passes the limiter and fails later on content type.
	assert.Equal(t, http.StatusBadRequest, post().Code)

	rec := post()
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	var env struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&env))
	assert.Equal(t, "RATE_LIMITED", env.Error.Code)
	assert.Contains(t, env.Error.Message, "Too many requests. Maximum 1 per 60s.")
	assert.Contains(t, env.Error.Message, "Retry after")
}
