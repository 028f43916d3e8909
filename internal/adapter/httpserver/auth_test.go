package httpserver

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/gpu-dispatch/internal/domain"
)

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) (string, string) {
	t.Helper()
	var env errorEnvelope
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&env))
	return env.Error.Code, env.Error.Message
}

func TestRequireAuth(t *testing.T) {
	t.Parallel()

	tokens := tokensWith(activeToken("tok-alice", "alice", false))
	srv := testServer(t, testConfig(t), jobsWith(), &stubQueue{}, tokens, nil)

	var seen domain.Identity
	protected := srv.RequireAuth(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ident, ok := IdentityFrom(r.Context())
		require.True(t, ok)
		seen = ident
		w.WriteHeader(http.StatusNoContent)
	}))

	t.Run("missing header", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/jobs", nil)
		rec := httptest.NewRecorder()
		protected.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		code, msg := decodeError(t, rec)
		assert.Equal(t, "UNAUTHORIZED", code)
		assert.Equal(t, "Authorization header required", msg)
	})

	t.Run("wrong scheme", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/jobs", nil)
		req.Header.Set("Authorization", "Token tok-alice")
		rec := httptest.NewRecorder()
		protected.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		_, msg := decodeError(t, rec)
		assert.Equal(t, "Invalid authorization header format", msg)
	})

	t.Run("unknown token", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/jobs", nil)
		req.Header.Set("Authorization", "Bearer nope")
		rec := httptest.NewRecorder()
		protected.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		_, msg := decodeError(t, rec)
		assert.Equal(t, "Invalid or expired token", msg)
	})

	t.Run("valid token reaches handler", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/jobs", nil)
		req.Header.Set("Authorization", "Bearer tok-alice")
		rec := httptest.NewRecorder()
		protected.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusNoContent, rec.Code)
		assert.Equal(t, domain.Identity{UserID: "alice"}, seen)
	})
}

func TestRequireAuth_RevokedAndExpiredTokens(t *testing.T) {
	t.Parallel()

	revoked := activeToken("tok-revoked", "bob", false)
	revoked.IsActive = false
	expired := activeToken("tok-expired", "carol", false)
	expired.ExpiresAt = time.Now().UTC().Add(-time.Minute)
	srv := testServer(t, testConfig(t), jobsWith(), &stubQueue{}, tokensWith(revoked, expired), nil)

	protected := srv.RequireAuth(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("handler must not run")
	}))

	for _, tok := range []string{"tok-revoked", "tok-expired"} {
		req := httptest.NewRequest(http.MethodGet, "/api/jobs", nil)
		req.Header.Set("Authorization", "Bearer "+tok)
		rec := httptest.NewRecorder()
		protected.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code, tok)
		_, msg := decodeError(t, rec)
		assert.Equal(t, "Invalid or expired token", msg, tok)
	}
}
