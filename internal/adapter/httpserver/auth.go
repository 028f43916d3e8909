package httpserver

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/fairyhunter13/gpu-dispatch/internal/domain"
)

type identityCtxKey struct{}

// IdentityFrom returns the caller identity stored by RequireAuth, if any.
func IdentityFrom(ctx context.Context) (domain.Identity, bool) {
	ident, ok := ctx.Value(identityCtxKey{}).(domain.Identity)
	return ident, ok
}

// ContextWithIdentity stores an identity on the context. Exposed for tests
// that exercise handlers without the middleware.
func ContextWithIdentity(ctx context.Context, ident domain.Identity) context.Context {
	return context.WithValue(ctx, identityCtxKey{}, ident)
}

// bearerToken extracts the token from an "Authorization: Bearer {token}"
// header. An empty token after the scheme is left for Validate to reject.
func bearerToken(r *http.Request) (string, error) {
	h := r.Header.Get("Authorization")
	if h == "" {
		return "", fmt.Errorf("%w: Authorization header required", domain.ErrUnauthorized)
	}
	tok, ok := strings.CutPrefix(h, "Bearer ")
	if !ok {
		return "", fmt.Errorf("%w: Invalid authorization header format", domain.ErrUnauthorized)
	}
	return tok, nil
}

// RequireAuth resolves the bearer token to an identity and stores it on the
// request context. Requests without a valid token never reach the handler.
func (s *Server) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tok, err := bearerToken(r)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		ident, err := s.Tokens.Validate(r.Context(), tok)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		next.ServeHTTP(w, r.WithContext(ContextWithIdentity(r.Context(), ident)))
	})
}

// identityOr401 fetches the identity placed by RequireAuth and writes a 401
// when the middleware was bypassed (misrouted handler).
func identityOr401(w http.ResponseWriter, r *http.Request) (domain.Identity, bool) {
	ident, ok := IdentityFrom(r.Context())
	if !ok {
		writeError(w, r, fmt.Errorf("%w: Authorization header required", domain.ErrUnauthorized), nil)
	}
	return ident, ok
}
