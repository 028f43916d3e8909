// Package httpserver contains HTTP handlers and middleware.
//
// It provides the REST API endpoints for the dispatch service including
// job submission, status and result retrieval, cancellation and the
// node-queue and dashboard read models. The package follows clean
// architecture principles and provides a clear separation between HTTP
// concerns and business logic.
package httpserver

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/fairyhunter13/gpu-dispatch/internal/domain"
)

type errorEnvelope struct {
	Error apiError `json:"error"`
}

type apiError struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, _ *http.Request, err error, details interface{}) {
	code := http.StatusInternalServerError
	codeStr := "INTERNAL"
	var sentinel error
	switch {
	case errors.Is(err, domain.ErrInvalidArgument):
		code = http.StatusBadRequest
		codeStr = "INVALID_ARGUMENT"
		sentinel = domain.ErrInvalidArgument
	case errors.Is(err, domain.ErrCodeRejected):
		code = http.StatusBadRequest
		codeStr = "CODE_REJECTED"
		sentinel = domain.ErrCodeRejected
	case errors.Is(err, domain.ErrUnauthorized):
		code = http.StatusUnauthorized
		codeStr = "UNAUTHORIZED"
		sentinel = domain.ErrUnauthorized
	case errors.Is(err, domain.ErrForbidden):
		code = http.StatusForbidden
		codeStr = "FORBIDDEN"
		sentinel = domain.ErrForbidden
	case errors.Is(err, domain.ErrNotFound):
		code = http.StatusNotFound
		codeStr = "NOT_FOUND"
		sentinel = domain.ErrNotFound
	case errors.Is(err, domain.ErrConflict):
		code = http.StatusConflict
		codeStr = "CONFLICT"
		sentinel = domain.ErrConflict
	case errors.Is(err, domain.ErrRateLimited):
		code = http.StatusTooManyRequests
		codeStr = "RATE_LIMITED"
		sentinel = domain.ErrRateLimited
	case errors.Is(err, domain.ErrUpstreamTimeout):
		code = http.StatusGatewayTimeout
		codeStr = "UPSTREAM_TIMEOUT"
		sentinel = domain.ErrUpstreamTimeout
	}
	msg := err.Error()
	if sentinel != nil {
		msg = userMessage(err, sentinel)
	}
	writeJSON(w, code, errorEnvelope{Error: apiError{Code: codeStr, Message: msg, Details: details}})
}

// userMessage strips the sentinel prefix from a wrapped error so clients see
// only the human-readable part. Use cases wrap as "%w: message"; the sentinel
// text itself is not part of the API contract.
func userMessage(err error, sentinel error) string {
	if msg, ok := strings.CutPrefix(err.Error(), sentinel.Error()+": "); ok {
		return msg
	}
	return err.Error()
}
