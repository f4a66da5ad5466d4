package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"wardkeep.org/internal/auth"
	"wardkeep.org/internal/obs"
)

// Messages shown to callers. They never name the account, the session or the
// roles involved.
const (
	msgInvalidCredentials = "invalid identifier or secret"
	msgRateLimited        = "too many attempts, try again later"
	msgSessionExpired     = "session expired, sign in again"
	msgForbidden          = "not permitted, sign in with an authorized account"
	msgUnavailable        = "operation unavailable"
	msgUnknownOperation   = "operation not found"
	msgInvalidRequest     = "invalid request"
	msgConflict           = "already exists"
	msgInternal           = "internal error"
)

// failure is the transport-neutral outcome of classifying an error.
type failure struct {
	status     int
	message    string
	retryAfter int64
}

func classify(err error) failure {
	switch {
	case errors.Is(err, auth.ErrRateLimited):
		f := failure{status: http.StatusTooManyRequests, message: msgRateLimited}
		var rl *auth.RateLimitError
		if errors.As(err, &rl) {
			f.retryAfter = rl.RemainingSeconds()
		}
		return f
	case errors.Is(err, auth.ErrInvalidCredentials):
		return failure{status: http.StatusUnauthorized, message: msgInvalidCredentials}
	case errors.Is(err, auth.ErrUnauthorized):
		return failure{status: http.StatusUnauthorized, message: msgSessionExpired}
	case errors.Is(err, auth.ErrForbidden):
		return failure{status: http.StatusForbidden, message: msgForbidden}
	case errors.Is(err, auth.ErrUnconfigured):
		return failure{status: http.StatusInternalServerError, message: msgUnavailable}
	case errors.Is(err, auth.ErrUnknownOperation), errors.Is(err, auth.ErrNotFound):
		return failure{status: http.StatusNotFound, message: msgUnknownOperation}
	case errors.Is(err, auth.ErrInvalidInput):
		return failure{status: http.StatusBadRequest, message: msgInvalidRequest}
	case errors.Is(err, auth.ErrAlreadyExists):
		return failure{status: http.StatusConflict, message: msgConflict}
	default:
		return failure{status: http.StatusInternalServerError, message: msgInternal}
	}
}

// respondErr maps err onto a status code and a generic message.
func respondErr(w http.ResponseWriter, r *http.Request, err error) {
	f := classify(err)
	switch f.status {
	case http.StatusTooManyRequests:
		w.Header().Set("Retry-After", strconv.FormatInt(f.retryAfter, 10))
		writeJSON(w, f.status, map[string]any{
			"error":               f.message,
			"retry_after_seconds": f.retryAfter,
			"request_id":          RequestIDFromContext(r.Context()),
		})
		return
	case http.StatusUnauthorized:
		if errors.Is(err, auth.ErrUnauthorized) {
			w.Header().Set("WWW-Authenticate", `Bearer realm="wardkeep"`)
		}
	case http.StatusInternalServerError:
		obs.Error("request failed", map[string]any{
			"request_id": RequestIDFromContext(r.Context()),
			"path":       r.URL.Path,
			"error":      err.Error(),
		})
	}
	writeError(w, r, f.status, f.message)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	writeJSON(w, code, map[string]any{
		"error":      msg,
		"request_id": RequestIDFromContext(r.Context()),
	})
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
}

// decodeJSON reads exactly one JSON value into dst, rejecting unknown fields.
func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("%w: empty body", auth.ErrInvalidInput)
		}
		return fmt.Errorf("%w: %v", auth.ErrInvalidInput, err)
	}
	if dec.More() {
		return fmt.Errorf("%w: trailing data after JSON body", auth.ErrInvalidInput)
	}
	return nil
}
