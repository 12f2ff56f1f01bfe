package lanapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-playground/validator/v10"

	"github.com/roach88/caps/internal/checks"
	"github.com/roach88/caps/internal/conflict"
	"github.com/roach88/caps/internal/syncqueue"
)

type errorResponse struct {
	RequestID string        `json:"request_id,omitempty"`
	Error     responseError `json:"error"`
}

type responseError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

type ctxKey int

const requestIDKey ctxKey = iota

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string, details any) {
	writeJSON(w, status, errorResponse{
		RequestID: requestID(r.Context()),
		Error:     responseError{Code: code, Message: message, Details: details},
	})
}

// writeFailure maps a domain error to its HTTP status and code.
func writeFailure(w http.ResponseWriter, r *http.Request, err error) {
	var lockErr *checks.LockConflictError
	if errors.As(err, &lockErr) {
		writeError(w, r, http.StatusConflict, "lock_conflict", err.Error(), map[string]any{
			"class":  lockErr.Class,
			"holder": lockErr.Holder,
		})
		return
	}
	var rangeErr *checks.RangeError
	if errors.As(err, &rangeErr) {
		status := http.StatusConflict
		if rangeErr.Code == checks.ErrCodeRangeExhausted {
			status = http.StatusServiceUnavailable
		}
		writeError(w, r, status, string(rangeErr.Code), err.Error(), rangeErr.Range)
		return
	}
	var ve validator.ValidationErrors
	if errors.As(err, &ve) {
		fields := make(map[string]string, len(ve))
		for _, fe := range ve {
			fields[fe.Field()] = fe.Tag()
		}
		writeError(w, r, http.StatusBadRequest, "invalid_request", "request failed validation", fields)
		return
	}

	for _, m := range failures {
		if errors.Is(err, m.err) {
			writeError(w, r, m.status, m.code, err.Error(), nil)
			return
		}
	}
	writeError(w, r, http.StatusInternalServerError, "internal_error", "internal server error", nil)
}

var failures = []struct {
	err    error
	status int
	code   string
}{
	{checks.ErrCheckNotFound, http.StatusNotFound, "check_not_found"},
	{checks.ErrCheckNotOpen, http.StatusConflict, "check_not_open"},
	{checks.ErrLockNotHeld, http.StatusConflict, "lock_not_held"},
	{checks.ErrVersionMismatch, http.StatusConflict, "version_mismatch"},
	{checks.ErrConflictPending, http.StatusConflict, "conflict_pending"},
	{checks.ErrUnderpaid, http.StatusUnprocessableEntity, "underpaid"},
	{checks.ErrInvalidRequest, http.StatusBadRequest, "invalid_request"},
	{conflict.ErrNotFound, http.StatusNotFound, "conflict_not_found"},
	{conflict.ErrAlreadyResolved, http.StatusConflict, "conflict_resolved"},
	{conflict.ErrInvalidDecision, http.StatusBadRequest, "invalid_decision"},
	{conflict.ErrMergeRequired, http.StatusBadRequest, "merge_required"},
	{conflict.ErrNoLocalSnapshot, http.StatusConflict, "no_local_snapshot"},
	{syncqueue.ErrItemNotFound, http.StatusNotFound, "item_not_found"},
	{syncqueue.ErrNotParked, http.StatusConflict, "item_not_parked"},
}
