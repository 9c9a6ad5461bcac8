package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/wardenlabs/warden/pkg/agent"
	"github.com/wardenlabs/warden/pkg/approval"
	"github.com/wardenlabs/warden/pkg/eventlog"
	"github.com/wardenlabs/warden/pkg/growth"
	"github.com/wardenlabs/warden/pkg/incident"
	"github.com/wardenlabs/warden/pkg/run"
	"github.com/wardenlabs/warden/pkg/secrets"
	"github.com/wardenlabs/warden/pkg/store"
)

// apiError carries a stable reason code and the HTTP status it maps to.
type apiError struct {
	status int
	code   string
}

func (e *apiError) Error() string { return e.code }

func errCode(status int, code string) *apiError {
	return &apiError{status: status, code: code}
}

var (
	errBadRequest       = errCode(http.StatusBadRequest, "validation_failed")
	errWorkspaceMissing = errCode(http.StatusUnauthorized, "workspace_required")
	errSessionRequired  = errCode(http.StatusUnauthorized, "session_required")
	errSessionInvalid   = errCode(http.StatusUnauthorized, "session_invalid")
	errNotFound         = errCode(http.StatusNotFound, "not_found")
)

// statusFor maps service sentinel errors onto the wire taxonomy. Anything
// unrecognized is an internal error; handlers validate inputs up front so
// plain validation failures never reach here.
func statusFor(err error) (int, string) {
	var ae *apiError
	if errors.As(err, &ae) {
		return ae.status, ae.code
	}
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, run.ErrNoRun):
		return http.StatusNotFound, run.ErrNoRun.Error()
	case errors.Is(err, run.ErrLeaseTokenMismatch):
		return http.StatusConflict, run.ErrLeaseTokenMismatch.Error()
	case errors.Is(err, run.ErrNotClaimable):
		return http.StatusConflict, run.ErrNotClaimable.Error()
	case errors.Is(err, run.ErrAlreadyFinished):
		return http.StatusConflict, run.ErrAlreadyFinished.Error()
	case errors.Is(err, approval.ErrAlreadyDecided):
		return http.StatusConflict, approval.ErrAlreadyDecided.Error()
	case errors.Is(err, approval.ErrExpired):
		return http.StatusConflict, approval.ErrExpired.Error()
	case errors.Is(err, incident.ErrMissingRCA):
		return http.StatusUnprocessableEntity, incident.ErrMissingRCA.Error()
	case errors.Is(err, incident.ErrMissingLearning):
		return http.StatusUnprocessableEntity, incident.ErrMissingLearning.Error()
	case errors.Is(err, incident.ErrAlreadyClosed):
		return http.StatusConflict, incident.ErrAlreadyClosed.Error()
	case errors.Is(err, agent.ErrApproverNotHuman):
		return http.StatusForbidden, agent.ErrApproverNotHuman.Error()
	case errors.Is(err, agent.ErrExceedsRecommendation):
		return http.StatusUnprocessableEntity, agent.ErrExceedsRecommendation.Error()
	case errors.Is(err, agent.ErrQuarantined):
		return http.StatusConflict, agent.ErrQuarantined.Error()
	case errors.Is(err, growth.ErrManifestInvalid):
		return http.StatusUnprocessableEntity, growth.ErrManifestInvalid.Error()
	case errors.Is(err, secrets.ErrUnavailable):
		return http.StatusServiceUnavailable, secrets.ErrUnavailable.Error()
	case errors.Is(err, eventlog.ErrIdempotencyConflictUnresolved):
		return http.StatusConflict, eventlog.ErrIdempotencyConflictUnresolved.Error()
	case errors.Is(err, eventlog.ErrAppendOnlyViolation):
		return http.StatusConflict, eventlog.ErrAppendOnlyViolation.Error()
	}
	return http.StatusInternalServerError, "internal"
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, map[string]string{"error": code})
}

func respondError(w http.ResponseWriter, logger *slog.Logger, err error) {
	status, code := statusFor(err)
	if status >= http.StatusInternalServerError && logger != nil {
		logger.Error("request failed", "error", err)
	}
	writeError(w, status, code)
}

// decodeBody parses a JSON request body into dst. An empty body is allowed
// when dst tolerates zero values; malformed JSON is a validation failure.
func decodeBody(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dst); err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			return errCode(http.StatusRequestEntityTooLarge, "body_too_large")
		}
		return errCode(http.StatusBadRequest, "malformed_json")
	}
	return nil
}
