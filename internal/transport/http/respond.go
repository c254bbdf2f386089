package http

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/ericyarmo/buds-relay/internal/domain"
	obsmw "github.com/ericyarmo/buds-relay/internal/observability/middleware"
)

type errorBody struct {
	Code      string   `json:"code"`
	Message   string   `json:"message"`
	Details   []string `json:"details,omitempty"`
	RequestID string   `json:"request_id"`
}

type errorEnvelope struct {
	Error errorBody `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps service errors onto the stable wire taxonomy. Internal
// failures log full detail under the request id and return a fixed
// message.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	reqID := obsmw.RequestIDFromContext(r.Context())

	var (
		status  int
		code    string
		message string
		details []string
	)
	var vErr *domain.ValidationError
	switch {
	case errors.As(err, &vErr):
		status, code, message = http.StatusBadRequest, domain.CodeValidation, "validation failed"
		details = vErr.Fields
	case errors.Is(err, domain.ErrInvalid), errors.Is(err, domain.ErrDuplicate):
		status, code, message = http.StatusBadRequest, domain.CodeValidation, err.Error()
	case errors.Is(err, domain.ErrDeviceLimit):
		status, code, message = http.StatusBadRequest, domain.CodeDeviceLimitExceeded, err.Error()
	case errors.Is(err, domain.ErrCircleLimit):
		status, code, message = http.StatusBadRequest, domain.CodeCircleLimitExceeded, err.Error()
	case errors.Is(err, domain.ErrAuthFailed):
		status, code, message = http.StatusUnauthorized, domain.CodeAuthFailed, err.Error()
	case errors.Is(err, domain.ErrForbidden):
		status, code, message = http.StatusForbidden, domain.CodeForbidden, err.Error()
	case errors.Is(err, domain.ErrNotFound):
		status, code, message = http.StatusNotFound, domain.CodeNotFound, err.Error()
	default:
		status, code, message = http.StatusInternalServerError, domain.CodeInternal, "internal error"
		slog.ErrorContext(r.Context(), "request failed",
			"error", err,
			"path", r.URL.Path,
			"method", r.Method,
		)
	}

	if status != http.StatusInternalServerError {
		slog.WarnContext(r.Context(), "request rejected",
			"code", code,
			"status", status,
			"path", r.URL.Path,
			"method", r.Method,
		)
	}
	writeJSON(w, status, errorEnvelope{Error: errorBody{
		Code:      code,
		Message:   message,
		Details:   details,
		RequestID: reqID,
	}})
}
