package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"duck-analytics/internal/domain"
)

// httpStatusFromDomainError maps domain errors to HTTP status codes.
func httpStatusFromDomainError(err error) int {
	var (
		notFound     *domain.NotFoundError
		accessDenied *domain.AccessDeniedError
		validation   *domain.ValidationError
		compile      *domain.CompileError
		conflict     *domain.ConflictError
		terminal     *domain.AlreadyTerminalError
		timeout      *domain.TimeoutError
		engine       *domain.EngineError
		cacheErr     *domain.CacheError
	)
	switch {
	case errors.As(err, &notFound):
		return http.StatusNotFound
	case errors.As(err, &accessDenied):
		return http.StatusForbidden
	case errors.As(err, &validation), errors.As(err, &compile):
		return http.StatusBadRequest
	case errors.As(err, &conflict), errors.As(err, &terminal):
		return http.StatusConflict
	case errors.As(err, &timeout):
		return http.StatusGatewayTimeout
	case errors.As(err, &engine):
		if engine.Transient {
			return http.StatusServiceUnavailable
		}
		return http.StatusInternalServerError
	case errors.As(err, &cacheErr):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// errorBody is the JSON shape of every error response.
type errorBody struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError renders err with its stable code. Engine and internal
// details are replaced by their public message.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := httpStatusFromDomainError(err)
	body := errorBody{
		Code:      domain.ErrorCode(err),
		Message:   domain.PublicMessage(err),
		RequestID: requestID(r),
	}
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", "path", r.URL.Path, "code", body.Code, "error", err, "request_id", body.RequestID)
	} else {
		h.logger.Debug("request rejected", "path", r.URL.Path, "code", body.Code, "error", err)
	}
	writeJSON(w, status, body)
}

