package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/xtrntr/spotexchange/internal/auth"
	"github.com/xtrntr/spotexchange/internal/models"
	"go.uber.org/zap"
)

// statusFor maps a domain error to its HTTP status. Anything unknown is a 500.
func statusFor(err error) int {
	switch {
	case errors.Is(err, models.ErrInvalidOrder),
		errors.Is(err, models.ErrUnknownSymbol),
		errors.Is(err, models.ErrInsufficientBalance),
		errors.Is(err, models.ErrInsufficientAsset),
		errors.Is(err, auth.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, auth.ErrInvalidCredentials), errors.Is(err, auth.ErrInvalidToken):
		return http.StatusUnauthorized
	case errors.Is(err, models.ErrUnauthorizedCancellation):
		return http.StatusForbidden
	case errors.Is(err, models.ErrOrderNotFound), errors.Is(err, models.ErrUserNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrInvalidOrderStatus), errors.Is(err, models.ErrUserExists):
		return http.StatusConflict
	case errors.Is(err, models.ErrTransient):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// fail reports err to the client. Internal errors are logged and their
// text is not exposed.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	switch status {
	case http.StatusInternalServerError:
		h.logger.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
		writeError(w, status, "Internal server error")
		return
	case http.StatusServiceUnavailable:
		h.logger.Warn("transient conflict", zap.String("path", r.URL.Path), zap.Error(err))
		w.Header().Set("Retry-After", "1")
	}
	writeError(w, status, err.Error())
}
