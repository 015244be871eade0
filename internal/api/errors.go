package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"taskrelay/internal/domain"
	"time"

	"github.com/rs/zerolog/log"
)

// retryAfter is advertised when submissions are rejected for capacity.
const retryAfter = 5 * time.Second

type errorResponse struct {
	Error string `json:"error"`
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrPermissionDenied):
		return http.StatusForbidden
	case errors.Is(err, domain.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrCapacityExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func respondJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Ctx(r.Context()).Error().Err(err).Msg("failed to encode response")
	}
}

// respondError maps domain errors to status codes. Internal errors are
// logged and reported without detail.
func respondError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	msg := err.Error()
	switch status {
	case http.StatusInternalServerError:
		log.Ctx(r.Context()).Error().Err(err).Msg("request failed")
		msg = "internal error"
	case http.StatusServiceUnavailable:
		w.Header().Set("Retry-After", strconv.Itoa(int(retryAfter.Seconds())))
	}
	respondJSON(w, r, status, errorResponse{Error: msg})
}
