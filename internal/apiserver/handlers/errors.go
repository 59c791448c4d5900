package handlers

import (
	"errors"
	"net/http"

	"github.com/flowforge/orchestrator/internal/domain"
)

// statusFor maps a domain sentinel error to the HTTP status a caller should
// see, following the same errors.Is-based classification the orchestrator
// itself uses to decide retryability.
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrConfigInvalid):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrHumanRejected), errors.Is(err, domain.ErrCancelled):
		return http.StatusConflict
	case errors.Is(err, domain.ErrStoreUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
