// Package httpx provides HTTP response utilities.
package httpx

import (
	"errors"
	"net/http"

	"github.com/orderdesk/orderdesk/internal/shared"
)

// RespondError maps domain errors to HTTP responses using RFC7807. A
// consistency failure is reported as such whatever its cause.
func RespondError(w http.ResponseWriter, err error) {
	var verr *shared.ValidationError
	switch {
	case errors.Is(err, shared.ErrConsistency) && errors.Is(err, shared.ErrRetryable):
		w.Header().Set("Retry-After", "1")
		Problem(w, http.StatusServiceUnavailable, "Retryable", err.Error())
	case errors.Is(err, shared.ErrConsistency):
		Problem(w, http.StatusInternalServerError, "Consistency Failure", "the change was rolled back; no state was modified")
	case errors.As(err, &verr):
		JSON(w, http.StatusBadRequest, ProblemDetail{
			Title:  "Validation Failed",
			Status: http.StatusBadRequest,
			Detail: verr.Error(),
			Errors: verr.Fields,
		})
	case errors.Is(err, shared.ErrValidation):
		Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
	case errors.Is(err, shared.ErrNotFound):
		Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, shared.ErrInvalidTransition):
		Problem(w, http.StatusConflict, "Invalid Transition", err.Error())
	case errors.Is(err, shared.ErrRetryable):
		w.Header().Set("Retry-After", "1")
		Problem(w, http.StatusServiceUnavailable, "Retryable", err.Error())
	case errors.Is(err, shared.ErrForbidden), errors.Is(err, shared.ErrCSRFTokenMissing), errors.Is(err, shared.ErrCSRFTokenMismatch):
		Problem(w, http.StatusForbidden, "Forbidden", err.Error())
	case errors.Is(err, shared.ErrUnauthorized), errors.Is(err, shared.ErrInvalidCredentials):
		Problem(w, http.StatusUnauthorized, "Unauthorized", err.Error())
	default:
		Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}
