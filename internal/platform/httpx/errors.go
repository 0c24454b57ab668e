package httpx

import (
	"errors"
	"net/http"
)

// Sentinel errors shared by the domain layer.
var (
	ErrNotFound   = errors.New("resource not found")
	ErrDuplicate  = errors.New("duplicate entry")
	ErrValidation = errors.New("validation failed")
	ErrConflict   = errors.New("conflicting state")
	ErrLocked     = errors.New("locked")
	ErrForbidden  = errors.New("forbidden")
)

// RespondError maps domain errors to HTTP responses using RFC7807.
func RespondError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, ErrDuplicate):
		Problem(w, http.StatusConflict, "Duplicate", err.Error())
	case errors.Is(err, ErrValidation):
		Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
	case errors.Is(err, ErrConflict):
		Problem(w, http.StatusConflict, "Conflict", err.Error())
	case errors.Is(err, ErrLocked):
		Problem(w, http.StatusLocked, "Locked", err.Error())
	case errors.Is(err, ErrForbidden):
		Problem(w, http.StatusForbidden, "Forbidden", err.Error())
	default:
		Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}
