// Package handler provides HTTP handlers for the Poseidon ledger service.
package handler

import (
	"encoding/json"
	"net/http"
	"strconv"

	pkgerrors "poseidon/pkg/errors"
)

// Logger is the subset of logger.Logger the handlers use.
type Logger interface {
	Info(msg string, fields map[string]interface{})
	Warn(msg string, fields map[string]interface{})
	Error(msg string, fields map[string]interface{})
}

const maxBodyBytes = 1 << 20

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

func respondValidationErrors(w http.ResponseWriter, errs map[string]string) {
	respondJSON(w, http.StatusBadRequest, map[string]interface{}{
		"error":             "Validation failed",
		"validation_errors": errs,
	})
}

// respondServiceError maps the error taxonomy onto HTTP statuses.
func respondServiceError(w http.ResponseWriter, log Logger, err error, fields map[string]interface{}) {
	status, message := statusFor(err)
	if status >= http.StatusInternalServerError {
		if fields == nil {
			fields = map[string]interface{}{}
		}
		fields["error"] = err.Error()
		log.Error("Request failed", fields)
	}
	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "1")
	}
	respondError(w, status, message)
}

func statusFor(err error) (int, string) {
	switch {
	case pkgerrors.Is(err, pkgerrors.ErrInsufficientFunds):
		return http.StatusUnprocessableEntity, "Insufficient funds"
	case pkgerrors.Is(err, pkgerrors.ErrLimitExceeded):
		return http.StatusUnprocessableEntity, err.Error()
	case pkgerrors.Is(err, pkgerrors.ErrValidation),
		pkgerrors.Is(err, pkgerrors.ErrInvalidAmount),
		pkgerrors.Is(err, pkgerrors.ErrMissingDestination),
		pkgerrors.Is(err, pkgerrors.ErrUnsupportedCurrency),
		pkgerrors.Is(err, pkgerrors.ErrAmountOverflow),
		pkgerrors.Is(err, pkgerrors.ErrCurrencyMismatch):
		return http.StatusBadRequest, err.Error()
	case pkgerrors.Is(err, pkgerrors.ErrAccountNotFound):
		return http.StatusNotFound, "Account not found"
	case pkgerrors.Is(err, pkgerrors.ErrEntryNotFound):
		return http.StatusNotFound, "Transfer not found"
	case pkgerrors.Is(err, pkgerrors.ErrDuplicateRequest):
		return http.StatusConflict, "Duplicate request"
	case pkgerrors.Is(err, pkgerrors.ErrSerializationConflict):
		return http.StatusServiceUnavailable, "Ledger busy, retry the request"
	default:
		return http.StatusInternalServerError, "Internal server error"
	}
}

// pagination reads limit and offset query parameters.
func pagination(r *http.Request) (int, int) {
	limit := 50
	offset := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}
	return limit, offset
}
