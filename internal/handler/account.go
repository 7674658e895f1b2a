package handler

import (
	"net/http"

	"poseidon/internal/middleware"
	"poseidon/internal/transfer"
)

// AccountHandler serves the caller's balances and journal.
type AccountHandler struct {
	service *transfer.Service
	logger  Logger
}

// NewAccountHandler creates an AccountHandler.
func NewAccountHandler(service *transfer.Service, log Logger) *AccountHandler {
	return &AccountHandler{service: service, logger: log}
}

// GetBalances returns every balance pair of the authenticated account.
func (h *AccountHandler) GetBalances(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	balances, err := h.service.Balances(r.Context(), userID)
	if err != nil {
		respondServiceError(w, h.logger, err, map[string]interface{}{"account_id": userID.String()})
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"account_id": userID,
		"balances":   balances,
	})
}

// GetEntries returns a page of the authenticated account's journal, newest first.
func (h *AccountHandler) GetEntries(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	limit, offset := pagination(r)
	entries, err := h.service.Entries(r.Context(), userID, limit, offset)
	if err != nil {
		respondServiceError(w, h.logger, err, map[string]interface{}{"account_id": userID.String()})
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"entries": entries,
		"limit":   limit,
		"offset":  offset,
	})
}
