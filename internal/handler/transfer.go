package handler

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"poseidon/internal/middleware"
	"poseidon/internal/transfer"
	"poseidon/pkg/validator"

	"github.com/gorilla/mux"
)

// TransferHandler exposes transfer initiation and lookup.
type TransferHandler struct {
	service   *transfer.Service
	validator *validator.Validator
	logger    Logger
}

// NewTransferHandler creates a TransferHandler.
func NewTransferHandler(service *transfer.Service, val *validator.Validator, log Logger) *TransferHandler {
	return &TransferHandler{service: service, validator: val, logger: log}
}

// InitiateTransfer reserves funds and answers 202 with the pending receipt.
func (h *TransferHandler) InitiateTransfer(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	var req transfer.InitiateRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		if errors.Is(err, io.EOF) {
			respondError(w, http.StatusBadRequest, "Request body is required")
			return
		}
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	req.SenderID = userID
	req.Currency = strings.ToUpper(strings.TrimSpace(req.Currency))

	if errs := h.validator.ValidateStructured(&req); errs != nil {
		respondValidationErrors(w, errs)
		return
	}

	receipt, err := h.service.InitiateTransfer(r.Context(), &req)
	if err != nil {
		respondServiceError(w, h.logger, err, map[string]interface{}{"sender_id": userID.String()})
		return
	}

	respondJSON(w, http.StatusAccepted, receipt)
}

// GetTransfer returns the journal view of one transfer for its sender or receiver.
func (h *TransferHandler) GetTransfer(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	reference := strings.TrimSpace(mux.Vars(r)["reference"])
	if reference == "" {
		respondError(w, http.StatusBadRequest, "Reference is required")
		return
	}

	view, err := h.service.GetTransfer(r.Context(), reference, userID)
	if err != nil {
		respondServiceError(w, h.logger, err, map[string]interface{}{"reference": reference})
		return
	}
	respondJSON(w, http.StatusOK, view)
}
