package handler

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"

	"poseidon/internal/reconciliation"
	pkgerrors "poseidon/pkg/errors"
)

// WebhookHandler receives provider settlement notifications.
type WebhookHandler struct {
	reconciler *reconciliation.Service
	secret     string
	headers    []string
	logger     Logger
}

// NewWebhookHandler creates a WebhookHandler. An empty secret disables authentication.
func NewWebhookHandler(reconciler *reconciliation.Service, secret string, headers []string, log Logger) *WebhookHandler {
	return &WebhookHandler{
		reconciler: reconciler,
		secret:     secret,
		headers:    headers,
		logger:     log,
	}
}

// HandleProvider authenticates, decodes and applies one webhook delivery.
func (h *WebhookHandler) HandleProvider(w http.ResponseWriter, r *http.Request) {
	if !h.authenticated(r) {
		h.logger.Warn("Webhook rejected", map[string]interface{}{
			"error":       pkgerrors.ErrUnauthorizedWebhook.Error(),
			"remote_addr": r.RemoteAddr,
		})
		respondError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	var body map[string]interface{}
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.UseNumber()
	if err := dec.Decode(&body); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid webhook payload")
		return
	}

	event, err := reconciliation.ParseProviderEvent(body)
	if err != nil {
		respondError(w, http.StatusBadRequest, "Missing reference")
		return
	}

	result, err := h.reconciler.HandleProviderEvent(r.Context(), event)
	if err != nil {
		respondServiceError(w, h.logger, err, map[string]interface{}{
			"reference": event.Reference,
			"event":     event.Event,
		})
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"ok":          true,
		"applied":     result.Disposition == reconciliation.Applied,
		"disposition": result.Disposition,
	})
}

// authenticated compares every configured header against the shared secret in constant time.
func (h *WebhookHandler) authenticated(r *http.Request) bool {
	if h.secret == "" {
		return true
	}
	for _, name := range h.headers {
		value := strings.TrimSpace(r.Header.Get(name))
		if value == "" {
			continue
		}
		if subtle.ConstantTimeCompare([]byte(value), []byte(h.secret)) == 1 {
			return true
		}
	}
	return false
}
