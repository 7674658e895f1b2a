package handler

import (
	"net/http"

	"github.com/gorilla/mux"
)

// Routes groups the handlers mounted by the ledger service.
type Routes struct {
	Transfers *TransferHandler
	Accounts  *AccountHandler
	Webhooks  *WebhookHandler
	Stream    *StreamHandler
	System    *SystemHandler
}

// Register mounts the health endpoints, the provider webhook and the authenticated API on r.
// rateLimit runs after auth on the API only; rateLimit and idempotency may be nil.
func (rt Routes) Register(r *mux.Router, auth, rateLimit, idempotency mux.MiddlewareFunc) {
	if rateLimit == nil {
		rateLimit = passthrough
	}
	if idempotency == nil {
		idempotency = passthrough
	}

	r.HandleFunc("/health", rt.System.Health).Methods(http.MethodGet)
	r.HandleFunc("/ready", rt.System.Ready).Methods(http.MethodGet)
	r.HandleFunc("/webhooks/provider", rt.Webhooks.HandleProvider).Methods(http.MethodPost)

	api := r.PathPrefix("/api/v1").Subrouter()
	api.Use(auth)
	api.Use(rateLimit)

	// stream must be matched before the {reference} pattern.
	api.HandleFunc("/transfers/stream", rt.Stream.StreamTransfers).Methods(http.MethodGet)
	api.Handle("/transfers", idempotency(http.HandlerFunc(rt.Transfers.InitiateTransfer))).Methods(http.MethodPost)
	api.HandleFunc("/transfers/{reference}", rt.Transfers.GetTransfer).Methods(http.MethodGet)
	api.HandleFunc("/accounts/me/balances", rt.Accounts.GetBalances).Methods(http.MethodGet)
	api.HandleFunc("/accounts/me/entries", rt.Accounts.GetEntries).Methods(http.MethodGet)
}

func passthrough(next http.Handler) http.Handler { return next }
