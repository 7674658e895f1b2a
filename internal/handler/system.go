package handler

import (
	"context"
	"net/http"
	"time"

	"poseidon/internal/ledger"

	"github.com/redis/go-redis/v9"
)

// SystemHandler serves liveness and readiness checks.
type SystemHandler struct {
	store       ledger.Store
	redisClient *redis.Client
	logger      Logger
	startTime   time.Time
}

// NewSystemHandler creates a SystemHandler. redisClient may be nil.
func NewSystemHandler(store ledger.Store, redisClient *redis.Client, log Logger) *SystemHandler {
	return &SystemHandler{
		store:       store,
		redisClient: redisClient,
		logger:      log,
		startTime:   time.Now(),
	}
}

// Health reports that the process is serving.
func (h *SystemHandler) Health(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":         "ok",
		"uptime_seconds": int64(time.Since(h.startTime).Seconds()),
	})
}

// Ready checks the ledger store and, when configured, Redis.
func (h *SystemHandler) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	checks := map[string]string{"store": "ok"}
	status := http.StatusOK

	if err := h.store.Ping(ctx); err != nil {
		checks["store"] = "unavailable"
		status = http.StatusServiceUnavailable
		h.logger.Warn("Readiness check failed", map[string]interface{}{"component": "store", "error": err.Error()})
	}
	if h.redisClient != nil {
		checks["redis"] = "ok"
		if err := h.redisClient.Ping(ctx).Err(); err != nil {
			checks["redis"] = "unavailable"
			status = http.StatusServiceUnavailable
			h.logger.Warn("Readiness check failed", map[string]interface{}{"component": "redis", "error": err.Error()})
		}
	}

	state := "ready"
	if status != http.StatusOK {
		state = "not_ready"
	}
	respondJSON(w, status, map[string]interface{}{"status": state, "checks": checks})
}
