package handler

import (
	"net/http"
	"strings"
	"time"

	"poseidon/internal/events"
	"poseidon/internal/middleware"

	"github.com/gorilla/websocket"
)

const (
	streamWriteWait    = 10 * time.Second
	streamPingInterval = 30 * time.Second
)

// StreamHandler pushes transfer status events over a websocket.
type StreamHandler struct {
	hub          *events.Hub
	upgrader     websocket.Upgrader
	logger       Logger
	pingInterval time.Duration
}

// NewStreamHandler creates a StreamHandler accepting browser connections from
// allowedOrigins. With no origins configured only same-origin pages may connect.
func NewStreamHandler(hub *events.Hub, allowedOrigins []string, log Logger) *StreamHandler {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
	}
	if len(allowedOrigins) > 0 {
		upgrader.CheckOrigin = originAllowed(allowedOrigins)
	}
	return &StreamHandler{hub: hub, upgrader: upgrader, logger: log, pingInterval: streamPingInterval}
}

// originAllowed admits requests without an Origin header (non-browser clients) and
// listed origins; "*" admits any.
func originAllowed(allowed []string) func(*http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		for _, o := range allowed {
			o = strings.TrimSpace(o)
			if o == "*" || strings.EqualFold(o, origin) {
				return true
			}
		}
		return false
	}
}

// StreamTransfers forwards events touching the authenticated account until the client leaves.
func (h *StreamHandler) StreamTransfers(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("WebSocket upgrade failed", map[string]interface{}{
			"error":  err.Error(),
			"origin": r.Header.Get("Origin"),
		})
		return
	}
	defer conn.Close()

	sub := h.hub.Subscribe(userID)
	defer sub.Close()

	h.logger.Info("WebSocket client connected", map[string]interface{}{"account_id": userID.String()})

	// The read loop only detects the client going away.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(h.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case event, ok := <-sub.C:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if err := conn.WriteJSON(event); err != nil {
				h.logger.Warn("Failed to push transfer event", map[string]interface{}{
					"account_id": userID.String(),
					"error":      err.Error(),
				})
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(streamWriteWait)); err != nil {
				return
			}
		case <-done:
			return
		case <-r.Context().Done():
			return
		}
	}
}
