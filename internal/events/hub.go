// Package events fans transfer status changes out to interested subscribers.
package events

import (
	"sync"

	"poseidon/internal/domain"
	"poseidon/pkg/logger"

	"github.com/google/uuid"
)

// Event types.
const (
	TypeTransferPending  = "transfer.pending"
	TypeTransferSettled  = "transfer.success"
	TypeTransferFailed   = "transfer.failed"
	TypeDepositCompleted = "deposit.success"
)

// Publisher accepts events. Publish must never block.
type Publisher interface {
	Publish(event domain.Event)
}

// NopPublisher drops every event.
type NopPublisher struct{}

func (NopPublisher) Publish(domain.Event) {}

// Subscription receives events for one account until closed.
type Subscription struct {
	C <-chan domain.Event

	ch        chan domain.Event
	accountID uuid.UUID
	hub       *Hub
	once      sync.Once
}

// Close unregisters the subscription and closes C.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.hub.remove(s)
	})
}

// Hub is an in-process publisher keyed by account id.
type Hub struct {
	mu     sync.RWMutex
	subs   map[uuid.UUID]map[*Subscription]struct{}
	buffer int
	logger logger.Logger
}

// NewHub creates a hub whose subscriptions buffer up to buffer events.
func NewHub(buffer int, log logger.Logger) *Hub {
	if buffer <= 0 {
		buffer = 16
	}
	return &Hub{
		subs:   make(map[uuid.UUID]map[*Subscription]struct{}),
		buffer: buffer,
		logger: log,
	}
}

// Subscribe registers for events touching accountID.
func (h *Hub) Subscribe(accountID uuid.UUID) *Subscription {
	ch := make(chan domain.Event, h.buffer)
	sub := &Subscription{C: ch, ch: ch, accountID: accountID, hub: h}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.subs[accountID] == nil {
		h.subs[accountID] = make(map[*Subscription]struct{})
	}
	h.subs[accountID][sub] = struct{}{}
	return sub
}

// Publish delivers event to every subscriber of its accounts. Slow subscribers miss events.
func (h *Hub) Publish(event domain.Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	seen := make(map[*Subscription]struct{})
	for _, id := range event.AccountIDs {
		for sub := range h.subs[id] {
			if _, ok := seen[sub]; ok {
				continue
			}
			seen[sub] = struct{}{}
			select {
			case sub.ch <- event:
			default:
				h.logger.Warn("Dropping event for slow subscriber", map[string]interface{}{
					"account_id": sub.accountID.String(),
					"reference":  event.Reference,
					"type":       event.Type,
				})
			}
		}
	}
}

// Subscribers returns the number of live subscriptions for accountID.
func (h *Hub) Subscribers(accountID uuid.UUID) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[accountID])
}

func (h *Hub) remove(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if set, ok := h.subs[sub.accountID]; ok {
		delete(set, sub)
		if len(set) == 0 {
			delete(h.subs, sub.accountID)
		}
	}
	close(sub.ch)
}
