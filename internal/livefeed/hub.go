// ABOUTME: In-memory fan-out hub for newly recorded chat messages
// ABOUTME: Publishes persisted ChatRecords to all subscribers of a session

package livefeed

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/fieldtalk/bridge-gateway/internal/store"
)

const (
	// subscriberBufferSize is the channel buffer for each subscriber.
	// A slow websocket reader drops messages rather than stalling the hub.
	subscriberBufferSize = 64
)

// Hub provides in-memory pub/sub for persisted chat records. Subscribers
// register for a session id and receive records as the gateway persists
// them. This keeps officer clients current without polling.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[string]map[string]chan *store.ChatRecord // sessionID -> subID -> ch
	logger      *slog.Logger
}

// NewHub creates a hub. Pass nil logger for default.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		subscribers: make(map[string]map[string]chan *store.ChatRecord),
		logger:      logger.With("component", "livefeed"),
	}
}

// Subscribe registers a subscriber for records in the given session.
// Returns a channel that receives records and a subscription ID for later
// unsubscription. The subscription is automatically cleaned up when ctx is
// cancelled.
func (h *Hub) Subscribe(ctx context.Context, sessionID string) (<-chan *store.ChatRecord, string) {
	subID := uuid.New().String()
	ch := make(chan *store.ChatRecord, subscriberBufferSize)

	h.mu.Lock()
	if _, ok := h.subscribers[sessionID]; !ok {
		h.subscribers[sessionID] = make(map[string]chan *store.ChatRecord)
	}
	h.subscribers[sessionID][subID] = ch
	h.mu.Unlock()

	h.logger.Debug("subscriber added",
		"session_id", sessionID,
		"sub_id", subID)

	// Auto-cleanup on context cancellation
	go func() {
		<-ctx.Done()
		h.Unsubscribe(sessionID, subID)
	}()

	return ch, subID
}

// Publish sends a record to all subscribers of its session.
// Non-blocking: records are dropped for subscribers whose channels are full.
// The read lock is held across the sends; Unsubscribe and Close take the
// write lock before closing a channel, so a send can never hit a closed
// channel. The sends never block, so the lock is never held across a wait.
func (h *Hub) Publish(sessionID string, rec *store.ChatRecord) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, ch := range h.subscribers[sessionID] {
		select {
		case ch <- rec:
			// Sent
		default:
			// Subscriber channel full, drop for this subscriber
			h.logger.Debug("dropped record for slow subscriber",
				"session_id", sessionID,
				"chat_id", rec.ID)
		}
	}
}

// Unsubscribe removes a subscription and closes its channel.
func (h *Hub) Unsubscribe(sessionID, subID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	subs, ok := h.subscribers[sessionID]
	if !ok {
		return
	}

	ch, exists := subs[subID]
	if !exists {
		return
	}

	delete(subs, subID)
	close(ch)

	// Clean up empty session entries
	if len(subs) == 0 {
		delete(h.subscribers, sessionID)
	}

	h.logger.Debug("subscriber removed",
		"session_id", sessionID,
		"sub_id", subID)
}

// Close shuts down the hub and closes all subscriber channels.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for sessionID, subs := range h.subscribers {
		for subID, ch := range subs {
			close(ch)
			delete(subs, subID)
		}
		delete(h.subscribers, sessionID)
	}

	h.logger.Debug("hub closed")
}
