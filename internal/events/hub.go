// Package events distributes sync-state and connection-health transitions
// to push subscribers. The hub never blocks a publisher: slow subscribers
// lose events rather than stalling the synchronizer.
package events

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// EventType identifies the kind of a push event.
type EventType string

const (
	EventSyncState     EventType = "sync_state"
	EventSessionHealth EventType = "session_health"
)

// Event is one push notification.
type Event struct {
	ID        string    `json:"id"`
	Type      EventType `json:"type"`
	AccountID string    `json:"account_id"`
	Folder    string    `json:"folder,omitempty"`
	Status    string    `json:"status,omitempty"`
	Healthy   *bool     `json:"healthy,omitempty"`
	Error     string    `json:"error,omitempty"`
	Time      time.Time `json:"time"`
}

const subscriberBuffer = 64

// Hub fans events out to subscribers.
type Hub struct {
	logger *logrus.Logger

	mu   sync.Mutex
	subs map[string]chan Event
}

// NewHub creates an event hub.
func NewHub(logger *logrus.Logger) *Hub {
	return &Hub{
		logger: logger,
		subs:   make(map[string]chan Event),
	}
}

// Subscribe registers a new subscriber and returns its id and channel.
func (h *Hub) Subscribe() (string, <-chan Event) {
	id := uuid.NewString()
	ch := make(chan Event, subscriberBuffer)

	h.mu.Lock()
	h.subs[id] = ch
	h.mu.Unlock()

	h.logger.WithField("subscriber", id).Debug("Event subscriber registered")
	return id, ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (h *Hub) Unsubscribe(id string) {
	h.mu.Lock()
	ch, ok := h.subs[id]
	if ok {
		delete(h.subs, id)
	}
	h.mu.Unlock()

	if ok {
		close(ch)
	}
}

// Publish delivers an event to every subscriber without blocking. A full
// subscriber buffer drops the event for that subscriber only.
func (h *Hub) Publish(evt Event) {
	if evt.ID == "" {
		evt.ID = uuid.NewString()
	}
	if evt.Time.IsZero() {
		evt.Time = time.Now().UTC()
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for id, ch := range h.subs {
		select {
		case ch <- evt:
		default:
			h.logger.WithField("subscriber", id).Warn("Event dropped for slow subscriber")
		}
	}
}

// PublishSyncState publishes a folder sync-status transition.
func (h *Hub) PublishSyncState(accountID, folder, status, errMsg string) {
	h.Publish(Event{
		Type:      EventSyncState,
		AccountID: accountID,
		Folder:    folder,
		Status:    status,
		Error:     errMsg,
	})
}

// PublishSessionHealth publishes a connection-health change.
func (h *Hub) PublishSessionHealth(accountID string, healthy bool) {
	h.Publish(Event{
		Type:      EventSessionHealth,
		AccountID: accountID,
		Healthy:   &healthy,
	})
}
