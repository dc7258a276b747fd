// internal/fanout/hub.go
package fanout

import (
	"sync"

	"github.com/jason-s-yu/arcade/internal/lobby"
	"github.com/sirupsen/logrus"
)

// Hub tracks which subscribers are attached to which lobby and delivers lobby
// events to them. Delivery relies on Subscriber.Send being non-blocking; a
// subscriber that cannot keep up drops the event (and usually its connection)
// without stalling the lobby that produced it.
type Hub struct {
	mu   sync.RWMutex
	subs map[string]map[string]lobby.Subscriber // lobbyID -> subscriberID -> subscriber
	log  *logrus.Entry
}

// NewHub returns an empty hub.
func NewHub(logger *logrus.Logger) *Hub {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Hub{
		subs: make(map[string]map[string]lobby.Subscriber),
		log:  logger.WithField("component", "fanout"),
	}
}

// Subscribe attaches s to lobbyID. Re-subscribing the same id replaces it.
func (h *Hub) Subscribe(lobbyID string, s lobby.Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.subs[lobbyID]
	if !ok {
		set = make(map[string]lobby.Subscriber)
		h.subs[lobbyID] = set
	}
	set[s.SubscriberID()] = s
}

// Unsubscribe detaches subscriberID from lobbyID.
func (h *Hub) Unsubscribe(lobbyID, subscriberID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.subs[lobbyID]
	if !ok {
		return
	}
	delete(set, subscriberID)
	if len(set) == 0 {
		delete(h.subs, lobbyID)
	}
}

// Broadcast sends ev to every subscriber of lobbyID.
func (h *Hub) Broadcast(lobbyID string, ev lobby.Event) {
	h.mu.RLock()
	targets := make([]lobby.Subscriber, 0, len(h.subs[lobbyID]))
	for _, s := range h.subs[lobbyID] {
		targets = append(targets, s)
	}
	h.mu.RUnlock()

	for _, s := range targets {
		if !s.Send(ev) {
			h.log.WithFields(logrus.Fields{
				"lobby":      lobbyID,
				"subscriber": s.SubscriberID(),
				"event":      ev.Type,
				"seq":        ev.Seq,
			}).Warn("subscriber queue full, event dropped")
		}
	}
}

// Close forgets every subscriber of lobbyID.
func (h *Hub) Close(lobbyID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.subs, lobbyID)
}

// Count returns the number of subscribers attached to lobbyID.
func (h *Hub) Count(lobbyID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[lobbyID])
}
