package realtime

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/wonny/m7sim/pkg/logger"
)

var (
	// ErrNoSession is returned when the user has no open session
	ErrNoSession = errors.New("realtime: no session for user")

	// ErrSlowSession is returned when every session of the user had a full buffer
	ErrSlowSession = errors.New("realtime: session buffer full")
)

// Hub tracks open websocket sessions keyed by user id
// ⭐ SSOT: the only place that knows which users are connected
type Hub struct {
	mu       sync.RWMutex
	sessions map[string]map[*Session]struct{}
	log      *logger.Logger
}

// NewHub creates an empty hub
func NewHub(log *logger.Logger) *Hub {
	return &Hub{
		sessions: make(map[string]map[*Session]struct{}),
		log:      log.WithComponent("realtime"),
	}
}

func (h *Hub) register(s *Session) {
	h.mu.Lock()
	set, ok := h.sessions[s.userID]
	if !ok {
		set = make(map[*Session]struct{})
		h.sessions[s.userID] = set
	}
	set[s] = struct{}{}
	total := len(set)
	h.mu.Unlock()

	h.log.WithFields(map[string]interface{}{
		"user_id":  s.userID,
		"sessions": total,
	}).Debug("session opened")
}

// unregister removes the session and closes its send channel exactly once.
func (h *Hub) unregister(s *Session) {
	h.mu.Lock()
	set, ok := h.sessions[s.userID]
	if !ok {
		h.mu.Unlock()
		return
	}
	if _, ok := set[s]; !ok {
		h.mu.Unlock()
		return
	}
	delete(set, s)
	if len(set) == 0 {
		delete(h.sessions, s.userID)
	}
	close(s.send)
	h.mu.Unlock()

	h.log.WithField("user_id", s.userID).Debug("session closed")
}

// SendToUser pushes payload to every session the user has open.
// Sessions whose buffer is full are disconnected.
func (h *Hub) SendToUser(userID string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	h.mu.RLock()
	set := h.sessions[userID]
	if len(set) == 0 {
		h.mu.RUnlock()
		return ErrNoSession
	}

	delivered := 0
	var slow []*Session
	for s := range set {
		select {
		case s.send <- data:
			delivered++
		default:
			slow = append(slow, s)
		}
	}
	h.mu.RUnlock()

	for _, s := range slow {
		h.log.WithField("user_id", userID).Warn("dropping slow session")
		h.unregister(s)
	}

	if delivered == 0 {
		return ErrSlowSession
	}
	return nil
}

// Connected reports whether the user has at least one open session
func (h *Hub) Connected(userID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions[userID]) > 0
}

// SessionCount returns the number of open sessions across all users
func (h *Hub) SessionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, set := range h.sessions {
		n += len(set)
	}
	return n
}

// Close disconnects every session
func (h *Hub) Close() {
	h.mu.RLock()
	var all []*Session
	for _, set := range h.sessions {
		for s := range set {
			all = append(all, s)
		}
	}
	h.mu.RUnlock()

	for _, s := range all {
		h.unregister(s)
	}
}
