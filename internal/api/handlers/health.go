package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/wonny/m7sim/internal/bus"
)

// Pinger is a dependency that can report liveness
type Pinger interface {
	Ping(ctx context.Context) error
}

// SessionCounter reports open realtime sessions
type SessionCounter interface {
	SessionCount() int
}

// HealthHandler reports process and dependency health
type HealthHandler struct {
	service  string
	bus      bus.Bus
	sessions SessionCounter
	checks   map[string]Pinger
}

// NewHealthHandler creates a health handler. checks may be empty.
func NewHealthHandler(service string, b bus.Bus, sessions SessionCounter, checks map[string]Pinger) *HealthHandler {
	return &HealthHandler{
		service:  service,
		bus:      b,
		sessions: sessions,
		checks:   checks,
	}
}

// Health returns 200 when every dependency answers, 503 otherwise
// GET /health
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := http.StatusOK
	deps := make(map[string]string, len(h.checks))
	for name, p := range h.checks {
		if err := p.Ping(ctx); err != nil {
			deps[name] = err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		deps[name] = "ok"
	}

	body := map[string]interface{}{
		"status":       "ok",
		"service":      h.service,
		"dependencies": deps,
	}
	if status != http.StatusOK {
		body["status"] = "degraded"
	}
	if h.bus != nil {
		body["bus"] = h.bus.Stats()
	}
	if h.sessions != nil {
		body["sessions"] = h.sessions.SessionCount()
	}

	respondJSON(w, status, body)
}
