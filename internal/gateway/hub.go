package gateway

import (
	"sync"

	"github.com/hearthd/hearth/internal/observability"
)

// hub fans events out to every authenticated connection. Unauthenticated
// connections are never registered, so they receive nothing.
type hub struct {
	mu       sync.Mutex
	sessions map[*wsSession]struct{}
	metrics  *observability.Metrics
}

func newHub(metrics *observability.Metrics) *hub {
	return &hub{sessions: map[*wsSession]struct{}{}, metrics: metrics}
}

func (h *hub) add(s *wsSession) {
	h.mu.Lock()
	h.sessions[s] = struct{}{}
	h.mu.Unlock()
}

func (h *hub) remove(s *wsSession) {
	h.mu.Lock()
	delete(h.sessions, s)
	h.mu.Unlock()
}

func (h *hub) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}

// BroadcastEvent sends one event frame to every registered connection. A
// slow connection with a full buffer drops the frame rather than stalling
// the rest.
func (h *hub) BroadcastEvent(event string, payload any) {
	h.mu.Lock()
	targets := make([]*wsSession, 0, len(h.sessions))
	for s := range h.sessions {
		targets = append(targets, s)
	}
	h.mu.Unlock()

	for _, s := range targets {
		_ = s.sendEvent(event, payload)
	}
	h.metrics.EventsBroadcast.WithLabelValues(event).Inc()
}
