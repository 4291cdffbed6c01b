package app

import (
	"log"
	"sync"
)

// hub tracks the live websocket connections per session so the service
// can fan a frame out to a session's participants in relay order.
type hub struct {
	mu       sync.RWMutex
	sessions map[string]map[*wsClient]struct{}
}

func newHub() *hub {
	return &hub{sessions: make(map[string]map[*wsClient]struct{})}
}

func (h *hub) add(sessionID string, c *wsClient) {
	h.mu.Lock()
	conns, ok := h.sessions[sessionID]
	if !ok {
		conns = make(map[*wsClient]struct{})
		h.sessions[sessionID] = conns
	}
	conns[c] = struct{}{}
	h.mu.Unlock()
}

func (h *hub) remove(sessionID string, c *wsClient) {
	h.mu.Lock()
	if conns, ok := h.sessions[sessionID]; ok {
		delete(conns, c)
		if len(conns) == 0 {
			delete(h.sessions, sessionID)
		}
	}
	h.mu.Unlock()
}

// broadcast queues data for every client of the session except the one
// with exceptUserID (empty string sends to all). A client whose send
// buffer is full is skipped; it is either stalled or already tearing
// down, and presence timeouts will reap it if it never recovers.
func (h *hub) broadcast(sessionID string, data []byte, exceptUserID string) int {
	// Sends stay under the read lock: removal takes the write lock
	// before closing a client's send channel, so a frame can never be
	// queued on a closed channel.
	h.mu.RLock()
	defer h.mu.RUnlock()

	delivered := 0
	for c := range h.sessions[sessionID] {
		if exceptUserID != "" && c.userID == exceptUserID {
			continue
		}
		select {
		case c.send <- data:
			delivered++
		default:
			log.Printf("dropping frame for slow client %s in session %s", c.userID, sessionID)
		}
	}
	return delivered
}
