package notify

import (
	"context"
	"log"
	"sync"

	"github.com/gorilla/websocket"
)

// Hub tracks websocket connections per session and broadcasts events to
// them. Connections that fail a write are dropped.
type Hub struct {
	mu    sync.Mutex
	conns map[string]map[*websocket.Conn]struct{}
}

func NewHub() *Hub {
	return &Hub{conns: make(map[string]map[*websocket.Conn]struct{})}
}

// Register adds a connection to a session's watch set.
func (h *Hub) Register(sessionID string, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.conns[sessionID]
	if !ok {
		set = make(map[*websocket.Conn]struct{})
		h.conns[sessionID] = set
	}
	set[conn] = struct{}{}
}

// Unregister removes a connection; the caller owns closing it.
func (h *Hub) Unregister(sessionID string, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if set, ok := h.conns[sessionID]; ok {
		delete(set, conn)
		if len(set) == 0 {
			delete(h.conns, sessionID)
		}
	}
}

func (h *Hub) Broadcast(_ context.Context, sessionID string, ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.conns[sessionID]
	if !ok {
		return
	}
	for conn := range set {
		if err := conn.WriteJSON(ev); err != nil {
			log.Printf("websocket write failed for session %s, dropping connection: %v", sessionID, err)
			conn.Close()
			delete(set, conn)
		}
	}
	if len(set) == 0 {
		delete(h.conns, sessionID)
	}
}
