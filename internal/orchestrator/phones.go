// Package orchestrator implements the cloud relay: one daemon connection
// multiplexed to many viewer connections per account, with cached state,
// sync reconciliation, and push fallback.
package orchestrator

import (
	"context"
	"log/slog"
	"sync"

	"github.com/agentdeck/agentdeck/internal/protocol"
	"github.com/coder/websocket"
)

// PhoneManager tracks which viewer sockets are attached per user and
// broadcasts envelopes to them. It owns the connection set; all access
// goes through its methods.
type PhoneManager struct {
	mu     sync.RWMutex
	active map[string]map[*websocket.Conn]bool
}

// NewPhoneManager creates an empty phone connection manager.
func NewPhoneManager() *PhoneManager {
	return &PhoneManager{
		active: make(map[string]map[*websocket.Conn]bool),
	}
}

// Register adds a viewer socket for a user.
func (m *PhoneManager) Register(userID string, conn *websocket.Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.active[userID]; !exists {
		m.active[userID] = make(map[*websocket.Conn]bool)
	}
	m.active[userID][conn] = true
	slog.Info("Viewer attached", "user_id", userID, "viewers", len(m.active[userID]))
}

// Unregister removes a viewer socket for a user.
func (m *PhoneManager) Unregister(userID string, conn *websocket.Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if conns, ok := m.active[userID]; ok {
		if conns[conn] {
			delete(conns, conn)
			if len(conns) == 0 {
				delete(m.active, userID)
			}
			slog.Info("Viewer detached", "user_id", userID)
		}
	}
}

// Count returns the number of attached viewers for a user.
func (m *PhoneManager) Count(userID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.active[userID])
}

// Broadcast sends one envelope to every viewer attached for the user.
// A failed write only affects that one socket; the viewer's own read loop
// notices the broken connection and unregisters it.
func (m *PhoneManager) Broadcast(ctx context.Context, userID string, v any) {
	data, err := protocol.Encode(v)
	if err != nil {
		slog.Error("Failed to encode broadcast", "error", err)
		return
	}

	m.mu.RLock()
	conns := make([]*websocket.Conn, 0, len(m.active[userID]))
	for conn := range m.active[userID] {
		conns = append(conns, conn)
	}
	m.mu.RUnlock()

	for _, conn := range conns {
		if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
			slog.Debug("Viewer write failed", "user_id", userID, "error", err)
		}
	}
}

// Users returns the user IDs with at least one attached viewer.
func (m *PhoneManager) Users() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]string, 0, len(m.active))
	for userID := range m.active {
		out = append(out, userID)
	}
	return out
}

// CloseAll force-closes every viewer socket for a user.
func (m *PhoneManager) CloseAll(userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for conn := range m.active[userID] {
		_ = conn.Close(websocket.StatusNormalClosure, "connection closed")
	}
	delete(m.active, userID)
}
