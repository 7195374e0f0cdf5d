package orchestrator

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/agentdeck/agentdeck/internal/protocol"
	"github.com/agentdeck/agentdeck/internal/push"
	"github.com/agentdeck/agentdeck/internal/store"
)

// Hub coordinates the per-account topology: at most one daemon connection,
// any number of viewer connections, the cached store, and the push engine.
type Hub struct {
	store             store.Store
	phones            *PhoneManager
	engine            *push.Engine
	pairing           *PairingRegistry
	heartbeatInterval time.Duration

	mu        sync.Mutex
	daemons   map[string]*DaemonConn // userID -> active daemon connection
	lastEvent map[string]int64       // userID -> newest event timestamp seen
}

// NewHub creates a hub.
func NewHub(st store.Store, engine *push.Engine, heartbeatInterval time.Duration) *Hub {
	if heartbeatInterval <= 0 {
		heartbeatInterval = 30 * time.Second
	}
	return &Hub{
		store:             st,
		phones:            NewPhoneManager(),
		engine:            engine,
		pairing:           NewPairingRegistry(),
		heartbeatInterval: heartbeatInterval,
		daemons:           make(map[string]*DaemonConn),
		lastEvent:         make(map[string]int64),
	}
}

// Phones exposes the viewer connection manager.
func (h *Hub) Phones() *PhoneManager { return h.phones }

// Pairing exposes the pairing registry.
func (h *Hub) Pairing() *PairingRegistry { return h.pairing }

// Daemon returns the user's active daemon connection, or nil.
func (h *Hub) Daemon(userID string) *DaemonConn {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.daemons[userID]
}

// attach installs a daemon connection for its user. One daemon per account:
// a prior connection for the same user is closed and replaced.
func (h *Hub) attach(dc *DaemonConn) {
	h.mu.Lock()
	prior := h.daemons[dc.userID]
	h.daemons[dc.userID] = dc
	h.mu.Unlock()

	if prior != nil {
		slog.Info("Replacing daemon connection", "user_id", dc.userID)
		prior.close("replaced by newer connection")
	}

	if h.engine != nil {
		h.engine.DaemonConnected(dc.userID)
	}
	h.broadcastStatus(context.Background(), dc.userID)
	slog.Info("Daemon attached", "user_id", dc.userID, "hostname", dc.hostname)
}

// detach removes a daemon connection if it is still the active one.
func (h *Hub) detach(dc *DaemonConn) {
	h.mu.Lock()
	current := h.daemons[dc.userID] == dc
	if current {
		delete(h.daemons, dc.userID)
	}
	h.mu.Unlock()
	if !current {
		return
	}

	if h.engine != nil {
		h.engine.DaemonDisconnected(dc.userID, dc.hostname)
	}
	h.broadcastStatus(context.Background(), dc.userID)
	slog.Info("Daemon detached", "user_id", dc.userID)
}

// Shutdown force-closes every daemon and viewer connection. Hijacked
// websockets outlive http.Server.Shutdown, so the hub closes them itself
// when the process is going away.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	daemons := make([]*DaemonConn, 0, len(h.daemons))
	for _, dc := range h.daemons {
		daemons = append(daemons, dc)
	}
	h.mu.Unlock()

	for _, dc := range daemons {
		dc.close("server shutting down")
	}
	for _, userID := range h.phones.Users() {
		h.phones.CloseAll(userID)
	}
}

// Status assembles the connection/readiness flags viewers see.
func (h *Hub) Status(userID string) protocol.ViewerStatus {
	status := protocol.ViewerStatus{Type: protocol.TypeStatus}
	if dc := h.Daemon(userID); dc != nil {
		status.DaemonConnected = true
		status.AgentReady = dc.AgentReady()
	}
	return status
}

func (h *Hub) broadcastStatus(ctx context.Context, userID string) {
	h.phones.Broadcast(ctx, userID, h.Status(userID))
}

func (h *Hub) lastEventTS(userID string) int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastEvent[userID]
}

func (h *Hub) observeEventTS(userID string, ts int64) {
	h.mu.Lock()
	if ts > h.lastEvent[userID] {
		h.lastEvent[userID] = ts
	}
	h.mu.Unlock()
}
