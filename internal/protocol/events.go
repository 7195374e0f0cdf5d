package protocol

// Canonical viewer-facing event types. Raw agent event names are translated
// into these before broadcast so clients never depend on a specific agent's
// naming. Sync backfill synthesizes the same shapes as live traffic.
const (
	EventMessageCreated   = "relay.message.created"
	EventPartCreated      = "relay.message.part.created"
	EventPartUpdated      = "relay.message.part.updated"
	EventMessageCompleted = "relay.message.completed"

	EventPermissionCreated = "relay.permission.created"
	EventPermissionUpdated = "relay.permission.updated"

	EventSessionUpdated = "relay.session.updated"
)

// ViewerStatus is pushed to viewer sockets on connect and on every
// daemon/agent readiness transition.
type ViewerStatus struct {
	Type            string `json:"type"`
	DaemonConnected bool   `json:"daemonConnected"`
	AgentReady      bool   `json:"opencodeReady"`
}

// ViewerEvent is a canonical event broadcast to viewer sockets.
type ViewerEvent struct {
	Type      string       `json:"type"`
	Event     EventPayload `json:"event"`
	Timestamp int64        `json:"timestamp"`
}
