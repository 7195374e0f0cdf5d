package push

import (
	"context"
	"encoding/json"
)

// Engine ties decision, deduplication, and delivery together. The event
// pipeline hands it every canonical event plus daemon connect/disconnect
// transitions; the engine never returns an error upward.
type Engine struct {
	deduper *Deduper
	sender  *Sender
}

// NewEngine creates a push engine.
func NewEngine(deduper *Deduper, sender *Sender) *Engine {
	return &Engine{deduper: deduper, sender: sender}
}

// HandleEvent evaluates one canonical event for the user and sends a
// notification when policy allows.
func (e *Engine) HandleEvent(ctx context.Context, userID, eventType string, data json.RawMessage) {
	decision := Decide(eventType, data)
	if !decision.Send {
		return
	}
	if !e.deduper.ShouldSend(userID, decision.Category) {
		return
	}
	e.sender.Send(ctx, userID, decision)
}

// DaemonDisconnected defers an offline notification for the user. If the
// daemon reconnects before the grace period, DaemonConnected cancels it.
func (e *Engine) DaemonDisconnected(userID, hostname string) {
	e.deduper.ScheduleOffline(userID, func() {
		e.sender.Send(context.Background(), userID, OfflineDecision(hostname))
	})
}

// DaemonConnected cancels any pending offline notification for the user.
func (e *Engine) DaemonConnected(userID string) {
	e.deduper.CancelOffline(userID)
}
