package orchestrator

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/agentdeck/agentdeck/internal/domain"
	"github.com/agentdeck/agentdeck/internal/protocol"
)

// Raw agent event shapes. These mirror the agent's own wire format; the
// translation below is the only place that format is known.

type rawMessageEvent struct {
	Info struct {
		ID        string `json:"id"`
		SessionID string `json:"sessionID"`
		Role      string `json:"role"`
		Time      struct {
			Created   int64 `json:"created"`
			Completed int64 `json:"completed"`
		} `json:"time"`
	} `json:"info"`
	Parts []domain.Part `json:"parts"`
}

type rawPartEvent struct {
	Part struct {
		domain.Part
		MessageID string `json:"messageID"`
		SessionID string `json:"sessionID"`
	} `json:"part"`
}

type rawSessionEvent struct {
	Info struct {
		ID     string `json:"id"`
		Title  string `json:"title"`
		Slug   string `json:"slug"`
		Status string `json:"status"`
	} `json:"info"`
}

type rawIdleEvent struct {
	SessionID string `json:"sessionID"`
}

// handleAgentEvent translates one raw agent event into its canonical
// viewer-facing form, broadcasts it, and schedules the cache write. The
// broadcast happens first; persistence is fire-and-forget behind it.
func (h *Hub) handleAgentEvent(ctx context.Context, dc *DaemonConn, ev *protocol.Event) {
	h.observeEventTS(dc.userID, ev.Timestamp)

	raw := ev.Event
	switch raw.Type {
	case "message.created", "message.updated":
		var m rawMessageEvent
		if err := json.Unmarshal(raw.Data, &m); err != nil || m.Info.ID == "" {
			slog.Debug("Dropping malformed message event", "error", err)
			return
		}
		msg := &domain.Message{
			ID:        m.Info.ID,
			SessionID: m.Info.SessionID,
			Role:      domain.Role(m.Info.Role),
			Parts:     m.Parts,
			Streaming: m.Info.Time.Completed == 0,
			CreatedAt: time.UnixMilli(m.Info.Time.Created),
		}
		h.emit(ctx, dc, protocol.EventMessageCreated, map[string]any{
			"sessionId": msg.SessionID,
			"message":   msg,
		}, ev.Timestamp)
		dc.enqueueWrite(func(ctx context.Context) {
			if err := h.store.AddMessage(ctx, dc.userID, msg); err != nil {
				slog.Warn("Failed to cache message", "message_id", msg.ID, "error", err)
			}
		})

	case "message.part.created", "message.part.updated":
		var p rawPartEvent
		if err := json.Unmarshal(raw.Data, &p); err != nil || p.Part.MessageID == "" {
			slog.Debug("Dropping malformed part event", "error", err)
			return
		}
		canonical := protocol.EventPartUpdated
		if raw.Type == "message.part.created" {
			canonical = protocol.EventPartCreated
		}
		part := p.Part.Part
		messageID := p.Part.MessageID
		h.emit(ctx, dc, canonical, map[string]any{
			"sessionId": p.Part.SessionID,
			"messageId": messageID,
			"part":      part,
			"tool":      part.Tool,
		}, ev.Timestamp)
		dc.enqueueWrite(func(ctx context.Context) {
			if err := h.store.UpsertPart(ctx, messageID, part); err != nil {
				slog.Warn("Failed to cache part", "message_id", messageID, "error", err)
			}
		})

	case "message.completed":
		var m rawMessageEvent
		if err := json.Unmarshal(raw.Data, &m); err != nil || m.Info.ID == "" {
			slog.Debug("Dropping malformed completion event", "error", err)
			return
		}
		messageID := m.Info.ID
		h.emit(ctx, dc, protocol.EventMessageCompleted, map[string]any{
			"sessionId": m.Info.SessionID,
			"messageId": messageID,
		}, ev.Timestamp)
		dc.enqueueWrite(func(ctx context.Context) {
			if err := h.store.MarkMessageComplete(ctx, messageID); err != nil {
				slog.Warn("Failed to mark message complete", "message_id", messageID, "error", err)
			}
		})

	case "session.idle":
		// Idle carries only the session; every still-streaming message in
		// it is finished.
		var idle rawIdleEvent
		if err := json.Unmarshal(raw.Data, &idle); err != nil || idle.SessionID == "" {
			slog.Debug("Dropping malformed idle event", "error", err)
			return
		}
		h.emit(ctx, dc, protocol.EventMessageCompleted, map[string]any{
			"sessionId": idle.SessionID,
		}, ev.Timestamp)
		dc.enqueueWrite(func(ctx context.Context) {
			msgs, err := h.store.ListMessages(ctx, idle.SessionID)
			if err != nil {
				slog.Warn("Failed to list session messages", "session_id", idle.SessionID, "error", err)
				return
			}
			for _, msg := range msgs {
				if !msg.Streaming {
					continue
				}
				if err := h.store.MarkMessageComplete(ctx, msg.ID); err != nil {
					slog.Warn("Failed to mark message complete", "message_id", msg.ID, "error", err)
				}
			}
		})

	case "permission.created", "permission.updated":
		canonical := protocol.EventPermissionUpdated
		if raw.Type == "permission.created" {
			canonical = protocol.EventPermissionCreated
		}
		h.emitRaw(ctx, dc, canonical, raw.Data, ev.Timestamp)

	case "session.updated":
		var s rawSessionEvent
		if err := json.Unmarshal(raw.Data, &s); err != nil || s.Info.ID == "" {
			slog.Debug("Dropping malformed session event", "error", err)
			return
		}
		title := s.Info.Title
		if title == "" {
			title = s.Info.Slug
		}
		status := domain.SessionStatus(s.Info.Status)
		if status == "" {
			status = domain.SessionActive
		}
		session := &domain.Session{
			ID:        s.Info.ID,
			Title:     title,
			Status:    status,
			UserID:    dc.userID,
			CreatedAt: time.Now(),
			UpdatedAt: time.Now(),
		}
		h.emit(ctx, dc, protocol.EventSessionUpdated, map[string]any{
			"sessionId": session.ID,
			"title":     session.Title,
			"status":    string(session.Status),
		}, ev.Timestamp)
		dc.enqueueWrite(func(ctx context.Context) {
			if err := h.store.UpsertSession(ctx, session); err != nil {
				slog.Warn("Failed to cache session", "session_id", session.ID, "error", err)
			}
		})

	default:
		slog.Debug("Ignoring agent event", "event_type", raw.Type)
	}
}

// emit broadcasts one canonical event and hands it to the push engine.
func (h *Hub) emit(ctx context.Context, dc *DaemonConn, eventType string, data any, ts int64) {
	payload, err := json.Marshal(data)
	if err != nil {
		slog.Error("Failed to encode canonical event", "event_type", eventType, "error", err)
		return
	}
	h.emitRaw(ctx, dc, eventType, payload, ts)
}

func (h *Hub) emitRaw(ctx context.Context, dc *DaemonConn, eventType string, data json.RawMessage, ts int64) {
	out := protocol.ViewerEvent{
		Type:      protocol.TypeEvent,
		Event:     protocol.EventPayload{Type: eventType, Data: data},
		Timestamp: ts,
	}
	h.phones.Broadcast(ctx, dc.userID, out)

	if h.engine != nil {
		go h.engine.HandleEvent(context.Background(), dc.userID, eventType, data)
	}
}
