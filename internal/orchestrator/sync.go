package orchestrator

import (
	"context"
	"log/slog"
	"time"

	"github.com/agentdeck/agentdeck/internal/domain"
	"github.com/agentdeck/agentdeck/internal/protocol"
)

// reconcile runs once per daemon attach: it asks the daemon for the
// authoritative session state and folds the answer into the cache, then
// replays a canonical "message created" per backfilled message so viewers
// that missed the live traffic converge through the same event shape.
func (h *Hub) reconcile(ctx context.Context, dc *DaemonConn) {
	req := &protocol.SyncRequest{
		LastEventTimestamp: h.lastEventTS(dc.userID),
	}
	sessions, err := h.store.ListSessions(ctx, dc.userID)
	if err != nil {
		slog.Warn("Sync skipped cached session list", "user_id", dc.userID, "error", err)
	}
	for _, s := range sessions {
		req.CachedSessionIDs = append(req.CachedSessionIDs, s.ID)
	}

	resp, err := dc.SendSync(ctx, req)
	if err != nil {
		slog.Warn("Sync failed", "user_id", dc.userID, "error", err)
		return
	}

	h.applySync(ctx, dc, resp)
	slog.Info("Sync applied", "user_id", dc.userID, "sessions", len(resp.Sessions))
}

// applySync folds one sync snapshot into the store and broadcasts the
// backfill to viewers.
func (h *Hub) applySync(ctx context.Context, dc *DaemonConn, resp *protocol.SyncResponse) {
	now := time.Now()
	for _, s := range resp.Sessions {
		title := s.Title
		if title == "" {
			title = s.Slug
		}
		status := domain.SessionStatus(s.Status)
		if status == "" {
			status = domain.SessionActive
		}
		session := &domain.Session{
			ID:        s.ID,
			Title:     title,
			Status:    status,
			UserID:    dc.userID,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := h.store.UpsertSession(ctx, session); err != nil {
			slog.Warn("Sync session upsert failed", "session_id", s.ID, "error", err)
			continue
		}

		for _, m := range s.Messages {
			msg := &domain.Message{
				ID:        m.ID,
				SessionID: s.ID,
				Role:      m.Role,
				Parts:     m.Parts,
				Streaming: !m.Completed,
				CreatedAt: time.UnixMilli(m.CreatedAt),
			}
			if err := h.store.AddMessage(ctx, dc.userID, msg); err != nil {
				slog.Warn("Sync message add failed", "message_id", m.ID, "error", err)
				continue
			}
			if m.Completed {
				if err := h.store.MarkMessageComplete(ctx, m.ID); err != nil {
					slog.Warn("Sync message completion failed", "message_id", m.ID, "error", err)
				}
			}

			// Backfill uses the same shape as live traffic so viewer-side
			// handling stays idempotent.
			h.emit(ctx, dc, protocol.EventMessageCreated, map[string]any{
				"sessionId": s.ID,
				"message":   msg,
			}, now.UnixMilli())
		}
	}
}
