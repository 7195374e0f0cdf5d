package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/agentdeck/agentdeck/internal/domain"
)

func addTestMessage(t *testing.T, s *MemoryStore, sessionID, messageID string) {
	t.Helper()
	err := s.AddMessage(context.Background(), "user1", &domain.Message{
		ID:        messageID,
		SessionID: sessionID,
		Role:      domain.RoleAssistant,
		Streaming: true,
	})
	if err != nil {
		t.Fatalf("AddMessage failed: %v", err)
	}
}

func TestAddMessageCreatesSession(t *testing.T) {
	s := NewMemory()
	addTestMessage(t, s, "sess1", "msg1")

	session, err := s.GetSession(context.Background(), "user1", "sess1")
	if err != nil {
		t.Fatalf("Expected session to be auto-created: %v", err)
	}
	if session.Status != domain.SessionActive {
		t.Errorf("Expected active status, got %s", session.Status)
	}

	if _, err := s.GetSession(context.Background(), "other", "sess1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound for wrong user, got %v", err)
	}
}

func TestUpsertPartIdempotent(t *testing.T) {
	s := NewMemory()
	addTestMessage(t, s, "sess1", "msg1")
	ctx := context.Background()

	first := domain.Part{ID: "X", Type: domain.PartTool, Tool: "bash", State: domain.ToolPending}
	second := domain.Part{ID: "X", Type: domain.PartTool, Tool: "bash", State: domain.ToolCompleted, Output: "ok"}

	if err := s.UpsertPart(ctx, "msg1", first); err != nil {
		t.Fatalf("UpsertPart failed: %v", err)
	}
	if err := s.UpsertPart(ctx, "msg1", second); err != nil {
		t.Fatalf("UpsertPart failed: %v", err)
	}

	msgs, err := s.ListMessages(ctx, "sess1")
	if err != nil {
		t.Fatalf("ListMessages failed: %v", err)
	}
	if len(msgs) != 1 || len(msgs[0].Parts) != 1 {
		t.Fatalf("Expected 1 message with 1 part, got %d messages, parts %v", len(msgs), msgs[0].Parts)
	}
	got := msgs[0].Parts[0]
	if got.State != domain.ToolCompleted || got.Output != "ok" {
		t.Errorf("Expected second upsert to win, got %+v", got)
	}
}

func TestUpsertPartWithoutIDAppends(t *testing.T) {
	s := NewMemory()
	addTestMessage(t, s, "sess1", "msg1")
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := s.UpsertPart(ctx, "msg1", domain.Part{Type: domain.PartText, Text: "chunk"}); err != nil {
			t.Fatalf("UpsertPart failed: %v", err)
		}
	}

	msgs, _ := s.ListMessages(ctx, "sess1")
	if len(msgs[0].Parts) != 3 {
		t.Errorf("Expected 3 appended parts, got %d", len(msgs[0].Parts))
	}
}

func TestUpsertPartUnknownMessage(t *testing.T) {
	s := NewMemory()
	err := s.UpsertPart(context.Background(), "nope", domain.Part{ID: "X"})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestMarkMessageComplete(t *testing.T) {
	s := NewMemory()
	addTestMessage(t, s, "sess1", "msg1")
	ctx := context.Background()

	if err := s.MarkMessageComplete(ctx, "msg1"); err != nil {
		t.Fatalf("MarkMessageComplete failed: %v", err)
	}
	msgs, _ := s.ListMessages(ctx, "sess1")
	if msgs[0].Streaming {
		t.Error("Expected streaming flag cleared")
	}
}

func TestListMessagesOrder(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()
	base := time.Now()

	for i, id := range []string{"m1", "m2", "m3"} {
		err := s.AddMessage(ctx, "user1", &domain.Message{
			ID:        id,
			SessionID: "sess1",
			Role:      domain.RoleUser,
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		})
		if err != nil {
			t.Fatalf("AddMessage failed: %v", err)
		}
	}

	msgs, _ := s.ListMessages(ctx, "sess1")
	if len(msgs) != 3 {
		t.Fatalf("Expected 3 messages, got %d", len(msgs))
	}
	for i, want := range []string{"m1", "m2", "m3"} {
		if msgs[i].ID != want {
			t.Errorf("Expected message %s at index %d, got %s", want, i, msgs[i].ID)
		}
	}
}

func TestListMessagesOrderedByTimestampNotInsertion(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()
	base := time.Now()

	// Sync backfill can deliver an older message after a newer one; the
	// result must still come back in timestamp order.
	for _, m := range []struct {
		id     string
		offset time.Duration
	}{
		{"m-late", 2 * time.Second},
		{"m-early", 0},
		{"m-mid", time.Second},
	} {
		err := s.AddMessage(ctx, "user1", &domain.Message{
			ID:        m.id,
			SessionID: "sess1",
			Role:      domain.RoleUser,
			CreatedAt: base.Add(m.offset),
		})
		if err != nil {
			t.Fatalf("AddMessage failed: %v", err)
		}
	}

	msgs, err := s.ListMessages(ctx, "sess1")
	if err != nil {
		t.Fatalf("ListMessages failed: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("Expected 3 messages, got %d", len(msgs))
	}
	for i, want := range []string{"m-early", "m-mid", "m-late"} {
		if msgs[i].ID != want {
			t.Errorf("Expected message %s at index %d, got %s", want, i, msgs[i].ID)
		}
	}
}

func TestUpsertSessionRefreshesUpdatedAt(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()
	stale := time.Now().Add(-time.Hour)

	session := &domain.Session{
		ID: "a", UserID: "user1", Status: domain.SessionActive, UpdatedAt: stale,
	}
	if err := s.UpsertSession(ctx, session); err != nil {
		t.Fatalf("UpsertSession failed: %v", err)
	}

	stored, err := s.GetSession(ctx, "user1", "a")
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if !stored.UpdatedAt.After(stale) {
		t.Errorf("Expected UpdatedAt refreshed past %v, got %v", stale, stored.UpdatedAt)
	}
}

func TestReplaceParts(t *testing.T) {
	s := NewMemory()
	addTestMessage(t, s, "sess1", "msg1")
	ctx := context.Background()

	_ = s.UpsertPart(ctx, "msg1", domain.Part{Type: domain.PartText, Text: "old"})
	err := s.ReplaceParts(ctx, "msg1", []domain.Part{
		{ID: "p1", Type: domain.PartText, Text: "new"},
	})
	if err != nil {
		t.Fatalf("ReplaceParts failed: %v", err)
	}

	msgs, _ := s.ListMessages(ctx, "sess1")
	if len(msgs[0].Parts) != 1 || msgs[0].Parts[0].Text != "new" {
		t.Errorf("Expected replaced part list, got %v", msgs[0].Parts)
	}
}

func TestPushTokens(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()

	if err := s.SavePushToken(ctx, "user1", "tok-a"); err != nil {
		t.Fatalf("SavePushToken failed: %v", err)
	}
	// Re-registering the same token must not duplicate it.
	_ = s.SavePushToken(ctx, "user1", "tok-a")
	_ = s.SavePushToken(ctx, "user1", "tok-b")

	tokens, err := s.GetPushTokens(ctx, "user1")
	if err != nil {
		t.Fatalf("GetPushTokens failed: %v", err)
	}
	if len(tokens) != 2 {
		t.Errorf("Expected 2 tokens, got %v", tokens)
	}

	none, _ := s.GetPushTokens(ctx, "nobody")
	if len(none) != 0 {
		t.Errorf("Expected no tokens, got %v", none)
	}
}

func TestDeviceKeys(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()

	if err := s.SaveDeviceKey(ctx, "user1", "dk_abc"); err != nil {
		t.Fatalf("SaveDeviceKey failed: %v", err)
	}
	userID, err := s.GetDeviceKeyUser(ctx, "dk_abc")
	if err != nil || userID != "user1" {
		t.Errorf("Expected user1, got %q, %v", userID, err)
	}
	if _, err := s.GetDeviceKeyUser(ctx, "dk_missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestListSessionsScopedByUser(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()

	_ = s.UpsertSession(ctx, &domain.Session{ID: "a", UserID: "user1", Status: domain.SessionActive})
	_ = s.UpsertSession(ctx, &domain.Session{ID: "b", UserID: "user2", Status: domain.SessionActive})

	sessions, err := s.ListSessions(ctx, "user1")
	if err != nil {
		t.Fatalf("ListSessions failed: %v", err)
	}
	if len(sessions) != 1 || sessions[0].ID != "a" {
		t.Errorf("Expected only user1's session, got %v", sessions)
	}
}
