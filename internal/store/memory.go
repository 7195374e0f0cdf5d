package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/agentdeck/agentdeck/internal/domain"
)

// MemoryStore is the in-memory reference implementation of Store. It is
// authoritative for tests and backs the embedded single-process mode.
type MemoryStore struct {
	mu          sync.RWMutex
	sessions    map[string]*domain.Session  // session ID -> session
	messages    map[string]*domain.Message  // message ID -> message
	sessionMsgs map[string][]string         // session ID -> message IDs, creation order
	pushTokens  map[string][]string         // user ID -> tokens
	deviceKeys  map[string]string           // device key -> user ID
}

// NewMemory creates an empty in-memory store.
func NewMemory() *MemoryStore {
	return &MemoryStore{
		sessions:    make(map[string]*domain.Session),
		messages:    make(map[string]*domain.Message),
		sessionMsgs: make(map[string][]string),
		pushTokens:  make(map[string][]string),
		deviceKeys:  make(map[string]string),
	}
}

// UpsertSession creates or updates a session.
func (s *MemoryStore) UpsertSession(_ context.Context, session *domain.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	copied := *session
	if existing, ok := s.sessions[session.ID]; ok {
		copied.CreatedAt = existing.CreatedAt
	} else if copied.CreatedAt.IsZero() {
		copied.CreatedAt = time.Now()
	}
	copied.Touch()
	s.sessions[session.ID] = &copied
	return nil
}

// GetSession retrieves one session owned by the user.
func (s *MemoryStore) GetSession(_ context.Context, userID, sessionID string) (*domain.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	session, ok := s.sessions[sessionID]
	if !ok || session.UserID != userID {
		return nil, ErrNotFound
	}
	copied := *session
	return &copied, nil
}

// ListSessions retrieves all sessions owned by the user, most recently
// updated first.
func (s *MemoryStore) ListSessions(_ context.Context, userID string) ([]*domain.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*domain.Session
	for _, session := range s.sessions {
		if session.UserID != userID {
			continue
		}
		copied := *session
		out = append(out, &copied)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out, nil
}

// AddMessage stores a message, creating its session first if absent. The
// session is created before the message so a reader never observes a
// message without its session.
func (s *MemoryStore) AddMessage(_ context.Context, userID string, msg *domain.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[msg.SessionID]; !ok {
		now := time.Now()
		s.sessions[msg.SessionID] = &domain.Session{
			ID:        msg.SessionID,
			Status:    domain.SessionActive,
			UserID:    userID,
			CreatedAt: now,
			UpdatedAt: now,
		}
	} else {
		s.sessions[msg.SessionID].Touch()
	}

	copied := copyMessage(msg)
	if copied.CreatedAt.IsZero() {
		copied.CreatedAt = time.Now()
	}
	if _, ok := s.messages[msg.ID]; !ok {
		s.sessionMsgs[msg.SessionID] = append(s.sessionMsgs[msg.SessionID], msg.ID)
	}
	s.messages[msg.ID] = copied
	return nil
}

// ReplaceParts replaces a message's full part list.
func (s *MemoryStore) ReplaceParts(_ context.Context, messageID string, parts []domain.Part) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg, ok := s.messages[messageID]
	if !ok {
		return ErrNotFound
	}
	msg.Parts = append([]domain.Part(nil), parts...)
	return nil
}

// UpsertPart replaces the part with a matching identifier in place, or
// appends when no matching identifier (or no identifier) is present.
func (s *MemoryStore) UpsertPart(_ context.Context, messageID string, part domain.Part) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg, ok := s.messages[messageID]
	if !ok {
		return ErrNotFound
	}
	msg.Parts = upsertPart(msg.Parts, part)
	return nil
}

// MarkMessageComplete clears a message's streaming flag.
func (s *MemoryStore) MarkMessageComplete(_ context.Context, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg, ok := s.messages[messageID]
	if !ok {
		return ErrNotFound
	}
	msg.Streaming = false
	return nil
}

// ListMessages retrieves a session's messages ordered by creation time.
func (s *MemoryStore) ListMessages(_ context.Context, sessionID string) ([]*domain.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.sessionMsgs[sessionID]
	out := make([]*domain.Message, 0, len(ids))
	for _, id := range ids {
		if msg, ok := s.messages[id]; ok {
			out = append(out, copyMessage(msg))
		}
	}
	// Sync backfill can insert messages out of order; sort by timestamp the
	// way the SQLite store does, keeping insertion order for ties.
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// SavePushToken registers a push token for the user.
func (s *MemoryStore) SavePushToken(_ context.Context, userID, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.pushTokens[userID] {
		if existing == token {
			return nil
		}
	}
	s.pushTokens[userID] = append(s.pushTokens[userID], token)
	return nil
}

// GetPushTokens retrieves all push tokens registered for the user.
func (s *MemoryStore) GetPushTokens(_ context.Context, userID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.pushTokens[userID]...), nil
}

// SaveDeviceKey binds a device key to a user.
func (s *MemoryStore) SaveDeviceKey(_ context.Context, userID, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deviceKeys[key] = userID
	return nil
}

// GetDeviceKeyUser resolves a device key to its owning user.
func (s *MemoryStore) GetDeviceKeyUser(_ context.Context, key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	userID, ok := s.deviceKeys[key]
	if !ok {
		return "", ErrNotFound
	}
	return userID, nil
}

// Ping always succeeds for the in-memory store.
func (s *MemoryStore) Ping(_ context.Context) error { return nil }

// Close is a no-op for the in-memory store.
func (s *MemoryStore) Close() error { return nil }

func copyMessage(msg *domain.Message) *domain.Message {
	copied := *msg
	copied.Parts = append([]domain.Part(nil), msg.Parts...)
	return &copied
}

// upsertPart applies the idempotent part-merge rule shared by both store
// implementations: a part with an identifier replaces its match in place,
// anything else appends.
func upsertPart(parts []domain.Part, part domain.Part) []domain.Part {
	if part.ID != "" {
		for i := range parts {
			if parts[i].ID == part.ID {
				parts[i] = part
				return parts
			}
		}
	}
	return append(parts, part)
}
