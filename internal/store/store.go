// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"errors"

	"github.com/agentdeck/agentdeck/internal/domain"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("record not found")

// Store defines the interface for persisting sessions, messages, push
// tokens, and device keys. Session-scoped and push-token operations take a
// user identifier; message-identifier operations do not, because message
// identifiers are globally unique.
type Store interface {
	// UpsertSession creates or updates a session.
	UpsertSession(ctx context.Context, session *domain.Session) error

	// GetSession retrieves one session owned by the user.
	GetSession(ctx context.Context, userID, sessionID string) (*domain.Session, error)

	// ListSessions retrieves all sessions owned by the user.
	ListSessions(ctx context.Context, userID string) ([]*domain.Session, error)

	// AddMessage stores a message, creating its session first if absent.
	AddMessage(ctx context.Context, userID string, msg *domain.Message) error

	// ReplaceParts replaces a message's full part list.
	ReplaceParts(ctx context.Context, messageID string, parts []domain.Part) error

	// UpsertPart replaces the part with a matching identifier in place, or
	// appends when no part with that identifier (or no identifier) exists.
	UpsertPart(ctx context.Context, messageID string, part domain.Part) error

	// MarkMessageComplete clears a message's streaming flag.
	MarkMessageComplete(ctx context.Context, messageID string) error

	// ListMessages retrieves a session's messages ordered by creation time.
	ListMessages(ctx context.Context, sessionID string) ([]*domain.Message, error)

	// SavePushToken registers a push token for the user. Saving an already
	// registered token is a no-op.
	SavePushToken(ctx context.Context, userID, token string) error

	// GetPushTokens retrieves all push tokens registered for the user.
	GetPushTokens(ctx context.Context, userID string) ([]string, error)

	// SaveDeviceKey binds a device key to a user.
	SaveDeviceKey(ctx context.Context, userID, key string) error

	// GetDeviceKeyUser resolves a device key to its owning user.
	GetDeviceKeyUser(ctx context.Context, key string) (string, error)

	// Ping verifies the store is reachable.
	Ping(ctx context.Context) error

	// Close releases store resources.
	Close() error
}
