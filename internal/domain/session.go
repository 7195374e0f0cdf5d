// Package domain contains core domain types for the relay.
package domain

import (
	"time"
)

// SessionStatus is the lifecycle state of an agent session.
type SessionStatus string

const (
	// SessionActive indicates the agent is still producing output for the session.
	SessionActive SessionStatus = "active"
	// SessionCompleted indicates the agent finished the session normally.
	SessionCompleted SessionStatus = "completed"
	// SessionError indicates the session ended with an agent-side error.
	SessionError SessionStatus = "error"
)

// Session is one agent conversation, owned by exactly one user.
type Session struct {
	ID        string        `json:"id"`
	Title     string        `json:"title,omitempty"`
	Status    SessionStatus `json:"status"`
	UserID    string        `json:"user_id"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// Touch bumps the updated timestamp. Called on every message or status change.
func (s *Session) Touch() {
	s.UpdatedAt = time.Now()
}
