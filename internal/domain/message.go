package domain

import (
	"encoding/json"
	"time"
)

// Role identifies who authored a message.
type Role string

const (
	// RoleUser is a human-authored message.
	RoleUser Role = "user"
	// RoleAssistant is an agent-authored message.
	RoleAssistant Role = "assistant"
)

// PartType discriminates the payload of a message part.
type PartType string

const (
	// PartText is plain text content.
	PartText PartType = "text"
	// PartTool is a tool invocation, updated in place across its lifecycle.
	PartTool PartType = "tool"
	// PartToolResult is the output of a completed tool invocation.
	PartToolResult PartType = "tool_result"
	// PartReasoning is model reasoning content.
	PartReasoning PartType = "reasoning"
	// PartFile is a reference to a file the agent touched.
	PartFile PartType = "file"
)

// ToolState is the lifecycle stage of a tool part.
type ToolState string

const (
	// ToolPending means the invocation was announced but has not started.
	ToolPending ToolState = "pending"
	// ToolRunning means the tool is executing.
	ToolRunning ToolState = "running"
	// ToolCompleted means the tool finished and output is final.
	ToolCompleted ToolState = "completed"
)

// Part is one fragment of a message's content. A part that carries an ID is
// upserted in place on redelivery; a part without an ID always appends.
type Part struct {
	ID   string   `json:"id,omitempty"`
	Type PartType `json:"type"`
	Text string   `json:"text,omitempty"`

	// Tool fields. CallID correlates multi-stage tool lifecycle updates
	// onto one logical entry.
	CallID string          `json:"call_id,omitempty"`
	Tool   string          `json:"tool,omitempty"`
	State  ToolState       `json:"state,omitempty"`
	Input  json.RawMessage `json:"input,omitempty"`
	Output string          `json:"output,omitempty"`

	// File fields.
	Path string `json:"path,omitempty"`
}

// Message is one turn in a session. Streaming stays true until the agent
// signals completion.
type Message struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	Role      Role      `json:"role"`
	Parts     []Part    `json:"parts"`
	Streaming bool      `json:"streaming"`
	CreatedAt time.Time `json:"created_at"`
}
