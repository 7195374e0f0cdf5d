// Package protocol defines the wire envelopes exchanged between the daemon
// and the orchestrator. Every envelope is a JSON object tagged by a "type"
// field; Decode dispatches on the tag into a closed set of concrete types.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/agentdeck/agentdeck/internal/domain"
)

// Envelope type tags.
const (
	TypeHTTPRequest  = "http_request"
	TypeHTTPResponse = "http_response"
	TypeHeartbeat    = "heartbeat"
	TypeHeartbeatAck = "heartbeat_ack"
	TypeStatus       = "status"
	TypeEvent        = "event"
	TypeSyncRequest  = "sync_request"
	TypeSyncResponse = "sync_response"
	TypePairRequest  = "pair_request"
	TypePairResponse = "pair_response"
)

// ErrUnknownType is returned by Decode for an unrecognized type tag. Callers
// log it and drop the message; it is never fatal to the connection.
var ErrUnknownType = errors.New("unknown envelope type")

// HTTPRequest is an orchestrator-issued command for the daemon to execute
// against the local agent API.
type HTTPRequest struct {
	Type      string            `json:"type"`
	RequestID string            `json:"requestId"`
	Method    string            `json:"method"`
	Path      string            `json:"path"`
	Body      json.RawMessage   `json:"body,omitempty"`
	Query     map[string]string `json:"query,omitempty"`
}

// HTTPResponse correlates back to an HTTPRequest by request identifier.
type HTTPResponse struct {
	Type      string          `json:"type"`
	RequestID string          `json:"requestId"`
	Status    int             `json:"status"`
	Body      json.RawMessage `json:"body,omitempty"`
}

// Heartbeat is a liveness probe. The receiving side replies immediately
// with a HeartbeatAck carrying the same timestamp.
type Heartbeat struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
}

// HeartbeatAck answers a Heartbeat.
type HeartbeatAck struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
}

// Status announces daemon-side agent readiness.
type Status struct {
	Type    string `json:"type"`
	Ready   bool   `json:"opencodeReady"`
	Version string `json:"opencodeVersion,omitempty"`
}

// EventPayload is one agent-originated event, forwarded verbatim.
type EventPayload struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Event wraps an agent event with the daemon-side receive timestamp
// (unix milliseconds).
type Event struct {
	Type      string       `json:"type"`
	Event     EventPayload `json:"event"`
	Timestamp int64        `json:"timestamp"`
}

// SyncRequest asks the daemon for authoritative state after a reconnect.
type SyncRequest struct {
	Type               string   `json:"type"`
	CachedSessionIDs   []string `json:"cachedSessionIds"`
	LastEventTimestamp int64    `json:"lastEventTimestamp"`
}

// SyncMessage is one message in a sync snapshot.
type SyncMessage struct {
	ID        string        `json:"id"`
	Role      domain.Role   `json:"role"`
	Parts     []domain.Part `json:"parts"`
	Completed bool          `json:"completed"`
	CreatedAt int64         `json:"createdAt"`
}

// SyncSession is one session in a sync snapshot. Title is preferred over
// Slug when both are present.
type SyncSession struct {
	ID       string        `json:"id"`
	Title    string        `json:"title,omitempty"`
	Slug     string        `json:"slug,omitempty"`
	Status   string        `json:"status,omitempty"`
	Messages []SyncMessage `json:"messages"`
}

// SyncResponse carries the daemon's authoritative session state.
type SyncResponse struct {
	Type     string        `json:"type"`
	Sessions []SyncSession `json:"sessions"`
}

// PairRequest exchanges a human-entered code for a device key.
type PairRequest struct {
	Type        string   `json:"type"`
	PairingCode string   `json:"pairingCode"`
	Hostname    string   `json:"hostname,omitempty"`
	Projects    []string `json:"projects,omitempty"`
}

// PairResponse concludes a pairing attempt.
type PairResponse struct {
	Type      string `json:"type"`
	Success   bool   `json:"success"`
	DeviceKey string `json:"deviceKey,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Encode serializes an envelope for the wire.
func Encode(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	return data, nil
}

// Decode parses a wire message into its concrete envelope type. Unknown
// tags return ErrUnknownType; malformed JSON returns a decode error.
func Decode(data []byte) (any, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}

	var v any
	switch head.Type {
	case TypeHTTPRequest:
		v = &HTTPRequest{}
	case TypeHTTPResponse:
		v = &HTTPResponse{}
	case TypeHeartbeat:
		v = &Heartbeat{}
	case TypeHeartbeatAck:
		v = &HeartbeatAck{}
	case TypeStatus:
		v = &Status{}
	case TypeEvent:
		v = &Event{}
	case TypeSyncRequest:
		v = &SyncRequest{}
	case TypeSyncResponse:
		v = &SyncResponse{}
	case TypePairRequest:
		v = &PairRequest{}
	case TypePairResponse:
		v = &PairResponse{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, head.Type)
	}

	if err := json.Unmarshal(data, v); err != nil {
		return nil, fmt.Errorf("decode %s envelope: %w", head.Type, err)
	}
	return v, nil
}
