// Package push decides whether an event warrants a mobile notification,
// rate-limits low-value categories, and delivers to registered device
// tokens. Delivery failures are logged and swallowed; the event pipeline
// never waits on, or fails because of, a push.
package push

import (
	"encoding/json"

	"github.com/agentdeck/agentdeck/internal/protocol"
)

// Notification categories. Permission and completed notifications always
// send; working notifications are rate-limited per user.
const (
	CategoryPermission = "permission"
	CategoryCompleted  = "completed"
	CategoryWorking    = "working"
	CategoryOffline    = "offline"
)

// Decision is the outcome of mapping one event to a notification.
type Decision struct {
	Send     bool
	Category string
	Title    string
	Body     string
	Data     map[string]string
}

// Decide maps a canonical event to a notification decision using only the
// event's own properties. It performs no I/O and is safe to call from the
// broadcast path.
func Decide(eventType string, data json.RawMessage) Decision {
	var props struct {
		SessionID string `json:"sessionId"`
		Title     string `json:"title"`
		Tool      string `json:"tool"`
		Text      string `json:"text"`
	}
	// Missing or unparseable properties degrade to generic wording.
	_ = json.Unmarshal(data, &props)

	payload := map[string]string{}
	if props.SessionID != "" {
		payload["sessionId"] = props.SessionID
	}

	switch eventType {
	case protocol.EventPermissionCreated:
		body := "The agent is waiting for your approval"
		if props.Title != "" {
			body = props.Title
		}
		return Decision{Send: true, Category: CategoryPermission, Title: "Permission needed", Body: body, Data: payload}

	case protocol.EventMessageCompleted:
		body := "The agent finished responding"
		if props.Title != "" {
			body = props.Title
		}
		return Decision{Send: true, Category: CategoryCompleted, Title: "Agent finished", Body: body, Data: payload}

	case protocol.EventPartCreated, protocol.EventPartUpdated:
		body := "The agent is working"
		if props.Tool != "" {
			body = "Running " + props.Tool
		}
		return Decision{Send: true, Category: CategoryWorking, Title: "Agent working", Body: body, Data: payload}

	default:
		return Decision{}
	}
}

// OfflineDecision is the notification sent when a daemon stays
// disconnected past the grace period.
func OfflineDecision(hostname string) Decision {
	body := "Your machine went offline"
	if hostname != "" {
		body = hostname + " went offline"
	}
	return Decision{Send: true, Category: CategoryOffline, Title: "Daemon offline", Body: body}
}
