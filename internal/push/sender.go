package push

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/agentdeck/agentdeck/internal/store"
)

// Sender delivers notifications to every push token registered for a user.
type Sender struct {
	store  store.Store
	apiURL string
	client *http.Client
}

// NewSender creates a Sender posting to the given push API endpoint.
func NewSender(st store.Store, apiURL string) *Sender {
	return &Sender{
		store:  st,
		apiURL: apiURL,
		client: &http.Client{Timeout: 15 * time.Second},
	}
}

// pushMessage is the per-device delivery payload (Expo-compatible shape).
type pushMessage struct {
	To    string            `json:"to"`
	Title string            `json:"title"`
	Body  string            `json:"body"`
	Data  map[string]string `json:"data,omitempty"`
}

// Send delivers one decision to all of the user's devices. A user with no
// registered tokens is skipped silently. Transport failures are logged and
// swallowed so the event pipeline never sees them.
func (s *Sender) Send(ctx context.Context, userID string, decision Decision) {
	if !decision.Send {
		return
	}

	tokens, err := s.store.GetPushTokens(ctx, userID)
	if err != nil {
		slog.Warn("Failed to load push tokens", "user_id", userID, "error", err)
		return
	}
	if len(tokens) == 0 {
		return
	}

	messages := make([]pushMessage, 0, len(tokens))
	for _, token := range tokens {
		messages = append(messages, pushMessage{
			To:    token,
			Title: decision.Title,
			Body:  decision.Body,
			Data:  decision.Data,
		})
	}

	if err := s.post(ctx, messages); err != nil {
		slog.Warn("Push delivery failed", "user_id", userID, "category", decision.Category, "error", err)
		return
	}
	slog.Debug("Push sent", "user_id", userID, "category", decision.Category, "devices", len(tokens))
}

func (s *Sender) post(ctx context.Context, messages []pushMessage) error {
	body, err := json.Marshal(messages)
	if err != nil {
		return fmt.Errorf("marshal push payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.apiURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build push request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("post push request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("push API returned status %d", resp.StatusCode)
	}
	return nil
}
