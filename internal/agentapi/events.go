package agentapi

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// EventFunc receives one raw agent event.
type EventFunc func(eventType string, data json.RawMessage)

// Subscribe attaches to the agent's server-sent event stream and invokes
// fn for each event, in arrival order, until the context is cancelled or
// the stream breaks. The caller owns reconnecting.
func (c *Client) Subscribe(ctx context.Context, fn EventFunc) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/event", nil)
	if err != nil {
		return fmt.Errorf("build event request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")

	// The event stream stays open indefinitely; no client timeout.
	client := &http.Client{}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("open agent event stream: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("agent event stream returned status %d", resp.StatusCode)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "" {
			continue
		}

		var ev struct {
			Type       string          `json:"type"`
			Properties json.RawMessage `json:"properties"`
		}
		if err := json.Unmarshal([]byte(payload), &ev); err != nil {
			slog.Warn("Dropping unparseable agent event", "error", err)
			continue
		}
		fn(ev.Type, ev.Properties)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("agent event stream: %w", err)
	}
	return nil
}

// SubscribeLoop runs Subscribe and redials with a fixed delay until the
// context is cancelled. Stream breaks are expected during agent restarts.
func (c *Client) SubscribeLoop(ctx context.Context, fn EventFunc) {
	for {
		err := c.Subscribe(ctx, fn)
		if ctx.Err() != nil {
			return
		}
		slog.Debug("Agent event stream closed, redialing", "error", err)

		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Second):
		}
	}
}
