// Package agentapi consumes the local agent's HTTP and event API. The
// agent's API is an external boundary: this package forwards requests and
// events, it never reimplements agent behavior.
package agentapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/agentdeck/agentdeck/internal/domain"
)

// Client talks to one agent instance on a local port.
type Client struct {
	baseURL string
	http    *http.Client
}

// New creates a client for the agent listening on the given port.
func New(port int) *Client {
	return &Client{
		baseURL: fmt.Sprintf("http://127.0.0.1:%d", port),
		http:    &http.Client{Timeout: 60 * time.Second},
	}
}

// BaseURL returns the agent's base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// HealthURL returns the endpoint polled for readiness.
func (c *Client) HealthURL() string {
	return c.baseURL + "/app"
}

// Do proxies one request to the agent and returns the status and body.
func (c *Client) Do(ctx context.Context, method, path string, query map[string]string, body []byte) (int, []byte, error) {
	u, err := url.Parse(c.baseURL + path)
	if err != nil {
		return 0, nil, fmt.Errorf("build agent url: %w", err)
	}
	if len(query) > 0 {
		q := u.Query()
		for k, v := range query {
			q.Set(k, v)
		}
		u.RawQuery = q.Encode()
	}

	var reader io.Reader
	if len(body) > 0 {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), reader)
	if err != nil {
		return 0, nil, fmt.Errorf("build agent request: %w", err)
	}
	if len(body) > 0 {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("agent request %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, fmt.Errorf("read agent response: %w", err)
	}
	return resp.StatusCode, data, nil
}

// agentSession is the agent's session record shape.
type agentSession struct {
	ID    string `json:"id"`
	Title string `json:"title"`
	Slug  string `json:"slug"`
}

// agentMessage is the agent's message record shape.
type agentMessage struct {
	Info struct {
		ID        string `json:"id"`
		Role      string `json:"role"`
		Completed int64  `json:"completed"`
		Created   int64  `json:"created"`
	} `json:"info"`
	Parts []domain.Part `json:"parts"`
}

// Session is one agent session with its wire title/slug distinction kept.
type Session struct {
	ID    string
	Title string
	Slug  string
}

// Message is one agent message with completion state resolved.
type Message struct {
	ID        string
	Role      domain.Role
	Parts     []domain.Part
	Completed bool
	CreatedAt int64
}

// ListSessions fetches all sessions the agent knows about.
func (c *Client) ListSessions(ctx context.Context) ([]Session, error) {
	status, body, err := c.Do(ctx, http.MethodGet, "/session", nil, nil)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("agent session list returned status %d", status)
	}

	var raw []agentSession
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("decode agent sessions: %w", err)
	}
	out := make([]Session, 0, len(raw))
	for _, s := range raw {
		out = append(out, Session(s))
	}
	return out, nil
}

// ListMessages fetches all messages for one agent session.
func (c *Client) ListMessages(ctx context.Context, sessionID string) ([]Message, error) {
	status, body, err := c.Do(ctx, http.MethodGet, "/session/"+sessionID+"/message", nil, nil)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("agent message list returned status %d", status)
	}

	var raw []agentMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("decode agent messages: %w", err)
	}
	out := make([]Message, 0, len(raw))
	for _, m := range raw {
		out = append(out, Message{
			ID:        m.Info.ID,
			Role:      domain.Role(m.Info.Role),
			Parts:     m.Parts,
			Completed: m.Info.Completed > 0,
			CreatedAt: m.Info.Created,
		})
	}
	return out, nil
}
