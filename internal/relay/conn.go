// Package relay implements the daemon half of the correlated
// request/response and event-streaming protocol with the orchestrator.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/agentdeck/agentdeck/internal/pending"
	"github.com/agentdeck/agentdeck/internal/protocol"
	"github.com/coder/websocket"
	"github.com/google/uuid"
)

// requestTimeout bounds every correlated request.
const requestTimeout = 120 * time.Second

// State is the reconnection state machine state.
type State string

const (
	// StateDisconnected is the initial state before any dial.
	StateDisconnected State = "disconnected"
	// StateConnecting means a dial is in progress.
	StateConnecting State = "connecting"
	// StateConnected means the socket is up.
	StateConnected State = "connected"
	// StateReconnecting means an unexpected close is being retried.
	StateReconnecting State = "reconnecting"
	// StateClosed is terminal, reached only by an explicit Stop.
	StateClosed State = "closed"
)

// ErrClosed is returned by SendRequest after an explicit Stop.
var ErrClosed = errors.New("relay connection closed")

// AgentRouter serves orchestrator-issued commands and sync snapshots from
// the locally supervised agents.
type AgentRouter interface {
	AgentDo(ctx context.Context, method, path string, query map[string]string, body []byte) (int, []byte, error)
	SyncState(ctx context.Context) []protocol.SyncSession
	Ready() bool
}

// Conn owns one persistent socket to the orchestrator plus the map of
// in-flight requests. A single Conn instance is constructed at startup and
// threaded through the components that need it.
type Conn struct {
	url       string
	deviceKey string
	hostname  string
	agent     AgentRouter
	onState   func(State)

	pending *pending.Map

	mu              sync.Mutex
	ws              *websocket.Conn
	state           State
	attempt         int
	shouldReconnect bool
}

// New creates a relay connection. Run must be called to connect.
func New(url, deviceKey string, agent AgentRouter, onState func(State)) *Conn {
	return &Conn{
		url:             url,
		deviceKey:       deviceKey,
		agent:           agent,
		onState:         onState,
		pending:         pending.NewMap(),
		state:           StateDisconnected,
		shouldReconnect: true,
	}
}

// SetHostname sets the hostname announced to the orchestrator on dial.
// Call before Run.
func (c *Conn) SetHostname(hostname string) {
	c.hostname = hostname
}

// State returns the current connection state.
func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Conn) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
	if c.onState != nil {
		c.onState(s)
	}
}

// stableConnection is how long a connection must stay up before the
// backoff attempt counter resets. A connection that dies straight after
// the upgrade still counts as a failed attempt, so a server that accepts
// and immediately closes cannot induce a zero-delay redial loop.
const stableConnection = 30 * time.Second

// Run dials the orchestrator and services the connection until Stop or
// context cancellation. Failed dials and unexpected closes are both
// retried with exponential backoff and jitter; the attempt counter resets
// once a connection has proven stable.
func (c *Conn) Run(ctx context.Context) {
	for {
		if !c.reconnectAllowed() {
			c.setState(StateClosed)
			return
		}
		c.setState(StateConnecting)

		ws, err := c.dial(ctx)
		if err != nil {
			if !c.waitBackoff(ctx, "Relay dial failed", err) {
				return
			}
			continue
		}

		c.mu.Lock()
		c.ws = ws
		c.mu.Unlock()
		c.setState(StateConnected)
		slog.Info("Relay connected", "url", c.url)
		connectedAt := time.Now()

		c.announceStatus(ctx)
		c.readLoop(ctx, ws)

		// Whatever ended the read loop, no caller may be left waiting.
		c.pending.FailAll(pending.ErrDisconnected)
		c.mu.Lock()
		c.ws = nil
		if time.Since(connectedAt) >= stableConnection {
			c.attempt = 0
		}
		c.mu.Unlock()

		if ctx.Err() != nil || !c.reconnectAllowed() {
			c.setState(StateClosed)
			return
		}
		c.setState(StateReconnecting)
		if !c.waitBackoff(ctx, "Relay connection lost", nil) {
			return
		}
	}
}

// waitBackoff sleeps the current attempt's delay and bumps the counter.
// Returns false when the context ended during the wait.
func (c *Conn) waitBackoff(ctx context.Context, msg string, cause error) bool {
	c.mu.Lock()
	attempt := c.attempt
	c.attempt++
	c.mu.Unlock()

	delay := reconnectDelay(attempt)
	if cause != nil {
		slog.Warn(msg, "attempt", attempt, "retry_in", delay, "error", cause)
	} else {
		slog.Warn(msg, "attempt", attempt, "retry_in", delay)
	}

	select {
	case <-ctx.Done():
		c.setState(StateClosed)
		return false
	case <-time.After(delay):
		return true
	}
}

func (c *Conn) reconnectAllowed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.shouldReconnect
}

func (c *Conn) dial(ctx context.Context) (*websocket.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	target := c.url + "/ws/daemon?deviceKey=" + url.QueryEscape(c.deviceKey)
	if c.hostname != "" {
		target += "&hostname=" + url.QueryEscape(c.hostname)
	}
	ws, _, err := websocket.Dial(dialCtx, target, nil)
	if err != nil {
		return nil, fmt.Errorf("dial orchestrator: %w", err)
	}
	ws.SetReadLimit(1 << 20)
	return ws, nil
}

// Stop intentionally shuts the connection down. No reconnect attempt fires
// afterwards, even if a backoff timer was already pending.
func (c *Conn) Stop() {
	c.mu.Lock()
	c.shouldReconnect = false
	ws := c.ws
	c.mu.Unlock()

	if ws != nil {
		_ = ws.Close(websocket.StatusNormalClosure, "daemon shutting down")
	}
}

// send serializes one envelope onto the socket. Writes are serialized by
// the connection mutex.
func (c *Conn) send(ctx context.Context, v any) error {
	data, err := protocol.Encode(v)
	if err != nil {
		return err
	}

	c.mu.Lock()
	ws := c.ws
	c.mu.Unlock()
	if ws == nil {
		return pending.ErrDisconnected
	}
	if err := ws.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("write envelope: %w", err)
	}
	return nil
}

// SendRequest issues a correlated request to the orchestrator and waits for
// the matching response. Exactly one of {matching response, timeout,
// disconnect} resolves the call.
func (c *Conn) SendRequest(ctx context.Context, method, path string, body []byte, query map[string]string) (*protocol.HTTPResponse, error) {
	if c.State() == StateClosed {
		return nil, ErrClosed
	}

	id := uuid.NewString()
	ch := c.pending.Register(id)

	env := &protocol.HTTPRequest{
		Type:      protocol.TypeHTTPRequest,
		RequestID: id,
		Method:    method,
		Path:      path,
		Body:      body,
		Query:     query,
	}
	if err := c.send(ctx, env); err != nil {
		c.pending.Fail(id, err)
		<-ch
		return nil, err
	}

	timer := time.NewTimer(requestTimeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Response, nil
	case <-timer.C:
		if c.pending.Fail(id, pending.ErrTimeout) {
			<-ch
			return nil, fmt.Errorf("%w: %s %s", pending.ErrTimeout, method, path)
		}
		// The response raced the timer; take it.
		res := <-ch
		return res.Response, res.Err
	case <-ctx.Done():
		if c.pending.Fail(id, ctx.Err()) {
			<-ch
			return nil, ctx.Err()
		}
		res := <-ch
		return res.Response, res.Err
	}
}

// SendEvent forwards one agent-originated event to the orchestrator.
func (c *Conn) SendEvent(ctx context.Context, eventType string, data json.RawMessage) error {
	return c.send(ctx, &protocol.Event{
		Type:      protocol.TypeEvent,
		Event:     protocol.EventPayload{Type: eventType, Data: data},
		Timestamp: time.Now().UnixMilli(),
	})
}

// SendStatus announces agent readiness to the orchestrator.
func (c *Conn) SendStatus(ctx context.Context, ready bool, version string) error {
	return c.send(ctx, &protocol.Status{
		Type:    protocol.TypeStatus,
		Ready:   ready,
		Version: version,
	})
}

func (c *Conn) announceStatus(ctx context.Context) {
	if err := c.SendStatus(ctx, c.agent.Ready(), ""); err != nil {
		slog.Debug("Failed to announce status", "error", err)
	}
}

// readLoop dispatches inbound envelopes until the socket errors.
func (c *Conn) readLoop(ctx context.Context, ws *websocket.Conn) {
	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 {
				slog.Info("Relay socket closed", "status", websocket.CloseStatus(err))
			} else if ctx.Err() == nil {
				slog.Warn("Relay read error", "error", err)
			}
			return
		}

		env, err := protocol.Decode(data)
		if err != nil {
			// Protocol errors are logged and dropped, never fatal.
			slog.Warn("Dropping undecodable envelope", "error", err)
			continue
		}

		switch m := env.(type) {
		case *protocol.HTTPRequest:
			go c.serveHTTPRequest(ctx, m)
		case *protocol.HTTPResponse:
			if !c.pending.Resolve(m.RequestID, m) {
				slog.Warn("Response for unknown request", "request_id", m.RequestID)
			}
		case *protocol.Heartbeat:
			ack := &protocol.HeartbeatAck{Type: protocol.TypeHeartbeatAck, Timestamp: m.Timestamp}
			if err := c.send(ctx, ack); err != nil {
				slog.Debug("Failed to ack heartbeat", "error", err)
			}
		case *protocol.SyncRequest:
			go c.serveSyncRequest(ctx, m)
		default:
			slog.Debug("Ignoring unexpected envelope", "envelope", fmt.Sprintf("%T", env))
		}
	}
}

// serveHTTPRequest executes one orchestrator-issued command against the
// local agent and replies with the correlated response.
func (c *Conn) serveHTTPRequest(ctx context.Context, req *protocol.HTTPRequest) {
	status, body, err := c.agent.AgentDo(ctx, req.Method, req.Path, req.Query, req.Body)
	if err != nil {
		slog.Warn("Agent request failed", "method", req.Method, "path", req.Path, "error", err)
		status = http.StatusBadGateway
		body = []byte(`{"error":"agent unavailable"}`)
	}

	resp := &protocol.HTTPResponse{
		Type:      protocol.TypeHTTPResponse,
		RequestID: req.RequestID,
		Status:    status,
		Body:      body,
	}
	if err := c.send(ctx, resp); err != nil {
		slog.Debug("Failed to send response", "request_id", req.RequestID, "error", err)
	}
}

func (c *Conn) serveSyncRequest(ctx context.Context, _ *protocol.SyncRequest) {
	resp := &protocol.SyncResponse{
		Type:     protocol.TypeSyncResponse,
		Sessions: c.agent.SyncState(ctx),
	}
	if err := c.send(ctx, resp); err != nil {
		slog.Debug("Failed to send sync response", "error", err)
	}
}
