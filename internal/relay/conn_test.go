package relay

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/agentdeck/agentdeck/internal/pending"
	"github.com/agentdeck/agentdeck/internal/protocol"
	"github.com/coder/websocket"
)

func TestReconnectDelayBounds(t *testing.T) {
	expected := []time.Duration{
		1 * time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second,
		16 * time.Second, 30 * time.Second, 30 * time.Second,
	}
	for attempt, base := range expected {
		low := jitteredDelay(attempt, 0)
		high := jitteredDelay(attempt, 1)
		if low != base {
			t.Errorf("attempt %d: expected base delay %v, got %v", attempt, base, low)
		}
		want := base + time.Duration(0.3*float64(base))
		if high != want {
			t.Errorf("attempt %d: expected max delay %v, got %v", attempt, want, high)
		}
		got := reconnectDelay(attempt)
		if got < low || got > high {
			t.Errorf("attempt %d: delay %v outside [%v, %v]", attempt, got, low, high)
		}
	}
}

type stubRouter struct {
	status int
	body   string
}

func (s *stubRouter) AgentDo(_ context.Context, _, _ string, _ map[string]string, _ []byte) (int, []byte, error) {
	return s.status, []byte(s.body), nil
}

func (s *stubRouter) SyncState(context.Context) []protocol.SyncSession { return nil }

func (s *stubRouter) Ready() bool { return true }

// fakeOrchestrator accepts daemon sockets and hands each to fn.
func fakeOrchestrator(t *testing.T, fn func(ctx context.Context, ws *websocket.Conn)) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := websocket.Accept(w, r, nil)
		if err != nil {
			t.Errorf("accept websocket: %v", err)
			return
		}
		fn(r.Context(), ws)
	}))
}

// startConn runs a Conn against url and waits until it reports connected.
func startConn(t *testing.T, ctx context.Context, url string, agent AgentRouter) *Conn {
	t.Helper()
	connected := make(chan struct{}, 4)
	c := New(url, "dk_test", agent, func(s State) {
		if s == StateConnected {
			connected <- struct{}{}
		}
	})
	go c.Run(ctx)

	select {
	case <-connected:
	case <-time.After(5 * time.Second):
		t.Fatal("connection never established")
	}
	return c
}

func readEnvelope(t *testing.T, ctx context.Context, ws *websocket.Conn) any {
	t.Helper()
	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			t.Fatalf("read envelope: %v", err)
		}
		env, err := protocol.Decode(data)
		if err != nil {
			t.Fatalf("decode envelope: %v", err)
		}
		// The daemon announces status right after connecting; skip it.
		if _, ok := env.(*protocol.Status); ok {
			continue
		}
		return env
	}
}

func writeEnvelope(t *testing.T, ctx context.Context, ws *websocket.Conn, v any) {
	t.Helper()
	data, err := protocol.Encode(v)
	if err != nil {
		t.Fatalf("encode envelope: %v", err)
	}
	if err := ws.Write(ctx, websocket.MessageText, data); err != nil {
		t.Fatalf("write envelope: %v", err)
	}
}

func TestSendRequestCorrelation(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	srv := fakeOrchestrator(t, func(_ context.Context, ws *websocket.Conn) {
		req, ok := readEnvelope(t, ctx, ws).(*protocol.HTTPRequest)
		if !ok {
			return
		}
		// Answer an unrelated identifier first; it must be dropped, not
		// matched by position.
		writeEnvelope(t, ctx, ws, &protocol.HTTPResponse{
			Type: protocol.TypeHTTPResponse, RequestID: "bogus", Status: 500,
		})
		writeEnvelope(t, ctx, ws, &protocol.HTTPResponse{
			Type: protocol.TypeHTTPResponse, RequestID: req.RequestID, Status: 200,
			Body: json.RawMessage(`{"ok":true}`),
		})
	})
	defer srv.Close()

	c := startConn(t, ctx, srv.URL, &stubRouter{})
	defer c.Stop()

	resp, err := c.SendRequest(ctx, http.MethodGet, "/session", nil, nil)
	if err != nil {
		t.Fatalf("SendRequest failed: %v", err)
	}
	if resp.Status != 200 || !strings.Contains(string(resp.Body), "ok") {
		t.Errorf("Unexpected response: %+v", resp)
	}
}

func TestSendRequestDisconnectRejects(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	srv := fakeOrchestrator(t, func(_ context.Context, ws *websocket.Conn) {
		readEnvelope(t, ctx, ws)
		// Drop the connection with the request still pending.
		ws.Close(websocket.StatusGoingAway, "bye") //nolint:errcheck
	})
	defer srv.Close()

	c := startConn(t, ctx, srv.URL, &stubRouter{})
	defer c.Stop()

	_, err := c.SendRequest(ctx, http.MethodGet, "/session", nil, nil)
	if !errors.Is(err, pending.ErrDisconnected) {
		t.Errorf("Expected ErrDisconnected, got %v", err)
	}
}

func TestHeartbeatAck(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	got := make(chan *protocol.HeartbeatAck, 1)
	srv := fakeOrchestrator(t, func(_ context.Context, ws *websocket.Conn) {
		writeEnvelope(t, ctx, ws, &protocol.Heartbeat{Type: protocol.TypeHeartbeat, Timestamp: 12345})
		if ack, ok := readEnvelope(t, ctx, ws).(*protocol.HeartbeatAck); ok {
			got <- ack
		}
	})
	defer srv.Close()

	c := startConn(t, ctx, srv.URL, &stubRouter{})
	defer c.Stop()

	select {
	case ack := <-got:
		if ack.Timestamp != 12345 {
			t.Errorf("Expected echoed timestamp 12345, got %d", ack.Timestamp)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("No heartbeat ack received")
	}
}

func TestServesHTTPRequestFromAgent(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	got := make(chan *protocol.HTTPResponse, 1)
	srv := fakeOrchestrator(t, func(_ context.Context, ws *websocket.Conn) {
		writeEnvelope(t, ctx, ws, &protocol.HTTPRequest{
			Type: protocol.TypeHTTPRequest, RequestID: "r9",
			Method: http.MethodGet, Path: "/session",
		})
		if resp, ok := readEnvelope(t, ctx, ws).(*protocol.HTTPResponse); ok {
			got <- resp
		}
	})
	defer srv.Close()

	c := startConn(t, ctx, srv.URL, &stubRouter{status: 200, body: `[]`})
	defer c.Stop()

	select {
	case resp := <-got:
		if resp.RequestID != "r9" || resp.Status != 200 {
			t.Errorf("Unexpected proxied response: %+v", resp)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("No proxied response received")
	}
}

func TestUnknownEnvelopeIgnored(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	got := make(chan any, 1)
	srv := fakeOrchestrator(t, func(_ context.Context, ws *websocket.Conn) {
		if err := ws.Write(ctx, websocket.MessageText, []byte(`{"type":"mystery","x":1}`)); err != nil {
			return
		}
		// The connection must survive; a heartbeat still gets acked.
		writeEnvelope(t, ctx, ws, &protocol.Heartbeat{Type: protocol.TypeHeartbeat, Timestamp: 7})
		got <- readEnvelope(t, ctx, ws)
	})
	defer srv.Close()

	c := startConn(t, ctx, srv.URL, &stubRouter{})
	defer c.Stop()

	select {
	case env := <-got:
		if _, ok := env.(*protocol.HeartbeatAck); !ok {
			t.Errorf("Expected heartbeat ack after unknown envelope, got %T", env)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Connection did not survive unknown envelope")
	}
}

func TestStopPreventsReconnect(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var dials atomic.Int32
	srv := fakeOrchestrator(t, func(_ context.Context, ws *websocket.Conn) {
		dials.Add(1)
		// Hold the socket open until the client closes it.
		for {
			if _, _, err := ws.Read(ctx); err != nil {
				return
			}
		}
	})
	defer srv.Close()

	c := startConn(t, ctx, srv.URL, &stubRouter{})
	c.Stop()

	deadline := time.Now().Add(3 * time.Second)
	for c.State() != StateClosed {
		if time.Now().After(deadline) {
			t.Fatalf("Expected closed state, got %s", c.State())
		}
		time.Sleep(10 * time.Millisecond)
	}
	time.Sleep(100 * time.Millisecond)
	if n := dials.Load(); n != 1 {
		t.Errorf("Expected exactly 1 dial after Stop, got %d", n)
	}
}

func TestBackoffAfterImmediateClose(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var dials atomic.Int32
	srv := fakeOrchestrator(t, func(_ context.Context, ws *websocket.Conn) {
		// Accept and immediately reject, the way an orchestrator treats
		// an unknown device key.
		dials.Add(1)
		ws.Close(websocket.StatusPolicyViolation, "unknown device key") //nolint:errcheck
	})
	defer srv.Close()

	c := New(srv.URL, "dk_test", &stubRouter{}, nil)
	go c.Run(ctx)
	defer c.Stop()

	time.Sleep(1500 * time.Millisecond)

	// Attempt 0 waits at least 1s after the first close and attempt 1 at
	// least 2s more, so 1.5s fits the initial dial plus one retry. Any
	// more means the close path skipped the backoff.
	if n := dials.Load(); n < 1 || n > 3 {
		t.Errorf("Expected 1-3 dials in 1.5s, got %d", n)
	}
}
