package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/agentdeck/agentdeck/internal/pending"
	"github.com/agentdeck/agentdeck/internal/protocol"
	"github.com/coder/websocket"
	"github.com/google/uuid"
)

// requestTimeout bounds every correlated request issued to the daemon.
const requestTimeout = 120 * time.Second

// syncTimeout bounds one sync round-trip.
const syncTimeout = 60 * time.Second

// storeQueueSize bounds the fire-and-forget persistence queue. A full
// queue drops the write (logged); the broadcast has already happened.
const storeQueueSize = 1024

// DaemonConn is the orchestrator half of the correlated protocol, owning
// one daemon socket and the map of requests in flight to it.
type DaemonConn struct {
	userID   string
	hostname string
	hub      *Hub
	ws       *websocket.Conn
	pending  *pending.Map

	writeMu sync.Mutex // serializes socket writes

	mu           sync.Mutex
	agentReady   bool
	agentVersion string
	lastAck      time.Time
	syncCh       chan *protocol.SyncResponse

	writes    chan func(ctx context.Context)
	closeOnce sync.Once
	done      chan struct{}
}

// newDaemonConn wraps an authenticated daemon socket.
func newDaemonConn(hub *Hub, userID, hostname string, ws *websocket.Conn) *DaemonConn {
	return &DaemonConn{
		userID:   userID,
		hostname: hostname,
		hub:      hub,
		ws:       ws,
		pending:  pending.NewMap(),
		lastAck:  time.Now(),
		writes:   make(chan func(ctx context.Context), storeQueueSize),
		done:     make(chan struct{}),
	}
}

// UserID returns the account this daemon serves.
func (dc *DaemonConn) UserID() string { return dc.userID }

// AgentReady reports the last announced agent readiness.
func (dc *DaemonConn) AgentReady() bool {
	dc.mu.Lock()
	defer dc.mu.Unlock()
	return dc.agentReady
}

// run services the connection until the socket breaks. It owns the
// heartbeat loop and the store write worker for this connection.
func (dc *DaemonConn) run(ctx context.Context) {
	dc.hub.attach(dc)

	loopCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go dc.heartbeatLoop(loopCtx)
	go dc.storeWorker(loopCtx)

	// Reconcile cached state against the daemon's source of truth.
	go dc.hub.reconcile(loopCtx, dc)

	dc.readLoop(loopCtx)

	dc.pending.FailAll(pending.ErrDisconnected)
	close(dc.done)
	dc.hub.detach(dc)
}

// close force-closes the socket; run unwinds from the read loop.
func (dc *DaemonConn) close(reason string) {
	dc.closeOnce.Do(func() {
		_ = dc.ws.Close(websocket.StatusNormalClosure, reason)
	})
}

func (dc *DaemonConn) send(ctx context.Context, v any) error {
	data, err := protocol.Encode(v)
	if err != nil {
		return err
	}
	dc.writeMu.Lock()
	defer dc.writeMu.Unlock()
	if err := dc.ws.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("write envelope: %w", err)
	}
	return nil
}

// SendRequest issues a correlated command to the daemon and waits for the
// matching response. Exactly one of {matching response, timeout,
// disconnect} resolves the call.
func (dc *DaemonConn) SendRequest(ctx context.Context, method, path string, body []byte, query map[string]string) (*protocol.HTTPResponse, error) {
	id := uuid.NewString()
	ch := dc.pending.Register(id)

	env := &protocol.HTTPRequest{
		Type:      protocol.TypeHTTPRequest,
		RequestID: id,
		Method:    method,
		Path:      path,
		Body:      body,
		Query:     query,
	}
	if err := dc.send(ctx, env); err != nil {
		dc.pending.Fail(id, err)
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
		if dc.pending.Fail(id, pending.ErrTimeout) {
			<-ch
			return nil, fmt.Errorf("%w: %s %s", pending.ErrTimeout, method, path)
		}
		res := <-ch
		return res.Response, res.Err
	case <-ctx.Done():
		if dc.pending.Fail(id, ctx.Err()) {
			<-ch
			return nil, ctx.Err()
		}
		res := <-ch
		return res.Response, res.Err
	}
}

// SendSync asks the daemon for its authoritative state. One sync may be in
// flight per connection at a time.
func (dc *DaemonConn) SendSync(ctx context.Context, req *protocol.SyncRequest) (*protocol.SyncResponse, error) {
	ch := make(chan *protocol.SyncResponse, 1)
	dc.mu.Lock()
	dc.syncCh = ch
	dc.mu.Unlock()
	defer func() {
		dc.mu.Lock()
		dc.syncCh = nil
		dc.mu.Unlock()
	}()

	req.Type = protocol.TypeSyncRequest
	if err := dc.send(ctx, req); err != nil {
		return nil, err
	}

	select {
	case resp := <-ch:
		return resp, nil
	case <-time.After(syncTimeout):
		return nil, fmt.Errorf("%w: sync", pending.ErrTimeout)
	case <-dc.done:
		return nil, pending.ErrDisconnected
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (dc *DaemonConn) heartbeatLoop(ctx context.Context) {
	interval := dc.hub.heartbeatInterval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		dc.mu.Lock()
		stale := time.Since(dc.lastAck) > 2*interval+interval/2
		dc.mu.Unlock()
		if stale {
			slog.Warn("Daemon missed heartbeats, closing", "user_id", dc.userID)
			dc.close("heartbeat timeout")
			return
		}

		hb := &protocol.Heartbeat{Type: protocol.TypeHeartbeat, Timestamp: time.Now().UnixMilli()}
		if err := dc.send(ctx, hb); err != nil {
			return
		}
	}
}

// storeWorker drains fire-and-forget persistence writes in order. The
// broadcast path enqueues and moves on; a slow store never blocks viewers.
func (dc *DaemonConn) storeWorker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case write := <-dc.writes:
			writeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			write(writeCtx)
			cancel()
		}
	}
}

// enqueueWrite schedules one store write after a broadcast. Dropped, with a
// log line, when the queue is saturated; cached state is best-effort.
func (dc *DaemonConn) enqueueWrite(write func(ctx context.Context)) {
	select {
	case dc.writes <- write:
	default:
		slog.Warn("Store write queue full, dropping write", "user_id", dc.userID)
	}
}

// readLoop dispatches inbound envelopes until the socket errors.
func (dc *DaemonConn) readLoop(ctx context.Context) {
	for {
		_, data, err := dc.ws.Read(ctx)
		if err != nil {
			if ctx.Err() == nil && websocket.CloseStatus(err) == -1 {
				slog.Warn("Daemon read error", "user_id", dc.userID, "error", err)
			}
			return
		}

		env, err := protocol.Decode(data)
		if err != nil {
			slog.Warn("Dropping undecodable envelope", "user_id", dc.userID, "error", err)
			continue
		}

		switch m := env.(type) {
		case *protocol.Event:
			// Events are handled inline so viewers observe them in the
			// order the agent produced them.
			dc.hub.handleAgentEvent(ctx, dc, m)
		case *protocol.HTTPResponse:
			if !dc.pending.Resolve(m.RequestID, m) {
				slog.Warn("Response for unknown request", "user_id", dc.userID, "request_id", m.RequestID)
			}
		case *protocol.Status:
			dc.mu.Lock()
			dc.agentReady = m.Ready
			dc.agentVersion = m.Version
			dc.mu.Unlock()
			dc.hub.broadcastStatus(ctx, dc.userID)
		case *protocol.Heartbeat:
			ack := &protocol.HeartbeatAck{Type: protocol.TypeHeartbeatAck, Timestamp: m.Timestamp}
			if err := dc.send(ctx, ack); err != nil {
				slog.Debug("Failed to ack heartbeat", "error", err)
			}
		case *protocol.HeartbeatAck:
			dc.mu.Lock()
			dc.lastAck = time.Now()
			dc.mu.Unlock()
		case *protocol.SyncResponse:
			dc.mu.Lock()
			ch := dc.syncCh
			dc.mu.Unlock()
			if ch == nil {
				slog.Warn("Unsolicited sync response", "user_id", dc.userID)
				continue
			}
			select {
			case ch <- m:
			default:
			}
		default:
			slog.Debug("Ignoring unexpected envelope", "user_id", dc.userID, "envelope", fmt.Sprintf("%T", env))
		}
	}
}
