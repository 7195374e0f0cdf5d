package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/agentdeck/agentdeck/internal/auth"
	"github.com/agentdeck/agentdeck/internal/middleware"
	"github.com/agentdeck/agentdeck/internal/pending"
	"github.com/agentdeck/agentdeck/internal/protocol"
	"github.com/agentdeck/agentdeck/internal/store"
	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
)

// Server exposes the orchestrator's HTTP surface: the two websocket
// upgrade endpoints plus the small authenticated REST API.
type Server struct {
	hub      *Hub
	store    store.Store
	verifier *auth.Verifier
}

// NewServer creates the orchestrator HTTP layer.
func NewServer(hub *Hub, st store.Store, verifier *auth.Verifier) *Server {
	return &Server{hub: hub, store: st, verifier: verifier}
}

// Router assembles the chi router with the standard middleware stack.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()

	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(middleware.CORS([]string{"*"}))

	r.Get("/ws/daemon", s.handleDaemonSocket)
	r.Get("/ws/phone", s.handlePhoneSocket)
	r.Get("/pair", s.handlePairPage)
	r.Post("/v1/push/register", s.handlePushRegister)
	r.Post("/v1/pair/confirm", s.handlePairConfirm)

	return r
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// userFromRequest resolves the bearer credential from the Authorization
// header or, for websocket upgrades, the token query parameter.
func (s *Server) userFromRequest(r *http.Request) (string, error) {
	token := r.URL.Query().Get("token")
	if header := r.Header.Get("Authorization"); header != "" {
		token = strings.TrimPrefix(header, "Bearer ")
	}
	return s.verifier.Verify(token)
}

// handleDaemonSocket upgrades a daemon connection. A deviceKey query
// parameter authenticates an already-paired daemon; without one the first
// envelope must be a pair_request.
func (s *Server) handleDaemonSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Error("Failed to accept daemon socket", "error", err)
		return
	}
	ws.SetReadLimit(1 << 20)

	if key := r.URL.Query().Get("deviceKey"); key != "" {
		userID, err := s.store.GetDeviceKeyUser(r.Context(), key)
		if err != nil {
			slog.Warn("Daemon presented unknown device key", "ip", r.RemoteAddr)
			_ = ws.Close(websocket.StatusPolicyViolation, "unknown device key")
			return
		}
		hostname := r.URL.Query().Get("hostname")
		dc := newDaemonConn(s.hub, userID, hostname, ws)
		dc.run(r.Context())
		return
	}

	s.servePairing(r.Context(), ws)
}

// servePairing runs the unauthenticated half of the daemon socket: one
// pair_request in, one pair_response out, then the socket closes. The
// daemon redials with its minted device key.
func (s *Server) servePairing(ctx context.Context, ws *websocket.Conn) {
	defer func() {
		_ = ws.Close(websocket.StatusNormalClosure, "pairing finished")
	}()

	readCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	_, data, err := ws.Read(readCtx)
	cancel()
	if err != nil {
		return
	}

	env, err := protocol.Decode(data)
	if err != nil {
		s.writePairResponse(ctx, ws, &protocol.PairResponse{
			Type: protocol.TypePairResponse, Error: "expected pair_request",
		})
		return
	}
	req, ok := env.(*protocol.PairRequest)
	if !ok {
		s.writePairResponse(ctx, ws, &protocol.PairResponse{
			Type: protocol.TypePairResponse, Error: "expected pair_request",
		})
		return
	}

	confirmed, cancelWait := s.hub.Pairing().Begin(req.PairingCode)
	defer cancelWait()
	slog.Info("Pairing started", "hostname", req.Hostname)

	var userID string
	select {
	case userID = <-confirmed:
	case <-time.After(pairingTimeout):
		s.writePairResponse(ctx, ws, &protocol.PairResponse{
			Type: protocol.TypePairResponse, Error: "code expired",
		})
		return
	case <-ctx.Done():
		return
	}

	key, err := NewDeviceKey()
	if err != nil {
		slog.Error("Failed to mint device key", "error", err)
		s.writePairResponse(ctx, ws, &protocol.PairResponse{
			Type: protocol.TypePairResponse, Error: "internal error",
		})
		return
	}
	if err := s.store.SaveDeviceKey(ctx, userID, key); err != nil {
		slog.Error("Failed to persist device key", "error", err)
		s.writePairResponse(ctx, ws, &protocol.PairResponse{
			Type: protocol.TypePairResponse, Error: "internal error",
		})
		return
	}

	slog.Info("Pairing confirmed", "user_id", userID, "hostname", req.Hostname)
	s.writePairResponse(ctx, ws, &protocol.PairResponse{
		Type: protocol.TypePairResponse, Success: true, DeviceKey: key,
	})
}

func (s *Server) writePairResponse(ctx context.Context, ws *websocket.Conn, resp *protocol.PairResponse) {
	data, err := protocol.Encode(resp)
	if err != nil {
		return
	}
	writeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := ws.Write(writeCtx, websocket.MessageText, data); err != nil {
		slog.Debug("Failed to write pair response", "error", err)
	}
}

// handlePhoneSocket upgrades a viewer connection. The bearer token is
// verified before the upgrade; an invalid credential rejects outright.
func (s *Server) handlePhoneSocket(w http.ResponseWriter, r *http.Request) {
	userID, err := s.userFromRequest(r)
	if err != nil {
		slog.Warn("Viewer rejected", "ip", r.RemoteAddr, "error", err)
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Error("Failed to accept viewer socket", "error", err, "user_id", userID)
		return
	}
	ws.SetReadLimit(1 << 20)
	defer func() {
		_ = ws.Close(websocket.StatusNormalClosure, "session ended")
	}()

	s.hub.Phones().Register(userID, ws)
	defer s.hub.Phones().Unregister(userID, ws)

	ctx := r.Context()

	// Current connection state straight away, before any events.
	status, err := protocol.Encode(s.hub.Status(userID))
	if err == nil {
		if err := ws.Write(ctx, websocket.MessageText, status); err != nil {
			return
		}
	}

	s.phoneReadLoop(ctx, ws, userID)
}

// phoneReadLoop services viewer-issued commands: http_request envelopes
// are proxied to the user's daemon and answered with a correlated
// http_response. Anything else is logged and dropped.
func (s *Server) phoneReadLoop(ctx context.Context, ws *websocket.Conn, userID string) {
	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			return
		}

		env, err := protocol.Decode(data)
		if err != nil {
			slog.Debug("Dropping undecodable viewer envelope", "user_id", userID, "error", err)
			continue
		}
		req, ok := env.(*protocol.HTTPRequest)
		if !ok {
			slog.Debug("Ignoring viewer envelope", "user_id", userID)
			continue
		}

		go func() {
			resp := s.proxyToDaemon(ctx, userID, req)
			out, err := protocol.Encode(resp)
			if err != nil {
				return
			}
			if err := ws.Write(ctx, websocket.MessageText, out); err != nil {
				slog.Debug("Viewer response write failed", "user_id", userID, "error", err)
			}
		}()
	}
}

// proxyToDaemon forwards one viewer command over the daemon socket. The
// response keeps the viewer's request identifier so correlation survives
// the hop.
func (s *Server) proxyToDaemon(ctx context.Context, userID string, req *protocol.HTTPRequest) *protocol.HTTPResponse {
	dc := s.hub.Daemon(userID)
	if dc == nil {
		return &protocol.HTTPResponse{
			Type:      protocol.TypeHTTPResponse,
			RequestID: req.RequestID,
			Status:    http.StatusServiceUnavailable,
			Body:      json.RawMessage(`{"error":"daemon not connected"}`),
		}
	}

	resp, err := dc.SendRequest(ctx, req.Method, req.Path, req.Body, req.Query)
	if err != nil {
		status := http.StatusBadGateway
		if errors.Is(err, pending.ErrTimeout) {
			status = http.StatusGatewayTimeout
		}
		return &protocol.HTTPResponse{
			Type:      protocol.TypeHTTPResponse,
			RequestID: req.RequestID,
			Status:    status,
			Body:      json.RawMessage(`{"error":"daemon request failed"}`),
		}
	}
	return &protocol.HTTPResponse{
		Type:      protocol.TypeHTTPResponse,
		RequestID: req.RequestID,
		Status:    resp.Status,
		Body:      resp.Body,
	}
}

// handlePushRegister stores a push token for the authenticated user.
func (s *Server) handlePushRegister(w http.ResponseWriter, r *http.Request) {
	userID, err := s.userFromRequest(r)
	if err != nil {
		Error(w, http.StatusUnauthorized, "invalid token")
		return
	}

	var body struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Token == "" {
		Error(w, http.StatusBadRequest, "token required")
		return
	}

	if err := s.store.SavePushToken(r.Context(), userID, body.Token); err != nil {
		slog.Error("Failed to save push token", "user_id", userID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to save token")
		return
	}
	JSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// handlePairPage is where the daemon's printed confirmation link lands.
// Clients without a UI can confirm with an authenticated POST instead.
func (s *Server) handlePairPage(w http.ResponseWriter, r *http.Request) {
	code := r.URL.Query().Get("code")
	if code == "" {
		Error(w, http.StatusBadRequest, "code required")
		return
	}
	JSON(w, http.StatusOK, map[string]string{
		"code":    code,
		"confirm": "POST /v1/pair/confirm with an Authorization header",
	})
}

// handlePairConfirm binds a pairing code to the authenticated user.
func (s *Server) handlePairConfirm(w http.ResponseWriter, r *http.Request) {
	userID, err := s.userFromRequest(r)
	if err != nil {
		Error(w, http.StatusUnauthorized, "invalid token")
		return
	}

	var body struct {
		Code string `json:"code"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Code == "" {
		Error(w, http.StatusBadRequest, "code required")
		return
	}

	if err := s.hub.Pairing().Confirm(body.Code, userID); err != nil {
		Error(w, http.StatusNotFound, "no pairing in progress for that code")
		return
	}
	JSON(w, http.StatusOK, map[string]bool{"ok": true})
}
