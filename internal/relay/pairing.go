package relay

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/agentdeck/agentdeck/internal/protocol"
	"github.com/coder/websocket"
)

// ErrPairingConnect means the pairing socket never opened. Distinct from
// ErrPairingRejected so callers can tell transport failure from a declined
// or expired code.
var ErrPairingConnect = errors.New("could not connect for pairing")

// ErrPairingRejected wraps the orchestrator's human-readable refusal.
var ErrPairingRejected = errors.New("pairing rejected")

// NewPairingCode generates a six-digit code for the user to confirm
// out-of-band.
func NewPairingCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1000000))
	if err != nil {
		return "", fmt.Errorf("generate pairing code: %w", err)
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}

// ConfirmURL derives the browser confirmation address for a pairing code
// from the orchestrator's websocket URL.
func ConfirmURL(orchestratorURL, code string) string {
	base := orchestratorURL
	base = strings.Replace(base, "wss://", "https://", 1)
	base = strings.Replace(base, "ws://", "http://", 1)
	return base + "/pair?code=" + code
}

// Pair performs the one-time pairing handshake over a fresh socket and
// returns the long-lived device key. onConfirmURL fires exactly once,
// synchronously after the request is sent, regardless of outcome timing.
func Pair(ctx context.Context, orchestratorURL, code, hostname string, projects []string, onConfirmURL func(url string)) (string, error) {
	ws, _, err := websocket.Dial(ctx, orchestratorURL+"/ws/daemon", nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrPairingConnect, err)
	}
	defer ws.Close(websocket.StatusNormalClosure, "pairing complete") //nolint:errcheck

	req := &protocol.PairRequest{
		Type:        protocol.TypePairRequest,
		PairingCode: code,
		Hostname:    hostname,
		Projects:    projects,
	}
	data, err := protocol.Encode(req)
	if err != nil {
		return "", err
	}
	if err := ws.Write(ctx, websocket.MessageText, data); err != nil {
		return "", fmt.Errorf("send pair request: %w", err)
	}

	if onConfirmURL != nil {
		onConfirmURL(ConfirmURL(orchestratorURL, code))
	}

	// Await exactly one pair_response; anything else on the socket is
	// dropped.
	for {
		_, payload, err := ws.Read(ctx)
		if err != nil {
			return "", fmt.Errorf("await pair response: %w", err)
		}
		env, err := protocol.Decode(payload)
		if err != nil {
			continue
		}
		resp, ok := env.(*protocol.PairResponse)
		if !ok {
			continue
		}

		if !resp.Success {
			return "", fmt.Errorf("%w: %s", ErrPairingRejected, resp.Error)
		}
		return resp.DeviceKey, nil
	}
}
