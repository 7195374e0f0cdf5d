package orchestrator

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"
)

// pairingTimeout is how long a pair_request waits for the user's
// out-of-band confirmation before the code expires.
const pairingTimeout = 5 * time.Minute

// PairingRegistry holds pairing codes awaiting browser confirmation. A
// daemon's pair_request registers the code; the confirming user's HTTP
// request resolves it to their account.
type PairingRegistry struct {
	mu      sync.Mutex
	waiting map[string]chan string // code -> userID delivery
}

// NewPairingRegistry creates an empty registry.
func NewPairingRegistry() *PairingRegistry {
	return &PairingRegistry{waiting: make(map[string]chan string)}
}

// Begin registers a pairing code and returns the channel that delivers the
// confirming user's identifier, plus a cancel func the caller must invoke
// when it stops waiting.
func (r *PairingRegistry) Begin(code string) (<-chan string, func()) {
	ch := make(chan string, 1)
	r.mu.Lock()
	r.waiting[code] = ch
	r.mu.Unlock()

	cancel := func() {
		r.mu.Lock()
		delete(r.waiting, code)
		r.mu.Unlock()
	}
	return ch, cancel
}

// Confirm binds a pairing code to the authenticated user. Fails when no
// daemon is waiting on the code.
func (r *PairingRegistry) Confirm(code, userID string) error {
	r.mu.Lock()
	ch, ok := r.waiting[code]
	if ok {
		delete(r.waiting, code)
	}
	r.mu.Unlock()

	if !ok {
		return fmt.Errorf("no pairing in progress for code %s", code)
	}
	ch <- userID
	return nil
}

// NewDeviceKey mints a long-lived device credential.
func NewDeviceKey() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate device key: %w", err)
	}
	return "dk_" + hex.EncodeToString(buf), nil
}
