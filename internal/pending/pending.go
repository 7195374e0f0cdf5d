// Package pending tracks in-flight correlated requests for one connection.
// A request is registered before its envelope is sent and resolved by
// exactly one of: a matching response, a timeout, or connection teardown.
package pending

import (
	"errors"
	"sync"

	"github.com/agentdeck/agentdeck/internal/protocol"
)

// ErrDisconnected rejects every pending request when the owning connection
// is torn down.
var ErrDisconnected = errors.New("connection closed while request in flight")

// ErrTimeout rejects a pending request that exceeded its deadline.
var ErrTimeout = errors.New("request timed out")

// Result resolves one pending request.
type Result struct {
	Response *protocol.HTTPResponse
	Err      error
}

// Map holds the pending requests for one connection. It is owned by exactly
// one connection instance; all access goes through its methods.
type Map struct {
	mu      sync.Mutex
	waiting map[string]chan Result
}

// NewMap creates an empty pending-request map.
func NewMap() *Map {
	return &Map{waiting: make(map[string]chan Result)}
}

// Register creates a pending slot for requestID and returns the channel the
// caller should wait on. The channel is buffered so resolution never blocks
// the connection's read loop.
func (m *Map) Register(requestID string) <-chan Result {
	ch := make(chan Result, 1)
	m.mu.Lock()
	m.waiting[requestID] = ch
	m.mu.Unlock()
	return ch
}

// Resolve delivers a response to the pending request with a matching
// identifier. Returns false when no such request is waiting (late or
// unknown correlation; the caller logs and drops it).
func (m *Map) Resolve(requestID string, resp *protocol.HTTPResponse) bool {
	m.mu.Lock()
	ch, ok := m.waiting[requestID]
	if ok {
		delete(m.waiting, requestID)
	}
	m.mu.Unlock()
	if !ok {
		return false
	}
	ch <- Result{Response: resp}
	return true
}

// Fail rejects one pending request, typically on timeout. Returns false if
// the request was already resolved.
func (m *Map) Fail(requestID string, err error) bool {
	m.mu.Lock()
	ch, ok := m.waiting[requestID]
	if ok {
		delete(m.waiting, requestID)
	}
	m.mu.Unlock()
	if !ok {
		return false
	}
	ch <- Result{Err: err}
	return true
}

// FailAll atomically rejects every pending request and clears the map. No
// caller can be left waiting past the connection's lifetime.
func (m *Map) FailAll(err error) {
	m.mu.Lock()
	waiting := m.waiting
	m.waiting = make(map[string]chan Result)
	m.mu.Unlock()
	for _, ch := range waiting {
		ch <- Result{Err: err}
	}
}

// Len reports the number of requests currently in flight.
func (m *Map) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.waiting)
}
