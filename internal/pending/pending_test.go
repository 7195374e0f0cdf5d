package pending

import (
	"errors"
	"testing"

	"github.com/agentdeck/agentdeck/internal/protocol"
)

func TestResolveDeliversOnce(t *testing.T) {
	m := NewMap()
	ch := m.Register("req-1")

	resp := &protocol.HTTPResponse{RequestID: "req-1", Status: 200}
	if !m.Resolve("req-1", resp) {
		t.Fatal("Expected Resolve to find the pending request")
	}

	res := <-ch
	if res.Err != nil {
		t.Fatalf("Expected response, got error %v", res.Err)
	}
	if res.Response.Status != 200 {
		t.Errorf("Expected status 200, got %d", res.Response.Status)
	}

	// A second resolution for the same identifier must find nothing.
	if m.Resolve("req-1", resp) {
		t.Error("Expected second Resolve to miss")
	}
	if m.Fail("req-1", ErrTimeout) {
		t.Error("Expected Fail after Resolve to miss")
	}
}

func TestResolveUnknownID(t *testing.T) {
	m := NewMap()
	if m.Resolve("nope", &protocol.HTTPResponse{}) {
		t.Error("Expected Resolve of unknown id to return false")
	}
}

func TestFailAllClearsMap(t *testing.T) {
	m := NewMap()
	ch1 := m.Register("a")
	ch2 := m.Register("b")

	m.FailAll(ErrDisconnected)

	for _, ch := range []<-chan Result{ch1, ch2} {
		res := <-ch
		if !errors.Is(res.Err, ErrDisconnected) {
			t.Errorf("Expected ErrDisconnected, got %v", res.Err)
		}
	}
	if m.Len() != 0 {
		t.Errorf("Expected empty map after FailAll, got %d", m.Len())
	}
}

func TestTimeoutThenResolveMiss(t *testing.T) {
	m := NewMap()
	ch := m.Register("slow")

	if !m.Fail("slow", ErrTimeout) {
		t.Fatal("Expected Fail to find the pending request")
	}
	res := <-ch
	if !errors.Is(res.Err, ErrTimeout) {
		t.Fatalf("Expected ErrTimeout, got %v", res.Err)
	}

	// The late response must be a no-op, so exactly one outcome wins.
	if m.Resolve("slow", &protocol.HTTPResponse{RequestID: "slow"}) {
		t.Error("Expected late response to miss after timeout")
	}
}
