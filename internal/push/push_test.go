package push

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/agentdeck/agentdeck/internal/protocol"
	"github.com/agentdeck/agentdeck/internal/store"
)

func TestDecidePermission(t *testing.T) {
	d := Decide(protocol.EventPermissionCreated, json.RawMessage(`{"sessionId":"s1","title":"Run rm -rf?"}`))
	if !d.Send || d.Category != CategoryPermission {
		t.Fatalf("Expected permission send, got %+v", d)
	}
	if d.Body != "Run rm -rf?" {
		t.Errorf("Expected title-derived body, got %q", d.Body)
	}
	if d.Data["sessionId"] != "s1" {
		t.Errorf("Expected sessionId in data, got %v", d.Data)
	}
}

func TestDecideCompleted(t *testing.T) {
	d := Decide(protocol.EventMessageCompleted, json.RawMessage(`{"sessionId":"s1"}`))
	if !d.Send || d.Category != CategoryCompleted {
		t.Errorf("Expected completed send, got %+v", d)
	}
}

func TestDecideWorking(t *testing.T) {
	d := Decide(protocol.EventPartUpdated, json.RawMessage(`{"tool":"bash"}`))
	if !d.Send || d.Category != CategoryWorking {
		t.Fatalf("Expected working send, got %+v", d)
	}
	if d.Body != "Running bash" {
		t.Errorf("Expected tool-derived body, got %q", d.Body)
	}
}

func TestDecideIgnoresOtherEvents(t *testing.T) {
	d := Decide(protocol.EventSessionUpdated, nil)
	if d.Send {
		t.Errorf("Expected no send for session update, got %+v", d)
	}
}

func TestDeduperWorkingRateLimit(t *testing.T) {
	d := NewDeduper(5*time.Minute, 0)
	now := time.Now()
	d.now = func() time.Time { return now }

	sent := 0
	for i := 0; i < 5; i++ {
		if d.ShouldSend("user1", CategoryWorking) {
			sent++
		}
	}
	if sent != 1 {
		t.Errorf("Expected 1 send within the window, got %d", sent)
	}

	// After the window elapses a second send goes through.
	now = now.Add(5*time.Minute + time.Second)
	if !d.ShouldSend("user1", CategoryWorking) {
		t.Error("Expected send after window elapsed")
	}

	// Other users are tracked independently.
	if !d.ShouldSend("user2", CategoryWorking) {
		t.Error("Expected independent window per user")
	}
}

func TestDeduperAlwaysSendCategories(t *testing.T) {
	d := NewDeduper(5*time.Minute, 0)
	for i := 0; i < 3; i++ {
		if !d.ShouldSend("user1", CategoryPermission) {
			t.Error("Permission category must always send")
		}
		if !d.ShouldSend("user1", CategoryCompleted) {
			t.Error("Completed category must always send")
		}
	}
}

func TestOfflineCancelBeforeGrace(t *testing.T) {
	d := NewDeduper(0, 50*time.Millisecond)

	var fired atomic.Int32
	d.ScheduleOffline("user1", func() { fired.Add(1) })
	if !d.PendingOffline("user1") {
		t.Fatal("Expected pending offline timer")
	}

	// Reconnect before the grace period: zero notifications.
	d.CancelOffline("user1")
	time.Sleep(100 * time.Millisecond)
	if fired.Load() != 0 {
		t.Errorf("Expected 0 fires after cancel, got %d", fired.Load())
	}
	if d.PendingOffline("user1") {
		t.Error("Expected timer cleared after cancel")
	}
}

func TestOfflineFiresAfterGrace(t *testing.T) {
	d := NewDeduper(0, 20*time.Millisecond)

	fired := make(chan struct{}, 1)
	d.ScheduleOffline("user1", func() { fired <- struct{}{} })

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("Expected offline timer to fire")
	}
	if d.PendingOffline("user1") {
		t.Error("Expected timer cleared after firing")
	}
}

func TestOfflineReplacesPriorTimer(t *testing.T) {
	d := NewDeduper(0, 40*time.Millisecond)

	var first, second atomic.Int32
	d.ScheduleOffline("user1", func() { first.Add(1) })
	d.ScheduleOffline("user1", func() { second.Add(1) })

	time.Sleep(120 * time.Millisecond)
	if first.Load() != 0 {
		t.Error("Expected replaced timer never to fire")
	}
	if second.Load() != 1 {
		t.Errorf("Expected replacement timer to fire once, got %d", second.Load())
	}
}

func TestSenderSkipsWithoutTokens(t *testing.T) {
	var posts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		posts.Add(1)
	}))
	defer srv.Close()

	st := store.NewMemory()
	s := NewSender(st, srv.URL)

	s.Send(context.Background(), "user1", Decision{Send: true, Category: CategoryCompleted, Title: "t", Body: "b"})
	if posts.Load() != 0 {
		t.Errorf("Expected no POST without tokens, got %d", posts.Load())
	}
}

func TestSenderDeliversPerToken(t *testing.T) {
	var got []pushMessage
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode push payload: %v", err)
		}
	}))
	defer srv.Close()

	st := store.NewMemory()
	_ = st.SavePushToken(context.Background(), "user1", "tok-a")
	_ = st.SavePushToken(context.Background(), "user1", "tok-b")

	s := NewSender(st, srv.URL)
	s.Send(context.Background(), "user1", Decision{Send: true, Category: CategoryPermission, Title: "t", Body: "b"})

	if len(got) != 2 {
		t.Fatalf("Expected 2 messages, got %d", len(got))
	}
	if got[0].To != "tok-a" || got[1].To != "tok-b" {
		t.Errorf("Unexpected recipients: %+v", got)
	}
}

func TestSenderSwallowsDeliveryFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	st := store.NewMemory()
	_ = st.SavePushToken(context.Background(), "user1", "tok-a")

	// Must not panic or propagate anything.
	s := NewSender(st, srv.URL)
	s.Send(context.Background(), "user1", Decision{Send: true, Category: CategoryCompleted, Title: "t", Body: "b"})
}
