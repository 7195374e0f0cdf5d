package push

import (
	"sync"
	"time"
)

// DefaultWorkingInterval is the rolling window for "working" notifications.
const DefaultWorkingInterval = 5 * time.Minute

// DefaultOfflineGrace is how long a daemon may stay disconnected before the
// deferred offline notification fires.
const DefaultOfflineGrace = 30 * time.Second

// Deduper enforces per-user, per-category send policy and owns the
// deferred offline-notification timers. It is the only component that
// touches its timer map.
type Deduper struct {
	mu              sync.Mutex
	lastSent        map[string]time.Time // "user:category" -> last send
	offline         map[string]*time.Timer
	workingInterval time.Duration
	offlineGrace    time.Duration
	now             func() time.Time
}

// NewDeduper creates a Deduper. Zero intervals select the defaults.
func NewDeduper(workingInterval, offlineGrace time.Duration) *Deduper {
	if workingInterval <= 0 {
		workingInterval = DefaultWorkingInterval
	}
	if offlineGrace <= 0 {
		offlineGrace = DefaultOfflineGrace
	}
	return &Deduper{
		lastSent:        make(map[string]time.Time),
		offline:         make(map[string]*time.Timer),
		workingInterval: workingInterval,
		offlineGrace:    offlineGrace,
		now:             time.Now,
	}
}

// ShouldSend applies the category policy for one user and, when it allows
// the send, records it. Permission and completed always send; working sends
// at most once per rolling interval.
func (d *Deduper) ShouldSend(userID, category string) bool {
	if category != CategoryWorking {
		return true
	}

	key := userID + ":" + category
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	if last, ok := d.lastSent[key]; ok && now.Sub(last) < d.workingInterval {
		return false
	}
	d.lastSent[key] = now
	return true
}

// ScheduleOffline defers an offline notification for the user. Only one
// offline timer may be pending per user; scheduling replaces any prior one.
func (d *Deduper) ScheduleOffline(userID string, fire func()) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if prior, ok := d.offline[userID]; ok {
		prior.Stop()
	}
	d.offline[userID] = time.AfterFunc(d.offlineGrace, func() {
		d.mu.Lock()
		delete(d.offline, userID)
		d.mu.Unlock()
		fire()
	})
}

// CancelOffline cancels a pending offline notification, typically because
// the user's daemon reconnected before the grace period elapsed.
func (d *Deduper) CancelOffline(userID string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if timer, ok := d.offline[userID]; ok {
		timer.Stop()
		delete(d.offline, userID)
	}
}

// PendingOffline reports whether an offline timer is armed for the user.
func (d *Deduper) PendingOffline(userID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.offline[userID]
	return ok
}
