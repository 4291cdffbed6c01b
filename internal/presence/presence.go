// Package presence tracks per-participant status on the broker server.
// The machine is Online -> Away after AwayTimeout without an activity
// signal, then removed after OfflineTimeout without any refresh at all.
//
// A bare heartbeat refreshes the liveness timestamp, keeping an Away
// participant from being removed, but it does not promote Away back to
// Online; only real activity (typing, click, focus, an explicit status
// message) does. Heartbeats fire on a timer whether or not anyone is at
// the keyboard, so letting them revive would make Away unreachable.
package presence

import (
	"sync"
	"time"

	"copad/engine/internal/protocol"
)

const (
	DefaultAwayTimeout    = 30 * time.Second
	DefaultOfflineTimeout = 5 * time.Minute
)

type Config struct {
	AwayTimeout    time.Duration
	OfflineTimeout time.Duration
}

// Event is one presence transition produced by a sweep. Removed events
// are broadcast by the server exactly like an explicit leave.
type Event struct {
	SessionID string
	UserID    string
	Status    protocol.PresenceStatus
	Removed   bool
}

type key struct {
	session string
	user    string
}

type record struct {
	status    protocol.PresenceStatus
	lastInput time.Time // activity signals only
	lastSeen  time.Time // any signal, heartbeats included
}

type Tracker struct {
	mu      sync.Mutex
	records map[key]*record
	away    time.Duration
	offline time.Duration
}

func NewTracker(cfg Config) *Tracker {
	if cfg.AwayTimeout <= 0 {
		cfg.AwayTimeout = DefaultAwayTimeout
	}
	if cfg.OfflineTimeout <= 0 {
		cfg.OfflineTimeout = DefaultOfflineTimeout
	}
	return &Tracker{
		records: make(map[key]*record),
		away:    cfg.AwayTimeout,
		offline: cfg.OfflineTimeout,
	}
}

func (t *Tracker) Join(sessionID, userID string) {
	now := time.Now()
	t.mu.Lock()
	t.records[key{sessionID, userID}] = &record{
		status:    protocol.StatusOnline,
		lastInput: now,
		lastSeen:  now,
	}
	t.mu.Unlock()
}

func (t *Tracker) Leave(sessionID, userID string) {
	t.mu.Lock()
	delete(t.records, key{sessionID, userID})
	t.mu.Unlock()
}

// Activity records a real user signal: the participant becomes Online and
// both timestamps refresh. Reports whether the status changed.
func (t *Tracker) Activity(sessionID, userID string) bool {
	now := time.Now()
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.records[key{sessionID, userID}]
	if !ok {
		return false
	}
	changed := r.status != protocol.StatusOnline
	r.status = protocol.StatusOnline
	r.lastInput = now
	r.lastSeen = now
	return changed
}

// Heartbeat refreshes liveness only. See the package comment for why it
// does not revive an Away participant.
func (t *Tracker) Heartbeat(sessionID, userID string) {
	now := time.Now()
	t.mu.Lock()
	if r, ok := t.records[key{sessionID, userID}]; ok {
		r.lastSeen = now
		if r.status == protocol.StatusOnline {
			r.lastInput = now
		}
	}
	t.mu.Unlock()
}

// SetStatus applies an explicit status message from the client. Going
// online counts as activity; going away keeps liveness fresh so the
// participant is not removed early.
func (t *Tracker) SetStatus(sessionID, userID string, status protocol.PresenceStatus) bool {
	now := time.Now()
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.records[key{sessionID, userID}]
	if !ok {
		return false
	}
	changed := r.status != status
	r.status = status
	r.lastSeen = now
	if status == protocol.StatusOnline {
		r.lastInput = now
	}
	return changed
}

func (t *Tracker) Status(sessionID, userID string) (protocol.PresenceStatus, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.records[key{sessionID, userID}]
	if !ok {
		return "", false
	}
	return r.status, true
}

// Sweep advances the state machine against now and returns the
// transitions that happened: Online participants idle past AwayTimeout
// become Away, and Away participants unseen past OfflineTimeout are
// removed.
func (t *Tracker) Sweep(now time.Time) []Event {
	t.mu.Lock()
	defer t.mu.Unlock()

	var events []Event
	for k, r := range t.records {
		switch r.status {
		case protocol.StatusOnline:
			if now.Sub(r.lastInput) >= t.away {
				r.status = protocol.StatusAway
				events = append(events, Event{SessionID: k.session, UserID: k.user, Status: protocol.StatusAway})
			}
		case protocol.StatusAway:
			if now.Sub(r.lastSeen) >= t.offline {
				delete(t.records, k)
				events = append(events, Event{SessionID: k.session, UserID: k.user, Status: protocol.StatusOffline, Removed: true})
			}
		}
	}
	return events
}
