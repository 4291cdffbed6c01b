// Package session owns the authoritative per-session state on the broker
// server: the participant set, the document content, and the recent
// operation history. A Manager instance is passed by handle into the
// request handlers; there is no ambient global registry.
package session

import (
	"errors"
	"sync"
	"time"

	"copad/engine/internal/oplog"
	"copad/engine/internal/protocol"
)

const (
	// DefaultCapacity is the fixed participant limit per session.
	DefaultCapacity = 8

	// DefaultIdleTTL is how long an empty session survives before the
	// sweep removes it. Kept generous so a participant who drops can
	// rejoin without losing the document.
	DefaultIdleTTL = 30 * time.Minute
)

var (
	ErrSessionFull = errors.New("session is full")
	ErrNameTaken   = errors.New("display name already in use")
	ErrNotFound    = errors.New("session not found")
)

// palette holds the colors handed out to joining participants, one per
// seat. Assignment is collision-checked against the current members.
var palette = [DefaultCapacity]string{
	"#E06C75", "#61AFEF", "#98C379", "#C678DD",
	"#E5C07B", "#56B6C2", "#D19A66", "#7F848E",
}

type session struct {
	id           string
	participants map[string]*protocol.Participant
	order        []string
	content      string
	lastUpdated  time.Time
	log          *oplog.Log
}

// Snapshot is an immutable view of a session, used to answer join and
// resync requests.
type Snapshot struct {
	ID           string
	Content      string
	Participants []protocol.Participant
	LastUpdated  time.Time
}

// JoinResult carries what a successful joiner needs to render: the
// session snapshot and its own finalized participant entry (color and
// status assigned).
type JoinResult struct {
	Session     Snapshot
	Participant protocol.Participant
}

type Config struct {
	Capacity  int
	IdleTTL   time.Duration
	OpHistory int
}

// Manager maps session ids to live sessions. All mutation goes through
// the Manager's lock, so each state change is a single critical section
// regardless of how many connection goroutines feed it.
type Manager struct {
	mu        sync.Mutex
	sessions  map[string]*session
	capacity  int
	idleTTL   time.Duration
	opHistory int
}

func NewManager(cfg Config) *Manager {
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultCapacity
	}
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = DefaultIdleTTL
	}
	if cfg.OpHistory <= 0 {
		cfg.OpHistory = oplog.DefaultLimit
	}
	return &Manager{
		sessions:  make(map[string]*session),
		capacity:  cfg.Capacity,
		idleTTL:   cfg.IdleTTL,
		opHistory: cfg.OpHistory,
	}
}

// Ensure creates the session if it does not exist yet.
func (m *Manager) Ensure(sessionID string) {
	m.mu.Lock()
	m.getOrCreate(sessionID)
	m.mu.Unlock()
}

func (m *Manager) getOrCreate(sessionID string) *session {
	s, ok := m.sessions[sessionID]
	if !ok {
		s = &session{
			id:           sessionID,
			participants: make(map[string]*protocol.Participant),
			lastUpdated:  time.Now(),
			log:          oplog.NewLog(m.opHistory),
		}
		m.sessions[sessionID] = s
	}
	return s
}

// Join admits a participant. Rejoining with an id already present
// replaces the prior entry (and keeps its color); a ninth distinct
// participant gets ErrSessionFull, and a display name already used by a
// different id gets ErrNameTaken.
func (m *Manager) Join(sessionID string, p protocol.Participant) (JoinResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.getOrCreate(sessionID)

	existing, rejoin := s.participants[p.ID]
	if !rejoin && len(s.participants) >= m.capacity {
		return JoinResult{}, ErrSessionFull
	}
	for id, other := range s.participants {
		if id != p.ID && other.Name == p.Name {
			return JoinResult{}, ErrNameTaken
		}
	}

	if rejoin && existing.Color != "" {
		p.Color = existing.Color
	} else {
		p.Color = s.pickColor()
	}
	p.Status = protocol.StatusOnline
	p.LastActiveAt = time.Now().UnixMilli()

	entry := p
	s.participants[p.ID] = &entry
	if !rejoin {
		s.order = append(s.order, p.ID)
	}
	s.lastUpdated = time.Now()

	return JoinResult{Session: s.snapshot(), Participant: p}, nil
}

func (s *session) pickColor() string {
	used := make(map[string]bool, len(s.participants))
	for _, p := range s.participants {
		used[p.Color] = true
	}
	for _, c := range palette {
		if !used[c] {
			return c
		}
	}
	return palette[len(s.participants)%len(palette)]
}

// Leave removes the participant. The session itself persists even when
// empty so a dropped client can rejoin quickly; the sweep reclaims it
// later.
func (m *Manager) Leave(sessionID, userID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[sessionID]
	if !ok {
		return false
	}
	if _, ok := s.participants[userID]; !ok {
		return false
	}
	delete(s.participants, userID)
	for i, id := range s.order {
		if id == userID {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	s.lastUpdated = time.Now()
	return true
}

// Apply validates, transforms, and applies an operation to the session
// content, returning the transformed operation for relay. Validation is
// advisory: a conflict flag never blocks application, since the full-sync
// pass is what ultimately converges divergent buffers.
func (m *Manager) Apply(sessionID string, op protocol.Operation) (protocol.Operation, oplog.Validation, error) {
	if err := op.CheckType(); err != nil {
		return op, oplog.Validation{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[sessionID]
	if !ok {
		return op, oplog.Validation{}, ErrNotFound
	}

	recent := s.log.Recent()
	v := oplog.Validate(op, recent)
	op = oplog.Transform(op, recent)

	s.content = op.Apply(s.content)
	s.log.Append(op)
	s.lastUpdated = time.Now()
	return op, v, nil
}

func (m *Manager) Snapshot(sessionID string) (Snapshot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return Snapshot{}, false
	}
	return s.snapshot(), true
}

func (s *session) snapshot() Snapshot {
	parts := make([]protocol.Participant, 0, len(s.participants))
	for _, id := range s.order {
		if p, ok := s.participants[id]; ok {
			parts = append(parts, *p)
		}
	}
	return Snapshot{
		ID:           s.id,
		Content:      s.content,
		Participants: parts,
		LastUpdated:  s.lastUpdated,
	}
}

// Participants returns the members in join order.
func (m *Manager) Participants(sessionID string) []protocol.Participant {
	snap, ok := m.Snapshot(sessionID)
	if !ok {
		return nil
	}
	return snap.Participants
}

func (m *Manager) UpdateCursor(sessionID, userID string, c protocol.Cursor) bool {
	return m.mutateParticipant(sessionID, userID, func(p *protocol.Participant) {
		cur := c
		p.Cursor = &cur
	})
}

func (m *Manager) UpdateSelection(sessionID, userID string, sel protocol.Selection) bool {
	return m.mutateParticipant(sessionID, userID, func(p *protocol.Participant) {
		s := sel
		p.Selection = &s
	})
}

func (m *Manager) SetStatus(sessionID, userID string, status protocol.PresenceStatus) bool {
	return m.mutateParticipant(sessionID, userID, func(p *protocol.Participant) {
		p.Status = status
	})
}

// Touch refreshes a participant's last-active timestamp.
func (m *Manager) Touch(sessionID, userID string) bool {
	return m.mutateParticipant(sessionID, userID, func(p *protocol.Participant) {
		p.LastActiveAt = time.Now().UnixMilli()
	})
}

func (m *Manager) mutateParticipant(sessionID, userID string, fn func(*protocol.Participant)) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return false
	}
	p, ok := s.participants[userID]
	if !ok {
		return false
	}
	fn(p)
	return true
}

// Count reports the number of live sessions, for the health endpoint.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Sweep removes empty sessions idle past the TTL and returns their ids.
func (m *Manager) Sweep(now time.Time) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	var removed []string
	for id, s := range m.sessions {
		if len(s.participants) == 0 && now.Sub(s.lastUpdated) > m.idleTTL {
			delete(m.sessions, id)
			removed = append(removed, id)
		}
	}
	return removed
}
