// Package app wires the collaboration engine together on the server
// side: the session registry, presence tracking, websocket fan-out, the
// REST surface, and background sweeps.
package app

import (
	"context"
	"errors"
	"log"
	"time"

	"copad/engine/internal/config"
	"copad/engine/internal/presence"
	"copad/engine/internal/protocol"
	"copad/engine/internal/session"
	"copad/engine/internal/store"

	"github.com/adhocore/gronx"
)

// DocumentStore is the slice of the persistence layer the engine needs:
// creating the backing document for a session and patching its content
// as full syncs land. A nil store runs the engine purely in memory.
type DocumentStore interface {
	CreateDocument(ctx context.Context, id, title string) (store.Document, error)
	UpdateDocument(ctx context.Context, id string, patch store.DocumentPatch) error
}

type Service struct {
	cfg      config.Config
	sessions *session.Manager
	presence *presence.Tracker
	docs     DocumentStore
	hub      *hub
	metrics  *Metrics
	started  time.Time
}

func New(cfg config.Config, docs DocumentStore) *Service {
	s := &Service{
		cfg:  cfg,
		docs: docs,
		sessions: session.NewManager(session.Config{
			Capacity:  cfg.SessionCapacity,
			IdleTTL:   cfg.SessionIdleTTL,
			OpHistory: cfg.OpHistory,
		}),
		presence: presence.NewTracker(presence.Config{
			AwayTimeout:    cfg.AwayTimeout,
			OfflineTimeout: cfg.OfflineTimeout,
		}),
		hub:     newHub(),
		started: time.Now(),
	}
	s.metrics = newMetrics(func() float64 { return float64(s.sessions.Count()) })
	return s
}

// CreateSession registers a session and, when persistence is configured,
// the document row it is bound to.
func (s *Service) CreateSession(ctx context.Context, id, title string) error {
	s.sessions.Ensure(id)
	if s.docs == nil {
		return nil
	}
	if _, err := s.docs.CreateDocument(ctx, id, title); err != nil {
		return err
	}
	return nil
}

func (s *Service) SessionInfo(id string) (session.Snapshot, bool) {
	return s.sessions.Snapshot(id)
}

func (s *Service) Uptime() time.Duration { return time.Since(s.started) }
func (s *Service) ActiveSessions() int   { return s.sessions.Count() }
func (s *Service) Metrics() *Metrics     { return s.metrics }

// Run drives the presence sweep and the session cleanup until the
// context ends. Both are timer-driven; neither blocks message handling.
func (s *Service) Run(ctx context.Context) {
	go s.presenceLoop(ctx)
	go s.cleanupLoop(ctx)
}

func (s *Service) presenceLoop(ctx context.Context) {
	interval := s.cfg.SweepInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.applyPresenceEvents(s.presence.Sweep(now))
		}
	}
}

func (s *Service) applyPresenceEvents(events []presence.Event) {
	for _, ev := range events {
		if ev.Removed {
			// Timeout removal is broadcast exactly like an explicit
			// leave so clients cannot tell the difference.
			s.removeParticipant(ev.SessionID, ev.UserID)
			continue
		}
		s.sessions.SetStatus(ev.SessionID, ev.UserID, ev.Status)
		s.broadcastUsers(ev.SessionID, "")
	}
}

func (s *Service) removeParticipant(sessionID, userID string) {
	if !s.sessions.Leave(sessionID, userID) {
		return
	}
	s.presence.Leave(sessionID, userID)
	if msg, err := protocol.NewMessage(protocol.MsgLeave, protocol.LeavePayload{UserID: userID}); err == nil {
		s.broadcast(sessionID, msg, userID)
	}
	s.broadcastUsers(sessionID, userID)
}

func (s *Service) cleanupLoop(ctx context.Context) {
	cron := s.cfg.CleanupCron
	if !gronx.IsValid(cron) {
		log.Printf("invalid cleanup cron %q, using every 5 minutes", cron)
		cron = "*/5 * * * *"
	}
	for {
		next, err := gronx.NextTickAfter(cron, time.Now(), false)
		if err != nil {
			log.Printf("cleanup schedule error: %v", err)
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Until(next)):
			removed := s.sessions.Sweep(time.Now())
			if len(removed) > 0 {
				s.metrics.SessionsSwept.Add(float64(len(removed)))
				log.Printf("swept %d idle sessions", len(removed))
			}
		}
	}
}

// broadcast encodes once and fans the frame out to the session,
// excluding exceptUserID when set.
func (s *Service) broadcast(sessionID string, msg protocol.Message, exceptUserID string) {
	data, err := protocol.Encode(msg)
	if err != nil {
		log.Printf("broadcast encode failed: %v", err)
		return
	}
	s.hub.broadcast(sessionID, data, exceptUserID)
	s.metrics.MessagesRelayed.WithLabelValues(string(msg.Type)).Inc()
}

// broadcastUsers pushes the authoritative participant list so every
// client converges after a presence transition.
func (s *Service) broadcastUsers(sessionID, exceptUserID string) {
	msg, err := protocol.NewMessage(protocol.MsgSync, protocol.SyncPayload{
		Users: s.sessions.Participants(sessionID),
	})
	if err != nil {
		return
	}
	s.broadcast(sessionID, msg, exceptUserID)
}

func (s *Service) syncMessage(sessionID string, withContent bool) (protocol.Message, error) {
	snap, ok := s.sessions.Snapshot(sessionID)
	if !ok {
		return protocol.Message{}, session.ErrNotFound
	}
	payload := protocol.SyncPayload{Users: snap.Participants}
	if withContent {
		content := snap.Content
		payload.Content = &content
	}
	return protocol.NewMessage(protocol.MsgSync, payload)
}

func (s *Service) handleOperation(c *wsClient, m protocol.Message) error {
	payload, err := protocol.PayloadAs[protocol.OperationPayload](m)
	if err != nil {
		return err
	}
	op := payload.Operation
	if op.UserID == "" {
		op.UserID = c.userID
	}

	op, validation, err := s.sessions.Apply(c.sessionID, op)
	if err != nil {
		return err
	}
	if !validation.Valid {
		// Advisory by design: logged, never enforced.
		log.Printf("conflict hint in session %s: %s", c.sessionID, validation.Reason)
	}

	s.markActive(c)

	// Relay under the original envelope id so receivers deduplicate the
	// transformed operation exactly like the original.
	relay := m
	relayPayload, err := protocol.NewMessage(protocol.MsgOperation, protocol.OperationPayload{Operation: op})
	if err != nil {
		return err
	}
	relay.Payload = relayPayload.Payload
	s.broadcast(c.sessionID, relay, c.userID)

	if op.Type == protocol.OpFullSync {
		s.persistContent(c.sessionID, op.UserID, op.Content)
	}
	return nil
}

// persistContent pushes a full-sync snapshot to the document store off
// the relay path. Failures degrade to a log line; the in-memory session
// stays authoritative for connected clients.
func (s *Service) persistContent(sessionID, userID, content string) {
	if s.docs == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err := s.docs.UpdateDocument(ctx, sessionID, store.DocumentPatch{
			Content:      &content,
			LastEditedBy: &userID,
		})
		if err != nil && !errors.Is(err, store.ErrDocumentNotFound) {
			log.Printf("persist content for session %s failed: %v", sessionID, err)
		}
	}()
}

func (s *Service) handleCursor(c *wsClient, m protocol.Message) error {
	payload, err := protocol.PayloadAs[protocol.CursorPayload](m)
	if err != nil {
		return err
	}
	s.sessions.UpdateCursor(c.sessionID, c.userID, protocol.Cursor{
		Position: payload.Position, Line: payload.Line, Column: payload.Column,
	})
	s.markActive(c)
	s.broadcast(c.sessionID, m, c.userID)
	return nil
}

func (s *Service) handleSelection(c *wsClient, m protocol.Message) error {
	payload, err := protocol.PayloadAs[protocol.SelectionPayload](m)
	if err != nil {
		return err
	}
	s.sessions.UpdateSelection(c.sessionID, c.userID, protocol.Selection{
		Start: payload.Start, End: payload.End,
	})
	s.markActive(c)
	s.broadcast(c.sessionID, m, c.userID)
	return nil
}

func (s *Service) handleStatus(c *wsClient, m protocol.Message) error {
	payload, err := protocol.PayloadAs[protocol.StatusPayload](m)
	if err != nil {
		return err
	}
	s.presence.SetStatus(c.sessionID, c.userID, payload.Status)
	s.sessions.SetStatus(c.sessionID, c.userID, payload.Status)
	s.broadcastUsers(c.sessionID, "")
	return nil
}

func (s *Service) handleHeartbeat(c *wsClient, m protocol.Message) error {
	s.presence.Heartbeat(c.sessionID, c.userID)
	s.sessions.Touch(c.sessionID, c.userID)
	return nil
}

func (s *Service) handleActivity(c *wsClient, m protocol.Message) error {
	s.markActive(c)
	return nil
}

// markActive treats the signal as user input: presence flips to Online
// and, when that is a change, everyone learns about it.
func (s *Service) markActive(c *wsClient) {
	s.sessions.Touch(c.sessionID, c.userID)
	if s.presence.Activity(c.sessionID, c.userID) {
		s.sessions.SetStatus(c.sessionID, c.userID, protocol.StatusOnline)
		s.broadcastUsers(c.sessionID, "")
	}
}

func (s *Service) handleLeave(c *wsClient, m protocol.Message) error {
	s.removeParticipant(c.sessionID, c.userID)
	return nil
}

func (s *Service) handleRequest(c *wsClient, m protocol.Message) error {
	snap, ok := s.sessions.Snapshot(c.sessionID)
	if !ok {
		return session.ErrNotFound
	}

	payload := protocol.SyncPayload{}
	switch m.Type {
	case protocol.MsgRequestUsers:
		payload.Users = snap.Participants
	case protocol.MsgRequestContent:
		content := snap.Content
		payload.Content = &content
	default:
		content := snap.Content
		payload.Users = snap.Participants
		payload.Content = &content
	}

	msg, err := protocol.NewMessage(protocol.MsgSync, payload)
	if err != nil {
		return err
	}
	c.enqueueMessage(msg)
	return nil
}
