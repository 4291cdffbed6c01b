// Package client drives a collaboration session from the editing side:
// connection lifecycle with bounded retries, heartbeats, visibility
// driven presence, cursor/selection broadcast, and the local view of
// participants and content that the UI renders.
package client

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"copad/engine/internal/oplog"
	"copad/engine/internal/protocol"
	"copad/engine/internal/transport"

	"github.com/google/uuid"
)

const (
	DefaultHeartbeatInterval  = 20 * time.Second
	DefaultMaxConnectAttempts = 3
	DefaultRetryBackoff       = time.Second
)

type Identity struct {
	UserID   string
	UserName string
}

type Config struct {
	SessionID string
	Identity  Identity
	Transport transport.Transport

	HeartbeatInterval  time.Duration
	MaxConnectAttempts int
	RetryBackoff       time.Duration

	// Callbacks into the UI layer. All are optional.
	OnPresence func([]protocol.Participant)
	OnContent  func(string)
	OnStatus   func(transport.Status)
}

// Controller orchestrates one participant's session. It is safe for
// concurrent use by the UI goroutine and the transport's delivery
// goroutine.
type Controller struct {
	cfg  Config
	self protocol.Participant

	mu           sync.Mutex
	participants map[string]protocol.Participant
	content      string
	recentOps    *oplog.Log
	processed    map[string]bool
	processedSeq []string
	closed       bool

	dispatcher *protocol.Dispatcher
	done       chan struct{}
	hbOnce     sync.Once
}

// New prepares a controller around the given transport. Missing identity
// fields are generated, so an anonymous caller can connect immediately.
func New(cfg Config) (*Controller, error) {
	if cfg.Transport == nil {
		return nil, fmt.Errorf("controller needs a transport")
	}
	if cfg.SessionID == "" {
		return nil, fmt.Errorf("controller needs a session id")
	}
	if cfg.Identity.UserID == "" {
		cfg.Identity.UserID = uuid.NewString()
	}
	if cfg.Identity.UserName == "" {
		cfg.Identity.UserName = "guest-" + cfg.Identity.UserID[:8]
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if cfg.MaxConnectAttempts <= 0 {
		cfg.MaxConnectAttempts = DefaultMaxConnectAttempts
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = DefaultRetryBackoff
	}

	c := &Controller{
		cfg: cfg,
		self: protocol.Participant{
			ID:     cfg.Identity.UserID,
			Name:   cfg.Identity.UserName,
			Status: protocol.StatusOnline,
		},
		participants: make(map[string]protocol.Participant),
		recentOps:    oplog.NewLog(oplog.DefaultLimit),
		processed:    make(map[string]bool),
		dispatcher:   protocol.NewDispatcher(),
		done:         make(chan struct{}),
	}
	c.registerHandlers()

	cfg.Transport.OnMessage(c.receive)
	cfg.Transport.OnStatusChange(func(s transport.Status) {
		if c.cfg.OnStatus != nil {
			c.cfg.OnStatus(s)
		}
	})
	return c, nil
}

func (c *Controller) UserID() string { return c.self.ID }

// Connect tries the transport up to MaxConnectAttempts with a fixed
// backoff. A refused seat (session full, name taken) is terminal and is
// surfaced immediately without further attempts.
func (c *Controller) Connect(ctx context.Context) error {
	var lastErr error
	for attempt := 1; attempt <= c.cfg.MaxConnectAttempts; attempt++ {
		err := c.cfg.Transport.Connect(ctx)
		if err == nil {
			c.mu.Lock()
			c.participants[c.self.ID] = c.self
			c.mu.Unlock()
			c.hbOnce.Do(func() { go c.heartbeatLoop() })
			return nil
		}
		if errors.Is(err, transport.ErrSessionFull) || errors.Is(err, transport.ErrNameTaken) {
			return err
		}
		lastErr = err
		if attempt < c.cfg.MaxConnectAttempts {
			select {
			case <-time.After(c.cfg.RetryBackoff):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return fmt.Errorf("connect failed after %d attempts: %w", c.cfg.MaxConnectAttempts, lastErr)
}

func (c *Controller) heartbeatLoop() {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			// Send failures here mean the transport is between
			// reconnect attempts; the next beat will catch up.
			c.send(protocol.MsgHeartbeat, protocol.HeartbeatPayload{
				UserID:    c.self.ID,
				Timestamp: time.Now().UnixMilli(),
			})
		}
	}
}

func (c *Controller) send(t protocol.MessageType, payload any) error {
	msg, err := protocol.NewMessage(t, payload)
	if err != nil {
		return err
	}
	return c.cfg.Transport.Send(msg)
}

// receive runs message-id de-duplication before dispatch so a redelivered
// envelope cannot double-apply an operation or duplicate a participant.
func (c *Controller) receive(m protocol.Message) {
	c.mu.Lock()
	if c.processed[m.ID] {
		c.mu.Unlock()
		return
	}
	c.processed[m.ID] = true
	c.processedSeq = append(c.processedSeq, m.ID)
	if len(c.processedSeq) > 1024 {
		delete(c.processed, c.processedSeq[0])
		c.processedSeq = c.processedSeq[1:]
	}
	c.mu.Unlock()

	c.dispatcher.Dispatch(m)
}

func (c *Controller) registerHandlers() {
	c.dispatcher.On(protocol.MsgSync, c.handleSync)
	c.dispatcher.On(protocol.MsgOperation, c.handleOperation)
	c.dispatcher.On(protocol.MsgJoin, c.handleJoin)
	c.dispatcher.On(protocol.MsgLeave, c.handleLeave)
	c.dispatcher.On(protocol.MsgCursor, c.handleCursor)
	c.dispatcher.On(protocol.MsgSelection, c.handleSelection)
	c.dispatcher.On(protocol.MsgStatus, c.handleStatus)
}

func (c *Controller) handleSync(m protocol.Message) error {
	payload, err := protocol.PayloadAs[protocol.SyncPayload](m)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.participants = make(map[string]protocol.Participant, len(payload.Users)+1)
	for _, u := range payload.Users {
		c.participants[u.ID] = u
		if u.ID == c.self.ID {
			c.self = u
		}
	}
	c.participants[c.self.ID] = c.self
	var content *string
	if payload.Content != nil {
		// The most recently received full document wins outright.
		c.content = *payload.Content
		content = payload.Content
	}
	c.mu.Unlock()

	c.firePresence()
	if content != nil && c.cfg.OnContent != nil {
		c.cfg.OnContent(*content)
	}
	return nil
}

func (c *Controller) handleOperation(m protocol.Message) error {
	payload, err := protocol.PayloadAs[protocol.OperationPayload](m)
	if err != nil {
		return err
	}
	op := payload.Operation
	if op.UserID == c.self.ID {
		return nil
	}

	c.mu.Lock()
	op = oplog.Transform(op, c.recentOps.Recent())
	c.content = op.Apply(c.content)
	c.recentOps.Append(op)
	content := c.content
	c.mu.Unlock()

	if c.cfg.OnContent != nil {
		c.cfg.OnContent(content)
	}
	return nil
}

func (c *Controller) handleJoin(m protocol.Message) error {
	payload, err := protocol.PayloadAs[protocol.JoinPayload](m)
	if err != nil {
		return err
	}
	c.mu.Lock()
	if _, ok := c.participants[payload.UserID]; !ok {
		c.participants[payload.UserID] = protocol.Participant{
			ID:     payload.UserID,
			Name:   payload.UserName,
			Status: protocol.StatusOnline,
		}
	}
	c.mu.Unlock()
	c.firePresence()
	return nil
}

func (c *Controller) handleLeave(m protocol.Message) error {
	payload, err := protocol.PayloadAs[protocol.LeavePayload](m)
	if err != nil {
		return err
	}
	if payload.UserID == c.self.ID {
		return nil
	}
	c.mu.Lock()
	delete(c.participants, payload.UserID)
	c.mu.Unlock()
	c.firePresence()
	return nil
}

func (c *Controller) handleCursor(m protocol.Message) error {
	payload, err := protocol.PayloadAs[protocol.CursorPayload](m)
	if err != nil {
		return err
	}
	c.mutateParticipant(payload.UserID, func(p *protocol.Participant) {
		p.Cursor = &protocol.Cursor{Position: payload.Position, Line: payload.Line, Column: payload.Column}
	})
	return nil
}

func (c *Controller) handleSelection(m protocol.Message) error {
	payload, err := protocol.PayloadAs[protocol.SelectionPayload](m)
	if err != nil {
		return err
	}
	c.mutateParticipant(payload.UserID, func(p *protocol.Participant) {
		p.Selection = &protocol.Selection{Start: payload.Start, End: payload.End}
	})
	return nil
}

func (c *Controller) handleStatus(m protocol.Message) error {
	payload, err := protocol.PayloadAs[protocol.StatusPayload](m)
	if err != nil {
		return err
	}
	c.mutateParticipant(payload.UserID, func(p *protocol.Participant) {
		p.Status = payload.Status
	})
	return nil
}

func (c *Controller) mutateParticipant(userID string, fn func(*protocol.Participant)) {
	c.mu.Lock()
	p, ok := c.participants[userID]
	if ok {
		fn(&p)
		c.participants[userID] = p
		if userID == c.self.ID {
			c.self = p
		}
	}
	c.mu.Unlock()
	if ok {
		c.firePresence()
	}
}

func (c *Controller) firePresence() {
	if c.cfg.OnPresence != nil {
		c.cfg.OnPresence(c.Participants())
	}
}

// Participants returns the session members deduplicated by id, self
// always included, in stable name order.
func (c *Controller) Participants() []protocol.Participant {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]protocol.Participant, 0, len(c.participants))
	for _, p := range c.participants {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name == out[j].Name {
			return out[i].ID < out[j].ID
		}
		return out[i].Name < out[j].Name
	})
	return out
}

func (c *Controller) Content() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.content
}

// Insert applies a local insert and broadcasts it.
func (c *Controller) Insert(position int, text string) error {
	return c.applyLocal(protocol.Operation{
		Type: protocol.OpInsert, UserID: c.self.ID, Position: position, Text: text,
		Timestamp: time.Now().UnixMilli(),
	})
}

// Delete applies a local delete and broadcasts it.
func (c *Controller) Delete(position, length int) error {
	return c.applyLocal(protocol.Operation{
		Type: protocol.OpDelete, UserID: c.self.ID, Position: position, Length: length,
		Timestamp: time.Now().UnixMilli(),
	})
}

// SyncContent broadcasts the entire buffer as a full sync, the primary
// convergence mechanism between editors.
func (c *Controller) SyncContent(content string) error {
	return c.applyLocal(protocol.Operation{
		Type: protocol.OpFullSync, UserID: c.self.ID, Content: content,
		Timestamp: time.Now().UnixMilli(),
	})
}

func (c *Controller) applyLocal(op protocol.Operation) error {
	if err := op.CheckType(); err != nil {
		return err
	}
	c.mu.Lock()
	c.content = op.Apply(c.content)
	c.recentOps.Append(op)
	c.mu.Unlock()
	return c.send(protocol.MsgOperation, protocol.OperationPayload{Operation: op})
}

// MoveCursor broadcasts the local caret. Callers invoke this on click,
// selection, and arrow-key events, not on every keystroke.
func (c *Controller) MoveCursor(position, line, column int) error {
	c.mutateParticipant(c.self.ID, func(p *protocol.Participant) {
		p.Cursor = &protocol.Cursor{Position: position, Line: line, Column: column}
	})
	return c.send(protocol.MsgCursor, protocol.CursorPayload{
		UserID: c.self.ID, Position: position, Line: line, Column: column,
	})
}

// Select broadcasts the local selection range.
func (c *Controller) Select(start, end int) error {
	c.mutateParticipant(c.self.ID, func(p *protocol.Participant) {
		p.Selection = &protocol.Selection{Start: start, End: end}
	})
	return c.send(protocol.MsgSelection, protocol.SelectionPayload{
		UserID: c.self.ID, Start: start, End: end,
	})
}

// SetVisible maps document visibility to presence: hidden means Away,
// visible means Online.
func (c *Controller) SetVisible(visible bool) error {
	status := protocol.StatusAway
	if visible {
		status = protocol.StatusOnline
	}
	c.mutateParticipant(c.self.ID, func(p *protocol.Participant) {
		p.Status = status
	})
	return c.send(protocol.MsgStatus, protocol.StatusPayload{UserID: c.self.ID, Status: status})
}

// SignalActivity reports a user input signal (typing, click, focus) so
// the server can reset the presence timers.
func (c *Controller) SignalActivity(kind string) error {
	return c.send(protocol.MsgActivity, protocol.ActivityPayload{
		UserID: c.self.ID, Type: kind, Timestamp: time.Now().UnixMilli(),
	})
}

// RequestSync asks the server for an authoritative snapshot.
func (c *Controller) RequestSync() error {
	return c.send(protocol.MsgRequestSync, protocol.RequestPayload{RequesterID: c.self.ID})
}

// Close sends an explicit leave, cancels the heartbeat, and tears down
// the transport. Safe to call more than once.
func (c *Controller) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.send(protocol.MsgLeave, protocol.LeavePayload{UserID: c.self.ID})
	close(c.done)
	return c.cfg.Transport.Disconnect()
}
