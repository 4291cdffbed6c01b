package app

import (
	"errors"
	"log"
	"sync"
	"time"

	"copad/engine/internal/protocol"
	"copad/engine/internal/session"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	joinDeadline   = 5 * time.Second
	maxMessageSize = 1 << 20
	sendBuffer     = 64

	// Inbound frame budget per client; cursor traffic is chatty but a
	// client exceeding this is misbehaving.
	inboundRate  = 50
	inboundBurst = 100
)

type wsClient struct {
	svc       *Service
	conn      *websocket.Conn
	send      chan []byte
	sessionID string
	userID    string
	limiter   *rate.Limiter
	dispatch  *protocol.Dispatcher
	closeOnce sync.Once
}

// handleSocket owns a websocket connection for its lifetime. The first
// frame must be a join; the server answers with a connection_ack and
// only then admits the client to the session fan-out.
func (s *Service) handleSocket(conn *websocket.Conn, sessionID string) {
	c := &wsClient{
		svc:       s,
		conn:      conn,
		send:      make(chan []byte, sendBuffer),
		sessionID: sessionID,
		limiter:   rate.NewLimiter(rate.Limit(inboundRate), inboundBurst),
	}

	joined, err := s.awaitJoin(c)
	if err != nil {
		log.Printf("join handshake failed for session %s: %v", sessionID, err)
		conn.Close()
		return
	}

	s.hub.add(sessionID, c)
	s.metrics.ConnectedClients.Inc()
	s.presence.Join(sessionID, c.userID)
	c.registerHandlers()

	go c.writePump()

	// Snapshot for the joiner, join event for everyone else.
	if msg, err := s.syncMessage(sessionID, true); err == nil {
		c.enqueueMessage(msg)
	}
	joinEvent, err := protocol.NewMessage(protocol.MsgJoin, joined)
	if err == nil {
		s.broadcast(sessionID, joinEvent, c.userID)
	}
	s.broadcastUsers(sessionID, c.userID)

	c.readPump()
}

// awaitJoin runs the admission handshake: read the join frame, consult
// the registry, answer with an ack. Refusals (session full, name taken)
// are acked with the reason and the connection is dropped; the client
// treats them as terminal.
func (s *Service) awaitJoin(c *wsClient) (protocol.JoinPayload, error) {
	c.conn.SetReadDeadline(time.Now().Add(joinDeadline))
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		return protocol.JoinPayload{}, err
	}
	msg, err := protocol.Decode(data)
	if err != nil {
		return protocol.JoinPayload{}, err
	}
	if msg.Type != protocol.MsgJoin {
		return protocol.JoinPayload{}, errors.New("first frame was not a join")
	}
	join, err := protocol.PayloadAs[protocol.JoinPayload](msg)
	if err != nil {
		return protocol.JoinPayload{}, err
	}
	if join.UserID == "" {
		join.UserID = uuid.NewString()
	}
	join.SessionID = c.sessionID

	_, err = s.sessions.Join(c.sessionID, protocol.Participant{ID: join.UserID, Name: join.UserName})
	ack := protocol.AckPayload{Success: err == nil, SessionID: c.sessionID, UserID: join.UserID}
	switch {
	case errors.Is(err, session.ErrSessionFull):
		ack.Error = protocol.AckErrSessionFull
	case errors.Is(err, session.ErrNameTaken):
		ack.Error = protocol.AckErrNameTaken
	case err != nil:
		ack.Error = err.Error()
	}

	ackMsg, encErr := protocol.NewMessage(protocol.MsgConnectionAck, ack)
	if encErr != nil {
		return protocol.JoinPayload{}, encErr
	}
	out, encErr := protocol.Encode(ackMsg)
	if encErr != nil {
		return protocol.JoinPayload{}, encErr
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if writeErr := c.conn.WriteMessage(websocket.TextMessage, out); writeErr != nil {
		return protocol.JoinPayload{}, writeErr
	}
	if err != nil {
		return protocol.JoinPayload{}, err
	}

	c.userID = join.UserID
	return join, nil
}

func (c *wsClient) registerHandlers() {
	s := c.svc
	c.dispatch = protocol.NewDispatcher()
	c.dispatch.On(protocol.MsgOperation, func(m protocol.Message) error { return s.handleOperation(c, m) })
	c.dispatch.On(protocol.MsgCursor, func(m protocol.Message) error { return s.handleCursor(c, m) })
	c.dispatch.On(protocol.MsgSelection, func(m protocol.Message) error { return s.handleSelection(c, m) })
	c.dispatch.On(protocol.MsgStatus, func(m protocol.Message) error { return s.handleStatus(c, m) })
	c.dispatch.On(protocol.MsgHeartbeat, func(m protocol.Message) error { return s.handleHeartbeat(c, m) })
	c.dispatch.On(protocol.MsgActivity, func(m protocol.Message) error { return s.handleActivity(c, m) })
	c.dispatch.On(protocol.MsgLeave, func(m protocol.Message) error { return s.handleLeave(c, m) })
	c.dispatch.On(protocol.MsgRequestSync, func(m protocol.Message) error { return s.handleRequest(c, m) })
	c.dispatch.On(protocol.MsgRequestUsers, func(m protocol.Message) error { return s.handleRequest(c, m) })
	c.dispatch.On(protocol.MsgRequestContent, func(m protocol.Message) error { return s.handleRequest(c, m) })
}

func (c *wsClient) readPump() {
	defer c.drop()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		if !c.limiter.Allow() {
			log.Printf("rate limiting client %s in session %s", c.userID, c.sessionID)
			continue
		}
		msg, err := protocol.Decode(data)
		if err != nil {
			log.Printf("dropping malformed frame from %s: %v", c.userID, err)
			continue
		}
		c.dispatch.Dispatch(msg)
	}
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *wsClient) enqueueMessage(m protocol.Message) {
	data, err := protocol.Encode(m)
	if err != nil {
		return
	}
	select {
	case c.send <- data:
	default:
		log.Printf("dropping frame for slow client %s in session %s", c.userID, c.sessionID)
	}
}

// drop tears down the connection without touching the registry: a
// participant who vanishes abnormally keeps its seat until it rejoins,
// sends an explicit leave, or the presence timeout reaps it.
func (c *wsClient) drop() {
	c.closeOnce.Do(func() {
		c.svc.hub.remove(c.sessionID, c)
		c.svc.metrics.ConnectedClients.Dec()
		close(c.send)
	})
}
