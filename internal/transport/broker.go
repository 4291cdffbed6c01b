package transport

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"copad/engine/internal/protocol"

	"github.com/gorilla/websocket"
)

// Broker is the websocket client transport: a persistent channel to the
// central relay server. Connect performs the join handshake and fails
// terminally when the server refuses the seat; after that, abnormal
// disconnects feed a timer-driven reconnect loop with an overlap guard,
// and a periodic liveness check forces a reconnect if the link is found
// down between read errors.
type Broker struct {
	cfg Config

	mu             sync.Mutex
	conn           *websocket.Conn
	connected      bool
	closed         bool
	reconnecting   bool
	reconnectTimer *time.Timer
	msgHandlers    []MessageHandler
	statusHandlers []StatusHandler

	livenessOnce sync.Once
	done         chan struct{}
}

func newBroker(cfg Config) *Broker {
	return &Broker{cfg: cfg, done: make(chan struct{})}
}

func (b *Broker) OnMessage(h MessageHandler) {
	b.mu.Lock()
	b.msgHandlers = append(b.msgHandlers, h)
	b.mu.Unlock()
}

func (b *Broker) OnStatusChange(h StatusHandler) {
	b.mu.Lock()
	b.statusHandlers = append(b.statusHandlers, h)
	b.mu.Unlock()
}

func (b *Broker) notify(status Status) {
	b.mu.Lock()
	handlers := append([]StatusHandler(nil), b.statusHandlers...)
	b.mu.Unlock()
	for _, h := range handlers {
		h(status)
	}
}

func (b *Broker) deliver(m protocol.Message) {
	b.mu.Lock()
	handlers := append([]MessageHandler(nil), b.msgHandlers...)
	b.mu.Unlock()
	for _, h := range handlers {
		h(m)
	}
}

// Connect dials the broker, sends join, and waits for the connection_ack.
// A refused ack (session full, name taken) is terminal; everything else
// is a retryable connect failure.
func (b *Broker) Connect(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return fmt.Errorf("transport closed")
	}
	b.mu.Unlock()

	if err := b.dial(ctx); err != nil {
		return err
	}

	b.notify(StatusConnected)
	b.livenessOnce.Do(func() { go b.livenessLoop() })
	return nil
}

func (b *Broker) dial(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, b.cfg.ConnectTimeout)
	defer cancel()

	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, b.cfg.BrokerURL, nil)
	if err != nil {
		return fmt.Errorf("dial broker: %w", err)
	}

	join, err := protocol.NewMessage(protocol.MsgJoin, protocol.JoinPayload{
		SessionID: b.cfg.SessionID,
		UserID:    b.cfg.UserID,
		UserName:  b.cfg.UserName,
	})
	if err != nil {
		conn.Close()
		return err
	}
	data, err := protocol.Encode(join)
	if err != nil {
		conn.Close()
		return err
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		conn.Close()
		return fmt.Errorf("send join: %w", err)
	}

	if err := b.awaitAck(conn); err != nil {
		conn.Close()
		return err
	}

	conn.SetReadDeadline(time.Time{})
	b.mu.Lock()
	b.conn = conn
	b.connected = true
	b.mu.Unlock()

	go b.readLoop(conn)
	return nil
}

func (b *Broker) awaitAck(conn *websocket.Conn) error {
	conn.SetReadDeadline(time.Now().Add(b.cfg.ConnectTimeout))
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("await ack: %w", err)
		}
		msg, err := protocol.Decode(data)
		if err != nil {
			log.Printf("broker transport: dropping bad frame before ack: %v", err)
			continue
		}
		if msg.Type != protocol.MsgConnectionAck {
			// The server may fan out session traffic before our ack
			// lands; keep those frames.
			b.deliver(msg)
			continue
		}
		ack, err := protocol.PayloadAs[protocol.AckPayload](msg)
		if err != nil {
			return err
		}
		if !ack.Success {
			switch ack.Error {
			case protocol.AckErrSessionFull:
				return ErrSessionFull
			case protocol.AckErrNameTaken:
				return ErrNameTaken
			default:
				return fmt.Errorf("join refused: %s", ack.Error)
			}
		}
		return nil
	}
}

func (b *Broker) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			b.handleDrop(conn)
			return
		}
		msg, err := protocol.Decode(data)
		if err != nil {
			log.Printf("broker transport: dropping bad frame: %v", err)
			continue
		}
		b.deliver(msg)
	}
}

func (b *Broker) handleDrop(conn *websocket.Conn) {
	b.mu.Lock()
	if b.conn == conn {
		b.conn = nil
		b.connected = false
	}
	closed := b.closed
	b.mu.Unlock()

	conn.Close()
	if closed {
		return
	}
	b.notify(StatusDisconnected)
	b.scheduleReconnect()
}

// scheduleReconnect arms a single delayed reconnect attempt. The
// reconnecting flag keeps overlapping triggers (read error plus liveness
// tick) from stacking attempts.
func (b *Broker) scheduleReconnect() {
	b.mu.Lock()
	if b.closed || b.reconnecting {
		b.mu.Unlock()
		return
	}
	b.reconnecting = true
	b.reconnectTimer = time.AfterFunc(b.cfg.ReconnectDelay, b.reconnect)
	b.mu.Unlock()
}

func (b *Broker) reconnect() {
	b.notify(StatusReconnecting)
	err := b.dial(context.Background())

	b.mu.Lock()
	b.reconnecting = false
	closed := b.closed
	b.mu.Unlock()

	if closed {
		return
	}
	if err != nil {
		log.Printf("broker transport: reconnect failed: %v", err)
		b.scheduleReconnect()
		return
	}
	b.notify(StatusConnected)
}

func (b *Broker) livenessLoop() {
	ticker := time.NewTicker(b.cfg.LivenessInterval)
	defer ticker.Stop()
	for {
		select {
		case <-b.done:
			return
		case <-ticker.C:
			b.mu.Lock()
			down := !b.connected && !b.closed
			b.mu.Unlock()
			if down {
				b.scheduleReconnect()
			}
		}
	}
}

func (b *Broker) Send(m protocol.Message) error {
	data, err := protocol.Encode(m)
	if err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn == nil || !b.connected {
		return fmt.Errorf("not connected")
	}
	return b.conn.WriteMessage(websocket.TextMessage, data)
}

// Disconnect tears the transport down for good: the reconnect timer and
// liveness loop are cancelled, not just the socket.
func (b *Broker) Disconnect() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.connected = false
	if b.reconnectTimer != nil {
		b.reconnectTimer.Stop()
	}
	conn := b.conn
	b.conn = nil
	b.mu.Unlock()

	close(b.done)
	if conn != nil {
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		conn.Close()
	}
	b.notify(StatusDisconnected)
	return nil
}
