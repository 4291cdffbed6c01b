package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"copad/engine/internal/protocol"

	"github.com/redis/go-redis/v9"
)

const (
	peerKeyPrefix = "copad:peer:"

	// peerBacklog bounds the shared message list so the store does not
	// grow without limit while a session is active.
	peerBacklog = 512

	// seenLimit caps the local de-duplication window.
	seenLimit = 512
)

// Peer is the transport used when no broker is available: a shared
// append-only message list in Redis plus pub/sub change notifications
// visible to every client of the session. There is no arbiter; the
// participant registry and content blob live in the same store and any
// client may overwrite them, last write wins. Message ids de-duplicate
// redelivered and replayed entries.
type Peer struct {
	cfg        Config
	client     *redis.Client
	ownsClient bool
	pubsub     *redis.PubSub

	mu             sync.Mutex
	connected      bool
	closed         bool
	msgHandlers    []MessageHandler
	statusHandlers []StatusHandler
	seen           map[string]bool
	seenOrder      []string

	done chan struct{}
}

func newPeer(cfg Config) (*Peer, error) {
	p := &Peer{
		cfg:  cfg,
		seen: make(map[string]bool),
		done: make(chan struct{}),
	}
	if cfg.RedisClient != nil {
		p.client = cfg.RedisClient
	} else {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		p.client = redis.NewClient(opts)
		p.ownsClient = true
	}
	return p, nil
}

func (p *Peer) logKey() string     { return peerKeyPrefix + p.cfg.SessionID + ":log" }
func (p *Peer) usersKey() string   { return peerKeyPrefix + p.cfg.SessionID + ":users" }
func (p *Peer) contentKey() string { return peerKeyPrefix + p.cfg.SessionID + ":content" }
func (p *Peer) channel() string    { return peerKeyPrefix + p.cfg.SessionID }

func (p *Peer) OnMessage(h MessageHandler) {
	p.mu.Lock()
	p.msgHandlers = append(p.msgHandlers, h)
	p.mu.Unlock()
}

func (p *Peer) OnStatusChange(h StatusHandler) {
	p.mu.Lock()
	p.statusHandlers = append(p.statusHandlers, h)
	p.mu.Unlock()
}

func (p *Peer) notify(status Status) {
	p.mu.Lock()
	handlers := append([]StatusHandler(nil), p.statusHandlers...)
	p.mu.Unlock()
	for _, h := range handlers {
		h(status)
	}
}

// markSeen records a message id and reports whether it was new.
func (p *Peer) markSeen(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.seen[id] {
		return false
	}
	p.seen[id] = true
	p.seenOrder = append(p.seenOrder, id)
	if len(p.seenOrder) > seenLimit {
		delete(p.seen, p.seenOrder[0])
		p.seenOrder = p.seenOrder[1:]
	}
	return true
}

func (p *Peer) deliver(m protocol.Message) {
	p.mu.Lock()
	handlers := append([]MessageHandler(nil), p.msgHandlers...)
	p.mu.Unlock()
	for _, h := range handlers {
		h(m)
	}
}

// Connect pings the store, registers this participant in the shared
// registry, replays the session backlog, and starts listening for change
// notifications. There is no admission check: without an arbiter nothing
// can refuse a seat.
func (p *Peer) Connect(ctx context.Context) error {
	pingCtx, cancel := context.WithTimeout(ctx, p.cfg.ConnectTimeout)
	defer cancel()
	if err := p.client.Ping(pingCtx).Err(); err != nil {
		return fmt.Errorf("connect to peer store: %w", err)
	}

	self := protocol.Participant{
		ID:           p.cfg.UserID,
		Name:         p.cfg.UserName,
		Status:       protocol.StatusOnline,
		LastActiveAt: time.Now().UnixMilli(),
	}
	raw, _ := json.Marshal(self)
	if err := p.client.HSet(ctx, p.usersKey(), p.cfg.UserID, raw).Err(); err != nil {
		return fmt.Errorf("register participant: %w", err)
	}

	p.pubsub = p.client.Subscribe(ctx, p.channel())
	if _, err := p.pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe to peer channel: %w", err)
	}

	p.mu.Lock()
	p.connected = true
	p.mu.Unlock()

	p.replayBacklog(ctx)
	p.deliverStoreSnapshot(ctx)
	go p.listen()

	p.notify(StatusConnected)
	return nil
}

// replayBacklog decodes the stored message list oldest first. Malformed
// entries degrade to a logged skip instead of failing the connect.
func (p *Peer) replayBacklog(ctx context.Context) {
	entries, err := p.client.LRange(ctx, p.logKey(), 0, -1).Result()
	if err != nil {
		log.Printf("peer transport: backlog read failed: %v", err)
		return
	}
	for _, entry := range entries {
		msg, err := protocol.Decode([]byte(entry))
		if err != nil {
			log.Printf("peer transport: skipping malformed stored message: %v", err)
			continue
		}
		if p.markSeen(msg.ID) {
			p.deliver(msg)
		}
	}
}

// deliverStoreSnapshot synthesizes a local sync message from the shared
// registry and content blob so a late joiner converges immediately.
func (p *Peer) deliverStoreSnapshot(ctx context.Context) {
	fields, err := p.client.HGetAll(ctx, p.usersKey()).Result()
	if err != nil {
		log.Printf("peer transport: registry read failed: %v", err)
		return
	}
	users := make([]protocol.Participant, 0, len(fields))
	for id, raw := range fields {
		var participant protocol.Participant
		if err := json.Unmarshal([]byte(raw), &participant); err != nil {
			log.Printf("peer transport: skipping malformed participant %s: %v", id, err)
			continue
		}
		users = append(users, participant)
	}

	payload := protocol.SyncPayload{Users: users}
	content, err := p.client.Get(ctx, p.contentKey()).Result()
	if err == nil {
		payload.Content = &content
	} else if err != redis.Nil {
		log.Printf("peer transport: content read failed: %v", err)
	}

	msg, err := protocol.NewMessage(protocol.MsgSync, payload)
	if err != nil {
		return
	}
	p.markSeen(msg.ID)
	p.deliver(msg)
}

func (p *Peer) listen() {
	ch := p.pubsub.Channel()
	for {
		select {
		case <-p.done:
			return
		case notification, ok := <-ch:
			if !ok {
				p.mu.Lock()
				closed := p.closed
				p.connected = false
				p.mu.Unlock()
				if !closed {
					p.notify(StatusDisconnected)
				}
				return
			}
			msg, err := protocol.Decode([]byte(notification.Payload))
			if err != nil {
				log.Printf("peer transport: dropping malformed notification: %v", err)
				continue
			}
			if p.markSeen(msg.ID) {
				p.deliver(msg)
			}
		}
	}
}

// Send appends the envelope to the shared log and publishes a change
// notification. Side effects on the shared registry and content blob are
// written here by the originator, unguarded: last write wins.
func (p *Peer) Send(m protocol.Message) error {
	p.mu.Lock()
	if !p.connected {
		p.mu.Unlock()
		return fmt.Errorf("not connected")
	}
	p.mu.Unlock()

	data, err := protocol.Encode(m)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.ConnectTimeout)
	defer cancel()

	// Our own publish echoes back on the subscription; marking the id
	// seen up front keeps it from being redelivered to ourselves.
	p.markSeen(m.ID)

	pipe := p.client.TxPipeline()
	pipe.RPush(ctx, p.logKey(), data)
	pipe.LTrim(ctx, p.logKey(), -peerBacklog, -1)
	pipe.Publish(ctx, p.channel(), data)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("publish to peer store: %w", err)
	}

	p.applySideEffects(ctx, m)
	return nil
}

func (p *Peer) applySideEffects(ctx context.Context, m protocol.Message) {
	switch m.Type {
	case protocol.MsgOperation:
		payload, err := protocol.PayloadAs[protocol.OperationPayload](m)
		if err != nil || payload.Operation.Type != protocol.OpFullSync {
			return
		}
		if err := p.client.Set(ctx, p.contentKey(), payload.Operation.Content, 0).Err(); err != nil {
			log.Printf("peer transport: content write failed: %v", err)
		}
	case protocol.MsgLeave:
		payload, err := protocol.PayloadAs[protocol.LeavePayload](m)
		if err != nil {
			return
		}
		if err := p.client.HDel(ctx, p.usersKey(), payload.UserID).Err(); err != nil {
			log.Printf("peer transport: registry delete failed: %v", err)
		}
	}
}

func (p *Peer) Disconnect() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.connected = false
	p.mu.Unlock()

	close(p.done)

	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.ConnectTimeout)
	defer cancel()
	if err := p.client.HDel(ctx, p.usersKey(), p.cfg.UserID).Err(); err != nil {
		log.Printf("peer transport: deregister failed: %v", err)
	}
	if p.pubsub != nil {
		p.pubsub.Close()
	}
	if p.ownsClient {
		p.client.Close()
	}
	p.notify(StatusDisconnected)
	return nil
}
