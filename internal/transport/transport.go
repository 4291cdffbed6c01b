// Package transport carries message envelopes between a client and the
// rest of a collaboration session. Two implementations share one
// contract: BrokerTransport speaks websocket to the central relay
// server, LocalPeerTransport uses a shared Redis store with pub/sub
// change notifications when no broker is available. Upstream code never
// branches on which one it got.
package transport

import (
	"context"
	"errors"
	"fmt"
	"time"

	"copad/engine/internal/protocol"

	"github.com/redis/go-redis/v9"
)

type Status string

const (
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
	StatusReconnecting Status = "reconnecting"
)

// Terminal connect failures. These map from a refused connection_ack and
// are never retried by the reconnect loop.
var (
	ErrSessionFull = errors.New("session is full")
	ErrNameTaken   = errors.New("display name already in use")
)

type MessageHandler func(protocol.Message)

type StatusHandler func(Status)

type Transport interface {
	Connect(ctx context.Context) error
	Disconnect() error
	Send(protocol.Message) error
	OnMessage(MessageHandler)
	OnStatusChange(StatusHandler)
}

type Kind string

const (
	KindBroker Kind = "broker"
	KindPeer   Kind = "peer"
)

const (
	DefaultConnectTimeout   = 5 * time.Second
	DefaultReconnectDelay   = 2 * time.Second
	DefaultLivenessInterval = 10 * time.Second
)

type Config struct {
	Kind Kind

	// Identity presented on join.
	SessionID string
	UserID    string
	UserName  string

	// Broker settings.
	BrokerURL string

	// Peer settings. RedisClient wins over RedisURL when set.
	RedisURL    string
	RedisClient *redis.Client

	ConnectTimeout   time.Duration
	ReconnectDelay   time.Duration
	LivenessInterval time.Duration
}

func (c *Config) applyDefaults() {
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = DefaultReconnectDelay
	}
	if c.LivenessInterval <= 0 {
		c.LivenessInterval = DefaultLivenessInterval
	}
}

// New selects the transport implementation for the configured kind.
func New(cfg Config) (Transport, error) {
	cfg.applyDefaults()
	switch cfg.Kind {
	case KindBroker:
		if cfg.BrokerURL == "" {
			return nil, fmt.Errorf("broker transport needs a broker url")
		}
		return newBroker(cfg), nil
	case KindPeer:
		if cfg.RedisClient == nil && cfg.RedisURL == "" {
			return nil, fmt.Errorf("peer transport needs a redis url or client")
		}
		return newPeer(cfg)
	default:
		return nil, fmt.Errorf("unknown transport kind %q", cfg.Kind)
	}
}
