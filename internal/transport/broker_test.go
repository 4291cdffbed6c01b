package transport

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"copad/engine/internal/protocol"

	"github.com/gorilla/websocket"
)

var testUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// fakeBrokerServer accepts websocket connections, expects a join as the
// first frame, and answers with the configured ack.
type fakeBrokerServer struct {
	srv          *httptest.Server
	ackError     atomic.Value // string
	silent       bool
	dropAfterAck atomic.Bool
	conns        atomic.Int32
	accepted     chan *websocket.Conn
}

func newFakeBroker(t *testing.T) *fakeBrokerServer {
	t.Helper()
	f := &fakeBrokerServer{accepted: make(chan *websocket.Conn, 8)}
	f.ackError.Store("")
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		f.conns.Add(1)

		_, data, err := conn.ReadMessage()
		if err != nil {
			conn.Close()
			return
		}
		msg, err := protocol.Decode(data)
		if err != nil || msg.Type != protocol.MsgJoin {
			conn.Close()
			return
		}
		if f.silent {
			f.accepted <- conn
			return
		}

		join, _ := protocol.PayloadAs[protocol.JoinPayload](msg)
		ackErr := f.ackError.Load().(string)
		ack, _ := protocol.NewMessage(protocol.MsgConnectionAck, protocol.AckPayload{
			Success:   ackErr == "",
			SessionID: join.SessionID,
			UserID:    join.UserID,
			Error:     ackErr,
		})
		out, _ := protocol.Encode(ack)
		conn.WriteMessage(websocket.TextMessage, out)

		if f.dropAfterAck.CompareAndSwap(true, false) {
			conn.Close()
			return
		}
		f.accepted <- conn
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeBrokerServer) url() string {
	return "ws" + strings.TrimPrefix(f.srv.URL, "http")
}

func newTestBroker(f *fakeBrokerServer) *Broker {
	return newBroker(Config{
		Kind:             KindBroker,
		BrokerURL:        f.url(),
		SessionID:        "s1",
		UserID:           "u1",
		UserName:         "Ana",
		ConnectTimeout:   time.Second,
		ReconnectDelay:   50 * time.Millisecond,
		LivenessInterval: time.Second,
	})
}

func TestBrokerConnectHandshake(t *testing.T) {
	f := newFakeBroker(t)
	b := newTestBroker(f)
	defer b.Disconnect()

	inbox := make(chan protocol.Message, 8)
	b.OnMessage(func(m protocol.Message) { inbox <- m })

	if err := b.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	// Relay a frame from the server side and expect it on the handler.
	serverConn := <-f.accepted
	relayed, _ := protocol.NewMessage(protocol.MsgStatus, protocol.StatusPayload{UserID: "u2", Status: protocol.StatusAway})
	data, _ := protocol.Encode(relayed)
	serverConn.WriteMessage(websocket.TextMessage, data)

	select {
	case m := <-inbox:
		if m.ID != relayed.ID {
			t.Errorf("received %s, want %s", m.ID, relayed.ID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("relayed message never arrived")
	}
}

func TestBrokerConnectRefusedIsTerminal(t *testing.T) {
	f := newFakeBroker(t)
	f.ackError.Store(protocol.AckErrSessionFull)
	b := newTestBroker(f)
	defer b.Disconnect()

	err := b.Connect(context.Background())
	if !errors.Is(err, ErrSessionFull) {
		t.Errorf("got %v, want ErrSessionFull", err)
	}

	f.ackError.Store(protocol.AckErrNameTaken)
	if err := b.Connect(context.Background()); !errors.Is(err, ErrNameTaken) {
		t.Errorf("got %v, want ErrNameTaken", err)
	}
}

func TestBrokerConnectTimesOutWithoutAck(t *testing.T) {
	f := newFakeBroker(t)
	f.silent = true
	b := newTestBroker(f)
	b.cfg.ConnectTimeout = 200 * time.Millisecond
	defer b.Disconnect()

	start := time.Now()
	if err := b.Connect(context.Background()); err == nil {
		t.Fatal("Connect succeeded without an ack")
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("timeout took %s", elapsed)
	}
}

func TestBrokerReconnectsAfterDrop(t *testing.T) {
	f := newFakeBroker(t)
	f.dropAfterAck.Store(true)
	b := newTestBroker(f)
	defer b.Disconnect()

	statuses := make(chan Status, 16)
	b.OnStatusChange(func(s Status) { statuses <- s })

	if err := b.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	var seen []Status
	deadline := time.After(3 * time.Second)
	for {
		select {
		case s := <-statuses:
			seen = append(seen, s)
			if s == StatusConnected && len(seen) > 1 {
				if f.conns.Load() < 2 {
					t.Errorf("reconnected without a second dial: %v", seen)
				}
				return
			}
		case <-deadline:
			t.Fatalf("no reconnect observed, statuses: %v", seen)
		}
	}
}

func TestBrokerSendWhileDisconnected(t *testing.T) {
	f := newFakeBroker(t)
	b := newTestBroker(f)

	msg, _ := protocol.NewMessage(protocol.MsgHeartbeat, protocol.HeartbeatPayload{UserID: "u1"})
	if err := b.Send(msg); err == nil {
		t.Error("Send succeeded before Connect")
	}
}
