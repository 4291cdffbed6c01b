package transport

import (
	"context"
	"testing"
	"time"

	"copad/engine/internal/protocol"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func setupPeer(t *testing.T, mr *miniredis.Miniredis, sessionID, userID, userName string) (*Peer, chan protocol.Message) {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	p, err := newPeer(Config{
		Kind:           KindPeer,
		SessionID:      sessionID,
		UserID:         userID,
		UserName:       userName,
		RedisClient:    client,
		ConnectTimeout: 2 * time.Second,
	})
	if err != nil {
		t.Fatalf("newPeer failed: %v", err)
	}
	inbox := make(chan protocol.Message, 32)
	p.OnMessage(func(m protocol.Message) { inbox <- m })
	t.Cleanup(func() {
		p.Disconnect()
		client.Close()
	})
	return p, inbox
}

func waitFor(t *testing.T, inbox chan protocol.Message, want protocol.MessageType) protocol.Message {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case m := <-inbox:
			if m.Type == want {
				return m
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", want)
		}
	}
}

func TestPeerSendReachesOtherPeer(t *testing.T) {
	mr := miniredis.RunT(t)
	a, _ := setupPeer(t, mr, "s1", "ua", "Ana")
	b, inboxB := setupPeer(t, mr, "s1", "ub", "Ben")

	if err := a.Connect(context.Background()); err != nil {
		t.Fatalf("a.Connect failed: %v", err)
	}
	if err := b.Connect(context.Background()); err != nil {
		t.Fatalf("b.Connect failed: %v", err)
	}

	msg, _ := protocol.NewMessage(protocol.MsgOperation, protocol.OperationPayload{
		Operation: protocol.Operation{Type: protocol.OpInsert, UserID: "ua", Position: 0, Text: "hi"},
	})
	if err := a.Send(msg); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	got := waitFor(t, inboxB, protocol.MsgOperation)
	if got.ID != msg.ID {
		t.Errorf("received id %s, want %s", got.ID, msg.ID)
	}
}

func TestPeerDeduplicatesRedeliveredMessages(t *testing.T) {
	mr := miniredis.RunT(t)
	b, inboxB := setupPeer(t, mr, "s1", "ub", "Ben")
	if err := b.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	msg, _ := protocol.NewMessage(protocol.MsgCursor, protocol.CursorPayload{UserID: "ua", Position: 1})
	data, _ := protocol.Encode(msg)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if err := client.Publish(ctx, "copad:peer:s1", data).Err(); err != nil {
			t.Fatalf("publish failed: %v", err)
		}
	}

	waitFor(t, inboxB, protocol.MsgCursor)
	select {
	case m := <-inboxB:
		if m.Type == protocol.MsgCursor && m.ID == msg.ID {
			t.Error("duplicate message id delivered twice")
		}
	case <-time.After(300 * time.Millisecond):
	}
}

func TestPeerReplaysBacklogForLateJoiner(t *testing.T) {
	mr := miniredis.RunT(t)
	a, _ := setupPeer(t, mr, "s1", "ua", "Ana")
	if err := a.Connect(context.Background()); err != nil {
		t.Fatalf("a.Connect failed: %v", err)
	}

	op, _ := protocol.NewMessage(protocol.MsgOperation, protocol.OperationPayload{
		Operation: protocol.Operation{Type: protocol.OpFullSync, UserID: "ua", Content: "Hello"},
	})
	if err := a.Send(op); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	b, inboxB := setupPeer(t, mr, "s1", "ub", "Ben")
	if err := b.Connect(context.Background()); err != nil {
		t.Fatalf("b.Connect failed: %v", err)
	}

	replayed := waitFor(t, inboxB, protocol.MsgOperation)
	if replayed.ID != op.ID {
		t.Errorf("replayed id %s, want %s", replayed.ID, op.ID)
	}

	sync := waitFor(t, inboxB, protocol.MsgSync)
	payload, err := protocol.PayloadAs[protocol.SyncPayload](sync)
	if err != nil {
		t.Fatalf("bad sync payload: %v", err)
	}
	if payload.Content == nil || *payload.Content != "Hello" {
		t.Errorf("snapshot content = %v, want Hello", payload.Content)
	}
	foundAna := false
	for _, u := range payload.Users {
		if u.ID == "ua" {
			foundAna = true
		}
	}
	if !foundAna {
		t.Errorf("snapshot users missing ua: %+v", payload.Users)
	}
}

func TestPeerSkipsMalformedStoredEntries(t *testing.T) {
	mr := miniredis.RunT(t)
	mr.Lpush("copad:peer:s1:log", "{not json")

	valid, _ := protocol.NewMessage(protocol.MsgLeave, protocol.LeavePayload{UserID: "ghost"})
	data, _ := protocol.Encode(valid)
	mr.Push("copad:peer:s1:log", string(data))

	b, inboxB := setupPeer(t, mr, "s1", "ub", "Ben")
	if err := b.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed despite malformed backlog entry: %v", err)
	}

	got := waitFor(t, inboxB, protocol.MsgLeave)
	if got.ID != valid.ID {
		t.Errorf("delivered id %s, want %s", got.ID, valid.ID)
	}
}

func TestPeerContentIsLastWriteWins(t *testing.T) {
	mr := miniredis.RunT(t)
	a, _ := setupPeer(t, mr, "s1", "ua", "Ana")
	b, _ := setupPeer(t, mr, "s1", "ub", "Ben")
	if err := a.Connect(context.Background()); err != nil {
		t.Fatalf("a.Connect failed: %v", err)
	}
	if err := b.Connect(context.Background()); err != nil {
		t.Fatalf("b.Connect failed: %v", err)
	}

	first, _ := protocol.NewMessage(protocol.MsgOperation, protocol.OperationPayload{
		Operation: protocol.Operation{Type: protocol.OpFullSync, UserID: "ua", Content: "Hello"},
	})
	second, _ := protocol.NewMessage(protocol.MsgOperation, protocol.OperationPayload{
		Operation: protocol.Operation{Type: protocol.OpFullSync, UserID: "ub", Content: "Hello World"},
	})
	if err := a.Send(first); err != nil {
		t.Fatalf("first Send failed: %v", err)
	}
	if err := b.Send(second); err != nil {
		t.Fatalf("second Send failed: %v", err)
	}

	content, err := mr.Get("copad:peer:s1:content")
	if err != nil {
		t.Fatalf("content key missing: %v", err)
	}
	if content != "Hello World" {
		t.Errorf("content = %q, want %q", content, "Hello World")
	}
}

func TestPeerDisconnectDeregisters(t *testing.T) {
	mr := miniredis.RunT(t)
	a, _ := setupPeer(t, mr, "s1", "ua", "Ana")
	if err := a.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if err := a.Disconnect(); err != nil {
		t.Fatalf("Disconnect failed: %v", err)
	}

	if mr.Exists("copad:peer:s1:users") {
		fields, _ := mr.HKeys("copad:peer:s1:users")
		for _, f := range fields {
			if f == "ua" {
				t.Error("participant still registered after disconnect")
			}
		}
	}

	msg, _ := protocol.NewMessage(protocol.MsgHeartbeat, protocol.HeartbeatPayload{UserID: "ua"})
	if err := a.Send(msg); err == nil {
		t.Error("Send succeeded on a disconnected transport")
	}
}
