package protocol

import (
	"errors"
	"testing"
)

func TestDispatcherDeliversToAllHandlers(t *testing.T) {
	d := NewDispatcher()
	var calls []string
	d.On(MsgLeave, func(m Message) error { calls = append(calls, "a"); return nil })
	d.On(MsgLeave, func(m Message) error { calls = append(calls, "b"); return nil })
	d.On(MsgCursor, func(m Message) error { calls = append(calls, "cursor"); return nil })

	msg, _ := NewMessage(MsgLeave, LeavePayload{UserID: "u1"})
	d.Dispatch(msg)

	if len(calls) != 2 || calls[0] != "a" || calls[1] != "b" {
		t.Errorf("expected [a b], got %v", calls)
	}
}

func TestDispatcherIsolatesFailures(t *testing.T) {
	d := NewDispatcher()
	var logged []string
	d.logf = func(format string, args ...any) { logged = append(logged, format) }

	var reached bool
	d.On(MsgStatus, func(m Message) error { return errors.New("boom") })
	d.On(MsgStatus, func(m Message) error { panic("worse") })
	d.On(MsgStatus, func(m Message) error { reached = true; return nil })

	msg, _ := NewMessage(MsgStatus, StatusPayload{UserID: "u1", Status: StatusAway})
	d.Dispatch(msg)

	if !reached {
		t.Error("later handler not reached after earlier failures")
	}
	if len(logged) != 2 {
		t.Errorf("expected 2 logged failures, got %d", len(logged))
	}
}
