// Package protocol defines the wire model shared by the collaboration
// server and clients: the message envelope, the typed payloads carried in
// it, document operations, and participant/presence shapes.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type MessageType string

const (
	MsgJoin           MessageType = "join"
	MsgConnectionAck  MessageType = "connection_ack"
	MsgLeave          MessageType = "leave"
	MsgOperation      MessageType = "operation"
	MsgCursor         MessageType = "cursor"
	MsgSelection      MessageType = "selection"
	MsgStatus         MessageType = "status"
	MsgHeartbeat      MessageType = "heartbeat"
	MsgActivity       MessageType = "activity"
	MsgSync           MessageType = "sync"
	MsgRequestSync    MessageType = "request_sync"
	MsgRequestUsers   MessageType = "request_users"
	MsgRequestContent MessageType = "request_content"
)

// Message is the envelope every transport carries. Timestamps are unix
// milliseconds. The ID is unique per message and is what the peer
// transport de-duplicates on.
type Message struct {
	Type      MessageType     `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp int64           `json:"timestamp"`
	ID        string          `json:"id"`
}

// Error codes carried in a failed connection_ack.
const (
	AckErrSessionFull = "session_full"
	AckErrNameTaken   = "name_taken"
)

type JoinPayload struct {
	SessionID string `json:"sessionId"`
	UserID    string `json:"userId"`
	UserName  string `json:"userName"`
}

type AckPayload struct {
	Success   bool   `json:"success"`
	SessionID string `json:"sessionId"`
	UserID    string `json:"userId"`
	Error     string `json:"error,omitempty"`
}

type LeavePayload struct {
	UserID string `json:"userId"`
}

type OperationPayload struct {
	Operation Operation `json:"operation"`
}

type CursorPayload struct {
	UserID   string `json:"userId"`
	Position int    `json:"position"`
	Line     int    `json:"line"`
	Column   int    `json:"column"`
}

type SelectionPayload struct {
	UserID string `json:"userId"`
	Start  int    `json:"start"`
	End    int    `json:"end"`
}

type StatusPayload struct {
	UserID string         `json:"userId"`
	Status PresenceStatus `json:"status"`
}

type HeartbeatPayload struct {
	UserID    string `json:"userId"`
	Timestamp int64  `json:"timestamp"`
}

type ActivityPayload struct {
	UserID    string `json:"userId"`
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
}

// SyncPayload carries the authoritative participant list and, when content
// is included, the full document text. A nil Content means "users only".
type SyncPayload struct {
	Users   []Participant `json:"users"`
	Content *string       `json:"content,omitempty"`
}

type RequestPayload struct {
	RequesterID string `json:"requesterId"`
}

// payloadSchemas maps each message type to a decoder for its payload
// shape. Decode uses it as the schema check at the transport boundary.
var payloadSchemas = map[MessageType]func(json.RawMessage) (any, error){
	MsgJoin:           decodeInto[JoinPayload],
	MsgConnectionAck:  decodeInto[AckPayload],
	MsgLeave:          decodeInto[LeavePayload],
	MsgOperation:      decodeInto[OperationPayload],
	MsgCursor:         decodeInto[CursorPayload],
	MsgSelection:      decodeInto[SelectionPayload],
	MsgStatus:         decodeInto[StatusPayload],
	MsgHeartbeat:      decodeInto[HeartbeatPayload],
	MsgActivity:       decodeInto[ActivityPayload],
	MsgSync:           decodeInto[SyncPayload],
	MsgRequestSync:    decodeInto[RequestPayload],
	MsgRequestUsers:   decodeInto[RequestPayload],
	MsgRequestContent: decodeInto[RequestPayload],
}

func decodeInto[T any](raw json.RawMessage) (any, error) {
	var p T
	if len(raw) == 0 {
		return p, fmt.Errorf("missing payload")
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return p, err
	}
	return p, nil
}

// NewMessage builds an envelope around the given payload, stamping it with
// the current time and a fresh message id.
func NewMessage(t MessageType, payload any) (Message, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Message{}, fmt.Errorf("marshal %s payload: %w", t, err)
	}
	return Message{
		Type:      t,
		Payload:   raw,
		Timestamp: time.Now().UnixMilli(),
		ID:        uuid.NewString(),
	}, nil
}

func Encode(m Message) ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}
	return data, nil
}

// Decode parses an envelope and verifies the payload matches the schema
// for its type. Unknown types are rejected so a bad peer cannot smuggle
// arbitrary frames past the dispatcher.
func Decode(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, fmt.Errorf("decode message: %w", err)
	}
	schema, ok := payloadSchemas[m.Type]
	if !ok {
		return Message{}, fmt.Errorf("unknown message type %q", m.Type)
	}
	if m.ID == "" {
		return Message{}, fmt.Errorf("message %s missing id", m.Type)
	}
	if _, err := schema(m.Payload); err != nil {
		return Message{}, fmt.Errorf("invalid %s payload: %w", m.Type, err)
	}
	return m, nil
}

// PayloadAs unmarshals the envelope payload into the concrete type for
// callers that already matched on Type.
func PayloadAs[T any](m Message) (T, error) {
	var p T
	if len(m.Payload) == 0 {
		return p, fmt.Errorf("message %s has no payload", m.Type)
	}
	if err := json.Unmarshal(m.Payload, &p); err != nil {
		return p, fmt.Errorf("decode %s payload: %w", m.Type, err)
	}
	return p, nil
}
