// Package oplog keeps a bounded history of recent operations per session
// and provides the best-effort position transform used as a low-latency
// preview between full syncs. Convergence is not guaranteed here; the
// document-level full sync is the mechanism that forces agreement, and
// the most recently received full sync always wins.
package oplog

import (
	"fmt"
	"time"

	"copad/engine/internal/protocol"
)

// DefaultLimit is how many operations a session retains for transform
// lookups. Older entries are discarded; there is no durable log.
const DefaultLimit = 100

// ConflictWindow is the span inside which two different users' edits are
// flagged as potentially conflicting. Advisory only.
const ConflictWindow = time.Second

// Log is a bounded, append-only window of recent operations.
type Log struct {
	limit int
	ops   []protocol.Operation
}

func NewLog(limit int) *Log {
	if limit <= 0 {
		limit = DefaultLimit
	}
	return &Log{limit: limit}
}

func (l *Log) Append(op protocol.Operation) {
	l.ops = append(l.ops, op)
	if len(l.ops) > l.limit {
		l.ops = l.ops[len(l.ops)-l.limit:]
	}
}

// Recent returns the retained operations, oldest first. The slice is a
// copy; callers may hold it across later appends.
func (l *Log) Recent() []protocol.Operation {
	out := make([]protocol.Operation, len(l.ops))
	copy(out, l.ops)
	return out
}

func (l *Log) Len() int { return len(l.ops) }

// Transform shifts the incoming operation's position past operations from
// other users that landed at or before it: a prior insert pushes it right
// by the inserted length, a prior delete pulls it left. Operations from
// the same user are never transformed against each other, and full syncs
// neither shift nor are shifted.
func Transform(in protocol.Operation, recent []protocol.Operation) protocol.Operation {
	if in.Type == protocol.OpFullSync {
		return in
	}
	for _, prior := range recent {
		if prior.UserID == in.UserID {
			continue
		}
		switch prior.Type {
		case protocol.OpInsert:
			if prior.Position <= in.Position {
				in.Position += len(prior.Text)
			}
		case protocol.OpDelete:
			if prior.Position <= in.Position {
				in.Position -= prior.Length
				if in.Position < prior.Position {
					in.Position = prior.Position
				}
			}
		}
	}
	if in.Position < 0 {
		in.Position = 0
	}
	return in
}

// Validation is the advisory result of checking an incoming operation
// against recent history. It never blocks application.
type Validation struct {
	Valid  bool
	Reason string
}

// Validate flags the incoming operation when another user edited within
// ConflictWindow of it. The result is informational; the caller applies
// the operation regardless and relies on full sync for convergence.
func Validate(in protocol.Operation, existing []protocol.Operation) Validation {
	for _, prior := range existing {
		if prior.UserID == in.UserID {
			continue
		}
		delta := in.Timestamp - prior.Timestamp
		if delta < 0 {
			delta = -delta
		}
		if time.Duration(delta)*time.Millisecond < ConflictWindow {
			return Validation{
				Valid:  false,
				Reason: fmt.Sprintf("concurrent edit by %s within %s", prior.UserID, ConflictWindow),
			}
		}
	}
	return Validation{Valid: true}
}
