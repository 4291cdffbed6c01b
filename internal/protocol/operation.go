package protocol

import "fmt"

type OpType string

const (
	OpInsert   OpType = "insert"
	OpDelete   OpType = "delete"
	OpFullSync OpType = "full_sync"
)

// Operation describes a single document mutation. Insert carries Text at
// Position, Delete removes Length characters at Position, and FullSync
// replaces the whole document with Content.
type Operation struct {
	Type      OpType `json:"type"`
	UserID    string `json:"userId"`
	Position  int    `json:"position,omitempty"`
	Text      string `json:"text,omitempty"`
	Length    int    `json:"length,omitempty"`
	Content   string `json:"content,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// CheckType validates the fields required by the operation type. Positions
// are deliberately not bounds-checked against any document; application is
// optimistic and clamps instead.
func (op Operation) CheckType() error {
	switch op.Type {
	case OpInsert:
		if op.Text == "" {
			return fmt.Errorf("insert operation missing text")
		}
	case OpDelete:
		if op.Length <= 0 {
			return fmt.Errorf("delete operation needs a positive length")
		}
	case OpFullSync:
		// Empty content is a legal full sync (clearing the document).
	default:
		return fmt.Errorf("unknown operation type %q", op.Type)
	}
	return nil
}

// Apply splices the operation into content and returns the result.
// Out-of-range positions are clamped to the buffer rather than rejected.
func (op Operation) Apply(content string) string {
	switch op.Type {
	case OpInsert:
		pos := clamp(op.Position, 0, len(content))
		return content[:pos] + op.Text + content[pos:]
	case OpDelete:
		pos := clamp(op.Position, 0, len(content))
		end := clamp(pos+op.Length, pos, len(content))
		return content[:pos] + content[end:]
	case OpFullSync:
		return op.Content
	}
	return content
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
