package protocol

import "testing"

func TestOperationApply(t *testing.T) {
	tests := []struct {
		name    string
		content string
		op      Operation
		want    string
	}{
		{"insert middle", "Hello World", Operation{Type: OpInsert, Position: 5, Text: ","}, "Hello, World"},
		{"insert start", "World", Operation{Type: OpInsert, Position: 0, Text: "Hello "}, "Hello World"},
		{"insert past end clamps", "abc", Operation{Type: OpInsert, Position: 99, Text: "!"}, "abc!"},
		{"insert negative clamps", "abc", Operation{Type: OpInsert, Position: -4, Text: "!"}, "!abc"},
		{"delete middle", "Hello, World", Operation{Type: OpDelete, Position: 5, Length: 1}, "Hello World"},
		{"delete past end clamps", "abc", Operation{Type: OpDelete, Position: 1, Length: 99}, "a"},
		{"full sync replaces", "old text", Operation{Type: OpFullSync, Content: "new text"}, "new text"},
		{"full sync can clear", "old text", Operation{Type: OpFullSync, Content: ""}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.op.Apply(tt.content); got != tt.want {
				t.Errorf("Apply = %q, want %q", got, tt.want)
			}
		})
	}
}

// Replaying a user's insert/delete sequence in order must land on the same
// buffer as a single full sync of the final text.
func TestReplayMatchesFullSync(t *testing.T) {
	original := "The quick fox"
	ops := []Operation{
		{Type: OpInsert, UserID: "u1", Position: 10, Text: "brown "},
		{Type: OpInsert, UserID: "u1", Position: 19, Text: " jumps"},
		{Type: OpDelete, UserID: "u1", Position: 0, Length: 4},
		{Type: OpInsert, UserID: "u1", Position: 0, Text: "A"},
	}

	replayed := original
	for _, op := range ops {
		replayed = op.Apply(replayed)
	}

	sync := Operation{Type: OpFullSync, UserID: "u1", Content: replayed}
	if got := sync.Apply(original); got != replayed {
		t.Errorf("full sync %q != replay %q", got, replayed)
	}
}

func TestOperationCheckType(t *testing.T) {
	valid := []Operation{
		{Type: OpInsert, Position: 0, Text: "x"},
		{Type: OpDelete, Position: 0, Length: 1},
		{Type: OpFullSync, Content: ""},
	}
	for _, op := range valid {
		if err := op.CheckType(); err != nil {
			t.Errorf("CheckType(%s) unexpected error: %v", op.Type, err)
		}
	}

	invalid := []Operation{
		{Type: OpInsert, Position: 0},
		{Type: OpDelete, Position: 0, Length: 0},
		{Type: "replace", Content: "x"},
	}
	for _, op := range invalid {
		if err := op.CheckType(); err == nil {
			t.Errorf("CheckType(%s) expected error", op.Type)
		}
	}
}
