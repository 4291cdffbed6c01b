package store

import "testing"

func strptr(s string) *string { return &s }

func TestPatchAssignments(t *testing.T) {
	assignments, args := patchAssignments(DocumentPatch{})
	if len(assignments) != 0 || len(args) != 0 {
		t.Errorf("empty patch produced %v / %v", assignments, args)
	}

	assignments, args = patchAssignments(DocumentPatch{
		Content:      strptr("Hello World"),
		LastEditedBy: strptr("u1"),
	})
	if len(assignments) != 2 {
		t.Fatalf("got %d assignments, want 2: %v", len(assignments), assignments)
	}
	if assignments[0] != "content = $1" || assignments[1] != "last_edited_by = $2" {
		t.Errorf("wrong assignments: %v", assignments)
	}
	if args[0] != "Hello World" || args[1] != "u1" {
		t.Errorf("wrong args: %v", args)
	}

	assignments, _ = patchAssignments(DocumentPatch{Title: strptr("Notes")})
	if assignments[0] != "title = $1" {
		t.Errorf("wrong title assignment: %v", assignments)
	}
}
