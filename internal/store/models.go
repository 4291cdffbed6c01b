package store

import "time"

// Document is the persisted artifact a collaboration session is bound
// to. The engine only writes title/content/last-editor; everything else
// about documents belongs to the host application.
type Document struct {
	ID           string
	Title        string
	Content      string
	LastEditedBy string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// DocumentPatch is a partial update: nil fields are left untouched.
type DocumentPatch struct {
	Title        *string
	Content      *string
	LastEditedBy *string
}
