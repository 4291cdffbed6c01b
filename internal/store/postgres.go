package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

var ErrDocumentNotFound = errors.New("document not found")

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) CreateDocument(ctx context.Context, id, title string) (Document, error) {
	const insert = `
		INSERT INTO documents (id, title, content)
		VALUES ($1, $2, '')
		ON CONFLICT (id) DO UPDATE SET title = EXCLUDED.title
		RETURNING id, title, content, last_edited_by, created_at, updated_at
	`
	var doc Document
	err := s.db.QueryRowContext(ctx, insert, id, title).Scan(
		&doc.ID, &doc.Title, &doc.Content, &doc.LastEditedBy, &doc.CreatedAt, &doc.UpdatedAt,
	)
	if err != nil {
		return Document{}, fmt.Errorf("create document: %w", err)
	}
	return doc, nil
}

func (s *PostgresStore) GetDocument(ctx context.Context, id string) (Document, error) {
	const query = `
		SELECT id, title, content, last_edited_by, created_at, updated_at
		FROM documents WHERE id = $1
	`
	var doc Document
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&doc.ID, &doc.Title, &doc.Content, &doc.LastEditedBy, &doc.CreatedAt, &doc.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return Document{}, ErrDocumentNotFound
	}
	if err != nil {
		return Document{}, fmt.Errorf("get document: %w", err)
	}
	return doc, nil
}

// UpdateDocument applies the non-nil fields of the patch. A patch with
// nothing set is a no-op rather than an error, since full-sync traffic
// may race with an already-persisted identical state.
func (s *PostgresStore) UpdateDocument(ctx context.Context, id string, patch DocumentPatch) error {
	assignments, args := patchAssignments(patch)
	if len(assignments) == 0 {
		return nil
	}
	args = append(args, id)

	query := fmt.Sprintf(
		`UPDATE documents SET %s, updated_at = NOW() WHERE id = $%d`,
		strings.Join(assignments, ", "), len(args),
	)
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update document: %w", err)
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return ErrDocumentNotFound
	}
	return nil
}

func patchAssignments(patch DocumentPatch) ([]string, []any) {
	var assignments []string
	var args []any
	add := func(column string, value any) {
		args = append(args, value)
		assignments = append(assignments, fmt.Sprintf("%s = $%d", column, len(args)))
	}
	if patch.Title != nil {
		add("title", *patch.Title)
	}
	if patch.Content != nil {
		add("content", *patch.Content)
	}
	if patch.LastEditedBy != nil {
		add("last_edited_by", *patch.LastEditedBy)
	}
	return assignments, args
}
