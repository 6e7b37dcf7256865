package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrNotFound is returned when a lookup matches nothing.
var ErrNotFound = errors.New("not found")

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) CreateUser(ctx context.Context, user User) (User, error) {
	const insertUser = `
		INSERT INTO users (display_name, email, password_hash, role)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at
	`
	err := s.db.QueryRowContext(ctx, insertUser,
		user.DisplayName, user.Email, user.PasswordHash, user.Role,
	).Scan(&user.ID, &user.CreatedAt)
	if err != nil {
		return User{}, fmt.Errorf("insert user: %w", err)
	}
	return user, nil
}

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (User, error) {
	const query = `
		SELECT id, display_name, email, password_hash, role, created_at
		FROM users WHERE email = $1
	`
	var user User
	err := s.db.QueryRowContext(ctx, query, email).Scan(
		&user.ID, &user.DisplayName, &user.Email, &user.PasswordHash, &user.Role, &user.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, fmt.Errorf("lookup user by email: %w", err)
	}
	return user, nil
}

func (s *PostgresStore) CreateDocument(ctx context.Context, title, createdBy string) (Document, error) {
	const insertDoc = `
		INSERT INTO documents (title, updated_by)
		VALUES ($1, $2)
		RETURNING id, title, icon, updated_by, created_at, updated_at
	`
	var doc Document
	err := s.db.QueryRowContext(ctx, insertDoc, title, createdBy).Scan(
		&doc.ID, &doc.Title, &doc.Icon, &doc.UpdatedBy, &doc.CreatedAt, &doc.UpdatedAt,
	)
	if err != nil {
		return Document{}, fmt.Errorf("insert document: %w", err)
	}
	return doc, nil
}

func (s *PostgresStore) GetDocument(ctx context.Context, id string) (Document, error) {
	const query = `
		SELECT id, title, icon, content, updated_by, created_at, updated_at
		FROM documents WHERE id = $1
	`
	var doc Document
	var content sql.NullString
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&doc.ID, &doc.Title, &doc.Icon, &content, &doc.UpdatedBy, &doc.CreatedAt, &doc.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return Document{}, ErrNotFound
	}
	if err != nil {
		return Document{}, fmt.Errorf("lookup document: %w", err)
	}
	if content.Valid {
		doc.Content = json.RawMessage(content.String)
	}
	return doc, nil
}

func (s *PostgresStore) ListDocuments(ctx context.Context) ([]Document, error) {
	const query = `
		SELECT id, title, icon, updated_by, created_at, updated_at
		FROM documents ORDER BY updated_at DESC
	`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()

	var docs []Document
	for rows.Next() {
		var doc Document
		if err := rows.Scan(&doc.ID, &doc.Title, &doc.Icon, &doc.UpdatedBy, &doc.CreatedAt, &doc.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

// SaveDocument applies a partial update. The persistence layer is
// last-write-wins by design; live-session convergence happens in the
// replicated document, not here.
func (s *PostgresStore) SaveDocument(ctx context.Context, id string, patch DocumentPatch, updatedBy string) (Document, error) {
	const update = `
		UPDATE documents SET
			title = COALESCE($2, title),
			icon = COALESCE($3, icon),
			content = COALESCE($4, content),
			updated_by = $5,
			updated_at = now()
		WHERE id = $1
		RETURNING id, title, icon, content, updated_by, created_at, updated_at
	`
	var content any
	if patch.Content != nil {
		content = string(patch.Content)
	}
	var doc Document
	var stored sql.NullString
	err := s.db.QueryRowContext(ctx, update, id, patch.Title, patch.Icon, content, updatedBy).Scan(
		&doc.ID, &doc.Title, &doc.Icon, &stored, &doc.UpdatedBy, &doc.CreatedAt, &doc.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return Document{}, ErrNotFound
	}
	if err != nil {
		return Document{}, fmt.Errorf("save document: %w", err)
	}
	if stored.Valid {
		doc.Content = json.RawMessage(stored.String)
	}
	return doc, nil
}

// DeleteDocument removes a document. Its update log rows go with it through
// the ON DELETE CASCADE constraint, so a document and its log can never come
// apart mid-delete.
func (s *PostgresStore) DeleteDocument(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM documents WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete document: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// AppendUpdate persists one accepted delta for room recovery.
func (s *PostgresStore) AppendUpdate(ctx context.Context, documentID string, payload []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO document_updates (document_id, payload) VALUES ($1, $2)`,
		documentID, payload,
	)
	if err != nil {
		return fmt.Errorf("append update: %w", err)
	}
	return nil
}

// LoadUpdates returns a document's deltas in append order.
func (s *PostgresStore) LoadUpdates(ctx context.Context, documentID string) ([][]byte, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT payload FROM document_updates WHERE document_id = $1 ORDER BY seq`,
		documentID,
	)
	if err != nil {
		return nil, fmt.Errorf("load updates: %w", err)
	}
	defer rows.Close()

	var payloads [][]byte
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan update: %w", err)
		}
		payloads = append(payloads, payload)
	}
	return payloads, rows.Err()
}
