package analytics

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

// SQLite keeps the document as one JSON row; the single-row CHECK keeps it a
// single durable record.
type SQLite struct {
	db *sql.DB
}

func NewSQLite(db *sql.DB) *SQLite {
	return &SQLite{db: db}
}

func (s *SQLite) Load(ctx context.Context) (*Document, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT doc FROM analytics_store WHERE id = 1`).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return NewDocument(), nil
	}
	if err != nil {
		return nil, err
	}
	var doc Document
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return nil, fmt.Errorf("decode analytics_store: %w", err)
	}
	return doc.normalize(), nil
}

func (s *SQLite) Save(ctx context.Context, doc *Document) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO analytics_store(id, doc, updated_at) VALUES(1, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(id) DO UPDATE SET doc = excluded.doc, updated_at = excluded.updated_at`, string(raw))
	return err
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

// Migrate ensures schema exists
func Migrate(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS analytics_store (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			doc TEXT NOT NULL,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}
