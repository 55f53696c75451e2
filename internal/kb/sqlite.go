package kb

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/agentmux/agentmux/internal/fault"
)

const defaultLimit = 50

// SQLiteStore implements Store on a single sqlite file.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens (or creates) the knowledge base at dbPath.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if dir := filepath.Dir(dbPath); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fault.Wrap(CodeIngestFailed, fmt.Errorf("prepare database path: %w", err))
		}
	}
	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_mode=rwc", dbPath)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fault.Wrap(CodeIngestFailed, fmt.Errorf("open database: %w", err))
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, fault.Wrap(CodeIngestFailed, fmt.Errorf("initialize schema: %w", err))
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS kb_items (
		id TEXT PRIMARY KEY,
		scope TEXT NOT NULL,
		title TEXT NOT NULL DEFAULT '',
		content TEXT NOT NULL,
		tags TEXT NOT NULL DEFAULT '[]',
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_kb_items_scope ON kb_items(scope);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Ingest implements Store.
func (s *SQLiteStore) Ingest(ctx context.Context, scope, title, content string, tags []string) (string, error) {
	if scope == "" || content == "" {
		return "", fault.New(CodeIngestFailed, "scope and content are required")
	}
	tagsJSON, err := json.Marshal(tags)
	if err != nil {
		return "", fault.Wrap(CodeIngestFailed, err)
	}
	id := uuid.New().String()
	now := time.Now().UTC()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO kb_items (id, scope, title, content, tags, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		id, scope, title, content, string(tagsJSON), now, now)
	if err != nil {
		return "", fault.Wrap(CodeIngestFailed, err)
	}
	return id, nil
}

// Get implements Store.
func (s *SQLiteStore) Get(ctx context.Context, id string) (*Item, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, scope, title, content, tags, created_at, updated_at
		 FROM kb_items WHERE id = ?`, id)
	item, err := scanItem(row)
	if err == sql.ErrNoRows {
		return nil, fault.Newf(CodeNotFound, "no knowledge-base item with id %s", id)
	}
	if err != nil {
		return nil, fault.Wrap(CodeSearchFailed, err)
	}
	return item, nil
}

// Items implements Store.
func (s *SQLiteStore) Items(ctx context.Context, scope string, limit int) ([]*Item, error) {
	if limit <= 0 {
		limit = defaultLimit
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, scope, title, content, tags, created_at, updated_at
		 FROM kb_items WHERE scope = ? ORDER BY created_at DESC LIMIT ?`,
		scope, limit)
	if err != nil {
		return nil, fault.Wrap(CodeSearchFailed, err)
	}
	defer rows.Close()
	return collectItems(rows)
}

// Search implements Store.
func (s *SQLiteStore) Search(ctx context.Context, scope, query string, limit int) ([]*Item, error) {
	if limit <= 0 {
		limit = defaultLimit
	}
	pattern := "%" + query + "%"
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, scope, title, content, tags, created_at, updated_at
		 FROM kb_items
		 WHERE scope = ? AND (title LIKE ? OR content LIKE ? OR tags LIKE ?)
		 ORDER BY created_at DESC LIMIT ?`,
		scope, pattern, pattern, pattern, limit)
	if err != nil {
		return nil, fault.Wrap(CodeSearchFailed, err)
	}
	defer rows.Close()
	return collectItems(rows)
}

// Delete implements Store.
func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM kb_items WHERE id = ?`, id)
	if err != nil {
		return fault.Wrap(CodeIngestFailed, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fault.Newf(CodeNotFound, "no knowledge-base item with id %s", id)
	}
	return nil
}

// CopyFrom implements Store. Copies run in one transaction so a partial
// copy never lands.
func (s *SQLiteStore) CopyFrom(ctx context.Context, srcScope, dstScope string) (int, error) {
	if srcScope == dstScope {
		return 0, fault.New(CodeCopyFailed, "source and destination scopes are identical")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fault.Wrap(CodeCopyFailed, err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx,
		`SELECT title, content, tags FROM kb_items WHERE scope = ? ORDER BY created_at`,
		srcScope)
	if err != nil {
		return 0, fault.Wrap(CodeCopyFailed, err)
	}
	type pending struct{ title, content, tags string }
	var items []pending
	for rows.Next() {
		var p pending
		if err := rows.Scan(&p.title, &p.content, &p.tags); err != nil {
			_ = rows.Close()
			return 0, fault.Wrap(CodeCopyFailed, err)
		}
		items = append(items, p)
	}
	if err := rows.Close(); err != nil {
		return 0, fault.Wrap(CodeCopyFailed, err)
	}

	now := time.Now().UTC()
	for _, p := range items {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO kb_items (id, scope, title, content, tags, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			uuid.New().String(), dstScope, p.title, p.content, p.tags, now, now)
		if err != nil {
			return 0, fault.Wrap(CodeCopyFailed, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fault.Wrap(CodeCopyFailed, err)
	}
	return len(items), nil
}

// Close implements Store.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanItem(row rowScanner) (*Item, error) {
	var item Item
	var tagsJSON string
	if err := row.Scan(&item.ID, &item.Scope, &item.Title, &item.Content,
		&tagsJSON, &item.CreatedAt, &item.UpdatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(tagsJSON), &item.Tags); err != nil {
		item.Tags = nil
	}
	return &item, nil
}

func collectItems(rows *sql.Rows) ([]*Item, error) {
	var items []*Item
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, fault.Wrap(CodeSearchFailed, err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fault.Wrap(CodeSearchFailed, err)
	}
	return items, nil
}
