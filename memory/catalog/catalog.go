// Package catalog keeps the durable record of every memory entry in SQLite,
// including superseded and deleted ones. The vector index holds only active
// vectors; the catalog is the authority for entry status, exact-content
// dedupe and the counts reported by the stats endpoint.
package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/recallhq/recall/memory"
)

// SQLite implements memory.Catalog.
type SQLite struct {
	db *sql.DB
}

// Open opens or creates the catalog database at path.
func Open(path string) (*SQLite, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create catalog dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open catalog: %w", err)
	}

	s := &SQLite{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate catalog: %w", err)
	}
	return s, nil
}

func (s *SQLite) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS entries (
		id            TEXT PRIMARY KEY,
		user_id       TEXT NOT NULL,
		content       TEXT NOT NULL,
		content_hash  TEXT NOT NULL,
		source        TEXT NOT NULL,
		status        TEXT NOT NULL DEFAULT 'active',
		supersedes    TEXT,
		superseded_by TEXT,
		created_at    TEXT NOT NULL,
		updated_at    TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_entries_user_status ON entries(user_id, status);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_entries_active_hash
		ON entries(user_id, content_hash) WHERE status = 'active';
	`
	_, err := s.db.Exec(schema)
	return err
}

// Insert writes a new entry row.
func (s *SQLite) Insert(ctx context.Context, e *memory.Entry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO entries (id, user_id, content, content_hash, source, status, supersedes, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.UserID, e.Content, e.Hash, string(e.Source), string(e.Status),
		nullable(e.Supersedes), e.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("insert entry: %w", err)
	}
	return nil
}

// FindActiveByHash returns the active entry with the given content hash, or
// memory.ErrNotFound.
func (s *SQLite) FindActiveByHash(ctx context.Context, userID, hash string) (*memory.Entry, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, content, content_hash, source, status, COALESCE(supersedes,''), created_at
		FROM entries WHERE user_id = ? AND content_hash = ? AND status = 'active'`,
		userID, hash,
	)
	return scanEntry(row)
}

// Get returns the entry with the given ID within the user's partition.
func (s *SQLite) Get(ctx context.Context, userID, id string) (*memory.Entry, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, content, content_hash, source, status, COALESCE(supersedes,''), created_at
		FROM entries WHERE user_id = ? AND id = ?`,
		userID, id,
	)
	return scanEntry(row)
}

// MarkSuperseded transitions an active entry to superseded. The row stays
// for audit; only the status changes.
func (s *SQLite) MarkSuperseded(ctx context.Context, userID, id, byID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE entries SET status = 'superseded', superseded_by = ?, updated_at = ?
		WHERE user_id = ? AND id = ? AND status = 'active'`,
		nullable(byID), now(), userID, id,
	)
	if err != nil {
		return fmt.Errorf("mark superseded: %w", err)
	}
	return requireRow(res)
}

// MarkDeleted transitions entries to deleted.
func (s *SQLite) MarkDeleted(ctx context.Context, userID string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	args := make([]any, 0, len(ids)+2)
	args = append(args, now(), userID)
	for _, id := range ids {
		args = append(args, id)
	}
	query := fmt.Sprintf(`
		UPDATE entries SET status = 'deleted', updated_at = ?
		WHERE user_id = ? AND id IN (%s)`,
		placeholders(len(ids)),
	)
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("mark deleted: %w", err)
	}
	return nil
}

// CountActive returns the active entry count for the user, or across all
// users when userID is empty.
func (s *SQLite) CountActive(ctx context.Context, userID string) (int, error) {
	var (
		n   int
		err error
	)
	if userID == "" {
		err = s.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM entries WHERE status = 'active'`).Scan(&n)
	} else {
		err = s.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM entries WHERE user_id = ? AND status = 'active'`, userID).Scan(&n)
	}
	if err != nil {
		return 0, fmt.Errorf("count active: %w", err)
	}
	return n, nil
}

// Close closes the database.
func (s *SQLite) Close() error {
	return s.db.Close()
}

func scanEntry(row *sql.Row) (*memory.Entry, error) {
	var e memory.Entry
	var source, status, createdAt string
	err := row.Scan(&e.ID, &e.UserID, &e.Content, &e.Hash, &source, &status, &e.Supersedes, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, memory.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan entry: %w", err)
	}
	e.Source = memory.Source(source)
	e.Status = memory.Status(status)
	e.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	return &e, nil
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return memory.ErrNotFound
	}
	return nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}
