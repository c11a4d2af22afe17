// Package sqlite persists run histories to a single SQLite file.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite" // pure go sqlite driver

	"mediaopt/internal/history"
	"mediaopt/internal/infra/persistence/memory"
)

var _ history.Store = (*Store)(nil)

// DefaultPath is used when NewStore receives an empty path.
const DefaultPath = "mediaopt.db"

// Store writes each saved history as one JSON row and serves reads from an
// in-memory copy hydrated at open.
type Store struct {
	*memory.Store
	db   *sql.DB
	mu   sync.Mutex
	path string
}

// NewStore opens (creating if needed) the database at path.
func NewStore(path string) (*Store, error) {
	if path == "" {
		path = DefaultPath
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil && !errors.Is(err, os.ErrExist) {
		return nil, fmt.Errorf("create dirs: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS run_history (
		run_id TEXT PRIMARY KEY,
		payload BLOB NOT NULL
	)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create run_history table: %w", err)
	}
	s := &Store{Store: memory.NewStore(), db: db, path: path}
	if err := s.load(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) load() error {
	rows, err := s.db.Query(`SELECT run_id, payload FROM run_history`)
	if err != nil {
		return fmt.Errorf("select run_history: %w", err)
	}
	defer func() { _ = rows.Close() }()
	snap := memory.Snapshot{}
	for rows.Next() {
		var id string
		var payload []byte
		if err := rows.Scan(&id, &payload); err != nil {
			return fmt.Errorf("scan: %w", err)
		}
		if _, err := history.Decode(payload); err != nil {
			return fmt.Errorf("run %s: %w", id, err)
		}
		snap[id] = payload
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate run_history: %w", err)
	}
	s.ImportState(snap)
	return nil
}

// Save upserts the history row, then refreshes the in-memory copy.
func (s *Store) Save(ctx context.Context, h history.RunHistory) (retErr error) {
	data, err := history.Encode(h)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if retErr != nil {
			_ = tx.Rollback()
		}
	}()
	if _, err := tx.ExecContext(ctx, `INSERT INTO run_history(run_id,payload) VALUES(?,?) ON CONFLICT(run_id) DO UPDATE SET payload=excluded.payload`, h.RunID, data); err != nil {
		return fmt.Errorf("upsert %s: %w", h.RunID, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return s.Store.Save(ctx, h)
}

// Close releases the database handle.
func (s *Store) Close() error { return s.db.Close() }

// DB exposes the underlying sql.DB for integration testing hooks.
func (s *Store) DB() *sql.DB { return s.db }

// Path returns the configured database path.
func (s *Store) Path() string { return s.path }
