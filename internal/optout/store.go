// Package optout tracks the users who asked not to be exposed through the
// relay. It is the only state in the system that survives a restart.
package optout

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"sync"
	"time"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver
)

// Store is the persistence interface for the opt-out list.
type Store interface {
	// IsOptedOut reports whether the user has opted out.
	IsOptedOut(ctx context.Context, userID string) (bool, error)

	// OptOut adds a user to the list. Idempotent.
	OptOut(ctx context.Context, userID string) error

	// OptIn removes a user from the list. Idempotent.
	OptIn(ctx context.Context, userID string) error

	// List returns all opted-out user IDs.
	List(ctx context.Context) ([]string, error)

	// Close releases underlying resources.
	Close() error
}

// MemoryStore is an in-memory Store for tests and token-less development.
type MemoryStore struct {
	mu  sync.RWMutex
	ids map[string]struct{}
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{ids: make(map[string]struct{})}
}

func (s *MemoryStore) IsOptedOut(ctx context.Context, userID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.ids[userID]
	return ok, nil
}

func (s *MemoryStore) OptOut(ctx context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ids[userID] = struct{}{}
	return nil
}

func (s *MemoryStore) OptIn(ctx context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.ids, userID)
	return nil
}

func (s *MemoryStore) List(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.ids))
	for id := range s.ids {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *MemoryStore) Close() error { return nil }

// SQLiteStore persists the opt-out list in a single-table SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (creating if necessary) the opt-out database at path.
// Use ":memory:" for an ephemeral store.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if path == "" {
		path = ":memory:"
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open optout database: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) init() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS optout (
		user_id    TEXT PRIMARY KEY,
		created_at INTEGER NOT NULL
	)`)
	if err != nil {
		return fmt.Errorf("init optout schema: %w", err)
	}
	return nil
}

func (s *SQLiteStore) IsOptedOut(ctx context.Context, userID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM optout WHERE user_id = ?`, userID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("query optout: %w", err)
	}
	return true, nil
}

func (s *SQLiteStore) OptOut(ctx context.Context, userID string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO optout (user_id, created_at) VALUES (?, ?)
		 ON CONFLICT(user_id) DO NOTHING`,
		userID, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("opt out %s: %w", userID, err)
	}
	return nil
}

func (s *SQLiteStore) OptIn(ctx context.Context, userID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM optout WHERE user_id = ?`, userID)
	if err != nil {
		return fmt.Errorf("opt in %s: %w", userID, err)
	}
	return nil
}

func (s *SQLiteStore) List(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT user_id FROM optout ORDER BY user_id`)
	if err != nil {
		return nil, fmt.Errorf("list optout: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan optout row: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *SQLiteStore) Close() error { return s.db.Close() }
