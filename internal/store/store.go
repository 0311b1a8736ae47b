package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "github.com/mattn/go-sqlite3"
)

// Store is the narrow key -> value settings interface the core requires.
// Set buffers in memory; Save must be durable before a settings frame is
// acknowledged.
type Store interface {
	Get(key string) ([]byte, bool)
	Set(key string, value []byte)
	Save() error
	Close() error
}

// SQLiteStore implements Store on a single settings table.
type SQLiteStore struct {
	db    *sql.DB
	mu    sync.Mutex
	cache map[string][]byte
	dirty map[string]bool
}

// Open opens (creating if needed) the settings database.
func Open(dbPath string) (*SQLiteStore, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	s := &SQLiteStore{
		db:    db,
		cache: make(map[string][]byte),
		dirty: make(map[string]bool),
	}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	if err := s.loadAll(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) init() error {
	schema := `
	CREATE TABLE IF NOT EXISTS settings (
		key TEXT PRIMARY KEY,
		value BLOB NOT NULL,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	// Full synchronous mode: Save must survive power loss in the cab.
	if _, err := s.db.Exec(`PRAGMA synchronous = FULL`); err != nil {
		return fmt.Errorf("failed to set synchronous mode: %w", err)
	}
	return nil
}

func (s *SQLiteStore) loadAll() error {
	rows, err := s.db.Query(`SELECT key, value FROM settings`)
	if err != nil {
		return fmt.Errorf("failed to load settings: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var key string
		var value []byte
		if err := rows.Scan(&key, &value); err != nil {
			return fmt.Errorf("failed to scan setting: %w", err)
		}
		s.cache[key] = value
	}
	return rows.Err()
}

// Get returns the cached value for a key.
func (s *SQLiteStore) Get(key string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.cache[key]
	if !ok {
		return nil, false
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, true
}

// Set stages a value; it becomes durable on the next Save.
func (s *SQLiteStore) Set(key string, value []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]byte, len(value))
	copy(cp, value)
	s.cache[key] = cp
	s.dirty[key] = true
}

// Save flushes staged values inside one transaction.
func (s *SQLiteStore) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.dirty) == 0 {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	stmt, err := tx.Prepare(`
		INSERT INTO settings (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			updated_at = CURRENT_TIMESTAMP
	`)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("failed to prepare upsert: %w", err)
	}
	defer stmt.Close()

	for key := range s.dirty {
		if _, err := stmt.Exec(key, s.cache[key]); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to save %s: %w", key, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit settings: %w", err)
	}
	s.dirty = make(map[string]bool)
	return nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// MemStore is an in-memory Store for tests.
type MemStore struct {
	mu    sync.Mutex
	data  map[string][]byte
	Saves int
}

// NewMemStore creates an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{data: make(map[string][]byte)}
}

func (m *MemStore) Get(key string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	return v, ok
}

func (m *MemStore) Set(key string, value []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]byte, len(value))
	copy(cp, value)
	m.data[key] = cp
}

func (m *MemStore) Save() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Saves++
	return nil
}

func (m *MemStore) Close() error { return nil }
