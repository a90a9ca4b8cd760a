// Package store persists all storyloom state in SQLite: sessions, story
// worlds, roles, chapters with their turn logs, and the scoped memory
// records behind semantic recall.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "github.com/mattn/go-sqlite3"

	"storyloom/internal/embedding"
	"storyloom/internal/logging"
)

// LocalStore is the single SQLite-backed store. All component state flows
// through it; components never share in-memory state across a restart.
type LocalStore struct {
	db              *sql.DB
	mu              sync.RWMutex
	dbPath          string
	embeddingEngine embedding.Engine // optional, nil degrades recall to keyword matching
}

// NewLocalStore initializes the SQLite database at the given path.
func NewLocalStore(path string) (*LocalStore, error) {
	timer := logging.StartTimer(logging.CategoryStore, "NewLocalStore")
	defer timer.Stop()

	logging.Store("Initializing LocalStore at path: %s", path)

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		logging.StoreDebug("Failed to set sqlite busy_timeout: %v", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		logging.StoreDebug("Failed to set sqlite journal_mode=WAL: %v", err)
	}
	// synchronous=NORMAL is safe with WAL and much faster than FULL
	if _, err := db.Exec("PRAGMA synchronous = NORMAL"); err != nil {
		logging.StoreDebug("Failed to set sqlite synchronous=NORMAL: %v", err)
	}

	store := &LocalStore{db: db, dbPath: path}
	if err := store.initialize(); err != nil {
		db.Close()
		return nil, err
	}

	logging.Store("LocalStore initialization complete")
	return store, nil
}

// initialize creates the required tables.
func (s *LocalStore) initialize() error {
	sessionsTable := `
	CREATE TABLE IF NOT EXISTS sessions (
		session_id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		active_world_id TEXT,
		turn_count INTEGER DEFAULT 0,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_user ON sessions(user_id);
	`

	worldsTable := `
	CREATE TABLE IF NOT EXISTS worlds (
		world_id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		name TEXT NOT NULL,
		type TEXT NOT NULL,
		background TEXT,
		rules TEXT,
		features_json TEXT,
		role_names_json TEXT,
		themes_json TEXT,
		target_age TEXT,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_worlds_user ON worlds(user_id);
	`

	rolesTable := `
	CREATE TABLE IF NOT EXISTS roles (
		role_id TEXT PRIMARY KEY,
		world_id TEXT NOT NULL,
		config_json TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'idle',
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		last_active DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_roles_world ON roles(world_id);
	CREATE INDEX IF NOT EXISTS idx_roles_status ON roles(world_id, status);
	`

	chaptersTable := `
	CREATE TABLE IF NOT EXISTS chapters (
		chapter_id TEXT PRIMARY KEY,
		world_id TEXT NOT NULL,
		chapter_index INTEGER NOT NULL,
		active_role_id TEXT,
		status TEXT NOT NULL DEFAULT 'open',
		turn_count INTEGER DEFAULT 0,
		summary TEXT,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(world_id, chapter_index)
	);
	CREATE INDEX IF NOT EXISTS idx_chapters_world ON chapters(world_id);
	`

	// UNIQUE(chapter_id, seq) makes turn commits idempotent: replaying a
	// turn after a crash is a no-op.
	turnsTable := `
	CREATE TABLE IF NOT EXISTS chapter_turns (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		chapter_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		speaker TEXT NOT NULL,
		content TEXT NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(chapter_id, seq)
	);
	CREATE INDEX IF NOT EXISTS idx_turns_chapter ON chapter_turns(chapter_id);
	`

	memoryTable := `
	CREATE TABLE IF NOT EXISTS memory_records (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		scope_key TEXT NOT NULL,
		world_scope_key TEXT,
		key TEXT NOT NULL,
		payload TEXT NOT NULL,
		shared INTEGER DEFAULT 0,
		embedding TEXT,
		expires_at DATETIME,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_memory_scope ON memory_records(scope_key);
	CREATE INDEX IF NOT EXISTS idx_memory_world_scope ON memory_records(world_scope_key, shared);
	CREATE INDEX IF NOT EXISTS idx_memory_key ON memory_records(scope_key, key);
	`

	for _, table := range []string{
		sessionsTable,
		worldsTable,
		rolesTable,
		chaptersTable,
		turnsTable,
		memoryTable,
	} {
		if _, err := s.db.Exec(table); err != nil {
			return fmt.Errorf("failed to create table: %w", err)
		}
	}

	return nil
}

// SetEmbeddingEngine configures the embedding engine used by memory recall.
// Must be called before WriteMemory for records to carry embeddings.
func (s *LocalStore) SetEmbeddingEngine(engine embedding.Engine) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.embeddingEngine = engine
}

// Close closes the database connection.
func (s *LocalStore) Close() error {
	logging.Store("Closing LocalStore database connection")
	return s.db.Close()
}

// GetDB returns the underlying SQL database connection.
func (s *LocalStore) GetDB() *sql.DB {
	return s.db
}

// GetStats returns row counts per table.
func (s *LocalStore) GetStats() (map[string]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := make(map[string]int64)
	tables := []string{"sessions", "worlds", "roles", "chapters", "chapter_turns", "memory_records"}

	for _, table := range tables {
		var count int64
		err := s.db.QueryRow(fmt.Sprintf("SELECT COUNT(*) FROM %s", table)).Scan(&count)
		if err != nil {
			logging.StoreDebug("Table %s count failed: %v", table, err)
			continue
		}
		stats[table] = count
	}

	return stats, nil
}
