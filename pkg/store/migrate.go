package store

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"
)

// migrations are applied in order inside one transaction per step. The
// current schema version lives in PRAGMA user_version.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS conversations (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp TEXT NOT NULL,
		agent TEXT NOT NULL,
		model TEXT NOT NULL,
		provider TEXT NOT NULL,
		prompt TEXT NOT NULL,
		response TEXT NOT NULL,
		prompt_tokens INTEGER NOT NULL DEFAULT 0,
		completion_tokens INTEGER NOT NULL DEFAULT 0,
		total_tokens INTEGER NOT NULL DEFAULT 0,
		duration_ms REAL NOT NULL DEFAULT 0,
		estimated_cost_usd REAL NOT NULL DEFAULT 0,
		fallback_used INTEGER NOT NULL DEFAULT 0,
		session_id TEXT,
		embedding BLOB
	);
	CREATE INDEX IF NOT EXISTS idx_conversations_timestamp ON conversations(timestamp DESC);
	CREATE INDEX IF NOT EXISTS idx_conversations_agent ON conversations(agent);
	CREATE INDEX IF NOT EXISTS idx_conversations_session ON conversations(session_id);`,

	`CREATE TABLE IF NOT EXISTS sessions (
		session_id TEXT PRIMARY KEY,
		source TEXT NOT NULL,
		created_at TEXT NOT NULL,
		last_active TEXT NOT NULL,
		metadata TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_last_active ON sessions(last_active);`,
}

func (s *Store) migrate() error {
	var version int
	if err := s.db.QueryRow(`PRAGMA user_version`).Scan(&version); err != nil {
		return storeErr("migrate", err)
	}
	if version >= len(migrations) {
		return nil
	}

	if version > 0 {
		// Upgrading an existing database; take a file backup first.
		if err := s.backup(); err != nil {
			return err
		}
	}

	for v := version; v < len(migrations); v++ {
		tx, err := s.db.Begin()
		if err != nil {
			return storeErr("migrate", err)
		}
		if _, err := tx.Exec(migrations[v]); err != nil {
			tx.Rollback()
			return storeErr("migrate", fmt.Errorf("step %d: %w", v+1, err))
		}
		if _, err := tx.Exec(fmt.Sprintf(`PRAGMA user_version = %d`, v+1)); err != nil {
			tx.Rollback()
			return storeErr("migrate", err)
		}
		if err := tx.Commit(); err != nil {
			return storeErr("migrate", err)
		}
		slog.Info("Applied schema migration", "version", v+1)
	}
	return nil
}

// backup copies the database file next to itself with a timestamp suffix.
func (s *Store) backup() error {
	if s.path == ":memory:" || strings.HasPrefix(s.path, "file:") {
		return nil
	}
	if _, err := os.Stat(s.path); os.IsNotExist(err) {
		return nil
	}

	backupPath := fmt.Sprintf("%s.backup-%s", s.path, time.Now().UTC().Format("20060102_150405"))

	src, err := os.Open(s.path)
	if err != nil {
		return storeErr("backup", err)
	}
	defer src.Close()

	dst, err := os.Create(backupPath)
	if err != nil {
		return storeErr("backup", err)
	}
	defer dst.Close()

	if _, err := io.Copy(dst, src); err != nil {
		os.Remove(backupPath)
		return storeErr("backup", err)
	}
	slog.Info("Created database backup before migration", "path", backupPath)
	return nil
}
