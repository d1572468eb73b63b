// Package store persists conversations and sessions in a single SQLite
// database. All timestamps are stored as RFC3339 UTC strings; embeddings are
// stored in-row as length-prefixed float32 blobs.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// ErrNotFound is returned by lookups for missing records.
var ErrNotFound = errors.New("record not found")

// StoreError wraps persistence failures so callers can map them uniformly.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string { return fmt.Sprintf("store %s: %v", e.Op, e.Err) }
func (e *StoreError) Unwrap() error { return e.Err }

func storeErr(op string, err error) error {
	return &StoreError{Op: op, Err: err}
}

// Conversation is one persisted LLM call.
type Conversation struct {
	ID               int64     `json:"id"`
	Timestamp        time.Time `json:"timestamp"`
	Agent            string    `json:"agent"`
	Model            string    `json:"model"`
	Provider         string    `json:"provider"`
	Prompt           string    `json:"prompt"`
	Response         string    `json:"response"`
	PromptTokens     int       `json:"prompt_tokens"`
	CompletionTokens int       `json:"completion_tokens"`
	TotalTokens      int       `json:"total_tokens"`
	DurationMS       float64   `json:"duration_ms"`
	EstimatedCostUSD float64   `json:"estimated_cost_usd"`
	FallbackUsed     bool      `json:"fallback_used"`
	SessionID        string    `json:"session_id,omitempty"`
	Embedding        []byte    `json:"-"`
}

// Session is one persisted session row.
type Session struct {
	SessionID  string    `json:"session_id"`
	Source     string    `json:"source"`
	CreatedAt  time.Time `json:"created_at"`
	LastActive time.Time `json:"last_active"`
	Metadata   string    `json:"metadata,omitempty"`
}

// Store wraps the SQLite database.
type Store struct {
	db   *sql.DB
	path string
}

// Open opens (and migrates) the database at path. ":memory:" is accepted for
// tests.
func Open(path string) (*Store, error) {
	dsn := path
	if path != ":memory:" {
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, storeErr("open", err)
			}
		}
		dsn = fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=10000&_foreign_keys=on", path)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, storeErr("open", err)
	}
	// SQLite writes are serialized; one writer connection avoids lock errors.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, path: path}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

const conversationColumns = `id, timestamp, agent, model, provider, prompt, response,
	prompt_tokens, completion_tokens, total_tokens, duration_ms, estimated_cost_usd,
	fallback_used, session_id, embedding`

func scanConversation(row interface{ Scan(...any) error }) (*Conversation, error) {
	var c Conversation
	var ts string
	var sessionID sql.NullString
	err := row.Scan(&c.ID, &ts, &c.Agent, &c.Model, &c.Provider, &c.Prompt, &c.Response,
		&c.PromptTokens, &c.CompletionTokens, &c.TotalTokens, &c.DurationMS, &c.EstimatedCostUSD,
		&c.FallbackUsed, &sessionID, &c.Embedding)
	if err != nil {
		return nil, err
	}
	c.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
	c.SessionID = sessionID.String
	return &c, nil
}

// InsertConversation stores a record and returns its id. TotalTokens is
// recomputed from the parts when both are known.
func (s *Store) InsertConversation(ctx context.Context, c *Conversation) (int64, error) {
	if c.PromptTokens > 0 && c.CompletionTokens > 0 {
		c.TotalTokens = c.PromptTokens + c.CompletionTokens
	}
	if c.Timestamp.IsZero() {
		c.Timestamp = time.Now().UTC()
	}

	var sessionID any
	if c.SessionID != "" {
		sessionID = c.SessionID
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO conversations (timestamp, agent, model, provider, prompt, response,
			prompt_tokens, completion_tokens, total_tokens, duration_ms, estimated_cost_usd,
			fallback_used, session_id, embedding)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.Timestamp.UTC().Format(time.RFC3339Nano), c.Agent, c.Model, c.Provider,
		c.Prompt, c.Response, c.PromptTokens, c.CompletionTokens, c.TotalTokens,
		c.DurationMS, c.EstimatedCostUSD, c.FallbackUsed, sessionID, c.Embedding)
	if err != nil {
		return 0, storeErr("insert conversation", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, storeErr("insert conversation", err)
	}
	c.ID = id
	return id, nil
}

// GetRecentBySession returns up to limit conversations of a session, oldest
// first.
func (s *Store) GetRecentBySession(ctx context.Context, sessionID string, limit int) ([]*Conversation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+conversationColumns+` FROM (
			SELECT `+conversationColumns+` FROM conversations
			WHERE session_id = ?
			ORDER BY timestamp DESC, id DESC
			LIMIT ?
		) ORDER BY timestamp ASC, id ASC`, sessionID, limit)
	if err != nil {
		return nil, storeErr("recent by session", err)
	}
	defer rows.Close()
	return collectConversations(rows, "recent by session")
}

// QueryCandidates returns up to limit most recent conversations outside the
// excluded session, optionally filtered by agent.
func (s *Store) QueryCandidates(ctx context.Context, agent, excludeSessionID string, limit int) ([]*Conversation, error) {
	query := `SELECT ` + conversationColumns + ` FROM conversations
		WHERE (session_id IS NULL OR session_id != ?)`
	args := []any{excludeSessionID}
	if agent != "" {
		query += ` AND agent = ?`
		args = append(args, agent)
	}
	query += ` ORDER BY timestamp DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeErr("query candidates", err)
	}
	defer rows.Close()
	return collectConversations(rows, "query candidates")
}

// GetByID returns one conversation or ErrNotFound.
func (s *Store) GetByID(ctx context.Context, id int64) (*Conversation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+conversationColumns+` FROM conversations WHERE id = ?`, id)
	c, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, storeErr("get by id", err)
	}
	return c, nil
}

// Delete removes a conversation. Missing ids are a no-op.
func (s *Store) Delete(ctx context.Context, id int64) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM conversations WHERE id = ?`, id); err != nil {
		return storeErr("delete", err)
	}
	return nil
}

// UpdateEmbedding backfills the embedding blob for a record.
func (s *Store) UpdateEmbedding(ctx context.Context, id int64, blob []byte) error {
	if _, err := s.db.ExecContext(ctx, `UPDATE conversations SET embedding = ? WHERE id = ?`, blob, id); err != nil {
		return storeErr("update embedding", err)
	}
	return nil
}

// SearchFilter narrows Search results. Zero fields are ignored.
type SearchFilter struct {
	Agent     string
	Model     string
	SessionID string
	Since     time.Time
	Until     time.Time
}

// Search returns records whose prompt or response contains q, newest first.
func (s *Store) Search(ctx context.Context, q string, f SearchFilter, limit int) ([]*Conversation, error) {
	query := `SELECT ` + conversationColumns + ` FROM conversations
		WHERE (prompt LIKE ? OR response LIKE ?)`
	pattern := "%" + q + "%"
	args := []any{pattern, pattern}
	if f.Agent != "" {
		query += ` AND agent = ?`
		args = append(args, f.Agent)
	}
	if f.Model != "" {
		query += ` AND model = ?`
		args = append(args, f.Model)
	}
	if f.SessionID != "" {
		query += ` AND session_id = ?`
		args = append(args, f.SessionID)
	}
	if !f.Since.IsZero() {
		query += ` AND timestamp >= ?`
		args = append(args, f.Since.UTC().Format(time.RFC3339Nano))
	}
	if !f.Until.IsZero() {
		query += ` AND timestamp <= ?`
		args = append(args, f.Until.UTC().Format(time.RFC3339Nano))
	}
	query += ` ORDER BY timestamp DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeErr("search", err)
	}
	defer rows.Close()
	return collectConversations(rows, "search")
}

// Recent returns the newest records, optionally filtered by agent.
func (s *Store) Recent(ctx context.Context, agent string, limit int) ([]*Conversation, error) {
	return s.QueryCandidates(ctx, agent, "", limit)
}

// LastBySession returns the newest conversation id for a session, or 0.
func (s *Store) LastBySession(ctx context.Context, sessionID string) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx,
		`SELECT id FROM conversations WHERE session_id = ? ORDER BY timestamp DESC, id DESC LIMIT 1`,
		sessionID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, storeErr("last by session", err)
	}
	return id, nil
}

func collectConversations(rows *sql.Rows, op string) ([]*Conversation, error) {
	var out []*Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, storeErr(op, err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr(op, err)
	}
	return out, nil
}

// SaveSession upserts a session and advances last_active to now.
func (s *Store) SaveSession(ctx context.Context, sess *Session) error {
	now := time.Now().UTC()
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = now
	}
	sess.LastActive = now

	// An empty incoming metadata keeps the stored value; the CLI pid lives
	// there.
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (session_id, source, created_at, last_active, metadata)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			last_active = excluded.last_active,
			metadata = CASE WHEN excluded.metadata = ''
				THEN sessions.metadata ELSE excluded.metadata END`,
		sess.SessionID, sess.Source,
		sess.CreatedAt.Format(time.RFC3339Nano), sess.LastActive.Format(time.RFC3339Nano),
		sess.Metadata)
	if err != nil {
		return storeErr("save session", err)
	}
	return nil
}

// TouchSession advances last_active without changing anything else.
func (s *Store) TouchSession(ctx context.Context, sessionID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET last_active = ? WHERE session_id = ?`,
		time.Now().UTC().Format(time.RFC3339Nano), sessionID)
	if err != nil {
		return storeErr("touch session", err)
	}
	return nil
}

// GetSession returns one session or ErrNotFound.
func (s *Store) GetSession(ctx context.Context, sessionID string) (*Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT session_id, source, created_at, last_active, metadata FROM sessions WHERE session_id = ?`,
		sessionID)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, storeErr("get session", err)
	}
	return sess, nil
}

func scanSession(row interface{ Scan(...any) error }) (*Session, error) {
	var sess Session
	var created, active string
	var metadata sql.NullString
	if err := row.Scan(&sess.SessionID, &sess.Source, &created, &active, &metadata); err != nil {
		return nil, err
	}
	sess.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
	sess.LastActive, _ = time.Parse(time.RFC3339Nano, active)
	sess.Metadata = metadata.String
	return &sess, nil
}

// FindActiveCLISession returns the most recent cli session whose metadata pid
// matches and whose last_active is within the window. Returns ErrNotFound on
// miss.
func (s *Store) FindActiveCLISession(ctx context.Context, pid int, within time.Duration) (*Session, error) {
	cutoff := time.Now().UTC().Add(-within).Format(time.RFC3339Nano)
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, source, created_at, last_active, metadata FROM sessions
		WHERE source = 'cli' AND last_active >= ?
		ORDER BY last_active DESC`, cutoff)
	if err != nil {
		return nil, storeErr("find cli session", err)
	}
	defer rows.Close()

	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, storeErr("find cli session", err)
		}
		var meta struct {
			PID int `json:"pid"`
		}
		if sess.Metadata == "" || json.Unmarshal([]byte(sess.Metadata), &meta) != nil {
			continue
		}
		if meta.PID == pid {
			return sess, nil
		}
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("find cli session", err)
	}
	return nil, ErrNotFound
}

// PruneInactiveSessions deletes sessions idle since before olderThan, along
// with their conversations. Returns the number of sessions removed.
func (s *Store) PruneInactiveSessions(ctx context.Context, olderThan time.Time) (int64, error) {
	cutoff := olderThan.UTC().Format(time.RFC3339Nano)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, storeErr("prune sessions", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM conversations WHERE session_id IN
			(SELECT session_id FROM sessions WHERE last_active < ?)`, cutoff); err != nil {
		return 0, storeErr("prune sessions", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE last_active < ?`, cutoff)
	if err != nil {
		return 0, storeErr("prune sessions", err)
	}
	n, _ := res.RowsAffected()

	if err := tx.Commit(); err != nil {
		return 0, storeErr("prune sessions", err)
	}
	return n, nil
}

// Cleanup deletes conversations older than the cutoff whose session no longer
// exists. Returns the number of rows removed.
func (s *Store) Cleanup(ctx context.Context, olderThan time.Time) (int64, error) {
	cutoff := olderThan.UTC().Format(time.RFC3339Nano)
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM conversations
		WHERE timestamp < ?
		  AND (session_id IS NULL OR session_id NOT IN (SELECT session_id FROM sessions))`,
		cutoff)
	if err != nil {
		return 0, storeErr("cleanup", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// AgentStat is one per-agent or per-model aggregate row.
type AgentStat struct {
	Name        string  `json:"name"`
	Requests    int64   `json:"requests"`
	TotalTokens int64   `json:"total_tokens"`
	CostUSD     float64 `json:"cost_usd"`
	AvgDuration float64 `json:"avg_duration_ms"`
}

// Stats holds aggregate conversation totals plus breakdowns.
type Stats struct {
	TotalConversations int64       `json:"total_conversations"`
	TotalTokens        int64       `json:"total_tokens"`
	TotalCostUSD       float64     `json:"total_cost_usd"`
	AvgDurationMS      float64     `json:"avg_duration_ms"`
	ByAgent            []AgentStat `json:"by_agent"`
	ByModel            []AgentStat `json:"by_model"`
}

// GetStats aggregates conversations since the given time; a zero time covers
// everything.
func (s *Store) GetStats(ctx context.Context, since time.Time) (*Stats, error) {
	where := ""
	var args []any
	if !since.IsZero() {
		where = " WHERE timestamp >= ?"
		args = append(args, since.UTC().Format(time.RFC3339Nano))
	}

	stats := &Stats{}
	row := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(total_tokens), 0), COALESCE(SUM(estimated_cost_usd), 0),
			COALESCE(AVG(duration_ms), 0)
		FROM conversations`+where, args...)
	if err := row.Scan(&stats.TotalConversations, &stats.TotalTokens, &stats.TotalCostUSD, &stats.AvgDurationMS); err != nil {
		return nil, storeErr("stats", err)
	}

	for _, group := range []struct {
		column string
		dest   *[]AgentStat
	}{
		{"agent", &stats.ByAgent},
		{"model", &stats.ByModel},
	} {
		rows, err := s.db.QueryContext(ctx, `
			SELECT `+group.column+`, COUNT(*), COALESCE(SUM(total_tokens), 0),
				COALESCE(SUM(estimated_cost_usd), 0), COALESCE(AVG(duration_ms), 0)
			FROM conversations`+where+`
			GROUP BY `+group.column+`
			ORDER BY COUNT(*) DESC`, args...)
		if err != nil {
			return nil, storeErr("stats", err)
		}
		for rows.Next() {
			var st AgentStat
			if err := rows.Scan(&st.Name, &st.Requests, &st.TotalTokens, &st.CostUSD, &st.AvgDuration); err != nil {
				rows.Close()
				return nil, storeErr("stats", err)
			}
			*group.dest = append(*group.dest, st)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return nil, storeErr("stats", err)
		}
	}
	return stats, nil
}

// Info describes store health for the health endpoint.
type Info struct {
	Connected          bool      `json:"connected"`
	TotalConversations int64     `json:"total_conversations"`
	DBSizeMB           float64   `json:"db_size_mb"`
	LastConversationAt time.Time `json:"last_conversation_at,omitempty"`
}

// GetInfo reports connectivity, row count, file size and last activity.
func (s *Store) GetInfo(ctx context.Context) *Info {
	info := &Info{}
	if err := s.db.PingContext(ctx); err != nil {
		return info
	}
	info.Connected = true

	_ = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM conversations`).Scan(&info.TotalConversations)

	var last sql.NullString
	_ = s.db.QueryRowContext(ctx, `SELECT MAX(timestamp) FROM conversations`).Scan(&last)
	if last.Valid {
		info.LastConversationAt, _ = time.Parse(time.RFC3339Nano, last.String)
	}

	if s.path != ":memory:" && !strings.HasPrefix(s.path, "file:") {
		if fi, err := os.Stat(s.path); err == nil {
			info.DBSizeMB = float64(fi.Size()) / (1024 * 1024)
		}
	}
	return info
}

// Export writes every conversation as JSON to w-compatible output. Callers
// stream the result; embeddings are omitted.
func (s *Store) Export(ctx context.Context) ([]*Conversation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+conversationColumns+` FROM conversations ORDER BY id ASC`)
	if err != nil {
		return nil, storeErr("export", err)
	}
	defer rows.Close()
	return collectConversations(rows, "export")
}
