// Package runlog writes one scrubbed JSON file per LLM call. Log files are
// advisory; the conversation store is the source of truth.
package runlog

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Entry is the persisted shape of one call log.
type Entry struct {
	Timestamp        time.Time `json:"timestamp"`
	Agent            string    `json:"agent"`
	Model            string    `json:"model"`
	Provider         string    `json:"provider"`
	Prompt           string    `json:"prompt"`
	Response         string    `json:"response"`
	PromptTokens     int       `json:"prompt_tokens"`
	CompletionTokens int       `json:"completion_tokens"`
	TotalTokens      int       `json:"total_tokens"`
	DurationMS       int64     `json:"duration_ms"`
	EstimatedCostUSD float64   `json:"estimated_cost_usd"`
	FallbackUsed     bool      `json:"fallback_used"`
	FallbackReason   string    `json:"fallback_reason,omitempty"`
	SessionID        string    `json:"session_id,omitempty"`
}

// Credential patterns scrubbed from every persisted field.
var maskPatterns = []struct {
	re          *regexp.Regexp
	replacement string
}{
	{regexp.MustCompile(`sk-[a-zA-Z0-9]{8,}`), "sk-***MASKED***"},
	{regexp.MustCompile(`(?i)(API[_-]?KEY\s*[=:]\s*)\S+`), "${1}***MASKED***"},
	{regexp.MustCompile(`(?i)(Bearer\s+)[A-Za-z0-9._-]{8,}`), "${1}***MASKED***"},
	{regexp.MustCompile(`AIza[0-9A-Za-z_-]{30,}`), "***MASKED***"},
}

// Scrub masks credential-shaped substrings in s.
func Scrub(s string) string {
	for _, p := range maskPatterns {
		s = p.re.ReplaceAllString(s, p.replacement)
	}
	return s
}

// Writer appends call logs to a directory.
type Writer struct {
	dir string
	now func() time.Time
}

// NewWriter creates a writer; the directory is created on first use.
func NewWriter(dir string) *Writer {
	return &Writer{dir: dir, now: time.Now}
}

// Write persists one scrubbed entry as its own JSON file named
// YYYYMMDD_HHMMSS-{agent}-{8 hex}.json. Failures are logged and swallowed.
func (w *Writer) Write(entry Entry) {
	if w.dir == "" {
		return
	}
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		slog.Warn("Failed to create log directory", "dir", w.dir, "error", err)
		return
	}

	entry.Prompt = Scrub(entry.Prompt)
	entry.Response = Scrub(entry.Response)
	if entry.Timestamp.IsZero() {
		entry.Timestamp = w.now().UTC()
	}

	name := fmt.Sprintf("%s-%s-%s.json",
		entry.Timestamp.UTC().Format("20060102_150405"), entry.Agent, fileID())

	data, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		slog.Warn("Failed to marshal run log entry", "error", err)
		return
	}
	if err := os.WriteFile(filepath.Join(w.dir, name), data, 0o644); err != nil {
		slog.Warn("Failed to write run log", "file", name, "error", err)
	}
}

// fileID returns 8 hex characters for log file uniqueness.
func fileID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

// List returns the log file names, newest first. The timestamp prefix makes
// lexical order chronological. A missing directory lists as empty.
func (w *Writer) List() ([]string, error) {
	entries, err := os.ReadDir(w.dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list log directory %s: %w", w.dir, err)
	}

	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".json") {
			names = append(names, e.Name())
		}
	}
	sort.Sort(sort.Reverse(sort.StringSlice(names)))
	return names, nil
}

// Read decodes one log entry by file name.
func (w *Writer) Read(name string) (*Entry, error) {
	data, err := os.ReadFile(filepath.Join(w.dir, name))
	if err != nil {
		return nil, fmt.Errorf("failed to read log %s: %w", name, err)
	}
	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("failed to decode log %s: %w", name, err)
	}
	return &entry, nil
}
