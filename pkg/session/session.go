// Package session validates, generates and reuses session identifiers.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"regexp"
	"time"

	"github.com/brdfb/maestro/pkg/store"
)

// Session id syntax is wire-stable.
var idPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// ErrInvalidSessionID rejects ids outside the allowed syntax.
var ErrInvalidSessionID = errors.New("invalid session id")

// Validate checks id against the session id syntax.
func Validate(id string) error {
	if !idPattern.MatchString(id) {
		return fmt.Errorf("%w: %q must match ^[A-Za-z0-9_-]{1,64}$", ErrInvalidSessionID, id)
	}
	return nil
}

const (
	// cliReuseWindow is how long a CLI session stays reusable for the same pid.
	cliReuseWindow = 2 * time.Hour

	// pruneAge is the idle age after which sessions are pruned.
	pruneAge = 7 * 24 * time.Hour

	// pruneProbability gates the opportunistic prune on save.
	pruneProbability = 0.1
)

const alnum = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// Manager owns session lifecycle against the store. The now/rand/pid hooks
// are injectable for tests.
type Manager struct {
	store *store.Store
	now   func() time.Time
	randF func() float64
	randI func(int) int
	pid   func() int
}

// NewManager creates a session manager.
func NewManager(s *store.Store) *Manager {
	return &Manager{
		store: s,
		now:   time.Now,
		randF: rand.Float64,
		randI: rand.Intn,
		pid:   os.Getpid,
	}
}

func (m *Manager) randomSuffix(n int) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = alnum[m.randI(len(alnum))]
	}
	return string(b)
}

// GenerateCLI produces a cli session id for the current process.
func (m *Manager) GenerateCLI() string {
	return fmt.Sprintf("cli-%d-%s", m.pid(), m.now().UTC().Format("20060102T150405"))
}

// GenerateUI produces a ui session id.
func (m *Manager) GenerateUI() string {
	return fmt.Sprintf("ui-%d-%s", m.now().UnixMilli(), m.randomSuffix(8))
}

// GenerateAPI produces an api session id.
func (m *Manager) GenerateAPI() string {
	return fmt.Sprintf("api-%d-%s", m.now().UnixMilli(), m.randomSuffix(8))
}

// GetOrCreate resolves a session id for a request and persists the session.
//
// An explicit id is validated and upserted. Without one, CLI requests reuse
// an active session for the same pid inside the reuse window (without
// touching last_active until a conversation lands); other sources get a fresh
// generated id.
func (m *Manager) GetOrCreate(ctx context.Context, source, explicitID string) (string, error) {
	if explicitID != "" {
		if err := Validate(explicitID); err != nil {
			return "", err
		}
		m.save(ctx, &store.Session{SessionID: explicitID, Source: source})
		return explicitID, nil
	}

	switch source {
	case "cli":
		if sess, err := m.store.FindActiveCLISession(ctx, m.pid(), cliReuseWindow); err == nil {
			slog.Debug("Reusing CLI session", "session_id", sess.SessionID, "pid", m.pid())
			return sess.SessionID, nil
		} else if !errors.Is(err, store.ErrNotFound) {
			slog.Warn("CLI session lookup failed, generating new session", "error", err)
		}
		id := m.GenerateCLI()
		m.save(ctx, &store.Session{
			SessionID: id,
			Source:    "cli",
			Metadata:  fmt.Sprintf(`{"pid":%d}`, m.pid()),
		})
		return id, nil
	case "ui":
		id := m.GenerateUI()
		m.save(ctx, &store.Session{SessionID: id, Source: "ui"})
		return id, nil
	default:
		id := m.GenerateAPI()
		m.save(ctx, &store.Session{SessionID: id, Source: "api"})
		return id, nil
	}
}

// Touch advances last_active after a conversation lands in the session.
func (m *Manager) Touch(ctx context.Context, sessionID string) {
	if sessionID == "" {
		return
	}
	if err := m.store.TouchSession(ctx, sessionID); err != nil {
		slog.Warn("Failed to touch session", "session_id", sessionID, "error", err)
	}
}

// save persists the session and opportunistically prunes stale ones. Failures
// are logged; the chain continues without a persisted session.
func (m *Manager) save(ctx context.Context, sess *store.Session) {
	if err := m.store.SaveSession(ctx, sess); err != nil {
		slog.Warn("Failed to persist session, continuing without", "session_id", sess.SessionID, "error", err)
		return
	}

	if m.randF() < pruneProbability {
		cutoff := m.now().Add(-pruneAge)
		if n, err := m.store.PruneInactiveSessions(ctx, cutoff); err != nil {
			slog.Warn("Session prune failed", "error", err)
		} else if n > 0 {
			slog.Info("Pruned inactive sessions", "count", n, "older_than", cutoff.UTC().Format(time.RFC3339))
		}
	}
}
