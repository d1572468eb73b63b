package session

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brdfb/maestro/pkg/store"
)

func newTestManager(t *testing.T) (*Manager, *store.Store) {
	t.Helper()
	s, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	m := NewManager(s)
	m.pid = func() int { return 4242 }
	m.randF = func() float64 { return 1 } // never prune unless a test opts in
	m.randI = func(n int) int { return 0 }
	return m, s
}

func TestValidate(t *testing.T) {
	valid := []string{"a", "cli-42-20260824T120000", "ui-1724500000000-Ab3dEf9X", "x_y-Z9", strings.Repeat("a", 64)}
	for _, id := range valid {
		assert.NoError(t, Validate(id), id)
	}

	invalid := []string{"", "has space", "semi;colon", "dot.dot", strings.Repeat("a", 65), "ünïcode"}
	for _, id := range invalid {
		err := Validate(id)
		assert.ErrorIs(t, err, ErrInvalidSessionID, id)
	}
}

func TestGeneratedIDsMatchSyntax(t *testing.T) {
	m, _ := newTestManager(t)
	fixed := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return fixed }

	cli := m.GenerateCLI()
	assert.Equal(t, "cli-4242-20260824T120000", cli)
	assert.NoError(t, Validate(cli))

	ui := m.GenerateUI()
	assert.True(t, strings.HasPrefix(ui, "ui-"))
	assert.NoError(t, Validate(ui))

	api := m.GenerateAPI()
	assert.True(t, strings.HasPrefix(api, "api-"))
	assert.NoError(t, Validate(api))
	assert.Len(t, strings.Split(api, "-")[2], 8)
}

func TestGetOrCreateExplicitID(t *testing.T) {
	m, s := newTestManager(t)
	ctx := context.Background()

	id, err := m.GetOrCreate(ctx, "api", "my-session_01")
	require.NoError(t, err)
	assert.Equal(t, "my-session_01", id)

	sess, err := s.GetSession(ctx, "my-session_01")
	require.NoError(t, err)
	assert.Equal(t, "api", sess.Source)

	_, err = m.GetOrCreate(ctx, "api", "bad id!")
	assert.ErrorIs(t, err, ErrInvalidSessionID)
}

func TestCLISessionReuse(t *testing.T) {
	m, s := newTestManager(t)
	ctx := context.Background()

	first, err := m.GetOrCreate(ctx, "cli", "")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(first, "cli-4242-"))

	// Same pid inside the window reuses the id.
	second, err := m.GetOrCreate(ctx, "cli", "")
	require.NoError(t, err)
	assert.Equal(t, first, second)

	// Reuse must not advance last_active until a conversation lands.
	before, err := s.GetSession(ctx, first)
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	_, err = m.GetOrCreate(ctx, "cli", "")
	require.NoError(t, err)

	after, err := s.GetSession(ctx, first)
	require.NoError(t, err)
	assert.Equal(t, before.LastActive, after.LastActive)

	// A different pid gets a fresh session.
	m.pid = func() int { return 9999 }
	third, err := m.GetOrCreate(ctx, "cli", "")
	require.NoError(t, err)
	assert.NotEqual(t, first, third)
}

func TestSavePrunesWithProbability(t *testing.T) {
	m, s := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, s.SaveSession(ctx, &store.Session{SessionID: "stale", Source: "api"}))

	// Make the stale session old by moving the manager clock forward.
	m.randF = func() float64 { return 0 } // always prune
	m.now = func() time.Time { return time.Now().Add(8 * 24 * time.Hour) }

	_, err := m.GetOrCreate(ctx, "api", "fresh-session")
	require.NoError(t, err)

	_, err = s.GetSession(ctx, "stale")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestTouchMissingSessionIsQuiet(t *testing.T) {
	m, _ := newTestManager(t)
	m.Touch(context.Background(), "")
	m.Touch(context.Background(), "never-created")
}
