package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func insertTest(t *testing.T, s *Store, c Conversation) int64 {
	t.Helper()
	id, err := s.InsertConversation(context.Background(), &c)
	require.NoError(t, err)
	return id
}

func TestInsertAndGet(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id := insertTest(t, s, Conversation{
		Agent: "builder", Model: "openai/gpt-4o", Provider: "openai",
		Prompt: "hello", Response: "world",
		PromptTokens: 10, CompletionTokens: 5,
		DurationMS: 120.5, EstimatedCostUSD: 0.001,
		SessionID: "cli-100-20260824T120000",
		Embedding: []byte{1, 0, 0, 0, 0, 0, 128, 63},
	})

	c, err := s.GetByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "builder", c.Agent)
	assert.Equal(t, 15, c.TotalTokens)
	assert.Equal(t, "cli-100-20260824T120000", c.SessionID)
	assert.NotEmpty(t, c.Embedding)

	_, err = s.GetByID(ctx, 9999)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteIsIdempotent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id := insertTest(t, s, Conversation{Agent: "builder", Model: "m", Provider: "p", Prompt: "x", Response: "y"})
	require.NoError(t, s.Delete(ctx, id))
	require.NoError(t, s.Delete(ctx, id))

	_, err := s.GetByID(ctx, id)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGetRecentBySessionOrdering(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	base := time.Now().UTC().Add(-time.Hour)
	for i := 0; i < 4; i++ {
		insertTest(t, s, Conversation{
			Agent: "builder", Model: "m", Provider: "p",
			Prompt: fmt.Sprintf("p%d", i), Response: "r",
			SessionID: "api-1-abc", Timestamp: base.Add(time.Duration(i) * time.Minute),
		})
	}

	// Limit keeps the newest rows but delivery order is oldest first.
	got, err := s.GetRecentBySession(ctx, "api-1-abc", 3)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "p1", got[0].Prompt)
	assert.Equal(t, "p3", got[2].Prompt)
}

func TestQueryCandidatesExcludesSession(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	insertTest(t, s, Conversation{Agent: "builder", Model: "m", Provider: "p", Prompt: "mine", Response: "r", SessionID: "current"})
	insertTest(t, s, Conversation{Agent: "builder", Model: "m", Provider: "p", Prompt: "other", Response: "r", SessionID: "elsewhere"})
	insertTest(t, s, Conversation{Agent: "builder", Model: "m", Provider: "p", Prompt: "orphan", Response: "r"})
	insertTest(t, s, Conversation{Agent: "closer", Model: "m", Provider: "p", Prompt: "closer row", Response: "r", SessionID: "elsewhere"})

	got, err := s.QueryCandidates(ctx, "builder", "current", 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	for _, c := range got {
		assert.NotEqual(t, "current", c.SessionID)
		assert.Equal(t, "builder", c.Agent)
	}

	all, err := s.QueryCandidates(ctx, "", "current", 10)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestUpdateEmbedding(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id := insertTest(t, s, Conversation{Agent: "builder", Model: "m", Provider: "p", Prompt: "x", Response: "y"})
	require.NoError(t, s.UpdateEmbedding(ctx, id, []byte{9, 9}))

	c, err := s.GetByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, []byte{9, 9}, c.Embedding)
}

func TestSaveSessionUpsert(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	sess := &Session{SessionID: "cli-42-x", Source: "cli", Metadata: `{"pid":42}`}
	require.NoError(t, s.SaveSession(ctx, sess))
	first := sess.LastActive

	time.Sleep(5 * time.Millisecond)
	require.NoError(t, s.SaveSession(ctx, sess))

	got, err := s.GetSession(ctx, "cli-42-x")
	require.NoError(t, err)
	assert.True(t, !got.LastActive.Before(first))
	assert.Equal(t, "cli", got.Source)

	// Still a single row.
	var stats *Stats
	stats, err = s.GetStats(ctx, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, int64(0), stats.TotalConversations)
}

func TestSaveSessionKeepsMetadataOnEmptyUpsert(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveSession(ctx, &Session{SessionID: "cli-42-x", Source: "cli", Metadata: `{"pid":42}`}))

	// A later save with the explicit id carries no metadata.
	require.NoError(t, s.SaveSession(ctx, &Session{SessionID: "cli-42-x", Source: "cli"}))

	got, err := s.GetSession(ctx, "cli-42-x")
	require.NoError(t, err)
	assert.Equal(t, `{"pid":42}`, got.Metadata)

	// Pid-based reuse still resolves the session.
	sess, err := s.FindActiveCLISession(ctx, 42, 2*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, "cli-42-x", sess.SessionID)

	// Non-empty metadata still replaces.
	require.NoError(t, s.SaveSession(ctx, &Session{SessionID: "cli-42-x", Source: "cli", Metadata: `{"pid":43}`}))
	got, err = s.GetSession(ctx, "cli-42-x")
	require.NoError(t, err)
	assert.Equal(t, `{"pid":43}`, got.Metadata)
}

func TestFindActiveCLISession(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveSession(ctx, &Session{SessionID: "cli-7-a", Source: "cli", Metadata: `{"pid":7}`}))
	require.NoError(t, s.SaveSession(ctx, &Session{SessionID: "cli-8-b", Source: "cli", Metadata: `{"pid":8}`}))
	require.NoError(t, s.SaveSession(ctx, &Session{SessionID: "ui-1-x", Source: "ui"}))

	sess, err := s.FindActiveCLISession(ctx, 7, 2*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, "cli-7-a", sess.SessionID)

	_, err = s.FindActiveCLISession(ctx, 99, 2*time.Hour)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPruneInactiveSessions(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveSession(ctx, &Session{SessionID: "old-session", Source: "api"}))
	insertTest(t, s, Conversation{Agent: "builder", Model: "m", Provider: "p", Prompt: "x", Response: "y", SessionID: "old-session"})

	// Everything is newer than the cutoff.
	n, err := s.PruneInactiveSessions(ctx, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)

	// Cutoff in the future removes the session and its conversations.
	n, err = s.PruneInactiveSessions(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = s.GetSession(ctx, "old-session")
	assert.ErrorIs(t, err, ErrNotFound)

	got, err := s.GetRecentBySession(ctx, "old-session", 10)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestCleanupOrphans(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	old := time.Now().UTC().Add(-48 * time.Hour)
	insertTest(t, s, Conversation{Agent: "builder", Model: "m", Provider: "p", Prompt: "orphan", Response: "y", SessionID: "gone", Timestamp: old})
	require.NoError(t, s.SaveSession(ctx, &Session{SessionID: "alive", Source: "api"}))
	insertTest(t, s, Conversation{Agent: "builder", Model: "m", Provider: "p", Prompt: "kept", Response: "y", SessionID: "alive", Timestamp: old})

	n, err := s.Cleanup(ctx, time.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	remaining, err := s.Recent(ctx, "", 10)
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	assert.Equal(t, "kept", remaining[0].Prompt)
}

func TestSearchAndStats(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	insertTest(t, s, Conversation{Agent: "builder", Model: "openai/gpt-4o", Provider: "openai",
		Prompt: "design a JWT auth endpoint", Response: "use middleware",
		PromptTokens: 100, CompletionTokens: 50, EstimatedCostUSD: 0.01, DurationMS: 200})
	insertTest(t, s, Conversation{Agent: "closer", Model: "openai/gpt-4o-mini", Provider: "openai",
		Prompt: "summarize", Response: "JWT summary",
		PromptTokens: 40, CompletionTokens: 10, EstimatedCostUSD: 0.002, DurationMS: 100})

	found, err := s.Search(ctx, "JWT", SearchFilter{}, 10)
	require.NoError(t, err)
	assert.Len(t, found, 2)

	found, err = s.Search(ctx, "JWT", SearchFilter{Agent: "builder"}, 10)
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, "builder", found[0].Agent)

	found, err = s.Search(ctx, "JWT", SearchFilter{Model: "openai/gpt-4o-mini"}, 10)
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, "closer", found[0].Agent)

	found, err = s.Search(ctx, "JWT", SearchFilter{Since: time.Now().Add(time.Hour)}, 10)
	require.NoError(t, err)
	assert.Empty(t, found)

	stats, err := s.GetStats(ctx, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.TotalConversations)
	assert.Equal(t, int64(200), stats.TotalTokens)
	assert.InDelta(t, 0.012, stats.TotalCostUSD, 1e-9)
	assert.Len(t, stats.ByAgent, 2)
	assert.Len(t, stats.ByModel, 2)

	// A since filter in the future matches nothing.
	stats, err = s.GetStats(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(0), stats.TotalConversations)
}

func TestGetInfo(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	info := s.GetInfo(ctx)
	assert.True(t, info.Connected)
	assert.Equal(t, int64(0), info.TotalConversations)

	insertTest(t, s, Conversation{Agent: "builder", Model: "m", Provider: "p", Prompt: "x", Response: "y"})
	info = s.GetInfo(ctx)
	assert.Equal(t, int64(1), info.TotalConversations)
	assert.False(t, info.LastConversationAt.IsZero())
}
