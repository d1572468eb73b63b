package memory

import (
	"bytes"
	"context"
	"log/slog"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brdfb/maestro/pkg/config"
	"github.com/brdfb/maestro/pkg/store"
	"github.com/brdfb/maestro/pkg/tokens"
)

func newTestAggregator(t *testing.T) (*Aggregator, *store.Store) {
	t.Helper()
	s, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	counter, err := tokens.NewCounter("openai/gpt-4o")
	require.NoError(t, err)

	return NewAggregator(s, nil, counter), s
}

func keywordsConfig(budget int) config.MemoryConfig {
	cfg := config.MemoryConfig{Strategy: config.StrategyKeywords, MaxContextTokens: budget}
	cfg.SetDefaults()
	return cfg
}

func insert(t *testing.T, s *store.Store, c store.Conversation) int64 {
	t.Helper()
	id, err := s.InsertConversation(context.Background(), &c)
	require.NoError(t, err)
	return id
}

func TestAggregateEmptyPrompt(t *testing.T) {
	a, _ := newTestAggregator(t)

	text, tel := a.Aggregate(context.Background(), "   ", "sess", "builder", keywordsConfig(600))
	assert.Empty(t, text)
	assert.Equal(t, Telemetry{}, tel)
}

func TestAggregateEmptyStore(t *testing.T) {
	a, _ := newTestAggregator(t)

	text, tel := a.Aggregate(context.Background(), "build an API", "sess", "builder", keywordsConfig(600))
	assert.Empty(t, text)
	assert.Zero(t, tel.TotalTokens)
}

func TestSessionSliceOrderAndTrim(t *testing.T) {
	a, s := newTestAggregator(t)
	ctx := context.Background()

	base := time.Now().UTC().Add(-time.Hour)
	for i, prompt := range []string{"first question", "second question", "third question"} {
		insert(t, s, store.Conversation{
			Agent: "builder", Model: "m", Provider: "p",
			Prompt: prompt, Response: strings.Repeat("answer ", 30),
			SessionID: "sess-1", Timestamp: base.Add(time.Duration(i) * time.Minute),
		})
	}

	cfg := keywordsConfig(2000)
	cfg.KnowledgeEnabled = config.BoolPtr(false)
	text, tel := a.Aggregate(ctx, "follow up", "sess-1", "builder", cfg)

	require.NotEmpty(t, text)
	assert.Equal(t, 3, tel.SessionMessages)
	assert.Less(t, strings.Index(text, "first question"), strings.Index(text, "third question"))
	assert.LessOrEqual(t, tel.SessionTokens, int(math.Floor(0.75*2000)))

	// A tiny budget trims oldest turns first.
	small := keywordsConfig(80)
	small.KnowledgeEnabled = config.BoolPtr(false)
	text, tel = a.Aggregate(ctx, "follow up", "sess-1", "builder", small)
	assert.LessOrEqual(t, tel.SessionTokens, 60)
	if tel.SessionMessages > 0 {
		assert.NotContains(t, text, "first question")
	}
}

func TestSessionBudgetHoldsForUnicode(t *testing.T) {
	a, s := newTestAggregator(t)
	ctx := context.Background()

	insert(t, s, store.Conversation{
		Agent: "builder", Model: "m", Provider: "p",
		Prompt:    strings.Repeat("日本語のプロンプト ", 40),
		Response:  strings.Repeat("多言語の応答テキスト ", 40),
		SessionID: "sess-u",
	})

	cfg := keywordsConfig(200)
	cfg.KnowledgeEnabled = config.BoolPtr(false)
	_, tel := a.Aggregate(ctx, "続きをお願いします", "sess-u", "builder", cfg)
	assert.LessOrEqual(t, tel.SessionTokens, 150)
	assert.LessOrEqual(t, tel.TotalTokens, 200)
}

func TestKnowledgeExcludesCurrentSession(t *testing.T) {
	a, s := newTestAggregator(t)
	ctx := context.Background()

	insert(t, s, store.Conversation{Agent: "builder", Model: "m", Provider: "p",
		Prompt: "redis cache eviction", Response: "use LRU", SessionID: "current"})
	insert(t, s, store.Conversation{Agent: "builder", Model: "m", Provider: "p",
		Prompt: "redis cache sizing", Response: "measure first", SessionID: "other"})

	cfg := keywordsConfig(600)
	cfg.SessionEnabled = config.BoolPtr(false)
	cfg.MinRelevance = 0.1

	text, tel := a.Aggregate(ctx, "redis cache tuning", "current", "builder", cfg)
	require.NotEmpty(t, text)
	assert.Equal(t, 1, tel.KnowledgeMessages)
	assert.Contains(t, text, "redis cache sizing")
	assert.NotContains(t, text, "redis cache eviction")
}

func TestKnowledgeFallbackToMostRecent(t *testing.T) {
	a, s := newTestAggregator(t)
	ctx := context.Background()

	var logs bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&logs, &slog.HandlerOptions{Level: slog.LevelWarn})))
	t.Cleanup(func() { slog.SetDefault(prev) })

	old := time.Now().UTC().Add(-2 * time.Hour)
	insert(t, s, store.Conversation{Agent: "builder", Model: "m", Provider: "p",
		Prompt: "completely unrelated topic", Response: "old answer", SessionID: "other", Timestamp: old})
	insert(t, s, store.Conversation{Agent: "builder", Model: "m", Provider: "p",
		Prompt: "another unrelated thing", Response: "newest answer", SessionID: "other"})

	cfg := keywordsConfig(600)
	cfg.SessionEnabled = config.BoolPtr(false)
	cfg.MinRelevance = 0.99

	text, tel := a.Aggregate(ctx, "kubernetes ingress routing", "current", "builder", cfg)
	require.NotEmpty(t, text)
	assert.Equal(t, 1, tel.KnowledgeMessages)
	assert.Contains(t, text, "another unrelated thing")

	// The degradation is visible at warning level.
	assert.Contains(t, logs.String(), "falling back to most recent")
}

func TestKnowledgeRankingAndTieBreaks(t *testing.T) {
	a, s := newTestAggregator(t)
	ctx := context.Background()

	now := time.Now().UTC()
	insert(t, s, store.Conversation{Agent: "builder", Model: "m", Provider: "p",
		Prompt: "postgres index tuning", Response: "a", SessionID: "x", Timestamp: now.Add(-time.Minute)})
	insert(t, s, store.Conversation{Agent: "builder", Model: "m", Provider: "p",
		Prompt: "postgres index tuning", Response: "b", SessionID: "y", Timestamp: now})

	cfg := keywordsConfig(600)
	cfg.SessionEnabled = config.BoolPtr(false)
	cfg.MinRelevance = 0.1

	text, _ := a.Aggregate(ctx, "postgres index tuning", "current", "builder", cfg)
	// Equal keyword scores, the newer record decays less and sorts first.
	assert.Less(t, strings.Index(text, "A: b"), strings.Index(text, "A: a"))
}

func TestSameAgentOnly(t *testing.T) {
	a, s := newTestAggregator(t)
	ctx := context.Background()

	insert(t, s, store.Conversation{Agent: "closer", Model: "m", Provider: "p",
		Prompt: "grpc deadline tuning", Response: "closer view", SessionID: "x"})
	insert(t, s, store.Conversation{Agent: "builder", Model: "m", Provider: "p",
		Prompt: "grpc deadline tuning", Response: "builder view", SessionID: "y"})

	cfg := keywordsConfig(600)
	cfg.SessionEnabled = config.BoolPtr(false)
	cfg.MinRelevance = 0.1
	cfg.SameAgentOnly = true

	text, _ := a.Aggregate(ctx, "grpc deadline tuning", "current", "builder", cfg)
	assert.Contains(t, text, "builder view")
	assert.NotContains(t, text, "closer view")
}

func TestKeywordScore(t *testing.T) {
	assert.Equal(t, 1.0, keywordScore("redis cache", "tune the redis cache now"))
	assert.Equal(t, 0.5, keywordScore("redis cache", "cache invalidation"))
	assert.Equal(t, 0.0, keywordScore("redis cache", "unrelated"))
	assert.Equal(t, 0.0, keywordScore("", "anything"))
}

func TestResponseTruncation(t *testing.T) {
	rec := &store.Conversation{
		Prompt:    "q",
		Response:  strings.Repeat("é", 400),
		Timestamp: time.Now(),
	}
	entry := formatKnowledgeEntry(rec, 0.5)
	assert.Equal(t, responseTruncateChars, strings.Count(entry, "é"))
}
