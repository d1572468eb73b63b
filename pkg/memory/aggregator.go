// Package memory builds the dual-context block injected into agent prompts:
// a session slice of recent same-session turns plus a knowledge slice of
// relevant prior conversations ranked by embedding similarity, keyword
// overlap or both.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/brdfb/maestro/pkg/config"
	"github.com/brdfb/maestro/pkg/embedding"
	"github.com/brdfb/maestro/pkg/store"
	"github.com/brdfb/maestro/pkg/tokens"
)

const (
	// candidatePoolSize bounds the knowledge candidate query.
	candidatePoolSize = 50

	// responseTruncateChars caps a knowledge entry's response contribution.
	responseTruncateChars = 300

	// sessionBudgetShare of the total budget reserved for the session slice.
	sessionBudgetShare = 0.75

	// fallbackScore marks the most-recent-candidate fallback entry.
	fallbackScore = 0.01
)

// Telemetry reports what the aggregation injected.
type Telemetry struct {
	SessionTokens     int `json:"session_context_tokens"`
	KnowledgeTokens   int `json:"knowledge_context_tokens"`
	TotalTokens       int `json:"injected_context_tokens"`
	SessionMessages   int `json:"session_messages"`
	KnowledgeMessages int `json:"knowledge_messages"`
}

// Aggregator assembles context blocks from the store.
type Aggregator struct {
	store   *store.Store
	engine  *embedding.Engine
	counter *tokens.Counter
	now     func() time.Time
}

// NewAggregator creates an aggregator. The embedding engine may be nil when
// only keyword scoring is configured.
func NewAggregator(s *store.Store, engine *embedding.Engine, counter *tokens.Counter) *Aggregator {
	return &Aggregator{store: s, engine: engine, counter: counter, now: time.Now}
}

// Aggregate builds the context block for one request. Failures inside are
// logged and degrade to less context, never to an error: memory is
// best-effort by contract.
func (a *Aggregator) Aggregate(ctx context.Context, prompt, sessionID, agent string, cfg config.MemoryConfig) (string, Telemetry) {
	var tel Telemetry
	if strings.TrimSpace(prompt) == "" {
		return "", tel
	}

	budget := cfg.MaxContextTokens
	sessionBudget := int(math.Floor(sessionBudgetShare * float64(budget)))

	var sessionBlock, knowledgeBlock string

	if sessionID != "" && cfg.SessionEnabled != nil && *cfg.SessionEnabled {
		sessionBlock, tel.SessionTokens, tel.SessionMessages = a.sessionSlice(ctx, sessionID, cfg.SessionLimit, sessionBudget)
	}

	if cfg.KnowledgeEnabled != nil && *cfg.KnowledgeEnabled {
		knowledgeBudget := budget - tel.SessionTokens
		knowledgeBlock, tel.KnowledgeTokens, tel.KnowledgeMessages = a.knowledgeSlice(ctx, prompt, sessionID, agent, cfg, knowledgeBudget)
	}

	tel.TotalTokens = tel.SessionTokens + tel.KnowledgeTokens
	if sessionBlock == "" && knowledgeBlock == "" {
		return "", Telemetry{}
	}

	var b strings.Builder
	if sessionBlock != "" {
		b.WriteString("## Recent conversation in this session\n\n")
		b.WriteString(sessionBlock)
	}
	if knowledgeBlock != "" {
		if sessionBlock != "" {
			b.WriteString("\n")
		}
		b.WriteString("## Relevant prior knowledge\n\n")
		b.WriteString(knowledgeBlock)
	}
	return b.String(), tel
}

// sessionSlice returns recent same-session turns, oldest first, trimmed from
// the front until the slice fits the session budget.
func (a *Aggregator) sessionSlice(ctx context.Context, sessionID string, limit, budget int) (string, int, int) {
	recs, err := a.store.GetRecentBySession(ctx, sessionID, limit)
	if err != nil {
		slog.Warn("Session context lookup failed, continuing without", "session_id", sessionID, "error", err)
		return "", 0, 0
	}
	if len(recs) == 0 {
		return "", 0, 0
	}

	formatted := make([]string, len(recs))
	costs := make([]int, len(recs))
	total := 0
	for i, rec := range recs {
		formatted[i] = fmt.Sprintf("[%s] User: %s\nAssistant: %s\n",
			rec.Timestamp.UTC().Format("2006-01-02 15:04"), rec.Prompt, rec.Response)
		costs[i] = a.counter.Count(formatted[i])
		total += costs[i]
	}

	start := 0
	for start < len(recs) && total > budget {
		total -= costs[start]
		start++
	}
	if start == len(recs) {
		return "", 0, 0
	}

	return strings.Join(formatted[start:], "\n"), total, len(recs) - start
}

type scoredCandidate struct {
	rec   *store.Conversation
	score float64
}

// knowledgeSlice ranks candidates from other sessions and greedily packs the
// best ones into the remaining budget.
func (a *Aggregator) knowledgeSlice(ctx context.Context, prompt, sessionID, agent string, cfg config.MemoryConfig, budget int) (string, int, int) {
	if budget <= 0 {
		return "", 0, 0
	}

	queryAgent := ""
	if cfg.SameAgentOnly {
		queryAgent = agent
	}
	candidates, err := a.store.QueryCandidates(ctx, queryAgent, sessionID, candidatePoolSize)
	if err != nil {
		slog.Warn("Knowledge candidate lookup failed, continuing without", "error", err)
		return "", 0, 0
	}
	if len(candidates) == 0 {
		return "", 0, 0
	}

	var promptVec []float32
	if cfg.Strategy == config.StrategySemantic || cfg.Strategy == config.StrategyHybrid {
		promptVec = a.embedPrompt(ctx, prompt)
	}

	scored := make([]scoredCandidate, 0, len(candidates))
	for _, rec := range candidates {
		scored = append(scored, scoredCandidate{rec: rec, score: a.score(ctx, prompt, promptVec, rec, cfg)})
	}

	kept := scored[:0]
	for _, sc := range scored {
		if sc.score >= cfg.MinRelevance {
			kept = append(kept, sc)
		}
	}

	if len(kept) == 0 {
		// Candidates are newest-first, so [0] is the most recent.
		slog.Warn("No knowledge candidate above min_relevance, falling back to most recent",
			"min_relevance", cfg.MinRelevance, "candidates", len(scored))
		kept = append(kept, scoredCandidate{rec: candidates[0], score: fallbackScore})
	}

	sort.SliceStable(kept, func(i, j int) bool {
		if kept[i].score != kept[j].score {
			return kept[i].score > kept[j].score
		}
		if !kept[i].rec.Timestamp.Equal(kept[j].rec.Timestamp) {
			return kept[i].rec.Timestamp.After(kept[j].rec.Timestamp)
		}
		return kept[i].rec.ID > kept[j].rec.ID
	})

	var parts []string
	used := 0
	count := 0
	for _, sc := range kept {
		entry := formatKnowledgeEntry(sc.rec, sc.score)
		cost := a.counter.Count(entry)
		if used+cost > budget {
			continue
		}
		parts = append(parts, entry)
		used += cost
		count++
	}

	return strings.Join(parts, "\n"), used, count
}

func (a *Aggregator) embedPrompt(ctx context.Context, prompt string) []float32 {
	if a.engine == nil {
		return nil
	}
	vec, err := a.engine.Embed(ctx, prompt)
	if err != nil {
		slog.Warn("Prompt embedding failed, semantic scoring disabled for this request", "error", err)
		return nil
	}
	return vec
}

// score computes the candidate relevance per the configured strategy, with
// exponential time decay applied in every mode.
func (a *Aggregator) score(ctx context.Context, prompt string, promptVec []float32, rec *store.Conversation, cfg config.MemoryConfig) float64 {
	ageHours := a.now().UTC().Sub(rec.Timestamp.UTC()).Hours()
	if ageHours < 0 {
		ageHours = 0
	}
	decay := math.Exp(-ageHours / cfg.TimeDecayHours)

	switch cfg.Strategy {
	case config.StrategySemantic:
		return a.semanticScore(ctx, promptVec, rec) * decay
	case config.StrategyHybrid:
		return (0.7*a.semanticScore(ctx, promptVec, rec) + 0.3*keywordScore(prompt, rec.Prompt)) * decay
	default:
		return keywordScore(prompt, rec.Prompt) * decay
	}
}

func (a *Aggregator) semanticScore(ctx context.Context, promptVec []float32, rec *store.Conversation) float64 {
	if promptVec == nil {
		return 0
	}

	if len(rec.Embedding) == 0 {
		// Lazy backfill so the next lookup scores this record for free.
		vec, err := a.engine.Embed(ctx, rec.Prompt)
		if err != nil {
			slog.Debug("Candidate embedding failed, skipping semantic score", "id", rec.ID, "error", err)
			return 0
		}
		rec.Embedding = embedding.Marshal(vec)
		if err := a.store.UpdateEmbedding(ctx, rec.ID, rec.Embedding); err != nil {
			slog.Warn("Embedding backfill failed", "id", rec.ID, "error", err)
		}
	}

	vec, err := embedding.Unmarshal(rec.Embedding)
	if err != nil {
		slog.Debug("Corrupt embedding blob, skipping semantic score", "id", rec.ID, "error", err)
		return 0
	}
	return embedding.Cosine(promptVec, vec)
}

// keywordScore is the share of prompt tokens that also appear in the
// candidate prompt.
func keywordScore(prompt, candidate string) float64 {
	promptWords := strings.Fields(strings.ToLower(prompt))
	if len(promptWords) == 0 {
		return 0
	}
	candidateWords := make(map[string]bool)
	for _, w := range strings.Fields(strings.ToLower(candidate)) {
		candidateWords[w] = true
	}
	matched := 0
	for _, w := range promptWords {
		if candidateWords[w] {
			matched++
		}
	}
	return float64(matched) / float64(len(promptWords))
}

func formatKnowledgeEntry(rec *store.Conversation, score float64) string {
	response := rec.Response
	if runes := []rune(response); len(runes) > responseTruncateChars {
		response = string(runes[:responseTruncateChars])
	}
	return fmt.Sprintf("[%s, relevance %.2f] Q: %s\nA: %s\n",
		rec.Timestamp.UTC().Format("2006-01-02"), score, rec.Prompt, response)
}
