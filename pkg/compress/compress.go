// Package compress shrinks inter-stage context. The primary path asks a
// cheap model for a structured summary; the fallback is sentence-aware
// truncation, which always terminates.
package compress

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/brdfb/maestro/pkg/config"
	"github.com/brdfb/maestro/pkg/connector"
	"github.com/brdfb/maestro/pkg/llms"
	"github.com/brdfb/maestro/pkg/tokens"
)

// AgentClass selects the trigger threshold for a stage output.
type AgentClass int

const (
	ClassStandard AgentClass = iota
	ClassMemory
	ClassCloser
)

// Summary is the structured compression result. Field names are a wire
// contract; downstream consumers rely on them.
type Summary struct {
	KeyDecisions   []string          `json:"key_decisions"`
	Rationale      map[string]string `json:"rationale"`
	TradeOffs      []string          `json:"trade_offs"`
	OpenQuestions  []string          `json:"open_questions"`
	TechnicalSpecs map[string]string `json:"technical_specs"`
}

// Render formats the summary for prompt injection.
func (s *Summary) Render() string {
	var b strings.Builder
	writeList := func(title string, items []string) {
		if len(items) == 0 {
			return
		}
		b.WriteString(title + ":\n")
		for _, item := range items {
			b.WriteString("- " + item + "\n")
		}
	}
	writeMap := func(title string, m map[string]string) {
		if len(m) == 0 {
			return
		}
		b.WriteString(title + ":\n")
		for _, k := range sortedKeys(m) {
			b.WriteString(fmt.Sprintf("- %s: %s\n", k, m[k]))
		}
	}

	writeList("Key decisions", s.KeyDecisions)
	writeMap("Rationale", s.Rationale)
	writeList("Trade-offs", s.TradeOffs)
	writeList("Open questions", s.OpenQuestions)
	writeMap("Technical specs", s.TechnicalSpecs)
	return strings.TrimRight(b.String(), "\n")
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Compressor compresses stage outputs through the configured model.
type Compressor struct {
	cfg       config.CompressionConfig
	connector *connector.Connector
	agent     *config.AgentConfig
	counter   *tokens.Counter
}

// New creates a compressor. The counter is used by the truncation fallback.
func New(cfg config.CompressionConfig, conn *connector.Connector, counter *tokens.Counter) *Compressor {
	agent := &config.AgentConfig{
		Model:       cfg.Model,
		Temperature: config.Float64Ptr(0.1),
		MaxTokens:   cfg.TargetTokens * 2,
	}
	agent.SetDefaults()

	return &Compressor{cfg: cfg, connector: conn, agent: agent, counter: counter}
}

// Threshold returns the trigger length in characters for an agent class.
func (c *Compressor) Threshold(class AgentClass) int {
	switch class {
	case ClassMemory:
		return c.cfg.MemoryThreshold
	case ClassCloser:
		return c.cfg.CloserThreshold
	default:
		return c.cfg.StandardThreshold
	}
}

// ShouldCompress reports whether text exceeds the class threshold.
func (c *Compressor) ShouldCompress(text string, class AgentClass) bool {
	return len([]rune(text)) >= c.Threshold(class)
}

const compressionPrompt = `Compress the following text into a JSON object with exactly these fields:
  "key_decisions": list of strings,
  "rationale": object mapping decision to reasoning,
  "trade_offs": list of strings,
  "open_questions": list of strings,
  "technical_specs": object mapping topic to detail.
Keep only information a downstream reviewer needs. Respond with the JSON object only.

Text:
%s`

// Compress returns a compressed rendition of text when it exceeds the class
// threshold, otherwise text unchanged. Model failures and malformed JSON fall
// back to sentence-aware truncation.
func (c *Compressor) Compress(ctx context.Context, text string, class AgentClass) string {
	if !c.ShouldCompress(text, class) {
		return text
	}

	res, err := c.connector.Call(ctx, "compressor", c.agent, connector.CallOptions{
		System:       "You compress technical content into structured summaries without losing decisions.",
		Messages:     []llms.Message{{Role: llms.RoleUser, Content: fmt.Sprintf(compressionPrompt, text)}},
		JSONResponse: true,
		MaxTokens:    c.cfg.TargetTokens * 2,
		Temperature:  config.Float64Ptr(0.1),
	})
	if err != nil {
		slog.Warn("Compression call failed, falling back to truncation", "error", err)
		return SentenceTruncate(text, c.cfg.TargetTokens, c.counter)
	}

	var summary Summary
	if err := json.Unmarshal([]byte(extractJSON(res.Content)), &summary); err != nil {
		slog.Warn("Compression returned malformed JSON, falling back to truncation", "error", err)
		return SentenceTruncate(text, c.cfg.TargetTokens, c.counter)
	}
	return summary.Render()
}

// extractJSON strips common code fences around a JSON payload.
func extractJSON(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	}
	return strings.TrimSpace(s)
}

// SentenceTruncate keeps whole sentences from the start of text until the
// result fits targetTokens.
func SentenceTruncate(text string, targetTokens int, counter *tokens.Counter) string {
	if counter.Count(text) <= targetTokens {
		return text
	}

	sentences := splitSentences(text)
	var b strings.Builder
	used := 0
	for _, sentence := range sentences {
		cost := counter.Count(sentence)
		if used+cost > targetTokens {
			break
		}
		b.WriteString(sentence)
		used += cost
	}

	out := strings.TrimSpace(b.String())
	if out == "" && len(sentences) > 0 {
		// The first sentence alone exceeds the target; hard-trim it by rune.
		runes := []rune(sentences[0])
		for len(runes) > 0 && counter.Count(string(runes)) > targetTokens {
			runes = runes[:len(runes)*3/4]
		}
		out = strings.TrimSpace(string(runes))
	}
	return out
}

// splitSentences cuts text after sentence-ending punctuation, keeping the
// delimiter and trailing whitespace with the sentence.
func splitSentences(text string) []string {
	var sentences []string
	start := 0
	runes := []rune(text)
	for i := 0; i < len(runes); i++ {
		switch runes[i] {
		case '.', '!', '?', '\n':
			end := i + 1
			for end < len(runes) && (runes[end] == ' ' || runes[end] == '\n') {
				end++
			}
			if s := string(runes[start:end]); strings.TrimSpace(s) != "" {
				sentences = append(sentences, s)
			}
			start = end
			i = end - 1
		}
	}
	if start < len(runes) {
		if s := string(runes[start:]); strings.TrimSpace(s) != "" {
			sentences = append(sentences, s)
		}
	}
	return sentences
}
