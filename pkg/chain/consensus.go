package chain

import (
	"fmt"
	"sort"
	"strings"
)

// criticOutcome pairs a selection with its completed call.
type criticOutcome struct {
	Selection
	result *RunResult
}

// mergeConsensus composes the critic outcomes into one multi-critic result.
// Sections are ordered by weight descending then name; weights >= 1.5 are
// marked as priority reviews.
func mergeConsensus(outcomes []criticOutcome) *RunResult {
	ordered := make([]criticOutcome, len(outcomes))
	copy(ordered, outcomes)
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].Weight != ordered[j].Weight {
			return ordered[i].Weight > ordered[j].Weight
		}
		return ordered[i].Name < ordered[j].Name
	})

	merged := &RunResult{Agent: AgentMultiCritic, Model: "consensus", Provider: "internal"}

	var b strings.Builder
	var summary []string
	for _, o := range ordered {
		marker := ""
		if o.Weight >= 1.5 {
			marker = " [PRIORITY]"
		}
		fmt.Fprintf(&b, "### Review by %s (weight %.1f)%s\n\n%s\n\n", o.Name, o.Weight, marker, o.result.Response)

		merged.PromptTokens += o.result.PromptTokens
		merged.CompletionTokens += o.result.CompletionTokens
		merged.EstimatedCostUSD += o.result.EstimatedCostUSD
		if o.result.DurationMS > merged.DurationMS {
			// Critics run in parallel; the stage took as long as the slowest.
			merged.DurationMS = o.result.DurationMS
		}
		summary = append(summary, fmt.Sprintf("%s=%d tokens", o.Name, o.result.TotalTokens))
	}
	fmt.Fprintf(&b, "---\nConsensus of %d critics: %s\n", len(ordered), strings.Join(summary, ", "))

	merged.Response = b.String()
	merged.TotalTokens = merged.PromptTokens + merged.CompletionTokens
	return merged
}
