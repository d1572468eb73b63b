package chain

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMergeConsensusOrderingAndMarkers(t *testing.T) {
	outcomes := []criticOutcome{
		{Selection: Selection{Name: "quality", Weight: 1.0}, result: &RunResult{
			Response: "quality review", PromptTokens: 10, CompletionTokens: 5, DurationMS: 100, EstimatedCostUSD: 0.001}},
		{Selection: Selection{Name: "security", Weight: 1.5}, result: &RunResult{
			Response: "security review", PromptTokens: 20, CompletionTokens: 10, DurationMS: 300, EstimatedCostUSD: 0.002}},
	}

	merged := mergeConsensus(outcomes)

	assert.Equal(t, AgentMultiCritic, merged.Agent)
	// Heavier critic leads regardless of input order.
	assert.Less(t, strings.Index(merged.Response, "security review"), strings.Index(merged.Response, "quality review"))
	assert.Contains(t, merged.Response, "Review by security (weight 1.5) [PRIORITY]")
	assert.NotContains(t, merged.Response, "quality (weight 1.0) [PRIORITY]")
	assert.Contains(t, merged.Response, "Consensus of 2 critics")

	assert.Equal(t, 30, merged.PromptTokens)
	assert.Equal(t, 15, merged.CompletionTokens)
	assert.Equal(t, 45, merged.TotalTokens)
	assert.InDelta(t, 0.003, merged.EstimatedCostUSD, 1e-9)
	// Parallel stage duration is the slowest critic.
	assert.Equal(t, int64(300), merged.DurationMS)
}

func TestMergeConsensusEqualWeightsSortByName(t *testing.T) {
	outcomes := []criticOutcome{
		{Selection: Selection{Name: "zeta", Weight: 1.0}, result: &RunResult{Response: "zeta says"}},
		{Selection: Selection{Name: "alpha", Weight: 1.0}, result: &RunResult{Response: "alpha says"}},
	}

	merged := mergeConsensus(outcomes)
	assert.Less(t, strings.Index(merged.Response, "alpha says"), strings.Index(merged.Response, "zeta says"))
}
