package chain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brdfb/maestro/pkg/config"
)

func refinementConfig(t *testing.T, patterns ...string) *config.RefinementConfig {
	t.Helper()
	cfg := &config.RefinementConfig{IssuePatterns: patterns}
	cfg.SetDefaults()
	require.NoError(t, cfg.Validate())
	return cfg
}

func TestCountIssuesKeywords(t *testing.T) {
	cfg := refinementConfig(t)

	review := `The endpoint looks reasonable overall.

CRITICAL: the password is logged in plain text.

Consider renaming the handler.

This has a security vulnerability in the token check.`

	assert.Equal(t, 2, countIssues(review, cfg))
}

func TestCountIssuesPatterns(t *testing.T) {
	cfg := refinementConfig(t, `(?i)^issue:`)

	review := "issue: missing input validation\n\nlooks fine otherwise"
	assert.Equal(t, 1, countIssues(review, cfg))
}

func TestCountIssuesCleanReview(t *testing.T) {
	cfg := refinementConfig(t)
	assert.Zero(t, countIssues("Looks good. Ship it.", cfg))
	assert.Zero(t, countIssues("", cfg))
}

func TestRefinementPromptContainsIssues(t *testing.T) {
	prompt := refinementPrompt("build auth", []string{"CRITICAL: sql injection", "CRITICAL: no rate limit"})
	assert.Contains(t, prompt, "build auth")
	assert.Contains(t, prompt, "sql injection")
	assert.Contains(t, prompt, "no rate limit")
	assert.Contains(t, prompt, "corrected complete answer")
}
