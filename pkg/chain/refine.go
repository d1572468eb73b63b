package chain

import (
	"strings"

	"github.com/brdfb/maestro/pkg/config"
)

// Convergence reasons.
const (
	ConvergedSuccess       = "success"
	ConvergedNoProgress    = "no_progress"
	ConvergedMaxIterations = "max_iterations"
)

// issueBlocks returns the contiguous blocks of a review that contain a
// critical keyword or match an issue pattern.
func issueBlocks(review string, cfg *config.RefinementConfig) []string {
	var issues []string
	for _, block := range splitBlocks(review) {
		blockLower := strings.ToLower(block)
		hit := false
		for _, kw := range cfg.CriticalKeywords {
			if strings.Contains(blockLower, kw) {
				hit = true
				break
			}
		}
		if !hit {
			for _, re := range cfg.CompiledPatterns() {
				if re.MatchString(block) {
					hit = true
					break
				}
			}
		}
		if hit {
			issues = append(issues, block)
		}
	}
	return issues
}

// countIssues is the convergence metric of the refinement loop.
func countIssues(review string, cfg *config.RefinementConfig) int {
	return len(issueBlocks(review, cfg))
}

// splitBlocks cuts text into contiguous non-blank paragraphs.
func splitBlocks(text string) []string {
	var blocks []string
	for _, block := range strings.Split(text, "\n\n") {
		if strings.TrimSpace(block) != "" {
			blocks = append(blocks, block)
		}
	}
	return blocks
}

// refinementPrompt builds the builder's fix instruction for one iteration.
func refinementPrompt(original string, issues []string) string {
	var b strings.Builder
	b.WriteString("Original request:\n")
	b.WriteString(original)
	b.WriteString("\n\nYour previous answer was reviewed and these critical issues were found:\n\n")
	for i, issue := range issues {
		b.WriteString(strings.TrimSpace(issue))
		if i < len(issues)-1 {
			b.WriteString("\n\n")
		}
	}
	b.WriteString("\n\nProduce a corrected complete answer that resolves every issue above.")
	return b.String()
}
