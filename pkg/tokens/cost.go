package tokens

import "log/slog"

// Rate holds input/output USD cost per million tokens for a model.
type Rate struct {
	InputPerM  float64
	OutputPerM float64
}

// CostTable maps "provider/model" identifiers to rates.
type CostTable struct {
	rates map[string]Rate
}

// DefaultCostTable returns the built-in cost table.
func DefaultCostTable() *CostTable {
	return &CostTable{rates: map[string]Rate{
		"anthropic/claude-3-5-sonnet-20241022": {InputPerM: 3.0, OutputPerM: 15.0},
		"openai/gpt-4o":                        {InputPerM: 2.5, OutputPerM: 10.0},
		"openai/gpt-4o-mini":                   {InputPerM: 0.15, OutputPerM: 0.6},
		"google/gemini-1.5-pro":                {InputPerM: 1.25, OutputPerM: 5.0},
		"google/gemini-1.5-flash":              {InputPerM: 0.075, OutputPerM: 0.3},
		"google/gemini-2.0-flash-exp":          {InputPerM: 0, OutputPerM: 0},
		"google/gemini-2.0-pro-exp":            {InputPerM: 0, OutputPerM: 0},
	}}
}

// Estimate computes the USD cost for a call. Unknown models are billed at
// rate zero and logged once per call at warning level.
func (t *CostTable) Estimate(model string, promptTokens, completionTokens int) float64 {
	rate, ok := t.rates[model]
	if !ok {
		slog.Warn("Unknown model in cost table, assuming zero cost", "model", model)
		return 0
	}

	inputCost := float64(promptTokens) / 1_000_000 * rate.InputPerM
	outputCost := float64(completionTokens) / 1_000_000 * rate.OutputPerM
	return inputCost + outputCost
}
