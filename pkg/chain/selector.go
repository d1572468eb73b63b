package chain

import (
	"log/slog"
	"sort"
	"strings"

	"github.com/brdfb/maestro/pkg/config"
)

// Selection is one critic chosen for the fan-out, with its keyword score.
type Selection struct {
	Name   string
	Weight float64
	Score  int
}

// SelectCritics picks critics for a prompt/builder-output pair.
//
// With dynamic selection off the full member list runs. Otherwise critics are
// scored by case-insensitive substring occurrence counts of their keywords,
// ordered by score then configured order, padded from fallback_critics up to
// min_critics and truncated at max_critics.
func SelectCritics(cfg *config.CriticsConfig, prompt, builderOutput string) []Selection {
	if cfg.DynamicSelection == nil || !*cfg.DynamicSelection {
		all := make([]Selection, 0, len(cfg.Members))
		for _, m := range cfg.Members {
			all = append(all, Selection{Name: m.Name, Weight: m.Weight})
		}
		return all
	}

	haystack := strings.ToLower(prompt + " " + builderOutput)

	var selected []Selection
	var skipped []string
	for _, m := range cfg.Members {
		score := 0
		for _, kw := range m.Keywords {
			score += strings.Count(haystack, kw)
		}
		if score > 0 {
			selected = append(selected, Selection{Name: m.Name, Weight: m.Weight, Score: score})
		} else {
			skipped = append(skipped, m.Name)
		}
	}

	// Stable sort keeps configured order among equal scores.
	sort.SliceStable(selected, func(i, j int) bool {
		return selected[i].Score > selected[j].Score
	})

	if len(selected) < cfg.MinCritics {
		have := make(map[string]bool, len(selected))
		for _, s := range selected {
			have[s.Name] = true
		}
		for _, name := range cfg.FallbackCritics {
			if len(selected) >= cfg.MinCritics {
				break
			}
			if have[name] {
				continue
			}
			if m, ok := cfg.Member(name); ok {
				selected = append(selected, Selection{Name: m.Name, Weight: m.Weight})
				have[name] = true
			}
		}
		// Pad from configured order if fallbacks were not enough.
		for _, m := range cfg.Members {
			if len(selected) >= cfg.MinCritics {
				break
			}
			if !have[m.Name] {
				selected = append(selected, Selection{Name: m.Name, Weight: m.Weight})
				have[m.Name] = true
			}
		}
	}

	if len(selected) > cfg.MaxCritics {
		selected = selected[:cfg.MaxCritics]
	}

	names := make([]string, 0, len(selected))
	scores := make([]int, 0, len(selected))
	for _, s := range selected {
		names = append(names, s.Name)
		scores = append(scores, s.Score)
	}
	slog.Info("Selected critics", "critics", names, "scores", scores, "skipped", skipped)

	return selected
}
