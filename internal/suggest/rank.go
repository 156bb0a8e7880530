// Package suggest builds ranked search suggestions.
//
// Two services live here:
//   - Autocomplete blends six sources (product titles, categories, brands,
//     values, trending queries, the user's recent searches) using weights that
//     an A/B experiment can override.
//   - Suggestions merges prefix completions, popular queries and
//     personalized suggestions.
//
// Both end in Rank: duplicates (case-insensitive text) collapse to the
// highest-scoring candidate, the result is sorted by descending score and cut
// to the requested limit.
package suggest

import (
	"sort"
	"strings"

	"marketplace-search/internal/models"
)

// Rank merges candidate lists into one deduplicated list ordered by
// descending score and truncated to limit.
//
// Sources are given in priority order: when two candidates with the same
// text have equal scores, the one from the earlier source is kept, and
// equal-score entries keep their first-seen order.
func Rank(limit int, sources ...[]models.Suggestion) []models.Suggestion {
	if limit <= 0 {
		return []models.Suggestion{}
	}

	type entry struct {
		s     models.Suggestion
		order int
	}

	byKey := make(map[string]*entry)
	var entries []*entry

	for _, src := range sources {
		for _, s := range src {
			key := normalize(s.Text)
			if key == "" {
				continue
			}
			if e, ok := byKey[key]; ok {
				if s.Score > e.s.Score {
					e.s = s
				}
				continue
			}
			e := &entry{s: s, order: len(entries)}
			byKey[key] = e
			entries = append(entries, e)
		}
	}

	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].s.Score != entries[j].s.Score {
			return entries[i].s.Score > entries[j].s.Score
		}
		return entries[i].order < entries[j].order
	})

	if len(entries) > limit {
		entries = entries[:limit]
	}

	out := make([]models.Suggestion, len(entries))
	for i, e := range entries {
		out[i] = e.s
	}
	return out
}

func normalize(text string) string {
	return strings.ToLower(strings.TrimSpace(text))
}
