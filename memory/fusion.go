package memory

import (
	"math"
	"sort"
	"time"
)

// scored is one fusion candidate from either store.
type scored struct {
	content   string
	score     float64
	origin    Origin
	createdAt time.Time
	hash      string
}

// fuse merges semantic candidates and recent interactions into one ranked,
// threshold-filtered, deduplicated result list.
//
// Semantic similarity is clamped into [0,1]. Recency entries carry no query
// similarity; they are scored by position with exponential decay so the most
// recent context stays available without out-ranking a strong semantic hit.
func fuse(cands []Candidate, recents []Interaction, limit int, threshold float64, cfg *Config) []RetrievalResult {
	items := make([]scored, 0, len(cands)+len(recents))

	for _, c := range cands {
		items = append(items, scored{
			content:   c.Content,
			score:     clamp01(c.Similarity),
			origin:    OriginSemantic,
			createdAt: c.CreatedAt,
			hash:      HashContent(c.Content),
		})
	}

	for i, it := range recents {
		if it.UserMessage == "" {
			continue
		}
		items = append(items, scored{
			content:   it.UserMessage,
			score:     cfg.RecencyWeight * math.Pow(cfg.RecencyDecay, float64(i)),
			origin:    OriginRecency,
			createdAt: it.Timestamp,
			hash:      HashContent(it.UserMessage),
		})
	}

	// Threshold filter, then near-duplicate collapse keeping the best
	// survivor. Semantic entries win ties against their own raw-interaction
	// echo in the recency buffer because they score higher.
	best := make(map[string]scored)
	for _, item := range items {
		if item.score < threshold {
			continue
		}
		prev, seen := best[item.hash]
		if !seen || item.score > prev.score ||
			(item.score == prev.score && item.createdAt.After(prev.createdAt)) {
			best[item.hash] = item
		}
	}

	merged := make([]scored, 0, len(best))
	for _, item := range best {
		merged = append(merged, item)
	}
	sort.Slice(merged, func(i, j int) bool {
		if merged[i].score != merged[j].score {
			return merged[i].score > merged[j].score
		}
		return merged[i].createdAt.After(merged[j].createdAt)
	})

	if len(merged) > limit {
		merged = merged[:limit]
	}

	results := make([]RetrievalResult, 0, len(merged))
	for _, item := range merged {
		results = append(results, RetrievalResult{
			Content: item.content,
			Score:   item.score,
			Origin:  item.origin,
		})
	}
	return results
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
