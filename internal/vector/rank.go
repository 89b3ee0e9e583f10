package vector

import (
	"fmt"
	"sort"
	"strings"
)

// TieBreak orders results whose scores are exactly equal.
type TieBreak int

const (
	// NewestFirst prefers the higher sequence id (the more recent turn).
	NewestFirst TieBreak = iota
	// OldestFirst prefers the lower sequence id.
	OldestFirst
)

// ParseTieBreak accepts "newest" (or "") and "oldest".
func ParseTieBreak(s string) (TieBreak, error) {
	switch strings.ToLower(s) {
	case "", "newest", "recency":
		return NewestFirst, nil
	case "oldest":
		return OldestFirst, nil
	}
	return NewestFirst, fmt.Errorf("unknown tie break policy: %s", s)
}

func (t TieBreak) String() string {
	if t == OldestFirst {
		return "oldest"
	}
	return "newest"
}

// Rank sorts results by descending score, breaking ties with policy, and keeps the first k.
// k <= 0 keeps everything.
func Rank(results []*VectorResult, k int, policy TieBreak) []*VectorResult {
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		if policy == OldestFirst {
			return results[i].ID < results[j].ID
		}
		return results[i].ID > results[j].ID
	})
	if k > 0 && k < len(results) {
		results = results[:k]
	}
	return results
}
