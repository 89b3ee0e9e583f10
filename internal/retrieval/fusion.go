package retrieval

import (
	"sort"

	"github.com/hyperjump/recall/internal/keyword"
	"github.com/hyperjump/recall/internal/vector"
)

// FusedResult holds a turn id and fused keyword/semantic scores.
type FusedResult struct {
	ID            int64
	Score         float64
	KeywordScore  float64
	SemanticScore float64
}

// NormalizeKeywordScores normalizes keyword scores to [0,1] by max.
func NormalizeKeywordScores(results []*keyword.KeywordResult) map[int64]float64 {
	normalized := make(map[int64]float64, len(results))
	if len(results) == 0 {
		return normalized
	}
	maxScore := results[0].Score
	for _, r := range results {
		if r.Score > maxScore {
			maxScore = r.Score
		}
	}
	for _, r := range results {
		if maxScore > 0 {
			normalized[r.ID] = r.Score / maxScore
		} else {
			normalized[r.ID] = 0
		}
	}
	return normalized
}

// SemanticScores returns cosine scores keyed by turn id.
func SemanticScores(results []*vector.VectorResult) map[int64]float64 {
	scores := make(map[int64]float64, len(results))
	for _, r := range results {
		scores[r.ID] = r.Score
	}
	return scores
}

// Fuse merges keyword and semantic score maps with weights and returns results sorted by
// fused score, equal scores ordered by tieBreak.
func Fuse(keywordScores, semanticScores map[int64]float64, keywordWeight, semanticWeight float64, tieBreak vector.TieBreak) []*FusedResult {
	scoreMap := make(map[int64]*FusedResult, len(keywordScores)+len(semanticScores))
	for id, score := range keywordScores {
		scoreMap[id] = &FusedResult{ID: id, KeywordScore: score}
	}
	for id, score := range semanticScores {
		if result, exists := scoreMap[id]; exists {
			result.SemanticScore = score
		} else {
			scoreMap[id] = &FusedResult{ID: id, SemanticScore: score}
		}
	}
	results := make([]*FusedResult, 0, len(scoreMap))
	for _, result := range scoreMap {
		result.Score = (keywordWeight * result.KeywordScore) + (semanticWeight * result.SemanticScore)
		results = append(results, result)
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		if tieBreak == vector.OldestFirst {
			return results[i].ID < results[j].ID
		}
		return results[i].ID > results[j].ID
	})
	return results
}
