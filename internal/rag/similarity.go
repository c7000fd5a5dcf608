package rag

import (
	"math"
	"sort"
)

// CosineSimilarity returns dot(a,b)/(|a||b|). A zero-norm vector scores 0.
// Vectors of different lengths are compared over their common prefix;
// callers reject mismatched dimensions before scoring.
func CosineSimilarity(a, b []float64) float64 {
	return cosineSimilarity(a, b, vectorNorm(a))
}

func cosineSimilarity(a, b []float64, normA float64) float64 {
	if normA == 0 {
		return 0
	}
	normB := vectorNorm(b)
	if normB == 0 {
		return 0
	}
	n := min(len(a), len(b))
	dot := 0.0
	for i := range n {
		dot += a[i] * b[i]
	}
	return dot / (normA * normB)
}

func vectorNorm(v []float64) float64 {
	sum := 0.0
	for _, val := range v {
		sum += val * val
	}
	return math.Sqrt(sum)
}

// scoreEntries scores every entry against queryVec and orders them by
// descending score. Equal scores keep insertion order.
func scoreEntries(entries []IndexEntry, queryVec []float64) []ScoredEntry {
	scored := make([]ScoredEntry, 0, len(entries))
	queryNorm := vectorNorm(queryVec)
	for _, entry := range entries {
		scored = append(scored, ScoredEntry{
			Entry: entry,
			Score: cosineSimilarity(queryVec, entry.Embedding, queryNorm),
		})
	}

	sort.SliceStable(scored, func(i, j int) bool {
		return scored[i].Score > scored[j].Score
	})

	return scored
}
