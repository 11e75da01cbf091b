// Package retrieve ranks chunk vectors against a query vector by cosine
// similarity. Ranking is deterministic: equal similarities keep the original
// candidate order.
package retrieve

import (
	"math"
	"sort"
)

// Candidate is one chunk vector under consideration.
type Candidate struct {
	ChunkID int64
	Variant string
	Text    string
	Vector  []float32
}

// Scored is a ranked retrieval hit. Rank 0 is the most similar chunk.
type Scored struct {
	Candidate
	Similarity float64
}

// CosineSimilarity returns dot(a,b)/(|a||b|), or 0 when either vector has
// zero norm. Vectors of different lengths are compared over the shorter
// prefix; in practice candidates always share the query's dimensionality.
func CosineSimilarity(a, b []float32) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var dot, normA, normB float64
	for i := 0; i < n; i++ {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// TopK scores all candidates and returns at most k hits in descending
// similarity. Candidates with identical text are deduplicated, keeping the
// highest-similarity occurrence. k larger than the candidate count returns
// everything.
func TopK(query []float32, candidates []Candidate, k int) []Scored {
	if k <= 0 || len(candidates) == 0 {
		return nil
	}

	scored := make([]Scored, len(candidates))
	for i, c := range candidates {
		scored[i] = Scored{Candidate: c, Similarity: CosineSimilarity(query, c.Vector)}
	}

	// Stable sort keeps earlier candidates ahead on ties, so repeated runs
	// over the same input produce identical rankings.
	sort.SliceStable(scored, func(i, j int) bool {
		return scored[i].Similarity > scored[j].Similarity
	})

	seen := make(map[string]bool, len(scored))
	unique := scored[:0]
	for _, s := range scored {
		if seen[s.Text] {
			continue
		}
		seen[s.Text] = true
		unique = append(unique, s)
	}

	if k > len(unique) {
		k = len(unique)
	}
	return unique[:k]
}
