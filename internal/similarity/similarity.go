// Package similarity provides the set and vector similarity measures used
// to detect topic shifts and to match session context blocks.
package similarity

import "math"

// Jaccard returns |a ∩ b| / |a ∪ b| treating both slices as sets.
// Duplicate entries are ignored. Two empty sets have similarity 0.
func Jaccard(a, b []string) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}

	setA := make(map[string]struct{}, len(a))
	for _, s := range a {
		setA[s] = struct{}{}
	}
	setB := make(map[string]struct{}, len(b))
	for _, s := range b {
		setB[s] = struct{}{}
	}

	intersection := 0
	for s := range setA {
		if _, ok := setB[s]; ok {
			intersection++
		}
	}
	union := len(setA) + len(setB) - intersection
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}

// Cosine computes the cosine similarity between two vectors. It returns 0
// when either vector is absent, when their lengths differ, or when either
// has zero magnitude.
func Cosine(a, b []float32) float64 {
	if len(a) == 0 || len(b) == 0 || len(a) != len(b) {
		return 0
	}

	var dot, normA, normB float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		normA += x * x
		normB += y * y
	}

	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// Mean folds v into a running mean over n previous observations:
// (old*n + v) / (n+1). A nil or mismatched old vector yields a copy of v.
func Mean(old []float32, n int, v []float32) []float32 {
	out := make([]float32, len(v))
	if len(old) != len(v) || n <= 0 {
		copy(out, v)
		return out
	}
	fn := float32(n)
	for i := range v {
		out[i] = (old[i]*fn + v[i]) / (fn + 1)
	}
	return out
}
