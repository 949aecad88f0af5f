package embeddings

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"unicode"
)

// HashEmbedder produces deterministic embeddings without a model. Each
// token seeds a pseudo-random unit direction and the text's vector is
// the normalized sum, so texts sharing tokens point in similar
// directions. Useful offline and in tests.
type HashEmbedder struct {
	dimensions int
}

// NewHash creates a hash embedder producing vectors of the given size.
func NewHash(dimensions int) *HashEmbedder {
	if dimensions <= 0 {
		dimensions = 384
	}
	return &HashEmbedder{dimensions: dimensions}
}

// Dimensions returns the embedding size.
func (h *HashEmbedder) Dimensions() int { return h.dimensions }

// Embed creates a deterministic embedding from text.
func (h *HashEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	out := make([]float32, h.dimensions)

	tokens := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '-'
	})
	if len(tokens) == 0 {
		// Empty input still gets a stable, non-zero vector.
		tokens = []string{""}
	}

	for _, tok := range tokens {
		hasher := fnv.New64a()
		hasher.Write([]byte(tok))
		seed := hasher.Sum64()
		for i := range out {
			seed = seed*6364136223846793005 + 1442695040888963407
			out[i] += float32(int64(seed)) / float32(math.MaxInt64)
		}
	}

	return normalize(out), nil
}

// normalize scales vec to unit length in place.
func normalize(vec []float32) []float32 {
	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm == 0 {
		return vec
	}
	n := float32(math.Sqrt(norm))
	for i := range vec {
		vec[i] /= n
	}
	return vec
}
