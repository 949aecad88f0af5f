// Package embeddings turns text into fixed-size vectors for topic
// tracking and long-term recall.
package embeddings

import "context"

// Embedder generates an embedding for a piece of text.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}
