// Package embeddings provides text embedding clients for the similarity
// engine.
package embeddings

import "context"

// Client generates text embeddings.
type Client interface {
	// Embed generates embeddings for multiple texts, in input order.
	Embed(ctx context.Context, texts []string) ([][]float32, error)

	// EmbedOne generates an embedding for a single text.
	EmbedOne(ctx context.Context, text string) ([]float32, error)
}
