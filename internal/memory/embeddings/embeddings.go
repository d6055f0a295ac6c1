// Package embeddings defines the provider boundary for the semantic memory
// tier.
package embeddings

import "context"

// Provider turns text into dense vectors. Implementations must be safe for
// concurrent use.
type Provider interface {
	// Embed generates an embedding for a single text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch generates embeddings for multiple texts in one call,
	// preserving input order.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Name identifies the provider in logs and metrics.
	Name() string

	// Dimension is the vector width the configured model produces.
	Dimension() int

	// MaxBatchSize caps how many texts one EmbedBatch call may carry.
	MaxBatchSize() int
}
