// Package embeddings provides pluggable text-embedding providers for the
// vector incident memory. Grounded verbatim on the teacher's
// internal/memory/embeddings/embeddings.go Provider interface.
package embeddings

import "context"

// Provider generates vector embeddings for incident summaries and search
// queries.
type Provider interface {
	// Embed generates an embedding for a single text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch generates embeddings for multiple texts in one round trip.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Name returns the provider identifier used in Stats().
	Name() string

	// Dimension returns the embedding vector length this provider produces.
	Dimension() int

	// MaxBatchSize returns the largest batch EmbedBatch accepts.
	MaxBatchSize() int
}

// Config is the common provider configuration, selected and populated from
// config.EmbeddingsConfig.
type Config struct {
	Provider string
	APIKey   string
	BaseURL  string
	Model    string
}
