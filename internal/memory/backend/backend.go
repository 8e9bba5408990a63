// Package backend defines the vector storage interface for incident memory
// and the concrete backends that implement it. Grounded on the teacher's
// internal/memory/backend/backend.go.
package backend

import (
	"context"

	"github.com/haasonsaas/nightwatch/pkg/models"
)

// Backend stores and searches closed-incident MemoryRecords.
type Backend interface {
	// Upsert stores records with their embeddings, replacing any existing
	// record with the same ID.
	Upsert(ctx context.Context, records []*models.MemoryRecord) error

	// Search returns the records whose embedding is closest to query,
	// filtered by opts.MinScore and capped at opts.TopK.
	Search(ctx context.Context, query []float32, opts SearchOptions) ([]models.MemoryMatch, error)

	// Count returns the number of stored records.
	Count(ctx context.Context) (int64, error)

	// Sample returns up to limit records, most recently closed first, for
	// the observability surface's aggregate Stats to summarize.
	Sample(ctx context.Context, limit int) ([]models.MemoryRecord, error)

	// Close releases the backend's resources.
	Close() error
}

// SearchOptions bounds one Search call.
type SearchOptions struct {
	TopK     int
	MinScore float64
}

// Config is the common backend configuration.
type Config struct {
	Dimension int
}
