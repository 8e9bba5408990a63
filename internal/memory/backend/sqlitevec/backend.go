// Package sqlitevec is the default, single-node vector backend: a local
// SQLite file storing embeddings as encoded blobs and scoring matches by
// brute-force cosine similarity. Grounded on the teacher's
// internal/memory/backend/sqlitevec/backend.go; it notes that a CGO build
// would load the sqlite-vec extension for an indexed ANN search, but for a
// homelab's incident volume (dozens to low thousands of records) brute-force
// cosine scan is well within budget and keeps the driver pure Go
// (modernc.org/sqlite), matching the teacher's choice.
package sqlitevec

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"sort"

	_ "modernc.org/sqlite"

	"github.com/haasonsaas/nightwatch/internal/memory/backend"
	"github.com/haasonsaas/nightwatch/pkg/models"
)

// Backend implements backend.Backend over a local SQLite database.
type Backend struct {
	db        *sql.DB
	dimension int
}

// Config configures the sqlite-vec backend.
type Config struct {
	Path      string
	Dimension int
}

// New opens (or creates) the database file and its schema.
func New(cfg Config) (*Backend, error) {
	if cfg.Path == "" {
		cfg.Path = ":memory:"
	}
	if cfg.Dimension <= 0 {
		cfg.Dimension = 1536
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("memory/sqlitevec: open database: %w", err)
	}
	b := &Backend{db: db, dimension: cfg.Dimension}
	if err := b.init(); err != nil {
		db.Close()
		return nil, err
	}
	return b, nil
}

func (b *Backend) init() error {
	_, err := b.db.Exec(`
		CREATE TABLE IF NOT EXISTS incident_memory (
			id TEXT PRIMARY KEY,
			fingerprint TEXT NOT NULL,
			severity TEXT,
			labels TEXT,
			stage_summaries TEXT,
			outcome TEXT,
			tools_used TEXT,
			duration_seconds REAL,
			llm_cost_usd REAL,
			closed_at DATETIME,
			embedding BLOB
		)
	`)
	if err != nil {
		return fmt.Errorf("memory/sqlitevec: create table: %w", err)
	}
	_, err = b.db.Exec(`CREATE INDEX IF NOT EXISTS idx_incident_memory_fingerprint ON incident_memory(fingerprint)`)
	if err != nil {
		return fmt.Errorf("memory/sqlitevec: create index: %w", err)
	}
	return nil
}

// Upsert stores records, replacing any existing row with the same ID.
func (b *Backend) Upsert(ctx context.Context, records []*models.MemoryRecord) error {
	if len(records) == 0 {
		return nil
	}
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("memory/sqlitevec: begin tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR REPLACE INTO incident_memory
			(id, fingerprint, severity, labels, stage_summaries, outcome, tools_used, duration_seconds, llm_cost_usd, closed_at, embedding)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("memory/sqlitevec: prepare upsert: %w", err)
	}
	defer stmt.Close()

	for _, r := range records {
		labels, err := json.Marshal(r.Labels)
		if err != nil {
			return fmt.Errorf("memory/sqlitevec: marshal labels: %w", err)
		}
		summaries, err := json.Marshal(r.StageSummaries)
		if err != nil {
			return fmt.Errorf("memory/sqlitevec: marshal stage summaries: %w", err)
		}
		tools, err := json.Marshal(r.ToolsUsed)
		if err != nil {
			return fmt.Errorf("memory/sqlitevec: marshal tools used: %w", err)
		}

		if _, err := stmt.ExecContext(ctx,
			r.ID, r.Fingerprint, r.Severity, string(labels), string(summaries),
			string(r.Outcome), string(tools), r.DurationSeconds, r.LLMCostUSD,
			r.ClosedAt, encodeEmbedding(r.Embedding),
		); err != nil {
			return fmt.Errorf("memory/sqlitevec: upsert %s: %w", r.ID, err)
		}
	}
	return tx.Commit()
}

// Search scans every stored record, scoring by cosine similarity against
// query, and returns the top opts.TopK matches at or above opts.MinScore.
// Ties break by ClosedAt descending (the more recent precedent wins),
// matching the Analyst's preference for fresher remediation history.
func (b *Backend) Search(ctx context.Context, query []float32, opts backend.SearchOptions) ([]models.MemoryMatch, error) {
	if opts.TopK <= 0 {
		opts.TopK = 5
	}

	rows, err := b.db.QueryContext(ctx, `
		SELECT id, fingerprint, severity, labels, stage_summaries, outcome, tools_used, duration_seconds, llm_cost_usd, closed_at, embedding
		FROM incident_memory
	`)
	if err != nil {
		return nil, fmt.Errorf("memory/sqlitevec: query: %w", err)
	}
	defer rows.Close()

	var matches []models.MemoryMatch
	for rows.Next() {
		record, embedding, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		score := cosineSimilarity(query, embedding)
		if opts.MinScore > 0 && score < opts.MinScore {
			continue
		}
		record.Embedding = nil
		matches = append(matches, models.MemoryMatch{Record: *record, Score: score})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("memory/sqlitevec: row iteration: %w", err)
	}

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		return matches[i].Record.ClosedAt.After(matches[j].Record.ClosedAt)
	})
	if len(matches) > opts.TopK {
		matches = matches[:opts.TopK]
	}
	return matches, nil
}

// Count returns the number of stored records.
func (b *Backend) Count(ctx context.Context) (int64, error) {
	var count int64
	err := b.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM incident_memory`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("memory/sqlitevec: count: %w", err)
	}
	return count, nil
}

// Sample returns up to limit records, most recently closed first.
func (b *Backend) Sample(ctx context.Context, limit int) ([]models.MemoryRecord, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := b.db.QueryContext(ctx, `
		SELECT id, fingerprint, severity, labels, stage_summaries, outcome, tools_used, duration_seconds, llm_cost_usd, closed_at, embedding
		FROM incident_memory
		ORDER BY closed_at DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("memory/sqlitevec: sample: %w", err)
	}
	defer rows.Close()

	var out []models.MemoryRecord
	for rows.Next() {
		record, _, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("memory/sqlitevec: row iteration: %w", err)
	}
	return out, nil
}

// Close releases the underlying database handle.
func (b *Backend) Close() error {
	return b.db.Close()
}

func scanRecord(rows *sql.Rows) (*models.MemoryRecord, []float32, error) {
	var r models.MemoryRecord
	var labels, summaries, tools string
	var outcome string
	var embeddingBlob []byte

	err := rows.Scan(
		&r.ID, &r.Fingerprint, &r.Severity, &labels, &summaries,
		&outcome, &tools, &r.DurationSeconds, &r.LLMCostUSD, &r.ClosedAt, &embeddingBlob,
	)
	if err != nil {
		return nil, nil, fmt.Errorf("memory/sqlitevec: scan row: %w", err)
	}
	r.Outcome = models.Outcome(outcome)
	if labels != "" {
		if err := json.Unmarshal([]byte(labels), &r.Labels); err != nil {
			return nil, nil, fmt.Errorf("memory/sqlitevec: unmarshal labels: %w", err)
		}
	}
	if summaries != "" {
		if err := json.Unmarshal([]byte(summaries), &r.StageSummaries); err != nil {
			return nil, nil, fmt.Errorf("memory/sqlitevec: unmarshal stage summaries: %w", err)
		}
	}
	if tools != "" {
		if err := json.Unmarshal([]byte(tools), &r.ToolsUsed); err != nil {
			return nil, nil, fmt.Errorf("memory/sqlitevec: unmarshal tools used: %w", err)
		}
	}
	return &r, decodeEmbedding(embeddingBlob), nil
}

func encodeEmbedding(embedding []float32) []byte {
	if len(embedding) == 0 {
		return nil
	}
	data := make([]byte, len(embedding)*4)
	for i, f := range embedding {
		bits := math.Float32bits(f)
		data[i*4] = byte(bits)
		data[i*4+1] = byte(bits >> 8)
		data[i*4+2] = byte(bits >> 16)
		data[i*4+3] = byte(bits >> 24)
	}
	return data
}

func decodeEmbedding(data []byte) []float32 {
	if len(data) == 0 || len(data)%4 != 0 {
		return nil
	}
	embedding := make([]float32, len(data)/4)
	for i := range embedding {
		bits := uint32(data[i*4]) | uint32(data[i*4+1])<<8 | uint32(data[i*4+2])<<16 | uint32(data[i*4+3])<<24
		embedding[i] = math.Float32frombits(bits)
	}
	return embedding
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
