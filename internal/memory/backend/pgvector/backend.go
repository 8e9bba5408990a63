// Package pgvector stores incident memory in Postgres using the pgvector
// extension, for operators who already run Postgres for incident durability
// and would rather not stand up a second storage file. Grounded on the
// teacher's internal/memory/backend/pgvector/backend.go, trimmed to cosine
// vector search only (the teacher's BM25/hybrid modes have no equivalent
// need here — incident memory is always queried by embedding, never by
// free-text).
package pgvector

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"

	"github.com/haasonsaas/nightwatch/internal/memory/backend"
	"github.com/haasonsaas/nightwatch/pkg/models"
)

// Backend implements backend.Backend over Postgres + pgvector.
type Backend struct {
	db        *sql.DB
	dimension int
	ownsDB    bool
}

// Config configures the pgvector backend.
type Config struct {
	DSN           string
	DB            *sql.DB
	Dimension     int
	RunMigrations bool
}

// New opens (or reuses) a Postgres connection and ensures the
// incident_memory table and pgvector extension exist.
func New(cfg Config) (*Backend, error) {
	if cfg.Dimension <= 0 {
		cfg.Dimension = 1536
	}

	var db *sql.DB
	var ownsDB bool
	switch {
	case cfg.DB != nil:
		db = cfg.DB
	case cfg.DSN != "":
		var err error
		db, err = sql.Open("postgres", cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("memory/pgvector: open database: %w", err)
		}
		ownsDB = true
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := db.PingContext(ctx); err != nil {
			db.Close()
			return nil, fmt.Errorf("memory/pgvector: ping database: %w", err)
		}
	default:
		return nil, fmt.Errorf("memory/pgvector: either DSN or DB must be provided")
	}

	b := &Backend{db: db, dimension: cfg.Dimension, ownsDB: ownsDB}
	if cfg.RunMigrations {
		if err := b.ensureSchema(context.Background()); err != nil {
			if ownsDB {
				db.Close()
			}
			return nil, err
		}
	}
	return b, nil
}

func (b *Backend) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS incident_memory (
			id TEXT PRIMARY KEY,
			fingerprint TEXT NOT NULL,
			severity TEXT,
			labels JSONB,
			stage_summaries JSONB,
			outcome TEXT,
			tools_used JSONB,
			duration_seconds DOUBLE PRECISION,
			llm_cost_usd DOUBLE PRECISION,
			closed_at TIMESTAMPTZ,
			embedding vector(%d)
		)`, b.dimension),
		`CREATE INDEX IF NOT EXISTS idx_incident_memory_fingerprint ON incident_memory(fingerprint)`,
	}
	for _, stmt := range stmts {
		if _, err := b.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("memory/pgvector: ensure schema: %w", err)
		}
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
		return fmt.Errorf("memory/pgvector: begin tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO incident_memory
			(id, fingerprint, severity, labels, stage_summaries, outcome, tools_used, duration_seconds, llm_cost_usd, closed_at, embedding)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11::vector)
		ON CONFLICT (id) DO UPDATE SET
			fingerprint = EXCLUDED.fingerprint,
			severity = EXCLUDED.severity,
			labels = EXCLUDED.labels,
			stage_summaries = EXCLUDED.stage_summaries,
			outcome = EXCLUDED.outcome,
			tools_used = EXCLUDED.tools_used,
			duration_seconds = EXCLUDED.duration_seconds,
			llm_cost_usd = EXCLUDED.llm_cost_usd,
			closed_at = EXCLUDED.closed_at,
			embedding = EXCLUDED.embedding
	`)
	if err != nil {
		return fmt.Errorf("memory/pgvector: prepare upsert: %w", err)
	}
	defer stmt.Close()

	for _, r := range records {
		labels, err := json.Marshal(r.Labels)
		if err != nil {
			return fmt.Errorf("memory/pgvector: marshal labels: %w", err)
		}
		summaries, err := json.Marshal(r.StageSummaries)
		if err != nil {
			return fmt.Errorf("memory/pgvector: marshal stage summaries: %w", err)
		}
		tools, err := json.Marshal(r.ToolsUsed)
		if err != nil {
			return fmt.Errorf("memory/pgvector: marshal tools used: %w", err)
		}

		if _, err := stmt.ExecContext(ctx,
			r.ID, r.Fingerprint, r.Severity, string(labels), string(summaries),
			string(r.Outcome), string(tools), r.DurationSeconds, r.LLMCostUSD,
			r.ClosedAt, encodeVector(r.Embedding),
		); err != nil {
			return fmt.Errorf("memory/pgvector: upsert %s: %w", r.ID, err)
		}
	}
	return tx.Commit()
}

// Search orders by pgvector's cosine-distance operator (<=>), converting
// distance to a 0-1 similarity score and applying MinScore/TopK the same
// way the sqlitevec backend does, so Manager.Search behaves identically
// regardless of backend.
func (b *Backend) Search(ctx context.Context, query []float32, opts backend.SearchOptions) ([]models.MemoryMatch, error) {
	if opts.TopK <= 0 {
		opts.TopK = 5
	}
	queryVec := encodeVector(query)

	sqlQuery := `
		SELECT id, fingerprint, severity, labels, stage_summaries, outcome, tools_used,
			duration_seconds, llm_cost_usd, closed_at, 1 - (embedding <=> $1::vector) AS score
		FROM incident_memory
		WHERE embedding IS NOT NULL
	`
	args := []any{queryVec}
	if opts.MinScore > 0 {
		sqlQuery += " AND (1 - (embedding <=> $1::vector)) >= $2"
		args = append(args, opts.MinScore)
	}
	sqlQuery += " ORDER BY embedding <=> $1::vector ASC, closed_at DESC LIMIT " + strconv.Itoa(opts.TopK)

	rows, err := b.db.QueryContext(ctx, sqlQuery, args...)
	if err != nil {
		return nil, fmt.Errorf("memory/pgvector: search: %w", err)
	}
	defer rows.Close()

	var matches []models.MemoryMatch
	for rows.Next() {
		var r models.MemoryRecord
		var labels, summaries, tools string
		var outcome string
		var score float64
		if err := rows.Scan(&r.ID, &r.Fingerprint, &r.Severity, &labels, &summaries,
			&outcome, &tools, &r.DurationSeconds, &r.LLMCostUSD, &r.ClosedAt, &score); err != nil {
			return nil, fmt.Errorf("memory/pgvector: scan row: %w", err)
		}
		r.Outcome = models.Outcome(outcome)
		if labels != "" {
			json.Unmarshal([]byte(labels), &r.Labels)
		}
		if summaries != "" {
			json.Unmarshal([]byte(summaries), &r.StageSummaries)
		}
		if tools != "" {
			json.Unmarshal([]byte(tools), &r.ToolsUsed)
		}
		matches = append(matches, models.MemoryMatch{Record: r, Score: score})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("memory/pgvector: row iteration: %w", err)
	}
	return matches, nil
}

// Count returns the number of stored records.
func (b *Backend) Count(ctx context.Context) (int64, error) {
	var count int64
	if err := b.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM incident_memory`).Scan(&count); err != nil {
		return 0, fmt.Errorf("memory/pgvector: count: %w", err)
	}
	return count, nil
}

// Sample returns up to limit records, most recently closed first.
func (b *Backend) Sample(ctx context.Context, limit int) ([]models.MemoryRecord, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := b.db.QueryContext(ctx, `
		SELECT id, fingerprint, severity, labels, stage_summaries, outcome, tools_used, duration_seconds, llm_cost_usd, closed_at
		FROM incident_memory
		ORDER BY closed_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("memory/pgvector: sample: %w", err)
	}
	defer rows.Close()

	var out []models.MemoryRecord
	for rows.Next() {
		var r models.MemoryRecord
		var labels, summaries, tools string
		var outcome string
		if err := rows.Scan(&r.ID, &r.Fingerprint, &r.Severity, &labels, &summaries,
			&outcome, &tools, &r.DurationSeconds, &r.LLMCostUSD, &r.ClosedAt); err != nil {
			return nil, fmt.Errorf("memory/pgvector: scan sample row: %w", err)
		}
		r.Outcome = models.Outcome(outcome)
		if labels != "" {
			json.Unmarshal([]byte(labels), &r.Labels)
		}
		if summaries != "" {
			json.Unmarshal([]byte(summaries), &r.StageSummaries)
		}
		if tools != "" {
			json.Unmarshal([]byte(tools), &r.ToolsUsed)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("memory/pgvector: row iteration: %w", err)
	}
	return out, nil
}

// Close releases the database handle, unless it was supplied by the caller
// (e.g. shared with the incident storage layer), in which case the caller
// owns its lifetime.
func (b *Backend) Close() error {
	if !b.ownsDB {
		return nil
	}
	return b.db.Close()
}

func encodeVector(embedding []float32) string {
	parts := make([]string, len(embedding))
	for i, f := range embedding {
		parts[i] = strconv.FormatFloat(float64(f), 'f', -1, 32)
	}
	return "[" + strings.Join(parts, ",") + "]"
}
