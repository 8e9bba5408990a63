// Package memory composes an embeddings.Provider with a backend.Backend
// into the Vector Incident Memory: embed a description of a closed incident,
// upsert it, and later search by the same description formula for similar
// precedents during an Analyst stage. Grounded on the teacher's
// internal/memory/manager.go Manager, trimmed from its general-purpose
// session/channel/agent scoping to the single "closed incident" domain this
// service indexes.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/haasonsaas/nightwatch/internal/memory/backend"
	"github.com/haasonsaas/nightwatch/internal/memory/backend/pgvector"
	"github.com/haasonsaas/nightwatch/internal/memory/backend/sqlitevec"
	"github.com/haasonsaas/nightwatch/internal/memory/embeddings"
	"github.com/haasonsaas/nightwatch/internal/memory/embeddings/ollama"
	"github.com/haasonsaas/nightwatch/internal/memory/embeddings/openai"
	"github.com/haasonsaas/nightwatch/pkg/models"
)

// Config selects and configures the backend and embedding provider.
type Config struct {
	Backend   string // sqlite-vec, pgvector
	Dimension int
	TopK      int
	MinScore  float64

	SQLiteVec  SQLiteVecConfig
	Pgvector   PgvectorConfig
	Embeddings EmbeddingsConfig
}

// SQLiteVecConfig is backend-specific configuration for the local store.
type SQLiteVecConfig struct {
	Path string
}

// PgvectorConfig is backend-specific configuration for the Postgres store.
type PgvectorConfig struct {
	DSN           string
	RunMigrations bool
}

// EmbeddingsConfig selects and configures the embedding provider.
type EmbeddingsConfig struct {
	Provider string // openai, ollama
	APIKey   string
	BaseURL  string
	Model    string
}

// Manager is the Vector Incident Memory: embed/upsert/search/stats over
// closed incidents.
type Manager struct {
	backend  backend.Backend
	embedder embeddings.Provider
	cfg      Config
	cache    *queryCache
	mu       sync.RWMutex
}

// New builds a Manager from cfg, selecting the configured backend and
// embedding provider.
func New(cfg Config) (*Manager, error) {
	if cfg.Dimension <= 0 {
		cfg.Dimension = 1536
	}
	if cfg.TopK <= 0 {
		cfg.TopK = 5
	}
	if cfg.MinScore <= 0 {
		cfg.MinScore = 0.55
	}

	var b backend.Backend
	var err error
	switch cfg.Backend {
	case "sqlite-vec", "sqlite", "":
		b, err = sqlitevec.New(sqlitevec.Config{Path: cfg.SQLiteVec.Path, Dimension: cfg.Dimension})
	case "pgvector", "postgres", "postgresql":
		b, err = pgvector.New(pgvector.Config{
			DSN:           cfg.Pgvector.DSN,
			Dimension:     cfg.Dimension,
			RunMigrations: cfg.Pgvector.RunMigrations,
		})
	default:
		return nil, fmt.Errorf("memory: unknown backend %q", cfg.Backend)
	}
	if err != nil {
		return nil, fmt.Errorf("memory: init backend: %w", err)
	}

	var emb embeddings.Provider
	switch cfg.Embeddings.Provider {
	case "openai", "":
		emb, err = openai.New(openai.Config{APIKey: cfg.Embeddings.APIKey, BaseURL: cfg.Embeddings.BaseURL, Model: cfg.Embeddings.Model})
	case "ollama":
		emb, err = ollama.New(ollama.Config{BaseURL: cfg.Embeddings.BaseURL, Model: cfg.Embeddings.Model})
	default:
		b.Close()
		return nil, fmt.Errorf("memory: unknown embedding provider %q", cfg.Embeddings.Provider)
	}
	if err != nil {
		b.Close()
		return nil, fmt.Errorf("memory: init embedder: %w", err)
	}

	return &Manager{
		backend:  b,
		embedder: emb,
		cfg:      cfg,
		cache:    newQueryCache(1000),
	}, nil
}

// Describe renders the same natural-language description at both write and
// read time, so a Search query embeds identically to how the matching
// Upsert record was embedded. Grounded directly on spec.md §4.3's formula:
// alert.labels + annotations + severity + fingerprint.
func Describe(alert models.Alert) string {
	var b strings.Builder
	fmt.Fprintf(&b, "severity=%s fingerprint=%s", alert.Severity, alert.Fingerprint)
	for _, k := range sortedKeys(alert.Labels) {
		fmt.Fprintf(&b, " label.%s=%s", k, alert.Labels[k])
	}
	for _, k := range sortedKeys(alert.Annotations) {
		fmt.Fprintf(&b, " annotation.%s=%s", k, alert.Annotations[k])
	}
	return b.String()
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Upsert embeds and stores a closed incident's MemoryRecord, keyed by
// idempotent id. Unless record already carries an embedding, it is embedded
// from Describe(alert), the write-time half of the shared formula.
func (m *Manager) Upsert(ctx context.Context, record models.MemoryRecord, alert models.Alert) error {
	if len(record.Embedding) == 0 {
		embedding, err := m.embedder.Embed(ctx, Describe(alert))
		if err != nil {
			return fmt.Errorf("memory: embed record %s: %w", record.ID, err)
		}
		record.Embedding = embedding
	}
	return m.backend.Upsert(ctx, []*models.MemoryRecord{&record})
}

// Search embeds alert with the shared Describe formula and returns up to
// TopK matches at or above MinScore, ordered score descending then
// closedAt descending. Search failures are non-fatal by contract: callers
// treat a returned error as "no historical context available" rather than
// aborting the stage.
func (m *Manager) Search(ctx context.Context, alert models.Alert) ([]models.MemoryMatch, error) {
	query := Describe(alert)

	embedding, ok := m.cache.get(query)
	if !ok {
		var err error
		embedding, err = m.embedder.Embed(ctx, query)
		if err != nil {
			return nil, fmt.Errorf("memory: embed query: %w", err)
		}
		m.cache.set(query, embedding)
	}

	matches, err := m.backend.Search(ctx, embedding, backend.SearchOptions{
		TopK:     m.cfg.TopK,
		MinScore: m.cfg.MinScore,
	})
	if err != nil {
		return nil, fmt.Errorf("memory: search: %w", err)
	}
	return matches, nil
}

// Stats summarizes the memory store for the observability surface and
// scheduled reports.
type Stats struct {
	TotalRecords   int64
	SuccessRate    float64
	AvgDuration    time.Duration
	TotalCostUSD   float64
	BySeverity     map[string]int64
	EmbeddingModel string
	BackendKind    string
}

// Stats returns aggregate counters over the memory store. It re-scans up
// to 1000 of the most recently closed records rather than maintaining
// running totals, which is appropriate at homelab incident volumes.
func (m *Manager) Stats(ctx context.Context) (Stats, error) {
	total, err := m.backend.Count(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("memory: count: %w", err)
	}

	stats := Stats{
		TotalRecords:   total,
		BySeverity:     map[string]int64{},
		EmbeddingModel: m.embedder.Name(),
		BackendKind:    m.cfg.Backend,
	}

	sample, err := m.backend.Sample(ctx, 1000)
	if err != nil {
		return Stats{}, fmt.Errorf("memory: sample: %w", err)
	}
	if len(sample) == 0 {
		return stats, nil
	}

	var resolved, terminal int
	var totalDuration time.Duration
	for _, r := range sample {
		stats.BySeverity[r.Severity]++
		stats.TotalCostUSD += r.LLMCostUSD
		totalDuration += time.Duration(r.DurationSeconds * float64(time.Second))
		switch r.Outcome {
		case models.OutcomeResolved:
			resolved++
			terminal++
		case models.OutcomeFailed, models.OutcomeEscalated:
			terminal++
		}
	}
	if terminal > 0 {
		stats.SuccessRate = float64(resolved) / float64(terminal)
	}
	stats.AvgDuration = totalDuration / time.Duration(len(sample))
	return stats, nil
}

// Close releases the backend's resources.
func (m *Manager) Close() error {
	return m.backend.Close()
}

// queryCache is a capacity-bounded LRU over query-description -> embedding,
// avoiding repeat embedding calls for an Analyst stage that searches memory
// more than once against the same alert within a process lifetime.
// Grounded on the teacher's embeddingCache in internal/memory/manager.go.
type queryCache struct {
	mu       sync.RWMutex
	items    map[string][]float32
	order    []string
	capacity int
}

func newQueryCache(capacity int) *queryCache {
	return &queryCache{items: make(map[string][]float32), capacity: capacity}
}

func (c *queryCache) get(key string) ([]float32, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.items[key]
	if ok {
		for i, k := range c.order {
			if k == key {
				c.order = append(c.order[:i], c.order[i+1:]...)
				c.order = append(c.order, key)
				break
			}
		}
	}
	return v, ok
}

func (c *queryCache) set(key string, value []float32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.items[key]; !exists {
		c.order = append(c.order, key)
		if len(c.order) > c.capacity {
			oldest := c.order[0]
			c.order = c.order[1:]
			delete(c.items, oldest)
		}
	}
	c.items[key] = value
}
