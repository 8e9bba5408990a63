package memory

import (
	"context"
	"testing"
	"time"

	"github.com/haasonsaas/nightwatch/internal/memory/backend"
	"github.com/haasonsaas/nightwatch/pkg/models"
)

type fakeEmbedder struct {
	calls int
	dim   int
}

func (f *fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	f.calls++
	v := make([]float32, f.dim)
	for i, c := range text {
		v[i%f.dim] += float32(c)
	}
	return v, nil
}

func (f *fakeEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, _ := f.Embed(ctx, t)
		out[i] = v
	}
	return out, nil
}
func (f *fakeEmbedder) Name() string       { return "fake" }
func (f *fakeEmbedder) Dimension() int     { return f.dim }
func (f *fakeEmbedder) MaxBatchSize() int  { return 100 }

type fakeBackend struct {
	records map[string]*models.MemoryRecord
}

func newFakeBackend() *fakeBackend { return &fakeBackend{records: map[string]*models.MemoryRecord{}} }

func (f *fakeBackend) Upsert(ctx context.Context, records []*models.MemoryRecord) error {
	for _, r := range records {
		f.records[r.ID] = r
	}
	return nil
}

func (f *fakeBackend) Search(ctx context.Context, query []float32, opts backend.SearchOptions) ([]models.MemoryMatch, error) {
	var matches []models.MemoryMatch
	for _, r := range f.records {
		matches = append(matches, models.MemoryMatch{Record: *r, Score: 0.9})
	}
	return matches, nil
}

func (f *fakeBackend) Count(ctx context.Context) (int64, error) { return int64(len(f.records)), nil }

func (f *fakeBackend) Sample(ctx context.Context, limit int) ([]models.MemoryRecord, error) {
	out := make([]models.MemoryRecord, 0, len(f.records))
	for _, r := range f.records {
		out = append(out, *r)
	}
	return out, nil
}

func (f *fakeBackend) Close() error { return nil }

func newTestManager(t *testing.T) (*Manager, *fakeBackend, *fakeEmbedder) {
	t.Helper()
	b := newFakeBackend()
	e := &fakeEmbedder{dim: 8}
	return &Manager{backend: b, embedder: e, cfg: Config{TopK: 5, MinScore: 0.1}, cache: newQueryCache(10)}, b, e
}

func TestDescribeIsDeterministicAndOrderIndependent(t *testing.T) {
	a1 := models.Alert{
		Severity:    "critical",
		Fingerprint: "fp-1",
		Labels:      map[string]string{"z": "1", "a": "2"},
		Annotations: map[string]string{"summary": "disk full"},
	}
	a2 := models.Alert{
		Severity:    "critical",
		Fingerprint: "fp-1",
		Labels:      map[string]string{"a": "2", "z": "1"},
		Annotations: map[string]string{"summary": "disk full"},
	}
	if Describe(a1) != Describe(a2) {
		t.Errorf("Describe should be independent of map iteration order: %q vs %q", Describe(a1), Describe(a2))
	}
}

func TestUpsertThenSearchRoundTrips(t *testing.T) {
	m, _, _ := newTestManager(t)
	alert := models.Alert{Severity: "warning", Fingerprint: "fp-disk", Labels: map[string]string{"host": "nas"}}

	record := models.MemoryRecord{ID: "inc-1", Fingerprint: "fp-disk", Severity: "warning", Outcome: models.OutcomeResolved, ClosedAt: time.Now()}
	if err := m.Upsert(context.Background(), record, alert); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	matches, err := m.Search(context.Background(), alert)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(matches) != 1 || matches[0].Record.ID != "inc-1" {
		t.Fatalf("expected 1 match for inc-1, got %+v", matches)
	}
}

func TestStatsComputesSuccessRateOverTerminalOutcomes(t *testing.T) {
	m, b, _ := newTestManager(t)
	now := time.Now()
	b.records["inc-1"] = &models.MemoryRecord{ID: "inc-1", Severity: "warning", Outcome: models.OutcomeResolved, DurationSeconds: 10, ClosedAt: now}
	b.records["inc-2"] = &models.MemoryRecord{ID: "inc-2", Severity: "critical", Outcome: models.OutcomeFailed, DurationSeconds: 20, ClosedAt: now}
	b.records["inc-3"] = &models.MemoryRecord{ID: "inc-3", Severity: "warning", Outcome: models.OutcomeNoop, DurationSeconds: 5, ClosedAt: now}

	stats, err := m.Stats(context.Background())
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.TotalRecords != 3 {
		t.Errorf("expected 3 total records, got %d", stats.TotalRecords)
	}
	if stats.SuccessRate != 0.5 {
		t.Errorf("expected success rate 0.5 (1 resolved / 2 terminal), got %v", stats.SuccessRate)
	}
	if stats.BySeverity["warning"] != 2 {
		t.Errorf("expected 2 warning records, got %d", stats.BySeverity["warning"])
	}
}

func TestSearchCachesEmbeddingForRepeatedQuery(t *testing.T) {
	m, _, e := newTestManager(t)
	alert := models.Alert{Severity: "critical", Fingerprint: "fp-db"}

	if _, err := m.Search(context.Background(), alert); err != nil {
		t.Fatalf("first search: %v", err)
	}
	if _, err := m.Search(context.Background(), alert); err != nil {
		t.Fatalf("second search: %v", err)
	}
	if e.calls != 1 {
		t.Errorf("expected embedder called once due to cache, got %d calls", e.calls)
	}
}
