package memorysearch

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/haasonsaas/nightwatch/internal/memory"
	"github.com/haasonsaas/nightwatch/internal/tools"
	"github.com/haasonsaas/nightwatch/pkg/models"
)

// newTestMemory builds a real Manager over an in-memory sqlite-vec backend
// and a fake Ollama embeddings endpoint, so Search exercises the full
// embed-then-score path rather than a mocked interface.
func newTestMemory(t *testing.T) (*memory.Manager, func()) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"embedding":[0.1,0.2,0.3]}`))
	}))

	mgr, err := memory.New(memory.Config{
		Backend:   "sqlite-vec",
		Dimension: 3,
		TopK:      5,
		MinScore:  -1,
		SQLiteVec: memory.SQLiteVecConfig{Path: ":memory:"},
		Embeddings: memory.EmbeddingsConfig{
			Provider: "ollama",
			BaseURL:  srv.URL,
		},
	})
	if err != nil {
		t.Fatalf("memory.New: %v", err)
	}
	return mgr, func() {
		mgr.Close()
		srv.Close()
	}
}

func TestSimilarIncidentsReturnsNoMatchesOnEmptyStore(t *testing.T) {
	mgr, closeFn := newTestMemory(t)
	defer closeFn()

	registry := tools.New(nil, nil)
	if err := Register(registry, mgr); err != nil {
		t.Fatalf("Register: %v", err)
	}
	tool, _ := registry.Get("similar_incidents")

	result, err := tool.Handler(tools.ExecContext{Context: context.Background()}, json.RawMessage(`{"fingerprint":"abc","severity":"warning"}`))
	if err != nil {
		t.Fatalf("Handler: %v", err)
	}
	if result.Outcome != tools.OutcomeOK {
		t.Errorf("outcome = %s, want ok", result.Outcome)
	}
	if result.Text != "no similar past incidents found" {
		t.Errorf("text = %q", result.Text)
	}
}

func TestSimilarIncidentsFindsUpsertedRecord(t *testing.T) {
	mgr, closeFn := newTestMemory(t)
	defer closeFn()

	alert := models.Alert{Fingerprint: "abc", Severity: "warning", Labels: map[string]string{"service": "web"}}
	record := models.MemoryRecord{
		ID:              "inc-1",
		Fingerprint:     "abc",
		Severity:        "warning",
		Outcome:         models.OutcomeResolved,
		ToolsUsed:       []string{"container_restart"},
		DurationSeconds: 42,
		ClosedAt:        time.Now(),
	}
	if err := mgr.Upsert(context.Background(), record, alert); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	registry := tools.New(nil, nil)
	if err := Register(registry, mgr); err != nil {
		t.Fatalf("Register: %v", err)
	}
	tool, _ := registry.Get("similar_incidents")

	result, err := tool.Handler(tools.ExecContext{Context: context.Background()}, json.RawMessage(`{"fingerprint":"abc","severity":"warning","labels":{"service":"web"}}`))
	if err != nil {
		t.Fatalf("Handler: %v", err)
	}
	if result.Outcome != tools.OutcomeOK {
		t.Errorf("outcome = %s, want ok", result.Outcome)
	}
	if result.Text == "no similar past incidents found" {
		t.Errorf("expected the upserted record to be found, got: %q", result.Text)
	}
}

func TestSimilarIncidentsRequiresFingerprint(t *testing.T) {
	mgr, closeFn := newTestMemory(t)
	defer closeFn()

	registry := tools.New(nil, nil)
	if err := Register(registry, mgr); err != nil {
		t.Fatalf("Register: %v", err)
	}
	tool, _ := registry.Get("similar_incidents")

	_, err := tool.Handler(tools.ExecContext{Context: context.Background()}, json.RawMessage(`{}`))
	if err == nil {
		t.Fatal("expected error for missing fingerprint")
	}
}
