package observability

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/haasonsaas/nightwatch/internal/memory"
	"github.com/haasonsaas/nightwatch/pkg/models"
)

type fakeIncidentStore struct {
	incidents []models.Incident
}

func (f fakeIncidentStore) Get(id string) (models.Incident, bool) {
	for _, inc := range f.incidents {
		if inc.ID == id {
			return inc, true
		}
	}
	return models.Incident{}, false
}

func (f fakeIncidentStore) List() []models.Incident {
	return f.incidents
}

type fakeMemoryStats struct {
	stats memory.Stats
	err   error
}

func (f fakeMemoryStats) Stats(ctx context.Context) (memory.Stats, error) {
	return f.stats, f.err
}

func TestHandleHealthReportsMemoryStatus(t *testing.T) {
	metrics := NewMetrics(prometheus.NewRegistry())
	s := NewServer(fakeIncidentStore{}, fakeMemoryStats{stats: memory.Stats{TotalRecords: 7}}, metrics, nil, "test-version")

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	var resp healthResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Status != "ok" || resp.Version != "test-version" {
		t.Errorf("unexpected health response: %+v", resp)
	}
	if resp.Memory.Count != 7 {
		t.Errorf("memory count = %d, want 7", resp.Memory.Count)
	}
}

func TestHandleIncidentsPaginates(t *testing.T) {
	metrics := NewMetrics(prometheus.NewRegistry())
	store := fakeIncidentStore{incidents: []models.Incident{
		{ID: "a", Fingerprint: "fp-a"},
		{ID: "b", Fingerprint: "fp-b"},
		{ID: "c", Fingerprint: "fp-c"},
	}}
	s := NewServer(store, fakeMemoryStats{}, metrics, nil, "v")

	req := httptest.NewRequest(http.MethodGet, "/incidents?limit=2", nil)
	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, req)

	var resp incidentsResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(resp.Items) != 2 {
		t.Fatalf("items = %d, want 2", len(resp.Items))
	}
	if resp.NextCursor != "2" {
		t.Errorf("nextCursor = %q, want %q", resp.NextCursor, "2")
	}
}

func TestHandleStatsDegradesOnMemoryError(t *testing.T) {
	metrics := NewMetrics(prometheus.NewRegistry())
	s := NewServer(fakeIncidentStore{}, fakeMemoryStats{err: context.DeadlineExceeded}, metrics, nil, "v")

	req := httptest.NewRequest(http.MethodGet, "/stats", nil)
	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rr.Code)
	}
}

func TestHandleMetricsServesPrometheusExposition(t *testing.T) {
	metrics := NewMetrics(prometheus.NewRegistry())
	s := NewServer(fakeIncidentStore{}, fakeMemoryStats{}, metrics, nil, "v")

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
}
