package promquery

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/haasonsaas/nightwatch/internal/config"
	"github.com/haasonsaas/nightwatch/internal/tools"
)

func newTestClient(t *testing.T, body string) (*Client, func()) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/api/v1/query") {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(body))
	}))
	client, err := New(config.PrometheusConfig{Endpoint: srv.URL})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return client, srv.Close
}

const vectorResponse = `{"status":"success","data":{"resultType":"vector","result":[{"metric":{"__name__":"up","job":"node"},"value":[1700000000,"1"]}]}}`

func TestPromqlQueryReturnsResultText(t *testing.T) {
	client, closeFn := newTestClient(t, vectorResponse)
	defer closeFn()

	registry := tools.New(nil, nil)
	if err := Register(registry, client); err != nil {
		t.Fatalf("Register: %v", err)
	}
	tool, _ := registry.Get("promql_query")

	result, err := tool.Handler(tools.ExecContext{Context: context.Background()}, json.RawMessage(`{"query":"up"}`))
	if err != nil {
		t.Fatalf("Handler: %v", err)
	}
	if result.Outcome != tools.OutcomeOK {
		t.Errorf("outcome = %s, want ok", result.Outcome)
	}
	if !strings.Contains(result.Text, "up") {
		t.Errorf("expected result text to mention the series, got %q", result.Text)
	}
}

func TestPromqlQueryRequiresQuery(t *testing.T) {
	client, closeFn := newTestClient(t, vectorResponse)
	defer closeFn()

	registry := tools.New(nil, nil)
	if err := Register(registry, client); err != nil {
		t.Fatalf("Register: %v", err)
	}
	tool, _ := registry.Get("promql_query")

	_, err := tool.Handler(tools.ExecContext{Context: context.Background()}, json.RawMessage(`{}`))
	if err == nil {
		t.Fatal("expected error for missing query")
	}
}

func TestPromqlQueryPropagatesAPIError(t *testing.T) {
	client, closeFn := newTestClient(t, `{"status":"error","errorType":"bad_data","error":"invalid query"}`)
	defer closeFn()

	registry := tools.New(nil, nil)
	if err := Register(registry, client); err != nil {
		t.Fatalf("Register: %v", err)
	}
	tool, _ := registry.Get("promql_query")

	result, err := tool.Handler(tools.ExecContext{Context: context.Background()}, json.RawMessage(`{"query":"{{bad"}`))
	if err == nil {
		t.Fatal("expected error from API")
	}
	if result.Outcome != tools.OutcomeError {
		t.Errorf("outcome = %s, want error", result.Outcome)
	}
}
