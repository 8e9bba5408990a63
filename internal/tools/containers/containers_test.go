package containers

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/haasonsaas/nightwatch/internal/config"
	"github.com/haasonsaas/nightwatch/internal/tools"
)

// newUnixTestServer starts an httptest server bound to a Unix domain socket,
// matching how Client.New dials a "unix://" endpoint in production.
func newUnixTestServer(t *testing.T, handler http.HandlerFunc) (*Client, func()) {
	t.Helper()
	socketPath := filepath.Join(t.TempDir(), "runtime.sock")
	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		t.Fatalf("listen unix socket: %v", err)
	}
	srv := httptest.NewUnstartedServer(handler)
	srv.Listener.Close()
	srv.Listener = listener
	srv.Start()

	client := New(config.ContainersConfig{Endpoint: "unix://" + socketPath})
	return client, srv.Close
}

func TestContainerRestartDryRun(t *testing.T) {
	called := false
	client, closeFn := newUnixTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	})
	defer closeFn()

	registry := tools.New(nil, nil)
	if err := Register(registry, client); err != nil {
		t.Fatalf("Register: %v", err)
	}
	tool, _ := registry.Get("container_restart")

	result, err := tool.Handler(tools.ExecContext{Context: context.Background(), DryRun: true}, json.RawMessage(`{"name":"web-1"}`))
	if err != nil {
		t.Fatalf("Handler: %v", err)
	}
	if result.Outcome != tools.OutcomeDryRun {
		t.Errorf("outcome = %s, want dryrun", result.Outcome)
	}
	if called {
		t.Error("dry run should not have issued a request over the socket")
	}
}

func TestContainerRestartOverUnixSocket(t *testing.T) {
	var gotPath string
	client, closeFn := newUnixTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusOK)
	})
	defer closeFn()

	registry := tools.New(nil, nil)
	if err := Register(registry, client); err != nil {
		t.Fatalf("Register: %v", err)
	}
	tool, _ := registry.Get("container_restart")

	result, err := tool.Handler(tools.ExecContext{Context: context.Background()}, json.RawMessage(`{"name":"web-1"}`))
	if err != nil {
		t.Fatalf("Handler: %v", err)
	}
	if result.Outcome != tools.OutcomeOK {
		t.Errorf("outcome = %s, want ok", result.Outcome)
	}
	if gotPath != "/containers/web-1/restart" {
		t.Errorf("path = %s", gotPath)
	}
}

func TestContainerLogsRequiresName(t *testing.T) {
	client, closeFn := newUnixTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	defer closeFn()

	registry := tools.New(nil, nil)
	if err := Register(registry, client); err != nil {
		t.Fatalf("Register: %v", err)
	}
	tool, _ := registry.Get("container_logs")

	_, err := tool.Handler(tools.ExecContext{Context: context.Background()}, json.RawMessage(`{}`))
	if err == nil {
		t.Fatal("expected error for missing name")
	}
}

func TestContainerResourceUpdateDryRun(t *testing.T) {
	called := false
	client, closeFn := newUnixTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	})
	defer closeFn()

	registry := tools.New(nil, nil)
	if err := Register(registry, client); err != nil {
		t.Fatalf("Register: %v", err)
	}
	tool, _ := registry.Get("container_resource_update")

	result, err := tool.Handler(tools.ExecContext{Context: context.Background(), DryRun: true}, json.RawMessage(`{"name":"web-1","cpuShares":512,"memoryMB":256}`))
	if err != nil {
		t.Fatalf("Handler: %v", err)
	}
	if result.Outcome != tools.OutcomeDryRun {
		t.Errorf("outcome = %s, want dryrun", result.Outcome)
	}
	if called {
		t.Error("dry run should not have issued a request over the socket")
	}
}
