package hypervisor

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/haasonsaas/nightwatch/internal/config"
	"github.com/haasonsaas/nightwatch/internal/tools"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, func()) {
	t.Helper()
	srv := httptest.NewServer(handler)
	return New(config.HypervisorConfig{Endpoint: srv.URL, APIToken: "tok"}), srv.Close
}

func TestLxcRestartDryRunSkipsRequest(t *testing.T) {
	called := false
	client, closeFn := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	})
	defer closeFn()

	registry := tools.New(nil, nil)
	if err := Register(registry, client); err != nil {
		t.Fatalf("Register: %v", err)
	}
	tool, ok := registry.Get("lxc_restart")
	if !ok {
		t.Fatal("lxc_restart not registered")
	}

	result, err := tool.Handler(tools.ExecContext{Context: context.Background(), DryRun: true}, json.RawMessage(`{"id":"101"}`))
	if err != nil {
		t.Fatalf("Handler: %v", err)
	}
	if result.Outcome != tools.OutcomeDryRun {
		t.Errorf("outcome = %s, want dryrun", result.Outcome)
	}
	if called {
		t.Error("dry run should not have issued an HTTP request")
	}
}

func TestLxcRestartSendsAuthorizedRequest(t *testing.T) {
	var gotAuth, gotMethod, gotPath string
	client, closeFn := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotMethod = r.Method
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusOK)
	})
	defer closeFn()

	registry := tools.New(nil, nil)
	if err := Register(registry, client); err != nil {
		t.Fatalf("Register: %v", err)
	}
	tool, _ := registry.Get("lxc_restart")

	result, err := tool.Handler(tools.ExecContext{Context: context.Background()}, json.RawMessage(`{"id":"101"}`))
	if err != nil {
		t.Fatalf("Handler: %v", err)
	}
	if result.Outcome != tools.OutcomeOK {
		t.Errorf("outcome = %s, want ok", result.Outcome)
	}
	if gotAuth != "PVEAPIToken=tok" {
		t.Errorf("Authorization header = %q", gotAuth)
	}
	if gotMethod != http.MethodPost {
		t.Errorf("method = %s, want POST", gotMethod)
	}
	if gotPath != "/nodes/pve/lxc/101/status/reboot" {
		t.Errorf("path = %s", gotPath)
	}
}

func TestLxcStatusRequiresID(t *testing.T) {
	client, closeFn := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	defer closeFn()

	registry := tools.New(nil, nil)
	if err := Register(registry, client); err != nil {
		t.Fatalf("Register: %v", err)
	}
	tool, _ := registry.Get("lxc_status")

	result, err := tool.Handler(tools.ExecContext{Context: context.Background()}, json.RawMessage(`{}`))
	if err == nil {
		t.Fatal("expected error for missing id")
	}
	if result.Outcome != tools.OutcomeError {
		t.Errorf("outcome = %s, want error", result.Outcome)
	}
}

func TestLxcMigrateRequiresIDAndTarget(t *testing.T) {
	client, closeFn := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	defer closeFn()

	registry := tools.New(nil, nil)
	if err := Register(registry, client); err != nil {
		t.Fatalf("Register: %v", err)
	}
	tool, _ := registry.Get("lxc_migrate")

	if _, err := tool.Handler(tools.ExecContext{Context: context.Background()}, json.RawMessage(`{"id":"101"}`)); err == nil {
		t.Fatal("expected error for missing target")
	}
}
