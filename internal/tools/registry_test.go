package tools

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/haasonsaas/nightwatch/internal/approval"
	"github.com/haasonsaas/nightwatch/internal/audit"
	"github.com/haasonsaas/nightwatch/internal/config"
	"github.com/haasonsaas/nightwatch/internal/errkind"
	"github.com/haasonsaas/nightwatch/internal/toolkeys"
	"github.com/haasonsaas/nightwatch/pkg/models"
)

func readSchema() map[string]any {
	return map[string]any{
		"type":                 "object",
		"properties":           map[string]any{"id": map[string]any{"type": "string"}},
		"required":             []any{"id"},
		"additionalProperties": false,
	}
}

func newTestRegistry(t *testing.T, gate *approval.Gate) *Registry {
	t.Helper()
	r := New(gate, toolkeys.New())
	if err := r.Register(Tool{
		Name:   "lxc_status",
		Family: "hypervisor",
		Risk:   RiskRead,
		Schema: readSchema(),
		Handler: func(ec ExecContext, args json.RawMessage) (Result, error) {
			return Result{Text: "running", Outcome: OutcomeOK}, nil
		},
	}); err != nil {
		t.Fatalf("register: %v", err)
	}
	return r
}

func TestInvokeUnknownToolReturnsErrUnknownTool(t *testing.T) {
	r := newTestRegistry(t, nil)
	inv, _, err := r.Invoke(ExecContext{Context: context.Background()}, "does_not_exist", "", json.RawMessage(`{}`))
	if !errors.Is(err, errkind.ErrUnknownTool) {
		t.Fatalf("expected ErrUnknownTool, got %v", err)
	}
	if inv.Outcome != models.ToolError {
		t.Errorf("outcome = %v, want error", inv.Outcome)
	}
}

func TestInvokeBadArgsReturnsErrBadArgs(t *testing.T) {
	r := newTestRegistry(t, nil)
	inv, _, err := r.Invoke(ExecContext{Context: context.Background()}, "lxc_status", "101", json.RawMessage(`{"wrong":1}`))
	if !errors.Is(err, errkind.ErrBadArgs) {
		t.Fatalf("expected ErrBadArgs, got %v", err)
	}
	if inv.Outcome != models.ToolError {
		t.Errorf("outcome = %v, want error", inv.Outcome)
	}
}

func TestInvokeReadToolSucceeds(t *testing.T) {
	r := newTestRegistry(t, nil)
	inv, _, err := r.Invoke(ExecContext{Context: context.Background()}, "lxc_status", "101", json.RawMessage(`{"id":"101"}`))
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if inv.Outcome != models.ToolOK {
		t.Errorf("outcome = %v, want ok", inv.Outcome)
	}
}

type fakeChannel struct{}

func (fakeChannel) PostApprovalRequest(ctx context.Context, req models.ApprovalRequest) error { return nil }

func TestInvokeRoutesCriticalMutationThroughGate(t *testing.T) {
	critical := approval.NewCriticalTargets(config.CriticalConfig{DatabaseNames: []string{"prod-postgres"}})
	auditLog, err := audit.NewLogger("stdout", nil)
	if err != nil {
		t.Fatalf("audit.NewLogger: %v", err)
	}
	defer auditLog.Close()
	gate := approval.NewGate(fakeChannel{}, critical, auditLog, approval.WithDryRun(true))

	r := New(gate, toolkeys.New())
	invoked := false
	if err := r.Register(Tool{
		Name:   "db_failover",
		Family: "database",
		Risk:   RiskMutateCriticalCandidate,
		Schema: readSchema(),
		Handler: func(ec ExecContext, args json.RawMessage) (Result, error) {
			invoked = true
			if !ec.DryRun {
				t.Error("handler should run in dry-run mode")
			}
			return Result{Text: "failed over", Outcome: OutcomeDryRun}, nil
		},
	}); err != nil {
		t.Fatalf("register: %v", err)
	}

	inv, _, err := r.Invoke(ExecContext{Context: context.Background(), DryRun: true}, "db_failover", "prod-postgres", json.RawMessage(`{"id":"prod-postgres"}`))
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if !invoked {
		t.Fatal("handler was not invoked")
	}
	if inv.ApprovalID == "" {
		t.Error("expected a non-empty approval id on a gated invocation")
	}
	if inv.Outcome != models.ToolDryRun {
		t.Errorf("outcome = %v, want dryrun", inv.Outcome)
	}
}

func TestRoleAllowLists(t *testing.T) {
	readTool := &Tool{Name: "lxc_status", Risk: RiskRead}
	memTool := &Tool{Name: memorySearchTool, Risk: RiskRead}
	mutateCritical := &Tool{Name: "db_failover", Risk: RiskMutateCriticalCandidate}
	chatTool := &Tool{Name: chatSendTool, Risk: RiskRead}

	if !RoleMonitor.Allows(readTool) {
		t.Error("monitor should see read tools")
	}
	if RoleMonitor.Allows(memTool) {
		t.Error("monitor should not see the memory search tool")
	}
	if !RoleAnalyst.Allows(memTool) {
		t.Error("analyst should see the memory search tool")
	}
	if RoleAnalyst.Allows(mutateCritical) {
		t.Error("analyst should not see mutating tools")
	}
	if !RoleHealer.Allows(mutateCritical) {
		t.Error("healer should see mutating tools")
	}
	if RoleCommunicator.Allows(readTool) {
		t.Error("communicator should only see the chat-send tool")
	}
	if !RoleCommunicator.Allows(chatTool) {
		t.Error("communicator should see the chat-send tool")
	}
}
