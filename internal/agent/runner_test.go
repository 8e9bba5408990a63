package agent

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/haasonsaas/nightwatch/internal/llm"
	"github.com/haasonsaas/nightwatch/internal/tools"
)

type fakeLLM struct {
	turns []llm.Turn
	calls int
	err   error
}

func (f *fakeLLM) Run(ctx context.Context, system string, messages []llm.Message, specs []llm.ToolSpec, opts llm.RunOptions) (llm.Turn, error) {
	if f.err != nil {
		return llm.Turn{}, f.err
	}
	if f.calls >= len(f.turns) {
		return llm.Turn{StopReason: llm.StopEndTurn, Text: "done"}, nil
	}
	t := f.turns[f.calls]
	f.calls++
	return t, nil
}

func newTestRunner(t *testing.T, client llm.Client, budgets Budgets) (*Runner, *tools.Registry) {
	t.Helper()
	registry := tools.New(nil, nil)
	if err := registry.Register(tools.Tool{
		Name:   "lxc_status",
		Family: "hypervisor",
		Risk:   tools.RiskRead,
		Schema: map[string]any{"type": "object"},
		Handler: func(ec tools.ExecContext, args json.RawMessage) (tools.Result, error) {
			return tools.Result{Text: "running", Outcome: tools.OutcomeOK}, nil
		},
	}); err != nil {
		t.Fatalf("register: %v", err)
	}
	return New(tools.RoleMonitor, "system prompt", client, registry, budgets, "test-model", 1024), registry
}

func TestRunReturnsTerminalMessageWithNoToolCalls(t *testing.T) {
	client := &fakeLLM{turns: []llm.Turn{{StopReason: llm.StopEndTurn, Text: "nothing to see here"}}}
	runner, _ := newTestRunner(t, client, DefaultBudgets())

	out, invs, err := runner.Run(context.Background(), Context{IncidentID: "inc-1"}, "investigate", nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.Verdict != "nothing to see here" {
		t.Errorf("verdict = %q", out.Verdict)
	}
	if len(invs) != 0 {
		t.Errorf("expected no tool invocations, got %d", len(invs))
	}
}

func TestRunLoopsThroughToolCallsUntilTerminal(t *testing.T) {
	client := &fakeLLM{turns: []llm.Turn{
		{StopReason: llm.StopToolUse, ToolCalls: []llm.ToolCall{{ID: "c1", Name: "lxc_status", Arguments: []byte(`{"id":"101"}`)}}},
		{StopReason: llm.StopEndTurn, Text: "container is running, no action needed"},
	}}
	runner, _ := newTestRunner(t, client, DefaultBudgets())

	out, invs, err := runner.Run(context.Background(), Context{IncidentID: "inc-1"}, "investigate", nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.ToolCallCount != 1 {
		t.Errorf("toolCallCount = %d, want 1", out.ToolCallCount)
	}
	if len(invs) != 1 || invs[0].Name != "lxc_status" {
		t.Fatalf("invocations = %+v", invs)
	}
}

func TestRunTripsToolCallBudget(t *testing.T) {
	manyCalls := make([]llm.ToolCall, 11)
	for i := range manyCalls {
		manyCalls[i] = llm.ToolCall{ID: "c", Name: "lxc_status", Arguments: []byte(`{}`)}
	}
	client := &fakeLLM{turns: []llm.Turn{{StopReason: llm.StopToolUse, ToolCalls: manyCalls}}}
	runner, _ := newTestRunner(t, client, Budgets{MaxToolCalls: 10, WallClock: time.Minute, ToolFanout: 4})

	out, _, err := runner.Run(context.Background(), Context{IncidentID: "inc-1"}, "investigate", nil)
	if err == nil {
		t.Fatal("expected budget exceeded error")
	}
	if out.Verdict != "budget exhausted" {
		t.Errorf("verdict = %q", out.Verdict)
	}
}

func TestRunReturnsLLMUnavailableOnClientError(t *testing.T) {
	client := &fakeLLM{err: errors.New("llm down")}
	runner, _ := newTestRunner(t, client, DefaultBudgets())

	_, _, err := runner.Run(context.Background(), Context{IncidentID: "inc-1"}, "investigate", nil)
	if err == nil {
		t.Fatal("expected error")
	}
}
