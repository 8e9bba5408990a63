// Package agent implements the Agent Runner: the component that executes
// one pipeline stage by assembling a prompt, driving the LLM's tool-use
// loop through the Tool Registry, and returning an immutable StageOutput.
// Grounded on the teacher's internal/agent/loop.go AgenticLoop (assemble
// messages -> call LLM -> dispatch tool calls -> append results -> loop)
// and internal/agent/tool_exec.go's ToolExecutor (bounded-concurrency
// fan-out of tool calls within one turn), generalized from the teacher's
// free-form agent identity to the fixed Role allow-list spec.md §4.5 needs.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/haasonsaas/nightwatch/internal/errkind"
	"github.com/haasonsaas/nightwatch/internal/llm"
	"github.com/haasonsaas/nightwatch/internal/tools"
	"github.com/haasonsaas/nightwatch/pkg/models"
)

// Budgets bounds one stage run, per spec.md §4.5 defaults.
type Budgets struct {
	MaxToolCalls int
	WallClock    time.Duration
	ToolFanout   int
}

// DefaultBudgets returns the spec's documented per-stage defaults.
func DefaultBudgets() Budgets {
	return Budgets{MaxToolCalls: 10, WallClock: 90 * time.Second, ToolFanout: 4}
}

// Context carries the per-incident values a stage run needs beyond the
// prompt itself: the incident id (for tool invocations and cost
// accounting), dry-run mode, and the deadline inherited from the pipeline.
type Context struct {
	IncidentID string
	DryRun     bool
	Deadline   time.Time
	Severity   models.ApprovalSeverity
}

// Runner executes one stage: Role, SystemPrompt, and the Tool Registry are
// fixed at construction; Run is called once per incident per stage.
type Runner struct {
	role         tools.Role
	systemPrompt string
	client       llm.Client
	registry     *tools.Registry
	budgets      Budgets
	model        string
	maxTokens    int
}

// New builds a Runner for one role.
func New(role tools.Role, systemPrompt string, client llm.Client, registry *tools.Registry, budgets Budgets, model string, maxTokens int) *Runner {
	if budgets.MaxToolCalls <= 0 {
		budgets = DefaultBudgets()
	}
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	return &Runner{
		role:         role,
		systemPrompt: systemPrompt,
		client:       client,
		registry:     registry,
		budgets:      budgets,
		model:        model,
		maxTokens:    maxTokens,
	}
}

// Run assembles the prompt from the incident-so-far description plus any
// attached historical context, then loops: call the LLM, dispatch any
// requested tool calls through the registry (bounded fan-out), append
// results, repeat until a terminal assistant message or a budget trips.
func (r *Runner) Run(ctx context.Context, agentCtx Context, userPrompt string, costSink llm.CostSink) (models.StageOutput, []models.ToolInvocation, error) {
	started := time.Now()
	out := models.StageOutput{Stage: models.Stage(r.role), StartedAt: started}

	toolSpecs := toolSpecsFor(r.registry, r.role)

	messages := []llm.Message{{Role: llm.RoleUser, Text: userPrompt}}

	var invocations []models.ToolInvocation
	toolCalls := 0

	stageCtx := ctx
	if r.budgets.WallClock > 0 {
		var cancel context.CancelFunc
		stageCtx, cancel = context.WithTimeout(ctx, r.budgets.WallClock)
		defer cancel()
	}

	for {
		if err := stageCtx.Err(); err != nil {
			out.EndedAt = time.Now()
			out.Verdict = "budget exhausted"
			out.Errors = append(out.Errors, models.Error{Kind: string(errkind.BudgetExceeded), Message: "stage wall-clock budget exceeded"})
			return out, invocations, fmt.Errorf("%w: stage wall-clock budget", errkind.ErrBudgetExceeded)
		}

		turn, err := r.client.Run(stageCtx, r.systemPrompt, messages, toolSpecs, llm.RunOptions{
			Model:     r.model,
			MaxTokens: r.maxTokens,
			CostSink:  costSink,
		})
		if err != nil {
			out.EndedAt = time.Now()
			out.Verdict = "llm unavailable"
			out.Errors = append(out.Errors, models.Error{Kind: string(errkind.LLMUnavailable), Message: err.Error()})
			out.ToolCallCount = toolCalls
			return out, invocations, fmt.Errorf("%w: %v", errkind.ErrLLMUnavailable, err)
		}

		if turn.StopReason != llm.StopToolUse || len(turn.ToolCalls) == 0 {
			out.EndedAt = time.Now()
			out.Verdict = turn.Text
			out.ToolCallCount = toolCalls
			return out, invocations, nil
		}

		if toolCalls+len(turn.ToolCalls) > r.budgets.MaxToolCalls {
			out.EndedAt = time.Now()
			out.Verdict = "budget exhausted"
			out.ToolCallCount = toolCalls
			out.Errors = append(out.Errors, models.Error{Kind: string(errkind.BudgetExceeded), Message: "stage tool-call budget exceeded"})
			return out, invocations, fmt.Errorf("%w: stage tool-call budget", errkind.ErrBudgetExceeded)
		}

		assistantMsg := llm.Message{Role: llm.RoleAssistant, Text: turn.Text, ToolCalls: turn.ToolCalls}
		messages = append(messages, assistantMsg)

		results, invs := r.dispatch(stageCtx, agentCtx, turn.ToolCalls)
		toolCalls += len(turn.ToolCalls)
		invocations = append(invocations, invs...)
		messages = append(messages, llm.Message{Role: llm.RoleUser, ToolResults: results})
	}
}

// dispatch executes toolCalls with a bounded fan-out, preserving the
// invariant that ToolInvocations are appended in completion order (not
// request order), per spec.md §5's ordering guarantee.
func (r *Runner) dispatch(ctx context.Context, agentCtx Context, calls []llm.ToolCall) ([]llm.ToolResult, []models.ToolInvocation) {
	fanout := r.budgets.ToolFanout
	if fanout <= 0 {
		fanout = 4
	}
	sem := make(chan struct{}, fanout)

	resultsByCallID := make(map[string]llm.ToolResult, len(calls))
	var mu sync.Mutex
	var invocations []models.ToolInvocation
	var wg sync.WaitGroup

	for _, call := range calls {
		wg.Add(1)
		go func(call llm.ToolCall) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			ec := tools.ExecContext{
				Context:    ctx,
				IncidentID: agentCtx.IncidentID,
				DryRun:     agentCtx.DryRun,
				Deadline:   agentCtx.Deadline,
				Severity:   agentCtx.Severity,
			}
			inv, text, err := r.registry.Invoke(ec, call.Name, targetIDFromArgs(call.Arguments), json.RawMessage(call.Arguments))

			mu.Lock()
			resultsByCallID[call.ID] = llm.ToolResult{ToolCallID: call.ID, Content: text, IsError: err != nil}
			invocations = append(invocations, inv)
			mu.Unlock()
		}(call)
	}
	wg.Wait()

	results := make([]llm.ToolResult, 0, len(calls))
	for _, call := range calls {
		results = append(results, resultsByCallID[call.ID])
	}
	return results, invocations
}

func targetIDFromArgs(raw []byte) string {
	var args struct {
		TargetID string `json:"target_id"`
		ID       string `json:"id"`
		Name     string `json:"name"`
	}
	if err := json.Unmarshal(raw, &args); err != nil {
		return ""
	}
	switch {
	case args.TargetID != "":
		return args.TargetID
	case args.ID != "":
		return args.ID
	default:
		return args.Name
	}
}

func toolSpecsFor(registry *tools.Registry, role tools.Role) []llm.ToolSpec {
	if registry == nil {
		return nil
	}
	allowed := registry.AllowedFor(role)
	specs := make([]llm.ToolSpec, 0, len(allowed))
	for _, t := range allowed {
		specs = append(specs, llm.ToolSpec{Name: t.Name, Description: t.Description, Schema: t.Schema})
	}
	return specs
}
