// Package tools implements the process-wide Tool Registry: a name-keyed
// catalogue of typed capabilities, each with a JSON Schema parameter
// contract, a risk tag, and a handler. Grounded on the teacher's
// internal/agent/tool_registry.go ToolRegistry (sync.RWMutex map,
// Register/Get/Execute/AsLLMTools), generalized from the teacher's
// free-form tool set to the three-tier risk taxonomy spec.md §4.1 requires.
package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/haasonsaas/nightwatch/internal/approval"
	"github.com/haasonsaas/nightwatch/internal/errkind"
	"github.com/haasonsaas/nightwatch/internal/toolkeys"
	"github.com/haasonsaas/nightwatch/pkg/models"
)

// Risk classifies a tool's blast radius, per spec.md §4.1.
type Risk string

const (
	RiskRead                    Risk = "read"
	RiskMutateNonCritical       Risk = "mutate_noncritical"
	RiskMutateCriticalCandidate Risk = "mutate_critical_candidate"
)

// ExecContext is passed to every handler invocation, mirroring spec.md §6's
// tool handler contract.
type ExecContext struct {
	Context    context.Context
	IncidentID string
	DryRun     bool
	Deadline   time.Time
	// Severity badges the ApprovalRequest raised for a
	// mutate_critical_candidate tool; zero value falls back to
	// models.ApprovalWarning.
	Severity models.ApprovalSeverity
}

// Outcome is a handler's result classification, distinct from
// models.ToolOutcome only in that it is what the handler itself returns;
// the registry maps it 1:1 onto models.ToolOutcome when recording the
// ToolInvocation.
type Outcome string

const (
	OutcomeOK     Outcome = "ok"
	OutcomeError  Outcome = "error"
	OutcomeDryRun Outcome = "dryrun"
)

// Result is what a handler returns: text fed back to the LLM, an outcome,
// and an optional error kind for the audit trail.
type Result struct {
	Text      string
	Outcome   Outcome
	ErrorKind errkind.Kind
}

// Handler implements one tool's behavior against validated arguments.
type Handler func(ec ExecContext, args json.RawMessage) (Result, error)

// Tool is one registered capability.
type Tool struct {
	Name        string
	Description string
	Family      string // tool_family used for critical-target lookup and keyed-mutex serialization
	Schema      map[string]any
	Risk        Risk
	Handler     Handler

	compiled *jsonschema.Schema
}

// Metrics receives one tool_invocations_total observation per completed
// Invoke call, satisfied by *observability.Metrics.
type Metrics interface {
	ToolInvoked(name, outcome string)
}

// Registry is the process-wide, concurrency-safe tool catalogue.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]*Tool

	gate    *approval.Gate
	keys    *toolkeys.Keyring
	metrics Metrics
}

// New builds an empty Registry. gate guards mutate_critical_candidate
// tools; keys serializes mutating handlers per (family, target id).
func New(gate *approval.Gate, keys *toolkeys.Keyring) *Registry {
	return &Registry{
		tools: make(map[string]*Tool),
		gate:  gate,
		keys:  keys,
	}
}

// SetMetrics attaches a tool_invocations_total observer. Safe to call once
// at startup before the registry serves concurrent Invoke calls.
func (r *Registry) SetMetrics(m Metrics) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.metrics = m
}

// Register compiles tool's JSON Schema and adds it to the catalogue,
// replacing any existing tool with the same name.
func (r *Registry) Register(tool Tool) error {
	compiled, err := compileSchema(tool.Name, tool.Schema)
	if err != nil {
		return fmt.Errorf("tools: register %s: %w", tool.Name, err)
	}
	tool.compiled = compiled

	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[tool.Name] = &tool
	return nil
}

func compileSchema(name string, schema map[string]any) (*jsonschema.Schema, error) {
	if len(schema) == 0 {
		schema = map[string]any{"type": "object"}
	}
	raw, err := json.Marshal(schema)
	if err != nil {
		return nil, fmt.Errorf("marshal schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	resource := "tool://" + name + ".json"
	if err := compiler.AddResource(resource, bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	return compiler.Compile(resource)
}

// Get returns a registered tool by name.
func (r *Registry) Get(name string) (*Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// AllowedFor returns the tools visible to role, per spec.md §4.5's
// role/risk allow-list table.
func (r *Registry) AllowedFor(role Role) []*Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Tool
	for _, t := range r.tools {
		if role.Allows(t) {
			out = append(out, t)
		}
	}
	return out
}

// Invoke validates args against the tool's schema, routes
// mutate_critical_candidate tools through the Approval Gate, serializes
// mutating handlers by (family, target id), and always returns a
// models.ToolInvocation describing what happened — even on failure.
func (r *Registry) Invoke(ec ExecContext, name string, targetID string, args json.RawMessage) (models.ToolInvocation, string, error) {
	inv, text, err := r.invoke(ec, name, targetID, args)
	r.mu.RLock()
	metrics := r.metrics
	r.mu.RUnlock()
	if metrics != nil {
		metrics.ToolInvoked(name, string(inv.Outcome))
	}
	return inv, text, err
}

func (r *Registry) invoke(ec ExecContext, name string, targetID string, args json.RawMessage) (models.ToolInvocation, string, error) {
	started := time.Now()
	inv := models.ToolInvocation{Name: name, Args: args, StartedAt: started}

	tool, ok := r.Get(name)
	if !ok {
		inv.EndedAt = time.Now()
		inv.Outcome = models.ToolError
		inv.ErrorKind = string(errkind.UnknownTool)
		err := fmt.Errorf("%w: %s", errkind.ErrUnknownTool, name)
		return inv, err.Error(), err
	}

	if err := validateArgs(tool.compiled, args); err != nil {
		inv.EndedAt = time.Now()
		inv.Outcome = models.ToolError
		inv.ErrorKind = string(errkind.BadArgs)
		wrapped := fmt.Errorf("%w: %v", errkind.ErrBadArgs, err)
		return inv, wrapped.Error(), wrapped
	}

	if tool.Risk == RiskMutateCriticalCandidate && r.gate != nil {
		severity := ec.Severity
		if severity == "" {
			severity = models.ApprovalWarning
		}
		_, approvalID, err := r.gate.Decide(ec.Context, ec.IncidentID, name, tool.Family, targetID, args, severity)
		inv.ApprovalID = approvalID
		if err != nil {
			inv.EndedAt = time.Now()
			inv.Outcome = models.ToolDenied
			inv.ErrorKind = string(errkind.Of(err))
			return inv, err.Error(), err
		}
	}

	if tool.Risk != RiskRead && r.keys != nil {
		unlock := r.keys.Lock(tool.Family + ":" + targetID)
		defer unlock()
	}

	result, err := tool.Handler(ec, args)
	inv.EndedAt = time.Now()
	if err != nil {
		inv.Outcome = models.ToolError
		inv.ErrorKind = string(errkind.Of(err))
		return inv, err.Error(), err
	}

	switch result.Outcome {
	case OutcomeDryRun:
		inv.Outcome = models.ToolDryRun
	case OutcomeError:
		inv.Outcome = models.ToolError
		inv.ErrorKind = string(result.ErrorKind)
	default:
		inv.Outcome = models.ToolOK
	}
	return inv, result.Text, nil
}

func validateArgs(schema *jsonschema.Schema, args json.RawMessage) error {
	if schema == nil {
		return nil
	}
	if len(args) == 0 {
		args = json.RawMessage("{}")
	}
	var v any
	if err := json.Unmarshal(args, &v); err != nil {
		return fmt.Errorf("invalid json: %w", err)
	}
	return schema.Validate(v)
}
