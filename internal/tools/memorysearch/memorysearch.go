// Package memorysearch implements the similar_incidents Tool Registry entry,
// the on-demand read into the Vector Incident Memory for the Analyst and
// Healer stages (the Monitor's allow-list excludes it). Adapted
// from the teacher's package of the same name, trimmed to wrap a single
// Manager.Search call.
package memorysearch

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/haasonsaas/nightwatch/internal/errkind"
	"github.com/haasonsaas/nightwatch/internal/memory"
	"github.com/haasonsaas/nightwatch/internal/tools"
	"github.com/haasonsaas/nightwatch/pkg/models"
)

// Register adds similar_incidents to registry, searching mem for alerts
// matching the tool call's severity/fingerprint/labels arguments.
func Register(registry *tools.Registry, mem *memory.Manager) error {
	return registry.Register(tools.Tool{
		Name:        "similar_incidents",
		Description: "Search the vector incident memory for past incidents similar to this one.",
		Family:      "memory",
		Risk:        tools.RiskRead,
		Schema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"fingerprint": map[string]any{"type": "string"},
				"severity":    map[string]any{"type": "string"},
				"labels":      map[string]any{"type": "object"},
			},
			"required": []string{"fingerprint"},
		},
		Handler: searchHandler(mem),
	})
}

func searchHandler(mem *memory.Manager) tools.Handler {
	return func(ec tools.ExecContext, args json.RawMessage) (tools.Result, error) {
		var parsed struct {
			Fingerprint string            `json:"fingerprint"`
			Severity    string            `json:"severity"`
			Labels      map[string]string `json:"labels"`
		}
		if err := json.Unmarshal(args, &parsed); err != nil || parsed.Fingerprint == "" {
			return tools.Result{Outcome: tools.OutcomeError, ErrorKind: errkind.BadArgs}, fmt.Errorf("%w: fingerprint is required", errkind.ErrBadArgs)
		}

		alert := models.Alert{Fingerprint: parsed.Fingerprint, Severity: parsed.Severity, Labels: parsed.Labels}
		matches, err := mem.Search(ec.Context, alert)
		if err != nil {
			return tools.Result{Outcome: tools.OutcomeError, ErrorKind: errkind.MemoryUnavail}, fmt.Errorf("%w: %v", errkind.ErrMemoryUnavail, err)
		}
		if len(matches) == 0 {
			return tools.Result{Text: "no similar past incidents found", Outcome: tools.OutcomeOK}, nil
		}

		var b strings.Builder
		for i, m := range matches {
			fmt.Fprintf(&b, "%d. score=%.2f outcome=%s tools=%v\n", i+1, m.Score, m.Record.Outcome, m.Record.ToolsUsed)
		}
		return tools.Result{Text: b.String(), Outcome: tools.OutcomeOK}, nil
	}
}
