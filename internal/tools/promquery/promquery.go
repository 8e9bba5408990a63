// Package promquery implements the promql_query Tool Registry entry,
// letting the Monitor and Analyst stages pull corroborating signal directly
// from the monitoring stack. Exercises prometheus/client_golang's query API
// client (api/prometheus/v1), the same module already used elsewhere in the
// service to export metrics via promauto.
package promquery

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/api"
	v1 "github.com/prometheus/client_golang/api/prometheus/v1"

	"github.com/haasonsaas/nightwatch/internal/config"
	"github.com/haasonsaas/nightwatch/internal/errkind"
	"github.com/haasonsaas/nightwatch/internal/tools"
)

// Client queries a Prometheus-compatible HTTP API.
type Client struct {
	api v1.API
}

// New builds a Client against cfg.Endpoint.
func New(cfg config.PrometheusConfig) (*Client, error) {
	c, err := api.NewClient(api.Config{Address: cfg.Endpoint})
	if err != nil {
		return nil, fmt.Errorf("promquery: %w", err)
	}
	return &Client{api: v1.NewAPI(c)}, nil
}

// Register adds promql_query to registry.
func Register(registry *tools.Registry, client *Client) error {
	return registry.Register(tools.Tool{
		Name:        "promql_query",
		Description: "Run an instant PromQL query against the monitoring stack.",
		Family:      "prometheus",
		Risk:        tools.RiskRead,
		Schema: map[string]any{
			"type":       "object",
			"properties": map[string]any{"query": map[string]any{"type": "string"}},
			"required":   []string{"query"},
		},
		Handler: queryHandler(client),
	})
}

func queryHandler(c *Client) tools.Handler {
	return func(ec tools.ExecContext, args json.RawMessage) (tools.Result, error) {
		var parsed struct {
			Query string `json:"query"`
		}
		if err := json.Unmarshal(args, &parsed); err != nil || parsed.Query == "" {
			return tools.Result{Outcome: tools.OutcomeError, ErrorKind: errkind.BadArgs}, fmt.Errorf("%w: query is required", errkind.ErrBadArgs)
		}
		result, warnings, err := c.api.Query(ec.Context, parsed.Query, time.Now())
		if err != nil {
			return tools.Result{Outcome: tools.OutcomeError, ErrorKind: errkind.ToolExecError}, fmt.Errorf("%w: %v", errkind.ErrToolExec, err)
		}
		text := result.String()
		if len(warnings) > 0 {
			text = fmt.Sprintf("%s (warnings: %v)", text, warnings)
		}
		return tools.Result{Text: text, Outcome: tools.OutcomeOK}, nil
	}
}
