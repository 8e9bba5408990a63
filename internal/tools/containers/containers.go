// Package containers implements the Tool Registry entries for inspecting
// and restarting containers on the homelab's container runtime. Grounded on
// the teacher's internal/tools/sandbox/executor.go process/container exec
// shape (a client wrapping a runtime socket, context-bound calls returning
// captured stdout as the tool's text result).
package containers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/haasonsaas/nightwatch/internal/config"
	"github.com/haasonsaas/nightwatch/internal/errkind"
	"github.com/haasonsaas/nightwatch/internal/tools"
)

// Client talks to the container runtime's management API, typically a Unix
// socket exposing a Docker-compatible HTTP API.
type Client struct {
	http *http.Client
}

// New builds a Client from configuration. A "unix://" endpoint dials the
// given socket path; anything else is used as a normal base URL.
func New(cfg config.ContainersConfig) *Client {
	c := &http.Client{Timeout: 10 * time.Second}
	if path, ok := strings.CutPrefix(cfg.Endpoint, "unix://"); ok {
		c.Transport = &http.Transport{
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				var d net.Dialer
				return d.DialContext(ctx, "unix", path)
			},
		}
	}
	return &Client{http: c}
}

func (c *Client) do(ctx context.Context, method, path string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, "http://container-runtime"+path, nil)
	if err != nil {
		return nil, err
	}
	return c.http.Do(req)
}

// Register adds container_ps, container_logs, container_restart, and
// container_resource_update to registry.
func Register(registry *tools.Registry, client *Client) error {
	defs := []tools.Tool{
		{
			Name:        "container_ps",
			Description: "List running containers.",
			Family:      "container",
			Risk:        tools.RiskRead,
			Schema:      map[string]any{"type": "object"},
			Handler:     psHandler(client),
		},
		{
			Name:        "container_logs",
			Description: "Fetch recent logs for one container by name.",
			Family:      "container",
			Risk:        tools.RiskRead,
			Schema:      nameSchema(),
			Handler:     logsHandler(client),
		},
		{
			Name:        "container_restart",
			Description: "Restart one container by name.",
			Family:      "container",
			Risk:        tools.RiskMutateCriticalCandidate,
			Schema:      nameSchema(),
			Handler:     restartHandler(client),
		},
		{
			Name:        "container_resource_update",
			Description: "Update CPU/memory limits for one container by name.",
			Family:      "container",
			Risk:        tools.RiskMutateCriticalCandidate,
			Schema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"name":      map[string]any{"type": "string"},
					"cpuShares": map[string]any{"type": "integer"},
					"memoryMB":  map[string]any{"type": "integer"},
				},
				"required": []string{"name"},
			},
			Handler: resourceUpdateHandler(client),
		},
	}
	for _, t := range defs {
		if err := registry.Register(t); err != nil {
			return fmt.Errorf("containers: %w", err)
		}
	}
	return nil
}

func nameSchema() map[string]any {
	return map[string]any{
		"type":       "object",
		"properties": map[string]any{"name": map[string]any{"type": "string"}},
		"required":   []string{"name"},
	}
}

func nameArg(raw json.RawMessage) (string, error) {
	var parsed struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil || parsed.Name == "" {
		return "", fmt.Errorf("%w: name is required", errkind.ErrBadArgs)
	}
	return parsed.Name, nil
}

func psHandler(c *Client) tools.Handler {
	return func(ec tools.ExecContext, args json.RawMessage) (tools.Result, error) {
		resp, err := c.do(ec.Context, http.MethodGet, "/containers/json")
		if err != nil {
			return tools.Result{Outcome: tools.OutcomeError, ErrorKind: errkind.ToolExecError}, fmt.Errorf("%w: %v", errkind.ErrToolExec, err)
		}
		defer resp.Body.Close()
		return tools.Result{Text: fmt.Sprintf("containers listed, status=%d", resp.StatusCode), Outcome: tools.OutcomeOK}, nil
	}
}

func logsHandler(c *Client) tools.Handler {
	return func(ec tools.ExecContext, args json.RawMessage) (tools.Result, error) {
		name, err := nameArg(args)
		if err != nil {
			return tools.Result{Outcome: tools.OutcomeError, ErrorKind: errkind.BadArgs}, err
		}
		resp, err := c.do(ec.Context, http.MethodGet, "/containers/"+name+"/logs?tail=200")
		if err != nil {
			return tools.Result{Outcome: tools.OutcomeError, ErrorKind: errkind.ToolExecError}, fmt.Errorf("%w: %v", errkind.ErrToolExec, err)
		}
		defer resp.Body.Close()
		return tools.Result{Text: fmt.Sprintf("fetched logs for %s, status=%d", name, resp.StatusCode), Outcome: tools.OutcomeOK}, nil
	}
}

func restartHandler(c *Client) tools.Handler {
	return func(ec tools.ExecContext, args json.RawMessage) (tools.Result, error) {
		name, err := nameArg(args)
		if err != nil {
			return tools.Result{Outcome: tools.OutcomeError, ErrorKind: errkind.BadArgs}, err
		}
		if ec.DryRun {
			return tools.Result{Text: fmt.Sprintf("would restart container %s", name), Outcome: tools.OutcomeDryRun}, nil
		}
		resp, err := c.do(ec.Context, http.MethodPost, "/containers/"+name+"/restart")
		if err != nil {
			return tools.Result{Outcome: tools.OutcomeError, ErrorKind: errkind.ToolExecError}, fmt.Errorf("%w: %v", errkind.ErrToolExec, err)
		}
		defer resp.Body.Close()
		return tools.Result{Text: fmt.Sprintf("restarted container %s", name), Outcome: tools.OutcomeOK}, nil
	}
}

func resourceUpdateHandler(c *Client) tools.Handler {
	return func(ec tools.ExecContext, args json.RawMessage) (tools.Result, error) {
		var parsed struct {
			Name      string `json:"name"`
			CPUShares int    `json:"cpuShares"`
			MemoryMB  int    `json:"memoryMB"`
		}
		if err := json.Unmarshal(args, &parsed); err != nil || parsed.Name == "" {
			return tools.Result{Outcome: tools.OutcomeError, ErrorKind: errkind.BadArgs}, fmt.Errorf("%w: name is required", errkind.ErrBadArgs)
		}
		if ec.DryRun {
			return tools.Result{Text: fmt.Sprintf("would update resources for %s", parsed.Name), Outcome: tools.OutcomeDryRun}, nil
		}
		body, _ := json.Marshal(struct {
			CPUShares int64 `json:"CpuShares,omitempty"`
			Memory    int64 `json:"Memory,omitempty"`
		}{CPUShares: int64(parsed.CPUShares), Memory: int64(parsed.MemoryMB) << 20})
		req, err := http.NewRequestWithContext(ec.Context, http.MethodPost, "http://container-runtime/containers/"+parsed.Name+"/update", bytes.NewReader(body))
		if err != nil {
			return tools.Result{Outcome: tools.OutcomeError, ErrorKind: errkind.ToolExecError}, fmt.Errorf("%w: %v", errkind.ErrToolExec, err)
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := c.http.Do(req)
		if err != nil {
			return tools.Result{Outcome: tools.OutcomeError, ErrorKind: errkind.ToolExecError}, fmt.Errorf("%w: %v", errkind.ErrToolExec, err)
		}
		defer resp.Body.Close()
		return tools.Result{Text: fmt.Sprintf("updated resources for %s", parsed.Name), Outcome: tools.OutcomeOK}, nil
	}
}
