// Package hypervisor implements the Tool Registry entries for inspecting and
// restarting LXC guests on the homelab's Proxmox-style hypervisor. Grounded
// on the struct shape of the teacher's firecracker sandbox backend
// (internal/tools/sandbox/firecracker/vm.go: a client struct holding an
// endpoint/credential pair, context-aware methods, explicit state strings) —
// adapted from a microVM SDK to a thin REST client, since LXC guests here
// are managed over HTTP rather than through a VM SDK.
package hypervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/haasonsaas/nightwatch/internal/config"
	"github.com/haasonsaas/nightwatch/internal/errkind"
	"github.com/haasonsaas/nightwatch/internal/tools"
)

// Client talks to the hypervisor's LXC management API.
type Client struct {
	endpoint string
	token    string
	http     *http.Client
}

// New builds a Client from configuration.
func New(cfg config.HypervisorConfig) *Client {
	return &Client{endpoint: cfg.Endpoint, token: cfg.APIToken, http: &http.Client{Timeout: 10 * time.Second}}
}

func (c *Client) do(ctx context.Context, method, path string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.endpoint+path, nil)
	if err != nil {
		return nil, err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "PVEAPIToken="+c.token)
	}
	return c.http.Do(req)
}

// Register adds lxc_list, lxc_status, lxc_restart, and lxc_migrate to registry.
func Register(registry *tools.Registry, client *Client) error {
	defs := []tools.Tool{
		{
			Name:        "lxc_list",
			Description: "List LXC guests known to the hypervisor.",
			Family:      "hypervisor",
			Risk:        tools.RiskRead,
			Schema:      map[string]any{"type": "object"},
			Handler:     listHandler(client),
		},
		{
			Name:        "lxc_status",
			Description: "Fetch the current status of one LXC guest by id.",
			Family:      "hypervisor",
			Risk:        tools.RiskRead,
			Schema: map[string]any{
				"type":       "object",
				"properties": map[string]any{"id": map[string]any{"type": "string"}},
				"required":   []string{"id"},
			},
			Handler: statusHandler(client),
		},
		{
			Name:        "lxc_restart",
			Description: "Restart one LXC guest by id.",
			Family:      "hypervisor",
			Risk:        tools.RiskMutateCriticalCandidate,
			Schema: map[string]any{
				"type":       "object",
				"properties": map[string]any{"id": map[string]any{"type": "string"}},
				"required":   []string{"id"},
			},
			Handler: restartHandler(client),
		},
		{
			Name:        "lxc_migrate",
			Description: "Live-migrate one LXC guest to another hypervisor node.",
			Family:      "hypervisor",
			Risk:        tools.RiskMutateCriticalCandidate,
			Schema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"id":     map[string]any{"type": "string"},
					"target": map[string]any{"type": "string"},
				},
				"required": []string{"id", "target"},
			},
			Handler: migrateHandler(client),
		},
	}
	for _, t := range defs {
		if err := registry.Register(t); err != nil {
			return fmt.Errorf("hypervisor: %w", err)
		}
	}
	return nil
}

func listHandler(c *Client) tools.Handler {
	return func(ec tools.ExecContext, args json.RawMessage) (tools.Result, error) {
		resp, err := c.do(ec.Context, http.MethodGet, "/nodes/pve/lxc")
		if err != nil {
			return tools.Result{Outcome: tools.OutcomeError, ErrorKind: errkind.ToolExecError}, fmt.Errorf("%w: %v", errkind.ErrToolExec, err)
		}
		defer resp.Body.Close()
		return tools.Result{Text: fmt.Sprintf("lxc guests listed, status=%d", resp.StatusCode), Outcome: tools.OutcomeOK}, nil
	}
}

func statusHandler(c *Client) tools.Handler {
	return func(ec tools.ExecContext, args json.RawMessage) (tools.Result, error) {
		id, err := idArg(args)
		if err != nil {
			return tools.Result{Outcome: tools.OutcomeError, ErrorKind: errkind.BadArgs}, err
		}
		resp, err := c.do(ec.Context, http.MethodGet, "/nodes/pve/lxc/"+id+"/status/current")
		if err != nil {
			return tools.Result{Outcome: tools.OutcomeError, ErrorKind: errkind.ToolExecError}, fmt.Errorf("%w: %v", errkind.ErrToolExec, err)
		}
		defer resp.Body.Close()
		return tools.Result{Text: fmt.Sprintf("lxc %s status=%d", id, resp.StatusCode), Outcome: tools.OutcomeOK}, nil
	}
}

func restartHandler(c *Client) tools.Handler {
	return func(ec tools.ExecContext, args json.RawMessage) (tools.Result, error) {
		id, err := idArg(args)
		if err != nil {
			return tools.Result{Outcome: tools.OutcomeError, ErrorKind: errkind.BadArgs}, err
		}
		if ec.DryRun {
			return tools.Result{Text: fmt.Sprintf("would restart lxc %s", id), Outcome: tools.OutcomeDryRun}, nil
		}
		resp, err := c.do(ec.Context, http.MethodPost, "/nodes/pve/lxc/"+id+"/status/reboot")
		if err != nil {
			return tools.Result{Outcome: tools.OutcomeError, ErrorKind: errkind.ToolExecError}, fmt.Errorf("%w: %v", errkind.ErrToolExec, err)
		}
		defer resp.Body.Close()
		return tools.Result{Text: fmt.Sprintf("restarted lxc %s", id), Outcome: tools.OutcomeOK}, nil
	}
}

func migrateHandler(c *Client) tools.Handler {
	return func(ec tools.ExecContext, args json.RawMessage) (tools.Result, error) {
		var parsed struct {
			ID     string `json:"id"`
			Target string `json:"target"`
		}
		if err := json.Unmarshal(args, &parsed); err != nil || parsed.ID == "" || parsed.Target == "" {
			return tools.Result{Outcome: tools.OutcomeError, ErrorKind: errkind.BadArgs}, fmt.Errorf("%w: id and target are required", errkind.ErrBadArgs)
		}
		if ec.DryRun {
			return tools.Result{Text: fmt.Sprintf("would migrate lxc %s to %s", parsed.ID, parsed.Target), Outcome: tools.OutcomeDryRun}, nil
		}
		resp, err := c.do(ec.Context, http.MethodPost, "/nodes/pve/lxc/"+parsed.ID+"/migrate?target="+url.QueryEscape(parsed.Target))
		if err != nil {
			return tools.Result{Outcome: tools.OutcomeError, ErrorKind: errkind.ToolExecError}, fmt.Errorf("%w: %v", errkind.ErrToolExec, err)
		}
		defer resp.Body.Close()
		return tools.Result{Text: fmt.Sprintf("migrated lxc %s to %s", parsed.ID, parsed.Target), Outcome: tools.OutcomeOK}, nil
	}
}

func idArg(raw json.RawMessage) (string, error) {
	var parsed struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil || parsed.ID == "" {
		return "", fmt.Errorf("%w: id is required", errkind.ErrBadArgs)
	}
	return parsed.ID, nil
}
