// Package dns implements the Tool Registry entries for looking up and
// updating DNS records on the homelab's DNS provider, exercising
// golang.org/x/oauth2's client-credentials flow the same way the teacher's
// LLM provider packages authenticate outbound API calls.
package dns

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"golang.org/x/oauth2/clientcredentials"

	"github.com/haasonsaas/nightwatch/internal/config"
	"github.com/haasonsaas/nightwatch/internal/errkind"
	"github.com/haasonsaas/nightwatch/internal/tools"
)

// Client looks up and updates DNS records.
type Client struct {
	endpoint string
	resolver *net.Resolver
	http     *http.Client
}

// New builds a Client. If cfg.ClientID is set, outbound management calls are
// authenticated with an OAuth2 client-credentials token source; otherwise
// the http.Client has no special transport (lookups never need auth).
func New(cfg config.DNSConfig) *Client {
	httpClient := &http.Client{Timeout: 10 * time.Second}
	if cfg.ClientID != "" {
		oauthCfg := clientcredentials.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			TokenURL:     cfg.TokenURL,
		}
		httpClient = oauthCfg.Client(context.Background())
		httpClient.Timeout = 10 * time.Second
	}
	return &Client{endpoint: cfg.Endpoint, resolver: net.DefaultResolver, http: httpClient}
}

// Register adds dns_lookup and dns_update_record to registry.
func Register(registry *tools.Registry, client *Client) error {
	defs := []tools.Tool{
		{
			Name:        "dns_lookup",
			Description: "Resolve a hostname to its current addresses.",
			Family:      "dns",
			Risk:        tools.RiskRead,
			Schema: map[string]any{
				"type":       "object",
				"properties": map[string]any{"host": map[string]any{"type": "string"}},
				"required":   []string{"host"},
			},
			Handler: lookupHandler(client),
		},
		{
			Name:        "dns_update_record",
			Description: "Update a DNS record's target value.",
			Family:      "dns",
			Risk:        tools.RiskMutateCriticalCandidate,
			Schema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"id":     map[string]any{"type": "string"},
					"record": map[string]any{"type": "string"},
					"value":  map[string]any{"type": "string"},
				},
				"required": []string{"id", "record", "value"},
			},
			Handler: updateRecordHandler(client),
		},
	}
	for _, t := range defs {
		if err := registry.Register(t); err != nil {
			return fmt.Errorf("dns: %w", err)
		}
	}
	return nil
}

func lookupHandler(c *Client) tools.Handler {
	return func(ec tools.ExecContext, args json.RawMessage) (tools.Result, error) {
		var parsed struct {
			Host string `json:"host"`
		}
		if err := json.Unmarshal(args, &parsed); err != nil || parsed.Host == "" {
			return tools.Result{Outcome: tools.OutcomeError, ErrorKind: errkind.BadArgs}, fmt.Errorf("%w: host is required", errkind.ErrBadArgs)
		}
		addrs, err := c.resolver.LookupHost(ec.Context, parsed.Host)
		if err != nil {
			return tools.Result{Outcome: tools.OutcomeError, ErrorKind: errkind.ToolExecError}, fmt.Errorf("%w: %v", errkind.ErrToolExec, err)
		}
		return tools.Result{Text: fmt.Sprintf("%s resolves to %v", parsed.Host, addrs), Outcome: tools.OutcomeOK}, nil
	}
}

func updateRecordHandler(c *Client) tools.Handler {
	return func(ec tools.ExecContext, args json.RawMessage) (tools.Result, error) {
		var parsed struct {
			ID     string `json:"id"`
			Record string `json:"record"`
			Value  string `json:"value"`
		}
		if err := json.Unmarshal(args, &parsed); err != nil || parsed.ID == "" || parsed.Record == "" || parsed.Value == "" {
			return tools.Result{Outcome: tools.OutcomeError, ErrorKind: errkind.BadArgs}, fmt.Errorf("%w: id, record, and value are required", errkind.ErrBadArgs)
		}
		if ec.DryRun {
			return tools.Result{Text: fmt.Sprintf("would update %s to %s", parsed.Record, parsed.Value), Outcome: tools.OutcomeDryRun}, nil
		}
		body, _ := json.Marshal(map[string]string{"value": parsed.Value})
		req, err := http.NewRequestWithContext(ec.Context, http.MethodPut, c.endpoint+"/zones/"+parsed.ID+"/records/"+parsed.Record, bytes.NewReader(body))
		if err != nil {
			return tools.Result{Outcome: tools.OutcomeError, ErrorKind: errkind.ToolExecError}, fmt.Errorf("%w: %v", errkind.ErrToolExec, err)
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := c.http.Do(req)
		if err != nil {
			return tools.Result{Outcome: tools.OutcomeError, ErrorKind: errkind.ToolExecError}, fmt.Errorf("%w: %v", errkind.ErrToolExec, err)
		}
		defer resp.Body.Close()
		return tools.Result{Text: fmt.Sprintf("updated %s to %s, status=%d", parsed.Record, parsed.Value, resp.StatusCode), Outcome: tools.OutcomeOK}, nil
	}
}
