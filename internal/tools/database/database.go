// Package database implements the Tool Registry entries for inspecting and
// remediating the homelab's Postgres instances, exercising
// github.com/lib/pq the same way the teacher's own Postgres-backed packages
// do: a *sql.DB opened once against a driver-registered DSN, queries issued
// with context.
package database

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	_ "github.com/lib/pq"

	"github.com/haasonsaas/nightwatch/internal/config"
	"github.com/haasonsaas/nightwatch/internal/errkind"
	"github.com/haasonsaas/nightwatch/internal/tools"
)

// Client wraps a *sql.DB against the configured Postgres DSN.
type Client struct {
	db *sql.DB
}

// New opens (lazily, per database/sql semantics) a Client for cfg.DSN.
func New(cfg config.DatabaseConfig) (*Client, error) {
	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("database: open: %w", err)
	}
	return &Client{db: db}, nil
}

// Register adds db_query_catalog, db_connection_count, db_kill_connection,
// and db_failover to registry.
func Register(registry *tools.Registry, client *Client) error {
	defs := []tools.Tool{
		{
			Name:        "db_query_catalog",
			Description: "List tables and row estimates from pg_catalog for the named database.",
			Family:      "database",
			Risk:        tools.RiskRead,
			Schema:      nameSchema(),
			Handler:     queryCatalogHandler(client),
		},
		{
			Name:        "db_connection_count",
			Description: "Report the current connection count for the named database.",
			Family:      "database",
			Risk:        tools.RiskRead,
			Schema:      nameSchema(),
			Handler:     connectionCountHandler(client),
		},
		{
			Name:        "db_kill_connection",
			Description: "Terminate one backend connection by pid.",
			Family:      "database",
			Risk:        tools.RiskMutateCriticalCandidate,
			Schema: map[string]any{
				"type":       "object",
				"properties": map[string]any{"id": map[string]any{"type": "string"}, "pid": map[string]any{"type": "integer"}},
				"required":   []string{"id", "pid"},
			},
			Handler: killConnectionHandler(client),
		},
		{
			Name:        "db_failover",
			Description: "Trigger a failover of the named database to its standby.",
			Family:      "database",
			Risk:        tools.RiskMutateCriticalCandidate,
			Schema:      nameSchema(),
			Handler:     failoverHandler(client),
		},
	}
	for _, t := range defs {
		if err := registry.Register(t); err != nil {
			return fmt.Errorf("database: %w", err)
		}
	}
	return nil
}

func nameSchema() map[string]any {
	return map[string]any{
		"type":       "object",
		"properties": map[string]any{"id": map[string]any{"type": "string"}},
		"required":   []string{"id"},
	}
}

func nameArg(raw json.RawMessage) (string, error) {
	var parsed struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil || parsed.ID == "" {
		return "", fmt.Errorf("%w: id is required", errkind.ErrBadArgs)
	}
	return parsed.ID, nil
}

func queryCatalogHandler(c *Client) tools.Handler {
	return func(ec tools.ExecContext, args json.RawMessage) (tools.Result, error) {
		name, err := nameArg(args)
		if err != nil {
			return tools.Result{Outcome: tools.OutcomeError, ErrorKind: errkind.BadArgs}, err
		}
		rows, err := c.db.QueryContext(ec.Context, "select relname, n_live_tup from pg_stat_user_tables order by n_live_tup desc limit 20")
		if err != nil {
			return tools.Result{Outcome: tools.OutcomeError, ErrorKind: errkind.ToolExecError}, fmt.Errorf("%w: %v", errkind.ErrToolExec, err)
		}
		defer rows.Close()
		var b strings.Builder
		count := 0
		for rows.Next() {
			var table string
			var liveRows int64
			if err := rows.Scan(&table, &liveRows); err != nil {
				return tools.Result{Outcome: tools.OutcomeError, ErrorKind: errkind.ToolExecError}, fmt.Errorf("%w: %v", errkind.ErrToolExec, err)
			}
			fmt.Fprintf(&b, "\n%s: ~%d rows", table, liveRows)
			count++
		}
		return tools.Result{Text: fmt.Sprintf("catalog for %s: %d tables inspected%s", name, count, b.String()), Outcome: tools.OutcomeOK}, nil
	}
}

func connectionCountHandler(c *Client) tools.Handler {
	return func(ec tools.ExecContext, args json.RawMessage) (tools.Result, error) {
		name, err := nameArg(args)
		if err != nil {
			return tools.Result{Outcome: tools.OutcomeError, ErrorKind: errkind.BadArgs}, err
		}
		var count int
		if err := c.db.QueryRowContext(ec.Context, "select count(*) from pg_stat_activity where datname = $1", name).Scan(&count); err != nil {
			return tools.Result{Outcome: tools.OutcomeError, ErrorKind: errkind.ToolExecError}, fmt.Errorf("%w: %v", errkind.ErrToolExec, err)
		}
		return tools.Result{Text: fmt.Sprintf("%s has %d active connections", name, count), Outcome: tools.OutcomeOK}, nil
	}
}

func killConnectionHandler(c *Client) tools.Handler {
	return func(ec tools.ExecContext, args json.RawMessage) (tools.Result, error) {
		var parsed struct {
			ID  string `json:"id"`
			PID int    `json:"pid"`
		}
		if err := json.Unmarshal(args, &parsed); err != nil || parsed.ID == "" || parsed.PID == 0 {
			return tools.Result{Outcome: tools.OutcomeError, ErrorKind: errkind.BadArgs}, fmt.Errorf("%w: id and pid are required", errkind.ErrBadArgs)
		}
		if ec.DryRun {
			return tools.Result{Text: fmt.Sprintf("would kill connection %d on %s", parsed.PID, parsed.ID), Outcome: tools.OutcomeDryRun}, nil
		}
		if _, err := c.db.ExecContext(ec.Context, "select pg_terminate_backend($1)", parsed.PID); err != nil {
			return tools.Result{Outcome: tools.OutcomeError, ErrorKind: errkind.ToolExecError}, fmt.Errorf("%w: %v", errkind.ErrToolExec, err)
		}
		return tools.Result{Text: fmt.Sprintf("terminated connection %d on %s", parsed.PID, parsed.ID), Outcome: tools.OutcomeOK}, nil
	}
}

func failoverHandler(c *Client) tools.Handler {
	return func(ec tools.ExecContext, args json.RawMessage) (tools.Result, error) {
		name, err := nameArg(args)
		if err != nil {
			return tools.Result{Outcome: tools.OutcomeError, ErrorKind: errkind.BadArgs}, err
		}
		if ec.DryRun {
			return tools.Result{Text: fmt.Sprintf("would fail over %s", name), Outcome: tools.OutcomeDryRun}, nil
		}
		if _, err := c.db.ExecContext(ec.Context, "select pg_promote()"); err != nil {
			return tools.Result{Outcome: tools.OutcomeError, ErrorKind: errkind.ToolExecError}, fmt.Errorf("%w: %v", errkind.ErrToolExec, err)
		}
		return tools.Result{Text: fmt.Sprintf("failed over %s to standby", name), Outcome: tools.OutcomeOK}, nil
	}
}
