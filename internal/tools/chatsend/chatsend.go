// Package chatsend implements the send_chat_message Tool Registry entry, the
// Communicator stage's sole allow-listed tool. Grounded on
// internal/channels/slack/adapter.go's message-posting method; this package
// only depends on a small Sender interface so it stays agnostic of the
// concrete chat backend.
package chatsend

import (
	"encoding/json"
	"fmt"

	"github.com/haasonsaas/nightwatch/internal/errkind"
	"github.com/haasonsaas/nightwatch/internal/tools"
)

// Sender posts a plain-text message to the incident's chat channel.
type Sender interface {
	SendMessage(ctx interface{ Done() <-chan struct{} }, incidentID, text string) error
}

// Register adds send_chat_message to registry.
func Register(registry *tools.Registry, sender Sender) error {
	return registry.Register(tools.Tool{
		Name:        "send_chat_message",
		Description: "Post a message to the incident's chat channel.",
		Family:      "chat",
		Risk:        tools.RiskMutateNonCritical,
		Schema: map[string]any{
			"type":       "object",
			"properties": map[string]any{"text": map[string]any{"type": "string"}},
			"required":   []string{"text"},
		},
		Handler: sendHandler(sender),
	})
}

func sendHandler(sender Sender) tools.Handler {
	return func(ec tools.ExecContext, args json.RawMessage) (tools.Result, error) {
		var parsed struct {
			Text string `json:"text"`
		}
		if err := json.Unmarshal(args, &parsed); err != nil || parsed.Text == "" {
			return tools.Result{Outcome: tools.OutcomeError, ErrorKind: errkind.BadArgs}, fmt.Errorf("%w: text is required", errkind.ErrBadArgs)
		}
		if ec.DryRun {
			return tools.Result{Text: "would send: " + parsed.Text, Outcome: tools.OutcomeDryRun}, nil
		}
		if err := sender.SendMessage(ec.Context, ec.IncidentID, parsed.Text); err != nil {
			return tools.Result{Outcome: tools.OutcomeError, ErrorKind: errkind.ToolExecError}, fmt.Errorf("%w: %v", errkind.ErrToolExec, err)
		}
		return tools.Result{Text: "sent", Outcome: tools.OutcomeOK}, nil
	}
}
