package chatsend

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/haasonsaas/nightwatch/internal/tools"
)

type fakeSender struct {
	sent     []string
	sendErr  error
}

func (f *fakeSender) SendMessage(_ interface{ Done() <-chan struct{} }, incidentID, text string) error {
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, text)
	return nil
}

func TestSendChatMessageDryRunDoesNotSend(t *testing.T) {
	sender := &fakeSender{}
	registry := tools.New(nil, nil)
	if err := Register(registry, sender); err != nil {
		t.Fatalf("Register: %v", err)
	}
	tool, _ := registry.Get("send_chat_message")

	result, err := tool.Handler(tools.ExecContext{Context: context.Background(), DryRun: true}, json.RawMessage(`{"text":"hello"}`))
	if err != nil {
		t.Fatalf("Handler: %v", err)
	}
	if result.Outcome != tools.OutcomeDryRun {
		t.Errorf("outcome = %s, want dryrun", result.Outcome)
	}
	if len(sender.sent) != 0 {
		t.Error("dry run should not have sent a message")
	}
}

func TestSendChatMessageSendsText(t *testing.T) {
	sender := &fakeSender{}
	registry := tools.New(nil, nil)
	if err := Register(registry, sender); err != nil {
		t.Fatalf("Register: %v", err)
	}
	tool, _ := registry.Get("send_chat_message")

	result, err := tool.Handler(tools.ExecContext{Context: context.Background(), IncidentID: "inc-1"}, json.RawMessage(`{"text":"restarted the service"}`))
	if err != nil {
		t.Fatalf("Handler: %v", err)
	}
	if result.Outcome != tools.OutcomeOK {
		t.Errorf("outcome = %s, want ok", result.Outcome)
	}
	if len(sender.sent) != 1 || sender.sent[0] != "restarted the service" {
		t.Errorf("sent = %v", sender.sent)
	}
}

func TestSendChatMessageRequiresText(t *testing.T) {
	sender := &fakeSender{}
	registry := tools.New(nil, nil)
	if err := Register(registry, sender); err != nil {
		t.Fatalf("Register: %v", err)
	}
	tool, _ := registry.Get("send_chat_message")

	_, err := tool.Handler(tools.ExecContext{Context: context.Background()}, json.RawMessage(`{}`))
	if err == nil {
		t.Fatal("expected error for missing text")
	}
}

func TestSendChatMessagePropagatesSenderError(t *testing.T) {
	sender := &fakeSender{sendErr: errors.New("slack unavailable")}
	registry := tools.New(nil, nil)
	if err := Register(registry, sender); err != nil {
		t.Fatalf("Register: %v", err)
	}
	tool, _ := registry.Get("send_chat_message")

	result, err := tool.Handler(tools.ExecContext{Context: context.Background()}, json.RawMessage(`{"text":"hi"}`))
	if err == nil {
		t.Fatal("expected error to propagate")
	}
	if result.Outcome != tools.OutcomeError {
		t.Errorf("outcome = %s, want error", result.Outcome)
	}
}
