package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/haasonsaas/nightwatch/pkg/models"
)

type fakeSink struct {
	mu      sync.Mutex
	entries []models.AuditEntry
}

func (f *fakeSink) SaveAuditEntry(_ context.Context, entry models.AuditEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = append(f.entries, entry)
	return nil
}

func (f *fakeSink) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.entries)
}

func TestLoggerWritesAppendOnlyJSONLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	l, err := NewLogger(path, nil)
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}

	l.Write(models.AuditEntry{
		Timestamp:  time.Now(),
		IncidentID: "inc-1",
		Tool:       "db_kill_connection",
		Args:       json.RawMessage(`{"password":"hunter2","target":"prod"}`),
		Outcome:    "ok",
		Approver:   "human:alice",
	})
	l.Write(models.AuditEntry{
		Timestamp:  time.Now(),
		IncidentID: "inc-1",
		Tool:       "container_restart",
		Outcome:    "autoApproved",
		Approver:   "auto(noncritical)",
	})

	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open audit log: %v", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	var lines []string
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if len(lines) != 2 {
		t.Fatalf("expected 2 audit lines, got %d", len(lines))
	}

	var first models.AuditEntry
	if err := json.Unmarshal([]byte(lines[0]), &first); err != nil {
		t.Fatalf("unmarshal first line: %v", err)
	}
	var args map[string]any
	if err := json.Unmarshal(first.Args, &args); err != nil {
		t.Fatalf("unmarshal args: %v", err)
	}
	if args["password"] != "***redacted***" {
		t.Errorf("password not redacted: %v", args["password"])
	}
	if args["target"] != "prod" {
		t.Errorf("unrelated arg should survive redaction, got %v", args["target"])
	}
}

func TestLoggerDualWritesToSink(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	sink := &fakeSink{}
	l, err := NewLogger(path, nil, WithSink(sink))
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}

	l.Write(models.AuditEntry{Timestamp: time.Now(), IncidentID: "inc-1", Tool: "lxc_restart", Outcome: "ok", Approver: "human:bob"})
	l.Write(models.AuditEntry{Timestamp: time.Now(), IncidentID: "inc-1", Tool: "lxc_restart", Outcome: "ok", Approver: "human:bob"})

	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if got := sink.count(); got != 2 {
		t.Fatalf("expected 2 entries durably written to sink, got %d", got)
	}
}

func TestLoggerCloseIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	l, err := NewLogger(path, nil)
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("second Close should be a no-op: %v", err)
	}
}
