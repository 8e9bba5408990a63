package approval

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/haasonsaas/nightwatch/internal/config"
	"github.com/haasonsaas/nightwatch/pkg/models"
)

type fakeChannel struct {
	posted []models.ApprovalRequest
	onPost func(models.ApprovalRequest)
	err    error
}

func (f *fakeChannel) PostApprovalRequest(ctx context.Context, req models.ApprovalRequest) error {
	f.posted = append(f.posted, req)
	if f.onPost != nil {
		f.onPost(req)
	}
	return f.err
}

func testCritical() *CriticalTargets {
	return NewCriticalTargets(config.CriticalConfig{
		DatabaseNames: []string{"prod-postgres"},
	})
}

func TestDecideAutoApprovesNonCriticalTarget(t *testing.T) {
	ch := &fakeChannel{}
	gate := NewGate(ch, testCritical(), nil)

	decision, _, err := gate.Decide(context.Background(), "inc-1", "db_kill_connection", "database", "staging-postgres", json.RawMessage(`{}`), models.ApprovalWarning)
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if decision != models.DecisionAutoApproved {
		t.Errorf("decision = %v, want autoApproved", decision)
	}
	if len(ch.posted) != 0 {
		t.Errorf("non-critical target should never reach the channel")
	}
}

func TestDecideAutoApprovesInDryRun(t *testing.T) {
	ch := &fakeChannel{}
	gate := NewGate(ch, testCritical(), nil, WithDryRun(true))

	decision, _, err := gate.Decide(context.Background(), "inc-1", "db_kill_connection", "database", "prod-postgres", json.RawMessage(`{}`), models.ApprovalCritical)
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if decision != models.DecisionAutoApproved {
		t.Errorf("decision = %v, want autoApproved in dry-run even for critical target", decision)
	}
}

func TestDecideBlocksUntilResolveDelivers(t *testing.T) {
	ch := &fakeChannel{}
	gate := NewGate(ch, testCritical(), nil, WithTimeout(time.Second))
	ch.onPost = func(req models.ApprovalRequest) {
		go gate.Resolve(req.ID, models.DecisionApproved, "human:alice")
	}

	decision, _, err := gate.Decide(context.Background(), "inc-1", "db_kill_connection", "database", "prod-postgres", json.RawMessage(`{}`), models.ApprovalCritical)
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if decision != models.DecisionApproved {
		t.Errorf("decision = %v, want approved", decision)
	}
}

func TestDecideDeniesOnRejection(t *testing.T) {
	ch := &fakeChannel{}
	gate := NewGate(ch, testCritical(), nil, WithTimeout(time.Second))
	ch.onPost = func(req models.ApprovalRequest) {
		go gate.Resolve(req.ID, models.DecisionRejected, "human:bob")
	}

	decision, _, err := gate.Decide(context.Background(), "inc-1", "db_failover", "database", "prod-postgres", json.RawMessage(`{}`), models.ApprovalCritical)
	if err == nil {
		t.Fatal("expected error for rejected decision")
	}
	if decision != models.DecisionRejected {
		t.Errorf("decision = %v, want rejected", decision)
	}
}

func TestDecideAutoRejectsOnTimeout(t *testing.T) {
	ch := &fakeChannel{}
	gate := NewGate(ch, testCritical(), nil, WithTimeout(20*time.Millisecond))

	decision, _, err := gate.Decide(context.Background(), "inc-1", "db_failover", "database", "prod-postgres", json.RawMessage(`{}`), models.ApprovalCritical)
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if decision != models.DecisionAutoRejected {
		t.Errorf("decision = %v, want autoRejected", decision)
	}
}

func TestDecideAutoRejectsWhenChannelPostFails(t *testing.T) {
	ch := &fakeChannel{err: context.DeadlineExceeded}
	gate := NewGate(ch, testCritical(), nil, WithTimeout(time.Second))

	decision, _, err := gate.Decide(context.Background(), "inc-1", "db_failover", "database", "prod-postgres", json.RawMessage(`{}`), models.ApprovalCritical)
	if err == nil {
		t.Fatal("expected error when channel post fails")
	}
	if decision != models.DecisionAutoRejected {
		t.Errorf("decision = %v, want autoRejected", decision)
	}
}

func TestResolveIgnoresUnknownID(t *testing.T) {
	gate := NewGate(&fakeChannel{}, testCritical(), nil)
	if gate.Resolve("does-not-exist", models.DecisionApproved, "human:x") {
		t.Error("Resolve should return false for unknown id")
	}
}

func TestResolveIgnoresSecondDecisionForSameID(t *testing.T) {
	ch := &fakeChannel{}
	gate := NewGate(ch, testCritical(), nil, WithTimeout(time.Second))

	var id string
	ch.onPost = func(req models.ApprovalRequest) { id = req.ID }

	done := make(chan struct{})
	go func() {
		gate.Decide(context.Background(), "inc-1", "db_failover", "database", "prod-postgres", json.RawMessage(`{}`), models.ApprovalCritical)
		close(done)
	}()

	for id == "" {
		time.Sleep(time.Millisecond)
	}
	if !gate.Resolve(id, models.DecisionApproved, "human:alice") {
		t.Fatal("first Resolve should succeed")
	}
	<-done
	if gate.Resolve(id, models.DecisionRejected, "human:bob") {
		t.Error("second Resolve for the same id should be ignored")
	}
}
