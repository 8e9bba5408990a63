// Package approval implements the human-in-the-loop Approval Gate that
// every mutate_critical_candidate tool call is routed through. Grounded on
// the teacher's internal/tools/policy/approval.go ApprovalManager (request
// map, risk-aware policy, audit integration) and
// internal/agent/approval.go's ApprovalRequest/ApprovalDecision shape, but
// with one deliberate change from both teacher implementations: §4.4 steps
// 3-4 require blocking the invoking goroutine on a per-request response
// channel rather than polling, so WaitForApproval's ticker loop is replaced
// here by a map of channels guarded by a mutex.
package approval

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/nightwatch/internal/audit"
	"github.com/haasonsaas/nightwatch/internal/errkind"
	"github.com/haasonsaas/nightwatch/pkg/models"
)

// Channel is the out-of-band medium an ApprovalRequest is posted to, and
// through which a human's decision arrives back. The Slack adapter is the
// concrete implementation (internal/channels/slack).
type Channel interface {
	PostApprovalRequest(ctx context.Context, req models.ApprovalRequest) error
}

// Metrics receives one approvals_total observation per terminal decision,
// satisfied by *observability.Metrics.
type Metrics interface {
	ApprovalDecided(decision string)
}

// response is what a channel feeds back into Resolve.
type response struct {
	decision   models.ApprovalDecision
	deciderRef string
}

// Gate guards every mutate_critical_candidate tool call.
type Gate struct {
	channel  Channel
	critical *CriticalTargets
	auditLog *audit.Logger
	timeout  time.Duration
	dryRun   bool

	mu      sync.Mutex
	pending map[string]chan response

	metrics Metrics
}

// Option configures a Gate at construction, following the teacher's
// functional-option style (internal/cron/scheduler.go).
type Option func(*Gate)

// WithTimeout overrides the default approval timeout.
func WithTimeout(d time.Duration) Option {
	return func(g *Gate) { g.timeout = d }
}

// WithDryRun puts the gate in dry-run mode: every request auto-approves
// without contacting the channel, and the handler runs in dry-run mode.
func WithDryRun(dryRun bool) Option {
	return func(g *Gate) { g.dryRun = dryRun }
}

// WithMetrics attaches an approvals_total observer.
func WithMetrics(m Metrics) Option {
	return func(g *Gate) { g.metrics = m }
}

// NewGate builds a Gate. timeout defaults to 5 minutes if zero, and is
// hard-capped at 24 hours by the caller via config.Config.ApprovalTimeout.
func NewGate(channel Channel, critical *CriticalTargets, auditLog *audit.Logger, opts ...Option) *Gate {
	g := &Gate{
		channel:  channel,
		critical: critical,
		auditLog: auditLog,
		timeout:  5 * time.Minute,
		pending:  make(map[string]chan response),
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.timeout <= 0 {
		g.timeout = 5 * time.Minute
	}
	return g
}

// Decide evaluates one mutate_critical_candidate tool call against the
// decision tree in spec.md §4.4 and blocks until a terminal decision is
// reached. It always returns a decision (never leaves a tool call
// un-audited) and writes exactly one AuditEntry before returning.
func (g *Gate) Decide(ctx context.Context, incidentID, tool, family, targetID string, args json.RawMessage, severity models.ApprovalSeverity) (models.ApprovalDecision, string, error) {
	if g.dryRun {
		id := uuid.New().String()
		g.record(incidentID, id, tool, args, models.DecisionAutoApproved, "auto(dryrun)")
		return models.DecisionAutoApproved, id, nil
	}

	if !g.critical.IsCritical(family, targetID) {
		id := uuid.New().String()
		g.record(incidentID, id, tool, args, models.DecisionAutoApproved, "auto(noncritical)")
		return models.DecisionAutoApproved, id, nil
	}

	return g.requestHumanDecision(ctx, incidentID, tool, args, severity)
}

func (g *Gate) requestHumanDecision(ctx context.Context, incidentID, tool string, args json.RawMessage, severity models.ApprovalSeverity) (models.ApprovalDecision, string, error) {
	id := uuid.New().String()
	now := time.Now()
	req := models.ApprovalRequest{
		ID:          id,
		IncidentID:  incidentID,
		Tool:        tool,
		Args:        args,
		Severity:    severity,
		RequestedAt: now,
		TimeoutAt:   now.Add(g.timeout),
		Decision:    models.DecisionPending,
	}

	ch := make(chan response, 1)
	g.mu.Lock()
	g.pending[id] = ch
	g.mu.Unlock()
	defer g.cleanup(id)

	if err := g.channel.PostApprovalRequest(ctx, req); err != nil {
		g.record(incidentID, id, tool, args, models.DecisionErrored, "channel-error")
		return models.DecisionAutoRejected, id, fmt.Errorf("%w: post approval request: %v", errkind.ErrAutoRejected, err)
	}

	timer := time.NewTimer(g.timeout)
	defer timer.Stop()

	select {
	case resp := <-ch:
		g.record(incidentID, id, tool, args, resp.decision, resp.deciderRef)
		if resp.decision == models.DecisionRejected {
			return resp.decision, id, fmt.Errorf("%w: %s", errkind.ErrDenied, id)
		}
		return resp.decision, id, nil
	case <-timer.C:
		g.record(incidentID, id, tool, args, models.DecisionAutoRejected, "timeout")
		return models.DecisionAutoRejected, id, fmt.Errorf("%w: approval %s timed out", errkind.ErrAutoRejected, id)
	case <-ctx.Done():
		g.record(incidentID, id, tool, args, models.DecisionAutoRejected, "cancelled")
		return models.DecisionAutoRejected, id, fmt.Errorf("%w: %v", errkind.ErrCancelled, ctx.Err())
	}
}

// Resolve delivers a human decision for approvalID, called by the Slack
// adapter when it parses an APPROVE/REJECT command. A second decision for
// an already-resolved or unknown id is ignored, matching §4.4's
// correlation contract.
func (g *Gate) Resolve(approvalID string, decision models.ApprovalDecision, deciderRef string) bool {
	g.mu.Lock()
	ch, ok := g.pending[approvalID]
	if ok {
		delete(g.pending, approvalID)
	}
	g.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case ch <- response{decision: decision, deciderRef: deciderRef}:
		return true
	default:
		return false
	}
}

func (g *Gate) cleanup(id string) {
	g.mu.Lock()
	delete(g.pending, id)
	g.mu.Unlock()
}

func (g *Gate) record(incidentID, approvalID, tool string, args json.RawMessage, outcome models.ApprovalDecision, approver string) {
	if g.metrics != nil {
		g.metrics.ApprovalDecided(string(outcome))
	}
	if g.auditLog == nil {
		return
	}
	g.auditLog.Write(models.AuditEntry{
		Timestamp:  time.Now(),
		IncidentID: incidentID,
		ApprovalID: approvalID,
		Tool:       tool,
		Args:       args,
		Outcome:    string(outcome),
		Approver:   approver,
	})
}
