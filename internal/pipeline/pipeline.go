// Package pipeline implements the Incident Pipeline: the state machine that
// takes an intake Alert through Monitor -> Analyst -> Healer -> Communicator,
// deduplicates by fingerprint, and enforces a per-incident deadline and a
// bounded worker pool. Grounded on the teacher's internal/multiagent
// orchestrator.go/supervisor.go for the "own an explicit Orchestrator value,
// sequence named roles, hand off between them" shape, and on
// internal/cron/scheduler.go's wg-guarded Start/Stop lifecycle for the
// worker pool's own startup/shutdown. The fingerprint dedup map has no
// direct teacher analogue (the teacher dedupes by conversation session, not
// alert fingerprint); it follows the mutex-guarded-map idiom used throughout
// the teacher, e.g. tool_registry.go's keyed locks.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/nightwatch/internal/agent"
	"github.com/haasonsaas/nightwatch/internal/llm"
	"github.com/haasonsaas/nightwatch/internal/memory"
	"github.com/haasonsaas/nightwatch/pkg/models"
)

// alertRingCapacity bounds the merged-alert-events ring buffer per incident.
const alertRingCapacity = 10

// Runners bundles the four fixed-role Agent Runners the pipeline sequences.
type Runners struct {
	Monitor      *agent.Runner
	Analyst      *agent.Runner
	Healer       *agent.Runner
	Communicator *agent.Runner
}

// Config bounds one incident's run and the pipeline's overall concurrency.
type Config struct {
	Deadline    time.Duration
	DedupWindow time.Duration
	QueueSize   int
	Concurrency int
	// DryRun forces every agent.Context the pipeline builds to carry
	// DryRun=true, so tool handlers short-circuit before performing an
	// external mutation even when the Approval Gate auto-approves.
	DryRun bool
}

// Metrics receives the incidents_total/in_flight/duration and
// stage_duration_seconds observations spec.md §4.8 names, satisfied by
// *observability.Metrics.
type Metrics interface {
	IncidentStarted()
	IncidentClosed(durationSeconds float64, totalTokens int64)
	StageCompleted(stage string, durationSeconds float64)
}

// Durable persists a closed incident beyond the pipeline's in-memory store,
// satisfied by *storage.Store. Optional: a nil Durable means incident
// history does not survive a process restart, which is an acceptable
// homelab default.
type Durable interface {
	SaveIncident(ctx context.Context, incident models.Incident) error
}

// Orchestrator is the explicit, process-constructed value that owns every
// piece of pipeline state: the fingerprint dedup table, the incident store,
// and the bounded worker pool. There is no package-level state; callers pass
// this value (or a reference to it) wherever pipeline access is needed.
type Orchestrator struct {
	runners Runners
	memory  *memory.Manager
	logger  *slog.Logger
	cfg     Config
	metrics Metrics
	durable Durable

	mu           sync.Mutex
	fingerprints map[string]string // fingerprint -> incidentID, in-flight only
	incidents    map[string]*incidentRecord

	queue chan *incidentRecord

	lifecycleMu sync.Mutex
	started     bool
	wg          sync.WaitGroup
	stop        chan struct{}
}

type incidentRecord struct {
	mu       sync.Mutex
	incident models.Incident
}

// New constructs an Orchestrator. Workers are not started until Start is
// called.
func New(runners Runners, mem *memory.Manager, logger *slog.Logger, cfg Config) *Orchestrator {
	if cfg.Deadline <= 0 {
		cfg.Deadline = 6 * time.Minute
	}
	if cfg.DedupWindow <= 0 {
		cfg.DedupWindow = 60 * time.Second
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		runners:      runners,
		memory:       mem,
		logger:       logger.With("component", "pipeline"),
		cfg:          cfg,
		fingerprints: make(map[string]string),
		incidents:    make(map[string]*incidentRecord),
		queue:        make(chan *incidentRecord, cfg.QueueSize),
		stop:         make(chan struct{}),
	}
}

// SetMetrics attaches an observability.Metrics sink. Call before Start.
func (o *Orchestrator) SetMetrics(m Metrics) {
	o.metrics = m
}

// SetDurable attaches a storage.Store so closed incidents survive a process
// restart. Call before Start.
func (o *Orchestrator) SetDurable(d Durable) {
	o.durable = d
}

// Start launches the bounded worker pool. Safe to call once.
func (o *Orchestrator) Start() {
	o.lifecycleMu.Lock()
	defer o.lifecycleMu.Unlock()
	if o.started {
		return
	}
	o.started = true
	for i := 0; i < o.cfg.Concurrency; i++ {
		o.wg.Add(1)
		go o.worker()
	}
}

// Stop drains in-flight workers and returns once they exit or ctx expires.
func (o *Orchestrator) Stop(ctx context.Context) error {
	close(o.stop)
	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *Orchestrator) worker() {
	defer o.wg.Done()
	for {
		select {
		case <-o.stop:
			return
		case rec := <-o.queue:
			o.run(rec)
		}
	}
}

// ErrQueueFull is returned by Submit when the incident queue is at capacity,
// per spec.md §4.6's back-pressure policy (webhook callers see 503).
var ErrQueueFull = fmt.Errorf("pipeline: incident queue full")

// Submit enqueues alert for processing, merging it into an already in-flight
// incident with the same fingerprint instead of starting a new one. Returns
// the owning incident's id.
func (o *Orchestrator) Submit(alert models.Alert) (string, error) {
	o.mu.Lock()
	if id, ok := o.fingerprints[alert.Fingerprint]; ok {
		rec := o.incidents[id]
		o.mu.Unlock()

		rec.mu.Lock()
		rec.incident.AlertEvents = appendRing(rec.incident.AlertEvents, alert, alertRingCapacity)
		rec.mu.Unlock()
		return id, nil
	}

	id := uuid.New().String()
	rec := &incidentRecord{incident: models.Incident{
		ID:          id,
		Fingerprint: alert.Fingerprint,
		ReceivedAt:  time.Now(),
		Status:      models.StatusAccepted,
		Severity:    alert.Severity,
		Alert:       alert,
		AlertEvents: []models.Alert{alert},
	}}
	o.incidents[id] = rec
	o.fingerprints[alert.Fingerprint] = id
	o.mu.Unlock()

	select {
	case o.queue <- rec:
		if o.metrics != nil {
			o.metrics.IncidentStarted()
		}
		return id, nil
	default:
		o.mu.Lock()
		delete(o.incidents, id)
		delete(o.fingerprints, alert.Fingerprint)
		o.mu.Unlock()
		return "", ErrQueueFull
	}
}

func appendRing(events []models.Alert, next models.Alert, capacity int) []models.Alert {
	events = append(events, next)
	if len(events) > capacity {
		events = events[len(events)-capacity:]
	}
	return events
}

// Get returns a snapshot of one incident by id.
func (o *Orchestrator) Get(id string) (models.Incident, bool) {
	o.mu.Lock()
	rec, ok := o.incidents[id]
	o.mu.Unlock()
	if !ok {
		return models.Incident{}, false
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.incident, true
}

// List returns a snapshot of every known incident, most recently received
// first.
func (o *Orchestrator) List() []models.Incident {
	o.mu.Lock()
	recs := make([]*incidentRecord, 0, len(o.incidents))
	for _, rec := range o.incidents {
		recs = append(recs, rec)
	}
	o.mu.Unlock()

	out := make([]models.Incident, 0, len(recs))
	for _, rec := range recs {
		rec.mu.Lock()
		out = append(out, rec.incident)
		rec.mu.Unlock()
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].ReceivedAt.After(out[j-1].ReceivedAt); j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

// run sequences one incident's pipeline run to a terminal status, then
// closes it: removes the fingerprint from the dedup table and writes its
// closed record to the Vector Incident Memory.
func (o *Orchestrator) run(rec *incidentRecord) {
	rec.mu.Lock()
	fingerprint := rec.incident.Fingerprint
	fastPath := rec.incident.Alert.Status == models.AlertResolved
	rec.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), o.cfg.Deadline)
	defer cancel()

	if fastPath {
		o.noop(ctx, rec)
		o.close(rec, fingerprint)
		return
	}

	o.setStatus(rec, models.StatusDiagnosing)
	if !o.runStage(ctx, rec, o.runners.Monitor) {
		o.fail(rec, "monitor stage did not complete")
		o.close(rec, fingerprint)
		return
	}

	if !o.runStage(ctx, rec, o.runners.Analyst) {
		o.fail(rec, "analyst stage did not complete")
		o.close(rec, fingerprint)
		return
	}

	benign := analystVerdictIsBenign(o.lastVerdict(rec, models.StageAnalyst))
	if benign {
		o.noop(ctx, rec)
		o.close(rec, fingerprint)
		return
	}

	o.setStatus(rec, models.StatusRemediating)
	healerInvs, ok := o.runHealer(ctx, rec)
	if !ok {
		o.fail(rec, "healer stage did not complete")
		o.close(rec, fingerprint)
		return
	}

	if deniedID := firstDenied(healerInvs); deniedID != "" {
		o.escalate(ctx, rec, deniedID)
		o.close(rec, fingerprint)
		return
	}

	o.setStatus(rec, models.StatusNotifying)
	o.communicate(ctx, rec, "the incident was remediated and is considered resolved")
	o.setTerminal(rec, models.StatusResolved, models.OutcomeResolved)
	o.close(rec, fingerprint)
}

func (o *Orchestrator) runStage(ctx context.Context, rec *incidentRecord, runner *agent.Runner) bool {
	if ctx.Err() != nil {
		return false
	}

	rec.mu.Lock()
	snapshot := rec.incident
	rec.mu.Unlock()

	var history []models.MemoryMatch
	if runner == o.runners.Analyst && o.memory != nil {
		if matches, err := o.memory.Search(ctx, snapshot.Alert); err == nil {
			history = matches
		}
	}

	prompt := agent.UserPrompt(snapshot, history)
	out, invs, err := runner.Run(ctx, agent.Context{IncidentID: snapshot.ID, Deadline: deadlineOf(ctx), DryRun: o.cfg.DryRun, Severity: approvalSeverityOf(snapshot.Severity)}, prompt, o.costSink(rec))

	rec.mu.Lock()
	rec.incident.StageOutputs = append(rec.incident.StageOutputs, out)
	rec.incident.ToolsUsed = append(rec.incident.ToolsUsed, invs...)
	rec.mu.Unlock()

	if o.metrics != nil && !out.EndedAt.IsZero() {
		o.metrics.StageCompleted(string(out.Stage), out.EndedAt.Sub(out.StartedAt).Seconds())
	}

	if err != nil {
		o.logger.Warn("stage failed", "incident_id", snapshot.ID, "stage", out.Stage, "error", err)
		return false
	}
	return true
}

// runHealer mirrors runStage, feeding the same similar-incident history (if
// any) the Analyst received, and returns the tool invocations it produced,
// so run can inspect them for a denied/auto-rejected critical mutation.
func (o *Orchestrator) runHealer(ctx context.Context, rec *incidentRecord) ([]models.ToolInvocation, bool) {
	if ctx.Err() != nil {
		return nil, false
	}
	rec.mu.Lock()
	snapshot := rec.incident
	rec.mu.Unlock()

	var history []models.MemoryMatch
	if o.memory != nil {
		if matches, err := o.memory.Search(ctx, snapshot.Alert); err == nil {
			history = matches
		}
	}

	prompt := agent.UserPrompt(snapshot, history)
	out, invs, err := o.runners.Healer.Run(ctx, agent.Context{IncidentID: snapshot.ID, Deadline: deadlineOf(ctx), DryRun: o.cfg.DryRun, Severity: approvalSeverityOf(snapshot.Severity)}, prompt, o.costSink(rec))

	rec.mu.Lock()
	rec.incident.StageOutputs = append(rec.incident.StageOutputs, out)
	rec.incident.ToolsUsed = append(rec.incident.ToolsUsed, invs...)
	rec.mu.Unlock()

	if o.metrics != nil && !out.EndedAt.IsZero() {
		o.metrics.StageCompleted(string(out.Stage), out.EndedAt.Sub(out.StartedAt).Seconds())
	}

	if err != nil {
		o.logger.Warn("healer stage failed", "incident_id", snapshot.ID, "error", err)
		return invs, false
	}
	return invs, true
}

// analystVerdictIsBenign classifies the Analyst's free-text verdict as
// benign using a simple keyword heuristic, since the LLM returns prose
// rather than a structured classification field.
func analystVerdictIsBenign(verdict string) bool {
	return strings.Contains(strings.ToLower(verdict), "benign")
}

func (o *Orchestrator) lastVerdict(rec *incidentRecord, stage models.Stage) string {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	for i := len(rec.incident.StageOutputs) - 1; i >= 0; i-- {
		if rec.incident.StageOutputs[i].Stage == stage {
			return rec.incident.StageOutputs[i].Verdict
		}
	}
	return ""
}

// firstDenied returns the ApprovalID of the first denied or auto-rejected
// tool invocation among invs, or "" if none were denied.
func firstDenied(invs []models.ToolInvocation) string {
	for _, inv := range invs {
		if inv.Outcome == models.ToolDenied {
			return inv.ApprovalID
		}
	}
	return ""
}

// noop runs the Communicator reporting a no-action outcome (benign analyst
// verdict, or a resolved-status alert on an unknown fingerprint), per
// spec.md §4.6's fast-path and benign branches.
func (o *Orchestrator) noop(ctx context.Context, rec *incidentRecord) {
	o.setStatus(rec, models.StatusNotifying)
	o.communicate(ctx, rec, "no remediation was needed")
	o.setTerminal(rec, models.StatusResolved, models.OutcomeNoop)
}

// escalate runs the Communicator reporting an escalation to a human, citing
// the denied approval id, per spec.md §4.6's escalation branch.
func (o *Orchestrator) escalate(ctx context.Context, rec *incidentRecord, approvalID string) {
	o.setStatus(rec, models.StatusNotifying)
	o.communicate(ctx, rec, fmt.Sprintf("remediation requires human attention; approval %s was denied or timed out", approvalID))
	o.setTerminal(rec, models.StatusEscalated, models.OutcomeEscalated)
}

// fail records a terminal failure without attempting further remediation.
// The Communicator still gets a best-effort attempt to notify, bounded by
// its own short grace period rather than the (likely already exhausted)
// incident deadline.
func (o *Orchestrator) fail(rec *incidentRecord, reason string) {
	graceCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	o.communicate(graceCtx, rec, "incident failed: "+reason)
	o.setTerminal(rec, models.StatusFailed, models.OutcomeFailed)
}

// communicate runs the Communicator stage, falling back to a canned message
// if the LLM call itself fails so an incident is never closed silently.
func (o *Orchestrator) communicate(ctx context.Context, rec *incidentRecord, note string) {
	rec.mu.Lock()
	snapshot := rec.incident
	rec.mu.Unlock()

	prompt := agent.UserPrompt(snapshot, nil) + "\nClosing note: " + note
	out, invs, err := o.runners.Communicator.Run(ctx, agent.Context{IncidentID: snapshot.ID, Deadline: deadlineOf(ctx), DryRun: o.cfg.DryRun, Severity: approvalSeverityOf(snapshot.Severity)}, prompt, o.costSink(rec))

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if err != nil {
		out = models.StageOutput{Stage: models.StageCommunicator, Verdict: note, StartedAt: time.Now(), EndedAt: time.Now()}
		o.logger.Warn("communicator stage failed, using fallback message", "incident_id", snapshot.ID, "error", err)
	}
	rec.incident.StageOutputs = append(rec.incident.StageOutputs, out)
	rec.incident.ToolsUsed = append(rec.incident.ToolsUsed, invs...)
	rec.incident.Summary = out.Verdict
}

func (o *Orchestrator) setStatus(rec *incidentRecord, status models.IncidentStatus) {
	rec.mu.Lock()
	rec.incident.Status = status
	rec.mu.Unlock()
}

func (o *Orchestrator) setTerminal(rec *incidentRecord, status models.IncidentStatus, outcome models.Outcome) {
	rec.mu.Lock()
	rec.incident.Status = status
	rec.incident.Outcome = outcome
	rec.incident.ClosedAt = time.Now()
	rec.mu.Unlock()
}

// close removes the incident's fingerprint from the in-flight dedup table
// (a later alert with the same fingerprint starts a fresh incident rather
// than merging) and writes the closed incident to the Vector Incident
// Memory. Memory write failures are logged, not fatal: a missed write costs
// future incidents one fewer historical match, not this incident's outcome.
func (o *Orchestrator) close(rec *incidentRecord, fingerprint string) {
	o.mu.Lock()
	delete(o.fingerprints, fingerprint)
	o.mu.Unlock()

	rec.mu.Lock()
	incident := rec.incident
	rec.mu.Unlock()

	if o.metrics != nil {
		o.metrics.IncidentClosed(incident.ClosedAt.Sub(incident.ReceivedAt).Seconds(), incident.Cost.TokensIn+incident.Cost.TokensOut)
	}

	if o.durable != nil {
		persistCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := o.durable.SaveIncident(persistCtx, incident); err != nil {
			o.logger.Warn("durable incident save failed", "incident_id", incident.ID, "error", err)
		}
		cancel()
	}

	if o.memory == nil {
		return
	}

	summaries := make([]string, 0, len(incident.StageOutputs))
	for _, so := range incident.StageOutputs {
		summaries = append(summaries, fmt.Sprintf("%s: %s", so.Stage, so.Verdict))
	}
	toolNames := make([]string, 0, len(incident.ToolsUsed))
	for _, inv := range incident.ToolsUsed {
		toolNames = append(toolNames, inv.Name)
	}

	record := models.MemoryRecord{
		ID:              incident.ID,
		Fingerprint:     incident.Fingerprint,
		Severity:        incident.Severity,
		Labels:          incident.Alert.Labels,
		StageSummaries:  summaries,
		Outcome:         incident.Outcome,
		ToolsUsed:       toolNames,
		DurationSeconds: incident.ClosedAt.Sub(incident.ReceivedAt).Seconds(),
		LLMCostUSD:      incident.Cost.USD,
		ClosedAt:        incident.ClosedAt,
	}

	writeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := o.memory.Upsert(writeCtx, record, incident.Alert); err != nil {
		o.logger.Warn("memory upsert failed", "incident_id", incident.ID, "error", err)
	}
}

func deadlineOf(ctx context.Context) time.Time {
	d, ok := ctx.Deadline()
	if !ok {
		return time.Time{}
	}
	return d
}

// approvalSeverityOf maps an Incident's severity string onto the
// ApprovalSeverity badge shown on a Slack approval card, defaulting to
// warning for any value outside the known vocabulary.
func approvalSeverityOf(severity string) models.ApprovalSeverity {
	switch models.ApprovalSeverity(severity) {
	case models.ApprovalInfo, models.ApprovalWarning, models.ApprovalCritical:
		return models.ApprovalSeverity(severity)
	default:
		return models.ApprovalWarning
	}
}

// costSink adapts an incidentRecord's LLMCost into an llm.CostSink, pricing
// tokens with a small per-model table. Grounded on spec.md §4.2's
// requirement that the Agent Runner accumulate token usage into
// Incident.llmCost as it spends it.
func (o *Orchestrator) costSink(rec *incidentRecord) llm.CostSink {
	return &costAccumulator{rec: rec}
}

type costAccumulator struct {
	rec *incidentRecord
}

// perMillionTokens is USD per 1,000,000 tokens, {input, output}. Unknown
// models fall back to the Claude Sonnet rate.
var perMillionTokens = map[string][2]float64{
	"claude-sonnet-4-20250514":   {3.00, 15.00},
	"claude-3-5-sonnet-20241022": {3.00, 15.00},
	"claude-3-5-haiku-20241022":  {0.80, 4.00},
	"claude-3-opus-20240229":     {15.00, 75.00},
}

func (c *costAccumulator) Add(model string, usage llm.Usage) {
	rate, ok := perMillionTokens[model]
	if !ok {
		rate = perMillionTokens["claude-sonnet-4-20250514"]
	}
	usd := float64(usage.InputTokens)/1_000_000*rate[0] + float64(usage.OutputTokens)/1_000_000*rate[1]

	c.rec.mu.Lock()
	c.rec.incident.Cost.Add(int64(usage.InputTokens), int64(usage.OutputTokens), usd)
	c.rec.mu.Unlock()
}
