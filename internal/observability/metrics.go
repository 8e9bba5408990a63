// Package observability implements the Observability Surface: Prometheus
// metrics and the read-only /health, /stats, /incidents, /metrics HTTP
// endpoints. Grounded on the teacher's internal/observability/metrics.go
// (promauto-registered CounterVec/HistogramVec/GaugeVec held on one Metrics
// struct) and internal/gateway/http_server.go (stdlib http.ServeMux,
// promhttp.Handler for /metrics, JSON /healthz), trimmed to the counters,
// gauges, and histograms spec.md §4.8 names instead of the teacher's
// general-purpose channel/LLM/session metric set.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every Prometheus collector the service exports, matching
// spec.md §4.8's named counters, gauges, and histograms exactly.
type Metrics struct {
	// IncidentsTotal counts every incident opened, regardless of outcome.
	IncidentsTotal prometheus.Counter

	// ToolInvocationsTotal counts tool calls by tool name and outcome.
	// Labels: tool, outcome (ok|error|denied|dryrun)
	ToolInvocationsTotal *prometheus.CounterVec

	// ApprovalsTotal counts approval decisions by decision kind.
	// Labels: decision (approved|rejected|autoApproved|autoRejected|errored)
	ApprovalsTotal *prometheus.CounterVec

	// IncidentsInFlight is the current count of non-terminal incidents.
	IncidentsInFlight prometheus.Gauge

	// MemoryRecords is the current count of stored MemoryRecords.
	MemoryRecords prometheus.Gauge

	// SuccessRate is the memory store's resolved/(resolved+failed+escalated) ratio.
	SuccessRate prometheus.Gauge

	// IncidentDuration measures wall-clock incident lifetime in seconds.
	IncidentDuration prometheus.Histogram

	// StageDuration measures one stage's wall-clock duration in seconds.
	// Labels: stage (monitor|analyst|healer|communicator)
	StageDuration *prometheus.HistogramVec

	// LLMTokensPerIncident measures total (input+output) tokens spent per
	// closed incident.
	LLMTokensPerIncident prometheus.Histogram
}

// NewMetrics constructs and registers every collector against reg. Passing
// nil registers against prometheus.DefaultRegisterer, matching the
// teacher's NewMetrics().
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		IncidentsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "incidents_total",
			Help: "Total number of incidents opened.",
		}),
		ToolInvocationsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "tool_invocations_total",
			Help: "Total number of tool invocations by tool and outcome.",
		}, []string{"tool", "outcome"}),
		ApprovalsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "approvals_total",
			Help: "Total number of approval decisions by decision kind.",
		}, []string{"decision"}),
		IncidentsInFlight: factory.NewGauge(prometheus.GaugeOpts{
			Name: "incidents_in_flight",
			Help: "Current number of incidents in a non-terminal status.",
		}),
		MemoryRecords: factory.NewGauge(prometheus.GaugeOpts{
			Name: "memory_records",
			Help: "Current number of records stored in the vector incident memory.",
		}),
		SuccessRate: factory.NewGauge(prometheus.GaugeOpts{
			Name: "success_rate",
			Help: "Resolved / (resolved + failed + escalated) over the memory store.",
		}),
		IncidentDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "incident_duration_seconds",
			Help:    "Wall-clock duration of a closed incident in seconds.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
		}),
		StageDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "stage_duration_seconds",
			Help:    "Wall-clock duration of one pipeline stage in seconds.",
			Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 90},
		}, []string{"stage"}),
		LLMTokensPerIncident: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "llm_tokens_per_incident",
			Help:    "Total LLM tokens (input+output) spent per closed incident.",
			Buckets: []float64{500, 1000, 2500, 5000, 10000, 25000, 50000, 100000},
		}),
	}
}

// ToolInvoked satisfies tools.Metrics: records one tool invocation.
func (m *Metrics) ToolInvoked(name, outcome string) {
	if m == nil {
		return
	}
	m.ToolInvocationsTotal.WithLabelValues(name, outcome).Inc()
}

// ApprovalDecided satisfies approval.Metrics: records one approval decision.
func (m *Metrics) ApprovalDecided(decision string) {
	if m == nil {
		return
	}
	m.ApprovalsTotal.WithLabelValues(decision).Inc()
}

// IncidentStarted satisfies pipeline.Metrics: records a newly accepted
// incident and adjusts the in-flight gauge.
func (m *Metrics) IncidentStarted() {
	if m == nil {
		return
	}
	m.IncidentsTotal.Inc()
	m.IncidentsInFlight.Inc()
}

// IncidentClosed satisfies pipeline.Metrics: records a terminal incident's
// duration and token spend, and decrements the in-flight gauge.
func (m *Metrics) IncidentClosed(durationSeconds float64, totalTokens int64) {
	if m == nil {
		return
	}
	m.IncidentsInFlight.Dec()
	m.IncidentDuration.Observe(durationSeconds)
	m.LLMTokensPerIncident.Observe(float64(totalTokens))
}

// StageCompleted satisfies pipeline.Metrics: records one stage's duration.
func (m *Metrics) StageCompleted(stage string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.StageDuration.WithLabelValues(stage).Observe(durationSeconds)
}

// SetMemoryGauges refreshes the memory-derived gauges; the /stats handler
// calls it with each Stats result it reads.
func (m *Metrics) SetMemoryGauges(records int64, successRate float64) {
	if m == nil {
		return
	}
	m.MemoryRecords.Set(float64(records))
	m.SuccessRate.Set(successRate)
}
