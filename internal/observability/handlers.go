package observability

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/haasonsaas/nightwatch/internal/memory"
	"github.com/haasonsaas/nightwatch/pkg/models"
)

// IncidentStore is the read-only view of the Incident Pipeline the
// observability surface needs: get-by-id and a most-recent-first list.
// Satisfied by *pipeline.Orchestrator.
type IncidentStore interface {
	Get(id string) (models.Incident, bool)
	List() []models.Incident
}

// MemoryStats is the read-only view of the Vector Incident Memory the
// observability surface needs. Satisfied by *memory.Manager.
type MemoryStats interface {
	Stats(ctx context.Context) (memory.Stats, error)
}

// Server hosts the four read-only HTTP endpoints from spec.md §4.8/§6:
// /health, /stats, /incidents, /metrics. Grounded on the teacher's
// internal/gateway/http_server.go (stdlib http.ServeMux,
// promhttp.Handler() for /metrics, a hand-rolled JSON /healthz).
type Server struct {
	incidents IncidentStore
	mem       MemoryStats
	metrics   *Metrics
	logger    *slog.Logger
	version   string
	startTime time.Time

	httpServer *http.Server
	listener   net.Listener
}

// NewServer builds a Server. version is surfaced on /health.
func NewServer(incidents IncidentStore, mem MemoryStats, metrics *Metrics, logger *slog.Logger, version string) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		incidents: incidents,
		mem:       mem,
		metrics:   metrics,
		logger:    logger.With("component", "observability"),
		version:   version,
		startTime: time.Now(),
	}
}

// Handler returns the /health, /stats, /incidents, /metrics mux so
// cmd/nightwatchd can mount it alongside the webhook handler on one
// http.Server, matching the teacher's single-mux startHTTPServer shape.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/stats", s.handleStats)
	mux.HandleFunc("/incidents", s.handleIncidents)
	return mux
}

// Start binds addr and serves in a background goroutine, matching the
// teacher's startHTTPServer/stopHTTPServer lifecycle shape. Used when
// observability is run as its own listener rather than mounted onto a
// caller-owned mux via Handler.
func (s *Server) Start(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("observability: listen: %w", err)
	}
	s.listener = listener
	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http server error", "error", err)
		}
	}()

	s.logger.Info("observability http server started", "addr", addr)
	return nil
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

type healthMemory struct {
	Status string `json:"status"`
	Count  int64  `json:"count"`
}

type healthResponse struct {
	Status  string       `json:"status"`
	Version string       `json:"version"`
	Memory  healthMemory `json:"memory"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok", Version: s.version, Memory: healthMemory{Status: "ok"}}

	if s.mem != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		stats, err := s.mem.Stats(ctx)
		if err != nil {
			resp.Memory.Status = "degraded"
			s.logger.Warn("health check: memory stats failed", "error", err)
		} else {
			resp.Memory.Count = stats.TotalRecords
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

type statsResponse struct {
	Total              int64            `json:"total"`
	SuccessRate        float64          `json:"successRate"`
	AvgDurationSeconds float64          `json:"avgDurationSeconds"`
	CostUSD            float64          `json:"costUsd"`
	BySeverity         map[string]int64 `json:"bySeverity"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if s.mem == nil {
		writeJSON(w, http.StatusOK, statsResponse{BySeverity: map[string]int64{}})
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	stats, err := s.mem.Stats(ctx)
	if err != nil {
		writeJSONError(w, http.StatusServiceUnavailable, err)
		return
	}
	if s.metrics != nil {
		s.metrics.SetMemoryGauges(stats.TotalRecords, stats.SuccessRate)
	}
	writeJSON(w, http.StatusOK, statsResponse{
		Total:              stats.TotalRecords,
		SuccessRate:        stats.SuccessRate,
		AvgDurationSeconds: stats.AvgDuration.Seconds(),
		CostUSD:            stats.TotalCostUSD,
		BySeverity:         stats.BySeverity,
	})
}

// IncidentSummary is the abbreviated incident shape GET /incidents returns,
// trimmed of per-stage output and tool-invocation detail that a browse
// view doesn't need.
type IncidentSummary struct {
	ID          string              `json:"id"`
	Fingerprint string              `json:"fingerprint"`
	Status      models.IncidentStatus `json:"status"`
	Severity    string              `json:"severity"`
	Outcome     models.Outcome      `json:"outcome,omitempty"`
	ReceivedAt  time.Time           `json:"receivedAt"`
	ClosedAt    time.Time           `json:"closedAt,omitempty"`
	Summary     string              `json:"summary,omitempty"`
}

type incidentsResponse struct {
	Items      []IncidentSummary `json:"items"`
	NextCursor string            `json:"nextCursor,omitempty"`
}

// handleIncidents paginates the most-recent-first incident list by a
// simple numeric offset cursor. New to this domain (spec.md names the
// contract but not an encoding); an offset is sufficient since List()
// already returns a stable, fully in-memory snapshot per call.
func (s *Server) handleIncidents(w http.ResponseWriter, r *http.Request) {
	if s.incidents == nil {
		writeJSON(w, http.StatusOK, incidentsResponse{})
		return
	}

	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	offset := 0
	if raw := r.URL.Query().Get("cursor"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n >= 0 {
			offset = n
		}
	}

	all := s.incidents.List()
	if offset > len(all) {
		offset = len(all)
	}
	end := offset + limit
	if end > len(all) {
		end = len(all)
	}
	page := all[offset:end]

	items := make([]IncidentSummary, 0, len(page))
	for _, inc := range page {
		items = append(items, IncidentSummary{
			ID:          inc.ID,
			Fingerprint: inc.Fingerprint,
			Status:      inc.Status,
			Severity:    inc.Severity,
			Outcome:     inc.Outcome,
			ReceivedAt:  inc.ReceivedAt,
			ClosedAt:    inc.ClosedAt,
			Summary:     inc.Summary,
		})
	}

	resp := incidentsResponse{Items: items}
	if end < len(all) {
		resp.NextCursor = strconv.Itoa(end)
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Default().Error("observability: write response failed", "error", err)
	}
}

func writeJSONError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
