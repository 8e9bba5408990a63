// Package webhook implements the alert ingress HTTP endpoint: it accepts an
// Alertmanager-v4-shaped payload, validates its shape, normalizes each
// embedded alert into a models.Alert, and hands each one to the Incident
// Pipeline. Grounded on the teacher's internal/gateway/webhook_handlers.go
// (stdlib net/http, shape validation ahead of enqueue, typed JSON response)
// and internal/gateway/http_server.go's constant-time header check idiom.
package webhook

import (
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/haasonsaas/nightwatch/internal/pipeline"
	"github.com/haasonsaas/nightwatch/pkg/models"
)

// Submitter is the subset of *pipeline.Orchestrator the handler needs.
type Submitter interface {
	Submit(alert models.Alert) (string, error)
}

// Handler serves POST /alert.
type Handler struct {
	submitter Submitter
	logger    *slog.Logger
	secret    string
}

// Option configures a Handler at construction.
type Option func(*Handler)

// WithSharedSecret enables the optional constant-time shared-secret header
// check described in spec.md §4.7. An empty secret disables the check.
func WithSharedSecret(secret string) Option {
	return func(h *Handler) { h.secret = secret }
}

// New builds a Handler bound to submitter.
func New(submitter Submitter, logger *slog.Logger, opts ...Option) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handler{submitter: submitter, logger: logger.With("component", "webhook")}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// alertmanagerPayload is the subset of the Alertmanager v4 webhook shape
// this service consumes.
type alertmanagerPayload struct {
	Status            string            `json:"status"`
	CommonLabels      map[string]string `json:"commonLabels"`
	CommonAnnotations map[string]string `json:"commonAnnotations"`
	Alerts            []alertmanagerAlert `json:"alerts"`
}

type alertmanagerAlert struct {
	Status       string            `json:"status"`
	Labels       map[string]string `json:"labels"`
	Annotations  map[string]string `json:"annotations"`
	StartsAt     time.Time         `json:"startsAt"`
	EndsAt       time.Time         `json:"endsAt"`
	GeneratorURL string            `json:"generatorURL"`
	Fingerprint  string            `json:"fingerprint"`
}

// ServeHTTP implements POST /alert: validate shape, normalize, enqueue each
// alert, respond 202 on success, 400 on malformed input, 503 on queue full.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if !h.authorized(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	var payload alertmanagerPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": fmt.Sprintf("malformed payload: %v", err)})
		return
	}
	if len(payload.Alerts) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "alerts must be non-empty"})
		return
	}

	accepted := 0
	for _, a := range payload.Alerts {
		alert, err := normalize(a, payload.CommonLabels, payload.CommonAnnotations)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}

		if _, err := h.submitter.Submit(alert); err != nil {
			if err == pipeline.ErrQueueFull {
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "incident queue full", "accepted": fmt.Sprint(accepted)})
				return
			}
			h.logger.Error("submit failed", "error", err, "fingerprint", alert.Fingerprint)
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
			return
		}
		accepted++
	}

	writeJSON(w, http.StatusAccepted, map[string]int{"accepted": accepted})
}

func (h *Handler) authorized(r *http.Request) bool {
	if h.secret == "" {
		return true
	}
	got := r.Header.Get("X-Webhook-Secret")
	return subtle.ConstantTimeCompare([]byte(got), []byte(h.secret)) == 1
}

func normalize(a alertmanagerAlert, commonLabels, commonAnnotations map[string]string) (models.Alert, error) {
	labels := mergeMaps(commonLabels, a.Labels)
	annotations := mergeMaps(commonAnnotations, a.Annotations)

	status := models.AlertFiring
	if a.Status == string(models.AlertResolved) {
		status = models.AlertResolved
	}

	fingerprint := a.Fingerprint
	if fingerprint == "" {
		return models.Alert{}, fmt.Errorf("alert missing fingerprint")
	}

	severity := labels["severity"]
	if severity == "" {
		severity = "warning"
	}

	return models.Alert{
		Fingerprint:  fingerprint,
		Status:       status,
		Severity:     severity,
		Labels:       labels,
		Annotations:  annotations,
		StartsAt:     a.StartsAt,
		EndsAt:       a.EndsAt,
		GeneratorURL: a.GeneratorURL,
	}, nil
}

func mergeMaps(base, overlay map[string]string) map[string]string {
	out := make(map[string]string, len(base)+len(overlay))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range overlay {
		out[k] = v
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
