package agent

import (
	"fmt"
	"strings"

	"github.com/haasonsaas/nightwatch/internal/memory"
	"github.com/haasonsaas/nightwatch/pkg/models"
)

// SystemPrompt returns the fixed role preamble fed to the LLM as the
// system message, per spec.md §4.5's "system preamble for role".
func SystemPrompt(role string) string {
	switch role {
	case "monitor":
		return "You are the Monitor stage of a homelab incident responder. " +
			"Gather read-only signal about the alert using the available tools " +
			"and summarize what is actually happening. Do not speculate about root cause."
	case "analyst":
		return "You are the Analyst stage of a homelab incident responder. " +
			"Using the Monitor's findings and any similar historical incidents, " +
			"diagnose the likely root cause and classify the incident as benign or actionable."
	case "healer":
		return "You are the Healer stage of a homelab incident responder. " +
			"Remediate the diagnosed issue using the available tools. Prefer the least " +
			"destructive fix that resolves the incident, and expect mutating calls against " +
			"critical targets to require human approval."
	case "communicator":
		return "You are the Communicator stage of a homelab incident responder. " +
			"Send one concise chat message summarizing what happened and the outcome."
	default:
		return "You are an incident-response agent."
	}
}

// UserPrompt renders the user message handed to a stage: the alert, prior
// stage outputs so far, and (for the Analyst) historical context.
func UserPrompt(incident models.Incident, history []models.MemoryMatch) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Incident %s, fingerprint=%s, severity=%s, status=%s\n", incident.ID, incident.Fingerprint, incident.Severity, incident.Status)
	fmt.Fprintf(&b, "Alert labels: %v\n", incident.Alert.Labels)
	fmt.Fprintf(&b, "Alert annotations: %v\n", incident.Alert.Annotations)

	if len(incident.StageOutputs) > 0 {
		b.WriteString("\nPrior stage findings:\n")
		for _, so := range incident.StageOutputs {
			fmt.Fprintf(&b, "- %s: %s\n", so.Stage, so.Verdict)
		}
	}

	if len(history) > 0 {
		b.WriteString("\nSimilar historical incidents:\n")
		for _, m := range history {
			fmt.Fprintf(&b, "- score=%.2f outcome=%s summaries=%v\n", m.Score, m.Record.Outcome, m.Record.StageSummaries)
		}
	} else {
		b.WriteString("\nNo similar historical incidents were found.\n")
	}

	return b.String()
}

// describeForMemory is a thin alias kept for readability at call sites that
// need the shared write/read embedding description, per spec.md §4.3.
func describeForMemory(alert models.Alert) string {
	return memory.Describe(alert)
}
