package audit

import (
	"encoding/json"
	"strings"
)

// defaultSecretKeys lists argument keys whose values are always redacted
// before an AuditEntry or chat message is emitted.
var defaultSecretKeys = []string{
	"password", "secret", "token", "api_key", "apikey", "credential",
}

// Redactor elides values of configured secret-like keys from a tool args map.
type Redactor struct {
	keys map[string]struct{}
}

// NewRedactor builds a Redactor from the default secret keys plus any
// operator-configured additions.
func NewRedactor(extra ...string) *Redactor {
	keys := make(map[string]struct{}, len(defaultSecretKeys)+len(extra))
	for _, k := range defaultSecretKeys {
		keys[k] = struct{}{}
	}
	for _, k := range extra {
		keys[strings.ToLower(k)] = struct{}{}
	}
	return &Redactor{keys: keys}
}

// Redact returns a copy of raw JSON args with secret-keyed values replaced
// by "***redacted***". Non-object input and malformed JSON pass through
// unchanged so the caller never loses the original args to a parse error.
func (r *Redactor) Redact(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return raw
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return raw
	}
	redacted := false
	for k := range m {
		if _, match := r.keys[strings.ToLower(k)]; match {
			m[k] = "***redacted***"
			redacted = true
		}
	}
	if !redacted {
		return raw
	}
	out, err := json.Marshal(m)
	if err != nil {
		return raw
	}
	return out
}
