package adaptive

import (
	"strings"
	"time"
	"unicode/utf8"

	"github.com/normanking/miniphi/internal/bandit"
	"github.com/normanking/miniphi/internal/llm"
)

// schemaModes maps schema id fragments to routing modes, checked in order.
var schemaModes = []struct {
	fragment string
	mode     string
}{
	{"log-analysis", "analysis"},
	{"prompt-plan", "plan"},
	{"navigation-plan", "navigation"},
	{"recompose", "recompose"},
}

// ResolveMode picks the routing mode: metadata "mode" first, then the
// schema id, else "unknown".
func ResolveMode(metadata map[string]any, schemaID string) string {
	if raw, ok := metadata["mode"].(string); ok && strings.TrimSpace(raw) != "" {
		return bandit.NormalizeToken(raw, "unknown")
	}
	normalized := bandit.NormalizeSchemaID(schemaID)
	for _, m := range schemaModes {
		if strings.Contains(normalized, m.fragment) {
			return m.mode
		}
	}
	return "unknown"
}

func resolveScope(scope string) string {
	switch scope {
	case "main", "sub":
		return scope
	}
	return "unknown"
}

func traceSchemaID(trace *llm.TraceContext) string {
	if trace == nil {
		return ""
	}
	if trace.SchemaID != "" {
		return trace.SchemaID
	}
	if id, ok := trace.Metadata["schemaId"].(string); ok {
		return id
	}
	return ""
}

// session holds the running counters that feed the next observation.
type session struct {
	stepCount          int
	lastStatus         string
	lastErrorKind      string
	lastSchemaValid    string
	lastFollowUpNeeded string
	lastDuration       time.Duration
}

func newSession() session {
	return session{
		lastStatus:         bandit.StatusUnknown,
		lastErrorKind:      "none",
		lastSchemaValid:    bandit.FlagUnknown,
		lastFollowUpNeeded: bandit.FlagUnknown,
	}
}

func (s session) observe(prompt string, trace *llm.TraceContext) bandit.Observation {
	schemaID := traceSchemaID(trace)
	var (
		metadata map[string]any
		scope    string
	)
	if trace != nil {
		metadata = trace.Metadata
		scope = trace.Scope
	}
	return bandit.Observation{
		Mode:               ResolveMode(metadata, schemaID),
		SchemaID:           schemaID,
		Step:               s.stepCount + 1,
		LastStatus:         s.lastStatus,
		LastErrorKind:      s.lastErrorKind,
		SizeBucket:         bandit.SizeBucket(utf8.RuneCountInString(prompt)),
		Scope:              resolveScope(scope),
		LastSchemaValid:    s.lastSchemaValid,
		LastFollowUpNeeded: s.lastFollowUpNeeded,
		LastDurationBucket: bandit.DurationBucket(s.lastDuration),
	}
}
