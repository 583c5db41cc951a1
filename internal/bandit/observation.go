package bandit

import (
	"strings"
	"time"
)

// Observation is the discretised routing context for one call.
type Observation struct {
	Mode               string
	SchemaID           string
	Step               int
	LastStatus         string
	LastErrorKind      string
	SizeBucket         string
	Scope              string
	LastSchemaValid    string
	LastFollowUpNeeded string
	LastDurationBucket string
}

// Status tokens.
const (
	StatusUnknown = "unknown"
	StatusOK      = "ok"
	StatusError   = "error"
)

// Flag tokens for tri-state signals.
const (
	FlagYes     = "yes"
	FlagNo      = "no"
	FlagUnknown = "unknown"
)

// StepBucket places a 1-based step number into early, mid or late.
func StepBucket(step int) string {
	switch {
	case step <= 1:
		return "early"
	case step <= 3:
		return "mid"
	default:
		return "late"
	}
}

// SizeBucket places a prompt length in characters into small, medium or large.
func SizeBucket(chars int) string {
	switch {
	case chars <= 1500:
		return "small"
	case chars <= 6000:
		return "medium"
	default:
		return "large"
	}
}

// DurationBucket places the previous call's wall time into fast, normal or
// slow. A non-positive duration means no measurement.
func DurationBucket(d time.Duration) string {
	switch {
	case d <= 0:
		return "unknown"
	case d <= 5*time.Second:
		return "fast"
	case d <= 30*time.Second:
		return "normal"
	default:
		return "slow"
	}
}

// Flag converts an optional boolean signal into yes, no or unknown.
func Flag(v *bool) string {
	if v == nil {
		return FlagUnknown
	}
	if *v {
		return FlagYes
	}
	return FlagNo
}

// NormalizeToken lower-cases and trims a token and escapes the key separator.
func NormalizeToken(value, fallback string) string {
	normalized := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(value)), "|", "-")
	if normalized == "" {
		return fallback
	}
	return normalized
}

// NormalizeSchemaID drops any "@version" suffix so schema revisions share a state.
func NormalizeSchemaID(schemaID string) string {
	normalized := NormalizeToken(schemaID, "none")
	if at := strings.Index(normalized, "@"); at > 0 {
		return normalized[:at]
	}
	return normalized
}

// StateKey featurises an observation into the Q-table key.
func StateKey(obs Observation) string {
	return strings.Join([]string{
		NormalizeToken(obs.Mode, "unknown"),
		NormalizeSchemaID(obs.SchemaID),
		StepBucket(obs.Step),
		NormalizeToken(obs.LastStatus, StatusUnknown),
		NormalizeToken(obs.LastErrorKind, "none"),
		NormalizeToken(obs.SizeBucket, "medium"),
		NormalizeToken(obs.Scope, "unknown"),
		NormalizeToken(obs.LastSchemaValid, FlagUnknown),
		NormalizeToken(obs.LastFollowUpNeeded, FlagUnknown),
		NormalizeToken(obs.LastDurationBucket, "unknown"),
	}, "|")
}

// ActionKey encodes a (model, profile) pair.
func ActionKey(model, profile string) string {
	if profile == "" {
		profile = "default"
	}
	return model + "::" + profile
}

// ParseActionKey splits an action key back into model and profile.
func ParseActionKey(key string) (model, profile string) {
	model, profile, _ = strings.Cut(key, "::")
	return model, profile
}
