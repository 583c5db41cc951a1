// Package models holds the known model presets and key aliases.
package models

import "strings"

// DefaultContextLength is used for models without a preset.
const DefaultContextLength = 16384

const (
	phiReasoningPlus = "microsoft/phi-4-reasoning-plus"
	devstralSmall2   = "mistralai/devstral-small-2-2512"
	devstralSmall    = "mistralai/devstral-small-2507"
	graniteTiny      = "ibm/granite-4-h-tiny"
)

// DefaultModelKey is chosen when no model is configured.
const DefaultModelKey = devstralSmall2

const codingSystemPrompt = "You are MiniPhi, a local coding agent. " +
	"Prioritize precise code edits, minimal filler, and clear diffs when proposing changes. " +
	"Flag risky shell commands and suggest quick checks or tests that validate your edits."

// Preset describes a known model.
type Preset struct {
	Key                  string
	Label                string
	Purpose              string
	DefaultContextLength int
	MaxContextLength     int
	SystemPrompt         string
}

var presets = map[string]Preset{
	phiReasoningPlus: {
		Key:                  phiReasoningPlus,
		Label:                "Phi-4 Reasoning+",
		Purpose:              "general",
		DefaultContextLength: 32768,
		MaxContextLength:     131072,
	},
	devstralSmall: {
		Key:                  devstralSmall,
		Label:                "Devstral Small 2507",
		Purpose:              "coding",
		DefaultContextLength: 128000,
		MaxContextLength:     131072,
		SystemPrompt:         codingSystemPrompt,
	},
	devstralSmall2: {
		Key:                  devstralSmall2,
		Label:                "Devstral Small 2 2512",
		Purpose:              "coding",
		DefaultContextLength: 131072,
		MaxContextLength:     393216,
		SystemPrompt:         codingSystemPrompt,
	},
}

var aliases = map[string]string{
	"phi":                           phiReasoningPlus,
	"phi-4":                         phiReasoningPlus,
	"phi4":                          phiReasoningPlus,
	"phi-4-reasoning-plus":          phiReasoningPlus,
	"granite-4-h-tiny":              graniteTiny,
	"granite4h":                     graniteTiny,
	"granite4":                      graniteTiny,
	"devstral":                      devstralSmall2,
	"devstral-small":                devstralSmall2,
	"devstral-2507":                 devstralSmall,
	"devstral-2-2512":               devstralSmall2,
	"devstral2":                     devstralSmall2,
	"mistral/devstral-small-2-2512": devstralSmall2,
	"mistral/devstral-small-2507":   devstralSmall,
}

// Lookup returns the preset for a canonical key.
func Lookup(key string) (Preset, bool) {
	p, ok := presets[key]
	return p, ok
}

// NormalizeKey resolves aliases. An empty key yields DefaultModelKey.
func NormalizeKey(candidate string) string {
	trimmed := strings.TrimSpace(candidate)
	if trimmed == "" {
		return DefaultModelKey
	}
	if target, ok := aliases[strings.ToLower(trimmed)]; ok {
		return target
	}
	return trimmed
}

// Resolved is the outcome of Resolve.
type Resolved struct {
	ModelKey      string
	Preset        *Preset
	ContextLength int
	// Clamped is set when the requested context exceeded the preset maximum.
	Clamped      bool
	FromAlias    bool
	SystemPrompt string
}

// Resolve normalizes model and picks a context length. A requested length
// only overrides a preset's default when explicit is set; it is always
// clamped to the preset maximum.
func Resolve(model string, contextLength int, explicit bool) Resolved {
	key := NormalizeKey(model)
	out := Resolved{
		ModelKey:      key,
		ContextLength: DefaultContextLength,
		FromAlias:     key != strings.TrimSpace(model) && strings.TrimSpace(model) != "",
	}
	p, ok := presets[key]
	if ok {
		out.Preset = &p
		out.ContextLength = p.DefaultContextLength
		out.SystemPrompt = p.SystemPrompt
	}
	if contextLength > 0 && (explicit || !ok) {
		out.ContextLength = contextLength
	}
	if ok && p.MaxContextLength > 0 && out.ContextLength > p.MaxContextLength {
		out.ContextLength = p.MaxContextLength
		out.Clamped = true
	}
	return out
}
