package adaptive

import (
	"strings"
)

// DefaultProfileID names the pass-through profile.
const DefaultProfileID = "default"

// Profile is a prompt wrapper the router can choose.
type Profile struct {
	ID     string `json:"id"`
	Label  string `json:"label"`
	Prefix string `json:"prefix,omitempty"`
	Suffix string `json:"suffix,omitempty"`
}

// Wrap joins the trimmed prefix, the prompt and the trimmed suffix with
// blank lines, omitting empty parts.
func (p Profile) Wrap(prompt string) string {
	prefix := strings.TrimSpace(p.Prefix)
	suffix := strings.TrimSpace(p.Suffix)
	if prefix == "" && suffix == "" {
		return prompt
	}
	parts := make([]string, 0, 3)
	if prefix != "" {
		parts = append(parts, prefix)
	}
	parts = append(parts, prompt)
	if suffix != "" {
		parts = append(parts, suffix)
	}
	return strings.Join(parts, "\n\n")
}

// normalizeProfiles trims ids and labels; a blank id becomes "default".
// An empty list yields the single default profile.
func normalizeProfiles(raw []Profile) []Profile {
	out := make([]Profile, 0, len(raw))
	for _, p := range raw {
		id := strings.TrimSpace(p.ID)
		if id == "" {
			id = DefaultProfileID
		}
		label := strings.TrimSpace(p.Label)
		if label == "" {
			label = id
		}
		out = append(out, Profile{ID: id, Label: label, Prefix: p.Prefix, Suffix: p.Suffix})
	}
	if len(out) == 0 {
		out = append(out, Profile{ID: DefaultProfileID, Label: "Default"})
	}
	return out
}

// normalizeModels trims and de-duplicates model keys case-insensitively,
// keeping the first spelling. fallback is used when nothing remains.
func normalizeModels(raw []string, fallback string) []string {
	seen := make(map[string]bool, len(raw))
	out := make([]string, 0, len(raw))
	for _, entry := range raw {
		trimmed := strings.TrimSpace(entry)
		if trimmed == "" {
			continue
		}
		key := strings.ToLower(trimmed)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, trimmed)
	}
	if len(out) == 0 && strings.TrimSpace(fallback) != "" {
		out = append(out, strings.TrimSpace(fallback))
	}
	return out
}
