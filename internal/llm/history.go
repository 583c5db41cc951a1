package llm

import (
	"context"
	"strings"

	"github.com/rs/zerolog/log"
)

const (
	// ReservedForResponse is held back from the context window for the reply.
	ReservedForResponse = 2048
	minHistoryBudget    = 1024
)

// HistoryBudget returns the token budget for a rendered history.
func HistoryBudget(contextLength int) int {
	return max(minHistoryBudget, contextLength-ReservedForResponse)
}

// TokenCounter renders messages through the model's template and counts tokens.
type TokenCounter interface {
	CountTokens(ctx context.Context, messages []Message) (int, error)
}

// TruncateHistory keeps the system message plus the largest suffix starting
// at a user turn whose rendered size fits the budget. Suffixes the counter
// rejects (for example non-alternating roles) are skipped. When nothing
// fits, only the system message is returned.
func TruncateHistory(ctx context.Context, counter TokenCounter, contextLength int, history []Message) ([]Message, error) {
	if len(history) == 0 {
		return nil, nil
	}
	system := history[0]
	rest := history[1:]
	if len(rest) == 0 {
		return []Message{system}, nil
	}

	budget := HistoryBudget(contextLength)
	chosen := -1
	for i := len(rest) - 1; i >= 0; i-- {
		if rest[i].Role != RoleUser {
			continue
		}
		candidate := append([]Message{system}, rest[i:]...)
		tokens, err := counter.CountTokens(ctx, candidate)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			log.Debug().Err(err).Int("start", i+1).Msg("skipping unrenderable history suffix")
			continue
		}
		if tokens > budget {
			break
		}
		chosen = i
	}

	if chosen < 0 {
		return []Message{system}, nil
	}
	out := make([]Message, 0, len(rest)-chosen+1)
	out = append(out, system)
	return append(out, rest[chosen:]...), nil
}

func validRole(role string) bool {
	switch role {
	case RoleSystem, RoleUser, RoleAssistant:
		return true
	}
	return false
}

// SanitizeHistory drops entries with unknown roles and ensures element 0 is
// a system message, inserting systemPrompt when it is missing. The returned
// bool reports whether the input supplied its own system message.
func SanitizeHistory(history []Message, systemPrompt string) ([]Message, bool) {
	out := make([]Message, 0, len(history)+1)
	for _, m := range history {
		role := strings.ToLower(strings.TrimSpace(m.Role))
		if !validRole(role) {
			continue
		}
		out = append(out, Message{Role: role, Content: m.Content})
	}
	if len(out) == 0 {
		return nil, false
	}
	if out[0].Role == RoleSystem {
		return out, true
	}
	return append([]Message{{Role: RoleSystem, Content: systemPrompt}}, out...), false
}

func cloneMessages(in []Message) []Message {
	if in == nil {
		return nil
	}
	out := make([]Message, len(in))
	copy(out, in)
	return out
}
