package llm

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type counterFunc func(messages []Message) (int, error)

func (f counterFunc) CountTokens(_ context.Context, messages []Message) (int, error) {
	return f(messages)
}

func fivePairs() []Message {
	history := []Message{{Role: RoleSystem, Content: "sys"}}
	for i := 1; i <= 5; i++ {
		history = append(history,
			Message{Role: RoleUser, Content: fmt.Sprintf("turn%d-user", i)},
			Message{Role: RoleAssistant, Content: fmt.Sprintf("turn%d-assistant", i)},
		)
	}
	return history
}

func TestTruncateHistoryKeepsLargestFittingSuffix(t *testing.T) {
	// 300 tokens per message; the budget fits system plus two pairs.
	counter := counterFunc(func(m []Message) (int, error) { return len(m) * 300, nil })
	contextLength := ReservedForResponse + 1500

	got, err := TruncateHistory(context.Background(), counter, contextLength, fivePairs())
	require.NoError(t, err)
	assert.Equal(t, []Message{
		{Role: RoleSystem, Content: "sys"},
		{Role: RoleUser, Content: "turn4-user"},
		{Role: RoleAssistant, Content: "turn4-assistant"},
		{Role: RoleUser, Content: "turn5-user"},
		{Role: RoleAssistant, Content: "turn5-assistant"},
	}, got)
}

func TestTruncateHistorySkipsUnrenderableSuffix(t *testing.T) {
	counter := counterFunc(func(m []Message) (int, error) {
		if len(m) == 3 {
			return 0, errors.New("template render failed")
		}
		return len(m) * 300, nil
	})

	got, err := TruncateHistory(context.Background(), counter, ReservedForResponse+1500, fivePairs())
	require.NoError(t, err)
	require.Len(t, got, 5)
	assert.Equal(t, "turn4-user", got[1].Content)
}

func TestTruncateHistoryNothingFits(t *testing.T) {
	counter := counterFunc(func(m []Message) (int, error) { return 1 << 20, nil })

	got, err := TruncateHistory(context.Background(), counter, 4096, fivePairs())
	require.NoError(t, err)
	assert.Equal(t, []Message{{Role: RoleSystem, Content: "sys"}}, got)
}

func TestTruncateHistorySystemOnly(t *testing.T) {
	counter := counterFunc(func(m []Message) (int, error) { t.Fatal("counter should not be called"); return 0, nil })
	got, err := TruncateHistory(context.Background(), counter, 4096, []Message{{Role: RoleSystem, Content: "sys"}})
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestHistoryBudget(t *testing.T) {
	assert.Equal(t, 1024, HistoryBudget(2048))
	assert.Equal(t, 1024, HistoryBudget(0))
	assert.Equal(t, 6144, HistoryBudget(8192))
}

func TestSanitizeHistory(t *testing.T) {
	out, hasSystem := SanitizeHistory([]Message{{Role: " User ", Content: "hi"}, {Role: "tool", Content: "x"}}, "sys")
	assert.False(t, hasSystem)
	assert.Equal(t, []Message{{Role: RoleSystem, Content: "sys"}, {Role: RoleUser, Content: "hi"}}, out)

	out, hasSystem = SanitizeHistory([]Message{{Role: "tool", Content: "x"}}, "sys")
	assert.Nil(t, out)
	assert.False(t, hasSystem)
}
