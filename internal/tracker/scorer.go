package tracker

import (
	"context"
	"strings"

	"github.com/normanking/miniphi/internal/llm"
)

// HeuristicScorer rates an exchange from what the client observed: errors
// score 0, schema failures 40, clean answers 100 minus a small penalty for
// hedging phrases. A follow-up is needed when the answer failed or asks the
// user for more input.
type HeuristicScorer struct{}

var followUpMarkers = []string{
	"could you clarify",
	"can you provide",
	"please provide",
	"need more information",
	"let me know",
}

func (HeuristicScorer) Score(ctx context.Context, ex *llm.Exchange) (*llm.PerformanceSummary, error) {
	score := 100.0
	followUp := false

	switch {
	case ex.Error != "":
		score = 0
		followUp = true
	case ex.Validation != nil && !ex.Validation.Valid:
		score = 40
		followUp = true
	default:
		lower := strings.ToLower(ex.Text)
		for _, marker := range followUpMarkers {
			if strings.Contains(lower, marker) {
				followUp = true
				score -= 20
				break
			}
		}
		if ex.Validation != nil && ex.Validation.PreambleDetected {
			score -= 10
		}
	}
	return &llm.PerformanceSummary{Score: &score, FollowUpNeeded: &followUp}, nil
}
