package adaptive

import (
	"strings"
)

// RewardConfig weights the outcome of a routed call.
type RewardConfig struct {
	Success          float64
	Failure          float64
	Schema           float64
	FollowUp         float64
	ScoreWeight      float64
	StepPenalty      float64
	DefaultModelCost float64
	ModelCosts       map[string]float64
}

// DefaultRewardConfig returns the stock reward shaping.
func DefaultRewardConfig() RewardConfig {
	return RewardConfig{
		Success:          1.0,
		Failure:          -1.5,
		Schema:           -0.5,
		FollowUp:         -0.2,
		ScoreWeight:      0.01,
		StepPenalty:      0.1,
		DefaultModelCost: 1.0,
	}
}

func (r RewardConfig) isZero() bool {
	return r.Success == 0 && r.Failure == 0 && r.Schema == 0 && r.FollowUp == 0 &&
		r.ScoreWeight == 0 && r.StepPenalty == 0 && r.DefaultModelCost == 0 && len(r.ModelCosts) == 0
}

// ModelCost returns the configured cost of model, matching keys
// case-insensitively, or DefaultModelCost.
func (r RewardConfig) ModelCost(model string) float64 {
	if cost, ok := r.ModelCosts[model]; ok {
		return cost
	}
	for key, cost := range r.ModelCosts {
		if strings.EqualFold(key, model) {
			return cost
		}
	}
	return r.DefaultModelCost
}

// Outcome is what the router learns from one call.
type Outcome struct {
	Model     string
	Failed    bool
	ErrorKind string
	// Score and FollowUpNeeded come from the performance tracker and may be nil.
	Score          *float64
	FollowUpNeeded *bool
	// SchemaValid is nil when no schema applied.
	SchemaValid *bool
}

// Reward scores an outcome. Every call pays the model cost and the step
// penalty. Failures add the failure penalty (plus the schema penalty for
// schema failures) and stop there. Successes add the success reward, the
// weighted score, the follow-up penalty when a follow-up is needed, and the
// schema penalty when validation explicitly failed. A missing score adds
// nothing.
func (r RewardConfig) Reward(o Outcome) float64 {
	reward := -r.ModelCost(o.Model) - r.StepPenalty

	if o.Failed {
		reward += r.Failure
		if o.ErrorKind == "schema" {
			reward += r.Schema
		}
		return reward
	}

	reward += r.Success
	if o.Score != nil {
		reward += *o.Score * r.ScoreWeight
	}
	if o.FollowUpNeeded != nil && *o.FollowUpNeeded {
		reward += r.FollowUp
	}
	if o.SchemaValid != nil && !*o.SchemaValid {
		reward += r.Schema
	}
	return reward
}
