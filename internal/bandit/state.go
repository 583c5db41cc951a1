package bandit

import (
	"encoding/json"
	"fmt"
)

// State is the serialisable form of a Router.
type State struct {
	ActionKeys   []string                      `json:"actionKeys"`
	Alpha        float64                       `json:"alpha"`
	Gamma        float64                       `json:"gamma"`
	Epsilon      float64                       `json:"epsilon"`
	EpsilonMin   float64                       `json:"epsilonMin"`
	EpsilonDecay float64                       `json:"epsilonDecay"`
	Q            map[string]map[string]float64 `json:"q"`
}

// Snapshot returns a deep copy of the router's state.
func (r *Router) Snapshot() State {
	r.mu.Lock()
	defer r.mu.Unlock()

	q := make(map[string]map[string]float64, len(r.q))
	for state, row := range r.q {
		cp := make(map[string]float64, len(row))
		for k, v := range row {
			cp[k] = v
		}
		q[state] = cp
	}
	return State{
		ActionKeys:   append([]string(nil), r.actions...),
		Alpha:        r.alpha,
		Gamma:        r.gamma,
		Epsilon:      r.epsilon,
		EpsilonMin:   r.epsilonMin,
		EpsilonDecay: r.epsilonDecay,
		Q:            q,
	}
}

// FromState rebuilds a router with the persisted parameters, zeros
// included. A non-empty actionKeys overrides the persisted action set;
// every stored state is backfilled with 0 for actions it has not seen.
func FromState(s State, actionKeys []string, opts ...Option) *Router {
	actions := s.ActionKeys
	if len(actionKeys) > 0 {
		actions = actionKeys
	}
	r := New(actions, Params{
		Alpha:        s.Alpha,
		Gamma:        s.Gamma,
		Epsilon:      s.Epsilon,
		EpsilonMin:   s.EpsilonMin,
		EpsilonDecay: s.EpsilonDecay,
	}, opts...)

	for state, row := range s.Q {
		cp := make(map[string]float64, len(row))
		for k, v := range row {
			cp[k] = v
		}
		r.q[state] = cp
		r.ensureState(state)
	}
	return r
}

// MarshalState encodes a state as JSON.
func MarshalState(s State) ([]byte, error) {
	if s.Q == nil {
		s.Q = map[string]map[string]float64{}
	}
	return json.MarshalIndent(s, "", "  ")
}

// stateDocument mirrors State with optional parameters so that keys absent
// from older documents can be told apart from explicit zeros.
type stateDocument struct {
	ActionKeys   []string                      `json:"actionKeys"`
	Alpha        *float64                      `json:"alpha"`
	Gamma        *float64                      `json:"gamma"`
	Epsilon      *float64                      `json:"epsilon"`
	EpsilonMin   *float64                      `json:"epsilonMin"`
	EpsilonDecay *float64                      `json:"epsilonDecay"`
	Q            map[string]map[string]float64 `json:"q"`
}

// UnmarshalState decodes a JSON state document. Parameters missing from the
// document take their defaults; explicit values, zero included, are kept.
func UnmarshalState(data []byte) (State, error) {
	var doc stateDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return State{}, fmt.Errorf("decode router state: %w", err)
	}
	d := DefaultParams()
	return State{
		ActionKeys:   doc.ActionKeys,
		Alpha:        valueOr(doc.Alpha, d.Alpha),
		Gamma:        valueOr(doc.Gamma, d.Gamma),
		Epsilon:      valueOr(doc.Epsilon, d.Epsilon),
		EpsilonMin:   valueOr(doc.EpsilonMin, d.EpsilonMin),
		EpsilonDecay: valueOr(doc.EpsilonDecay, d.EpsilonDecay),
		Q:            doc.Q,
	}, nil
}

func valueOr(v *float64, fallback float64) float64 {
	if v == nil {
		return fallback
	}
	return *v
}
