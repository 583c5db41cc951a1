// Package bandit implements the tabular epsilon-greedy Q-learning policy
// that picks a (model, prompt profile) action for each call.
package bandit

import (
	"math"
	"math/rand"
	"sync"
	"time"
)

// Default learning parameters.
const (
	DefaultAlpha        = 0.2
	DefaultGamma        = 0.95
	DefaultEpsilon      = 0.2
	DefaultEpsilonMin   = 0.05
	DefaultEpsilonDecay = 0.995
)

// Params holds the learning parameters. Zero is a valid setting for every
// field; start from DefaultParams for the stock values.
type Params struct {
	Alpha        float64
	Gamma        float64
	Epsilon      float64
	EpsilonMin   float64
	EpsilonDecay float64
}

// DefaultParams returns the stock learning parameters.
func DefaultParams() Params {
	return Params{
		Alpha:        DefaultAlpha,
		Gamma:        DefaultGamma,
		Epsilon:      DefaultEpsilon,
		EpsilonMin:   DefaultEpsilonMin,
		EpsilonDecay: DefaultEpsilonDecay,
	}
}

// sanitize replaces negative or non-finite values with the defaults.
func (p Params) sanitize() Params {
	d := DefaultParams()
	p.Alpha = finiteOr(p.Alpha, d.Alpha)
	p.Gamma = finiteOr(p.Gamma, d.Gamma)
	p.Epsilon = finiteOr(p.Epsilon, d.Epsilon)
	p.EpsilonMin = finiteOr(p.EpsilonMin, d.EpsilonMin)
	p.EpsilonDecay = finiteOr(p.EpsilonDecay, d.EpsilonDecay)
	return p
}

func finiteOr(v, fallback float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
		return fallback
	}
	return v
}

// Option configures a Router.
type Option func(*Router)

// WithRand sets the random source used for exploration and tie-breaking.
func WithRand(r *rand.Rand) Option {
	return func(rt *Router) {
		rt.rng = r
	}
}

// WithEpsilon overrides exploration probability, including zero.
func WithEpsilon(epsilon float64) Option {
	return func(rt *Router) {
		rt.epsilon = epsilon
	}
}

// Router is the Q-learning policy. All methods are safe for concurrent use.
type Router struct {
	mu sync.Mutex

	actions      []string
	alpha        float64
	gamma        float64
	epsilon      float64
	epsilonMin   float64
	epsilonDecay float64
	q            map[string]map[string]float64
	rng          *rand.Rand
}

// New creates a router over a fixed action set.
func New(actionKeys []string, params Params, opts ...Option) *Router {
	params = params.sanitize()
	r := &Router{
		actions:      append([]string(nil), actionKeys...),
		alpha:        params.Alpha,
		gamma:        params.Gamma,
		epsilon:      params.Epsilon,
		epsilonMin:   params.EpsilonMin,
		epsilonDecay: params.EpsilonDecay,
		q:            make(map[string]map[string]float64),
		rng:          rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Actions returns the configured action keys.
func (r *Router) Actions() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.actions...)
}

// Epsilon returns the current exploration probability.
func (r *Router) Epsilon() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.epsilon
}

// ChooseAction picks an action for the observation. It returns "" only when
// no actions are configured.
func (r *Router) ChooseAction(obs Observation) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.actions) == 0 {
		return ""
	}
	row := r.ensureState(StateKey(obs))

	if r.rng.Float64() < r.epsilon {
		return r.actions[r.rng.Intn(len(r.actions))]
	}

	best := math.Inf(-1)
	var ties []string
	for _, action := range r.actions {
		v := row[action]
		switch {
		case v > best:
			best = v
			ties = append(ties[:0], action)
		case v == best:
			ties = append(ties, action)
		}
	}
	return ties[r.rng.Intn(len(ties))]
}

// Update applies one Q-learning step and decays epsilon.
func (r *Router) Update(obs Observation, action string, reward float64, next Observation, done bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if action == "" || len(r.actions) == 0 {
		return
	}
	row := r.ensureState(StateKey(obs))
	nextRow := r.ensureState(StateKey(next))

	maxNext := 0.0
	if !done {
		maxNext = math.Inf(-1)
		for _, a := range r.actions {
			maxNext = math.Max(maxNext, nextRow[a])
		}
	}

	qsa := row[action]
	target := reward + r.gamma*maxNext
	row[action] = qsa + r.alpha*(target-qsa)
	r.epsilon = math.Max(r.epsilonMin, r.epsilon*r.epsilonDecay)
}

// Values returns a copy of the action values for the observation's state.
func (r *Router) Values(obs Observation) map[string]float64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	row := r.ensureState(StateKey(obs))
	out := make(map[string]float64, len(row))
	for k, v := range row {
		out[k] = v
	}
	return out
}

// StateCount returns how many distinct states the table holds.
func (r *Router) StateCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.q)
}

// Reset clears the table and restores the initial exploration rate.
func (r *Router) Reset(epsilon float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.q = make(map[string]map[string]float64)
	r.epsilon = epsilon
}

// ensureState backfills missing actions with 0. Entries for actions that are
// no longer configured stay in the row but are never selected.
func (r *Router) ensureState(key string) map[string]float64 {
	row, ok := r.q[key]
	if !ok {
		row = make(map[string]float64, len(r.actions))
		r.q[key] = row
	}
	for _, action := range r.actions {
		if _, ok := row[action]; !ok {
			row[action] = 0
		}
	}
	return row
}
