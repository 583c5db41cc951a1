package bandit

import (
	"math"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testActions = []string{"phi::default", "phi::terse", "devstral::default"}

func seeded(seed int64) Option {
	return WithRand(rand.New(rand.NewSource(seed)))
}

func sampleObs() Observation {
	return Observation{
		Mode:       "analysis",
		SchemaID:   "log-analysis@v2",
		Step:       1,
		LastStatus: StatusUnknown,
		SizeBucket: SizeBucket(200),
		Scope:      "main",
	}
}

func TestBuckets(t *testing.T) {
	t.Run("step", func(t *testing.T) {
		assert.Equal(t, "early", StepBucket(0))
		assert.Equal(t, "early", StepBucket(1))
		assert.Equal(t, "mid", StepBucket(2))
		assert.Equal(t, "mid", StepBucket(3))
		assert.Equal(t, "late", StepBucket(4))
	})

	t.Run("size", func(t *testing.T) {
		assert.Equal(t, "small", SizeBucket(1500))
		assert.Equal(t, "medium", SizeBucket(1501))
		assert.Equal(t, "medium", SizeBucket(6000))
		assert.Equal(t, "large", SizeBucket(6001))
	})

	t.Run("duration", func(t *testing.T) {
		assert.Equal(t, "unknown", DurationBucket(0))
		assert.Equal(t, "fast", DurationBucket(5*time.Second))
		assert.Equal(t, "normal", DurationBucket(6*time.Second))
		assert.Equal(t, "slow", DurationBucket(31*time.Second))
	})
}

func TestStateKey(t *testing.T) {
	key := StateKey(Observation{
		Mode:     "Plan|B",
		SchemaID: "Prompt-Plan@1.2",
		Step:     5,
	})
	assert.Equal(t, "plan-b|prompt-plan|late|unknown|none|medium|unknown|unknown|unknown|unknown", key)
	assert.Equal(t, "none", NormalizeSchemaID(""))
}

func TestActionKey(t *testing.T) {
	assert.Equal(t, "phi::default", ActionKey("phi", ""))
	model, profile := ParseActionKey("org/model::terse")
	assert.Equal(t, "org/model", model)
	assert.Equal(t, "terse", profile)
}

func TestChooseActionEmpty(t *testing.T) {
	r := New(nil, DefaultParams())
	assert.Equal(t, "", r.ChooseAction(sampleObs()))
}

func TestChooseActionGreedy(t *testing.T) {
	r := New(testActions, DefaultParams(), WithEpsilon(0), seeded(1))
	obs := sampleObs()
	r.q[StateKey(obs)] = map[string]float64{"phi::terse": 5, "phi::default": -1}

	for i := 0; i < 50; i++ {
		assert.Equal(t, "phi::terse", r.ChooseAction(obs))
	}
}

func TestChooseActionBreaksTiesRandomly(t *testing.T) {
	r := New(testActions, DefaultParams(), WithEpsilon(0), seeded(7))
	seen := map[string]int{}
	for i := 0; i < 300; i++ {
		seen[r.ChooseAction(sampleObs())]++
	}
	assert.Len(t, seen, len(testActions))
}

func TestChooseActionExploresUniformly(t *testing.T) {
	r := New(testActions, DefaultParams(), WithEpsilon(1), seeded(42))
	obs := sampleObs()
	r.q[StateKey(obs)] = map[string]float64{"phi::default": 100}

	const trials = 6000
	counts := map[string]int{}
	for i := 0; i < trials; i++ {
		counts[r.ChooseAction(obs)]++
	}
	expected := float64(trials) / float64(len(testActions))
	for _, a := range testActions {
		assert.InDelta(t, expected, float64(counts[a]), expected*0.1, "action %s", a)
	}
}

func TestUpdateTerminal(t *testing.T) {
	r := New(testActions, DefaultParams(), WithEpsilon(0))
	obs := sampleObs()
	next := obs
	next.Step = 2

	r.Update(obs, "phi::default", 10, next, true)

	values := r.Values(obs)
	assert.InDelta(t, DefaultAlpha*10, values["phi::default"], 1e-9)
	assert.Equal(t, 0.0, values["phi::terse"])
	assert.Equal(t, 0.0, values["devstral::default"])
}

func TestUpdateBootstraps(t *testing.T) {
	r := New(testActions, Params{Alpha: 0.5, Gamma: 0.9})
	obs := sampleObs()
	next := obs
	next.Step = 2
	next.LastStatus = StatusOK

	r.Update(next, "phi::default", 4, next, true) // Q[next][phi] = 2
	r.Update(obs, "phi::terse", 1, next, false)

	// 0 + 0.5 * (1 + 0.9*2 - 0)
	assert.InDelta(t, 1.4, r.Values(obs)["phi::terse"], 1e-9)
}

func TestEpsilonDecay(t *testing.T) {
	r := New(testActions, Params{Epsilon: 0.06, EpsilonMin: 0.05, EpsilonDecay: 0.5})
	obs := sampleObs()

	r.Update(obs, "phi::default", 0, obs, true)
	assert.Equal(t, 0.05, r.Epsilon())

	r.Update(obs, "phi::default", 0, obs, true)
	assert.Equal(t, 0.05, r.Epsilon())
}

func TestUpdateIgnoresEmptyAction(t *testing.T) {
	r := New(testActions, DefaultParams())
	r.Update(sampleObs(), "", 1, sampleObs(), true)
	assert.Equal(t, DefaultEpsilon, r.Epsilon())
	assert.Equal(t, 0, r.StateCount())
}

func TestStateRoundTrip(t *testing.T) {
	r := New(testActions, DefaultParams(), WithEpsilon(0), seeded(3))
	obs := sampleObs()
	r.Update(obs, "devstral::default", 3, obs, true)
	r.Update(obs, "phi::default", -2, obs, true)

	data, err := MarshalState(r.Snapshot())
	require.NoError(t, err)

	decoded, err := UnmarshalState(data)
	require.NoError(t, err)
	restored := FromState(decoded, testActions, seeded(3))

	assert.Equal(t, r.Snapshot(), restored.Snapshot())
	for i := 0; i < 20; i++ {
		assert.Equal(t, r.ChooseAction(obs), restored.ChooseAction(obs))
	}
}

func TestFromStateBackfillsNewActions(t *testing.T) {
	state := State{
		ActionKeys: []string{"phi::default", "old::default"},
		Alpha:      0.3,
		Epsilon:    0.1,
		Q: map[string]map[string]float64{
			"s1": {"phi::default": 1.5, "old::default": 0.7},
		},
	}

	r := FromState(state, []string{"phi::default", "granite::default"})
	snap := r.Snapshot()

	assert.Equal(t, []string{"phi::default", "granite::default"}, snap.ActionKeys)
	assert.Equal(t, 0.3, snap.Alpha)
	assert.Equal(t, 0.1, snap.Epsilon)
	// Parameters are restored as stored, so an unset gamma stays 0.
	assert.Equal(t, 0.0, snap.Gamma)
	assert.Equal(t, 1.5, snap.Q["s1"]["phi::default"])
	assert.Equal(t, 0.0, snap.Q["s1"]["granite::default"])
	// Dropped actions linger until the state is reset.
	assert.Equal(t, 0.7, snap.Q["s1"]["old::default"])
}

func TestFromStateKeepsPersistedActions(t *testing.T) {
	r := FromState(State{ActionKeys: []string{"a::default"}}, nil)
	assert.Equal(t, []string{"a::default"}, r.Actions())
}

func TestStaleActionsAreNeverChosen(t *testing.T) {
	obs := sampleObs()
	state := State{
		Q: map[string]map[string]float64{
			StateKey(obs): {"gone::default": 99},
		},
	}
	r := FromState(state, []string{"phi::default"}, WithEpsilon(0))
	assert.Equal(t, "phi::default", r.ChooseAction(obs))
}

func TestReset(t *testing.T) {
	r := New(testActions, DefaultParams())
	r.Update(sampleObs(), "phi::default", 1, sampleObs(), true)
	require.Equal(t, 1, r.StateCount())

	r.Reset(DefaultEpsilon)
	assert.Equal(t, 0, r.StateCount())
	assert.Equal(t, DefaultEpsilon, r.Epsilon())
	assert.False(t, math.IsNaN(r.Epsilon()))
}

func TestNewKeepsZeroParams(t *testing.T) {
	r := New(testActions, Params{Alpha: 0.5}, seeded(3))
	snap := r.Snapshot()
	assert.Equal(t, 0.5, snap.Alpha)
	assert.Equal(t, 0.0, snap.Gamma)
	assert.Equal(t, 0.0, snap.Epsilon)
	assert.Equal(t, 0.0, snap.EpsilonMin)
	assert.Equal(t, 0.0, snap.EpsilonDecay)

	// With epsilon 0 the greedy action always wins.
	obs := sampleObs()
	r.Update(obs, "devstral::default", 1, obs, true)
	for i := 0; i < 50; i++ {
		require.Equal(t, "devstral::default", r.ChooseAction(obs))
	}

	// Gamma 0 ignores the next state's value.
	next := obs
	next.Step = 4
	r.Update(next, "phi::default", 10, next, true)
	r.Update(obs, "phi::terse", 1, next, false)
	assert.InDelta(t, 0.5, r.Values(obs)["phi::terse"], 1e-9)
}

func TestParamsFallBackOnInvalidValues(t *testing.T) {
	r := New(testActions, Params{
		Alpha:        math.NaN(),
		Gamma:        -1,
		Epsilon:      math.Inf(1),
		EpsilonMin:   0,
		EpsilonDecay: 0.9,
	})
	snap := r.Snapshot()
	assert.Equal(t, DefaultAlpha, snap.Alpha)
	assert.Equal(t, DefaultGamma, snap.Gamma)
	assert.Equal(t, DefaultEpsilon, snap.Epsilon)
	assert.Equal(t, 0.0, snap.EpsilonMin)
	assert.Equal(t, 0.9, snap.EpsilonDecay)
}

func TestZeroParamsSurviveRoundTrip(t *testing.T) {
	r := New(testActions, Params{Alpha: 0.4, EpsilonDecay: 0.99})
	r.Update(sampleObs(), "phi::terse", 1, sampleObs(), true)

	data, err := MarshalState(r.Snapshot())
	require.NoError(t, err)
	decoded, err := UnmarshalState(data)
	require.NoError(t, err)
	assert.Equal(t, 0.0, decoded.Epsilon)
	assert.Equal(t, 0.0, decoded.EpsilonMin)
	assert.Equal(t, 0.0, decoded.Gamma)

	restored := FromState(decoded, nil).Snapshot()
	assert.Equal(t, r.Snapshot(), restored)
	assert.Equal(t, 0.0, restored.Epsilon)
	assert.Equal(t, 0.0, restored.EpsilonMin)
	assert.Equal(t, 0.0, restored.Gamma)
}

func TestUnmarshalStateDefaultsMissingParams(t *testing.T) {
	decoded, err := UnmarshalState([]byte(`{"actionKeys":["phi::default"],"alpha":0.3,"epsilon":0}`))
	require.NoError(t, err)
	assert.Equal(t, 0.3, decoded.Alpha)
	assert.Equal(t, 0.0, decoded.Epsilon)
	assert.Equal(t, DefaultGamma, decoded.Gamma)
	assert.Equal(t, DefaultEpsilonMin, decoded.EpsilonMin)
	assert.Equal(t, DefaultEpsilonDecay, decoded.EpsilonDecay)
}
