package pattern

import (
	"testing"

	"github.com/cuemby/cybersyn/pkg/clock"
	"github.com/cuemby/cybersyn/pkg/eventbus"
	"github.com/cuemby/cybersyn/pkg/value"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testEvent(payload map[string]any) *eventbus.Event {
	m := make(map[string]value.Value, len(payload))
	for k, v := range payload {
		m[k] = value.Of(v)
	}
	return &eventbus.Event{
		Topic:     "sensor.temp",
		Timestamp: clock.Timestamp{Physical: 1, NodeID: "n"},
		Payload:   value.Map(m),
	}
}

func TestCompileSimpleRequiresConditions(t *testing.T) {
	_, err := Compile(Spec{Kind: "simple"})
	require.Error(t, err)
}

func TestSimpleMatchEq(t *testing.T) {
	compiled, err := Compile(Spec{
		Kind:       "simple",
		Conditions: map[string]ValueSpec{"payload.status": {Op: OpEq, Value: "critical"}},
	})
	require.NoError(t, err)

	ok, ctx := Match(compiled, testEvent(map[string]any{"status": "critical"}), nil)
	assert.True(t, ok)
	require.NotNil(t, ctx)

	ok, _ = Match(compiled, testEvent(map[string]any{"status": "nominal"}), nil)
	assert.False(t, ok)
}

func TestSimpleMatchMissingFieldIsNoMatch(t *testing.T) {
	compiled, err := Compile(Spec{
		Kind:       "simple",
		Conditions: map[string]ValueSpec{"payload.missing": {Op: OpEq, Value: 1}},
	})
	require.NoError(t, err)

	ok, _ := Match(compiled, testEvent(map[string]any{"status": "critical"}), nil)
	assert.False(t, ok)
}

func TestGtLtRange(t *testing.T) {
	gt, err := Compile(Spec{Kind: "simple", Conditions: map[string]ValueSpec{"payload.temp": {Op: OpGt, Value: 10.0}}})
	require.NoError(t, err)
	ok, _ := Match(gt, testEvent(map[string]any{"temp": 15.0}), nil)
	assert.True(t, ok)
	ok, _ = Match(gt, testEvent(map[string]any{"temp": 5.0}), nil)
	assert.False(t, ok)

	rng, err := Compile(Spec{Kind: "simple", Conditions: map[string]ValueSpec{"payload.temp": {Op: OpRange, Min: 0.0, Max: 10.0}}})
	require.NoError(t, err)
	ok, _ = Match(rng, testEvent(map[string]any{"temp": 5.0}), nil)
	assert.True(t, ok)
	ok, _ = Match(rng, testEvent(map[string]any{"temp": 20.0}), nil)
	assert.False(t, ok)
}

func TestRegexAndContains(t *testing.T) {
	re, err := Compile(Spec{Kind: "simple", Conditions: map[string]ValueSpec{"payload.msg": {Op: OpRegex, Regex: "^err-\\d+$"}}})
	require.NoError(t, err)
	ok, _ := Match(re, testEvent(map[string]any{"msg": "err-42"}), nil)
	assert.True(t, ok)

	contains, err := Compile(Spec{Kind: "simple", Conditions: map[string]ValueSpec{"payload.msg": {Op: OpContains, Value: "timeout"}}})
	require.NoError(t, err)
	ok, _ = Match(contains, testEvent(map[string]any{"msg": "request timeout on node-3"}), nil)
	assert.True(t, ok)
}

func TestInvalidRegexFails(t *testing.T) {
	_, err := Compile(Spec{Kind: "simple", Conditions: map[string]ValueSpec{"payload.msg": {Op: OpRegex, Regex: "(unterminated"}}})
	require.Error(t, err)
}

func TestAndShortCircuitsAndMergesContext(t *testing.T) {
	compiled, err := Compile(Spec{
		Kind: "and",
		Children: []Spec{
			{Kind: "simple", Conditions: map[string]ValueSpec{"payload.a": {Op: OpEq, Value: 1.0}}},
			{Kind: "simple", Conditions: map[string]ValueSpec{"payload.b": {Op: OpEq, Value: 2.0}}},
		},
	})
	require.NoError(t, err)

	ok, ctx := Match(compiled, testEvent(map[string]any{"a": 1.0, "b": 2.0}), nil)
	require.True(t, ok)
	assert.Len(t, ctx.Bindings, 2)

	ok, _ = Match(compiled, testEvent(map[string]any{"a": 1.0, "b": 3.0}), nil)
	assert.False(t, ok)
}

func TestOrMatchesAnyChild(t *testing.T) {
	compiled, err := Compile(Spec{
		Kind: "or",
		Children: []Spec{
			{Kind: "simple", Conditions: map[string]ValueSpec{"payload.a": {Op: OpEq, Value: 1.0}}},
			{Kind: "simple", Conditions: map[string]ValueSpec{"payload.b": {Op: OpEq, Value: 2.0}}},
		},
	})
	require.NoError(t, err)

	ok, _ := Match(compiled, testEvent(map[string]any{"a": 9.0, "b": 2.0}), nil)
	assert.True(t, ok)

	ok, _ = Match(compiled, testEvent(map[string]any{"a": 9.0, "b": 9.0}), nil)
	assert.False(t, ok)
}

func TestEmptyAndVacuouslyMatches(t *testing.T) {
	compiled, err := Compile(Spec{Kind: "and", Children: []Spec{}})
	require.NoError(t, err)

	ok, _ := Match(compiled, testEvent(map[string]any{}), nil)
	assert.True(t, ok)
}

func TestEmptyOrNeverMatches(t *testing.T) {
	compiled, err := Compile(Spec{Kind: "or", Children: []Spec{}})
	require.NoError(t, err)

	ok, _ := Match(compiled, testEvent(map[string]any{}), nil)
	assert.False(t, ok)
}

func TestNotInvertsChild(t *testing.T) {
	compiled, err := Compile(Spec{
		Kind:     "not",
		Children: []Spec{{Kind: "simple", Conditions: map[string]ValueSpec{"payload.a": {Op: OpEq, Value: 1.0}}}},
	})
	require.NoError(t, err)

	ok, ctx := Match(compiled, testEvent(map[string]any{"a": 2.0}), nil)
	assert.True(t, ok)
	assert.Equal(t, "not", ctx.Operator)

	ok, _ = Match(compiled, testEvent(map[string]any{"a": 1.0}), nil)
	assert.False(t, ok)
}

func TestTemporalWithoutEvaluatorIsNoMatch(t *testing.T) {
	compiled, err := Compile(Spec{Kind: "threshold", Field: "payload.temp", ThresholdOp: OpGt, ThresholdVal: 10, RequiredCount: 3})
	require.NoError(t, err)

	ok, _ := Match(compiled, testEvent(map[string]any{"temp": 20.0}), nil)
	assert.False(t, ok)
}
