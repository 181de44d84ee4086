package temporal

import (
	"testing"
	"time"

	"github.com/cuemby/cybersyn/pkg/clock"
	"github.com/cuemby/cybersyn/pkg/eventbus"
	"github.com/cuemby/cybersyn/pkg/eventstore"
	"github.com/cuemby/cybersyn/pkg/pattern"
	"github.com/cuemby/cybersyn/pkg/value"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedEvent(store *eventstore.Store, topic string, physical uint64, payload map[string]any) *eventbus.Event {
	m := make(map[string]value.Value, len(payload))
	for k, v := range payload {
		m[k] = value.Of(v)
	}
	e := &eventbus.Event{
		Topic:     topic,
		Timestamp: clock.Timestamp{Physical: physical, NodeID: "n"},
		Payload:   value.Map(m),
	}
	store.Append(e)
	return e
}

func TestThresholdCountsMatchesInWindow(t *testing.T) {
	store := eventstore.New(time.Hour, 100)
	for i := 0; i < 5; i++ {
		seedEvent(store, "t", uint64(1000+i*10), map[string]any{"temp": float64(20 + i)})
	}
	now := seedEvent(store, "t", 1100, map[string]any{"temp": 30.0})

	compiled, err := pattern.Compile(pattern.Spec{
		Kind:          "threshold",
		Field:         "payload.temp",
		WindowMS:      200,
		ThresholdOp:   pattern.OpGt,
		ThresholdVal:  21,
		RequiredCount: 3,
	})
	require.NoError(t, err)

	ev := New(store)
	ok, ctx := pattern.Match(compiled, now, ev)
	assert.True(t, ok)
	require.NotNil(t, ctx)
}

func TestThresholdBelowRequiredCountIsNoMatch(t *testing.T) {
	store := eventstore.New(time.Hour, 100)
	seedEvent(store, "t", 1000, map[string]any{"temp": 5.0})
	now := seedEvent(store, "t", 1010, map[string]any{"temp": 5.0})

	compiled, err := pattern.Compile(pattern.Spec{
		Kind:          "threshold",
		Field:         "payload.temp",
		WindowMS:      1000,
		ThresholdOp:   pattern.OpGt,
		ThresholdVal:  100,
		RequiredCount: 1,
	})
	require.NoError(t, err)

	ev := New(store)
	ok, _ := pattern.Match(compiled, now, ev)
	assert.False(t, ok)
}

func TestWithinRequiresAllChildrenToMatch(t *testing.T) {
	store := eventstore.New(time.Hour, 100)
	seedEvent(store, "t", 1000, map[string]any{"kind": "alarm"})
	seedEvent(store, "t", 1010, map[string]any{"kind": "ack"})
	now := seedEvent(store, "t", 1020, map[string]any{"kind": "ack"})

	alarmChild := pattern.Spec{Kind: "simple", Conditions: map[string]pattern.ValueSpec{"payload.kind": {Op: pattern.OpEq, Value: "alarm"}}}
	ackChild := pattern.Spec{Kind: "simple", Conditions: map[string]pattern.ValueSpec{"payload.kind": {Op: pattern.OpEq, Value: "ack"}}}

	compiled, err := pattern.Compile(pattern.Spec{Kind: "within", WindowMS: 1000, Children: []pattern.Spec{alarmChild, ackChild}})
	require.NoError(t, err)

	ev := New(store)
	ok, _ := pattern.Match(compiled, now, ev)
	assert.True(t, ok)
}

func TestTrendDetectsIncreasing(t *testing.T) {
	store := eventstore.New(time.Hour, 100)
	for i := 0; i < 6; i++ {
		seedEvent(store, "t", uint64(1000+i*100), map[string]any{"cpu": float64(10 + i*5)})
	}
	now := seedEvent(store, "t", 1700, map[string]any{"cpu": 50.0})

	compiled, err := pattern.Compile(pattern.Spec{
		Kind:           "trend",
		Field:          "payload.cpu",
		WindowMS:       2000,
		Direction:      "increasing",
		MinPoints:      3,
		SlopeThreshold: 0.001,
	})
	require.NoError(t, err)

	ev := New(store)
	ok, ctx := pattern.Match(compiled, now, ev)
	assert.True(t, ok)
	slope, _ := ctx.Bindings["trend_slope"].AsFloat64()
	assert.Greater(t, slope, 0.0)
}

func TestTrendWithFewerThanMinPointsReturnsInsufficientData(t *testing.T) {
	store := eventstore.New(time.Hour, 100)
	seedEvent(store, "t", 1000, map[string]any{"cpu": 10.0})
	now := seedEvent(store, "t", 1100, map[string]any{"cpu": 20.0})

	compiled, err := pattern.Compile(pattern.Spec{
		Kind:           "trend",
		Field:          "payload.cpu",
		WindowMS:       2000,
		Direction:      "increasing",
		MinPoints:      5,
		SlopeThreshold: 0.001,
	})
	require.NoError(t, err)

	ev := New(store)
	ok, ctx := pattern.Match(compiled, now, ev)
	assert.False(t, ok)
	require.NotNil(t, ctx)
	insufficient, _ := ctx.Bindings["insufficient_data"].AsBool()
	assert.True(t, insufficient)
}

func TestSequenceBuildsEarliestChain(t *testing.T) {
	store := eventstore.New(time.Hour, 100)
	seedEvent(store, "t", 1000, map[string]any{"kind": "login"})
	seedEvent(store, "t", 1050, map[string]any{"kind": "transfer"})
	now := seedEvent(store, "t", 1100, map[string]any{"kind": "logout"})

	loginStep := pattern.Spec{Kind: "simple", Conditions: map[string]pattern.ValueSpec{"payload.kind": {Op: pattern.OpEq, Value: "login"}}}
	transferStep := pattern.Spec{Kind: "simple", Conditions: map[string]pattern.ValueSpec{"payload.kind": {Op: pattern.OpEq, Value: "transfer"}}}

	compiled, err := pattern.Compile(pattern.Spec{
		Kind:          "sequence",
		MaxSequenceMS: 500,
		Children:      []pattern.Spec{loginStep, transferStep},
	})
	require.NoError(t, err)

	ev := New(store)
	ok, ctx := pattern.Match(compiled, now, ev)
	assert.True(t, ok)
	ids, _ := ctx.Bindings["sequence_event_ids"].AsString()
	_ = ids
}
