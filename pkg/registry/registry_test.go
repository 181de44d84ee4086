package registry

import (
	"testing"
	"time"

	"github.com/cuemby/cybersyn/pkg/algedonic"
	"github.com/cuemby/cybersyn/pkg/clock"
	"github.com/cuemby/cybersyn/pkg/eventbus"
	"github.com/cuemby/cybersyn/pkg/pattern"
	"github.com/cuemby/cybersyn/pkg/value"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEvent(status string) *eventbus.Event {
	return &eventbus.Event{
		Topic:     "sensor",
		Timestamp: clock.Timestamp{Physical: 1, NodeID: "n"},
		Payload:   value.Map(map[string]value.Value{"status": value.Str(status)}),
	}
}

func TestLoadDomainAutoActivatesCritical(t *testing.T) {
	clk := clock.New("n")
	bus := eventbus.New(clk)
	r := New(bus, nil, nil)

	specs := map[string]pattern.Spec{
		"overheat": {Kind: "simple", Conditions: map[string]pattern.ValueSpec{"payload.status": {Op: pattern.OpEq, Value: "critical"}}},
	}
	severities := map[string]Severity{"overheat": SeverityCritical}
	require.NoError(t, r.LoadDomain(specs, severities, nil))

	assert.Equal(t, []string{"overheat"}, r.ActiveNames())
}

func TestEvaluateOrdersBySeverityAndUpdatesStats(t *testing.T) {
	clk := clock.New("n")
	bus := eventbus.New(clk)
	r := New(bus, nil, nil)

	specs := map[string]pattern.Spec{
		"low":  {Kind: "simple", Conditions: map[string]pattern.ValueSpec{"payload.status": {Op: pattern.OpEq, Value: "critical"}}},
		"high": {Kind: "simple", Conditions: map[string]pattern.ValueSpec{"payload.status": {Op: pattern.OpEq, Value: "critical"}}},
	}
	severities := map[string]Severity{"low": SeverityLow, "high": SeverityHigh}
	require.NoError(t, r.LoadDomain(specs, severities, nil))
	r.Activate("low")
	r.Activate("high")

	matches := r.Evaluate(newTestEvent("critical"))
	require.Len(t, matches, 2)
	assert.Equal(t, "high", matches[0].PatternName)

	stats, ok := r.Stats("high")
	require.True(t, ok)
	assert.Equal(t, int64(1), stats.Matches)
}

func TestDispatchMappingDebounces(t *testing.T) {
	clk := clock.New("n")
	bus := eventbus.New(clk)
	ch := algedonic.New(time.Hour)
	received := make(chan algedonic.Signal, 10)
	ch.Subscribe(func(s algedonic.Signal) { received <- s })
	ch.Start()
	defer ch.Stop()

	r := New(bus, ch, nil)
	r.debounce = 50 * time.Millisecond
	mapping := &AlgedonicMapping{PainLevel: 0.5, Urgency: 2, Target: algedonic.TargetS3}
	specs := map[string]pattern.Spec{
		"rule": {Kind: "simple", Conditions: map[string]pattern.ValueSpec{"payload.status": {Op: pattern.OpEq, Value: "critical"}}},
	}
	require.NoError(t, r.LoadDomain(specs, map[string]Severity{"rule": SeverityHigh}, map[string]*AlgedonicMapping{"rule": mapping}))
	r.Activate("rule")

	r.Evaluate(newTestEvent("critical"))
	r.Evaluate(newTestEvent("critical"))

	require.Eventually(t, func() bool { return len(received) >= 1 }, time.Second, 10*time.Millisecond)
	assert.LessOrEqual(t, len(received), 1)
}

func TestDeactivateRemovesFromActiveList(t *testing.T) {
	clk := clock.New("n")
	bus := eventbus.New(clk)
	r := New(bus, nil, nil)
	specs := map[string]pattern.Spec{
		"p": {Kind: "simple", Conditions: map[string]pattern.ValueSpec{"payload.status": {Op: pattern.OpEq, Value: "x"}}},
	}
	require.NoError(t, r.LoadDomain(specs, map[string]Severity{"p": SeverityLow}, nil))
	r.Activate("p")
	assert.Len(t, r.ActiveNames(), 1)
	r.Deactivate("p")
	assert.Empty(t, r.ActiveNames())
}
