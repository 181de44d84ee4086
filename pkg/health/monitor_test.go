package health

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/cybersyn/pkg/clock"
	"github.com/cuemby/cybersyn/pkg/eventbus"
)

func TestReportPublishesOnlyOnTransition(t *testing.T) {
	clk := clock.New("n")
	bus := eventbus.New(clk)
	received := make(chan *eventbus.Event, 10)
	bus.Subscribe("health_check_response", func(e *eventbus.Event) { received <- e }, eventbus.SubscribeOptions{})

	m := NewMonitor(bus)
	cfg := Config{Retries: 1}

	m.Report("hnsw", Result{Healthy: true, CheckedAt: time.Now()}, cfg)
	select {
	case <-received:
		t.Fatal("first report from unknown-to-healthy with no prior failure should not fire a transition publish for an already-healthy default")
	case <-time.After(50 * time.Millisecond):
	}

	m.Report("hnsw", Result{Healthy: false, Message: "save failed", CheckedAt: time.Now()}, cfg)
	select {
	case e := <-received:
		status, ok := e.Field("payload.status")
		require.True(t, ok)
		s, _ := status.AsString()
		assert.Equal(t, "unhealthy", s)
	case <-time.After(time.Second):
		t.Fatal("expected a transition publish on going unhealthy")
	}

	m.Report("hnsw", Result{Healthy: true, CheckedAt: time.Now()}, cfg)
	select {
	case e := <-received:
		status, _ := e.Field("payload.status")
		s, _ := status.AsString()
		assert.Equal(t, "healthy", s)
	case <-time.After(time.Second):
		t.Fatal("expected a transition publish on recovering to healthy")
	}
}

func TestSnapshotReturnsLastReport(t *testing.T) {
	m := NewMonitor(nil)
	m.Report("registry", Result{Healthy: true, CheckedAt: time.Now()}, Config{Retries: 1})
	snap, ok := m.Snapshot("registry")
	require.True(t, ok)
	assert.True(t, snap.Healthy)

	_, ok = m.Snapshot("unknown")
	assert.False(t, ok)
}
