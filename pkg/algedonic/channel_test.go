package algedonic

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCriticalIntensityBypassesToTarget(t *testing.T) {
	c := New(5 * time.Second)
	var got Signal
	var mu sync.Mutex
	done := make(chan struct{})
	c.SubscribeBypass(TargetS5, func(s Signal) {
		mu.Lock()
		got = s
		mu.Unlock()
		close(done)
	})

	c.Emit(Signal{Valence: -0.2, Intensity: 0.95, Source: "s1", Kind: "overload", Target: TargetS5})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("bypass handler not invoked")
	}
	mu.Lock()
	defer mu.Unlock()
	assert.True(t, got.BypassHierarchy)
}

func TestHighPainBypasses(t *testing.T) {
	c := New(5 * time.Second)
	done := make(chan struct{})
	c.SubscribeBypass(TargetS3, func(s Signal) { close(done) })

	c.Emit(Signal{Valence: -0.85, Intensity: 0.3, Source: "s2", Kind: "fault", Target: TargetS3})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("expected pain bypass")
	}
}

func TestNonCriticalSignalDrainsInSeverityOrder(t *testing.T) {
	c := New(50 * time.Millisecond)
	var mu sync.Mutex
	var order []int
	c.Subscribe(func(s Signal) {
		mu.Lock()
		order = append(order, s.Urgency)
		mu.Unlock()
	})

	// Queue both signals before the owner goroutine starts draining, so the
	// drain sees them together and must order them by severity.
	c.Emit(Signal{Intensity: 0.1, Urgency: 1, Source: "a", Kind: "x"})
	c.Emit(Signal{Intensity: 0.1, Urgency: 5, Source: "b", Kind: "y"})
	c.Start()
	defer c.Stop()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 2
	}, time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 5, order[0])
	assert.Equal(t, 1, order[1])
}

func TestDebounceCoalescesBySameSourceKind(t *testing.T) {
	c := New(100 * time.Millisecond)
	var mu sync.Mutex
	var received []float64
	c.Subscribe(func(s Signal) {
		mu.Lock()
		received = append(received, s.Intensity)
		mu.Unlock()
	})
	c.Start()
	defer c.Stop()

	c.Emit(Signal{Intensity: 0.2, Source: "s", Kind: "k"})
	c.Emit(Signal{Intensity: 0.5, Source: "s", Kind: "k"})
	c.Emit(Signal{Intensity: 0.3, Source: "s", Kind: "k"})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) >= 2
	}, 2*time.Second, 20*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, received, 0.5)
}
