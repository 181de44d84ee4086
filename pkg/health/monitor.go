package health

import (
	"sync"
	"time"

	"github.com/cuemby/cybersyn/pkg/eventbus"
	"github.com/cuemby/cybersyn/pkg/metrics"
	"github.com/cuemby/cybersyn/pkg/value"
)

// Monitor tracks per-component health status and publishes a
// health_check_response event onto the fabric each time a component
// transitions between healthy and unhealthy, mirroring the way the
// per-container health monitor drives its owner's state machine but
// generalized to the fabric's own subsystems (event bus, event store,
// HNSW index, pattern registry) instead of running containers.
type Monitor struct {
	bus *eventbus.Bus

	mu       sync.Mutex
	statuses map[string]*Status
	configs  map[string]Config
}

// NewMonitor builds a Monitor that publishes transitions onto bus. bus may
// be nil, in which case Report only updates the local status and the HTTP
// health surface.
func NewMonitor(bus *eventbus.Bus) *Monitor {
	return &Monitor{
		bus:      bus,
		statuses: make(map[string]*Status),
		configs:  make(map[string]Config),
	}
}

// Report records one check result for component, using config's Retries to
// decide whether a run of failures flips the component unhealthy. Every
// report updates the HTTP health registry; on a healthy/unhealthy
// transition, if a bus was supplied, it also publishes health_check_response.
func (m *Monitor) Report(component string, result Result, config Config) {
	m.mu.Lock()
	status, ok := m.statuses[component]
	if !ok {
		status = NewStatus()
		m.statuses[component] = status
		m.configs[component] = config
	}
	wasHealthy := status.Healthy
	status.Update(result, config)
	nowHealthy := status.Healthy
	m.mu.Unlock()

	metrics.UpdateComponent(component, nowHealthy, result.Message)

	if wasHealthy == nowHealthy {
		return
	}
	m.publishTransition(component, nowHealthy, result)
}

func (m *Monitor) publishTransition(component string, healthy bool, result Result) {
	if m.bus == nil {
		return
	}
	status := "healthy"
	if !healthy {
		status = "unhealthy"
	}
	payload := value.Map(map[string]value.Value{
		"component":  value.Str(component),
		"status":     value.Str(status),
		"message":    value.Str(result.Message),
		"checked_at": value.Str(result.CheckedAt.Format(time.RFC3339Nano)),
	})
	_, _ = m.bus.Publish("health_check_response", payload, eventbus.Metadata{Source: "health", Subsystem: component})
}

// Snapshot returns the last known Status for component, if any.
func (m *Monitor) Snapshot(component string) (Status, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	status, ok := m.statuses[component]
	if !ok {
		return Status{}, false
	}
	return *status, true
}
