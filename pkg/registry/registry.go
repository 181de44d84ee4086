// Package registry implements the Pattern Registry: a library of domain
// patterns bound to algedonic response mappings, an active list ordered by
// severity, and per-pattern match statistics. Pattern library files load
// from YAML and hot-reload via an fsnotify-driven directory watch.
package registry

import (
	"sync"
	"time"

	"github.com/cuemby/cybersyn/pkg/algedonic"
	"github.com/cuemby/cybersyn/pkg/eventbus"
	"github.com/cuemby/cybersyn/pkg/log"
	"github.com/cuemby/cybersyn/pkg/metrics"
	"github.com/cuemby/cybersyn/pkg/pattern"
	"github.com/cuemby/cybersyn/pkg/value"
)

// Severity orders patterns within the active list: critical drains first.
type Severity int

const (
	SeverityLow Severity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

// ParseSeverity maps a pattern library string to a Severity, defaulting to
// SeverityLow for unrecognized values.
func ParseSeverity(s string) Severity {
	switch s {
	case "critical":
		return SeverityCritical
	case "high":
		return SeverityHigh
	case "medium":
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// AlgedonicMapping binds a pattern match to an algedonic response.
type AlgedonicMapping struct {
	PainLevel       float64
	Urgency         int
	BypassHierarchy bool
	Target          algedonic.Target
}

// Entry is one registered pattern: its compiled form, severity, optional
// algedonic mapping, and whether it is currently active.
type Entry struct {
	Name     string
	Compiled *pattern.CompiledPattern
	Severity Severity
	Mapping  *AlgedonicMapping
	Active   bool

	mu          sync.Mutex
	matches     int64
	noMatches   int64
	lastMatch   time.Time
}

// Stats is a point-in-time snapshot of an Entry's counters.
type Stats struct {
	Matches   int64
	NoMatches int64
	LastMatch time.Time
}

// Match is one registry-level evaluation result.
type Match struct {
	PatternName string
	Context     *pattern.MatchContext
	Severity    Severity
}

// Registry is the single-owner pattern library and dispatcher.
type Registry struct {
	mu       sync.RWMutex
	patterns map[string]*Entry
	active   []*Entry // kept sorted by severity descending

	temporal pattern.TemporalEvaluator
	bus      *eventbus.Bus
	channel  *algedonic.Channel

	lastDispatch map[string]time.Time
	debounce     time.Duration
}

// DefaultDebounce is the minimum gap between algedonic dispatches for the
// same pattern name.
const DefaultDebounce = 5 * time.Second

// New builds a Registry that dispatches matched-pattern algedonic mappings
// through channel and publishes pattern_match events on bus. temporal may
// be nil if no temporal/statistical patterns will be registered.
func New(bus *eventbus.Bus, channel *algedonic.Channel, temporal pattern.TemporalEvaluator) *Registry {
	return &Registry{
		patterns:     make(map[string]*Entry),
		temporal:     temporal,
		bus:          bus,
		channel:      channel,
		lastDispatch: make(map[string]time.Time),
		debounce:     DefaultDebounce,
	}
}

// LoadDomain registers a batch of domain patterns. Critical-severity
// patterns auto-activate on load per spec.
func (r *Registry) LoadDomain(specs map[string]pattern.Spec, severities map[string]Severity, mappings map[string]*AlgedonicMapping) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for name, spec := range specs {
		compiled, err := pattern.Compile(spec)
		if err != nil {
			return err
		}
		entry := &Entry{
			Name:     name,
			Compiled: compiled,
			Severity: severities[name],
			Mapping:  mappings[name],
		}
		r.patterns[name] = entry
		if entry.Severity == SeverityCritical {
			entry.Active = true
			r.active = append(r.active, entry)
		}
	}
	r.resort()
	metrics.RegistryActivePatterns.Set(float64(len(r.active)))
	return nil
}

// LoadCritical activates every registered pattern whose severity is
// critical (idempotent re-activation pass, e.g. after a hot reload).
func (r *Registry) LoadCritical() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, entry := range r.patterns {
		if entry.Severity == SeverityCritical && !entry.Active {
			entry.Active = true
			r.active = append(r.active, entry)
		}
	}
	r.resort()
	metrics.RegistryActivePatterns.Set(float64(len(r.active)))
}

// Activate marks a registered pattern active.
func (r *Registry) Activate(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.patterns[name]
	if !ok || entry.Active {
		return ok
	}
	entry.Active = true
	r.active = append(r.active, entry)
	r.resort()
	metrics.RegistryActivePatterns.Set(float64(len(r.active)))
	return true
}

// Deactivate removes a pattern from the active list.
func (r *Registry) Deactivate(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.patterns[name]
	if !ok || !entry.Active {
		return ok
	}
	entry.Active = false
	for i, e := range r.active {
		if e.Name == name {
			r.active = append(r.active[:i], r.active[i+1:]...)
			break
		}
	}
	metrics.RegistryActivePatterns.Set(float64(len(r.active)))
	return true
}

func (r *Registry) resort() {
	for i := 1; i < len(r.active); i++ {
		for j := i; j > 0 && r.active[j].Severity > r.active[j-1].Severity; j-- {
			r.active[j], r.active[j-1] = r.active[j-1], r.active[j]
		}
	}
}

// Evaluate runs every active pattern, in severity order, against e,
// dispatching algedonic mappings for matches (subject to per-pattern
// debounce) and returning the ordered list of matches.
func (r *Registry) Evaluate(e *eventbus.Event) []Match {
	r.mu.RLock()
	active := append([]*Entry(nil), r.active...)
	r.mu.RUnlock()

	var matches []Match
	for _, entry := range active {
		timer := metrics.NewTimer()
		ok, ctx := r.evaluateOne(entry, e)
		timer.ObserveDurationVec(metrics.PatternEvaluationDuration, entry.Name)

		entry.mu.Lock()
		if ok {
			entry.matches++
			entry.lastMatch = time.Now()
		} else {
			entry.noMatches++
		}
		entry.mu.Unlock()

		if !ok {
			continue
		}
		metrics.PatternMatchesTotal.WithLabelValues(entry.Name).Inc()
		matches = append(matches, Match{PatternName: entry.Name, Context: ctx, Severity: entry.Severity})
		r.publishMatch(entry, e, ctx)
		r.dispatchMapping(entry)
	}
	return matches
}

func (r *Registry) evaluateOne(entry *Entry, e *eventbus.Event) (ok bool, ctx *pattern.MatchContext) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Logger.Warn().Str("pattern", entry.Name).Interface("panic", rec).Msg("pattern evaluation panicked; isolated")
			ok = false
		}
	}()
	return pattern.Match(entry.Compiled, e, r.temporal)
}

func (r *Registry) publishMatch(entry *Entry, e *eventbus.Event, ctx *pattern.MatchContext) {
	if r.bus == nil {
		return
	}
	_, err := r.bus.Publish("pattern_match", matchPayload(entry, e, ctx), eventbus.Metadata{Source: "registry"})
	if err != nil {
		log.Logger.Warn().Err(err).Str("pattern", entry.Name).Msg("failed to publish pattern_match")
	}
}

func matchPayload(entry *Entry, e *eventbus.Event, ctx *pattern.MatchContext) value.Value {
	fields := map[string]value.Value{
		"pattern_name": value.Str(entry.Name),
		"pattern_kind": value.Str(entry.Compiled.Kind.String()),
		"detected_at":  value.Str(e.Timestamp.String()),
	}
	if ctx != nil {
		bindings := make(map[string]value.Value, len(ctx.Bindings))
		for k, v := range ctx.Bindings {
			bindings[k] = v
		}
		fields["context"] = value.Map(bindings)
	}
	return value.Map(fields)
}

func (r *Registry) dispatchMapping(entry *Entry) {
	if entry.Mapping == nil || r.channel == nil {
		return
	}
	r.mu.Lock()
	last, seen := r.lastDispatch[entry.Name]
	if seen && time.Since(last) < r.debounce {
		r.mu.Unlock()
		return
	}
	r.lastDispatch[entry.Name] = time.Now()
	r.mu.Unlock()

	r.channel.Emit(algedonic.Signal{
		Valence:         -entry.Mapping.PainLevel,
		Intensity:       entry.Mapping.PainLevel,
		Source:          entry.Name,
		Kind:            "pattern_match",
		Urgency:         entry.Mapping.Urgency,
		BypassHierarchy: entry.Mapping.BypassHierarchy,
		Target:          entry.Mapping.Target,
	})
}

// Stats returns a snapshot of a pattern's match counters.
func (r *Registry) Stats(name string) (Stats, bool) {
	r.mu.RLock()
	entry, ok := r.patterns[name]
	r.mu.RUnlock()
	if !ok {
		return Stats{}, false
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return Stats{Matches: entry.matches, NoMatches: entry.noMatches, LastMatch: entry.lastMatch}, true
}

// ActiveNames returns the active pattern list in severity order.
func (r *Registry) ActiveNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.active))
	for i, e := range r.active {
		out[i] = e.Name
	}
	return out
}
