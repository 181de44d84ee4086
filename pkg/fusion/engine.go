// Package fusion implements the Semantic Fusion Engine: a bounded queue of
// enriched events that is periodically drained, correlated against fusion
// rules, and mined for causal chains and derivative patterns. The
// owner-goroutine-plus-ticker shape mirrors the rest of the fabric; the
// pattern cache's TTL+capacity eviction is delegated to
// hashicorp/golang-lru's expirable LRU rather than hand-rolled bookkeeping.
package fusion

import (
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/robfig/cron/v3"

	"github.com/cuemby/cybersyn/pkg/clock"
	"github.com/cuemby/cybersyn/pkg/eventbus"
	"github.com/cuemby/cybersyn/pkg/log"
	"github.com/cuemby/cybersyn/pkg/metrics"
	"github.com/cuemby/cybersyn/pkg/value"
)

const (
	// DefaultFIFOCap is E_max, the enriched-event queue capacity.
	DefaultFIFOCap = 10000
	// DefaultPatternCacheCap is P_max.
	DefaultPatternCacheCap = 1000
	// PatternCacheTTL is the TTL applied to pattern cache entries.
	PatternCacheTTL = time.Hour
	// DefaultCausalChainCap bounds the retained causal chain list.
	DefaultCausalChainCap = 100
	// DefaultFuseInterval is how often a fusion cycle runs.
	DefaultFuseInterval = 500 * time.Millisecond
	// DefaultGraphCleanupInterval is how often stale context graph entries are dropped.
	DefaultGraphCleanupInterval = 5 * time.Minute
	// ContextTTL is how long a context graph entry survives without refresh.
	ContextTTL = time.Hour

	maxExtractPerCycle  = 50
	causalGapMS         = 500
)

// EnrichedEvent wraps an Event with derived metadata computed at ingest.
type EnrichedEvent struct {
	*eventbus.Event
	SemanticTags []string
}

// FuseFn correlates a batch of events sharing a rule's trigger types into a
// FusedContext. A rule fires only when at least two matching events are
// present in the batch.
type FuseFn func(events []*eventbus.Event) (FusedContext, bool)

// Rule is a static, init-time-loaded fusion rule.
type Rule struct {
	Name              string
	TriggerEventTypes map[string]bool
	WindowMS          int64
	FuseFn            FuseFn
}

// FusedContext is the output of a rule firing, placed in the context graph
// under the rule's name.
type FusedContext struct {
	Type           string
	Fields         map[string]value.Value
	SourceEventIDs []string
	UpdatedAt      time.Time
	Patterns       []string
	Chains         []string
}

// CausalChain is a detected ordered triple of causally-linked events.
type CausalChain struct {
	ID         string
	Events     []*eventbus.Event
	Confidence float64
	DetectedAt time.Time
}

// PatternCacheEntry is one detector result, evicted by TTL or capacity.
type PatternCacheEntry struct {
	ID         string
	Type       string
	PatternBody string
	DetectedAt time.Time
	Confidence float64
}

// Detector runs one pattern-detection heuristic over the extracted batch.
type Detector func(batch []*eventbus.Event) []PatternCacheEntry

// Engine is the single owner of the fusion state; Start launches its
// ingest and cycle goroutines, all of which serialize through mu.
type Engine struct {
	bus *eventbus.Bus
	clk *clock.Clock

	rules     []Rule
	detectors []Detector

	mu            sync.Mutex
	fifo          []*EnrichedEvent
	fifoCap       int
	contextGraph  map[string]*FusedContext
	causalChains  []CausalChain
	chainCap      int

	patternCache *lru.LRU[string, PatternCacheEntry]

	fuseInterval    time.Duration
	cleanupInterval time.Duration
	cron            *cron.Cron

	sub    *eventbus.Subscriber
	stopCh chan struct{}
	doneCh chan struct{}
}

// New builds an Engine wired to bus for ingest and publication, stamped by
// clk, with the given static rules and pattern detectors.
func New(bus *eventbus.Bus, clk *clock.Clock, rules []Rule, detectors []Detector) *Engine {
	return &Engine{
		bus:             bus,
		clk:             clk,
		rules:           rules,
		detectors:       detectors,
		fifoCap:         DefaultFIFOCap,
		contextGraph:    make(map[string]*FusedContext),
		chainCap:        DefaultCausalChainCap,
		patternCache:    lru.NewLRU[string, PatternCacheEntry](DefaultPatternCacheCap, nil, PatternCacheTTL),
		fuseInterval:    DefaultFuseInterval,
		cleanupInterval: DefaultGraphCleanupInterval,
	}
}

// Start subscribes to every published event for enrichment/ingest, launches
// the periodic fuse loop, and schedules context-graph cleanup on a cron spec
// derived from cleanupInterval.
func (eng *Engine) Start() {
	eng.sub = eng.bus.Subscribe(eventbus.AllTopics, eng.ingest, eventbus.SubscribeOptions{})
	eng.stopCh = make(chan struct{})
	eng.doneCh = make(chan struct{})

	eng.cron = cron.New()
	if _, err := eng.cron.AddFunc("@every "+eng.cleanupInterval.String(), eng.cleanupGraph); err != nil {
		log.Logger.Warn().Err(err).Msg("failed to schedule context graph cleanup; falling back to no cleanup")
	}
	eng.cron.Start()

	go eng.run()
}

// Stop unsubscribes, halts the cron scheduler, and halts the owner goroutine.
func (eng *Engine) Stop() {
	if eng.sub != nil {
		eng.sub.Unsubscribe()
	}
	if eng.cron != nil {
		eng.cron.Stop()
	}
	if eng.stopCh != nil {
		close(eng.stopCh)
		<-eng.doneCh
	}
}

func (eng *Engine) ingest(e *eventbus.Event) {
	enriched := &EnrichedEvent{Event: e, SemanticTags: deriveTags(e)}
	eng.mu.Lock()
	eng.fifo = append(eng.fifo, enriched)
	if len(eng.fifo) > eng.fifoCap {
		eng.fifo = eng.fifo[len(eng.fifo)-eng.fifoCap:]
	}
	eng.mu.Unlock()
}

// deriveTags builds semantic tags from the event's declared metadata tags,
// its subsystem, and any map keys visible in the payload.
func deriveTags(e *eventbus.Event) []string {
	tags := make([]string, 0, len(e.Metadata.Tags)+2)
	tags = append(tags, e.Metadata.Tags...)
	if e.Metadata.Subsystem != "" {
		tags = append(tags, e.Metadata.Subsystem)
	}
	if e.Payload.Kind() == value.KindMap {
		for _, path := range []string{"status", "kind", "type"} {
			if v, ok := value.Lookup(e.Payload, path); ok {
				if s, ok := v.AsString(); ok {
					tags = append(tags, strings.ToLower(s))
				}
			}
		}
	}
	return tags
}

func (eng *Engine) run() {
	defer close(eng.doneCh)
	fuseTicker := time.NewTicker(eng.fuseInterval)
	defer fuseTicker.Stop()

	for {
		select {
		case <-fuseTicker.C:
			eng.fuseCycle()
		case <-eng.stopCh:
			return
		}
	}
}

func (eng *Engine) fuseCycle() {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.FusionCycleDuration)

	batch := eng.extractBatch()
	if len(batch) == 0 {
		return
	}

	eng.applyRules(batch)
	eng.runDetectors(batch)
	eng.updateCausalChains(batch)
	eng.enrichContexts()
}

func (eng *Engine) extractBatch() []*EnrichedEvent {
	eng.mu.Lock()
	defer eng.mu.Unlock()
	n := len(eng.fifo)
	if n > maxExtractPerCycle {
		n = maxExtractPerCycle
	}
	batch := eng.fifo[:n]
	eng.fifo = eng.fifo[n:]
	return batch
}

func (eng *Engine) applyRules(batch []*EnrichedEvent) {
	for _, rule := range eng.rules {
		eng.applyRule(rule, batch)
	}
}

func (eng *Engine) applyRule(rule Rule, batch []*EnrichedEvent) {
	defer func() {
		if r := recover(); r != nil {
			log.Logger.Warn().Str("rule", rule.Name).Interface("panic", r).Msg("fuse_fn panicked; isolated for this batch")
		}
	}()

	var matched []*eventbus.Event
	for _, e := range batch {
		if rule.TriggerEventTypes[e.Topic] {
			matched = append(matched, e.Event)
		}
	}
	if len(matched) < 2 {
		return
	}
	windowed := withinWindow(matched, rule.WindowMS)
	if len(windowed) < 2 {
		return
	}

	ctx, ok := rule.FuseFn(windowed)
	if !ok {
		return
	}
	ctx.UpdatedAt = time.Now()

	eng.mu.Lock()
	eng.contextGraph[rule.Name] = &ctx
	eng.mu.Unlock()

	ids := make([]value.Value, len(ctx.SourceEventIDs))
	for i, id := range ctx.SourceEventIDs {
		ids[i] = value.Str(id)
	}
	fields := make(map[string]value.Value, len(ctx.Fields)+2)
	for k, v := range ctx.Fields {
		fields[k] = v
	}
	fields["rule_name"] = value.Str(rule.Name)
	fields["source_event_ids"] = value.List(ids)

	if _, err := eng.bus.Publish("semantic_fusion_complete", value.Map(fields), eventbus.Metadata{Source: "fusion"}); err != nil {
		log.Logger.Warn().Err(err).Str("rule", rule.Name).Msg("failed to publish semantic_fusion_complete")
	}
}

func withinWindow(events []*eventbus.Event, windowMS int64) []*eventbus.Event {
	if len(events) == 0 {
		return events
	}
	last := events[len(events)-1].Timestamp
	var out []*eventbus.Event
	for _, e := range events {
		if last.Physical-e.Timestamp.Physical <= uint64(windowMS) {
			out = append(out, e)
		}
	}
	return out
}

func (eng *Engine) runDetectors(batch []*EnrichedEvent) {
	plain := make([]*eventbus.Event, len(batch))
	for i, e := range batch {
		plain[i] = e.Event
	}
	for _, detect := range eng.detectors {
		for _, entry := range detect(plain) {
			eng.patternCache.Add(entry.ID, entry)
			metrics.PatternMatchesTotal.WithLabelValues(entry.Type).Inc()
		}
	}
	metrics.FusionPatternCacheSize.Set(float64(eng.patternCache.Len()))
}

// updateCausalChains slides a window of three over batch, keeping triples
// whose inter-event gaps are both <= 500ms and that share at least one
// semantic tag between adjacent pairs.
func (eng *Engine) updateCausalChains(batch []*EnrichedEvent) {
	if len(batch) < 3 {
		return
	}
	seen := make(map[string]bool)

	eng.mu.Lock()
	defer eng.mu.Unlock()
	for _, c := range eng.causalChains {
		seen[chainKey(c.Events)] = true
	}

	for i := 0; i+2 < len(batch); i++ {
		a, b, c := batch[i], batch[i+1], batch[i+2]
		gapAB := gapMS(a.Timestamp, b.Timestamp)
		gapBC := gapMS(b.Timestamp, c.Timestamp)
		if gapAB > causalGapMS || gapBC > causalGapMS {
			continue
		}
		sharedAB := sharesTag(a.SemanticTags, b.SemanticTags)
		sharedBC := sharesTag(b.SemanticTags, c.SemanticTags)
		if !sharedAB && !sharedBC {
			continue
		}
		triple := []*eventbus.Event{a.Event, b.Event, c.Event}
		key := chainKey(triple)
		if seen[key] {
			continue
		}
		seen[key] = true

		timeConsistency := 1.0 - float64(gapAB+gapBC)/float64(2*causalGapMS)
		semanticSimilarity := 0.0
		if sharedAB {
			semanticSimilarity += 0.5
		}
		if sharedBC {
			semanticSimilarity += 0.5
		}
		confidence := (timeConsistency + semanticSimilarity) / 2

		eng.causalChains = append(eng.causalChains, CausalChain{
			ID:         key,
			Events:     triple,
			Confidence: confidence,
			DetectedAt: time.Now(),
		})
		metrics.FusionCausalChainsTotal.Inc()
	}

	if len(eng.causalChains) > eng.chainCap {
		eng.causalChains = eng.causalChains[len(eng.causalChains)-eng.chainCap:]
	}
}

func gapMS(a, b clock.Timestamp) uint64 {
	if b.Physical > a.Physical {
		return b.Physical - a.Physical
	}
	return a.Physical - b.Physical
}

func sharesTag(a, b []string) bool {
	for _, t1 := range a {
		for _, t2 := range b {
			if t1 == t2 {
				return true
			}
		}
	}
	return false
}

func chainKey(events []*eventbus.Event) string {
	var sb strings.Builder
	for _, e := range events {
		sb.WriteString(e.ID)
		sb.WriteByte('|')
	}
	return sb.String()
}

// enrichContexts attaches to each context graph entry the pattern cache
// entries whose Type equals its rule name and the causal chains containing
// an event whose topic equals its rule name.
func (eng *Engine) enrichContexts() {
	eng.mu.Lock()
	defer eng.mu.Unlock()

	for name, ctx := range eng.contextGraph {
		var patterns []string
		for _, key := range eng.patternCache.Keys() {
			entry, ok := eng.patternCache.Get(key)
			if ok && entry.Type == name {
				patterns = append(patterns, entry.ID)
			}
		}
		var chains []string
		for _, chain := range eng.causalChains {
			for _, e := range chain.Events {
				if e.Topic == name {
					chains = append(chains, chain.ID)
					break
				}
			}
		}
		ctx.Patterns = patterns
		ctx.Chains = chains
	}
	metrics.FusionContextGraphNodes.Set(float64(len(eng.contextGraph)))
}

func (eng *Engine) cleanupGraph() {
	eng.mu.Lock()
	defer eng.mu.Unlock()
	cutoff := time.Now().Add(-ContextTTL)
	for name, ctx := range eng.contextGraph {
		if ctx.UpdatedAt.Before(cutoff) {
			delete(eng.contextGraph, name)
		}
	}
	metrics.FusionContextGraphNodes.Set(float64(len(eng.contextGraph)))
}

// Context returns a snapshot of the context graph entry for rule, if any.
func (eng *Engine) Context(ruleName string) (FusedContext, bool) {
	eng.mu.Lock()
	defer eng.mu.Unlock()
	ctx, ok := eng.contextGraph[ruleName]
	if !ok {
		return FusedContext{}, false
	}
	return *ctx, true
}

// CausalChains returns a snapshot of the retained causal chains.
func (eng *Engine) CausalChains() []CausalChain {
	eng.mu.Lock()
	defer eng.mu.Unlock()
	out := make([]CausalChain, len(eng.causalChains))
	copy(out, eng.causalChains)
	return out
}
