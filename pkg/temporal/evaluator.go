// Package temporal implements the temporal and statistical predicates
// (within, sequence, threshold, trend) by consulting the Event Store over
// the window each predicate names. It satisfies pkg/pattern.TemporalEvaluator
// so the Pattern Matcher can dispatch into it without depending on the
// Event Store directly.
package temporal

import (
	"math"

	"github.com/cuemby/cybersyn/pkg/clock"
	"github.com/cuemby/cybersyn/pkg/eventbus"
	"github.com/cuemby/cybersyn/pkg/eventstore"
	"github.com/cuemby/cybersyn/pkg/pattern"
	"github.com/cuemby/cybersyn/pkg/value"
)

// Evaluator resolves temporal/statistical pattern nodes against a Store.
type Evaluator struct {
	store *eventstore.Store
}

// New builds an Evaluator backed by store.
func New(store *eventstore.Store) *Evaluator {
	return &Evaluator{store: store}
}

func windowStart(at *eventbus.Event, windowMS int64) clock.Timestamp {
	ms := at.Timestamp.Physical
	if uint64(windowMS) > ms {
		ms = 0
	} else {
		ms -= uint64(windowMS)
	}
	return clock.Timestamp{Physical: ms}
}

// Within retrieves events in [now-window, now] and matches iff every child
// condition has at least one match within that window.
func (ev *Evaluator) Within(p *pattern.CompiledPattern, at *eventbus.Event) (bool, *pattern.MatchContext) {
	start := windowStart(at, p.Temporal.WindowMS)
	window := ev.store.EventsInWindow(start, at.Timestamp, "", nil)

	matchedCounts := make(map[int]int)
	for _, child := range p.Children {
		for _, e := range window {
			if ok, _ := pattern.Match(child, e, ev); ok {
				matchedCounts[indexOfChild(p, child)]++
			}
		}
	}
	for i := range p.Children {
		if matchedCounts[i] == 0 {
			return false, nil
		}
	}
	return true, &pattern.MatchContext{Bindings: map[string]value.Value{
		"window_events": value.I64(int64(len(window))),
	}, Operator: "within"}
}

func indexOfChild(p *pattern.CompiledPattern, child *pattern.CompiledPattern) int {
	for i, c := range p.Children {
		if c == child {
			return i
		}
	}
	return -1
}

// Sequence retrieves events in [now-max_sequence, now], sorted by HLC, and
// tries to build the earliest ordered chain satisfying the conditions in
// order, each step strictly later than the previous and within
// max_sequence_ms of the chain start.
func (ev *Evaluator) Sequence(p *pattern.CompiledPattern, at *eventbus.Event) (bool, *pattern.MatchContext) {
	start := windowStart(at, p.Temporal.MaxSequenceMS)
	window := ev.store.EventsInWindow(start, at.Timestamp, "", nil)

	for startIdx := range window {
		chain, ok := tryBuildChain(p.Children, window[startIdx:], p.Temporal.MaxSequenceMS)
		if ok {
			ids := make([]value.Value, len(chain))
			for i, e := range chain {
				ids[i] = value.Str(e.ID)
			}
			return true, &pattern.MatchContext{Bindings: map[string]value.Value{
				"sequence_event_ids": value.List(ids),
			}, Operator: "sequence"}
		}
	}
	return false, nil
}

func tryBuildChain(steps []*pattern.CompiledPattern, window []*eventbus.Event, maxSequenceMS int64) ([]*eventbus.Event, bool) {
	if len(steps) == 0 {
		return nil, false
	}
	var chain []*eventbus.Event
	var chainStart clock.Timestamp
	stepIdx := 0
	for _, e := range window {
		if stepIdx >= len(steps) {
			break
		}
		if stepIdx == 0 {
			if ok, _ := pattern.Match(steps[0], e, nil); ok {
				chain = append(chain, e)
				chainStart = e.Timestamp
				stepIdx++
			}
			continue
		}
		last := chain[len(chain)-1].Timestamp
		if !e.Timestamp.After(last) {
			continue
		}
		if e.Timestamp.Physical-chainStart.Physical > uint64(maxSequenceMS) {
			break
		}
		if ok, _ := pattern.Match(steps[stepIdx], e, nil); ok {
			chain = append(chain, e)
			stepIdx++
		}
	}
	if stepIdx == len(steps) {
		return chain, true
	}
	return nil, false
}

// Threshold collects numeric values of field in the window and matches iff
// at least RequiredCount of them satisfy (Op, Value).
func (ev *Evaluator) Threshold(p *pattern.CompiledPattern, at *eventbus.Event) (bool, *pattern.MatchContext) {
	start := windowStart(at, p.Temporal.WindowMS)
	window := ev.store.EventsInWindow(start, at.Timestamp, "", nil)

	count := 0
	for _, e := range window {
		v, ok := e.Field(p.Temporal.Field)
		if !ok {
			continue
		}
		f, fok := v.AsFloat64()
		if !fok {
			continue
		}
		if satisfies(p.Temporal.Op, f, p.Temporal.Value) {
			count++
		}
	}
	matched := count >= p.Temporal.RequiredCount
	ctx := &pattern.MatchContext{Bindings: map[string]value.Value{
		"required_matches": value.I64(int64(p.Temporal.RequiredCount)),
		"actual_matches":   value.I64(int64(count)),
	}, Operator: "threshold"}
	if !matched {
		return false, nil
	}
	return true, ctx
}

func satisfies(op pattern.Op, got, want float64) bool {
	switch op {
	case pattern.OpGt:
		return got > want
	case pattern.OpLt:
		return got < want
	case pattern.OpGte:
		return got >= want
	case pattern.OpLte:
		return got <= want
	case pattern.OpEq:
		return got == want
	default:
		return false
	}
}

// Trend builds a (timestamp, value) series of at least MinPoints samples
// and fits an ordinary-least-squares line; direction is decided by
// comparing the slope against SlopeThreshold, confidence is R^2.
func (ev *Evaluator) Trend(p *pattern.CompiledPattern, at *eventbus.Event) (bool, *pattern.MatchContext) {
	start := windowStart(at, p.Temporal.WindowMS)
	window := ev.store.EventsInWindow(start, at.Timestamp, "", nil)

	var xs, ys []float64
	for _, e := range window {
		v, ok := e.Field(p.Temporal.Field)
		if !ok {
			continue
		}
		f, fok := v.AsFloat64()
		if !fok {
			continue
		}
		xs = append(xs, float64(e.Timestamp.Physical))
		ys = append(ys, f)
	}
	minPoints := p.Temporal.MinPoints
	if minPoints <= 0 {
		minPoints = 3
	}
	if len(xs) < minPoints {
		return false, &pattern.MatchContext{Bindings: map[string]value.Value{
			"insufficient_data": value.Bool(true),
		}, Operator: "trend"}
	}

	slope, intercept, r2 := olsFit(xs, ys)
	_ = intercept
	threshold := p.Temporal.SlopeThreshold

	var direction string
	switch {
	case slope > threshold:
		direction = "increasing"
	case slope < -threshold:
		direction = "decreasing"
	default:
		direction = "stable"
	}

	matched := direction == p.Temporal.Direction
	ctx := &pattern.MatchContext{Bindings: map[string]value.Value{
		"trend_slope": value.F64(slope),
		"r_squared":   value.F64(r2),
		"direction":   value.Str(direction),
	}, Operator: "trend"}
	if !matched {
		return false, nil
	}
	return true, ctx
}

// olsFit computes the ordinary-least-squares slope, intercept, and R^2 for
// the series (xs[i], ys[i]).
func olsFit(xs, ys []float64) (slope, intercept, r2 float64) {
	n := float64(len(xs))
	var sumX, sumY, sumXY, sumXX float64
	for i := range xs {
		sumX += xs[i]
		sumY += ys[i]
		sumXY += xs[i] * ys[i]
		sumXX += xs[i] * xs[i]
	}
	meanX := sumX / n
	meanY := sumY / n
	denom := sumXX - n*meanX*meanX
	if denom == 0 {
		return 0, meanY, 0
	}
	slope = (sumXY - n*meanX*meanY) / denom
	intercept = meanY - slope*meanX

	var ssTot, ssRes float64
	for i := range xs {
		pred := slope*xs[i] + intercept
		ssRes += (ys[i] - pred) * (ys[i] - pred)
		ssTot += (ys[i] - meanY) * (ys[i] - meanY)
	}
	if ssTot == 0 {
		return slope, intercept, 1
	}
	r2 = 1 - ssRes/ssTot
	if r2 < 0 || math.IsNaN(r2) {
		r2 = 0
	}
	return slope, intercept, r2
}
