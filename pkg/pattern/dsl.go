// Package pattern compiles a declarative predicate DSL into an evaluator
// tree and matches events against it. Value specs (eq/gt/lt/...) and
// combinators (and/or/not) are resolved directly against pkg/value; the
// temporal/statistical predicates (within/sequence/threshold/trend) are
// represented here as leaf descriptions and evaluated by whatever
// TemporalEvaluator the caller wires in (pkg/temporal), keeping this
// package free of any Event Store dependency.
package pattern

import (
	"regexp"

	"github.com/cuemby/cybersyn/pkg/cyberr"
	"github.com/cuemby/cybersyn/pkg/eventbus"
	"github.com/cuemby/cybersyn/pkg/log"
	"github.com/cuemby/cybersyn/pkg/value"
)

// Op names a value-spec operator.
type Op string

const (
	OpEq       Op = "eq"
	OpGt       Op = "gt"
	OpLt       Op = "lt"
	OpGte      Op = "gte"
	OpLte      Op = "lte"
	OpIn       Op = "in"
	OpRegex    Op = "regex"
	OpContains Op = "contains"
	OpRange    Op = "range"
)

// ValueSpec is the raw, uncompiled description of one field predicate, the
// shape a pattern library YAML file (or programmatic builder) supplies.
type ValueSpec struct {
	Op     Op       `yaml:"op"`
	Value  any      `yaml:"value,omitempty"`
	List   []any    `yaml:"list,omitempty"`
	Min    any      `yaml:"min,omitempty"`
	Max    any      `yaml:"max,omitempty"`
	Regex  string   `yaml:"regex,omitempty"`
}

// Kind discriminates the shape of a compiled pattern node.
type Kind int

const (
	KindSimple Kind = iota
	KindAnd
	KindOr
	KindNot
	KindWithin
	KindSequence
	KindThreshold
	KindTrend
)

func (k Kind) String() string {
	switch k {
	case KindSimple:
		return "simple"
	case KindAnd:
		return "and"
	case KindOr:
		return "or"
	case KindNot:
		return "not"
	case KindWithin:
		return "within"
	case KindSequence:
		return "sequence"
	case KindThreshold:
		return "threshold"
	case KindTrend:
		return "trend"
	default:
		return "unknown"
	}
}

// Spec is the uncompiled, declarative representation of a pattern, the
// form loaded from the domain pattern library (YAML) or built in code.
type Spec struct {
	Kind string `yaml:"kind"`
	Name string `yaml:"name,omitempty"`

	// Simple
	Conditions map[string]ValueSpec `yaml:"conditions,omitempty"`

	// And / Or / Not / Sequence
	Children []Spec `yaml:"children,omitempty"`

	// Within
	WindowMS int64  `yaml:"window_ms,omitempty"`

	// Sequence
	MaxSequenceMS int64 `yaml:"max_sequence_ms,omitempty"`

	// Threshold
	Field         string  `yaml:"field,omitempty"`
	ThresholdOp   Op      `yaml:"threshold_op,omitempty"`
	ThresholdVal  float64 `yaml:"threshold_value,omitempty"`
	RequiredCount int     `yaml:"required_count,omitempty"`

	// Trend
	Direction      string  `yaml:"direction,omitempty"`
	MinPoints      int     `yaml:"min_points,omitempty"`
	SlopeThreshold float64 `yaml:"slope_threshold,omitempty"`
}

type leafCondition struct {
	field string
	check func(v value.Value, ok bool) bool
	desc  string
}

// TemporalParams carries the raw parameters of a within/sequence/threshold/
// trend node through to whatever TemporalEvaluator is wired in at match
// time.
type TemporalParams struct {
	WindowMS       int64
	MaxSequenceMS  int64
	Field          string
	Op             Op
	Value          float64
	RequiredCount  int
	Direction      string
	MinPoints      int
	SlopeThreshold float64
}

// CompiledPattern is the immutable evaluator tree produced by Compile.
type CompiledPattern struct {
	Kind     Kind
	Name     string
	Leaves   []leafCondition
	Children []*CompiledPattern
	Temporal TemporalParams
}

// Compile lowers a Spec into a CompiledPattern, validating operators and
// pre-compiling any regex. Returns an InvalidInput cyberr.
func Compile(spec Spec) (*CompiledPattern, error) {
	switch spec.Kind {
	case "", "simple":
		return compileSimple(spec)
	case "and":
		return compileCombinator(spec, KindAnd)
	case "or":
		return compileCombinator(spec, KindOr)
	case "not":
		if len(spec.Children) != 1 {
			return nil, cyberr.New(cyberr.InvalidInput, "not requires exactly one child")
		}
		child, err := Compile(spec.Children[0])
		if err != nil {
			return nil, err
		}
		return &CompiledPattern{Kind: KindNot, Name: spec.Name, Children: []*CompiledPattern{child}}, nil
	case "within":
		return &CompiledPattern{
			Kind: KindWithin,
			Name: spec.Name,
			Temporal: TemporalParams{WindowMS: spec.WindowMS},
			Children: mustCompileAll(spec.Children),
		}, firstCompileErr(spec.Children)
	case "sequence":
		return &CompiledPattern{
			Kind:     KindSequence,
			Name:     spec.Name,
			Temporal: TemporalParams{MaxSequenceMS: spec.MaxSequenceMS},
			Children: mustCompileAll(spec.Children),
		}, firstCompileErr(spec.Children)
	case "threshold":
		if spec.Field == "" {
			return nil, cyberr.New(cyberr.InvalidInput, "threshold requires a field")
		}
		return &CompiledPattern{
			Kind: KindThreshold,
			Name: spec.Name,
			Temporal: TemporalParams{
				WindowMS:      spec.WindowMS,
				Field:         spec.Field,
				Op:            spec.ThresholdOp,
				Value:         spec.ThresholdVal,
				RequiredCount: spec.RequiredCount,
			},
		}, nil
	case "trend":
		if spec.Field == "" {
			return nil, cyberr.New(cyberr.InvalidInput, "trend requires a field")
		}
		return &CompiledPattern{
			Kind: KindTrend,
			Name: spec.Name,
			Temporal: TemporalParams{
				WindowMS:       spec.WindowMS,
				Field:          spec.Field,
				Direction:      spec.Direction,
				MinPoints:      spec.MinPoints,
				SlopeThreshold: spec.SlopeThreshold,
			},
		}, nil
	default:
		return nil, cyberr.New(cyberr.InvalidInput, "unknown pattern kind: "+spec.Kind)
	}
}

func mustCompileAll(specs []Spec) []*CompiledPattern {
	out := make([]*CompiledPattern, 0, len(specs))
	for _, s := range specs {
		if c, err := Compile(s); err == nil {
			out = append(out, c)
		}
	}
	return out
}

func firstCompileErr(specs []Spec) error {
	for _, s := range specs {
		if _, err := Compile(s); err != nil {
			return err
		}
	}
	return nil
}

// compileCombinator compiles "and"/"or" children. Zero children is legal:
// and[] vacuously matches (Match's loop never finds a failing child), or[]
// never matches (Match's loop never finds a matching child).
func compileCombinator(spec Spec, kind Kind) (*CompiledPattern, error) {
	children := make([]*CompiledPattern, 0, len(spec.Children))
	for _, c := range spec.Children {
		compiled, err := Compile(c)
		if err != nil {
			return nil, err
		}
		children = append(children, compiled)
	}
	return &CompiledPattern{Kind: kind, Name: spec.Name, Children: children}, nil
}

func compileSimple(spec Spec) (*CompiledPattern, error) {
	if len(spec.Conditions) == 0 {
		return nil, cyberr.New(cyberr.InvalidInput, "simple pattern requires at least one condition")
	}
	leaves := make([]leafCondition, 0, len(spec.Conditions))
	for field, vs := range spec.Conditions {
		check, err := compileValueSpec(vs)
		if err != nil {
			return nil, err
		}
		leaves = append(leaves, leafCondition{field: field, check: check, desc: string(vs.Op)})
	}
	return &CompiledPattern{Kind: KindSimple, Name: spec.Name, Leaves: leaves}, nil
}

func compileValueSpec(vs ValueSpec) (func(value.Value, bool) bool, error) {
	switch vs.Op {
	case OpEq:
		want := value.Of(vs.Value)
		return func(v value.Value, ok bool) bool { return ok && v.Equal(want) }, nil
	case OpGt, OpLt, OpGte, OpLte:
		want, ok := value.Of(vs.Value).AsFloat64()
		if !ok {
			return nil, cyberr.New(cyberr.InvalidInput, "comparison operators require a numeric value")
		}
		return numericCompare(vs.Op, want), nil
	case OpIn:
		set := make([]value.Value, len(vs.List))
		for i, x := range vs.List {
			set[i] = value.Of(x)
		}
		return func(v value.Value, ok bool) bool {
			if !ok {
				return false
			}
			for _, s := range set {
				if v.Equal(s) {
					return true
				}
			}
			return false
		}, nil
	case OpRegex:
		re, err := regexp.Compile(vs.Regex)
		if err != nil {
			return nil, cyberr.Wrap(cyberr.InvalidInput, "invalid regex: "+vs.Regex, err)
		}
		return func(v value.Value, ok bool) bool {
			if !ok {
				return false
			}
			s, sok := v.AsString()
			return sok && re.MatchString(s)
		}, nil
	case OpContains:
		sub, ok := value.Of(vs.Value).AsString()
		if !ok {
			return nil, cyberr.New(cyberr.InvalidInput, "contains requires a string value")
		}
		return func(v value.Value, ok bool) bool {
			if !ok {
				return false
			}
			s, sok := v.AsString()
			return sok && containsSubstring(s, sub)
		}, nil
	case OpRange:
		min, okMin := value.Of(vs.Min).AsFloat64()
		max, okMax := value.Of(vs.Max).AsFloat64()
		if !okMin || !okMax {
			return nil, cyberr.New(cyberr.InvalidInput, "range requires numeric min and max")
		}
		return func(v value.Value, ok bool) bool {
			if !ok {
				return false
			}
			f, fok := v.AsFloat64()
			return fok && f >= min && f <= max
		}, nil
	default:
		return nil, cyberr.New(cyberr.InvalidInput, "unknown value-spec operator: "+string(vs.Op))
	}
}

func numericCompare(op Op, want float64) func(value.Value, bool) bool {
	return func(v value.Value, ok bool) bool {
		if !ok {
			return false
		}
		got, fok := v.AsFloat64()
		if !fok {
			return false
		}
		switch op {
		case OpGt:
			return got > want
		case OpLt:
			return got < want
		case OpGte:
			return got >= want
		case OpLte:
			return got <= want
		default:
			return false
		}
	}
}

func containsSubstring(haystack, needle string) bool {
	return len(needle) == 0 || indexOf(haystack, needle) >= 0
}

func indexOf(haystack, needle string) int {
	n, m := len(haystack), len(needle)
	if m > n {
		return -1
	}
	for i := 0; i+m <= n; i++ {
		if haystack[i:i+m] == needle {
			return i
		}
	}
	return -1
}

// MatchContext carries bound fields and the operator chain for a match.
type MatchContext struct {
	Bindings map[string]value.Value
	Operator string
}

func newContext(operator string) *MatchContext {
	return &MatchContext{Bindings: make(map[string]value.Value), Operator: operator}
}

func merge(dst *MatchContext, src *MatchContext) {
	if src == nil {
		return
	}
	for k, v := range src.Bindings {
		dst.Bindings[k] = v
	}
}

// TemporalEvaluator resolves within/sequence/threshold/trend nodes against
// whatever history store the caller wires in. pkg/temporal implements this
// against the Event Store.
type TemporalEvaluator interface {
	Within(p *CompiledPattern, at *eventbus.Event) (bool, *MatchContext)
	Sequence(p *CompiledPattern, at *eventbus.Event) (bool, *MatchContext)
	Threshold(p *CompiledPattern, at *eventbus.Event) (bool, *MatchContext)
	Trend(p *CompiledPattern, at *eventbus.Event) (bool, *MatchContext)
}

// Match evaluates compiled against e. temporal may be nil; temporal pattern
// kinds then NoMatch with a logged warning rather than erroring, per the
// isolated-evaluation-failure policy.
func Match(compiled *CompiledPattern, e *eventbus.Event, temporal TemporalEvaluator) (bool, *MatchContext) {
	switch compiled.Kind {
	case KindSimple:
		return matchSimple(compiled, e)
	case KindAnd:
		ctx := newContext("and")
		for _, child := range compiled.Children {
			ok, childCtx := Match(child, e, temporal)
			if !ok {
				return false, nil
			}
			merge(ctx, childCtx)
		}
		return true, ctx
	case KindOr:
		ctx := newContext("or")
		matched := false
		for _, child := range compiled.Children {
			if ok, childCtx := Match(child, e, temporal); ok {
				matched = true
				merge(ctx, childCtx)
			}
		}
		if !matched {
			return false, nil
		}
		return true, ctx
	case KindNot:
		ok, _ := Match(compiled.Children[0], e, temporal)
		ctx := newContext("not")
		return !ok, ctx
	case KindWithin, KindSequence, KindThreshold, KindTrend:
		if temporal == nil {
			log.Logger.Warn().Str("pattern", compiled.Name).Msg("temporal pattern evaluated with no TemporalEvaluator wired; treating as no-match")
			return false, nil
		}
		return dispatchTemporal(compiled, e, temporal)
	default:
		return false, nil
	}
}

func dispatchTemporal(compiled *CompiledPattern, e *eventbus.Event, temporal TemporalEvaluator) (bool, *MatchContext) {
	switch compiled.Kind {
	case KindWithin:
		return temporal.Within(compiled, e)
	case KindSequence:
		return temporal.Sequence(compiled, e)
	case KindThreshold:
		return temporal.Threshold(compiled, e)
	case KindTrend:
		return temporal.Trend(compiled, e)
	default:
		return false, nil
	}
}

func matchSimple(compiled *CompiledPattern, e *eventbus.Event) (bool, *MatchContext) {
	ctx := newContext("simple")
	for _, leaf := range compiled.Leaves {
		v, ok := e.Field(leaf.field)
		if !leaf.check(v, ok) {
			return false, nil
		}
		ctx.Bindings[leaf.field] = v
	}
	return true, ctx
}
