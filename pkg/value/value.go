// Package value models the untyped event payload as a tagged value tree
// (Null, Bool, I64, F64, Str, Bytes, List, Map) and implements dotted field
// path lookup over it. Type mismatches during lookup or comparison are
// reported by returning ok=false, never an error — per spec.md's design
// note that dynamic-typing failures in the source become NoMatch, not
// exceptions.
package value

import (
	"strconv"
	"strings"

	"github.com/golobby/cast"
)

// Kind tags the dynamic type carried by a Value.
type Kind int

const (
	KindNull Kind = iota
	KindBool
	KindI64
	KindF64
	KindStr
	KindBytes
	KindList
	KindMap
)

// Value is a tagged union over the payload types an Event field can hold.
type Value struct {
	kind  Kind
	b     bool
	i     int64
	f     float64
	s     string
	by    []byte
	list  []Value
	m     map[string]Value
}

func Null() Value                  { return Value{kind: KindNull} }
func Bool(b bool) Value            { return Value{kind: KindBool, b: b} }
func I64(i int64) Value            { return Value{kind: KindI64, i: i} }
func F64(f float64) Value          { return Value{kind: KindF64, f: f} }
func Str(s string) Value           { return Value{kind: KindStr, s: s} }
func Bytes(b []byte) Value         { return Value{kind: KindBytes, by: b} }
func List(l []Value) Value         { return Value{kind: KindList, list: l} }
func Map(m map[string]Value) Value { return Value{kind: KindMap, m: m} }

func (v Value) Kind() Kind { return v.kind }

// Of converts a Go native value (as decoded from JSON or constructed by a
// producer) into a Value tree.
func Of(x any) Value {
	switch t := x.(type) {
	case nil:
		return Null()
	case bool:
		return Bool(t)
	case int:
		return I64(int64(t))
	case int64:
		return I64(t)
	case float64:
		return F64(t)
	case float32:
		return F64(float64(t))
	case string:
		return Str(t)
	case []byte:
		return Bytes(t)
	case []any:
		out := make([]Value, len(t))
		for i, e := range t {
			out[i] = Of(e)
		}
		return List(out)
	case map[string]any:
		out := make(map[string]Value, len(t))
		for k, e := range t {
			out[k] = Of(e)
		}
		return Map(out)
	default:
		return Str(cast.ToString(x))
	}
}

// AsFloat64 coerces the value to float64 for numeric comparisons, using
// golobby/cast so ints, numeric strings, and bools ("1"/"0"-style) compare
// uniformly against literal predicate operands. ok is false for types that
// can never be numeric (maps, lists).
func (v Value) AsFloat64() (float64, bool) {
	switch v.kind {
	case KindI64:
		return float64(v.i), true
	case KindF64:
		return v.f, true
	case KindBool:
		if v.b {
			return 1, true
		}
		return 0, true
	case KindStr:
		f, err := cast.ToFloat64(v.s)
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}

// AsString renders the value as a string for regex/contains predicates.
func (v Value) AsString() (string, bool) {
	switch v.kind {
	case KindStr:
		return v.s, true
	case KindI64:
		return strconv.FormatInt(v.i, 10), true
	case KindF64:
		return strconv.FormatFloat(v.f, 'g', -1, 64), true
	case KindBool:
		return strconv.FormatBool(v.b), true
	default:
		return "", false
	}
}

// AsBool returns the boolean value, if any.
func (v Value) AsBool() (bool, bool) {
	if v.kind == KindBool {
		return v.b, true
	}
	return false, false
}

// Equal reports structural equality, attempting a numeric comparison first
// so I64(5) == F64(5.0).
func (v Value) Equal(o Value) bool {
	if vf, ok1 := v.AsFloat64(); ok1 {
		if of, ok2 := o.AsFloat64(); ok2 {
			return vf == of
		}
	}
	if vs, ok1 := v.AsString(); ok1 && v.kind == KindStr {
		if os, ok2 := o.AsString(); ok2 && o.kind == KindStr {
			return vs == os
		}
	}
	return false
}

// Lookup resolves a dotted field path ("metadata.subsystem", "payload.temp")
// against a root Map value. Supports both atom-style and string keys since
// both forms appear in the source payloads. Returns ok=false when any
// segment is missing or the root isn't addressable at that point.
func Lookup(root Value, path string) (Value, bool) {
	if path == "" {
		return root, true
	}
	cur := root
	for _, seg := range strings.Split(path, ".") {
		seg = strings.TrimPrefix(seg, ":") // tolerate atom-style ":field" segments
		if cur.kind == KindList {
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(cur.list) {
				return Null(), false
			}
			cur = cur.list[idx]
			continue
		}
		if cur.kind != KindMap {
			return Null(), false
		}
		next, ok := cur.m[seg]
		if !ok {
			return Null(), false
		}
		cur = next
	}
	return cur, true
}

// Native converts a Value tree back into plain Go types (map[string]any,
// []any, string, int64, float64, []byte, bool, nil), the inverse of Of. Used at the
// fabric boundary where a payload must cross the wire as JSON.
func (v Value) Native() any {
	switch v.kind {
	case KindNull:
		return nil
	case KindBool:
		return v.b
	case KindI64:
		return v.i
	case KindF64:
		return v.f
	case KindStr:
		return v.s
	case KindBytes:
		return v.by
	case KindList:
		out := make([]any, len(v.list))
		for i, e := range v.list {
			out[i] = e.Native()
		}
		return out
	case KindMap:
		out := make(map[string]any, len(v.m))
		for k, e := range v.m {
			out[k] = e.Native()
		}
		return out
	default:
		return nil
	}
}
