package feature

import (
	"fmt"
	"math"

	"github.com/go-spatial/geom"
)

// Filter selects features.
type Filter interface {
	Evaluate(f Feature) bool
}

// All accepts every feature.
type All struct{}

func (All) Evaluate(Feature) bool { return true }

// BBox accepts the features whose extent intersects Extent.
type BBox struct {
	Extent *geom.Extent
}

func (b BBox) Evaluate(f Feature) bool { return Intersects(b.Extent, f.Extent()) }

type And []Filter

func (a And) Evaluate(f Feature) bool {
	for _, c := range a {
		if !c.Evaluate(f) {
			return false
		}
	}
	return true
}

type Or []Filter

func (o Or) Evaluate(f Feature) bool {
	for _, c := range o {
		if c.Evaluate(f) {
			return true
		}
	}
	return false
}

type Not struct {
	Filter Filter
}

func (n Not) Evaluate(f Feature) bool { return !n.Filter.Evaluate(f) }

// PropertyEquals accepts the features whose property Name equals Value. Numbers are compared
// as float64 whatever their Go type.
type PropertyEquals struct {
	Name  string
	Value any
}

func (p PropertyEquals) Evaluate(f Feature) bool {
	v, ok := f.Properties[p.Name]
	if !ok {
		return false
	}
	if a, ok := toFloat(v); ok {
		b, ok := toFloat(p.Value)
		return ok && a == b
	}
	return fmt.Sprint(v) == fmt.Sprint(p.Value)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	}
	return 0, false
}

// Bounds extracts the box outside of which f accepts no feature. ok is false when f does not
// constrain space. An And is bounded by the intersection of its bounded children, an Or only
// when every child is bounded. A Not never bounds anything.
func Bounds(f Filter) (ext *geom.Extent, ok bool) {
	switch v := f.(type) {
	case nil:
		return nil, false
	case BBox:
		if v.Extent == nil {
			return nil, false
		}
		e := *v.Extent
		return &e, true
	case *BBox:
		return Bounds(*v)
	case And:
		for _, c := range v {
			ce, cok := Bounds(c)
			if !cok {
				continue
			}
			if !ok {
				ext, ok = ce, true
				continue
			}
			ext = intersect(ext, ce)
		}
		return ext, ok
	case Or:
		if len(v) == 0 {
			return nil, false
		}
		for _, c := range v {
			ce, cok := Bounds(c)
			if !cok {
				return nil, false
			}
			if ext == nil {
				ext = ce
				continue
			}
			ext = union(ext, ce)
		}
		return ext, true
	default:
		return nil, false
	}
}

// intersect returns the overlap of a and b. Disjoint boxes give an inverted extent, which
// selects no tile.
func intersect(a, b *geom.Extent) *geom.Extent {
	return &geom.Extent{
		math.Max(a.MinX(), b.MinX()), math.Max(a.MinY(), b.MinY()),
		math.Min(a.MaxX(), b.MaxX()), math.Min(a.MaxY(), b.MaxY()),
	}
}

func union(a, b *geom.Extent) *geom.Extent {
	return &geom.Extent{
		math.Min(a.MinX(), b.MinX()), math.Min(a.MinY(), b.MinY()),
		math.Max(a.MaxX(), b.MaxX()), math.Max(a.MaxY(), b.MaxY()),
	}
}
