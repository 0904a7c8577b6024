package grid

import (
	"errors"
	"fmt"
	"math"
	"sort"
)

// Axis describes one non-horizontal dimension of a grid: the discrete ordinate of every
// index and the half-open ordinate range [lo, hi) each index stands for.
type Axis struct {
	Dimension int          `json:"dimension"`
	Values    []float64    `json:"values"`
	Ranges    [][2]float64 `json:"ranges,omitempty"`
}

// Index returns the position of the slice whose range holds v, or -1. Without ranges the
// exact ordinate is searched.
func (a Axis) Index(v float64) int {
	if len(a.Ranges) == len(a.Values) && len(a.Ranges) > 0 {
		for i, r := range a.Ranges {
			if v >= r[0] && v < r[1] {
				return i
			}
		}
		last := a.Ranges[len(a.Ranges)-1]
		if v == last[1] {
			return len(a.Ranges) - 1
		}
		return -1
	}
	i := sort.SearchFloat64s(a.Values, v)
	if i < len(a.Values) && a.Values[i] == v {
		return i
	}
	return -1
}

func (a Axis) span(i int) (float64, float64) {
	if i < len(a.Ranges) {
		return a.Ranges[i][0], a.Ranges[i][1]
	}
	return a.Values[i], a.Values[i]
}

// Geometry binds a pixel extent to a CRS. Horizontal dimensions are mapped through the affine
// GridToCRS; every extra dimension is mapped through the Axis with the same Dimension.
// A geometry built from a bare envelope, with no GridToCRS, carries it in Region.
type Geometry struct {
	Extent    Extent
	CRS       CRS
	GridToCRS *Affine
	Axes      []Axis
	Region    *Envelope
}

// Undefined is the geometry of a source that has no data.
var Undefined = Geometry{}

// IsUndefined reports whether g carries neither a grid mapping nor an envelope.
func (g Geometry) IsUndefined() bool {
	return g.GridToCRS == nil && g.Region == nil && len(g.Extent.Low) == 0
}

// FromEnvelope returns an envelope-only geometry, with no resolution.
func FromEnvelope(env Envelope) Geometry {
	e := env.Clone()
	return Geometry{CRS: env.CRS, Region: &e}
}

// FromEnvelopeResolution returns a north-up geometry covering env with square pixels of size
// res. Extra envelope dimensions become single-slice axes.
func FromEnvelopeResolution(env Envelope, res float64) (Geometry, error) {
	if env.Dimension() < 2 {
		return Undefined, fmt.Errorf("geometry needs a 2D envelope, got %dD", env.Dimension())
	}
	if !(res > 0) || math.IsInf(res, 0) {
		return Undefined, fmt.Errorf("invalid resolution %v", res)
	}
	w := int64(math.Ceil(env.Span(0) / res))
	h := int64(math.Ceil(env.Span(1) / res))
	if w <= 0 || h <= 0 {
		return Undefined, fmt.Errorf("envelope %s holds no pixel at resolution %v", env, res)
	}
	tr := NorthUp(env.Min[0], env.Max[1], res)
	g := Geometry{Extent: NewExtent2D(0, 0, w, h), CRS: env.CRS, GridToCRS: &tr}
	for d := 2; d < env.Dimension(); d++ {
		mid := (env.Min[d] + env.Max[d]) / 2
		g.Extent = g.Extent.Append(0, 1)
		g.Axes = append(g.Axes, Axis{Dimension: d, Values: []float64{mid}, Ranges: [][2]float64{{env.Min[d], env.Max[d]}}})
	}
	return g, nil
}

// Axis returns the axis bound to dimension d.
func (g Geometry) Axis(d int) (Axis, bool) {
	for _, a := range g.Axes {
		if a.Dimension == d {
			return a, true
		}
	}
	return Axis{}, false
}

// Envelope returns the CRS box covered by the extent, pixel corners included.
func (g Geometry) Envelope() Envelope {
	if g.GridToCRS == nil {
		if g.Region != nil {
			return g.Region.Clone()
		}
		return EmptyEnvelope(g.CRS)
	}
	if g.Extent.Dimension() < 2 {
		return EmptyEnvelope(g.CRS)
	}
	x0, y0 := float64(g.Extent.Low[0]), float64(g.Extent.Low[1])
	x1, y1 := float64(g.Extent.High[0]), float64(g.Extent.High[1])
	env := Envelope{CRS: g.CRS, Min: []float64{math.Inf(1), math.Inf(1)}, Max: []float64{math.Inf(-1), math.Inf(-1)}}
	for _, c := range [][2]float64{{x0, y0}, {x1, y0}, {x0, y1}, {x1, y1}} {
		x, y := g.GridToCRS.Apply(c[0], c[1])
		env.Min[0], env.Max[0] = math.Min(env.Min[0], x), math.Max(env.Max[0], x)
		env.Min[1], env.Max[1] = math.Min(env.Min[1], y), math.Max(env.Max[1], y)
	}
	for d := 2; d < g.Extent.Dimension(); d++ {
		a, ok := g.Axis(d)
		if !ok || g.Extent.IsEmpty() {
			env.Min = append(env.Min, math.NaN())
			env.Max = append(env.Max, math.NaN())
			continue
		}
		lo, _ := a.span(int(g.Extent.Low[d]))
		_, hi := a.span(int(g.Extent.High[d] - 1))
		env.Min = append(env.Min, lo)
		env.Max = append(env.Max, hi)
	}
	return env
}

// Resolution returns the horizontal pixel sizes, or nil when g has no grid mapping.
func (g Geometry) Resolution() []float64 {
	if g.GridToCRS == nil {
		return nil
	}
	rx, ry := g.GridToCRS.Resolution()
	return []float64{rx, ry}
}

// ErrNotHorizontal is returned when a geometry has no 2D horizontal grid mapping.
var ErrNotHorizontal = errors.New("grid to crs transform is not reducible to two horizontal dimensions")

// Validate checks the invariants binding the extent, the axes and the CRS.
func (g Geometry) Validate() error {
	if g.IsUndefined() {
		return nil
	}
	if g.GridToCRS == nil {
		return nil
	}
	if g.Extent.Dimension() < 2 {
		return ErrNotHorizontal
	}
	if g.CRS.Dimension != 0 && g.CRS.Dimension != g.Extent.Dimension() {
		return fmt.Errorf("%dD extent in %s", g.Extent.Dimension(), g.CRS)
	}
	if len(g.Axes) != g.Extent.Dimension()-2 {
		return fmt.Errorf("%dD extent with %d extra axes", g.Extent.Dimension(), len(g.Axes))
	}
	for _, a := range g.Axes {
		if a.Dimension < 2 || a.Dimension >= g.Extent.Dimension() {
			return fmt.Errorf("axis bound to dimension %d", a.Dimension)
		}
		if int64(len(a.Values)) < g.Extent.High[a.Dimension] || g.Extent.Low[a.Dimension] < 0 {
			return fmt.Errorf("axis %d has %d values for extent %s", a.Dimension, len(a.Values), g.Extent)
		}
	}
	return nil
}

// Horizontal returns the 2D part of g.
func (g Geometry) Horizontal() (Geometry, error) {
	if g.GridToCRS == nil {
		return Undefined, ErrNotHorizontal
	}
	if g.Extent.Dimension() < 2 {
		return Undefined, ErrNotHorizontal
	}
	return Geometry{Extent: g.Extent.Reduce(0, 1), CRS: g.CRS.Horizontal(), GridToCRS: g.GridToCRS}, nil
}
