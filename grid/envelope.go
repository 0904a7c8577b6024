package grid

import (
	"fmt"
	"math"

	"github.com/go-spatial/geom"
)

// Envelope is an axis-aligned box in some CRS, one [Min, Max] interval per dimension.
type Envelope struct {
	CRS CRS
	Min []float64
	Max []float64
}

// NewEnvelope builds an envelope from per-dimension bounds.
func NewEnvelope(crs CRS, min, max []float64) (Envelope, error) {
	if len(min) != len(max) {
		return Envelope{}, fmt.Errorf("envelope bounds of dimension %d and %d", len(min), len(max))
	}
	if crs.Dimension != 0 && crs.Dimension != len(min) {
		return Envelope{}, fmt.Errorf("envelope of dimension %d in %s", len(min), crs)
	}
	return Envelope{CRS: crs, Min: append([]float64(nil), min...), Max: append([]float64(nil), max...)}, nil
}

// EmptyEnvelope returns the envelope of no data in crs.
func EmptyEnvelope(crs CRS) Envelope {
	return Envelope{CRS: crs}
}

// FromExtent builds a 2D envelope from a horizontal extent.
func FromExtent(crs CRS, e *geom.Extent) Envelope {
	return Envelope{CRS: crs, Min: []float64{e.MinX(), e.MinY()}, Max: []float64{e.MaxX(), e.MaxY()}}
}

func (e Envelope) Dimension() int { return len(e.Min) }

// IsEmpty reports whether e has no dimension or an inverted or NaN interval.
func (e Envelope) IsEmpty() bool {
	if len(e.Min) == 0 {
		return true
	}
	for i := range e.Min {
		if !(e.Min[i] <= e.Max[i]) {
			return true
		}
	}
	return false
}

// Span returns the length of dimension i.
func (e Envelope) Span(i int) float64 { return e.Max[i] - e.Min[i] }

// Clone returns a deep copy.
func (e Envelope) Clone() Envelope {
	return Envelope{CRS: e.CRS, Min: append([]float64(nil), e.Min...), Max: append([]float64(nil), e.Max...)}
}

// Union returns the smallest envelope containing e and o. An empty operand is ignored.
// Dimensions present in only one operand are kept from it.
func (e Envelope) Union(o Envelope) Envelope {
	if e.IsEmpty() {
		return o.Clone()
	}
	if o.IsEmpty() {
		return e.Clone()
	}
	u := e.Clone()
	for i := range o.Min {
		if i >= len(u.Min) {
			u.Min = append(u.Min, o.Min[i])
			u.Max = append(u.Max, o.Max[i])
			continue
		}
		u.Min[i] = math.Min(u.Min[i], o.Min[i])
		u.Max[i] = math.Max(u.Max[i], o.Max[i])
	}
	return u
}

// Intersects reports whether e and o overlap on every dimension they share. Touching
// boundaries count as intersecting.
func (e Envelope) Intersects(o Envelope) bool {
	if e.IsEmpty() || o.IsEmpty() {
		return false
	}
	n := min(len(e.Min), len(o.Min))
	for i := 0; i < n; i++ {
		if e.Min[i] > o.Max[i] || o.Min[i] > e.Max[i] {
			return false
		}
	}
	return true
}

// Contains reports whether the point lies inside e on every dimension it provides.
func (e Envelope) Contains(pt []float64) bool {
	if e.IsEmpty() {
		return false
	}
	n := min(len(e.Min), len(pt))
	for i := 0; i < n; i++ {
		if pt[i] < e.Min[i] || pt[i] > e.Max[i] {
			return false
		}
	}
	return true
}

// WidenNaN replaces every NaN lower bound with -Inf and every NaN upper bound with +Inf.
// Degenerate reprojections yield NaN on the sides they cannot compute; widening keeps those
// sides open instead of producing a spurious empty intersection.
func (e Envelope) WidenNaN() Envelope {
	w := e.Clone()
	for i := range w.Min {
		if math.IsNaN(w.Min[i]) {
			w.Min[i] = math.Inf(-1)
		}
		if math.IsNaN(w.Max[i]) {
			w.Max[i] = math.Inf(1)
		}
	}
	return w
}

// Horizontal returns the 2D part of e as a geom extent.
func (e Envelope) Horizontal() *geom.Extent {
	if len(e.Min) < 2 {
		return nil
	}
	return &geom.Extent{e.Min[0], e.Min[1], e.Max[0], e.Max[1]}
}

func (e Envelope) String() string {
	return fmt.Sprintf("%s%v-%v", e.CRS, e.Min, e.Max)
}
