package grid

import (
	"fmt"
	"image"
)

// Extent is an integer pixel index range, one half-open [Low, High) interval per dimension.
// Every extent inside the module follows this convention; HighInclusive converts for
// encoders that expect inclusive upper bounds.
type Extent struct {
	Low  []int64 `json:"low"`
	High []int64 `json:"high"`
}

// NewExtent2D returns the extent of a width x height raster starting at (x, y).
func NewExtent2D(x, y, width, height int64) Extent {
	return Extent{Low: []int64{x, y}, High: []int64{x + width, y + height}}
}

// ExtentFromRect converts an image rectangle, whose Max is already exclusive.
func ExtentFromRect(r image.Rectangle) Extent {
	return NewExtent2D(int64(r.Min.X), int64(r.Min.Y), int64(r.Dx()), int64(r.Dy()))
}

func (e Extent) Dimension() int { return len(e.Low) }

// Size returns the number of cells along dimension i.
func (e Extent) Size(i int) int64 { return e.High[i] - e.Low[i] }

// IsEmpty reports whether some dimension holds no cell.
func (e Extent) IsEmpty() bool {
	if len(e.Low) == 0 {
		return true
	}
	for i := range e.Low {
		if e.High[i] <= e.Low[i] {
			return true
		}
	}
	return false
}

// Rect returns the two horizontal dimensions as an image rectangle.
func (e Extent) Rect() image.Rectangle {
	return image.Rect(int(e.Low[0]), int(e.Low[1]), int(e.High[0]), int(e.High[1]))
}

// HighInclusive returns the upper bounds as the last valid index, High-1 on every dimension.
func (e Extent) HighInclusive() []int64 {
	hi := make([]int64, len(e.High))
	for i, h := range e.High {
		hi[i] = h - 1
	}
	return hi
}

// Reduce keeps the dimensions listed in dims, in that order.
func (e Extent) Reduce(dims ...int) Extent {
	r := Extent{Low: make([]int64, len(dims)), High: make([]int64, len(dims))}
	for i, d := range dims {
		r.Low[i], r.High[i] = e.Low[d], e.High[d]
	}
	return r
}

// Append adds one more dimension [low, high).
func (e Extent) Append(low, high int64) Extent {
	return Extent{Low: append(append([]int64(nil), e.Low...), low), High: append(append([]int64(nil), e.High...), high)}
}

// Equal compares two extents dimension by dimension.
func (e Extent) Equal(o Extent) bool {
	if len(e.Low) != len(o.Low) {
		return false
	}
	for i := range e.Low {
		if e.Low[i] != o.Low[i] || e.High[i] != o.High[i] {
			return false
		}
	}
	return true
}

func (e Extent) String() string {
	return fmt.Sprintf("%v..%v", e.Low, e.High)
}
