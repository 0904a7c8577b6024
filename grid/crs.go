// Package grid models the georeferencing side of rasters: coordinate reference system
// identifiers, envelopes, integer grid extents and the grid-to-CRS mapping binding them.
package grid

import (
	"fmt"
	"strings"
)

// CRS identifies a coordinate reference system by code and gives its dimension. The first two
// axes are always the horizontal plane, in x (east) then y (north) order. Extra axes carry
// vertical or temporal ordinates.
type CRS struct {
	Code      string `json:"code"`
	Dimension int    `json:"dimension"`
}

var (
	WGS84       = CRS{Code: "EPSG:4326", Dimension: 2}
	WebMercator = CRS{Code: "EPSG:3857", Dimension: 2}
)

// WithExtraAxes returns a compound CRS with n more non-horizontal axes.
func (c CRS) WithExtraAxes(n int) CRS {
	if n <= 0 {
		return c
	}
	return CRS{Code: fmt.Sprintf("%s+%d", c.Horizontal().Code, n), Dimension: 2 + n}
}

// Horizontal returns the 2D horizontal component of c.
func (c CRS) Horizontal() CRS {
	code, _, _ := strings.Cut(c.Code, "+")
	return CRS{Code: code, Dimension: 2}
}

// Equal compares codes case-insensitively and dimensions exactly.
func (c CRS) Equal(o CRS) bool {
	return strings.EqualFold(c.Code, o.Code) && c.Dimension == o.Dimension
}

func (c CRS) IsZero() bool { return c.Code == "" }

func (c CRS) String() string {
	if c.Dimension == 2 {
		return c.Code
	}
	return fmt.Sprintf("%s(%dD)", c.Code, c.Dimension)
}
