package grid

import (
	"errors"
	"math"
)

// Affine maps pixel corner coordinates (col, row) to horizontal CRS coordinates, in the GDAL
// geotransform order:
//
//	x = a[0] + col*a[1] + row*a[2]
//	y = a[3] + col*a[4] + row*a[5]
type Affine [6]float64

// NorthUp returns the transform of a north-up raster with its upper-left corner at (x0, y0)
// and square pixels of size res.
func NorthUp(x0, y0, res float64) Affine {
	return Affine{x0, res, 0, y0, 0, -res}
}

// Apply maps pixel coordinates to CRS coordinates.
func (a Affine) Apply(col, row float64) (float64, float64) {
	return a[0] + col*a[1] + row*a[2], a[3] + col*a[4] + row*a[5]
}

var errSingular = errors.New("singular grid to crs transform")

// Invert returns the CRS to pixel transform.
func (a Affine) Invert() (Affine, error) {
	det := a[1]*a[5] - a[2]*a[4]
	if det == 0 || math.IsNaN(det) {
		return Affine{}, errSingular
	}
	inv := Affine{}
	inv[1] = a[5] / det
	inv[2] = -a[2] / det
	inv[4] = -a[4] / det
	inv[5] = a[1] / det
	inv[0] = -(inv[1]*a[0] + inv[2]*a[3])
	inv[3] = -(inv[4]*a[0] + inv[5]*a[3])
	return inv, nil
}

// Resolution returns the pixel size along x and y in CRS units.
func (a Affine) Resolution() (float64, float64) {
	return math.Hypot(a[1], a[4]), math.Hypot(a[2], a[5])
}

// IsRectilinear reports whether a has no rotation or shear terms.
func (a Affine) IsRectilinear() bool { return a[2] == 0 && a[4] == 0 }

// Translate shifts the pixel origin by (dc, dr) pixels.
func (a Affine) Translate(dc, dr float64) Affine {
	x, y := a.Apply(dc, dr)
	a[0], a[3] = x, y
	return a
}
