package pyramid

import (
	"context"
	"fmt"
	"image"
	"math"

	"github.com/akhenakh/tilepyramid/grid"
)

// Descriptor is the static description of a mosaic: one level of a pyramid, cut in a grid of
// equally sized tiles.
type Descriptor struct {
	ID string
	// Scale is the pixel size in CRS units.
	Scale float64
	// TileSize is the size of a tile in pixels.
	TileSize image.Point
	// GridSize is the number of tiles along x and y.
	GridSize image.Point
	// UpperLeft holds one ordinate per CRS dimension. The first two locate the upper-left
	// corner of tile (0, 0); the others are the slice values of the mosaic along the extra
	// axes.
	UpperLeft []float64
	// DataExtent is the tile-index rectangle holding data, max exclusive. An empty rectangle
	// means the whole grid.
	DataExtent image.Rectangle
}

// Validate checks the descriptor against a CRS of dimension dim.
func (d Descriptor) Validate(dim int) error {
	if !(d.Scale > 0) || math.IsInf(d.Scale, 0) {
		return fmt.Errorf("%w: mosaic %q has scale %v", ErrDataStore, d.ID, d.Scale)
	}
	if d.TileSize.X <= 0 || d.TileSize.Y <= 0 {
		return fmt.Errorf("%w: mosaic %q has tile size %v", ErrDataStore, d.ID, d.TileSize)
	}
	if d.GridSize.X <= 0 || d.GridSize.Y <= 0 {
		return fmt.Errorf("%w: mosaic %q has grid size %v", ErrDataStore, d.ID, d.GridSize)
	}
	if len(d.UpperLeft) != dim {
		return fmt.Errorf("%w: mosaic %q has a %dD corner in a %dD crs", ErrDataStore, d.ID, len(d.UpperLeft), dim)
	}
	if !d.DataExtent.Empty() && !d.DataExtent.In(d.Grid()) {
		return fmt.Errorf("%w: mosaic %q data extent %v outside grid %v", ErrDataStore, d.ID, d.DataExtent, d.Grid())
	}
	return nil
}

// Grid returns the rectangle of all tile indices.
func (d Descriptor) Grid() image.Rectangle {
	return image.Rectangle{Max: d.GridSize}
}

// Data returns the tile-index rectangle holding data.
func (d Descriptor) Data() image.Rectangle {
	if d.DataExtent.Empty() {
		return d.Grid()
	}
	return d.DataExtent
}

// PixelSize returns the size of the whole mosaic in pixels.
func (d Descriptor) PixelSize() image.Point {
	return image.Pt(d.GridSize.X*d.TileSize.X, d.GridSize.Y*d.TileSize.Y)
}

// GridToCRS maps mosaic pixel coordinates to the horizontal CRS plane, north up.
func (d Descriptor) GridToCRS() grid.Affine {
	return grid.NorthUp(d.UpperLeft[0], d.UpperLeft[1], d.Scale)
}

// Envelope returns the CRS box of the mosaic. Extra dimensions are degenerate intervals at
// the mosaic slice values.
func (d Descriptor) Envelope(crs grid.CRS) grid.Envelope {
	size := d.PixelSize()
	minY := d.UpperLeft[1] - float64(size.Y)*d.Scale
	env := grid.Envelope{
		CRS: crs,
		Min: []float64{d.UpperLeft[0], minY},
		Max: []float64{d.UpperLeft[0] + float64(size.X)*d.Scale, d.UpperLeft[1]},
	}
	for _, v := range d.UpperLeft[2:] {
		env.Min = append(env.Min, v)
		env.Max = append(env.Max, v)
	}
	return env
}

// TileRange returns the tile indices intersecting the horizontal part of env, clipped to the
// grid, max exclusive. Infinite bounds select the whole grid on that side.
func (d Descriptor) TileRange(env grid.Envelope) image.Rectangle {
	if env.Dimension() < 2 || env.IsEmpty() {
		return image.Rectangle{}
	}
	tw := float64(d.TileSize.X) * d.Scale
	th := float64(d.TileSize.Y) * d.Scale
	clamp := func(v float64, hi, nan int) int {
		switch {
		case math.IsNaN(v):
			return nan
		case v < 0:
			return 0
		case v > float64(hi):
			return hi
		}
		return int(v)
	}
	x0 := clamp(math.Floor((env.Min[0]-d.UpperLeft[0])/tw), d.GridSize.X, 0)
	x1 := clamp(math.Ceil((env.Max[0]-d.UpperLeft[0])/tw), d.GridSize.X, d.GridSize.X)
	y0 := clamp(math.Floor((d.UpperLeft[1]-env.Max[1])/th), d.GridSize.Y, 0)
	y1 := clamp(math.Ceil((d.UpperLeft[1]-env.Min[1])/th), d.GridSize.Y, d.GridSize.Y)
	// a degenerate interval lying on a tile edge still selects the tile after it
	if x1 == x0 && env.Min[0] == env.Max[0] && x0 < d.GridSize.X {
		x1++
	}
	if y1 == y0 && env.Min[1] == env.Max[1] && y0 < d.GridSize.Y {
		y1++
	}
	return image.Rect(x0, y0, x1, y1).Intersect(d.Grid())
}

// Mosaic is one level of a pyramid, backed by a tile store.
type Mosaic interface {
	Descriptor() Descriptor
	// IsMissing is a hint: true means the tile surely holds no data. False gives no
	// guarantee, Tile may still return nothing.
	IsMissing(x, y int) bool
	// Tile returns the tile at (x, y), or nil with no error when the store has none.
	Tile(ctx context.Context, x, y int) (Tile, error)
	// AnyTile returns some tile of the mosaic, used to discover the pixel layout.
	AnyTile(ctx context.Context) (Tile, error)
}
