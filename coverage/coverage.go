// Package coverage reads georeferenced coverages out of tile pyramids: a single mosaic level
// as a 2D coverage, or several slices of a data cube stacked along their extra axes.
package coverage

import (
	"context"
	"fmt"
	"sort"

	"github.com/akhenakh/tilepyramid/grid"
	"github.com/akhenakh/tilepyramid/mosaic"
	"github.com/akhenakh/tilepyramid/pyramid"
	"github.com/akhenakh/tilepyramid/raster"
)

// Coverage is a georeferenced grid of samples.
type Coverage interface {
	GridGeometry() grid.Geometry
	SampleDimensions() []raster.SampleDimension
	// Render returns the samples of region, a sub-extent of the grid geometry extent, nil for
	// all of it. The result is positioned at the horizontal low corner of region. Along every
	// extra dimension region must select exactly one slice.
	Render(ctx context.Context, region *grid.Extent) (*raster.Raster, error)
}

// Grid2D is the coverage of one mosaic image. In a CRS with extra dimensions it is a single
// slice: its extent along every extra dimension is [0, 1).
type Grid2D struct {
	img      *mosaic.Image
	geometry grid.Geometry
}

// NewGrid2D georeferences img in crs. Extra ordinates of the mosaic corner become single-slice
// axes.
func NewGrid2D(img *mosaic.Image, crs grid.CRS) *Grid2D {
	b := img.Bounds()
	tr := img.GridToCRS()
	g := grid.Geometry{
		Extent:    grid.NewExtent2D(0, 0, int64(b.Dx()), int64(b.Dy())),
		CRS:       crs,
		GridToCRS: &tr,
	}
	ul := img.Mosaic().Descriptor().UpperLeft
	for d := 2; d < len(ul); d++ {
		g.Extent = g.Extent.Append(0, 1)
		g.Axes = append(g.Axes, grid.Axis{Dimension: d, Values: []float64{ul[d]}, Ranges: SliceRanges([]float64{ul[d]})})
	}
	return &Grid2D{img: img, geometry: g}
}

func (c *Grid2D) GridGeometry() grid.Geometry                 { return c.geometry }
func (c *Grid2D) SampleDimensions() []raster.SampleDimension { return c.img.SampleDimensions() }

// Image returns the mosaic image backing the coverage.
func (c *Grid2D) Image() *mosaic.Image { return c.img }

func (c *Grid2D) Render(ctx context.Context, region *grid.Extent) (*raster.Raster, error) {
	full := c.geometry.Extent
	if region == nil {
		region = &full
	}
	if err := checkRegion(full, *region); err != nil {
		return nil, err
	}
	for d := 2; d < region.Dimension(); d++ {
		if region.Low[d] != 0 || region.High[d] != 1 {
			return nil, fmt.Errorf("%w: slice %s outside single-slice coverage", pyramid.ErrNoSuchData, region)
		}
	}
	return c.img.GetData(ctx, region.Rect())
}

func checkRegion(full, region grid.Extent) error {
	if region.Dimension() != full.Dimension() {
		return fmt.Errorf("%w: %dD region on a %dD coverage", pyramid.ErrIllegalGeometry, region.Dimension(), full.Dimension())
	}
	if region.IsEmpty() {
		return fmt.Errorf("%w: empty region %s", pyramid.ErrNoSuchData, region)
	}
	return nil
}

// Stack stacks coverages of equal horizontal size along one extra dimension.
type Stack struct {
	dim      int
	slices   []Coverage
	geometry grid.Geometry
}

// NewStack stacks slices along dimension dim. values are the ordinates of the slices, in
// increasing order; every slice must have an extent of exactly [0, 1) along dim and the same
// extent on every other dimension.
func NewStack(dim int, values []float64, slices []Coverage) (*Stack, error) {
	if len(slices) == 0 || len(slices) != len(values) {
		return nil, fmt.Errorf("%w: %d slices for %d ordinates", pyramid.ErrIllegalGeometry, len(slices), len(values))
	}
	if !sort.Float64sAreSorted(values) {
		return nil, fmt.Errorf("%w: slice ordinates %v not sorted", pyramid.ErrIllegalGeometry, values)
	}
	ref := slices[0].GridGeometry()
	if dim < 2 || dim >= ref.Extent.Dimension() {
		return nil, fmt.Errorf("%w: cannot stack %dD slices along dimension %d", pyramid.ErrIllegalGeometry, ref.Extent.Dimension(), dim)
	}
	for i, s := range slices {
		e := s.GridGeometry().Extent
		if e.Dimension() != ref.Extent.Dimension() {
			return nil, fmt.Errorf("%w: slice %d is %dD, slice 0 is %dD", pyramid.ErrIllegalGeometry, i, e.Dimension(), ref.Extent.Dimension())
		}
		for d := 0; d < e.Dimension(); d++ {
			if d == dim {
				if e.Low[d] != 0 || e.High[d] != 1 {
					return nil, fmt.Errorf("%w: slice %d spans %d..%d along dimension %d", pyramid.ErrIllegalGeometry, i, e.Low[d], e.High[d], d)
				}
				continue
			}
			if e.Size(d) != ref.Extent.Size(d) {
				return nil, fmt.Errorf("%w: slice %d has size %d along dimension %d, slice 0 has %d",
					pyramid.ErrIllegalGeometry, i, e.Size(d), d, ref.Extent.Size(d))
			}
		}
	}

	g := ref
	g.Extent = grid.Extent{Low: append([]int64(nil), ref.Extent.Low...), High: append([]int64(nil), ref.Extent.High...)}
	g.Extent.Low[dim], g.Extent.High[dim] = 0, int64(len(slices))
	g.Axes = make([]grid.Axis, 0, len(ref.Axes))
	for _, a := range ref.Axes {
		if a.Dimension == dim {
			a = grid.Axis{Dimension: dim, Values: append([]float64(nil), values...), Ranges: SliceRanges(values)}
		}
		g.Axes = append(g.Axes, a)
	}
	return &Stack{dim: dim, slices: slices, geometry: g}, nil
}

func (s *Stack) GridGeometry() grid.Geometry { return s.geometry }

func (s *Stack) SampleDimensions() []raster.SampleDimension { return s.slices[0].SampleDimensions() }

// Dimension returns the dimension the slices are stacked along.
func (s *Stack) Dimension() int { return s.dim }

// Slices returns the stacked coverages, by increasing ordinate.
func (s *Stack) Slices() []Coverage { return s.slices }

func (s *Stack) Render(ctx context.Context, region *grid.Extent) (*raster.Raster, error) {
	full := s.geometry.Extent
	if region == nil {
		if full.Size(s.dim) != 1 {
			return nil, fmt.Errorf("%w: rendering needs one slice, the stack holds %d along dimension %d",
				pyramid.ErrIllegalGeometry, full.Size(s.dim), s.dim)
		}
		region = &full
	}
	if err := checkRegion(full, *region); err != nil {
		return nil, err
	}
	lo, hi := region.Low[s.dim], region.High[s.dim]
	if hi-lo != 1 {
		return nil, fmt.Errorf("%w: region spans %d slices along dimension %d, render one at a time",
			pyramid.ErrIllegalGeometry, hi-lo, s.dim)
	}
	if lo < 0 || lo >= int64(len(s.slices)) {
		return nil, fmt.Errorf("%w: slice %d outside %d slices", pyramid.ErrNoSuchData, lo, len(s.slices))
	}
	sub := grid.Extent{Low: append([]int64(nil), region.Low...), High: append([]int64(nil), region.High...)}
	sub.Low[s.dim], sub.High[s.dim] = 0, 1
	return s.slices[lo].Render(ctx, &sub)
}

// SliceRanges returns the half-open ordinate range each slice of a stacked axis stands for.
// Boundaries are the midpoints between neighbor values; the outer ranges extend by half the
// neighbor gap. A lone value v stands for [v-0.5, v+0.5).
//
// {10, 20, 40} gives [5, 15), [15, 30), [30, 50).
func SliceRanges(values []float64) [][2]float64 {
	n := len(values)
	switch n {
	case 0:
		return nil
	case 1:
		return [][2]float64{{values[0] - 0.5, values[0] + 0.5}}
	}
	ranges := make([][2]float64, n)
	for i, v := range values {
		var lo, hi float64
		if i == 0 {
			lo = v - (values[1]-v)/2
		} else {
			lo = (values[i-1] + v) / 2
		}
		if i == n-1 {
			hi = v + (v-values[n-2])/2
		} else {
			hi = (v + values[i+1]) / 2
		}
		ranges[i] = [2]float64{lo, hi}
	}
	return ranges
}
