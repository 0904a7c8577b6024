package coverage

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"math"

	"github.com/go-spatial/geom"

	"github.com/akhenakh/tilepyramid/grid"
	"github.com/akhenakh/tilepyramid/pyramid"
)

// Sample is the value of every band at a CRS position.
type Sample struct {
	X, Y   float64
	Values []float64
}

// Evaluate returns the samples of cov at point, expressed in the coverage CRS. Extra ordinates
// select the slice whose range holds them; they may be omitted on single-slice dimensions.
func Evaluate(ctx context.Context, cov Coverage, point []float64) ([]float64, error) {
	g := cov.GridGeometry()
	if len(point) < 2 {
		return nil, fmt.Errorf("%w: %dD position", pyramid.ErrIllegalGeometry, len(point))
	}
	px, err := pixelOf(g, point[0], point[1])
	if err != nil {
		return nil, err
	}
	region, err := pixelRegion(g, px, point[2:])
	if err != nil {
		return nil, err
	}
	samplesEvaluated.Inc()
	r, err := cov.Render(ctx, &region)
	if err != nil {
		return nil, err
	}
	return r.Pixel(px.X, px.Y), nil
}

// pixelOf returns the grid cell holding the CRS position (x, y).
func pixelOf(g grid.Geometry, x, y float64) (image.Point, error) {
	if g.GridToCRS == nil || g.Extent.Dimension() < 2 {
		return image.Point{}, fmt.Errorf("%w: coverage has no grid to crs transform", pyramid.ErrIllegalGeometry)
	}
	inv, err := g.GridToCRS.Invert()
	if err != nil {
		return image.Point{}, fmt.Errorf("%w: %w", pyramid.ErrIllegalGeometry, err)
	}
	col, row := inv.Apply(x, y)
	if math.IsNaN(col) || math.IsNaN(row) {
		return image.Point{}, fmt.Errorf("%w: position %v,%v", pyramid.ErrNoSuchData, x, y)
	}
	c, r := int64(math.Floor(col)), int64(math.Floor(row))
	e := g.Extent
	if c < e.Low[0] || c >= e.High[0] || r < e.Low[1] || r >= e.High[1] {
		return image.Point{}, fmt.Errorf("%w: position %v,%v is outside the coverage", pyramid.ErrNoSuchData, x, y)
	}
	return image.Pt(int(c), int(r)), nil
}

// pixelRegion returns the one pixel extent at px, in the slice selected by extra.
func pixelRegion(g grid.Geometry, px image.Point, extra []float64) (grid.Extent, error) {
	return appendSlices(g, grid.NewExtent2D(int64(px.X), int64(px.Y), 1, 1), extra)
}

// Region returns the cells of g covering the horizontal box bbox, the whole horizontal
// extent when bbox is nil, in the slice selected by extra.
func Region(g grid.Geometry, bbox *geom.Extent, extra ...float64) (grid.Extent, error) {
	if g.Extent.Dimension() < 2 {
		return grid.Extent{}, fmt.Errorf("%w: %dD grid", pyramid.ErrIllegalGeometry, g.Extent.Dimension())
	}
	region := g.Extent.Reduce(0, 1)
	if bbox != nil {
		if g.GridToCRS == nil {
			return grid.Extent{}, fmt.Errorf("%w: coverage has no grid to crs transform", pyramid.ErrIllegalGeometry)
		}
		inv, err := g.GridToCRS.Invert()
		if err != nil {
			return grid.Extent{}, fmt.Errorf("%w: %w", pyramid.ErrIllegalGeometry, err)
		}
		c0, r0 := inv.Apply(bbox.MinX(), bbox.MaxY())
		c1, r1 := inv.Apply(bbox.MaxX(), bbox.MinY())
		lo := [2]int64{int64(math.Floor(math.Min(c0, c1))), int64(math.Floor(math.Min(r0, r1)))}
		hi := [2]int64{int64(math.Ceil(math.Max(c0, c1))), int64(math.Ceil(math.Max(r0, r1)))}
		for i := 0; i < 2; i++ {
			region.Low[i] = max(region.Low[i], lo[i])
			region.High[i] = min(region.High[i], hi[i])
		}
		if region.IsEmpty() {
			return grid.Extent{}, fmt.Errorf("%w: %v is outside the coverage", pyramid.ErrNoSuchData, bbox)
		}
	}
	return appendSlices(g, region, extra)
}

// appendSlices extends a horizontal region with the slice selected by extra on every other
// dimension.
func appendSlices(g grid.Geometry, region grid.Extent, extra []float64) (grid.Extent, error) {
	for d := 2; d < g.Extent.Dimension(); d++ {
		lo := g.Extent.Low[d]
		if i := d - 2; i < len(extra) {
			axis, ok := g.Axis(d)
			if !ok {
				return grid.Extent{}, fmt.Errorf("%w: no axis for dimension %d", pyramid.ErrIllegalGeometry, d)
			}
			idx := axis.Index(extra[i])
			if idx < 0 {
				return grid.Extent{}, fmt.Errorf("%w: ordinate %v outside dimension %d", pyramid.ErrNoSuchData, extra[i], d)
			}
			lo = int64(idx)
		} else if g.Extent.Size(d) != 1 {
			return grid.Extent{}, fmt.Errorf("%w: dimension %d holds %d slices, an ordinate is needed",
				pyramid.ErrIllegalGeometry, d, g.Extent.Size(d))
		}
		region = region.Append(lo, lo+1)
	}
	return region, nil
}

// Profile samples cov along the polyline path, a list of CRS positions, at the native pixel
// step of the coverage. Every pixel is reported once, at its center. extra selects the slice
// of coverages with extra dimensions, as in Evaluate.
//
// Both ends of every segment must fall inside the coverage. Pixels that cannot be read are
// logged and skipped.
func Profile(ctx context.Context, cov Coverage, path [][2]float64, extra ...float64) ([]Sample, error) {
	if len(path) < 2 {
		return nil, errors.New("at least two positions are required to create a profile")
	}
	g := cov.GridGeometry()
	if _, err := pixelRegion(g, image.Point{}, extra); err != nil {
		return nil, err
	}

	var profile []Sample
	visited := make(map[image.Point]struct{})

	for i := 0; i < len(path)-1; i++ {
		start, err := pixelOf(g, path[i][0], path[i][1])
		if err != nil {
			return nil, fmt.Errorf("segment %d: %w", i, err)
		}
		end, err := pixelOf(g, path[i+1][0], path[i+1][1])
		if err != nil {
			return nil, fmt.Errorf("segment %d: %w", i, err)
		}

		dx := float64(end.X - start.X)
		dy := float64(end.Y - start.Y)
		steps := int(math.Ceil(math.Max(math.Abs(dx), math.Abs(dy))))
		if steps == 0 {
			steps = 1
		}
		xInc := dx / float64(steps)
		yInc := dy / float64(steps)

		for j := 0; j <= steps; j++ {
			px := image.Pt(start.X+int(math.Round(float64(j)*xInc)), start.Y+int(math.Round(float64(j)*yInc)))
			if _, ok := visited[px]; ok {
				continue
			}
			visited[px] = struct{}{}

			region, err := pixelRegion(g, px, extra)
			if err != nil {
				return nil, err
			}
			samplesEvaluated.Inc()
			r, err := cov.Render(ctx, &region)
			if err != nil {
				if ctx.Err() != nil {
					return nil, ctx.Err()
				}
				slog.Warn("could not sample pixel", "x", px.X, "y", px.Y, "error", err)
				continue
			}
			x, y := g.GridToCRS.Apply(float64(px.X)+0.5, float64(px.Y)+0.5)
			profile = append(profile, Sample{X: x, Y: y, Values: r.Pixel(px.X, px.Y)})
		}
	}
	return profile, nil
}
