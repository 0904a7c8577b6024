package coverage

import (
	"context"
	"image"
	"math"
	"testing"

	"github.com/go-spatial/geom"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/akhenakh/tilepyramid/grid"
	"github.com/akhenakh/tilepyramid/memstore"
	"github.com/akhenakh/tilepyramid/mosaic"
	"github.com/akhenakh/tilepyramid/pyramid"
	"github.com/akhenakh/tilepyramid/raster"
)

var tileModel = raster.SampleModel{Width: 10, Height: 10, Bands: 1, DataType: raster.Float32}

// level returns a mosaic of 10x10 pixel tiles where every tile holds value(x, y).
func level(id string, scale float64, gridSize int, value func(x, y int) float64, ul ...float64) *memstore.Mosaic {
	m := memstore.NewMosaic(pyramid.Descriptor{
		ID:        id,
		Scale:     scale,
		TileSize:  image.Pt(10, 10),
		GridSize:  image.Pt(gridSize, gridSize),
		UpperLeft: ul,
	})
	for y := 0; y < gridSize; y++ {
		for x := 0; x < gridSize; x++ {
			r := raster.New(tileModel, image.Point{})
			r.Fill(0, value(x, y))
			m.PutRaster(x, y, r)
		}
	}
	return m
}

func constant(v float64) func(int, int) float64 { return func(int, int) float64 { return v } }

// threeScales covers x [0, 40] y [0, 40] at scales 1, 2 and 4, every pixel holding its scale.
func threeScales(t *testing.T) *memstore.Source {
	t.Helper()
	p, err := pyramid.New("dem", grid.WGS84,
		level("s1", 1, 4, constant(1), 0, 40),
		level("s2", 2, 2, constant(2), 0, 40),
		level("s4", 4, 1, constant(4), 0, 40),
	)
	require.NoError(t, err)
	return memstore.NewSource(nil, p)
}

// cube stacks three 2x2 tile slices at ordinates 10, 20 and 40 along a third dimension, every
// pixel holding its ordinate.
func cube(t *testing.T, extra ...*memstore.Mosaic) *memstore.Source {
	t.Helper()
	ms := []pyramid.Mosaic{
		level("z10", 1, 2, constant(10), 0, 20, 10),
		level("z20", 1, 2, constant(20), 0, 20, 20),
		level("z40", 1, 2, constant(40), 0, 20, 40),
	}
	for _, m := range extra {
		ms = append(ms, m)
	}
	p, err := pyramid.New("cube", grid.WGS84.WithExtraAxes(1), ms...)
	require.NoError(t, err)
	return memstore.NewSource(nil, p)
}

func TestSliceRanges(t *testing.T) {
	tests := []struct {
		name   string
		values []float64
		want   [][2]float64
	}{
		{"none", nil, nil},
		{"single", []float64{3}, [][2]float64{{2.5, 3.5}}},
		{"two", []float64{0, 10}, [][2]float64{{-5, 5}, {5, 15}}},
		{"uneven", []float64{10, 20, 40}, [][2]float64{{5, 15}, {15, 30}, {30, 50}}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, SliceRanges(tc.values))
		})
	}
}

func TestReadPicksScale(t *testing.T) {
	ctx := context.Background()
	r := NewReader(threeScales(t))
	defer r.Close()
	env, err := grid.NewEnvelope(grid.WGS84, []float64{0, 0}, []float64{40, 40})
	require.NoError(t, err)

	tests := []struct {
		res  float64
		want float64
	}{
		{3, 4},
		{2, 2},
		{1, 1},
		{0.5, 1},
		{50, 4},
	}
	for _, tc := range tests {
		domain, err := grid.FromEnvelopeResolution(env, tc.res)
		require.NoError(t, err)
		cov, err := r.Read(ctx, domain)
		require.NoError(t, err)
		out, err := cov.Render(ctx, nil)
		require.NoError(t, err)
		assert.Equal(t, tc.want, out.Sample(0, 0, 0), "resolution %v", tc.res)
	}

	// no resolution reads the coarsest scale
	cov, err := r.Read(ctx, grid.FromEnvelope(env))
	require.NoError(t, err)
	assert.Equal(t, []float64{4, 4}, cov.GridGeometry().Resolution())
}

// recordingFinder picks pyramids like the default finder and answers FindMosaics with a
// fixed list, recording what the reader asked.
type recordingFinder struct {
	pyramid.DefaultFinder
	mosaics    []pyramid.Mosaic
	resolution float64
	tolerance  float64
	env        grid.Envelope
}

func (f *recordingFinder) FindMosaics(_ *pyramid.Pyramid, resolution, tolerance float64, env grid.Envelope) ([]pyramid.Mosaic, error) {
	f.resolution, f.tolerance, f.env = resolution, tolerance, env
	return f.mosaics, nil
}

func TestReadUsesFinderSelection(t *testing.T) {
	ctx := context.Background()
	s1 := level("s1", 1, 4, constant(1), 0, 40)
	s4 := level("s4", 4, 1, constant(4), 0, 40)
	p, err := pyramid.New("dem", grid.WGS84, s1, s4)
	require.NoError(t, err)

	// the finder answers the coarse level for a request matching the fine one
	finder := &recordingFinder{mosaics: []pyramid.Mosaic{s4}}
	r := NewReader(memstore.NewSource(nil, p), WithFinder(finder))
	defer r.Close()

	env, err := grid.NewEnvelope(grid.WGS84, []float64{0, 0}, []float64{40, 40})
	require.NoError(t, err)
	domain, err := grid.FromEnvelopeResolution(env, 1)
	require.NoError(t, err)
	cov, err := r.Read(ctx, domain)
	require.NoError(t, err)
	assert.Equal(t, 1.0, finder.resolution)
	assert.Equal(t, resolutionTolerance, finder.tolerance)
	assert.Equal(t, env, finder.env)

	g2, ok := cov.(*Grid2D)
	require.True(t, ok)
	assert.Equal(t, "s4", g2.Image().Mosaic().Descriptor().ID)
	out, err := cov.Render(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 4.0, out.Sample(0, 0, 0))

	// the first mosaic returned is the one read
	finder.mosaics = []pyramid.Mosaic{s1, s4}
	cov, err = r.Read(ctx, domain)
	require.NoError(t, err)
	assert.Equal(t, "s1", cov.(*Grid2D).Image().Mosaic().Descriptor().ID)

	// no resolution asks for an infinite one
	_, err = r.Read(ctx, grid.FromEnvelope(env))
	require.NoError(t, err)
	assert.True(t, math.IsInf(finder.resolution, 1))
}

func TestReadFinderGetsWidenedEnvelope(t *testing.T) {
	ctx := context.Background()
	m := level("m", 1e6, 4, constant(3), -2e7, 2e7)
	p, err := pyramid.New("mercator", grid.WebMercator, m)
	require.NoError(t, err)
	finder := &recordingFinder{
		DefaultFinder: pyramid.DefaultFinder{Transformer: grid.DefaultTransformer{}},
		mosaics:       []pyramid.Mosaic{m},
	}
	r := NewReader(memstore.NewSource(nil, p), WithFinder(finder))
	defer r.Close()

	world, err := grid.NewEnvelope(grid.WGS84, []float64{-180, -90}, []float64{180, 90})
	require.NoError(t, err)
	_, err = r.Read(ctx, grid.FromEnvelope(world))
	require.NoError(t, err)

	// the poles have no mercator ordinate, their sides are left open in the pyramid crs
	assert.Equal(t, grid.WebMercator, finder.env.CRS)
	assert.True(t, math.IsInf(finder.env.Min[1], -1))
	assert.True(t, math.IsInf(finder.env.Max[1], 1))
	assert.InDelta(t, -20037508.34, finder.env.Min[0], 0.01)
	assert.InDelta(t, 20037508.34, finder.env.Max[0], 0.01)
}

func TestReadSubRegion(t *testing.T) {
	ctx := context.Background()
	src := threeScales(t)
	r := NewReader(src)
	defer r.Close()

	env, err := grid.NewEnvelope(grid.WGS84, []float64{5, 5}, []float64{15, 15})
	require.NoError(t, err)
	domain, err := grid.FromEnvelopeResolution(env, 1)
	require.NoError(t, err)
	cov, err := r.Read(ctx, domain, 0)
	require.NoError(t, err)

	g2, ok := cov.(*Grid2D)
	require.True(t, ok)
	// tiles x 0..2, y 2..4 of the finest level
	assert.Equal(t, image.Rect(0, 2, 2, 4), g2.Image().TileRange())
	g := cov.GridGeometry()
	assert.Equal(t, grid.NewExtent2D(0, 0, 20, 20), g.Extent)
	x, y := g.GridToCRS.Apply(0, 0)
	assert.Equal(t, 0.0, x)
	assert.Equal(t, 20.0, y)

	v, err := Evaluate(ctx, cov, []float64{12, 7})
	require.NoError(t, err)
	assert.Equal(t, []float64{1}, v)

	_, err = Evaluate(ctx, cov, []float64{30, 30})
	require.ErrorIs(t, err, pyramid.ErrNoSuchData)
}

func TestReadUndefinedDomain(t *testing.T) {
	ctx := context.Background()
	r := NewReader(threeScales(t))
	defer r.Close()

	g, err := r.GridGeometry(ctx)
	require.NoError(t, err)
	assert.Equal(t, grid.NewExtent2D(0, 0, 40, 40), g.Extent)
	assert.Equal(t, []float64{1, 1}, g.Resolution())
	assert.Empty(t, g.Axes)

	cov, err := r.Read(ctx, grid.Undefined)
	require.NoError(t, err)
	assert.Equal(t, g.Extent, cov.GridGeometry().Extent)
}

func TestEmptySource(t *testing.T) {
	ctx := context.Background()
	empty, err := pyramid.New("empty", grid.WGS84)
	require.NoError(t, err)
	r := NewReader(memstore.NewSource(nil, empty))
	defer r.Close()

	g, err := r.GridGeometry(ctx)
	require.NoError(t, err)
	assert.True(t, g.IsUndefined())

	_, err = r.Read(ctx, grid.Undefined)
	require.ErrorIs(t, err, pyramid.ErrNoSuchData)
}

func TestReadReprojectedWithNaNBounds(t *testing.T) {
	ctx := context.Background()
	p, err := pyramid.New("mercator", grid.WebMercator, level("m", 1e6, 4, constant(3), -2e7, 2e7))
	require.NoError(t, err)
	r := NewReader(memstore.NewSource(nil, p))
	defer r.Close()

	// the poles have no mercator ordinate
	world, err := grid.NewEnvelope(grid.WGS84, []float64{-180, -90}, []float64{180, 90})
	require.NoError(t, err)
	cov, err := r.Read(ctx, grid.FromEnvelope(world))
	require.NoError(t, err)
	assert.Equal(t, grid.NewExtent2D(0, 0, 40, 40), cov.GridGeometry().Extent)
}

func TestStackGeometry(t *testing.T) {
	ctx := context.Background()
	r := NewReader(cube(t))
	defer r.Close()

	g, err := r.GridGeometry(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int64{0, 0, 0}, g.Extent.Low)
	assert.Equal(t, []int64{20, 20, 3}, g.Extent.High)
	axis, ok := g.Axis(2)
	require.True(t, ok)
	assert.Equal(t, []float64{10, 20, 40}, axis.Values)
	assert.Equal(t, [][2]float64{{5, 15}, {15, 30}, {30, 50}}, axis.Ranges)

	cov, err := r.Read(ctx, grid.Undefined)
	require.NoError(t, err)
	stack, ok := cov.(*Stack)
	require.True(t, ok)
	assert.Equal(t, 2, stack.Dimension())
	assert.Len(t, stack.Slices(), 3)
	assert.Equal(t, g.Extent, cov.GridGeometry().Extent)

	_, err = cov.Render(ctx, nil)
	require.ErrorIs(t, err, pyramid.ErrIllegalGeometry)

	region := grid.NewExtent2D(0, 0, 20, 20).Append(1, 2)
	out, err := cov.Render(ctx, &region)
	require.NoError(t, err)
	assert.Equal(t, 20.0, out.Sample(3, 3, 0))

	region = grid.NewExtent2D(0, 0, 20, 20).Append(0, 2)
	_, err = cov.Render(ctx, &region)
	require.ErrorIs(t, err, pyramid.ErrIllegalGeometry)

	v, err := Evaluate(ctx, cov, []float64{5, 5, 29})
	require.NoError(t, err)
	assert.Equal(t, []float64{20}, v)
	v, err = Evaluate(ctx, cov, []float64{5, 5, 30})
	require.NoError(t, err)
	assert.Equal(t, []float64{40}, v)

	_, err = Evaluate(ctx, cov, []float64{5, 5, 100})
	require.ErrorIs(t, err, pyramid.ErrNoSuchData)
	_, err = Evaluate(ctx, cov, []float64{5, 5})
	require.ErrorIs(t, err, pyramid.ErrIllegalGeometry)
}

func TestReadSingleSlice(t *testing.T) {
	ctx := context.Background()
	r := NewReader(cube(t))
	defer r.Close()

	env, err := grid.NewEnvelope(grid.WGS84.WithExtraAxes(1), []float64{0, 0, 20}, []float64{20, 20, 20})
	require.NoError(t, err)
	cov, err := r.Read(ctx, grid.FromEnvelope(env))
	require.NoError(t, err)
	_, ok := cov.(*Grid2D)
	require.True(t, ok)

	out, err := cov.Render(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 20.0, out.Sample(0, 0, 0))
	axis, ok := cov.GridGeometry().Axis(2)
	require.True(t, ok)
	assert.Equal(t, []float64{20}, axis.Values)
}

func TestMalformedGrouping(t *testing.T) {
	ctx := context.Background()
	r := NewReader(cube(t, level("z20bis", 1, 2, constant(20), 0, 20, 20)))
	defer r.Close()

	_, err := r.Read(ctx, grid.Undefined)
	require.ErrorIs(t, err, pyramid.ErrIllegalGeometry)
}

func TestStackSizeMismatch(t *testing.T) {
	ctx := context.Background()
	crs := grid.WGS84.WithExtraAxes(1)
	a, err := mosaic.New(ctx, level("a", 1, 2, constant(1), 0, 20, 1))
	require.NoError(t, err)
	defer a.Close()
	b, err := mosaic.New(ctx, level("b", 1, 3, constant(2), 0, 30, 2))
	require.NoError(t, err)
	defer b.Close()

	_, err = NewStack(2, []float64{1, 2}, []Coverage{NewGrid2D(a, crs), NewGrid2D(b, crs)})
	require.ErrorIs(t, err, pyramid.ErrIllegalGeometry)

	_, err = NewStack(2, []float64{2, 1}, []Coverage{NewGrid2D(a, crs), NewGrid2D(a, crs)})
	require.ErrorIs(t, err, pyramid.ErrIllegalGeometry)

	s, err := NewStack(2, []float64{1, 2}, []Coverage{NewGrid2D(a, crs), NewGrid2D(a, crs)})
	require.NoError(t, err)
	assert.Equal(t, int64(2), s.GridGeometry().Extent.Size(2))
}

func TestInvalidDomain(t *testing.T) {
	ctx := context.Background()
	r := NewReader(threeScales(t))
	defer r.Close()

	tr := grid.NorthUp(0, 40, 1)
	domain := grid.Geometry{Extent: grid.Extent{Low: []int64{0}, High: []int64{10}}, CRS: grid.WGS84, GridToCRS: &tr}
	_, err := r.Read(ctx, domain)
	require.ErrorIs(t, err, pyramid.ErrIllegalGeometry)
}

func TestProfile(t *testing.T) {
	ctx := context.Background()
	p, err := pyramid.New("dem", grid.WGS84, level("s1", 1, 4, func(x, _ int) float64 { return float64(x) }, 0, 40))
	require.NoError(t, err)
	r := NewReader(memstore.NewSource(nil, p))
	defer r.Close()
	cov, err := r.Read(ctx, grid.Undefined)
	require.NoError(t, err)

	samples, err := Profile(ctx, cov, [][2]float64{{0.5, 35.5}, {25.5, 35.5}, {25.5, 35.2}})
	require.NoError(t, err)
	// the last segment stays in the last pixel of the first one
	require.Len(t, samples, 26)
	assert.Equal(t, 0.5, samples[0].X)
	assert.Equal(t, 35.5, samples[0].Y)
	assert.Equal(t, []float64{0}, samples[0].Values)
	assert.Equal(t, []float64{1}, samples[15].Values)
	assert.Equal(t, []float64{2}, samples[25].Values)

	_, err = Profile(ctx, cov, [][2]float64{{0.5, 35.5}})
	require.Error(t, err)
	_, err = Profile(ctx, cov, [][2]float64{{0.5, 35.5}, {80, 35.5}})
	require.ErrorIs(t, err, pyramid.ErrNoSuchData)
}

func TestBuildTree(t *testing.T) {
	crs4 := []pyramid.Mosaic{
		level("a", 1, 1, constant(0), 0, 10, 1, 100),
		level("b", 1, 1, constant(0), 0, 10, 2, 100),
		level("c", 1, 1, constant(0), 0, 10, 1, 200),
		level("d", 1, 1, constant(0), 0, 10, 2, 200),
	}
	root, err := buildTree(crs4, 3)
	require.NoError(t, err)
	assert.Equal(t, 3, root.dim)
	assert.Equal(t, []float64{100, 200}, root.keys)
	require.Len(t, root.children, 2)
	assert.Equal(t, []float64{1, 2}, root.children[1].keys)
	assert.Equal(t, "d", root.children[1].children[1].mosaic.Descriptor().ID)

	_, err = buildTree(crs4[:1], 1)
	require.NoError(t, err)
	_, err = buildTree(crs4, 1)
	require.ErrorIs(t, err, pyramid.ErrIllegalGeometry)
}

func TestRegion(t *testing.T) {
	ctx := context.Background()
	r := NewReader(threeScales(t))
	defer r.Close()
	env, err := grid.NewEnvelope(grid.WGS84, []float64{5, 5}, []float64{15, 15})
	require.NoError(t, err)
	domain, err := grid.FromEnvelopeResolution(env, 1)
	require.NoError(t, err)
	cov, err := r.Read(ctx, domain)
	require.NoError(t, err)
	g := cov.GridGeometry()

	region, err := Region(g, &geom.Extent{5, 5, 15, 15})
	require.NoError(t, err)
	assert.Equal(t, grid.NewExtent2D(5, 5, 10, 10), region)

	region, err = Region(g, &geom.Extent{-10, 5.5, 3, 30})
	require.NoError(t, err)
	assert.Equal(t, grid.NewExtent2D(0, 0, 3, 15), region)

	region, err = Region(g, nil)
	require.NoError(t, err)
	assert.Equal(t, g.Extent, region)

	_, err = Region(g, &geom.Extent{30, 30, 40, 40})
	require.ErrorIs(t, err, pyramid.ErrNoSuchData)

	stack := NewReader(cube(t))
	defer stack.Close()
	cov, err = stack.Read(ctx, grid.Undefined)
	require.NoError(t, err)
	_, err = Region(cov.GridGeometry(), nil)
	require.ErrorIs(t, err, pyramid.ErrIllegalGeometry)
	region, err = Region(cov.GridGeometry(), nil, 20)
	require.NoError(t, err)
	assert.Equal(t, grid.NewExtent2D(0, 0, 20, 20).Append(1, 2), region)
}
