package featureset

import (
	"context"
	"errors"
	"image"
	"sync/atomic"
	"testing"

	"github.com/go-spatial/geom"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/akhenakh/tilepyramid/feature"
	"github.com/akhenakh/tilepyramid/grid"
	"github.com/akhenakh/tilepyramid/memstore"
	"github.com/akhenakh/tilepyramid/pyramid"
	"github.com/akhenakh/tilepyramid/raster"
)

func point(id uint64, x, y float64, kind string) feature.Feature {
	return feature.Feature{ID: id, Geometry: geom.Point{x, y}, Properties: map[string]any{"kind": kind}}
}

type fixture struct {
	reader *Reader
	coarse *memstore.Mosaic
	fine   *memstore.Mosaic
	opened *atomic.Int32
}

// newFixture covers x [0, 100] y [0, 100] with a coarse level of one tile and a fine level of
// 2x2 tiles, tile (0, 1) missing and tile (1, 1) deferred.
func newFixture(t *testing.T) fixture {
	t.Helper()
	coarse := memstore.NewMosaic(pyramid.Descriptor{
		ID: "coarse", Scale: 10, TileSize: image.Pt(10, 10), GridSize: image.Pt(1, 1), UpperLeft: []float64{0, 100},
	})
	coarse.PutFeatures(0, 0, []feature.Feature{point(9, 50, 50, "summary")})

	fine := memstore.NewMosaic(pyramid.Descriptor{
		ID: "fine", Scale: 1, TileSize: image.Pt(50, 50), GridSize: image.Pt(2, 2), UpperLeft: []float64{0, 100},
	})
	fine.PutFeatures(0, 0, []feature.Feature{point(1, 10, 90, "tree"), point(2, 40, 60, "rock")})
	fine.PutFeatures(1, 0, []feature.Feature{point(3, 60, 90, "well")})
	fine.MarkMissing(0, 1)
	opened := &atomic.Int32{}
	fine.PutDeferred(1, 1, func(context.Context) (pyramid.Resource, error) {
		opened.Add(1)
		return memstore.NewFeatureTile([]feature.Feature{point(4, 70, 20, "tree")}), nil
	})

	p, err := pyramid.New("poi", grid.WGS84, coarse, fine)
	require.NoError(t, err)
	return fixture{reader: NewReader(p), coarse: coarse, fine: fine, opened: opened}
}

func ids(t *testing.T, it feature.Iterator) []uint64 {
	t.Helper()
	fs, err := feature.Collect(it)
	require.NoError(t, err)
	out := make([]uint64, 0, len(fs))
	for _, f := range fs {
		out = append(out, f.ID)
	}
	return out
}

func TestMosaicSelection(t *testing.T) {
	f := newFixture(t)
	tests := []struct {
		res  float64
		want string
	}{
		{0, "coarse"},
		{-1, "coarse"},
		{5, "fine"},
		{10, "coarse"},
		{50, "coarse"},
		{0.1, "fine"},
	}
	for _, tc := range tests {
		m, err := f.reader.Mosaic(tc.res)
		require.NoError(t, err)
		assert.Equal(t, tc.want, m.Descriptor().ID, "resolution %v", tc.res)
	}

	empty, err := pyramid.New("empty", grid.WGS84)
	require.NoError(t, err)
	_, err = NewReader(empty).Mosaic(0)
	require.ErrorIs(t, err, pyramid.ErrNoSuchData)
}

func TestFeaturesRowMajor(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	it, err := f.reader.Features(ctx, Query{LinearResolution: 1})
	require.NoError(t, err)
	assert.Equal(t, []uint64{1, 2, 3, 4}, ids(t, it))
	assert.Equal(t, int32(1), f.opened.Load())
	// missing tiles are never fetched
	assert.Equal(t, 0, f.fine.Fetches(0, 1))

	it, err = f.reader.Features(ctx, Query{})
	require.NoError(t, err)
	assert.Equal(t, []uint64{9}, ids(t, it))
}

func TestFeaturesAreLazy(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	it, err := f.reader.Features(ctx, Query{LinearResolution: 1})
	require.NoError(t, err)
	require.True(t, it.Next())
	assert.Equal(t, uint64(1), it.Feature().ID)
	assert.Equal(t, 0, f.fine.Fetches(1, 0))
	assert.Equal(t, int32(0), f.opened.Load())

	require.NoError(t, it.Close())
	assert.False(t, it.Next())
	assert.Equal(t, int32(0), f.opened.Load())
}

func TestFeaturesBounded(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	q := Query{LinearResolution: 1, Filter: feature.BBox{Extent: &geom.Extent{0, 55, 45, 95}}}
	it, err := f.reader.Features(ctx, q)
	require.NoError(t, err)
	assert.Equal(t, []uint64{1, 2}, ids(t, it))
	assert.Equal(t, 0, f.fine.Fetches(1, 0))
	assert.Equal(t, int32(0), f.opened.Load())

	// the rtree of the deferred tile answers the bounded lookup
	q.Filter = feature.And{
		feature.BBox{Extent: &geom.Extent{55, 0, 100, 100}},
		feature.PropertyEquals{Name: "kind", Value: "tree"},
	}
	it, err = f.reader.Features(ctx, q)
	require.NoError(t, err)
	assert.Equal(t, []uint64{4}, ids(t, it))

	// disjoint boxes select no tile
	q.Filter = feature.And{
		feature.BBox{Extent: &geom.Extent{0, 0, 10, 10}},
		feature.BBox{Extent: &geom.Extent{90, 90, 100, 100}},
	}
	it, err = f.reader.Features(ctx, q)
	require.NoError(t, err)
	assert.Empty(t, ids(t, it))
}

func TestFeaturesUnboundedFilter(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	q := Query{LinearResolution: 1, Filter: feature.Not{Filter: feature.PropertyEquals{Name: "kind", Value: "tree"}}}
	it, err := f.reader.Features(ctx, q)
	require.NoError(t, err)
	assert.Equal(t, []uint64{2, 3}, ids(t, it))
}

func TestFeatureTileErrors(t *testing.T) {
	ctx := context.Background()

	t.Run("read error", func(t *testing.T) {
		f := newFixture(t)
		boom := errors.New("boom")
		f.fine.PutError(1, 0, boom)
		it, err := f.reader.Features(ctx, Query{LinearResolution: 1})
		require.NoError(t, err)
		fs, err := feature.Collect(it)
		require.ErrorIs(t, err, boom)
		assert.Len(t, fs, 2)
	})

	t.Run("raster tile", func(t *testing.T) {
		f := newFixture(t)
		f.fine.PutRaster(1, 0, raster.New(raster.SampleModel{Width: 50, Height: 50, Bands: 1, DataType: raster.Uint8}, image.Point{}))
		it, err := f.reader.Features(ctx, Query{LinearResolution: 1})
		require.NoError(t, err)
		_, err = feature.Collect(it)
		require.ErrorIs(t, err, pyramid.ErrInconsistentTile)
	})

	t.Run("cancelled", func(t *testing.T) {
		f := newFixture(t)
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		it, err := f.reader.Features(cctx, Query{LinearResolution: 1})
		require.NoError(t, err)
		_, err = feature.Collect(it)
		require.ErrorIs(t, err, context.Canceled)
	})
}
