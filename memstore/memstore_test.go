package memstore

import (
	"context"
	"errors"
	"image"
	"testing"

	"github.com/go-spatial/geom"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/akhenakh/tilepyramid/feature"
	"github.com/akhenakh/tilepyramid/pyramid"
	"github.com/akhenakh/tilepyramid/raster"
)

func testDescriptor() pyramid.Descriptor {
	return pyramid.Descriptor{
		ID:         "m",
		Scale:      1,
		TileSize:   image.Pt(4, 4),
		GridSize:   image.Pt(3, 2),
		UpperLeft:  []float64{0, 8},
		DataExtent: image.Rect(0, 0, 2, 2),
	}
}

func TestMosaicTiles(t *testing.T) {
	ctx := context.Background()
	m := NewMosaic(testDescriptor())

	tile, err := m.AnyTile(ctx)
	require.NoError(t, err)
	require.Nil(t, tile)

	r := raster.New(raster.SampleModel{Width: 4, Height: 4, Bands: 1, DataType: raster.Uint8}, image.Pt(40, 40))
	m.PutRaster(1, 1, r)
	m.PutRaster(1, 0, r)

	tile, err = m.AnyTile(ctx)
	require.NoError(t, err)
	assert.Equal(t, image.Pt(1, 0), tile.Position())

	got, err := pyramid.ReadRaster(ctx, tile)
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 4, 4), got.Bounds())

	tile, err = m.Tile(ctx, 0, 0)
	require.NoError(t, err)
	assert.Nil(t, tile)
	assert.Equal(t, 1, m.Fetches(0, 0))

	_, err = m.Tile(ctx, 5, 0)
	require.ErrorIs(t, err, pyramid.ErrNoSuchData)

	boom := errors.New("boom")
	m.PutError(0, 1, boom)
	_, err = m.Tile(ctx, 0, 1)
	require.ErrorIs(t, err, boom)
}

func TestMosaicMissing(t *testing.T) {
	m := NewMosaic(testDescriptor())
	assert.False(t, m.IsMissing(0, 0))
	// outside the data extent
	assert.True(t, m.IsMissing(2, 0))

	m.MarkMissing(1, 1)
	assert.True(t, m.IsMissing(1, 1))
	m.PutRaster(1, 1, raster.New(raster.SampleModel{Width: 4, Height: 4, Bands: 1, DataType: raster.Uint8}, image.Point{}))
	assert.False(t, m.IsMissing(1, 1))
}

func TestDeferredTile(t *testing.T) {
	ctx := context.Background()
	m := NewMosaic(testDescriptor())
	opened := 0
	m.PutDeferred(0, 0, func(context.Context) (pyramid.Resource, error) {
		opened++
		return raster.New(raster.SampleModel{Width: 4, Height: 4, Bands: 2, DataType: raster.Int16}, image.Point{}), nil
	})
	tile, err := m.Tile(ctx, 0, 0)
	require.NoError(t, err)
	_, ok := tile.(pyramid.DeferredTile)
	require.True(t, ok)
	assert.Equal(t, 0, opened)

	r, err := pyramid.ReadRaster(ctx, tile)
	require.NoError(t, err)
	assert.Equal(t, 2, r.Bands())
	assert.Equal(t, 1, opened)
}

func TestFeatureTile(t *testing.T) {
	ctx := context.Background()
	fs := []feature.Feature{
		{ID: 1, Geometry: geom.Point{1, 1}},
		{ID: 2, Geometry: geom.Point{5, 5}},
		{ID: 3, Geometry: geom.LineString{{0, 4}, {4, 4}}},
		{ID: 4},
	}
	ft := NewFeatureTile(fs)
	assert.Equal(t, 4, ft.Len())

	all, err := ft.Features(ctx)
	require.NoError(t, err)
	got, err := feature.Collect(all)
	require.NoError(t, err)
	assert.Len(t, got, 4)

	in, err := ft.FeaturesIn(ctx, &geom.Extent{0, 0, 4, 4})
	require.NoError(t, err)
	got, err = feature.Collect(in)
	require.NoError(t, err)
	var ids []uint64
	for _, f := range got {
		ids = append(ids, f.ID)
	}
	// touching features match, results keep insertion order
	assert.Equal(t, []uint64{1, 3}, ids)

	// point query on a point
	in, err = ft.FeaturesIn(ctx, &geom.Extent{5, 5, 5, 5})
	require.NoError(t, err)
	got, err = feature.Collect(in)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, uint64(2), got[0].ID)
}
