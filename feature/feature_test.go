package feature

import (
	"testing"

	"github.com/go-spatial/geom"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func point(id uint64, x, y float64, props map[string]any) Feature {
	return Feature{ID: id, Geometry: geom.Point{x, y}, Properties: props}
}

func TestSliceIterator(t *testing.T) {
	fs := []Feature{point(1, 0, 0, nil), point(2, 1, 1, nil)}
	got, err := Collect(NewSliceIterator(fs))
	require.NoError(t, err)
	assert.Equal(t, fs, got)

	it := NewSliceIterator(nil)
	assert.False(t, it.Next())
	assert.False(t, it.Next())
}

func TestFilters(t *testing.T) {
	f := point(1, 5, 5, map[string]any{"kind": "buoy", "depth": 12.0})
	tests := []struct {
		name   string
		filter Filter
		want   bool
	}{
		{"all", All{}, true},
		{"bbox in", BBox{Extent: &geom.Extent{0, 0, 10, 10}}, true},
		{"bbox out", BBox{Extent: &geom.Extent{6, 6, 10, 10}}, false},
		{"property", PropertyEquals{Name: "kind", Value: "buoy"}, true},
		{"numeric property", PropertyEquals{Name: "depth", Value: 12}, true},
		{"missing property", PropertyEquals{Name: "color", Value: "red"}, false},
		{"and", And{All{}, PropertyEquals{Name: "kind", Value: "wreck"}}, false},
		{"or", Or{PropertyEquals{Name: "kind", Value: "wreck"}, All{}}, true},
		{"not", Not{Filter: All{}}, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, tc.filter.Evaluate(f))
		})
	}
}

func TestBounds(t *testing.T) {
	a := BBox{Extent: &geom.Extent{0, 0, 10, 10}}
	b := BBox{Extent: &geom.Extent{5, -5, 20, 5}}
	prop := PropertyEquals{Name: "kind", Value: "buoy"}

	tests := []struct {
		name   string
		filter Filter
		want   *geom.Extent
		ok     bool
	}{
		{"nil", nil, nil, false},
		{"property", prop, nil, false},
		{"bbox", a, &geom.Extent{0, 0, 10, 10}, true},
		{"and intersects", And{a, prop, b}, &geom.Extent{5, 0, 10, 5}, true},
		{"and unbounded", And{prop}, nil, false},
		{"or unions", Or{a, b}, &geom.Extent{0, -5, 20, 10}, true},
		{"or with unbounded child", Or{a, prop}, nil, false},
		{"not", Not{Filter: a}, nil, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := Bounds(tc.filter)
			require.Equal(t, tc.ok, ok)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestGeoJSONRoundTrip(t *testing.T) {
	fs := []Feature{point(7, 1.5, 2.5, map[string]any{"name": "a"})}
	data, err := EncodeGeoJSON(fs)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"FeatureCollection"`)

	got, err := DecodeGeoJSON(data)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, uint64(7), got[0].ID)
	assert.Equal(t, "a", got[0].Properties["name"])
	pt, ok := got[0].Geometry.(geom.Point)
	require.True(t, ok)
	assert.Equal(t, geom.Point{1.5, 2.5}, pt)
}
