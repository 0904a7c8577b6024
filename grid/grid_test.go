package grid

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvelopeUnion(t *testing.T) {
	a, err := NewEnvelope(WGS84, []float64{0, 0}, []float64{10, 10})
	require.NoError(t, err)
	b, err := NewEnvelope(WGS84, []float64{5, -5}, []float64{20, 5})
	require.NoError(t, err)

	u := a.Union(b)
	assert.Equal(t, []float64{0, -5}, u.Min)
	assert.Equal(t, []float64{20, 10}, u.Max)

	assert.Equal(t, a.Min, EmptyEnvelope(WGS84).Union(a).Min)
	assert.True(t, EmptyEnvelope(WGS84).IsEmpty())
	assert.True(t, EmptyEnvelope(WGS84).Union(EmptyEnvelope(WGS84)).IsEmpty())
}

func TestEnvelopeIntersects(t *testing.T) {
	a := Envelope{CRS: WGS84, Min: []float64{0, 0}, Max: []float64{10, 10}}
	tests := []struct {
		name string
		o    Envelope
		want bool
	}{
		{"overlap", Envelope{Min: []float64{5, 5}, Max: []float64{15, 15}}, true},
		{"touching", Envelope{Min: []float64{10, 0}, Max: []float64{12, 10}}, true},
		{"disjoint", Envelope{Min: []float64{11, 0}, Max: []float64{12, 10}}, false},
		{"infinite", Envelope{Min: []float64{math.Inf(-1), math.Inf(-1)}, Max: []float64{math.Inf(1), math.Inf(1)}}, true},
		{"empty", Envelope{}, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, a.Intersects(tc.o))
		})
	}
}

func TestWidenNaN(t *testing.T) {
	e := Envelope{Min: []float64{math.NaN(), 1}, Max: []float64{2, math.NaN()}}
	w := e.WidenNaN()
	assert.True(t, math.IsInf(w.Min[0], -1))
	assert.Equal(t, 1.0, w.Min[1])
	assert.Equal(t, 2.0, w.Max[0])
	assert.True(t, math.IsInf(w.Max[1], 1))
	// the receiver is untouched
	assert.True(t, math.IsNaN(e.Min[0]))
}

func TestAffineInvert(t *testing.T) {
	a := NorthUp(100, 50, 0.5)
	inv, err := a.Invert()
	require.NoError(t, err)
	x, y := a.Apply(3, 4)
	assert.Equal(t, 101.5, x)
	assert.Equal(t, 48.0, y)
	c, r := inv.Apply(x, y)
	assert.InDelta(t, 3, c, 1e-12)
	assert.InDelta(t, 4, r, 1e-12)

	_, err = Affine{}.Invert()
	require.Error(t, err)
}

func TestExtentHalfOpen(t *testing.T) {
	e := NewExtent2D(2, 3, 4, 5)
	assert.Equal(t, int64(4), e.Size(0))
	assert.Equal(t, []int64{5, 7}, e.HighInclusive())
	assert.False(t, e.IsEmpty())
	assert.True(t, NewExtent2D(0, 0, 0, 5).IsEmpty())
	assert.Equal(t, 4, e.Rect().Dx())
}

func TestGeometryEnvelope(t *testing.T) {
	tr := NorthUp(0, 100, 10)
	g := Geometry{
		Extent:    NewExtent2D(0, 0, 5, 2).Append(0, 2),
		CRS:       WGS84.WithExtraAxes(1),
		GridToCRS: &tr,
		Axes:      []Axis{{Dimension: 2, Values: []float64{10, 20}, Ranges: [][2]float64{{5, 15}, {15, 25}}}},
	}
	require.NoError(t, g.Validate())
	env := g.Envelope()
	assert.Equal(t, []float64{0, 80, 5}, env.Min)
	assert.Equal(t, []float64{50, 100, 25}, env.Max)
	assert.Equal(t, []float64{10, 10}, g.Resolution())

	h, err := g.Horizontal()
	require.NoError(t, err)
	assert.Equal(t, 2, h.Extent.Dimension())
	assert.Equal(t, 2, h.CRS.Dimension)
}

func TestGeometryValidate(t *testing.T) {
	tr := NorthUp(0, 0, 1)
	g := Geometry{Extent: NewExtent2D(0, 0, 1, 1).Append(0, 3), CRS: WGS84.WithExtraAxes(1), GridToCRS: &tr,
		Axes: []Axis{{Dimension: 2, Values: []float64{1, 2}}}}
	require.Error(t, g.Validate())

	g.Extent = Extent{Low: []int64{0}, High: []int64{1}}
	g.CRS = CRS{Code: "x", Dimension: 1}
	require.ErrorIs(t, g.Validate(), ErrNotHorizontal)

	assert.True(t, Undefined.IsUndefined())
	assert.NoError(t, Undefined.Validate())
}

func TestFromEnvelopeResolution(t *testing.T) {
	env := Envelope{CRS: WGS84, Min: []float64{0, 0}, Max: []float64{10, 5}}
	g, err := FromEnvelopeResolution(env, 2)
	require.NoError(t, err)
	assert.Equal(t, NewExtent2D(0, 0, 5, 3), g.Extent)
	assert.Equal(t, []float64{2, 2}, g.Resolution())

	_, err = FromEnvelopeResolution(env, 0)
	require.Error(t, err)

	g = FromEnvelope(env)
	assert.Nil(t, g.Resolution())
	assert.Equal(t, env.Max, g.Envelope().Max)
}

func TestAxisIndex(t *testing.T) {
	a := Axis{Dimension: 2, Values: []float64{10, 20, 40}, Ranges: [][2]float64{{5, 15}, {15, 30}, {30, 50}}}
	assert.Equal(t, 0, a.Index(5))
	assert.Equal(t, 1, a.Index(15))
	assert.Equal(t, 2, a.Index(50))
	assert.Equal(t, -1, a.Index(51))

	bare := Axis{Dimension: 2, Values: []float64{10, 20}}
	assert.Equal(t, 1, bare.Index(20))
	assert.Equal(t, -1, bare.Index(15))
}

func TestDefaultTransformer(t *testing.T) {
	var tr DefaultTransformer
	require.True(t, tr.CanTransform(WGS84, WebMercator))
	require.False(t, tr.CanTransform(WGS84, CRS{Code: "EPSG:2154", Dimension: 2}))

	pt, err := tr.TransformPoint([]float64{180, 0}, WGS84, WebMercator)
	require.NoError(t, err)
	assert.InDelta(t, 20037508.34, pt[0], 0.01)
	assert.InDelta(t, 0, pt[1], 1e-6)

	back, err := tr.TransformPoint(pt, WebMercator, WGS84)
	require.NoError(t, err)
	assert.InDelta(t, 180, back[0], 1e-9)

	env := Envelope{CRS: WGS84, Min: []float64{-10, -90}, Max: []float64{10, 10}}
	m, err := tr.TransformEnvelope(env, WebMercator)
	require.NoError(t, err)
	assert.True(t, math.IsNaN(m.Min[1]))
	assert.InDelta(t, 1113194.91, m.Max[0], 0.01)
	assert.True(t, m.WidenNaN().Intersects(Envelope{Min: []float64{0, -1e9}, Max: []float64{1, -1e8}}))

	_, err = tr.TransformEnvelope(Envelope{CRS: CRS{Code: "EPSG:2154", Dimension: 2}, Min: []float64{0, 0}, Max: []float64{1, 1}}, WGS84)
	require.ErrorIs(t, err, ErrUnsupportedTransform)
}
