package raster

import (
	"image"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewIsZeroFilled(t *testing.T) {
	r := New(SampleModel{Width: 4, Height: 3, Bands: 2, DataType: Int16}, image.Pt(10, 20))
	require.Equal(t, image.Rect(10, 20, 14, 23), r.Bounds())
	require.Len(t, r.Data().([]int16), 24)
	require.True(t, r.IsZero())
}

func TestSampleAddressing(t *testing.T) {
	r := New(SampleModel{Width: 3, Height: 2, Bands: 2, DataType: Float32}, image.Pt(5, 5))
	r.SetSample(7, 6, 1, 42.5)
	assert.Equal(t, 42.5, r.Sample(7, 6, 1))
	// last element of the interleaved buffer
	assert.Equal(t, float32(42.5), r.Data().([]float32)[11])
	assert.Equal(t, []float64{0, 42.5}, r.Pixel(7, 6))
}

func TestSetSampleClamps(t *testing.T) {
	r := New(SampleModel{Width: 1, Height: 1, Bands: 1, DataType: Uint8}, image.Point{})
	r.SetSample(0, 0, 0, 300)
	assert.Equal(t, 255.0, r.Sample(0, 0, 0))
	r.SetSample(0, 0, 0, -4)
	assert.Equal(t, 0.0, r.Sample(0, 0, 0))
	r.SetSample(0, 0, 0, 2.6)
	assert.Equal(t, 3.0, r.Sample(0, 0, 0))
}

func TestFromData(t *testing.T) {
	model := SampleModel{Width: 2, Height: 2, Bands: 1, DataType: Uint16}
	r, err := FromData(model, image.Point{}, []uint16{1, 2, 3, 4})
	require.NoError(t, err)
	assert.Equal(t, 4.0, r.Sample(1, 1, 0))

	_, err = FromData(model, image.Point{}, []uint16{1, 2, 3})
	require.Error(t, err)
	_, err = FromData(model, image.Point{}, []float32{1, 2, 3, 4})
	require.Error(t, err)
}

func TestCopyFrom(t *testing.T) {
	model := SampleModel{Width: 2, Height: 2, Bands: 1, DataType: Int32}
	src, err := FromData(model, image.Pt(2, 2), []int32{1, 2, 3, 4})
	require.NoError(t, err)

	dst := New(model.Resize(4, 4), image.Point{})
	require.NoError(t, dst.CopyFrom(src, image.Rect(0, 0, 100, 100)))
	assert.Equal(t, 1.0, dst.Sample(2, 2, 0))
	assert.Equal(t, 4.0, dst.Sample(3, 3, 0))
	assert.Equal(t, 0.0, dst.Sample(1, 1, 0))

	// partial region
	dst = New(model.Resize(4, 4), image.Point{})
	require.NoError(t, dst.CopyFrom(src, image.Rect(3, 2, 4, 3)))
	assert.Equal(t, 0.0, dst.Sample(2, 2, 0))
	assert.Equal(t, 2.0, dst.Sample(3, 2, 0))
	assert.Equal(t, 0.0, dst.Sample(3, 3, 0))

	other := New(SampleModel{Width: 2, Height: 2, Bands: 1, DataType: Float64}, image.Point{})
	require.ErrorIs(t, dst.CopyFrom(other, other.Bounds()), ErrLayoutMismatch)
}

func TestTranslateSharesData(t *testing.T) {
	r := New(SampleModel{Width: 2, Height: 1, Bands: 1, DataType: Uint8}, image.Point{})
	moved := r.Translate(image.Pt(100, 50))
	moved.SetSample(101, 50, 0, 9)
	assert.Equal(t, 9.0, r.Sample(1, 0, 0))
	assert.Equal(t, image.Rect(100, 50, 102, 51), moved.Bounds())
}

func TestConvert(t *testing.T) {
	model := SampleModel{Width: 4, Height: 1, Bands: 1, DataType: Float64}
	r, err := FromData(model, image.Pt(1, 1), []float64{-10, 12.4, 1000, math.NaN()})
	require.NoError(t, err)

	c, err := r.Convert(Uint8)
	require.NoError(t, err)
	assert.Equal(t, Uint8, c.DataType())
	assert.Equal(t, []uint8{0, 12, 255, 0}, c.Data())
	assert.Equal(t, r.Bounds(), c.Bounds())

	same, err := r.Convert(Float64)
	require.NoError(t, err)
	assert.Same(t, r, same)
}

func TestMinMaxAndImage(t *testing.T) {
	model := SampleModel{Width: 3, Height: 1, Bands: 1, DataType: Float32}
	r, err := FromData(model, image.Point{}, []float32{2, float32(math.NaN()), 6})
	require.NoError(t, err)
	lo, hi, ok := r.MinMax(0)
	require.True(t, ok)
	assert.Equal(t, 2.0, lo)
	assert.Equal(t, 6.0, hi)

	img := r.ToImage(0, nil)
	assert.Equal(t, uint16(0), img.Gray16At(0, 0).Y)
	assert.Equal(t, uint16(0), img.Gray16At(1, 0).Y)
	assert.Equal(t, uint16(math.MaxUint16), img.Gray16At(2, 0).Y)
}

func TestParseDataType(t *testing.T) {
	for _, dt := range []DataType{Uint8, Int8, Uint16, Int16, Uint32, Int32, Float32, Float64} {
		got, err := ParseDataType(dt.String())
		require.NoError(t, err)
		assert.Equal(t, dt, got)
	}
	_, err := ParseDataType("complex64")
	require.Error(t, err)
}
