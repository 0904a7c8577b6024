package tilecodec

import (
	"image"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/akhenakh/tilepyramid/raster"
)

func gradient(dt raster.DataType, bands int) *raster.Raster {
	sm := raster.SampleModel{Width: 16, Height: 8, Bands: bands, DataType: dt}
	r := raster.New(sm, image.Point{})
	for y := 0; y < sm.Height; y++ {
		for x := 0; x < sm.Width; x++ {
			for b := 0; b < bands; b++ {
				r.SetSample(x, y, b, float64(x*3+y-b))
			}
		}
	}
	return r
}

func TestRoundTrip(t *testing.T) {
	tests := []struct {
		name  string
		dt    raster.DataType
		bands int
		c     Compression
	}{
		{"uint8 raw", raster.Uint8, 3, None},
		{"int16 deflate", raster.Int16, 1, Deflate},
		{"float32 zstd", raster.Float32, 2, Zstd},
		{"float64 deflate", raster.Float64, 1, Deflate},
		{"int32 zstd", raster.Int32, 1, Zstd},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			src := gradient(tc.dt, tc.bands)
			data, err := Marshal(src, tc.c)
			require.NoError(t, err)

			h, err := ReadHeader(data)
			require.NoError(t, err)
			assert.Equal(t, tc.c, h.Compression)
			assert.Equal(t, src.Model(), h.Model)

			got, err := Unmarshal(data, image.Pt(32, 16))
			require.NoError(t, err)
			assert.Equal(t, image.Rect(32, 16, 48, 24), got.Bounds())
			assert.Equal(t, src.Data(), got.Data())
		})
	}
}

func TestCompressionShrinks(t *testing.T) {
	src := raster.New(raster.SampleModel{Width: 256, Height: 256, Bands: 1, DataType: raster.Float32}, image.Point{})
	raw, err := Marshal(src, None)
	require.NoError(t, err)
	assert.Len(t, raw, headerSize+256*256*4)
	for _, c := range []Compression{Deflate, Zstd} {
		packed, err := Marshal(src, c)
		require.NoError(t, err)
		assert.Less(t, len(packed), len(raw)/10, c.String())
	}
}

func TestInvalidEncodings(t *testing.T) {
	valid, err := Marshal(gradient(raster.Uint16, 1), Zstd)
	require.NoError(t, err)

	corrupt := func(f func([]byte) []byte) []byte {
		return f(append([]byte(nil), valid...))
	}
	tests := []struct {
		name string
		data []byte
	}{
		{"short", valid[:10]},
		{"magic", corrupt(func(b []byte) []byte { b[0] = 'X'; return b })},
		{"version", corrupt(func(b []byte) []byte { b[4] = 9; return b })},
		{"compression", corrupt(func(b []byte) []byte { b[5] = 7; return b })},
		{"data type", corrupt(func(b []byte) []byte { b[6] = 0; return b })},
		{"no band", corrupt(func(b []byte) []byte { b[7], b[8] = 0, 0; return b })},
		{"huge", corrupt(func(b []byte) []byte { b[12] = 0x7f; return b })},
		{"truncated payload", valid[:len(valid)-4]},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Unmarshal(tc.data, image.Point{})
			require.ErrorIs(t, err, ErrFormat)
		})
	}
}

func TestParseCompression(t *testing.T) {
	for _, c := range []Compression{None, Deflate, Zstd} {
		got, err := ParseCompression(c.String())
		require.NoError(t, err)
		assert.Equal(t, c, got)
	}
	_, err := ParseCompression("lzw")
	require.Error(t, err)
}
