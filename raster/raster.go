// Package raster holds the in-memory pixel containers shared by the tile stores, the mosaic
// view and the coverages: a sample model describing the layout and a typed, pixel-interleaved
// sample buffer.
package raster

import (
	"errors"
	"fmt"
	"image"
	"math"
)

// DataType is the primitive type of every sample of a raster.
type DataType uint8

const (
	Uint8 DataType = iota + 1
	Int8
	Uint16
	Int16
	Uint32
	Int32
	Float32
	Float64
)

var dataTypeToLabel = map[DataType]string{
	Uint8:   "uint8",
	Int8:    "int8",
	Uint16:  "uint16",
	Int16:   "int16",
	Uint32:  "uint32",
	Int32:   "int32",
	Float32: "float32",
	Float64: "float64",
}

func (t DataType) String() string {
	v, ok := dataTypeToLabel[t]
	if !ok {
		return fmt.Sprintf("unrecognized data type %d", t)
	}
	return v
}

// ParseDataType is the inverse of DataType.String.
func ParseDataType(s string) (DataType, error) {
	for t, label := range dataTypeToLabel {
		if label == s {
			return t, nil
		}
	}
	return 0, fmt.Errorf("unknown data type %q", s)
}

// Size returns the number of bytes of one sample, 0 if unrecognized.
func (t DataType) Size() int {
	switch t {
	case Uint8, Int8:
		return 1
	case Uint16, Int16:
		return 2
	case Uint32, Int32, Float32:
		return 4
	case Float64:
		return 8
	default:
		return 0
	}
}

// IsInteger reports whether the samples are integral.
func (t DataType) IsInteger() bool {
	return t != Float32 && t != Float64
}

// Range returns the smallest and largest value representable by t.
func (t DataType) Range() (float64, float64) {
	switch t {
	case Uint8:
		return 0, math.MaxUint8
	case Int8:
		return math.MinInt8, math.MaxInt8
	case Uint16:
		return 0, math.MaxUint16
	case Int16:
		return math.MinInt16, math.MaxInt16
	case Uint32:
		return 0, math.MaxUint32
	case Int32:
		return math.MinInt32, math.MaxInt32
	case Float32:
		return -math.MaxFloat32, math.MaxFloat32
	default:
		return -math.MaxFloat64, math.MaxFloat64
	}
}

// SampleModel describes the layout of a raster: its size in pixels, its number of bands
// and the primitive type of its samples. Samples are stored pixel interleaved,
// index = (y*Width+x)*Bands + band.
type SampleModel struct {
	Width    int
	Height   int
	Bands    int
	DataType DataType
}

// Validate checks that the model can back a buffer.
func (sm SampleModel) Validate() error {
	if sm.Width <= 0 || sm.Height <= 0 {
		return fmt.Errorf("invalid raster size %dx%d", sm.Width, sm.Height)
	}
	if sm.Bands <= 0 {
		return fmt.Errorf("invalid band count %d", sm.Bands)
	}
	if sm.DataType.Size() == 0 {
		return fmt.Errorf("invalid data type %d", sm.DataType)
	}
	return nil
}

// Len returns the number of samples.
func (sm SampleModel) Len() int { return sm.Width * sm.Height * sm.Bands }

// ByteSize returns the size of the sample buffer in bytes.
func (sm SampleModel) ByteSize() int { return sm.Len() * sm.DataType.Size() }

// Resize returns the same layout with another pixel size.
func (sm SampleModel) Resize(width, height int) SampleModel {
	sm.Width, sm.Height = width, height
	return sm
}

// Raster is a rectangular block of samples positioned at Min in some pixel space.
// The sample buffer is one of []uint8, []int8, []uint16, []int16, []uint32, []int32,
// []float32 or []float64 depending on the model data type.
type Raster struct {
	min   image.Point
	model SampleModel
	data  any
}

// New allocates a zero-filled raster with its upper-left pixel at origin.
func New(model SampleModel, origin image.Point) *Raster {
	return &Raster{min: origin, model: model, data: makeBuffer(model.DataType, model.Len())}
}

// FromData wraps an existing typed buffer. The buffer type must match the model data type
// and its length must be model.Len().
func FromData(model SampleModel, origin image.Point, data any) (*Raster, error) {
	if err := model.Validate(); err != nil {
		return nil, err
	}
	dt, n, ok := bufferInfo(data)
	if !ok {
		return nil, fmt.Errorf("unsupported sample buffer %T", data)
	}
	if dt != model.DataType {
		return nil, fmt.Errorf("sample buffer is %s, model declares %s", dt, model.DataType)
	}
	if n != model.Len() {
		return nil, fmt.Errorf("sample buffer holds %d samples, model needs %d", n, model.Len())
	}
	return &Raster{min: origin, model: model, data: data}, nil
}

func (r *Raster) Model() SampleModel  { return r.model }
func (r *Raster) Bands() int          { return r.model.Bands }
func (r *Raster) DataType() DataType  { return r.model.DataType }
func (r *Raster) Data() any           { return r.data }
func (r *Raster) Origin() image.Point { return r.min }

// Bounds returns the pixel rectangle covered by r, max exclusive.
func (r *Raster) Bounds() image.Rectangle {
	return image.Rectangle{Min: r.min, Max: r.min.Add(image.Pt(r.model.Width, r.model.Height))}
}

// Translate returns a raster sharing r's samples with its upper-left pixel at origin.
func (r *Raster) Translate(origin image.Point) *Raster {
	return &Raster{min: origin, model: r.model, data: r.data}
}

func (r *Raster) index(x, y, band int) int {
	return ((y-r.min.Y)*r.model.Width+(x-r.min.X))*r.model.Bands + band
}

// Sample returns the sample of band at the absolute pixel (x, y).
func (r *Raster) Sample(x, y, band int) float64 {
	i := r.index(x, y, band)
	switch d := r.data.(type) {
	case []uint8:
		return float64(d[i])
	case []int8:
		return float64(d[i])
	case []uint16:
		return float64(d[i])
	case []int16:
		return float64(d[i])
	case []uint32:
		return float64(d[i])
	case []int32:
		return float64(d[i])
	case []float32:
		return float64(d[i])
	case []float64:
		return d[i]
	}
	return math.NaN()
}

// SetSample stores v, clamped to the data type range, in band at the absolute pixel (x, y).
func (r *Raster) SetSample(x, y, band int, v float64) {
	i := r.index(x, y, band)
	switch d := r.data.(type) {
	case []uint8:
		d[i] = castSample[uint8](v, Uint8)
	case []int8:
		d[i] = castSample[int8](v, Int8)
	case []uint16:
		d[i] = castSample[uint16](v, Uint16)
	case []int16:
		d[i] = castSample[int16](v, Int16)
	case []uint32:
		d[i] = castSample[uint32](v, Uint32)
	case []int32:
		d[i] = castSample[int32](v, Int32)
	case []float32:
		d[i] = float32(v)
	case []float64:
		d[i] = v
	}
}

// Pixel returns all band samples at (x, y).
func (r *Raster) Pixel(x, y int) []float64 {
	px := make([]float64, r.model.Bands)
	for b := range px {
		px[b] = r.Sample(x, y, b)
	}
	return px
}

// Fill sets every sample of band to v.
func (r *Raster) Fill(band int, v float64) {
	b := r.Bounds()
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			r.SetSample(x, y, band, v)
		}
	}
}

// IsZero reports whether every sample equals zero.
func (r *Raster) IsZero() bool {
	b := r.Bounds()
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			for band := 0; band < r.model.Bands; band++ {
				if r.Sample(x, y, band) != 0 {
					return false
				}
			}
		}
	}
	return true
}

// MinMax returns the extreme values of band, ignoring NaN. ok is false when band holds no
// finite value.
func (r *Raster) MinMax(band int) (lo, hi float64, ok bool) {
	lo, hi = math.Inf(1), math.Inf(-1)
	b := r.Bounds()
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			v := r.Sample(x, y, band)
			if math.IsNaN(v) || math.IsInf(v, 0) {
				continue
			}
			lo, hi = math.Min(lo, v), math.Max(hi, v)
			ok = true
		}
	}
	return lo, hi, ok
}

// ErrLayoutMismatch is returned when two rasters cannot exchange data elements directly.
var ErrLayoutMismatch = errors.New("raster layouts differ")

// CopyFrom copies the samples of src inside region into r. region is expressed in the
// shared pixel space and clipped to both rasters; an empty intersection is a no-op.
// Both rasters must have the same bands and data type: rows are moved as whole
// data-element runs without going through per-pixel accessors.
func (r *Raster) CopyFrom(src *Raster, region image.Rectangle) error {
	if src.model.Bands != r.model.Bands || src.model.DataType != r.model.DataType {
		return fmt.Errorf("%w: %d bands of %s into %d bands of %s", ErrLayoutMismatch,
			src.model.Bands, src.model.DataType, r.model.Bands, r.model.DataType)
	}
	region = region.Intersect(r.Bounds()).Intersect(src.Bounds())
	if region.Empty() {
		return nil
	}
	switch d := r.data.(type) {
	case []uint8:
		copyRows(d, src.data.([]uint8), r, src, region)
	case []int8:
		copyRows(d, src.data.([]int8), r, src, region)
	case []uint16:
		copyRows(d, src.data.([]uint16), r, src, region)
	case []int16:
		copyRows(d, src.data.([]int16), r, src, region)
	case []uint32:
		copyRows(d, src.data.([]uint32), r, src, region)
	case []int32:
		copyRows(d, src.data.([]int32), r, src, region)
	case []float32:
		copyRows(d, src.data.([]float32), r, src, region)
	case []float64:
		copyRows(d, src.data.([]float64), r, src, region)
	default:
		return fmt.Errorf("unsupported sample buffer %T", r.data)
	}
	return nil
}

func copyRows[T any](dst, src []T, dr, sr *Raster, region image.Rectangle) {
	run := region.Dx() * dr.model.Bands
	for y := region.Min.Y; y < region.Max.Y; y++ {
		di := dr.index(region.Min.X, y, 0)
		si := sr.index(region.Min.X, y, 0)
		copy(dst[di:di+run], src[si:si+run])
	}
}

// Clone returns a deep copy of r.
func (r *Raster) Clone() *Raster {
	c := New(r.model, r.min)
	_ = c.CopyFrom(r, r.Bounds())
	return c
}
