package raster

import (
	"fmt"
	"math"

	"golang.org/x/exp/constraints"
)

type number interface {
	constraints.Integer | constraints.Float
}

func makeBuffer(dt DataType, n int) any {
	switch dt {
	case Uint8:
		return make([]uint8, n)
	case Int8:
		return make([]int8, n)
	case Uint16:
		return make([]uint16, n)
	case Int16:
		return make([]int16, n)
	case Uint32:
		return make([]uint32, n)
	case Int32:
		return make([]int32, n)
	case Float32:
		return make([]float32, n)
	case Float64:
		return make([]float64, n)
	}
	return nil
}

func bufferInfo(data any) (DataType, int, bool) {
	switch d := data.(type) {
	case []uint8:
		return Uint8, len(d), true
	case []int8:
		return Int8, len(d), true
	case []uint16:
		return Uint16, len(d), true
	case []int16:
		return Int16, len(d), true
	case []uint32:
		return Uint32, len(d), true
	case []int32:
		return Int32, len(d), true
	case []float32:
		return Float32, len(d), true
	case []float64:
		return Float64, len(d), true
	}
	return 0, 0, false
}

// castSample rounds and clamps v into the range of the integer type dt. NaN maps to zero.
func castSample[T number](v float64, dt DataType) T {
	if !dt.IsInteger() {
		return T(v)
	}
	if math.IsNaN(v) {
		return 0
	}
	lo, hi := dt.Range()
	v = math.Round(v)
	if v < lo {
		v = lo
	} else if v > hi {
		v = hi
	}
	return T(v)
}

func convertSlice[S, D number](src []S, dt DataType) []D {
	dst := make([]D, len(src))
	for i, v := range src {
		dst[i] = castSample[D](float64(v), dt)
	}
	return dst
}

func convertTo[S number](src []S, dt DataType) any {
	switch dt {
	case Uint8:
		return convertSlice[S, uint8](src, dt)
	case Int8:
		return convertSlice[S, int8](src, dt)
	case Uint16:
		return convertSlice[S, uint16](src, dt)
	case Int16:
		return convertSlice[S, int16](src, dt)
	case Uint32:
		return convertSlice[S, uint32](src, dt)
	case Int32:
		return convertSlice[S, int32](src, dt)
	case Float32:
		return convertSlice[S, float32](src, dt)
	case Float64:
		return convertSlice[S, float64](src, dt)
	}
	return nil
}

// Convert returns a copy of r whose samples are stored as dt. Integer targets round to the
// nearest value and saturate at the type bounds. Converting to the current type returns r.
func (r *Raster) Convert(dt DataType) (*Raster, error) {
	if dt == r.model.DataType {
		return r, nil
	}
	if dt.Size() == 0 {
		return nil, fmt.Errorf("invalid data type %d", dt)
	}
	var data any
	switch d := r.data.(type) {
	case []uint8:
		data = convertTo(d, dt)
	case []int8:
		data = convertTo(d, dt)
	case []uint16:
		data = convertTo(d, dt)
	case []int16:
		data = convertTo(d, dt)
	case []uint32:
		data = convertTo(d, dt)
	case []int32:
		data = convertTo(d, dt)
	case []float32:
		data = convertTo(d, dt)
	case []float64:
		data = convertTo(d, dt)
	default:
		return nil, fmt.Errorf("unsupported sample buffer %T", r.data)
	}
	model := r.model
	model.DataType = dt
	return &Raster{min: r.min, model: model, data: data}, nil
}
