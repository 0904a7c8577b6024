package grid

import (
	"errors"
	"fmt"
	"math"
	"strings"
)

// Transformer converts coordinates between reference systems. It is a black box for the
// readers: they only need envelopes and points expressed in the pyramid CRS.
type Transformer interface {
	CanTransform(from, to CRS) bool
	TransformPoint(pt []float64, from, to CRS) ([]float64, error)
	// TransformEnvelope returns the envelope of env in the target CRS. Bounds that cannot be
	// computed are NaN.
	TransformEnvelope(env Envelope, to CRS) (Envelope, error)
}

// ErrUnsupportedTransform is returned for CRS pairs the transformer does not know.
var ErrUnsupportedTransform = errors.New("unsupported crs transform")

const (
	earthRadius  = 6378137.0
	maxMercatorY = 85.0511287798066
	edgeSamples  = 16
)

// DefaultTransformer handles identity transforms and the spherical mercator pair
// EPSG:4326 <-> EPSG:3857. Non-horizontal ordinates are passed through.
type DefaultTransformer struct{}

func normCode(c CRS) string { return strings.ToUpper(c.Horizontal().Code) }

func (DefaultTransformer) CanTransform(from, to CRS) bool {
	f, t := normCode(from), normCode(to)
	if f == t {
		return true
	}
	return (f == "EPSG:4326" && t == "EPSG:3857") || (f == "EPSG:3857" && t == "EPSG:4326")
}

func (d DefaultTransformer) TransformPoint(pt []float64, from, to CRS) ([]float64, error) {
	if !d.CanTransform(from, to) {
		return nil, fmt.Errorf("%w: %s to %s", ErrUnsupportedTransform, from, to)
	}
	if len(pt) < 2 {
		return nil, fmt.Errorf("point of dimension %d", len(pt))
	}
	out := append([]float64(nil), pt...)
	switch f, t := normCode(from), normCode(to); {
	case f == t:
	case t == "EPSG:3857":
		out[0], out[1] = lonLatToMercator(pt[0], pt[1])
	default:
		out[0], out[1] = mercatorToLonLat(pt[0], pt[1])
	}
	return out, nil
}

func (d DefaultTransformer) TransformEnvelope(env Envelope, to CRS) (Envelope, error) {
	if !d.CanTransform(env.CRS, to) {
		return Envelope{}, fmt.Errorf("%w: %s to %s", ErrUnsupportedTransform, env.CRS, to)
	}
	out := env.Clone()
	out.CRS = to
	if normCode(env.CRS) == normCode(to) || env.Dimension() < 2 {
		return out, nil
	}
	// sample the boundary, a reprojected box is not the box of its reprojected corners
	minX, minY := math.Inf(1), math.Inf(1)
	maxX, maxY := math.Inf(-1), math.Inf(-1)
	seenX, seenY := false, false
	for i := 0; i <= edgeSamples; i++ {
		f := float64(i) / edgeSamples
		x := env.Min[0] + f*env.Span(0)
		y := env.Min[1] + f*env.Span(1)
		for _, p := range [][2]float64{{x, env.Min[1]}, {x, env.Max[1]}, {env.Min[0], y}, {env.Max[0], y}} {
			q, err := d.TransformPoint([]float64{p[0], p[1]}, env.CRS, to)
			if err != nil {
				return Envelope{}, err
			}
			if !math.IsNaN(q[0]) && !math.IsInf(q[0], 0) {
				minX, maxX = math.Min(minX, q[0]), math.Max(maxX, q[0])
				seenX = true
			}
			if !math.IsNaN(q[1]) && !math.IsInf(q[1], 0) {
				minY, maxY = math.Min(minY, q[1]), math.Max(maxY, q[1])
				seenY = true
			}
		}
	}
	out.Min[0], out.Max[0] = minX, maxX
	out.Min[1], out.Max[1] = minY, maxY
	if !seenX {
		out.Min[0], out.Max[0] = math.NaN(), math.NaN()
	}
	if !seenY {
		out.Min[1], out.Max[1] = math.NaN(), math.NaN()
	}
	// the mercator plane does not reach the poles
	if normCode(to) == "EPSG:3857" {
		if env.Min[1] < -maxMercatorY {
			out.Min[1] = math.NaN()
		}
		if env.Max[1] > maxMercatorY {
			out.Max[1] = math.NaN()
		}
	}
	return out, nil
}

func lonLatToMercator(lon, lat float64) (float64, float64) {
	if lat <= -90 || lat >= 90 || math.IsNaN(lat) {
		return lon * math.Pi / 180 * earthRadius, math.NaN()
	}
	x := lon * math.Pi / 180 * earthRadius
	y := math.Log(math.Tan(math.Pi/4+lat*math.Pi/360)) * earthRadius
	return x, y
}

func mercatorToLonLat(x, y float64) (float64, float64) {
	lon := x / earthRadius * 180 / math.Pi
	lat := (2*math.Atan(math.Exp(y/earthRadius)) - math.Pi/2) * 180 / math.Pi
	return lon, lat
}
