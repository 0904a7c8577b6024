package raster

import (
	"image"
	"image/color"
	"math"
)

// ToImage renders band as a grayscale image, stretching its finite value range linearly to
// the full 16 bit range. Non finite samples and noData render black.
func (r *Raster) ToImage(band int, noData *float64) *image.Gray16 {
	b := r.Bounds()
	img := image.NewGray16(image.Rect(0, 0, b.Dx(), b.Dy()))
	lo, hi := math.Inf(1), math.Inf(-1)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			v := r.Sample(x, y, band)
			if skipSample(v, noData) {
				continue
			}
			lo, hi = math.Min(lo, v), math.Max(hi, v)
		}
	}
	span := hi - lo
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			v := r.Sample(x, y, band)
			if skipSample(v, noData) {
				continue
			}
			g := uint16(math.MaxUint16)
			if span > 0 {
				g = uint16(math.Round((v - lo) / span * math.MaxUint16))
			}
			img.SetGray16(x-b.Min.X, y-b.Min.Y, color.Gray16{Y: g})
		}
	}
	return img
}

func skipSample(v float64, noData *float64) bool {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return true
	}
	return noData != nil && v == *noData
}
