// Package pyramid models multi-resolution tile pyramids: mosaics of tiles at decreasing pixel
// sizes sharing one CRS, and the selection logic picking the pyramid and mosaics serving a
// request.
package pyramid

import (
	"context"
	"fmt"
	"sort"

	"github.com/akhenakh/tilepyramid/grid"
	"github.com/akhenakh/tilepyramid/raster"
)

// Pyramid is a set of mosaics of the same data at different scales, in one CRS.
// It is immutable once built.
type Pyramid struct {
	id      string
	crs     grid.CRS
	mosaics []Mosaic
}

// New builds a pyramid. Mosaics are ordered by decreasing scale, coarsest first, and by
// identifier for equal scales. Every mosaic descriptor is validated against crs.
func New(id string, crs grid.CRS, mosaics ...Mosaic) (*Pyramid, error) {
	sorted := append([]Mosaic(nil), mosaics...)
	for _, m := range sorted {
		if err := m.Descriptor().Validate(crs.Dimension); err != nil {
			return nil, fmt.Errorf("pyramid %q: %w", id, err)
		}
	}
	sort.SliceStable(sorted, func(i, j int) bool {
		di, dj := sorted[i].Descriptor(), sorted[j].Descriptor()
		if di.Scale != dj.Scale {
			return di.Scale > dj.Scale
		}
		return di.ID < dj.ID
	})
	return &Pyramid{id: id, crs: crs, mosaics: sorted}, nil
}

func (p *Pyramid) ID() string       { return p.id }
func (p *Pyramid) CRS() grid.CRS    { return p.crs }
func (p *Pyramid) Mosaics() []Mosaic { return p.mosaics }

// Envelope returns the union of all mosaic envelopes, empty when there is no mosaic.
func (p *Pyramid) Envelope() grid.Envelope {
	env := grid.EmptyEnvelope(p.crs)
	for _, m := range p.mosaics {
		env = env.Union(m.Descriptor().Envelope(p.crs))
	}
	env.CRS = p.crs
	return env
}

// FinestScale returns the smallest mosaic scale, false without mosaics.
func (p *Pyramid) FinestScale() (float64, bool) {
	if len(p.mosaics) == 0 {
		return 0, false
	}
	return p.mosaics[len(p.mosaics)-1].Descriptor().Scale, true
}

// MosaicsAt returns the mosaics of the given scale, in pyramid order.
func (p *Pyramid) MosaicsAt(scale float64) []Mosaic {
	var ms []Mosaic
	for _, m := range p.mosaics {
		if m.Descriptor().Scale == scale {
			ms = append(ms, m)
		}
	}
	return ms
}

// Mosaic returns the mosaic with the given identifier.
func (p *Pyramid) Mosaic(id string) (Mosaic, bool) {
	for _, m := range p.mosaics {
		if m.Descriptor().ID == id {
			return m, true
		}
	}
	return nil, false
}

// Source is a data resource exposing raster pyramids.
type Source interface {
	Pyramids(ctx context.Context) ([]*Pyramid, error)
	// SampleDimensions describes the bands of the data, nil when unknown.
	SampleDimensions() []raster.SampleDimension
}

// DimensionsByPyramid is implemented by sources whose pyramids each declare their own bands.
// Readers prefer it over Source.SampleDimensions.
type DimensionsByPyramid interface {
	PyramidSampleDimensions(p *Pyramid) []raster.SampleDimension
}

// SampleDimensionsOf returns the bands of p as described by src.
func SampleDimensionsOf(src Source, p *Pyramid) []raster.SampleDimension {
	if d, ok := src.(DimensionsByPyramid); ok {
		return d.PyramidSampleDimensions(p)
	}
	return src.SampleDimensions()
}
