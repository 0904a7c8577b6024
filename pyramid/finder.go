package pyramid

import (
	"fmt"
	"math"
	"sort"

	"github.com/akhenakh/tilepyramid/grid"
)

// Finder selects the pyramid and the mosaics serving a request.
type Finder interface {
	// FindPyramid returns the best pyramid for a request expressed in crs.
	FindPyramid(pyramids []*Pyramid, crs grid.CRS) (*Pyramid, error)
	// FindMosaics returns the mosaics of p matching resolution within the relative tolerance
	// and intersecting env, which is expressed in the pyramid CRS.
	FindMosaics(p *Pyramid, resolution, tolerance float64, env grid.Envelope) ([]Mosaic, error)
}

// Rank orders pyramids deterministically: finest native resolution first, then identifier.
// Pyramids without mosaics come last.
func Rank(pyramids []*Pyramid) []*Pyramid {
	ranked := append([]*Pyramid(nil), pyramids...)
	sort.SliceStable(ranked, func(i, j int) bool {
		si, oki := ranked[i].FinestScale()
		sj, okj := ranked[j].FinestScale()
		if oki != okj {
			return oki
		}
		if si != sj {
			return si < sj
		}
		return ranked[i].ID() < ranked[j].ID()
	})
	return ranked
}

// DefaultFinder prefers pyramids in the requested CRS, then any pyramid its Transformer can
// reach, ranked with Rank.
type DefaultFinder struct {
	Transformer grid.Transformer
}

func (f DefaultFinder) FindPyramid(pyramids []*Pyramid, crs grid.CRS) (*Pyramid, error) {
	ranked := Rank(pyramids)
	for _, p := range ranked {
		if p.CRS().Horizontal().Equal(crs.Horizontal()) {
			return p, nil
		}
	}
	if f.Transformer != nil {
		for _, p := range ranked {
			if f.Transformer.CanTransform(crs, p.CRS()) {
				return p, nil
			}
		}
	}
	return nil, fmt.Errorf("%w: no pyramid for crs %s", ErrNoSuchData, crs)
}

// FindMosaics picks one scale: the smallest scale not finer than resolution*(1-tolerance),
// or the coarsest scale when every mosaic is finer. An infinite resolution selects the
// coarsest scale. All mosaics of that scale intersecting env are returned, in pyramid order.
func (f DefaultFinder) FindMosaics(p *Pyramid, resolution, tolerance float64, env grid.Envelope) ([]Mosaic, error) {
	ms := p.Mosaics()
	if len(ms) == 0 {
		return nil, fmt.Errorf("%w: pyramid %q has no mosaic", ErrNoSuchData, p.ID())
	}
	if math.IsNaN(resolution) || resolution <= 0 {
		return nil, fmt.Errorf("%w: resolution %v", ErrIllegalGeometry, resolution)
	}
	limit := resolution * (1 - tolerance)
	// mosaics are sorted by decreasing scale, the coarsest is first
	scale := ms[0].Descriptor().Scale
	for _, m := range ms {
		s := m.Descriptor().Scale
		if s >= limit && s < scale {
			scale = s
		}
	}

	var found []Mosaic
	for _, m := range p.MosaicsAt(scale) {
		if env.IsEmpty() || m.Descriptor().Envelope(p.CRS()).Intersects(env) {
			found = append(found, m)
		}
	}
	if len(found) == 0 {
		return nil, fmt.Errorf("%w: no mosaic of %q at scale %v intersects %s", ErrNoSuchData, p.ID(), scale, env)
	}
	return found, nil
}
