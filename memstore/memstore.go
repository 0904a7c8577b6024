// Package memstore is an in-memory tile store. It backs tests and small pyramids built on
// the fly, raster or vector.
package memstore

import (
	"context"
	"fmt"
	"image"
	"sort"
	"sync"

	"github.com/akhenakh/tilepyramid/feature"
	"github.com/akhenakh/tilepyramid/pyramid"
	"github.com/akhenakh/tilepyramid/raster"
)

type entry struct {
	tile pyramid.Tile
	err  error
}

// Mosaic is a pyramid.Mosaic whose tiles live in a map. It is safe for concurrent use.
type Mosaic struct {
	desc pyramid.Descriptor

	mu      sync.RWMutex
	tiles   map[image.Point]entry
	missing map[image.Point]bool
	// fetches counts Tile calls per position
	fetches map[image.Point]int
}

var _ pyramid.Mosaic = (*Mosaic)(nil)

func NewMosaic(desc pyramid.Descriptor) *Mosaic {
	return &Mosaic{
		desc:    desc,
		tiles:   make(map[image.Point]entry),
		missing: make(map[image.Point]bool),
		fetches: make(map[image.Point]int),
	}
}

func (m *Mosaic) Descriptor() pyramid.Descriptor { return m.desc }

func (m *Mosaic) put(x, y int, e entry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tiles[image.Pt(x, y)] = e
	delete(m.missing, image.Pt(x, y))
}

// PutRaster stores a resolved raster tile. The raster is moved to the origin of tile space.
func (m *Mosaic) PutRaster(x, y int, r *raster.Raster) {
	pos := image.Pt(x, y)
	m.put(x, y, entry{tile: pyramid.NewTile(pos, r.Translate(image.Point{}))})
}

// PutDeferred stores a tile opened by open on demand.
func (m *Mosaic) PutDeferred(x, y int, open pyramid.OpenFunc) {
	m.put(x, y, entry{tile: pyramid.NewDeferredTile(image.Pt(x, y), open)})
}

// PutFeatures stores a vector tile.
func (m *Mosaic) PutFeatures(x, y int, fs []feature.Feature) {
	pos := image.Pt(x, y)
	m.put(x, y, entry{tile: pyramid.NewTile(pos, NewFeatureTile(fs))})
}

// PutError makes every Tile call at (x, y) fail with err.
func (m *Mosaic) PutError(x, y int, err error) {
	m.put(x, y, entry{err: err})
}

// MarkMissing flags (x, y) as surely empty and forgets any stored tile.
func (m *Mosaic) MarkMissing(x, y int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tiles, image.Pt(x, y))
	m.missing[image.Pt(x, y)] = true
}

// IsMissing is true only for positions flagged with MarkMissing or outside the data extent.
// A position never filled is not reported missing: Tile answers nil for it.
func (m *Mosaic) IsMissing(x, y int) bool {
	if !image.Pt(x, y).In(m.desc.Data()) {
		return true
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.missing[image.Pt(x, y)]
}

func (m *Mosaic) Tile(_ context.Context, x, y int) (pyramid.Tile, error) {
	if !image.Pt(x, y).In(m.desc.Grid()) {
		return nil, fmt.Errorf("%w: tile %d,%d outside grid %v", pyramid.ErrNoSuchData, x, y, m.desc.GridSize)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fetches[image.Pt(x, y)]++
	e, ok := m.tiles[image.Pt(x, y)]
	if !ok {
		return nil, nil
	}
	return e.tile, e.err
}

// AnyTile returns the first stored tile in row-major order, nil if there is none.
func (m *Mosaic) AnyTile(context.Context) (pyramid.Tile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]image.Point, 0, len(m.tiles))
	for k, e := range m.tiles {
		if e.tile != nil {
			keys = append(keys, k)
		}
	}
	if len(keys) == 0 {
		return nil, nil
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Y != keys[j].Y {
			return keys[i].Y < keys[j].Y
		}
		return keys[i].X < keys[j].X
	})
	return m.tiles[keys[0]].tile, nil
}

// Fetches returns how many times Tile was called for (x, y).
func (m *Mosaic) Fetches(x, y int) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.fetches[image.Pt(x, y)]
}

// Source is a pyramid.Source over a fixed set of pyramids, raster and vector.
type Source struct {
	mu       sync.RWMutex
	pyramids []*pyramid.Pyramid
	dims     []raster.SampleDimension
}

func NewSource(dims []raster.SampleDimension, ps ...*pyramid.Pyramid) *Source {
	return &Source{pyramids: ps, dims: dims}
}

// Add registers one more pyramid.
func (s *Source) Add(p *pyramid.Pyramid) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pyramids = append(s.pyramids, p)
}

func (s *Source) Pyramids(context.Context) ([]*pyramid.Pyramid, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]*pyramid.Pyramid(nil), s.pyramids...), nil
}

func (s *Source) SampleDimensions() []raster.SampleDimension { return s.dims }
