// Package featureset reads the features stored in the tiles of a vector pyramid as one
// lazily concatenated stream.
package featureset

import (
	"context"
	"fmt"
	"image"
	"log/slog"

	"github.com/go-spatial/geom"

	"github.com/akhenakh/tilepyramid/feature"
	"github.com/akhenakh/tilepyramid/grid"
	"github.com/akhenakh/tilepyramid/pyramid"
)

// Query selects features.
type Query struct {
	// Filter is evaluated on every feature; nil accepts everything. Its spatial bounds, when it
	// has some, restrict the tiles read.
	Filter feature.Filter
	// LinearResolution, when positive, picks the finest level whose scale does not exceed it.
	// Zero reads the coarsest level.
	LinearResolution float64
}

// Reader reads features out of a pyramid whose tiles open to feature sources.
type Reader struct {
	pyramid *pyramid.Pyramid
	logger  *slog.Logger
}

type Option func(*Reader)

func WithLogger(l *slog.Logger) Option {
	return func(r *Reader) { r.logger = l }
}

func NewReader(p *pyramid.Pyramid, opts ...Option) *Reader {
	r := &Reader{pyramid: p, logger: slog.Default()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Pyramid returns the pyramid read.
func (r *Reader) Pyramid() *pyramid.Pyramid { return r.pyramid }

// Mosaic returns the level serving a request at resolution res: the coarsest one when res is
// not positive, otherwise the one with the largest scale not exceeding res. When every level
// is coarser than res the finest one is returned.
func (r *Reader) Mosaic(res float64) (pyramid.Mosaic, error) {
	ms := r.pyramid.Mosaics()
	if len(ms) == 0 {
		return nil, fmt.Errorf("%w: pyramid %q has no mosaic", pyramid.ErrNoSuchData, r.pyramid.ID())
	}
	if !(res > 0) {
		return ms[0], nil
	}
	// mosaics are sorted by decreasing scale
	for _, m := range ms {
		if m.Descriptor().Scale <= res {
			return m, nil
		}
	}
	return ms[len(ms)-1], nil
}

// Features returns the features of the query. Tiles are opened one at a time, in row-major
// order, as the iterator advances. A feature spanning several tiles is returned once per tile
// holding it.
func (r *Reader) Features(ctx context.Context, q Query) (feature.Iterator, error) {
	m, err := r.Mosaic(q.LinearResolution)
	if err != nil {
		return nil, err
	}
	desc := m.Descriptor()
	filter := q.Filter
	if filter == nil {
		filter = feature.All{}
	}

	rng := desc.Grid()
	bounds, bounded := feature.Bounds(filter)
	if bounded {
		rng = desc.TileRange(grid.FromExtent(r.pyramid.CRS(), bounds))
	}
	r.logger.Debug("reading features",
		"pyramid", r.pyramid.ID(),
		"mosaic", desc.ID,
		"tiles", rng.String(),
		"bounded", bounded,
	)

	it := &iterator{
		ctx:    ctx,
		mosaic: m,
		rng:    rng,
		pos:    rng.Min,
		filter: filter,
	}
	if bounded {
		it.bounds = bounds
	}
	return it, nil
}

// iterator concatenates the feature streams of the tiles of a rectangle.
type iterator struct {
	ctx    context.Context
	mosaic pyramid.Mosaic
	rng    image.Rectangle
	// pos is the next tile to open
	pos    image.Point
	filter feature.Filter
	bounds *geom.Extent

	cur  feature.Iterator
	feat feature.Feature
	err  error
	done bool
}

func (it *iterator) Next() bool {
	for !it.done {
		if it.cur != nil {
			if it.cur.Next() {
				f := it.cur.Feature()
				if it.filter.Evaluate(f) {
					it.feat = f
					return true
				}
				continue
			}
			err := it.cur.Err()
			if cerr := it.cur.Close(); err == nil {
				err = cerr
			}
			it.cur = nil
			if err != nil {
				it.fail(err)
				return false
			}
		}
		if err := it.openNext(); err != nil {
			it.fail(err)
			return false
		}
	}
	return false
}

// openNext opens the feature stream of the next tile holding one, marking the iterator done
// when the rectangle is exhausted.
func (it *iterator) openNext() error {
	for it.pos.Y < it.rng.Max.Y {
		x, y := it.pos.X, it.pos.Y
		it.pos.X++
		if it.pos.X >= it.rng.Max.X {
			it.pos.X = it.rng.Min.X
			it.pos.Y++
		}

		if err := it.ctx.Err(); err != nil {
			return err
		}
		if it.mosaic.IsMissing(x, y) {
			continue
		}
		tile, err := it.mosaic.Tile(it.ctx, x, y)
		if err != nil {
			return fmt.Errorf("can't read feature tile %d,%d: %w", x, y, err)
		}
		if tile == nil {
			continue
		}
		res, err := pyramid.Open(it.ctx, tile)
		if err != nil {
			return fmt.Errorf("can't open feature tile %d,%d: %w", x, y, err)
		}
		if res == nil {
			continue
		}

		var sub feature.Iterator
		switch src := res.(type) {
		case feature.BoundedSource:
			if it.bounds != nil {
				sub, err = src.FeaturesIn(it.ctx, it.bounds)
			} else {
				sub, err = src.Features(it.ctx)
			}
		case feature.Source:
			sub, err = src.Features(it.ctx)
		default:
			return fmt.Errorf("%w: tile %d,%d holds %T, not features", pyramid.ErrInconsistentTile, x, y, res)
		}
		if err != nil {
			return fmt.Errorf("can't list features of tile %d,%d: %w", x, y, err)
		}
		it.cur = sub
		return nil
	}
	it.done = true
	return nil
}

func (it *iterator) fail(err error) {
	it.err = err
	it.done = true
}

func (it *iterator) Feature() feature.Feature { return it.feat }

func (it *iterator) Err() error { return it.err }

// Close closes the stream of the tile being read.
func (it *iterator) Close() error {
	it.done = true
	var err error
	if it.cur != nil {
		err = it.cur.Close()
		it.cur = nil
	}
	return err
}
