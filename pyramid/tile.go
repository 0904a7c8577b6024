package pyramid

import (
	"context"
	"fmt"
	"image"

	"github.com/akhenakh/tilepyramid/raster"
)

// Resource is the content of a tile: a RasterResource, a *raster.Raster, or a feature source.
type Resource any

// RasterResource is a resource able to produce pixel data.
type RasterResource interface {
	Raster(ctx context.Context) (*raster.Raster, error)
}

// Tile is a cell of a mosaic grid. A tile is one of two variants: a ResolvedTile whose
// resource is available now, or a DeferredTile that must be opened, usually doing I/O.
// Use Open to get the resource of either.
type Tile interface {
	Position() image.Point
}

// ResolvedTile is a tile whose resource is already in memory.
type ResolvedTile interface {
	Tile
	Resource() Resource
}

// DeferredTile is a tile whose resource is read on demand.
type DeferredTile interface {
	Tile
	Open(ctx context.Context) (Resource, error)
}

// Open returns the resource of t, opening it when t is deferred.
func Open(ctx context.Context, t Tile) (Resource, error) {
	switch v := t.(type) {
	case DeferredTile:
		return v.Open(ctx)
	case ResolvedTile:
		return v.Resource(), nil
	default:
		return nil, fmt.Errorf("tile %v of type %T has no resource", t.Position(), t)
	}
}

// ReadRaster opens t and extracts its pixels. A tile opening to nothing yields a nil raster.
func ReadRaster(ctx context.Context, t Tile) (*raster.Raster, error) {
	res, err := Open(ctx, t)
	if err != nil {
		return nil, err
	}
	switch r := res.(type) {
	case nil:
		return nil, nil
	case *raster.Raster:
		return r, nil
	case RasterResource:
		return r.Raster(ctx)
	default:
		return nil, fmt.Errorf("%w: tile %v holds %T, not a raster", ErrInconsistentTile, t.Position(), res)
	}
}

type resolvedTile struct {
	pos image.Point
	res Resource
}

func (t *resolvedTile) Position() image.Point { return t.pos }
func (t *resolvedTile) Resource() Resource    { return t.res }

// NewTile returns a resolved tile at pos holding res.
func NewTile(pos image.Point, res Resource) ResolvedTile {
	return &resolvedTile{pos: pos, res: res}
}

// OpenFunc reads the resource of a deferred tile.
type OpenFunc func(ctx context.Context) (Resource, error)

type deferredTile struct {
	pos  image.Point
	open OpenFunc
}

func (t *deferredTile) Position() image.Point                      { return t.pos }
func (t *deferredTile) Open(ctx context.Context) (Resource, error) { return t.open(ctx) }

// NewDeferredTile returns a tile at pos read by open.
func NewDeferredTile(pos image.Point, open OpenFunc) DeferredTile {
	return &deferredTile{pos: pos, open: open}
}
