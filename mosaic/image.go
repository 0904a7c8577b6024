// Package mosaic presents one mosaic of a pyramid, or a rectangle of its tiles, as a single
// raster computed lazily tile by tile.
package mosaic

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/akhenakh/tilepyramid/grid"
	"github.com/akhenakh/tilepyramid/pyramid"
	"github.com/akhenakh/tilepyramid/raster"
)

var namespaceSeq atomic.Uint64

// Image is a lazily computed raster over a rectangle of mosaic tiles. Image tile (tx, ty)
// is mosaic tile (R.Min.X+tx, R.Min.Y+ty) where R is the tile range. Pixel (0, 0) of the
// image is the upper-left pixel of mosaic tile R.Min.
//
// Tiles are computed on demand and kept in a bounded LRU cache. An Image is safe for
// concurrent use.
type Image struct {
	mosaic pyramid.Mosaic
	desc   pyramid.Descriptor
	rng    image.Rectangle
	// model is the layout of one tile
	model raster.SampleModel
	dims  []raster.SampleDimension

	cache     *Cache
	ownsCache bool
	namespace string

	logger           *slog.Logger
	fetchConcurrency int
	prefetch         bool

	// inflightPrefetch triggers the neighbor prefetch of a tile once at a time.
	inflightPrefetch singleflight.Group
}

// New builds the image of m. The pixel layout comes from a tile of the mosaic, from the
// declared sample model, or is synthesized from the sample dimensions, in that order.
//
// It fails with pyramid.ErrDataStore when the tile range is empty or when no layout can be
// found, and with pyramid.ErrInconsistentTile when the sample tile disagrees with the
// declared band count.
func New(ctx context.Context, m pyramid.Mosaic, opts ...Option) (*Image, error) {
	o := options{
		cacheSize:        defaultCacheSize,
		cacheItemsPrune:  defaultCacheItemsPrune,
		fetchConcurrency: defaultFetchConcurrency,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.fetchConcurrency <= 0 {
		o.fetchConcurrency = 1
	}

	desc := m.Descriptor()
	rng := desc.Grid()
	if o.tileRange != nil {
		rng = *o.tileRange
	}
	if rng.Empty() {
		return nil, fmt.Errorf("%w: empty tile range %v for mosaic %q", pyramid.ErrDataStore, rng, desc.ID)
	}

	model, err := bootstrapModel(ctx, m, o)
	if err != nil {
		return nil, err
	}
	dims := o.dims
	if len(dims) != model.Bands {
		dims = raster.DefaultSampleDimensions(model.Bands, model.DataType)
	}

	img := &Image{
		mosaic:           m,
		desc:             desc,
		rng:              rng,
		model:            model,
		dims:             dims,
		cache:            o.cache,
		namespace:        o.namespace,
		logger:           o.logger,
		fetchConcurrency: o.fetchConcurrency,
		prefetch:         o.prefetch,
	}
	if img.cache == nil {
		img.cache = NewCache(o.cacheSize, o.cacheItemsPrune, defaultCacheTTL)
		img.ownsCache = true
	}
	if img.namespace == "" {
		img.namespace = fmt.Sprintf("%s#%d", desc.ID, namespaceSeq.Add(1))
	}
	return img, nil
}

// bootstrapModel derives the tile layout. The width and height are always the mosaic tile
// size.
func bootstrapModel(ctx context.Context, m pyramid.Mosaic, o options) (raster.SampleModel, error) {
	desc := m.Descriptor()
	var sample *raster.Raster
	t, err := m.AnyTile(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return raster.SampleModel{}, ctx.Err()
		}
		o.logger.Warn("no sample tile readable, using fallback layout", "mosaic", desc.ID, "error", err)
	} else if t != nil {
		sample, err = pyramid.ReadRaster(ctx, t)
		if err != nil {
			if errors.Is(err, pyramid.ErrInconsistentTile) || ctx.Err() != nil {
				return raster.SampleModel{}, err
			}
			o.logger.Warn("sample tile unreadable, using fallback layout", "mosaic", desc.ID, "x", t.Position().X, "y", t.Position().Y, "error", err)
		}
	}

	var model raster.SampleModel
	switch {
	case o.model != nil:
		model = *o.model
		if sample != nil && sample.Bands() != model.Bands {
			return raster.SampleModel{}, fmt.Errorf("%w: mosaic %q tile has %d bands, %d declared",
				pyramid.ErrInconsistentTile, desc.ID, sample.Bands(), model.Bands)
		}
	case sample != nil:
		model = sample.Model()
	case len(o.dims) > 0:
		dt := o.dims[0].DataType
		if dt == 0 {
			dt = raster.Float64
		}
		model = raster.SampleModel{Bands: len(o.dims), DataType: dt}
	default:
		return raster.SampleModel{}, fmt.Errorf("%w: mosaic %q has no readable tile and no sample dimensions", pyramid.ErrDataStore, desc.ID)
	}
	model = model.Resize(desc.TileSize.X, desc.TileSize.Y)
	if err := model.Validate(); err != nil {
		return raster.SampleModel{}, fmt.Errorf("%w: mosaic %q: %v", pyramid.ErrDataStore, desc.ID, err)
	}
	return model, nil
}

// Bounds returns the pixel rectangle of the image, range size times tile size.
func (img *Image) Bounds() image.Rectangle {
	return image.Rect(0, 0, img.rng.Dx()*img.model.Width, img.rng.Dy()*img.model.Height)
}

// SampleModel returns the layout of one tile.
func (img *Image) SampleModel() raster.SampleModel { return img.model }

func (img *Image) SampleDimensions() []raster.SampleDimension { return img.dims }

// TileRange returns the rectangle of mosaic tile indices covered by the image.
func (img *Image) TileRange() image.Rectangle { return img.rng }

// NumTiles returns the number of image tiles along x and y.
func (img *Image) NumTiles() image.Point { return img.rng.Size() }

func (img *Image) Mosaic() pyramid.Mosaic { return img.mosaic }

// GridToCRS maps image pixel coordinates to the horizontal CRS plane.
func (img *Image) GridToCRS() grid.Affine {
	return img.desc.GridToCRS().Translate(
		float64(img.rng.Min.X*img.model.Width),
		float64(img.rng.Min.Y*img.model.Height),
	)
}

// Close releases the private tile cache.
func (img *Image) Close() {
	if img.ownsCache {
		img.cache.Stop()
	}
}

// Tile returns image tile (tx, ty), positioned in image pixel space. The raster may be shared
// with the cache and must not be modified.
func (img *Image) Tile(ctx context.Context, tx, ty int) (*raster.Raster, error) {
	if tx < 0 || ty < 0 || tx >= img.rng.Dx() || ty >= img.rng.Dy() {
		return nil, fmt.Errorf("%w: tile %d,%d outside %dx%d tiles", pyramid.ErrNoSuchData, tx, ty, img.rng.Dx(), img.rng.Dy())
	}
	key := tileKey(img.namespace, tx, ty)
	if r := img.cache.get(key); r != nil {
		tileCacheLookups.WithLabelValues("hit").Inc()
		return r, nil
	}
	tileCacheLookups.WithLabelValues("miss").Inc()

	r, err := img.load(ctx, tx, ty)
	if err != nil {
		return nil, err
	}
	if img.prefetch {
		img.prefetchNeighbors(ctx, tx, ty)
	}
	return r, nil
}

// load computes a tile once for all concurrent callers and caches it. Degraded tiles are not
// cached: the store may answer next time.
func (img *Image) load(ctx context.Context, tx, ty int) (*raster.Raster, error) {
	return img.cache.load(ctx, tileKey(img.namespace, tx, ty), func(ctx context.Context) (*raster.Raster, bool, error) {
		r, origin, err := img.computeTile(ctx, tx, ty)
		if err != nil {
			return nil, false, err
		}
		tilesComputed.WithLabelValues(origin).Inc()
		return r, origin != originDegraded, nil
	})
}

const (
	originRead     = "read"
	originMissing  = "missing"
	originDegraded = "degraded"
)

// computeTile reads mosaic tile (R.Min.X+tx, R.Min.Y+ty) and conforms it to the image layout.
func (img *Image) computeTile(ctx context.Context, tx, ty int) (*raster.Raster, string, error) {
	mx, my := img.rng.Min.X+tx, img.rng.Min.Y+ty
	origin := image.Pt(tx*img.model.Width, ty*img.model.Height)
	empty := func() *raster.Raster { return raster.New(img.model, origin) }

	if !image.Pt(mx, my).In(img.desc.Grid()) || img.mosaic.IsMissing(mx, my) {
		return empty(), originMissing, nil
	}

	t, err := img.mosaic.Tile(ctx, mx, my)
	if err != nil {
		if ctx.Err() != nil {
			return nil, "", ctx.Err()
		}
		img.logger.Warn("tile unreadable, substituting an empty tile", "mosaic", img.desc.ID, "x", mx, "y", my, "error", err)
		return empty(), originDegraded, nil
	}
	if t == nil {
		return empty(), originMissing, nil
	}

	r, err := pyramid.ReadRaster(ctx, t)
	if err != nil {
		if errors.Is(err, pyramid.ErrInconsistentTile) {
			return nil, "", err
		}
		if ctx.Err() != nil {
			return nil, "", ctx.Err()
		}
		img.logger.Warn("tile unreadable, substituting an empty tile", "mosaic", img.desc.ID, "x", mx, "y", my, "error", err)
		return empty(), originDegraded, nil
	}
	if r == nil {
		return empty(), originMissing, nil
	}

	conformed, err := img.conform(r, mx, my, origin)
	if err != nil {
		return nil, "", err
	}
	return conformed, originRead, nil
}

// conform brings a raw tile to the image layout. A band count mismatch is a defect of the tile
// producer and fails; a data type mismatch is converted; a tile smaller or larger than the
// tile size is clipped or padded with zeros.
func (img *Image) conform(r *raster.Raster, mx, my int, origin image.Point) (*raster.Raster, error) {
	if r.Bands() != img.model.Bands {
		return nil, fmt.Errorf("%w: mosaic %q tile %d,%d has %d bands, image has %d",
			pyramid.ErrInconsistentTile, img.desc.ID, mx, my, r.Bands(), img.model.Bands)
	}
	if r.DataType() != img.model.DataType {
		img.logger.Debug("converting tile samples", "mosaic", img.desc.ID, "x", mx, "y", my,
			"from", r.DataType().String(), "to", img.model.DataType.String())
		var err error
		if r, err = r.Convert(img.model.DataType); err != nil {
			return nil, err
		}
	}
	r = r.Translate(origin)
	m := r.Model()
	if m.Width == img.model.Width && m.Height == img.model.Height {
		return r, nil
	}
	padded := raster.New(img.model, origin)
	if err := padded.CopyFrom(r, padded.Bounds()); err != nil {
		return nil, err
	}
	return padded, nil
}

// prefetchNeighbors warms the cache with the 8 neighbors of (tx, ty) in the background. Nothing
// starts once the cache is stopped, and stopping the cache waits for the running prefetches.
func (img *Image) prefetchNeighbors(ctx context.Context, tx, ty int) {
	key := "prefetch/" + tileKey(img.namespace, tx, ty)
	bg := context.WithoutCancel(ctx)
	img.cache.goBackground(func() {
		img.inflightPrefetch.Do(key, func() (any, error) {
			img.loadNeighbors(bg, tx, ty)
			// allow another prefetch around this tile once cached neighbors may have expired
			time.AfterFunc(time.Minute, func() { img.inflightPrefetch.Forget(key) })
			return nil, nil
		})
	})
}

func (img *Image) loadNeighbors(ctx context.Context, tx, ty int) {
	var g errgroup.Group
	g.SetLimit(img.fetchConcurrency)
	for j := -1; j <= 1; j++ {
		for i := -1; i <= 1; i++ {
			nx, ny := tx+i, ty+j
			if (i == 0 && j == 0) || nx < 0 || ny < 0 || nx >= img.rng.Dx() || ny >= img.rng.Dy() {
				continue
			}
			if img.cache.get(tileKey(img.namespace, nx, ny)) != nil {
				continue
			}
			g.Go(func() error {
				if img.cache.isStopped() {
					return nil
				}
				// errors surface again on a direct read
				_, _ = img.load(ctx, nx, ny)
				return nil
			})
		}
	}
	_ = g.Wait()
}

// GetData assembles the pixels of rect, in image pixel space. rect does not need to be tile
// aligned; only the tiles it intersects are read, concurrently. The result is positioned at
// rect.Min and is all zero where no tile contributes.
func (img *Image) GetData(ctx context.Context, rect image.Rectangle) (*raster.Raster, error) {
	if rect.Empty() {
		return nil, fmt.Errorf("%w: empty region %v", pyramid.ErrNoSuchData, rect)
	}
	out := raster.New(img.model.Resize(rect.Dx(), rect.Dy()), rect.Min)
	clip := rect.Intersect(img.Bounds())
	if clip.Empty() {
		return out, nil
	}

	tw, th := img.model.Width, img.model.Height
	tx0, tx1 := clip.Min.X/tw, (clip.Max.X-1)/tw
	ty0, ty1 := clip.Min.Y/th, (clip.Max.Y-1)/th

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(img.fetchConcurrency)
	for ty := ty0; ty <= ty1; ty++ {
		for tx := tx0; tx <= tx1; tx++ {
			g.Go(func() error {
				t, err := img.Tile(gctx, tx, ty)
				if err != nil {
					return err
				}
				// tiles do not overlap, every goroutine writes its own region of out
				return out.CopyFrom(t, clip)
			})
		}
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}
