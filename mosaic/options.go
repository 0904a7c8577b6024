package mosaic

import (
	"image"
	"log/slog"
	"time"

	"github.com/akhenakh/tilepyramid/raster"
)

const (
	defaultCacheSize        = 256
	defaultCacheItemsPrune  = 32
	defaultCacheTTL         = 10 * time.Minute
	defaultFetchConcurrency = 4
)

type options struct {
	tileRange        *image.Rectangle
	dims             []raster.SampleDimension
	model            *raster.SampleModel
	cache            *Cache
	namespace        string
	cacheSize        int64
	cacheItemsPrune  uint32
	logger           *slog.Logger
	fetchConcurrency int
	prefetch         bool
}

// Option configures an Image.
type Option func(*options)

// WithTileRange restricts the image to a rectangle of mosaic tile indices, max exclusive.
// The default is the whole mosaic grid.
func WithTileRange(r image.Rectangle) Option {
	return func(o *options) { o.tileRange = &r }
}

// WithSampleDimensions describes the bands used to synthesize the pixel layout when no tile of
// the mosaic is readable.
func WithSampleDimensions(dims []raster.SampleDimension) Option {
	return func(o *options) { o.dims = dims }
}

// WithSampleModel declares the pixel layout of the image. Tiles of another data type are
// converted; a readable tile with another band count fails the construction.
func WithSampleModel(sm raster.SampleModel) Option {
	return func(o *options) { o.model = &sm }
}

// WithCache stores tiles in a shared cache under namespace. The image does not stop a cache it
// was given.
func WithCache(c *Cache, namespace string) Option {
	return func(o *options) {
		o.cache = c
		o.namespace = namespace
	}
}

// WithCacheSize sizes the private cache created when no shared cache is given.
func WithCacheSize(maxSize int64, itemsToPrune uint32) Option {
	return func(o *options) {
		o.cacheSize = maxSize
		o.cacheItemsPrune = itemsToPrune
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithFetchConcurrency bounds the number of tiles read in parallel by GetData.
func WithFetchConcurrency(n int) Option {
	return func(o *options) { o.fetchConcurrency = n }
}

// WithPrefetch makes every computed tile trigger a background read of its 8 neighbors.
func WithPrefetch(enabled bool) Option {
	return func(o *options) { o.prefetch = enabled }
}
