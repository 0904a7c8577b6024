package coverage

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/exp/maps"

	"github.com/akhenakh/tilepyramid/grid"
	"github.com/akhenakh/tilepyramid/mosaic"
	"github.com/akhenakh/tilepyramid/pyramid"
)

// resolutionTolerance is the relative slack granted when matching a requested resolution to a
// mosaic scale.
const resolutionTolerance = 0.1

// Reader reads coverages out of the raster pyramids of a source, picking the pyramid and the
// mosaics that best serve each request.
type Reader struct {
	source           pyramid.Source
	finder           pyramid.Finder
	transformer      grid.Transformer
	cache            *mosaic.Cache
	ownsCache        bool
	logger           *slog.Logger
	fetchConcurrency int
	prefetch         bool
}

type readerOptions struct {
	finder           pyramid.Finder
	transformer      grid.Transformer
	cache            *mosaic.Cache
	cacheSize        int64
	cacheItemsPrune  uint32
	cacheTTL         time.Duration
	logger           *slog.Logger
	fetchConcurrency int
	prefetch         bool
}

// ReaderOption configures a Reader.
type ReaderOption func(*readerOptions)

// WithFinder replaces the pyramid and mosaic selection. The default is a pyramid.DefaultFinder
// using the reader transformer.
func WithFinder(f pyramid.Finder) ReaderOption {
	return func(o *readerOptions) { o.finder = f }
}

// WithTransformer sets the coordinate transformer used to bring request envelopes in the
// pyramid CRS. The default is grid.DefaultTransformer.
func WithTransformer(t grid.Transformer) ReaderOption {
	return func(o *readerOptions) { o.transformer = t }
}

// WithCache shares c among every image the reader builds. The reader does not stop it.
func WithCache(c *mosaic.Cache) ReaderOption {
	return func(o *readerOptions) { o.cache = c }
}

// WithCacheSize sizes the cache the reader creates when none is shared.
func WithCacheSize(maxSize int64, itemsToPrune uint32, ttl time.Duration) ReaderOption {
	return func(o *readerOptions) {
		o.cacheSize = maxSize
		o.cacheItemsPrune = itemsToPrune
		o.cacheTTL = ttl
	}
}

func WithLogger(l *slog.Logger) ReaderOption {
	return func(o *readerOptions) { o.logger = l }
}

func WithFetchConcurrency(n int) ReaderOption {
	return func(o *readerOptions) { o.fetchConcurrency = n }
}

// WithPrefetch enables the neighbor prefetch of the images the reader builds.
func WithPrefetch(enabled bool) ReaderOption {
	return func(o *readerOptions) { o.prefetch = enabled }
}

// NewReader returns a reader over src.
func NewReader(src pyramid.Source, opts ...ReaderOption) *Reader {
	o := readerOptions{
		transformer:      grid.DefaultTransformer{},
		cacheSize:        1024,
		cacheItemsPrune:  64,
		cacheTTL:         10 * time.Minute,
		logger:           slog.Default(),
		fetchConcurrency: 4,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.finder == nil {
		o.finder = pyramid.DefaultFinder{Transformer: o.transformer}
	}
	r := &Reader{
		source:           src,
		finder:           o.finder,
		transformer:      o.transformer,
		cache:            o.cache,
		logger:           o.logger,
		fetchConcurrency: o.fetchConcurrency,
		prefetch:         o.prefetch,
	}
	if r.cache == nil {
		r.cache = mosaic.NewCache(o.cacheSize, o.cacheItemsPrune, o.cacheTTL)
		r.ownsCache = true
	}
	return r
}

// Close releases the tile cache created by the reader.
func (r *Reader) Close() {
	if r.ownsCache {
		r.cache.Stop()
	}
}

// GridGeometry returns the native geometry of the best ranked pyramid: the pixel grid of its
// finest mosaics and one axis per extra dimension, listing the distinct slice ordinates of
// those mosaics. It is grid.Undefined when the source holds no mosaic.
func (r *Reader) GridGeometry(ctx context.Context) (grid.Geometry, error) {
	pyramids, err := r.source.Pyramids(ctx)
	if err != nil {
		return grid.Undefined, fmt.Errorf("can't list pyramids: %w", err)
	}
	ranked := pyramid.Rank(pyramids)
	if len(ranked) == 0 {
		return grid.Undefined, nil
	}
	p := ranked[0]
	scale, ok := p.FinestScale()
	if !ok {
		return grid.Undefined, nil
	}
	ms := p.MosaicsAt(scale)

	env := grid.EmptyEnvelope(p.CRS())
	for _, m := range ms {
		env = env.Union(m.Descriptor().Envelope(p.CRS()))
	}
	w := int64(math.Ceil(env.Span(0)/scale - 1e-9))
	h := int64(math.Ceil(env.Span(1)/scale - 1e-9))
	tr := grid.NorthUp(env.Min[0], env.Max[1], scale)
	g := grid.Geometry{Extent: grid.NewExtent2D(0, 0, w, h), CRS: p.CRS(), GridToCRS: &tr}
	for d := 2; d < p.CRS().Dimension; d++ {
		values := sliceValues(ms, d)
		g.Extent = g.Extent.Append(0, int64(len(values)))
		g.Axes = append(g.Axes, grid.Axis{Dimension: d, Values: values, Ranges: SliceRanges(values)})
	}
	return g, nil
}

// sliceValues returns the distinct corner ordinates of ms along dimension d, increasing.
func sliceValues(ms []pyramid.Mosaic, d int) []float64 {
	set := make(map[float64]struct{}, len(ms))
	for _, m := range ms {
		if ul := m.Descriptor().UpperLeft; d < len(ul) {
			set[ul[d]] = struct{}{}
		}
	}
	values := maps.Keys(set)
	sort.Float64s(values)
	return values
}

// Read returns the coverage of the source over domain, at the mosaic scale best matching the
// domain resolution. An undefined domain reads the native grid geometry. A domain with no
// resolution reads the coarsest scale.
//
// Band selection is not supported: bands are ignored and every band is returned.
func (r *Reader) Read(ctx context.Context, domain grid.Geometry, bands ...int) (Coverage, error) {
	if len(bands) > 0 {
		r.logger.Warn("band selection is not supported, reading all bands", "bands", bands)
	}
	if domain.IsUndefined() {
		g, err := r.GridGeometry(ctx)
		if err != nil {
			return nil, err
		}
		if g.IsUndefined() {
			return nil, fmt.Errorf("%w: source holds no mosaic", pyramid.ErrNoSuchData)
		}
		domain = g
	}
	if err := domain.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", pyramid.ErrIllegalGeometry, err)
	}
	if domain.GridToCRS != nil {
		if _, err := domain.Horizontal(); err != nil {
			return nil, fmt.Errorf("%w: %w", pyramid.ErrIllegalGeometry, err)
		}
	}

	pyramids, err := r.source.Pyramids(ctx)
	if err != nil {
		return nil, fmt.Errorf("can't list pyramids: %w", err)
	}
	p, err := r.finder.FindPyramid(pyramids, domain.CRS)
	if err != nil {
		return nil, err
	}

	env := domain.Envelope()
	sameCRS := domain.CRS.Horizontal().Equal(p.CRS().Horizontal())
	if !env.IsEmpty() {
		if !sameCRS {
			if env, err = r.transformer.TransformEnvelope(env, p.CRS()); err != nil {
				return nil, fmt.Errorf("%w: %w", pyramid.ErrIllegalGeometry, err)
			}
		}
		env = env.WidenNaN()
		env.CRS = p.CRS()
	}

	res := resolution(domain, env, sameCRS)
	ms, err := r.finder.FindMosaics(p, res, resolutionTolerance, env)
	if err != nil {
		return nil, err
	}
	r.logger.Debug("reading coverage",
		"pyramid", p.ID(),
		"resolution", res,
		"scale", ms[0].Descriptor().Scale,
		"mosaics", len(ms),
	)

	if len(ms) == 1 {
		c, err := r.readSlice(ctx, p, ms[0], env)
		if err != nil {
			return nil, err
		}
		coverageReads.WithLabelValues("grid2d").Inc()
		return c, nil
	}

	root, err := buildTree(ms, p.CRS().Dimension-1)
	if err != nil {
		return nil, err
	}
	c, err := r.readNode(ctx, p, root, env)
	if err != nil {
		return nil, err
	}
	coverageReads.WithLabelValues("stack").Inc()
	return c, nil
}

// resolution returns the finest pixel size of domain in the pyramid CRS, +Inf when the
// domain has none.
func resolution(domain grid.Geometry, env grid.Envelope, sameCRS bool) float64 {
	rs := domain.Resolution()
	if len(rs) == 0 {
		return math.Inf(1)
	}
	res := math.Inf(1)
	if sameCRS {
		for _, v := range rs {
			res = math.Min(res, v)
		}
		return res
	}
	// estimated from the size of the reprojected envelope
	for d := 0; d < 2; d++ {
		size := domain.Extent.Size(d)
		span := env.Span(d)
		if size <= 0 || math.IsInf(span, 0) || math.IsNaN(span) {
			continue
		}
		res = math.Min(res, span/float64(size))
	}
	if res <= 0 {
		return math.Inf(1)
	}
	return res
}

func (r *Reader) readNode(ctx context.Context, p *pyramid.Pyramid, n *node, env grid.Envelope) (Coverage, error) {
	if n.isLeaf() {
		return r.readSlice(ctx, p, n.mosaic, env)
	}
	slices := make([]Coverage, 0, len(n.children))
	for _, child := range n.children {
		c, err := r.readNode(ctx, p, child, env)
		if err != nil {
			return nil, err
		}
		slices = append(slices, c)
	}
	return NewStack(n.dim, n.keys, slices)
}

// readSlice builds the 2D coverage of the tiles of m intersecting env.
func (r *Reader) readSlice(ctx context.Context, p *pyramid.Pyramid, m pyramid.Mosaic, env grid.Envelope) (*Grid2D, error) {
	desc := m.Descriptor()
	rng := desc.Grid()
	if !env.IsEmpty() {
		rng = desc.TileRange(env)
	}
	if rng.Empty() {
		return nil, fmt.Errorf("%w: mosaic %q has no tile in %s", pyramid.ErrNoSuchData, desc.ID, env)
	}
	img, err := mosaic.New(ctx, m,
		mosaic.WithTileRange(rng),
		mosaic.WithSampleDimensions(pyramid.SampleDimensionsOf(r.source, p)),
		mosaic.WithCache(r.cache, namespace(p, desc.ID, rng)),
		mosaic.WithLogger(r.logger),
		mosaic.WithFetchConcurrency(r.fetchConcurrency),
		mosaic.WithPrefetch(r.prefetch),
	)
	if err != nil {
		if errors.Is(err, pyramid.ErrInconsistentTile) {
			return nil, err
		}
		return nil, fmt.Errorf("mosaic %q: %w", desc.ID, err)
	}
	b := img.Bounds()
	sm := img.SampleModel()
	r.logger.Debug("mosaic image ready",
		"mosaic", desc.ID,
		"tiles", rng.String(),
		"pixels", humanize.Comma(int64(b.Dx())*int64(b.Dy())),
		"size", humanize.Bytes(uint64(b.Dx())*uint64(b.Dy())*uint64(sm.Bands*sm.DataType.Size())),
	)
	return NewGrid2D(img, p.CRS()), nil
}

// namespace keys the tiles of one image in the shared cache. Images over the same tiles of
// the same mosaic share their entries.
func namespace(p *pyramid.Pyramid, mosaicID string, rng image.Rectangle) string {
	return p.ID() + "/" + mosaicID + "/" + rng.String()
}
