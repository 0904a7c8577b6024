// Package blobstore serves pyramids stored in an object bucket: a JSON manifest describing
// the pyramids, and one object per tile.
//
//	<prefix>/pyramids.json
//	<prefix>/<pyramid>/<mosaic>/<y>/<x>.tile      raster tiles, see tilecodec
//	<prefix>/<pyramid>/<mosaic>/<y>/<x>.geojson   feature tiles
package blobstore

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"log/slog"
	"path"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"gocloud.dev/blob"
	"gocloud.dev/gcerrors"

	"github.com/akhenakh/tilepyramid/feature"
	"github.com/akhenakh/tilepyramid/memstore"
	"github.com/akhenakh/tilepyramid/pyramid"
	"github.com/akhenakh/tilepyramid/raster"
	"github.com/akhenakh/tilepyramid/tilecodec"
)

const (
	ManifestName = "pyramids.json"

	rasterExt  = ".tile"
	featureExt = ".geojson"
)

// Store is a pyramid.Source backed by a bucket. The manifest is read once, when opening.
type Store struct {
	bucket   *blob.Bucket
	prefix   string
	manifest Manifest
	logger   *slog.Logger

	rasters  []*pyramid.Pyramid
	features map[string]*pyramid.Pyramid
	dims     map[string][]raster.SampleDimension
}

type Option func(*Store)

func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// Open reads the manifest stored under prefix in bucket. The bucket stays owned by the caller.
func Open(ctx context.Context, bucket *blob.Bucket, prefix string, opts ...Option) (*Store, error) {
	s := &Store{
		bucket:   bucket,
		prefix:   strings.Trim(prefix, "/"),
		logger:   slog.Default(),
		features: make(map[string]*pyramid.Pyramid),
		dims:     make(map[string][]raster.SampleDimension),
	}
	for _, opt := range opts {
		opt(s)
	}

	key := s.key(ManifestName)
	data, err := bucket.ReadAll(ctx, key)
	if err != nil {
		if gcerrors.Code(err) == gcerrors.NotFound {
			return nil, fmt.Errorf("%w: no manifest at %s", pyramid.ErrDataStore, key)
		}
		return nil, fmt.Errorf("can't read manifest %s: %w", key, err)
	}
	s.manifest, err = ParseManifest(data)
	if err != nil {
		return nil, err
	}

	for _, pd := range s.manifest.Pyramids {
		ms := make([]pyramid.Mosaic, 0, len(pd.Mosaics))
		for _, md := range pd.Mosaics {
			ms = append(ms, s.newMosaic(pd, md))
		}
		p, err := pyramid.New(pd.ID, pd.crs(), ms...)
		if err != nil {
			return nil, err
		}
		if pd.Kind == KindFeatures {
			s.features[pd.ID] = p
			continue
		}
		s.rasters = append(s.rasters, p)
		s.dims[pd.ID] = pd.SampleDimensions()
	}
	s.logger.Info("opened pyramid store",
		"prefix", s.prefix,
		"manifest_size", humanize.Bytes(uint64(len(data))),
		"raster_pyramids", len(s.rasters),
		"feature_pyramids", len(s.features),
	)
	return s, nil
}

func (s *Store) key(parts ...string) string {
	if s.prefix == "" {
		return path.Join(parts...)
	}
	return path.Join(append([]string{s.prefix}, parts...)...)
}

func (s *Store) Manifest() Manifest { return s.manifest }

// Pyramids returns the raster pyramids.
func (s *Store) Pyramids(context.Context) ([]*pyramid.Pyramid, error) {
	return s.rasters, nil
}

// SampleDimensions describes the bands of the first raster pyramid, nil without one.
// Readers use PyramidSampleDimensions since the pyramids may declare different bands.
func (s *Store) SampleDimensions() []raster.SampleDimension {
	if len(s.rasters) == 0 {
		return nil
	}
	return s.dims[s.rasters[0].ID()]
}

// PyramidSampleDimensions describes the bands of raster pyramid p.
func (s *Store) PyramidSampleDimensions(p *pyramid.Pyramid) []raster.SampleDimension {
	return s.dims[p.ID()]
}

// FeaturePyramid returns the vector pyramid id.
func (s *Store) FeaturePyramid(id string) (*pyramid.Pyramid, error) {
	p, ok := s.features[id]
	if !ok {
		return nil, fmt.Errorf("%w: no feature pyramid %q", pyramid.ErrNoSuchData, id)
	}
	return p, nil
}

type mosaic struct {
	store     *Store
	pyramidID string
	kind      string
	desc      pyramid.Descriptor
	missing   map[image.Point]struct{}
}

func (s *Store) newMosaic(pd PyramidDoc, md MosaicDoc) *mosaic {
	m := &mosaic{
		store:     s,
		pyramidID: pd.ID,
		kind:      pd.Kind,
		desc:      md.descriptor(),
		missing:   make(map[image.Point]struct{}, len(md.Missing)),
	}
	for _, p := range md.Missing {
		m.missing[image.Pt(p[0], p[1])] = struct{}{}
	}
	return m
}

func (m *mosaic) Descriptor() pyramid.Descriptor { return m.desc }

func (m *mosaic) ext() string {
	if m.kind == KindFeatures {
		return featureExt
	}
	return rasterExt
}

func (m *mosaic) tileKey(x, y int) string {
	return m.store.key(m.pyramidID, m.desc.ID, strconv.Itoa(y), strconv.Itoa(x)+m.ext())
}

func (m *mosaic) IsMissing(x, y int) bool {
	if !image.Pt(x, y).In(m.desc.Data()) {
		return true
	}
	_, ok := m.missing[image.Pt(x, y)]
	return ok
}

// Tile returns a deferred tile. A tile object absent from the bucket opens to nothing.
func (m *mosaic) Tile(_ context.Context, x, y int) (pyramid.Tile, error) {
	if !image.Pt(x, y).In(m.desc.Grid()) {
		return nil, fmt.Errorf("%w: tile %d,%d outside grid %v", pyramid.ErrNoSuchData, x, y, m.desc.GridSize)
	}
	return pyramid.NewDeferredTile(image.Pt(x, y), func(ctx context.Context) (pyramid.Resource, error) {
		return m.open(ctx, x, y)
	}), nil
}

func (m *mosaic) open(ctx context.Context, x, y int) (pyramid.Resource, error) {
	key := m.tileKey(x, y)
	data, err := m.store.bucket.ReadAll(ctx, key)
	if err != nil {
		if gcerrors.Code(err) == gcerrors.NotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("can't read tile %s: %w", key, err)
	}
	if m.kind == KindFeatures {
		fs, err := feature.DecodeGeoJSON(data)
		if err != nil {
			return nil, fmt.Errorf("tile %s: %w", key, err)
		}
		return memstore.NewFeatureTile(fs), nil
	}
	r, err := tilecodec.Unmarshal(data, image.Point{})
	if err != nil {
		return nil, fmt.Errorf("tile %s: %w", key, err)
	}
	return r, nil
}

// AnyTile returns the first tile object listed under the mosaic.
func (m *mosaic) AnyTile(ctx context.Context) (pyramid.Tile, error) {
	it := m.store.bucket.List(&blob.ListOptions{Prefix: m.store.key(m.pyramidID, m.desc.ID) + "/"})
	for {
		obj, err := it.Next(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, nil
			}
			return nil, fmt.Errorf("can't list tiles of %s/%s: %w", m.pyramidID, m.desc.ID, err)
		}
		x, y, ok := m.parseKey(obj.Key)
		if !ok || m.IsMissing(x, y) {
			continue
		}
		return m.Tile(ctx, x, y)
	}
}

// parseKey extracts the tile position of a key written by tileKey.
func (m *mosaic) parseKey(key string) (int, int, bool) {
	name := path.Base(key)
	if !strings.HasSuffix(name, m.ext()) {
		return 0, 0, false
	}
	x, err := strconv.Atoi(strings.TrimSuffix(name, m.ext()))
	if err != nil {
		return 0, 0, false
	}
	y, err := strconv.Atoi(path.Base(path.Dir(key)))
	if err != nil {
		return 0, 0, false
	}
	if !image.Pt(x, y).In(m.desc.Grid()) {
		return 0, 0, false
	}
	return x, y, true
}
