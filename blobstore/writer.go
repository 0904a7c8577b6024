package blobstore

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"gocloud.dev/blob"

	"github.com/akhenakh/tilepyramid/feature"
	"github.com/akhenakh/tilepyramid/raster"
	"github.com/akhenakh/tilepyramid/tilecodec"
)

// Writer stores pyramids in the layout read by Open.
type Writer struct {
	store       *Store
	compression tilecodec.Compression
}

// NewWriter writes under prefix in bucket, compressing raster tiles with c.
func NewWriter(bucket *blob.Bucket, prefix string, c tilecodec.Compression) *Writer {
	return &Writer{store: &Store{bucket: bucket, prefix: strings.Trim(prefix, "/")}, compression: c}
}

// PutManifest stores m. Extensions are not written.
func (w *Writer) PutManifest(ctx context.Context, m Manifest) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	return w.store.bucket.WriteAll(ctx, w.store.key(ManifestName), data, &blob.WriterOptions{ContentType: "application/json"})
}

func (w *Writer) tileKey(pyramidID, mosaicID string, x, y int, ext string) string {
	return w.store.key(pyramidID, mosaicID, strconv.Itoa(y), strconv.Itoa(x)+ext)
}

// PutRaster stores raster tile (x, y) of a mosaic.
func (w *Writer) PutRaster(ctx context.Context, pyramidID, mosaicID string, x, y int, r *raster.Raster) error {
	data, err := tilecodec.Marshal(r, w.compression)
	if err != nil {
		return fmt.Errorf("can't encode tile %d,%d: %w", x, y, err)
	}
	key := w.tileKey(pyramidID, mosaicID, x, y, rasterExt)
	if err := w.store.bucket.WriteAll(ctx, key, data, &blob.WriterOptions{ContentType: "application/octet-stream"}); err != nil {
		return fmt.Errorf("can't write tile %s: %w", key, err)
	}
	return nil
}

// PutFeatures stores feature tile (x, y) of a mosaic as a GeoJSON FeatureCollection.
func (w *Writer) PutFeatures(ctx context.Context, pyramidID, mosaicID string, x, y int, fs []feature.Feature) error {
	data, err := feature.EncodeGeoJSON(fs)
	if err != nil {
		return fmt.Errorf("can't encode tile %d,%d: %w", x, y, err)
	}
	key := w.tileKey(pyramidID, mosaicID, x, y, featureExt)
	if err := w.store.bucket.WriteAll(ctx, key, data, &blob.WriterOptions{ContentType: "application/geo+json"}); err != nil {
		return fmt.Errorf("can't write tile %s: %w", key, err)
	}
	return nil
}
