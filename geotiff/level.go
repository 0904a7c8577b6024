package geotiff

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"image"
	"io"
	"strconv"
	"sync"
	"time"

	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
	"golang.org/x/exp/constraints"

	"github.com/akhenakh/tilepyramid/pyramid"
	"github.com/akhenakh/tilepyramid/raster"
)

const tileTTL = 10 * time.Minute

var zstdDecoder = sync.OnceValues(func() (*zstd.Decoder, error) {
	return zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))
})

// level is one IFD of the file: the full resolution image or an overview. It is a mosaic
// whose tiles are the TIFF tiles.
type level struct {
	g     *GeoTIFF
	index int

	imageWidth  uint32
	imageLength uint32
	tileWidth   uint32
	tileLength  uint32

	// tilesAcross is the number of tiles in the horizontal direction, used to compute a
	// tile's index from its x/y coordinates.
	tilesAcross int
	tilesDown   int

	tileOffsets    []uint64
	tileByteCounts []uint64

	// model is the sample model of one tile.
	model       raster.SampleModel
	compression uint16
	predictor   uint16

	desc pyramid.Descriptor
}

func (g *GeoTIFF) newLevel(index int, tags Tags, ul []float64) (*level, error) {
	l := &level{g: g, index: index}

	width, ok := tags.getUint(ImageWidth)
	if !ok {
		return nil, fmt.Errorf("missing or invalid tag: %s", ImageWidth)
	}
	length, ok := tags.getUint(ImageLength)
	if !ok {
		return nil, fmt.Errorf("missing or invalid tag: %s", ImageLength)
	}
	l.imageWidth, l.imageLength = uint32(width), uint32(length)

	// Striped images are not supported, a COG is always tiled
	tWidth, ok := tags.getUint(TileWidth)
	if !ok || tWidth == 0 {
		return nil, fmt.Errorf("missing or invalid tag: %s", TileWidth)
	}
	tLength, ok := tags.getUint(TileLength)
	if !ok || tLength == 0 {
		return nil, fmt.Errorf("missing or invalid tag: %s", TileLength)
	}
	l.tileWidth, l.tileLength = uint32(tWidth), uint32(tLength)
	l.tilesAcross = int(l.imageWidth+l.tileWidth-1) / int(l.tileWidth)
	l.tilesDown = int(l.imageLength+l.tileLength-1) / int(l.tileLength)

	spp, ok := tags.getUint(SamplesPerPixel)
	if !ok {
		spp = 1
	}
	if planar, ok := tags.getUint(PlanarConfiguration); ok && uint16(planar) != planarContiguous && spp > 1 {
		return nil, errors.New("planar configuration 2 (separate bands) is not supported")
	}

	bps := []uint64{1}
	if v, ok := tags.getUints(BitsPerSample); ok && len(v) > 0 {
		bps = v
	}
	for _, b := range bps[1:] {
		if b != bps[0] {
			return nil, fmt.Errorf("mixed bits per sample %v", bps)
		}
	}
	format := uint64(SampleFormatUint)
	if v, ok := tags.getUint(SampleFormat); ok {
		format = v
	}
	dt, err := dataType(uint16(format), bps[0])
	if err != nil {
		return nil, err
	}
	l.model = raster.SampleModel{Width: int(l.tileWidth), Height: int(l.tileLength), Bands: int(spp), DataType: dt}
	if err := l.model.Validate(); err != nil {
		return nil, err
	}

	l.compression = Uncompressed
	if comp, ok := tags.getUint(Compression); ok {
		l.compression = uint16(comp)
	}
	switch l.compression {
	case Uncompressed, DEFLATE, AdobeDeflate, ZSTD:
	default:
		return nil, fmt.Errorf("unsupported compression type: %d", l.compression)
	}
	l.predictor = PredictorNone
	if pred, ok := tags.getUint(Predictor); ok {
		l.predictor = uint16(pred)
	}
	if l.predictor != PredictorNone && (l.predictor != PredictorHorizontal || !dt.IsInteger()) {
		return nil, fmt.Errorf("unsupported predictor %d for %s samples", l.predictor, dt)
	}

	if l.tileOffsets, ok = tags.getUints(TileOffsets); !ok {
		return nil, fmt.Errorf("missing or invalid tag: %s", TileOffsets)
	}
	if l.tileByteCounts, ok = tags.getUints(TileByteCounts); !ok {
		return nil, fmt.Errorf("missing or invalid tag: %s", TileByteCounts)
	}
	n := l.tilesAcross * l.tilesDown
	if len(l.tileOffsets) < n || len(l.tileByteCounts) < n {
		return nil, fmt.Errorf("%d tile offsets and %d byte counts for %d tiles", len(l.tileOffsets), len(l.tileByteCounts), n)
	}

	l.desc = pyramid.Descriptor{
		ID:        strconv.Itoa(index),
		TileSize:  image.Pt(int(l.tileWidth), int(l.tileLength)),
		GridSize:  image.Pt(l.tilesAcross, l.tilesDown),
		UpperLeft: append([]float64(nil), ul...),
	}
	return l, nil
}

// dataType maps SampleFormat and BitsPerSample to a raster data type.
func dataType(format uint16, bits uint64) (raster.DataType, error) {
	switch {
	case format == SampleFormatUint && bits == 8:
		return raster.Uint8, nil
	case format == SampleFormatUint && bits == 16:
		return raster.Uint16, nil
	case format == SampleFormatUint && bits == 32:
		return raster.Uint32, nil
	case format == SampleFormatInt && bits == 8:
		return raster.Int8, nil
	case format == SampleFormatInt && bits == 16:
		return raster.Int16, nil
	case format == SampleFormatInt && bits == 32:
		return raster.Int32, nil
	case format == SampleFormatFloat && bits == 32:
		return raster.Float32, nil
	case format == SampleFormatFloat && bits == 64:
		return raster.Float64, nil
	}
	return 0, fmt.Errorf("unsupported sample format (SampleFormat: %d, BitsPerSample: %d)", format, bits)
}

func (l *level) Descriptor() pyramid.Descriptor { return l.desc }

func (l *level) tileNum(x, y int) (int, bool) {
	if x < 0 || y < 0 || x >= l.tilesAcross || y >= l.tilesDown {
		return 0, false
	}
	return l.tilesAcross*y + x, true
}

// IsMissing reports sparse tiles, written with a zero byte count.
func (l *level) IsMissing(x, y int) bool {
	n, ok := l.tileNum(x, y)
	return !ok || l.tileByteCounts[n] == 0
}

func (l *level) Tile(_ context.Context, x, y int) (pyramid.Tile, error) {
	n, ok := l.tileNum(x, y)
	if !ok {
		return nil, fmt.Errorf("%w: tile %d,%d outside grid %v", pyramid.ErrNoSuchData, x, y, l.desc.GridSize)
	}
	return pyramid.NewDeferredTile(image.Pt(x, y), func(ctx context.Context) (pyramid.Resource, error) {
		if l.tileByteCounts[n] == 0 {
			return nil, nil
		}
		r, err := l.getTileData(ctx, n)
		if err != nil {
			return nil, err
		}
		return r, nil
	}), nil
}

// AnyTile returns the first tile holding data.
func (l *level) AnyTile(ctx context.Context) (pyramid.Tile, error) {
	for n, count := range l.tileByteCounts[:l.tilesAcross*l.tilesDown] {
		if count > 0 {
			return l.Tile(ctx, n%l.tilesAcross, n/l.tilesAcross)
		}
	}
	return nil, nil
}

// getTileData retrieves a tile, decodes it into a raster, and caches the result.
func (l *level) getTileData(ctx context.Context, tileNum int) (*raster.Raster, error) {
	key := strconv.Itoa(l.index) + "/" + strconv.Itoa(tileNum)
	if item := l.g.tileCache.Get(key); item != nil && !item.Expired() {
		return item.Value(), nil
	}

	// The context of the first caller drives the shared fetch, a cancelled waiter must not
	// abort it for the others.
	fetchCtx := context.WithoutCancel(ctx)
	v, err, _ := l.g.inflightData.Do(key, func() (interface{}, error) {
		if item := l.g.tileCache.Get(key); item != nil && !item.Expired() {
			return item.Value(), nil
		}
		data, err := l.fetchAndDecompressTile(fetchCtx, tileNum)
		if err != nil {
			return nil, err
		}
		r, err := l.decode(data)
		if err != nil {
			return nil, fmt.Errorf("tile %d: %w", tileNum, err)
		}
		l.g.tileCache.Set(key, r, tileTTL)
		return r, nil
	})
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return v.(*raster.Raster), nil
}

// fetchAndDecompressTile performs the I/O to read and decompress a single tile.
func (l *level) fetchAndDecompressTile(ctx context.Context, tileNum int) ([]byte, error) {
	offset := l.tileOffsets[tileNum]
	byteCount := l.tileByteCounts[tileNum]
	if byteCount > 1<<30 {
		return nil, fmt.Errorf("tile %d declares %d bytes", tileNum, byteCount)
	}
	tileBytes := make([]byte, byteCount)

	if _, err := readAt(ctx, l.g.reader, tileBytes, int64(offset)); err != nil {
		return nil, fmt.Errorf("failed to read tile %d from source: %w", tileNum, err)
	}
	tileReads.WithLabelValues(l.desc.ID).Inc()
	tileBytesRead.Add(float64(byteCount))

	switch l.compression {
	case Uncompressed:
		return tileBytes, nil
	case DEFLATE, AdobeDeflate:
		z, err := zlib.NewReader(bytes.NewReader(tileBytes))
		if err != nil {
			return nil, fmt.Errorf("failed to create zlib reader for tile: %w", err)
		}
		defer z.Close()
		decompressedBytes, err := io.ReadAll(io.LimitReader(z, int64(l.model.ByteSize())))
		if err != nil {
			return nil, fmt.Errorf("failed to decompress tile data: %w", err)
		}
		return decompressedBytes, nil
	case ZSTD:
		dec, err := zstdDecoder()
		if err != nil {
			return nil, err
		}
		decompressedBytes, err := dec.DecodeAll(tileBytes, make([]byte, 0, l.model.ByteSize()))
		if err != nil {
			return nil, fmt.Errorf("failed to decompress tile data: %w", err)
		}
		return decompressedBytes, nil
	}
	return nil, fmt.Errorf("unsupported compression type: %d", l.compression)
}

// decode converts the decompressed bytes of a tile, pixel interleaved, into a raster.
func (l *level) decode(data []byte) (*raster.Raster, error) {
	if len(data) < l.model.ByteSize() {
		return nil, fmt.Errorf("decompressed tile holds %d bytes, expected %d", len(data), l.model.ByteSize())
	}
	r := raster.New(l.model, image.Point{})
	if err := binary.Read(bytes.NewReader(data[:l.model.ByteSize()]), l.g.byteOrder, r.Data()); err != nil {
		return nil, err
	}
	if l.predictor == PredictorHorizontal {
		w, h, spp := l.model.Width, l.model.Height, l.model.Bands
		switch d := r.Data().(type) {
		case []uint8:
			undoHorizontalPrediction(d, w, h, spp)
		case []int8:
			undoHorizontalPrediction(d, w, h, spp)
		case []uint16:
			undoHorizontalPrediction(d, w, h, spp)
		case []int16:
			undoHorizontalPrediction(d, w, h, spp)
		case []uint32:
			undoHorizontalPrediction(d, w, h, spp)
		case []int32:
			undoHorizontalPrediction(d, w, h, spp)
		}
	}
	return r, nil
}

// undoHorizontalPrediction reverses the horizontal differencing predictor: every sample was
// stored as the difference with the same band of the previous pixel in its row.
func undoHorizontalPrediction[T constraints.Integer](data []T, width, height, samplesPerPixel int) {
	if width == 0 || height == 0 {
		return
	}
	rowLen := width * samplesPerPixel
	for y := 0; y < height; y++ {
		rowStart := y * rowLen
		if rowStart+rowLen > len(data) {
			break
		}
		row := data[rowStart : rowStart+rowLen]
		for i := samplesPerPixel; i < rowLen; i++ {
			row[i] += row[i-samplesPerPixel]
		}
	}
}
