// Package geotiff reads tiled GeoTIFF files, Cloud Optimized GeoTIFFs in particular, as a
// pyramid: the full resolution image and each of its overviews become one mosaic, and every
// TIFF tile one pyramid tile fetched on demand with ReadAt.
package geotiff

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"

	"github.com/karlseguin/ccache/v3"
	"golang.org/x/sync/singleflight"

	"github.com/akhenakh/tilepyramid/grid"
	"github.com/akhenakh/tilepyramid/pyramid"
	"github.com/akhenakh/tilepyramid/raster"
)

// maxIFDs bounds the directory chain, corrupt files may loop.
const maxIFDs = 256

// head represents the TIFF file header information
type head struct {
	byteOrder binary.ByteOrder // Byte order (little endian or big endian)
	isBigTIFF bool             // Whether this is a BigTIFF file format
	ifdOffset uint64           // Offset to the first Image File Directory (IFD)
}

// iFDEntry represents a single entry in an Image File Directory (IFD)
type iFDEntry struct {
	Tag         Tag       // TIFF tag identifier
	FType       fieldType // Data type of the field
	Count       uint64    // Number of values of the specified type
	ValueOffset uint64    // Offset to the value data, or the value itself if it fits inline
	ValueBytes  []byte    // Inline value data for small values
}

// tagData holds the parsed data for a TIFF tag in various typed formats
type tagData struct {
	fType      fieldType // The field type of this tag data
	length     uint32    // Number of elements in the data
	byteData   []uint8   // Raw byte data (BYTE type)
	asciiData  string    // String data (ASCII type)
	shortData  []uint16  // 16-bit unsigned integer data (SHORT type)
	longData   []uint32  // 32-bit unsigned integer data (LONG type)
	floatData  []float32 // 32-bit floating point data (FLOAT type)
	doubleData []float64 // 64-bit floating point data (DOUBLE type)
	uint64Data []uint64  // 64-bit unsigned integer data (LONG8/IFD8 types)
}

// Tags holds the entries of one IFD.
type Tags map[Tag]tagData

// GeoTIFF is a tiled GeoTIFF exposed as a pyramid.Source holding a single pyramid.
type GeoTIFF struct {
	// reader is the underlying source for the tile data. Tiles are fetched with ReadAt so
	// concurrent reads never share an offset.
	reader io.ReaderAt

	// byteOrder stores the endianness (little or big) of the TIFF file,
	// which is critical for correctly interpreting binary data.
	byteOrder binary.ByteOrder

	// isBigTIFF is a flag indicating whether the file uses the BigTIFF format,
	// which supports 64-bit offsets for files larger than 4GB.
	isBigTIFF bool

	// levels are the full resolution image then the overviews, finest first.
	levels []*level

	// PixelScaleX and PixelScaleY are the CRS units per pixel of the full resolution image.
	// PixelScaleY is negative for north-up images.
	PixelScaleX float64
	PixelScaleY float64

	crs     grid.CRS
	dims    []raster.SampleDimension
	pyramid *pyramid.Pyramid

	// tileCache stores decoded tiles, so a cache hit costs neither I/O nor decompression.
	tileCache *ccache.Cache[*raster.Raster]

	// inflightData ensures that for a given tile only one goroutine performs the I/O and
	// decoding while concurrent requests for the same tile wait for its result.
	inflightData singleflight.Group

	logger *slog.Logger
}

type config struct {
	id     string
	crs    grid.CRS
	logger *slog.Logger
}

type Option func(*config)

// WithID names the pyramid, "cog" by default.
func WithID(id string) Option {
	return func(c *config) { c.id = id }
}

// WithCRS sets the CRS of files whose GeoKeys do not name an EPSG code. Files without
// GeoKeys are read as WGS84.
func WithCRS(crs grid.CRS) Option {
	return func(c *config) { c.crs = crs }
}

func WithLogger(l *slog.Logger) Option {
	return func(c *config) { c.logger = l }
}

// Open parses every IFD of a tiled GeoTIFF. Masks are ignored. The reader must also
// implement io.ReaderAt, tiles are read with it.
func Open(r io.ReadSeeker, cacheSize int64, itemsToPrune uint32, opts ...Option) (*GeoTIFF, error) {
	cfg := config{id: "cog", crs: grid.WGS84, logger: slog.Default()}
	for _, opt := range opts {
		opt(&cfg)
	}
	readerAt, ok := r.(io.ReaderAt)
	if !ok {
		return nil, errors.New("reader does not implement io.ReaderAt")
	}

	ifds, header, err := readTags(r, cfg.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to read tiff tags: %w", err)
	}

	g := &GeoTIFF{
		reader:    readerAt,
		byteOrder: header.byteOrder,
		isBigTIFF: header.isBigTIFF,
		tileCache: ccache.New(ccache.Configure[*raster.Raster]().MaxSize(cacheSize).ItemsToPrune(itemsToPrune)),
		logger:    cfg.logger,
	}

	var (
		base Tags
		ul   []float64
	)
	for i, tags := range ifds {
		if subfile, _ := tags.getUint(NewSubfileType); subfile&subfileMask != 0 {
			continue
		}
		if base == nil {
			base = tags
			if err := g.readGeoreference(tags); err != nil {
				return nil, err
			}
			if ul, err = g.upperLeft(tags); err != nil {
				return nil, err
			}
		}
		l, err := g.newLevel(len(g.levels), tags, ul)
		if err != nil {
			return nil, fmt.Errorf("ifd %d: %w", i, err)
		}
		if len(g.levels) > 0 {
			full := g.levels[0].model
			if l.model.Bands != full.Bands || l.model.DataType != full.DataType {
				g.logger.Warn("skipping overview with a different sample layout", "ifd", i)
				continue
			}
		}
		g.levels = append(g.levels, l)
	}
	if base == nil {
		return nil, errors.New("file contains no image")
	}

	g.crs = geoKeysCRS(base, cfg.crs)
	g.dims = sampleDimensions(base, g.levels[0].model)

	full := g.levels[0]
	mosaics := make([]pyramid.Mosaic, 0, len(g.levels))
	for _, l := range g.levels {
		l.desc.Scale = g.PixelScaleX * float64(full.imageWidth) / float64(l.imageWidth)
		mosaics = append(mosaics, l)
	}
	if g.pyramid, err = pyramid.New(cfg.id, g.crs, mosaics...); err != nil {
		return nil, err
	}

	g.logger.Debug("opened geotiff",
		"crs", g.crs.String(),
		"levels", len(g.levels),
		"width", full.imageWidth,
		"height", full.imageLength,
		"data_type", full.model.DataType.String(),
		"bigtiff", g.isBigTIFF,
	)
	return g, nil
}

// readGeoreference reads the pixel scale and the upper-left corner of the full resolution image.
func (g *GeoTIFF) readGeoreference(tags Tags) error {
	pixelScale, ok := tags[ModelPixelScale]
	if !ok {
		return errors.New("missing tag: ModelPixelScale")
	}
	pixelScaleValues, ok := pixelScale.doubleDataValue()
	if !ok || len(pixelScaleValues) < 2 {
		return errors.New("invalid ModelPixelScale tag")
	}
	g.PixelScaleX = pixelScaleValues[0]
	g.PixelScaleY = pixelScaleValues[1]

	// Ensure Y pixel scale is negative (standard GeoTIFF convention for north-up images)
	if g.PixelScaleY > 0 {
		g.PixelScaleY = -g.PixelScaleY
	}
	if g.PixelScaleX <= 0 {
		return fmt.Errorf("invalid pixel scale %v", pixelScaleValues)
	}
	if d := g.PixelScaleX + g.PixelScaleY; d > 1e-9*g.PixelScaleX || d < -1e-9*g.PixelScaleX {
		g.logger.Warn("non square pixels, using the x scale", "x", g.PixelScaleX, "y", -g.PixelScaleY)
	}
	return nil
}

// upperLeft returns the CRS coordinate of the upper-left corner of pixel (0, 0).
func (g *GeoTIFF) upperLeft(tags Tags) ([]float64, error) {
	tiePointTag, ok := tags[ModelTiepoint]
	if !ok {
		return nil, errors.New("missing ModelTiepoint tag")
	}
	tiePointValues, ok := tiePointTag.doubleDataValue()
	if !ok || len(tiePointValues) < 6 {
		return nil, errors.New("invalid ModelTiepoint tag")
	}

	tieI, tieJ := tiePointValues[0], tiePointValues[1]
	tieX, tieY := tiePointValues[3], tiePointValues[4]
	return []float64{tieX - tieI*g.PixelScaleX, tieY - tieJ*g.PixelScaleY}, nil
}

// Pyramids returns the single pyramid of the file.
func (g *GeoTIFF) Pyramids(context.Context) ([]*pyramid.Pyramid, error) {
	return []*pyramid.Pyramid{g.pyramid}, nil
}

func (g *GeoTIFF) Pyramid() *pyramid.Pyramid { return g.pyramid }

func (g *GeoTIFF) SampleDimensions() []raster.SampleDimension { return g.dims }

func (g *GeoTIFF) CRS() grid.CRS { return g.crs }

// Envelope returns the extent of the full resolution image.
func (g *GeoTIFF) Envelope() grid.Envelope {
	return g.levels[0].desc.Envelope(g.crs)
}

// Close releases the tile cache.
func (g *GeoTIFF) Close() {
	g.tileCache.Stop()
}

// geoKeysCRS reads the EPSG code from the GeoKey directory, fallback when there is none.
func geoKeysCRS(tags Tags, fallback grid.CRS) grid.CRS {
	dir, ok := tags[GeoKeyDirectory]
	if !ok || len(dir.shortData) < 4 {
		return fallback
	}
	keys := make(map[uint16]uint16)
	n := int(dir.shortData[3])
	for i := 0; i < n && 4+i*4+3 < len(dir.shortData); i++ {
		e := dir.shortData[4+i*4 : 8+i*4]
		// inline SHORT values only, the codes we need are never stored elsewhere
		if e[1] == 0 && e[2] == 1 {
			keys[e[0]] = e[3]
		}
	}
	code := keys[geoKeyGeographicType]
	if keys[geoKeyModelType] == 1 || keys[geoKeyProjectedType] != 0 {
		code = keys[geoKeyProjectedType]
	}
	if code == 0 || code == geoKeyUserDefined {
		return fallback
	}
	return grid.CRS{Code: "EPSG:" + strconv.Itoa(int(code)), Dimension: 2}
}

// sampleDimensions names the bands band_N, with the GDAL nodata value when present.
func sampleDimensions(tags Tags, model raster.SampleModel) []raster.SampleDimension {
	dims := raster.DefaultSampleDimensions(model.Bands, model.DataType)
	t, ok := tags[GDALNoData]
	if !ok {
		return dims
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(t.asciiData), 64)
	if err != nil {
		return dims
	}
	for i := range dims {
		noData := v
		dims[i].NoData = &noData
	}
	return dims
}

// readHeader parses the TIFF file header to determine byte order, file format, and IFD location
func readHeader(r io.Reader) (head, error) {
	var h head

	// Read the first 2 bytes to determine byte order (little or big endian)
	var byteOrderBytes uint16
	if err := binary.Read(r, binary.BigEndian, &byteOrderBytes); err != nil {
		return h, err
	}

	switch byteOrderBytes {
	case littleEndian:
		h.byteOrder = binary.LittleEndian
	case bigEndian:
		h.byteOrder = binary.BigEndian
	default:
		return h, errors.New("invalid byte order")
	}

	// Read the TIFF identifier to determine if this is standard TIFF or BigTIFF
	var identifier uint16
	if err := binary.Read(r, h.byteOrder, &identifier); err != nil {
		return h, err
	}

	switch identifier {
	case tiffIdentifier:
		var offset32 uint32
		if err := binary.Read(r, h.byteOrder, &offset32); err != nil {
			return h, err
		}
		h.ifdOffset = uint64(offset32)
	case bigTiffIdentifier:
		h.isBigTIFF = true

		var bytesize, reserved uint16
		if err := binary.Read(r, h.byteOrder, &bytesize); err != nil {
			return h, err
		}
		if bytesize != bigTiffBytesize {
			return h, errors.New("invalid BigTIFF bytesize")
		}
		if err := binary.Read(r, h.byteOrder, &reserved); err != nil {
			return h, err
		}
		if err := binary.Read(r, h.byteOrder, &h.ifdOffset); err != nil {
			return h, err
		}
	default:
		return h, fmt.Errorf("invalid tiff identifier: %d", identifier)
	}
	return h, nil
}

// readTags reads every IFD of the file, following the next IFD offsets. For a COG the first
// one is the full resolution image and the next ones its overviews and masks.
func readTags(r io.ReadSeeker, logger *slog.Logger) ([]Tags, head, error) {
	if _, err := r.Seek(0, io.SeekStart); err != nil {
		return nil, head{}, err
	}
	h, err := readHeader(r)
	if err != nil {
		return nil, h, err
	}
	if h.ifdOffset == 0 {
		return nil, h, errors.New("file contains no IFDs")
	}

	var ifds []Tags
	seen := make(map[uint64]bool)
	for offset := h.ifdOffset; offset != 0; {
		if seen[offset] || len(ifds) == maxIFDs {
			return nil, h, fmt.Errorf("ifd chain loops at offset %d", offset)
		}
		seen[offset] = true
		tags, next, err := readIFD(r, h, offset, logger)
		if err != nil {
			return nil, h, fmt.Errorf("ifd %d: %w", len(ifds), err)
		}
		ifds = append(ifds, tags)
		offset = next
	}
	return ifds, h, nil
}

// readIFD reads the directory at offset and returns the offset of the next one.
func readIFD(r io.ReadSeeker, h head, offset uint64, logger *slog.Logger) (Tags, uint64, error) {
	tags := make(Tags)
	if _, err := r.Seek(int64(offset), io.SeekStart); err != nil {
		return nil, 0, err
	}

	var numEntries uint64
	if h.isBigTIFF {
		if err := binary.Read(r, h.byteOrder, &numEntries); err != nil {
			return nil, 0, err
		}
	} else {
		var numEntries16 uint16
		if err := binary.Read(r, h.byteOrder, &numEntries16); err != nil {
			return nil, 0, err
		}
		numEntries = uint64(numEntries16)
	}
	if numEntries > 1<<16 {
		return nil, 0, fmt.Errorf("too many IFD entries: %d", numEntries)
	}

	entryLen := 12
	nextLen := 4
	if h.isBigTIFF {
		entryLen = 20
		nextLen = 8
	}
	// the entries then the offset of the next IFD
	ifdBlock := make([]byte, entryLen*int(numEntries)+nextLen)
	if _, err := io.ReadFull(r, ifdBlock); err != nil {
		return nil, 0, fmt.Errorf("failed to read IFD block: %w", err)
	}
	var next uint64
	if h.isBigTIFF {
		next = h.byteOrder.Uint64(ifdBlock[len(ifdBlock)-8:])
	} else {
		next = uint64(h.byteOrder.Uint32(ifdBlock[len(ifdBlock)-4:]))
	}
	ifdReader := bytes.NewReader(ifdBlock[:len(ifdBlock)-nextLen])

	for i := uint64(0); i < numEntries; i++ {
		var entry iFDEntry
		var tag, ftype uint16
		binary.Read(ifdReader, h.byteOrder, &tag)
		binary.Read(ifdReader, h.byteOrder, &ftype)
		entry.Tag = Tag(tag)
		entry.FType = fieldType(ftype)
		if entry.FType.bytes() == 0 {
			logger.Warn("unrecognized tag field type, skipping", "tag", entry.Tag.String(), "field_type", entry.FType.String())
			ifdReader.Seek(int64(entryLen-4), io.SeekCurrent)
			continue
		}

		offsetBytes := make([]byte, 8)
		if h.isBigTIFF {
			binary.Read(ifdReader, h.byteOrder, &entry.Count)
			ifdReader.Read(offsetBytes)
			entry.ValueOffset = h.byteOrder.Uint64(offsetBytes)
		} else {
			var count32, offset32 uint32
			binary.Read(ifdReader, h.byteOrder, &count32)
			binary.Read(ifdReader, h.byteOrder, &offset32)
			entry.Count = uint64(count32)
			entry.ValueOffset = uint64(offset32)
			// For inline data compatibility, put the 4-byte value/offset into the 8-byte slice
			h.byteOrder.PutUint32(offsetBytes, offset32)
		}

		inlineDataSize := uint64(4)
		if h.isBigTIFF {
			inlineDataSize = 8
		}

		if totalBytes := uint64(entry.FType.bytes()) * entry.Count; totalBytes <= inlineDataSize {
			entry.ValueBytes = offsetBytes[:totalBytes]
		}

		tagvalue, err := entry.value(r, h.byteOrder)
		if err != nil {
			return nil, 0, fmt.Errorf("tag %s: %w", entry.Tag, err)
		}
		tags[entry.Tag] = *tagvalue
	}
	return tags, next, nil
}

func (ifd *iFDEntry) value(r io.ReadSeeker, byteOrder binary.ByteOrder) (*tagData, error) {
	if ifd.Count > 1<<28 {
		return nil, fmt.Errorf("too many values: %d", ifd.Count)
	}
	t := tagData{fType: ifd.FType, length: uint32(ifd.Count)}
	var reader io.Reader
	if len(ifd.ValueBytes) > 0 || ifd.Count == 0 {
		reader = bytes.NewReader(ifd.ValueBytes)
	} else {
		readerAt, ok := r.(io.ReaderAt)
		if !ok {
			return nil, errors.New("reader does not implement io.ReaderAt")
		}
		reader = io.NewSectionReader(readerAt, int64(ifd.ValueOffset), int64(ifd.FType.bytes())*int64(ifd.Count))
	}
	switch ifd.FType {
	case BYTE, UNDEFINED:
		t.byteData = make([]uint8, ifd.Count)
		if err := binary.Read(reader, byteOrder, &t.byteData); err != nil {
			return nil, err
		}
	case ASCII:
		p := make([]uint8, ifd.Count)
		if err := binary.Read(reader, byteOrder, p); err != nil {
			return nil, err
		}
		t.asciiData = string(bytes.Trim(p, "\x00"))
	case SHORT:
		t.shortData = make([]uint16, ifd.Count)
		if err := binary.Read(reader, byteOrder, &t.shortData); err != nil {
			return nil, err
		}
	case LONG:
		t.longData = make([]uint32, ifd.Count)
		if err := binary.Read(reader, byteOrder, &t.longData); err != nil {
			return nil, err
		}
	case FLOAT:
		t.floatData = make([]float32, ifd.Count)
		if err := binary.Read(reader, byteOrder, t.floatData); err != nil {
			return nil, err
		}
	case DOUBLE:
		t.doubleData = make([]float64, ifd.Count)
		if err := binary.Read(reader, byteOrder, &t.doubleData); err != nil {
			return nil, err
		}
	case LONG8, IFD8:
		t.uint64Data = make([]uint64, ifd.Count)
		if err := binary.Read(reader, byteOrder, &t.uint64Data); err != nil {
			return nil, err
		}
	default:
		// kept as raw bytes, nothing this package reads uses the signed or rational types
		t.byteData = make([]uint8, uint64(ifd.FType.bytes())*ifd.Count)
		if _, err := io.ReadFull(reader, t.byteData); err != nil {
			return nil, err
		}
	}
	return &t, nil
}

func (t Tags) getUint(tag Tag) (uint64, bool) {
	vs, ok := t.getUints(tag)
	if !ok || len(vs) == 0 {
		return 0, false
	}
	return vs[0], true
}

// getUints returns the values of an unsigned integer tag of any width.
func (t Tags) getUints(tag Tag) ([]uint64, bool) {
	td, ok := t[tag]
	if !ok {
		return nil, false
	}
	switch td.fType {
	case BYTE:
		res := make([]uint64, len(td.byteData))
		for i, v := range td.byteData {
			res[i] = uint64(v)
		}
		return res, true
	case SHORT:
		res := make([]uint64, len(td.shortData))
		for i, v := range td.shortData {
			res[i] = uint64(v)
		}
		return res, true
	case LONG:
		res := make([]uint64, len(td.longData))
		for i, v := range td.longData {
			res[i] = uint64(v)
		}
		return res, true
	case LONG8, IFD8:
		return td.uint64Data, true
	}
	return nil, false
}

func (td tagData) doubleDataValue() ([]float64, bool) {
	if td.fType == DOUBLE {
		return td.doubleData, true
	}
	return nil, false
}
