package geotiff

import "fmt"

type Tag uint16

// Baseline, extension and GeoTIFF tags read by this package.
const (
	NewSubfileType            Tag = 254
	ImageWidth                Tag = 256
	ImageLength               Tag = 257
	BitsPerSample             Tag = 258
	Compression               Tag = 259
	PhotometricInterpretation Tag = 262
	SamplesPerPixel           Tag = 277
	PlanarConfiguration       Tag = 284
	Predictor                 Tag = 317
	TileWidth                 Tag = 322
	TileLength                Tag = 323
	TileOffsets               Tag = 324
	TileByteCounts            Tag = 325
	SampleFormat              Tag = 339
	ModelPixelScale           Tag = 33550
	ModelTiepoint             Tag = 33922
	GeoKeyDirectory           Tag = 34735
	GeoDoubleParams           Tag = 34736
	GeoASCIIParams            Tag = 34737
	GDALMetadata              Tag = 42112
	GDALNoData                Tag = 42113
)

var tagToLabel = map[Tag]string{
	NewSubfileType:            "NewSubfileType",
	ImageWidth:                "ImageWidth",
	ImageLength:               "ImageLength",
	BitsPerSample:             "BitsPerSample",
	Compression:               "Compression",
	PhotometricInterpretation: "PhotometricInterpretation",
	SamplesPerPixel:           "SamplesPerPixel",
	PlanarConfiguration:       "PlanarConfiguration",
	Predictor:                 "Predictor",
	TileWidth:                 "TileWidth",
	TileLength:                "TileLength",
	TileOffsets:               "TileOffsets",
	TileByteCounts:            "TileByteCounts",
	SampleFormat:              "SampleFormat",
	ModelPixelScale:           "ModelPixelScale",
	ModelTiepoint:             "ModelTiepoint",
	GeoKeyDirectory:           "GeoKeyDirectory",
	GeoDoubleParams:           "GeoDoubleParams",
	GeoASCIIParams:            "GeoASCIIParams",
	GDALMetadata:              "GDALMetadata",
	GDALNoData:                "GDALNoData",
}

func (t Tag) String() string {
	v, ok := tagToLabel[t]
	if !ok {
		return fmt.Sprintf("%d", t)
	}
	return v
}

type fieldType uint16

const (
	BYTE fieldType = iota + 1
	ASCII
	SHORT
	LONG
	RATIONAL
	SBYTE
	UNDEFINED
	SSHORT
	SLONG
	SRATIONAL
	FLOAT
	DOUBLE
	LONG8  fieldType = 16
	SLONG8 fieldType = 17
	IFD8   fieldType = 18
)

const (
	zeroByte  = 0
	oneByte   = 1
	twoByte   = 2
	fourByte  = 4
	eightByte = 8
)

// fieldTypeLen is the length of every field type in bytes
var fieldTypeLen = [...]uint32{
	zeroByte, oneByte, oneByte, twoByte, // 0-3
	fourByte, eightByte, oneByte, oneByte, // 4-7
	twoByte, fourByte, eightByte, fourByte, // 8-11
	eightByte, // 12 (DOUBLE)
	0, 0, 0,   // 13-15 (Reserved)
	eightByte, eightByte, eightByte, // 16-18 (LONG8, SLONG8, IFD8)
}

var fieldTypeToLabel = map[fieldType]string{
	BYTE:      "BYTE",
	ASCII:     "ASCII",
	SHORT:     "SHORT",
	LONG:      "LONG",
	RATIONAL:  "RATIONAL",
	SBYTE:     "SBYTE",
	UNDEFINED: "UNDEFINED",
	SSHORT:    "SSHORT",
	SLONG:     "SLONG",
	SRATIONAL: "SRATIONAL",
	FLOAT:     "FLOAT",
	DOUBLE:    "DOUBLE",
	LONG8:     "LONG8",
	SLONG8:    "SLONG8",
	IFD8:      "IFD8",
}

func (f fieldType) String() string {
	v, ok := fieldTypeToLabel[f]
	if !ok {
		return fmt.Sprintf("unrecognized field type %d", f)
	}
	return v
}

// bytes returns the number of bytes in each data type
//
// returns 0 if unrecognized
func (f fieldType) bytes() uint32 {
	if f == 0 || int(f) >= len(fieldTypeLen) {
		return fieldTypeLen[0]
	}
	return fieldTypeLen[int(f)]
}

// File header values.
const (
	littleEndian      uint16 = 0x4949 // "II"
	bigEndian         uint16 = 0x4d4d // "MM"
	tiffIdentifier    uint16 = 42
	bigTiffIdentifier uint16 = 43
	bigTiffBytesize   uint16 = 8
)

// Compression values.
const (
	Uncompressed uint16 = 1
	DEFLATE      uint16 = 8
	ZSTD         uint16 = 50000
	// AdobeDeflate is the pre-standard code for zlib compressed data.
	AdobeDeflate uint16 = 32946
)

// Predictor values.
const (
	PredictorNone          uint16 = 1
	PredictorHorizontal    uint16 = 2
	PredictorFloatingPoint uint16 = 3
)

// SampleFormat values.
const (
	SampleFormatUint  uint16 = 1
	SampleFormatInt   uint16 = 2
	SampleFormatFloat uint16 = 3
)

const (
	planarContiguous uint16 = 1

	// subfileMask flags transparency masks in NewSubfileType.
	subfileMask = 4
)

// GeoKey identifiers.
const (
	geoKeyModelType      = 1024
	geoKeyGeographicType = 2048
	geoKeyProjectedType  = 3072

	geoKeyUserDefined = 32767
)
