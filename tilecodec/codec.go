// Package tilecodec encodes raster tiles for storage: a small fixed header followed by the
// samples, little endian, optionally compressed.
//
//	offset size
//	0      4    magic "TPRT"
//	4      1    version
//	5      1    compression
//	6      1    data type
//	7      2    bands
//	9      4    width
//	13     4    height
//	17          payload
package tilecodec

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"image"
	"io"
	"sync"

	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"

	"github.com/akhenakh/tilepyramid/raster"
)

const (
	magic      = "TPRT"
	version    = 1
	headerSize = 17

	// maxDecodedSize bounds the memory a single tile may claim.
	maxDecodedSize = 1 << 30
)

// Compression is the payload compression of an encoded tile.
type Compression uint8

const (
	None Compression = iota
	Deflate
	Zstd
)

func (c Compression) String() string {
	switch c {
	case None:
		return "none"
	case Deflate:
		return "deflate"
	case Zstd:
		return "zstd"
	}
	return fmt.Sprintf("compression(%d)", uint8(c))
}

// ParseCompression parses the name of a compression, as printed by String.
func ParseCompression(s string) (Compression, error) {
	for _, c := range []Compression{None, Deflate, Zstd} {
		if c.String() == s {
			return c, nil
		}
	}
	return None, fmt.Errorf("unknown compression %q", s)
}

var (
	ErrFormat = errors.New("invalid tile encoding")

	zstdEncoder = sync.OnceValues(func() (*zstd.Encoder, error) {
		return zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	})
	zstdDecoder = sync.OnceValues(func() (*zstd.Decoder, error) {
		return zstd.NewReader(nil, zstd.WithDecoderMaxMemory(maxDecodedSize))
	})
)

// Header describes an encoded tile.
type Header struct {
	Compression Compression
	Model       raster.SampleModel
}

// Marshal encodes r. The raster origin is not stored.
func Marshal(r *raster.Raster, c Compression) ([]byte, error) {
	sm := r.Model()
	if sm.Bands > 0xffff {
		return nil, fmt.Errorf("can't encode %d bands", sm.Bands)
	}
	var payload bytes.Buffer
	payload.Grow(sm.ByteSize())
	if err := binary.Write(&payload, binary.LittleEndian, r.Data()); err != nil {
		return nil, fmt.Errorf("can't write samples: %w", err)
	}

	out := make([]byte, headerSize, headerSize+payload.Len())
	copy(out, magic)
	out[4] = version
	out[5] = byte(c)
	out[6] = byte(sm.DataType)
	binary.LittleEndian.PutUint16(out[7:], uint16(sm.Bands))
	binary.LittleEndian.PutUint32(out[9:], uint32(sm.Width))
	binary.LittleEndian.PutUint32(out[13:], uint32(sm.Height))

	switch c {
	case None:
		return append(out, payload.Bytes()...), nil
	case Deflate:
		buf := bytes.NewBuffer(out)
		zw, err := zlib.NewWriterLevel(buf, zlib.DefaultCompression)
		if err != nil {
			return nil, err
		}
		if _, err := zw.Write(payload.Bytes()); err != nil {
			return nil, fmt.Errorf("can't deflate samples: %w", err)
		}
		if err := zw.Close(); err != nil {
			return nil, fmt.Errorf("can't deflate samples: %w", err)
		}
		return buf.Bytes(), nil
	case Zstd:
		enc, err := zstdEncoder()
		if err != nil {
			return nil, err
		}
		return enc.EncodeAll(payload.Bytes(), out), nil
	}
	return nil, fmt.Errorf("unsupported compression %s", c)
}

// ReadHeader decodes the header of an encoded tile.
func ReadHeader(data []byte) (Header, error) {
	if len(data) < headerSize {
		return Header{}, fmt.Errorf("%w: %d bytes", ErrFormat, len(data))
	}
	if string(data[:4]) != magic {
		return Header{}, fmt.Errorf("%w: bad magic %q", ErrFormat, data[:4])
	}
	if data[4] != version {
		return Header{}, fmt.Errorf("%w: unsupported version %d", ErrFormat, data[4])
	}
	h := Header{
		Compression: Compression(data[5]),
		Model: raster.SampleModel{
			DataType: raster.DataType(data[6]),
			Bands:    int(binary.LittleEndian.Uint16(data[7:])),
			Width:    int(binary.LittleEndian.Uint32(data[9:])),
			Height:   int(binary.LittleEndian.Uint32(data[13:])),
		},
	}
	if err := h.Model.Validate(); err != nil {
		return Header{}, fmt.Errorf("%w: %w", ErrFormat, err)
	}
	if uint64(h.Model.Width)*uint64(h.Model.Height) > maxDecodedSize || h.Model.ByteSize() > maxDecodedSize {
		return Header{}, fmt.Errorf("%w: %d bytes of samples", ErrFormat, h.Model.ByteSize())
	}
	return h, nil
}

// Unmarshal decodes a tile encoded by Marshal, positioned at origin.
func Unmarshal(data []byte, origin image.Point) (*raster.Raster, error) {
	h, err := ReadHeader(data)
	if err != nil {
		return nil, err
	}
	body := data[headerSize:]

	var payload []byte
	switch h.Compression {
	case None:
		payload = body
	case Deflate:
		zr, err := zlib.NewReader(bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrFormat, err)
		}
		defer zr.Close()
		payload, err = io.ReadAll(io.LimitReader(zr, int64(h.Model.ByteSize())+1))
		if err != nil {
			return nil, fmt.Errorf("%w: can't inflate samples: %w", ErrFormat, err)
		}
	case Zstd:
		dec, err := zstdDecoder()
		if err != nil {
			return nil, err
		}
		payload, err = dec.DecodeAll(body, make([]byte, 0, h.Model.ByteSize()))
		if err != nil {
			return nil, fmt.Errorf("%w: can't decompress samples: %w", ErrFormat, err)
		}
	default:
		return nil, fmt.Errorf("%w: unsupported compression %s", ErrFormat, h.Compression)
	}
	if len(payload) != h.Model.ByteSize() {
		return nil, fmt.Errorf("%w: %d bytes of samples for %dx%dx%d %s",
			ErrFormat, len(payload), h.Model.Width, h.Model.Height, h.Model.Bands, h.Model.DataType)
	}

	r := raster.New(h.Model, origin)
	if err := binary.Read(bytes.NewReader(payload), binary.LittleEndian, r.Data()); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrFormat, err)
	}
	return r, nil
}
