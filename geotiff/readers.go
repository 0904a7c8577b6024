package geotiff

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"

	"gocloud.dev/blob"
)

// ContextReaderAt is implemented by the remote readers, so tile reads follow the request
// context instead of the one the reader was opened with.
type ContextReaderAt interface {
	ReadAtContext(ctx context.Context, p []byte, off int64) (int, error)
}

func readAt(ctx context.Context, r io.ReaderAt, p []byte, off int64) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if cr, ok := r.(ContextReaderAt); ok {
		return cr.ReadAtContext(ctx, p, off)
	}
	return r.ReadAt(p, off)
}

// rangeFunc reads length bytes at off into p, length never exceeds len(p).
type rangeFunc func(ctx context.Context, p []byte, off, length int64) (int, error)

// RangeReader satisfies io.ReadSeeker and io.ReaderAt over a source read by byte ranges.
// Sequential reads, used while parsing the IFDs, are serialized; ReadAt is stateless and
// safe for concurrent tile fetches.
type RangeReader struct {
	ctx   context.Context
	size  int64
	fetch rangeFunc

	// mu protects the offset field for sequential Read/Seek operations.
	mu     sync.Mutex
	offset int64
}

func (r *RangeReader) Size() int64 { return r.size }

// Read performs a sequential read. The lock is held for the entire duration of the request.
func (r *RangeReader) Read(p []byte) (n int, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.offset >= r.size {
		return 0, io.EOF
	}

	n, err = r.ReadAtContext(r.ctx, p, r.offset)
	if n > 0 {
		r.offset += int64(n)
	}
	return n, err
}

// Seek updates the internal offset for the next sequential Read.
func (r *RangeReader) Seek(offset int64, whence int) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var newOffset int64
	switch whence {
	case io.SeekStart:
		newOffset = offset
	case io.SeekCurrent:
		newOffset = r.offset + offset
	case io.SeekEnd:
		newOffset = r.size + offset
	default:
		return 0, errors.New("invalid whence")
	}

	if newOffset < 0 {
		return 0, errors.New("cannot seek to negative offset")
	}
	r.offset = newOffset
	return r.offset, nil
}

// ReadAt implements io.ReaderAt with the context the reader was opened with.
func (r *RangeReader) ReadAt(p []byte, off int64) (n int, err error) {
	return r.ReadAtContext(r.ctx, p, off)
}

func (r *RangeReader) ReadAtContext(ctx context.Context, p []byte, off int64) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if off < 0 {
		return 0, fmt.Errorf("readAt: invalid offset %d", off)
	}
	if off >= r.size {
		return 0, io.EOF
	}

	length := int64(len(p))
	if off+length > r.size {
		length = r.size - off
	}
	n, err := r.fetch(ctx, p, off, length)
	if err == nil && n < len(p) {
		err = io.EOF
	}
	return n, err
}

// NewHTTPRangeReader reads a remote file with HTTP range requests. The server must
// advertise byte ranges.
func NewHTTPRangeReader(ctx context.Context, url string, client *http.Client) (*RangeReader, error) {
	if client == nil {
		client = http.DefaultClient
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create head request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http head request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("bad status for http head request: %s", resp.Status)
	}

	if resp.Header.Get("Accept-Ranges") != "bytes" {
		return nil, errors.New("server does not accept byte range requests")
	}

	size := resp.ContentLength
	if size <= 0 {
		return nil, fmt.Errorf("could not determine content length or file is empty")
	}

	fetch := func(ctx context.Context, p []byte, off, length int64) (int, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return 0, err
		}
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", off, off+length-1))

		resp, err := client.Do(req)
		if err != nil {
			return 0, err
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusPartialContent {
			return 0, fmt.Errorf("expected status 206 Partial Content, got: %s", resp.Status)
		}
		return io.ReadFull(resp.Body, p[:length])
	}
	return &RangeReader{ctx: context.WithoutCancel(ctx), size: size, fetch: fetch}, nil
}

// NewBlobReader reads an object of a bucket (S3, GCS, Azure, local files...) with range
// readers.
func NewBlobReader(ctx context.Context, bucket *blob.Bucket, key string) (*RangeReader, error) {
	// Get attributes to determine file size and existence.
	attrs, err := bucket.Attributes(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("failed to get attributes for key %s: %w", key, err)
	}

	fetch := func(ctx context.Context, p []byte, off, length int64) (int, error) {
		// gocloud.dev/blob uses offset and length (not end byte).
		reader, err := bucket.NewRangeReader(ctx, key, off, length, nil)
		if err != nil {
			return 0, fmt.Errorf("failed to create range reader: %w", err)
		}
		defer reader.Close()
		return io.ReadFull(reader, p[:length])
	}
	return &RangeReader{ctx: context.WithoutCancel(ctx), size: attrs.Size, fetch: fetch}, nil
}
