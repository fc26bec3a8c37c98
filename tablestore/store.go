// Package tablestore provides read access to the column blobs tables are
// loaded from.
//
// A column blob is a fixed-width little-endian array prefixed with an
// 8-byte row count, stored under the key "<table>/<column>.dat". Blobs may
// be zstd- or lz4-compressed, signaled by a ".zst" or ".lz4" suffix; the
// Loader decompresses transparently so the table layer always sees plain
// column data.
package tablestore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"github.com/qpipe/qpipe/table"
)

// ErrNotFound is returned when a blob does not exist.
//
// Implementations should return an error that satisfies
// `errors.Is(err, ErrNotFound)`. The default maps to `os.ErrNotExist`.
var ErrNotFound = os.ErrNotExist

// Store is an abstraction for reading immutable column blobs.
type Store interface {
	// Open opens the blob stored under key for sequential reading.
	Open(ctx context.Context, key string) (io.ReadCloser, error)
}

// suffixes are tried in order when resolving a column key.
var suffixes = []string{".dat", ".dat.zst", ".dat.lz4"}

// Loader adapts a Store into a table.Source, resolving column keys and
// decompressing blobs by suffix.
type Loader struct {
	store Store
}

var _ table.Source = (*Loader)(nil)

// NewLoader creates a Loader over store.
func NewLoader(store Store) *Loader {
	return &Loader{store: store}
}

// OpenColumn implements table.Source.
func (l *Loader) OpenColumn(ctx context.Context, tbl, col string) (io.ReadCloser, error) {
	for _, suffix := range suffixes {
		key := path.Join(tbl, col+suffix)
		rc, err := l.store.Open(ctx, key)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, err
		}
		return decode(rc, suffix)
	}
	return nil, fmt.Errorf("column %s/%s: %w", tbl, col, ErrNotFound)
}

func decode(rc io.ReadCloser, suffix string) (io.ReadCloser, error) {
	switch suffix {
	case ".dat.zst":
		dec, err := zstd.NewReader(rc)
		if err != nil {
			rc.Close()
			return nil, err
		}
		return &decodedReader{Reader: dec.IOReadCloser(), underlying: rc}, nil
	case ".dat.lz4":
		return &decodedReader{Reader: io.NopCloser(lz4.NewReader(rc)), underlying: rc}, nil
	default:
		return rc, nil
	}
}

// decodedReader closes both the decoder and the underlying blob.
type decodedReader struct {
	io.Reader
	underlying io.Closer
}

func (r *decodedReader) Close() error {
	if c, ok := r.Reader.(io.Closer); ok {
		c.Close()
	}
	return r.underlying.Close()
}
