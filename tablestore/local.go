package tablestore

import (
	"context"
	"io"
	"path/filepath"

	"github.com/qpipe/qpipe/internal/mmap"
)

// LocalStore implements Store using the local file system. Blobs are
// memory-mapped; column data is only paged in as the load copies it into
// the table's host buffer.
type LocalStore struct {
	root string
}

// NewLocalStore creates a LocalStore rooted at the given directory.
func NewLocalStore(root string) *LocalStore {
	return &LocalStore{root: root}
}

// Open implements Store.
func (s *LocalStore) Open(_ context.Context, key string) (io.ReadCloser, error) {
	m, err := mmap.Open(filepath.Join(s.root, filepath.FromSlash(key)))
	if err != nil {
		return nil, err
	}
	return &localBlob{
		Reader: io.NewSectionReader(m, 0, m.Size()),
		m:      m,
	}, nil
}

type localBlob struct {
	io.Reader
	m *mmap.File
}

func (b *localBlob) Close() error {
	return b.m.Close()
}
