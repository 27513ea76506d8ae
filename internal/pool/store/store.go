// Package store holds replica bytes and metadata on a go-billy filesystem.
// Production pools use an OS directory, tests use an in-memory filesystem.
package store

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"sync"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-billy/v5/osfs"
)

const dataDir = "data"

// ReplicaStore is positional I/O on replica data.
type ReplicaStore interface {
	ReadAt(id string, p []byte, off int64) (int, error)
	WriteAt(id string, p []byte, off int64) (int, error)
	Truncate(id string, size int64) error
	Delete(id string) error
	Size(id string) (int64, error)
}

// BillyStore keeps each replica in its own file under data/.
type BillyStore struct {
	fs billy.Filesystem

	// billy files have no WriteAt, so positional writes seek first and
	// must not interleave on one replica.
	mu    sync.Mutex
	locks map[string]*lockRef
}

type lockRef struct {
	mu   sync.Mutex
	refs int
}

// NewBillyStore creates a store on fs.
func NewBillyStore(fs billy.Filesystem) (*BillyStore, error) {
	if err := fs.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}
	return &BillyStore{fs: fs, locks: make(map[string]*lockRef)}, nil
}

// OpenDir creates a store rooted at an OS directory.
func OpenDir(dir string) (*BillyStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create pool directory: %w", err)
	}
	return NewBillyStore(osfs.New(dir))
}

// NewMemory creates a store backed by memory.
func NewMemory() *BillyStore {
	s, err := NewBillyStore(memfs.New())
	if err != nil {
		panic(err) // memfs cannot fail to create a directory
	}
	return s
}

// Filesystem returns the underlying filesystem.
func (s *BillyStore) Filesystem() billy.Filesystem {
	return s.fs
}

func (s *BillyStore) dataPath(id string) string {
	return path.Join(dataDir, id)
}

func (s *BillyStore) lock(id string) func() {
	s.mu.Lock()
	l, ok := s.locks[id]
	if !ok {
		l = &lockRef{}
		s.locks[id] = l
	}
	l.refs++
	s.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		s.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(s.locks, id)
		}
		s.mu.Unlock()
	}
}

// ReadAt reads from the replica's data. Reading past the end returns
// io.EOF along with the bytes read.
func (s *BillyStore) ReadAt(id string, p []byte, off int64) (int, error) {
	f, err := s.fs.Open(s.dataPath(id))
	if err != nil {
		return 0, wrapErr(id, err)
	}
	defer func() { _ = f.Close() }()

	n, err := f.ReadAt(p, off)
	if err != nil && !errors.Is(err, io.EOF) {
		return n, wrapErr(id, err)
	}
	return n, err
}

// WriteAt writes p at off, creating the replica file if needed.
func (s *BillyStore) WriteAt(id string, p []byte, off int64) (int, error) {
	unlock := s.lock(id)
	defer unlock()

	f, err := s.fs.OpenFile(s.dataPath(id), os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return 0, wrapErr(id, err)
	}
	defer func() { _ = f.Close() }()

	if _, err := f.Seek(off, io.SeekStart); err != nil {
		return 0, wrapErr(id, err)
	}
	n, err := f.Write(p)
	if err != nil {
		return n, wrapErr(id, err)
	}
	if n < len(p) {
		return n, fmt.Errorf("replica %s: wrote %d of %d bytes: %w", id, n, len(p), ErrShortWrite)
	}
	return n, nil
}

// Truncate sets the replica's data length.
func (s *BillyStore) Truncate(id string, size int64) error {
	unlock := s.lock(id)
	defer unlock()

	f, err := s.fs.OpenFile(s.dataPath(id), os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return wrapErr(id, err)
	}
	defer func() { _ = f.Close() }()

	if err := f.Truncate(size); err != nil {
		return wrapErr(id, err)
	}
	return nil
}

// Delete removes the replica's data. Deleting absent data is not an error.
func (s *BillyStore) Delete(id string) error {
	unlock := s.lock(id)
	defer unlock()

	if err := s.fs.Remove(s.dataPath(id)); err != nil && !os.IsNotExist(err) {
		return wrapErr(id, err)
	}
	return nil
}

// Size returns the length of the replica's data.
func (s *BillyStore) Size(id string) (int64, error) {
	fi, err := s.fs.Stat(s.dataPath(id))
	if err != nil {
		return 0, wrapErr(id, err)
	}
	return fi.Size(), nil
}

func wrapErr(id string, err error) error {
	if os.IsNotExist(err) || errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("replica %s: %w", id, ErrNotFound)
	}
	return fmt.Errorf("replica %s: %w: %w", id, ErrIO, err)
}

var _ ReplicaStore = (*BillyStore)(nil)
