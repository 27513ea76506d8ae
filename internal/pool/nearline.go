package pool

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/go-git/go-billy/v5"
)

// Nearline is the backing store replicas are staged from.
type Nearline interface {
	// Restore writes the file's content to w and returns its size.
	Restore(ctx context.Context, id string, w io.WriterAt) (int64, error)
}

const restoreChunk = 1 << 20

// FSNearline restores files kept one per ID in a filesystem.
type FSNearline struct {
	fs billy.Filesystem
}

// NewFSNearline creates a nearline store backed by fs.
func NewFSNearline(fs billy.Filesystem) *FSNearline {
	return &FSNearline{fs: fs}
}

func (n *FSNearline) Restore(ctx context.Context, id string, w io.WriterAt) (int64, error) {
	f, err := n.fs.Open(id)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, fmt.Errorf("%s: %w", id, ErrNotOnNearline)
		}
		return 0, fmt.Errorf("open %s on backing store: %w", id, err)
	}
	defer func() { _ = f.Close() }()

	buf := make([]byte, restoreChunk)
	var off int64
	for {
		if err := ctx.Err(); err != nil {
			return off, err
		}
		n, err := f.Read(buf)
		if n > 0 {
			if _, werr := w.WriteAt(buf[:n], off); werr != nil {
				return off, werr
			}
			off += int64(n)
		}
		if errors.Is(err, io.EOF) {
			return off, nil
		}
		if err != nil {
			return off, fmt.Errorf("read %s from backing store: %w", id, err)
		}
	}
}

// replicaWriter adapts the replica store to io.WriterAt for one replica.
type replicaWriter struct {
	p  *Pool
	id string
}

func (w replicaWriter) WriteAt(b []byte, off int64) (int, error) {
	n, err := w.p.store.WriteAt(w.id, b, off)
	return n, w.p.checkIO(err)
}
