package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path"
	"strings"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/util"

	"github.com/diskpool/diskpool/internal/pool/repository"
)

const metaDir = "meta"

// MetaStore persists replica entries as one JSON document per replica.
type MetaStore struct {
	fs billy.Filesystem
}

// NewMetaStore creates a metadata store on fs.
func NewMetaStore(fs billy.Filesystem) (*MetaStore, error) {
	if err := fs.MkdirAll(metaDir, 0o755); err != nil {
		return nil, fmt.Errorf("create metadata directory: %w", err)
	}
	return &MetaStore{fs: fs}, nil
}

func (m *MetaStore) metaPath(id string) string {
	return path.Join(metaDir, id+".json")
}

// Put writes the entry, replacing any previous version atomically.
func (m *MetaStore) Put(e repository.Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal replica %s: %w", e.ID, err)
	}
	final := m.metaPath(e.ID)
	tmp := final + ".tmp"
	if err := util.WriteFile(m.fs, tmp, data, 0o644); err != nil {
		return fmt.Errorf("replica %s: %w: %w", e.ID, ErrIO, err)
	}
	if err := m.fs.Rename(tmp, final); err != nil {
		_ = m.fs.Remove(tmp)
		return fmt.Errorf("replica %s: %w: %w", e.ID, ErrIO, err)
	}
	return nil
}

// Delete removes the entry. Deleting an absent entry is not an error.
func (m *MetaStore) Delete(id string) error {
	if err := m.fs.Remove(m.metaPath(id)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("replica %s: %w: %w", id, ErrIO, err)
	}
	return nil
}

// LoadAll reads every stored entry. Leftover temporary files are removed.
func (m *MetaStore) LoadAll() ([]repository.Entry, error) {
	infos, err := m.fs.ReadDir(metaDir)
	if err != nil {
		return nil, fmt.Errorf("list metadata: %w", err)
	}

	entries := make([]repository.Entry, 0, len(infos))
	for _, fi := range infos {
		name := fi.Name()
		p := path.Join(metaDir, name)
		if strings.HasSuffix(name, ".tmp") {
			_ = m.fs.Remove(p)
			continue
		}
		if fi.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		data, err := util.ReadFile(m.fs, p)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", name, err)
		}
		var e repository.Entry
		if err := json.Unmarshal(data, &e); err != nil {
			return nil, fmt.Errorf("decode %s: %w", name, err)
		}
		entries = append(entries, e)
	}
	return entries, nil
}

var _ repository.MetaStore = (*MetaStore)(nil)
