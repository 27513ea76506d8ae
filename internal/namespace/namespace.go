// Package namespace provides file attributes and replica locations.
package namespace

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"

	"github.com/diskpool/diskpool/internal/transport"
)

// ErrNotFound is returned for unknown files.
var ErrNotFound = errors.New("file not found in namespace")

func init() {
	transport.RegisterError("ns_not_found", ErrNotFound)
}

// FileAttributes describes a file.
type FileAttributes struct {
	ID           string   `json:"id"`
	Size         int64    `json:"size"`
	StorageClass string   `json:"storage_class,omitempty"`
	Locations    []string `json:"locations,omitempty"` // pools holding a replica
}

// Service is the namespace as seen by pools.
type Service interface {
	Lookup(ctx context.Context, id string) (FileAttributes, error)
	AddLocation(ctx context.Context, id, pool string) error
	RemoveLocation(ctx context.Context, id, pool string) error
}

// Memory is an in-memory namespace.
type Memory struct {
	mu    sync.RWMutex
	files map[string]*FileAttributes
}

// NewMemory creates an empty namespace.
func NewMemory() *Memory {
	return &Memory{files: make(map[string]*FileAttributes)}
}

// Register adds or replaces a file.
func (m *Memory) Register(attrs FileAttributes) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a := attrs
	a.Locations = slices.Clone(attrs.Locations)
	m.files[attrs.ID] = &a
}

// Lookup returns a copy of the file's attributes.
func (m *Memory) Lookup(_ context.Context, id string) (FileAttributes, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	f, ok := m.files[id]
	if !ok {
		return FileAttributes{}, fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	a := *f
	a.Locations = slices.Clone(f.Locations)
	return a, nil
}

// AddLocation records that pool holds a replica. Unknown files are
// created with zero size.
func (m *Memory) AddLocation(_ context.Context, id, pool string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.files[id]
	if !ok {
		f = &FileAttributes{ID: id}
		m.files[id] = f
	}
	if !slices.Contains(f.Locations, pool) {
		f.Locations = append(f.Locations, pool)
		sort.Strings(f.Locations)
	}
	return nil
}

// RemoveLocation forgets that pool holds a replica.
func (m *Memory) RemoveLocation(_ context.Context, id, pool string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.files[id]
	if !ok {
		return fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	f.Locations = slices.DeleteFunc(f.Locations, func(p string) bool { return p == pool })
	return nil
}

var _ Service = (*Memory)(nil)
