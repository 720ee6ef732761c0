// Package kvstore provides the scoped key/value store used to persist
// resumable enrollment sessions.
package kvstore

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"

	"github.com/MrCodeEU/faceenroll/pkg/storage"
)

// Store is a last-write-wins key/value store. Get reports found=false for a
// missing key rather than an error. Removing a missing key is not an error.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte) error
	Remove(ctx context.Context, key string) error
}

// ErrEmptyKey is returned for an empty key.
var ErrEmptyKey = errors.New("kvstore: empty key")

// Scoped prefixes every key with prefix + "/".
func Scoped(store Store, prefix string) Store {
	return &scoped{inner: store, prefix: prefix + "/"}
}

type scoped struct {
	inner  Store
	prefix string
}

func (s *scoped) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if key == "" {
		return nil, false, ErrEmptyKey
	}
	return s.inner.Get(ctx, s.prefix+key)
}

func (s *scoped) Set(ctx context.Context, key string, value []byte) error {
	if key == "" {
		return ErrEmptyKey
	}
	return s.inner.Set(ctx, s.prefix+key, value)
}

func (s *scoped) Remove(ctx context.Context, key string) error {
	if key == "" {
		return ErrEmptyKey
	}
	return s.inner.Remove(ctx, s.prefix+key)
}

// MemoryStore keeps values in process memory.
type MemoryStore struct {
	mu     sync.RWMutex
	values map[string][]byte
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{values: make(map[string][]byte)}
}

// Get implements Store.
func (m *MemoryStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if key == "" {
		return nil, false, ErrEmptyKey
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	v, ok := m.values[key]
	if !ok {
		return nil, false, nil
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, true, nil
}

// Set implements Store.
func (m *MemoryStore) Set(ctx context.Context, key string, value []byte) error {
	if key == "" {
		return ErrEmptyKey
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	v := make([]byte, len(value))
	copy(v, value)
	m.values[key] = v
	return nil
}

// Remove implements Store.
func (m *MemoryStore) Remove(ctx context.Context, key string) error {
	if key == "" {
		return ErrEmptyKey
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.values, key)
	return nil
}

// Len returns the number of stored keys.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.values)
}

// FileStore stores each key in its own file, encrypted when a sealer is set.
type FileStore struct {
	dir *storage.Dir
}

// NewFileStore creates a FileStore rooted at dir. A nil sealer stores plaintext.
func NewFileStore(dir string, sealer *storage.Sealer) (*FileStore, error) {
	d, err := storage.NewDir(dir, sealer)
	if err != nil {
		return nil, err
	}
	return &FileStore{dir: d}, nil
}

// fileName maps a key to a single path element.
func fileName(key string) string {
	return url.PathEscape(key)
}

// Get implements Store.
func (f *FileStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if key == "" {
		return nil, false, ErrEmptyKey
	}
	data, err := f.dir.Read(fileName(key))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("kvstore: get %s: %w", key, err)
	}
	return data, true, nil
}

// Set implements Store.
func (f *FileStore) Set(ctx context.Context, key string, value []byte) error {
	if key == "" {
		return ErrEmptyKey
	}
	if err := f.dir.Write(fileName(key), value); err != nil {
		return fmt.Errorf("kvstore: set %s: %w", key, err)
	}
	return nil
}

// Remove implements Store.
func (f *FileStore) Remove(ctx context.Context, key string) error {
	if key == "" {
		return ErrEmptyKey
	}
	err := f.dir.Remove(fileName(key))
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("kvstore: remove %s: %w", key, err)
	}
	return nil
}
