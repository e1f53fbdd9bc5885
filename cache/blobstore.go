package cache

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/renameio"
	"github.com/sirupsen/logrus"
	"github.com/vmihailenco/msgpack"
)

// ErrStoreClosed is returned by blob store operations after Close.
var ErrStoreClosed = errors.New("blob store closed")

// BlobStore persists the wire chunks of one cache chunk under a key.
type BlobStore interface {
	Put(ctx context.Context, key string, chunks [][]byte) error
	// Get returns ok=false when the key is not stored.
	Get(ctx context.Context, key string) (chunks [][]byte, ok bool, err error)
	Delete(ctx context.Context, key string) error
}

// MemoryStore keeps blobs in process memory.
type MemoryStore struct {
	mu    sync.RWMutex
	blobs map[string][][]byte
}

// NewMemoryStore creates an empty in-memory blob store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{blobs: make(map[string][][]byte)}
}

// Put implements BlobStore.
func (m *MemoryStore) Put(ctx context.Context, key string, chunks [][]byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	cp := make([][]byte, len(chunks))
	for i, c := range chunks {
		cp[i] = append([]byte(nil), c...)
	}
	m.mu.Lock()
	m.blobs[key] = cp
	m.mu.Unlock()
	return nil
}

// Get implements BlobStore.
func (m *MemoryStore) Get(ctx context.Context, key string) ([][]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	chunks, ok := m.blobs[key]
	return chunks, ok, nil
}

// Delete implements BlobStore.
func (m *MemoryStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	delete(m.blobs, key)
	m.mu.Unlock()
	return nil
}

// Len returns the number of stored blobs.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.blobs)
}

// DiskStore keeps one msgpack file per key under a directory. Writes are
// atomic so a crash never leaves a torn blob behind.
type DiskStore struct {
	dir string
}

// NewDiskStore creates the directory if needed.
func NewDiskStore(dir string) (*DiskStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}
	return &DiskStore{dir: dir}, nil
}

func (d *DiskStore) path(key string) string {
	return filepath.Join(d.dir, strings.NewReplacer(":", "_", "/", "_", `\`, "_").Replace(key)+".blob")
}

// Put implements BlobStore.
func (d *DiskStore) Put(ctx context.Context, key string, chunks [][]byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := msgpack.Marshal(chunks)
	if err != nil {
		return fmt.Errorf("failed to encode blob %s: %w", key, err)
	}
	if err := renameio.WriteFile(d.path(key), data, 0o600); err != nil {
		return fmt.Errorf("failed to write blob %s: %w", key, err)
	}
	return nil
}

// Get implements BlobStore.
func (d *DiskStore) Get(ctx context.Context, key string) ([][]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	data, err := os.ReadFile(d.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("failed to read blob %s: %w", key, err)
	}
	var chunks [][]byte
	if err := msgpack.Unmarshal(data, &chunks); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "DiskStore.Get",
			"key":      key,
			"error":    err.Error(),
		}).Warn("Corrupt cache blob, treating as missing")
		return nil, false, nil
	}
	return chunks, true, nil
}

// Delete implements BlobStore.
func (d *DiskStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.Remove(d.path(key)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete blob %s: %w", key, err)
	}
	return nil
}
