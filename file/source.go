package file

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"sync"

	"github.com/opd-ai/poolmesh/cache"
	"github.com/opd-ai/poolmesh/limits"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/blake2b"
)

// ErrChunkTooLarge indicates that a chunk size exceeds the maximum allowed.
var ErrChunkTooLarge = errors.New("chunk size exceeds maximum allowed")

// ChunkSource reads chunks of files it knows. ReadChunk may complete on any
// goroutine; callers post the result back to their own loop.
type ChunkSource interface {
	ReadChunk(fileID string, n uint32, done func([]byte, error))
	TotalChunks(fileID string) (uint32, bool)
}

// Info describes a shared file.
type Info struct {
	FileID      string
	Name        string
	Size        int64
	ChunkSize   int
	TotalChunks uint32
	MimeType    string
}

// NewFileID derives a file ID from content: the hex form of the first 16
// bytes of its BLAKE2b-256 digest.
func NewFileID(r io.Reader) (string, error) {
	h, err := blake2b.New256(nil)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(h, r); err != nil {
		return "", fmt.Errorf("hash content: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)[:limits.FileIDLength/2]), nil
}

// TotalChunksFor returns how many chunks of chunkSize cover size bytes.
func TotalChunksFor(size int64, chunkSize int) uint32 {
	if size <= 0 || chunkSize <= 0 {
		return 0
	}
	return uint32((size + int64(chunkSize) - 1) / int64(chunkSize))
}

type diskFile struct {
	f    *os.File
	info Info
}

// DiskSource serves files from the local filesystem.
type DiskSource struct {
	mu        sync.RWMutex
	chunkSize int
	files     map[string]*diskFile
}

// NewDiskSource creates a source slicing files into chunkSize pieces.
func NewDiskSource(chunkSize int) *DiskSource {
	if chunkSize <= 0 {
		chunkSize = limits.DefaultChunkSize
	}
	return &DiskSource{chunkSize: chunkSize, files: make(map[string]*diskFile)}
}

// Add opens path, hashes it and makes it available. Adding the same
// content twice returns the existing entry.
func (s *DiskSource) Add(path string) (Info, error) {
	if s.chunkSize > limits.MaxChunkSize {
		return Info{}, ErrChunkTooLarge
	}
	clean, err := ValidatePath(path)
	if err != nil {
		return Info{}, err
	}

	f, err := os.Open(clean)
	if err != nil {
		return Info{}, err
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return Info{}, err
	}
	if st.IsDir() {
		f.Close()
		return Info{}, fmt.Errorf("%s is a directory", clean)
	}

	id, err := NewFileID(f)
	if err != nil {
		f.Close()
		return Info{}, err
	}

	info := Info{
		FileID:      id,
		Name:        filepath.Base(clean),
		Size:        st.Size(),
		ChunkSize:   s.chunkSize,
		TotalChunks: TotalChunksFor(st.Size(), s.chunkSize),
		MimeType:    mime.TypeByExtension(filepath.Ext(clean)),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.files[id]; ok {
		f.Close()
		return existing.info, nil
	}
	s.files[id] = &diskFile{f: f, info: info}

	logrus.WithFields(logrus.Fields{
		"function":     "Add",
		"file_id":      id,
		"file_name":    info.Name,
		"file_size":    info.Size,
		"total_chunks": info.TotalChunks,
	}).Info("Sharing file")
	return info, nil
}

// Remove stops serving fileID and closes its handle.
func (s *DiskSource) Remove(fileID string) bool {
	s.mu.Lock()
	df, ok := s.files[fileID]
	delete(s.files, fileID)
	s.mu.Unlock()
	if ok {
		df.f.Close()
	}
	return ok
}

// Info returns the description of a shared file.
func (s *DiskSource) Info(fileID string) (Info, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	df, ok := s.files[fileID]
	if !ok {
		return Info{}, false
	}
	return df.info, true
}

// Files lists every shared file.
func (s *DiskSource) Files() []Info {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Info, 0, len(s.files))
	for _, df := range s.files {
		out = append(out, df.info)
	}
	return out
}

// TotalChunks implements ChunkSource.
func (s *DiskSource) TotalChunks(fileID string) (uint32, bool) {
	info, ok := s.Info(fileID)
	return info.TotalChunks, ok
}

// ReadChunk implements ChunkSource. The read runs on its own goroutine.
func (s *DiskSource) ReadChunk(fileID string, n uint32, done func([]byte, error)) {
	s.mu.RLock()
	df, ok := s.files[fileID]
	s.mu.RUnlock()
	if !ok {
		go done(nil, fmt.Errorf("%w: %s", ErrUnknownFile, fileID))
		return
	}

	go func() {
		if n >= df.info.TotalChunks {
			done(nil, fmt.Errorf("%w: chunk %d of %d", ErrChunkUnavailable, n, df.info.TotalChunks))
			return
		}
		buf := make([]byte, df.info.ChunkSize)
		read, err := df.f.ReadAt(buf, int64(n)*int64(df.info.ChunkSize))
		if err != nil && !(errors.Is(err, io.EOF) && read > 0) {
			done(nil, fmt.Errorf("read chunk %d: %w", n, err))
			return
		}
		done(buf[:read], nil)
	}()
}

// Close releases every open file.
func (s *DiskSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var firstErr error
	for id, df := range s.files {
		if err := df.f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(s.files, id)
	}
	return firstErr
}

// CacheSource serves chunks the local cache holds for files other nodes
// offered. The node records each offer's chunk count with SetTotal.
type CacheSource struct {
	store *cache.Store

	mu     sync.RWMutex
	totals map[string]uint32
}

// NewCacheSource wraps store.
func NewCacheSource(store *cache.Store) *CacheSource {
	return &CacheSource{store: store, totals: make(map[string]uint32)}
}

// SetTotal records the chunk count of an offered file.
func (c *CacheSource) SetTotal(fileID string, total uint32) {
	c.mu.Lock()
	c.totals[fileID] = total
	c.mu.Unlock()
}

// Forget drops an offered file.
func (c *CacheSource) Forget(fileID string) {
	c.mu.Lock()
	delete(c.totals, fileID)
	c.mu.Unlock()
}

// TotalChunks implements ChunkSource. Only files with at least one cached
// entry are served.
func (c *CacheSource) TotalChunks(fileID string) (uint32, bool) {
	c.mu.RLock()
	total, ok := c.totals[fileID]
	c.mu.RUnlock()
	if !ok || len(c.store.CoveredIndices(fileID)) == 0 {
		return 0, false
	}
	return total, true
}

// ReadChunk implements ChunkSource.
func (c *CacheSource) ReadChunk(fileID string, n uint32, done func([]byte, error)) {
	go func() {
		data, ok := c.store.GetChunk(context.Background(), fileID, n)
		if !ok {
			done(nil, fmt.Errorf("%w: chunk %d", ErrChunkUnavailable, n))
			return
		}
		done(data, nil)
	}()
}

// MultiSource reads from the first source that knows a file.
type MultiSource []ChunkSource

// TotalChunks implements ChunkSource.
func (m MultiSource) TotalChunks(fileID string) (uint32, bool) {
	for _, s := range m {
		if total, ok := s.TotalChunks(fileID); ok {
			return total, true
		}
	}
	return 0, false
}

// ReadChunk implements ChunkSource.
func (m MultiSource) ReadChunk(fileID string, n uint32, done func([]byte, error)) {
	for _, s := range m {
		if _, ok := s.TotalChunks(fileID); ok {
			s.ReadChunk(fileID, n, done)
			return
		}
	}
	go done(nil, fmt.Errorf("%w: %s", ErrUnknownFile, fileID))
}
