// Package cache buffers relayed file chunks into larger cache chunks and
// keeps a bounded number of them in a blob store, so late joiners can be
// served without going back to the original seeder.
//
// A cache chunk groups Factor consecutive wire chunks (256 by default).
// Incoming chunks for a file are appended to a per-file accumulator that
// tracks one contiguous run; the run is flushed to the blob store when it
// reaches the end of its cache chunk or the last chunk of the file.
// Registered entries are kept per file in an array sorted by cache chunk
// index. A global FIFO of storage keys bounds the total entry count:
// cache chunks are write-once blocks, so eviction follows registration
// order rather than access recency.
package cache

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/opd-ai/poolmesh/chunkrange"
	"github.com/sirupsen/logrus"
)

const (
	// DefaultFactor is the number of wire chunks per cache chunk.
	DefaultFactor = 256
	// DefaultMaxEntries bounds the number of registered cache chunks.
	DefaultMaxEntries = 64
	// DefaultIdleTimeout is how long an accumulator may go without a chunk.
	DefaultIdleTimeout = 10 * time.Second
	// DefaultSweepInterval is the idle-accumulator sweep period.
	DefaultSweepInterval = 3 * time.Second
)

// TimeProvider abstracts time operations for deterministic testing.
type TimeProvider interface {
	Now() time.Time
	Since(t time.Time) time.Duration
}

// DefaultTimeProvider uses the standard library time functions.
type DefaultTimeProvider struct{}

// Now returns the current time.
func (DefaultTimeProvider) Now() time.Time { return time.Now() }

// Since returns the duration since t.
func (DefaultTimeProvider) Since(t time.Time) time.Duration { return time.Since(t) }

// Chunk is one wire chunk offered to the cache.
type Chunk struct {
	FileID string
	Number uint32
	// TotalChunks is the file's chunk count, or 0 when unknown.
	TotalChunks uint32
	Payload     []byte
}

// Entry describes one registered cache chunk.
type Entry struct {
	Index uint32
	// Run is the contiguous span of wire chunks held under Key.
	Run chunkrange.Range
	// Complete is set when Run covers the whole cache chunk (or runs up to
	// the end of the file).
	Complete bool
	Key      string
}

// Ranges returns the wire chunk ranges the entry holds.
func (e Entry) Ranges() []chunkrange.Range {
	return []chunkrange.Range{e.Run}
}

// Contains reports whether chunk number n is held by the entry.
func (e Entry) Contains(n uint32) bool {
	return e.Run.Contains(n)
}

// CacheState is the read-only view of the store offered to other components.
type CacheState interface {
	Entries(fileID string) []Entry
	EntryCount() int
	Has(fileID string, index uint32) bool
	CoveredIndices(fileID string) []uint32
}

// Options configures a Store.
type Options struct {
	Factor       uint32
	MaxEntries   int
	IdleTimeout  time.Duration
	TimeProvider TimeProvider
}

// accumulator collects a single contiguous run of chunks of one file.
type accumulator struct {
	index    uint32
	run      chunkrange.Range
	chunks   [][]byte
	total    uint32
	lastSeen time.Time
}

// Store is the cache chunk registry on top of a BlobStore.
type Store struct {
	mu           sync.Mutex
	blobs        BlobStore
	factor       uint32
	maxEntries   int
	idleTimeout  time.Duration
	timeProvider TimeProvider

	entries      map[string][]*Entry
	fifo         []string
	accumulators map[string]*accumulator
}

// NewStore creates a cache store. Zero option fields take their defaults.
func NewStore(blobs BlobStore, opts Options) *Store {
	if opts.Factor == 0 {
		opts.Factor = DefaultFactor
	}
	if opts.MaxEntries <= 0 {
		opts.MaxEntries = DefaultMaxEntries
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = DefaultIdleTimeout
	}
	if opts.TimeProvider == nil {
		opts.TimeProvider = DefaultTimeProvider{}
	}

	logrus.WithFields(logrus.Fields{
		"function":    "NewStore",
		"factor":      opts.Factor,
		"max_entries": opts.MaxEntries,
	}).Info("Creating cache store")

	return &Store{
		blobs:        blobs,
		factor:       opts.Factor,
		maxEntries:   opts.MaxEntries,
		idleTimeout:  opts.IdleTimeout,
		timeProvider: opts.TimeProvider,
		entries:      make(map[string][]*Entry),
		accumulators: make(map[string]*accumulator),
	}
}

// Factor returns the number of wire chunks per cache chunk.
func (s *Store) Factor() uint32 { return s.factor }

// Responsible reports whether a node in partner slot localPartner caches
// chunks routed with the given partnerIntPath hint.
func Responsible(localPartner int, partnerIntPath *int) bool {
	return partnerIntPath != nil && *partnerIntPath == localPartner
}

// Accept offers a relayed chunk to the cache. Chunks are only accumulated
// when this node's partner slot matches the chunk's partnerIntPath. It
// returns true when the chunk was appended to an accumulator.
func (s *Store) Accept(ctx context.Context, c Chunk, partnerIntPath *int, localPartner int) (bool, error) {
	if !Responsible(localPartner, partnerIntPath) {
		return false, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	index := chunkrange.CacheChunkIndexOf(c.Number, s.factor)
	if e := s.findLocked(c.FileID, index); e != nil && e.Complete {
		return false, nil
	}

	now := s.timeProvider.Now()
	acc := s.accumulators[c.FileID]
	switch {
	case acc != nil && acc.index == index && c.Number == acc.run.End+1:
		acc.run.End = c.Number
		acc.chunks = append(acc.chunks, append([]byte(nil), c.Payload...))
	case acc != nil && acc.index == index && acc.run.Contains(c.Number):
		acc.lastSeen = now
		return false, nil
	case acc != nil && acc.index == index && c.Number%s.factor != 0:
		// Gap inside the current cache chunk; the run cannot be extended.
		return false, nil
	default:
		acc = &accumulator{
			index:  index,
			run:    chunkrange.Range{Start: c.Number, End: c.Number},
			chunks: [][]byte{append([]byte(nil), c.Payload...)},
		}
		s.accumulators[c.FileID] = acc
	}
	acc.lastSeen = now
	if c.TotalChunks > 0 {
		acc.total = c.TotalChunks
	}

	bounds := chunkrange.CacheChunkBounds(index, s.factor)
	atFileEnd := acc.total > 0 && acc.run.End >= acc.total-1
	if acc.run.End == bounds.End || atFileEnd {
		delete(s.accumulators, c.FileID)
		if err := s.flushLocked(ctx, c.FileID, acc, bounds, atFileEnd); err != nil {
			return true, err
		}
	}
	return true, nil
}

func (s *Store) flushLocked(ctx context.Context, fileID string, acc *accumulator, bounds chunkrange.Range, atFileEnd bool) error {
	existing := s.findLocked(fileID, acc.index)
	if existing != nil && existing.Run.Len() >= acc.run.Len() {
		return nil
	}

	key := fmt.Sprintf("%d:%d:%s", s.timeProvider.Now().UnixNano(), acc.index, fileID)
	if err := s.blobs.Put(ctx, key, acc.chunks); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "flush",
			"file_id":  fileID,
			"index":    acc.index,
			"error":    err.Error(),
		}).Error("Failed to persist cache chunk")
		return fmt.Errorf("failed to persist cache chunk: %w", err)
	}

	entry := &Entry{
		Index:    acc.index,
		Run:      acc.run,
		Complete: acc.run.Start == bounds.Start && (acc.run.End == bounds.End || atFileEnd),
		Key:      key,
	}
	if existing != nil {
		s.dropKeyLocked(ctx, existing.Key)
		*existing = *entry
	} else {
		s.insertLocked(fileID, entry)
	}
	s.fifo = append(s.fifo, key)

	logrus.WithFields(logrus.Fields{
		"function": "flush",
		"file_id":  fileID,
		"index":    acc.index,
		"run":      acc.run.String(),
		"key":      key,
	}).Debug("Cache chunk registered")

	for len(s.fifo) > s.maxEntries {
		s.evictOldestLocked(ctx)
	}
	return nil
}

// findLocked binary-searches the file's entry array.
func (s *Store) findLocked(fileID string, index uint32) *Entry {
	list := s.entries[fileID]
	pos := chunkrange.Search(list, index, entryIndex)
	if pos < 0 {
		return nil
	}
	return list[pos]
}

func entryIndex(e *Entry) uint32 { return e.Index }

func (s *Store) insertLocked(fileID string, e *Entry) {
	list := s.entries[fileID]
	pos := chunkrange.Search(list, e.Index, entryIndex)
	if pos >= 0 {
		list[pos] = e
		return
	}
	at := -pos - 1
	list = append(list, nil)
	copy(list[at+1:], list[at:])
	list[at] = e
	s.entries[fileID] = list
}

func (s *Store) removeEntryLocked(fileID string, index uint32) {
	list := s.entries[fileID]
	pos := chunkrange.Search(list, index, entryIndex)
	if pos < 0 {
		return
	}
	list = append(list[:pos], list[pos+1:]...)
	if len(list) == 0 {
		delete(s.entries, fileID)
		return
	}
	s.entries[fileID] = list
}

// dropKeyLocked removes a replaced key from the FIFO and the blob store.
func (s *Store) dropKeyLocked(ctx context.Context, key string) {
	for i, k := range s.fifo {
		if k == key {
			s.fifo = append(s.fifo[:i], s.fifo[i+1:]...)
			break
		}
	}
	if err := s.blobs.Delete(ctx, key); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "dropKey",
			"key":      key,
			"error":    err.Error(),
		}).Warn("Failed to delete replaced cache blob")
	}
}

func (s *Store) evictOldestLocked(ctx context.Context) {
	key := s.fifo[0]
	s.fifo = s.fifo[1:]

	if fileID, index, ok := parseKey(key); ok {
		if e := s.findLocked(fileID, index); e != nil && e.Key == key {
			s.removeEntryLocked(fileID, index)
		}
	}
	if err := s.blobs.Delete(ctx, key); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "evict",
			"key":      key,
			"error":    err.Error(),
		}).Warn("Failed to delete evicted cache blob")
	}

	logrus.WithFields(logrus.Fields{
		"function": "evict",
		"key":      key,
	}).Debug("Evicted oldest cache chunk")
}

// parseKey splits a "timestamp:index:fileId" storage key.
func parseKey(key string) (string, uint32, bool) {
	parts := strings.SplitN(key, ":", 3)
	if len(parts) != 3 {
		return "", 0, false
	}
	index, err := strconv.ParseUint(parts[1], 10, 32)
	if err != nil {
		return "", 0, false
	}
	return parts[2], uint32(index), true
}

// Get returns the chunks stored for a cache chunk. A registered entry whose
// blob has gone missing is deregistered and reported as absent.
func (s *Store) Get(ctx context.Context, fileID string, index uint32) ([][]byte, Entry, bool) {
	s.mu.Lock()
	e := s.findLocked(fileID, index)
	if e == nil {
		s.mu.Unlock()
		return nil, Entry{}, false
	}
	entry := *e
	s.mu.Unlock()

	chunks, ok, err := s.blobs.Get(ctx, entry.Key)
	if err != nil || !ok {
		fields := logrus.Fields{
			"function": "Get",
			"file_id":  fileID,
			"index":    index,
			"key":      entry.Key,
		}
		if err != nil {
			fields["error"] = err.Error()
		}
		logrus.WithFields(fields).Warn("Cache storage miss, deregistering entry")
		s.deregister(entry.Key, fileID, index)
		return nil, Entry{}, false
	}
	return chunks, entry, true
}

func (s *Store) deregister(key, fileID string, index uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e := s.findLocked(fileID, index); e != nil && e.Key == key {
		s.removeEntryLocked(fileID, index)
	}
	for i, k := range s.fifo {
		if k == key {
			s.fifo = append(s.fifo[:i], s.fifo[i+1:]...)
			break
		}
	}
}

// GetChunk returns a single wire chunk from the cache.
func (s *Store) GetChunk(ctx context.Context, fileID string, chunkNumber uint32) ([]byte, bool) {
	index := chunkrange.CacheChunkIndexOf(chunkNumber, s.factor)
	if !s.Has(fileID, index) {
		return nil, false
	}
	chunks, entry, ok := s.Get(ctx, fileID, index)
	if !ok || !entry.Contains(chunkNumber) {
		return nil, false
	}
	offset := int(chunkNumber - entry.Run.Start)
	if offset >= len(chunks) {
		return nil, false
	}
	return chunks[offset], true
}

// Has reports whether a cache chunk is registered for the file.
func (s *Store) Has(fileID string, index uint32) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.findLocked(fileID, index) != nil
}

// Entries returns a copy of the file's registered entries, sorted by index.
func (s *Store) Entries(fileID string) []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.entries[fileID]
	out := make([]Entry, len(list))
	for i, e := range list {
		out[i] = *e
	}
	return out
}

// EntryCount returns the number of registered cache chunks across all files.
func (s *Store) EntryCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.fifo)
}

// CoveredIndices returns the indices of complete cache chunks held for the
// file. A requester holding these needs none of their wire chunks.
func (s *Store) CoveredIndices(fileID string) []uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []uint32
	for _, e := range s.entries[fileID] {
		if e.Complete {
			out = append(out, e.Index)
		}
	}
	return out
}

// Sweep drops accumulators that have not seen a chunk within the idle
// timeout. It returns the number of accumulators dropped.
func (s *Store) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	dropped := 0
	for fileID, acc := range s.accumulators {
		if s.timeProvider.Since(acc.lastSeen) >= s.idleTimeout {
			delete(s.accumulators, fileID)
			dropped++
		}
	}
	if dropped > 0 {
		logrus.WithFields(logrus.Fields{
			"function": "Sweep",
			"dropped":  dropped,
		}).Debug("Dropped idle cache accumulators")
	}
	return dropped
}

// Pending returns the file IDs that currently have an open accumulator.
func (s *Store) Pending() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.accumulators))
	for id := range s.accumulators {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Run sweeps idle accumulators every interval until ctx is cancelled.
func (s *Store) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep()
		}
	}
}
