package file

import (
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/opd-ai/poolmesh/chunkrange"
	"github.com/sirupsen/logrus"
)

// ErrDirectoryTraversal indicates an attempt to access files outside allowed directories.
var ErrDirectoryTraversal = errors.New("path contains directory traversal")

// ErrTransferStalled indicates that a download has not received data within the timeout period.
var ErrTransferStalled = errors.New("transfer stalled: no data received within timeout period")

// ErrTransferClosed is returned when writing to a finished download.
var ErrTransferClosed = errors.New("transfer is not running")

// ErrChunkOutOfRange is returned for a chunk number past the end of the file.
var ErrChunkOutOfRange = errors.New("chunk number out of range")

// TransferState represents the current state of a download.
type TransferState uint8

const (
	// TransferStatePending indicates the download is waiting for its first chunk.
	TransferStatePending TransferState = iota
	// TransferStateRunning indicates chunks are arriving.
	TransferStateRunning
	// TransferStateCompleted indicates every chunk was written.
	TransferStateCompleted
	// TransferStateCancelled indicates the download was cancelled.
	TransferStateCancelled
	// TransferStateUnavailable indicates no seeder could finish the file.
	TransferStateUnavailable
	// TransferStateError indicates a write failed.
	TransferStateError
)

func (s TransferState) String() string {
	switch s {
	case TransferStatePending:
		return "pending"
	case TransferStateRunning:
		return "running"
	case TransferStateCompleted:
		return "completed"
	case TransferStateCancelled:
		return "cancelled"
	case TransferStateUnavailable:
		return "unavailable"
	case TransferStateError:
		return "error"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// Finished reports whether s is terminal.
func (s TransferState) Finished() bool { return s >= TransferStateCompleted }

// DefaultStallTimeout is how long a download may go without a new chunk
// before it is re-requested.
const DefaultStallTimeout = 5 * time.Second

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

var defaultTimeProvider TimeProvider = DefaultTimeProvider{}

// ValidatePath cleans path and rejects traversal components.
func ValidatePath(path string) (string, error) {
	cleanedPath := filepath.Clean(path)

	for _, part := range strings.Split(filepath.ToSlash(cleanedPath), "/") {
		if part == ".." {
			return "", ErrDirectoryTraversal
		}
	}

	return cleanedPath, nil
}

// Download receives one file. Chunks may arrive in any order and more than
// once; each is written at its offset the first time it is seen.
type Download struct {
	Info  Info
	State TransferState
	Error error

	mu            sync.Mutex
	w             io.WriterAt
	received      []uint64
	count         uint32
	bytes         uint64
	startTime     time.Time
	lastChunkTime time.Time
	transferSpeed float64 // bytes per second
	stallTimeout  time.Duration
	timeProvider  TimeProvider

	seeders   []string
	seederIdx int
	attempts  int

	progressCallback func(received, total uint32)
	completeCallback func(error)
}

// NewDownload prepares a download of info written through w.
func NewDownload(info Info, w io.WriterAt) *Download {
	logrus.WithFields(logrus.Fields{
		"function":     "NewDownload",
		"file_id":      info.FileID,
		"file_name":    info.Name,
		"file_size":    info.Size,
		"total_chunks": info.TotalChunks,
	}).Info("Creating download")

	tp := defaultTimeProvider
	state := TransferStatePending
	if info.TotalChunks == 0 {
		state = TransferStateCompleted
	}
	return &Download{
		Info:          info,
		State:         state,
		w:             w,
		received:      make([]uint64, (int(info.TotalChunks)+63)/64),
		startTime:     tp.Now(),
		lastChunkTime: tp.Now(),
		stallTimeout:  DefaultStallTimeout,
		timeProvider:  tp,
	}
}

// SetTimeProvider replaces the clock, for tests.
func (d *Download) SetTimeProvider(tp TimeProvider) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.timeProvider = tp
	d.startTime = tp.Now()
	d.lastChunkTime = tp.Now()
}

// SetStallTimeout sets how long the download may idle before IsStalled.
func (d *Download) SetStallTimeout(timeout time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if timeout <= 0 {
		timeout = DefaultStallTimeout
	}
	d.stallTimeout = timeout
}

// OnProgress sets a callback invoked after each new chunk.
func (d *Download) OnProgress(callback func(received, total uint32)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.progressCallback = callback
}

// OnComplete sets a callback invoked once the download finishes, with nil
// on success.
func (d *Download) OnComplete(callback func(error)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.completeCallback = callback
}

func (d *Download) has(n uint32) bool {
	return d.received[n/64]&(1<<(n%64)) != 0
}

// Has reports whether chunk n was written.
func (d *Download) Has(n uint32) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return n < d.Info.TotalChunks && d.has(n)
}

// WriteChunk stores chunk n. It returns false for a duplicate.
func (d *Download) WriteChunk(n uint32, data []byte) (bool, error) {
	d.mu.Lock()

	if state := d.State; state.Finished() {
		d.mu.Unlock()
		if state == TransferStateCompleted {
			return false, nil
		}
		return false, ErrTransferClosed
	}
	if n >= d.Info.TotalChunks {
		d.mu.Unlock()
		return false, fmt.Errorf("%w: %d of %d", ErrChunkOutOfRange, n, d.Info.TotalChunks)
	}
	if d.has(n) {
		d.mu.Unlock()
		return false, nil
	}

	if _, err := d.w.WriteAt(data, int64(n)*int64(d.Info.ChunkSize)); err != nil {
		d.finishLocked(TransferStateError, err)
		return false, err
	}

	d.received[n/64] |= 1 << (n % 64)
	d.count++
	d.bytes += uint64(len(data))
	d.attempts = 0
	d.State = TransferStateRunning
	d.updateTransferSpeed(uint64(len(data)))

	received, total := d.count, d.Info.TotalChunks
	progress := d.progressCallback
	if received == total {
		d.finishLocked(TransferStateCompleted, nil)
	} else {
		d.mu.Unlock()
	}

	if progress != nil {
		progress(received, total)
	}
	return true, nil
}

// finishLocked moves to a terminal state, unlocks and fires the callback.
func (d *Download) finishLocked(state TransferState, err error) {
	d.State = state
	d.Error = err
	callback := d.completeCallback

	fields := logrus.Fields{
		"function": "finish",
		"file_id":  d.Info.FileID,
		"state":    state.String(),
		"received": d.count,
		"bytes":    d.bytes,
	}
	if err != nil {
		fields["error"] = err.Error()
	}
	d.mu.Unlock()

	logrus.WithFields(fields).Info("Download finished")
	if callback != nil {
		callback(err)
	}
}

// Cancel stops the download.
func (d *Download) Cancel() error {
	d.mu.Lock()
	if d.State.Finished() {
		d.mu.Unlock()
		return ErrTransferClosed
	}
	d.finishLocked(TransferStateCancelled, errors.New("transfer cancelled"))
	return nil
}

func (d *Download) markUnavailable() {
	d.mu.Lock()
	if d.State.Finished() {
		d.mu.Unlock()
		return
	}
	d.finishLocked(TransferStateUnavailable, ErrTransferStalled)
}

// MissingRanges lists the chunks not yet received.
func (d *Download) MissingRanges() []chunkrange.Range {
	d.mu.Lock()
	defer d.mu.Unlock()

	var out []chunkrange.Range
	for n := uint32(0); n < d.Info.TotalChunks; n++ {
		if d.has(n) {
			continue
		}
		if k := len(out); k > 0 && out[k-1].End+1 == n {
			out[k-1].End = n
			continue
		}
		out = append(out, chunkrange.Range{Start: n, End: n})
	}
	return out
}

// Received returns how many distinct chunks arrived.
func (d *Download) Received() uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.count
}

// GetState returns the current state.
func (d *Download) GetState() TransferState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.State
}

// GetProgress returns the percentage of chunks received.
func (d *Download) GetProgress() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.Info.TotalChunks == 0 {
		return 0
	}
	return float64(d.count) / float64(d.Info.TotalChunks) * 100.0
}

// GetSpeed returns the smoothed receive rate in bytes per second.
func (d *Download) GetSpeed() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.transferSpeed
}

// updateTransferSpeed folds a chunk into the moving average. Caller holds mu.
func (d *Download) updateTransferSpeed(chunkSize uint64) {
	now := d.timeProvider.Now()
	duration := d.timeProvider.Since(d.lastChunkTime).Seconds()

	if duration > 0 {
		instantSpeed := float64(chunkSize) / duration

		// Exponential moving average with alpha = 0.3
		if d.transferSpeed == 0 {
			d.transferSpeed = instantSpeed
		} else {
			d.transferSpeed = 0.7*d.transferSpeed + 0.3*instantSpeed
		}
	}

	d.lastChunkTime = now
}

// IsStalled reports whether an unfinished download has idled past its
// stall timeout.
func (d *Download) IsStalled() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.State.Finished() {
		return false
	}
	return d.timeProvider.Since(d.lastChunkTime) > d.stallTimeout
}

// touch restarts the stall clock after a re-request.
func (d *Download) touch() {
	d.mu.Lock()
	d.lastChunkTime = d.timeProvider.Now()
	d.mu.Unlock()
}

// Seeder returns the node currently asked for chunks.
func (d *Download) Seeder() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.seederIdx >= len(d.seeders) {
		return ""
	}
	return d.seeders[d.seederIdx]
}

// AddSeeder records another node able to serve the file.
func (d *Download) AddSeeder(nodeID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, s := range d.seeders {
		if s == nodeID {
			return
		}
	}
	d.seeders = append(d.seeders, nodeID)
}
