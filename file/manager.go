package file

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/opd-ai/poolmesh/chunkrange"
	"github.com/sirupsen/logrus"
)

// ErrDownloadExists is returned when starting a download that is running.
var ErrDownloadExists = errors.New("download already in progress")

// ErrNoSeeder is returned when starting a download without a seeder.
var ErrNoSeeder = errors.New("no seeder for file")

// DefaultMaxAttempts is how many re-requests go to one seeder before the
// next is tried.
const DefaultMaxAttempts = 3

// RequestFunc sends a file request to seeder. A nil missing asks for the
// whole file.
type RequestFunc func(seeder, fileID string, missing []chunkrange.Range) error

// Downloads tracks the downloads of one node and re-requests stalled ones.
type Downloads struct {
	mu          sync.RWMutex
	downloads   map[string]*Download
	request     RequestFunc
	maxAttempts int
}

// NewDownloads creates a manager sending requests through request.
func NewDownloads(request RequestFunc, maxAttempts int) *Downloads {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	return &Downloads{
		downloads:   make(map[string]*Download),
		request:     request,
		maxAttempts: maxAttempts,
	}
}

// Start begins downloading info from seeders, asking the first one for
// the whole file. A finished download of the same file is replaced.
func (m *Downloads) Start(info Info, w io.WriterAt, seeders ...string) (*Download, error) {
	d, err := m.Track(info, w, seeders...)
	if err != nil {
		return nil, err
	}
	if err := m.request(d.Seeder(), info.FileID, nil); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Start",
			"file_id":  info.FileID,
			"seeder":   d.Seeder(),
			"error":    err.Error(),
		}).Warn("Initial file request failed, will retry")
	}
	return d, nil
}

// Track registers a download without sending the initial request, for
// callers that ask the seeder themselves. Stalls are still re-requested.
func (m *Downloads) Track(info Info, w io.WriterAt, seeders ...string) (*Download, error) {
	if len(seeders) == 0 {
		return nil, ErrNoSeeder
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.downloads[info.FileID]; ok && !existing.GetState().Finished() {
		return nil, fmt.Errorf("%w: %s", ErrDownloadExists, info.FileID)
	}
	d := NewDownload(info, w)
	for _, s := range seeders {
		d.AddSeeder(s)
	}
	m.downloads[info.FileID] = d
	return d, nil
}

// Get returns the download of fileID.
func (m *Downloads) Get(fileID string) (*Download, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.downloads[fileID]
	return d, ok
}

// List returns every tracked download.
func (m *Downloads) List() []*Download {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Download, 0, len(m.downloads))
	for _, d := range m.downloads {
		out = append(out, d)
	}
	return out
}

// HandleChunk routes a received chunk to its download. It returns false
// when no download wants it.
func (m *Downloads) HandleChunk(fileID string, n uint32, data []byte) (bool, error) {
	d, ok := m.Get(fileID)
	if !ok {
		return false, nil
	}
	return d.WriteChunk(n, data)
}

// Cancel stops and forgets the download of fileID.
func (m *Downloads) Cancel(fileID string) error {
	m.mu.Lock()
	d, ok := m.downloads[fileID]
	delete(m.downloads, fileID)
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownFile, fileID)
	}
	if err := d.Cancel(); err != nil && !errors.Is(err, ErrTransferClosed) {
		return err
	}
	return nil
}

// Sweep re-requests the missing ranges of every stalled download. After
// maxAttempts re-requests without progress the next seeder is tried; when
// none is left the download becomes unavailable. It returns the number of
// requests sent.
func (m *Downloads) Sweep() int {
	sent := 0
	for _, d := range m.List() {
		if !d.IsStalled() {
			continue
		}

		d.mu.Lock()
		d.attempts++
		if d.attempts > m.maxAttempts {
			d.attempts = 1
			d.seederIdx++
		}
		exhausted := d.seederIdx >= len(d.seeders)
		d.mu.Unlock()

		if exhausted {
			d.markUnavailable()
			continue
		}

		seeder := d.Seeder()
		missing := d.MissingRanges()
		d.touch()
		if err := m.request(seeder, d.Info.FileID, missing); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Sweep",
				"file_id":  d.Info.FileID,
				"seeder":   seeder,
				"error":    err.Error(),
			}).Warn("Re-request failed")
			continue
		}
		logrus.WithFields(logrus.Fields{
			"function": "Sweep",
			"file_id":  d.Info.FileID,
			"seeder":   seeder,
			"ranges":   len(missing),
		}).Debug("Re-requested stalled download")
		sent++
	}
	return sent
}

// Run calls Sweep every interval until ctx is done.
func (m *Downloads) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep()
		}
	}
}
