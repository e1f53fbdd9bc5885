package file

import (
	"errors"
	"fmt"
	"sort"

	"github.com/opd-ai/poolmesh/chunkrange"
	"github.com/sirupsen/logrus"
)

// ErrUnknownFile is returned when no source can serve a file.
var ErrUnknownFile = errors.New("unknown file")

// ErrChunkUnavailable is reported by a source that knows a file but does
// not hold one of its chunks. The engine skips such chunks.
var ErrChunkUnavailable = errors.New("chunk unavailable")

// Scheduler runs posted work on the owner's event loop.
type Scheduler interface {
	Post(fn func())
}

// Backpressure gates chunk reads on outbound queue space.
type Backpressure interface {
	IsBufferFree() bool
	WhenBufferFree(fn func())
}

// Reachability reports whether a requester can still be reached.
type Reachability interface {
	Reachable(nodeID string) bool
}

// SendFunc delivers chunk n of fileID to every listed requester in one
// frame.
type SendFunc func(fileID string, n uint32, data []byte, requesters []string) error

// Request asks for a file to be streamed to a requester. A nil
// MissingRanges means the whole file. Covered lists cache-chunk indices
// the requester already holds.
type Request struct {
	FileID        string
	RequesterID   string
	MissingRanges []chunkrange.Range
	Covered       []uint32
}

// EngineOptions configures an Engine.
type EngineOptions struct {
	Source       ChunkSource
	Scheduler    Scheduler
	Backpressure Backpressure
	Reachability Reachability
	Send         SendFunc
	// CacheFactor is the number of wire chunks per cache chunk.
	CacheFactor uint32
}

// Engine streams files to concurrent requesters, one producer loop per
// file. It is not safe for concurrent use: every method, and every
// callback it posts, must run on the Scheduler's loop.
type Engine struct {
	source ChunkSource
	sched  Scheduler
	bp     Backpressure
	reach  Reachability
	send   SendFunc
	factor uint32

	transfers map[string]*outgoing
}

type outgoing struct {
	fileID     string
	total      uint32
	requesters []*requester

	reading  bool
	inflight uint32
	cursor   uint32
	waiting  bool
	reads    int
}

type requester struct {
	id          string
	next        uint32
	start       uint32
	wrapped     bool
	missing     []chunkrange.Range
	rangeCursor int
	covered     map[uint32]struct{}
	cancelled   bool
	sent        int
}

// NewEngine creates an engine. Backpressure and Reachability may be nil.
func NewEngine(opts EngineOptions) *Engine {
	if opts.CacheFactor == 0 {
		opts.CacheFactor = 256
	}
	return &Engine{
		source:    opts.Source,
		sched:     opts.Scheduler,
		bp:        opts.Backpressure,
		reach:     opts.Reachability,
		send:      opts.Send,
		factor:    opts.CacheFactor,
		transfers: make(map[string]*outgoing),
	}
}

// Request starts or joins the producer loop for req.FileID.
func (e *Engine) Request(req Request) error {
	total, ok := e.source.TotalChunks(req.FileID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownFile, req.FileID)
	}
	if total == 0 {
		return nil
	}

	t, active := e.transfers[req.FileID]
	if active {
		for _, r := range t.requesters {
			if r.id != req.RequesterID {
				continue
			}
			for _, idx := range req.Covered {
				r.covered[idx] = struct{}{}
			}
			r.cancelled = false
			logrus.WithFields(logrus.Fields{
				"function":     "Request",
				"file_id":      req.FileID,
				"requester_id": req.RequesterID,
				"covered":      len(r.covered),
			}).Debug("Merged request into existing requester")
			return nil
		}
	} else {
		t = &outgoing{fileID: req.FileID, total: total}
		e.transfers[req.FileID] = t
	}

	start := t.cursor
	if t.reading {
		start = t.inflight
	}
	if start >= total {
		start = 0
	}
	r := &requester{
		id:      req.RequesterID,
		next:    start,
		start:   start,
		covered: make(map[uint32]struct{}, len(req.Covered)),
	}
	if req.MissingRanges != nil {
		r.missing = append([]chunkrange.Range{}, chunkrange.Compact(req.MissingRanges)...)
		r.next, r.start = 0, 0
	}
	for _, idx := range req.Covered {
		r.covered[idx] = struct{}{}
	}
	t.requesters = append(t.requesters, r)

	logrus.WithFields(logrus.Fields{
		"function":     "Request",
		"file_id":      req.FileID,
		"requester_id": req.RequesterID,
		"total_chunks": total,
		"start":        r.start,
		"joined":       active,
		"missing":      len(r.missing),
	}).Info("Accepted file request")

	if !active {
		e.advance(t)
	}
	return nil
}

// Cancel retires one requester of a file at the next step.
func (e *Engine) Cancel(fileID, requesterID string) {
	if t, ok := e.transfers[fileID]; ok {
		for _, r := range t.requesters {
			if r.id == requesterID {
				r.cancelled = true
			}
		}
	}
}

// CancelFile retires every requester of a file.
func (e *Engine) CancelFile(fileID string) {
	if t, ok := e.transfers[fileID]; ok {
		for _, r := range t.requesters {
			r.cancelled = true
		}
	}
}

// CancelRequester retires a node from every transfer it takes part in.
func (e *Engine) CancelRequester(nodeID string) {
	for _, t := range e.transfers {
		for _, r := range t.requesters {
			if r.id == nodeID {
				r.cancelled = true
			}
		}
	}
}

// Active reports whether a producer loop exists for fileID.
func (e *Engine) Active(fileID string) bool {
	_, ok := e.transfers[fileID]
	return ok
}

// Requesters lists the live requesters of fileID, sorted.
func (e *Engine) Requesters(fileID string) []string {
	t, ok := e.transfers[fileID]
	if !ok {
		return nil
	}
	var out []string
	for _, r := range t.requesters {
		if !r.cancelled {
			out = append(out, r.id)
		}
	}
	sort.Strings(out)
	return out
}

// Transfers returns the number of producer loops.
func (e *Engine) Transfers() int { return len(e.transfers) }

// advance picks the next chunk for t and starts reading it.
func (e *Engine) advance(t *outgoing) {
	if t.reading || t.waiting {
		return
	}
	if e.transfers[t.fileID] != t {
		return
	}
	if e.bp != nil && !e.bp.IsBufferFree() {
		t.waiting = true
		e.bp.WhenBufferFree(func() {
			e.sched.Post(func() {
				t.waiting = false
				e.advance(t)
			})
		})
		return
	}

	live := t.requesters[:0]
	for _, r := range t.requesters {
		if e.settle(t, r) {
			live = append(live, r)
		}
	}
	for i := len(live); i < len(t.requesters); i++ {
		t.requesters[i] = nil
	}
	t.requesters = live

	if len(live) == 0 {
		delete(e.transfers, t.fileID)
		logrus.WithFields(logrus.Fields{
			"function": "advance",
			"file_id":  t.fileID,
			"reads":    t.reads,
		}).Info("File transfer finished")
		return
	}

	n := live[0].next
	for _, r := range live[1:] {
		if r.next < n {
			n = r.next
		}
	}

	t.reading = true
	t.inflight = n
	t.reads++
	e.source.ReadChunk(t.fileID, n, func(data []byte, err error) {
		e.sched.Post(func() { e.complete(t, n, data, err) })
	})
}

// settle moves r's cursor to the next chunk it still needs. It returns
// false once r is retired.
func (e *Engine) settle(t *outgoing, r *requester) bool {
	if r.cancelled {
		e.retire(t, r, "cancelled")
		return false
	}
	if e.reach != nil && !e.reach.Reachable(r.id) {
		e.retire(t, r, "unreachable")
		return false
	}

	for {
		if r.missing != nil {
			for r.rangeCursor < len(r.missing) && r.missing[r.rangeCursor].End < r.next {
				r.rangeCursor++
			}
			if r.rangeCursor == len(r.missing) {
				e.retire(t, r, "ranges complete")
				return false
			}
			if start := r.missing[r.rangeCursor].Start; r.next < start {
				r.next = start
			}
		}

		if r.next >= t.total {
			if r.missing != nil || r.wrapped {
				e.retire(t, r, "end of file")
				return false
			}
			r.next = 0
			r.wrapped = true
			continue
		}
		if r.wrapped && r.next >= r.start {
			e.retire(t, r, "full cycle")
			return false
		}

		idx := chunkrange.CacheChunkIndexOf(r.next, e.factor)
		if _, ok := r.covered[idx]; ok {
			end := chunkrange.CacheChunkBounds(idx, e.factor).End
			if end >= t.total-1 {
				r.next = t.total
			} else {
				r.next = end + 1
			}
			continue
		}
		return true
	}
}

func (e *Engine) retire(t *outgoing, r *requester, reason string) {
	logrus.WithFields(logrus.Fields{
		"function":     "advance",
		"file_id":      t.fileID,
		"requester_id": r.id,
		"sent":         r.sent,
		"reason":       reason,
	}).Debug("Retiring requester")
}

// complete sends chunk n to every requester waiting on it and continues.
func (e *Engine) complete(t *outgoing, n uint32, data []byte, err error) {
	t.reading = false
	if e.transfers[t.fileID] != t {
		return
	}

	var batch []*requester
	for _, r := range t.requesters {
		if !r.cancelled && r.next == n {
			batch = append(batch, r)
		}
	}

	switch {
	case errors.Is(err, ErrChunkUnavailable):
		logrus.WithFields(logrus.Fields{
			"function":     "complete",
			"file_id":      t.fileID,
			"chunk_number": n,
		}).Debug("Skipping chunk the source does not hold")
	case err != nil:
		logrus.WithFields(logrus.Fields{
			"function":     "complete",
			"file_id":      t.fileID,
			"chunk_number": n,
			"error":        err.Error(),
		}).Warn("Read failed, abandoning file transfer")
		delete(e.transfers, t.fileID)
		return
	case len(batch) > 0:
		ids := make([]string, len(batch))
		for i, r := range batch {
			ids[i] = r.id
		}
		if sendErr := e.send(t.fileID, n, data, ids); sendErr != nil {
			logrus.WithFields(logrus.Fields{
				"function":     "complete",
				"file_id":      t.fileID,
				"chunk_number": n,
				"requesters":   len(ids),
				"error":        sendErr.Error(),
			}).Warn("Chunk send failed")
		}
	}

	for _, r := range batch {
		r.next = n + 1
		r.sent++
	}
	t.cursor = n + 1
	e.advance(t)
}
