package file

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// mockTimeProvider is a controllable clock.
type mockTimeProvider struct {
	mu          sync.Mutex
	currentTime time.Time
}

func newMockTimeProvider() *mockTimeProvider {
	return &mockTimeProvider{currentTime: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (m *mockTimeProvider) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.currentTime
}

func (m *mockTimeProvider) Since(t time.Time) time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.currentTime.Sub(t)
}

func (m *mockTimeProvider) advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.currentTime = m.currentTime.Add(d)
}

// taskQueue is a Scheduler that runs posted work only when stepped.
type taskQueue struct {
	tasks []func()
}

func (q *taskQueue) Post(fn func()) { q.tasks = append(q.tasks, fn) }

// step runs one task and reports whether there was one.
func (q *taskQueue) step() bool {
	if len(q.tasks) == 0 {
		return false
	}
	fn := q.tasks[0]
	q.tasks = q.tasks[1:]
	fn()
	return true
}

func (q *taskQueue) drain() {
	for q.step() {
	}
}

// fakeSource serves in-memory files and completes reads synchronously.
type fakeSource struct {
	files map[string]uint32
	fail  map[uint32]error
	reads []uint32
}

func newFakeSource() *fakeSource {
	return &fakeSource{files: make(map[string]uint32), fail: make(map[uint32]error)}
}

func (s *fakeSource) TotalChunks(fileID string) (uint32, bool) {
	total, ok := s.files[fileID]
	return total, ok
}

func (s *fakeSource) ReadChunk(fileID string, n uint32, done func([]byte, error)) {
	s.reads = append(s.reads, n)
	if err, ok := s.fail[n]; ok {
		done(nil, err)
		return
	}
	done([]byte(fmt.Sprintf("%s-%d", fileID[:4], n)), nil)
}

type sentChunk struct {
	n   uint32
	ids []string
}

// recorder collects SendFunc calls.
type recorder struct {
	sends []sentChunk
	err   error
}

func (r *recorder) send(fileID string, n uint32, data []byte, requesters []string) error {
	ids := append([]string(nil), requesters...)
	sort.Strings(ids)
	r.sends = append(r.sends, sentChunk{n: n, ids: ids})
	return r.err
}

// chunksFor lists, in order, the chunks sent to id.
func (r *recorder) chunksFor(id string) []uint32 {
	var out []uint32
	for _, s := range r.sends {
		for _, got := range s.ids {
			if got == id {
				out = append(out, s.n)
			}
		}
	}
	return out
}

// fakeBackpressure reports a buffer state and queues waiters.
type fakeBackpressure struct {
	full    bool
	waiters []func()
}

func (b *fakeBackpressure) IsBufferFree() bool { return !b.full }

func (b *fakeBackpressure) WhenBufferFree(fn func()) {
	if !b.full {
		fn()
		return
	}
	b.waiters = append(b.waiters, fn)
}

func (b *fakeBackpressure) release() {
	b.full = false
	waiters := b.waiters
	b.waiters = nil
	for _, fn := range waiters {
		fn()
	}
}

type fakeReach map[string]bool

func (r fakeReach) Reachable(id string) bool { return !r[id] }

// memWriter is an io.WriterAt over a growable buffer.
type memWriter struct {
	mu   sync.Mutex
	buf  []byte
	fail error
}

func (w *memWriter) WriteAt(p []byte, off int64) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.fail != nil {
		return 0, w.fail
	}
	if end := int(off) + len(p); end > len(w.buf) {
		w.buf = append(w.buf, make([]byte, end-len(w.buf))...)
	}
	copy(w.buf[off:], p)
	return len(p), nil
}

var (
	testFileID = strings.Repeat("f", 32)
	nodeA      = strings.Repeat("a", 20)
	nodeB      = strings.Repeat("b", 20)
)

func seq(from, to uint32) []uint32 {
	var out []uint32
	for n := from; n <= to; n++ {
		out = append(out, n)
	}
	return out
}
