package messaging

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// DefaultDedupWindow is the number of message IDs remembered.
const DefaultDedupWindow = 1024

type seenEntry struct {
	id      string
	created time.Time
}

// Dedup remembers recently seen message IDs in a bounded FIFO.
//
// Example usage:
//
//	d := messaging.NewDedup(messaging.DefaultDedupWindow)
//	if d.CheckAndStore(msg.ID, msg.Created) {
//	    // first sighting: handle and forward
//	}
//
// Once the window is full, a message created before the oldest retained
// entry is reported as seen: it may have been evicted already.
type Dedup struct {
	mu     sync.Mutex
	size   int
	order  []seenEntry
	ids    map[string]struct{}
	logger *logrus.Logger
}

// NewDedup creates a filter remembering up to size IDs.
func NewDedup(size int) *Dedup {
	if size <= 0 {
		size = DefaultDedupWindow
	}
	return &Dedup{
		size:   size,
		order:  make([]seenEntry, 0, size),
		ids:    make(map[string]struct{}, size),
		logger: logrus.StandardLogger(),
	}
}

// CheckAndStore returns true if id is new and records it, false if it was
// seen before or is older than the window.
func (d *Dedup) CheckAndStore(id string, created time.Time) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, exists := d.ids[id]; exists {
		return false
	}
	if len(d.order) >= d.size && created.Before(d.order[0].created) {
		d.logger.WithFields(logrus.Fields{
			"function":   "CheckAndStore",
			"message_id": id,
			"created":    created,
			"oldest":     d.order[0].created,
		}).Debug("Message older than dedup window")
		return false
	}

	d.ids[id] = struct{}{}
	d.order = append(d.order, seenEntry{id: id, created: created})
	for len(d.order) > d.size {
		delete(d.ids, d.order[0].id)
		d.order[0] = seenEntry{}
		d.order = d.order[1:]
	}
	return true
}

// Seen reports whether id is in the window without recording it.
func (d *Dedup) Seen(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.ids[id]
	return ok
}

// Size returns the number of IDs retained.
func (d *Dedup) Size() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.order)
}
