// Package flow paces outbound traffic on peer links.
//
// Every link gets a bounded FIFO queue. A frame is written straight to the
// link when the link's buffered amount is below the threshold and nothing
// is queued ahead of it; otherwise it waits in the queue until the link
// reports a low buffer. A global count of queued frames gives producers a
// backpressure signal: once the count reaches the capacity the controller
// is blocked, and it stays blocked until the count falls below capacity
// minus the low-water mark, at which point every registered waiter runs
// exactly once.
package flow

import (
	"errors"
	"fmt"
	"sync"

	"github.com/opd-ai/poolmesh/transport"
	"github.com/sirupsen/logrus"
)

const (
	// DefaultMaxBytesInFlight bounds queued chunk bytes across all links.
	DefaultMaxBytesInFlight = 4 << 20
	// DefaultThreshold is the buffered amount below which frames bypass
	// the queue.
	DefaultThreshold = 1 << 20
	// DefaultLowWater is the number of queued frames that must drain below
	// capacity before producers are released.
	DefaultLowWater = 16
)

var (
	// ErrQueueFull is returned when a link's queue is at capacity.
	ErrQueueFull = errors.New("link queue full")
	// ErrUnknownLink is returned for a link that was never added or has
	// been removed.
	ErrUnknownLink = errors.New("unknown link")
)

// Link is the part of transport.Link the controller drives.
type Link interface {
	Send(f transport.Frame) error
	BufferedAmount() uint64
}

// Options configures a Controller.
type Options struct {
	MaxBytesInFlight uint64
	ChunkSize        int
	Threshold        uint64
	LowWater         int
}

// Controller owns one outbound queue per link.
type Controller struct {
	mu        sync.Mutex
	capacity  int
	release   int
	threshold uint64
	links     map[string]*peerLink
	pending   int
	blocked   bool
	waiters   []func()
	crossings int
}

type peerLink struct {
	id       string
	position int
	link     Link
	queue    []transport.Frame
}

// NewController creates a controller. Capacity is MaxBytesInFlight divided
// by ChunkSize, never less than one frame.
func NewController(opts Options) *Controller {
	if opts.MaxBytesInFlight == 0 {
		opts.MaxBytesInFlight = DefaultMaxBytesInFlight
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = 16 * 1024
	}
	if opts.Threshold == 0 {
		opts.Threshold = DefaultThreshold
	}
	if opts.LowWater < 0 {
		opts.LowWater = 0
	}

	capacity := int(opts.MaxBytesInFlight / uint64(opts.ChunkSize))
	if capacity < 1 {
		capacity = 1
	}
	release := capacity - opts.LowWater
	if release < 1 {
		release = 1
	}

	return &Controller{
		capacity:  capacity,
		release:   release,
		threshold: opts.Threshold,
		links:     make(map[string]*peerLink),
	}
}

// Capacity returns the per-link and global queue budget in frames.
func (c *Controller) Capacity() int { return c.capacity }

// AddLink registers a link under id at the given position index. A link
// re-added under the same id replaces the old one and its queue.
func (c *Controller) AddLink(id string, position int, l Link) {
	c.mu.Lock()
	var fire []func()
	if old, ok := c.links[id]; ok {
		c.pending -= len(old.queue)
		fire = c.checkReleaseLocked()
	}
	c.links[id] = &peerLink{id: id, position: position, link: l}
	c.mu.Unlock()

	runAll(fire)
}

// Position returns the position index a link was added with.
func (c *Controller) Position(id string) (int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	pl, ok := c.links[id]
	if !ok {
		return 0, false
	}
	return pl.position, true
}

// Send writes f to the link now or queues it behind earlier frames.
func (c *Controller) Send(id string, f transport.Frame) error {
	c.mu.Lock()
	pl, ok := c.links[id]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownLink, id)
	}

	if len(pl.queue) == 0 && pl.link.BufferedAmount() < c.threshold {
		link := pl.link
		c.mu.Unlock()
		if err := link.Send(f); err != nil {
			return fmt.Errorf("send on %s: %w", id, err)
		}
		return nil
	}

	if len(pl.queue) >= c.capacity {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s holds %d frames", ErrQueueFull, id, c.capacity)
	}
	pl.queue = append(pl.queue, f)
	c.pending++
	if c.pending >= c.capacity && !c.blocked {
		c.blocked = true
		logrus.WithFields(logrus.Fields{
			"function": "Send",
			"pending":  c.pending,
			"capacity": c.capacity,
		}).Debug("Flow control blocked")
	}
	c.mu.Unlock()
	return nil
}

// OnBufferedAmountLow drains id's queue until it is empty or the link's
// buffered amount is back at the threshold.
func (c *Controller) OnBufferedAmountLow(id string) {
	for {
		c.mu.Lock()
		pl, ok := c.links[id]
		if !ok || len(pl.queue) == 0 || pl.link.BufferedAmount() >= c.threshold {
			fire := c.checkReleaseLocked()
			c.mu.Unlock()
			runAll(fire)
			return
		}
		f := pl.queue[0]
		pl.queue[0] = transport.Frame{}
		pl.queue = pl.queue[1:]
		c.pending--
		link := pl.link
		c.mu.Unlock()

		if err := link.Send(f); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "OnBufferedAmountLow",
				"link_id":  id,
				"error":    err.Error(),
			}).Warn("Dropping queued frame")
		}
	}
}

// Remove discards id's queue and its share of the pending count.
func (c *Controller) Remove(id string) int {
	c.mu.Lock()
	pl, ok := c.links[id]
	if !ok {
		c.mu.Unlock()
		return 0
	}
	discarded := len(pl.queue)
	c.pending -= discarded
	delete(c.links, id)
	fire := c.checkReleaseLocked()
	c.mu.Unlock()

	if discarded > 0 {
		logrus.WithFields(logrus.Fields{
			"function":  "Remove",
			"link_id":   id,
			"discarded": discarded,
		}).Info("Discarded queued frames for removed link")
	}
	runAll(fire)
	return discarded
}

// IsBufferFree reports whether producers may schedule more chunks.
func (c *Controller) IsBufferFree() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.blocked
}

// WhenBufferFree runs fn once the controller is unblocked. If it is not
// blocked, fn runs immediately.
func (c *Controller) WhenBufferFree(fn func()) {
	c.mu.Lock()
	if !c.blocked {
		c.mu.Unlock()
		fn()
		return
	}
	c.waiters = append(c.waiters, fn)
	c.mu.Unlock()
}

// Pending returns the number of queued frames across all links.
func (c *Controller) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending
}

// QueueLen returns the number of frames queued on id.
func (c *Controller) QueueLen(id string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if pl, ok := c.links[id]; ok {
		return len(pl.queue)
	}
	return 0
}

// Crossings returns how many times the controller has gone from blocked
// to free.
func (c *Controller) Crossings() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.crossings
}

func (c *Controller) checkReleaseLocked() []func() {
	if !c.blocked || c.pending >= c.release {
		return nil
	}
	c.blocked = false
	c.crossings++
	fire := c.waiters
	c.waiters = nil
	return fire
}

func runAll(fns []func()) {
	for _, fn := range fns {
		fn()
	}
}
