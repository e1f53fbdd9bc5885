package pool

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/opd-ai/poolmesh/cache"
	"github.com/opd-ai/poolmesh/chunkrange"
	"github.com/opd-ai/poolmesh/cluster"
	"github.com/opd-ai/poolmesh/config"
	"github.com/opd-ai/poolmesh/file"
	"github.com/opd-ai/poolmesh/flow"
	"github.com/opd-ai/poolmesh/limits"
	"github.com/opd-ai/poolmesh/messaging"
	"github.com/opd-ai/poolmesh/signaling"
	"github.com/opd-ai/poolmesh/transport"
	"github.com/sirupsen/logrus"
)

var (
	// ErrNotJoined is returned before the node has a tree position.
	ErrNotJoined = errors.New("node has no pool position")
	// ErrStopped is returned once the event loop has exited.
	ErrStopped = errors.New("node stopped")
	// ErrUnknownOffer is returned when requesting a file nobody offered.
	ErrUnknownOffer = errors.New("no offer for file")
)

// CodeLinkClosed is reported to the relay when a neighbor link drops.
const CodeLinkClosed = 1

// historySize bounds the messages kept for latest-sync replies.
const historySize = 128

// Signaler is the part of the relay client a node uses.
type Signaler interface {
	SendHandshake(ctx context.Context, target string, kind signaling.HandshakeKind, blob []byte) error
	ReportDisconnect(ctx context.Context, nodeID string, code int) error
}

// Options configures a Node.
type Options struct {
	Config    *config.Options
	Transport transport.Transport
	// Blobs stores cache chunks. Nil selects a DiskStore under
	// Config.Cache.Dir, or memory when that is empty.
	Blobs cache.BlobStore
}

// Stats counts node activity.
type Stats struct {
	MalformedFrames   uint64
	MessagesHandled   uint64
	MessagesForwarded uint64
	ChunksReceived    uint64
	ChunksForwarded   uint64
	ChunksCached      uint64
	// ChunksServed counts chunks this node's engine sent, from disk or cache.
	ChunksServed uint64
	Unroutable        uint64
	SendErrors        uint64
}

// offer is a file announced by another member.
type offer struct {
	info    file.Info
	seeders []string
	media   bool
}

// Node is one member of a pool.
type Node struct {
	id  string
	cfg *config.Options
	tr  transport.Transport

	sigMu sync.RWMutex
	sig   Signaler

	// Loop-owned state.
	router    *cluster.Router
	links     map[string]transport.Link
	offers    map[string]*offer
	history   []*messaging.Message
	onDeliver func(*messaging.Message)

	flow      *flow.Controller
	store     *cache.Store
	disk      *file.DiskSource
	cached    *file.CacheSource
	engine    *file.Engine
	downloads *file.Downloads
	dedup     *messaging.Dedup

	statsMu sync.Mutex
	stats   Stats

	tasks   taskQueue
	stopped chan struct{}
	stop    sync.Once
}

// NewID returns a random node ID of the fixed width.
func NewID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:limits.NodeIDLength]
}

// NewNode assembles a node. It does nothing on the network until Run and
// ApplyIdentity are called.
func NewNode(opts Options) (*Node, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.NewOptions()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if opts.Transport == nil {
		return nil, fmt.Errorf("pool: transport is required")
	}

	id := cfg.Pool.NodeID
	if id == "" {
		id = NewID()
	}

	blobs := opts.Blobs
	if blobs == nil {
		if cfg.Cache.Dir != "" {
			disk, err := cache.NewDiskStore(cfg.Cache.Dir)
			if err != nil {
				return nil, err
			}
			blobs = disk
		} else {
			blobs = cache.NewMemoryStore()
		}
	}

	n := &Node{
		id:      id,
		cfg:     cfg,
		tr:      opts.Transport,
		links:   make(map[string]transport.Link),
		offers:  make(map[string]*offer),
		stopped: make(chan struct{}),
		tasks:   newTaskQueue(),
		flow: flow.NewController(flow.Options{
			MaxBytesInFlight: cfg.Flow.MaxBytesInFlight,
			ChunkSize:        cfg.Transfer.ChunkSize,
			Threshold:        cfg.Flow.Threshold,
			LowWater:         cfg.Flow.LowWater,
		}),
		store: cache.NewStore(blobs, cache.Options{
			Factor:      cfg.Cache.Factor,
			MaxEntries:  cfg.Cache.MaxEntries,
			IdleTimeout: cfg.Cache.IdleTimeout.Duration,
		}),
		disk:  file.NewDiskSource(cfg.Transfer.ChunkSize),
		dedup: messaging.NewDedup(cfg.Pool.DedupWindow),
	}
	n.cached = file.NewCacheSource(n.store)
	n.engine = file.NewEngine(file.EngineOptions{
		Source:       file.MultiSource{n.disk, n.cached},
		Scheduler:    n,
		Backpressure: n.flow,
		Reachability: reachability(n.reachable),
		Send:         n.sendChunk,
		CacheFactor:  cfg.Cache.Factor,
	})
	n.downloads = file.NewDownloads(n.requestMissing, cfg.Transfer.MaxAttempts)
	n.tr.SetHandler(n)

	logrus.WithFields(logrus.Fields{
		"function": "NewNode",
		"node_id":  id,
		"pool":     cfg.Pool.Name,
	}).Info("Created pool node")
	return n, nil
}

type reachability func(string) bool

func (r reachability) Reachable(nodeID string) bool { return r(nodeID) }

// ID returns the node's ID.
func (n *Node) ID() string { return n.id }

// SetSignaler attaches the relay client used for handshakes.
func (n *Node) SetSignaler(s Signaler) {
	n.sigMu.Lock()
	n.sig = s
	n.sigMu.Unlock()
}

func (n *Node) signaler() Signaler {
	n.sigMu.RLock()
	defer n.sigMu.RUnlock()
	return n.sig
}

// Cache exposes the cache store's read-only view.
func (n *Node) Cache() cache.CacheState { return n.store }

// Downloads returns the node's download manager.
func (n *Node) Downloads() *file.Downloads { return n.downloads }

// Stats returns a snapshot of the counters.
func (n *Node) Stats() Stats {
	n.statsMu.Lock()
	defer n.statsMu.Unlock()
	return n.stats
}

func (n *Node) count(fn func(s *Stats)) {
	n.statsMu.Lock()
	fn(&n.stats)
	n.statsMu.Unlock()
}

// Post implements file.Scheduler: fn runs later on the event loop.
func (n *Node) Post(fn func()) { n.tasks.push(fn) }

// do runs fn on the loop and waits for its result.
func (n *Node) do(ctx context.Context, fn func() error) error {
	done := make(chan error, 1)
	n.Post(func() { done <- fn() })
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-n.stopped:
		return ErrStopped
	}
}

// Run drives the event loop and the periodic sweeps until ctx is done.
func (n *Node) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer n.stop.Do(func() { close(n.stopped) })

	go n.store.Run(ctx, n.cfg.Cache.SweepInterval.Duration)
	go n.downloads.Run(ctx, n.cfg.Transfer.SweepInterval.Duration)

	logrus.WithFields(logrus.Fields{
		"function": "Run",
		"node_id":  n.id,
	}).Info("Node event loop started")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-n.tasks.ready():
		}
		for _, fn := range n.tasks.take() {
			fn()
		}
	}
}

// Close announces departure and shuts every link.
func (n *Node) Close(ctx context.Context) error {
	err := n.do(ctx, func() error {
		if n.router != nil {
			n.broadcast(&messaging.NodeState{Nickname: n.cfg.Pool.Nickname, Alive: false})
		}
		return nil
	})
	if err != nil && !errors.Is(err, ErrStopped) {
		return err
	}
	if err := n.tr.Close(); err != nil {
		return err
	}
	return n.disk.Close()
}

// OnDeliver sets a callback for every control message delivered to this
// node. It runs on the event loop and must not block.
func (n *Node) OnDeliver(fn func(*messaging.Message)) {
	n.Post(func() { n.onDeliver = fn })
}

// reachable is consulted by the engine on the loop.
func (n *Node) reachable(nodeID string) bool {
	return n.router != nil && n.router.Reachable(nodeID)
}

// cacheHint assigns each cache chunk to one partner column.
func (n *Node) cacheHint(chunk uint32) int {
	return int(chunkrange.CacheChunkIndexOf(chunk, n.store.Factor()) % cluster.PanelSize)
}

// taskQueue is an unbounded FIFO of loop work. Posting never blocks, so
// transports that deliver synchronously cannot deadlock the loop.
type taskQueue struct {
	mu     sync.Mutex
	tasks  []func()
	signal chan struct{}
}

func newTaskQueue() taskQueue {
	return taskQueue{signal: make(chan struct{}, 1)}
}

func (q *taskQueue) push(fn func()) {
	q.mu.Lock()
	q.tasks = append(q.tasks, fn)
	q.mu.Unlock()
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

func (q *taskQueue) ready() <-chan struct{} { return q.signal }

func (q *taskQueue) take() []func() {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.tasks
	q.tasks = nil
	return out
}

func (n *Node) remember(msg *messaging.Message) {
	n.history = append(n.history, msg)
	if len(n.history) > historySize {
		n.history[0] = nil
		n.history = n.history[1:]
	}
}

func (n *Node) now() time.Time { return time.Now().UTC() }
