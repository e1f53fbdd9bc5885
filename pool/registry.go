package pool

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"
)

// ErrNodeExists is returned when registering a node name twice.
var ErrNodeExists = errors.New("node already registered")

// Registry holds the nodes a process runs, one per pool.
type Registry struct {
	mu    sync.RWMutex
	nodes map[string]*Node
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{nodes: make(map[string]*Node)}
}

// Add registers node under pool.
func (r *Registry) Add(pool string, node *Node) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.nodes[pool]; ok {
		return fmt.Errorf("%w: %s", ErrNodeExists, pool)
	}
	r.nodes[pool] = node
	return nil
}

// Get returns the node of pool.
func (r *Registry) Get(pool string) (*Node, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n, ok := r.nodes[pool]
	return n, ok
}

// Remove unregisters pool and returns its node.
func (r *Registry) Remove(pool string) (*Node, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.nodes[pool]
	delete(r.nodes, pool)
	return n, ok
}

// List returns the registered pool names, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.nodes))
	for name := range r.nodes {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// CloseAll closes and unregisters every node. It returns the first error.
func (r *Registry) CloseAll(ctx context.Context) error {
	r.mu.Lock()
	nodes := r.nodes
	r.nodes = make(map[string]*Node)
	r.mu.Unlock()

	var firstErr error
	for name, n := range nodes {
		if err := n.Close(ctx); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "CloseAll",
				"pool":     name,
				"error":    err.Error(),
			}).Warn("Failed to close node")
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}
