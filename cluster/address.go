package cluster

import (
	"strconv"
	"strings"
)

// Path is the sequence of branch choices from the root to a node's panel.
// Every element is 0, 1 or 2.
type Path []int

// Clone returns an independent copy of p.
func (p Path) Clone() Path {
	if p == nil {
		return nil
	}
	out := make(Path, len(p))
	copy(out, p)
	return out
}

// Equal reports whether p and o hold the same branch choices.
func (p Path) Equal(o Path) bool {
	if len(p) != len(o) {
		return false
	}
	for i := range p {
		if p[i] != o[i] {
			return false
		}
	}
	return true
}

// CommonPrefix returns the number of leading branch choices p and o share.
func (p Path) CommonPrefix(o Path) int {
	n := 0
	for n < len(p) && n < len(o) && p[n] == o[n] {
		n++
	}
	return n
}

// HasPrefix reports whether prefix is a (not necessarily proper) prefix of p.
func (p Path) HasPrefix(prefix Path) bool {
	return len(prefix) <= len(p) && p.CommonPrefix(prefix) == len(prefix)
}

// Valid reports whether every branch choice is in {0,1,2}.
func (p Path) Valid() bool {
	for _, b := range p {
		if b < 0 || b > 2 {
			return false
		}
	}
	return true
}

func (p Path) String() string {
	parts := make([]string, len(p))
	for i, b := range p {
		parts[i] = strconv.Itoa(b)
	}
	return "/" + strings.Join(parts, "/")
}

// Endpoint names a node together with its position in the tree.
type Endpoint struct {
	NodeID string `json:"nodeId"`
	Path   Path   `json:"path"`
}

// Destination is one addressee of a routed message. Visited is local hop
// state and never leaves the node.
type Destination struct {
	NodeID  string `json:"nodeId"`
	Path    Path   `json:"lastSeenPath"`
	Visited bool   `json:"-"`
}

// CloneDestinations deep-copies a destination list, clearing visited flags.
func CloneDestinations(dests []Destination) []Destination {
	if dests == nil {
		return nil
	}
	out := make([]Destination, len(dests))
	for i, d := range dests {
		out[i] = Destination{NodeID: d.NodeID, Path: d.Path.Clone()}
	}
	return out
}
