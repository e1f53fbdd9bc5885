// Package cluster models a node's place in the pool tree and decides which
// neighbor links a message leaves on.
//
// A pool is a tree of panels. Each panel holds up to three partner nodes
// that share one path; the root is a center cluster of three panels. A
// node links to its parent grid (its own panel, its sibling panel and its
// parent panel, or for center nodes the three center panels) and to its two
// child panels, for at most fifteen neighbor positions.
package cluster

import (
	"sort"
	"sync"

	"github.com/sirupsen/logrus"
)

// RouteInput describes one message to be routed.
type RouteInput struct {
	// Source is the originating node.
	Source Endpoint
	// From is the neighbor the message arrived from, empty when the
	// message originates locally.
	From string
	// Destinations is nil for a broadcast.
	Destinations []Destination
	// PartnerIntPath, when set, restricts which partner column relays the
	// message outward.
	PartnerIntPath *int
}

// Target is one outbound link together with the destinations routed over
// it. Destinations is nil for a broadcast.
type Target struct {
	NodeID       string
	Position     int
	Destinations []Destination
}

// Decision is the outcome of routing one message.
type Decision struct {
	// Deliver is true when this node is one of the destinations.
	Deliver bool
	// Consumed is true when this node was the only destination.
	Consumed bool
	Targets  []Target
	// Unroutable lists destinations no link leads to.
	Unroutable []Destination
}

// RouterState is the read-only view of a router's topology.
type RouterState interface {
	Self() Endpoint
	PartnerInt() int
	Neighbors() []Neighbor
	NeighborAt(pos int) (string, bool)
	PositionOf(nodeID string) (int, bool)
	PathOf(nodeID string) (Path, bool)
	Reachable(nodeID string) bool
}

// Diff is the change in neighbors produced by a topology update.
type Diff struct {
	Added   []Neighbor
	Removed []Neighbor
	// Moved neighbors stay linked but occupy a new position.
	Moved []Neighbor
}

// Empty reports whether nothing changed.
func (d Diff) Empty() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0 && len(d.Moved) == 0
}

// Router routes messages for one node. It is safe for concurrent use.
type Router struct {
	mu      sync.RWMutex
	id      Identity
	slots   map[string]int
	members map[string]Path
}

// NewRouter creates a router for a validated identity.
func NewRouter(id Identity) (*Router, error) {
	if err := id.Validate(); err != nil {
		return nil, err
	}
	r := &Router{members: make(map[string]Path)}
	r.install(id.Clone())
	return r, nil
}

func (r *Router) install(id Identity) {
	r.id = id
	r.slots = make(map[string]int, Slots)
	for _, n := range id.Neighbors() {
		r.slots[n.NodeID] = n.Position
	}
}

// SetIdentity replaces the topology and reports which neighbors changed.
func (r *Router) SetIdentity(id Identity) (Diff, error) {
	if err := id.Validate(); err != nil {
		return Diff{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	old := r.slots
	r.install(id.Clone())

	var d Diff
	for _, n := range r.id.Neighbors() {
		prev, ok := old[n.NodeID]
		switch {
		case !ok:
			d.Added = append(d.Added, n)
		case prev != n.Position:
			d.Moved = append(d.Moved, n)
		}
	}
	for node, pos := range old {
		if _, ok := r.slots[node]; !ok {
			d.Removed = append(d.Removed, Neighbor{NodeID: node, Position: pos})
		}
	}
	sort.Slice(d.Removed, func(i, j int) bool { return d.Removed[i].Position < d.Removed[j].Position })

	logrus.WithFields(logrus.Fields{
		"function": "SetIdentity",
		"node_id":  id.ID,
		"path":     id.Path.String(),
		"added":    len(d.Added),
		"removed":  len(d.Removed),
		"moved":    len(d.Moved),
	}).Info("Topology updated")
	return d, nil
}

// Identity returns a copy of the current topology.
func (r *Router) Identity() Identity {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.id.Clone()
}

// Self implements RouterState.
func (r *Router) Self() Endpoint {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return Endpoint{NodeID: r.id.ID, Path: r.id.Path.Clone()}
}

// PartnerInt implements RouterState.
func (r *Router) PartnerInt() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.id.PartnerInt
}

// Neighbors implements RouterState.
func (r *Router) Neighbors() []Neighbor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.id.Neighbors()
}

// NeighborAt implements RouterState.
func (r *Router) NeighborAt(pos int) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	node := r.id.Slot(pos)
	if node == "" || node == r.id.ID {
		return "", false
	}
	return node, true
}

// PositionOf implements RouterState.
func (r *Router) PositionOf(nodeID string) (int, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	pos, ok := r.slots[nodeID]
	return pos, ok
}

// Observe records the last-seen path of a pool member.
func (r *Router) Observe(ep Endpoint) {
	if ep.NodeID == "" || len(ep.Path) == 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if ep.NodeID == r.id.ID {
		return
	}
	r.members[ep.NodeID] = ep.Path.Clone()
}

// Forget drops a pool member that left or was reported disconnected.
func (r *Router) Forget(nodeID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.members, nodeID)
}

// PathOf implements RouterState. Neighbors report their panel's path.
func (r *Router) PathOf(nodeID string) (Path, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if pos, ok := r.slots[nodeID]; ok {
		child, panel, _ := SplitPosition(pos)
		return r.id.PanelPath(child, panel), true
	}
	p, ok := r.members[nodeID]
	return p.Clone(), ok
}

// Reachable implements RouterState: a node is reachable while it is a
// neighbor or a known pool member.
func (r *Router) Reachable(nodeID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if nodeID == r.id.ID {
		return true
	}
	if _, ok := r.slots[nodeID]; ok {
		return true
	}
	_, ok := r.members[nodeID]
	return ok
}

// Members returns the IDs of every known pool member, sorted.
func (r *Router) Members() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.members))
	for id := range r.members {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Route decides where a message goes next. Visited flags on in.Destinations
// are set for this node when it is one of several destinations.
func (r *Router) Route(in RouteInput) Decision {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if in.Destinations == nil {
		return Decision{Targets: r.broadcastLocked(in)}
	}
	return r.unicastLocked(in)
}

// responsible reports whether this node relays outward under the hint.
func (r *Router) responsibleLocked(hint *int) bool {
	return hint == nil || *hint == r.id.PartnerInt
}

// ownPanelSlot returns the occupant of the own-panel slot for partner p.
func (r *Router) ownPanelSlotLocked(p int) string {
	node := r.id.ParentClusterNodes[r.id.OwnPanel()][p]
	if node == r.id.ID {
		return ""
	}
	return node
}

// pickSlot chooses a slot in a panel: the preferred column first, then the
// node's own column, then the lowest occupied slot.
func (r *Router) pickSlotLocked(child bool, panel, preferred int, exclude string) (string, int, bool) {
	pos := func(partner int) int {
		if child {
			return ChildPosition(panel, partner)
		}
		return ParentPosition(panel, partner)
	}
	usable := func(partner int) bool {
		node := r.id.Slot(pos(partner))
		return node != "" && node != r.id.ID && node != exclude
	}
	for _, p := range []int{preferred, r.id.PartnerInt} {
		if p >= 0 && p < PanelSize && usable(p) {
			return r.id.Slot(pos(p)), pos(p), true
		}
	}
	for p := 0; p < PanelSize; p++ {
		if usable(p) {
			return r.id.Slot(pos(p)), pos(p), true
		}
	}
	return "", 0, false
}

func (r *Router) panelHoldsLocked(child bool, panel int, nodeID string) bool {
	if nodeID == "" {
		return false
	}
	for p := 0; p < PanelSize; p++ {
		var node string
		if child {
			node = r.id.ChildClusterNodes[panel][p]
		} else {
			node = r.id.ParentClusterNodes[panel][p]
		}
		if node == nodeID {
			return true
		}
	}
	return false
}

// directAllowed reports whether the hint lets this node hand a message
// straight to the neighbor at pos.
func (r *Router) directAllowedLocked(pos int, hint *int) bool {
	if r.responsibleLocked(hint) {
		return true
	}
	child, panel, partner := SplitPosition(pos)
	if partner == *hint {
		return true
	}
	return !child && panel == r.id.OwnPanel()
}

type panelRef struct {
	child bool
	panel int
}

// nextPanel returns the panel that moves toward path dest.
func (r *Router) nextPanelLocked(dest Path) (panelRef, bool) {
	own := r.id.Path
	l := len(own)
	m := own.CommonPrefix(dest)
	switch {
	case len(dest) == 0:
		return panelRef{}, false
	case m == l && len(dest) > l:
		if dest[l] >= ChildPanels {
			return panelRef{}, false
		}
		return panelRef{child: true, panel: dest[l]}, true
	case m == l:
		// Same panel but not a neighbor: the slot assignment is stale.
		return panelRef{}, false
	case r.id.CenterCluster:
		return panelRef{panel: dest[0]}, true
	case m == l-1 && len(dest) > m && dest[m] < ChildPanels:
		return panelRef{panel: dest[m]}, true
	default:
		return panelRef{panel: UpPanel}, true
	}
}

func (r *Router) unicastLocked(in RouteInput) Decision {
	var dec Decision
	live := 0
	for _, d := range in.Destinations {
		if !d.Visited {
			live++
		}
	}

	byPos := make(map[int]*Target)
	add := func(node string, pos int, d Destination) {
		t, ok := byPos[pos]
		if !ok {
			t = &Target{NodeID: node, Position: pos}
			byPos[pos] = t
		}
		t.Destinations = append(t.Destinations, Destination{NodeID: d.NodeID, Path: d.Path.Clone()})
	}

	hint := in.PartnerIntPath
	for i := range in.Destinations {
		d := in.Destinations[i]
		if d.Visited {
			continue
		}
		if d.NodeID == r.id.ID {
			dec.Deliver = true
			if live == 1 {
				dec.Consumed = true
				return dec
			}
			in.Destinations[i].Visited = true
			continue
		}

		if pos, ok := r.slots[d.NodeID]; ok && r.directAllowedLocked(pos, hint) {
			add(d.NodeID, pos, d)
			continue
		}

		if !r.responsibleLocked(hint) {
			if node := r.ownPanelSlotLocked(*hint); node != "" && node != in.From {
				add(node, ParentPosition(r.id.OwnPanel(), *hint), d)
				continue
			}
		}

		path := d.Path
		if p, ok := r.members[d.NodeID]; ok && len(path) == 0 {
			path = p
		}
		ref, ok := r.nextPanelLocked(path)
		if !ok {
			dec.Unroutable = append(dec.Unroutable, d)
			continue
		}
		preferred := r.id.PartnerInt
		if hint != nil {
			preferred = *hint
		}
		node, pos, ok := r.pickSlotLocked(ref.child, ref.panel, preferred, "")
		if !ok && !r.id.CenterCluster && !(ref.panel == UpPanel && !ref.child) {
			// Nobody holds the panel toward the destination; go up instead.
			node, pos, ok = r.pickSlotLocked(false, UpPanel, preferred, "")
		}
		if !ok {
			dec.Unroutable = append(dec.Unroutable, d)
			continue
		}
		add(node, pos, d)
	}

	if len(dec.Unroutable) > 0 {
		logrus.WithFields(logrus.Fields{
			"function":   "Route",
			"node_id":    r.id.ID,
			"unroutable": len(dec.Unroutable),
		}).Debug("Destinations without a route")
	}
	dec.Targets = sortedTargets(byPos)
	return dec
}

func (r *Router) broadcastLocked(in RouteInput) []Target {
	hint := in.PartnerIntPath
	byPos := make(map[int]*Target)
	add := func(node string, pos int) {
		if node == "" || node == in.From || node == r.id.ID {
			return
		}
		byPos[pos] = &Target{NodeID: node, Position: pos}
	}

	ownPanel := r.id.OwnPanel()
	if !r.responsibleLocked(hint) {
		node := r.ownPanelSlotLocked(*hint)
		if node == in.From && node != "" {
			return nil
		}
		if node != "" {
			add(node, ParentPosition(ownPanel, *hint))
			return sortedTargets(byPos)
		}
		// The responsible slot is vacant: relay outward ourselves.
	}

	column := r.id.PartnerInt
	if hint != nil {
		column = *hint
	}

	fromOwnPanel := r.panelHoldsLocked(false, ownPanel, in.From)
	if hint == nil && !fromOwnPanel {
		for p := 0; p < PanelSize; p++ {
			add(r.ownPanelSlotLocked(p), ParentPosition(ownPanel, p))
		}
	}
	if fromOwnPanel && hint == nil {
		return sortedTargets(byPos)
	}

	for _, ref := range r.outwardPanelsLocked(in.Source.Path) {
		if r.panelHoldsLocked(ref.child, ref.panel, in.From) {
			continue
		}
		node, pos, ok := r.pickSlotLocked(ref.child, ref.panel, column, in.From)
		if !ok && !ref.child && ref.panel == UpPanel && !r.id.CenterCluster {
			// Nobody holds the parent panel; the sibling panel carries
			// the flood to the rest of the parent's subtree.
			if sibling := 1 - ownPanel; !r.panelHoldsLocked(false, sibling, in.From) {
				node, pos, ok = r.pickSlotLocked(false, sibling, column, in.From)
			}
		}
		if ok {
			add(node, pos)
		}
	}
	return sortedTargets(byPos)
}

// outwardPanels returns the panels a broadcast from source spreads to:
// toward the parent and the other subtrees when the source lies in this
// node's subtree, otherwise only down.
func (r *Router) outwardPanelsLocked(source Path) []panelRef {
	own := r.id.Path
	l := len(own)
	var out []panelRef

	inSubtree := source.HasPrefix(own)
	if inSubtree {
		if r.id.CenterCluster {
			for p := 0; p < ParentPanels; p++ {
				if p != r.id.OwnPanel() {
					out = append(out, panelRef{panel: p})
				}
			}
		} else {
			out = append(out, panelRef{panel: UpPanel})
		}
	}
	for c := 0; c < ChildPanels; c++ {
		if inSubtree && len(source) > l && source[l] == c {
			continue
		}
		out = append(out, panelRef{child: true, panel: c})
	}
	return out
}

func sortedTargets(byPos map[int]*Target) []Target {
	if len(byPos) == 0 {
		return nil
	}
	out := make([]Target, 0, len(byPos))
	for _, t := range byPos {
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Position < out[j].Position })
	return out
}
