package cluster

import (
	"errors"
	"fmt"
)

const (
	// PanelSize is the number of partner slots in a panel.
	PanelSize = 3
	// ParentPanels is the number of panels in the parent grid.
	ParentPanels = 3
	// ChildPanels is the number of panels below a node.
	ChildPanels = 2
	// ParentSlots is the number of parent-grid positions.
	ParentSlots = ParentPanels * PanelSize
	// Slots is the total number of neighbor positions.
	Slots = ParentSlots + ChildPanels*PanelSize

	// UpPanel is the parent-grid panel holding a non-center node's parent.
	UpPanel = 2
)

// ErrInvalidIdentity is returned for an inconsistent topology assignment.
var ErrInvalidIdentity = errors.New("invalid identity")

// Identity is a node's assigned tree position and the occupants of every
// neighbor slot. Empty strings mark vacant slots.
//
// For a non-center node with path P, parent-grid panels 0 and 1 are the two
// children of P's parent (one of them is the node's own panel, P[len(P)-1])
// and panel 2 is the parent panel itself. For a center node the parent grid
// holds the three center panels. Child panels 0 and 1 are P+{0} and P+{1}.
type Identity struct {
	ID                 string                          `json:"id"`
	Path               Path                            `json:"path"`
	PartnerInt         int                             `json:"partnerInt"`
	CenterCluster      bool                            `json:"centerCluster"`
	ParentClusterNodes [ParentPanels][PanelSize]string `json:"parentClusterNodes"`
	ChildClusterNodes  [ChildPanels][PanelSize]string  `json:"childClusterNodes"`
}

// Neighbor is an occupied slot.
type Neighbor struct {
	NodeID   string
	Position int
	Path     Path
}

// ParentPosition returns the position index of a parent-grid slot.
func ParentPosition(panel, partner int) int { return panel*PanelSize + partner }

// ChildPosition returns the position index of a child-grid slot.
func ChildPosition(panel, partner int) int { return ParentSlots + panel*PanelSize + partner }

// SplitPosition decodes a position index.
func SplitPosition(pos int) (child bool, panel, partner int) {
	if pos >= ParentSlots {
		pos -= ParentSlots
		child = true
	}
	return child, pos / PanelSize, pos % PanelSize
}

// OwnPanel returns the parent-grid panel that holds the node itself.
func (id *Identity) OwnPanel() int {
	if len(id.Path) == 0 {
		return 0
	}
	return id.Path[len(id.Path)-1]
}

// PanelPath returns the tree path shared by every node in a panel.
func (id *Identity) PanelPath(child bool, panel int) Path {
	if child {
		return append(id.Path.Clone(), panel)
	}
	if id.CenterCluster {
		return Path{panel}
	}
	parent := id.Path[:len(id.Path)-1].Clone()
	if panel == UpPanel {
		return parent
	}
	return append(parent, panel)
}

// Slot returns the occupant of a position, or "" when vacant.
func (id *Identity) Slot(pos int) string {
	if pos < 0 || pos >= Slots {
		return ""
	}
	child, panel, partner := SplitPosition(pos)
	if child {
		return id.ChildClusterNodes[panel][partner]
	}
	return id.ParentClusterNodes[panel][partner]
}

// Neighbors lists every occupied slot except the node's own, in position
// order.
func (id *Identity) Neighbors() []Neighbor {
	var out []Neighbor
	for pos := 0; pos < Slots; pos++ {
		node := id.Slot(pos)
		if node == "" || node == id.ID {
			continue
		}
		child, panel, _ := SplitPosition(pos)
		out = append(out, Neighbor{NodeID: node, Position: pos, Path: id.PanelPath(child, panel)})
	}
	return out
}

// Validate checks that the assignment is self-consistent.
func (id *Identity) Validate() error {
	if id.ID == "" {
		return fmt.Errorf("%w: empty node id", ErrInvalidIdentity)
	}
	if len(id.Path) == 0 || !id.Path.Valid() {
		return fmt.Errorf("%w: bad path %v", ErrInvalidIdentity, id.Path)
	}
	if id.CenterCluster != (len(id.Path) == 1) {
		return fmt.Errorf("%w: center flag does not match path %v", ErrInvalidIdentity, id.Path)
	}
	for _, b := range id.Path[1:] {
		if b > 1 {
			return fmt.Errorf("%w: branch %d below the center in %v", ErrInvalidIdentity, b, id.Path)
		}
	}
	if id.PartnerInt < 0 || id.PartnerInt >= PanelSize {
		return fmt.Errorf("%w: partner slot %d", ErrInvalidIdentity, id.PartnerInt)
	}
	if own := id.ParentClusterNodes[id.OwnPanel()][id.PartnerInt]; own != id.ID {
		return fmt.Errorf("%w: own slot holds %q", ErrInvalidIdentity, own)
	}

	seen := make(map[string]int, Slots)
	for pos := 0; pos < Slots; pos++ {
		node := id.Slot(pos)
		if node == "" {
			continue
		}
		if prev, dup := seen[node]; dup {
			return fmt.Errorf("%w: %s occupies positions %d and %d", ErrInvalidIdentity, node, prev, pos)
		}
		seen[node] = pos
	}
	return nil
}

// Clone returns a deep copy.
func (id Identity) Clone() Identity {
	id.Path = id.Path.Clone()
	return id
}
