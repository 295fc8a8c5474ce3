package key

import (
	"errors"
	"fmt"
	"sort"

	"github.com/drand/kyber"
)

// Node is a wrapper around an identity that additionally includes the index
// the node has within its committee. The index is assigned once, when the
// committee is formed, by sorting the member DIDs lexicographically; it maps
// directly to the share evaluation point used by the DKG and the signing
// protocol.
type Node struct {
	*Identity
	Index uint32
}

// Equal indicates if two nodes are equal.
func (n *Node) Equal(n2 *Node) bool {
	return n.Index == n2.Index && n.Identity.Equal(n2.Identity)
}

// Group is the ordered set of committee members with the signing threshold.
type Group struct {
	Nodes     []*Node
	Threshold int
}

// DefaultThreshold returns the honest-majority threshold t = floor(n/2) + 1.
func DefaultThreshold(n int) int {
	return n/2 + 1
}

// NewGroup sorts the identities by DID and assigns indices. The threshold is
// the default honest majority when zero.
func NewGroup(list []*Identity, threshold int) *Group {
	sorted := make([]*Identity, len(list))
	copy(sorted, list)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].DID < sorted[j].DID })
	nodes := make([]*Node, len(sorted))
	for i, id := range sorted {
		nodes[i] = &Node{Identity: id, Index: uint32(i)}
	}
	if threshold == 0 {
		threshold = DefaultThreshold(len(list))
	}
	return &Group{Nodes: nodes, Threshold: threshold}
}

// Len returns the number of participants in the group.
func (g *Group) Len() int {
	return len(g.Nodes)
}

// Contains returns true if the identity is a member of the group.
func (g *Group) Contains(pub *Identity) bool {
	for _, n := range g.Nodes {
		if n.Identity.Equal(pub) {
			return true
		}
	}
	return false
}

// Index returns the index of the given public identity with a boolean
// indicating whether it has been found or not.
func (g *Group) Index(pub *Identity) (int, bool) {
	for _, n := range g.Nodes {
		if n.Identity.Equal(pub) {
			return int(n.Index), true
		}
	}
	return 0, false
}

// Node returns the node at the given index or an error when out of bounds.
func (g *Group) Node(i int) (*Node, error) {
	if i < 0 || i >= g.Len() {
		return nil, fmt.Errorf("key: index %d out of bounds for group of %d", i, g.Len())
	}
	return g.Nodes[i], nil
}

// ByDID returns the member holding the given DID.
func (g *Group) ByDID(did string) (*Node, bool) {
	for _, n := range g.Nodes {
		if n.DID == did {
			return n, true
		}
	}
	return nil, false
}

// Points returns the ordered public keys of the group.
func (g *Group) Points() []kyber.Point {
	pts := make([]kyber.Point, g.Len())
	for _, n := range g.Nodes {
		pts[n.Index] = n.Key
	}
	return pts
}

// DIDs returns the ordered member DIDs.
func (g *Group) DIDs() []string {
	dids := make([]string, g.Len())
	for _, n := range g.Nodes {
		dids[n.Index] = n.DID
	}
	return dids
}

// GroupTOML is the TOML-compatible representation of a Group.
type GroupTOML struct {
	Nodes []*PublicTOML
	T     int
}

// FromTOML decodes the group from the toml struct.
func (g *Group) FromTOML(i interface{}) error {
	gt, ok := i.(*GroupTOML)
	if !ok {
		return errors.New("key: grouptoml unknown")
	}
	g.Threshold = gt.T
	list := make([]*Identity, len(gt.Nodes))
	for i, ptoml := range gt.Nodes {
		list[i] = new(Identity)
		if err := list[i].FromTOML(ptoml); err != nil {
			return err
		}
	}
	sorted := NewGroup(list, g.Threshold)
	g.Nodes = sorted.Nodes
	if g.Threshold == 0 {
		return errors.New("key: group file has threshold 0")
	} else if g.Threshold > g.Len() {
		return errors.New("key: group file has threshold superior to number of participants")
	}
	return nil
}

// TOML returns a TOML-encodable version of the Group.
func (g *Group) TOML() interface{} {
	gtoml := &GroupTOML{T: g.Threshold}
	gtoml.Nodes = make([]*PublicTOML, g.Len())
	for i, n := range g.Nodes {
		gtoml.Nodes[i] = n.Identity.TOML().(*PublicTOML)
	}
	return gtoml
}

// TOMLValue returns an empty TOML-compatible value of the group.
func (g *Group) TOMLValue() interface{} {
	return &GroupTOML{}
}
