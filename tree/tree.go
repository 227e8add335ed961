// Package tree computes the static tree overlay of the replica set.
//
// Every replica runs the same deterministic algorithm on the ordered replica
// list, so no runtime negotiation is needed: replica list positions are
// assigned breadth-first, the replica in position 0 is the root, and each
// parent receives a contiguous run of children. When the level being filled
// would be under-populated, the per-parent fanout is tightened to
// floor(remaining/parentsOnLevel) so that every parent on the level receives
// a comparable share of the tail.
package tree

import (
	"fmt"
	"slices"

	"github.com/relab/treehotstuff"
)

// Tree is one replica's view of the overlay.
type Tree struct {
	id      treehotstuff.ID
	fanout  int
	ids     []treehotstuff.ID // list order defines positions
	parents []int             // parents[pos] is the position of pos's parent
}

// New computes the overlay for the given ordered replica list.
// myID must be present in ids, and ids must not contain duplicates.
func New(ids []treehotstuff.ID, myID treehotstuff.ID, fanout int) (*Tree, error) {
	if len(ids) == 0 {
		return nil, fmt.Errorf("tree: empty replica list")
	}
	if fanout < 1 {
		return nil, fmt.Errorf("tree: invalid fanout %d", fanout)
	}
	seen := make(map[treehotstuff.ID]bool, len(ids))
	for _, id := range ids {
		if seen[id] {
			return nil, fmt.Errorf("tree: duplicate replica ID: %d", id)
		}
		seen[id] = true
	}
	if !seen[myID] {
		return nil, fmt.Errorf("tree: replica %d not in replica list", myID)
	}
	return &Tree{
		id:      myID,
		fanout:  fanout,
		ids:     slices.Clone(ids),
		parents: assignParents(len(ids), fanout),
	}, nil
}

// assignParents assigns tree positions breadth-first: position 0 is the
// root, and each parent on a level receives a contiguous run of up to
// maxFanout children. The per-parent allowance is recomputed at a level
// boundary whenever the remaining tail cannot fill the level.
func assignParents(n, fanout int) []int {
	parents := make([]int, n)
	prevLevel := []int{0}
	maxFanout := fanout
	next := 1
	for next < n {
		remaining := n - next
		if remaining < len(prevLevel)*maxFanout {
			maxFanout = remaining / len(prevLevel)
			if maxFanout < 1 {
				maxFanout = 1
			}
		}
		level := make([]int, 0, remaining)
		for _, p := range prevLevel {
			for c := 0; c < maxFanout && next < n; c++ {
				parents[next] = p
				level = append(level, next)
				next++
			}
		}
		prevLevel = level
	}
	return parents
}

func (t *Tree) position(id treehotstuff.ID) int {
	return slices.Index(t.ids, id)
}

// IsRoot reports whether the local replica is the root of the tree.
func (t *Tree) IsRoot() bool {
	return t.position(t.id) == 0
}

// Parent returns the id of the local replica's parent.
// The second return value is false if the replica is the root.
func (t *Tree) Parent() (treehotstuff.ID, bool) {
	return t.ParentOf(t.id)
}

// ParentOf returns the id of the given replica's parent, if it has one.
func (t *Tree) ParentOf(id treehotstuff.ID) (treehotstuff.ID, bool) {
	pos := t.position(id)
	if pos <= 0 {
		return 0, false
	}
	return t.ids[t.parents[pos]], true
}

// Children returns the direct children of the local replica, if any.
func (t *Tree) Children() []treehotstuff.ID {
	return t.ChildrenOf(t.id)
}

// ChildrenOf returns the direct children of the given replica.
func (t *Tree) ChildrenOf(id treehotstuff.ID) []treehotstuff.ID {
	children := make([]treehotstuff.ID, 0)
	pos := t.position(id)
	if pos < 0 {
		return children
	}
	for i := pos + 1; i < len(t.ids); i++ {
		if t.parents[i] == pos {
			children = append(children, t.ids[i])
		}
	}
	return children
}

// SubTreeSize returns the number of replicas in the subtree rooted at the
// local replica, excluding the replica itself. An interior replica forwards
// its aggregate upward once SubTreeSize()+1 contributions are present.
func (t *Tree) SubTreeSize() int {
	return t.subTreeSize(t.position(t.id))
}

func (t *Tree) subTreeSize(pos int) int {
	size := 0
	for i := pos + 1; i < len(t.ids); i++ {
		if t.parents[i] == pos {
			size += 1 + t.subTreeSize(i)
		}
	}
	return size
}

// Fanout returns the configured arity of the tree.
func (t *Tree) Fanout() int {
	return t.fanout
}

// ID returns the id of the local replica.
func (t *Tree) ID() treehotstuff.ID {
	return t.id
}
