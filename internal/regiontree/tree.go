// Package regiontree keeps the region hierarchy of an org in an index-based
// arena so that reparenting and removal never leave dangling references.
package regiontree

import (
	"errors"
	"fmt"
	"slices"
)

var (
	ErrUnknownNode = errors.New("unknown region")
	ErrDuplicate   = errors.New("duplicate region")
	ErrCycle       = errors.New("region hierarchy would contain a cycle")
)

const none = -1

// Node is one region and the id of its parent. An empty ParentID is a root.
type Node struct {
	ID       string
	ParentID string
}

// Move is a parent change produced by a tree operation. An empty To makes
// the node a root.
type Move struct {
	ID   string
	From string
	To   string
}

// Tree is a forest of regions. Nodes live in a slice and refer to each other
// by index; removed slots are tombstoned and never reused.
type Tree struct {
	ids      []string
	parent   []int
	children [][]int
	removed  []bool
	index    map[string]int
}

// New returns an empty tree.
func New() *Tree {
	return &Tree{index: make(map[string]int)}
}

// Build creates a tree from a flat node list. Parents may appear after their
// children. A parent that is not in the list is an error, as is a cycle.
func Build(nodes []Node) (*Tree, error) {
	t := New()
	for _, n := range nodes {
		if _, ok := t.index[n.ID]; ok {
			return nil, fmt.Errorf("%w: %s", ErrDuplicate, n.ID)
		}
		t.add(n.ID)
	}

	for _, n := range nodes {
		if n.ParentID == "" {
			continue
		}
		p, ok := t.index[n.ParentID]
		if !ok {
			return nil, fmt.Errorf("%w: %s (parent of %s)", ErrUnknownNode, n.ParentID, n.ID)
		}
		t.link(t.index[n.ID], p)
	}

	for i := range t.ids {
		if t.hasCycleFrom(i) {
			return nil, fmt.Errorf("%w: at %s", ErrCycle, t.ids[i])
		}
	}
	return t, nil
}

func (t *Tree) add(id string) int {
	i := len(t.ids)
	t.ids = append(t.ids, id)
	t.parent = append(t.parent, none)
	t.children = append(t.children, nil)
	t.removed = append(t.removed, false)
	t.index[id] = i
	return i
}

func (t *Tree) link(child, parent int) {
	t.parent[child] = parent
	if parent != none {
		t.children[parent] = append(t.children[parent], child)
	}
}

func (t *Tree) unlink(child int) {
	p := t.parent[child]
	if p == none {
		return
	}
	t.children[p] = slices.DeleteFunc(t.children[p], func(c int) bool { return c == child })
	t.parent[child] = none
}

// hasCycleFrom walks up from i and reports whether it revisits a node.
func (t *Tree) hasCycleFrom(i int) bool {
	steps := 0
	for p := t.parent[i]; p != none; p = t.parent[p] {
		if p == i || steps > len(t.ids) {
			return true
		}
		steps++
	}
	return false
}

func (t *Tree) lookup(id string) (int, error) {
	i, ok := t.index[id]
	if !ok {
		return none, fmt.Errorf("%w: %s", ErrUnknownNode, id)
	}
	return i, nil
}

// Add inserts a new region under parentID, or as a root.
func (t *Tree) Add(id, parentID string) error {
	if _, ok := t.index[id]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicate, id)
	}
	p := none
	if parentID != "" {
		var err error
		if p, err = t.lookup(parentID); err != nil {
			return err
		}
	}
	t.link(t.add(id), p)
	return nil
}

// Len returns the number of live regions.
func (t *Tree) Len() int {
	return len(t.index)
}

// Contains reports whether the region is in the tree.
func (t *Tree) Contains(id string) bool {
	_, ok := t.index[id]
	return ok
}

// Parent returns the parent of a region. ok is false for roots and unknown ids.
func (t *Tree) Parent(id string) (string, bool) {
	i, ok := t.index[id]
	if !ok || t.parent[i] == none {
		return "", false
	}
	return t.ids[t.parent[i]], true
}

// Children returns the direct children of a region.
func (t *Tree) Children(id string) []string {
	i, ok := t.index[id]
	if !ok {
		return nil
	}
	return t.names(t.children[i])
}

// Roots returns every region without a parent.
func (t *Tree) Roots() []string {
	var roots []string
	for i, id := range t.ids {
		if !t.removed[i] && t.parent[i] == none {
			roots = append(roots, id)
		}
	}
	return roots
}

// Ancestors returns the chain from the parent up to the root.
func (t *Tree) Ancestors(id string) []string {
	i, ok := t.index[id]
	if !ok {
		return nil
	}
	var out []string
	for p := t.parent[i]; p != none; p = t.parent[p] {
		out = append(out, t.ids[p])
	}
	return out
}

// Descendants returns every region below id, depth first.
func (t *Tree) Descendants(id string) []string {
	i, ok := t.index[id]
	if !ok {
		return nil
	}
	var out []string
	stack := slices.Clone(t.children[i])
	slices.Reverse(stack)
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		out = append(out, t.ids[n])
		for j := len(t.children[n]) - 1; j >= 0; j-- {
			stack = append(stack, t.children[n][j])
		}
	}
	return out
}

// Reparent moves a region under newParentID, or to the root level when
// newParentID is empty. Moving a region under itself or one of its
// descendants is rejected.
func (t *Tree) Reparent(id, newParentID string) (Move, error) {
	i, err := t.lookup(id)
	if err != nil {
		return Move{}, err
	}
	p := none
	if newParentID != "" {
		if p, err = t.lookup(newParentID); err != nil {
			return Move{}, err
		}
		for a := p; a != none; a = t.parent[a] {
			if a == i {
				return Move{}, fmt.Errorf("%w: %s under %s", ErrCycle, id, newParentID)
			}
		}
	}

	move := Move{ID: id, From: t.nameOf(t.parent[i]), To: newParentID}
	t.unlink(i)
	t.link(i, p)
	return move, nil
}

// Remove detaches a region from the hierarchy. Its children are first
// reparented to its own parent, then the region itself is unlinked and
// dropped. The returned moves list every child move followed by the
// removed region's move to the root level.
func (t *Tree) Remove(id string) ([]Move, error) {
	i, err := t.lookup(id)
	if err != nil {
		return nil, err
	}

	grandparent := t.parent[i]
	var moves []Move
	for _, c := range slices.Clone(t.children[i]) {
		moves = append(moves, Move{ID: t.ids[c], From: id, To: t.nameOf(grandparent)})
		t.unlink(c)
		t.link(c, grandparent)
	}

	moves = append(moves, Move{ID: id, From: t.nameOf(grandparent), To: ""})
	t.unlink(i)
	t.removed[i] = true
	delete(t.index, id)
	return moves, nil
}

func (t *Tree) nameOf(i int) string {
	if i == none {
		return ""
	}
	return t.ids[i]
}

func (t *Tree) names(idx []int) []string {
	out := make([]string, 0, len(idx))
	for _, i := range idx {
		out = append(out, t.ids[i])
	}
	return out
}
