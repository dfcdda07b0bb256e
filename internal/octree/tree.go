package octree

import (
	"sync"
)

// Stats is a point-in-time copy of the tree's aggregate counters.
type Stats struct {
	Nodes    int `json:"nodes"`
	Internal int `json:"internal"`
	Leaves   int `json:"leaves"`
	Colored  int `json:"colored"`

	NodeBytes int64 `json:"node_bytes"`
	PathBytes int64 `json:"path_bytes"`

	// ChildPopulation[k] is the number of nodes with exactly k children.
	ChildPopulation [9]int `json:"child_population"`

	Generation uint64 `json:"generation"`
}

func (s Stats) MemoryBytes() int64 { return s.NodeBytes + s.PathBytes }

type Option func(*Tree)

// WithMaxDepth bounds path length. Values outside 1..MaxCodeLength are clamped.
func WithMaxDepth(d int) Option {
	return func(t *Tree) {
		if d < 1 {
			d = 1
		}
		if d > MaxCodeLength {
			d = MaxCodeLength
		}
		t.maxDepth = d
	}
}

// WithCollapseOnEmpty makes Erase also remove ancestors left childless and uncolored.
func WithCollapseOnEmpty(on bool) Option {
	return func(t *Tree) { t.collapse = on }
}

// Tree is the voxel octree. One mutex guards structure and counters; every operation
// holds it for its full duration.
type Tree struct {
	mu sync.Mutex

	root     *Node
	maxDepth int
	collapse bool

	nodes      int
	colored    int
	nodeBytes  int64
	pathBytes  int64
	population [9]int
	gen        uint64
}

func New(opts ...Option) *Tree {
	t := &Tree{maxDepth: DefaultMaxDepth}
	for _, o := range opts {
		o(t)
	}
	t.resetLocked()
	return t
}

func (t *Tree) MaxDepth() int { return t.maxDepth }

// Update runs fn with the lock held. Everything fn does through tx is atomic with
// respect to other Update and View calls.
func (t *Tree) Update(fn func(tx *Txn) error) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return fn(&Txn{t: t})
}

// View runs fn with the lock held. fn must not keep references to nodes after it returns.
func (t *Tree) View(fn func(root *Node)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fn(t.root)
}

func (t *Tree) Set(p Path, c Color) error {
	return t.Update(func(tx *Txn) error { return tx.Set(p, c) })
}

func (t *Tree) SetDestructive(p Path, c Color) error {
	return t.Update(func(tx *Txn) error { return tx.SetDestructive(p, c) })
}

// Erase detaches the node at p with its subtree. It reports whether anything was removed.
func (t *Tree) Erase(p Path) (bool, error) {
	var removed bool
	err := t.Update(func(tx *Txn) error {
		var err error
		removed, err = tx.Erase(p)
		return err
	})
	return removed, err
}

func (t *Tree) Lookup(p Path) Match {
	var m Match
	_ = t.Update(func(tx *Txn) error {
		m = tx.Lookup(p)
		return nil
	})
	return m
}

// Reset drops every node except a fresh, uncolored root.
func (t *Tree) Reset() {
	_ = t.Update(func(tx *Txn) error {
		tx.Reset()
		return nil
	})
}

func (t *Tree) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := Stats{
		Nodes:           t.nodes,
		Leaves:          t.population[0],
		Internal:        t.nodes - t.population[0],
		Colored:         t.colored,
		NodeBytes:       t.nodeBytes,
		PathBytes:       t.pathBytes,
		ChildPopulation: t.population,
		Generation:      t.gen,
	}
	return s
}

// Generation increases on every change to structure or color.
func (t *Tree) Generation() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.gen
}

func (t *Tree) resetLocked() {
	t.nodes, t.colored = 0, 0
	t.nodeBytes, t.pathBytes = 0, 0
	t.population = [9]int{}
	t.root = t.create(Path{})
}

// create allocates a childless node and counts it.
func (t *Tree) create(p Path) *Node {
	n := newNode(p)
	t.nodes++
	t.population[0]++
	t.nodeBytes += nodeSize
	t.pathBytes += int64(cap(p))
	return n
}

func (t *Tree) attach(parent *Node, idx uint8, child *Node) {
	before := parent.ChildCount()
	parent.children[idx] = child
	parent.mask |= 1 << idx
	t.population[before]--
	t.population[before+1]++
}

func (t *Tree) detach(parent *Node, idx uint8) {
	child := parent.children[idx]
	if child == nil {
		return
	}
	before := parent.ChildCount()
	parent.children[idx] = nil
	parent.mask &^= 1 << idx
	t.population[before]--
	t.population[before-1]++
	t.uncount(child)
}

func (t *Tree) detachAll(n *Node) {
	for i := uint8(0); i < 8; i++ {
		if n.children[i] != nil {
			t.detach(n, i)
		}
	}
}

// uncount removes a detached subtree from the aggregate counters.
func (t *Tree) uncount(n *Node) {
	for _, c := range n.children {
		if c != nil {
			t.uncount(c)
		}
	}
	t.nodes--
	t.population[n.ChildCount()]--
	t.nodeBytes -= nodeSize
	t.pathBytes -= int64(cap(n.path))
	if n.colored {
		t.colored--
	}
}
