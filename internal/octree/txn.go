package octree

// Txn is a handle to a locked Tree. It is only valid inside the Update callback that received it.
type Txn struct {
	t *Tree
}

// Match is the result of a lookup: the deepest existing node along the requested path.
type Match struct {
	Path     Path
	Depth    int
	Exact    bool
	Color    Color
	Colored  bool
	Children int
}

func (tx *Txn) Root() *Node { return tx.t.root }

func (tx *Txn) MaxDepth() int { return tx.t.maxDepth }

func (tx *Txn) Generation() uint64 { return tx.t.gen }

// Set colors the node at p, creating uncolored intermediates as needed. Existing
// descendants of p are kept.
func (tx *Txn) Set(p Path, c Color) error { return tx.set(p, c, false) }

// SetDestructive is Set, but discards all children of the node at p first.
func (tx *Txn) SetDestructive(p Path, c Color) error { return tx.set(p, c, true) }

func (tx *Txn) set(p Path, c Color, destructive bool) error {
	t := tx.t
	if err := p.Validate(t.maxDepth); err != nil {
		return err
	}

	stack := make([]*Node, 1, len(p)+1)
	stack[0] = t.root
	n := t.root
	changed := false
	for depth, idx := range p {
		child := n.children[idx]
		if child == nil {
			child = t.create(p[:depth+1].Clone())
			t.attach(n, idx, child)
			changed = true
		}
		n = child
		stack = append(stack, n)
	}

	if destructive && n.mask != 0 {
		t.detachAll(n)
		changed = true
	}
	if !n.colored || n.color != c {
		if !n.colored {
			t.colored++
		}
		n.color, n.colored = c, true
		changed = true
	}
	if changed {
		tx.touch(stack)
	}
	return nil
}

// Erase detaches the node at p and frees its subtree. Erasing the root path clears the
// root's children and color. An absent path is a no-op.
func (tx *Txn) Erase(p Path) (bool, error) {
	t := tx.t
	if err := p.Validate(t.maxDepth); err != nil {
		return false, err
	}

	if len(p) == 0 {
		root := t.root
		if root.mask == 0 && !root.colored {
			return false, nil
		}
		t.detachAll(root)
		if root.colored {
			root.colored = false
			root.color = Color{}
			t.colored--
		}
		tx.touch([]*Node{root})
		return true, nil
	}

	stack := make([]*Node, 1, len(p)+1)
	stack[0] = t.root
	n := t.root
	for _, idx := range p {
		n = n.children[idx]
		if n == nil {
			return false, nil
		}
		stack = append(stack, n)
	}

	last := len(stack) - 1
	t.detach(stack[last-1], p[last-1])
	stack = stack[:last]

	if t.collapse {
		for i := len(stack) - 1; i > 0; i-- {
			n := stack[i]
			if n.mask != 0 || n.colored {
				break
			}
			t.detach(stack[i-1], p[i-1])
			stack = stack[:i]
		}
	}
	tx.touch(stack)
	return true, nil
}

// Lookup walks p as far as the tree goes.
func (tx *Txn) Lookup(p Path) Match {
	n := tx.t.root
	for _, idx := range p {
		if idx > 7 {
			break
		}
		child := n.children[idx]
		if child == nil {
			break
		}
		n = child
	}
	return Match{
		Path:     n.path.Clone(),
		Depth:    len(n.path),
		Exact:    len(n.path) == len(p),
		Color:    n.color,
		Colored:  n.colored,
		Children: n.ChildCount(),
	}
}

// Reset replaces the whole tree with an empty root.
func (tx *Txn) Reset() {
	tx.t.resetLocked()
	tx.t.gen++
}

// touch recomputes the cached subtree figures bottom-up along a walk and bumps the generation.
func (tx *Txn) touch(stack []*Node) {
	for i := len(stack) - 1; i >= 0; i-- {
		stack[i].refresh()
	}
	tx.t.gen++
}
