package octree

import (
	"math/bits"
	"unsafe"
)

var nodeSize = int64(unsafe.Sizeof(Node{}))

// Node is one cube of space. A parent exclusively owns its children; nodes never point upward.
//
// Nodes are only safe to read while the owning Tree's lock is held (inside Update or View).
type Node struct {
	path    Path
	color   Color
	colored bool

	children [8]*Node
	mask     uint8

	// diagnostics only
	subtreeNodes int
	subtreeBytes int64
}

func newNode(p Path) *Node {
	n := &Node{path: p}
	n.subtreeNodes = 1
	n.subtreeBytes = n.ownBytes()
	return n
}

// Path returns the node's address. Callers must not modify it.
func (n *Node) Path() Path { return n.path }

func (n *Node) Depth() int { return len(n.path) }

func (n *Node) Color() (Color, bool) { return n.color, n.colored }

func (n *Node) Child(i int) *Node {
	if i < 0 || i > 7 {
		return nil
	}
	return n.children[i]
}

func (n *Node) ChildCount() int { return bits.OnesCount8(n.mask) }

func (n *Node) IsLeaf() bool { return n.mask == 0 }

// SubtreeNodes counts this node and all its descendants.
func (n *Node) SubtreeNodes() int { return n.subtreeNodes }

// SubtreeBytes estimates the heap held by this subtree.
func (n *Node) SubtreeBytes() int64 { return n.subtreeBytes }

func (n *Node) ownBytes() int64 {
	return nodeSize + int64(cap(n.path))
}

func (n *Node) refresh() {
	count, size := 1, n.ownBytes()
	for _, c := range n.children {
		if c != nil {
			count += c.subtreeNodes
			size += c.subtreeBytes
		}
	}
	n.subtreeNodes = count
	n.subtreeBytes = size
}
