package octree

import (
	"strings"

	"github.com/pkg/errors"
)

const (
	// MaxCodeLength is the longest path an octal code can carry (its length is a single byte).
	MaxCodeLength = 255

	// DefaultMaxDepth is the tree depth used when no WithMaxDepth option is given.
	DefaultMaxDepth = 32
)

var (
	ErrPathTooDeep = errors.New("octree: path exceeds max depth")
	ErrBadPath     = errors.New("octree: path segment out of range")
)

// Path is a sequence of child indices (0..7) from the root. The empty path is the root.
type Path []uint8

// ParsePath parses a string of octal digits ("" is the root, "0375" is four levels down).
func ParsePath(s string) (Path, error) {
	s = strings.TrimSpace(s)
	if len(s) > MaxCodeLength {
		return nil, errors.Wrapf(ErrPathTooDeep, "%d segments", len(s))
	}
	p := make(Path, 0, len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c < '0' || c > '7' {
			return nil, errors.Wrapf(ErrBadPath, "%q at offset %d", c, i)
		}
		p = append(p, c-'0')
	}
	return p, nil
}

func (p Path) String() string {
	var b strings.Builder
	b.Grow(len(p))
	for _, seg := range p {
		b.WriteByte('0' + seg)
	}
	return b.String()
}

// Validate checks segment ranges and the depth bound.
func (p Path) Validate(maxDepth int) error {
	if len(p) > maxDepth {
		return errors.Wrapf(ErrPathTooDeep, "depth %d > %d", len(p), maxDepth)
	}
	for i, seg := range p {
		if seg > 7 {
			return errors.Wrapf(ErrBadPath, "segment %d = %d", i, seg)
		}
	}
	return nil
}

// HasPrefix reports whether q is an ancestor of p or p itself.
func (p Path) HasPrefix(q Path) bool {
	if len(q) > len(p) {
		return false
	}
	for i := range q {
		if p[i] != q[i] {
			return false
		}
	}
	return true
}

func (p Path) Equal(q Path) bool {
	return len(p) == len(q) && p.HasPrefix(q)
}

func (p Path) Clone() Path {
	if p == nil {
		return nil
	}
	out := make(Path, len(p))
	copy(out, p)
	return out
}

// Color is an RGB triple.
type Color struct {
	R, G, B uint8
}
