package encoding

import (
	"io"
	"iter"

	"github.com/pkg/errors"

	"voxelshard.ai/internal/octree"
)

// Decoder reads back-to-back records (or bare codes) from a buffer.
//
// Next returns io.EOF at a clean end. A record deeper than the decoder's max depth is
// consumed and reported with ErrPathTooDeep; decoding may continue after it. A truncated
// record yields ErrTruncated and every later call returns the same error.
type Decoder struct {
	buf       []byte
	off       int
	maxDepth  int
	withColor bool
	err       error
}

// NewDecoder reads colored-node records.
func NewDecoder(buf []byte, maxDepth int) *Decoder {
	return &Decoder{buf: buf, maxDepth: maxDepth, withColor: true}
}

// NewCodeDecoder reads bare octal codes, as found in erase packets.
func NewCodeDecoder(buf []byte, maxDepth int) *Decoder {
	return &Decoder{buf: buf, maxDepth: maxDepth}
}

// Offset is the number of bytes consumed so far.
func (d *Decoder) Offset() int { return d.off }

func (d *Decoder) Next() (Record, error) {
	if d.err != nil {
		return Record{}, d.err
	}
	rest := d.buf[d.off:]
	if len(rest) == 0 {
		return Record{}, io.EOF
	}

	l := int(rest[0])
	size := CodeSize(l)
	if d.withColor {
		size += ColorSize
	}
	if len(rest) < size {
		d.err = errors.Wrapf(ErrTruncated, "at offset %d: record of %d segments needs %d bytes, have %d", d.off, l, size, len(rest))
		return Record{}, d.err
	}
	if l > d.maxDepth {
		d.off += size
		return Record{}, errors.Wrapf(ErrPathTooDeep, "at offset %d: %d segments", d.off-size, l)
	}

	codeEnd := CodeSize(l)
	r := Record{Path: unpack(rest[1:codeEnd], l)}
	if d.withColor {
		r.Color = octree.Color{R: rest[codeEnd], G: rest[codeEnd+1], B: rest[codeEnd+2]}
	}
	d.off += size
	return r, nil
}

// Subtree yields a record for every colored node under n, depth first with children in
// index order. Nodes deeper than maxDepth are not visited. The sequence only reads the tree
// and can be ranged over again; the caller must hold the tree lock while iterating, and the
// yielded paths must not be modified.
func Subtree(n *octree.Node, maxDepth int) iter.Seq[Record] {
	return func(yield func(Record) bool) {
		walk(n, maxDepth, yield)
	}
}

func walk(n *octree.Node, maxDepth int, yield func(Record) bool) bool {
	if n == nil || n.Depth() > maxDepth {
		return true
	}
	if c, ok := n.Color(); ok {
		if !yield(Record{Path: n.Path(), Color: c}) {
			return false
		}
	}
	for i := 0; i < 8; i++ {
		if !walk(n.Child(i), maxDepth, yield) {
			return false
		}
	}
	return true
}

// AppendSubtree appends the encoded records of Subtree(n, maxDepth) to dst.
func AppendSubtree(dst []byte, n *octree.Node, maxDepth int) ([]byte, int, error) {
	count := 0
	for r := range Subtree(n, maxDepth) {
		var err error
		dst, err = AppendRecord(dst, r)
		if err != nil {
			return dst, count, err
		}
		count++
	}
	return dst, count, nil
}
