// Package encoding implements the octal-code bitstream shared by the wire protocol and the
// persisted voxel file.
//
// An octal code is a length byte L followed by ceil(3L/8) bytes holding L three-bit
// segments, most significant bit first, zero padded. A colored-node record is an octal code
// followed by R, G and B bytes.
package encoding

import (
	"io"

	"github.com/pkg/errors"

	"voxelshard.ai/internal/octree"
)

// ColorSize is the number of bytes after the code in a colored-node record.
const ColorSize = 3

var (
	// ErrTruncated means a declared code length or color runs past the end of the buffer.
	ErrTruncated = errors.Wrap(io.ErrUnexpectedEOF, "encoding: truncated record")

	// ErrCodeTooLong is returned when a path cannot be expressed with a one-byte length.
	ErrCodeTooLong = errors.New("encoding: path longer than 255 segments")

	ErrPathTooDeep = octree.ErrPathTooDeep
)

// BytesRequiredForCodeLength is the number of packed bytes for l segments, excluding the
// length byte.
func BytesRequiredForCodeLength(l int) int {
	return (3*l + 7) / 8
}

// CodeSize is the full encoded size of a code with l segments, including the length byte.
func CodeSize(l int) int {
	return 1 + BytesRequiredForCodeLength(l)
}

// RecordSize is the encoded size of a colored-node record whose code has l segments.
func RecordSize(l int) int {
	return CodeSize(l) + ColorSize
}

// AppendCode appends the octal code for p.
func AppendCode(dst []byte, p octree.Path) ([]byte, error) {
	if len(p) > octree.MaxCodeLength {
		return dst, ErrCodeTooLong
	}
	dst = append(dst, byte(len(p)))
	start := len(dst)
	for i := BytesRequiredForCodeLength(len(p)); i > 0; i-- {
		dst = append(dst, 0)
	}
	packed := dst[start:]
	for i, seg := range p {
		if seg > 7 {
			return dst[:start-1], errors.Wrapf(octree.ErrBadPath, "segment %d = %d", i, seg)
		}
		bit := 3 * i
		for j := 0; j < 3; j++ {
			if seg&(4>>j) != 0 {
				b := bit + j
				packed[b/8] |= 0x80 >> (b % 8)
			}
		}
	}
	return dst, nil
}

// ReadCode decodes the octal code at the start of buf and returns it with its encoded size.
func ReadCode(buf []byte) (octree.Path, int, error) {
	if len(buf) < 1 {
		return nil, 0, ErrTruncated
	}
	l := int(buf[0])
	n := CodeSize(l)
	if len(buf) < n {
		return nil, 0, errors.Wrapf(ErrTruncated, "code of %d segments needs %d bytes, have %d", l, n, len(buf))
	}
	return unpack(buf[1:n], l), n, nil
}

func unpack(packed []byte, l int) octree.Path {
	p := make(octree.Path, l)
	for i := range p {
		bit := 3 * i
		var seg uint8
		for j := 0; j < 3; j++ {
			b := bit + j
			seg <<= 1
			if packed[b/8]&(0x80>>(b%8)) != 0 {
				seg |= 1
			}
		}
		p[i] = seg
	}
	return p
}

// Record is one colored node on the wire or on disk.
type Record struct {
	Path  octree.Path
	Color octree.Color
}

func AppendRecord(dst []byte, r Record) ([]byte, error) {
	dst, err := AppendCode(dst, r.Path)
	if err != nil {
		return dst, err
	}
	return append(dst, r.Color.R, r.Color.G, r.Color.B), nil
}
