package protocol

import (
	"github.com/pkg/errors"

	"voxelshard.ai/internal/encoding"
)

// Packer splits a stream of records into mutation packets no larger than MaxPacketSize.
// Each packet carries the next item number.
type Packer struct {
	typ  PacketType
	next uint16
	cur  []byte
	out  [][]byte
}

// NewPacker starts numbering at first. typ must be a set or erase type.
func NewPacker(typ PacketType, first uint16) (*Packer, error) {
	switch typ {
	case TypeSetVoxel, TypeSetVoxelDestructive, TypeEraseVoxel:
	default:
		return nil, errors.Errorf("protocol: %s packets do not carry records", typ)
	}
	return &Packer{typ: typ, next: first}, nil
}

// Add appends one record, starting a new packet when it does not fit. Erase packets carry
// only the code.
func (p *Packer) Add(r encoding.Record) error {
	size := encoding.CodeSize(len(r.Path))
	if p.typ != TypeEraseVoxel {
		size = encoding.RecordSize(len(r.Path))
	}
	if HeaderSize+ItemNumberSize+size > MaxPacketSize {
		return errors.Errorf("protocol: record of %d bytes cannot fit a packet", size)
	}
	if p.cur != nil && len(p.cur)+size > MaxPacketSize {
		p.seal()
	}
	if p.cur == nil {
		p.cur = AppendItemNumber(AppendHeader(make([]byte, 0, MaxPacketSize), p.typ), p.next)
		p.next++
	}
	var err error
	if p.typ == TypeEraseVoxel {
		p.cur, err = encoding.AppendCode(p.cur, r.Path)
	} else {
		p.cur, err = encoding.AppendRecord(p.cur, r)
	}
	return err
}

func (p *Packer) seal() {
	p.out = append(p.out, p.cur)
	p.cur = nil
}

// Packets returns the finished packets, including a partly filled last one, and resets the
// packer. Numbering continues where it left off.
func (p *Packer) Packets() [][]byte {
	if p.cur != nil {
		p.seal()
	}
	out := p.out
	p.out = nil
	return out
}

// NextItem is the item number the next packet will carry.
func (p *Packer) NextItem() uint16 { return p.next }
