package protocol

import (
	"encoding/binary"
	"net"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Version is carried in the second header byte of every packet. Packets with any other
// version are dropped.
const Version byte = 1

const (
	HeaderSize    = 2
	MaxPacketSize = 1492

	ItemNumberSize = 2
	UUIDSize       = 16
)

// PacketType is the first header byte. The values are shared with existing clients and must
// not change.
type PacketType byte

const (
	TypeVoxelQuery               PacketType = 'q'
	TypeSetVoxel                 PacketType = 'S'
	TypeSetVoxelDestructive      PacketType = 'O'
	TypeEraseVoxel               PacketType = 'E'
	TypeZCommand                 PacketType = 'Z'
	TypeVoxelJurisdiction        PacketType = 'J'
	TypeVoxelJurisdictionRequest PacketType = 'j'
)

var typeNames = map[PacketType]string{
	TypeVoxelQuery:               "VOXEL_QUERY",
	TypeSetVoxel:                 "SET_VOXEL",
	TypeSetVoxelDestructive:      "SET_VOXEL_DESTRUCTIVE",
	TypeEraseVoxel:               "ERASE_VOXEL",
	TypeZCommand:                 "Z_COMMAND",
	TypeVoxelJurisdiction:        "VOXEL_JURISDICTION",
	TypeVoxelJurisdictionRequest: "VOXEL_JURISDICTION_REQUEST",
}

func (t PacketType) String() string {
	if s, ok := typeNames[t]; ok {
		return s
	}
	return "UNKNOWN"
}

func (t PacketType) Known() bool {
	_, ok := typeNames[t]
	return ok
}

// AppendHeader appends the type and version bytes.
func AppendHeader(dst []byte, t PacketType) []byte {
	return append(dst, byte(t), Version)
}

// ParseHeader splits a packet into its type and payload.
func ParseHeader(b []byte) (PacketType, []byte, error) {
	if len(b) < HeaderSize {
		return 0, nil, errors.Wrapf(ErrTruncatedHeader, "%d bytes", len(b))
	}
	t := PacketType(b[0])
	if !t.Known() {
		return t, nil, errors.Wrapf(ErrUnknownType, "type byte 0x%02x", b[0])
	}
	if b[1] != Version {
		return t, nil, errors.Wrapf(ErrBadVersion, "%s version %d, want %d", t, b[1], Version)
	}
	return t, b[HeaderSize:], nil
}

// Sender writes one datagram (or message) to a peer address.
type Sender interface {
	Send(addr net.Addr, b []byte) error
}

// InboundPacket is a single received datagram. It is not retained after processing.
type InboundPacket struct {
	Addr     net.Addr
	Data     []byte
	Conn     Sender
	Received time.Time
}

func (p InboundPacket) Len() int { return len(p.Data) }

func (p InboundPacket) Type() PacketType {
	if len(p.Data) == 0 {
		return 0
	}
	return PacketType(p.Data[0])
}

// Reply sends b back to the packet's sender over the connection it arrived on.
func (p InboundPacket) Reply(b []byte) error {
	if p.Conn == nil {
		return errors.New("protocol: packet has no reply path")
	}
	return p.Conn.Send(p.Addr, b)
}

// ReadItemNumber reads the little-endian sequence number that prefixes set and erase payloads.
func ReadItemNumber(payload []byte) (uint16, []byte, error) {
	if len(payload) < ItemNumberSize {
		return 0, nil, errors.Wrap(ErrTruncatedHeader, "missing item number")
	}
	return binary.LittleEndian.Uint16(payload), payload[ItemNumberSize:], nil
}

func AppendItemNumber(dst []byte, n uint16) []byte {
	return binary.LittleEndian.AppendUint16(dst, n)
}

// ReadCommand returns the first NUL-terminated command string of a Z_COMMAND payload.
func ReadCommand(payload []byte) (string, error) {
	for i, c := range payload {
		if c == 0 {
			return string(payload[:i]), nil
		}
	}
	return "", errors.Wrap(ErrMalformedPacket, "command is not NUL terminated")
}

func AppendCommand(dst []byte, cmd string) []byte {
	dst = append(dst, cmd...)
	return append(dst, 0)
}

// ReadQueryUUID returns the RFC 4122 node id at the start of a VOXEL_QUERY payload.
func ReadQueryUUID(payload []byte) (uuid.UUID, error) {
	if len(payload) < UUIDSize {
		return uuid.Nil, errors.Wrapf(ErrTruncatedHeader, "query id needs %d bytes, have %d", UUIDSize, len(payload))
	}
	id, err := uuid.FromBytes(payload[:UUIDSize])
	if err != nil {
		return uuid.Nil, errors.Wrap(ErrMalformedPacket, err.Error())
	}
	return id, nil
}

func AppendQueryUUID(dst []byte, id uuid.UUID) []byte {
	return append(dst, id[:]...)
}
