package jurisdiction

import (
	"sync/atomic"

	"go.uber.org/zap"

	"voxelshard.ai/internal/peers"
	"voxelshard.ai/internal/protocol"
)

// Broadcaster sends a packet to every peer with one of the given roles.
type Broadcaster interface {
	Broadcast(b []byte, roles ...peers.Role) int
}

// Advertiser answers jurisdiction requests and periodically announces the map to agents.
type Advertiser struct {
	m      *Map
	peers  Broadcaster
	log    *zap.SugaredLogger
	packet []byte

	replies    atomic.Uint64
	broadcasts atomic.Uint64
}

func NewAdvertiser(m *Map, b Broadcaster, logger *zap.SugaredLogger) (*Advertiser, error) {
	if m == nil {
		m = Everything()
	}
	payload, err := m.MarshalBinary()
	if err != nil {
		return nil, err
	}
	pkt := protocol.AppendHeader(make([]byte, 0, protocol.HeaderSize+len(payload)), protocol.TypeVoxelJurisdiction)
	pkt = append(pkt, payload...)
	return &Advertiser{m: m, peers: b, log: logger, packet: pkt}, nil
}

func (a *Advertiser) Map() *Map { return a.m }

// Packet returns a copy of the VOXEL_JURISDICTION packet.
func (a *Advertiser) Packet() []byte {
	return append([]byte(nil), a.packet...)
}

// HandleRequest replies to a VOXEL_JURISDICTION_REQUEST.
func (a *Advertiser) HandleRequest(pkt protocol.InboundPacket) error {
	typ, _, err := protocol.ParseHeader(pkt.Data)
	if err != nil {
		return err
	}
	if typ != protocol.TypeVoxelJurisdictionRequest {
		return protocol.ErrUnknownType
	}
	if err := pkt.Reply(a.packet); err != nil {
		a.log.Debugw("jurisdiction reply failed", "sender", pkt.Addr, "error", err)
		return err
	}
	a.replies.Add(1)
	return nil
}

// Broadcast announces the jurisdiction to all agents and returns how many were reached.
func (a *Advertiser) Broadcast() int {
	if a.peers == nil {
		return 0
	}
	n := a.peers.Broadcast(a.packet, peers.RoleAgent)
	a.broadcasts.Add(1)
	a.log.Debugw("jurisdiction broadcast", "peers", n, "jurisdiction", a.m.String())
	return n
}

func (a *Advertiser) Replies() uint64    { return a.replies.Load() }
func (a *Advertiser) Broadcasts() uint64 { return a.broadcasts.Load() }
