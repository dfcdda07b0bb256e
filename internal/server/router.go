package server

import (
	"time"

	"voxelshard.ai/internal/peers"
	"voxelshard.ai/internal/protocol"
)

// Handle routes one inbound packet from any transport. It never blocks on the network; in
// queued mode mutations only wait for a queue slot.
func (s *Server) Handle(pkt protocol.InboundPacket) {
	if pkt.Received.IsZero() {
		pkt.Received = time.Now()
	}
	typ, payload, err := protocol.ParseHeader(pkt.Data)
	if err != nil {
		s.rejected.Add(1)
		s.log.Debugw("packet rejected", "sender", addrString(pkt), "reason", protocol.Reason(err), "error", err)
		return
	}

	switch typ {
	case protocol.TypeVoxelQuery:
		s.handleQuery(pkt, payload)
	case protocol.TypeVoxelJurisdictionRequest:
		if p, ok := s.peers.Observe(pkt.Addr, pkt.Conn); ok {
			s.peers.MarkHeard(p.ID, pkt.Received)
		}
		_ = s.advertiser.HandleRequest(pkt)
	case protocol.TypeSetVoxel, protocol.TypeSetVoxelDestructive, protocol.TypeEraseVoxel, protocol.TypeZCommand:
		s.peers.Observe(pkt.Addr, pkt.Conn)
		if s.queue != nil {
			s.queue.Enqueue(pkt)
		} else {
			_ = s.dispatcher.Handle(pkt)
		}
	default:
		s.ignored.Add(1)
		s.log.Debugw("packet ignored", "sender", addrString(pkt), "type", typ.String())
	}
	s.metrics.ObserveHandle(typ.String(), time.Since(pkt.Received))
}

// handleQuery identifies the sender by the UUID in the packet, which stays stable when a
// client reconnects from another port.
func (s *Server) handleQuery(pkt protocol.InboundPacket, payload []byte) {
	id, err := protocol.ReadQueryUUID(payload)
	if err != nil {
		s.rejected.Add(1)
		s.log.Debugw("query rejected", "sender", addrString(pkt), "error", err)
		return
	}
	s.queries.Add(1)

	p, ok := s.peers.PeerByID(id)
	switch {
	case ok:
		if p.Addr == nil || p.Addr.String() != pkt.Addr.String() || p.Addr.Network() != pkt.Addr.Network() {
			s.peers.Rebind(id, pkt.Addr, pkt.Conn)
			p.Addr, p.Conn = pkt.Addr, pkt.Conn
		}
	case s.cfg.Peers.Learn:
		p = s.peers.Learn(peers.Peer{ID: id, Addr: pkt.Addr, Role: peers.RoleAgent, Conn: pkt.Conn, LastHeard: pkt.Received})
		s.log.Infow("learned peer from query", "id", id, "addr", addrString(pkt))
	default:
		s.log.Debugw("query from unknown peer", "id", id, "sender", addrString(pkt))
		return
	}
	s.peers.MarkHeard(id, pkt.Received)
	if err := s.viewer.HandleQuery(p, pkt); err != nil {
		s.log.Debugw("viewer failed", "peer", id, "error", err)
	}
}

func addrString(pkt protocol.InboundPacket) string {
	if pkt.Addr == nil {
		return ""
	}
	return pkt.Addr.String()
}
