// Package dispatch applies inbound mutation packets (set, destructive set, erase and Z
// commands) to the octree.
package dispatch

import (
	"io"
	"net"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"voxelshard.ai/internal/encoding"
	"voxelshard.ai/internal/octree"
	"voxelshard.ai/internal/peers"
	"voxelshard.ai/internal/protocol"
)

const (
	CommandEraseAll = "erase all"
	CommandTest     = "a message"
)

// Peers is the part of the peer registry the dispatcher needs.
type Peers interface {
	PeerByAddr(addr net.Addr) (peers.Peer, bool)
	MarkHeard(id uuid.UUID, at time.Time)
	Broadcast(b []byte, roles ...peers.Role) int
}

// Region limits which paths are accepted when jurisdiction is enforced.
type Region interface {
	Contains(p octree.Path) bool
}

// AuditEntry describes one handled packet.
type AuditEntry struct {
	Time    time.Time `json:"time"`
	Sender  string    `json:"sender"`
	PeerID  string    `json:"peer_id,omitempty"`
	Type    string    `json:"type"`
	Item    uint16    `json:"item"`
	Bytes   int       `json:"bytes"`
	Applied int       `json:"applied"`
	Skipped int       `json:"skipped"`
	Absent  int       `json:"absent,omitempty"`
	Command string    `json:"command,omitempty"`
	Reason  string    `json:"reason,omitempty"`
}

type AuditLogger interface {
	WriteAudit(e AuditEntry) error
}

// CommandFunc runs a recognized Z command.
type CommandFunc func(pkt protocol.InboundPacket) error

type Options struct {
	// RebroadcastCommands forwards every Z_COMMAND packet verbatim to agent peers.
	RebroadcastCommands bool
	// Region, when set, drops records outside it.
	Region Region
	Audit  AuditLogger
}

type Dispatcher struct {
	tree  *octree.Tree
	peers Peers
	opts  Options
	log   *zap.SugaredLogger

	commands map[string]CommandFunc

	stats counters
}

type counters struct {
	setPackets         atomic.Uint64
	destructivePackets atomic.Uint64
	erasePackets       atomic.Uint64
	commandPackets     atomic.Uint64
	dropped            atomic.Uint64
	unattributed       atomic.Uint64
	recordsApplied     atomic.Uint64
	recordsSkipped     atomic.Uint64
	recordsAbsent      atomic.Uint64
	outOfRegion        atomic.Uint64
	rebroadcasts       atomic.Uint64
}

// Stats is a snapshot of the dispatcher's counters.
type Stats struct {
	SetPackets         uint64
	DestructivePackets uint64
	ErasePackets       uint64
	CommandPackets     uint64
	Dropped            uint64
	Unattributed       uint64
	RecordsApplied     uint64
	RecordsSkipped     uint64
	RecordsAbsent      uint64
	OutOfRegion        uint64
	Rebroadcasts       uint64
}

func New(tree *octree.Tree, registry Peers, opts Options, logger *zap.SugaredLogger) *Dispatcher {
	d := &Dispatcher{
		tree:     tree,
		peers:    registry,
		opts:     opts,
		log:      logger,
		commands: map[string]CommandFunc{},
	}
	d.RegisterCommand(CommandEraseAll, func(pkt protocol.InboundPacket) error {
		before := tree.Stats()
		tree.Reset()
		d.log.Infow("erase all", "sender", addrString(pkt.Addr), "nodes_dropped", before.Nodes-1)
		return nil
	})
	d.RegisterCommand(CommandTest, func(pkt protocol.InboundPacket) error {
		d.log.Infow("test command received", "sender", addrString(pkt.Addr))
		return nil
	})
	return d
}

// RegisterCommand binds a Z command name. It must be called before packets are handled.
func (d *Dispatcher) RegisterCommand(name string, fn CommandFunc) {
	d.commands[name] = fn
}

func (d *Dispatcher) Stats() Stats {
	return Stats{
		SetPackets:         d.stats.setPackets.Load(),
		DestructivePackets: d.stats.destructivePackets.Load(),
		ErasePackets:       d.stats.erasePackets.Load(),
		CommandPackets:     d.stats.commandPackets.Load(),
		Dropped:            d.stats.dropped.Load(),
		Unattributed:       d.stats.unattributed.Load(),
		RecordsApplied:     d.stats.recordsApplied.Load(),
		RecordsSkipped:     d.stats.recordsSkipped.Load(),
		RecordsAbsent:      d.stats.recordsAbsent.Load(),
		OutOfRegion:        d.stats.outOfRegion.Load(),
		Rebroadcasts:       d.stats.rebroadcasts.Load(),
	}
}

// Handle applies one packet. Records decoded before a malformed tail stay applied; the
// returned error describes why the rest of the packet was dropped.
func (d *Dispatcher) Handle(pkt protocol.InboundPacket) error {
	entry := AuditEntry{
		Time:   pkt.Received,
		Sender: addrString(pkt.Addr),
		Type:   pkt.Type().String(),
		Bytes:  pkt.Len(),
	}
	if entry.Time.IsZero() {
		entry.Time = time.Now()
	}

	typ, payload, err := protocol.ParseHeader(pkt.Data)
	if err == nil {
		switch typ {
		case protocol.TypeSetVoxel:
			d.stats.setPackets.Add(1)
			err = d.handleSet(payload, false, &entry)
		case protocol.TypeSetVoxelDestructive:
			d.stats.destructivePackets.Add(1)
			err = d.handleSet(payload, true, &entry)
		case protocol.TypeEraseVoxel:
			d.stats.erasePackets.Add(1)
			err = d.handleErase(payload, &entry)
		case protocol.TypeZCommand:
			d.stats.commandPackets.Add(1)
			err = d.handleCommand(pkt, payload, &entry)
		default:
			err = errors.Wrapf(protocol.ErrUnknownType, "%s is not a mutation", typ)
		}
		d.markHeard(pkt, &entry)
	}

	if err != nil {
		d.stats.dropped.Add(1)
		entry.Reason = protocol.Reason(err)
		d.log.Debugw("packet dropped", "sender", entry.Sender, "type", entry.Type, "reason", entry.Reason, "applied", entry.Applied, "error", err)
	}
	d.audit(entry)
	return err
}

func (d *Dispatcher) handleSet(payload []byte, destructive bool, entry *AuditEntry) error {
	item, body, err := protocol.ReadItemNumber(payload)
	if err != nil {
		return err
	}
	entry.Item = item

	var streamErr error
	_ = d.tree.Update(func(tx *octree.Txn) error {
		dec := encoding.NewDecoder(body, tx.MaxDepth())
		for {
			rec, err := dec.Next()
			if err == io.EOF {
				return nil
			}
			if errors.Is(err, encoding.ErrPathTooDeep) {
				entry.Skipped++
				continue
			}
			if err != nil {
				streamErr = err
				return nil
			}
			if !d.accept(rec.Path, entry) {
				continue
			}
			if destructive {
				err = tx.SetDestructive(rec.Path, rec.Color)
			} else {
				err = tx.Set(rec.Path, rec.Color)
			}
			if err != nil {
				entry.Skipped++
				continue
			}
			entry.Applied++
		}
	})
	d.count(entry)
	return streamErr
}

func (d *Dispatcher) handleErase(payload []byte, entry *AuditEntry) error {
	item, body, err := protocol.ReadItemNumber(payload)
	if err != nil {
		return err
	}
	entry.Item = item

	var streamErr error
	_ = d.tree.Update(func(tx *octree.Txn) error {
		dec := encoding.NewCodeDecoder(body, tx.MaxDepth())
		for {
			rec, err := dec.Next()
			if err == io.EOF {
				return nil
			}
			if errors.Is(err, encoding.ErrPathTooDeep) {
				entry.Skipped++
				continue
			}
			if err != nil {
				streamErr = err
				return nil
			}
			if !d.accept(rec.Path, entry) {
				continue
			}
			removed, err := tx.Erase(rec.Path)
			switch {
			case err != nil:
				entry.Skipped++
			case removed:
				entry.Applied++
			default:
				entry.Absent++
			}
		}
	})
	d.count(entry)
	return streamErr
}

// handleCommand runs the first command string in the packet. Only one command per packet
// is recognized.
func (d *Dispatcher) handleCommand(pkt protocol.InboundPacket, payload []byte, entry *AuditEntry) error {
	cmd, err := protocol.ReadCommand(payload)
	if err != nil {
		return err
	}
	entry.Command = cmd

	if fn, ok := d.commands[cmd]; ok {
		if err := fn(pkt); err != nil {
			d.log.Warnw("command failed", "command", cmd, "error", err)
		} else {
			entry.Applied = 1
		}
	} else {
		d.log.Debugw("unknown command ignored", "command", cmd, "sender", entry.Sender)
	}

	if d.opts.RebroadcastCommands && d.peers != nil {
		n := d.peers.Broadcast(pkt.Data, peers.RoleAgent)
		d.stats.rebroadcasts.Add(uint64(n))
		d.log.Debugw("rebroadcast command", "command", cmd, "peers", n)
	}
	return nil
}

func (d *Dispatcher) accept(p octree.Path, entry *AuditEntry) bool {
	if d.opts.Region == nil || d.opts.Region.Contains(p) {
		return true
	}
	entry.Skipped++
	d.stats.outOfRegion.Add(1)
	return false
}

func (d *Dispatcher) count(entry *AuditEntry) {
	d.stats.recordsApplied.Add(uint64(entry.Applied))
	d.stats.recordsSkipped.Add(uint64(entry.Skipped))
	d.stats.recordsAbsent.Add(uint64(entry.Absent))
}

func (d *Dispatcher) markHeard(pkt protocol.InboundPacket, entry *AuditEntry) {
	if d.peers == nil {
		return
	}
	p, ok := d.peers.PeerByAddr(pkt.Addr)
	if !ok {
		d.stats.unattributed.Add(1)
		return
	}
	entry.PeerID = p.ID.String()
	d.peers.MarkHeard(p.ID, entry.Time)
}

func (d *Dispatcher) audit(entry AuditEntry) {
	if d.opts.Audit == nil {
		return
	}
	if err := d.opts.Audit.WriteAudit(entry); err != nil {
		d.log.Warnw("audit write failed", "error", err)
	}
}

func addrString(a net.Addr) string {
	if a == nil {
		return ""
	}
	return a.String()
}
