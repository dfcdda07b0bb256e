package dispatch

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap/zaptest"

	"voxelshard.ai/internal/encoding"
	"voxelshard.ai/internal/octree"
	"voxelshard.ai/internal/peers"
	"voxelshard.ai/internal/protocol"
)

type fakePeers struct {
	mu        sync.Mutex
	known     map[string]peers.Peer
	heard     map[uuid.UUID]time.Time
	broadcast [][]byte
	roles     []peers.Role
}

func newFakePeers() *fakePeers {
	return &fakePeers{known: map[string]peers.Peer{}, heard: map[uuid.UUID]time.Time{}}
}

func (f *fakePeers) add(addr net.Addr) peers.Peer {
	p := peers.Peer{ID: uuid.New(), Addr: addr, Role: peers.RoleAgent}
	f.known[addr.String()] = p
	return p
}

func (f *fakePeers) PeerByAddr(addr net.Addr) (peers.Peer, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.known[addr.String()]
	return p, ok
}

func (f *fakePeers) MarkHeard(id uuid.UUID, at time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.heard[id] = at
}

func (f *fakePeers) Broadcast(b []byte, roles ...peers.Role) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.broadcast = append(f.broadcast, append([]byte(nil), b...))
	f.roles = append(f.roles, roles...)
	return 1
}

type memAudit struct{ entries []AuditEntry }

func (m *memAudit) WriteAudit(e AuditEntry) error {
	m.entries = append(m.entries, e)
	return nil
}

var sender = &net.UDPAddr{IP: net.IPv4(10, 0, 0, 1), Port: 40000}

func setPacket(t *testing.T, typ protocol.PacketType, recs ...encoding.Record) protocol.InboundPacket {
	t.Helper()
	b := protocol.AppendHeader(nil, typ)
	b = protocol.AppendItemNumber(b, 7)
	for _, r := range recs {
		var err error
		if b, err = encoding.AppendRecord(b, r); err != nil {
			t.Fatalf("AppendRecord: %v", err)
		}
	}
	return protocol.InboundPacket{Addr: sender, Data: b, Received: time.Now()}
}

func erasePacket(t *testing.T, paths ...octree.Path) protocol.InboundPacket {
	t.Helper()
	b := protocol.AppendHeader(nil, protocol.TypeEraseVoxel)
	b = protocol.AppendItemNumber(b, 1)
	for _, p := range paths {
		var err error
		if b, err = encoding.AppendCode(b, p); err != nil {
			t.Fatalf("AppendCode: %v", err)
		}
	}
	return protocol.InboundPacket{Addr: sender, Data: b}
}

func commandPacket(cmd string) protocol.InboundPacket {
	b := protocol.AppendHeader(nil, protocol.TypeZCommand)
	b = protocol.AppendCommand(b, cmd)
	return protocol.InboundPacket{Addr: sender, Data: b}
}

func newTestDispatcher(t *testing.T, opts Options) (*Dispatcher, *octree.Tree, *fakePeers) {
	tree := octree.New()
	reg := newFakePeers()
	return New(tree, reg, opts, zaptest.NewLogger(t).Sugar()), tree, reg
}

func TestDispatcher_SetThenDestructiveScenario(t *testing.T) {
	d, tree, _ := newTestDispatcher(t, Options{})

	pkt := setPacket(t, protocol.TypeSetVoxel, encoding.Record{Path: octree.Path{3, 5}, Color: octree.Color{R: 255}})
	if err := d.Handle(pkt); err != nil {
		t.Fatalf("Handle set: %v", err)
	}
	if m := tree.Lookup(octree.Path{3, 5}); !m.Exact || m.Color != (octree.Color{R: 255}) {
		t.Fatalf("after set: %+v", m)
	}

	pkt = setPacket(t, protocol.TypeSetVoxelDestructive, encoding.Record{Path: octree.Path{3}, Color: octree.Color{G: 255}})
	if err := d.Handle(pkt); err != nil {
		t.Fatalf("Handle destructive: %v", err)
	}
	if m := tree.Lookup(octree.Path{3}); !m.Exact || m.Color != (octree.Color{G: 255}) {
		t.Fatalf("lookup [3]: %+v", m)
	}
	if m := tree.Lookup(octree.Path{3, 5}); m.Exact || m.Depth != 1 {
		t.Fatalf("lookup [3,5]: %+v", m)
	}

	st := d.Stats()
	if st.SetPackets != 1 || st.DestructivePackets != 1 || st.RecordsApplied != 2 {
		t.Fatalf("stats: %+v", st)
	}
}

func TestDispatcher_TruncatedTailKeepsEarlierRecords(t *testing.T) {
	audit := &memAudit{}
	d, tree, _ := newTestDispatcher(t, Options{Audit: audit})

	pkt := setPacket(t, protocol.TypeSetVoxel,
		encoding.Record{Path: octree.Path{1}, Color: octree.Color{R: 1}},
		encoding.Record{Path: octree.Path{2}, Color: octree.Color{R: 2}},
	)
	pkt.Data = append(pkt.Data, 6, 0xFF) // declares 6 segments, then runs out

	err := d.Handle(pkt)
	if !errors.Is(err, encoding.ErrTruncated) {
		t.Fatalf("err=%v want ErrTruncated", err)
	}
	for _, p := range []octree.Path{{1}, {2}} {
		if m := tree.Lookup(p); !m.Exact {
			t.Fatalf("record %v before the bad tail was not applied", p)
		}
	}
	if len(audit.entries) != 1 || audit.entries[0].Applied != 2 || audit.entries[0].Reason != protocol.ReasonTruncatedRecord {
		t.Fatalf("audit: %+v", audit.entries)
	}
	if d.Stats().Dropped != 1 {
		t.Fatalf("dropped=%d", d.Stats().Dropped)
	}
}

func TestDispatcher_SkipsTooDeepRecords(t *testing.T) {
	tree := octree.New(octree.WithMaxDepth(3))
	d := New(tree, nil, Options{}, zaptest.NewLogger(t).Sugar())

	pkt := setPacket(t, protocol.TypeSetVoxel,
		encoding.Record{Path: octree.Path{1, 1, 1, 1}, Color: octree.Color{R: 1}},
		encoding.Record{Path: octree.Path{2, 2}, Color: octree.Color{R: 2}},
	)
	if err := d.Handle(pkt); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if m := tree.Lookup(octree.Path{2, 2}); !m.Exact {
		t.Fatalf("record after the deep one not applied: %+v", m)
	}
	if st := d.Stats(); st.RecordsSkipped != 1 || st.RecordsApplied != 1 {
		t.Fatalf("stats: %+v", st)
	}
}

func TestDispatcher_Erase(t *testing.T) {
	d, tree, _ := newTestDispatcher(t, Options{})
	_ = tree.Set(octree.Path{4, 4}, octree.Color{B: 9})
	_ = tree.Set(octree.Path{5}, octree.Color{B: 9})

	if err := d.Handle(erasePacket(t, octree.Path{4, 4}, octree.Path{6, 6})); err != nil {
		t.Fatalf("Handle erase: %v", err)
	}
	if m := tree.Lookup(octree.Path{4, 4}); m.Exact {
		t.Fatalf("[4 4] still present")
	}
	if m := tree.Lookup(octree.Path{5}); !m.Exact {
		t.Fatalf("[5] erased by accident")
	}
	if st := d.Stats(); st.RecordsApplied != 1 || st.RecordsAbsent != 1 {
		t.Fatalf("absent path counted as applied: %+v", st)
	}
	// erasing again is a no-op
	before := tree.Stats()
	if err := d.Handle(erasePacket(t, octree.Path{4, 4})); err != nil {
		t.Fatalf("Handle erase again: %v", err)
	}
	if after := tree.Stats(); after.Nodes != before.Nodes {
		t.Fatalf("nodes changed %d -> %d", before.Nodes, after.Nodes)
	}
	if st := d.Stats(); st.RecordsApplied != 1 || st.RecordsAbsent != 2 {
		t.Fatalf("stats after repeated erase: %+v", st)
	}
}

func TestDispatcher_CommandsAndRebroadcast(t *testing.T) {
	d, tree, reg := newTestDispatcher(t, Options{RebroadcastCommands: true})
	_ = tree.Set(octree.Path{1, 2, 3}, octree.Color{R: 1})

	pkt := commandPacket(CommandEraseAll)
	if err := d.Handle(pkt); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if st := tree.Stats(); st.Nodes != 1 {
		t.Fatalf("erase all left %d nodes", st.Nodes)
	}
	if len(reg.broadcast) != 1 || string(reg.broadcast[0]) != string(pkt.Data) {
		t.Fatalf("rebroadcast: %q", reg.broadcast)
	}
	if len(reg.roles) != 1 || reg.roles[0] != peers.RoleAgent {
		t.Fatalf("roles: %v", reg.roles)
	}

	// unknown commands are ignored but still forwarded
	if err := d.Handle(commandPacket("add sphere")); err != nil {
		t.Fatalf("Handle unknown: %v", err)
	}
	if len(reg.broadcast) != 2 {
		t.Fatalf("unknown command not rebroadcast")
	}

	quiet, _, reg2 := newTestDispatcher(t, Options{})
	_ = quiet.Handle(commandPacket(CommandTest))
	if len(reg2.broadcast) != 0 {
		t.Fatalf("rebroadcast while disabled")
	}
}

func TestDispatcher_OnlyFirstCommandRuns(t *testing.T) {
	d, tree, _ := newTestDispatcher(t, Options{})
	_ = tree.Set(octree.Path{1}, octree.Color{R: 1})

	b := protocol.AppendHeader(nil, protocol.TypeZCommand)
	b = protocol.AppendCommand(b, CommandTest)
	b = protocol.AppendCommand(b, CommandEraseAll)
	if err := d.Handle(protocol.InboundPacket{Addr: sender, Data: b}); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if m := tree.Lookup(octree.Path{1}); !m.Exact {
		t.Fatalf("second command in the packet was executed")
	}
}

func TestDispatcher_DropsBadPackets(t *testing.T) {
	d, tree, _ := newTestDispatcher(t, Options{})
	cases := map[string][]byte{
		"empty":        nil,
		"short":        {byte(protocol.TypeSetVoxel)},
		"version":      {byte(protocol.TypeSetVoxel), protocol.Version + 1, 0, 0, 1, 0, 1, 2, 3},
		"unknown":      {'!', protocol.Version},
		"not mutation": {byte(protocol.TypeVoxelJurisdiction), protocol.Version},
		"no item":      {byte(protocol.TypeEraseVoxel), protocol.Version, 1},
	}
	for name, data := range cases {
		err := d.Handle(protocol.InboundPacket{Addr: sender, Data: data})
		if !errors.Is(err, protocol.ErrMalformedPacket) {
			t.Fatalf("%s: err=%v", name, err)
		}
	}
	if st := tree.Stats(); st.Nodes != 1 {
		t.Fatalf("bad packets mutated the tree: %+v", st)
	}
	if got := d.Stats().Dropped; got != uint64(len(cases)) {
		t.Fatalf("dropped=%d want %d", got, len(cases))
	}
}

func TestDispatcher_MarksSenderHeard(t *testing.T) {
	d, _, reg := newTestDispatcher(t, Options{})
	p := reg.add(sender)

	pkt := setPacket(t, protocol.TypeSetVoxel, encoding.Record{Path: octree.Path{1}})
	if err := d.Handle(pkt); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if at, ok := reg.heard[p.ID]; !ok || !at.Equal(pkt.Received) {
		t.Fatalf("heard=%v ok=%v", at, ok)
	}

	other := pkt
	other.Addr = &net.UDPAddr{IP: net.IPv4(10, 0, 0, 2), Port: 1}
	_ = d.Handle(other)
	if d.Stats().Unattributed != 1 {
		t.Fatalf("unattributed=%d", d.Stats().Unattributed)
	}
}

type prefixRegion octree.Path

func (r prefixRegion) Contains(p octree.Path) bool { return p.HasPrefix(octree.Path(r)) }

func TestDispatcher_EnforcesRegion(t *testing.T) {
	d, tree, _ := newTestDispatcher(t, Options{Region: prefixRegion{2}})
	pkt := setPacket(t, protocol.TypeSetVoxel,
		encoding.Record{Path: octree.Path{2, 1}, Color: octree.Color{R: 1}},
		encoding.Record{Path: octree.Path{3, 1}, Color: octree.Color{R: 1}},
	)
	if err := d.Handle(pkt); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if m := tree.Lookup(octree.Path{3, 1}); m.Depth != 0 {
		t.Fatalf("out of region record applied: %+v", m)
	}
	if st := d.Stats(); st.OutOfRegion != 1 || st.RecordsApplied != 1 {
		t.Fatalf("stats: %+v", st)
	}
}

func TestQueue_PreservesOrderAndDrops(t *testing.T) {
	d, tree, _ := newTestDispatcher(t, Options{})
	q := NewQueue(d, 2, time.Second, zaptest.NewLogger(t).Sugar())

	first := setPacket(t, protocol.TypeSetVoxel, encoding.Record{Path: octree.Path{1}, Color: octree.Color{R: 1}})
	second := setPacket(t, protocol.TypeSetVoxel, encoding.Record{Path: octree.Path{1}, Color: octree.Color{R: 2}})
	third := setPacket(t, protocol.TypeSetVoxel, encoding.Record{Path: octree.Path{1}, Color: octree.Color{R: 3}})
	if !q.Enqueue(first) || !q.Enqueue(second) {
		t.Fatalf("enqueue failed below capacity")
	}
	if q.Enqueue(third) {
		t.Fatalf("enqueue beyond capacity succeeded")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := q.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	// drained on shutdown, in order
	if m := tree.Lookup(octree.Path{1}); m.Color.R != 2 {
		t.Fatalf("color=%v want R=2", m.Color)
	}
	st := q.Stats()
	if st.Enqueued != 2 || st.Dropped != 1 || st.Depth != 0 {
		t.Fatalf("queue stats: %+v", st)
	}
}

func TestDispatcher_ConcurrentWorkers(t *testing.T) {
	d, tree, _ := newTestDispatcher(t, Options{})
	const rounds = 25

	batches := make([][]protocol.InboundPacket, 2)
	for w := uint8(0); w < 2; w++ {
		for r := 0; r < rounds; r++ {
			var recs []encoding.Record
			for a := uint8(0); a < 8; a++ {
				recs = append(recs, encoding.Record{Path: octree.Path{w, a, uint8(r % 8)}, Color: octree.Color{G: w}})
			}
			batches[w] = append(batches[w], setPacket(t, protocol.TypeSetVoxel, recs...))
		}
	}

	var wg sync.WaitGroup
	for _, batch := range batches {
		wg.Add(1)
		go func(batch []protocol.InboundPacket) {
			defer wg.Done()
			for _, pkt := range batch {
				if err := d.Handle(pkt); err != nil {
					t.Errorf("Handle: %v", err)
				}
			}
		}(batch)
	}
	wg.Wait()

	st := tree.Stats()
	// per worker: [w], 8 x [w a], 64 x [w a b]
	if want := 1 + 2*(1+8+64); st.Nodes != want {
		t.Fatalf("nodes=%d want %d", st.Nodes, want)
	}
	if st.Colored != 2*64 {
		t.Fatalf("colored=%d want %d", st.Colored, 2*64)
	}
}
