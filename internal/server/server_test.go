package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap/zaptest"

	"voxelshard.ai/internal/config"
	"voxelshard.ai/internal/encoding"
	"voxelshard.ai/internal/octree"
	"voxelshard.ai/internal/persistence/indexdb"
	"voxelshard.ai/internal/persistence/snapshot"
	"voxelshard.ai/internal/protocol"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	cfg.Listen.UDP = "127.0.0.1:0"
	cfg.Listen.HTTP = ""
	cfg.Persist.File = filepath.Join(t.TempDir(), "voxels.svo")
	cfg.Shutdown.Grace = config.Duration(time.Second)
	return cfg
}

func newServer(t *testing.T, cfg config.Config, opts ...Option) *Server {
	t.Helper()
	s, err := New(cfg, zaptest.NewLogger(t).Sugar(), opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func setPacket(t *testing.T, typ protocol.PacketType, recs ...encoding.Record) []byte {
	t.Helper()
	b := protocol.AppendItemNumber(protocol.AppendHeader(nil, typ), 1)
	for _, r := range recs {
		var err error
		if b, err = encoding.AppendRecord(b, r); err != nil {
			t.Fatalf("AppendRecord: %v", err)
		}
	}
	return b
}

type captureSender struct {
	mu   sync.Mutex
	sent map[string][][]byte
}

func (c *captureSender) Send(addr net.Addr, b []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sent == nil {
		c.sent = map[string][][]byte{}
	}
	c.sent[addr.String()] = append(c.sent[addr.String()], append([]byte(nil), b...))
	return nil
}

func (c *captureSender) to(addr net.Addr) [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sent[addr.String()]
}

func udpAddr(port int) *net.UDPAddr { return &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: port} }

func TestServer_UDPEndToEnd(t *testing.T) {
	cfg := testConfig(t)
	s := newServer(t, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	client, err := net.DialUDP("udp", nil, s.UDPAddr().(*net.UDPAddr))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()

	pkt := setPacket(t, protocol.TypeSetVoxel, encoding.Record{Path: octree.Path{1, 2, 3}, Color: octree.Color{R: 9, G: 8, B: 7}})
	if _, err := client.Write(pkt); err != nil {
		t.Fatalf("write set: %v", err)
	}
	if _, err := client.Write(protocol.AppendHeader(nil, protocol.TypeVoxelJurisdictionRequest)); err != nil {
		t.Fatalf("write request: %v", err)
	}

	_ = client.SetReadDeadline(time.Now().Add(5 * time.Second))
	buf := make([]byte, protocol.MaxPacketSize)
	n, err := client.Read(buf)
	if err != nil {
		t.Fatalf("read jurisdiction: %v", err)
	}
	if typ, payload, err := protocol.ParseHeader(buf[:n]); err != nil || typ != protocol.TypeVoxelJurisdiction || len(payload) != 4 {
		t.Fatalf("reply type=%s payload=%v err=%v", typ, payload, err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for !s.Tree().Lookup(octree.Path{1, 2, 3}).Exact {
		if time.Now().After(deadline) {
			t.Fatalf("voxel never applied")
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatalf("Run did not return")
	}

	// The final save holds the voxel.
	reloaded := octree.New()
	p := snapshot.NewPersister(reloaded, cfg.Persist.File, zaptest.NewLogger(t).Sugar())
	if res, err := p.Load(); err != nil || res.Records != 1 {
		t.Fatalf("reload: res=%+v err=%v", res, err)
	}
	if m := reloaded.Lookup(octree.Path{1, 2, 3}); m.Color != (octree.Color{R: 9, G: 8, B: 7}) {
		t.Fatalf("reloaded=%+v", m)
	}
}

func TestServer_QueryLearnsPeerAndCommandsRebroadcast(t *testing.T) {
	cfg := testConfig(t)
	cfg.Persist.Enabled = false
	s := newServer(t, cfg)
	defer s.closeResources()

	conn := &captureSender{}
	agentAddr, senderAddr := udpAddr(50001), udpAddr(50002)
	id := uuid.New()

	s.Handle(protocol.InboundPacket{Addr: agentAddr, Conn: conn, Data: protocol.AppendQueryUUID(protocol.AppendHeader(nil, protocol.TypeVoxelQuery), id)})
	p, ok := s.Peers().PeerByID(id)
	if !ok || p.Addr.String() != agentAddr.String() {
		t.Fatalf("query sender not learned: %+v ok=%v", p, ok)
	}

	// Same client, new port.
	moved := udpAddr(50003)
	s.Handle(protocol.InboundPacket{Addr: moved, Conn: conn, Data: protocol.AppendQueryUUID(protocol.AppendHeader(nil, protocol.TypeVoxelQuery), id)})
	if p, _ := s.Peers().PeerByID(id); p.Addr.String() != moved.String() {
		t.Fatalf("peer not rebound: %v", p.Addr)
	}

	cmd := protocol.AppendCommand(protocol.AppendHeader(nil, protocol.TypeZCommand), "a message")
	s.Handle(protocol.InboundPacket{Addr: senderAddr, Conn: conn, Data: cmd})
	got := conn.to(moved)
	if len(got) != 1 || string(got[0]) != string(cmd) {
		t.Fatalf("rebroadcast to agent=%v", got)
	}
	if st := s.Dispatcher().Stats(); st.CommandPackets != 1 {
		t.Fatalf("dispatcher stats=%+v", st)
	}

	s.Handle(protocol.InboundPacket{Addr: senderAddr, Conn: conn, Data: []byte{'S'}})
	if s.rejected.Load() != 1 {
		t.Fatalf("truncated header should be rejected")
	}
	s.Handle(protocol.InboundPacket{Addr: senderAddr, Conn: conn, Data: protocol.AppendHeader(nil, protocol.TypeVoxelJurisdiction)})
	if s.ignored.Load() != 1 {
		t.Fatalf("jurisdiction announcements from others are ignored")
	}
}

func TestServer_EnforcesJurisdiction(t *testing.T) {
	cfg := testConfig(t)
	cfg.Persist.Enabled = false
	cfg.Jurisdiction.Root = "1"
	cfg.Jurisdiction.EndNodes = []string{"17"}
	cfg.Dispatch.EnforceJurisdiction = true
	s := newServer(t, cfg)
	defer s.closeResources()

	s.Handle(protocol.InboundPacket{Addr: udpAddr(50010), Data: setPacket(t, protocol.TypeSetVoxel,
		encoding.Record{Path: octree.Path{1, 2}, Color: octree.Color{R: 1}},
		encoding.Record{Path: octree.Path{2}, Color: octree.Color{R: 2}},
		encoding.Record{Path: octree.Path{1, 7, 1}, Color: octree.Color{R: 3}},
	)})
	if !s.Tree().Lookup(octree.Path{1, 2}).Exact {
		t.Fatalf("record within jurisdiction should apply")
	}
	if s.Tree().Lookup(octree.Path{2}).Exact || s.Tree().Lookup(octree.Path{1, 7, 1}).Exact {
		t.Fatalf("records outside jurisdiction should be skipped")
	}
	if st := s.Dispatcher().Stats(); st.OutOfRegion != 2 {
		t.Fatalf("out of region=%d", st.OutOfRegion)
	}
}

func TestServer_MissedCheckInsStop(t *testing.T) {
	cfg := testConfig(t)
	cfg.Persist.Enabled = false
	cfg.Peers.CheckInInterval = config.Duration(20 * time.Millisecond)
	cfg.Peers.MaxMissedCheckIns = 2
	s := newServer(t, cfg, WithCheckIn(func(context.Context) error { return errors.New("registry down") }))

	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background()) }()
	select {
	case err := <-done:
		if !errors.Is(err, ErrCheckInsMissed) {
			t.Fatalf("Run err=%v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatalf("Run kept going after missed check-ins")
	}
}

func TestServer_SaveArchivesAndIndexes(t *testing.T) {
	cfg := testConfig(t)
	dir := t.TempDir()
	cfg.Persist.ArchiveDir = filepath.Join(dir, "archives")
	cfg.Persist.IndexDB = filepath.Join(dir, "index.sqlite")
	cfg.Dispatch.AuditDir = filepath.Join(dir, "audit")
	s := newServer(t, cfg)

	s.Handle(protocol.InboundPacket{Addr: udpAddr(50020), Data: setPacket(t, protocol.TypeSetVoxel,
		encoding.Record{Path: octree.Path{4, 4}, Color: octree.Color{G: 4}})})
	if wrote, err := s.Persister().Save(false); err != nil || !wrote {
		t.Fatalf("Save: wrote=%v err=%v", wrote, err)
	}
	list, err := s.archiver.List()
	if err != nil || len(list) != 1 {
		t.Fatalf("archives=%v err=%v", list, err)
	}
	if err := s.closeResources(); err != nil {
		t.Fatalf("close: %v", err)
	}

	rows, err := indexdb.ReadSaves(context.Background(), cfg.Persist.IndexDB, 5)
	if err != nil || len(rows) != 1 || rows[0].Records != 1 {
		t.Fatalf("index rows=%+v err=%v", rows, err)
	}
	audits, _ := filepath.Glob(filepath.Join(cfg.Dispatch.AuditDir, "audit-*.jsonl.zst"))
	if len(audits) != 1 {
		t.Fatalf("audit files=%v", audits)
	}
}

func TestServer_HTTP(t *testing.T) {
	cfg := testConfig(t)
	cfg.Persist.Enabled = false
	s := newServer(t, cfg)
	defer s.closeResources()
	_ = s.Tree().Set(octree.Path{5}, octree.Color{B: 5})

	srv := httptest.NewServer(s.HTTPHandler())
	defer srv.Close()

	get := func(path string) string {
		resp, err := http.Get(srv.URL + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		defer resp.Body.Close()
		b, _ := io.ReadAll(resp.Body)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("GET %s: status %d", path, resp.StatusCode)
		}
		return string(b)
	}

	if body := get("/healthz"); body != "ok" {
		t.Fatalf("healthz=%q", body)
	}
	if body := get("/metrics"); !strings.Contains(body, "voxelshard_tree_nodes 2") {
		t.Fatalf("metrics missing tree nodes:\n%s", body)
	}
	var rep treeReport
	if err := json.Unmarshal([]byte(get("/debug/tree")), &rep); err != nil {
		t.Fatalf("debug/tree: %v", err)
	}
	if rep.Tree.Nodes != 2 || rep.Jurisdiction != "everything" {
		t.Fatalf("report=%+v", rep)
	}
}

func TestServer_RunClosesWebSocketsBeforeFinalSave(t *testing.T) {
	cfg := testConfig(t)
	cfg.Listen.HTTP = "127.0.0.1:0"
	s := newServer(t, cfg, WithPprof())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	base := "http://" + s.HTTPAddr().String()
	resp, err := http.Get(base + "/debug/pprof/")
	if err != nil {
		t.Fatalf("GET pprof: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("pprof status %d", resp.StatusCode)
	}

	c, _, err := websocket.DefaultDialer.Dial("ws://"+s.HTTPAddr().String()+cfg.Listen.WSPath, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()
	pkt := setPacket(t, protocol.TypeSetVoxel, encoding.Record{Path: octree.Path{7, 0, 7}, Color: octree.Color{R: 1, G: 2, B: 3}})
	if err := c.WriteMessage(websocket.BinaryMessage, pkt); err != nil {
		t.Fatalf("write: %v", err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for !s.Tree().Lookup(octree.Path{7, 0, 7}).Exact {
		if time.Now().After(deadline) {
			t.Fatalf("voxel never applied")
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatalf("Run did not return")
	}

	if n := s.ws.Open(); n != 0 {
		t.Fatalf("open websocket connections after Run: %d", n)
	}
	_ = c.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, _, err := c.ReadMessage(); err == nil {
		t.Fatalf("connection still readable after Run")
	}
	if _, err := http.Get(base + "/healthz"); err == nil {
		t.Fatalf("http still serving after Run")
	}

	reloaded := octree.New()
	p := snapshot.NewPersister(reloaded, cfg.Persist.File, zaptest.NewLogger(t).Sugar())
	if res, err := p.Load(); err != nil || res.Records != 1 {
		t.Fatalf("reload: res=%+v err=%v", res, err)
	}
}
