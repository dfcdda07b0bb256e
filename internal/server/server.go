// Package server assembles the voxel server: tree, dispatcher, jurisdiction advertiser,
// persistence and transports, driven by one Run loop.
package server

import (
	"context"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"voxelshard.ai/internal/config"
	"voxelshard.ai/internal/dispatch"
	"voxelshard.ai/internal/jurisdiction"
	"voxelshard.ai/internal/metrics"
	"voxelshard.ai/internal/octree"
	"voxelshard.ai/internal/peers"
	"voxelshard.ai/internal/persistence/archive"
	"voxelshard.ai/internal/persistence/indexdb"
	plog "voxelshard.ai/internal/persistence/log"
	"voxelshard.ai/internal/persistence/r2s3"
	"voxelshard.ai/internal/persistence/snapshot"
	"voxelshard.ai/internal/protocol"
	"voxelshard.ai/internal/transport/udp"
	"voxelshard.ai/internal/transport/ws"
)

// ErrCheckInsMissed ends Run when the registry stopped answering.
var ErrCheckInsMissed = errors.New("server: too many missed registry check-ins")

// ViewerHandler receives VOXEL_QUERY packets from known peers. Rendering views is outside
// this server; the default handler only counts queries.
type ViewerHandler interface {
	HandleQuery(peer peers.Peer, pkt protocol.InboundPacket) error
}

type nopViewer struct{}

func (nopViewer) HandleQuery(peers.Peer, protocol.InboundPacket) error { return nil }

type Option func(*Server)

func WithViewer(v ViewerHandler) Option { return func(s *Server) { s.viewer = v } }

// WithMirror uploads every archive through m. The server closes it on shutdown.
func WithMirror(m *r2s3.Mirror) Option { return func(s *Server) { s.mirror = m } }

// WithPprof mounts the net/http/pprof handlers on the HTTP listener.
func WithPprof() Option { return func(s *Server) { s.pprof = true } }

// WithCheckIn replaces the HTTP registry check-in.
func WithCheckIn(fn func(ctx context.Context) error) Option {
	return func(s *Server) { s.checkIn = fn }
}

type Server struct {
	cfg config.Config
	log *zap.SugaredLogger
	id  uuid.UUID

	tree       *octree.Tree
	peers      *peers.Table
	region     *jurisdiction.Map
	advertiser *jurisdiction.Advertiser
	dispatcher *dispatch.Dispatcher
	queue      *dispatch.Queue

	persister *snapshot.Persister
	archiver  *archive.Archiver
	index     *indexdb.SQLiteIndex
	audit     *plog.AuditLogger
	mirror    *r2s3.Mirror

	metrics *metrics.Metrics
	udp     *udp.Conn
	ws      *ws.Server
	httpLn  net.Listener
	pprof   bool
	viewer  ViewerHandler
	checkIn func(ctx context.Context) error

	started  time.Time
	missed   atomic.Int32
	queries  atomic.Uint64
	ignored  atomic.Uint64
	rejected atomic.Uint64
}

// New builds the server and binds its UDP socket. The persist file (and input file) are
// loaded before New returns.
func New(cfg config.Config, logger *zap.SugaredLogger, opts ...Option) (*Server, error) {
	s := &Server{cfg: cfg, log: logger, id: uuid.New(), viewer: nopViewer{}, started: time.Now()}
	for _, o := range opts {
		o(s)
	}

	region, err := cfg.JurisdictionMap()
	if err != nil {
		if cfg.Jurisdiction.Required {
			return nil, errors.Wrap(err, "jurisdiction")
		}
		logger.Warnw("jurisdiction unavailable, serving the whole tree", "error", err)
		region = jurisdiction.Everything()
	}
	s.region = region

	s.tree = octree.New(
		octree.WithMaxDepth(cfg.Tree.MaxDepth),
		octree.WithCollapseOnEmpty(cfg.Tree.CollapseOnEmpty),
	)

	if s.checkIn == nil && cfg.Peers.CheckInURL != "" {
		s.checkIn = peers.HTTPCheckIn(cfg.Peers.CheckInURL, nil)
	}
	s.peers = peers.NewTable(peers.TableOptions{
		Learn:         cfg.Peers.Learn,
		LearnRole:     peers.RoleAgent,
		SilentTimeout: cfg.Peers.SilentTimeout.D(),
		CheckIn:       s.checkIn,
	}, logger.Named("peers"))

	if s.udp, err = udp.Listen(cfg.Listen.UDP, logger.Named("udp")); err != nil {
		return nil, err
	}
	if err := s.addStaticPeers(); err != nil {
		_ = s.udp.Close()
		return nil, err
	}
	if s.advertiser, err = jurisdiction.NewAdvertiser(region, s.peers, logger.Named("jurisdiction")); err != nil {
		_ = s.udp.Close()
		return nil, err
	}

	if addr := cfg.Listen.HTTP; addr != "" {
		if s.httpLn, err = net.Listen("tcp", addr); err != nil {
			_ = s.udp.Close()
			return nil, errors.Wrap(err, "http listen")
		}
	}

	if err := s.openPersistence(); err != nil {
		_ = s.closeResources()
		return nil, err
	}

	dopts := dispatch.Options{RebroadcastCommands: cfg.Dispatch.RebroadcastCommands}
	if cfg.Dispatch.EnforceJurisdiction {
		dopts.Region = region
	}
	var sinks plog.Tee
	if s.audit != nil {
		sinks = append(sinks, s.audit)
	}
	if s.index != nil {
		sinks = append(sinks, s.index)
	}
	if len(sinks) > 0 {
		dopts.Audit = sinks
	}
	s.dispatcher = dispatch.New(s.tree, s.peers, dopts, logger.Named("dispatch"))
	if cfg.Dispatch.Mode == config.ModeQueued {
		s.queue = dispatch.NewQueue(s.dispatcher, cfg.Dispatch.QueueSize, cfg.Shutdown.Grace.D(), logger.Named("dispatch"))
	}

	s.ws = ws.NewServer(s.Handle, s.forget, logger.Named("ws"))
	s.metrics = metrics.New(s.metricSources())

	s.loadTree()

	logger.Infow("server ready",
		"id", s.id,
		"udp", s.udp.LocalAddr().String(),
		"jurisdiction", region.String(),
		"dispatch", cfg.Dispatch.Mode,
		"persist", cfg.Persist.Enabled,
	)
	return s, nil
}

func (s *Server) addStaticPeers() error {
	for i, sp := range s.cfg.Peers.Static {
		addr, err := net.ResolveUDPAddr("udp", sp.Addr)
		if err != nil {
			return errors.Wrapf(err, "peers.static[%d]", i)
		}
		p := peers.Peer{Addr: addr, Role: peers.Role(sp.Role), Conn: s.udp, LastHeard: time.Now()}
		if sp.ID != "" {
			p.ID = uuid.MustParse(sp.ID)
		}
		p = s.peers.AddStatic(p)
		s.log.Infow("static peer", "id", p.ID, "addr", addr.String(), "role", p.Role)
	}
	return nil
}

func (s *Server) openPersistence() error {
	cfg := s.cfg.Persist
	if cfg.Enabled {
		s.persister = snapshot.NewPersister(s.tree, cfg.File, s.log.Named("persist"))
		if cfg.ArchiveDir != "" {
			s.archiver = archive.New(cfg.ArchiveDir, cfg.ArchiveKeep, s.log.Named("archive"))
		}
	}
	if cfg.IndexDB != "" {
		idx, err := indexdb.OpenSQLite(cfg.IndexDB)
		if err != nil {
			return errors.Wrap(err, "open index db")
		}
		s.index = idx
	}
	if s.cfg.Dispatch.AuditDir != "" {
		s.audit = plog.NewAuditLogger(s.cfg.Dispatch.AuditDir)
	}
	if s.persister != nil {
		s.persister.OnSave(s.afterSave)
	}
	return nil
}

// afterSave runs on the persistence job after each written file.
func (s *Server) afterSave(res snapshot.SaveResult) {
	s.index.RecordSave(res)
	if s.archiver == nil {
		return
	}
	e, err := s.archiver.Archive(res)
	if err != nil {
		s.log.Warnw("archive failed", "path", res.Path, "error", err)
		return
	}
	s.index.RecordArchive(e)
	s.mirror.Enqueue(e.Path)
}

// loadTree reads the persist file, then merges the input file on top. Read failures are
// logged and the server starts with whatever was loaded.
func (s *Server) loadTree() {
	p := s.persister
	if p != nil {
		if _, err := p.Load(); err != nil {
			s.log.Errorw("persist file unreadable, starting empty", "error", err)
		}
	}
	in := s.cfg.Persist.InputFile
	if in == "" {
		return
	}
	if p == nil {
		p = snapshot.NewPersister(s.tree, in, s.log.Named("persist"))
	}
	if _, err := p.Merge(in); err != nil {
		s.log.Errorw("input file unreadable", "error", err)
	}
}

func (s *Server) metricSources() metrics.Sources {
	src := metrics.Sources{
		Tree:     s.tree.Stats,
		Dispatch: s.dispatcher.Stats,
		Peers:    s.peers.Len,
		Counters: map[string]func() uint64{
			"jurisdiction_replies":    s.advertiser.Replies,
			"jurisdiction_broadcasts": s.advertiser.Broadcasts,
			"voxel_queries":           s.queries.Load,
			"ignored_packets":         s.ignored.Load,
			"udp_packets_in":          func() uint64 { return s.udp.Stats().PacketsIn },
			"udp_packets_out":         func() uint64 { return s.udp.Stats().PacketsOut },
			"ws_dropped_messages":     s.ws.Dropped,
		},
	}
	if s.queue != nil {
		src.Queue = s.queue.Stats
	}
	if s.persister != nil {
		src.Persist = s.persister.Stats
	}
	if s.mirror != nil {
		src.Counters["mirror_uploads"] = func() uint64 { return s.mirror.Stats().UploadSuccessTotal }
		src.Counters["mirror_failures"] = func() uint64 { return s.mirror.Stats().UploadFailTotal }
	}
	if s.index != nil {
		src.Counters["index_dropped"] = func() uint64 {
			st := s.index.Stats()
			return st.DropAuditTotal + st.DropSaveTotal + st.DropArchiveTotal
		}
	}
	return src
}

func (s *Server) ID() uuid.UUID                        { return s.id }
func (s *Server) Tree() *octree.Tree                   { return s.tree }
func (s *Server) Peers() *peers.Table                  { return s.peers }
func (s *Server) Dispatcher() *dispatch.Dispatcher     { return s.dispatcher }
func (s *Server) Advertiser() *jurisdiction.Advertiser { return s.advertiser }
func (s *Server) Persister() *snapshot.Persister       { return s.persister }
func (s *Server) UDPAddr() net.Addr                    { return s.udp.LocalAddr() }
func (s *Server) Metrics() *metrics.Metrics            { return s.metrics }

// HTTPAddr is the bound HTTP address, or nil when HTTP is disabled.
func (s *Server) HTTPAddr() net.Addr {
	if s.httpLn == nil {
		return nil
	}
	return s.httpLn.Addr()
}

// HTTPHandler serves /healthz, /metrics, /debug/tree and the WebSocket bridge.
func (s *Server) HTTPHandler() http.Handler { return s.newMux() }

func (s *Server) closeResources() error {
	var err error
	if s.udp != nil {
		err = multierr.Append(err, s.udp.Close())
	}
	if s.httpLn != nil {
		// Already closed when Run served it.
		_ = s.httpLn.Close()
	}
	if s.audit != nil {
		err = multierr.Append(err, s.audit.Close())
	}
	if s.index != nil {
		err = multierr.Append(err, s.index.Close())
	}
	if s.mirror != nil {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Shutdown.Grace.D())
		s.mirror.Close(ctx)
		cancel()
	}
	return err
}
