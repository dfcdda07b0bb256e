// Package ws bridges WebSocket clients onto the packet pipeline. Every binary message is one
// packet; replies and broadcasts go back as binary messages on the same connection.
package ws

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"voxelshard.ai/internal/protocol"
)

const (
	writeWait  = 5 * time.Second
	readWait   = 60 * time.Second
	pingPeriod = readWait * 9 / 10
	outQueue   = 64
)

// ErrSlowConsumer is returned by Send when the connection's outbound queue is full.
var ErrSlowConsumer = errors.New("ws: outbound queue full")

// Addr identifies one WebSocket connection. Two connections from the same remote endpoint
// get different addresses.
type Addr struct {
	Remote string
	ID     uint64
}

func (a Addr) Network() string { return "ws" }
func (a Addr) String() string  { return fmt.Sprintf("%s#%d", a.Remote, a.ID) }

type Handler func(pkt protocol.InboundPacket)

type Server struct {
	handle  Handler
	onClose func(addr net.Addr)
	log     *zap.SugaredLogger

	upgrader websocket.Upgrader
	nextID   atomic.Uint64
	open     atomic.Int64
	dropped  atomic.Uint64

	mu      sync.Mutex
	closing bool
	conns   map[*conn]context.CancelFunc
	wg      sync.WaitGroup
}

// NewServer returns a bridge feeding handle. onClose, when set, runs after a connection ends.
func NewServer(handle Handler, onClose func(net.Addr), logger *zap.SugaredLogger) *Server {
	return &Server{
		handle:  handle,
		onClose: onClose,
		log:     logger,
		conns:   map[*conn]context.CancelFunc{},
		upgrader: websocket.Upgrader{
			ReadBufferSize:  protocol.MaxPacketSize,
			WriteBufferSize: protocol.MaxPacketSize,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// Open is the number of live connections.
func (s *Server) Open() int64 { return s.open.Load() }

// Dropped counts outbound messages discarded for slow consumers.
func (s *Server) Dropped() uint64 { return s.dropped.Load() }

type conn struct {
	s    *Server
	ws   *websocket.Conn
	addr Addr
	out  chan []byte

	mu     sync.Mutex
	closed bool
}

// Send queues b for the connection; addr is ignored since a conn has a single peer.
func (c *conn) Send(_ net.Addr, b []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return net.ErrClosed
	}
	msg := append([]byte(nil), b...)
	select {
	case c.out <- msg:
		return nil
	default:
		c.s.dropped.Add(1)
		return ErrSlowConsumer
	}
}

func (c *conn) shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.out)
	}
}

func (s *Server) Handler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		wsConn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			s.log.Debugw("upgrade failed", "remote", r.RemoteAddr, "error", err)
			return
		}
		c := &conn{
			s:    s,
			ws:   wsConn,
			addr: Addr{Remote: r.RemoteAddr, ID: s.nextID.Add(1)},
			out:  make(chan []byte, outQueue),
		}
		// Hijacked connections outlive http.Server.Shutdown, so Close cancels them itself.
		ctx, cancel := context.WithCancel(context.Background())
		s.mu.Lock()
		if s.closing {
			s.mu.Unlock()
			cancel()
			_ = wsConn.Close()
			return
		}
		s.conns[c] = cancel
		s.wg.Add(1)
		s.mu.Unlock()
		defer s.wg.Done()

		s.open.Add(1)
		s.log.Infow("ws peer connected", "addr", c.addr.String())

		stopRead := context.AfterFunc(ctx, func() { _ = wsConn.SetReadDeadline(time.Now()) })
		defer stopRead()
		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.writeLoop(ctx, cancel)
		}()

		c.readLoop(ctx)

		cancel()
		c.shutdown()
		wg.Wait()
		_ = wsConn.Close()
		s.mu.Lock()
		delete(s.conns, c)
		s.mu.Unlock()
		s.open.Add(-1)
		if s.onClose != nil {
			s.onClose(c.addr)
		}
		s.log.Infow("ws peer disconnected", "addr", c.addr.String())
	}
}

// Close refuses new connections, disconnects every open one and waits until their handlers
// have returned, so no packet is handled after Close. It gives up when ctx is done.
func (s *Server) Close(ctx context.Context) error {
	s.mu.Lock()
	s.closing = true
	for _, cancel := range s.conns {
		cancel()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "ws: connections still open")
	}
}

func (c *conn) readLoop(ctx context.Context) {
	c.ws.SetReadLimit(protocol.MaxPacketSize * 4)
	_ = c.ws.SetReadDeadline(time.Now().Add(readWait))
	c.ws.SetPongHandler(func(string) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		return c.ws.SetReadDeadline(time.Now().Add(readWait))
	})
	for ctx.Err() == nil {
		typ, msg, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(readWait))
		if typ != websocket.BinaryMessage {
			continue
		}
		c.s.handle(protocol.InboundPacket{Addr: c.addr, Data: msg, Conn: c, Received: time.Now()})
	}
}

func (c *conn) writeLoop(ctx context.Context, cancel context.CancelFunc) {
	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()
	for {
		select {
		case <-ctx.Done():
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			return
		case b, ok := <-c.out:
			if !ok {
				return
			}
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.BinaryMessage, b); err != nil {
				cancel()
				return
			}
		case <-ping.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				cancel()
				return
			}
		}
	}
}
