// Package udp is the datagram transport: one socket shared by the receive loop and every
// reply or broadcast.
package udp

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"voxelshard.ai/internal/protocol"
)

// readBufferSize covers the largest UDP payload; well-formed packets stay under MaxPacketSize.
const readBufferSize = 64 * 1024

// Handler receives each datagram. The packet's Data is owned by the handler.
type Handler func(pkt protocol.InboundPacket)

type Stats struct {
	PacketsIn  uint64
	BytesIn    uint64
	PacketsOut uint64
	BytesOut   uint64
	SendErrors uint64
	Oversized  uint64
}

type Conn struct {
	pc  *net.UDPConn
	log *zap.SugaredLogger

	closeOnce sync.Once

	packetsIn  atomic.Uint64
	bytesIn    atomic.Uint64
	packetsOut atomic.Uint64
	bytesOut   atomic.Uint64
	sendErrors atomic.Uint64
	oversized  atomic.Uint64
}

var _ protocol.Sender = (*Conn)(nil)

func Listen(addr string, logger *zap.SugaredLogger) (*Conn, error) {
	ua, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "resolve %s", addr)
	}
	pc, err := net.ListenUDP("udp", ua)
	if err != nil {
		return nil, errors.Wrapf(err, "listen %s", addr)
	}
	return &Conn{pc: pc, log: logger}, nil
}

func (c *Conn) LocalAddr() net.Addr { return c.pc.LocalAddr() }

// Send writes one datagram to addr.
func (c *Conn) Send(addr net.Addr, b []byte) error {
	ua, ok := addr.(*net.UDPAddr)
	if !ok {
		var err error
		if ua, err = net.ResolveUDPAddr("udp", addr.String()); err != nil {
			c.sendErrors.Add(1)
			return errors.Wrapf(err, "resolve %s", addr)
		}
	}
	if _, err := c.pc.WriteToUDP(b, ua); err != nil {
		c.sendErrors.Add(1)
		return err
	}
	c.packetsOut.Add(1)
	c.bytesOut.Add(uint64(len(b)))
	return nil
}

// Serve reads datagrams until ctx is done or the socket is closed. Each datagram is copied
// out of the read buffer before handle is called.
func (c *Conn) Serve(ctx context.Context, handle Handler) error {
	stop := context.AfterFunc(ctx, func() { _ = c.Close() })
	defer stop()

	buf := make([]byte, readBufferSize)
	for {
		n, from, err := c.pc.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return errors.Wrap(err, "udp read")
		}
		c.packetsIn.Add(1)
		c.bytesIn.Add(uint64(n))
		if n > protocol.MaxPacketSize {
			c.oversized.Add(1)
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		handle(protocol.InboundPacket{Addr: from, Data: data, Conn: c, Received: time.Now()})
	}
}

func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() { err = c.pc.Close() })
	return err
}

func (c *Conn) Stats() Stats {
	return Stats{
		PacketsIn:  c.packetsIn.Load(),
		BytesIn:    c.bytesIn.Load(),
		PacketsOut: c.packetsOut.Load(),
		BytesOut:   c.bytesOut.Load(),
		SendErrors: c.sendErrors.Load(),
		Oversized:  c.oversized.Load(),
	}
}
