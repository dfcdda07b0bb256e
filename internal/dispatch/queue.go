package dispatch

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"voxelshard.ai/internal/protocol"
)

// Queue hands packets to a single worker through a bounded channel. With one consumer,
// packets from the same sender are applied in the order they were enqueued.
type Queue struct {
	d     *Dispatcher
	ch    chan protocol.InboundPacket
	grace time.Duration
	log   *zap.SugaredLogger

	enqueued atomic.Uint64
	dropped  atomic.Uint64
}

type QueueStats struct {
	Depth    int
	Capacity int
	Enqueued uint64
	Dropped  uint64
}

func NewQueue(d *Dispatcher, capacity int, grace time.Duration, logger *zap.SugaredLogger) *Queue {
	if capacity <= 0 {
		capacity = 1024
	}
	return &Queue{
		d:     d,
		ch:    make(chan protocol.InboundPacket, capacity),
		grace: grace,
		log:   logger,
	}
}

// Enqueue never blocks. It reports false when the queue is full and the packet was dropped.
func (q *Queue) Enqueue(pkt protocol.InboundPacket) bool {
	select {
	case q.ch <- pkt:
		q.enqueued.Add(1)
		return true
	default:
		n := q.dropped.Add(1)
		q.log.Debugw("dispatch queue full, packet dropped", "sender", addrString(pkt.Addr), "type", pkt.Type().String(), "dropped_total", n)
		return false
	}
}

// Run processes packets until ctx is done, then keeps draining what is buffered for at most
// the grace period.
func (q *Queue) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			q.drain()
			return nil
		case pkt := <-q.ch:
			_ = q.d.Handle(pkt)
		}
	}
}

func (q *Queue) drain() {
	deadline := time.Now().Add(q.grace)
	for n := 0; ; n++ {
		if time.Now().After(deadline) {
			if left := len(q.ch); left > 0 {
				q.log.Warnw("dispatch queue abandoned at shutdown", "handled", n, "left", left)
			}
			return
		}
		select {
		case pkt := <-q.ch:
			_ = q.d.Handle(pkt)
		default:
			return
		}
	}
}

func (q *Queue) Stats() QueueStats {
	return QueueStats{
		Depth:    len(q.ch),
		Capacity: cap(q.ch),
		Enqueued: q.enqueued.Load(),
		Dropped:  q.dropped.Load(),
	}
}
