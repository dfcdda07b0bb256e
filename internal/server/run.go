package server

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-co-op/gocron/v2"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
)

// Run serves until ctx is cancelled or too many registry check-ins are missed. On the way
// out it closes the WebSocket connections, shuts HTTP down, drains the dispatch queue,
// stops the jobs, writes a final save and closes every resource. The returned error is
// nil for a plain cancellation.
func (s *Server) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	sched, err := gocron.NewScheduler(gocron.WithStopTimeout(s.cfg.Shutdown.Grace.D()))
	if err != nil {
		return multierr.Append(errors.Wrap(err, "scheduler"), s.closeResources())
	}
	if err := s.scheduleJobs(sched, cancel); err != nil {
		_ = sched.Shutdown()
		return multierr.Append(err, s.closeResources())
	}

	// The queue outlives the transports so packets they already accepted are applied.
	qctx, stopQueue := context.WithCancel(context.Background())
	defer stopQueue()
	queueDone := make(chan error, 1)
	if s.queue != nil {
		go func() { queueDone <- s.queue.Run(qctx) }()
	} else {
		queueDone <- nil
	}

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error { return s.udp.Serve(gctx, s.Handle) })
	var hs *http.Server
	if s.httpLn != nil {
		hs = &http.Server{Handler: s.HTTPHandler(), ReadHeaderTimeout: 5 * time.Second}
		g.Go(func() error {
			if err := hs.Serve(s.httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return errors.Wrap(err, "http serve")
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		return s.stopHTTP(hs)
	})
	sched.Start()
	s.log.Infow("serving", "udp", s.udp.LocalAddr().String(), "http", s.cfg.Listen.HTTP)

	// Announce right away so agents do not wait a full interval.
	s.advertiser.Broadcast()

	runErr := g.Wait()
	if cause := context.Cause(runCtx); runErr == nil && errors.Is(cause, ErrCheckInsMissed) {
		runErr = cause
	}

	s.log.Infow("shutting down")
	stopQueue()
	runErr = multierr.Append(runErr, <-queueDone)
	if err := sched.Shutdown(); err != nil {
		s.log.Warnw("scheduler shutdown", "error", err)
	}
	if s.persister != nil {
		if _, err := s.persister.Save(false); err != nil {
			s.log.Errorw("final save failed", "error", err)
			runErr = multierr.Append(runErr, err)
		}
	}
	return multierr.Append(runErr, s.closeResources())
}

// stopHTTP disconnects WebSocket clients and then shuts the HTTP server down, each within
// the grace period. hs is nil when no HTTP listener is bound.
func (s *Server) stopHTTP(hs *http.Server) error {
	ctx, done := context.WithTimeout(context.Background(), s.cfg.Shutdown.Grace.D())
	defer done()
	if err := s.ws.Close(ctx); err != nil {
		s.log.Warnw("websocket close", "error", err)
	}
	if hs == nil {
		return nil
	}
	if err := hs.Shutdown(ctx); err != nil {
		s.log.Warnw("http shutdown", "error", err)
		return multierr.Append(errors.Wrap(err, "http shutdown"), hs.Close())
	}
	return nil
}

func (s *Server) scheduleJobs(sched gocron.Scheduler, cancel context.CancelCauseFunc) error {
	add := func(name string, every time.Duration, fn func()) error {
		if every <= 0 {
			return nil
		}
		_, err := sched.NewJob(
			gocron.DurationJob(every),
			gocron.NewTask(fn),
			gocron.WithName(name),
			gocron.WithSingletonMode(gocron.LimitModeReschedule),
		)
		return errors.Wrapf(err, "job %s", name)
	}

	if s.persister != nil {
		if err := add("persist", s.cfg.Persist.Interval.D(), s.persister.Tick); err != nil {
			return err
		}
	}
	if err := add("jurisdiction", s.cfg.Jurisdiction.BroadcastInterval.D(), func() { s.advertiser.Broadcast() }); err != nil {
		return err
	}
	if s.checkIn != nil {
		if err := add("check-in", s.cfg.Peers.CheckInInterval.D(), func() { s.checkInOnce(cancel) }); err != nil {
			return err
		}
	}
	if err := add("prune-peers", s.cfg.Peers.SilentTimeout.D()/2, s.prunePeers); err != nil {
		return err
	}
	return add("stats", s.cfg.Stats.Interval.D(), s.logStats)
}

// checkInOnce reports to the registry and stops the server after MaxMissedCheckIns
// consecutive failures.
func (s *Server) checkInOnce(cancel context.CancelCauseFunc) {
	timeout := s.cfg.Peers.CheckInInterval.D()
	ctx, done := context.WithTimeout(context.Background(), timeout)
	defer done()
	if err := s.peers.CheckIn(ctx); err != nil {
		n := s.missed.Add(1)
		s.log.Warnw("registry check-in failed", "missed", n, "error", err)
		if limit := s.cfg.Peers.MaxMissedCheckIns; limit > 0 && int(n) >= limit {
			s.log.Errorw("registry silent, stopping", "missed", n)
			cancel(ErrCheckInsMissed)
		}
		return
	}
	s.missed.Store(0)
}

func (s *Server) prunePeers() {
	for _, p := range s.peers.PruneSilent() {
		s.log.Infow("peer silent, removed", "id", p.ID, "addr", p.Addr, "last_heard", p.LastHeard)
	}
}

// forget drops a peer whose WebSocket connection closed.
func (s *Server) forget(addr net.Addr) {
	if p, ok := s.peers.PeerByAddr(addr); ok {
		s.peers.Remove(p.ID)
	}
}

func (s *Server) logStats() {
	st := s.tree.Stats()
	ds := s.dispatcher.Stats()
	s.log.Infow("stats",
		"uptime", time.Since(s.started).Round(time.Second),
		"nodes", humanize.Comma(int64(st.Nodes)),
		"colored", humanize.Comma(int64(st.Colored)),
		"memory", humanize.Bytes(uint64(st.MemoryBytes())),
		"children", st.ChildPopulation,
		"peers", s.peers.Len(),
		"applied", ds.RecordsApplied,
		"dropped", ds.Dropped,
	)
}
