package r2s3

import (
	"context"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Uploader is the part of Client the mirror uses.
type Uploader interface {
	PutFile(ctx context.Context, objectKey, localPath string) error
}

type Stats struct {
	QueueDepth         int
	QueueCapacity      int
	EnqueuedTotal      uint64
	DroppedTotal       uint64
	UploadSuccessTotal uint64
	UploadFailTotal    uint64
	LastSuccessUnix    int64
	LastErrorUnix      int64
}

type MirrorOptions struct {
	Prefix      string
	Workers     int
	Queue       int
	MaxAttempts int
	// Backoff is multiplied by attempt squared between retries.
	Backoff time.Duration
}

// Mirror uploads files from a bounded queue on a few worker goroutines. Enqueue never blocks;
// files that do not fit are dropped and counted.
type Mirror struct {
	up   Uploader
	opts MirrorOptions
	log  *zap.SugaredLogger

	jobs   chan string
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once

	enqueued    atomic.Uint64
	dropped     atomic.Uint64
	success     atomic.Uint64
	fail        atomic.Uint64
	lastSuccess atomic.Int64
	lastError   atomic.Int64
}

func NewMirror(up Uploader, opts MirrorOptions, logger *zap.SugaredLogger) *Mirror {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.Queue <= 0 {
		opts.Queue = 64
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 4
	}
	if opts.Backoff <= 0 {
		opts.Backoff = 200 * time.Millisecond
	}
	opts.Prefix = strings.Trim(strings.ReplaceAll(opts.Prefix, "\\", "/"), "/")

	ctx, cancel := context.WithCancel(context.Background())
	m := &Mirror{
		up:     up,
		opts:   opts,
		log:    logger,
		jobs:   make(chan string, opts.Queue),
		ctx:    ctx,
		cancel: cancel,
	}
	for i := 0; i < opts.Workers; i++ {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			for p := range m.jobs {
				m.uploadOne(p)
			}
		}()
	}
	return m
}

func (m *Mirror) Enqueue(localPath string) {
	if m == nil || localPath == "" {
		return
	}
	m.enqueued.Add(1)
	select {
	case m.jobs <- localPath:
	default:
		n := m.dropped.Add(1)
		m.log.Warnw("mirror queue full, dropping", "path", localPath, "dropped_total", n)
	}
}

// Close stops accepting work and waits for queued uploads. Retries still sleeping when ctx
// ends are abandoned.
func (m *Mirror) Close(ctx context.Context) {
	if m == nil {
		return
	}
	m.once.Do(func() { close(m.jobs) })
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		m.cancel()
		<-done
	}
	m.cancel()
}

func (m *Mirror) Stats() Stats {
	if m == nil {
		return Stats{}
	}
	return Stats{
		QueueDepth:         len(m.jobs),
		QueueCapacity:      cap(m.jobs),
		EnqueuedTotal:      m.enqueued.Load(),
		DroppedTotal:       m.dropped.Load(),
		UploadSuccessTotal: m.success.Load(),
		UploadFailTotal:    m.fail.Load(),
		LastSuccessUnix:    m.lastSuccess.Load(),
		LastErrorUnix:      m.lastError.Load(),
	}
}

// ObjectKey is the prefix joined with the file name.
func (m *Mirror) ObjectKey(localPath string) string {
	name := filepath.Base(localPath)
	if m.opts.Prefix == "" {
		return name
	}
	return path.Join(m.opts.Prefix, name)
}

func (m *Mirror) uploadOne(localPath string) {
	key := m.ObjectKey(localPath)
	var err error
	for attempt := 1; attempt <= m.opts.MaxAttempts; attempt++ {
		ctx, cancel := context.WithTimeout(m.ctx, 2*time.Minute)
		err = m.up.PutFile(ctx, key, localPath)
		cancel()
		if err == nil {
			break
		}
		if attempt == m.opts.MaxAttempts {
			break
		}
		select {
		case <-time.After(time.Duration(attempt*attempt) * m.opts.Backoff):
		case <-m.ctx.Done():
			attempt = m.opts.MaxAttempts
		}
	}
	now := time.Now().Unix()
	if err != nil {
		m.fail.Add(1)
		m.lastError.Store(now)
		m.log.Warnw("mirror upload failed", "key", key, "path", localPath, "error", err)
		return
	}
	m.success.Add(1)
	m.lastSuccess.Store(now)
	m.log.Debugw("mirror uploaded", "key", key, "path", localPath)
}
