package snapshot

import (
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"voxelshard.ai/internal/octree"
)

// SaveResult describes one completed save.
type SaveResult struct {
	Path       string
	At         time.Time
	Bytes      int
	Records    int
	Nodes      int
	Generation uint64
	Duration   time.Duration
}

// SaveHook runs after every successful save, on the saving goroutine.
type SaveHook func(SaveResult)

type Stats struct {
	Saves           uint64
	Failures        uint64
	Skipped         uint64
	LastSaveUnix    int64
	LastBytes       int64
	SavedGeneration uint64
}

// Persister owns the persist file of one tree.
type Persister struct {
	tree *octree.Tree
	path string
	log  *zap.SugaredLogger

	mu       sync.Mutex // serializes saves
	savedGen uint64
	hasSaved bool
	hooks    []SaveHook

	saves     atomic.Uint64
	failures  atomic.Uint64
	skipped   atomic.Uint64
	lastSave  atomic.Int64
	lastBytes atomic.Int64
}

func NewPersister(tree *octree.Tree, path string, logger *zap.SugaredLogger) *Persister {
	return &Persister{tree: tree, path: path, log: logger}
}

func (p *Persister) Path() string { return p.path }

// OnSave registers a hook. Hooks must be registered before saves start.
func (p *Persister) OnSave(h SaveHook) { p.hooks = append(p.hooks, h) }

// Load replaces the tree with the persist file. A missing or empty file leaves an empty tree
// and is not an error. Any other read failure is returned and the tree is left empty; the
// caller decides whether to continue without a snapshot. In both cases the empty tree counts
// as saved, so an unreadable file is only replaced once the tree has changed.
func (p *Persister) Load() (LoadResult, error) {
	data, err := ReadFile(p.path)
	if err != nil {
		p.tree.Reset()
		p.markSaved()
		if errors.Is(err, os.ErrNotExist) {
			p.log.Infow("no persist file, starting empty", "path", p.path)
			return LoadResult{}, nil
		}
		return LoadResult{}, errors.Wrapf(err, "load %s", p.path)
	}
	res := Apply(p.tree, data, true)
	p.markSaved()
	p.logLoad("loaded persist file", p.path, res)
	return res, nil
}

// Merge adds the records of another file to the tree without clearing it.
func (p *Persister) Merge(path string) (LoadResult, error) {
	data, err := ReadFile(path)
	if err != nil {
		return LoadResult{}, errors.Wrapf(err, "merge %s", path)
	}
	res := Apply(p.tree, data, false)
	p.logLoad("merged input file", path, res)
	return res, nil
}

func (p *Persister) logLoad(msg, path string, res LoadResult) {
	st := p.tree.Stats()
	fields := []any{
		"path", path,
		"bytes", humanize.Bytes(uint64(res.Bytes)),
		"records", res.Records,
		"nodes", st.Nodes,
	}
	if res.Skipped > 0 {
		fields = append(fields, "skipped", res.Skipped)
	}
	if res.Truncated {
		p.log.Warnw(msg+" (truncated tail ignored)", fields...)
		return
	}
	p.log.Infow(msg, fields...)
}

// markSaved records the current generation as already on disk.
func (p *Persister) markSaved() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.savedGen = p.tree.Generation()
	p.hasSaved = true
}

// Save writes the tree when it changed since the last save (or always, with force).
// It reports whether a file was written.
func (p *Persister) Save(force bool) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !force && p.hasSaved && p.tree.Generation() == p.savedGen {
		p.skipped.Add(1)
		return false, nil
	}

	start := time.Now()
	data, records, gen, err := Encode(p.tree)
	if err != nil {
		p.failures.Add(1)
		return false, errors.Wrap(err, "encode tree")
	}
	if err := WriteFile(p.path, data); err != nil {
		p.failures.Add(1)
		return false, errors.Wrapf(err, "write %s", p.path)
	}

	p.savedGen, p.hasSaved = gen, true
	res := SaveResult{
		Path:       p.path,
		At:         start,
		Bytes:      len(data),
		Records:    records,
		Nodes:      p.tree.Stats().Nodes,
		Generation: gen,
		Duration:   time.Since(start),
	}
	p.saves.Add(1)
	p.lastSave.Store(start.Unix())
	p.lastBytes.Store(int64(len(data)))
	p.log.Debugw("saved", "path", p.path, "bytes", humanize.Bytes(uint64(res.Bytes)), "records", records, "took", res.Duration)

	for _, h := range p.hooks {
		h(res)
	}
	return true, nil
}

// Tick is the scheduled job body: it saves if needed and logs failures instead of returning them.
func (p *Persister) Tick() {
	if _, err := p.Save(false); err != nil {
		p.log.Errorw("persist failed, will retry next interval", "error", err)
	}
}

func (p *Persister) Stats() Stats {
	p.mu.Lock()
	gen := p.savedGen
	p.mu.Unlock()
	return Stats{
		Saves:           p.saves.Load(),
		Failures:        p.failures.Load(),
		Skipped:         p.skipped.Load(),
		LastSaveUnix:    p.lastSave.Load(),
		LastBytes:       p.lastBytes.Load(),
		SavedGeneration: gen,
	}
}
