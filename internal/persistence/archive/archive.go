// Package archive keeps compressed copies of saved snapshots.
package archive

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"voxelshard.ai/internal/persistence/snapshot"
)

const (
	fileSuffix = ".svo.zst"
	metaSuffix = ".meta.json"
)

type Meta struct {
	Snapshot   string `json:"snapshot"`
	Source     string `json:"source"`
	CreatedAt  string `json:"created_at"`
	Generation uint64 `json:"generation"`
	Records    int    `json:"records"`
	Nodes      int    `json:"nodes"`
	RawBytes   int    `json:"raw_bytes"`
	ZstdBytes  int    `json:"zstd_bytes"`
}

// Entry is one archived snapshot.
type Entry struct {
	Path string
	Meta Meta
}

// Archiver writes `<dir>/<unix_nano>.svo.zst` next to a `.meta.json` file and removes the
// oldest archives beyond Keep. Keep <= 0 keeps everything.
type Archiver struct {
	Dir  string
	Keep int

	log *zap.SugaredLogger
	now func() time.Time
}

func New(dir string, keep int, logger *zap.SugaredLogger) *Archiver {
	return &Archiver{Dir: dir, Keep: keep, log: logger, now: time.Now}
}

// Archive compresses the file described by res into the archive directory.
func (a *Archiver) Archive(res snapshot.SaveResult) (Entry, error) {
	raw, err := snapshot.ReadFile(res.Path)
	if err != nil {
		return Entry{}, err
	}
	if err := os.MkdirAll(a.Dir, 0o755); err != nil {
		return Entry{}, err
	}

	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return Entry{}, err
	}
	compressed := enc.EncodeAll(raw, nil)
	_ = enc.Close()

	at := a.now().UTC()
	name := fmt.Sprintf("%d%s", at.UnixNano(), fileSuffix)
	dst := filepath.Join(a.Dir, name)
	if err := snapshot.ReplaceFile(dst, compressed); err != nil {
		return Entry{}, errors.Wrapf(err, "archive %s", dst)
	}

	meta := Meta{
		Snapshot:   name,
		Source:     filepath.Base(res.Path),
		CreatedAt:  at.Format(time.RFC3339Nano),
		Generation: res.Generation,
		Records:    res.Records,
		Nodes:      res.Nodes,
		RawBytes:   len(raw),
		ZstdBytes:  len(compressed),
	}
	if b, err := json.MarshalIndent(meta, "", "  "); err == nil {
		_ = os.WriteFile(strings.TrimSuffix(dst, fileSuffix)+metaSuffix, b, 0o644)
	}

	if err := a.prune(); err != nil {
		a.log.Warnw("archive prune failed", "dir", a.Dir, "error", err)
	}
	return Entry{Path: dst, Meta: meta}, nil
}

// List returns archived snapshot paths, oldest first.
func (a *Archiver) List() ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(a.Dir, "*"+fileSuffix))
	if err != nil {
		return nil, err
	}
	// Names are fixed-width unix nanos for the foreseeable future, so lexical order is time order.
	sort.Strings(matches)
	return matches, nil
}

func (a *Archiver) prune() error {
	if a.Keep <= 0 {
		return nil
	}
	all, err := a.List()
	if err != nil {
		return err
	}
	for len(all) > a.Keep {
		old := all[0]
		all = all[1:]
		if err := os.Remove(old); err != nil && !os.IsNotExist(err) {
			return err
		}
		_ = os.Remove(strings.TrimSuffix(old, fileSuffix) + metaSuffix)
		a.log.Debugw("archive removed", "path", old)
	}
	return nil
}

// ReadMeta loads the sidecar metadata of an archived snapshot.
func ReadMeta(archivePath string) (Meta, error) {
	var m Meta
	b, err := os.ReadFile(strings.TrimSuffix(archivePath, fileSuffix) + metaSuffix)
	if err != nil {
		return m, err
	}
	err = json.Unmarshal(b, &m)
	return m, err
}
