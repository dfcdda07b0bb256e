// Package log writes the mutation audit trail as hourly zstd-compressed JSONL files.
package log

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"voxelshard.ai/internal/dispatch"
)

const hourLayout = "2006-01-02-15"

// JSONLZstdWriter appends JSON values, one per line, to `<dir>/<prefix>-<hour>.jsonl.zst`.
// A new file (and zstd frame) starts every UTC hour.
type JSONLZstdWriter struct {
	baseDir string
	prefix  string
	now     func() time.Time

	mu      sync.Mutex
	curHour string
	lines   uint64
	f       *os.File
	enc     *zstd.Encoder
	w       *bufio.Writer
}

func NewJSONLZstdWriter(baseDir, prefix string) *JSONLZstdWriter {
	return &JSONLZstdWriter{baseDir: baseDir, prefix: prefix, now: time.Now}
}

func (w *JSONLZstdWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closeLocked()
}

// Lines reports how many values were written since start.
func (w *JSONLZstdWriter) Lines() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lines
}

func (w *JSONLZstdWriter) Write(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	hour := w.now().UTC().Format(hourLayout)
	if hour != w.curHour || w.w == nil {
		if err := w.rotateLocked(hour); err != nil {
			return err
		}
	}
	if _, err := w.w.Write(b); err != nil {
		return err
	}
	if err := w.w.WriteByte('\n'); err != nil {
		return err
	}
	w.lines++
	return w.w.Flush()
}

func (w *JSONLZstdWriter) rotateLocked(hour string) error {
	if err := w.closeLocked(); err != nil {
		return err
	}
	path := w.pathForHour(hour)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		return multierr.Append(err, f.Close())
	}
	w.f, w.enc = f, enc
	w.w = bufio.NewWriterSize(enc, 64*1024)
	w.curHour = hour
	return nil
}

func (w *JSONLZstdWriter) closeLocked() error {
	var err error
	if w.w != nil {
		err = multierr.Append(err, w.w.Flush())
		w.w = nil
	}
	if w.enc != nil {
		err = multierr.Append(err, w.enc.Close())
		w.enc = nil
	}
	if w.f != nil {
		err = multierr.Append(err, w.f.Close())
		w.f = nil
	}
	return err
}

func (w *JSONLZstdWriter) pathForHour(hour string) string {
	return filepath.Join(w.baseDir, fmt.Sprintf("%s-%s.jsonl.zst", w.prefix, hour))
}

// AuditLogger records every handled mutation packet.
type AuditLogger struct{ w *JSONLZstdWriter }

func NewAuditLogger(dir string) *AuditLogger {
	return &AuditLogger{w: NewJSONLZstdWriter(dir, "audit")}
}

func (l *AuditLogger) WriteAudit(e dispatch.AuditEntry) error { return l.w.Write(e) }
func (l *AuditLogger) Lines() uint64                          { return l.w.Lines() }
func (l *AuditLogger) Close() error                           { return l.w.Close() }

// Tee fans one audit entry out to several sinks, returning their combined errors.
type Tee []dispatch.AuditLogger

func (t Tee) WriteAudit(e dispatch.AuditEntry) error {
	var err error
	for _, l := range t {
		err = multierr.Append(err, l.WriteAudit(e))
	}
	return err
}

// ReadAudit decodes every entry of one audit file. Files may hold several zstd frames when
// the server appended to the same hour across restarts.
func ReadAudit(path string) ([]dispatch.AuditEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return nil, err
	}
	defer dec.Close()

	var out []dispatch.AuditEntry
	jd := json.NewDecoder(dec)
	for {
		var e dispatch.AuditEntry
		err := jd.Decode(&e)
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return out, errors.Wrapf(err, "%s: entry %d", path, len(out))
		}
		out = append(out, e)
	}
}
