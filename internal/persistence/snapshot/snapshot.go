// Package snapshot loads and saves the voxel tree as a flat stream of colored-node records.
package snapshot

import (
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"voxelshard.ai/internal/encoding"
	"voxelshard.ai/internal/octree"
)

// ZstdSuffix marks compressed record streams such as archives.
const ZstdSuffix = ".zst"

// ReadFile returns the record stream stored at path. Files named *.zst are decompressed;
// anything else is read as a plain stream, whatever its first bytes are. A missing file is
// reported with os.ErrNotExist.
func ReadFile(path string) ([]byte, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if !strings.HasSuffix(path, ZstdSuffix) {
		return b, nil
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}
	defer dec.Close()
	out, err := dec.DecodeAll(b, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "zstd %s", path)
	}
	return out, nil
}

// WriteFile replaces path with a record stream, compressed when the name ends in .zst.
func WriteFile(path string, data []byte) error {
	if strings.HasSuffix(path, ZstdSuffix) {
		enc, err := zstd.NewWriter(nil)
		if err != nil {
			return err
		}
		data = enc.EncodeAll(data, nil)
		_ = enc.Close()
	}
	return ReplaceFile(path, data)
}

// ReplaceFile writes data to a temporary file in the same directory, syncs it and renames it
// over path, so readers see the old or the new content.
func ReplaceFile(path string, data []byte) (err error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	f, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmp := f.Name()
	defer func() {
		if err != nil {
			_ = os.Remove(tmp)
		}
	}()

	if _, err = f.Write(data); err != nil {
		return multierr.Combine(err, f.Close())
	}
	if err = f.Sync(); err != nil {
		return multierr.Combine(err, f.Close())
	}
	if err = f.Close(); err != nil {
		return err
	}
	if err = os.Chmod(tmp, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// LoadResult summarizes a decode into the tree.
type LoadResult struct {
	Bytes   int
	Records int
	Skipped int
	// Truncated is set when the stream ended inside a record; the records before it were kept.
	Truncated bool
}

// Apply decodes records from data into the tree inside one Update. With reset the tree is
// emptied first; otherwise records are merged with non-destructive sets.
func Apply(tree *octree.Tree, data []byte, reset bool) LoadResult {
	res := LoadResult{Bytes: len(data)}
	_ = tree.Update(func(tx *octree.Txn) error {
		if reset {
			tx.Reset()
		}
		dec := encoding.NewDecoder(data, tx.MaxDepth())
		for {
			rec, err := dec.Next()
			if err == io.EOF {
				return nil
			}
			if errors.Is(err, encoding.ErrPathTooDeep) {
				res.Skipped++
				continue
			}
			if err != nil {
				res.Truncated = true
				return nil
			}
			if err := tx.Set(rec.Path, rec.Color); err != nil {
				res.Skipped++
				continue
			}
			res.Records++
		}
	})
	return res
}

// Encode serializes the whole tree while holding its lock and returns the bytes together
// with the generation they reflect.
func Encode(tree *octree.Tree) (data []byte, records int, gen uint64, err error) {
	_ = tree.Update(func(tx *octree.Txn) error {
		gen = tx.Generation()
		data, records, err = encoding.AppendSubtree(nil, tx.Root(), tx.MaxDepth())
		return nil
	})
	return data, records, gen, err
}
