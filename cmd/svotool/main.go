// Command svotool inspects and maintains voxel files, archives, the save index and audit
// logs written by the server.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"voxelshard.ai/internal/encoding"
	"voxelshard.ai/internal/octree"
	"voxelshard.ai/internal/persistence/archive"
	"voxelshard.ai/internal/persistence/indexdb"
	plog "voxelshard.ai/internal/persistence/log"
	"voxelshard.ai/internal/persistence/snapshot"
)

const usage = `usage: svotool <command> [flags]

commands:
  stats     -f file                   tree statistics of a voxel file
  dump      -f file [-n max]          print records as code rrggbb
  compact   -f file -o out            rewrite a file with duplicates merged
  restore   -archive file -o out      decompress an archive into a persist file
  archives  -dir dir                  list archives with their metadata
  history   -db index.sqlite [-n max] recent saves from the index database
  audit     -f audit.jsonl.zst        print an audit log
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	var err error
	args := os.Args[2:]
	switch os.Args[1] {
	case "stats":
		err = statsCmd(os.Stdout, args)
	case "dump":
		err = dumpCmd(os.Stdout, args)
	case "compact":
		err = compactCmd(os.Stdout, args)
	case "restore":
		err = restoreCmd(os.Stdout, args)
	case "archives":
		err = archivesCmd(os.Stdout, args)
	case "history":
		err = historyCmd(os.Stdout, args)
	case "audit":
		err = auditCmd(os.Stdout, args)
	default:
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "svotool:", err)
		os.Exit(1)
	}
}

func required(name, v string) error {
	if strings.TrimSpace(v) == "" {
		return errors.Errorf("missing -%s", name)
	}
	return nil
}

// loadTree applies a file to a fresh tree deep enough for any code.
func loadTree(path string) (*octree.Tree, snapshot.LoadResult, error) {
	data, err := snapshot.ReadFile(path)
	if err != nil {
		return nil, snapshot.LoadResult{}, err
	}
	tree := octree.New(octree.WithMaxDepth(octree.MaxCodeLength))
	return tree, snapshot.Apply(tree, data, true), nil
}

func statsCmd(w io.Writer, args []string) error {
	fs := flag.NewFlagSet("stats", flag.ExitOnError)
	file := fs.String("f", "", "voxel file")
	_ = fs.Parse(args)
	if err := required("f", *file); err != nil {
		return err
	}

	tree, res, err := loadTree(*file)
	if err != nil {
		return err
	}
	st := tree.Stats()
	fmt.Fprintf(w, "file:      %s (%s)\n", *file, humanize.Bytes(uint64(res.Bytes)))
	fmt.Fprintf(w, "records:   %s", humanize.Comma(int64(res.Records)))
	if res.Skipped > 0 {
		fmt.Fprintf(w, " (%d skipped)", res.Skipped)
	}
	if res.Truncated {
		fmt.Fprint(w, " (truncated tail)")
	}
	fmt.Fprintln(w)
	fmt.Fprintf(w, "nodes:     %s internal=%s leaves=%s colored=%s\n",
		humanize.Comma(int64(st.Nodes)), humanize.Comma(int64(st.Internal)),
		humanize.Comma(int64(st.Leaves)), humanize.Comma(int64(st.Colored)))
	fmt.Fprintf(w, "memory:    %s\n", humanize.Bytes(uint64(st.MemoryBytes())))
	for k, n := range st.ChildPopulation {
		if n > 0 {
			fmt.Fprintf(w, "children=%d: %d\n", k, n)
		}
	}
	return nil
}

func dumpCmd(w io.Writer, args []string) error {
	fs := flag.NewFlagSet("dump", flag.ExitOnError)
	file := fs.String("f", "", "voxel file")
	limit := fs.Int("n", 0, "stop after n records (0 = all)")
	_ = fs.Parse(args)
	if err := required("f", *file); err != nil {
		return err
	}

	data, err := snapshot.ReadFile(*file)
	if err != nil {
		return err
	}
	dec := encoding.NewDecoder(data, octree.MaxCodeLength)
	for n := 0; *limit <= 0 || n < *limit; n++ {
		rec, err := dec.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return errors.Wrapf(err, "record %d at byte %d", n, dec.Offset())
		}
		fmt.Fprintf(w, "%s %02x%02x%02x\n", rec.Path, rec.Color.R, rec.Color.G, rec.Color.B)
	}
	return nil
}

func compactCmd(w io.Writer, args []string) error {
	fs := flag.NewFlagSet("compact", flag.ExitOnError)
	file := fs.String("f", "", "voxel file")
	out := fs.String("o", "", "output file")
	_ = fs.Parse(args)
	if err := required("f", *file); err != nil {
		return err
	}
	if err := required("o", *out); err != nil {
		return err
	}

	tree, res, err := loadTree(*file)
	if err != nil {
		return err
	}
	data, records, _, err := snapshot.Encode(tree)
	if err != nil {
		return err
	}
	if err := snapshot.WriteFile(*out, data); err != nil {
		return err
	}
	fmt.Fprintf(w, "compacted %s -> %s: records %d -> %d, %s -> %s\n",
		*file, *out, res.Records, records, humanize.Bytes(uint64(res.Bytes)), humanize.Bytes(uint64(len(data))))
	return nil
}

func restoreCmd(w io.Writer, args []string) error {
	fs := flag.NewFlagSet("restore", flag.ExitOnError)
	src := fs.String("archive", "", "archived .svo.zst file")
	out := fs.String("o", "", "persist file to write (the server must be stopped)")
	_ = fs.Parse(args)
	if err := required("archive", *src); err != nil {
		return err
	}
	if err := required("o", *out); err != nil {
		return err
	}

	data, err := snapshot.ReadFile(*src)
	if err != nil {
		return err
	}
	if err := snapshot.WriteFile(*out, data); err != nil {
		return err
	}
	fmt.Fprintf(w, "restored %s -> %s (%s)\n", *src, *out, humanize.Bytes(uint64(len(data))))
	return nil
}

func archivesCmd(w io.Writer, args []string) error {
	fs := flag.NewFlagSet("archives", flag.ExitOnError)
	dir := fs.String("dir", "", "archive directory")
	_ = fs.Parse(args)
	if err := required("dir", *dir); err != nil {
		return err
	}

	paths, err := archive.New(*dir, 0, zap.NewNop().Sugar()).List()
	if err != nil {
		return err
	}
	for _, p := range paths {
		meta, err := archive.ReadMeta(p)
		if err != nil {
			fmt.Fprintf(w, "%s (no metadata: %v)\n", filepath.Base(p), err)
			continue
		}
		fmt.Fprintf(w, "%s created=%s gen=%d records=%s size=%s\n",
			filepath.Base(p), meta.CreatedAt, meta.Generation,
			humanize.Comma(int64(meta.Records)), humanize.Bytes(uint64(meta.ZstdBytes)))
	}
	return nil
}

func historyCmd(w io.Writer, args []string) error {
	fs := flag.NewFlagSet("history", flag.ExitOnError)
	db := fs.String("db", "", "index database")
	limit := fs.Int("n", 20, "number of saves")
	_ = fs.Parse(args)
	if err := required("db", *db); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	rows, err := indexdb.ReadSaves(ctx, *db, *limit)
	if err != nil {
		return err
	}
	for _, r := range rows {
		fmt.Fprintf(w, "%s gen=%d records=%s bytes=%s took=%s %s\n",
			r.SavedAt.UTC().Format(time.RFC3339), r.Generation, humanize.Comma(int64(r.Records)),
			humanize.Bytes(uint64(r.Bytes)), r.Duration, r.Path)
	}
	return nil
}

func auditCmd(w io.Writer, args []string) error {
	fs := flag.NewFlagSet("audit", flag.ExitOnError)
	file := fs.String("f", "", "audit log file")
	_ = fs.Parse(args)
	if err := required("f", *file); err != nil {
		return err
	}

	entries, err := plog.ReadAudit(*file)
	if err != nil {
		return err
	}
	for _, e := range entries {
		line := fmt.Sprintf("%s %s %s item=%d applied=%d skipped=%d",
			e.Time.UTC().Format(time.RFC3339Nano), e.Sender, e.Type, e.Item, e.Applied, e.Skipped)
		if e.Command != "" {
			line += fmt.Sprintf(" command=%q", e.Command)
		}
		if e.Reason != "" {
			line += " reason=" + e.Reason
		}
		fmt.Fprintln(w, line)
	}
	return nil
}
