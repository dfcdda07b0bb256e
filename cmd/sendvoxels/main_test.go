package main

import (
	"os"
	"path/filepath"
	"testing"

	"voxelshard.ai/internal/encoding"
	"voxelshard.ai/internal/octree"
	"voxelshard.ai/internal/protocol"
)

func TestParseArg(t *testing.T) {
	rec, err := parseArg("0123:ff8800", false)
	if err != nil {
		t.Fatalf("parseArg: %v", err)
	}
	if !rec.Path.Equal(octree.Path{0, 1, 2, 3}) || rec.Color != (octree.Color{R: 0xff, G: 0x88}) {
		t.Fatalf("rec=%+v", rec)
	}
	if _, err := parseArg("0123", false); err == nil {
		t.Fatalf("expected error for missing color")
	}
	if _, err := parseArg("0123:ff", false); err == nil {
		t.Fatalf("expected error for short color")
	}
	if _, err := parseArg("0183:ffffff", false); err == nil {
		t.Fatalf("expected error for non-octal code")
	}
	if rec, err := parseArg("45", true); err != nil || len(rec.Path) != 2 {
		t.Fatalf("erase arg: %+v %v", rec, err)
	}
}

func TestBuildPackets(t *testing.T) {
	in := filepath.Join(t.TempDir(), "in.svo")
	b, _ := encoding.AppendRecord(nil, encoding.Record{Path: octree.Path{7}, Color: octree.Color{B: 1}})
	if err := os.WriteFile(in, b, 0o644); err != nil {
		t.Fatal(err)
	}

	packets, err := buildPackets("", in, []string{"1:010203"}, true, false, 3)
	if err != nil {
		t.Fatalf("buildPackets: %v", err)
	}
	if len(packets) != 1 {
		t.Fatalf("packets=%d", len(packets))
	}
	typ, payload, err := protocol.ParseHeader(packets[0])
	if err != nil || typ != protocol.TypeSetVoxelDestructive {
		t.Fatalf("header %s %v", typ, err)
	}
	if item, _, _ := protocol.ReadItemNumber(payload); item != 3 {
		t.Fatalf("item=%d", item)
	}

	packets, _ = buildPackets("erase all", "", nil, false, false, 0)
	if cmd, err := protocol.ReadCommand(packets[0][protocol.HeaderSize:]); err != nil || cmd != "erase all" {
		t.Fatalf("command=%q err=%v", cmd, err)
	}
}
