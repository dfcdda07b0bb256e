package octree

import (
	"errors"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
)

var (
	red   = Color{R: 255}
	green = Color{G: 255}
	blue  = Color{B: 255}
)

func TestTree_SetThenLookup(t *testing.T) {
	tr := New()
	paths := []Path{{}, {0}, {7}, {3, 5}, {1, 2, 3, 4, 5, 6, 7, 0}}
	for _, p := range paths {
		if err := tr.Set(p, blue); err != nil {
			t.Fatalf("Set(%v): %v", p, err)
		}
		m := tr.Lookup(p)
		if !m.Exact || m.Depth != len(p) {
			t.Fatalf("Lookup(%v): depth=%d exact=%v", p, m.Depth, m.Exact)
		}
		if !m.Colored || m.Color != blue {
			t.Fatalf("Lookup(%v): color=%v colored=%v", p, m.Color, m.Colored)
		}
	}
}

func TestTree_SetIsIdempotent(t *testing.T) {
	tr := New()
	p := Path{2, 4, 6}
	if err := tr.Set(p, red); err != nil {
		t.Fatalf("Set: %v", err)
	}
	before := tr.Stats()
	if err := tr.Set(p, red); err != nil {
		t.Fatalf("Set again: %v", err)
	}
	after := tr.Stats()
	if diff := cmp.Diff(before, after); diff != "" {
		t.Fatalf("stats changed on identical set (-before +after):\n%s", diff)
	}
	if before.Nodes != 4 {
		t.Fatalf("nodes=%d want 4", before.Nodes)
	}
}

func TestTree_DestructiveVsNonDestructive(t *testing.T) {
	tr := New()
	_ = tr.Set(Path{3, 5}, red)
	_ = tr.Set(Path{3, 5, 1}, red)

	if err := tr.Set(Path{3}, green); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if m := tr.Lookup(Path{3, 5, 1}); !m.Exact {
		t.Fatalf("non-destructive set dropped descendants: %+v", m)
	}

	if err := tr.SetDestructive(Path{3}, blue); err != nil {
		t.Fatalf("SetDestructive: %v", err)
	}
	m := tr.Lookup(Path{3, 5})
	if m.Exact || m.Depth != 1 {
		t.Fatalf("destructive set kept descendants: %+v", m)
	}
	if m.Color != blue {
		t.Fatalf("color=%v want %v", m.Color, blue)
	}
	st := tr.Stats()
	if st.Nodes != 2 || st.Colored != 1 {
		t.Fatalf("stats after destructive set: %+v", st)
	}
}

func TestTree_SetThenDestructiveScenario(t *testing.T) {
	tr := New()
	if err := tr.Set(Path{3, 5}, Color{R: 255}); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if m := tr.Lookup(Path{3, 5}); !m.Exact || m.Color != (Color{R: 255}) {
		t.Fatalf("after set: %+v", m)
	}
	if err := tr.SetDestructive(Path{3}, Color{G: 255}); err != nil {
		t.Fatalf("SetDestructive: %v", err)
	}
	if m := tr.Lookup(Path{3}); !m.Exact || m.Color != (Color{G: 255}) {
		t.Fatalf("lookup [3]: %+v", m)
	}
	if m := tr.Lookup(Path{3, 5}); m.Exact || m.Depth != 1 {
		t.Fatalf("lookup [3,5] should stop at depth 1: %+v", m)
	}
}

func TestTree_EraseAbsentIsNoop(t *testing.T) {
	tr := New()
	_ = tr.Set(Path{1, 1}, red)
	before := tr.Stats()

	for _, p := range []Path{{2}, {1, 2}, {1, 1, 1}} {
		removed, err := tr.Erase(p)
		if err != nil {
			t.Fatalf("Erase(%v): %v", p, err)
		}
		if removed {
			t.Fatalf("Erase(%v) reported a removal", p)
		}
	}
	if diff := cmp.Diff(before, tr.Stats()); diff != "" {
		t.Fatalf("stats changed (-before +after):\n%s", diff)
	}
}

func TestTree_EraseDetachesSubtree(t *testing.T) {
	tr := New()
	_ = tr.Set(Path{4, 4, 4}, red)
	_ = tr.Set(Path{4, 4, 5}, red)
	_ = tr.Set(Path{4, 0}, red)

	removed, err := tr.Erase(Path{4, 4})
	if err != nil || !removed {
		t.Fatalf("Erase: removed=%v err=%v", removed, err)
	}
	if m := tr.Lookup(Path{4, 4, 4}); m.Depth != 1 {
		t.Fatalf("lookup after erase: %+v", m)
	}
	st := tr.Stats()
	// root, [4], [4 0]
	if st.Nodes != 3 || st.Colored != 1 || st.Leaves != 1 || st.Internal != 2 {
		t.Fatalf("stats: %+v", st)
	}
}

func TestTree_EraseCollapseOnEmpty(t *testing.T) {
	tr := New(WithCollapseOnEmpty(true))
	_ = tr.Set(Path{6, 6, 6}, red)
	_ = tr.Set(Path{6}, green)

	if _, err := tr.Erase(Path{6, 6, 6}); err != nil {
		t.Fatalf("Erase: %v", err)
	}
	// [6 6] is empty and uncolored so it goes; [6] is colored so it stays.
	m := tr.Lookup(Path{6, 6})
	if m.Depth != 1 || m.Children != 0 {
		t.Fatalf("lookup: %+v", m)
	}
	if st := tr.Stats(); st.Nodes != 2 {
		t.Fatalf("nodes=%d want 2", st.Nodes)
	}

	plain := New()
	_ = plain.Set(Path{6, 6, 6}, red)
	_, _ = plain.Erase(Path{6, 6, 6})
	if m := plain.Lookup(Path{6, 6}); !m.Exact {
		t.Fatalf("default policy collapsed ancestors: %+v", m)
	}
}

func TestTree_EraseRoot(t *testing.T) {
	tr := New()
	_ = tr.Set(Path{}, red)
	_ = tr.Set(Path{1}, red)
	removed, err := tr.Erase(Path{})
	if err != nil || !removed {
		t.Fatalf("Erase root: removed=%v err=%v", removed, err)
	}
	st := tr.Stats()
	if st.Nodes != 1 || st.Colored != 0 || st.ChildPopulation[0] != 1 {
		t.Fatalf("stats: %+v", st)
	}
}

func TestTree_PathValidation(t *testing.T) {
	tr := New(WithMaxDepth(4))
	if err := tr.Set(Path{1, 2, 3, 4, 5}, red); !errors.Is(err, ErrPathTooDeep) {
		t.Fatalf("err=%v want ErrPathTooDeep", err)
	}
	if err := tr.Set(Path{8}, red); !errors.Is(err, ErrBadPath) {
		t.Fatalf("err=%v want ErrBadPath", err)
	}
	if st := tr.Stats(); st.Nodes != 1 {
		t.Fatalf("rejected paths mutated the tree: %+v", st)
	}
}

func TestTree_ChildPopulationAndSubtreeCounts(t *testing.T) {
	tr := New()
	for i := uint8(0); i < 8; i++ {
		_ = tr.Set(Path{0, i}, red)
	}
	_ = tr.Set(Path{1}, red)

	st := tr.Stats()
	want := [9]int{}
	want[0] = 9 // eight grandchildren + [1]
	want[2] = 1 // root
	want[8] = 1 // [0]
	if diff := cmp.Diff(want, st.ChildPopulation); diff != "" {
		t.Fatalf("child population (-want +got):\n%s", diff)
	}

	tr.View(func(root *Node) {
		if root.SubtreeNodes() != st.Nodes {
			t.Fatalf("root subtree=%d nodes=%d", root.SubtreeNodes(), st.Nodes)
		}
		if root.Child(0).SubtreeNodes() != 9 {
			t.Fatalf("[0] subtree=%d want 9", root.Child(0).SubtreeNodes())
		}
		if root.SubtreeBytes() != st.MemoryBytes() {
			t.Fatalf("root bytes=%d stats=%d", root.SubtreeBytes(), st.MemoryBytes())
		}
	})
}

func TestTree_UpdateGroupsOperations(t *testing.T) {
	tr := New()
	gen := tr.Generation()
	err := tr.Update(func(tx *Txn) error {
		if err := tx.Set(Path{1}, red); err != nil {
			return err
		}
		return tx.SetDestructive(Path{2}, green)
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if tr.Generation() <= gen {
		t.Fatalf("generation did not advance")
	}

	tr.Reset()
	if st := tr.Stats(); st.Nodes != 1 || st.Colored != 0 {
		t.Fatalf("after reset: %+v", st)
	}
}

func TestTree_ConcurrentDisjointInserts(t *testing.T) {
	tr := New()
	const workers = 4
	const rounds = 20

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w uint8) {
			defer wg.Done()
			for r := 0; r < rounds; r++ {
				for a := uint8(0); a < 8; a++ {
					for b := uint8(0); b < 8; b++ {
						if err := tr.Set(Path{w, a, b}, Color{R: w}); err != nil {
							t.Errorf("Set: %v", err)
							return
						}
					}
				}
			}
		}(uint8(w))
	}
	wg.Wait()

	st := tr.Stats()
	// each worker owns one subtree of 1 + 8 + 64 nodes
	if want := 1 + workers*(1+8+64); st.Nodes != want {
		t.Fatalf("nodes=%d want %d", st.Nodes, want)
	}
	if want := workers * 64; st.Colored != want {
		t.Fatalf("colored=%d want %d", st.Colored, want)
	}
	tr.View(func(root *Node) {
		if root.SubtreeNodes() != st.Nodes {
			t.Fatalf("subtree=%d nodes=%d", root.SubtreeNodes(), st.Nodes)
		}
	})
}
