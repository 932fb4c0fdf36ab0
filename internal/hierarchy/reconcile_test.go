package hierarchy_test

import (
	"context"
	"slices"
	"testing"

	"github.com/MrWong99/aimemory/internal/hierarchy"
	"github.com/MrWong99/aimemory/pkg/memory"
	"github.com/MrWong99/aimemory/pkg/memory/memstore"
)

func put(t *testing.T, s memory.Store, n memory.MemoryNode) {
	t.Helper()
	parent, children := n.Parent, n.Children
	n.Parent, n.Children = "", nil
	if _, err := s.InsertNode(context.Background(), n); err != nil {
		t.Fatalf("InsertNode %s: %v", n.ID, err)
	}
	// Pointers are written without validation to build broken graphs.
	if err := s.UpdateNode(context.Background(), n.ID, memory.NodePatch{Parent: &parent, Children: &children}); err != nil {
		t.Fatalf("UpdateNode %s: %v", n.ID, err)
	}
}

func get(t *testing.T, s memory.Store, id string) *memory.MemoryNode {
	t.Helper()
	n, err := s.GetNode(context.Background(), id)
	if err != nil {
		t.Fatalf("GetNode %s: %v", id, err)
	}
	return n
}

func TestReconcile_HealthyGraph(t *testing.T) {
	t.Parallel()

	s := memstore.New()
	put(t, s, memory.MemoryNode{ID: "p", UserID: "u", Level: 1, Children: []string{"a", "b"}})
	put(t, s, memory.MemoryNode{ID: "a", UserID: "u", Parent: "p"})
	put(t, s, memory.MemoryNode{ID: "b", UserID: "u", Parent: "p"})

	rep, err := hierarchy.NewReconciler(s, nil, nil).Reconcile(context.Background(), "u")
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if rep.Repairs() != 0 || rep.Scanned != 3 {
		t.Errorf("report = %+v, want no repairs", rep)
	}
}

func TestReconcile_Repairs(t *testing.T) {
	t.Parallel()

	s := memstore.New()
	// p lists a (ok), b (orphan without back pointer) and gone (absent).
	put(t, s, memory.MemoryNode{ID: "p", UserID: "u", Level: 1, Children: []string{"a", "b", "gone"}})
	put(t, s, memory.MemoryNode{ID: "a", UserID: "u", Parent: "p"})
	put(t, s, memory.MemoryNode{ID: "b", UserID: "u"})
	// c points at p, which does not list it.
	put(t, s, memory.MemoryNode{ID: "c", UserID: "u", Parent: "p"})
	// d points at a parent that does not exist.
	put(t, s, memory.MemoryNode{ID: "d", UserID: "u", Parent: "missing"})
	// e skips a level.
	put(t, s, memory.MemoryNode{ID: "q", UserID: "u", Level: 2, Children: []string{"e"}})
	put(t, s, memory.MemoryNode{ID: "e", UserID: "u", Parent: "q"})

	r := hierarchy.NewReconciler(s, nil, nil)
	rep, err := r.Reconcile(context.Background(), "u")
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}

	want := hierarchy.Report{
		Scanned:             7,
		DanglingParents:     1,
		InvalidEdges:        1,
		MissingChildEntries: 1,
		StaleChildEntries:   1,
		AdoptedOrphans:      1,
	}
	if rep != want {
		t.Errorf("report = %+v, want %+v", rep, want)
	}

	if got := get(t, s, "p").Children; !slices.Equal(got, []string{"a", "b", "c"}) {
		t.Errorf("p children = %v, want [a b c]", got)
	}
	if got := get(t, s, "b").Parent; got != "p" {
		t.Errorf("b parent = %q, want p", got)
	}
	if got := get(t, s, "d"); got.Parent != "" || !got.Summarised {
		t.Errorf("d = parent %q summarised %v, want detached and summarised", got.Parent, got.Summarised)
	}
	if got := get(t, s, "e").Parent; got != "" {
		t.Errorf("e parent = %q, want detached", got)
	}
	if got := get(t, s, "q").Children; len(got) != 0 {
		t.Errorf("q children = %v, want none", got)
	}

	rep, err = r.Reconcile(context.Background(), "u")
	if err != nil {
		t.Fatalf("second Reconcile: %v", err)
	}
	if rep.Repairs() != 0 {
		t.Errorf("second run repaired %d, want a fixed point", rep.Repairs())
	}
}

func TestReconcile_ChildClaimedByAnotherParent(t *testing.T) {
	t.Parallel()

	s := memstore.New()
	put(t, s, memory.MemoryNode{ID: "p1", UserID: "u", Level: 1, Children: []string{"a"}})
	put(t, s, memory.MemoryNode{ID: "p2", UserID: "u", Level: 1, Children: []string{"a"}})
	put(t, s, memory.MemoryNode{ID: "a", UserID: "u", Parent: "p2"})

	rep, err := hierarchy.NewReconciler(s, nil, nil).Reconcile(context.Background(), "u")
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if rep.StaleChildEntries != 1 {
		t.Errorf("stale entries = %d, want 1", rep.StaleChildEntries)
	}
	if got := get(t, s, "p1").Children; len(got) != 0 {
		t.Errorf("p1 children = %v, want none", got)
	}
	if got := get(t, s, "p2").Children; !slices.Equal(got, []string{"a"}) {
		t.Errorf("p2 children = %v", got)
	}
}
