package hierarchy

import (
	"context"
	"fmt"
	"log/slog"
	"slices"

	"github.com/MrWong99/aimemory/internal/events"
	"github.com/MrWong99/aimemory/internal/observe"
	"github.com/MrWong99/aimemory/pkg/memory"
)

// Report counts the repairs of one [Reconciler.Reconcile] run.
type Report struct {
	Scanned int

	// DanglingParents are parent pointers to nodes that do not exist for
	// the user. They are cleared.
	DanglingParents int

	// InvalidEdges are parent pointers that skip a level. They are cleared
	// and removed from the parent's child list.
	InvalidEdges int

	// MissingChildEntries are valid parent pointers the parent did not list.
	// The child is appended to the parent's list.
	MissingChildEntries int

	// StaleChildEntries are child-list entries naming a node that is absent
	// or has a different parent. They are removed.
	StaleChildEntries int

	// AdoptedOrphans are listed children without a parent pointer. The
	// pointer is set.
	AdoptedOrphans int

	// Failed counts store updates that failed; the next run retries them.
	Failed int
}

// Repairs returns the total number of repairs found.
func (r Report) Repairs() int {
	return r.DanglingParents + r.InvalidEdges + r.MissingChildEntries + r.StaleChildEntries + r.AdoptedOrphans
}

// Reconciler repairs parent/child inconsistencies left behind by partially
// failed multi-node updates.
type Reconciler struct {
	store   memory.NodeStore
	emitter events.Emitter
	metrics *observe.Metrics
}

// NewReconciler returns a Reconciler over store. A nil emitter discards
// events; a nil metrics uses [observe.DefaultMetrics].
func NewReconciler(store memory.NodeStore, emitter events.Emitter, metrics *observe.Metrics) *Reconciler {
	if emitter == nil {
		emitter = events.Nop{}
	}
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	return &Reconciler{store: store, emitter: emitter, metrics: metrics}
}

// Reconcile repairs the graph of userID so that every parent pointer names
// an existing node exactly one level up which lists the child, and every
// child list entry names a node pointing back.
func (r *Reconciler) Reconcile(ctx context.Context, userID string) (Report, error) {
	var rep Report
	nodes, err := r.store.ListNodes(ctx, userID)
	if err != nil {
		return rep, fmt.Errorf("hierarchy: reconcile %s: %w", userID, err)
	}
	rep.Scanned = len(nodes)

	index := make(map[string]*memory.MemoryNode, len(nodes))
	for i := range nodes {
		index[nodes[i].ID] = &nodes[i]
	}
	parents := make(map[string]string, len(nodes))
	children := make(map[string][]string, len(nodes))
	detached := make(map[string]bool)
	for _, n := range index {
		parents[n.ID] = n.Parent
		children[n.ID] = slices.Clone(n.Children)
	}

	inconsistent := func(kind string, n *memory.MemoryNode, detail string) {
		err := fmt.Errorf("%w: %s", memory.ErrInconsistent, detail)
		slog.Warn("hierarchy: repairing graph", "user_id", userID, "node_id", n.ID, "kind", kind, "error", err)
	}

	// Pass 1: validate parent pointers.
	for _, n := range nodes {
		if n.Parent == "" {
			continue
		}
		p, ok := index[n.Parent]
		if !ok {
			inconsistent("dangling_parent", &n, "parent "+n.Parent+" does not exist")
			parents[n.ID] = ""
			detached[n.ID] = true
			rep.DanglingParents++
			continue
		}
		if err := memory.ValidateEdge(&n, p); err != nil {
			inconsistent("invalid_edge", &n, err.Error())
			parents[n.ID] = ""
			children[p.ID] = slices.DeleteFunc(children[p.ID], func(id string) bool { return id == n.ID })
			rep.InvalidEdges++
			continue
		}
		if !slices.Contains(children[p.ID], n.ID) {
			inconsistent("missing_child_entry", &n, "parent "+p.ID+" does not list the node")
			children[p.ID] = append(children[p.ID], n.ID)
			rep.MissingChildEntries++
		}
	}

	// Pass 2: validate child lists against the corrected pointers.
	for _, n := range nodes {
		kept := children[n.ID][:0:0]
		for _, id := range children[n.ID] {
			c, ok := index[id]
			switch {
			case !ok:
				inconsistent("stale_child_entry", &n, "child "+id+" does not exist")
				rep.StaleChildEntries++
			case parents[id] == n.ID:
				kept = append(kept, id)
			case parents[id] == "" && memory.ValidateEdge(c, &n) == nil:
				inconsistent("orphan_child", &n, "child "+id+" has no parent pointer")
				parents[id] = n.ID
				kept = append(kept, id)
				rep.AdoptedOrphans++
			default:
				inconsistent("stale_child_entry", &n, "child "+id+" belongs elsewhere")
				rep.StaleChildEntries++
			}
		}
		children[n.ID] = kept
	}

	// Apply the differences as single-node updates.
	for _, n := range nodes {
		var patch memory.NodePatch
		if p := parents[n.ID]; p != n.Parent {
			patch.Parent = &p
		}
		if c := children[n.ID]; !slices.Equal(c, n.Children) {
			patch.Children = &c
		}
		if detached[n.ID] && !n.Summarised {
			patch.Summarised = memory.Ptr(true)
		}
		if patch.IsEmpty() {
			continue
		}
		if err := r.store.UpdateNode(ctx, n.ID, patch); err != nil {
			rep.Failed++
			slog.Warn("hierarchy: repair update failed", "user_id", userID, "node_id", n.ID, "error", err)
		}
	}

	r.metrics.RecordRepair(ctx, "dangling_parent", rep.DanglingParents)
	r.metrics.RecordRepair(ctx, "invalid_edge", rep.InvalidEdges)
	r.metrics.RecordRepair(ctx, "missing_child_entry", rep.MissingChildEntries)
	r.metrics.RecordRepair(ctx, "stale_child_entry", rep.StaleChildEntries)
	r.metrics.RecordRepair(ctx, "orphan_child", rep.AdoptedOrphans)
	if rep.Repairs() > 0 {
		r.emitter.Emit(ctx, events.New(events.GraphRepaired, userID, "repairs", rep.Repairs(), "failed", rep.Failed))
	}
	return rep, nil
}
