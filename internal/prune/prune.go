// Package prune evicts low-importance memory nodes.
//
// A sweep evicts every node whose score is at or below the threshold, lowest
// score first and oldest access first among equals. Capacity enforcement
// evicts the same way, ignoring the threshold, until the user is back within
// the node limit. Un-summarised open-group members are never evicted.
//
// Evicting a node first detaches its children, which become roots of their
// level, and only then deletes the node. A failed store call abandons that
// one eviction; the next sweep retries it.
package prune

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync/atomic"

	"github.com/MrWong99/aimemory/internal/events"
	"github.com/MrWong99/aimemory/internal/observe"
	"github.com/MrWong99/aimemory/pkg/memory"
)

// Policy holds the eviction knobs.
type Policy struct {
	// Threshold is the score at or below which a node is evicted by a sweep.
	Threshold float64

	// MaxNodesPerUser bounds a user's node count. Zero disables the bound.
	MaxNodesPerUser int

	// KeepTurns retains the raw turn of an evicted leaf.
	KeepTurns bool
}

// DefaultPolicy returns the stock eviction knobs.
func DefaultPolicy() Policy {
	return Policy{Threshold: 0.05, MaxNodesPerUser: 10000}
}

// Guard tells the pruner which nodes are still needed by the hierarchy.
// It is implemented by the hierarchy builder.
type Guard interface {
	// Restore makes sure the guard knows the open groups of userID.
	Restore(ctx context.Context, userID string) error

	// IsProtected reports whether id must not be evicted.
	IsProtected(userID, id string) bool

	// Evicted tells the guard that id is gone.
	Evicted(userID, id string)
}

// Report summarises one pruning pass.
type Report struct {
	Candidates int
	Evicted    int

	// Deferred counts nodes that qualified but are protected.
	Deferred int

	// Orphaned counts children detached from evicted parents.
	Orphaned int

	// Failed counts evictions abandoned after a store error.
	Failed int
}

// Engine evicts nodes through a [memory.Store].
type Engine struct {
	store   memory.Store
	guard   Guard
	policy  atomic.Pointer[Policy]
	emitter events.Emitter
	metrics *observe.Metrics
}

// Option configures an [Engine].
type Option func(*Engine)

// WithEmitter sets the event emitter. Default: [events.Nop].
func WithEmitter(em events.Emitter) Option {
	return func(e *Engine) { e.emitter = em }
}

// WithMetrics sets the metrics sink. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// New creates a pruning Engine.
func New(store memory.Store, guard Guard, policy Policy, opts ...Option) *Engine {
	e := &Engine{store: store, guard: guard, emitter: events.Nop{}}
	e.policy.Store(&policy)
	for _, o := range opts {
		o(e)
	}
	if e.metrics == nil {
		e.metrics = observe.DefaultMetrics()
	}
	return e
}

// Policy returns the active policy.
func (e *Engine) Policy() Policy { return *e.policy.Load() }

// SetPolicy swaps the active policy.
func (e *Engine) SetPolicy(p Policy) { e.policy.Store(&p) }

// Sweep evicts every unprotected node of userID scoring at or below the
// threshold.
func (e *Engine) Sweep(ctx context.Context, userID string) (Report, error) {
	p := e.policy.Load()
	return e.run(ctx, userID, "threshold", func(nodes []memory.MemoryNode) int { return len(nodes) }, func(node *memory.MemoryNode) bool {
		return node.ImportanceScore <= p.Threshold
	})
}

// EnsureCapacity evicts the lowest-scoring unprotected nodes of userID until
// its node count is within MaxNodesPerUser. A user that cannot be brought
// back within the limit is logged, not reported as an error.
func (e *Engine) EnsureCapacity(ctx context.Context, userID string) (Report, error) {
	p := e.policy.Load()
	if p.MaxNodesPerUser <= 0 {
		return Report{}, nil
	}
	count, err := e.store.CountForUser(ctx, userID)
	if err != nil {
		return Report{}, fmt.Errorf("prune: capacity %s: %w", userID, err)
	}
	if count <= p.MaxNodesPerUser {
		return Report{}, nil
	}
	excess := count - p.MaxNodesPerUser
	slog.Info("prune: capacity exceeded", "user_id", userID, "nodes", count, "limit", p.MaxNodesPerUser,
		"error", memory.ErrCapacityExceeded)

	rep, err := e.run(ctx, userID, "capacity", func([]memory.MemoryNode) int { return excess },
		func(*memory.MemoryNode) bool { return true })
	if err != nil {
		return rep, err
	}
	if rep.Evicted < excess {
		slog.Warn("prune: user still over capacity", "user_id", userID, "evicted", rep.Evicted, "excess", excess,
			"error", memory.ErrCapacityExceeded)
	}
	return rep, nil
}

// run evicts up to budget(nodes) nodes matching eligible, in eviction order.
func (e *Engine) run(ctx context.Context, userID, reason string, budget func([]memory.MemoryNode) int, eligible func(*memory.MemoryNode) bool) (rep Report, err error) {
	ctx, span := observe.StartSpan(ctx, "prune."+reason)
	defer func() { observe.EndSpan(span, err) }()

	if err := e.guard.Restore(ctx, userID); err != nil {
		return rep, fmt.Errorf("prune: %s: restore open groups: %w", userID, err)
	}
	nodes, err := e.store.ListNodes(ctx, userID)
	if err != nil {
		return rep, fmt.Errorf("prune: %s: %w", userID, err)
	}
	limit := budget(nodes)

	candidates := make([]memory.MemoryNode, 0, len(nodes))
	for i := range nodes {
		if !eligible(&nodes[i]) {
			continue
		}
		if e.guard.IsProtected(userID, nodes[i].ID) {
			rep.Deferred++
			continue
		}
		candidates = append(candidates, nodes[i])
	}
	SortForEviction(candidates)
	rep.Candidates = len(candidates)

	for i := range candidates {
		if rep.Evicted >= limit {
			break
		}
		if err := ctx.Err(); err != nil {
			return rep, fmt.Errorf("prune: %s: %w", userID, err)
		}
		orphaned, err := e.evict(ctx, &candidates[i])
		e.metrics.RecordPrune(ctx, reason, err)
		if err != nil {
			rep.Failed++
			slog.Warn("prune: eviction failed, retrying next sweep", "user_id", userID, "node_id", candidates[i].ID, "error", err)
			continue
		}
		rep.Evicted++
		rep.Orphaned += orphaned
		e.emitter.Emit(ctx, events.New(events.NodePruned, userID,
			"node_id", candidates[i].ID,
			"level", candidates[i].Level,
			"score", candidates[i].ImportanceScore,
			"reason", reason))
	}
	return rep, nil
}

// evict detaches the children of n and deletes it. It returns the number of
// children detached.
func (e *Engine) evict(ctx context.Context, n *memory.MemoryNode) (int, error) {
	// Re-read: a concurrent reinforcement may have lifted the score, and
	// children may have been attached since the listing.
	cur, err := e.store.GetNode(ctx, n.ID)
	if errors.Is(err, memory.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	if cur.AccessCount != n.AccessCount {
		return 0, fmt.Errorf("node %s was reinforced during the sweep", n.ID)
	}

	root := ""
	orphaned := 0
	for _, child := range cur.Children {
		err := e.store.UpdateNode(ctx, child, memory.NodePatch{Parent: &root, Summarised: memory.Ptr(true)})
		if errors.Is(err, memory.ErrNotFound) {
			continue
		}
		if err != nil {
			return orphaned, fmt.Errorf("detach child %s: %w", child, err)
		}
		orphaned++
	}

	if err := e.store.DeleteNode(ctx, n.ID); err != nil && !errors.Is(err, memory.ErrNotFound) {
		return orphaned, fmt.Errorf("delete: %w", err)
	}
	e.guard.Evicted(n.UserID, n.ID)

	if n.TurnID != "" && !e.policy.Load().KeepTurns {
		if err := e.store.DeleteTurn(ctx, n.TurnID); err != nil && !errors.Is(err, memory.ErrNotFound) {
			slog.Warn("prune: delete turn", "user_id", n.UserID, "turn_id", n.TurnID, "error", err)
		}
	}
	return orphaned, nil
}

// SortForEviction orders nodes by ascending score, then oldest access, then
// id for a stable order.
func SortForEviction(nodes []memory.MemoryNode) {
	slices.SortStableFunc(nodes, func(a, b memory.MemoryNode) int {
		if c := cmp.Compare(a.ImportanceScore, b.ImportanceScore); c != 0 {
			return c
		}
		if c := a.LastAccessedAt.Compare(b.LastAccessedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
}
