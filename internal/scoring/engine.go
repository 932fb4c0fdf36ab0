package scoring

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/MrWong99/aimemory/internal/observe"
	"github.com/MrWong99/aimemory/pkg/memory"
)

// DecayReport summarises one [Engine.Sweep].
type DecayReport struct {
	Scanned int
	Decayed int

	// Skipped counts nodes reinforced between the listing and their decay
	// update. Their decay is applied by the next sweep.
	Skipped int

	// Failed counts nodes whose update was rejected by the store. They are
	// picked up again by the next sweep.
	Failed int
}

// reinforceAttempts bounds the read-modify-write loop of [Engine.Reinforce]
// under contention.
const reinforceAttempts = 5

// Engine applies a [Policy] to nodes through a [memory.NodeStore].
//
// Engine holds no copy of node state: every operation reads the node, derives
// the new values, and writes them back as a single-node update conditioned on
// the AccessCount it read. A concurrent reinforcement therefore makes a decay
// update fail instead of overwriting the reinforced score. Engine is safe for
// concurrent use; [Engine.SetPolicy] takes effect for subsequent calls.
type Engine struct {
	store   memory.NodeStore
	policy  atomic.Pointer[Policy]
	metrics *observe.Metrics
}

// Option configures an [Engine].
type Option func(*Engine)

// WithMetrics sets the metrics sink. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// New creates an Engine. It fails if policy is invalid.
func New(store memory.NodeStore, policy Policy, opts ...Option) (*Engine, error) {
	if err := policy.Validate(); err != nil {
		return nil, fmt.Errorf("scoring: %w", err)
	}
	e := &Engine{store: store}
	e.policy.Store(&policy)
	for _, o := range opts {
		o(e)
	}
	if e.metrics == nil {
		e.metrics = observe.DefaultMetrics()
	}
	return e, nil
}

// Policy returns the active policy.
func (e *Engine) Policy() Policy { return *e.policy.Load() }

// SetPolicy swaps the active policy.
func (e *Engine) SetPolicy(p Policy) error {
	if err := p.Validate(); err != nil {
		return fmt.Errorf("scoring: %w", err)
	}
	e.policy.Store(&p)
	return nil
}

// Init stamps a freshly built node with the initial score, the level's
// decay rate and now as its access time.
func (e *Engine) Init(n *memory.MemoryNode, now time.Time) {
	p := e.policy.Load()
	n.ImportanceScore = p.BaseScore
	n.DecayRate = p.RateFor(n.Level)
	n.LastAccessedAt = now
	n.AccessCount = 0
}

// Reinforce records a retrieval hit on node id at now and returns the
// updated node. A hit racing another reinforcement is re-read and retried, so
// no access is lost.
func (e *Engine) Reinforce(ctx context.Context, id string, now time.Time) (_ *memory.MemoryNode, err error) {
	defer func() { e.metrics.RecordReinforcement(ctx, err) }()

	for range reinforceAttempts {
		n, err := e.store.GetNode(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("scoring: reinforce %s: %w", id, err)
		}
		p := e.policy.Load()
		score := p.Reinforced(n.ImportanceScore)
		count := n.AccessCount + 1
		patch := memory.NodePatch{
			ImportanceScore: &score,
			AccessCount:     &count,
			LastAccessedAt:  &now,
			IfAccessCount:   &n.AccessCount,
		}
		err = e.store.UpdateNode(ctx, id, patch)
		if errors.Is(err, memory.ErrConflict) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("scoring: reinforce %s: %w", id, err)
		}
		patch.Apply(n)
		return n, nil
	}
	return nil, fmt.Errorf("scoring: reinforce %s: %w after %d attempts", id, memory.ErrConflict, reinforceAttempts)
}

// Sweep decays every node of userID to time now. Individual update failures
// are counted and logged, never returned; only a failure to list the user's
// nodes aborts the sweep.
func (e *Engine) Sweep(ctx context.Context, userID string, now time.Time) (DecayReport, error) {
	var rep DecayReport
	nodes, err := e.store.ListNodes(ctx, userID)
	if err != nil {
		return rep, fmt.Errorf("scoring: sweep %s: %w", userID, err)
	}
	p := e.policy.Load()
	for i := range nodes {
		if err := ctx.Err(); err != nil {
			return rep, fmt.Errorf("scoring: sweep %s: %w", userID, err)
		}
		n := &nodes[i]
		rep.Scanned++
		score, changed := p.Decayed(n, now)
		if !changed {
			continue
		}
		err := e.store.UpdateNode(ctx, n.ID, memory.NodePatch{
			ImportanceScore: &score,
			LastDecayedAt:   &now,
			IfAccessCount:   &n.AccessCount,
		})
		if errors.Is(err, memory.ErrConflict) {
			rep.Skipped++
			continue
		}
		if err != nil {
			rep.Failed++
			slog.Warn("scoring: decay update failed", "user_id", userID, "node_id", n.ID, "error", err)
			continue
		}
		rep.Decayed++
	}
	if rep.Decayed > 0 {
		e.metrics.NodesDecayed.Add(ctx, int64(rep.Decayed))
	}
	return rep, nil
}
