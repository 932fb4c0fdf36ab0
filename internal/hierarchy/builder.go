// Package hierarchy builds the per-user memory hierarchy.
//
// Every ingested turn becomes one level-0 node. The [Builder] keeps, per user
// and per level, an open group of the most recent nodes that have no parent
// yet. Once a group holds FANOUT members, their contents are summarised and a
// level+1 parent is created adopting them, which in turn joins the open group
// one level up.
//
// A failed summarisation leaves the group open and is retried on the next
// ingestion for that user or by [Builder.RetryOpenGroups]. A parent node is
// only inserted once its summary text exists.
//
// Per-user state is guarded by a per-user mutex which is never held across a
// store or gateway call. Unrelated users never contend.
package hierarchy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"github.com/MrWong99/aimemory/internal/events"
	"github.com/MrWong99/aimemory/internal/observe"
	"github.com/MrWong99/aimemory/internal/scoring"
	"github.com/MrWong99/aimemory/pkg/memory"
)

// Defaults.
const (
	DefaultFanout        = 5
	DefaultEmbedWorkers  = 4
	DefaultBackfillBatch = 64
)

// Embedder computes node embeddings.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// Summariser condenses the ordered contents of a group into a parent text.
type Summariser interface {
	Summarize(ctx context.Context, contents []string) (string, error)
}

// Builder maintains open groups and creates summary parents.
type Builder struct {
	store      memory.Store
	scorer     *scoring.Engine
	embedder   Embedder
	summariser Summariser
	emitter    events.Emitter
	metrics    *observe.Metrics
	now        func() time.Time

	fanout atomic.Int64

	mu    sync.Mutex
	users map[string]*userState
	loads singleflight.Group

	embedSem *semaphore.Weighted
	wg       sync.WaitGroup
}

// userState is the open-group bookkeeping of one user.
type userState struct {
	mu        sync.Mutex
	loaded    bool
	forgotten bool
	groups    map[int]*group
}

// group is the open group of one level. Members are ordered by creation.
// The first inflight members are being summarised.
type group struct {
	members  []string
	inflight int
}

// Option configures a [Builder].
type Option func(*Builder)

// WithFanout sets the group size that triggers summarisation.
func WithFanout(n int) Option {
	return func(b *Builder) {
		if n > 1 {
			b.fanout.Store(int64(n))
		}
	}
}

// WithEmbedder enables embedding of new nodes. Without one, nodes are
// lexical-only until a backfill runs with an embedder configured.
func WithEmbedder(e Embedder) Option {
	return func(b *Builder) { b.embedder = e }
}

// WithEmbedWorkers bounds concurrent asynchronous embedding calls.
func WithEmbedWorkers(n int) Option {
	return func(b *Builder) {
		if n > 0 {
			b.embedSem = semaphore.NewWeighted(int64(n))
		}
	}
}

// WithEmitter sets the event emitter. Default: [events.Nop].
func WithEmitter(e events.Emitter) Option {
	return func(b *Builder) { b.emitter = e }
}

// WithMetrics sets the metrics sink. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(b *Builder) { b.metrics = m }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(b *Builder) { b.now = now }
}

// NewBuilder creates a Builder writing through store. summariser is
// required; scorer stamps initial scores on every new node.
func NewBuilder(store memory.Store, scorer *scoring.Engine, summariser Summariser, opts ...Option) *Builder {
	b := &Builder{
		store:      store,
		scorer:     scorer,
		summariser: summariser,
		emitter:    events.Nop{},
		now:        time.Now,
		users:      make(map[string]*userState),
		embedSem:   semaphore.NewWeighted(DefaultEmbedWorkers),
	}
	b.fanout.Store(DefaultFanout)
	for _, o := range opts {
		o(b)
	}
	if b.metrics == nil {
		b.metrics = observe.DefaultMetrics()
	}
	return b
}

// Fanout returns the current group size.
func (b *Builder) Fanout() int { return int(b.fanout.Load()) }

// SetFanout changes the group size for subsequent flushes.
func (b *Builder) SetFanout(n int) {
	if n > 1 {
		b.fanout.Store(int64(n))
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Ingestion
// ─────────────────────────────────────────────────────────────────────────────

// Ingest wraps turn, which must already be persisted, in a level-0 node and
// appends it to the user's open group. Embedding and any summarisation it
// triggers run in the background; use [Builder.Wait] to wait for them.
func (b *Builder) Ingest(ctx context.Context, turn memory.ConversationTurn) (*memory.MemoryNode, error) {
	if turn.UserID == "" {
		return nil, errors.New("hierarchy: ingest: user id must not be empty")
	}
	now := b.now()
	created := turn.CreatedAt
	if created.IsZero() {
		created = now
	}

	node := memory.MemoryNode{
		ID:        uuid.NewString(),
		UserID:    turn.UserID,
		Level:     0,
		Content:   turn.Text,
		CreatedAt: created,
		TurnID:    turn.ID,
	}
	b.scorer.Init(&node, created)
	if _, err := b.store.InsertNode(ctx, node); err != nil {
		return nil, fmt.Errorf("hierarchy: ingest: insert leaf: %w", err)
	}

	b.embedAsync(ctx, node.UserID, node.ID, node.Content)

	st, err := b.state(ctx, turn.UserID)
	if err != nil {
		// The leaf is durable; it joins a group when state is next restored.
		slog.Warn("hierarchy: restore open groups", "user_id", turn.UserID, "error", err)
		return &node, nil
	}

	st.mu.Lock()
	added := st.add(0, node.ID)
	ready := st.readyLevel(b.Fanout()) >= 0
	st.mu.Unlock()
	if added {
		b.metrics.OpenGroupMembers.Add(ctx, 1)
	}

	if ready {
		bg := context.WithoutCancel(ctx)
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			b.drain(bg, turn.UserID, st)
		}()
	}
	return &node, nil
}

// RetryOpenGroups summarises every open group of userID that has reached
// FANOUT members. It returns the number of parents created.
func (b *Builder) RetryOpenGroups(ctx context.Context, userID string) (int, error) {
	st, err := b.state(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("hierarchy: retry open groups: %w", err)
	}
	return b.drain(ctx, userID, st), nil
}

// drain flushes ready groups until none is ready or a flush fails.
func (b *Builder) drain(ctx context.Context, userID string, st *userState) int {
	created := 0
	for {
		fanout := b.Fanout()
		st.mu.Lock()
		level := st.readyLevel(fanout)
		if level < 0 || st.forgotten {
			st.mu.Unlock()
			return created
		}
		g := st.groups[level]
		g.inflight = fanout
		members := slices.Clone(g.members[:fanout])
		st.mu.Unlock()

		ok, again := b.flush(ctx, userID, st, level, members)
		if ok {
			created++
		} else if !again {
			return created
		}
	}
}

// flush summarises members of level and creates their parent. ok reports
// whether a parent was created; again reports that the group changed and
// may be flushed right away. On failure the group stays open.
func (b *Builder) flush(ctx context.Context, userID string, st *userState, level int, members []string) (ok, again bool) {
	ctx, span := observe.StartSpan(ctx, "hierarchy.flush")
	var flushErr error
	defer func() { observe.EndSpan(span, flushErr) }()

	release := func(drop []string) {
		st.mu.Lock()
		defer st.mu.Unlock()
		if g := st.groups[level]; g != nil {
			g.inflight = 0
			n := len(g.members)
			g.members = slices.DeleteFunc(g.members, func(id string) bool { return slices.Contains(drop, id) })
			if removed := n - len(g.members); removed > 0 {
				b.metrics.OpenGroupMembers.Add(ctx, -int64(removed))
			}
		}
	}

	contents := make([]string, 0, len(members))
	var missing []string
	for _, id := range members {
		n, err := b.store.GetNode(ctx, id)
		if errors.Is(err, memory.ErrNotFound) {
			missing = append(missing, id)
			continue
		}
		if err != nil {
			flushErr = err
			release(nil)
			slog.Warn("hierarchy: load group member", "user_id", userID, "node_id", id, "error", err)
			return false, false
		}
		contents = append(contents, n.Content)
	}
	if len(missing) > 0 {
		// Members vanished (pruned or deleted); the group refills from newer
		// siblings before it is summarised.
		release(missing)
		return false, true
	}

	summary, err := b.summariser.Summarize(ctx, contents)
	if err != nil {
		flushErr = err
		release(nil)
		b.metrics.RecordSummary(ctx, level+1, err)
		b.emitter.Emit(ctx, events.New(events.SummaryFailed, userID, "level", level+1, "members", len(members), "error", err))
		slog.Warn("hierarchy: summarise group", "user_id", userID, "level", level, "error", err)
		return false, false
	}

	st.mu.Lock()
	forgotten := st.forgotten
	st.mu.Unlock()
	if forgotten {
		release(nil)
		return false, false
	}

	now := b.now()
	parent := memory.MemoryNode{
		ID:        uuid.NewString(),
		UserID:    userID,
		Level:     level + 1,
		Content:   summary,
		CreatedAt: now,
		Children:  members,
	}
	b.scorer.Init(&parent, now)
	if _, err := b.store.InsertNode(ctx, parent); err != nil {
		flushErr = err
		release(nil)
		b.metrics.RecordSummary(ctx, level+1, err)
		slog.Warn("hierarchy: insert parent", "user_id", userID, "level", level+1, "error", err)
		return false, false
	}

	// The parent already lists its children; a failed pointer update leaves
	// a child-list entry without a back pointer, which reconciliation adopts.
	for _, id := range members {
		if err := b.store.UpdateNode(ctx, id, memory.NodePatch{Parent: &parent.ID, Summarised: memory.Ptr(true)}); err != nil {
			slog.Warn("hierarchy: attach child", "user_id", userID, "node_id", id, "parent_id", parent.ID, "error", err)
		}
	}

	release(members)
	st.mu.Lock()
	added := st.add(level+1, parent.ID)
	st.mu.Unlock()
	if added {
		b.metrics.OpenGroupMembers.Add(ctx, 1)
	}

	b.metrics.RecordSummary(ctx, level+1, nil)
	b.emitter.Emit(ctx, events.New(events.SummaryCreated, userID, "node_id", parent.ID, "level", level+1, "children", len(members)))
	slog.Debug("hierarchy: summary created", "user_id", userID, "node_id", parent.ID, "level", level+1)

	b.embedAsync(ctx, userID, parent.ID, parent.Content)
	return true, false
}

// ─────────────────────────────────────────────────────────────────────────────
// Embeddings
// ─────────────────────────────────────────────────────────────────────────────

func (b *Builder) embedAsync(ctx context.Context, userID, id, content string) {
	if b.embedder == nil {
		return
	}
	bg := context.WithoutCancel(ctx)
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		if err := b.embedSem.Acquire(bg, 1); err != nil {
			return
		}
		defer b.embedSem.Release(1)

		vec, err := b.embedder.Embed(bg, content)
		if err == nil {
			err = b.store.UpdateNode(bg, id, memory.NodePatch{Embedding: &vec})
			if errors.Is(err, memory.ErrNotFound) {
				return
			}
		}
		b.metrics.RecordEmbedding(bg, "ingest", 1, err)
		if err != nil {
			slog.Debug("hierarchy: embed node, left for backfill", "user_id", userID, "node_id", id, "error", err)
		}
	}()
}

// BackfillEmbeddings computes missing embeddings of userID in batches and
// returns how many nodes were updated.
func (b *Builder) BackfillEmbeddings(ctx context.Context, userID string) (int, error) {
	if b.embedder == nil {
		return 0, nil
	}
	nodes, err := b.store.ListMissingEmbedding(ctx, userID, DefaultBackfillBatch)
	if err != nil {
		return 0, fmt.Errorf("hierarchy: backfill %s: %w", userID, err)
	}
	if len(nodes) == 0 {
		return 0, nil
	}
	texts := make([]string, len(nodes))
	for i, n := range nodes {
		texts[i] = n.Content
	}
	vecs, err := b.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		b.metrics.RecordEmbedding(ctx, "backfill", len(nodes), err)
		return 0, fmt.Errorf("hierarchy: backfill %s: %w", userID, err)
	}

	done := 0
	for i, n := range nodes {
		if err := b.store.UpdateNode(ctx, n.ID, memory.NodePatch{Embedding: &vecs[i]}); err != nil {
			if !errors.Is(err, memory.ErrNotFound) {
				slog.Warn("hierarchy: backfill update", "user_id", userID, "node_id", n.ID, "error", err)
			}
			continue
		}
		done++
	}
	b.metrics.RecordEmbedding(ctx, "backfill", done, nil)
	return done, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Queries used by pruning
// ─────────────────────────────────────────────────────────────────────────────

// IsProtected reports whether node id of userID must not be evicted: it is
// an un-summarised level-0 member of an open group or is being summarised
// right now. Users whose state has not been restored yet protect nothing;
// call [Builder.Restore] first.
func (b *Builder) IsProtected(userID, id string) bool {
	b.mu.Lock()
	st := b.users[userID]
	b.mu.Unlock()
	if st == nil {
		return false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	for level, g := range st.groups {
		if level == 0 && slices.Contains(g.members, id) {
			return true
		}
		if g.inflight > 0 && slices.Contains(g.members[:min(g.inflight, len(g.members))], id) {
			return true
		}
	}
	return false
}

// OpenMembers returns the ids in the open group of userID at level.
func (b *Builder) OpenMembers(userID string, level int) []string {
	b.mu.Lock()
	st := b.users[userID]
	b.mu.Unlock()
	if st == nil {
		return nil
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if g := st.groups[level]; g != nil {
		return slices.Clone(g.members)
	}
	return nil
}

// Evicted removes id from the open groups of userID.
func (b *Builder) Evicted(userID, id string) {
	b.mu.Lock()
	st := b.users[userID]
	b.mu.Unlock()
	if st == nil {
		return
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	for _, g := range st.groups {
		if i := slices.Index(g.members, id); i >= 0 && i >= g.inflight {
			g.members = slices.Delete(g.members, i, i+1)
			b.metrics.OpenGroupMembers.Add(context.Background(), -1)
		}
	}
}

// Restore loads the open groups of userID from the store if they are not in
// memory yet.
func (b *Builder) Restore(ctx context.Context, userID string) error {
	_, err := b.state(ctx, userID)
	return err
}

// Forget drops all in-memory state of userID. In-flight summarisations for
// the user are abandoned before they insert a parent.
func (b *Builder) Forget(userID string) {
	b.mu.Lock()
	st := b.users[userID]
	delete(b.users, userID)
	b.mu.Unlock()
	if st == nil {
		return
	}
	st.mu.Lock()
	st.forgotten = true
	n := 0
	for _, g := range st.groups {
		n += len(g.members)
	}
	st.groups = nil
	st.mu.Unlock()
	if n > 0 {
		b.metrics.OpenGroupMembers.Add(context.Background(), -int64(n))
	}
}

// Wait blocks until all background embedding and summarisation work has
// finished.
func (b *Builder) Wait() { b.wg.Wait() }

// ─────────────────────────────────────────────────────────────────────────────
// State
// ─────────────────────────────────────────────────────────────────────────────

// state returns the loaded state of userID, restoring it from the store on
// first use. Concurrent first uses share one restoration.
func (b *Builder) state(ctx context.Context, userID string) (*userState, error) {
	b.mu.Lock()
	st, ok := b.users[userID]
	if !ok {
		st = &userState{groups: make(map[int]*group)}
		b.users[userID] = st
	}
	b.mu.Unlock()

	st.mu.Lock()
	loaded := st.loaded
	st.mu.Unlock()
	if loaded {
		return st, nil
	}

	v, err, _ := b.loads.Do(userID, func() (any, error) {
		return b.restore(ctx, userID)
	})
	if err != nil {
		return nil, err
	}
	restored := v.(map[int][]string)

	st.mu.Lock()
	defer st.mu.Unlock()
	if !st.loaded {
		n := 0
		for level, ids := range restored {
			for _, id := range ids {
				if st.add(level, id) {
					n++
				}
			}
		}
		st.loaded = true
		if n > 0 {
			b.metrics.OpenGroupMembers.Add(ctx, int64(n))
		}
	}
	return st, nil
}

// restore derives open groups from the store: per level, the trailing run of
// un-parented nodes created after the newest node that has a parent or was
// summarised before. Children detached by an eviction keep their Summarised
// mark and so stay out of the groups.
func (b *Builder) restore(ctx context.Context, userID string) (map[int][]string, error) {
	nodes, err := b.store.ListNodes(ctx, userID)
	if err != nil {
		return nil, err
	}
	byLevel := make(map[int][]memory.MemoryNode)
	for _, n := range nodes {
		byLevel[n.Level] = append(byLevel[n.Level], n)
	}
	out := make(map[int][]string, len(byLevel))
	for level, ns := range byLevel {
		start := 0
		for i, n := range ns {
			if n.Parent != "" || n.Summarised {
				start = i + 1
			}
		}
		for _, n := range ns[start:] {
			out[level] = append(out[level], n.ID)
		}
	}
	return out, nil
}

// add appends id to the group of level unless it is already a member.
func (st *userState) add(level int, id string) bool {
	g := st.groups[level]
	if g == nil {
		g = &group{}
		st.groups[level] = g
	}
	if slices.Contains(g.members, id) {
		return false
	}
	g.members = append(g.members, id)
	return true
}

// readyLevel returns the lowest level whose group can be flushed, or -1.
func (st *userState) readyLevel(fanout int) int {
	best := -1
	for level, g := range st.groups {
		if g.inflight == 0 && len(g.members) >= fanout && (best < 0 || level < best) {
			best = level
		}
	}
	return best
}
