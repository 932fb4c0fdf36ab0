package maintenance_test

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/aimemory/internal/hierarchy"
	"github.com/MrWong99/aimemory/internal/maintenance"
	"github.com/MrWong99/aimemory/internal/prune"
	"github.com/MrWong99/aimemory/internal/scoring"
	"github.com/MrWong99/aimemory/pkg/memory"
	"github.com/MrWong99/aimemory/pkg/memory/mock"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

type staticSummariser struct{}

func (staticSummariser) Summarize(_ context.Context, contents []string) (string, error) {
	return fmt.Sprintf("summary of %d", len(contents)), nil
}

// recorder implements every step interface and logs the calls it sees.
type recorder struct {
	mu    sync.Mutex
	steps []string
	fail  map[string]error
	users []string
	now   []time.Time
	ran   chan struct{}
}

func (r *recorder) record(user, step string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.steps = append(r.steps, user+":"+step)
	return r.fail[user+":"+step]
}

func (r *recorder) ListUsers(context.Context) ([]string, error) {
	if err := r.fail["list"]; err != nil {
		return nil, err
	}
	if r.ran != nil {
		select {
		case r.ran <- struct{}{}:
		default:
		}
	}
	return r.users, nil
}

func (r *recorder) Reconcile(_ context.Context, user string) (hierarchy.Report, error) {
	return hierarchy.Report{DanglingParents: 1}, r.record(user, "reconcile")
}

func (r *recorder) Sweep(_ context.Context, user string, now time.Time) (scoring.DecayReport, error) {
	r.mu.Lock()
	r.now = append(r.now, now)
	r.mu.Unlock()
	return scoring.DecayReport{Decayed: 2}, r.record(user, "decay")
}

type recordingPruner struct{ *recorder }

func (p recordingPruner) Sweep(_ context.Context, user string) (prune.Report, error) {
	return prune.Report{Evicted: 3}, p.record(user, "prune")
}

func (r *recorder) RetryOpenGroups(_ context.Context, user string) (int, error) {
	return 1, r.record(user, "retry")
}

func (r *recorder) BackfillEmbeddings(_ context.Context, user string) (int, error) {
	return 4, r.record(user, "backfill")
}

func (r *recorder) config() maintenance.Config {
	return maintenance.Config{
		Users:      r,
		Decayer:    r,
		Pruner:     recordingPruner{r},
		Builder:    r,
		Reconciler: r,
	}
}

func TestRunNow_StepsAndReport(t *testing.T) {
	t.Parallel()

	r := &recorder{users: []string{"u1", "u2"}}
	cfg := r.config()
	cfg.Concurrency = 1
	s := maintenance.NewScheduler(cfg)

	now := t0.Add(72 * time.Hour)
	rep, err := s.RunNow(context.Background(), now)
	if err != nil {
		t.Fatalf("RunNow: %v", err)
	}
	want := maintenance.Report{Users: 2, Decayed: 4, Evicted: 6, Repairs: 2, Summaries: 2, Backfilled: 8}
	if rep != want {
		t.Errorf("report = %+v, want %+v", rep, want)
	}
	wantSteps := []string{
		"u1:reconcile", "u1:decay", "u1:prune", "u1:retry", "u1:backfill",
		"u2:reconcile", "u2:decay", "u2:prune", "u2:retry", "u2:backfill",
	}
	if !slices.Equal(r.steps, wantSteps) {
		t.Errorf("steps = %v, want %v", r.steps, wantSteps)
	}
	for _, n := range r.now {
		if !n.Equal(now) {
			t.Errorf("decay ran at %v, want the cycle time %v", n, now)
		}
	}
}

func TestRunNow_StepFailureContinues(t *testing.T) {
	t.Parallel()

	r := &recorder{
		users: []string{"u1", "u2"},
		fail: map[string]error{
			"u1:decay":     errors.New("store down"),
			"u2:reconcile": errors.New("store down"),
		},
	}
	s := maintenance.NewScheduler(r.config())

	rep, err := s.RunNow(context.Background(), t0)
	if err != nil {
		t.Fatalf("RunNow: %v", err)
	}
	if rep.Failures != 2 {
		t.Errorf("Failures = %d, want 2", rep.Failures)
	}
	if len(r.steps) != 10 {
		t.Errorf("ran %d steps, want all 10", len(r.steps))
	}
}

func TestRunNow_ListUsersFailure(t *testing.T) {
	t.Parallel()

	r := &recorder{fail: map[string]error{"list": memory.ErrUnavailable}}
	s := maintenance.NewScheduler(r.config())

	if _, err := s.RunNow(context.Background(), t0); !errors.Is(err, memory.ErrUnavailable) {
		t.Fatalf("err = %v, want ErrUnavailable", err)
	}
}

func TestRunNow_OptionalStepsSkipped(t *testing.T) {
	t.Parallel()

	r := &recorder{users: []string{"u1"}}
	s := maintenance.NewScheduler(maintenance.Config{Users: r, Decayer: r, Pruner: recordingPruner{r}})

	if _, err := s.RunNow(context.Background(), t0); err != nil {
		t.Fatalf("RunNow: %v", err)
	}
	if want := []string{"u1:decay", "u1:prune"}; !slices.Equal(r.steps, want) {
		t.Errorf("steps = %v, want %v", r.steps, want)
	}
}

func TestStartStop(t *testing.T) {
	t.Parallel()

	r := &recorder{users: []string{"u1"}, ran: make(chan struct{}, 1)}
	cfg := r.config()
	cfg.Interval = 5 * time.Millisecond
	s := maintenance.NewScheduler(cfg)

	s.Start(context.Background())
	select {
	case <-r.ran:
	case <-time.After(2 * time.Second):
		t.Fatal("no cycle ran")
	}
	s.Stop()
	s.Stop()
}

// A node whose score decayed to zero, unaccessed and outside any open
// group, is evicted by the next cycle. The open leaf is kept.
func TestRunNow_DecayedNodesEvicted(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	store := mock.New()
	policy := scoring.DefaultPolicy()
	policy.DecayRates = []float64{1}
	scorer, err := scoring.New(store, policy)
	if err != nil {
		t.Fatalf("scoring.New: %v", err)
	}
	b := hierarchy.NewBuilder(store, scorer, staticSummariser{},
		hierarchy.WithClock(func() time.Time { return t0 }))

	var leaves []string
	for i := range 6 {
		turn := memory.ConversationTurn{UserID: "u1", Role: memory.RoleUser, Text: fmt.Sprintf("turn %d", i), CreatedAt: t0}
		id, err := store.InsertTurn(ctx, turn)
		if err != nil {
			t.Fatalf("InsertTurn: %v", err)
		}
		turn.ID = id
		n, err := b.Ingest(ctx, turn)
		if err != nil {
			t.Fatalf("Ingest: %v", err)
		}
		leaves = append(leaves, n.ID)
	}
	b.Wait()

	pruner := prune.New(store, b, prune.Policy{Threshold: 0, MaxNodesPerUser: 100})
	s := maintenance.NewScheduler(maintenance.Config{
		Users:      store,
		Decayer:    scorer,
		Pruner:     pruner,
		Builder:    b,
		Reconciler: hierarchy.NewReconciler(store, nil, nil),
	})

	rep, err := s.RunNow(ctx, t0.Add(48*time.Hour))
	if err != nil {
		t.Fatalf("RunNow: %v", err)
	}
	if rep.Failures != 0 {
		t.Errorf("Failures = %d, want 0", rep.Failures)
	}

	nodes, err := store.ListNodes(ctx, "u1")
	if err != nil {
		t.Fatalf("ListNodes: %v", err)
	}
	if len(nodes) != 1 || nodes[0].ID != leaves[5] {
		ids := make([]string, len(nodes))
		for i, n := range nodes {
			ids[i] = n.ID
		}
		t.Fatalf("remaining = %v, want only the open leaf %s", ids, leaves[5])
	}
	if rep.Evicted != 6 {
		t.Errorf("Evicted = %d, want 6", rep.Evicted)
	}
}
