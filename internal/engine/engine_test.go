package engine_test

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/aimemory/internal/engine"
	"github.com/MrWong99/aimemory/internal/events"
	"github.com/MrWong99/aimemory/internal/hierarchy"
	"github.com/MrWong99/aimemory/internal/prune"
	"github.com/MrWong99/aimemory/internal/retrieval"
	"github.com/MrWong99/aimemory/internal/scoring"
	"github.com/MrWong99/aimemory/pkg/memory"
	"github.com/MrWong99/aimemory/pkg/memory/mock"
)

var t0 = time.Date(2026, 4, 2, 12, 0, 0, 0, time.UTC)

type summariser struct {
	mu    sync.Mutex
	err   error
	calls int
}

func (s *summariser) Summarize(_ context.Context, contents []string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return "", s.err
	}
	return fmt.Sprintf("summary of %d turns", len(contents)), nil
}

type emitter struct {
	mu     sync.Mutex
	events []events.Event
}

func (e *emitter) Emit(_ context.Context, ev events.Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, ev)
}

func (e *emitter) types() []events.Type {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]events.Type, len(e.events))
	for i, ev := range e.events {
		out[i] = ev.Type
	}
	return out
}

type countingPruner struct {
	mu    sync.Mutex
	users []string
}

func (p *countingPruner) EnsureCapacity(_ context.Context, userID string) (prune.Report, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.users = append(p.users, userID)
	return prune.Report{}, nil
}

type fixture struct {
	store  *mock.Store
	sum    *summariser
	events *emitter
	pruner *countingPruner
	b      *hierarchy.Builder
	e      *engine.Engine
}

func newFixture(t *testing.T, filter engine.Filter) *fixture {
	t.Helper()
	f := &fixture{store: mock.New(), sum: &summariser{}, events: &emitter{}, pruner: &countingPruner{}}
	now := func() time.Time { return t0 }

	scorer, err := scoring.New(f.store, scoring.DefaultPolicy())
	if err != nil {
		t.Fatalf("scoring.New: %v", err)
	}
	f.b = hierarchy.NewBuilder(f.store, scorer, f.sum, hierarchy.WithClock(now))
	r, err := retrieval.New(f.store, scorer, retrieval.DefaultConfig(), retrieval.WithClock(now))
	if err != nil {
		t.Fatalf("retrieval.New: %v", err)
	}
	f.e, err = engine.New(engine.Config{
		Store:     f.store,
		Builder:   f.b,
		Pruner:    f.pruner,
		Retriever: r,
		Emitter:   f.events,
		Filter:    filter,
		Now:       now,
	})
	if err != nil {
		t.Fatalf("engine.New: %v", err)
	}
	return f
}

func (f *fixture) record(t *testing.T, user, text string) engine.Ack {
	t.Helper()
	ack, err := f.e.RecordTurn(context.Background(), engine.TurnInput{UserID: user, Role: memory.RoleUser, Text: text})
	if err != nil {
		t.Fatalf("RecordTurn: %v", err)
	}
	return ack
}

func TestRecordTurn_BuildsHierarchy(t *testing.T) {
	t.Parallel()
	f := newFixture(t, engine.Filter{})
	ctx := context.Background()

	var acks []engine.Ack
	for i := range 5 {
		acks = append(acks, f.record(t, "u1", fmt.Sprintf("turn number %d", i)))
	}
	f.e.Wait()

	for _, a := range acks {
		if a.TurnID == "" || a.NodeID == "" {
			t.Fatalf("ack = %+v, want turn and node ids", a)
		}
		n, err := f.store.GetNode(ctx, a.NodeID)
		if err != nil {
			t.Fatalf("GetNode: %v", err)
		}
		if n.ImportanceScore != scoring.DefaultPolicy().BaseScore {
			t.Errorf("leaf score = %v, want base score", n.ImportanceScore)
		}
		if n.TurnID != a.TurnID {
			t.Errorf("leaf turn = %q, want %q", n.TurnID, a.TurnID)
		}
	}

	parents, err := f.store.ListByLevel(ctx, "u1", 1)
	if err != nil {
		t.Fatalf("ListByLevel: %v", err)
	}
	if len(parents) != 1 {
		t.Fatalf("level-1 nodes = %d, want 1", len(parents))
	}
	if got := len(parents[0].Children); got != 5 {
		t.Errorf("children = %d, want 5", got)
	}
	if parents[0].Content != "summary of 5 turns" {
		t.Errorf("content = %q", parents[0].Content)
	}
	if got := slices.Index(f.events.types(), events.TurnIngested); got < 0 {
		t.Error("no turn.ingested event")
	}
	if len(f.pruner.users) != 5 {
		t.Errorf("capacity checks = %d, want 5", len(f.pruner.users))
	}
}

func TestRecordTurn_InvalidInput(t *testing.T) {
	t.Parallel()
	f := newFixture(t, engine.Filter{})

	tests := []struct {
		name string
		in   engine.TurnInput
	}{
		{"no user", engine.TurnInput{Role: memory.RoleUser, Text: "hi"}},
		{"bad role", engine.TurnInput{UserID: "u1", Role: "system", Text: "hi"}},
		{"blank text", engine.TurnInput{UserID: "u1", Role: memory.RoleUser, Text: "  "}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := f.e.RecordTurn(context.Background(), tc.in); !errors.Is(err, engine.ErrInvalidTurn) {
				t.Errorf("err = %v, want ErrInvalidTurn", err)
			}
		})
	}
	if n := f.store.CallCount("InsertTurn"); n != 0 {
		t.Errorf("InsertTurn calls = %d, want 0", n)
	}
}

func TestRecordTurn_TurnPersistFailureIsReturned(t *testing.T) {
	t.Parallel()
	f := newFixture(t, engine.Filter{})
	f.store.SetErr("InsertTurn", memory.ErrUnavailable)

	_, err := f.e.RecordTurn(context.Background(), engine.TurnInput{UserID: "u1", Role: memory.RoleUser, Text: "hello"})
	if !errors.Is(err, memory.ErrUnavailable) {
		t.Fatalf("err = %v, want ErrUnavailable", err)
	}
	if n := f.store.CallCount("InsertNode"); n != 0 {
		t.Errorf("InsertNode calls = %d, want 0", n)
	}
}

func TestRecordTurn_LeafFailureIsAbsorbed(t *testing.T) {
	t.Parallel()
	f := newFixture(t, engine.Filter{})
	f.store.SetErr("InsertNode", memory.ErrUnavailable)

	ack := f.record(t, "u1", "hello there")
	if ack.TurnID == "" || ack.NodeID != "" {
		t.Errorf("ack = %+v, want turn id only", ack)
	}
	if !slices.Contains(f.events.types(), events.Failure) {
		t.Error("no error event emitted")
	}
}

func TestRecordTurn_SummariserDown(t *testing.T) {
	t.Parallel()
	f := newFixture(t, engine.Filter{})
	f.sum.err = fmt.Errorf("%w: provider down", memory.ErrUnavailable)

	for i := range 5 {
		f.record(t, "u1", fmt.Sprintf("turn %d", i))
	}
	f.e.Wait()

	leaves, _ := f.store.ListByLevel(context.Background(), "u1", 0)
	if len(leaves) != 5 {
		t.Errorf("leaves = %d, want 5", len(leaves))
	}
	parents, _ := f.store.ListByLevel(context.Background(), "u1", 1)
	if len(parents) != 0 {
		t.Errorf("parents = %d, want 0", len(parents))
	}
}

func TestRecordTurn_Filter(t *testing.T) {
	t.Parallel()
	f := newFixture(t, engine.Filter{MinTurnChars: 10, Roles: []memory.Role{memory.RoleUser}})
	ctx := context.Background()

	short := f.record(t, "u1", "too short")
	long := f.record(t, "u1", "long enough to remember")
	asst, err := f.e.RecordTurn(ctx, engine.TurnInput{UserID: "u1", Role: memory.RoleAssistant, Text: "an assistant reply of some length"})
	if err != nil {
		t.Fatalf("RecordTurn: %v", err)
	}

	if short.NodeID != "" || asst.NodeID != "" {
		t.Errorf("filtered turns got nodes: %+v %+v", short, asst)
	}
	if long.NodeID == "" {
		t.Error("admitted turn got no node")
	}
	if _, err := f.store.GetTurn(ctx, short.TurnID); err != nil {
		t.Errorf("filtered turn not persisted: %v", err)
	}
}

func TestFilter_Validate(t *testing.T) {
	t.Parallel()
	err := engine.Filter{MinTurnChars: -1, Roles: []memory.Role{"bot"}}.Validate()
	if err == nil {
		t.Fatal("expected error")
	}
	f := newFixture(t, engine.Filter{})
	if err := f.e.SetFilter(engine.Filter{MinTurnChars: -2}); err == nil {
		t.Error("SetFilter accepted an invalid filter")
	}
	if err := f.e.SetFilter(engine.Filter{MinTurnChars: 3}); err != nil {
		t.Errorf("SetFilter: %v", err)
	}
	if f.e.Filter().MinTurnChars != 3 {
		t.Errorf("MinTurnChars = %d, want 3", f.e.Filter().MinTurnChars)
	}
}

func TestRetrieve_LexicalMatch(t *testing.T) {
	t.Parallel()
	f := newFixture(t, engine.Filter{})
	f.record(t, "u1", "I drink oolong tea every morning")
	want := f.record(t, "u1", "my cat is called Miso")
	f.e.Wait()

	resp, err := f.e.Retrieve(context.Background(), retrieval.Query{UserID: "u1", Text: "my cat is called Miso", TopK: 1})
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if len(resp.Items) != 1 || resp.Items[0].NodeID != want.NodeID {
		t.Fatalf("items = %+v, want %s first", resp.Items, want.NodeID)
	}
	if resp.AssembledContext == "" {
		t.Error("empty assembled context")
	}
}

func TestRetrieve_StoreFailure(t *testing.T) {
	t.Parallel()
	f := newFixture(t, engine.Filter{})
	f.store.SetErr("HybridSearch", memory.ErrUnavailable)

	if _, err := f.e.Retrieve(context.Background(), retrieval.Query{UserID: "u1", Text: "x"}); !errors.Is(err, memory.ErrUnavailable) {
		t.Fatalf("err = %v, want ErrUnavailable", err)
	}
	if !slices.Contains(f.events.types(), events.Failure) {
		t.Error("no error event emitted")
	}
}

func TestForgetUser(t *testing.T) {
	t.Parallel()
	f := newFixture(t, engine.Filter{})
	ctx := context.Background()

	for i := range 3 {
		f.record(t, "u1", fmt.Sprintf("old turn %d", i))
	}
	f.record(t, "u2", "someone else")
	f.e.Wait()

	if err := f.e.ForgetUser(ctx, "u1"); err != nil {
		t.Fatalf("ForgetUser: %v", err)
	}
	if n, _ := f.store.CountForUser(ctx, "u1"); n != 0 {
		t.Errorf("u1 nodes = %d, want 0", n)
	}
	if got := f.b.OpenMembers("u1", 0); len(got) != 0 {
		t.Errorf("open members = %v, want none", got)
	}
	if n, _ := f.store.CountForUser(ctx, "u2"); n != 1 {
		t.Errorf("u2 nodes = %d, want 1", n)
	}
	if !slices.Contains(f.events.types(), events.UserForgotten) {
		t.Error("no user.forgotten event")
	}

	// A fresh group starts from scratch.
	for i := range 5 {
		f.record(t, "u1", fmt.Sprintf("new turn %d", i))
	}
	f.e.Wait()
	parents, _ := f.store.ListByLevel(ctx, "u1", 1)
	if len(parents) != 1 {
		t.Fatalf("parents = %d, want 1", len(parents))
	}

	if err := f.e.ForgetUser(ctx, ""); err == nil {
		t.Error("expected error for empty user id")
	}
}

func TestNew_Validation(t *testing.T) {
	t.Parallel()
	if _, err := engine.New(engine.Config{}); err == nil {
		t.Fatal("expected error for empty config")
	}
}
