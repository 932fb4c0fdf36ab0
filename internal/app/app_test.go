package app_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/aimemory/internal/app"
	"github.com/MrWong99/aimemory/internal/config"
	"github.com/MrWong99/aimemory/internal/engine"
	"github.com/MrWong99/aimemory/internal/events"
	"github.com/MrWong99/aimemory/internal/retrieval"
	"github.com/MrWong99/aimemory/internal/resilience"
	"github.com/MrWong99/aimemory/pkg/memory"
	"github.com/MrWong99/aimemory/pkg/memory/mock"
	embmock "github.com/MrWong99/aimemory/pkg/provider/embeddings/mock"
	"github.com/MrWong99/aimemory/pkg/provider/llm"
	llmmock "github.com/MrWong99/aimemory/pkg/provider/llm/mock"
)

type recordingSink struct {
	mu     sync.Mutex
	events []events.Event
}

func (s *recordingSink) Send(_ context.Context, evs []events.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, evs...)
	return nil
}

func (s *recordingSink) count(t events.Type) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.events {
		if e.Type == t {
			n++
		}
	}
	return n
}

func testConfig(t *testing.T, yaml string) *config.Config {
	t.Helper()
	cfg, err := config.LoadFromReader(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	return cfg
}

func testProviders() *app.Providers {
	return &app.Providers{
		Embeddings: &embmock.Provider{EmbedFunc: embmock.HashEmbed(32), DimensionsValue: 32},
		LLM:        &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{Content: "the user talked about tea"}},
	}
}

func TestNew_EndToEnd(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	store := mock.New()
	sink := &recordingSink{}
	a, err := app.New(ctx, testConfig(t, "maintenance:\n  disabled: true\n"), testProviders(),
		app.WithStore(store), app.WithEventSink(sink))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if a.Scheduler() != nil {
		t.Error("scheduler built although maintenance is disabled")
	}

	for i := range 5 {
		if _, err := a.Engine().RecordTurn(ctx, engine.TurnInput{
			UserID: "u1", Role: memory.RoleUser, Text: fmt.Sprintf("I like green tea, note %d", i),
		}); err != nil {
			t.Fatalf("RecordTurn: %v", err)
		}
	}
	a.Engine().Wait()

	parents, err := store.ListByLevel(ctx, "u1", 1)
	if err != nil {
		t.Fatalf("ListByLevel: %v", err)
	}
	if len(parents) != 1 || parents[0].Content != "the user talked about tea" {
		t.Fatalf("parents = %+v", parents)
	}
	if len(parents[0].Embedding) == 0 {
		t.Error("parent was not embedded")
	}

	resp, err := a.Engine().Retrieve(ctx, retrieval.Query{UserID: "u1", Text: "green tea", TopK: 2})
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if len(resp.Items) == 0 || resp.Degraded {
		t.Errorf("response = %+v, want non-degraded hits", resp)
	}

	if err := a.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if got := sink.count(events.TurnIngested); got != 5 {
		t.Errorf("turn.ingested events = %d, want 5", got)
	}
	if got := sink.count(events.SummaryCreated); got != 1 {
		t.Errorf("summary.created events = %d, want 1", got)
	}
	if store.CallCount("Close") != 1 {
		t.Errorf("store closed %d times, want 1", store.CallCount("Close"))
	}
	if err := a.Shutdown(ctx); err != nil {
		t.Errorf("second Shutdown: %v", err)
	}
}

func TestNew_WithoutProviders(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	store := mock.New()
	a, err := app.New(ctx, testConfig(t, "events:\n  sink: none\n"), nil, app.WithStore(store))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Shutdown(ctx)

	for i := range 5 {
		if _, err := a.Engine().RecordTurn(ctx, engine.TurnInput{UserID: "u1", Role: memory.RoleUser, Text: fmt.Sprintf("turn %d", i)}); err != nil {
			t.Fatalf("RecordTurn: %v", err)
		}
	}
	a.Engine().Wait()

	if parents, _ := store.ListByLevel(ctx, "u1", 1); len(parents) != 0 {
		t.Errorf("parents = %d, want 0 without a completion provider", len(parents))
	}
	resp, err := a.Engine().Retrieve(ctx, retrieval.Query{UserID: "u1", Text: "turn 3"})
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if len(resp.Items) == 0 {
		t.Error("lexical retrieval returned nothing")
	}
}

func TestNew_SQLiteBackend(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	a, err := app.New(ctx, testConfig(t, "store:\n  backend: sqlite\n  dsn: \":memory:\"\n  cache:\n    max_nodes: 100\nevents:\n  sink: none\n"), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ack, err := a.Engine().RecordTurn(ctx, engine.TurnInput{UserID: "u1", Role: memory.RoleAssistant, Text: "stored in sqlite"})
	if err != nil {
		t.Fatalf("RecordTurn: %v", err)
	}
	if ack.NodeID == "" {
		t.Error("no leaf created")
	}
	if err := a.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}

func TestApplyConfig(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	store := mock.New()
	a, err := app.New(ctx, testConfig(t, "events:\n  sink: none\n"), testProviders(), app.WithStore(store))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Shutdown(ctx)

	d, err := a.ApplyConfig(testConfig(t, "events:\n  sink: none\nengine:\n  fanout: 2\n  min_turn_chars: 4\n"))
	if err != nil {
		t.Fatalf("ApplyConfig: %v", err)
	}
	if !d.FanoutChanged || !d.FilterChanged {
		t.Errorf("diff = %+v", d)
	}
	if a.Engine().Filter().MinTurnChars != 4 {
		t.Errorf("filter not applied: %+v", a.Engine().Filter())
	}

	for _, text := range []string{"first turn", "second turn"} {
		if _, err := a.Engine().RecordTurn(ctx, engine.TurnInput{UserID: "u1", Role: memory.RoleUser, Text: text}); err != nil {
			t.Fatalf("RecordTurn: %v", err)
		}
	}
	a.Engine().Wait()
	if parents, _ := store.ListByLevel(ctx, "u1", 1); len(parents) != 1 {
		t.Errorf("parents = %d, want 1 with fanout 2", len(parents))
	}

	bad := testConfig(t, "events:\n  sink: none\n")
	bad.Engine.Alpha = new(float64)
	*bad.Engine.Alpha = 3
	if _, err := a.ApplyConfig(bad); err == nil {
		t.Error("expected error for an invalid alpha")
	}
}

func TestCheckers(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	store := mock.New()
	ps := testProviders()
	ps.LLMStates = func() map[string]resilience.State {
		return map[string]resilience.State{"openai": resilience.StateOpen}
	}
	a, err := app.New(ctx, testConfig(t, "events:\n  sink: none\n"), ps, app.WithStore(store))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Shutdown(ctx)

	results := map[string]error{}
	for _, c := range a.Checkers() {
		results[c.Name] = c.Check(ctx)
	}
	if len(results) != 2 {
		t.Fatalf("checkers = %v, want store and llm", results)
	}
	if results["store"] != nil {
		t.Errorf("store check: %v", results["store"])
	}
	if results["llm"] == nil {
		t.Error("llm check passed with every breaker open")
	}
}

func TestRun_StopsOnCancel(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	a, err := app.New(ctx, testConfig(t, "events:\n  sink: none\nmaintenance:\n  interval: 10ms\n"), nil, app.WithStore(mock.New()))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()
	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	if err := a.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown: %v", err)
	}
}
