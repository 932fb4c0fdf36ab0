package retrieval_test

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/aimemory/internal/gateway"
	"github.com/MrWong99/aimemory/internal/resilience"
	"github.com/MrWong99/aimemory/internal/retrieval"
	"github.com/MrWong99/aimemory/internal/scoring"
	"github.com/MrWong99/aimemory/pkg/memory"
	"github.com/MrWong99/aimemory/pkg/memory/mock"
	embmock "github.com/MrWong99/aimemory/pkg/provider/embeddings/mock"
	"github.com/MrWong99/aimemory/pkg/provider/llm"
	llmmock "github.com/MrWong99/aimemory/pkg/provider/llm/mock"
)

var t0 = time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)

func approx(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func newEngine(t *testing.T, store *mock.Store, opts ...retrieval.Option) *retrieval.Engine {
	t.Helper()
	scorer, err := scoring.New(store, scoring.DefaultPolicy())
	if err != nil {
		t.Fatal(err)
	}
	e, err := retrieval.New(store, scorer, retrieval.DefaultConfig(), opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return e
}

func put(t *testing.T, s memory.Store, n memory.MemoryNode) {
	t.Helper()
	if n.UserID == "" {
		n.UserID = "u1"
	}
	if n.ImportanceScore == 0 {
		n.ImportanceScore = 1
	}
	if _, err := s.InsertNode(context.Background(), n); err != nil {
		t.Fatalf("InsertNode %s: %v", n.ID, err)
	}
}

func TestMerge(t *testing.T) {
	t.Parallel()

	cands := []memory.Candidate{
		{Node: memory.MemoryNode{ID: "a", CreatedAt: t0}, LexicalScore: 0.2, SemanticScore: 0.9},
		{Node: memory.MemoryNode{ID: "b", CreatedAt: t0}, LexicalScore: 1.0, SemanticScore: 0.1},
		{Node: memory.MemoryNode{ID: "c", CreatedAt: t0}, LexicalScore: 0.6, SemanticScore: 0.5},
	}

	t.Run("semantic weighted", func(t *testing.T) {
		got := retrieval.Merge(cands, 0.7)
		if got[0].Node.ID != "a" {
			t.Fatalf("top = %s, want a", got[0].Node.ID)
		}
		// a: 0.7*1 + 0.3*0 ; c: 0.7*0.5 + 0.3*0.5 ; b: 0.7*0 + 0.3*1
		want := map[string]float64{"a": 0.7, "c": 0.5, "b": 0.3}
		for _, r := range got {
			if !approx(r.Relevance, want[r.Node.ID]) {
				t.Errorf("%s relevance = %v, want %v", r.Node.ID, r.Relevance, want[r.Node.ID])
			}
		}
	})

	t.Run("lexical only", func(t *testing.T) {
		got := retrieval.Merge(cands, 0)
		if got[0].Node.ID != "b" || !approx(got[0].Relevance, 1) {
			t.Errorf("top = %s (%v), want b (1)", got[0].Node.ID, got[0].Relevance)
		}
	})

	t.Run("no spread", func(t *testing.T) {
		flat := []memory.Candidate{
			{Node: memory.MemoryNode{ID: "late", CreatedAt: t0.Add(time.Hour)}, LexicalScore: 0.4},
			{Node: memory.MemoryNode{ID: "early", CreatedAt: t0}, LexicalScore: 0.4},
		}
		got := retrieval.Merge(flat, 0.7)
		if got[0].Node.ID != "early" {
			t.Errorf("tie must favour earlier creation, got %s first", got[0].Node.ID)
		}
		// Lexical pool without spread scales to 1; semantic never fired.
		if !approx(got[0].Relevance, 0.3) {
			t.Errorf("relevance = %v, want 0.3", got[0].Relevance)
		}
	})
}

func TestRetrieve_ExactMatchPrefersEarliest(t *testing.T) {
	t.Parallel()

	s := mock.New()
	put(t, s, memory.MemoryNode{ID: "second", Content: "I love hiking in the alps", CreatedAt: t0.Add(time.Minute)})
	put(t, s, memory.MemoryNode{ID: "first", Content: "I love hiking in the alps", CreatedAt: t0})
	put(t, s, memory.MemoryNode{ID: "other", Content: "my cat is called Miso", CreatedAt: t0})

	resp, err := newEngine(t, s).Retrieve(context.Background(), retrieval.Query{UserID: "u1", Text: "I love hiking in the alps", TopK: 1})
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if len(resp.Items) != 1 || resp.Items[0].NodeID != "first" {
		t.Fatalf("items = %+v, want [first]", resp.Items)
	}
	if resp.Items[0].Source != memory.SourceLexical {
		t.Errorf("source = %s, want lexical", resp.Items[0].Source)
	}
}

func TestRetrieve_EmbeddingUnavailableFallsBack(t *testing.T) {
	t.Parallel()

	s := mock.New()
	put(t, s, memory.MemoryNode{ID: "n", Content: "favourite drink is green tea", CreatedAt: t0})

	p := &embmock.Provider{Err: errors.New("503")}
	emb := gateway.NewEmbedder(p, gateway.WithEmbedRetry(resilience.RetryConfig{MaxAttempts: 1}))
	e := newEngine(t, s, retrieval.WithEmbedder(emb))

	resp, err := e.Retrieve(context.Background(), retrieval.Query{UserID: "u1", Text: "green tea"})
	if err != nil {
		t.Fatalf("Retrieve must not fail when embeddings are down: %v", err)
	}
	if !resp.Degraded {
		t.Error("response should be marked degraded")
	}
	if len(resp.Items) != 1 || resp.Items[0].NodeID != "n" {
		t.Errorf("items = %+v", resp.Items)
	}
}

func TestRetrieve_EmbeddingTimeoutFallsBack(t *testing.T) {
	t.Parallel()

	s := mock.New()
	put(t, s, memory.MemoryNode{ID: "n", Content: "green tea", CreatedAt: t0})

	p := &embmock.Provider{EmbedResult: []float32{1}, Delay: time.Second}
	emb := gateway.NewEmbedder(p, gateway.WithEmbedTimeout(10*time.Millisecond))
	e := newEngine(t, s, retrieval.WithEmbedder(emb))

	resp, err := e.Retrieve(context.Background(), retrieval.Query{UserID: "u1", Text: "green tea"})
	if err != nil || !resp.Degraded || len(resp.Items) != 1 {
		t.Fatalf("Retrieve = (%+v, %v), want degraded lexical hit", resp, err)
	}
}

func TestRetrieve_Semantic(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := mock.New()
	embed := embmock.HashEmbed(64)
	for i, text := range []string{"espresso with oat milk", "weekend mountain trip"} {
		v, _ := embed(text)
		put(t, s, memory.MemoryNode{ID: fmt.Sprint(i), Content: text, Embedding: v, CreatedAt: t0})
	}

	e := newEngine(t, s, retrieval.WithEmbedder(gateway.NewEmbedder(&embmock.Provider{EmbedFunc: embed})))
	resp, err := e.Retrieve(ctx, retrieval.Query{UserID: "u1", Text: "oat milk espresso", TopK: 2})
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if resp.Degraded {
		t.Error("unexpected degraded response")
	}
	if len(resp.Items) == 0 || resp.Items[0].NodeID != "0" {
		t.Fatalf("items = %+v, want espresso first", resp.Items)
	}
	if resp.Items[0].Source != memory.SourceBoth {
		t.Errorf("source = %s, want both", resp.Items[0].Source)
	}
}

func TestRetrieve_AncestorsAndReinforcement(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := mock.New()
	put(t, s, memory.MemoryNode{ID: "root", Level: 2, Content: "life summary", CreatedAt: t0, Children: []string{"mid"}})
	put(t, s, memory.MemoryNode{ID: "mid", Level: 1, Content: "travel summary", CreatedAt: t0, Parent: "root", Children: []string{"leaf"}})
	put(t, s, memory.MemoryNode{ID: "leaf", Content: "flew to Lisbon in May", CreatedAt: t0, Parent: "mid"})

	now := t0.Add(time.Hour)
	e := newEngine(t, s, retrieval.WithClock(func() time.Time { return now }))
	resp, err := e.Retrieve(ctx, retrieval.Query{UserID: "u1", Text: "Lisbon", TopK: 1})
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if len(resp.Items) != 1 {
		t.Fatalf("items = %d, want 1", len(resp.Items))
	}
	anc := resp.Items[0].Ancestors
	if len(anc) != 2 || anc[0].NodeID != "root" || anc[1].NodeID != "mid" {
		t.Fatalf("ancestors = %+v, want root then mid", anc)
	}
	if !strings.Contains(resp.AssembledContext, "life summary") || !strings.Contains(resp.AssembledContext, "flew to Lisbon") {
		t.Errorf("assembled context = %q", resp.AssembledContext)
	}

	leaf, _ := s.GetNode(ctx, "leaf")
	if leaf.AccessCount != 1 || leaf.ImportanceScore != 1.5 || !leaf.LastAccessedAt.Equal(now) {
		t.Errorf("hit not reinforced: %+v", leaf)
	}
	for _, id := range []string{"root", "mid"} {
		n, _ := s.GetNode(ctx, id)
		if n.AccessCount != 0 {
			t.Errorf("ancestor %s was reinforced", id)
		}
	}
}

func TestRetrieve_SummaryHitIsNotReinforced(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := mock.New()
	put(t, s, memory.MemoryNode{ID: "sum", Level: 1, Content: "trip to Porto and Lisbon", CreatedAt: t0})
	put(t, s, memory.MemoryNode{ID: "leaf", Content: "Lisbon was sunny", CreatedAt: t0.Add(time.Minute)})

	resp, err := newEngine(t, s).Retrieve(ctx, retrieval.Query{UserID: "u1", Text: "Lisbon", TopK: 5})
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if len(resp.Items) != 2 {
		t.Fatalf("items = %d, want both the summary and the leaf", len(resp.Items))
	}
	if got := s.CallCount("UpdateNode"); got != 1 {
		t.Errorf("UpdateNode calls = %d, want 1 for the leaf only", got)
	}
	if n, _ := s.GetNode(ctx, "sum"); n.AccessCount != 0 {
		t.Errorf("summary hit reinforced: access count %d", n.AccessCount)
	}
	if n, _ := s.GetNode(ctx, "leaf"); n.AccessCount != 1 {
		t.Errorf("leaf access count = %d, want 1", n.AccessCount)
	}
}

func TestRetrieve_DanglingParentStopsChain(t *testing.T) {
	t.Parallel()

	s := mock.New()
	put(t, s, memory.MemoryNode{ID: "leaf", Content: "Lisbon", CreatedAt: t0})
	p := "gone"
	_ = s.UpdateNode(context.Background(), "leaf", memory.NodePatch{Parent: &p})

	resp, err := newEngine(t, s).Retrieve(context.Background(), retrieval.Query{UserID: "u1", Text: "Lisbon"})
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if len(resp.Items) != 1 || len(resp.Items[0].Ancestors) != 0 {
		t.Errorf("items = %+v", resp.Items)
	}
}

func TestRetrieve_ReinforceFailureIsAbsorbed(t *testing.T) {
	t.Parallel()

	s := mock.New()
	put(t, s, memory.MemoryNode{ID: "n", Content: "tea", CreatedAt: t0})
	s.SetErr("UpdateNode", memory.ErrUnavailable)

	resp, err := newEngine(t, s).Retrieve(context.Background(), retrieval.Query{UserID: "u1", Text: "tea"})
	if err != nil || len(resp.Items) != 1 {
		t.Errorf("Retrieve = (%+v, %v)", resp, err)
	}
}

func TestRetrieve_SearchFailure(t *testing.T) {
	t.Parallel()

	s := mock.New()
	s.SetErr("HybridSearch", memory.ErrUnavailable)
	if _, err := newEngine(t, s).Retrieve(context.Background(), retrieval.Query{UserID: "u1", Text: "x"}); !errors.Is(err, memory.ErrUnavailable) {
		t.Errorf("err = %v, want ErrUnavailable", err)
	}
	if _, err := newEngine(t, mock.New()).Retrieve(context.Background(), retrieval.Query{Text: "x"}); err == nil {
		t.Error("expected error for empty user id")
	}
}

func TestRetrieve_MinRelevance(t *testing.T) {
	t.Parallel()

	s := mock.New()
	put(t, s, memory.MemoryNode{ID: "strong", Content: "green tea", CreatedAt: t0})
	put(t, s, memory.MemoryNode{ID: "weak", Content: "green apples and pears and plums", CreatedAt: t0})

	e := newEngine(t, s)
	cfg := retrieval.DefaultConfig()
	cfg.MinRelevance = 0.9
	if err := e.SetConfig(cfg); err != nil {
		t.Fatal(err)
	}
	resp, err := e.Retrieve(context.Background(), retrieval.Query{UserID: "u1", Text: "green tea"})
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if len(resp.Items) != 1 || resp.Items[0].NodeID != "strong" {
		t.Errorf("items = %+v, want only strong", resp.Items)
	}
}

func TestRetrieve_Conversation(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := mock.New()
	var ids []string
	for i := range 10 {
		role := memory.RoleUser
		if i%2 == 1 {
			role = memory.RoleAssistant
		}
		id, err := s.InsertTurn(ctx, memory.ConversationTurn{
			UserID: "u1", ConversationID: "c1", Role: role,
			Text: fmt.Sprintf("turn %d", i), CreatedAt: t0.Add(time.Duration(i) * time.Minute),
		})
		if err != nil {
			t.Fatal(err)
		}
		ids = append(ids, id)
	}
	put(t, s, memory.MemoryNode{ID: "user-hit", Content: "zebra", TurnID: ids[4], CreatedAt: t0})
	put(t, s, memory.MemoryNode{ID: "assistant-hit", Content: "giraffe", TurnID: ids[5], CreatedAt: t0})

	e := newEngine(t, s)
	tests := []struct {
		query     string
		wantFirst string
		wantLast  string
	}{
		{"zebra", "turn 1", "turn 7"},
		{"giraffe", "turn 1", "turn 7"},
	}
	for _, tc := range tests {
		t.Run(tc.query, func(t *testing.T) {
			resp, err := e.Retrieve(ctx, retrieval.Query{UserID: "u1", Text: tc.query, TopK: 1, IncludeConversation: true})
			if err != nil {
				t.Fatalf("Retrieve: %v", err)
			}
			conv := resp.Items[0].Conversation
			if len(conv) == 0 {
				t.Fatal("no conversation context")
			}
			if conv[0].Text != tc.wantFirst || conv[len(conv)-1].Text != tc.wantLast {
				t.Errorf("window = %s .. %s, want %s .. %s", conv[0].Text, conv[len(conv)-1].Text, tc.wantFirst, tc.wantLast)
			}
		})
	}
}

func TestRetrieve_Summary(t *testing.T) {
	t.Parallel()

	s := mock.New()
	put(t, s, memory.MemoryNode{ID: "n", Content: "likes tea", CreatedAt: t0})

	p := &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{Content: "1. Tea"}}
	e := newEngine(t, s, retrieval.WithSummariser(gateway.NewSummariser(p)))
	resp, err := e.Retrieve(context.Background(), retrieval.Query{UserID: "u1", Text: "tea", Summarize: true})
	if err != nil || resp.Summary != "1. Tea" {
		t.Fatalf("Retrieve = (%+v, %v), want summary", resp, err)
	}

	p.CompleteErr = errors.New("down")
	fail := newEngine(t, s, retrieval.WithSummariser(gateway.NewSummariser(p,
		gateway.WithCompletionRetry(resilience.RetryConfig{MaxAttempts: 1}))))
	resp, err = fail.Retrieve(context.Background(), retrieval.Query{UserID: "u1", Text: "tea", Summarize: true})
	if err != nil {
		t.Fatalf("summary failure must not fail retrieval: %v", err)
	}
	if resp.Summary != "" || resp.AssembledContext == "" {
		t.Errorf("response = %+v, want unsummarised context", resp)
	}
}

func TestAssemble_DeduplicatesAncestors(t *testing.T) {
	t.Parallel()

	shared := memory.AncestorContext{NodeID: "p", Level: 1, Content: "shared parent"}
	out := retrieval.Assemble([]memory.RetrievalResult{
		{NodeID: "a", RetrievedContent: "first", Ancestors: []memory.AncestorContext{shared}},
		{NodeID: "b", RetrievedContent: "second", Ancestors: []memory.AncestorContext{shared}},
	})
	if n := strings.Count(out, "shared parent"); n != 1 {
		t.Errorf("shared ancestor rendered %d times:\n%s", n, out)
	}
}

func TestConfig_Validate(t *testing.T) {
	t.Parallel()

	if err := retrieval.DefaultConfig().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	bad := retrieval.Config{CandidatePool: 0, Alpha: 2, MinRelevance: -1, UserWindow: retrieval.Window{Before: -1}}
	if err := bad.Validate(); err == nil {
		t.Error("expected validation error")
	}
}
