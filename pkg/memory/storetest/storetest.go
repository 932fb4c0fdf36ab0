// Package storetest holds the behavioural test suite every [memory.Store]
// backend must pass. Backends call [Run] from their own _test.go files.
package storetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MrWong99/aimemory/pkg/memory"
)

// Factory returns a fresh, empty store. It should register cleanup with
// t.Cleanup.
type Factory func(t *testing.T) memory.Store

// base is the fixed clock used for all fixture timestamps. Backends must
// round-trip times at millisecond precision or better.
var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// Run executes the full suite against stores produced by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("Turns", func(t *testing.T) { testTurns(t, newStore(t)) })
	t.Run("NodeCRUD", func(t *testing.T) { testNodeCRUD(t, newStore(t)) })
	t.Run("ConditionalUpdate", func(t *testing.T) { testConditionalUpdate(t, newStore(t)) })
	t.Run("DeleteDetachesFromParent", func(t *testing.T) { testDeleteDetaches(t, newStore(t)) })
	t.Run("InsertRejectsBadEdge", func(t *testing.T) { testInsertRejectsBadEdge(t, newStore(t)) })
	t.Run("ListQueries", func(t *testing.T) { testListQueries(t, newStore(t)) })
	t.Run("HybridSearch", func(t *testing.T) { testHybridSearch(t, newStore(t)) })
	t.Run("HybridSearchPool", func(t *testing.T) { testHybridSearchPool(t, newStore(t)) })
	t.Run("Users", func(t *testing.T) { testUsers(t, newStore(t)) })
}

func testTurns(t *testing.T, s memory.Store) {
	ctx := context.Background()

	id, err := s.InsertTurn(ctx, memory.ConversationTurn{
		UserID: "u1", ConversationID: "c1", Role: memory.RoleUser, Text: "hello", CreatedAt: base,
	})
	if err != nil {
		t.Fatalf("InsertTurn: %v", err)
	}
	if id == "" {
		t.Fatal("InsertTurn returned empty id")
	}
	if _, err := s.InsertTurn(ctx, memory.ConversationTurn{
		ID: "t2", UserID: "u1", ConversationID: "c2", Role: memory.RoleAssistant, Text: "hi", CreatedAt: base.Add(time.Second),
	}); err != nil {
		t.Fatalf("InsertTurn t2: %v", err)
	}

	got, err := s.GetTurn(ctx, id)
	if err != nil {
		t.Fatalf("GetTurn: %v", err)
	}
	if got.Text != "hello" || got.Role != memory.RoleUser || got.ConversationID != "c1" {
		t.Errorf("GetTurn = %+v", got)
	}
	if !got.CreatedAt.Equal(base) {
		t.Errorf("CreatedAt = %v, want %v", got.CreatedAt, base)
	}

	all, err := s.ListTurns(ctx, memory.TurnFilter{UserID: "u1"})
	if err != nil {
		t.Fatalf("ListTurns: %v", err)
	}
	if len(all) != 2 || all[0].ID != id || all[1].ID != "t2" {
		t.Errorf("ListTurns order = %+v", all)
	}
	conv, err := s.ListTurns(ctx, memory.TurnFilter{UserID: "u1", ConversationID: "c2"})
	if err != nil {
		t.Fatalf("ListTurns conversation: %v", err)
	}
	if len(conv) != 1 || conv[0].ID != "t2" {
		t.Errorf("ListTurns(c2) = %+v", conv)
	}

	if err := s.DeleteTurn(ctx, id); err != nil {
		t.Fatalf("DeleteTurn: %v", err)
	}
	if _, err := s.GetTurn(ctx, id); !errors.Is(err, memory.ErrNotFound) {
		t.Errorf("GetTurn after delete: err = %v, want ErrNotFound", err)
	}
	if err := s.DeleteTurn(ctx, id); !errors.Is(err, memory.ErrNotFound) {
		t.Errorf("second DeleteTurn: err = %v, want ErrNotFound", err)
	}
}

func testNodeCRUD(t *testing.T, s memory.Store) {
	ctx := context.Background()

	id, err := s.InsertNode(ctx, memory.MemoryNode{
		UserID: "u1", Level: 0, Content: "leaf", ImportanceScore: 1,
		CreatedAt: base, LastAccessedAt: base, DecayRate: 0.1, TurnID: "t1",
	})
	if err != nil {
		t.Fatalf("InsertNode: %v", err)
	}

	err = s.UpdateNode(ctx, id, memory.NodePatch{
		ImportanceScore: memory.Ptr(2.0),
		AccessCount:     memory.Ptr(int64(3)),
		Embedding:       memory.Ptr([]float32{0.5, 0.5, 0, 0}),
		LastDecayedAt:   memory.Ptr(base.Add(time.Hour)),
	})
	if err != nil {
		t.Fatalf("UpdateNode: %v", err)
	}

	got, err := s.GetNode(ctx, id)
	if err != nil {
		t.Fatalf("GetNode: %v", err)
	}
	if got.ImportanceScore != 2 || got.AccessCount != 3 || got.TurnID != "t1" || got.DecayRate != 0.1 {
		t.Errorf("GetNode = %+v", got)
	}
	if len(got.Embedding) != 4 || got.Embedding[0] != 0.5 {
		t.Errorf("Embedding = %v", got.Embedding)
	}
	if !got.LastDecayedAt.Equal(base.Add(time.Hour)) {
		t.Errorf("LastDecayedAt = %v", got.LastDecayedAt)
	}
	if got.Summarised {
		t.Error("Summarised set on a fresh node")
	}
	if err := s.UpdateNode(ctx, id, memory.NodePatch{Summarised: memory.Ptr(true)}); err != nil {
		t.Fatalf("UpdateNode summarised: %v", err)
	}
	if got, _ := s.GetNode(ctx, id); got == nil || !got.Summarised {
		t.Errorf("Summarised not persisted: %+v", got)
	}

	if err := s.UpdateNode(ctx, "missing", memory.NodePatch{ImportanceScore: memory.Ptr(1.0)}); !errors.Is(err, memory.ErrNotFound) {
		t.Errorf("UpdateNode(missing): err = %v, want ErrNotFound", err)
	}
	if _, err := s.GetNode(ctx, "missing"); !errors.Is(err, memory.ErrNotFound) {
		t.Errorf("GetNode(missing): err = %v, want ErrNotFound", err)
	}
	if err := s.DeleteNode(ctx, "missing"); !errors.Is(err, memory.ErrNotFound) {
		t.Errorf("DeleteNode(missing): err = %v, want ErrNotFound", err)
	}
}

func testConditionalUpdate(t *testing.T, s memory.Store) {
	ctx := context.Background()

	id, err := s.InsertNode(ctx, memory.MemoryNode{
		UserID: "u1", Content: "leaf", ImportanceScore: 1, AccessCount: 2,
		CreatedAt: base, LastAccessedAt: base,
	})
	if err != nil {
		t.Fatalf("InsertNode: %v", err)
	}

	err = s.UpdateNode(ctx, id, memory.NodePatch{ImportanceScore: memory.Ptr(0.5), IfAccessCount: memory.Ptr(int64(1))})
	if !errors.Is(err, memory.ErrConflict) {
		t.Fatalf("stale precondition: err = %v, want ErrConflict", err)
	}
	got, _ := s.GetNode(ctx, id)
	if got.ImportanceScore != 1 {
		t.Errorf("score = %v after rejected update, want 1", got.ImportanceScore)
	}

	err = s.UpdateNode(ctx, id, memory.NodePatch{
		ImportanceScore: memory.Ptr(1.5),
		AccessCount:     memory.Ptr(int64(3)),
		IfAccessCount:   memory.Ptr(int64(2)),
	})
	if err != nil {
		t.Fatalf("matching precondition: %v", err)
	}
	got, _ = s.GetNode(ctx, id)
	if got.ImportanceScore != 1.5 || got.AccessCount != 3 {
		t.Errorf("node = %+v, want score 1.5 count 3", got)
	}

	if err := s.UpdateNode(ctx, id, memory.NodePatch{IfAccessCount: memory.Ptr(int64(0))}); !errors.Is(err, memory.ErrConflict) {
		t.Errorf("precondition-only patch: err = %v, want ErrConflict", err)
	}
	err = s.UpdateNode(ctx, "missing", memory.NodePatch{ImportanceScore: memory.Ptr(1.0), IfAccessCount: memory.Ptr(int64(0))})
	if !errors.Is(err, memory.ErrNotFound) {
		t.Errorf("missing node with precondition: err = %v, want ErrNotFound", err)
	}
}

func testDeleteDetaches(t *testing.T, s memory.Store) {
	ctx := context.Background()

	parentID, err := s.InsertNode(ctx, memory.MemoryNode{UserID: "u1", Level: 1, Content: "summary", CreatedAt: base, LastAccessedAt: base})
	if err != nil {
		t.Fatalf("insert parent: %v", err)
	}
	var kids []string
	for i := range 2 {
		id, err := s.InsertNode(ctx, memory.MemoryNode{
			UserID: "u1", Level: 0, Content: "leaf", Parent: parentID,
			CreatedAt: base.Add(time.Duration(i) * time.Second), LastAccessedAt: base,
		})
		if err != nil {
			t.Fatalf("insert child: %v", err)
		}
		kids = append(kids, id)
	}
	if err := s.UpdateNode(ctx, parentID, memory.NodePatch{Children: &kids}); err != nil {
		t.Fatalf("attach children: %v", err)
	}

	if err := s.DeleteNode(ctx, kids[0]); err != nil {
		t.Fatalf("DeleteNode: %v", err)
	}
	parent, err := s.GetNode(ctx, parentID)
	if err != nil {
		t.Fatalf("GetNode parent: %v", err)
	}
	if len(parent.Children) != 1 || parent.Children[0] != kids[1] {
		t.Errorf("parent children = %v, want [%s]", parent.Children, kids[1])
	}
}

func testInsertRejectsBadEdge(t *testing.T, s memory.Store) {
	ctx := context.Background()

	parentID, err := s.InsertNode(ctx, memory.MemoryNode{UserID: "u1", Level: 2, CreatedAt: base, LastAccessedAt: base})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	_, err = s.InsertNode(ctx, memory.MemoryNode{UserID: "u1", Level: 0, Parent: parentID, CreatedAt: base, LastAccessedAt: base})
	if !errors.Is(err, memory.ErrInvalidEdge) {
		t.Errorf("level skip: err = %v, want ErrInvalidEdge", err)
	}
	_, err = s.InsertNode(ctx, memory.MemoryNode{UserID: "u2", Level: 1, Parent: parentID, CreatedAt: base, LastAccessedAt: base})
	if !errors.Is(err, memory.ErrInvalidEdge) {
		t.Errorf("cross user: err = %v, want ErrInvalidEdge", err)
	}
	_, err = s.InsertNode(ctx, memory.MemoryNode{UserID: "u1", Level: 0, Parent: "nope", CreatedAt: base, LastAccessedAt: base})
	if !errors.Is(err, memory.ErrNotFound) {
		t.Errorf("missing parent: err = %v, want ErrNotFound", err)
	}
}

func testListQueries(t *testing.T, s memory.Store) {
	ctx := context.Background()

	for i, lvl := range []int{0, 0, 1, 0} {
		n := memory.MemoryNode{
			UserID: "u1", Level: lvl, Content: "n",
			CreatedAt: base.Add(time.Duration(i) * time.Second), LastAccessedAt: base,
		}
		if i == 1 {
			n.Embedding = []float32{1, 0, 0, 0}
		}
		if _, err := s.InsertNode(ctx, n); err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
	}
	if _, err := s.InsertNode(ctx, memory.MemoryNode{UserID: "u2", Content: "other", CreatedAt: base, LastAccessedAt: base}); err != nil {
		t.Fatalf("insert u2: %v", err)
	}

	leaves, err := s.ListByLevel(ctx, "u1", 0)
	if err != nil {
		t.Fatalf("ListByLevel: %v", err)
	}
	if len(leaves) != 3 {
		t.Fatalf("ListByLevel(0) = %d nodes, want 3", len(leaves))
	}
	for i := 1; i < len(leaves); i++ {
		if leaves[i].CreatedAt.Before(leaves[i-1].CreatedAt) {
			t.Errorf("ListByLevel not ordered by CreatedAt")
		}
	}

	all, err := s.ListNodes(ctx, "u1")
	if err != nil {
		t.Fatalf("ListNodes: %v", err)
	}
	if len(all) != 4 {
		t.Fatalf("ListNodes = %d nodes, want 4", len(all))
	}
	if all[3].Level != 1 {
		t.Errorf("ListNodes last level = %d, want 1", all[3].Level)
	}

	missing, err := s.ListMissingEmbedding(ctx, "u1", 10)
	if err != nil {
		t.Fatalf("ListMissingEmbedding: %v", err)
	}
	if len(missing) != 3 {
		t.Errorf("ListMissingEmbedding = %d, want 3", len(missing))
	}
	limited, err := s.ListMissingEmbedding(ctx, "u1", 1)
	if err != nil {
		t.Fatalf("ListMissingEmbedding limited: %v", err)
	}
	if len(limited) != 1 || !limited[0].CreatedAt.Equal(base) {
		t.Errorf("ListMissingEmbedding(limit 1) = %+v, want oldest", limited)
	}

	count, err := s.CountForUser(ctx, "u1")
	if err != nil {
		t.Fatalf("CountForUser: %v", err)
	}
	if count != 4 {
		t.Errorf("CountForUser = %d, want 4", count)
	}
}

func testHybridSearch(t *testing.T, s memory.Store) {
	ctx := context.Background()

	fixtures := []memory.MemoryNode{
		{UserID: "u1", Content: "my favourite drink is green tea", CreatedAt: base},
		{UserID: "u1", Content: "my favourite drink is green tea", CreatedAt: base.Add(time.Minute)},
		{UserID: "u1", Content: "the weather is rainy", Embedding: []float32{0, 1, 0, 0}, CreatedAt: base},
		{UserID: "u2", Content: "my favourite drink is green tea", CreatedAt: base},
	}
	ids := make([]string, len(fixtures))
	for i, n := range fixtures {
		n.LastAccessedAt = n.CreatedAt
		id, err := s.InsertNode(ctx, n)
		if err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
		ids[i] = id
	}

	lex, err := s.HybridSearch(ctx, memory.HybridQuery{UserID: "u1", Text: "green tea", Limit: 10})
	if err != nil {
		t.Fatalf("HybridSearch lexical: %v", err)
	}
	if len(lex) != 2 {
		t.Fatalf("lexical candidates = %d, want 2", len(lex))
	}
	if lex[0].Node.ID != ids[0] {
		t.Errorf("first candidate = %s, want earliest %s", lex[0].Node.ID, ids[0])
	}
	for _, c := range lex {
		if c.Node.UserID != "u1" {
			t.Errorf("candidate of user %s leaked into u1 search", c.Node.UserID)
		}
		if c.LexicalScore <= 0 || c.SemanticScore != 0 {
			t.Errorf("scores = (%v, %v), want lexical only", c.LexicalScore, c.SemanticScore)
		}
	}

	sem, err := s.HybridSearch(ctx, memory.HybridQuery{UserID: "u1", Text: "umbrella", Embedding: []float32{0, 1, 0, 0}, Limit: 10})
	if err != nil {
		t.Fatalf("HybridSearch semantic: %v", err)
	}
	if len(sem) != 1 || sem[0].Node.ID != ids[2] || sem[0].SemanticScore < 0.99 {
		t.Errorf("semantic candidates = %+v, want only %s", sem, ids[2])
	}
}

func testUsers(t *testing.T, s memory.Store) {
	ctx := context.Background()

	if _, err := s.InsertTurn(ctx, memory.ConversationTurn{UserID: "bob", Role: memory.RoleUser, Text: "x", CreatedAt: base}); err != nil {
		t.Fatalf("InsertTurn: %v", err)
	}
	if _, err := s.InsertNode(ctx, memory.MemoryNode{UserID: "alice", Content: "x", CreatedAt: base, LastAccessedAt: base}); err != nil {
		t.Fatalf("InsertNode: %v", err)
	}

	users, err := s.ListUsers(ctx)
	if err != nil {
		t.Fatalf("ListUsers: %v", err)
	}
	if len(users) != 2 || users[0] != "alice" || users[1] != "bob" {
		t.Errorf("ListUsers = %v, want [alice bob]", users)
	}

	if err := s.DeleteUser(ctx, "alice"); err != nil {
		t.Fatalf("DeleteUser: %v", err)
	}
	count, err := s.CountForUser(ctx, "alice")
	if err != nil {
		t.Fatalf("CountForUser: %v", err)
	}
	if count != 0 {
		t.Errorf("CountForUser after delete = %d, want 0", count)
	}
	if err := s.DeleteUser(ctx, "nobody"); err != nil {
		t.Errorf("DeleteUser(unknown) = %v, want nil", err)
	}
	if err := s.Ping(ctx); err != nil {
		t.Errorf("Ping = %v", err)
	}
}

// testHybridSearchPool checks that partial lexical matches score and that
// nodes matching neither signal never occupy result slots.
func testHybridSearchPool(t *testing.T, s memory.Store) {
	ctx := context.Background()

	tea, err := s.InsertNode(ctx, memory.MemoryNode{UserID: "u1", Content: "my favourite drink is green tea", CreatedAt: base, LastAccessedAt: base})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	for i := range 3 {
		if _, err := s.InsertNode(ctx, memory.MemoryNode{
			UserID: "u1", Content: "unrelated note", Embedding: []float32{0, -1, 0, 0},
			CreatedAt: base.Add(time.Duration(i+1) * time.Second), LastAccessedAt: base,
		}); err != nil {
			t.Fatalf("insert opposite %d: %v", i, err)
		}
	}

	got, err := s.HybridSearch(ctx, memory.HybridQuery{UserID: "u1", Text: "green umbrella", Embedding: []float32{0, 1, 0, 0}, Limit: 3})
	if err != nil {
		t.Fatalf("HybridSearch: %v", err)
	}
	if len(got) != 1 || got[0].Node.ID != tea {
		t.Fatalf("candidates = %+v, want only %s", got, tea)
	}
	if got[0].LexicalScore <= 0 {
		t.Errorf("partial term match scored %v, want > 0", got[0].LexicalScore)
	}
}
