// Package memstore provides an in-process implementation of [memory.Store].
//
// It keeps every turn and node in maps guarded by a single RWMutex and scores
// hybrid searches with [memory.ScoreNodes] (brute-force cosine similarity plus
// the shared lexical scorer). It is the reference backend for tests and for
// single-process deployments that do not need durability across restarts.
package memstore

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/google/uuid"

	"github.com/MrWong99/aimemory/pkg/memory"
)

var _ memory.Store = (*Store)(nil)

// Store is an in-process [memory.Store]. The zero value is not usable; call
// [New]. All methods are safe for concurrent use.
type Store struct {
	mu    sync.RWMutex
	turns map[string]memory.ConversationTurn
	nodes map[string]memory.MemoryNode
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		turns: make(map[string]memory.ConversationTurn),
		nodes: make(map[string]memory.MemoryNode),
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Turns
// ─────────────────────────────────────────────────────────────────────────────

// InsertTurn implements [memory.TurnStore].
func (s *Store) InsertTurn(_ context.Context, turn memory.ConversationTurn) (string, error) {
	if turn.ID == "" {
		turn.ID = uuid.NewString()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.turns[turn.ID]; ok {
		return "", fmt.Errorf("memstore: insert turn %s: duplicate id", turn.ID)
	}
	s.turns[turn.ID] = turn
	return turn.ID, nil
}

// GetTurn implements [memory.TurnStore].
func (s *Store) GetTurn(_ context.Context, id string) (*memory.ConversationTurn, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.turns[id]
	if !ok {
		return nil, fmt.Errorf("memstore: get turn %s: %w", id, memory.ErrNotFound)
	}
	return &t, nil
}

// DeleteTurn implements [memory.TurnStore].
func (s *Store) DeleteTurn(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.turns[id]; !ok {
		return fmt.Errorf("memstore: delete turn %s: %w", id, memory.ErrNotFound)
	}
	delete(s.turns, id)
	return nil
}

// ListTurns implements [memory.TurnStore].
func (s *Store) ListTurns(_ context.Context, f memory.TurnFilter) ([]memory.ConversationTurn, error) {
	s.mu.RLock()
	out := make([]memory.ConversationTurn, 0)
	for _, t := range s.turns {
		if t.UserID != f.UserID {
			continue
		}
		if f.ConversationID != "" && t.ConversationID != f.ConversationID {
			continue
		}
		out = append(out, t)
	}
	s.mu.RUnlock()

	slices.SortFunc(out, func(a, b memory.ConversationTurn) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Nodes
// ─────────────────────────────────────────────────────────────────────────────

// InsertNode implements [memory.NodeStore]. A non-empty Parent must reference
// an existing node one level above.
func (s *Store) InsertNode(_ context.Context, node memory.MemoryNode) (string, error) {
	if node.ID == "" {
		node.ID = uuid.NewString()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.nodes[node.ID]; ok {
		return "", fmt.Errorf("memstore: insert node %s: duplicate id", node.ID)
	}
	if node.Parent != "" {
		parent, ok := s.nodes[node.Parent]
		if !ok {
			return "", fmt.Errorf("memstore: insert node %s: parent %s: %w", node.ID, node.Parent, memory.ErrNotFound)
		}
		if err := memory.ValidateEdge(&node, &parent); err != nil {
			return "", fmt.Errorf("memstore: insert node: %w", err)
		}
	}
	s.nodes[node.ID] = node.Clone()
	return node.ID, nil
}

// UpdateNode implements [memory.NodeStore].
func (s *Store) UpdateNode(_ context.Context, id string, patch memory.NodePatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nodes[id]
	if !ok {
		return fmt.Errorf("memstore: update node %s: %w", id, memory.ErrNotFound)
	}
	if err := patch.Check(&n); err != nil {
		return fmt.Errorf("memstore: update node: %w", err)
	}
	patch.Apply(&n)
	s.nodes[id] = n
	return nil
}

// GetNode implements [memory.NodeStore].
func (s *Store) GetNode(_ context.Context, id string) (*memory.MemoryNode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.nodes[id]
	if !ok {
		return nil, fmt.Errorf("memstore: get node %s: %w", id, memory.ErrNotFound)
	}
	c := n.Clone()
	return &c, nil
}

// DeleteNode implements [memory.NodeStore].
func (s *Store) DeleteNode(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nodes[id]
	if !ok {
		return fmt.Errorf("memstore: delete node %s: %w", id, memory.ErrNotFound)
	}
	if parent, ok := s.nodes[n.Parent]; ok {
		parent.Children = slices.DeleteFunc(slices.Clone(parent.Children), func(c string) bool { return c == id })
		s.nodes[parent.ID] = parent
	}
	delete(s.nodes, id)
	return nil
}

// HybridSearch implements [memory.NodeStore].
func (s *Store) HybridSearch(_ context.Context, q memory.HybridQuery) ([]memory.Candidate, error) {
	nodes := s.snapshot(func(n *memory.MemoryNode) bool { return n.UserID == q.UserID })
	return memory.ScoreNodes(q, nodes), nil
}

// ListByLevel implements [memory.NodeStore].
func (s *Store) ListByLevel(_ context.Context, userID string, level int) ([]memory.MemoryNode, error) {
	out := s.snapshot(func(n *memory.MemoryNode) bool { return n.UserID == userID && n.Level == level })
	sortNodes(out)
	return out, nil
}

// ListNodes implements [memory.NodeStore].
func (s *Store) ListNodes(_ context.Context, userID string) ([]memory.MemoryNode, error) {
	out := s.snapshot(func(n *memory.MemoryNode) bool { return n.UserID == userID })
	sortNodes(out)
	return out, nil
}

// ListMissingEmbedding implements [memory.NodeStore].
func (s *Store) ListMissingEmbedding(_ context.Context, userID string, limit int) ([]memory.MemoryNode, error) {
	out := s.snapshot(func(n *memory.MemoryNode) bool { return n.UserID == userID && n.Embedding == nil })
	slices.SortFunc(out, func(a, b memory.MemoryNode) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// CountForUser implements [memory.NodeStore].
func (s *Store) CountForUser(_ context.Context, userID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var n int
	for _, node := range s.nodes {
		if node.UserID == userID {
			n++
		}
	}
	return n, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Store-wide
// ─────────────────────────────────────────────────────────────────────────────

// ListUsers implements [memory.Store].
func (s *Store) ListUsers(_ context.Context) ([]string, error) {
	s.mu.RLock()
	set := make(map[string]struct{})
	for _, t := range s.turns {
		set[t.UserID] = struct{}{}
	}
	for _, n := range s.nodes {
		set[n.UserID] = struct{}{}
	}
	s.mu.RUnlock()

	users := make([]string, 0, len(set))
	for u := range set {
		users = append(users, u)
	}
	slices.Sort(users)
	return users, nil
}

// DeleteUser implements [memory.Store].
func (s *Store) DeleteUser(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, t := range s.turns {
		if t.UserID == userID {
			delete(s.turns, id)
		}
	}
	for id, n := range s.nodes {
		if n.UserID == userID {
			delete(s.nodes, id)
		}
	}
	return nil
}

// Ping implements [memory.Store]. It always succeeds.
func (s *Store) Ping(context.Context) error { return nil }

// Close implements [memory.Store]. It is a no-op.
func (s *Store) Close() error { return nil }

func (s *Store) snapshot(keep func(*memory.MemoryNode) bool) []memory.MemoryNode {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]memory.MemoryNode, 0)
	for _, n := range s.nodes {
		if keep(&n) {
			out = append(out, n.Clone())
		}
	}
	return out
}

func sortNodes(nodes []memory.MemoryNode) {
	slices.SortFunc(nodes, func(a, b memory.MemoryNode) int {
		if c := cmp.Compare(a.Level, b.Level); c != 0 {
			return c
		}
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
}
