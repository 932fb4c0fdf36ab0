// Package mock provides a recording, fault-injecting test double for
// [memory.Store].
//
// The mock records every method call for assertion in tests and delegates the
// actual work to an in-process [memstore.Store], so state behaves like a real
// backend. Failures are injected per method name. All methods are safe for
// concurrent use via an internal [sync.Mutex].
//
// Typical usage:
//
//	store := mock.New()
//	store.SetErr("UpdateNode", memory.ErrUnavailable)
//
//	// inject store into the system under test …
//
//	if got := store.CallCount("UpdateNode"); got != 1 {
//	    t.Errorf("expected 1 UpdateNode call, got %d", got)
//	}
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/aimemory/pkg/memory"
	"github.com/MrWong99/aimemory/pkg/memory/memstore"
)

var _ memory.Store = (*Store)(nil)

// Call records the name and arguments of a single method invocation.
type Call struct {
	// Method is the name of the interface method that was called.
	Method string

	// Args holds the non-context arguments passed to the method, in order.
	Args []any
}

// Store is a configurable test double for [memory.Store].
type Store struct {
	mu sync.Mutex

	// calls records every method invocation in order.
	calls []Call

	// errs maps a method name to the error it returns instead of delegating.
	errs map[string]error

	// hook, when set, is consulted before delegating. A non-nil return fails
	// the call with that error.
	hook func(method string, args []any) error

	backend memory.Store
}

// New returns a mock backed by a fresh [memstore.Store].
func New() *Store {
	return &Store{backend: memstore.New(), errs: make(map[string]error)}
}

// Backend returns the store the mock delegates to, for seeding fixtures
// without recording calls.
func (m *Store) Backend() memory.Store { return m.backend }

// SetErr makes every subsequent call to method fail with err. A nil err
// clears the injection.
func (m *Store) SetErr(method string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.errs, method)
		return
	}
	m.errs[method] = err
}

// SetHook installs a per-call failure hook. Pass nil to remove it.
func (m *Store) SetHook(hook func(method string, args []any) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hook = hook
}

// Calls returns a copy of all recorded method invocations.
func (m *Store) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Call, len(m.calls))
	copy(out, m.calls)
	return out
}

// CallCount returns how many times the named method was invoked.
func (m *Store) CallCount(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		if c.Method == method {
			n++
		}
	}
	return n
}

// Reset clears all recorded calls without altering response configuration.
func (m *Store) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = nil
}

// record logs the call and returns the injected error, if any. The hook runs
// outside the lock so it may call back into the mock.
func (m *Store) record(method string, args ...any) error {
	m.mu.Lock()
	m.calls = append(m.calls, Call{Method: method, Args: args})
	err := m.errs[method]
	hook := m.hook
	m.mu.Unlock()
	if err != nil {
		return err
	}
	if hook != nil {
		return hook(method, args)
	}
	return nil
}

// InsertTurn implements [memory.TurnStore].
func (m *Store) InsertTurn(ctx context.Context, turn memory.ConversationTurn) (string, error) {
	if err := m.record("InsertTurn", turn); err != nil {
		return "", err
	}
	return m.backend.InsertTurn(ctx, turn)
}

// GetTurn implements [memory.TurnStore].
func (m *Store) GetTurn(ctx context.Context, id string) (*memory.ConversationTurn, error) {
	if err := m.record("GetTurn", id); err != nil {
		return nil, err
	}
	return m.backend.GetTurn(ctx, id)
}

// DeleteTurn implements [memory.TurnStore].
func (m *Store) DeleteTurn(ctx context.Context, id string) error {
	if err := m.record("DeleteTurn", id); err != nil {
		return err
	}
	return m.backend.DeleteTurn(ctx, id)
}

// ListTurns implements [memory.TurnStore].
func (m *Store) ListTurns(ctx context.Context, filter memory.TurnFilter) ([]memory.ConversationTurn, error) {
	if err := m.record("ListTurns", filter); err != nil {
		return nil, err
	}
	return m.backend.ListTurns(ctx, filter)
}

// InsertNode implements [memory.NodeStore].
func (m *Store) InsertNode(ctx context.Context, node memory.MemoryNode) (string, error) {
	if err := m.record("InsertNode", node); err != nil {
		return "", err
	}
	return m.backend.InsertNode(ctx, node)
}

// UpdateNode implements [memory.NodeStore].
func (m *Store) UpdateNode(ctx context.Context, id string, patch memory.NodePatch) error {
	if err := m.record("UpdateNode", id, patch); err != nil {
		return err
	}
	return m.backend.UpdateNode(ctx, id, patch)
}

// GetNode implements [memory.NodeStore].
func (m *Store) GetNode(ctx context.Context, id string) (*memory.MemoryNode, error) {
	if err := m.record("GetNode", id); err != nil {
		return nil, err
	}
	return m.backend.GetNode(ctx, id)
}

// DeleteNode implements [memory.NodeStore].
func (m *Store) DeleteNode(ctx context.Context, id string) error {
	if err := m.record("DeleteNode", id); err != nil {
		return err
	}
	return m.backend.DeleteNode(ctx, id)
}

// HybridSearch implements [memory.NodeStore].
func (m *Store) HybridSearch(ctx context.Context, q memory.HybridQuery) ([]memory.Candidate, error) {
	if err := m.record("HybridSearch", q); err != nil {
		return nil, err
	}
	return m.backend.HybridSearch(ctx, q)
}

// ListByLevel implements [memory.NodeStore].
func (m *Store) ListByLevel(ctx context.Context, userID string, level int) ([]memory.MemoryNode, error) {
	if err := m.record("ListByLevel", userID, level); err != nil {
		return nil, err
	}
	return m.backend.ListByLevel(ctx, userID, level)
}

// ListNodes implements [memory.NodeStore].
func (m *Store) ListNodes(ctx context.Context, userID string) ([]memory.MemoryNode, error) {
	if err := m.record("ListNodes", userID); err != nil {
		return nil, err
	}
	return m.backend.ListNodes(ctx, userID)
}

// ListMissingEmbedding implements [memory.NodeStore].
func (m *Store) ListMissingEmbedding(ctx context.Context, userID string, limit int) ([]memory.MemoryNode, error) {
	if err := m.record("ListMissingEmbedding", userID, limit); err != nil {
		return nil, err
	}
	return m.backend.ListMissingEmbedding(ctx, userID, limit)
}

// CountForUser implements [memory.NodeStore].
func (m *Store) CountForUser(ctx context.Context, userID string) (int, error) {
	if err := m.record("CountForUser", userID); err != nil {
		return 0, err
	}
	return m.backend.CountForUser(ctx, userID)
}

// ListUsers implements [memory.Store].
func (m *Store) ListUsers(ctx context.Context) ([]string, error) {
	if err := m.record("ListUsers"); err != nil {
		return nil, err
	}
	return m.backend.ListUsers(ctx)
}

// DeleteUser implements [memory.Store].
func (m *Store) DeleteUser(ctx context.Context, userID string) error {
	if err := m.record("DeleteUser", userID); err != nil {
		return err
	}
	return m.backend.DeleteUser(ctx, userID)
}

// Ping implements [memory.Store].
func (m *Store) Ping(ctx context.Context) error {
	if err := m.record("Ping"); err != nil {
		return err
	}
	return m.backend.Ping(ctx)
}

// Close implements [memory.Store].
func (m *Store) Close() error {
	if err := m.record("Close"); err != nil {
		return err
	}
	return m.backend.Close()
}
