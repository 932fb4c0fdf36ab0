// Package cache provides a read-through point-lookup cache in front of any
// [memory.Store].
//
// Only [memory.NodeStore.GetNode] is served from the cache; everything else is
// passed through. Every mutation issued through the wrapper invalidates the
// affected ids. Writes that bypass the wrapper are not observed, so the cache
// must wrap the only store handle the process uses.
package cache

import (
	"context"
	"hash/fnv"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/ristretto"

	"github.com/MrWong99/aimemory/pkg/memory"
)

var _ memory.Store = (*Store)(nil)

const stripes = 256

// Config controls the cache size and entry lifetime. Zero values select
// defaults.
type Config struct {
	// MaxNodes is the approximate number of nodes held. Default: 10000.
	MaxNodes int64

	// TTL bounds how long an entry may be served. Default: 5m.
	TTL time.Duration
}

// Store wraps a [memory.Store] with a ristretto cache for GetNode.
type Store struct {
	memory.Store

	cache *ristretto.Cache
	ttl   time.Duration

	// versions guards against a slow read re-populating an entry that a
	// concurrent write has already invalidated. Ids share stripes; a collision
	// only costs an extra miss.
	versions [stripes]atomic.Uint64
}

type entry struct {
	version uint64
	node    memory.MemoryNode
}

// New wraps inner. The returned Store must be closed to stop ristretto's
// background goroutines; Close also closes inner.
func New(inner memory.Store, cfg Config) (*Store, error) {
	if cfg.MaxNodes <= 0 {
		cfg.MaxNodes = 10_000
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 5 * time.Minute
	}
	c, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: cfg.MaxNodes * 10,
		MaxCost:     cfg.MaxNodes,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &Store{Store: inner, cache: c, ttl: cfg.TTL}, nil
}

// GetNode implements [memory.NodeStore], serving hits from the cache.
func (s *Store) GetNode(ctx context.Context, id string) (*memory.MemoryNode, error) {
	v := s.stripe(id)
	want := v.Load()
	if raw, ok := s.cache.Get(id); ok {
		if e := raw.(entry); e.version == want {
			n := e.node.Clone()
			return &n, nil
		}
	}

	n, err := s.Store.GetNode(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cache.SetWithTTL(id, entry{version: want, node: n.Clone()}, 1, s.ttl)
	return n, nil
}

// UpdateNode implements [memory.NodeStore] and invalidates id.
func (s *Store) UpdateNode(ctx context.Context, id string, patch memory.NodePatch) error {
	defer s.invalidate(id)
	return s.Store.UpdateNode(ctx, id, patch)
}

// DeleteNode implements [memory.NodeStore] and invalidates both id and its
// parent, whose children list changes.
func (s *Store) DeleteNode(ctx context.Context, id string) error {
	if n, err := s.GetNode(ctx, id); err == nil && n.Parent != "" {
		defer s.invalidate(n.Parent)
	}
	defer s.invalidate(id)
	return s.Store.DeleteNode(ctx, id)
}

// DeleteUser implements [memory.Store] and drops the whole cache.
func (s *Store) DeleteUser(ctx context.Context, userID string) error {
	for i := range s.versions {
		s.versions[i].Add(1)
	}
	defer s.cache.Clear()
	return s.Store.DeleteUser(ctx, userID)
}

// Close stops the cache and closes the wrapped store.
func (s *Store) Close() error {
	s.cache.Close()
	return s.Store.Close()
}

func (s *Store) invalidate(id string) {
	s.stripe(id).Add(1)
	s.cache.Del(id)
}

func (s *Store) stripe(id string) *atomic.Uint64 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	return &s.versions[h.Sum32()%stripes]
}
