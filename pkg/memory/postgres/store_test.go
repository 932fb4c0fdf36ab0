package postgres_test

import (
	"context"
	"os"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/aimemory/pkg/memory"
	"github.com/MrWong99/aimemory/pkg/memory/postgres"
	"github.com/MrWong99/aimemory/pkg/memory/storetest"
)

const testEmbeddingDim = 4

// testDSN returns the test database DSN from the environment, or skips the
// test if AIMEMORY_TEST_POSTGRES_DSN is not set.
func testDSN(t *testing.T) string {
	t.Helper()
	dsn := os.Getenv("AIMEMORY_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("AIMEMORY_TEST_POSTGRES_DSN not set, skipping PostgreSQL integration tests")
	}
	return dsn
}

// newTestStore creates a fresh [postgres.Store] with a clean schema.
// It calls t.Cleanup to close the store when the test finishes.
func newTestStore(t *testing.T) memory.Store {
	t.Helper()
	dsn := testDSN(t)
	ctx := context.Background()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	for _, stmt := range []string{
		"DROP TABLE IF EXISTS memory_nodes CASCADE",
		"DROP TABLE IF EXISTS conversation_turns CASCADE",
	} {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			t.Fatalf("drop schema %q: %v", stmt, err)
		}
	}
	pool.Close()

	store, err := postgres.NewStore(ctx, dsn, testEmbeddingDim)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestStore(t *testing.T) {
	storetest.Run(t, newTestStore)
}

func TestNewStore_BadDSN(t *testing.T) {
	_, err := postgres.NewStore(context.Background(), "://not a dsn", testEmbeddingDim)
	if err == nil {
		t.Fatal("expected error for malformed DSN")
	}
}
