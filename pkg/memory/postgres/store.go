package postgres

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	"github.com/MrWong99/aimemory/pkg/memory"
)

var _ memory.Store = (*Store)(nil)

// Store is the PostgreSQL-backed [memory.Store]. It holds a single
// [pgxpool.Pool]; every method issues one or more statements against it.
//
// All operations are safe for concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a new Store, establishes a connection pool to the PostgreSQL
// database at dsn, registers pgvector types on every connection, and runs
// [Migrate] to ensure all required tables and extensions exist.
//
// embeddingDimensions must match the output dimension of the embedding model
// used to produce [memory.MemoryNode.Embedding] values.
func NewStore(ctx context.Context, dsn string, embeddingDimensions int) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres store: parse dsn: %w", err)
	}

	// Register pgvector types on every new connection so that vector columns
	// can be scanned into and inserted from pgvector.Vector values.
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres store: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: ping: %w", classify(err))
	}

	if err := Migrate(ctx, pool, embeddingDimensions); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: migrate: %w", err)
	}

	return &Store{pool: pool}, nil
}

// Ping implements [memory.Store].
func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("postgres store: ping: %w", classify(err))
	}
	return nil
}

// Close releases all connections held by the underlying connection pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// ListUsers implements [memory.Store].
func (s *Store) ListUsers(ctx context.Context) ([]string, error) {
	const q = `
		SELECT user_id FROM conversation_turns
		UNION
		SELECT user_id FROM memory_nodes
		ORDER  BY user_id`

	rows, err := s.pool.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("postgres store: list users: %w", classify(err))
	}
	users, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("postgres store: list users: scan: %w", classify(err))
	}
	if users == nil {
		users = []string{}
	}
	return users, nil
}

// DeleteUser implements [memory.Store]. Both tables are cleared in a single
// transaction.
func (s *Store) DeleteUser(ctx context.Context, userID string) error {
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM memory_nodes WHERE user_id = $1`, userID); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, `DELETE FROM conversation_turns WHERE user_id = $1`, userID)
		return err
	})
	if err != nil {
		return fmt.Errorf("postgres store: delete user %s: %w", userID, classify(err))
	}
	return nil
}

// classify maps connection-level failures onto [memory.ErrUnavailable] and
// deadline expiry onto [memory.ErrTimeout]. Other errors pass through.
func classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.DeadlineExceeded):
		return errors.Join(memory.ErrTimeout, err)
	case pgconnFailure(err):
		return errors.Join(memory.ErrUnavailable, err)
	default:
		return err
	}
}

// connection failure SQLSTATE classes: 08 connection exception, 57P
// operator intervention (shutdown, crash).
var unavailableStates = []string{"08000", "08001", "08003", "08004", "08006", "57P01", "57P02", "57P03"}

func pgconnFailure(err error) bool {
	var sqlErr interface{ SQLState() string }
	if errors.As(err, &sqlErr) {
		return slices.Contains(unavailableStates, sqlErr.SQLState())
	}
	var netErr interface{ Timeout() bool }
	return errors.As(err, &netErr)
}

func isNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}
