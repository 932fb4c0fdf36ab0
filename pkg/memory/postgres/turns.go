package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/MrWong99/aimemory/pkg/memory"
)

const turnColumns = `id, user_id, conversation_id, role, text, created_at`

// InsertTurn implements [memory.TurnStore].
func (s *Store) InsertTurn(ctx context.Context, turn memory.ConversationTurn) (string, error) {
	if turn.ID == "" {
		turn.ID = uuid.NewString()
	}
	const q = `
		INSERT INTO conversation_turns (` + turnColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6)`

	_, err := s.pool.Exec(ctx, q,
		turn.ID,
		turn.UserID,
		turn.ConversationID,
		string(turn.Role),
		turn.Text,
		turn.CreatedAt,
	)
	if err != nil {
		return "", fmt.Errorf("postgres store: insert turn: %w", classify(err))
	}
	return turn.ID, nil
}

// GetTurn implements [memory.TurnStore].
func (s *Store) GetTurn(ctx context.Context, id string) (*memory.ConversationTurn, error) {
	const q = `SELECT ` + turnColumns + ` FROM conversation_turns WHERE id = $1`

	rows, err := s.pool.Query(ctx, q, id)
	if err != nil {
		return nil, fmt.Errorf("postgres store: get turn: %w", classify(err))
	}
	t, err := pgx.CollectExactlyOneRow(rows, scanTurn)
	if isNoRows(err) {
		return nil, fmt.Errorf("postgres store: get turn %s: %w", id, memory.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("postgres store: get turn: scan: %w", classify(err))
	}
	return &t, nil
}

// DeleteTurn implements [memory.TurnStore].
func (s *Store) DeleteTurn(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM conversation_turns WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("postgres store: delete turn: %w", classify(err))
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres store: delete turn %s: %w", id, memory.ErrNotFound)
	}
	return nil
}

// ListTurns implements [memory.TurnStore].
func (s *Store) ListTurns(ctx context.Context, f memory.TurnFilter) ([]memory.ConversationTurn, error) {
	args := []any{f.UserID} // $1 = user
	next := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	q := `SELECT ` + turnColumns + ` FROM conversation_turns WHERE user_id = $1`
	if f.ConversationID != "" {
		q += " AND conversation_id = " + next(f.ConversationID)
	}
	q += " ORDER BY created_at, id"
	if f.Limit > 0 {
		q += " LIMIT " + next(f.Limit)
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres store: list turns: %w", classify(err))
	}
	turns, err := pgx.CollectRows(rows, scanTurn)
	if err != nil {
		return nil, fmt.Errorf("postgres store: list turns: scan: %w", classify(err))
	}
	if turns == nil {
		turns = []memory.ConversationTurn{}
	}
	return turns, nil
}

func scanTurn(row pgx.CollectableRow) (memory.ConversationTurn, error) {
	var (
		t    memory.ConversationTurn
		role string
	)
	if err := row.Scan(&t.ID, &t.UserID, &t.ConversationID, &role, &t.Text, &t.CreatedAt); err != nil {
		return memory.ConversationTurn{}, err
	}
	t.Role = memory.Role(role)
	t.CreatedAt = t.CreatedAt.UTC()
	return t, nil
}
