package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	pgvector "github.com/pgvector/pgvector-go"

	"github.com/MrWong99/aimemory/pkg/memory"
)

const nodeColumns = `id, user_id, level, content, embedding, importance_score, created_at,
	last_accessed_at, last_decayed_at, access_count, decay_rate, children, parent, turn_id, summarised`

// InsertNode implements [memory.NodeStore]. When node.Parent is set the
// parent row is locked and the edge validated in the same transaction.
func (s *Store) InsertNode(ctx context.Context, node memory.MemoryNode) (string, error) {
	if node.ID == "" {
		node.ID = uuid.NewString()
	}
	if node.Children == nil {
		node.Children = []string{}
	}

	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if node.Parent != "" {
			parent := memory.MemoryNode{ID: node.Parent}
			err := tx.QueryRow(ctx,
				`SELECT user_id, level FROM memory_nodes WHERE id = $1 FOR SHARE`, node.Parent,
			).Scan(&parent.UserID, &parent.Level)
			if isNoRows(err) {
				return fmt.Errorf("parent %s: %w", node.Parent, memory.ErrNotFound)
			}
			if err != nil {
				return err
			}
			if err := memory.ValidateEdge(&node, &parent); err != nil {
				return err
			}
		}

		const q = `
			INSERT INTO memory_nodes (` + nodeColumns + `)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`
		_, err := tx.Exec(ctx, q,
			node.ID,
			node.UserID,
			node.Level,
			node.Content,
			toVector(node.Embedding),
			node.ImportanceScore,
			node.CreatedAt,
			node.LastAccessedAt,
			nullTime(node.LastDecayedAt),
			node.AccessCount,
			node.DecayRate,
			node.Children,
			node.Parent,
			node.TurnID,
			node.Summarised,
		)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("postgres store: insert node: %w", classify(err))
	}
	return node.ID, nil
}

// UpdateNode implements [memory.NodeStore]. Only the non-nil fields of patch
// appear in the SET clause.
func (s *Store) UpdateNode(ctx context.Context, id string, patch memory.NodePatch) error {
	args := []any{id} // $1 = node id
	next := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	var sets []string
	if patch.Content != nil {
		sets = append(sets, "content = "+next(*patch.Content))
	}
	if patch.Embedding != nil {
		sets = append(sets, "embedding = "+next(toVector(*patch.Embedding)))
	}
	if patch.ImportanceScore != nil {
		sets = append(sets, "importance_score = "+next(*patch.ImportanceScore))
	}
	if patch.LastAccessedAt != nil {
		sets = append(sets, "last_accessed_at = "+next(*patch.LastAccessedAt))
	}
	if patch.LastDecayedAt != nil {
		sets = append(sets, "last_decayed_at = "+next(nullTime(*patch.LastDecayedAt)))
	}
	if patch.AccessCount != nil {
		sets = append(sets, "access_count = "+next(*patch.AccessCount))
	}
	if patch.DecayRate != nil {
		sets = append(sets, "decay_rate = "+next(*patch.DecayRate))
	}
	if patch.Children != nil {
		children := *patch.Children
		if children == nil {
			children = []string{}
		}
		sets = append(sets, "children = "+next(children))
	}
	if patch.Parent != nil {
		sets = append(sets, "parent = "+next(*patch.Parent))
	}
	if patch.Summarised != nil {
		sets = append(sets, "summarised = "+next(*patch.Summarised))
	}

	if len(sets) == 0 {
		return s.checkNode(ctx, id, patch)
	}

	where := "id = $1"
	if patch.IfAccessCount != nil {
		where += " AND access_count = " + next(*patch.IfAccessCount)
	}
	q := fmt.Sprintf(`UPDATE memory_nodes SET %s WHERE %s`, strings.Join(sets, ", "), where)
	tag, err := s.pool.Exec(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("postgres store: update node: %w", classify(err))
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	if err := s.checkNode(ctx, id, patch); err != nil {
		return err
	}
	// The row matched the precondition after the update missed it.
	return fmt.Errorf("postgres store: update node %s: %w", id, memory.ErrConflict)
}

// checkNode reports ErrNotFound for a missing node and ErrConflict when a
// precondition of patch fails against the stored row.
func (s *Store) checkNode(ctx context.Context, id string, patch memory.NodePatch) error {
	n := memory.MemoryNode{ID: id}
	err := s.pool.QueryRow(ctx, `SELECT access_count FROM memory_nodes WHERE id = $1`, id).Scan(&n.AccessCount)
	if isNoRows(err) {
		return fmt.Errorf("postgres store: update node %s: %w", id, memory.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("postgres store: update node: %w", classify(err))
	}
	if err := patch.Check(&n); err != nil {
		return fmt.Errorf("postgres store: update node: %w", err)
	}
	return nil
}

// GetNode implements [memory.NodeStore].
func (s *Store) GetNode(ctx context.Context, id string) (*memory.MemoryNode, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+nodeColumns+` FROM memory_nodes WHERE id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("postgres store: get node: %w", classify(err))
	}
	n, err := pgx.CollectExactlyOneRow(rows, scanNode)
	if isNoRows(err) {
		return nil, fmt.Errorf("postgres store: get node %s: %w", id, memory.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("postgres store: get node: scan: %w", classify(err))
	}
	return &n, nil
}

// DeleteNode implements [memory.NodeStore]. The row delete and the removal
// from the parent's children array share one transaction.
func (s *Store) DeleteNode(ctx context.Context, id string) error {
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var parent string
		err := tx.QueryRow(ctx, `DELETE FROM memory_nodes WHERE id = $1 RETURNING parent`, id).Scan(&parent)
		if isNoRows(err) {
			return memory.ErrNotFound
		}
		if err != nil {
			return err
		}
		if parent == "" {
			return nil
		}
		_, err = tx.Exec(ctx,
			`UPDATE memory_nodes SET children = array_remove(children, $1) WHERE id = $2`, id, parent)
		return err
	})
	if err != nil {
		return fmt.Errorf("postgres store: delete node %s: %w", id, classify(err))
	}
	return nil
}

// HybridSearch implements [memory.NodeStore]. The lexical sub-score is
// ts_rank against the query terms OR-joined, so a node matching any term
// scores; the semantic sub-score is cosine similarity (1 - cosine distance)
// floored at 0. Rows scoring 0 on both are excluded before the limit.
func (s *Store) HybridSearch(ctx context.Context, hq memory.HybridQuery) ([]memory.Candidate, error) {
	const q = `
		WITH q AS (
			SELECT replace(plainto_tsquery('english', $2)::text, '&', '|')::tsquery AS tsq
		), scored AS (
			SELECT m.*,
			       CASE WHEN to_tsvector('english', m.content) @@ q.tsq
			            THEN ts_rank(to_tsvector('english', m.content), q.tsq) ELSE 0 END AS lexical,
			       CASE WHEN $3::vector IS NULL OR m.embedding IS NULL
			            THEN 0 ELSE GREATEST(0, 1 - (m.embedding <=> $3::vector)) END AS semantic
			FROM   memory_nodes m, q
			WHERE  m.user_id = $1
		)
		SELECT ` + nodeColumns + `, lexical, semantic
		FROM   scored
		WHERE  lexical > 0 OR semantic > 0
		ORDER  BY lexical + semantic DESC, created_at, id
		LIMIT  $4`

	limit := hq.Limit
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, q, hq.UserID, hq.Text, toVector(hq.Embedding), limit)
	if err != nil {
		return nil, fmt.Errorf("postgres store: hybrid search: %w", classify(err))
	}

	cands, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (memory.Candidate, error) {
		var c memory.Candidate
		n, err := scanNodeWith(row, &c.LexicalScore, &c.SemanticScore)
		c.Node = n
		return c, err
	})
	if err != nil {
		return nil, fmt.Errorf("postgres store: hybrid search: scan: %w", classify(err))
	}

	if cands == nil {
		cands = []memory.Candidate{}
	}
	return cands, nil
}

// ListByLevel implements [memory.NodeStore].
func (s *Store) ListByLevel(ctx context.Context, userID string, level int) ([]memory.MemoryNode, error) {
	return s.listNodes(ctx, "list by level",
		`SELECT `+nodeColumns+` FROM memory_nodes WHERE user_id = $1 AND level = $2 ORDER BY created_at, id`,
		userID, level)
}

// ListNodes implements [memory.NodeStore].
func (s *Store) ListNodes(ctx context.Context, userID string) ([]memory.MemoryNode, error) {
	return s.listNodes(ctx, "list nodes",
		`SELECT `+nodeColumns+` FROM memory_nodes WHERE user_id = $1 ORDER BY level, created_at, id`,
		userID)
}

// ListMissingEmbedding implements [memory.NodeStore].
func (s *Store) ListMissingEmbedding(ctx context.Context, userID string, limit int) ([]memory.MemoryNode, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.listNodes(ctx, "list missing embedding",
		`SELECT `+nodeColumns+` FROM memory_nodes
		 WHERE user_id = $1 AND embedding IS NULL ORDER BY created_at, id LIMIT $2`,
		userID, limit)
}

// CountForUser implements [memory.NodeStore].
func (s *Store) CountForUser(ctx context.Context, userID string) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx, `SELECT count(*) FROM memory_nodes WHERE user_id = $1`, userID).Scan(&n); err != nil {
		return 0, fmt.Errorf("postgres store: count for user: %w", classify(err))
	}
	return n, nil
}

func (s *Store) listNodes(ctx context.Context, op, q string, args ...any) ([]memory.MemoryNode, error) {
	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres store: %s: %w", op, classify(err))
	}
	nodes, err := pgx.CollectRows(rows, scanNode)
	if err != nil {
		return nil, fmt.Errorf("postgres store: %s: scan: %w", op, classify(err))
	}
	if nodes == nil {
		nodes = []memory.MemoryNode{}
	}
	return nodes, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Scan helpers
// ─────────────────────────────────────────────────────────────────────────────

func scanNode(row pgx.CollectableRow) (memory.MemoryNode, error) {
	return scanNodeWith(row)
}

// scanNodeWith scans the node columns followed by any extra destinations.
func scanNodeWith(row pgx.CollectableRow, extra ...any) (memory.MemoryNode, error) {
	var (
		n         memory.MemoryNode
		vec       *pgvector.Vector
		decayedAt *time.Time
	)
	dest := []any{
		&n.ID, &n.UserID, &n.Level, &n.Content, &vec, &n.ImportanceScore, &n.CreatedAt,
		&n.LastAccessedAt, &decayedAt, &n.AccessCount, &n.DecayRate, &n.Children, &n.Parent, &n.TurnID,
		&n.Summarised,
	}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return memory.MemoryNode{}, err
	}
	if vec != nil {
		n.Embedding = vec.Slice()
	}
	if decayedAt != nil {
		n.LastDecayedAt = decayedAt.UTC()
	}
	if len(n.Children) == 0 {
		n.Children = nil
	}
	n.CreatedAt = n.CreatedAt.UTC()
	n.LastAccessedAt = n.LastAccessedAt.UTC()
	return n, nil
}

func toVector(v []float32) *pgvector.Vector {
	if v == nil {
		return nil
	}
	vec := pgvector.NewVector(v)
	return &vec
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
