// Package sqlite implements [memory.Store] on top of an embedded SQLite
// database using the pure-Go modernc.org/sqlite driver.
//
// Embeddings are kept as little-endian float32 BLOBs and scored in process,
// which keeps the backend dependency-free at the cost of a per-user table scan
// on every hybrid search. It suits single-node deployments with modest
// per-user memory sizes.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/MrWong99/aimemory/pkg/memory"
)

var _ memory.Store = (*Store)(nil)

// Store is a SQLite-backed [memory.Store]. It pins the pool to a single
// connection so SQLite serialises all access.
type Store struct {
	db *sql.DB
}

// Open creates a Store for dsn and migrates the schema. Use ":memory:" for an
// ephemeral database or a file path for persistence.
func Open(ctx context.Context, dsn string) (*Store, error) {
	if dsn == "" {
		dsn = ":memory:"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite store: open: %w", err)
	}

	// PRAGMAs are per-connection and in-memory databases are per-connection
	// too, so pin to one.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000"} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("sqlite store: %s: %w", pragma, err)
		}
	}

	s := &Store{db: db}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite store: migrate: %w", err)
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	const schema = `
	CREATE TABLE IF NOT EXISTS conversation_turns (
		id               TEXT PRIMARY KEY,
		user_id          TEXT NOT NULL,
		conversation_id  TEXT NOT NULL DEFAULT '',
		role             TEXT NOT NULL,
		text             TEXT NOT NULL,
		created_at       TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_turns_user_created ON conversation_turns(user_id, created_at);

	CREATE TABLE IF NOT EXISTS memory_nodes (
		id                TEXT PRIMARY KEY,
		user_id           TEXT NOT NULL,
		level             INTEGER NOT NULL,
		content           TEXT NOT NULL,
		embedding         BLOB,
		importance_score  REAL NOT NULL DEFAULT 0,
		created_at        TEXT NOT NULL,
		last_accessed_at  TEXT NOT NULL,
		last_decayed_at   TEXT NOT NULL DEFAULT '',
		access_count      INTEGER NOT NULL DEFAULT 0,
		decay_rate        REAL NOT NULL DEFAULT 0,
		children          TEXT NOT NULL DEFAULT '[]',
		parent            TEXT NOT NULL DEFAULT '',
		turn_id           TEXT NOT NULL DEFAULT '',
		summarised        INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_nodes_user_level ON memory_nodes(user_id, level, created_at);
	CREATE INDEX IF NOT EXISTS idx_nodes_parent ON memory_nodes(parent);
	`
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// Ping implements [memory.Store].
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("sqlite store: ping: %w", errors.Join(memory.ErrUnavailable, err))
	}
	return nil
}

// Close implements [memory.Store].
func (s *Store) Close() error {
	return s.db.Close()
}

// ─────────────────────────────────────────────────────────────────────────────
// Turns
// ─────────────────────────────────────────────────────────────────────────────

// InsertTurn implements [memory.TurnStore].
func (s *Store) InsertTurn(ctx context.Context, t memory.ConversationTurn) (string, error) {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversation_turns (id, user_id, conversation_id, role, text, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		t.ID, t.UserID, t.ConversationID, string(t.Role), t.Text, formatTime(t.CreatedAt),
	)
	if err != nil {
		return "", fmt.Errorf("sqlite store: insert turn: %w", err)
	}
	return t.ID, nil
}

// GetTurn implements [memory.TurnStore].
func (s *Store) GetTurn(ctx context.Context, id string) (*memory.ConversationTurn, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, conversation_id, role, text, created_at FROM conversation_turns WHERE id = ?`, id)
	t, err := scanTurn(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("sqlite store: get turn %s: %w", id, memory.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite store: get turn: %w", err)
	}
	return &t, nil
}

// DeleteTurn implements [memory.TurnStore].
func (s *Store) DeleteTurn(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM conversation_turns WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("sqlite store: delete turn: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("sqlite store: delete turn %s: %w", id, memory.ErrNotFound)
	}
	return nil
}

// ListTurns implements [memory.TurnStore].
func (s *Store) ListTurns(ctx context.Context, f memory.TurnFilter) ([]memory.ConversationTurn, error) {
	q := `SELECT id, user_id, conversation_id, role, text, created_at FROM conversation_turns WHERE user_id = ?`
	args := []any{f.UserID}
	if f.ConversationID != "" {
		q += " AND conversation_id = ?"
		args = append(args, f.ConversationID)
	}
	q += " ORDER BY created_at, id"
	if f.Limit > 0 {
		q += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite store: list turns: %w", err)
	}
	defer rows.Close()

	out := []memory.ConversationTurn{}
	for rows.Next() {
		t, err := scanTurn(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite store: list turns: scan: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// ─────────────────────────────────────────────────────────────────────────────
// Nodes
// ─────────────────────────────────────────────────────────────────────────────

const nodeColumns = `id, user_id, level, content, embedding, importance_score, created_at,
	last_accessed_at, last_decayed_at, access_count, decay_rate, children, parent, turn_id, summarised`

// InsertNode implements [memory.NodeStore].
func (s *Store) InsertNode(ctx context.Context, n memory.MemoryNode) (string, error) {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.Parent != "" {
		parent, err := s.GetNode(ctx, n.Parent)
		if err != nil {
			return "", fmt.Errorf("sqlite store: insert node: parent: %w", err)
		}
		if err := memory.ValidateEdge(&n, parent); err != nil {
			return "", fmt.Errorf("sqlite store: insert node: %w", err)
		}
	}

	children, err := json.Marshal(nonNil(n.Children))
	if err != nil {
		return "", fmt.Errorf("sqlite store: insert node: marshal children: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO memory_nodes (`+nodeColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		n.ID, n.UserID, n.Level, n.Content, encodeEmbedding(n.Embedding), n.ImportanceScore,
		formatTime(n.CreatedAt), formatTime(n.LastAccessedAt), formatTime(n.LastDecayedAt),
		n.AccessCount, n.DecayRate, string(children), n.Parent, n.TurnID, n.Summarised,
	)
	if err != nil {
		return "", fmt.Errorf("sqlite store: insert node: %w", err)
	}
	return n.ID, nil
}

// UpdateNode implements [memory.NodeStore].
func (s *Store) UpdateNode(ctx context.Context, id string, p memory.NodePatch) error {
	var (
		sets []string
		args []any
	)
	set := func(col string, v any) {
		sets = append(sets, col+" = ?")
		args = append(args, v)
	}
	if p.Content != nil {
		set("content", *p.Content)
	}
	if p.Embedding != nil {
		set("embedding", encodeEmbedding(*p.Embedding))
	}
	if p.ImportanceScore != nil {
		set("importance_score", *p.ImportanceScore)
	}
	if p.LastAccessedAt != nil {
		set("last_accessed_at", formatTime(*p.LastAccessedAt))
	}
	if p.LastDecayedAt != nil {
		set("last_decayed_at", formatTime(*p.LastDecayedAt))
	}
	if p.AccessCount != nil {
		set("access_count", *p.AccessCount)
	}
	if p.DecayRate != nil {
		set("decay_rate", *p.DecayRate)
	}
	if p.Children != nil {
		b, err := json.Marshal(nonNil(*p.Children))
		if err != nil {
			return fmt.Errorf("sqlite store: update node: marshal children: %w", err)
		}
		set("children", string(b))
	}
	if p.Parent != nil {
		set("parent", *p.Parent)
	}
	if p.Summarised != nil {
		set("summarised", *p.Summarised)
	}

	if len(sets) == 0 {
		n, err := s.GetNode(ctx, id)
		if err != nil {
			return err
		}
		if err := p.Check(n); err != nil {
			return fmt.Errorf("sqlite store: update node: %w", err)
		}
		return nil
	}

	where := "id = ?"
	args = append(args, id)
	if p.IfAccessCount != nil {
		where += " AND access_count = ?"
		args = append(args, *p.IfAccessCount)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE memory_nodes SET `+strings.Join(sets, ", ")+` WHERE `+where, args...)
	if err != nil {
		return fmt.Errorf("sqlite store: update node: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}

	// Nothing matched: either the node is gone or a precondition failed.
	n, err := s.GetNode(ctx, id)
	if err != nil {
		return err
	}
	if err := p.Check(n); err != nil {
		return fmt.Errorf("sqlite store: update node: %w", err)
	}
	return fmt.Errorf("sqlite store: update node %s: %w", id, memory.ErrConflict)
}

// GetNode implements [memory.NodeStore].
func (s *Store) GetNode(ctx context.Context, id string) (*memory.MemoryNode, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+nodeColumns+` FROM memory_nodes WHERE id = ?`, id)
	n, err := scanNode(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("sqlite store: get node %s: %w", id, memory.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite store: get node: %w", err)
	}
	return &n, nil
}

// DeleteNode implements [memory.NodeStore]. The delete and the parent's
// children update run in one transaction.
func (s *Store) DeleteNode(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite store: delete node: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var parent string
	err = tx.QueryRowContext(ctx, `SELECT parent FROM memory_nodes WHERE id = ?`, id).Scan(&parent)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("sqlite store: delete node %s: %w", id, memory.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("sqlite store: delete node: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM memory_nodes WHERE id = ?`, id); err != nil {
		return fmt.Errorf("sqlite store: delete node: %w", err)
	}

	if parent != "" {
		var raw string
		err := tx.QueryRowContext(ctx, `SELECT children FROM memory_nodes WHERE id = ?`, parent).Scan(&raw)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			// Dangling parent pointer; reconciliation reports it.
		case err != nil:
			return fmt.Errorf("sqlite store: delete node: load parent: %w", err)
		default:
			var children []string
			if err := json.Unmarshal([]byte(raw), &children); err != nil {
				return fmt.Errorf("sqlite store: delete node: decode children: %w", err)
			}
			kept := children[:0]
			for _, c := range children {
				if c != id {
					kept = append(kept, c)
				}
			}
			b, _ := json.Marshal(nonNil(kept))
			if _, err := tx.ExecContext(ctx, `UPDATE memory_nodes SET children = ? WHERE id = ?`, string(b), parent); err != nil {
				return fmt.Errorf("sqlite store: delete node: detach: %w", err)
			}
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite store: delete node: commit: %w", err)
	}
	return nil
}

// HybridSearch implements [memory.NodeStore] by scanning the user's nodes and
// scoring them with [memory.ScoreNodes].
func (s *Store) HybridSearch(ctx context.Context, q memory.HybridQuery) ([]memory.Candidate, error) {
	nodes, err := s.ListNodes(ctx, q.UserID)
	if err != nil {
		return nil, fmt.Errorf("sqlite store: hybrid search: %w", err)
	}
	return memory.ScoreNodes(q, nodes), nil
}

// ListByLevel implements [memory.NodeStore].
func (s *Store) ListByLevel(ctx context.Context, userID string, level int) ([]memory.MemoryNode, error) {
	return s.queryNodes(ctx,
		`SELECT `+nodeColumns+` FROM memory_nodes WHERE user_id = ? AND level = ? ORDER BY created_at, id`,
		userID, level)
}

// ListNodes implements [memory.NodeStore].
func (s *Store) ListNodes(ctx context.Context, userID string) ([]memory.MemoryNode, error) {
	return s.queryNodes(ctx,
		`SELECT `+nodeColumns+` FROM memory_nodes WHERE user_id = ? ORDER BY level, created_at, id`,
		userID)
}

// ListMissingEmbedding implements [memory.NodeStore].
func (s *Store) ListMissingEmbedding(ctx context.Context, userID string, limit int) ([]memory.MemoryNode, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.queryNodes(ctx,
		`SELECT `+nodeColumns+` FROM memory_nodes WHERE user_id = ? AND embedding IS NULL
		 ORDER BY created_at, id LIMIT ?`,
		userID, limit)
}

// CountForUser implements [memory.NodeStore].
func (s *Store) CountForUser(ctx context.Context, userID string) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM memory_nodes WHERE user_id = ?`, userID).Scan(&n); err != nil {
		return 0, fmt.Errorf("sqlite store: count for user: %w", err)
	}
	return n, nil
}

// ListUsers implements [memory.Store].
func (s *Store) ListUsers(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id FROM conversation_turns UNION SELECT user_id FROM memory_nodes ORDER BY user_id`)
	if err != nil {
		return nil, fmt.Errorf("sqlite store: list users: %w", err)
	}
	defer rows.Close()

	users := []string{}
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, fmt.Errorf("sqlite store: list users: scan: %w", err)
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// DeleteUser implements [memory.Store].
func (s *Store) DeleteUser(ctx context.Context, userID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite store: delete user: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, q := range []string{
		`DELETE FROM memory_nodes WHERE user_id = ?`,
		`DELETE FROM conversation_turns WHERE user_id = ?`,
	} {
		if _, err := tx.ExecContext(ctx, q, userID); err != nil {
			return fmt.Errorf("sqlite store: delete user: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite store: delete user: commit: %w", err)
	}
	return nil
}

func (s *Store) queryNodes(ctx context.Context, q string, args ...any) ([]memory.MemoryNode, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite store: query nodes: %w", err)
	}
	defer rows.Close()

	out := []memory.MemoryNode{}
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite store: query nodes: scan: %w", err)
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// ─────────────────────────────────────────────────────────────────────────────
// Encoding helpers
// ─────────────────────────────────────────────────────────────────────────────

type scanner interface {
	Scan(dest ...any) error
}

func scanTurn(sc scanner) (memory.ConversationTurn, error) {
	var (
		t        memory.ConversationTurn
		role, ts string
	)
	if err := sc.Scan(&t.ID, &t.UserID, &t.ConversationID, &role, &t.Text, &ts); err != nil {
		return memory.ConversationTurn{}, err
	}
	t.Role = memory.Role(role)
	t.CreatedAt = parseTime(ts)
	return t, nil
}

func scanNode(sc scanner) (memory.MemoryNode, error) {
	var (
		n                          memory.MemoryNode
		emb                        []byte
		created, accessed, decayed string
		children                   string
	)
	if err := sc.Scan(&n.ID, &n.UserID, &n.Level, &n.Content, &emb, &n.ImportanceScore, &created,
		&accessed, &decayed, &n.AccessCount, &n.DecayRate, &children, &n.Parent, &n.TurnID, &n.Summarised); err != nil {
		return memory.MemoryNode{}, err
	}
	n.Embedding = decodeEmbedding(emb)
	n.CreatedAt = parseTime(created)
	n.LastAccessedAt = parseTime(accessed)
	n.LastDecayedAt = parseTime(decayed)
	if err := json.Unmarshal([]byte(children), &n.Children); err != nil {
		return memory.MemoryNode{}, fmt.Errorf("decode children: %w", err)
	}
	if len(n.Children) == 0 {
		n.Children = nil
	}
	return n, nil
}

// formatTime renders t in a fixed-width UTC layout so that lexical ORDER BY
// matches chronological order. The zero time is stored as "".
func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format("2006-01-02T15:04:05.000000000Z")
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}

// encodeEmbedding converts a float32 slice to a little-endian BLOB. A nil
// slice is bound as an untyped nil so that it is stored as NULL.
func encodeEmbedding(emb []float32) any {
	if emb == nil {
		return nil
	}
	buf := make([]byte, len(emb)*4)
	for i, v := range emb {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

func decodeEmbedding(buf []byte) []float32 {
	if len(buf) == 0 || len(buf)%4 != 0 {
		return nil
	}
	out := make([]float32, len(buf)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return out
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
