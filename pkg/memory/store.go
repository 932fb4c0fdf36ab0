package memory

import "context"

// ─────────────────────────────────────────────────────────────────────────────
// Turn log
// ─────────────────────────────────────────────────────────────────────────────

// TurnFilter narrows [TurnStore.ListTurns]. All non-zero fields are applied as
// AND conditions.
type TurnFilter struct {
	// UserID is required.
	UserID string

	// ConversationID restricts results to one conversation.
	ConversationID string

	// Limit caps the number of results. 0 means no limit.
	Limit int
}

// TurnStore persists raw [ConversationTurn] records, the record of truth of
// the engine. Turns are immutable once inserted.
type TurnStore interface {
	// InsertTurn durably stores turn and returns its id. When turn.ID is
	// empty the store assigns one.
	InsertTurn(ctx context.Context, turn ConversationTurn) (string, error)

	// GetTurn returns the turn with the given id or [ErrNotFound].
	GetTurn(ctx context.Context, id string) (*ConversationTurn, error)

	// DeleteTurn removes the turn or returns [ErrNotFound].
	DeleteTurn(ctx context.Context, id string) error

	// ListTurns returns matching turns ordered by CreatedAt ascending, ties
	// broken by id. Returns an empty (non-nil) slice when nothing matches.
	ListTurns(ctx context.Context, filter TurnFilter) ([]ConversationTurn, error)
}

// ─────────────────────────────────────────────────────────────────────────────
// Memory graph
// ─────────────────────────────────────────────────────────────────────────────

// NodeStore persists the [MemoryNode] graph.
//
// Single-node operations are atomic. Multi-node operations (attaching
// children, re-parenting) are sequences of single-node updates issued by the
// caller; a partial failure is repaired later by reconciliation.
type NodeStore interface {
	// InsertNode durably stores node and returns its id. When node.ID is empty
	// the store assigns one.
	InsertNode(ctx context.Context, node MemoryNode) (string, error)

	// UpdateNode applies patch to the node with the given id. Returns
	// [ErrNotFound] when the node does not exist and [ErrConflict], without
	// writing anything, when a precondition of patch does not hold. The
	// check and the write are atomic.
	UpdateNode(ctx context.Context, id string, patch NodePatch) error

	// GetNode returns the node with the given id or [ErrNotFound].
	GetNode(ctx context.Context, id string) (*MemoryNode, error)

	// DeleteNode removes the node and detaches it from its parent's children
	// list. Returns [ErrNotFound] when the node does not exist. Children of the
	// deleted node are left untouched; callers re-parent them first.
	DeleteNode(ctx context.Context, id string) error

	// HybridSearch returns up to q.Limit candidates of q.UserID carrying both
	// a lexical and a semantic sub-score. Nodes matching neither signal are
	// omitted. Candidates are ordered by the sum of their sub-scores
	// descending, then CreatedAt ascending.
	HybridSearch(ctx context.Context, q HybridQuery) ([]Candidate, error)

	// ListByLevel returns the nodes of userID at level ordered by CreatedAt
	// ascending.
	ListByLevel(ctx context.Context, userID string, level int) ([]MemoryNode, error)

	// ListNodes returns every node of userID ordered by level, then CreatedAt.
	ListNodes(ctx context.Context, userID string) ([]MemoryNode, error)

	// ListMissingEmbedding returns up to limit nodes of userID whose
	// embedding has not been computed yet, oldest first.
	ListMissingEmbedding(ctx context.Context, userID string, limit int) ([]MemoryNode, error)

	// CountForUser returns the number of nodes owned by userID.
	CountForUser(ctx context.Context, userID string) (int, error)
}

// Store is the Memory Store Adapter: the sole writer of persisted state.
// Every mutation is durable before the call returns.
type Store interface {
	TurnStore
	NodeStore

	// ListUsers returns the ids of every user owning at least one turn or
	// node, sorted ascending.
	ListUsers(ctx context.Context) ([]string, error)

	// DeleteUser removes every turn and node of userID. Deleting an unknown
	// user is not an error.
	DeleteUser(ctx context.Context, userID string) error

	// Ping verifies the backing store is reachable.
	Ping(ctx context.Context) error

	// Close releases the store's resources.
	Close() error
}
