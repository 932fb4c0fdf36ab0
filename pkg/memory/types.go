// Package memory defines the data model and storage contract of the
// hierarchical memory engine.
//
// Conversation turns are the record of truth. Every ingested turn is wrapped
// 1:1 by a level-0 [MemoryNode]; every FANOUT nodes at level N are summarised
// into one level-(N+1) node. The result is a per-user forest whose edges
// always point from a node to a parent exactly one level above it.
//
// All interfaces are public so that external packages can supply alternative
// storage backends (Postgres/pgvector, SQLite, in-memory, …) without
// depending on engine internals.
//
// Every implementation must be safe for concurrent use.
package memory

import (
	"fmt"
	"slices"
	"time"
)

// Role identifies who produced a conversation turn.
type Role string

const (
	// RoleUser marks a turn written by the human participant.
	RoleUser Role = "user"

	// RoleAssistant marks a turn produced by the assistant.
	RoleAssistant Role = "assistant"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAssistant
}

// ConversationTurn is an immutable record of a single utterance. It is created
// on ingestion and never mutated; it is deleted only by pruning or explicit
// user-data deletion.
type ConversationTurn struct {
	// ID is the unique identifier of the turn (a UUID).
	ID string

	// UserID owns the turn.
	UserID string

	// ConversationID groups turns of the same conversation. Optional.
	ConversationID string

	// Role is either [RoleUser] or [RoleAssistant].
	Role Role

	// Text is the verbatim utterance.
	Text string

	// CreatedAt is when the turn was recorded.
	CreatedAt time.Time
}

// MemoryNode is a vertex of the memory hierarchy.
//
// Level 0 nodes wrap exactly one [ConversationTurn] (referenced by TurnID) and
// have no children. Level N>0 nodes summarise their children, which are all
// level N-1 nodes of the same user.
type MemoryNode struct {
	// ID is the unique identifier of the node (a UUID).
	ID string

	// UserID owns the node. Edges never cross users.
	UserID string

	// Level is 0 for turn-derived leaves, N for summaries of level N-1 nodes.
	Level int

	// Content is the turn text (level 0) or the summary text (level > 0).
	Content string

	// Embedding is the vector representation of Content. Nil until computed.
	Embedding []float32

	// ImportanceScore lies in [0, MAX_SCORE].
	ImportanceScore float64

	// CreatedAt is when the node was inserted.
	CreatedAt time.Time

	// LastAccessedAt is reset on every reinforcement. The decay clock runs
	// from here.
	LastAccessedAt time.Time

	// LastDecayedAt is the logical time of the last decay applied to this
	// node. Zero when the node has never decayed.
	LastDecayedAt time.Time

	// AccessCount counts retrieval hits.
	AccessCount int64

	// DecayRate is the score lost per decay period without access.
	DecayRate float64

	// Children lists the ids of level-1 nodes summarised by this node, in
	// creation order. Always empty for level 0.
	Children []string

	// Parent is the id of the level+1 node summarising this one, or "" for a
	// root of its level.
	Parent string

	// TurnID is the wrapped turn for level 0 nodes, "" otherwise.
	TurnID string

	// Summarised is set once the node has been folded into a parent. It stays
	// set when the parent is later evicted, so the node never rejoins an open
	// group.
	Summarised bool
}

// IsLeaf reports whether n wraps a conversation turn.
func (n *MemoryNode) IsLeaf() bool { return n.Level == 0 }

// HasChild reports whether id is listed among n's children.
func (n *MemoryNode) HasChild(id string) bool { return slices.Contains(n.Children, id) }

// Clone returns a deep copy of n so callers may mutate it freely.
func (n MemoryNode) Clone() MemoryNode {
	n.Embedding = slices.Clone(n.Embedding)
	n.Children = slices.Clone(n.Children)
	return n
}

// NodePatch carries the fields of an [Store.UpdateNode] call. Nil fields are
// left unchanged. Use [Ptr] to build pointer literals.
type NodePatch struct {
	Content         *string
	Embedding       *[]float32
	ImportanceScore *float64
	LastAccessedAt  *time.Time
	LastDecayedAt   *time.Time
	AccessCount     *int64
	DecayRate       *float64
	Children        *[]string

	// Parent set to a pointer to "" detaches the node from its parent.
	Parent *string

	Summarised *bool

	// IfAccessCount is a precondition, not a field to write. When set, the
	// update only applies if the stored AccessCount still equals it and fails
	// with [ErrConflict] otherwise.
	IfAccessCount *int64
}

// IsEmpty reports whether the patch changes nothing. Preconditions do not
// count as changes.
func (p NodePatch) IsEmpty() bool {
	return p.Content == nil && p.Embedding == nil && p.ImportanceScore == nil &&
		p.LastAccessedAt == nil && p.LastDecayedAt == nil && p.AccessCount == nil &&
		p.DecayRate == nil && p.Children == nil && p.Parent == nil && p.Summarised == nil
}

// Check verifies the preconditions of p against the current state of n.
func (p NodePatch) Check(n *MemoryNode) error {
	if p.IfAccessCount != nil && n.AccessCount != *p.IfAccessCount {
		return fmt.Errorf("%w: node %s access count is %d, expected %d",
			ErrConflict, n.ID, n.AccessCount, *p.IfAccessCount)
	}
	return nil
}

// Apply writes the non-nil fields of p into n.
func (p NodePatch) Apply(n *MemoryNode) {
	if p.Content != nil {
		n.Content = *p.Content
	}
	if p.Embedding != nil {
		n.Embedding = slices.Clone(*p.Embedding)
	}
	if p.ImportanceScore != nil {
		n.ImportanceScore = *p.ImportanceScore
	}
	if p.LastAccessedAt != nil {
		n.LastAccessedAt = *p.LastAccessedAt
	}
	if p.LastDecayedAt != nil {
		n.LastDecayedAt = *p.LastDecayedAt
	}
	if p.AccessCount != nil {
		n.AccessCount = *p.AccessCount
	}
	if p.DecayRate != nil {
		n.DecayRate = *p.DecayRate
	}
	if p.Children != nil {
		n.Children = slices.Clone(*p.Children)
	}
	if p.Parent != nil {
		n.Parent = *p.Parent
	}
	if p.Summarised != nil {
		n.Summarised = *p.Summarised
	}
}

// Ptr returns a pointer to v.
func Ptr[T any](v T) *T { return &v }

// ─────────────────────────────────────────────────────────────────────────────
// Search types
// ─────────────────────────────────────────────────────────────────────────────

// HybridQuery is the input of [Store.HybridSearch].
type HybridQuery struct {
	// UserID scopes the search. Required.
	UserID string

	// Text is matched lexically against node content.
	Text string

	// Embedding is matched by cosine similarity. Nil disables the semantic
	// signal entirely.
	Embedding []float32

	// Limit caps the number of candidates returned.
	Limit int
}

// Candidate is a single [Store.HybridSearch] hit with its independent
// sub-scores. A score of 0 means the signal did not match.
type Candidate struct {
	Node MemoryNode

	// LexicalScore is the full-text relevance, higher is better.
	LexicalScore float64

	// SemanticScore is the cosine similarity to the query embedding.
	SemanticScore float64
}

// Source tells which signals contributed to a retrieval hit.
type Source string

const (
	SourceLexical  Source = "lexical"
	SourceSemantic Source = "semantic"
	SourceBoth     Source = "both"
)

// SourceOf derives the source from the raw sub-scores of a candidate.
func SourceOf(c Candidate) Source {
	switch {
	case c.LexicalScore > 0 && c.SemanticScore > 0:
		return SourceBoth
	case c.SemanticScore > 0:
		return SourceSemantic
	default:
		return SourceLexical
	}
}

// RetrievalResult is an ephemeral ranked hit returned to the caller. It is
// never persisted.
type RetrievalResult struct {
	NodeID           string  `json:"node_id"`
	RelevanceScore   float64 `json:"relevance_score"`
	Source           Source  `json:"source"`
	RetrievedContent string  `json:"retrieved_content"`
	Level            int     `json:"level"`

	// Ancestors is the chain of summaries above the hit, root first.
	Ancestors []AncestorContext `json:"ancestors,omitempty"`

	// Conversation holds the surrounding turns of a leaf hit, oldest first,
	// when conversation context was requested.
	Conversation []ConversationTurn `json:"conversation,omitempty"`
}

// AncestorContext is one summary node above a retrieval hit.
type AncestorContext struct {
	NodeID  string `json:"node_id"`
	Level   int    `json:"level"`
	Content string `json:"content"`
}
