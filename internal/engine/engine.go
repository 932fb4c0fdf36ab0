// Package engine is the entry point consumed by the outer service. It ties
// the raw turn store, the hierarchy builder, pruning and retrieval together
// behind three calls: [Engine.RecordTurn], [Engine.Retrieve] and
// [Engine.ForgetUser].
//
// Ingestion only fails when the raw turn cannot be persisted. Every
// auxiliary failure (capacity pruning, leaf creation, embedding,
// summarisation) is logged and reported to the event sink instead.
package engine

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/MrWong99/aimemory/internal/events"
	"github.com/MrWong99/aimemory/internal/hierarchy"
	"github.com/MrWong99/aimemory/internal/observe"
	"github.com/MrWong99/aimemory/internal/prune"
	"github.com/MrWong99/aimemory/internal/retrieval"
	"github.com/MrWong99/aimemory/pkg/memory"
)

// ErrInvalidTurn is returned by [Engine.RecordTurn] for malformed input.
var ErrInvalidTurn = errors.New("engine: invalid turn")

// Builder is the part of [hierarchy.Builder] the engine drives.
type Builder interface {
	Ingest(ctx context.Context, turn memory.ConversationTurn) (*memory.MemoryNode, error)
	Forget(userID string)
	Wait()
}

// Pruner is the part of [prune.Engine] the engine drives.
type Pruner interface {
	EnsureCapacity(ctx context.Context, userID string) (prune.Report, error)
}

// Retriever answers queries.
type Retriever interface {
	Retrieve(ctx context.Context, q retrieval.Query) (*retrieval.Response, error)
}

var (
	_ Builder   = (*hierarchy.Builder)(nil)
	_ Pruner    = (*prune.Engine)(nil)
	_ Retriever = (*retrieval.Engine)(nil)
)

// Filter decides which persisted turns become leaf memories. The zero value
// admits every turn.
type Filter struct {
	// MinTurnChars is the minimum trimmed length in characters.
	MinTurnChars int `yaml:"min_turn_chars"`

	// Roles restricts ingestion to these roles. Empty admits both.
	Roles []memory.Role `yaml:"roles"`
}

// Admits reports whether turn should get a leaf node.
func (f Filter) Admits(turn memory.ConversationTurn) bool {
	if len(f.Roles) > 0 && !slices.Contains(f.Roles, turn.Role) {
		return false
	}
	return utf8.RuneCountInString(strings.TrimSpace(turn.Text)) >= f.MinTurnChars
}

// Validate checks the filter.
func (f Filter) Validate() error {
	var errs []error
	if f.MinTurnChars < 0 {
		errs = append(errs, fmt.Errorf("min_turn_chars must be >= 0, got %d", f.MinTurnChars))
	}
	for _, r := range f.Roles {
		if !r.Valid() {
			errs = append(errs, fmt.Errorf("unknown role %q", r))
		}
	}
	return errors.Join(errs...)
}

// Config wires an [Engine]. Store, Builder and Retriever are required.
type Config struct {
	Store     memory.Store
	Builder   Builder
	Pruner    Pruner
	Retriever Retriever
	Emitter   events.Emitter
	Metrics   *observe.Metrics
	Filter    Filter
	Now       func() time.Time
}

// TurnInput is one conversation turn handed to [Engine.RecordTurn].
type TurnInput struct {
	UserID         string      `json:"user_id"`
	ConversationID string      `json:"conversation_id,omitempty"`
	Role           memory.Role `json:"role"`
	Text           string      `json:"text"`

	// CreatedAt defaults to the engine clock.
	CreatedAt time.Time `json:"created_at,omitzero"`
}

// Ack acknowledges a recorded turn. NodeID is empty when the turn was
// filtered out or its leaf could not be created.
type Ack struct {
	TurnID string `json:"turn_id"`
	NodeID string `json:"node_id,omitempty"`
}

// Engine is safe for concurrent use.
type Engine struct {
	store     memory.Store
	builder   Builder
	pruner    Pruner
	retriever Retriever
	emitter   events.Emitter
	metrics   *observe.Metrics
	filter    atomic.Pointer[Filter]
	now       func() time.Time
}

// New creates an Engine.
func New(cfg Config) (*Engine, error) {
	var errs []error
	if cfg.Store == nil {
		errs = append(errs, errors.New("store is required"))
	}
	if cfg.Builder == nil {
		errs = append(errs, errors.New("builder is required"))
	}
	if cfg.Retriever == nil {
		errs = append(errs, errors.New("retriever is required"))
	}
	if err := cfg.Filter.Validate(); err != nil {
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}

	e := &Engine{
		store:     cfg.Store,
		builder:   cfg.Builder,
		pruner:    cfg.Pruner,
		retriever: cfg.Retriever,
		emitter:   cfg.Emitter,
		metrics:   cfg.Metrics,
		now:       cfg.Now,
	}
	if e.emitter == nil {
		e.emitter = events.Nop{}
	}
	if e.metrics == nil {
		e.metrics = observe.DefaultMetrics()
	}
	if e.now == nil {
		e.now = time.Now
	}
	f := cfg.Filter
	e.filter.Store(&f)
	return e, nil
}

// Filter returns the active ingestion filter.
func (e *Engine) Filter() Filter { return *e.filter.Load() }

// SetFilter swaps the ingestion filter.
func (e *Engine) SetFilter(f Filter) error {
	if err := f.Validate(); err != nil {
		return fmt.Errorf("engine: %w", err)
	}
	e.filter.Store(&f)
	return nil
}

// RecordTurn persists in and, if the filter admits it, adds a leaf memory.
// An error is returned only for invalid input or when the turn itself could
// not be stored.
func (e *Engine) RecordTurn(ctx context.Context, in TurnInput) (_ Ack, err error) {
	ctx, span := observe.StartSpan(ctx, "engine.RecordTurn")
	defer func() {
		observe.EndSpan(span, err)
		e.metrics.RecordTurn(ctx, string(in.Role), err)
	}()

	if err := validate(in); err != nil {
		return Ack{}, err
	}
	log := observe.Logger(ctx).With("user_id", in.UserID)

	turn := memory.ConversationTurn{
		UserID:         in.UserID,
		ConversationID: in.ConversationID,
		Role:           in.Role,
		Text:           in.Text,
		CreatedAt:      in.CreatedAt,
	}
	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = e.now()
	}
	turn.CreatedAt = turn.CreatedAt.UTC()

	id, err := e.store.InsertTurn(ctx, turn)
	if err != nil {
		return Ack{}, fmt.Errorf("engine: record turn: %w", err)
	}
	turn.ID = id
	ack := Ack{TurnID: id}

	if !e.Filter().Admits(turn) {
		log.Debug("engine: turn filtered", "turn_id", id, "role", turn.Role)
		return ack, nil
	}

	if e.pruner != nil {
		if _, err := e.pruner.EnsureCapacity(ctx, in.UserID); err != nil {
			log.Warn("engine: capacity pruning failed", "error", err)
		}
	}

	node, err := e.builder.Ingest(ctx, turn)
	if err != nil {
		log.Warn("engine: leaf creation failed", "turn_id", id, "error", err)
		e.emitter.Emit(ctx, events.New(events.Failure, in.UserID,
			"op", "ingest", "turn_id", id, "error", err))
		return ack, nil
	}
	ack.NodeID = node.ID
	e.emitter.Emit(ctx, events.New(events.TurnIngested, in.UserID,
		"turn_id", id, "node_id", node.ID, "role", string(turn.Role), "conversation_id", turn.ConversationID))
	return ack, nil
}

func validate(in TurnInput) error {
	var errs []error
	if in.UserID == "" {
		errs = append(errs, errors.New("user id must not be empty"))
	}
	if !in.Role.Valid() {
		errs = append(errs, fmt.Errorf("unknown role %q", in.Role))
	}
	if strings.TrimSpace(in.Text) == "" {
		errs = append(errs, errors.New("text must not be empty"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidTurn, err)
	}
	return nil
}

// Retrieve answers q. Embedding failures degrade to lexical search; only
// store failures are returned.
func (e *Engine) Retrieve(ctx context.Context, q retrieval.Query) (*retrieval.Response, error) {
	resp, err := e.retriever.Retrieve(ctx, q)
	if err != nil {
		e.emitter.Emit(ctx, events.New(events.Failure, q.UserID, "op", "retrieve", "error", err))
		return nil, err
	}
	return resp, nil
}

// ForgetUser removes every turn and node of userID.
func (e *Engine) ForgetUser(ctx context.Context, userID string) error {
	if userID == "" {
		return errors.New("engine: forget user: user id must not be empty")
	}
	// Forget before deleting so in-flight summaries are abandoned, and again
	// after to drop state restored by a concurrent ingest in between.
	e.builder.Forget(userID)
	if err := e.store.DeleteUser(ctx, userID); err != nil {
		return fmt.Errorf("engine: forget user: %w", err)
	}
	e.builder.Forget(userID)

	observe.Logger(ctx).Info("engine: user forgotten", "user_id", userID)
	e.emitter.Emit(ctx, events.New(events.UserForgotten, userID))
	return nil
}

// Wait blocks until background ingestion work has finished.
func (e *Engine) Wait() { e.builder.Wait() }
