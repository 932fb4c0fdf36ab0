// Package retrieval answers "which memories are relevant to this query".
//
// A query is embedded (falling back to lexical-only search when the
// embedding gateway fails or times out), matched against the user's nodes by
// the store's hybrid search, and ranked by a per-pool normalised blend of the
// semantic and lexical signals. Each hit is expanded with its chain of
// summary ancestors and, optionally, with the surrounding conversation turns.
// Every returned leaf hit is reinforced. Summary hits and ancestors are
// returned as context only.
package retrieval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync/atomic"
	"time"

	"github.com/MrWong99/aimemory/internal/observe"
	"github.com/MrWong99/aimemory/pkg/memory"
)

// maxDepth bounds ancestor walks on a corrupted graph.
const maxDepth = 64

// Embedder embeds the query text.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Reinforcer records retrieval hits.
type Reinforcer interface {
	Reinforce(ctx context.Context, id string, now time.Time) (*memory.MemoryNode, error)
}

// ContextSummariser condenses the assembled context.
type ContextSummariser interface {
	SummarizeContext(ctx context.Context, query, assembled string) (string, error)
}

// Window is the number of turns kept around a hit.
type Window struct {
	Before int
	After  int
}

// Config holds the retrieval knobs.
type Config struct {
	// CandidatePool is the number of hybrid search candidates ranked.
	CandidatePool int

	// Alpha weights the semantic signal when a query embedding exists.
	Alpha float64

	// MinRelevance drops merged results below it.
	MinRelevance float64

	// DefaultTopK applies when a query asks for zero results.
	DefaultTopK int

	// AssistantWindow and UserWindow size the conversation context around
	// assistant and user turns.
	AssistantWindow Window
	UserWindow      Window
}

// DefaultConfig returns the stock retrieval knobs.
func DefaultConfig() Config {
	return Config{
		CandidatePool:   50,
		Alpha:           0.7,
		MinRelevance:    0,
		DefaultTopK:     5,
		AssistantWindow: Window{Before: 4, After: 2},
		UserWindow:      Window{Before: 3, After: 3},
	}
}

// Validate reports every problem with c.
func (c Config) Validate() error {
	var errs []error
	if c.CandidatePool <= 0 {
		errs = append(errs, fmt.Errorf("candidate pool must be positive, got %d", c.CandidatePool))
	}
	if c.Alpha < 0 || c.Alpha > 1 {
		errs = append(errs, fmt.Errorf("alpha must lie in [0, 1], got %v", c.Alpha))
	}
	if c.MinRelevance < 0 || c.MinRelevance > 1 {
		errs = append(errs, fmt.Errorf("min relevance must lie in [0, 1], got %v", c.MinRelevance))
	}
	if c.AssistantWindow.Before < 0 || c.AssistantWindow.After < 0 || c.UserWindow.Before < 0 || c.UserWindow.After < 0 {
		errs = append(errs, errors.New("conversation windows must not be negative"))
	}
	return errors.Join(errs...)
}

// Query is one retrieval request.
type Query struct {
	UserID string
	Text   string
	TopK   int

	// IncludeConversation attaches surrounding turns to leaf hits.
	IncludeConversation bool

	// Summarize asks for a short summary of the assembled context.
	Summarize bool
}

// Response is the result of [Engine.Retrieve].
type Response struct {
	Items []memory.RetrievalResult `json:"items"`

	// AssembledContext renders the items with their ancestors for prompt
	// injection. Ancestors shared by several items appear once.
	AssembledContext string `json:"assembled_context"`

	// Summary is set when a summary was requested and produced.
	Summary string `json:"summary,omitempty"`

	// Degraded is true when the embedding gateway failed and the query ran
	// lexical-only.
	Degraded bool `json:"degraded"`
}

// Engine serves retrieval queries.
type Engine struct {
	store      memory.Store
	embedder   Embedder
	reinforcer Reinforcer
	summariser ContextSummariser
	cfg        atomic.Pointer[Config]
	metrics    *observe.Metrics
	now        func() time.Time
}

// Option configures an [Engine].
type Option func(*Engine)

// WithEmbedder enables the semantic signal.
func WithEmbedder(e Embedder) Option { return func(en *Engine) { en.embedder = e } }

// WithSummariser enables context summaries.
func WithSummariser(s ContextSummariser) Option { return func(en *Engine) { en.summariser = s } }

// WithMetrics sets the metrics sink. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option { return func(en *Engine) { en.metrics = m } }

// WithClock overrides the time source used for reinforcement.
func WithClock(now func() time.Time) Option { return func(en *Engine) { en.now = now } }

// New creates a retrieval Engine.
func New(store memory.Store, reinforcer Reinforcer, cfg Config, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("retrieval: %w", err)
	}
	e := &Engine{store: store, reinforcer: reinforcer, now: time.Now}
	e.cfg.Store(&cfg)
	for _, o := range opts {
		o(e)
	}
	if e.metrics == nil {
		e.metrics = observe.DefaultMetrics()
	}
	return e, nil
}

// Config returns the active configuration.
func (e *Engine) Config() Config { return *e.cfg.Load() }

// SetConfig swaps the configuration for subsequent queries.
func (e *Engine) SetConfig(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("retrieval: %w", err)
	}
	e.cfg.Store(&cfg)
	return nil
}

// Retrieve answers q. Failures of the embedding gateway, of reinforcement
// and of the optional summary never fail the call; only store search errors
// do.
func (e *Engine) Retrieve(ctx context.Context, q Query) (_ *Response, err error) {
	ctx, span := observe.StartSpan(ctx, "retrieval.Retrieve")
	defer func() { observe.EndSpan(span, err) }()

	if q.UserID == "" {
		return nil, errors.New("retrieval: user id must not be empty")
	}
	cfg := e.cfg.Load()
	topK := q.TopK
	if topK <= 0 {
		topK = cfg.DefaultTopK
	}
	start := time.Now()
	resp := &Response{Items: []memory.RetrievalResult{}}

	var vec []float32
	if e.embedder != nil && strings.TrimSpace(q.Text) != "" {
		v, err := e.embedder.Embed(ctx, q.Text)
		if err != nil {
			resp.Degraded = true
			observe.Logger(ctx).Info("retrieval: embedding unavailable, searching lexically", "user_id", q.UserID, "error", err)
		} else {
			vec = v
		}
	}
	alpha := cfg.Alpha
	if vec == nil {
		alpha = 0
	}

	cands, err := e.store.HybridSearch(ctx, memory.HybridQuery{
		UserID:    q.UserID,
		Text:      q.Text,
		Embedding: vec,
		Limit:     cfg.CandidatePool,
	})
	if err != nil {
		return nil, fmt.Errorf("retrieval: search: %w", err)
	}

	var hits []Ranked
	for _, r := range Merge(cands, alpha) {
		if r.Relevance < cfg.MinRelevance {
			continue
		}
		hits = append(hits, r)
		if len(hits) == topK {
			break
		}
	}

	parents := make(map[string]*memory.MemoryNode)
	for _, h := range hits {
		item := memory.RetrievalResult{
			NodeID:           h.Node.ID,
			RelevanceScore:   h.Relevance,
			Source:           sourceOf(h.Candidate, vec != nil),
			RetrievedContent: h.Node.Content,
			Level:            h.Node.Level,
			Ancestors:        e.ancestors(ctx, &h.Node, parents),
		}
		if q.IncludeConversation && h.Node.IsLeaf() && h.Node.TurnID != "" {
			item.Conversation = e.conversation(ctx, q.UserID, h.Node.TurnID, cfg)
		}
		resp.Items = append(resp.Items, item)
	}

	now := e.now()
	for _, h := range hits {
		if !h.Node.IsLeaf() {
			continue
		}
		if _, err := e.reinforcer.Reinforce(ctx, h.Node.ID, now); err != nil {
			slog.Warn("retrieval: reinforce", "user_id", q.UserID, "node_id", h.Node.ID, "error", err)
		}
	}

	resp.AssembledContext = Assemble(resp.Items)
	if q.Summarize && e.summariser != nil && resp.AssembledContext != "" {
		summary, err := e.summariser.SummarizeContext(ctx, q.Text, resp.AssembledContext)
		if err != nil {
			slog.Info("retrieval: context summary unavailable", "user_id", q.UserID, "error", err)
		} else {
			resp.Summary = summary
		}
	}

	e.metrics.RecordRetrieval(ctx, time.Since(start), resp.Degraded)
	return resp, nil
}

// sourceOf reports which signal matched. Without a query embedding every
// hit is lexical.
func sourceOf(c memory.Candidate, semantic bool) memory.Source {
	if !semantic {
		return memory.SourceLexical
	}
	return memory.SourceOf(c)
}

// ancestors returns the summary chain above n, root first. Lookups are
// memoised in seen for the duration of one query.
func (e *Engine) ancestors(ctx context.Context, n *memory.MemoryNode, seen map[string]*memory.MemoryNode) []memory.AncestorContext {
	var chain []memory.AncestorContext
	visited := map[string]bool{n.ID: true}
	id := n.Parent
	for id != "" && len(chain) < maxDepth {
		if visited[id] {
			slog.Warn("retrieval: cycle in ancestor chain", "user_id", n.UserID, "node_id", id,
				"error", memory.ErrInconsistent)
			break
		}
		visited[id] = true

		p, ok := seen[id]
		if !ok {
			var err error
			p, err = e.store.GetNode(ctx, id)
			if err != nil {
				if errors.Is(err, memory.ErrNotFound) {
					slog.Warn("retrieval: dangling parent", "user_id", n.UserID, "node_id", id,
						"error", fmt.Errorf("%w: %w", memory.ErrInconsistent, err))
				}
				break
			}
			seen[id] = p
		}
		chain = append(chain, memory.AncestorContext{NodeID: p.ID, Level: p.Level, Content: p.Content})
		id = p.Parent
	}
	slices.Reverse(chain)
	return chain
}

// conversation returns the turns around turnID, oldest first.
func (e *Engine) conversation(ctx context.Context, userID, turnID string, cfg *Config) []memory.ConversationTurn {
	turn, err := e.store.GetTurn(ctx, turnID)
	if err != nil {
		if !errors.Is(err, memory.ErrNotFound) {
			slog.Warn("retrieval: load turn", "user_id", userID, "turn_id", turnID, "error", err)
		}
		return nil
	}
	turns, err := e.store.ListTurns(ctx, memory.TurnFilter{UserID: userID, ConversationID: turn.ConversationID})
	if err != nil {
		slog.Warn("retrieval: load conversation", "user_id", userID, "turn_id", turnID, "error", err)
		return nil
	}
	idx := slices.IndexFunc(turns, func(t memory.ConversationTurn) bool { return t.ID == turnID })
	if idx < 0 {
		return nil
	}
	w := cfg.UserWindow
	if turn.Role == memory.RoleAssistant {
		w = cfg.AssistantWindow
	}
	lo := max(0, idx-w.Before)
	hi := min(len(turns), idx+w.After+1)
	return slices.Clone(turns[lo:hi])
}

// Assemble renders items as a prompt-ready block. Ancestors appear before
// the first item that needs them and are not repeated.
func Assemble(items []memory.RetrievalResult) string {
	var sb strings.Builder
	shown := make(map[string]bool)
	for i, it := range items {
		if i > 0 {
			sb.WriteString("\n")
		}
		fmt.Fprintf(&sb, "[%d] relevance %.2f, level %d\n", i+1, it.RelevanceScore, it.Level)
		for _, a := range it.Ancestors {
			if shown[a.NodeID] {
				continue
			}
			shown[a.NodeID] = true
			fmt.Fprintf(&sb, "  context (level %d): %s\n", a.Level, a.Content)
		}
		fmt.Fprintf(&sb, "  memory: %s\n", it.RetrievedContent)
		if len(it.Conversation) > 0 {
			sb.WriteString("  conversation:\n")
			for _, t := range it.Conversation {
				fmt.Fprintf(&sb, "    %s: %s\n", t.Role, t.Text)
			}
		}
	}
	return sb.String()
}
