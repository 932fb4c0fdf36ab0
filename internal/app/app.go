// Package app wires the memory engine subsystems into a running application.
//
// The App struct owns the full lifecycle: New opens the store and builds every
// engine component, Run drives the maintenance scheduler until the context
// ends, and Shutdown drains background work and closes everything in order.
//
// For testing, inject doubles via functional options (WithStore,
// WithEventSink, WithClock). When an option is not provided, New creates real
// implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/aimemory/internal/config"
	"github.com/MrWong99/aimemory/internal/engine"
	"github.com/MrWong99/aimemory/internal/events"
	"github.com/MrWong99/aimemory/internal/gateway"
	"github.com/MrWong99/aimemory/internal/health"
	"github.com/MrWong99/aimemory/internal/hierarchy"
	"github.com/MrWong99/aimemory/internal/maintenance"
	"github.com/MrWong99/aimemory/internal/observe"
	"github.com/MrWong99/aimemory/internal/prune"
	"github.com/MrWong99/aimemory/internal/resilience"
	"github.com/MrWong99/aimemory/internal/retrieval"
	"github.com/MrWong99/aimemory/internal/scoring"
	"github.com/MrWong99/aimemory/pkg/memory"
	"github.com/MrWong99/aimemory/pkg/memory/cache"
	"github.com/MrWong99/aimemory/pkg/memory/memstore"
	"github.com/MrWong99/aimemory/pkg/memory/postgres"
	"github.com/MrWong99/aimemory/pkg/memory/sqlite"
	"github.com/MrWong99/aimemory/pkg/provider/embeddings"
	"github.com/MrWong99/aimemory/pkg/provider/llm"
)

// defaultEmbeddingDimensions sizes the pgvector column when neither the
// config nor the provider knows better.
const defaultEmbeddingDimensions = 1536

// Providers holds the AI backends. Nil means the slot is not configured.
// Populated by main.go via the config registry.
type Providers struct {
	Embeddings embeddings.Provider
	LLM        llm.Provider

	// EmbeddingsStates and LLMStates expose the circuit breaker states of
	// the provider groups for readiness checks. Optional.
	EmbeddingsStates func() map[string]resilience.State
	LLMStates        func() map[string]resilience.State
}

// App owns all subsystem lifetimes.
type App struct {
	cfgMu     sync.Mutex
	cfg       *config.Config
	providers *Providers
	metrics   *observe.Metrics
	now       func() time.Time

	store      memory.Store
	sink       events.Sink
	emitter    *events.Async
	scorer     *scoring.Engine
	builder    *hierarchy.Builder
	reconciler *hierarchy.Reconciler
	pruner     *prune.Engine
	retriever  *retrieval.Engine
	engine     *engine.Engine
	scheduler  *maintenance.Scheduler

	// closers are called in order during Shutdown.
	closers []func(context.Context) error

	stopOnce sync.Once
}

// Option is a functional option for New.
type Option func(*App)

// WithStore injects a store instead of opening one from config. The App
// still closes it on Shutdown.
func WithStore(s memory.Store) Option {
	return func(a *App) { a.store = s }
}

// WithEventSink injects an event sink instead of building one from config.
func WithEventSink(s events.Sink) Option {
	return func(a *App) { a.sink = s }
}

// WithMetrics overrides [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithClock overrides the wall clock used by the engines.
func WithClock(now func() time.Time) Option {
	return func(a *App) { a.now = now }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. providers comes from
// main.go; either slot may be nil.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil {
		providers = &Providers{}
	}
	a := &App{cfg: cfg, providers: providers}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.now == nil {
		a.now = time.Now
	}

	// ── 1. Store ─────────────────────────────────────────────────────────
	if err := a.initStore(ctx); err != nil {
		return nil, fmt.Errorf("app: init store: %w", err)
	}

	// ── 2. Events ────────────────────────────────────────────────────────
	if err := a.initEvents(ctx); err != nil {
		a.closeAll(ctx)
		return nil, fmt.Errorf("app: init events: %w", err)
	}

	// ── 3. Engines ───────────────────────────────────────────────────────
	if err := a.initEngines(); err != nil {
		a.closeAll(ctx)
		return nil, fmt.Errorf("app: init engines: %w", err)
	}

	// ── 4. Maintenance ───────────────────────────────────────────────────
	if !cfg.Maintenance.Disabled {
		a.scheduler = maintenance.NewScheduler(maintenance.Config{
			Users:       a.store,
			Decayer:     a.scorer,
			Pruner:      a.pruner,
			Builder:     a.builder,
			Reconciler:  a.reconciler,
			Interval:    cfg.Maintenance.Interval,
			Concurrency: cfg.Maintenance.Concurrency,
			Metrics:     a.metrics,
			Now:         a.now,
		})
	}
	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

func (a *App) initStore(ctx context.Context) error {
	if a.store == nil {
		sc := a.cfg.Store
		switch sc.Backend {
		case config.StoreSQLite:
			s, err := sqlite.Open(ctx, sc.DSN)
			if err != nil {
				return err
			}
			a.store = s
		case config.StorePostgres:
			s, err := postgres.NewStore(ctx, sc.DSN, a.embeddingDimensions())
			if err != nil {
				return err
			}
			a.store = s
		default:
			a.store = memstore.New()
		}
		slog.Info("memory store opened", "backend", sc.Backend)
	}

	if c := a.cfg.Store.Cache; c.MaxNodes > 0 {
		cached, err := cache.New(a.store, cache.Config{MaxNodes: c.MaxNodes, TTL: c.TTL})
		if err != nil {
			return fmt.Errorf("node cache: %w", err)
		}
		a.store = cached
	}
	store := a.store
	a.closers = append(a.closers, func(context.Context) error { return store.Close() })
	return nil
}

func (a *App) embeddingDimensions() int {
	if d := a.cfg.Store.EmbeddingDimensions; d > 0 {
		return d
	}
	if p := a.providers.Embeddings; p != nil {
		if d := p.Dimensions(); d > 0 {
			return d
		}
	}
	return defaultEmbeddingDimensions
}

func (a *App) initEvents(ctx context.Context) error {
	ec := a.cfg.Events
	name := string(ec.Sink)
	if a.sink == nil {
		switch ec.Sink {
		case config.SinkNone:
			return nil
		case config.SinkHTTP:
			s, err := events.NewHTTPSink(ec.URL, ec.AppName)
			if err != nil {
				return err
			}
			a.sink = s
		case config.SinkEventBridge:
			s, err := events.NewEventBridgeSink(ctx, ec.BusName, ec.Region)
			if err != nil {
				return err
			}
			a.sink = s
		default:
			a.sink = events.NewSlogSink(slog.Default())
		}
	} else if name == "" {
		name = "custom"
	}

	a.emitter = events.NewAsync(a.sink, name,
		events.WithBufferSize(ec.BufferSize),
		events.WithBatchSize(ec.BatchSize),
		events.WithFlushInterval(ec.FlushInterval),
		events.WithMetrics(a.metrics),
	)
	a.closers = append(a.closers, a.emitter.Close)
	return nil
}

// emitterOrNop returns the async emitter, or a no-op when events are off.
func (a *App) emitterOrNop() events.Emitter {
	if a.emitter == nil {
		return events.Nop{}
	}
	return a.emitter
}

func (a *App) initEngines() error {
	ec := a.cfg.Engine
	rc := a.cfg.Resilience
	emitter := a.emitterOrNop()
	retry := resilience.RetryConfig{
		MaxAttempts:     rc.RetryAttempts,
		InitialInterval: rc.RetryInitial,
		MaxInterval:     rc.RetryMaxBackoff,
	}

	var err error
	if a.scorer, err = scoring.New(a.store, ec.ScoringPolicy(), scoring.WithMetrics(a.metrics)); err != nil {
		return err
	}

	builderOpts := []hierarchy.Option{
		hierarchy.WithFanout(ec.FanoutOrDefault()),
		hierarchy.WithEmitter(emitter),
		hierarchy.WithMetrics(a.metrics),
		hierarchy.WithClock(a.now),
	}
	retrievalOpts := []retrieval.Option{
		retrieval.WithMetrics(a.metrics),
		retrieval.WithClock(a.now),
	}

	if p := a.providers.Embeddings; p != nil {
		embOpts := []gateway.EmbedderOption{gateway.WithEmbedMetrics(a.metrics)}
		if ec.EmbedTimeout > 0 {
			embOpts = append(embOpts, gateway.WithEmbedTimeout(ec.EmbedTimeout))
		}
		if ec.MaxEmbedChars > 0 {
			embOpts = append(embOpts, gateway.WithMaxEmbedChars(ec.MaxEmbedChars))
		}
		if rc.RetryAttempts > 0 {
			embOpts = append(embOpts, gateway.WithEmbedRetry(retry))
		}
		emb := gateway.NewEmbedder(p, embOpts...)
		builderOpts = append(builderOpts, hierarchy.WithEmbedder(emb), hierarchy.WithEmbedWorkers(ec.EmbedWorkers))
		retrievalOpts = append(retrievalOpts, retrieval.WithEmbedder(emb))
	}

	var sum hierarchy.Summariser = unconfiguredSummariser{}
	if p := a.providers.LLM; p != nil {
		sumOpts := []gateway.SummariserOption{gateway.WithSummariserMetrics(a.metrics)}
		if ec.CompletionTimeout > 0 {
			sumOpts = append(sumOpts, gateway.WithCompletionTimeout(ec.CompletionTimeout))
		}
		if rc.RetryAttempts > 0 {
			sumOpts = append(sumOpts, gateway.WithCompletionRetry(retry))
		}
		s := gateway.NewSummariser(p, sumOpts...)
		sum = s
		retrievalOpts = append(retrievalOpts, retrieval.WithSummariser(s))
	}

	a.builder = hierarchy.NewBuilder(a.store, a.scorer, sum, builderOpts...)
	a.reconciler = hierarchy.NewReconciler(a.store, emitter, a.metrics)
	a.pruner = prune.New(a.store, a.builder, ec.PrunePolicy(),
		prune.WithEmitter(emitter), prune.WithMetrics(a.metrics))

	if a.retriever, err = retrieval.New(a.store, a.scorer, ec.RetrievalConfig(), retrievalOpts...); err != nil {
		return err
	}

	a.engine, err = engine.New(engine.Config{
		Store:     a.store,
		Builder:   a.builder,
		Pruner:    a.pruner,
		Retriever: a.retriever,
		Emitter:   emitter,
		Metrics:   a.metrics,
		Filter:    ec.Filter(),
		Now:       a.now,
	})
	return err
}

// unconfiguredSummariser keeps groups open when no completion provider is
// configured; they are summarised once one is.
type unconfiguredSummariser struct{}

func (unconfiguredSummariser) Summarize(context.Context, []string) (string, error) {
	return "", fmt.Errorf("%w: no completion provider configured", memory.ErrUnavailable)
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Engine returns the ingestion and query facade.
func (a *App) Engine() *engine.Engine { return a.engine }

// Scheduler returns the maintenance scheduler, or nil when disabled.
func (a *App) Scheduler() *maintenance.Scheduler { return a.scheduler }

// Checkers returns the readiness checks for the health handler.
func (a *App) Checkers() []health.Checker {
	cs := []health.Checker{health.StoreChecker(a.store)}
	if s := a.providers.EmbeddingsStates; s != nil {
		cs = append(cs, health.BreakerChecker("embeddings", s))
	}
	if s := a.providers.LLMStates; s != nil {
		cs = append(cs, health.BreakerChecker("llm", s))
	}
	return cs
}

// ─── Run / Reload ────────────────────────────────────────────────────────────

// Run starts the maintenance scheduler and blocks until ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	if a.scheduler != nil {
		a.scheduler.Start(ctx)
		defer a.scheduler.Stop()
	}
	<-ctx.Done()
	return ctx.Err()
}

// ApplyConfig hot-swaps the policy knobs of newCfg and returns what changed.
// Sections listed in the diff's RestartRequired keep their old values.
func (a *App) ApplyConfig(newCfg *config.Config) (config.ConfigDiff, error) {
	a.cfgMu.Lock()
	defer a.cfgMu.Unlock()

	d := config.Diff(a.cfg, newCfg)
	ec := newCfg.Engine
	var errs []error
	if d.FanoutChanged {
		a.builder.SetFanout(ec.FanoutOrDefault())
	}
	if d.ScoringChanged {
		if err := a.scorer.SetPolicy(ec.ScoringPolicy()); err != nil {
			errs = append(errs, err)
		}
	}
	if d.PruneChanged {
		a.pruner.SetPolicy(ec.PrunePolicy())
	}
	if d.RetrievalChanged {
		if err := a.retriever.SetConfig(ec.RetrievalConfig()); err != nil {
			errs = append(errs, err)
		}
	}
	if d.FilterChanged {
		if err := a.engine.SetFilter(ec.Filter()); err != nil {
			errs = append(errs, err)
		}
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("config sections changed that need a restart", "sections", d.RestartRequired)
	}
	if err := errors.Join(errs...); err != nil {
		return d, fmt.Errorf("app: apply config: %w", err)
	}
	a.cfg = newCfg
	return d, nil
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown stops maintenance, waits for background summarisation and
// embedding, then runs the closers in order. If ctx expires first, the
// remaining closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		if a.scheduler != nil {
			a.scheduler.Stop()
		}

		drained := make(chan struct{})
		go func() {
			a.builder.Wait()
			close(drained)
		}()
		select {
		case <-drained:
		case <-ctx.Done():
			slog.Warn("shutdown deadline exceeded waiting for background work")
			shutdownErr = ctx.Err()
			return
		}

		shutdownErr = a.closeAll(ctx)
		if shutdownErr == nil {
			slog.Info("shutdown complete")
		}
	})
	return shutdownErr
}

// closeAll runs the closers in reverse-init order so the store outlives
// the event emitter.
func (a *App) closeAll(ctx context.Context) error {
	for i := len(a.closers) - 1; i >= 0; i-- {
		select {
		case <-ctx.Done():
			slog.Warn("shutdown deadline exceeded", "remaining", i+1)
			return ctx.Err()
		default:
		}
		if err := a.closers[i](ctx); err != nil {
			slog.Warn("closer error", "index", i, "error", err)
		}
	}
	a.closers = nil
	return nil
}
