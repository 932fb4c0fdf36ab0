// Package maintenance runs the periodic decay and pruning cycle.
//
// One cycle visits every user with a bounded number of users in parallel
// and, per user, repairs the graph, decays scores to the cycle's single
// logical time, prunes, retries open groups whose summary failed, and
// backfills missing embeddings. Failures are logged and counted; they are
// picked up again by the next cycle.
package maintenance

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/aimemory/internal/hierarchy"
	"github.com/MrWong99/aimemory/internal/observe"
	"github.com/MrWong99/aimemory/internal/prune"
	"github.com/MrWong99/aimemory/internal/scoring"
)

// Defaults.
const (
	DefaultInterval    = time.Hour
	DefaultConcurrency = 8
)

// UserLister enumerates the users to maintain.
type UserLister interface {
	ListUsers(ctx context.Context) ([]string, error)
}

// Decayer decays one user's scores.
type Decayer interface {
	Sweep(ctx context.Context, userID string, now time.Time) (scoring.DecayReport, error)
}

// Pruner evicts one user's low-importance nodes.
type Pruner interface {
	Sweep(ctx context.Context, userID string) (prune.Report, error)
}

// Builder retries deferred hierarchy work.
type Builder interface {
	RetryOpenGroups(ctx context.Context, userID string) (int, error)
	BackfillEmbeddings(ctx context.Context, userID string) (int, error)
}

// Reconciler repairs one user's graph.
type Reconciler interface {
	Reconcile(ctx context.Context, userID string) (hierarchy.Report, error)
}

// Config wires a [Scheduler]. Users, Decayer and Pruner are required; the
// others are skipped when nil.
type Config struct {
	Users      UserLister
	Decayer    Decayer
	Pruner     Pruner
	Builder    Builder
	Reconciler Reconciler

	// Interval between cycles. Defaults to one hour.
	Interval time.Duration

	// Concurrency bounds the users maintained in parallel. Defaults to 8.
	Concurrency int

	Metrics *observe.Metrics
	Now     func() time.Time
}

// Report aggregates one cycle.
type Report struct {
	Users   int
	Decayed int

	// Skipped counts nodes whose decay lost a race with a reinforcement.
	Skipped int

	Evicted    int
	Repairs    int
	Summaries  int
	Backfilled int

	// Failures counts per-user steps that returned an error.
	Failures int
}

// Scheduler runs the maintenance cycle on a ticker or on demand.
//
// All methods are safe for concurrent use. Cycles never overlap.
type Scheduler struct {
	cfg Config

	mu       sync.Mutex
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewScheduler creates a Scheduler.
func NewScheduler(cfg Config) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Scheduler{cfg: cfg, done: make(chan struct{})}
}

// Start runs cycles every Interval in a background goroutine until
// [Scheduler.Stop] is called or ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop(ctx)
	}()
}

// Stop halts the loop and waits for a running cycle to return. Safe to call
// multiple times.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.done) })
	s.wg.Wait()
}

func (s *Scheduler) loop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case <-ticker.C:
			rep, err := s.RunNow(ctx, s.cfg.Now())
			if err != nil {
				slog.Warn("maintenance: cycle failed", "error", err)
				continue
			}
			slog.Info("maintenance: cycle complete",
				"users", rep.Users,
				"decayed", rep.Decayed,
				"skipped", rep.Skipped,
				"evicted", rep.Evicted,
				"repairs", rep.Repairs,
				"summaries", rep.Summaries,
				"backfilled", rep.Backfilled,
				"failures", rep.Failures,
			)
		}
	}
}

// RunNow performs one cycle at logical time now. It only fails when the
// user list cannot be read or ctx ends.
func (s *Scheduler) RunNow(ctx context.Context, now time.Time) (_ Report, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, span := observe.StartSpan(ctx, "maintenance.RunNow")
	defer func() { observe.EndSpan(span, err) }()
	start := time.Now()
	defer func() {
		s.cfg.Metrics.RecordMaintenance(ctx, time.Since(start), err)
	}()

	users, err := s.cfg.Users.ListUsers(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("maintenance: list users: %w", err)
	}

	var (
		mu  sync.Mutex
		rep = Report{Users: len(users)}
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Concurrency)
	for _, u := range users {
		g.Go(func() error {
			r := s.maintainUser(gctx, u, now)
			mu.Lock()
			rep.Decayed += r.Decayed
			rep.Skipped += r.Skipped
			rep.Evicted += r.Evicted
			rep.Repairs += r.Repairs
			rep.Summaries += r.Summaries
			rep.Backfilled += r.Backfilled
			rep.Failures += r.Failures
			mu.Unlock()
			return gctx.Err()
		})
	}
	if err := g.Wait(); err != nil {
		return rep, fmt.Errorf("maintenance: %w", err)
	}
	return rep, nil
}

// maintainUser runs every step for userID. Each step runs even if an
// earlier one failed.
func (s *Scheduler) maintainUser(ctx context.Context, userID string, now time.Time) Report {
	var rep Report
	fail := func(step string, err error) {
		rep.Failures++
		slog.Warn("maintenance: step failed", "user_id", userID, "step", step, "error", err)
	}

	if s.cfg.Reconciler != nil {
		r, err := s.cfg.Reconciler.Reconcile(ctx, userID)
		if err != nil {
			fail("reconcile", err)
		}
		rep.Repairs = r.Repairs()
	}

	d, err := s.cfg.Decayer.Sweep(ctx, userID, now)
	if err != nil {
		fail("decay", err)
	}
	rep.Decayed = d.Decayed
	rep.Skipped = d.Skipped

	p, err := s.cfg.Pruner.Sweep(ctx, userID)
	if err != nil {
		fail("prune", err)
	}
	rep.Evicted = p.Evicted

	if s.cfg.Builder != nil {
		n, err := s.cfg.Builder.RetryOpenGroups(ctx, userID)
		if err != nil {
			fail("retry_open_groups", err)
		}
		rep.Summaries = n

		b, err := s.cfg.Builder.BackfillEmbeddings(ctx, userID)
		if err != nil {
			fail("backfill", err)
		}
		rep.Backfilled = b
	}
	return rep
}
