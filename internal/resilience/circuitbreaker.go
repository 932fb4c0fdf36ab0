// Package resilience provides circuit breaking, retry and provider failover
// for the embedding and completion gateways.
//
// [CircuitBreaker] is a three-state breaker (closed → open → half-open) built
// on github.com/sony/gobreaker. [FallbackGroup] composes several instances of
// one provider type, each behind its own breaker, so a failing primary is
// bypassed in favour of healthy fallbacks. [Retry] re-runs transient failures
// with exponential backoff.
//
// All types are safe for concurrent use.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sony/gobreaker"
)

// ErrCircuitOpen is returned by [CircuitBreaker.Execute] when the breaker is
// open, or half-open with its probe budget exhausted.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State represents the current operating mode of a [CircuitBreaker].
type State int

const (
	// StateClosed forwards all calls.
	StateClosed State = iota

	// StateOpen rejects calls with [ErrCircuitOpen] until the reset timeout
	// elapses.
	StateOpen

	// StateHalfOpen lets a limited number of probe calls through. If they all
	// succeed the breaker closes; any failure re-opens it.
	StateHalfOpen
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig holds tuning knobs for a [CircuitBreaker].
type CircuitBreakerConfig struct {
	// Name is a human-readable label used in log messages.
	Name string

	// MaxFailures is the number of consecutive failures in the closed state
	// before the breaker opens. Default: 5.
	MaxFailures int

	// ResetTimeout is how long the breaker stays open before transitioning to
	// half-open. Default: 30s.
	ResetTimeout time.Duration

	// HalfOpenMax is the number of consecutive successful probes needed to
	// close the breaker again. Default: 3.
	HalfOpenMax int

	// IsFailure decides whether an error returned by the protected call
	// counts against the breaker. Default: every non-nil error except
	// context.Canceled.
	IsFailure func(error) bool
}

// CircuitBreaker implements the three-state circuit breaker pattern.
type CircuitBreaker struct {
	cfg CircuitBreakerConfig

	mu sync.RWMutex
	cb *gobreaker.CircuitBreaker
}

// NewCircuitBreaker creates a [CircuitBreaker] with the supplied configuration.
// Zero-value config fields are replaced with defaults.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = 3
	}
	if cfg.IsFailure == nil {
		cfg.IsFailure = defaultIsFailure
	}
	b := &CircuitBreaker{cfg: cfg}
	b.cb = b.newBackend()
	return b
}

func defaultIsFailure(err error) bool {
	return err != nil && !errors.Is(err, context.Canceled)
}

func (b *CircuitBreaker) newBackend() *gobreaker.CircuitBreaker {
	maxFailures := uint32(b.cfg.MaxFailures)
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        b.cfg.Name,
		MaxRequests: uint32(b.cfg.HalfOpenMax),
		Timeout:     b.cfg.ResetTimeout,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= maxFailures
		},
		IsSuccessful: func(err error) bool {
			return !b.cfg.IsFailure(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			if to == gobreaker.StateOpen {
				slog.Warn("circuit breaker opened", "name", name, "from", from.String())
				return
			}
			slog.Info("circuit breaker state change", "name", name, "from", from.String(), "to", to.String())
		},
	})
}

// Execute runs fn if the breaker allows it. When the breaker rejects the call
// fn is not run and the returned error wraps [ErrCircuitOpen].
func (b *CircuitBreaker) Execute(fn func() error) error {
	b.mu.RLock()
	cb := b.cb
	b.mu.RUnlock()

	_, err := cb.Execute(func() (any, error) {
		return nil, fn()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%s: %w", b.cfg.Name, ErrCircuitOpen)
	}
	return err
}

// State returns the current [State] of the breaker. An open breaker whose
// reset timeout has elapsed reports [StateHalfOpen].
func (b *CircuitBreaker) State() State {
	b.mu.RLock()
	defer b.mu.RUnlock()

	switch b.cb.State() {
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	default:
		return StateClosed
	}
}

// Name returns the label given in the config.
func (b *CircuitBreaker) Name() string { return b.cfg.Name }

// Reset forces the breaker back to [StateClosed], clearing all counters.
func (b *CircuitBreaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cb = b.newBackend()
	slog.Info("circuit breaker manually reset", "name", b.cfg.Name)
}
