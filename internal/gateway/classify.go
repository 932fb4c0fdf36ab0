// Package gateway adapts embedding and completion providers into the two
// narrow gateways the memory engine depends on: [Embedder] and [Summariser].
//
// Each gateway bounds every call with a timeout, retries transient failures
// with exponential backoff, records latency metrics, and classifies failures
// into the sentinel errors of package memory:
//
//   - [memory.ErrTimeout] when the deadline elapsed,
//   - [memory.ErrContentRejected] when the model refused the input,
//   - [memory.ErrUnavailable] for everything else.
//
// Callers decide how to degrade; gateways never swallow errors.
package gateway

import (
	"context"
	"errors"
	"fmt"

	"github.com/MrWong99/aimemory/pkg/memory"
)

// rejectedError marks a provider response that refused the content.
type rejectedError struct {
	reason string
}

func (e *rejectedError) Error() string { return "content rejected: " + e.reason }

// Classify maps err onto exactly one of the gateway sentinels, preserving the
// original error in the chain. Already-classified errors are returned as-is.
func Classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, memory.ErrTimeout),
		errors.Is(err, memory.ErrUnavailable),
		errors.Is(err, memory.ErrContentRejected):
		return err
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %w", memory.ErrTimeout, err)
	}
	var rej *rejectedError
	if errors.As(err, &rej) {
		return fmt.Errorf("%w: %w", memory.ErrContentRejected, err)
	}
	return fmt.Errorf("%w: %w", memory.ErrUnavailable, err)
}

// kind returns the metric label for a classified error.
func kind(err error) string {
	switch {
	case errors.Is(err, memory.ErrTimeout):
		return "timeout"
	case errors.Is(err, memory.ErrContentRejected):
		return "rejected"
	case errors.Is(err, context.Canceled):
		return "canceled"
	default:
		return "unavailable"
	}
}

// retryable reports whether another attempt could succeed.
func retryable(err error) bool {
	return memory.IsTransient(Classify(err))
}
