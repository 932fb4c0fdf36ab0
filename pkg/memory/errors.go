package memory

import (
	"errors"
	"fmt"
)

// Error taxonomy shared by stores, gateways, and engines. Implementations wrap
// these sentinels with context; callers classify with [errors.Is].
var (
	// ErrNotFound is returned when a referenced id does not exist.
	ErrNotFound = errors.New("memory: not found")

	// ErrUnavailable marks a transient failure of a gateway or the store.
	ErrUnavailable = errors.New("memory: unavailable")

	// ErrTimeout marks a gateway or store call that exceeded its deadline.
	ErrTimeout = errors.New("memory: timeout")

	// ErrInconsistent marks a violated graph invariant, for example a dangling
	// parent pointer. It is repaired by reconciliation.
	ErrInconsistent = errors.New("memory: inconsistent graph")

	// ErrCapacityExceeded signals that a user holds more nodes than allowed.
	// It triggers pre-emptive pruning and is never surfaced to callers.
	ErrCapacityExceeded = errors.New("memory: capacity exceeded")

	// ErrContentRejected is returned by the completion gateway when the
	// provider refuses to summarise the input.
	ErrContentRejected = errors.New("memory: content rejected")

	// ErrConflict is returned by [NodeStore.UpdateNode] when a patch
	// precondition no longer holds because the node changed concurrently.
	ErrConflict = errors.New("memory: conflicting update")

	// ErrInvalidEdge is returned when a parent/child edge would break the
	// strictly-increasing level rule or cross users.
	ErrInvalidEdge = errors.New("memory: invalid edge")
)

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	return errors.Is(err, ErrUnavailable) || errors.Is(err, ErrTimeout)
}

// ValidateEdge checks that parent may adopt child. The parent must belong to
// the same user and sit exactly one level above the child. Since every edge
// increases the level by one, cycles cannot be built.
func ValidateEdge(child, parent *MemoryNode) error {
	if child.ID == parent.ID {
		return fmt.Errorf("%w: node %s cannot parent itself", ErrInvalidEdge, child.ID)
	}
	if child.UserID != parent.UserID {
		return fmt.Errorf("%w: node %s (user %s) under node %s (user %s)",
			ErrInvalidEdge, child.ID, child.UserID, parent.ID, parent.UserID)
	}
	if parent.Level != child.Level+1 {
		return fmt.Errorf("%w: node %s level %d under node %s level %d",
			ErrInvalidEdge, child.ID, child.Level, parent.ID, parent.Level)
	}
	return nil
}
