package discovery

import (
	"errors"
	"fmt"
)

// Sentinel errors for upstream failures. They are matched with [errors.Is]
// throughout the session teardown path, so wrap rather than replace them.
var (
	// ErrServiceAtCapacity indicates an upstream refused the handshake with a
	// saturation signal.
	ErrServiceAtCapacity = errors.New("service at capacity")

	// ErrServiceTimeout indicates no upstream candidate replied within the
	// handshake budget.
	ErrServiceTimeout = errors.New("service timeout")

	// ErrPeerClosed indicates the remote side of a stream went away.
	ErrPeerClosed = errors.New("peer disconnected")
)

// AtCapacity wraps [ErrServiceAtCapacity] with the rejecting service name.
func AtCapacity(service string) error {
	return fmt.Errorf("%s: %w", service, ErrServiceAtCapacity)
}

// Timeout wraps [ErrServiceTimeout] with the missing service name.
func Timeout(service string) error {
	return fmt.Errorf("%s: %w", service, ErrServiceTimeout)
}
