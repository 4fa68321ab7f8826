package resolver

import (
	"errors"
	"fmt"
)

var (
	// ErrTargetNotFound is returned when a target path is not in the manifest tree.
	ErrTargetNotFound = errors.New("resolver: target not found")

	// ErrMixedContainers is returned when targets live in different containers.
	ErrMixedContainers = errors.New("resolver: targets span multiple containers")

	// ErrIndexUnavailable is returned by the tree strategy when a target has no
	// recorded archive index.
	ErrIndexUnavailable = errors.New("resolver: archive index not recorded")
)

// ShardResolutionExhaustedError is returned when discovery cannot make the
// targets readable, either because no new shard index can be discovered or
// because the iteration cap was reached.
type ShardResolutionExhaustedError struct {
	Container  string
	Attempted  []int // indices acquired, in acquisition order
	Iterations int
	Err        error // last validation failure, if any
}

func (e *ShardResolutionExhaustedError) Error() string {
	msg := fmt.Sprintf("resolver: %s: shard resolution exhausted after %d iterations (attempted %v)",
		e.Container, e.Iterations, e.Attempted)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ShardResolutionExhaustedError) Unwrap() error {
	return e.Err
}
