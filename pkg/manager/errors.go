package manager

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound          = errors.New("connection not found")
	ErrCapacityExceeded  = errors.New("capacity exceeded")
	ErrStaleRef          = errors.New("stale connection reference")
	ErrPendingBusy       = errors.New("pending request slot occupied")
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrKeyNotFound       = errors.New("no matching long-term key")
)

// CapacityError reports a fixed-size table that is full.
type CapacityError struct {
	Resource string
	Limit    int
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("%s full (limit %d)", e.Resource, e.Limit)
}

// Is lets errors.Is match ErrCapacityExceeded.
func (e *CapacityError) Is(target error) bool {
	return target == ErrCapacityExceeded
}

// TransitionError reports a state change the connection state machine does not allow.
type TransitionError struct {
	From, To State
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid state transition %s -> %s", e.From, e.To)
}

func (e *TransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}
