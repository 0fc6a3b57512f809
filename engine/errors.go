package engine

import (
	"errors"
	"fmt"
)

// Client-fault errors (spec §7): no state change, surfaced to the sender.
var (
	// ErrInvalidUsage is returned when Update is invoked through a path that
	// did not originate from this process's own client API.
	ErrInvalidUsage = errors.New("engine: update from non-local sender")
	// ErrNotFound is returned by Get when the key is stored neither locally
	// nor, for levels above One, on any peer that replied.
	ErrNotFound = errors.New("engine: key not found")
	// ErrDataDeleted is returned by any operation that targets a tombstoned
	// key.
	ErrDataDeleted = errors.New("engine: key has been deleted")
)

// Replication-timeout errors (spec §7): local state may already have
// changed; gossip resolves any remaining divergence.
var (
	ErrGetFailure               = errors.New("engine: read coordinator timed out")
	ErrReplicationUpdateFailure = errors.New("engine: write coordinator timed out for update")
	ErrReplicationDeleteFailure = errors.New("engine: write coordinator timed out for delete")
)

// ErrConflictingType is returned when modify's result shape disagrees with
// the shape already stored at Key (spec §4.5 step 2).
type ErrConflictingType struct {
	Key      string
	Existing string
	Incoming string
}

func (e *ErrConflictingType) Error() string {
	return fmt.Sprintf("engine: conflicting type for key %q: stored %s, modify returned %s", e.Key, e.Existing, e.Incoming)
}

// ErrModifyFailure wraps an error returned by a caller-supplied modify
// function (spec §4.5 step 2).
type ErrModifyFailure struct {
	Key string
	Err error
}

func (e *ErrModifyFailure) Error() string {
	return fmt.Sprintf("engine: modify failed for key %q: %v", e.Key, e.Err)
}

func (e *ErrModifyFailure) Unwrap() error { return e.Err }
