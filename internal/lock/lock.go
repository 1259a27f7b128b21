// Package lock implements the single-writer resource lock: acquire with
// conflict reporting, heartbeat renewal for the current holder, holder-only
// release, and TTL expiry treated as absence at every read site. No
// background sweep is needed for correctness.
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Lock is a live claim on one resource by one user.
type Lock struct {
	ID            string    `json:"id"`
	ResourceType  string    `json:"resourceType"`
	ResourceID    string    `json:"resourceId"`
	LockedBy      string    `json:"lockedBy"`
	LockedByName  string    `json:"lockedByName"`
	LockedAt      time.Time `json:"lockedAt"`
	ExpiresAt     time.Time `json:"expiresAt"`
	LastHeartbeat time.Time `json:"lastHeartbeat"`
}

// ErrNotHeld is returned by heartbeat and release when the caller is not the
// current holder: the lock does not exist for that caller, or it expired and
// was taken by someone else.
var ErrNotHeld = errors.New("lock not held")

// ConflictError reports a failed acquire, carrying the live holder so the
// caller can show who is editing.
type ConflictError struct {
	Holder Lock
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("resource %s/%s locked by %s", e.Holder.ResourceType, e.Holder.ResourceID, e.Holder.LockedBy)
}

// Manager arbitrates at most one live lock per (resourceType, resourceID).
type Manager interface {
	// Acquire creates a lock when the resource is free, returns the caller's
	// existing lock unchanged when re-acquiring, and returns *ConflictError
	// carrying the live holder otherwise. A lock past its expiry is treated
	// as absent; holders are never overridden before that.
	Acquire(ctx context.Context, resourceType, resourceID, userID, userName string) (Lock, error)
	// Heartbeat extends the lock's expiry and stamps lastHeartbeat, only for
	// the current holder.
	Heartbeat(ctx context.Context, lockID, userID string) (Lock, error)
	// Release deletes the lock, only for the current holder.
	Release(ctx context.Context, lockID, userID string) error
	// Get returns the live lock on a resource, or nil when it is free.
	Get(ctx context.Context, resourceType, resourceID string) (*Lock, error)
}
