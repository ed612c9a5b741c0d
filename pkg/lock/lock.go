// Package lock implements the per-scope mutual-exclusion lease that
// serializes mutating maintenance operations on one graph partition. The
// lease makes a crashed worker's lock reclaimable: acquisition succeeds
// whenever the prior lease has expired, and the scheduler renews the lease
// for the lifetime of a healthy task.
package lock

import (
	"context"
	"errors"
	"time"

	"github.com/soundprediction/go-graphops/pkg/types"
)

// ErrNotHolder is returned by Renew and Release when the caller does not
// hold the lock (it may have expired and been reclaimed).
var ErrNotHolder = errors.New("scope lock not held by this task")

// Record is the persisted state of one scope's lock.
type Record struct {
	Scope          types.Scope `json:"scope"`
	HolderTaskID   string      `json:"holder_task_id"`
	LeaseExpiresAt time.Time   `json:"lease_expires_at"`
}

// ScopeLock is the admission-control mechanism over a scope's graph. At most
// one mutating task holds a scope at a time.
type ScopeLock interface {
	// TryAcquire atomically takes the lock. Returns false without blocking
	// when another task holds an unexpired lease.
	TryAcquire(ctx context.Context, scope types.Scope, taskID string, lease time.Duration) (bool, error)

	// Renew extends the holder's lease. Fails with ErrNotHolder when the
	// lease expired and was reclaimed, or never belonged to taskID.
	Renew(ctx context.Context, scope types.Scope, taskID string, lease time.Duration) error

	// Release frees the lock if taskID holds it; ErrNotHolder otherwise.
	Release(ctx context.Context, scope types.Scope, taskID string) error
}
