// Package store persists task records, per-scope refresh checkpoints and
// the audit history of every maintenance operation. Task history is an audit
// log, not a cache: the durable implementation survives process restart.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/soundprediction/go-graphops/pkg/types"
)

// Filter narrows List results. Nil fields match everything.
type Filter struct {
	Status *types.TaskStatus
	Scope  *types.Scope
}

// Patch is a partial task update. Only the scheduler writes patches; the
// store enforces the state machine regardless of caller.
type Patch struct {
	Status      *types.TaskStatus
	Progress    *int
	Message     *string
	Result      types.Result
	Error       *types.TaskError
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// TaskStore is the durable record of every maintenance task.
type TaskStore interface {
	// Create persists a new pending task and returns it. The id comes from
	// the scheduler, which needs it before the record exists so the scope
	// lock can name its holder.
	Create(ctx context.Context, id string, kind types.TaskKind, scope types.Scope, params types.Params, dryRun bool) (*types.Task, error)

	// Get returns a task by id, or types.ErrTaskNotFound.
	Get(ctx context.Context, id string) (*types.Task, error)

	// List returns tasks matching the filter, newest first.
	List(ctx context.Context, filter Filter) ([]*types.Task, error)

	// Update applies a patch. Transitions outside the state machine and any
	// mutation of a terminal task fail with *types.InvalidStateError.
	Update(ctx context.Context, id string, patch Patch) (*types.Task, error)

	// RequestCancel flips the cancel flag on a pending or running task.
	// Returns false (and no error) when the task is already terminal.
	RequestCancel(ctx context.Context, id string) (bool, error)

	// RefreshCheckpoint returns the timestamp of the last successful
	// incremental refresh for the scope; zero time when none.
	RefreshCheckpoint(ctx context.Context, scope types.Scope) (time.Time, error)

	// SetRefreshCheckpoint advances the scope's refresh checkpoint.
	SetRefreshCheckpoint(ctx context.Context, scope types.Scope, t time.Time) error

	// Close releases resources.
	Close() error
}

// applyPatch validates and applies a patch to a copy of the task. Shared by
// both implementations so the state machine has a single source of truth.
func applyPatch(task *types.Task, patch Patch) (*types.Task, error) {
	if task.Terminal() {
		return nil, &types.InvalidStateError{TaskID: task.ID, From: task.Status}
	}

	next := task.Clone()

	if patch.Status != nil {
		if !types.CanTransition(task.Status, *patch.Status) {
			return nil, &types.InvalidStateError{TaskID: task.ID, From: task.Status, To: *patch.Status}
		}
		if task.Status == types.StatusPending && *patch.Status == types.StatusRunning {
			next.Progress = 0
		}
		next.Status = *patch.Status
	}

	if patch.Progress != nil {
		// Monotone while running; a lower tick never rolls progress back.
		if *patch.Progress > next.Progress {
			next.Progress = clampProgress(*patch.Progress)
		}
	}
	if patch.Message != nil {
		next.Message = *patch.Message
	}
	if patch.Result != nil {
		// Failed composites keep the sub-results that completed before the
		// failing step, so result is also legal alongside a failure.
		if next.Status != types.StatusCompleted && next.Status != types.StatusFailed {
			return nil, fmt.Errorf("task %s: result may only be set on a terminal status", task.ID)
		}
		next.Result = patch.Result
	}
	if patch.Error != nil {
		if next.Status != types.StatusFailed {
			return nil, fmt.Errorf("task %s: error may only be set on failure", task.ID)
		}
		next.Error = patch.Error
	}
	if patch.StartedAt != nil {
		next.StartedAt = patch.StartedAt
	}
	if patch.CompletedAt != nil {
		next.CompletedAt = patch.CompletedAt
	}
	return next, nil
}

func clampProgress(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}
