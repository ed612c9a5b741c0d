package types

import (
	"fmt"
	"time"
)

// Scope identifies one isolated graph partition. All maintenance tasks
// mutate or inspect exactly one scope.
type Scope struct {
	TenantID  string `json:"tenant_id"`
	ProjectID string `json:"project_id"`
}

// Key returns the canonical string form used as a store/lock key.
func (s Scope) Key() string {
	return s.TenantID + "/" + s.ProjectID
}

// Validate checks that both components are present.
func (s Scope) Validate() error {
	if s.TenantID == "" {
		return &ValidationError{Field: "tenant_id", Reason: "must not be empty"}
	}
	if s.ProjectID == "" {
		return &ValidationError{Field: "project_id", Reason: "must not be empty"}
	}
	return nil
}

func (s Scope) String() string {
	return s.Key()
}

// TaskKind identifies a maintenance operation strategy.
type TaskKind string

const (
	KindIncrementalRefresh   TaskKind = "incremental_refresh"
	KindDeduplicate          TaskKind = "deduplicate"
	KindInvalidateStaleEdges TaskKind = "invalidate_stale_edges"
	KindRebuildCommunities   TaskKind = "rebuild_communities"
	KindOptimize             TaskKind = "optimize"
)

// ParseTaskKind converts a wire string into a TaskKind.
func ParseTaskKind(s string) (TaskKind, error) {
	switch TaskKind(s) {
	case KindIncrementalRefresh, KindDeduplicate, KindInvalidateStaleEdges,
		KindRebuildCommunities, KindOptimize:
		return TaskKind(s), nil
	}
	return "", &ValidationError{Field: "kind", Reason: fmt.Sprintf("unknown task kind %q", s)}
}

// TaskStatus is the lifecycle state of a task.
type TaskStatus string

const (
	StatusPending   TaskStatus = "pending"
	StatusRunning   TaskStatus = "running"
	StatusCompleted TaskStatus = "completed"
	StatusFailed    TaskStatus = "failed"
	StatusCancelled TaskStatus = "cancelled"
)

// Valid reports whether s is one of the known lifecycle states.
func (s TaskStatus) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Terminal reports whether the status is final.
func (s TaskStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// CanTransition reports whether the task state machine permits from -> to.
// Valid transitions:
//
//	pending -> running | cancelled
//	running -> completed | failed | cancelled
func CanTransition(from, to TaskStatus) bool {
	switch from {
	case StatusPending:
		return to == StatusRunning || to == StatusCancelled
	case StatusRunning:
		return to == StatusCompleted || to == StatusFailed || to == StatusCancelled
	}
	return false
}

// Params carries operation parameters. Fields are operation-specific;
// validation of which fields a kind requires lives with the operations.
type Params struct {
	// SimilarityThreshold is required by deduplicate; must be in (0, 1].
	SimilarityThreshold float64 `json:"similarity_threshold,omitempty"`

	// DaysSinceUpdate is required by invalidate_stale_edges; must be >= 0.
	// Pointer so that an absent value is distinguishable from zero.
	DaysSinceUpdate *int `json:"days_since_update,omitempty"`

	// EpisodeIDs optionally pins an incremental refresh to an explicit
	// episode set instead of the per-scope checkpoint.
	EpisodeIDs []string `json:"episode_ids,omitempty"`

	// RebuildCommunities chains a community rebuild after a refresh.
	RebuildCommunities bool `json:"rebuild_communities,omitempty"`

	// Operations is the ordered sub-operation list for optimize.
	Operations []string `json:"operations,omitempty"`
}

// Result is the structured payload of a completed task.
type Result map[string]any

// TaskError is the structured failure description of a failed task.
type TaskError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *TaskError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Error codes recorded on failed tasks.
const (
	ErrCodeExternalService = "external_service_error"
	ErrCodeOperationFailed = "operation_failed"
	ErrCodeTimeout         = "timeout"
	ErrCodeLeaseLost       = "lease_lost"
)

// Task is one scheduled, tracked execution of an operation against a scope.
// It doubles as the audit record: tasks are retained indefinitely and are
// immutable once terminal.
type Task struct {
	ID              string     `json:"id"`
	Kind            TaskKind   `json:"kind"`
	Scope           Scope      `json:"scope"`
	Status          TaskStatus `json:"status"`
	Progress        int        `json:"progress"`
	Message         string     `json:"message,omitempty"`
	Params          Params     `json:"params"`
	Result          Result     `json:"result,omitempty"`
	Error           *TaskError `json:"error,omitempty"`
	DryRun          bool       `json:"dry_run"`
	CancelRequested bool       `json:"cancel_requested"`
	CreatedAt       time.Time  `json:"created_at"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
}

// Terminal reports whether the task has reached a final status.
func (t *Task) Terminal() bool {
	return t.Status.Terminal()
}

// Clone returns a deep copy so stores can hand out tasks without sharing
// mutable state with callers.
func (t *Task) Clone() *Task {
	c := *t
	if t.StartedAt != nil {
		st := *t.StartedAt
		c.StartedAt = &st
	}
	if t.CompletedAt != nil {
		ct := *t.CompletedAt
		c.CompletedAt = &ct
	}
	if t.Error != nil {
		e := *t.Error
		c.Error = &e
	}
	if t.Result != nil {
		c.Result = make(Result, len(t.Result))
		for k, v := range t.Result {
			c.Result[k] = v
		}
	}
	if t.Params.DaysSinceUpdate != nil {
		d := *t.Params.DaysSinceUpdate
		c.Params.DaysSinceUpdate = &d
	}
	c.Params.EpisodeIDs = append([]string(nil), t.Params.EpisodeIDs...)
	c.Params.Operations = append([]string(nil), t.Params.Operations...)
	return &c
}

// StatusUpdate is the tick fanned out to subscribers on every scheduler-side
// task change.
type StatusUpdate struct {
	TaskID   string     `json:"task_id"`
	Scope    Scope      `json:"scope"`
	Status   TaskStatus `json:"status"`
	Progress int        `json:"progress"`
	Message  string     `json:"message,omitempty"`
}

// Terminal reports whether the update describes a final state. Terminal
// updates get guaranteed delivery; others are best-effort.
func (u StatusUpdate) Terminal() bool {
	return u.Status.Terminal()
}
