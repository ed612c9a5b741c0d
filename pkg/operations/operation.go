// Package operations implements the maintenance strategies executed by the
// task engine: incremental refresh, entity deduplication, stale-edge
// invalidation, community rebuilds and the optimize composite. Operations
// are pure strategies over the graph engine; they never touch task records
// directly and report only through the progress callback and return value.
package operations

import (
	"context"
	"time"

	"github.com/soundprediction/go-graphops/pkg/graph"
	"github.com/soundprediction/go-graphops/pkg/types"
)

// Checkpoints is the slice of the task store the refresh operation needs.
type Checkpoints interface {
	RefreshCheckpoint(ctx context.Context, scope types.Scope) (time.Time, error)
	SetRefreshCheckpoint(ctx context.Context, scope types.Scope, t time.Time) error
}

// Run carries everything one operation execution may touch. Progress values
// are absolute percentages; composites hand sub-operations a rescaled
// callback.
type Run struct {
	Scope     types.Scope
	Params    types.Params
	DryRun    bool
	Engine    graph.Engine
	Progress  func(progress int, message string)
	Cancelled func() bool

	caller *engineCaller
}

// tick reports progress, tolerating a nil callback.
func (r *Run) tick(progress int, message string) {
	if r.Progress != nil {
		r.Progress(progress, message)
	}
}

// checkCancel returns types.ErrCancelled when cancellation was requested.
// Operations call this between batches; those are the only legitimate
// suspension points.
func (r *Run) checkCancel() error {
	if r.Cancelled != nil && r.Cancelled() {
		return types.ErrCancelled
	}
	return nil
}

// window returns a copy of the run whose progress callback maps the
// sub-range [lo, hi] onto the parent's progress scale.
func (r *Run) window(lo, hi int) *Run {
	sub := *r
	parent := r.Progress
	sub.Progress = func(progress int, message string) {
		if parent == nil {
			return
		}
		scaled := lo + progress*(hi-lo)/100
		parent(scaled, message)
	}
	return &sub
}

// Operation is one maintenance strategy.
type Operation interface {
	Kind() types.TaskKind

	// Validate rejects bad parameters before any task record exists.
	Validate(params types.Params, dryRun bool) error

	// Run executes the operation. A types.ErrCancelled return marks the
	// task cancelled; any other error marks it failed. A non-nil result
	// alongside an error preserves partial composite output.
	Run(ctx context.Context, r *Run) (types.Result, error)
}

// Registry resolves task kinds to their operation.
type Registry struct {
	ops    map[types.TaskKind]Operation
	caller *engineCaller
}

// NewRegistry builds the full operation set. All operations share one
// circuit breaker toward the graph engine.
func NewRegistry(checkpoints Checkpoints) *Registry {
	r := &Registry{
		ops:    make(map[types.TaskKind]Operation),
		caller: newEngineCaller(),
	}
	r.register(&RefreshOperation{checkpoints: checkpoints, nowFunc: time.Now})
	r.register(&DedupeOperation{})
	r.register(&InvalidateOperation{nowFunc: time.Now})
	r.register(&CommunitiesOperation{})
	r.register(&OptimizeOperation{registry: r})
	return r
}

func (r *Registry) register(op Operation) {
	r.ops[op.Kind()] = op
}

// Get returns the operation for a kind.
func (r *Registry) Get(kind types.TaskKind) (Operation, bool) {
	op, ok := r.ops[kind]
	return op, ok
}

// Validate checks params for a kind, rejecting unknown kinds.
func (r *Registry) Validate(kind types.TaskKind, params types.Params, dryRun bool) error {
	op, ok := r.ops[kind]
	if !ok {
		return &types.ValidationError{Field: "kind", Reason: "unknown task kind"}
	}
	return op.Validate(params, dryRun)
}

// Execute runs the operation for a kind, attaching the shared engine caller.
func (r *Registry) Execute(ctx context.Context, kind types.TaskKind, run *Run) (types.Result, error) {
	op, ok := r.ops[kind]
	if !ok {
		return nil, &types.ValidationError{Field: "kind", Reason: "unknown task kind"}
	}
	run.caller = r.caller
	return op.Run(ctx, run)
}
