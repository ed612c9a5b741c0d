package operations

import (
	"context"
	"fmt"

	"github.com/soundprediction/go-graphops/pkg/types"
)

// OptimizeOperation runs an ordered list of sub-operations in sequence,
// dividing the progress range equally between them. The first failing
// sub-operation aborts the remainder; results of the steps that completed
// are preserved under each sub-operation's name. Cancellation is honored
// only between sub-operations, never inside one.
type OptimizeOperation struct {
	registry *Registry
}

func (o *OptimizeOperation) Kind() types.TaskKind { return types.KindOptimize }

func (o *OptimizeOperation) Validate(params types.Params, dryRun bool) error {
	if dryRun {
		return &types.ValidationError{Field: "dry_run", Reason: "optimize does not support dry run"}
	}
	if len(params.Operations) == 0 {
		return &types.ValidationError{Field: "operations", Reason: "must list at least one sub-operation"}
	}
	for _, name := range params.Operations {
		kind, err := types.ParseTaskKind(name)
		if err != nil {
			return &types.ValidationError{Field: "operations", Reason: fmt.Sprintf("unknown sub-operation %q", name)}
		}
		if kind == types.KindOptimize {
			return &types.ValidationError{Field: "operations", Reason: "optimize cannot nest itself"}
		}
		sub, ok := o.registry.Get(kind)
		if !ok {
			return &types.ValidationError{Field: "operations", Reason: fmt.Sprintf("unknown sub-operation %q", name)}
		}
		if err := sub.Validate(params, false); err != nil {
			return err
		}
	}
	return nil
}

func (o *OptimizeOperation) Run(ctx context.Context, r *Run) (types.Result, error) {
	names := r.Params.Operations
	total := len(names)
	result := types.Result{}

	for i, name := range names {
		// Between sub-operations is the only cancellation point; a running
		// sub-operation is never interrupted mid-flight.
		if err := r.checkCancel(); err != nil {
			return result, err
		}

		kind, _ := types.ParseTaskKind(name)
		sub := r.window(i*100/total, (i+1)*100/total)
		sub.Cancelled = nil

		stepResult, err := o.registry.Execute(ctx, kind, sub)
		if err != nil {
			return result, fmt.Errorf("sub-operation %s failed: %w", name, err)
		}
		result[name] = stepResult
		r.tick((i+1)*100/total, fmt.Sprintf("completed %s (%d/%d)", name, i+1, total))
	}
	return result, nil
}
