package operations

import (
	"context"
	"fmt"
	"time"

	"github.com/soundprediction/go-graphops/pkg/types"
)

// deleteBatchSize bounds how many edges one delete call removes, so that
// cancellation and progress have a checkpoint at least this often.
const deleteBatchSize = 100

// InvalidateOperation selects edges whose last update precedes the cutoff
// and deletes exactly that set. The boundary is inclusive-exclusive: an edge
// updated exactly at the cutoff is kept.
type InvalidateOperation struct {
	nowFunc func() time.Time
}

func (o *InvalidateOperation) Kind() types.TaskKind { return types.KindInvalidateStaleEdges }

func (o *InvalidateOperation) Validate(params types.Params, dryRun bool) error {
	if params.DaysSinceUpdate == nil {
		return &types.ValidationError{Field: "days_since_update", Reason: "required"}
	}
	if *params.DaysSinceUpdate < 0 {
		return &types.ValidationError{Field: "days_since_update", Reason: "must be >= 0"}
	}
	return nil
}

func (o *InvalidateOperation) Run(ctx context.Context, r *Run) (types.Result, error) {
	cutoff := o.nowFunc().UTC().AddDate(0, 0, -*r.Params.DaysSinceUpdate)
	r.tick(0, "scanning edges")

	var edges []*types.GraphEdge
	err := r.caller.do(ctx, "Edges", func() error {
		var err error
		edges, err = r.Engine.Edges(ctx, r.Scope)
		return err
	})
	if err != nil {
		return nil, err
	}

	var stale []string
	byType := make(map[string]int)
	for _, e := range edges {
		if e.UpdatedAt.Before(cutoff) {
			stale = append(stale, e.ID)
			byType[e.Type]++
		}
	}

	if r.DryRun {
		r.tick(100, fmt.Sprintf("found %d stale edges", len(stale)))
		return types.Result{
			"stale_edges_found": len(stale),
			"stale_by_type":     byType,
		}, nil
	}

	deleted := 0
	for start := 0; start < len(stale); start += deleteBatchSize {
		if err := r.checkCancel(); err != nil {
			return nil, err
		}
		end := start + deleteBatchSize
		if end > len(stale) {
			end = len(stale)
		}
		batch := stale[start:end]
		err := r.caller.do(ctx, "DeleteEdges", func() error {
			return r.Engine.DeleteEdges(ctx, r.Scope, batch)
		})
		if err != nil {
			return nil, err
		}
		deleted += len(batch)
		r.tick(deleted*100/len(stale), fmt.Sprintf("deleted %d/%d stale edges", deleted, len(stale)))
	}

	return types.Result{
		"deleted":       deleted,
		"stale_by_type": byType,
	}, nil
}
