package operations

import (
	"context"
	"fmt"

	"github.com/soundprediction/go-graphops/pkg/types"
)

// CommunitiesOperation delegates community detection to the graph engine.
// The prior partition is always replaced wholesale, so there is no
// inspect-only mode.
type CommunitiesOperation struct{}

func (o *CommunitiesOperation) Kind() types.TaskKind { return types.KindRebuildCommunities }

func (o *CommunitiesOperation) Validate(params types.Params, dryRun bool) error {
	if dryRun {
		return &types.ValidationError{
			Field:  "dry_run",
			Reason: "rebuild_communities does not support dry run",
		}
	}
	return nil
}

func (o *CommunitiesOperation) Run(ctx context.Context, r *Run) (types.Result, error) {
	r.tick(0, "rebuilding communities")

	var stats *types.CommunityStats
	err := r.caller.do(ctx, "RebuildCommunities", func() error {
		var err error
		stats, err = r.Engine.RebuildCommunities(ctx, r.Scope)
		return err
	})
	if err != nil {
		return nil, err
	}

	r.tick(100, fmt.Sprintf("rebuilt %d communities over %d edges", stats.Communities, stats.Edges))
	return types.Result{
		"communities_count": stats.Communities,
		"edges_count":       stats.Edges,
	}, nil
}
