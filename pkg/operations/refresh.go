package operations

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/soundprediction/go-graphops/pkg/graph"
	"github.com/soundprediction/go-graphops/pkg/types"
)

// RefreshOperation folds not-yet-ingested source episodes into the graph.
// The episode set is either an explicit id list from params or everything
// since the scope's last successful refresh checkpoint. With
// rebuild_communities=true the ingestion fills 0-80% of the task's progress
// and a chained community rebuild fills 80-100%.
type RefreshOperation struct {
	checkpoints Checkpoints
	nowFunc     func() time.Time
}

func (o *RefreshOperation) Kind() types.TaskKind { return types.KindIncrementalRefresh }

func (o *RefreshOperation) Validate(params types.Params, dryRun bool) error {
	return nil
}

func (o *RefreshOperation) Run(ctx context.Context, r *Run) (types.Result, error) {
	explicit := len(r.Params.EpisodeIDs) > 0

	var episodeIDs []string
	var latest time.Time
	if explicit {
		episodeIDs = r.Params.EpisodeIDs
	} else {
		since, err := o.checkpoints.RefreshCheckpoint(ctx, r.Scope)
		if err != nil {
			return nil, fmt.Errorf("failed to read refresh checkpoint: %w", err)
		}
		var episodes []*types.Episode
		err = r.caller.do(ctx, "EpisodesSince", func() error {
			var err error
			episodes, err = r.Engine.EpisodesSince(ctx, r.Scope, since)
			return err
		})
		if err != nil {
			return nil, err
		}
		for _, ep := range episodes {
			episodeIDs = append(episodeIDs, ep.ID)
			if ep.CreatedAt.After(latest) {
				latest = ep.CreatedAt
			}
		}
	}

	total := len(episodeIDs)
	if r.DryRun {
		r.tick(100, fmt.Sprintf("%d episodes pending ingestion", total))
		return types.Result{
			"episodes_processed": total,
			"episodes_skipped":   0,
		}, nil
	}

	ingestCeiling := 100
	if r.Params.RebuildCommunities {
		ingestCeiling = 80
	}

	processed, skipped := 0, 0
	for i, id := range episodeIDs {
		if err := r.checkCancel(); err != nil {
			return nil, err
		}
		var alreadyIngested bool
		err := r.caller.do(ctx, "IngestEpisode", func() error {
			err := r.Engine.IngestEpisode(ctx, r.Scope, id)
			if errors.Is(err, graph.ErrEpisodeIngested) {
				alreadyIngested = true
				return nil
			}
			return err
		})
		if err != nil {
			return nil, err
		}
		if alreadyIngested {
			skipped++
		} else {
			processed++
		}
		r.tick((i+1)*ingestCeiling/total, fmt.Sprintf("ingested %d/%d episodes", i+1, total))
	}
	if total == 0 {
		r.tick(ingestCeiling, "no episodes pending")
	}

	// The checkpoint only advances in checkpoint mode; an explicit id list
	// says nothing about what else accumulated since the last refresh.
	if !explicit && !latest.IsZero() {
		if err := o.checkpoints.SetRefreshCheckpoint(ctx, r.Scope, latest); err != nil {
			return nil, fmt.Errorf("failed to advance refresh checkpoint: %w", err)
		}
	}

	result := types.Result{
		"episodes_processed": processed,
		"episodes_skipped":   skipped,
	}

	if r.Params.RebuildCommunities {
		if err := r.checkCancel(); err != nil {
			return nil, err
		}
		sub := r.window(ingestCeiling, 100)
		communities := &CommunitiesOperation{}
		communityResult, err := communities.Run(ctx, sub)
		if err != nil {
			return nil, err
		}
		result["rebuild_communities"] = communityResult
	}

	return result, nil
}
