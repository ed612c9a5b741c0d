package operations

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soundprediction/go-graphops/pkg/graph"
	"github.com/soundprediction/go-graphops/pkg/store"
	"github.com/soundprediction/go-graphops/pkg/types"
)

var testScope = types.Scope{TenantID: "acme", ProjectID: "support"}

func newRun(engine graph.Engine, params types.Params, dryRun bool) *Run {
	return &Run{
		Scope:  testScope,
		Params: params,
		DryRun: dryRun,
		Engine: engine,
		caller: newEngineCaller(),
	}
}

// faultyEngine wraps the in-memory engine and fails selected calls.
type faultyEngine struct {
	*graph.MemoryEngine
	failEdges bool
}

func (f *faultyEngine) Edges(ctx context.Context, scope types.Scope) ([]*types.GraphEdge, error) {
	if f.failEdges {
		return nil, errors.New("connection refused")
	}
	return f.MemoryEngine.Edges(ctx, scope)
}

func seedDuplicateEntities(engine *graph.MemoryEngine) {
	emb := []float32{1, 0, 0}
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	engine.AddEntity(testScope, &types.Entity{
		ID: "ent-apple", Name: "Apple", EntityType: "Organization",
		Embedding: emb, CreatedAt: base, UpdatedAt: base,
	})
	engine.AddEntity(testScope, &types.Entity{
		ID: "ent-apple-inc", Name: "Apple Inc.", EntityType: "Organization",
		Embedding: emb, CreatedAt: base.Add(time.Hour), UpdatedAt: base.Add(time.Hour),
	})
	engine.AddEntity(testScope, &types.Entity{
		ID: "ent-banana", Name: "Banana Corp", EntityType: "Organization",
		Embedding: []float32{0, 1, 0}, CreatedAt: base, UpdatedAt: base,
	})
	engine.AddEdge(testScope, &types.GraphEdge{
		ID: "edge-1", Type: "RELATES_TO", SourceID: "ent-apple-inc", TargetID: "ent-banana",
		CreatedAt: base, UpdatedAt: base,
	})
}

func TestDedupeValidate(t *testing.T) {
	op := &DedupeOperation{}
	assert.NoError(t, op.Validate(types.Params{SimilarityThreshold: 0.9}, false))
	assert.NoError(t, op.Validate(types.Params{SimilarityThreshold: 1}, true))
	assert.Error(t, op.Validate(types.Params{}, false))
	assert.Error(t, op.Validate(types.Params{SimilarityThreshold: -0.1}, false))
	assert.Error(t, op.Validate(types.Params{SimilarityThreshold: 1.1}, false))
}

func TestDedupeDryRunReportsWithoutMutating(t *testing.T) {
	engine := graph.NewMemoryEngine()
	seedDuplicateEntities(engine)
	op := &DedupeOperation{}

	result, err := op.Run(context.Background(), newRun(engine, types.Params{SimilarityThreshold: 0.9}, true))
	require.NoError(t, err)
	assert.Equal(t, 1, result["duplicates_found"])
	assert.Equal(t, 1, result["duplicate_groups"])

	// nothing merged
	entities, err := engine.Entities(context.Background(), testScope)
	require.NoError(t, err)
	assert.Len(t, entities, 3)
}

func TestDedupeCommitMergesAndIsIdempotent(t *testing.T) {
	engine := graph.NewMemoryEngine()
	seedDuplicateEntities(engine)
	op := &DedupeOperation{}
	params := types.Params{SimilarityThreshold: 0.9}

	result, err := op.Run(context.Background(), newRun(engine, params, false))
	require.NoError(t, err)
	assert.Equal(t, 1, result["merged"])

	// the earlier-created entity is canonical, the duplicate is gone and
	// its edges are rewired
	entities, err := engine.Entities(context.Background(), testScope)
	require.NoError(t, err)
	ids := make([]string, 0, len(entities))
	for _, e := range entities {
		ids = append(ids, e.ID)
	}
	assert.Contains(t, ids, "ent-apple")
	assert.NotContains(t, ids, "ent-apple-inc")

	edges, err := engine.Edges(context.Background(), testScope)
	require.NoError(t, err)
	require.Len(t, edges, 1)
	assert.Equal(t, "ent-apple", edges[0].SourceID)

	// re-running at the same threshold finds nothing
	result, err = op.Run(context.Background(), newRun(engine, params, false))
	require.NoError(t, err)
	assert.Equal(t, 0, result["merged"])
	assert.Equal(t, 0, result["duplicate_groups"])
}

func TestGroupDuplicatesCanonicalSelection(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	entities := []*types.Entity{
		{ID: "c", CreatedAt: base},
		{ID: "a", CreatedAt: base},
		{ID: "b", CreatedAt: base.Add(-time.Hour)},
		{ID: "z", CreatedAt: base},
	}

	// earliest created_at wins
	groups := groupDuplicates([]types.SimilarPair{{A: "a", B: "b"}, {A: "b", B: "c"}}, entities)
	require.Len(t, groups, 1)
	assert.Equal(t, "b", groups[0].canonical)
	assert.ElementsMatch(t, []string{"a", "b", "c"}, groups[0].members)

	// equal timestamps fall back to the lowest id
	groups = groupDuplicates([]types.SimilarPair{{A: "z", B: "a"}, {A: "a", B: "c"}}, entities)
	require.Len(t, groups, 1)
	assert.Equal(t, "a", groups[0].canonical)
}

func TestGroupDuplicatesIgnoresUnknownEntities(t *testing.T) {
	entities := []*types.Entity{{ID: "a"}, {ID: "b"}}
	groups := groupDuplicates([]types.SimilarPair{{A: "a", B: "ghost"}}, entities)
	assert.Empty(t, groups)
}

func TestInvalidateValidate(t *testing.T) {
	op := &InvalidateOperation{nowFunc: time.Now}
	days := 7
	assert.NoError(t, op.Validate(types.Params{DaysSinceUpdate: &days}, false))
	zero := 0
	assert.NoError(t, op.Validate(types.Params{DaysSinceUpdate: &zero}, false))
	neg := -1
	assert.Error(t, op.Validate(types.Params{DaysSinceUpdate: &neg}, false))
	assert.Error(t, op.Validate(types.Params{}, false))
}

func TestInvalidateBoundary(t *testing.T) {
	now := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	cutoff := now.AddDate(0, 0, -7)

	engine := graph.NewMemoryEngine()
	engine.AddEdge(testScope, &types.GraphEdge{
		ID: "edge-old", Type: "RELATES_TO", UpdatedAt: cutoff.Add(-time.Second),
	})
	engine.AddEdge(testScope, &types.GraphEdge{
		ID: "edge-at-cutoff", Type: "RELATES_TO", UpdatedAt: cutoff,
	})
	engine.AddEdge(testScope, &types.GraphEdge{
		ID: "edge-fresh", Type: "MENTIONS", UpdatedAt: now,
	})

	op := &InvalidateOperation{nowFunc: func() time.Time { return now }}
	days := 7

	// dry run counts without deleting
	result, err := op.Run(context.Background(), newRun(engine, types.Params{DaysSinceUpdate: &days}, true))
	require.NoError(t, err)
	assert.Equal(t, 1, result["stale_edges_found"])
	assert.Equal(t, map[string]int{"RELATES_TO": 1}, result["stale_by_type"])

	// commit deletes only the strictly-older edge
	result, err = op.Run(context.Background(), newRun(engine, types.Params{DaysSinceUpdate: &days}, false))
	require.NoError(t, err)
	assert.Equal(t, 1, result["deleted"])

	edges, err := engine.Edges(context.Background(), testScope)
	require.NoError(t, err)
	ids := make([]string, 0, len(edges))
	for _, e := range edges {
		ids = append(ids, e.ID)
	}
	assert.ElementsMatch(t, []string{"edge-at-cutoff", "edge-fresh"}, ids)
}

func TestRefreshCheckpointMode(t *testing.T) {
	ctx := context.Background()
	engine := graph.NewMemoryEngine()
	checkpoints := store.NewMemoryStore()
	defer checkpoints.Close()

	base := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	engine.AddEpisode(testScope, &types.Episode{ID: "ep-1", CreatedAt: base})
	engine.AddEpisode(testScope, &types.Episode{ID: "ep-2", CreatedAt: base.Add(time.Hour)})

	op := &RefreshOperation{checkpoints: checkpoints, nowFunc: time.Now}

	result, err := op.Run(ctx, newRun(engine, types.Params{}, false))
	require.NoError(t, err)
	assert.Equal(t, 2, result["episodes_processed"])
	assert.Equal(t, 0, result["episodes_skipped"])

	cp, err := checkpoints.RefreshCheckpoint(ctx, testScope)
	require.NoError(t, err)
	assert.True(t, cp.Equal(base.Add(time.Hour)))

	// a second run finds nothing new past the checkpoint
	result, err = op.Run(ctx, newRun(engine, types.Params{}, false))
	require.NoError(t, err)
	assert.Equal(t, 0, result["episodes_processed"])
}

func TestRefreshExplicitEpisodes(t *testing.T) {
	ctx := context.Background()
	engine := graph.NewMemoryEngine()
	checkpoints := store.NewMemoryStore()
	defer checkpoints.Close()

	base := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	engine.AddEpisode(testScope, &types.Episode{ID: "ep-1", CreatedAt: base})
	engine.AddEpisode(testScope, &types.Episode{ID: "ep-2", CreatedAt: base.Add(time.Hour)})

	op := &RefreshOperation{checkpoints: checkpoints, nowFunc: time.Now}

	// first ingest ep-1 so a re-ingest is skipped
	result, err := op.Run(ctx, newRun(engine, types.Params{EpisodeIDs: []string{"ep-1"}}, false))
	require.NoError(t, err)
	assert.Equal(t, 1, result["episodes_processed"])

	result, err = op.Run(ctx, newRun(engine, types.Params{EpisodeIDs: []string{"ep-1", "ep-2"}}, false))
	require.NoError(t, err)
	assert.Equal(t, 1, result["episodes_processed"])
	assert.Equal(t, 1, result["episodes_skipped"])

	// explicit mode never advances the checkpoint
	cp, err := checkpoints.RefreshCheckpoint(ctx, testScope)
	require.NoError(t, err)
	assert.True(t, cp.IsZero())
}

func TestRefreshDryRunCountsPending(t *testing.T) {
	ctx := context.Background()
	engine := graph.NewMemoryEngine()
	checkpoints := store.NewMemoryStore()
	defer checkpoints.Close()

	engine.AddEpisode(testScope, &types.Episode{ID: "ep-1", CreatedAt: time.Now()})

	op := &RefreshOperation{checkpoints: checkpoints, nowFunc: time.Now}
	result, err := op.Run(ctx, newRun(engine, types.Params{}, true))
	require.NoError(t, err)
	assert.Equal(t, 1, result["episodes_processed"])

	// dry run neither ingests nor advances the checkpoint
	cp, err := checkpoints.RefreshCheckpoint(ctx, testScope)
	require.NoError(t, err)
	assert.True(t, cp.IsZero())

	result, err = op.Run(ctx, newRun(engine, types.Params{}, false))
	require.NoError(t, err)
	assert.Equal(t, 1, result["episodes_processed"])
}

func TestRefreshChainsCommunityRebuild(t *testing.T) {
	ctx := context.Background()
	engine := graph.NewMemoryEngine()
	checkpoints := store.NewMemoryStore()
	defer checkpoints.Close()

	base := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	engine.AddEpisode(testScope, &types.Episode{ID: "ep-1", CreatedAt: base})
	engine.AddEntity(testScope, &types.Entity{ID: "a", CreatedAt: base})
	engine.AddEntity(testScope, &types.Entity{ID: "b", CreatedAt: base})
	engine.AddEdge(testScope, &types.GraphEdge{ID: "e1", SourceID: "a", TargetID: "b"})

	op := &RefreshOperation{checkpoints: checkpoints, nowFunc: time.Now}
	run := newRun(engine, types.Params{RebuildCommunities: true}, false)

	var lastProgress int
	run.Progress = func(progress int, message string) { lastProgress = progress }

	result, err := op.Run(ctx, run)
	require.NoError(t, err)
	assert.Equal(t, 1, result["episodes_processed"])
	require.Contains(t, result, "rebuild_communities")
	sub := result["rebuild_communities"].(types.Result)
	assert.Equal(t, 1, sub["communities_count"])
	assert.Equal(t, 100, lastProgress)
}

func TestCommunitiesRejectsDryRun(t *testing.T) {
	op := &CommunitiesOperation{}
	assert.Error(t, op.Validate(types.Params{}, true))
	assert.NoError(t, op.Validate(types.Params{}, false))
}

func TestOptimizeValidate(t *testing.T) {
	registry := NewRegistry(store.NewMemoryStore())
	days := 7
	params := types.Params{
		Operations:          []string{"deduplicate", "invalidate_stale_edges"},
		SimilarityThreshold: 0.9,
		DaysSinceUpdate:     &days,
	}
	assert.NoError(t, registry.Validate(types.KindOptimize, params, false))

	assert.Error(t, registry.Validate(types.KindOptimize, params, true))
	assert.Error(t, registry.Validate(types.KindOptimize, types.Params{}, false))
	assert.Error(t, registry.Validate(types.KindOptimize,
		types.Params{Operations: []string{"defragment"}}, false))
	assert.Error(t, registry.Validate(types.KindOptimize,
		types.Params{Operations: []string{"optimize"}}, false))

	// sub-operation params are validated up front
	assert.Error(t, registry.Validate(types.KindOptimize,
		types.Params{Operations: []string{"deduplicate"}}, false))
}

func TestOptimizeRunsSubOperationsInOrder(t *testing.T) {
	ctx := context.Background()
	engine := graph.NewMemoryEngine()
	seedDuplicateEntities(engine)
	registry := NewRegistry(store.NewMemoryStore())

	days := 0
	run := &Run{
		Scope:  testScope,
		Engine: engine,
		Params: types.Params{
			Operations:          []string{"deduplicate", "rebuild_communities"},
			SimilarityThreshold: 0.9,
			DaysSinceUpdate:     &days,
		},
	}

	result, err := registry.Execute(ctx, types.KindOptimize, run)
	require.NoError(t, err)

	dedupe := result["deduplicate"].(types.Result)
	assert.Equal(t, 1, dedupe["merged"])
	communities := result["rebuild_communities"].(types.Result)
	assert.NotNil(t, communities["communities_count"])
}

func TestOptimizePreservesPartialResultsOnFailure(t *testing.T) {
	ctx := context.Background()
	engine := &faultyEngine{MemoryEngine: graph.NewMemoryEngine(), failEdges: true}
	seedDuplicateEntities(engine.MemoryEngine)
	registry := NewRegistry(store.NewMemoryStore())

	days := 7
	run := &Run{
		Scope:  testScope,
		Engine: engine,
		Params: types.Params{
			Operations:          []string{"deduplicate", "invalidate_stale_edges"},
			SimilarityThreshold: 0.9,
			DaysSinceUpdate:     &days,
		},
	}

	result, err := registry.Execute(ctx, types.KindOptimize, run)
	require.Error(t, err)

	var extErr *types.ExternalServiceError
	assert.True(t, errors.As(err, &extErr))

	// the first sub-operation's output survives the second one's failure
	require.Contains(t, result, "deduplicate")
	dedupe := result["deduplicate"].(types.Result)
	assert.Equal(t, 1, dedupe["merged"])
	assert.NotContains(t, result, "invalidate_stale_edges")
}

func TestOptimizeCancelsBetweenSubOperations(t *testing.T) {
	ctx := context.Background()
	engine := graph.NewMemoryEngine()
	seedDuplicateEntities(engine)
	registry := NewRegistry(store.NewMemoryStore())

	calls := 0
	run := &Run{
		Scope:  testScope,
		Engine: engine,
		Params: types.Params{
			Operations:          []string{"deduplicate", "rebuild_communities"},
			SimilarityThreshold: 0.9,
		},
		Cancelled: func() bool {
			calls++
			return calls > 1
		},
	}

	result, err := registry.Execute(ctx, types.KindOptimize, run)
	assert.ErrorIs(t, err, types.ErrCancelled)
	assert.Contains(t, result, "deduplicate")
	assert.NotContains(t, result, "rebuild_communities")
}

func TestEngineCallerRetriesThenFails(t *testing.T) {
	caller := newEngineCaller()
	attempts := 0

	err := caller.do(context.Background(), "Edges", func() error {
		attempts++
		return errors.New("connection refused")
	})

	var extErr *types.ExternalServiceError
	require.Error(t, err)
	require.True(t, errors.As(err, &extErr))
	assert.Equal(t, maxAttempts, attempts)
	assert.Equal(t, maxAttempts, extErr.Attempts)
}

func TestEngineCallerRecoversWithinAttempts(t *testing.T) {
	caller := newEngineCaller()
	attempts := 0

	err := caller.do(context.Background(), "Edges", func() error {
		attempts++
		if attempts < 3 {
			return errors.New("transient")
		}
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestWindowRescalesProgress(t *testing.T) {
	var got []int
	parent := &Run{Progress: func(p int, _ string) { got = append(got, p) }}

	sub := parent.window(80, 100)
	sub.tick(0, "start")
	sub.tick(50, "half")
	sub.tick(100, "done")

	assert.Equal(t, []int{80, 90, 100}, got)
}
