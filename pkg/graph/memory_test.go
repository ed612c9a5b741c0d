package graph_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soundprediction/go-graphops/pkg/graph"
	"github.com/soundprediction/go-graphops/pkg/types"
)

var testScope = types.Scope{TenantID: "acme", ProjectID: "support"}

func TestEpisodesSinceAndIngest(t *testing.T) {
	ctx := context.Background()
	engine := graph.NewMemoryEngine()
	base := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)

	engine.AddEpisode(testScope, &types.Episode{ID: "ep-1", CreatedAt: base})
	engine.AddEpisode(testScope, &types.Episode{ID: "ep-2", CreatedAt: base.Add(time.Hour)})

	episodes, err := engine.EpisodesSince(ctx, testScope, time.Time{})
	require.NoError(t, err)
	assert.Len(t, episodes, 2)

	episodes, err = engine.EpisodesSince(ctx, testScope, base)
	require.NoError(t, err)
	require.Len(t, episodes, 1)
	assert.Equal(t, "ep-2", episodes[0].ID)

	require.NoError(t, engine.IngestEpisode(ctx, testScope, "ep-1"))
	assert.ErrorIs(t, engine.IngestEpisode(ctx, testScope, "ep-1"), graph.ErrEpisodeIngested)

	// ingested episodes no longer count as pending
	episodes, err = engine.EpisodesSince(ctx, testScope, time.Time{})
	require.NoError(t, err)
	require.Len(t, episodes, 1)
	assert.Equal(t, "ep-2", episodes[0].ID)
}

func TestSimilarEntityPairs(t *testing.T) {
	ctx := context.Background()
	engine := graph.NewMemoryEngine()

	engine.AddEntity(testScope, &types.Entity{ID: "a", Name: "Apple", EntityType: "Organization", Embedding: []float32{1, 0}})
	engine.AddEntity(testScope, &types.Entity{ID: "b", Name: "Apple Inc.", EntityType: "Organization", Embedding: []float32{1, 0}})
	engine.AddEntity(testScope, &types.Entity{ID: "c", Name: "Cherry", EntityType: "Organization", Embedding: []float32{0, 1}})
	// different entity type never pairs, embeddings notwithstanding
	engine.AddEntity(testScope, &types.Entity{ID: "d", Name: "Apple", EntityType: "Product", Embedding: []float32{1, 0}})

	pairs, err := engine.SimilarEntityPairs(ctx, testScope, 0.9)
	require.NoError(t, err)
	require.Len(t, pairs, 1)
	assert.Equal(t, "a", pairs[0].A)
	assert.Equal(t, "b", pairs[0].B)
	assert.InDelta(t, 1.0, pairs[0].Score, 1e-9)
}

func TestSimilarityNameFallback(t *testing.T) {
	ctx := context.Background()
	engine := graph.NewMemoryEngine()

	// no embeddings: exact case-insensitive name match only
	engine.AddEntity(testScope, &types.Entity{ID: "a", Name: "acme corp", EntityType: "Organization"})
	engine.AddEntity(testScope, &types.Entity{ID: "b", Name: "Acme Corp", EntityType: "Organization"})
	engine.AddEntity(testScope, &types.Entity{ID: "c", Name: "Acme Corporation", EntityType: "Organization"})

	pairs, err := engine.SimilarEntityPairs(ctx, testScope, 0.9)
	require.NoError(t, err)
	require.Len(t, pairs, 1)
	assert.Equal(t, "a", pairs[0].A)
	assert.Equal(t, "b", pairs[0].B)
}

func TestMergeEntitiesRewiresEdges(t *testing.T) {
	ctx := context.Background()
	engine := graph.NewMemoryEngine()

	engine.AddEntity(testScope, &types.Entity{ID: "canon", EntityType: "Organization"})
	engine.AddEntity(testScope, &types.Entity{ID: "dup", EntityType: "Organization"})
	engine.AddEntity(testScope, &types.Entity{ID: "other", EntityType: "Organization"})
	engine.AddEdge(testScope, &types.GraphEdge{ID: "e1", SourceID: "dup", TargetID: "other"})
	engine.AddEdge(testScope, &types.GraphEdge{ID: "e2", SourceID: "other", TargetID: "dup"})

	require.NoError(t, engine.MergeEntities(ctx, testScope, "canon", []string{"dup"}))

	entities, err := engine.Entities(ctx, testScope)
	require.NoError(t, err)
	assert.Len(t, entities, 2)

	edges, err := engine.Edges(ctx, testScope)
	require.NoError(t, err)
	require.Len(t, edges, 2)
	assert.Equal(t, "canon", edges[0].SourceID)
	assert.Equal(t, "canon", edges[1].TargetID)
}

func TestRebuildCommunities(t *testing.T) {
	ctx := context.Background()
	engine := graph.NewMemoryEngine()

	engine.AddEntity(testScope, &types.Entity{ID: "a"})
	engine.AddEntity(testScope, &types.Entity{ID: "b"})
	engine.AddEntity(testScope, &types.Entity{ID: "c"})
	engine.AddEntity(testScope, &types.Entity{ID: "lone"})
	engine.AddEdge(testScope, &types.GraphEdge{ID: "e1", SourceID: "a", TargetID: "b"})
	engine.AddEdge(testScope, &types.GraphEdge{ID: "e2", SourceID: "b", TargetID: "c"})

	stats, err := engine.RebuildCommunities(ctx, testScope)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Communities)
	assert.Equal(t, 2, stats.Edges)
}

func TestScopeIsolation(t *testing.T) {
	ctx := context.Background()
	engine := graph.NewMemoryEngine()
	other := types.Scope{TenantID: "acme", ProjectID: "sales"}

	engine.AddEntity(testScope, &types.Entity{ID: "a"})
	engine.AddEntity(other, &types.Entity{ID: "b"})

	entities, err := engine.Entities(ctx, testScope)
	require.NoError(t, err)
	require.Len(t, entities, 1)
	assert.Equal(t, "a", entities[0].ID)
}

func TestConcurrentReadsOnFreshScopes(t *testing.T) {
	ctx := context.Background()
	engine := graph.NewMemoryEngine()

	// Readers hitting scopes nobody has written to yet must not trip over
	// each other creating partitions.
	var wg sync.WaitGroup
	errs := make(chan error, 64)
	for i := 0; i < 8; i++ {
		scope := types.Scope{TenantID: "acme", ProjectID: fmt.Sprintf("proj-%d", i%4)}
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				if _, err := engine.Entities(ctx, scope); err != nil {
					errs <- err
					return
				}
				if _, err := engine.Edges(ctx, scope); err != nil {
					errs <- err
					return
				}
				if _, err := engine.EpisodesSince(ctx, scope, time.Time{}); err != nil {
					errs <- err
					return
				}
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	// Unseen scopes stay empty.
	entities, err := engine.Entities(ctx, types.Scope{TenantID: "acme", ProjectID: "proj-0"})
	require.NoError(t, err)
	assert.Empty(t, entities)
}
