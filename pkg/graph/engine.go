// Package graph defines the client interface to the externally-owned
// temporal knowledge-graph engine and the implementations this console ships
// with. The engine's internals (extraction, embedding, ranking, community
// detection) are a black box; maintenance operations only drive it through
// this surface.
package graph

import (
	"context"
	"errors"
	"time"

	"github.com/soundprediction/go-graphops/pkg/types"
)

// ErrEpisodeIngested is returned by IngestEpisode when the episode has
// already been folded into the graph. Refresh counts these as skipped.
var ErrEpisodeIngested = errors.New("episode already ingested")

// Engine is the graph-mutation collaborator consumed by maintenance
// operations. Every call is scoped to one (tenant, project) partition.
type Engine interface {
	// EpisodesSince lists episodes created after since that have not yet
	// been folded into the graph. A zero since means all pending episodes.
	EpisodesSince(ctx context.Context, scope types.Scope, since time.Time) ([]*types.Episode, error)

	// IngestEpisode folds one episode into the graph, running the engine's
	// extraction pipeline. Returns ErrEpisodeIngested if already folded.
	IngestEpisode(ctx context.Context, scope types.Scope, episodeID string) error

	// Entities lists all entity nodes in the scope.
	Entities(ctx context.Context, scope types.Scope) ([]*types.Entity, error)

	// SimilarEntityPairs reports candidate duplicate pairs whose similarity
	// score is at or above threshold. Pair generation (name, type and
	// embedding based) is the engine's concern; grouping is the caller's.
	SimilarEntityPairs(ctx context.Context, scope types.Scope, threshold float64) ([]types.SimilarPair, error)

	// MergeEntities merges the duplicate entities into the canonical one,
	// rewiring all edges and deleting the duplicates.
	MergeEntities(ctx context.Context, scope types.Scope, canonicalID string, duplicateIDs []string) error

	// Edges lists all entity relationships in the scope.
	Edges(ctx context.Context, scope types.Scope) ([]*types.GraphEdge, error)

	// DeleteEdges removes exactly the given edges.
	DeleteEdges(ctx context.Context, scope types.Scope, edgeIDs []string) error

	// RebuildCommunities replaces the scope's community partition wholesale.
	RebuildCommunities(ctx context.Context, scope types.Scope) (*types.CommunityStats, error)

	// Ping verifies the engine is reachable.
	Ping(ctx context.Context) error

	// Close releases connections.
	Close(ctx context.Context) error
}
