package graph

import (
	"context"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/soundprediction/go-graphops/pkg/types"
)

// MemoryEngine is an in-process Engine used for tests and for running the
// console without a graph database (graph.driver = "memory"). It implements
// the same contract as the real engine with deliberately simple internals:
// similarity is cosine over embeddings (falling back to name comparison) and
// communities are connected components.
type MemoryEngine struct {
	mu     sync.RWMutex
	scopes map[string]*memoryScope
}

type memoryScope struct {
	entities    map[string]*types.Entity
	edges       map[string]*types.GraphEdge
	episodes    map[string]*types.Episode
	ingested    map[string]bool
	communities int
}

// NewMemoryEngine creates an empty in-memory engine.
func NewMemoryEngine() *MemoryEngine {
	return &MemoryEngine{scopes: make(map[string]*memoryScope)}
}

// scope returns the partition for s, creating it on first use. Callers must
// hold mu for writing.
func (m *MemoryEngine) scope(s types.Scope) *memoryScope {
	key := s.Key()
	sc, ok := m.scopes[key]
	if !ok {
		sc = &memoryScope{
			entities: make(map[string]*types.Entity),
			edges:    make(map[string]*types.GraphEdge),
			episodes: make(map[string]*types.Episode),
			ingested: make(map[string]bool),
		}
		m.scopes[key] = sc
	}
	return sc
}

// scopeRead returns the partition for s without creating it, so readers can
// stay on the read lock. A nil return means the scope holds no data yet.
func (m *MemoryEngine) scopeRead(s types.Scope) *memoryScope {
	return m.scopes[s.Key()]
}

// AddEntity seeds an entity. Used by tests and dev fixtures.
func (m *MemoryEngine) AddEntity(scope types.Scope, e *types.Entity) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scope(scope).entities[e.ID] = e
}

// AddEdge seeds an edge.
func (m *MemoryEngine) AddEdge(scope types.Scope, e *types.GraphEdge) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scope(scope).edges[e.ID] = e
}

// AddEpisode seeds an episode awaiting ingestion.
func (m *MemoryEngine) AddEpisode(scope types.Scope, ep *types.Episode) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scope(scope).episodes[ep.ID] = ep
}

func (m *MemoryEngine) EpisodesSince(ctx context.Context, scope types.Scope, since time.Time) ([]*types.Episode, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sc := m.scopeRead(scope)
	if sc == nil {
		return nil, nil
	}
	var out []*types.Episode
	for _, ep := range sc.episodes {
		if sc.ingested[ep.ID] {
			continue
		}
		if !since.IsZero() && !ep.CreatedAt.After(since) {
			continue
		}
		out = append(out, ep)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryEngine) IngestEpisode(ctx context.Context, scope types.Scope, episodeID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sc := m.scope(scope)
	if sc.ingested[episodeID] {
		return ErrEpisodeIngested
	}
	sc.ingested[episodeID] = true
	return nil
}

func (m *MemoryEngine) Entities(ctx context.Context, scope types.Scope) ([]*types.Entity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sc := m.scopeRead(scope)
	if sc == nil {
		return nil, nil
	}
	out := make([]*types.Entity, 0, len(sc.entities))
	for _, e := range sc.entities {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryEngine) SimilarEntityPairs(ctx context.Context, scope types.Scope, threshold float64) ([]types.SimilarPair, error) {
	entities, err := m.Entities(ctx, scope)
	if err != nil {
		return nil, err
	}
	var pairs []types.SimilarPair
	for i := 0; i < len(entities); i++ {
		for j := i + 1; j < len(entities); j++ {
			a, b := entities[i], entities[j]
			if a.EntityType != b.EntityType {
				continue
			}
			score := similarity(a, b)
			if score >= threshold {
				pairs = append(pairs, types.SimilarPair{A: a.ID, B: b.ID, Score: score})
			}
		}
	}
	return pairs, nil
}

// similarity scores two entities: cosine over embeddings when both carry
// one, exact case-insensitive name match otherwise.
func similarity(a, b *types.Entity) float64 {
	if len(a.Embedding) > 0 && len(a.Embedding) == len(b.Embedding) {
		return cosine(a.Embedding, b.Embedding)
	}
	if strings.EqualFold(strings.TrimSpace(a.Name), strings.TrimSpace(b.Name)) {
		return 1.0
	}
	return 0
}

func cosine(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func (m *MemoryEngine) MergeEntities(ctx context.Context, scope types.Scope, canonicalID string, duplicateIDs []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sc := m.scope(scope)
	dup := make(map[string]bool, len(duplicateIDs))
	for _, id := range duplicateIDs {
		dup[id] = true
	}
	for _, e := range sc.edges {
		if dup[e.SourceID] {
			e.SourceID = canonicalID
		}
		if dup[e.TargetID] {
			e.TargetID = canonicalID
		}
	}
	for _, id := range duplicateIDs {
		delete(sc.entities, id)
	}
	return nil
}

func (m *MemoryEngine) Edges(ctx context.Context, scope types.Scope) ([]*types.GraphEdge, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sc := m.scopeRead(scope)
	if sc == nil {
		return nil, nil
	}
	out := make([]*types.GraphEdge, 0, len(sc.edges))
	for _, e := range sc.edges {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryEngine) DeleteEdges(ctx context.Context, scope types.Scope, edgeIDs []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sc := m.scope(scope)
	for _, id := range edgeIDs {
		delete(sc.edges, id)
	}
	return nil
}

func (m *MemoryEngine) RebuildCommunities(ctx context.Context, scope types.Scope) (*types.CommunityStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sc := m.scope(scope)

	// Connected components over the current entity set.
	parent := make(map[string]string, len(sc.entities))
	for id := range sc.entities {
		parent[id] = id
	}
	var find func(string) string
	find = func(x string) string {
		if parent[x] != x {
			parent[x] = find(parent[x])
		}
		return parent[x]
	}
	for _, e := range sc.edges {
		if _, ok := parent[e.SourceID]; !ok {
			continue
		}
		if _, ok := parent[e.TargetID]; !ok {
			continue
		}
		parent[find(e.SourceID)] = find(e.TargetID)
	}
	roots := make(map[string]bool)
	for id := range parent {
		roots[find(id)] = true
	}
	sc.communities = len(roots)
	return &types.CommunityStats{Communities: len(roots), Edges: len(sc.edges)}, nil
}

func (m *MemoryEngine) Ping(ctx context.Context) error { return nil }

func (m *MemoryEngine) Close(ctx context.Context) error { return nil }
