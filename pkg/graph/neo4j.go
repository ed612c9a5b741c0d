package graph

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/soundprediction/go-graphops/pkg/types"
)

// Neo4jEngine implements Engine against a Neo4j-backed graph deployment.
// Scopes map onto the engine's group_id convention: one group per
// (tenant, project) partition.
type Neo4jEngine struct {
	client   neo4j.DriverWithContext
	database string
}

// NewNeo4jEngine connects to a Neo4j instance.
func NewNeo4jEngine(uri, username, password, database string) (*Neo4jEngine, error) {
	client, err := neo4j.NewDriverWithContext(uri, neo4j.BasicAuth(username, password, ""))
	if err != nil {
		return nil, fmt.Errorf("failed to create neo4j driver: %w", err)
	}
	if database == "" {
		database = "neo4j"
	}
	return &Neo4jEngine{client: client, database: database}, nil
}

func (n *Neo4jEngine) session(ctx context.Context) neo4j.SessionWithContext {
	return n.client.NewSession(ctx, neo4j.SessionConfig{DatabaseName: n.database})
}

func groupID(scope types.Scope) string {
	return scope.Key()
}

func (n *Neo4jEngine) EpisodesSince(ctx context.Context, scope types.Scope, since time.Time) ([]*types.Episode, error) {
	session := n.session(ctx)
	defer session.Close(ctx)

	result, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		query := `
			MATCH (e:Episodic {group_id: $group_id})
			WHERE e.folded_at IS NULL AND ($since IS NULL OR e.created_at > $since)
			RETURN e.id AS id, e.name AS name, e.content AS content,
			       e.reference AS reference, e.created_at AS created_at
			ORDER BY e.created_at
		`
		var sinceParam any
		if !since.IsZero() {
			sinceParam = since
		}
		res, err := tx.Run(ctx, query, map[string]any{
			"group_id": groupID(scope),
			"since":    sinceParam,
		})
		if err != nil {
			return nil, err
		}
		return res.Collect(ctx)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list episodes: %w", err)
	}

	records := result.([]*neo4j.Record)
	episodes := make([]*types.Episode, 0, len(records))
	for _, record := range records {
		ep := &types.Episode{}
		if id, ok := record.Get("id"); ok {
			ep.ID, _ = id.(string)
		}
		if name, ok := record.Get("name"); ok {
			ep.Name, _ = name.(string)
		}
		if content, ok := record.Get("content"); ok {
			ep.Content, _ = content.(string)
		}
		if ref, ok := record.Get("reference"); ok {
			ep.Reference = asTime(ref)
		}
		if created, ok := record.Get("created_at"); ok {
			ep.CreatedAt = asTime(created)
		}
		episodes = append(episodes, ep)
	}
	return episodes, nil
}

func (n *Neo4jEngine) IngestEpisode(ctx context.Context, scope types.Scope, episodeID string) error {
	session := n.session(ctx)
	defer session.Close(ctx)

	result, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		query := `
			MATCH (e:Episodic {id: $id, group_id: $group_id})
			WITH e, e.folded_at AS previous
			SET e.folded_at = CASE WHEN previous IS NULL THEN $now ELSE previous END
			RETURN previous
		`
		res, err := tx.Run(ctx, query, map[string]any{
			"id":       episodeID,
			"group_id": groupID(scope),
			"now":      time.Now().UTC(),
		})
		if err != nil {
			return nil, err
		}
		record, err := res.Single(ctx)
		if err != nil {
			return nil, fmt.Errorf("episode %s not found: %w", episodeID, err)
		}
		previous, _ := record.Get("previous")
		return previous, nil
	})
	if err != nil {
		return fmt.Errorf("failed to ingest episode %s: %w", episodeID, err)
	}
	if result != nil {
		return ErrEpisodeIngested
	}
	return nil
}

func (n *Neo4jEngine) Entities(ctx context.Context, scope types.Scope) ([]*types.Entity, error) {
	session := n.session(ctx)
	defer session.Close(ctx)

	result, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		query := `
			MATCH (e:Entity {group_id: $group_id})
			RETURN e.id AS id, e.name AS name, e.entity_type AS entity_type,
			       e.summary AS summary, e.created_at AS created_at, e.updated_at AS updated_at
			ORDER BY e.id
		`
		res, err := tx.Run(ctx, query, map[string]any{"group_id": groupID(scope)})
		if err != nil {
			return nil, err
		}
		return res.Collect(ctx)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list entities: %w", err)
	}

	records := result.([]*neo4j.Record)
	entities := make([]*types.Entity, 0, len(records))
	for _, record := range records {
		e := &types.Entity{}
		if v, ok := record.Get("id"); ok {
			e.ID, _ = v.(string)
		}
		if v, ok := record.Get("name"); ok {
			e.Name, _ = v.(string)
		}
		if v, ok := record.Get("entity_type"); ok {
			e.EntityType, _ = v.(string)
		}
		if v, ok := record.Get("summary"); ok {
			e.Summary, _ = v.(string)
		}
		if v, ok := record.Get("created_at"); ok {
			e.CreatedAt = asTime(v)
		}
		if v, ok := record.Get("updated_at"); ok {
			e.UpdatedAt = asTime(v)
		}
		entities = append(entities, e)
	}
	return entities, nil
}

func (n *Neo4jEngine) SimilarEntityPairs(ctx context.Context, scope types.Scope, threshold float64) ([]types.SimilarPair, error) {
	session := n.session(ctx)
	defer session.Close(ctx)

	result, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		// Pairwise cosine over name embeddings; same-type entities only.
		query := `
			MATCH (a:Entity {group_id: $group_id}), (b:Entity {group_id: $group_id})
			WHERE a.id < b.id
			  AND a.entity_type = b.entity_type
			  AND a.name_embedding IS NOT NULL AND b.name_embedding IS NOT NULL
			WITH a, b, vector.similarity.cosine(a.name_embedding, b.name_embedding) AS score
			WHERE score >= $threshold
			RETURN a.id AS a, b.id AS b, score
		`
		res, err := tx.Run(ctx, query, map[string]any{
			"group_id":  groupID(scope),
			"threshold": threshold,
		})
		if err != nil {
			return nil, err
		}
		return res.Collect(ctx)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to compute similar pairs: %w", err)
	}

	records := result.([]*neo4j.Record)
	pairs := make([]types.SimilarPair, 0, len(records))
	for _, record := range records {
		var pair types.SimilarPair
		if v, ok := record.Get("a"); ok {
			pair.A, _ = v.(string)
		}
		if v, ok := record.Get("b"); ok {
			pair.B, _ = v.(string)
		}
		if v, ok := record.Get("score"); ok {
			pair.Score, _ = v.(float64)
		}
		pairs = append(pairs, pair)
	}
	return pairs, nil
}

func (n *Neo4jEngine) MergeEntities(ctx context.Context, scope types.Scope, canonicalID string, duplicateIDs []string) error {
	if len(duplicateIDs) == 0 {
		return nil
	}
	session := n.session(ctx)
	defer session.Close(ctx)

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		// Rewire outgoing then incoming relationships onto the canonical
		// node, then drop the duplicates. Relationship ids are preserved so
		// edge-level audit trails survive the merge.
		rewire := []string{
			`
			MATCH (d:Entity {group_id: $group_id})-[r:RELATES_TO]->(m)
			WHERE d.id IN $duplicates
			MATCH (c:Entity {id: $canonical, group_id: $group_id})
			MERGE (c)-[nr:RELATES_TO {id: r.id}]->(m)
			SET nr += properties(r)
			DELETE r
			`,
			`
			MATCH (m)-[r:RELATES_TO]->(d:Entity {group_id: $group_id})
			WHERE d.id IN $duplicates
			MATCH (c:Entity {id: $canonical, group_id: $group_id})
			MERGE (m)-[nr:RELATES_TO {id: r.id}]->(c)
			SET nr += properties(r)
			DELETE r
			`,
			`
			MATCH (e:Episodic)-[r:MENTIONS]->(d:Entity {group_id: $group_id})
			WHERE d.id IN $duplicates
			MATCH (c:Entity {id: $canonical, group_id: $group_id})
			MERGE (e)-[nr:MENTIONS {id: r.id}]->(c)
			SET nr += properties(r)
			DELETE r
			`,
		}
		params := map[string]any{
			"group_id":   groupID(scope),
			"canonical":  canonicalID,
			"duplicates": duplicateIDs,
		}
		for _, query := range rewire {
			if _, err := tx.Run(ctx, query, params); err != nil {
				return nil, err
			}
		}
		_, err := tx.Run(ctx, `
			MATCH (d:Entity {group_id: $group_id})
			WHERE d.id IN $duplicates
			DETACH DELETE d
		`, params)
		return nil, err
	})
	if err != nil {
		return fmt.Errorf("failed to merge entities into %s: %w", canonicalID, err)
	}
	return nil
}

func (n *Neo4jEngine) Edges(ctx context.Context, scope types.Scope) ([]*types.GraphEdge, error) {
	session := n.session(ctx)
	defer session.Close(ctx)

	result, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		query := `
			MATCH (a:Entity {group_id: $group_id})-[r:RELATES_TO]->(b:Entity)
			RETURN r.id AS id, r.name AS type, a.id AS source_id, b.id AS target_id,
			       r.created_at AS created_at, r.updated_at AS updated_at
		`
		res, err := tx.Run(ctx, query, map[string]any{"group_id": groupID(scope)})
		if err != nil {
			return nil, err
		}
		return res.Collect(ctx)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list edges: %w", err)
	}

	records := result.([]*neo4j.Record)
	edges := make([]*types.GraphEdge, 0, len(records))
	for _, record := range records {
		e := &types.GraphEdge{}
		if v, ok := record.Get("id"); ok {
			e.ID, _ = v.(string)
		}
		if v, ok := record.Get("type"); ok {
			e.Type, _ = v.(string)
		}
		if v, ok := record.Get("source_id"); ok {
			e.SourceID, _ = v.(string)
		}
		if v, ok := record.Get("target_id"); ok {
			e.TargetID, _ = v.(string)
		}
		if v, ok := record.Get("created_at"); ok {
			e.CreatedAt = asTime(v)
		}
		if v, ok := record.Get("updated_at"); ok {
			e.UpdatedAt = asTime(v)
		}
		edges = append(edges, e)
	}
	return edges, nil
}

func (n *Neo4jEngine) DeleteEdges(ctx context.Context, scope types.Scope, edgeIDs []string) error {
	if len(edgeIDs) == 0 {
		return nil
	}
	session := n.session(ctx)
	defer session.Close(ctx)

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		query := `
			MATCH (:Entity {group_id: $group_id})-[r:RELATES_TO]->(:Entity)
			WHERE r.id IN $ids
			DELETE r
		`
		_, err := tx.Run(ctx, query, map[string]any{
			"group_id": groupID(scope),
			"ids":      edgeIDs,
		})
		return nil, err
	})
	if err != nil {
		return fmt.Errorf("failed to delete edges: %w", err)
	}
	return nil
}

func (n *Neo4jEngine) RebuildCommunities(ctx context.Context, scope types.Scope) (*types.CommunityStats, error) {
	edges, err := n.Edges(ctx, scope)
	if err != nil {
		return nil, err
	}
	entities, err := n.Entities(ctx, scope)
	if err != nil {
		return nil, err
	}

	// Component assignment happens client-side; the write replaces the
	// prior partition wholesale.
	parent := make(map[string]string, len(entities))
	for _, e := range entities {
		parent[e.ID] = e.ID
	}
	var find func(string) string
	find = func(x string) string {
		if parent[x] != x {
			parent[x] = find(parent[x])
		}
		return parent[x]
	}
	for _, e := range edges {
		if _, ok := parent[e.SourceID]; !ok {
			continue
		}
		if _, ok := parent[e.TargetID]; !ok {
			continue
		}
		parent[find(e.SourceID)] = find(e.TargetID)
	}
	members := make(map[string][]string)
	for _, e := range entities {
		root := find(e.ID)
		members[root] = append(members[root], e.ID)
	}

	session := n.session(ctx)
	defer session.Close(ctx)
	_, err = session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		if _, err := tx.Run(ctx, `
			MATCH (c:Community {group_id: $group_id})
			DETACH DELETE c
		`, map[string]any{"group_id": groupID(scope)}); err != nil {
			return nil, err
		}
		now := time.Now().UTC()
		for _, ids := range members {
			if _, err := tx.Run(ctx, `
				CREATE (c:Community {id: $id, group_id: $group_id, created_at: $now})
				WITH c
				MATCH (e:Entity {group_id: $group_id})
				WHERE e.id IN $members
				MERGE (c)-[:HAS_MEMBER]->(e)
			`, map[string]any{
				"id":       uuid.New().String(),
				"group_id": groupID(scope),
				"now":      now,
				"members":  ids,
			}); err != nil {
				return nil, err
			}
		}
		return nil, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to rebuild communities: %w", err)
	}
	return &types.CommunityStats{Communities: len(members), Edges: len(edges)}, nil
}

func (n *Neo4jEngine) Ping(ctx context.Context) error {
	return n.client.VerifyConnectivity(ctx)
}

func (n *Neo4jEngine) Close(ctx context.Context) error {
	return n.client.Close(ctx)
}

// asTime normalizes the timestamp representations the driver may hand back.
func asTime(v any) time.Time {
	switch t := v.(type) {
	case time.Time:
		return t
	case string:
		if parsed, err := time.Parse(time.RFC3339, t); err == nil {
			return parsed
		}
	}
	return time.Time{}
}
