package types

import "time"

// The types below are the slice of the knowledge graph this console needs to
// see. The graph engine owns the full model (embeddings, provenance, temporal
// validity); maintenance operations only touch identity, timestamps and the
// fields their selection rules read.

// Entity is a graph node subject to deduplication.
type Entity struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	EntityType string    `json:"entity_type,omitempty"`
	Summary    string    `json:"summary,omitempty"`
	Embedding  []float32 `json:"embedding,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// GraphEdge is a relationship subject to stale-edge invalidation.
type GraphEdge struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	SourceID  string    `json:"source_id"`
	TargetID  string    `json:"target_id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Episode is a unit of source material folded into the graph by an
// incremental refresh.
type Episode struct {
	ID        string    `json:"id"`
	Name      string    `json:"name,omitempty"`
	Content   string    `json:"content,omitempty"`
	Reference time.Time `json:"reference"`
	CreatedAt time.Time `json:"created_at"`
}

// SimilarPair is one candidate duplicate pair reported by the engine's
// similarity search. Scores are in [0, 1].
type SimilarPair struct {
	A     string  `json:"a"`
	B     string  `json:"b"`
	Score float64 `json:"score"`
}

// CommunityStats summarizes a community rebuild.
type CommunityStats struct {
	Communities int `json:"communities_count"`
	Edges       int `json:"edges_count"`
}
