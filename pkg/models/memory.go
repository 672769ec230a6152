package models

import "time"

// MemoryKind classifies a memory entry.
type MemoryKind string

// Memory entry kinds.
const (
	MemoryFact        MemoryKind = "fact"
	MemoryObservation MemoryKind = "observation"
	MemoryReflection  MemoryKind = "reflection"
	MemoryMessage     MemoryKind = "message"
	MemoryPlan        MemoryKind = "plan"
	MemoryResult      MemoryKind = "result"
)

// MemoryEntry is one stored memory with lifecycle tracking.
type MemoryEntry struct {
	ID             string         `json:"id"`
	Content        string         `json:"content"`
	Kind           MemoryKind     `json:"type"`
	CreatedAt      time.Time      `json:"createdAt"`
	LastAccessedAt time.Time      `json:"lastAccessedAt"`
	AccessCount    int            `json:"accessCount,omitempty"`
	Importance     float64        `json:"importance"` // in [0,1]
	Embedding      []float32      `json:"embedding,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	Tags           []string       `json:"tags,omitempty"`
	Source         string         `json:"source,omitempty"`
}

// Relationship is one directed edge of an entity's relationship multigraph.
type Relationship struct {
	Relation   string         `json:"relation"`
	EntityID   string         `json:"entityId"`
	Confidence float64        `json:"confidence"` // in [0,1]
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// Entity is a tracked named thing with attributes and relationships.
// Indexed by normalized (lower-cased, trimmed) name and by type.
type Entity struct {
	ID             string         `json:"id"`
	Name           string         `json:"name"`
	Type           string         `json:"type"`
	Attributes     map[string]any `json:"attributes,omitempty"`
	Relationships  []Relationship `json:"relationships,omitempty"`
	CreatedAt      time.Time      `json:"createdAt"`
	UpdatedAt      time.Time      `json:"updatedAt"`
	LastAccessedAt time.Time      `json:"lastAccessedAt"`
	Sources        []string       `json:"sources,omitempty"`
}

// KnowledgeChunk is a piece of content plus embedding and metadata held in
// the vector store. All chunks in one collection share the embedding
// dimensionality.
type KnowledgeChunk struct {
	ID        string         `json:"id"`
	Content   string         `json:"content"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Embedding []float32      `json:"embedding,omitempty"`
}
