package memory

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/crewline/crewline/pkg/models"
)

// EntityOptions configures an EntityMemory.
type EntityOptions struct {
	// TrackSources appends a unique source id to an entity on every
	// addition when enabled.
	TrackSources bool
}

// EntityMemory tracks named entities with attributes and a directed
// relationship multigraph, indexed by normalized name and by type.
type EntityMemory struct {
	trackSources bool

	mu       sync.RWMutex
	entities map[string]models.Entity
	// byName maps normalized name -> entity ids sharing that name.
	byName map[string]map[string]struct{}
	// byType maps type -> entity ids.
	byType map[string]map[string]struct{}
}

// NewEntityMemory creates an empty entity memory.
func NewEntityMemory(opts EntityOptions) *EntityMemory {
	return &EntityMemory{
		trackSources: opts.TrackSources,
		entities:     make(map[string]models.Entity),
		byName:       make(map[string]map[string]struct{}),
		byType:       make(map[string]map[string]struct{}),
	}
}

// NormalizeEntityName lower-cases and trims a name for index lookups.
func NormalizeEntityName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// EntityID derives the stable id for a (name, type) pair.
func EntityID(name, entityType string) string {
	return fmt.Sprintf("%s:%s", entityType, NormalizeEntityName(name))
}

// AddOrUpdate upserts an entity. Attributes merge over existing ones;
// when source tracking is enabled the source id is appended once. It
// reports whether an existing entity was updated.
func (m *EntityMemory) AddOrUpdate(name, entityType string, attrs map[string]any, source string) (models.Entity, bool) {
	id := EntityID(name, entityType)
	now := time.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	entity, updated := m.entities[id]
	if !updated {
		entity = models.Entity{
			ID:        id,
			Name:      name,
			Type:      entityType,
			CreatedAt: now,
		}
		m.addToIndex(m.byName, NormalizeEntityName(name), id)
		m.addToIndex(m.byType, entityType, id)
	}
	if entity.Attributes == nil && len(attrs) > 0 {
		entity.Attributes = make(map[string]any, len(attrs))
	}
	for k, v := range attrs {
		entity.Attributes[k] = v
	}
	if m.trackSources && source != "" && !contains(entity.Sources, source) {
		entity.Sources = append(entity.Sources, source)
	}
	entity.UpdatedAt = now

	m.entities[id] = entity
	return entity, updated
}

func (m *EntityMemory) addToIndex(index map[string]map[string]struct{}, key, id string) {
	ids, ok := index[key]
	if !ok {
		ids = make(map[string]struct{})
		index[key] = ids
	}
	ids[id] = struct{}{}
}

func contains(list []string, item string) bool {
	for _, x := range list {
		if x == item {
			return true
		}
	}
	return false
}

// AddRelationship appends one directed edge to the entity's multigraph.
// Confidence is clamped into [0, 1]. Unknown source entities are an
// error; the target is not required to exist yet.
func (m *EntityMemory) AddRelationship(entityID string, rel models.Relationship) error {
	if rel.Confidence < 0 {
		rel.Confidence = 0
	} else if rel.Confidence > 1 {
		rel.Confidence = 1
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	entity, ok := m.entities[entityID]
	if !ok {
		return fmt.Errorf("unknown entity %q", entityID)
	}
	entity.Relationships = append(entity.Relationships, rel)
	entity.UpdatedAt = time.Now()
	m.entities[entityID] = entity
	return nil
}

// Get returns one entity by id and marks it accessed.
func (m *EntityMemory) Get(id string) (models.Entity, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entity, ok := m.entities[id]
	if !ok {
		return models.Entity{}, false
	}
	entity.LastAccessedAt = time.Now()
	m.entities[id] = entity
	return entity, true
}

// ByName returns every entity sharing the normalized name.
func (m *EntityMemory) ByName(name string) []models.Entity {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.collectLocked(m.byName[NormalizeEntityName(name)])
}

// ByType returns every entity of the given type.
func (m *EntityMemory) ByType(entityType string) []models.Entity {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.collectLocked(m.byType[entityType])
}

func (m *EntityMemory) collectLocked(ids map[string]struct{}) []models.Entity {
	out := make([]models.Entity, 0, len(ids))
	for id := range ids {
		out = append(out, m.entities[id])
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Recall returns entities whose name words overlap the query, most
// recently updated first.
func (m *EntityMemory) Recall(query string, limit int) []models.Entity {
	queryWords := wordSet(query)

	m.mu.RLock()
	defer m.mu.RUnlock()

	var matches []models.Entity
	for _, entity := range m.entities {
		if entityMatches(entity, queryWords) {
			matches = append(matches, entity)
		}
	}
	sort.Slice(matches, func(i, j int) bool {
		if !matches[i].UpdatedAt.Equal(matches[j].UpdatedAt) {
			return matches[i].UpdatedAt.After(matches[j].UpdatedAt)
		}
		return matches[i].ID < matches[j].ID
	})
	if limit > 0 && len(matches) > limit {
		matches = matches[:limit]
	}
	return matches
}

func entityMatches(entity models.Entity, queryWords map[string]struct{}) bool {
	if len(queryWords) == 0 {
		return true
	}
	for _, word := range indexableWords(entity.Name) {
		if _, ok := queryWords[word]; ok {
			return true
		}
	}
	return false
}

// Delete removes one entity and its index references.
func (m *EntityMemory) Delete(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	entity, ok := m.entities[id]
	if !ok {
		return false
	}
	delete(m.entities, id)
	m.dropFromIndex(m.byName, NormalizeEntityName(entity.Name), id)
	m.dropFromIndex(m.byType, entity.Type, id)
	return true
}

func (m *EntityMemory) dropFromIndex(index map[string]map[string]struct{}, key, id string) {
	if ids, ok := index[key]; ok {
		delete(ids, id)
		if len(ids) == 0 {
			delete(index, key)
		}
	}
}

// Clear drops every entity.
func (m *EntityMemory) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entities = make(map[string]models.Entity)
	m.byName = make(map[string]map[string]struct{})
	m.byType = make(map[string]map[string]struct{})
}

// Len returns the entity count.
func (m *EntityMemory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entities)
}
