package memory

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/crewline/crewline/pkg/events"
	"github.com/crewline/crewline/pkg/models"
	"github.com/crewline/crewline/pkg/storage"
)

// Kind selects a memory tier for reset and recall operations.
type Kind string

// Memory tiers.
const (
	KindShortTerm Kind = "short_term"
	KindLongTerm  Kind = "long_term"
	KindEntity    Kind = "entity"
	KindUser      Kind = "user"
	KindAll       Kind = "all"
)

// ManagerOptions configures the tiered memory manager.
type ManagerOptions struct {
	ShortTerm ShortTermOptions
	// Store backs the long-term tier; nil keeps the tier in-process.
	Store      storage.Store
	Namespace  string
	ArchiveAge time.Duration
	// UserNamespace enables the user memory tier when non-empty.
	UserNamespace string

	TrackEntitySources bool

	// PruneThreshold triggers a long-term prune pass when the entry count
	// reaches it; zero disables pruning.
	PruneThreshold int
	PruneRatio     float64
	PruneStrategy  PruneStrategy

	Bus *events.Bus
}

// Manager bundles the memory tiers, publishes lifecycle events, and
// triggers long-term pruning.
type Manager struct {
	short  *ShortTerm
	long   *LongTerm
	entity *EntityMemory
	user   *LongTerm
	bus    *events.Bus
	log    *slog.Logger

	pruneThreshold int
	pruneRatio     float64
	pruneStrategy  PruneStrategy
}

// NewManager builds the tiers. The long-term tier (and the user tier when
// a namespace is configured) rebuilds its indexes from the store.
func NewManager(ctx context.Context, opts ManagerOptions) (*Manager, error) {
	store := opts.Store
	if store == nil {
		store = storage.NewMemoryStore()
	}
	namespace := opts.Namespace
	if namespace == "" {
		namespace = "long_term"
	}

	long, err := NewLongTerm(ctx, LongTermOptions{
		Namespace:  namespace,
		Store:      store,
		ArchiveAge: opts.ArchiveAge,
	})
	if err != nil {
		return nil, err
	}

	var user *LongTerm
	if opts.UserNamespace != "" {
		user, err = NewLongTerm(ctx, LongTermOptions{
			Namespace:  opts.UserNamespace,
			Store:      store,
			ArchiveAge: opts.ArchiveAge,
		})
		if err != nil {
			return nil, err
		}
	}

	strategy := opts.PruneStrategy
	if strategy == "" {
		strategy = PruneLRU
	}
	ratio := opts.PruneRatio
	if ratio <= 0 {
		ratio = 0.2
	}

	return &Manager{
		short:          NewShortTerm(opts.ShortTerm),
		long:           long,
		entity:         NewEntityMemory(EntityOptions{TrackSources: opts.TrackEntitySources}),
		user:           user,
		bus:            opts.Bus,
		log:            slog.With("component", "memory.manager"),
		pruneThreshold: opts.PruneThreshold,
		pruneRatio:     ratio,
		pruneStrategy:  strategy,
	}, nil
}

// ShortTerm exposes the short-term tier.
func (m *Manager) ShortTerm() *ShortTerm { return m.short }

// LongTerm exposes the long-term tier.
func (m *Manager) LongTerm() *LongTerm { return m.long }

// Entities exposes the entity tier.
func (m *Manager) Entities() *EntityMemory { return m.entity }

// User exposes the user tier; nil when not configured.
func (m *Manager) User() *LongTerm { return m.user }

// Stop terminates background work (the short-term TTL pruner).
func (m *Manager) Stop() {
	m.short.Stop()
}

func (m *Manager) publish(eventType events.Type, payload any) {
	if m.bus != nil {
		m.bus.Publish(eventType, payload)
	}
}

// Remember writes an entry into short-term memory.
func (m *Manager) Remember(entry models.MemoryEntry) models.MemoryEntry {
	stored := m.short.Add(entry)
	m.publish(events.MemoryAdded, stored)
	return stored
}

// Persist writes an entry into long-term memory and runs the prune check.
func (m *Manager) Persist(ctx context.Context, entry models.MemoryEntry) (models.MemoryEntry, error) {
	stored, replaced, err := m.long.Save(ctx, entry)
	if err != nil {
		return models.MemoryEntry{}, err
	}
	if replaced {
		m.publish(events.MemoryUpdated, stored)
	} else {
		m.publish(events.MemoryAdded, stored)
	}

	if m.pruneThreshold > 0 && m.long.Len() >= m.pruneThreshold {
		count, err := m.long.Prune(ctx, m.pruneStrategy, m.pruneRatio)
		if err != nil {
			// Pruning failure must not fail the write that triggered it.
			m.log.Warn("Long-term prune failed", "error", err)
		} else if count > 0 {
			m.publish(events.MemoriesPruned, events.PrunedPayload{
				Count:    count,
				Strategy: string(m.pruneStrategy),
			})
		}
	}
	return stored, nil
}

// Forget removes an entry from long-term memory.
func (m *Manager) Forget(ctx context.Context, id string) (bool, error) {
	removed, err := m.long.Delete(ctx, id)
	if err != nil {
		return removed, err
	}
	if removed {
		m.publish(events.MemoryDeleted, id)
	}
	return removed, nil
}

// RecordEntity upserts an entity and publishes the matching event.
func (m *Manager) RecordEntity(name, entityType string, attrs map[string]any, source string) models.Entity {
	entity, updated := m.entity.AddOrUpdate(name, entityType, attrs, source)
	if updated {
		m.publish(events.MemoryUpdated, entity)
	} else {
		m.publish(events.MemoryAdded, entity)
	}
	return entity
}

// Reset clears the selected tier; KindAll clears every tier.
func (m *Manager) Reset(ctx context.Context, kind Kind) error {
	switch kind {
	case KindShortTerm:
		m.short.Clear()
	case KindLongTerm:
		return m.long.Clear(ctx)
	case KindEntity:
		m.entity.Clear()
	case KindUser:
		if m.user == nil {
			return fmt.Errorf("user memory is not configured")
		}
		return m.user.Clear(ctx)
	case KindAll:
		m.short.Clear()
		m.entity.Clear()
		if err := m.long.Clear(ctx); err != nil {
			return err
		}
		if m.user != nil {
			return m.user.Clear(ctx)
		}
	default:
		return fmt.Errorf("unknown memory kind %q", kind)
	}
	return nil
}
