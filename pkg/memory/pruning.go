package memory

import (
	"context"
	"fmt"
	"sort"

	"github.com/crewline/crewline/pkg/models"
)

// PruneStrategy selects which entries a prune pass removes.
type PruneStrategy string

// Supported pruning strategies.
const (
	PruneLRU        PruneStrategy = "lru"
	PruneLFU        PruneStrategy = "lfu"
	PruneImportance PruneStrategy = "importance"
	PruneAge        PruneStrategy = "age"
)

// Valid reports whether the strategy is one the pruner implements.
func (s PruneStrategy) Valid() bool {
	switch s {
	case PruneLRU, PruneLFU, PruneImportance, PruneAge:
		return true
	}
	return false
}

// victimLess orders entries most-prunable first for each strategy.
func victimLess(strategy PruneStrategy, a, b models.MemoryEntry) bool {
	switch strategy {
	case PruneLFU:
		if a.AccessCount != b.AccessCount {
			return a.AccessCount < b.AccessCount
		}
	case PruneImportance:
		if a.Importance != b.Importance {
			return a.Importance < b.Importance
		}
	case PruneAge:
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
	default: // lru
		// A never-accessed entry falls back to its creation time.
		at, bt := a.LastAccessedAt, b.LastAccessedAt
		if at.IsZero() {
			at = a.CreatedAt
		}
		if bt.IsZero() {
			bt = b.CreatedAt
		}
		if !at.Equal(bt) {
			return at.Before(bt)
		}
	}
	return a.CreatedAt.Before(b.CreatedAt)
}

// Prune removes ratio·N entries chosen by the strategy and returns how
// many were removed. Callers gate it on their own threshold.
func (lt *LongTerm) Prune(ctx context.Context, strategy PruneStrategy, ratio float64) (int, error) {
	if !strategy.Valid() {
		return 0, fmt.Errorf("unknown prune strategy %q", strategy)
	}
	if ratio <= 0 {
		return 0, nil
	}
	if ratio > 1 {
		ratio = 1
	}

	lt.mu.RLock()
	entries := make([]models.MemoryEntry, 0, len(lt.entries))
	for _, entry := range lt.entries {
		entries = append(entries, entry)
	}
	lt.mu.RUnlock()

	count := int(float64(len(entries)) * ratio)
	if count == 0 {
		return 0, nil
	}

	sort.SliceStable(entries, func(i, j int) bool {
		return victimLess(strategy, entries[i], entries[j])
	})

	for _, victim := range entries[:count] {
		if _, err := lt.Delete(ctx, victim.ID); err != nil {
			return 0, fmt.Errorf("pruning entry %s: %w", victim.ID, err)
		}
	}
	lt.log.Info("Pruned long-term entries", "count", count, "strategy", string(strategy))
	return count, nil
}
